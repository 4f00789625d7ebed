// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package llm

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/AleutianAI/chatstream/services/llm/sse"
)

// TransportRequest is a fully built HTTP call.
type TransportRequest struct {
	Method string
	URL    string
	Header http.Header
	Body   []byte
}

// TransportResponse is the service's answer.
//
// Exactly one of Body (pull-based) or Stream (push-based) is set.
type TransportResponse struct {
	StatusCode int
	StatusText string
	Header     http.Header
	Body       io.ReadCloser
	Stream     <-chan sse.Chunk
}

// OK reports a 2xx status.
func (r *TransportResponse) OK() bool {
	return r.StatusCode >= 200 && r.StatusCode < 300
}

// Source normalizes the body into an sse.Source.
func (r *TransportResponse) Source() sse.Source {
	if r.Stream != nil {
		return sse.FromChannel(r.Stream)
	}
	if r.Body == nil {
		return sse.FromReader(io.NopCloser(strings.NewReader("")))
	}
	return sse.FromReader(r.Body)
}

// ReadAll returns the whole body regardless of representation.
func (r *TransportResponse) ReadAll(ctx context.Context) ([]byte, error) {
	src := r.Source()
	defer src.Close()

	var buf bytes.Buffer
	for {
		chunk, err := src.Next(ctx)
		if errors.Is(err, io.EOF) {
			return buf.Bytes(), nil
		}
		if err != nil {
			return buf.Bytes(), err
		}
		buf.Write(chunk)
	}
}

// Transport performs one HTTP call. The context must be honored for
// cancellation; callers still enforce timeouts if it is not.
type Transport interface {
	Do(ctx context.Context, req TransportRequest) (*TransportResponse, error)
}

// TransportFunc adapts a function to Transport.
type TransportFunc func(ctx context.Context, req TransportRequest) (*TransportResponse, error)

// Do implements Transport.
func (f TransportFunc) Do(ctx context.Context, req TransportRequest) (*TransportResponse, error) {
	return f(ctx, req)
}

// =============================================================================
// HTTP Transport
// =============================================================================

// HTTPTransport sends requests with net/http.
type HTTPTransport struct {
	client *http.Client
	push   bool
}

// NewHTTPTransport creates a transport. A nil client gets one with no
// overall timeout, since streamed answers can run for minutes and call
// deadlines are enforced per call.
func NewHTTPTransport(client *http.Client) *HTTPTransport {
	if client == nil {
		client = &http.Client{Transport: &http.Transport{
			Proxy:                 http.ProxyFromEnvironment,
			ResponseHeaderTimeout: 2 * time.Minute,
			IdleConnTimeout:       90 * time.Second,
		}}
	}
	return &HTTPTransport{client: client}
}

// WithPush makes the transport deliver bodies as a push-based chunk
// channel fed by a reader goroutine instead of a pull-based reader.
func (t *HTTPTransport) WithPush() *HTTPTransport {
	return &HTTPTransport{client: t.client, push: true}
}

// Do implements Transport.
func (t *HTTPTransport) Do(ctx context.Context, req TransportRequest) (*TransportResponse, error) {
	httpReq, err := http.NewRequestWithContext(ctx, req.Method, req.URL, bytes.NewReader(req.Body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	for k, values := range req.Header {
		for _, v := range values {
			httpReq.Header.Add(k, v)
		}
	}

	resp, err := t.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("send request to %s: %w", req.URL, err)
	}

	out := &TransportResponse{
		StatusCode: resp.StatusCode,
		StatusText: statusText(resp),
		Header:     resp.Header,
	}
	if t.push {
		out.Stream = pump(ctx, resp.Body)
	} else {
		out.Body = resp.Body
	}
	return out, nil
}

// statusText returns the reason phrase the server sent, falling back to
// the standard one.
func statusText(resp *http.Response) string {
	if _, text, ok := strings.Cut(resp.Status, " "); ok && text != "" {
		return text
	}
	return http.StatusText(resp.StatusCode)
}

// pump reads body on a goroutine and pushes chunks until EOF, error or
// context cancellation. The body is closed when pumping stops.
func pump(ctx context.Context, body io.ReadCloser) <-chan sse.Chunk {
	ch := make(chan sse.Chunk)
	go func() {
		defer close(ch)
		defer body.Close()

		buf := make([]byte, 4096)
		for {
			n, err := body.Read(buf)
			if n > 0 {
				select {
				case ch <- sse.Chunk{Data: append([]byte(nil), buf[:n]...)}:
				case <-ctx.Done():
					return
				}
			}
			if err != nil {
				if !errors.Is(err, io.EOF) {
					select {
					case ch <- sse.Chunk{Err: err}:
					case <-ctx.Done():
					}
				}
				return
			}
		}
	}()
	return ch
}
