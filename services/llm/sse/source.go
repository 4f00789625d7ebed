// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package sse decodes text/event-stream bodies.
//
// Response bodies arrive either as a pull-based io.ReadCloser (net/http) or
// as a push-based channel of chunks (transports that receive bytes from a
// callback). FromReader and FromChannel normalize both into a Source, and a
// Decoder turns any Source into discrete events.
package sse

import (
	"context"
	"errors"
	"io"
)

// Chunk is one piece of a push-delivered byte stream. A chunk carrying a
// non-nil Err ends the stream with that error.
type Chunk struct {
	Data []byte
	Err  error
}

// Source yields the raw bytes of a stream in order.
type Source interface {
	// Next returns the next non-empty chunk, or io.EOF at end of stream.
	Next(ctx context.Context) ([]byte, error)

	// Close releases the underlying stream.
	Close() error
}

// readBufferSize is the largest chunk a reader source returns.
const readBufferSize = 4096

// =============================================================================
// Reader Source
// =============================================================================

type readerSource struct {
	r       io.ReadCloser
	buf     []byte
	pending error
}

// FromReader adapts a pull-based body into a Source.
func FromReader(r io.ReadCloser) Source {
	return &readerSource{r: r, buf: make([]byte, readBufferSize)}
}

func (s *readerSource) Next(ctx context.Context) ([]byte, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if s.pending != nil {
			return nil, s.pending
		}

		n, err := s.r.Read(s.buf)
		if err != nil {
			s.pending = err
		}
		if n > 0 {
			return append([]byte(nil), s.buf[:n]...), nil
		}
	}
}

func (s *readerSource) Close() error {
	return s.r.Close()
}

// =============================================================================
// Channel Source
// =============================================================================

type channelSource struct {
	ch   <-chan Chunk
	done bool
}

// FromChannel adapts a push-based byte stream into a Source. A closed
// channel is end of stream.
func FromChannel(ch <-chan Chunk) Source {
	return &channelSource{ch: ch}
}

func (s *channelSource) Next(ctx context.Context) ([]byte, error) {
	for {
		if s.done {
			return nil, io.EOF
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case chunk, ok := <-s.ch:
			if !ok {
				s.done = true
				return nil, io.EOF
			}
			if chunk.Err != nil {
				s.done = true
				if errors.Is(chunk.Err, io.EOF) {
					return nil, io.EOF
				}
				return nil, chunk.Err
			}
			if len(chunk.Data) > 0 {
				return chunk.Data, nil
			}
		}
	}
}

func (s *channelSource) Close() error {
	s.done = true
	return nil
}

// =============================================================================
// Slice Source
// =============================================================================

// FromStrings returns a Source that yields each string as one chunk.
// Chunk boundaries are preserved exactly, which makes it useful for
// replaying captured streams.
func FromStrings(chunks ...string) Source {
	ch := make(chan Chunk, len(chunks))
	for _, c := range chunks {
		ch <- Chunk{Data: []byte(c)}
	}
	close(ch)
	return FromChannel(ch)
}
