// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package orchestrator

import (
	"context"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/chatstream/services/llm"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type wordTokenizer struct{}

func (wordTokenizer) Count(text string) int   { return len(strings.Fields(text)) }
func (wordTokenizer) Encode(text string) []int { return make([]int, len(strings.Fields(text))) }

func newClient(t *testing.T) *llm.Client {
	t.Helper()
	client, err := llm.NewClient(llm.Config{},
		llm.WithTokenizer(wordTokenizer{}),
		llm.WithTransport(llm.TransportFunc(func(ctx context.Context, req llm.TransportRequest) (*llm.TransportResponse, error) {
			return &llm.TransportResponse{
				StatusCode: http.StatusOK,
				Body: io.NopCloser(strings.NewReader(
					`{"id":"x","choices":[{"index":0,"message":{"role":"assistant","content":"pong"}}]}`)),
			}, nil
		})),
	)
	require.NoError(t, err)
	return client
}

func TestNew_RejectsNilClient(t *testing.T) {
	_, err := New(Config{}, nil, nil, nil, nil)
	assert.Error(t, err)
}

func TestConfig_Defaults(t *testing.T) {
	cfg := Config{}.withDefaults()
	assert.Equal(t, DefaultAddr, cfg.Addr)
	assert.Equal(t, DefaultShutdownTimeout, cfg.ShutdownTimeout)
	assert.Equal(t, DefaultKeepAlive, cfg.KeepAlive)

	cfg = Config{Addr: ":9", KeepAlive: -1}.withDefaults()
	assert.Equal(t, ":9", cfg.Addr)
	assert.Equal(t, time.Duration(-1), cfg.KeepAlive)
}

func TestRouter_AnswersJSON(t *testing.T) {
	svc, err := New(Config{}, newClient(t), nil, nil, nil)
	require.NoError(t, err)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/messages", strings.NewReader(`{"text":"ping","stream":false}`))
	req.Header.Set("Content-Type", "application/json")
	svc.Router().ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"pong"`)
}

func TestServe_ShutsDownOnCancel(t *testing.T) {
	svc, err := New(Config{ShutdownTimeout: time.Second}, newClient(t), nil, nil, nil)
	require.NoError(t, err)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- svc.Serve(ctx, ln) }()

	url := "http://" + ln.Addr().String() + "/health"
	require.Eventually(t, func() bool {
		resp, err := http.Get(url)
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}
}

func TestRun_ListenError(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	svc, err := New(Config{Addr: ln.Addr().String()}, newClient(t), nil, nil, nil)
	require.NoError(t, err)
	assert.Error(t, svc.Run(context.Background()))
}
