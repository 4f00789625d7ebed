// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package routes

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/chatstream/services/llm"
	"github.com/AleutianAI/chatstream/services/llm/observability"
	"github.com/AleutianAI/chatstream/services/orchestrator/handlers"
)

// ============================================================================
// Test Setup
// ============================================================================

func init() {
	// Set Gin to test mode to reduce noise in test output
	gin.SetMode(gin.TestMode)
}

type wordTokenizer struct{}

func (wordTokenizer) Count(text string) int   { return len(strings.Fields(text)) }
func (wordTokenizer) Encode(text string) []int { return make([]int, len(strings.Fields(text))) }

func newRouter(t *testing.T, gatherer prometheus.Gatherer, token string) *gin.Engine {
	t.Helper()
	client, err := llm.NewClient(llm.Config{}, llm.WithTokenizer(wordTokenizer{}))
	require.NoError(t, err)

	router := gin.New()
	SetupRoutes(router, handlers.NewChatHandler(client, nil, nil, 0), gatherer, token)
	return router
}

func hasRoute(router *gin.Engine, method, path string) bool {
	for _, r := range router.Routes() {
		if r.Method == method && r.Path == path {
			return true
		}
	}
	return false
}

// ============================================================================
// SetupRoutes Tests
// ============================================================================

func TestSetupRoutes_RegistersEndpoints(t *testing.T) {
	router := newRouter(t, prometheus.NewRegistry(), "")

	expected := []struct {
		method string
		path   string
	}{
		{"GET", "/health"},
		{"GET", "/metrics"},
		{"POST", "/v1/chat/messages"},
		{"DELETE", "/v1/chat/messages"},
		{"GET", "/v1/chat/messages/:id"},
		{"GET", "/v1/chat/messages/:id/history"},
		{"POST", "/v1/chat/messages/:id/continue"},
	}
	for _, e := range expected {
		assert.True(t, hasRoute(router, e.method, e.path), "%s %s not registered", e.method, e.path)
	}
}

func TestSetupRoutes_NoGathererSkipsMetrics(t *testing.T) {
	router := newRouter(t, nil, "")
	assert.False(t, hasRoute(router, "GET", "/metrics"))
}

func TestSetupRoutes_MetricsServesRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := observability.NewStreamingMetrics(reg)
	metrics.RecordClientDisconnect("/v1/chat/messages")
	router := newRouter(t, reg, "")

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "client_disconnects_total")
}

func TestSetupRoutes_TokenGuardsAPIOnly(t *testing.T) {
	router := newRouter(t, nil, "s3cret")

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, w.Code)

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodDelete, "/v1/chat/messages", nil))
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodDelete, "/v1/chat/messages", nil)
	req.Header.Set("Authorization", "Bearer s3cret")
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
}
