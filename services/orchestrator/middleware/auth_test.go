// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
)

// =============================================================================
// Test Setup
// =============================================================================

func init() {
	gin.SetMode(gin.TestMode)
}

func newAuthRouter(token string) *gin.Engine {
	router := gin.New()
	router.Use(BearerAuth(token))
	router.GET("/", func(c *gin.Context) { c.String(http.StatusOK, "ok") })
	return router
}

func request(router *gin.Engine, header string) int {
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	if header != "" {
		req.Header.Set("Authorization", header)
	}
	router.ServeHTTP(w, req)
	return w.Code
}

// =============================================================================
// extractBearerToken Tests
// =============================================================================

func TestExtractBearerToken(t *testing.T) {
	tests := []struct {
		header string
		want   string
	}{
		{"Bearer abc123", "abc123"},
		{"bearer ABC123", "ABC123"},
		{"Bearer   padded  ", "padded"},
		{"Basic dXNlcjpwYXNz", ""},
		{"Bearer", ""},
		{"", ""},
	}
	for _, tt := range tests {
		c, _ := gin.CreateTestContext(httptest.NewRecorder())
		c.Request = httptest.NewRequest(http.MethodGet, "/", nil)
		if tt.header != "" {
			c.Request.Header.Set("Authorization", tt.header)
		}
		assert.Equal(t, tt.want, extractBearerToken(c), tt.header)
	}
}

// =============================================================================
// BearerAuth Tests
// =============================================================================

func TestBearerAuth_EmptyTokenAllowsAll(t *testing.T) {
	assert.Equal(t, http.StatusOK, request(newAuthRouter(""), ""))
}

func TestBearerAuth_ChecksToken(t *testing.T) {
	router := newAuthRouter("s3cret")

	assert.Equal(t, http.StatusOK, request(router, "Bearer s3cret"))
	assert.Equal(t, http.StatusUnauthorized, request(router, "Bearer wrong"))
	assert.Equal(t, http.StatusUnauthorized, request(router, ""))
}
