// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package middleware provides HTTP middleware for the chat bridge.
//
// # Authentication Flow
//
//	Request
//	   │
//	   ▼
//	BearerAuth
//	   │
//	   ├─► Extract token from "Authorization: Bearer <token>"
//	   │
//	   └─► Compare with the configured token
//	           │
//	           ▼
//	       Handler
//
// An empty configured token disables the check, which is how the bridge
// runs on a loopback address.
package middleware

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// BearerAuth rejects requests whose bearer token does not match token.
//
// # Inputs
//
//   - token: The shared secret. Empty allows every request.
//
// # Outputs
//
//   - gin.HandlerFunc: Aborts with 401 on a missing or wrong token.
//
// # Thread Safety
//
// Thread-safe. The returned middleware can be used concurrently.
func BearerAuth(token string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if token == "" {
			c.Next()
			return
		}
		got := extractBearerToken(c)
		if got == "" || subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"kind":    "unauthorized",
				"message": "unauthorized",
			})
			return
		}
		c.Next()
	}
}

// extractBearerToken extracts the token from the Authorization header.
//
// # Description
//
// Parses the Authorization header expecting format: "Bearer <token>"
// Returns empty string if header is missing or malformed.
// The "Bearer" prefix is case-insensitive per RFC 7235.
//
// # Examples
//
//	// Header: "Authorization: Bearer abc123"
//	token := extractBearerToken(c)
//	// token == "abc123"
func extractBearerToken(c *gin.Context) string {
	authHeader := c.GetHeader("Authorization")
	if authHeader == "" {
		return ""
	}

	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}

	return strings.TrimSpace(parts[1])
}
