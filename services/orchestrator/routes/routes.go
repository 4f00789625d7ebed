// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package routes registers the chat bridge endpoints on a gin engine.
package routes

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/AleutianAI/chatstream/services/orchestrator/handlers"
	"github.com/AleutianAI/chatstream/services/orchestrator/middleware"
)

// SetupRoutes wires every bridge endpoint.
//
// # Inputs
//
//   - router: Engine to register on.
//   - h: Chat handler serving the /v1 routes.
//   - gatherer: Source for GET /metrics. Nil skips the endpoint.
//   - apiToken: Bearer token guarding /v1. Empty disables auth.
func SetupRoutes(router *gin.Engine, h *handlers.ChatHandler, gatherer prometheus.Gatherer, apiToken string) {
	router.GET("/health", handlers.HealthCheck)
	if gatherer != nil {
		router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))
	}

	// API version 1 group
	v1 := router.Group("/v1", middleware.BearerAuth(apiToken))
	{
		messages := v1.Group("/chat/messages")
		{
			messages.POST("", h.SendMessage)
			messages.DELETE("", h.ClearMessages)
			messages.GET("/:id", h.GetMessage)
			messages.GET("/:id/history", h.GetHistory)
			messages.POST("/:id/continue", h.ContinueMessage)
		}
	}
}
