// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package handlers implements the chat bridge HTTP endpoints.
package handlers

import (
	"context"
	"errors"
	"io"
	"iter"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/chatstream/services/llm"
	llmtypes "github.com/AleutianAI/chatstream/services/llm/datatypes"
	"github.com/AleutianAI/chatstream/services/llm/observability"
	"github.com/AleutianAI/chatstream/services/orchestrator/datatypes"
)

// statusClientClosedRequest is the de facto status for requests whose
// client went away.
const statusClientClosedRequest = 499

// KindInvalidRequest labels bridge-side request validation failures.
const KindInvalidRequest = "invalid_request"

// HealthCheck answers liveness probes.
func HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// =============================================================================
// Chat Handler
// =============================================================================

// ChatHandler exposes an llm.Client over HTTP.
//
// # Description
//
// Streaming answers are written as progress events followed by exactly one
// done or error event. A client that disconnects mid-stream cancels the
// underlying call, so no assistant message is stored for it.
//
// # Thread Safety
//
// Safe for concurrent requests.
type ChatHandler struct {
	client    *llm.Client
	metrics   *observability.StreamingMetrics
	logger    *slog.Logger
	keepAlive time.Duration
}

// NewChatHandler creates a handler. A keepAlive of zero disables SSE
// keep-alive comments; metrics and logger may be nil.
func NewChatHandler(client *llm.Client, metrics *observability.StreamingMetrics, logger *slog.Logger, keepAlive time.Duration) *ChatHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &ChatHandler{client: client, metrics: metrics, logger: logger, keepAlive: keepAlive}
}

// SendMessage handles POST /v1/chat/messages.
func (h *ChatHandler) SendMessage(c *gin.Context) {
	var req datatypes.SendMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, datatypes.ErrorEvent{Kind: KindInvalidRequest, Message: err.Error()})
		return
	}

	ctx := c.Request.Context()
	opts := req.Options()
	if !req.WantsStream() {
		msg, err := h.client.SendMessage(ctx, req.Text, opts)
		h.respondJSON(c, msg, err)
		return
	}
	h.stream(c, "/v1/chat/messages", h.client.Stream(ctx, req.Text, opts))
}

// ContinueMessage handles POST /v1/chat/messages/:id/continue.
//
// The resumed answer is prefixed with the full text of :id, including every
// answer :id itself resumed.
func (h *ChatHandler) ContinueMessage(c *gin.Context) {
	var req datatypes.ContinueRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		c.JSON(http.StatusBadRequest, datatypes.ErrorEvent{Kind: KindInvalidRequest, Message: err.Error()})
		return
	}

	ctx := c.Request.Context()
	msg, ok := h.lookup(c)
	if !ok {
		return
	}
	full, err := h.client.ResumedText(ctx, msg)
	if err != nil {
		h.respondLookupError(c, err)
		return
	}
	msg.Text = full
	cont, truncated, err := h.client.CheckContinuation(ctx, msg)
	if err != nil {
		h.respondLookupError(c, err)
		return
	}
	if !truncated {
		c.JSON(http.StatusConflict, datatypes.ErrorEvent{Kind: KindInvalidRequest, Message: "message is not truncated"})
		return
	}

	opts := llm.SendOptions{Timeout: time.Duration(req.TimeoutMS) * time.Millisecond}
	if !req.WantsStream() {
		out, err := h.client.Continue(ctx, cont, opts)
		h.respondJSON(c, out, err)
		return
	}
	h.stream(c, "/v1/chat/messages/:id/continue", h.client.ContinueStream(ctx, cont, opts))
}

// GetMessage handles GET /v1/chat/messages/:id.
func (h *ChatHandler) GetMessage(c *gin.Context) {
	msg, ok := h.lookup(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, datatypes.MessageResponse{Message: msg, Truncated: llm.CanContinue(msg)})
}

// GetHistory handles GET /v1/chat/messages/:id/history.
func (h *ChatHandler) GetHistory(c *gin.Context) {
	chain, err := h.client.History(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondLookupError(c, err)
		return
	}
	c.JSON(http.StatusOK, datatypes.HistoryResponse{Messages: chain})
}

// ClearMessages handles DELETE /v1/chat/messages.
func (h *ChatHandler) ClearMessages(c *gin.Context) {
	if err := h.client.ClearMessages(c.Request.Context()); err != nil {
		h.logger.Error("clear messages failed", "error", err)
		c.JSON(http.StatusInternalServerError, datatypes.ErrorEvent{Kind: llm.KindInternal, Message: "internal error"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "cleared"})
}

// =============================================================================
// Helpers
// =============================================================================

func (h *ChatHandler) lookup(c *gin.Context) (llmtypes.Message, bool) {
	msg, err := h.client.GetMessage(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondLookupError(c, err)
		return llmtypes.Message{}, false
	}
	return msg, true
}

func (h *ChatHandler) respondLookupError(c *gin.Context, err error) {
	if errors.Is(err, llm.ErrMessageNotFound) {
		c.JSON(http.StatusNotFound, datatypes.ErrorEvent{Kind: "not_found", Message: err.Error()})
		return
	}
	h.logger.Error("message lookup failed", "error", err)
	c.JSON(http.StatusInternalServerError, datatypes.ErrorEvent{Kind: llm.KindInternal, Message: "internal error"})
}

func (h *ChatHandler) respondJSON(c *gin.Context, msg llmtypes.Message, err error) {
	if err != nil {
		status, ev := errorEvent(err)
		c.JSON(status, ev)
		return
	}
	c.JSON(http.StatusOK, h.answered(c.Request.Context(), msg))
}

// answered closes the code fence of a truncated answer, in the store as
// well, and reports whether it can be continued.
func (h *ChatHandler) answered(ctx context.Context, msg llmtypes.Message) datatypes.MessageResponse {
	cont, truncated, err := h.client.CheckContinuation(ctx, msg)
	if err != nil {
		h.logger.Warn("close code fence failed", "message_id", msg.ID, "error", err)
		return datatypes.MessageResponse{Message: msg, Truncated: llm.CanContinue(msg)}
	}
	if truncated {
		msg = cont.Message
	}
	return datatypes.MessageResponse{Message: msg, Truncated: truncated}
}

// stream writes every snapshot of seq as SSE. Returning early stops the
// iteration, which cancels the call.
func (h *ChatHandler) stream(c *gin.Context, endpoint string, seq iter.Seq2[llm.Response, error]) {
	SetSSEHeaders(c.Writer)
	writer, err := NewSSEWriter(c.Writer)
	if err != nil {
		c.JSON(http.StatusInternalServerError, datatypes.ErrorEvent{Kind: llm.KindInternal, Message: "streaming not supported"})
		return
	}
	c.Status(http.StatusOK)

	stop := h.startKeepAlive(writer)
	defer stop()

	for resp, err := range seq {
		if err != nil {
			if c.Request.Context().Err() != nil {
				h.metrics.RecordClientDisconnect(endpoint)
				h.logger.Debug("client disconnected", "endpoint", endpoint)
				return
			}
			_, ev := errorEvent(err)
			if werr := writer.WriteError(ev); werr != nil {
				h.logger.Debug("write error event failed", "error", werr)
			}
			return
		}
		if resp.Done {
			if werr := writer.WriteDone(h.answered(c.Request.Context(), resp.Message())); werr != nil {
				h.logger.Debug("write done event failed", "error", werr)
			}
			return
		}
		if werr := writer.WriteProgress(resp); werr != nil {
			h.metrics.RecordClientDisconnect(endpoint)
			h.logger.Debug("client disconnected", "endpoint", endpoint, "error", werr)
			return
		}
	}
}

// startKeepAlive writes SSE comments until the returned stop is called.
func (h *ChatHandler) startKeepAlive(w SSEWriter) func() {
	if h.keepAlive <= 0 {
		return func() {}
	}
	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(h.keepAlive)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := w.WriteKeepAlive(); err != nil {
					return
				}
			case <-done:
				return
			}
		}
	}()
	return func() {
		close(done)
		wg.Wait()
	}
}

// errorEvent maps a call error to an HTTP status and a client-safe event.
func errorEvent(err error) (int, datatypes.ErrorEvent) {
	if errors.Is(err, llm.ErrEmptyText) {
		return http.StatusBadRequest, datatypes.ErrorEvent{Kind: KindInvalidRequest, Message: err.Error()}
	}

	kind := llm.ErrorKind(err)
	ev := datatypes.ErrorEvent{Kind: kind, Message: err.Error()}
	var remote *llm.RemoteServiceError
	switch kind {
	case llm.KindRemote:
		if errors.As(err, &remote) {
			ev.StatusCode = remote.StatusCode
		}
		return http.StatusBadGateway, ev
	case llm.KindMalformed:
		return http.StatusBadGateway, ev
	case llm.KindTimeout:
		return http.StatusGatewayTimeout, ev
	case llm.KindCancelled:
		return statusClientClosedRequest, ev
	default:
		ev.Message = "internal error"
		return http.StatusInternalServerError, ev
	}
}
