// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"github.com/google/uuid"

	"github.com/AleutianAI/chatstream/services/llm"
	"github.com/AleutianAI/chatstream/services/orchestrator/datatypes"
)

// =============================================================================
// Interface Definition
// =============================================================================

// SSEWriter writes bridge events as Server-Sent Events.
//
// # Description
//
// Each event is written as
//
//	id: {uuid}
//	event: {type}
//	data: {json}
//
// and flushed immediately.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use; the keep-alive ticker
// writes from its own goroutine.
type SSEWriter interface {
	// WriteEvent writes one event with a JSON payload.
	WriteEvent(eventType string, payload any) error

	// WriteProgress writes a progress snapshot.
	WriteProgress(resp llm.Response) error

	// WriteDone writes the final message. No event follows it.
	WriteDone(done datatypes.MessageResponse) error

	// WriteError writes a failure. No event follows it.
	WriteError(ev datatypes.ErrorEvent) error

	// WriteKeepAlive sends an SSE comment so idle proxies keep the
	// connection open.
	WriteKeepAlive() error
}

// =============================================================================
// Struct Definition
// =============================================================================

// sseWriter implements SSEWriter over an http.ResponseWriter.
type sseWriter struct {
	writer  http.ResponseWriter
	flusher http.Flusher
	mu      sync.Mutex
}

// NewSSEWriter creates an SSEWriter for w.
//
// # Inputs
//
//   - w: Must implement http.Flusher.
//
// # Outputs
//
//   - SSEWriter: Ready to write.
//   - error: Non-nil if w cannot flush.
//
// # Examples
//
//	SetSSEHeaders(w)
//	writer, err := NewSSEWriter(w)
//	if err != nil {
//	    http.Error(w, "Streaming not supported", http.StatusInternalServerError)
//	    return
//	}
//	writer.WriteProgress(resp)
//
// # Assumptions
//
//   - Caller has set SSE headers via SetSSEHeaders()
func NewSSEWriter(w http.ResponseWriter) (SSEWriter, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("ResponseWriter does not support http.Flusher")
	}
	return &sseWriter{writer: w, flusher: flusher}, nil
}

// =============================================================================
// Methods
// =============================================================================

func (w *sseWriter) WriteEvent(eventType string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s event: %w", eventType, err)
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if _, err := fmt.Fprintf(w.writer, "id: %s\nevent: %s\ndata: %s\n\n", uuid.NewString(), eventType, data); err != nil {
		return fmt.Errorf("write %s event: %w", eventType, err)
	}
	w.flusher.Flush()
	return nil
}

func (w *sseWriter) WriteProgress(resp llm.Response) error {
	return w.WriteEvent(datatypes.EventProgress, datatypes.NewProgressEvent(resp))
}

func (w *sseWriter) WriteDone(done datatypes.MessageResponse) error {
	return w.WriteEvent(datatypes.EventDone, done)
}

func (w *sseWriter) WriteError(ev datatypes.ErrorEvent) error {
	return w.WriteEvent(datatypes.EventError, ev)
}

func (w *sseWriter) WriteKeepAlive() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if _, err := fmt.Fprint(w.writer, ": ping\n\n"); err != nil {
		return fmt.Errorf("write keepalive: %w", err)
	}
	w.flusher.Flush()
	return nil
}

// =============================================================================
// Helper Functions
// =============================================================================

// SetSSEHeaders configures the response for Server-Sent Events. It must be
// called before anything is written.
func SetSSEHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
}

var _ SSEWriter = (*sseWriter)(nil)
