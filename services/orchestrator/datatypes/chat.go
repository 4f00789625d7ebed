// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package datatypes holds the wire types of the chat bridge HTTP API.
package datatypes

import (
	"time"

	"github.com/AleutianAI/chatstream/services/llm"
	llmtypes "github.com/AleutianAI/chatstream/services/llm/datatypes"
)

// Stream event types written by the bridge.
const (
	EventProgress = "progress"
	EventDone     = "done"
	EventError    = "error"
)

// SendMessageRequest is the body of POST /v1/chat/messages.
type SendMessageRequest struct {
	Text            string                `json:"text" binding:"required,max=262144"`
	ParentMessageID string                `json:"parent_message_id,omitempty" binding:"omitempty,max=256"`
	MessageID       string                `json:"message_id,omitempty" binding:"omitempty,max=256"`
	ConversationID  string                `json:"conversation_id,omitempty" binding:"omitempty,max=256"`
	SystemMessage   *string               `json:"system_message,omitempty"`
	Name            string                `json:"name,omitempty" binding:"omitempty,max=64"`
	TimeoutMS       int                   `json:"timeout_ms,omitempty" binding:"omitempty,min=0,max=600000"`
	Stream          *bool                 `json:"stream,omitempty"`
	HistoryDisabled bool                  `json:"history_disabled,omitempty"`
	Params          *llm.CompletionParams `json:"params,omitempty"`
}

// WantsStream reports whether the caller asked for server-sent events.
// Streaming is the default.
func (r SendMessageRequest) WantsStream() bool {
	return r.Stream == nil || *r.Stream
}

// Options converts the request into per-call client options.
func (r SendMessageRequest) Options() llm.SendOptions {
	opts := llm.SendOptions{
		ParentMessageID: r.ParentMessageID,
		MessageID:       r.MessageID,
		ConversationID:  r.ConversationID,
		SystemMessage:   r.SystemMessage,
		Name:            r.Name,
		Timeout:         time.Duration(r.TimeoutMS) * time.Millisecond,
		HistoryDisabled: r.HistoryDisabled,
	}
	if r.Params != nil {
		opts.Params = *r.Params
	}
	return opts
}

// ContinueRequest is the optional body of POST /v1/chat/messages/:id/continue.
type ContinueRequest struct {
	TimeoutMS int   `json:"timeout_ms,omitempty" binding:"omitempty,min=0,max=600000"`
	Stream    *bool `json:"stream,omitempty"`
}

// WantsStream reports whether the caller asked for server-sent events.
func (r ContinueRequest) WantsStream() bool {
	return r.Stream == nil || *r.Stream
}

// ProgressEvent is the data of a progress event.
type ProgressEvent struct {
	ID    string        `json:"id"`
	Role  llmtypes.Role `json:"role"`
	Text  string        `json:"text"`
	Delta string        `json:"delta,omitempty"`
}

// NewProgressEvent snapshots a streamed response.
func NewProgressEvent(r llm.Response) ProgressEvent {
	return ProgressEvent{ID: r.ID, Role: r.Role, Text: r.Text, Delta: r.Delta}
}

// MessageResponse is the data of a done event and the body of JSON answers.
type MessageResponse struct {
	Message   llmtypes.Message `json:"message"`
	Truncated bool             `json:"truncated"`
}

// ErrorEvent is the data of an error event and the body of error answers.
type ErrorEvent struct {
	Kind       string `json:"kind"`
	Message    string `json:"message"`
	StatusCode int    `json:"status_code,omitempty"`
}

// HistoryResponse is the body of GET /v1/chat/messages/:id/history.
type HistoryResponse struct {
	Messages []llmtypes.Message `json:"messages"`
}
