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
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync/atomic"

	"github.com/sashabaranov/go-openai"

	"github.com/AleutianAI/chatstream/services/llm/datatypes"
	"github.com/AleutianAI/chatstream/services/llm/sse"
)

// =============================================================================
// State Machine
// =============================================================================

// State is the aggregator's lifecycle position.
//
//	IDLE -> REQUESTING -> {STREAMING | BUFFERING_FULL} -> DONE | FAILED
type State int32

const (
	StateIdle State = iota
	StateRequesting
	StateStreaming
	StateBufferingFull
	StateDone
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateRequesting:
		return "REQUESTING"
	case StateStreaming:
		return "STREAMING"
	case StateBufferingFull:
		return "BUFFERING_FULL"
	case StateDone:
		return "DONE"
	case StateFailed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

// Terminal reports whether no further transition can happen.
func (s State) Terminal() bool {
	return s == StateDone || s == StateFailed
}

// =============================================================================
// Response
// =============================================================================

// Response is the in-progress answer. Observers receive value copies.
type Response struct {
	// ID is the remote completion id once known, a local UUID before.
	ID string `json:"id"`

	// Role defaults to assistant and is corrected by the first delta
	// carrying a role.
	Role datatypes.Role `json:"role"`

	// Text is the accumulated answer. Trimmed once DONE.
	Text string `json:"text"`

	// Delta is the fragment appended by the latest event.
	Delta string `json:"delta,omitempty"`

	// Detail is the raw JSON of the latest payload.
	Detail json.RawMessage `json:"detail,omitempty"`

	// ParentMessageID is the user message that triggered this answer.
	ParentMessageID string `json:"parent_message_id,omitempty"`

	// ConversationID groups the thread.
	ConversationID string `json:"conversation_id,omitempty"`

	// FinishReason is the last finish_reason reported by the service.
	FinishReason string `json:"finish_reason,omitempty"`

	// Done is set only on the final snapshot of a Stream iteration.
	Done bool `json:"done,omitempty"`
}

// Message converts the response into a storable message.
func (r Response) Message() datatypes.Message {
	role := r.Role
	if role == "" {
		role = datatypes.RoleAssistant
	}
	return datatypes.Message{
		ID:              r.ID,
		Role:            role,
		Text:            r.Text,
		ParentMessageID: r.ParentMessageID,
		ConversationID:  r.ConversationID,
		Detail:          r.Detail,
	}
}

// =============================================================================
// Aggregator
// =============================================================================

// Aggregator drives one HTTP call and folds the answer into a Response.
//
// Description:
//
//	The aggregator owns the in-progress Response exclusively until Run
//	returns. Progress observers are called synchronously, in wire order,
//	with immutable snapshots.
//
// Thread Safety: Run must be called once, from one goroutine. State may be
// read from any goroutine.
type Aggregator struct {
	transport Transport
	chat      bool
	logger    *slog.Logger
	state     atomic.Int32

	// OnFirstDelta, when set, runs once when the first text delta arrives.
	OnFirstDelta func()

	resp        Response
	idCaptured  bool
	roleSet     bool
	finishSeen  bool
	firstDelta  bool
	deltaEvents int
}

// NewAggregator creates an aggregator in the IDLE state.
//
// # Inputs
//
//   - transport: Performs the HTTP call.
//   - chat: True for /v1/chat/completions payloads, false for /v1/completions.
//   - initial: Seed response carrying the local id and parent links.
//   - logger: Nil uses slog.Default().
func NewAggregator(transport Transport, chat bool, initial Response, logger *slog.Logger) *Aggregator {
	if logger == nil {
		logger = slog.Default()
	}
	if initial.Role == "" {
		initial.Role = datatypes.RoleAssistant
	}
	return &Aggregator{transport: transport, chat: chat, logger: logger, resp: initial}
}

// State returns the current lifecycle state.
func (a *Aggregator) State() State {
	return State(a.state.Load())
}

func (a *Aggregator) setState(s State) {
	a.state.Store(int32(s))
}

// Run performs the call and returns the finished response.
//
// # Description
//
// Non-2xx answers fail with RemoteServiceError. With stream=false the whole
// body is decoded and the first choice taken; no choice fails with
// MalformedResponseError. With stream=true each SSE data payload is either
// [DONE] or a JSON fragment; a fragment that cannot be parsed fails the call
// immediately and the rest of the stream is discarded.
//
// # Inputs
//
//   - ctx: Cancels the HTTP call and stops observer delivery.
//   - req: The built request.
//   - stream: Whether the request asked for server-sent events.
//   - observer: Optional progress callback.
//
// # Outputs
//
//   - Response: The finished answer (DONE).
//   - error: RemoteServiceError, MalformedResponseError, transport or
//     context errors (FAILED).
func (a *Aggregator) Run(ctx context.Context, req TransportRequest, stream bool, observer func(Response)) (Response, error) {
	a.setState(StateRequesting)

	httpResp, err := a.transport.Do(ctx, req)
	if err != nil {
		return a.fail(err)
	}

	if !httpResp.OK() {
		body, readErr := httpResp.ReadAll(ctx)
		if readErr != nil {
			a.logger.Debug("reading error body failed", "error", readErr)
		}
		return a.fail(&RemoteServiceError{
			StatusCode: httpResp.StatusCode,
			StatusText: httpResp.StatusText,
			Body:       string(body),
		})
	}

	if !stream {
		a.setState(StateBufferingFull)
		body, err := httpResp.ReadAll(ctx)
		if err != nil {
			return a.fail(fmt.Errorf("read response body: %w", err))
		}
		if err := a.applyFull(body); err != nil {
			return a.fail(err)
		}
		return a.done()
	}

	a.setState(StateStreaming)
	dec := sse.NewDecoder(httpResp.Source())
	defer dec.Close()

	for {
		ev, err := dec.Next(ctx)
		if errors.Is(err, io.EOF) {
			if a.finishSeen {
				a.logger.Debug("stream ended without [DONE] after finish_reason")
				return a.done()
			}
			return a.fail(&MalformedResponseError{Reason: "stream ended before [DONE]"})
		}
		if err != nil {
			return a.fail(err)
		}

		data := strings.TrimSpace(ev.Data)
		if data == "" {
			continue
		}
		if data == sse.DoneSentinel {
			return a.done()
		}

		deliver, err := a.applyFragment([]byte(data))
		if err != nil {
			return a.fail(err)
		}
		if deliver && observer != nil {
			if err := ctx.Err(); err != nil {
				return a.fail(err)
			}
			observer(a.resp)
		}
	}
}

func (a *Aggregator) done() (Response, error) {
	a.resp.Text = strings.TrimSpace(a.resp.Text)
	a.setState(StateDone)
	a.logger.Debug("completion finished",
		"response_id", a.resp.ID,
		"delta_events", a.deltaEvents,
		"chars", len(a.resp.Text))
	return a.resp, nil
}

func (a *Aggregator) fail(err error) (Response, error) {
	a.setState(StateFailed)
	return a.resp, err
}

// captureID fixes the response id to the first remote id seen.
func (a *Aggregator) captureID(id string) {
	if id != "" && !a.idCaptured {
		a.resp.ID = id
		a.idCaptured = true
	}
}

func (a *Aggregator) correctRole(role string) {
	if role != "" && !a.roleSet {
		a.resp.Role = datatypes.Role(role)
		a.roleSet = true
	}
}

func (a *Aggregator) appendDelta(delta string) {
	a.resp.Delta = delta
	if delta == "" {
		return
	}
	if !a.firstDelta {
		a.firstDelta = true
		if a.OnFirstDelta != nil {
			a.OnFirstDelta()
		}
	}
	a.resp.Text += delta
}

// applyFragment folds one streamed JSON payload into the response and
// reports whether it carried a choice worth an observer call.
func (a *Aggregator) applyFragment(data []byte) (bool, error) {
	if a.chat {
		var frag openai.ChatCompletionStreamResponse
		if err := json.Unmarshal(data, &frag); err != nil {
			return false, &MalformedResponseError{Reason: "invalid stream fragment", Payload: string(data), Err: err}
		}
		a.captureID(frag.ID)
		if len(frag.Choices) == 0 {
			return false, a.checkErrorFragment(data)
		}
		choice := frag.Choices[0]
		a.correctRole(choice.Delta.Role)
		a.appendDelta(choice.Delta.Content)
		a.noteFinish(string(choice.FinishReason))
	} else {
		var frag openai.CompletionResponse
		if err := json.Unmarshal(data, &frag); err != nil {
			return false, &MalformedResponseError{Reason: "invalid stream fragment", Payload: string(data), Err: err}
		}
		a.captureID(frag.ID)
		if len(frag.Choices) == 0 {
			return false, a.checkErrorFragment(data)
		}
		choice := frag.Choices[0]
		a.appendDelta(choice.Text)
		a.noteFinish(choice.FinishReason)
	}

	a.resp.Detail = json.RawMessage(data)
	a.deltaEvents++
	return true, nil
}

func (a *Aggregator) noteFinish(reason string) {
	if reason != "" {
		a.resp.FinishReason = reason
		a.finishSeen = true
	}
}

// checkErrorFragment fails on a choice-less fragment that carries an error
// object. Other choice-less fragments (usage, keep-alive) are skipped.
func (a *Aggregator) checkErrorFragment(data []byte) error {
	var env struct {
		Error json.RawMessage `json:"error"`
	}
	if err := json.Unmarshal(data, &env); err == nil && len(env.Error) > 0 && !bytes.Equal(env.Error, []byte("null")) {
		return &MalformedResponseError{Reason: describeFailure(data), Payload: string(data)}
	}
	return nil
}

// applyFull decodes a non-streamed body.
func (a *Aggregator) applyFull(body []byte) error {
	if a.chat {
		var full openai.ChatCompletionResponse
		if err := json.Unmarshal(body, &full); err != nil {
			return &MalformedResponseError{Reason: "invalid response body", Payload: string(body), Err: err}
		}
		a.captureID(full.ID)
		if len(full.Choices) == 0 {
			return &MalformedResponseError{Reason: describeFailure(body), Payload: string(body)}
		}
		msg := full.Choices[0].Message
		a.correctRole(msg.Role)
		a.resp.Text = msg.Content
		a.noteFinish(string(full.Choices[0].FinishReason))
	} else {
		var full openai.CompletionResponse
		if err := json.Unmarshal(body, &full); err != nil {
			return &MalformedResponseError{Reason: "invalid response body", Payload: string(body), Err: err}
		}
		a.captureID(full.ID)
		if len(full.Choices) == 0 {
			return &MalformedResponseError{Reason: describeFailure(body), Payload: string(body)}
		}
		a.resp.Text = strings.TrimSpace(full.Choices[0].Text)
		a.noteFinish(full.Choices[0].FinishReason)
	}
	a.resp.Detail = json.RawMessage(body)
	return nil
}

// describeFailure extracts detail.message, detail, error.message or error
// from a payload, else "unknown".
func describeFailure(data []byte) string {
	var env struct {
		Detail json.RawMessage `json:"detail"`
		Error  json.RawMessage `json:"error"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		return "unknown"
	}
	if msg := messageOf(env.Detail); msg != "" {
		return msg
	}
	if msg := messageOf(env.Error); msg != "" {
		return msg
	}
	return "unknown"
}

func messageOf(raw json.RawMessage) string {
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var obj struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(raw, &obj); err == nil && obj.Message != "" {
		return obj.Message
	}
	return string(raw)
}
