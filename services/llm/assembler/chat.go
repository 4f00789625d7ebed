// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package assembler

import (
	"context"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/AleutianAI/chatstream/services/llm/datatypes"
)

// ChatInput describes one chat-mode assembly.
type ChatInput struct {
	// Text is the new user utterance.
	Text string

	// Name is the optional speaker name sent with the user turn.
	Name string

	// SystemMessage, when non-nil, becomes the first turn, even if empty.
	SystemMessage *string

	// ParentMessageID is the message being replied to.
	ParentMessageID string

	// HistoryDisabled sends only the system and user turns.
	HistoryDisabled bool
}

// ChatWindow is the result of a chat-mode assembly.
type ChatWindow struct {
	// Turns are ordered system first, then oldest to newest.
	Turns []datatypes.Turn

	// TokenCount is the size of the rendered transcript.
	TokenCount int

	// Lookups is the number of store reads performed.
	Lookups int
}

// ChatAssembler builds context windows for chat-completion models.
type ChatAssembler struct {
	cfg Config
}

// NewChatAssembler validates cfg and fills in defaults.
//
// # Outputs
//
//   - *ChatAssembler: Ready-to-use assembler.
//   - error: Non-nil if the tokenizer or store is missing.
func NewChatAssembler(cfg Config) (*ChatAssembler, error) {
	cfg, err := cfg.withDefaults()
	if err != nil {
		return nil, err
	}
	return &ChatAssembler{cfg: cfg}, nil
}

// Config returns the effective configuration.
func (a *ChatAssembler) Config() Config {
	return a.cfg
}

// Assemble builds the chat turns for one request.
//
// # Description
//
// Emits the system turn (when configured) and the new user turn, then walks
// parent links. Each resolved ancestor is inserted directly after the
// system slot, so turns read oldest to newest. Before committing an
// ancestor the whole transcript is rendered and counted; an ancestor that
// would push the count over budget is dropped and the walk stops. The base
// window is always returned, even when it alone exceeds the budget.
//
// # Inputs
//
//   - ctx: Cancels store lookups.
//   - in: The utterance and walk options.
//
// # Outputs
//
//   - ChatWindow: Turns, token count and lookup count.
//   - error: Only context errors from the store.
//
// # Examples
//
//	sys := "You are a helper."
//	win, _ := a.Assemble(ctx, assembler.ChatInput{Text: "2+2?", SystemMessage: &sys})
//	// win.Turns = [{system "You are a helper."} {user "2+2?"}]
func (a *ChatAssembler) Assemble(ctx context.Context, in ChatInput) (ChatWindow, error) {
	ctx, span := tracer.Start(ctx, "ChatAssembler.Assemble")
	defer span.End()

	var turns []datatypes.Turn
	if in.SystemMessage != nil {
		turns = append(turns, datatypes.Turn{Role: datatypes.RoleSystem, Content: *in.SystemMessage})
	}
	offset := len(turns)
	turns = append(turns, datatypes.Turn{Role: datatypes.RoleUser, Content: in.Text, Name: in.Name})

	budget := a.cfg.Budget()
	count := a.cfg.Tokenizer.Count(a.render(turns))

	w := newWalker(a.cfg, in.ParentMessageID)
	if in.HistoryDisabled {
		w.next = ""
	}

	for {
		msg, ok, err := w.step(ctx)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return ChatWindow{}, err
		}
		if !ok {
			break
		}

		role := msg.Role
		if role == "" {
			role = datatypes.RoleUser
		}
		candidate := make([]datatypes.Turn, 0, len(turns)+1)
		candidate = append(candidate, turns[:offset]...)
		candidate = append(candidate, datatypes.Turn{Role: role, Content: msg.Text})
		candidate = append(candidate, turns[offset:]...)

		candidateCount := a.cfg.Tokenizer.Count(a.render(candidate))
		if candidateCount > budget {
			a.cfg.Logger.Debug("context budget reached",
				"message_id", msg.ID, "tokens", candidateCount, "budget", budget)
			break
		}
		turns = candidate
		count = candidateCount
	}

	span.SetAttributes(
		attribute.Int("assembler.turns", len(turns)),
		attribute.Int("assembler.tokens", count),
		attribute.Int("assembler.lookups", w.lookups),
	)
	return ChatWindow{Turns: turns, TokenCount: count, Lookups: w.lookups}, nil
}

// render produces the transcript used for counting.
func (a *ChatAssembler) render(turns []datatypes.Turn) string {
	parts := make([]string, len(turns))
	for i, t := range turns {
		switch t.Role {
		case datatypes.RoleSystem:
			parts[i] = "Instructions:\n" + t.Content
		case datatypes.RoleUser:
			parts[i] = a.cfg.UserLabel + ":\n" + t.Content
		default:
			parts[i] = a.cfg.AssistantLabel + ":\n" + t.Content
		}
	}
	return strings.Join(parts, "\n\n")
}

// RenderTranscript renders turns the way they are counted, for display.
func (a *ChatAssembler) RenderTranscript(turns []datatypes.Turn) string {
	return a.render(turns)
}
