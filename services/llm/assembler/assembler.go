// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package assembler rebuilds a token-bounded context window from a
// parent-linked message tree.
//
// # Description
//
// Given a new user utterance and the id of the message it replies to, the
// assemblers walk parent links through a MessageStore (newest to oldest) and
// prepend each resolved ancestor until the token budget
// (MaxModelTokens - MaxResponseTokens) would be exceeded or the chain ends.
//
//   - ChatAssembler produces role-tagged turns for /v1/chat/completions.
//   - PromptAssembler produces one flattened prompt for /v1/completions.
//
// Both are safe for concurrent use; all mutable state lives in the call.
package assembler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/AleutianAI/chatstream/services/llm/datatypes"
	"github.com/AleutianAI/chatstream/services/llm/store"
	"github.com/AleutianAI/chatstream/services/llm/tokenizer"
)

var tracer = otel.Tracer("chatstream.assembler")

// Default labels used when rendering transcripts.
const (
	DefaultUserLabel      = "User"
	DefaultAssistantLabel = "ChatGPT"
)

// Default context limits.
const (
	DefaultMaxModelTokensChat       = 4000
	DefaultMaxModelTokensCompletion = 4096
	DefaultMaxResponseTokens        = 1000
)

// Config holds the collaborators and limits shared by both assemblers.
type Config struct {
	// Tokenizer counts candidate windows. Required.
	Tokenizer tokenizer.Tokenizer

	// Store resolves parent links. Required.
	Store store.MessageStore

	// Family selects end and separator tokens for flattened prompts.
	Family tokenizer.Family

	// MaxModelTokens is the model's context size.
	MaxModelTokens int

	// MaxResponseTokens is the headroom reserved for the answer.
	MaxResponseTokens int

	// UserLabel and AssistantLabel name the speakers in transcripts.
	UserLabel      string
	AssistantLabel string

	// Now returns the current time for the default prompt prefix.
	Now func() time.Time

	// Logger receives walk diagnostics. Nil uses slog.Default().
	Logger *slog.Logger
}

// Budget returns the number of tokens available for context.
func (c Config) Budget() int {
	return c.MaxModelTokens - c.MaxResponseTokens
}

func (c Config) withDefaults() (Config, error) {
	if c.Tokenizer == nil {
		return c, errors.New("assembler: tokenizer is required")
	}
	if c.Store == nil {
		return c, errors.New("assembler: message store is required")
	}
	if c.MaxModelTokens <= 0 {
		c.MaxModelTokens = DefaultMaxModelTokensChat
		if !c.Family.UsesChatEndpoint() {
			c.MaxModelTokens = DefaultMaxModelTokensCompletion
		}
	}
	if c.MaxResponseTokens <= 0 {
		c.MaxResponseTokens = DefaultMaxResponseTokens
	}
	if c.UserLabel == "" {
		c.UserLabel = DefaultUserLabel
	}
	if c.AssistantLabel == "" {
		c.AssistantLabel = DefaultAssistantLabel
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c, nil
}

// walker resolves one parent link at a time and counts lookups.
type walker struct {
	store   store.MessageStore
	logger  *slog.Logger
	next    string
	seen    map[string]struct{}
	lookups int
}

func newWalker(cfg Config, parentID string) *walker {
	return &walker{
		store:  cfg.Store,
		logger: cfg.Logger,
		next:   parentID,
		seen:   make(map[string]struct{}),
	}
}

// step resolves the next ancestor. ok=false ends the walk: no parent, a
// parent that is not stored, a cycle, or a store failure (logged). Only
// context errors are returned.
func (w *walker) step(ctx context.Context) (datatypes.Message, bool, error) {
	if w.next == "" {
		return datatypes.Message{}, false, nil
	}
	if _, dup := w.seen[w.next]; dup {
		w.logger.Warn("parent chain contains a cycle", "message_id", w.next)
		return datatypes.Message{}, false, nil
	}
	w.seen[w.next] = struct{}{}

	w.lookups++
	msg, ok, err := w.store.GetMessageByID(ctx, w.next)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return datatypes.Message{}, false, fmt.Errorf("resolve parent %s: %w", w.next, ctxErr)
		}
		w.logger.Warn("parent lookup failed, ending context walk",
			"message_id", w.next, "error", err)
		return datatypes.Message{}, false, nil
	}
	if !ok {
		return datatypes.Message{}, false, nil
	}
	w.next = msg.ParentMessageID
	return msg, true, nil
}
