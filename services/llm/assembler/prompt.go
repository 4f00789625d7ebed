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
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/AleutianAI/chatstream/services/llm/datatypes"
	"github.com/AleutianAI/chatstream/services/llm/tokenizer"
)

// PromptInput describes one completion-mode assembly.
type PromptInput struct {
	// Text is the new user utterance.
	Text string

	// ParentMessageID is the message being replied to.
	ParentMessageID string

	// PromptPrefix replaces the default instruction header when non-empty.
	PromptPrefix string

	// PromptSuffix replaces the default assistant cue when non-empty.
	PromptSuffix string

	// HistoryDisabled sends only the new user turn.
	HistoryDisabled bool
}

// PromptWindow is the result of a completion-mode assembly.
type PromptWindow struct {
	// Prompt is the flattened prompt text.
	Prompt string

	// MaxTokens is the completion budget to request, always >= 1.
	MaxTokens int

	// TokenCount is the size of Prompt.
	TokenCount int

	// Lookups is the number of store reads performed.
	Lookups int
}

// PromptAssembler builds flattened prompts for completion models.
type PromptAssembler struct {
	cfg Config
}

// NewPromptAssembler validates cfg and fills in defaults.
func NewPromptAssembler(cfg Config) (*PromptAssembler, error) {
	cfg, err := cfg.withDefaults()
	if err != nil {
		return nil, err
	}
	return &PromptAssembler{cfg: cfg}, nil
}

// Config returns the effective configuration.
func (a *PromptAssembler) Config() Config {
	return a.cfg
}

// DefaultPrefix returns the instruction header for today's date.
func (a *PromptAssembler) DefaultPrefix() string {
	date := a.cfg.Now().UTC().Format("2006-01-02")
	return fmt.Sprintf("Instructions:\nYou are %s, a large language model trained by OpenAI.\nCurrent date: %s%s",
		a.cfg.AssistantLabel, date, a.cfg.Family.SepToken())
}

// DefaultSuffix returns the cue that asks the model to answer.
func (a *PromptAssembler) DefaultSuffix() string {
	return "\n" + a.cfg.AssistantLabel + ":\n"
}

// Assemble builds the prompt for one request.
//
// # Description
//
// The body starts as the new user turn. Each iteration counts
// prefix + body + suffix. The first candidate is always committed; later
// candidates are committed only while they fit the budget. After a commit
// the next ancestor is resolved and prepended to the body. The walk stops
// at the first candidate over budget (which is discarded), at the first
// unresolvable parent, or right after committing an over-budget first
// candidate.
//
// Codex models get the raw user text with no walk.
//
// # Inputs
//
//   - ctx: Cancels store lookups.
//   - in: The utterance and prompt options.
//
// # Outputs
//
//   - PromptWindow: Prompt, computed max_tokens, token count, lookups.
//   - error: Only context errors from the store.
//
// # Limitations
//
//   - Only the degenerate single-turn prompt can exceed the budget.
func (a *PromptAssembler) Assemble(ctx context.Context, in PromptInput) (PromptWindow, error) {
	ctx, span := tracer.Start(ctx, "PromptAssembler.Assemble")
	defer span.End()
	span.SetAttributes(attribute.String("assembler.family", a.cfg.Family.String()))

	if a.cfg.Family == tokenizer.FamilyCodex {
		count := a.cfg.Tokenizer.Count(in.Text)
		return PromptWindow{Prompt: in.Text, MaxTokens: a.maxTokens(count), TokenCount: count}, nil
	}

	prefix := in.PromptPrefix
	if prefix == "" {
		prefix = a.DefaultPrefix()
	}
	suffix := in.PromptSuffix
	if suffix == "" {
		suffix = a.DefaultSuffix()
	}
	end := a.cfg.Family.EndToken()
	budget := a.cfg.Budget()

	w := newWalker(a.cfg, in.ParentMessageID)
	if in.HistoryDisabled {
		w.next = ""
	}

	nextBody := a.cfg.UserLabel + ":\n\n" + in.Text + end
	var (
		body      string
		prompt    string
		count     int
		committed bool
	)
	for {
		candidate := prefix + nextBody + suffix
		candidateCount := a.cfg.Tokenizer.Count(candidate)
		fits := candidateCount <= budget
		if committed && !fits {
			break
		}
		body, prompt, count, committed = nextBody, candidate, candidateCount, true
		if !fits {
			break
		}

		msg, ok, err := w.step(ctx)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return PromptWindow{}, err
		}
		if !ok {
			break
		}
		label := a.cfg.AssistantLabel
		if msg.Role == datatypes.RoleUser || msg.Role == "" {
			label = a.cfg.UserLabel
		}
		nextBody = label + ":\n\n" + msg.Text + end + "\n\n" + body
	}

	span.SetAttributes(
		attribute.Int("assembler.tokens", count),
		attribute.Int("assembler.lookups", w.lookups),
	)
	return PromptWindow{
		Prompt:     prompt,
		MaxTokens:  a.maxTokens(count),
		TokenCount: count,
		Lookups:    w.lookups,
	}, nil
}

// maxTokens is max(1, min(MaxModelTokens - promptTokens, MaxResponseTokens)).
func (a *PromptAssembler) maxTokens(promptTokens int) int {
	return max(1, min(a.cfg.MaxModelTokens-promptTokens, a.cfg.MaxResponseTokens))
}
