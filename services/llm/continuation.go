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
	"context"
	"fmt"
	"iter"
	"slices"
	"strings"

	"github.com/AleutianAI/chatstream/services/llm/datatypes"
	"github.com/AleutianAI/chatstream/services/llm/observability"
)

// DefaultContinuePrompt asks the model to resume a cut-off answer.
const DefaultContinuePrompt = "Continue from where you stopped. Do not repeat what you already wrote."

const codeFence = "```"

// IsTruncated reports whether text ends inside an open code fence, i.e. it
// contains an odd number of ``` markers.
func IsTruncated(text string) bool {
	return strings.Count(text, codeFence)%2 == 1
}

// CloseFence terminates the open code block of a truncated answer.
func CloseFence(text string) string {
	return text + " \r\n " + codeFence + "\r\n"
}

// CanContinue reports whether msg is a truncated answer, either still
// open or with its fence already closed.
func CanContinue(msg datatypes.Message) bool {
	return msg.FenceClosed || IsTruncated(msg.Text)
}

// Continuation describes a truncated answer that can be resumed.
type Continuation struct {
	// Message is the truncated assistant message with its code fence
	// closed.
	Message datatypes.Message

	// PreviousAnswer is Message.Text. It prefixes the resumed answer.
	PreviousAnswer string
}

// Confirmer decides whether a truncated answer should be resumed.
type Confirmer interface {
	ConfirmContinue(ctx context.Context, cont Continuation) (bool, error)
}

// ConfirmerFunc adapts a function to Confirmer.
type ConfirmerFunc func(ctx context.Context, cont Continuation) (bool, error)

// ConfirmContinue implements Confirmer.
func (f ConfirmerFunc) ConfirmContinue(ctx context.Context, cont Continuation) (bool, error) {
	return f(ctx, cont)
}

// CheckContinuation reports whether msg looks truncated and, if so, returns
// the continuation to resume it.
//
// # Description
//
// A newly detected truncation closes the open code fence, both on the
// returned continuation and on the stored copy of msg. A message whose
// fence was closed earlier is returned as is.
//
// # Outputs
//
//   - Continuation: Valid only when the bool is true.
//   - bool: True if msg can be resumed.
//   - error: The stored copy could not be updated.
func (c *Client) CheckContinuation(ctx context.Context, msg datatypes.Message) (Continuation, bool, error) {
	if msg.FenceClosed {
		return Continuation{Message: msg, PreviousAnswer: msg.Text}, true, nil
	}
	if !IsTruncated(msg.Text) {
		return Continuation{}, false, nil
	}
	c.metrics.RecordContinuation(observability.ContinuationDetected)
	c.logger.Debug("answer ends inside a code block", "message_id", msg.ID)

	if err := c.closeStoredFence(ctx, msg.ID); err != nil {
		return Continuation{}, false, err
	}
	msg.Text = CloseFence(msg.Text)
	msg.FenceClosed = true
	return Continuation{Message: msg, PreviousAnswer: msg.Text}, true, nil
}

// closeStoredFence appends the closing fence to the stored message id. A
// continuation stores only its resumed part, whose fence parity matches the
// combined answer, so closing the stored part closes the whole answer.
func (c *Client) closeStoredFence(ctx context.Context, id string) error {
	stored, ok, err := c.store.GetMessageByID(ctx, id)
	if err != nil {
		return fmt.Errorf("get message %s: %w", id, err)
	}
	if !ok || stored.FenceClosed {
		return nil
	}
	stored.Text = CloseFence(stored.Text)
	stored.FenceClosed = true
	if err := c.store.UpsertMessage(ctx, stored); err != nil {
		return fmt.Errorf("close code fence of %s: %w", id, err)
	}
	return nil
}

// ResumedText returns the full answer of a stored message: the text of
// every answer it resumes, oldest first, followed by its own. A missing
// link ends the walk.
func (c *Client) ResumedText(ctx context.Context, msg datatypes.Message) (string, error) {
	parts := []string{msg.Text}
	seen := map[string]struct{}{msg.ID: {}}
	for id := msg.Resumes; id != ""; {
		if _, dup := seen[id]; dup {
			c.logger.Warn("continuation chain has a cycle", "message_id", id)
			break
		}
		prev, ok, err := c.store.GetMessageByID(ctx, id)
		if err != nil {
			return "", fmt.Errorf("get message %s: %w", id, err)
		}
		if !ok {
			break
		}
		seen[id] = struct{}{}
		parts = append(parts, prev.Text)
		id = prev.Resumes
	}
	slices.Reverse(parts)
	return strings.Join(parts, ""), nil
}

// Continue sends the continue prompt as a reply to the truncated message.
//
// # Description
//
// The resumed answer is stored as its own message, with Resumes set to the
// truncated message id. The returned message, and every progress snapshot,
// carry PreviousAnswer followed by the new text.
func (c *Client) Continue(ctx context.Context, cont Continuation, opts SendOptions) (datatypes.Message, error) {
	prompt, opts := c.continueOptions(cont, opts)
	msg, err := c.SendMessage(ctx, prompt, opts)
	if err != nil {
		return msg, fmt.Errorf("continue %s: %w", cont.Message.ID, err)
	}
	return msg, nil
}

// ContinueStream is the iterator form of Continue.
func (c *Client) ContinueStream(ctx context.Context, cont Continuation, opts SendOptions) iter.Seq2[Response, error] {
	prompt, opts := c.continueOptions(cont, opts)
	return c.Stream(ctx, prompt, opts)
}

func (c *Client) continueOptions(cont Continuation, opts SendOptions) (string, SendOptions) {
	opts.ParentMessageID = cont.Message.ID
	if opts.ConversationID == "" {
		opts.ConversationID = cont.Message.ConversationID
	}
	opts.previousAnswer = cont.PreviousAnswer
	opts.resumes = cont.Message.ID

	prompt := c.cfg.ContinuePrompt
	if prompt == "" {
		prompt = DefaultContinuePrompt
	}
	return prompt, opts
}

// ContinueIfConfirmed checks msg and, when truncated and confirmed, resumes
// it. A nil confirm declines without asking.
//
// # Outputs
//
//   - datatypes.Message: The resumed answer, or msg with its code fence
//     closed if it was truncated, or msg unchanged.
//   - bool: True if the answer was resumed.
//   - error: Non-nil if confirming, storing or resuming failed.
func (c *Client) ContinueIfConfirmed(ctx context.Context, msg datatypes.Message, confirm Confirmer, opts SendOptions) (datatypes.Message, bool, error) {
	cont, ok, err := c.CheckContinuation(ctx, msg)
	if err != nil {
		return msg, false, err
	}
	if !ok {
		return msg, false, nil
	}
	yes := false
	if confirm != nil {
		yes, err = confirm.ConfirmContinue(ctx, cont)
		if err != nil {
			return cont.Message, false, fmt.Errorf("confirm continuation: %w", err)
		}
	}
	if !yes {
		c.metrics.RecordContinuation(observability.ContinuationDeclined)
		return cont.Message, false, nil
	}
	c.metrics.RecordContinuation(observability.ContinuationAccepted)
	resumed, err := c.Continue(ctx, cont, opts)
	if err != nil {
		return cont.Message, false, err
	}
	return resumed, true, nil
}
