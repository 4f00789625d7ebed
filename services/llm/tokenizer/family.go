// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package tokenizer

import "strings"

// Structural markers used by the completion-style model families.
const (
	TokenEndOfText = "<|endoftext|>"
	TokenIMEnd     = "<|im_end|>"
	TokenIMSep     = "<|im_sep|>"
	TokenCodeEnd   = "</code>"
)

// Family groups models that share an endpoint, prompt markers and
// tokenization rules.
type Family int

const (
	// FamilyChat covers models served by /v1/chat/completions.
	FamilyChat Family = iota
	// FamilyLegacyChat covers chat-tuned models served by /v1/completions
	// that delimit turns with <|im_end|> and <|im_sep|>.
	FamilyLegacyChat
	// FamilyCodex covers code-* models. The prompt is passed through as-is.
	FamilyCodex
	// FamilyCompletion covers every other completion model.
	FamilyCompletion
)

// FamilyForModel derives the family from a model name.
//
// # Examples
//
//	FamilyForModel("gpt-3.5-turbo")            // FamilyChat
//	FamilyForModel("text-chat-davinci-002-20230126") // FamilyLegacyChat
//	FamilyForModel("code-davinci-002")         // FamilyCodex
//	FamilyForModel("text-davinci-003")         // FamilyCompletion
func FamilyForModel(model string) Family {
	m := strings.ToLower(strings.TrimSpace(model))
	switch {
	case strings.HasPrefix(m, "text-chat"), strings.HasPrefix(m, "text-davinci-002-render"):
		return FamilyLegacyChat
	case strings.HasPrefix(m, "code-"):
		return FamilyCodex
	case strings.HasPrefix(m, "gpt-"), strings.HasPrefix(m, "chatgpt-"),
		strings.HasPrefix(m, "o1"), strings.HasPrefix(m, "o3"), strings.HasPrefix(m, "o4"):
		return FamilyChat
	default:
		return FamilyCompletion
	}
}

// String returns a short name for logs and metric labels.
func (f Family) String() string {
	switch f {
	case FamilyChat:
		return "chat"
	case FamilyLegacyChat:
		return "legacy_chat"
	case FamilyCodex:
		return "codex"
	case FamilyCompletion:
		return "completion"
	default:
		return "unknown"
	}
}

// UsesChatEndpoint reports whether requests go to /v1/chat/completions.
func (f Family) UsesChatEndpoint() bool {
	return f == FamilyChat
}

// IsChat reports whether the family was tuned on chat transcripts. Text for
// these families has its turn markers normalized before counting.
func (f Family) IsChat() bool {
	return f == FamilyChat || f == FamilyLegacyChat
}

// EndToken terminates one turn in a flattened prompt.
func (f Family) EndToken() string {
	switch f {
	case FamilyLegacyChat:
		return TokenIMEnd
	case FamilyCodex:
		return TokenCodeEnd
	default:
		return TokenEndOfText
	}
}

// SepToken ends the instruction prefix of a flattened prompt.
func (f Family) SepToken() string {
	if f == FamilyLegacyChat {
		return TokenIMSep
	}
	return f.EndToken()
}

// DefaultStop returns the stop sequences sent when the caller sets none.
// Chat models need none.
func (f Family) DefaultStop() []string {
	switch f {
	case FamilyChat:
		return nil
	case FamilyLegacyChat:
		return []string{TokenIMEnd, TokenIMSep}
	default:
		return []string{f.EndToken()}
	}
}
