// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package tokenizer counts model tokens for context-window budgeting.
//
// Counting uses the same byte-pair encodings the remote service uses, loaded
// from ranks embedded in the binary so no network access is needed.
package tokenizer

import (
	"fmt"
	"strings"
	"sync"

	"github.com/pkoukk/tiktoken-go"
	tiktoken_loader "github.com/pkoukk/tiktoken-go-loader"
)

// Tokenizer counts and encodes text into model tokens.
//
// Implementations must be deterministic and safe for concurrent use.
type Tokenizer interface {
	// Count returns the number of tokens text encodes to.
	Count(text string) int

	// Encode returns the token ids for text.
	Encode(text string) []int
}

// Fallback encodings when the model name is unknown to tiktoken.
const (
	EncodingChatFallback       = "cl100k_base"
	EncodingCompletionFallback = "p50k_base"
)

var loaderOnce sync.Once

// useOfflineLoader installs the embedded BPE ranks. tiktoken-go otherwise
// downloads them on first use.
func useOfflineLoader() {
	loaderOnce.Do(func() {
		tiktoken.SetBpeLoader(tiktoken_loader.NewOfflineLoader())
	})
}

// Tiktoken is a Tokenizer backed by tiktoken-go.
//
// Thread Safety: Tiktoken is safe for concurrent use.
type Tiktoken struct {
	mu       sync.Mutex
	enc      *tiktoken.Tiktoken
	family   Family
	encoding string
	replacer *strings.Replacer
}

// NewTiktoken creates a tokenizer for model.
//
// # Description
//
// Picks the encoding tiktoken associates with the model name. Unknown names
// fall back to cl100k_base for chat families and p50k_base for the others.
// For chat families, <|im_end|> and <|im_sep|> are replaced with
// <|endoftext|> before counting, because the service sees those markers as
// one special token rather than as literal text.
//
// # Inputs
//
//   - model: Model name, e.g. "gpt-3.5-turbo" or "text-davinci-003".
//
// # Outputs
//
//   - *Tiktoken: Ready-to-use tokenizer.
//   - error: Non-nil if neither the model encoding nor the fallback loads.
func NewTiktoken(model string) (*Tiktoken, error) {
	useOfflineLoader()

	family := FamilyForModel(model)
	enc, err := tiktoken.EncodingForModel(model)
	encoding := ""
	if err == nil {
		encoding = "model:" + model
	} else {
		encoding = EncodingCompletionFallback
		if family.IsChat() {
			encoding = EncodingChatFallback
		}
		enc, err = tiktoken.GetEncoding(encoding)
		if err != nil {
			return nil, fmt.Errorf("load encoding %s: %w", encoding, err)
		}
	}

	t := &Tiktoken{enc: enc, family: family, encoding: encoding}
	if family.IsChat() {
		t.replacer = strings.NewReplacer(TokenIMEnd, TokenEndOfText, TokenIMSep, TokenEndOfText)
	}
	return t, nil
}

// NewEncoding creates a tokenizer for a named encoding such as cl100k_base,
// with no marker normalization.
func NewEncoding(name string) (*Tiktoken, error) {
	useOfflineLoader()
	enc, err := tiktoken.GetEncoding(name)
	if err != nil {
		return nil, fmt.Errorf("load encoding %s: %w", name, err)
	}
	return &Tiktoken{enc: enc, family: FamilyCompletion, encoding: name}, nil
}

// Count returns the number of tokens in text.
func (t *Tiktoken) Count(text string) int {
	return len(t.Encode(text))
}

// Encode returns the token ids for text. Special tokens are always encoded
// as single tokens.
func (t *Tiktoken) Encode(text string) []int {
	if t.replacer != nil {
		text = t.replacer.Replace(text)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.enc.Encode(text, []string{"all"}, nil)
}

// Family returns the model family this tokenizer was built for.
func (t *Tiktoken) Family() Family {
	return t.family
}

// Encoding describes which encoding is in use, for logs.
func (t *Tiktoken) Encoding() string {
	return t.encoding
}
