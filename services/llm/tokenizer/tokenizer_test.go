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

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFamilyForModel(t *testing.T) {
	tests := []struct {
		model string
		want  Family
	}{
		{"gpt-3.5-turbo", FamilyChat},
		{"gpt-4o-mini", FamilyChat},
		{"chatgpt-4o-latest", FamilyChat},
		{"o1-preview", FamilyChat},
		{"text-chat-davinci-002-20230126", FamilyLegacyChat},
		{"text-davinci-002-render-sha", FamilyLegacyChat},
		{"code-davinci-002", FamilyCodex},
		{"text-davinci-003", FamilyCompletion},
		{"davinci", FamilyCompletion},
	}

	for _, tt := range tests {
		t.Run(tt.model, func(t *testing.T) {
			assert.Equal(t, tt.want, FamilyForModel(tt.model))
		})
	}
}

func TestFamily_Markers(t *testing.T) {
	assert.True(t, FamilyChat.UsesChatEndpoint())
	assert.False(t, FamilyLegacyChat.UsesChatEndpoint())

	assert.Equal(t, TokenIMEnd, FamilyLegacyChat.EndToken())
	assert.Equal(t, TokenIMSep, FamilyLegacyChat.SepToken())
	assert.Equal(t, []string{TokenIMEnd, TokenIMSep}, FamilyLegacyChat.DefaultStop())

	assert.Equal(t, TokenCodeEnd, FamilyCodex.EndToken())
	assert.Equal(t, TokenCodeEnd, FamilyCodex.SepToken())

	assert.Equal(t, TokenEndOfText, FamilyCompletion.EndToken())
	assert.Equal(t, []string{TokenEndOfText}, FamilyCompletion.DefaultStop())

	assert.Nil(t, FamilyChat.DefaultStop())
	assert.Equal(t, "legacy_chat", FamilyLegacyChat.String())
}

func TestTiktoken_CountChatModel(t *testing.T) {
	tok, err := NewTiktoken("gpt-3.5-turbo")
	require.NoError(t, err)

	assert.Equal(t, 2, tok.Count("hello world"))
	assert.Equal(t, 0, tok.Count(""))
	assert.Equal(t, FamilyChat, tok.Family())
}

func TestTiktoken_Deterministic(t *testing.T) {
	tok, err := NewTiktoken("gpt-3.5-turbo")
	require.NoError(t, err)

	text := "Instructions:\nYou are ChatGPT.\n\nUser:\n2+2?"
	first := tok.Encode(text)
	for i := 0; i < 5; i++ {
		assert.Equal(t, first, tok.Encode(text))
		assert.Equal(t, len(first), tok.Count(text))
	}
}

func TestTiktoken_ChatMarkersCountAsEndOfText(t *testing.T) {
	tok, err := NewTiktoken("text-chat-davinci-002-20230126")
	require.NoError(t, err)

	withIMEnd := tok.Count("User:\n\nhi" + TokenIMEnd + "\n\n")
	withEOT := tok.Count("User:\n\nhi" + TokenEndOfText + "\n\n")
	assert.Equal(t, withEOT, withIMEnd)
	assert.Equal(t, 1, tok.Count(TokenIMSep))
}

func TestTiktoken_CompletionModelKeepsMarkersLiteral(t *testing.T) {
	tok, err := NewTiktoken("text-davinci-003")
	require.NoError(t, err)

	assert.Equal(t, 1, tok.Count(TokenEndOfText))
	assert.Greater(t, tok.Count(TokenIMEnd), 1)
}

func TestTiktoken_UnknownModelFallsBack(t *testing.T) {
	tok, err := NewTiktoken("gpt-unknown-experimental")
	require.NoError(t, err)
	assert.Positive(t, tok.Count("hello"))
	assert.NotEmpty(t, tok.Encoding())
}

func TestNewEncoding(t *testing.T) {
	tok, err := NewEncoding(EncodingChatFallback)
	require.NoError(t, err)
	assert.Equal(t, 2, tok.Count("hello world"))

	_, err = NewEncoding("no_such_encoding")
	assert.Error(t, err)
}

func TestTiktoken_ConcurrentUse(t *testing.T) {
	tok, err := NewTiktoken("gpt-3.5-turbo")
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.Equal(t, 2, tok.Count("hello world"))
		}()
	}
	wg.Wait()
}
