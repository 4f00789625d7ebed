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
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/chatstream/services/llm/datatypes"
	"github.com/AleutianAI/chatstream/services/llm/store"
	"github.com/AleutianAI/chatstream/services/llm/tokenizer"
)

// =============================================================================
// Test Helpers
// =============================================================================

// wordTokenizer counts whitespace-separated words, which keeps budget
// arithmetic readable in tests.
type wordTokenizer struct{}

func (wordTokenizer) Count(text string) int { return len(strings.Fields(text)) }

func (wordTokenizer) Encode(text string) []int {
	ids := make([]int, len(strings.Fields(text)))
	for i := range ids {
		ids[i] = i
	}
	return ids
}

// countingStore wraps a MessageStore and counts lookups.
type countingStore struct {
	store.MessageStore
	gets atomic.Int64
	err  error
}

func (s *countingStore) GetMessageByID(ctx context.Context, id string) (datatypes.Message, bool, error) {
	s.gets.Add(1)
	if s.err != nil {
		return datatypes.Message{}, false, s.err
	}
	return s.MessageStore.GetMessageByID(ctx, id)
}

// seedChain stores depth alternating user/assistant messages m1..mN, each
// the parent of the next, and returns the newest id.
func seedChain(t *testing.T, s store.MessageStore, depth int) string {
	t.Helper()
	parent := ""
	for i := 1; i <= depth; i++ {
		role := datatypes.RoleUser
		if i%2 == 0 {
			role = datatypes.RoleAssistant
		}
		id := fmt.Sprintf("m%d", i)
		require.NoError(t, s.UpsertMessage(context.Background(), datatypes.Message{
			ID: id, Role: role, Text: fmt.Sprintf("t%d", i), ParentMessageID: parent,
		}))
		parent = id
	}
	return parent
}

func strPtr(s string) *string { return &s }

func newChat(t *testing.T, s store.MessageStore, maxModel, maxResp int) *ChatAssembler {
	t.Helper()
	a, err := NewChatAssembler(Config{
		Tokenizer:         wordTokenizer{},
		Store:             s,
		Family:            tokenizer.FamilyChat,
		MaxModelTokens:    maxModel,
		MaxResponseTokens: maxResp,
	})
	require.NoError(t, err)
	return a
}

func newPrompt(t *testing.T, s store.MessageStore, family tokenizer.Family, maxModel, maxResp int) *PromptAssembler {
	t.Helper()
	a, err := NewPromptAssembler(Config{
		Tokenizer:         wordTokenizer{},
		Store:             s,
		Family:            family,
		MaxModelTokens:    maxModel,
		MaxResponseTokens: maxResp,
		Now:               func() time.Time { return time.Date(2023, 3, 1, 22, 0, 0, 0, time.UTC) },
	})
	require.NoError(t, err)
	return a
}

// =============================================================================
// Config Tests
// =============================================================================

func TestConfig_RequiresCollaborators(t *testing.T) {
	_, err := NewChatAssembler(Config{Store: store.NewMemoryStore(1)})
	assert.Error(t, err)

	_, err = NewPromptAssembler(Config{Tokenizer: wordTokenizer{}})
	assert.Error(t, err)
}

func TestConfig_Defaults(t *testing.T) {
	chat := newChat(t, store.NewMemoryStore(1), 0, 0)
	assert.Equal(t, DefaultMaxModelTokensChat, chat.Config().MaxModelTokens)
	assert.Equal(t, DefaultMaxResponseTokens, chat.Config().MaxResponseTokens)
	assert.Equal(t, 3000, chat.Config().Budget())

	prompt := newPrompt(t, store.NewMemoryStore(1), tokenizer.FamilyCompletion, 0, 0)
	assert.Equal(t, DefaultMaxModelTokensCompletion, prompt.Config().MaxModelTokens)
	assert.Equal(t, DefaultAssistantLabel, prompt.Config().AssistantLabel)
}

// =============================================================================
// Chat Mode Tests
// =============================================================================

func TestChatAssemble_SystemAndUserOnly(t *testing.T) {
	s := &countingStore{MessageStore: store.NewMemoryStore(10)}
	a := newChat(t, s, 4000, 1000)

	win, err := a.Assemble(context.Background(), ChatInput{
		Text:          "2+2?",
		SystemMessage: strPtr("You are a helper."),
	})
	require.NoError(t, err)

	assert.Equal(t, []datatypes.Turn{
		{Role: datatypes.RoleSystem, Content: "You are a helper."},
		{Role: datatypes.RoleUser, Content: "2+2?"},
	}, win.Turns)
	assert.Equal(t, 0, win.Lookups)
	assert.Zero(t, s.gets.Load())
}

func TestChatAssemble_EmptySystemMessageIsKept(t *testing.T) {
	a := newChat(t, store.NewMemoryStore(10), 4000, 1000)

	win, err := a.Assemble(context.Background(), ChatInput{Text: "hi", SystemMessage: strPtr("")})
	require.NoError(t, err)
	require.Len(t, win.Turns, 2)
	assert.Equal(t, datatypes.RoleSystem, win.Turns[0].Role)

	win, err = a.Assemble(context.Background(), ChatInput{Text: "hi", Name: "alice"})
	require.NoError(t, err)
	assert.Equal(t, []datatypes.Turn{{Role: datatypes.RoleUser, Content: "hi", Name: "alice"}}, win.Turns)
}

func TestChatAssemble_AncestorsOldestFirst(t *testing.T) {
	s := &countingStore{MessageStore: store.NewMemoryStore(10)}
	newest := seedChain(t, s, 4)
	a := newChat(t, s, 4000, 1000)

	win, err := a.Assemble(context.Background(), ChatInput{
		Text:            "q",
		SystemMessage:   strPtr("sys"),
		ParentMessageID: newest,
	})
	require.NoError(t, err)

	assert.Equal(t, []datatypes.Turn{
		{Role: datatypes.RoleSystem, Content: "sys"},
		{Role: datatypes.RoleUser, Content: "t1"},
		{Role: datatypes.RoleAssistant, Content: "t2"},
		{Role: datatypes.RoleUser, Content: "t3"},
		{Role: datatypes.RoleAssistant, Content: "t4"},
		{Role: datatypes.RoleUser, Content: "q"},
	}, win.Turns)
	assert.Equal(t, 4, win.Lookups)
	assert.Equal(t, a.cfg.Tokenizer.Count(a.RenderTranscript(win.Turns)), win.TokenCount)
}

func TestChatAssemble_StopsBeforeOverflowingAncestor(t *testing.T) {
	s := store.NewMemoryStore(10)
	newest := seedChain(t, s, 4)
	// Every rendered turn is two words. Base = 4, budget = 6: one ancestor fits.
	a := newChat(t, s, 10, 4)

	win, err := a.Assemble(context.Background(), ChatInput{
		Text:            "q",
		SystemMessage:   strPtr("sys"),
		ParentMessageID: newest,
	})
	require.NoError(t, err)

	assert.Equal(t, []datatypes.Turn{
		{Role: datatypes.RoleSystem, Content: "sys"},
		{Role: datatypes.RoleAssistant, Content: "t4"},
		{Role: datatypes.RoleUser, Content: "q"},
	}, win.Turns)
	assert.Equal(t, 6, win.TokenCount)
	assert.Equal(t, 2, win.Lookups)
}

func TestChatAssemble_BaseKeptOverBudget(t *testing.T) {
	s := store.NewMemoryStore(10)
	newest := seedChain(t, s, 2)
	a := newChat(t, s, 3, 2)

	win, err := a.Assemble(context.Background(), ChatInput{
		Text:            "a long question that exceeds the budget",
		ParentMessageID: newest,
	})
	require.NoError(t, err)
	require.Len(t, win.Turns, 1)
	assert.Greater(t, win.TokenCount, a.cfg.Budget())
}

func TestChatAssemble_HistoryDisabled(t *testing.T) {
	s := &countingStore{MessageStore: store.NewMemoryStore(10)}
	newest := seedChain(t, s, 3)
	a := newChat(t, s, 4000, 1000)

	win, err := a.Assemble(context.Background(), ChatInput{
		Text: "q", ParentMessageID: newest, HistoryDisabled: true,
	})
	require.NoError(t, err)
	assert.Len(t, win.Turns, 1)
	assert.Zero(t, s.gets.Load())
}

func TestChatAssemble_LookupBound(t *testing.T) {
	for depth := 0; depth <= 6; depth++ {
		t.Run(fmt.Sprintf("depth_%d", depth), func(t *testing.T) {
			s := &countingStore{MessageStore: store.NewMemoryStore(100)}
			newest := seedChain(t, s, depth)
			a := newChat(t, s, 4000, 1000)

			win, err := a.Assemble(context.Background(), ChatInput{Text: "q", ParentMessageID: newest})
			require.NoError(t, err)
			assert.LessOrEqual(t, int(s.gets.Load()), depth+1)
			assert.Equal(t, depth, win.Lookups)
			assert.Len(t, win.Turns, depth+1)
		})
	}
}

func TestChatAssemble_UnresolvableParent(t *testing.T) {
	s := &countingStore{MessageStore: store.NewMemoryStore(10)}
	a := newChat(t, s, 4000, 1000)

	win, err := a.Assemble(context.Background(), ChatInput{Text: "q", ParentMessageID: "evicted"})
	require.NoError(t, err)
	assert.Len(t, win.Turns, 1)
	assert.Equal(t, 1, win.Lookups)
	assert.Equal(t, int64(1), s.gets.Load())
}

func TestChatAssemble_StoreFailureEndsWalk(t *testing.T) {
	s := &countingStore{MessageStore: store.NewMemoryStore(10), err: errors.New("disk unavailable")}
	a := newChat(t, s, 4000, 1000)

	win, err := a.Assemble(context.Background(), ChatInput{Text: "q", ParentMessageID: "m1"})
	require.NoError(t, err)
	assert.Len(t, win.Turns, 1)
}

func TestChatAssemble_ContextCancelled(t *testing.T) {
	s := store.NewMemoryStore(10)
	newest := seedChain(t, s, 2)
	a := newChat(t, s, 4000, 1000)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := a.Assemble(ctx, ChatInput{Text: "q", ParentMessageID: newest})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestChatAssemble_CycleTerminates(t *testing.T) {
	ctx := context.Background()
	s := &countingStore{MessageStore: store.NewMemoryStore(10)}
	require.NoError(t, s.UpsertMessage(ctx, datatypes.Message{ID: "a", Role: datatypes.RoleUser, Text: "x", ParentMessageID: "b"}))
	require.NoError(t, s.UpsertMessage(ctx, datatypes.Message{ID: "b", Role: datatypes.RoleAssistant, Text: "y", ParentMessageID: "a"}))
	a := newChat(t, s, 4000, 1000)

	win, err := a.Assemble(ctx, ChatInput{Text: "q", ParentMessageID: "a"})
	require.NoError(t, err)
	assert.Len(t, win.Turns, 3)
	assert.Equal(t, int64(2), s.gets.Load())
}

// =============================================================================
// Prompt Mode Tests
// =============================================================================

func TestPromptAssemble_DefaultLayout(t *testing.T) {
	a := newPrompt(t, store.NewMemoryStore(10), tokenizer.FamilyCompletion, 4096, 1000)

	win, err := a.Assemble(context.Background(), PromptInput{Text: "hello"})
	require.NoError(t, err)

	want := "Instructions:\nYou are ChatGPT, a large language model trained by OpenAI.\n" +
		"Current date: 2023-03-01<|endoftext|>" +
		"User:\n\nhello<|endoftext|>" +
		"\nChatGPT:\n"
	assert.Equal(t, want, win.Prompt)
	assert.Equal(t, 0, win.Lookups)
	assert.Equal(t, 1000, win.MaxTokens)
}

func TestPromptAssemble_LegacyChatMarkers(t *testing.T) {
	s := store.NewMemoryStore(10)
	newest := seedChain(t, s, 2)
	a := newPrompt(t, s, tokenizer.FamilyLegacyChat, 4096, 1000)

	win, err := a.Assemble(context.Background(), PromptInput{
		Text: "q", ParentMessageID: newest, PromptPrefix: "P", PromptSuffix: "S",
	})
	require.NoError(t, err)

	assert.Equal(t, "PUser:\n\nt1<|im_end|>\n\nChatGPT:\n\nt2<|im_end|>\n\nUser:\n\nq<|im_end|>S", win.Prompt)
	assert.True(t, strings.HasSuffix(a.DefaultPrefix(), "<|im_sep|>"))
}

func TestPromptAssemble_CommitsWhileWithinBudget(t *testing.T) {
	s := store.NewMemoryStore(10)
	newest := seedChain(t, s, 4)
	// Single turn = 4 words, each ancestor adds 2. Budget 6 admits one.
	a := newPrompt(t, s, tokenizer.FamilyCompletion, 10, 4)

	win, err := a.Assemble(context.Background(), PromptInput{
		Text: "q", ParentMessageID: newest, PromptPrefix: "P\n", PromptSuffix: "\nA:\n",
	})
	require.NoError(t, err)

	assert.Equal(t, "P\nChatGPT:\n\nt4<|endoftext|>\n\nUser:\n\nq<|endoftext|>\nA:\n", win.Prompt)
	assert.Equal(t, 6, win.TokenCount)
	assert.Equal(t, 2, win.Lookups)
	assert.Equal(t, 4, win.MaxTokens)
}

func TestPromptAssemble_DegenerateSingleTurn(t *testing.T) {
	s := &countingStore{MessageStore: store.NewMemoryStore(10)}
	newest := seedChain(t, s, 3)
	a := newPrompt(t, s, tokenizer.FamilyCompletion, 7, 4)

	win, err := a.Assemble(context.Background(), PromptInput{
		Text: "q", ParentMessageID: newest, PromptPrefix: "P\n", PromptSuffix: "\nA:\n",
	})
	require.NoError(t, err)

	assert.Equal(t, "P\nUser:\n\nq<|endoftext|>\nA:\n", win.Prompt)
	assert.Equal(t, 4, win.TokenCount)
	assert.Zero(t, s.gets.Load(), "an over-budget first candidate ends the walk")
	assert.Equal(t, 3, win.MaxTokens)
}

func TestPromptAssemble_MaxTokensNeverBelowOne(t *testing.T) {
	a := newPrompt(t, store.NewMemoryStore(10), tokenizer.FamilyCompletion, 5, 4)

	win, err := a.Assemble(context.Background(), PromptInput{
		Text: strings.Repeat("word ", 20), PromptPrefix: "P\n", PromptSuffix: "\nA:\n",
	})
	require.NoError(t, err)
	assert.Equal(t, 1, win.MaxTokens)
}

func TestPromptAssemble_BudgetProperty(t *testing.T) {
	for depth := 0; depth <= 5; depth++ {
		for budget := 1; budget <= 16; budget++ {
			t.Run(fmt.Sprintf("depth_%d_budget_%d", depth, budget), func(t *testing.T) {
				s := &countingStore{MessageStore: store.NewMemoryStore(100)}
				newest := seedChain(t, s, depth)
				a := newPrompt(t, s, tokenizer.FamilyCompletion, budget+3, 3)
				single := "P\nUser:\n\nq<|endoftext|>\nA:\n"

				win, err := a.Assemble(context.Background(), PromptInput{
					Text: "q", ParentMessageID: newest, PromptPrefix: "P\n", PromptSuffix: "\nA:\n",
				})
				require.NoError(t, err)

				if win.Prompt != single {
					assert.LessOrEqual(t, win.TokenCount, budget)
				}
				assert.LessOrEqual(t, int(s.gets.Load()), depth+1)
				assert.GreaterOrEqual(t, win.MaxTokens, 1)

				// Recounting the committed prompt yields the same count.
				assert.Equal(t, win.TokenCount, a.cfg.Tokenizer.Count(win.Prompt))
			})
		}
	}
}

func TestPromptAssemble_CodexPassthrough(t *testing.T) {
	s := &countingStore{MessageStore: store.NewMemoryStore(10)}
	newest := seedChain(t, s, 2)
	a := newPrompt(t, s, tokenizer.FamilyCodex, 4096, 1000)

	win, err := a.Assemble(context.Background(), PromptInput{Text: "def add(a, b):", ParentMessageID: newest})
	require.NoError(t, err)

	assert.Equal(t, "def add(a, b):", win.Prompt)
	assert.Zero(t, s.gets.Load())
	assert.Equal(t, 1000, win.MaxTokens)
}

func TestPromptAssemble_WithRealTokenizer(t *testing.T) {
	tok, err := tokenizer.NewTiktoken("text-davinci-003")
	require.NoError(t, err)
	s := store.NewMemoryStore(10)
	newest := seedChain(t, s, 4)

	a, err := NewPromptAssembler(Config{
		Tokenizer: tok, Store: s, Family: tokenizer.FamilyCompletion,
		MaxModelTokens: 4096, MaxResponseTokens: 1000,
	})
	require.NoError(t, err)

	win, err := a.Assemble(context.Background(), PromptInput{Text: "q", ParentMessageID: newest})
	require.NoError(t, err)
	assert.Equal(t, tok.Count(win.Prompt), win.TokenCount)
	assert.Equal(t, 4, win.Lookups)
	assert.Contains(t, win.Prompt, "User:\n\nt1<|endoftext|>\n\nChatGPT:\n\nt2")
}
