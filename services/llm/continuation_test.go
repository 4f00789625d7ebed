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
	"errors"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/chatstream/services/llm/datatypes"
)

func TestIsTruncated(t *testing.T) {
	tests := []struct {
		text string
		want bool
	}{
		{"plain answer", false},
		{"```go\nfmt.Println()\n```", false},
		{"```go\nfmt.Println(", true},
		{"a ``` b ``` c ```", true},
		{"", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, IsTruncated(tt.text), "%q", tt.text)
	}
}

func TestCloseFence(t *testing.T) {
	closed := CloseFence("```go\nx :=")
	assert.Equal(t, "```go\nx := \r\n ```\r\n", closed)
	assert.False(t, IsTruncated(closed))
}

func TestContinue_CombinesAnswers(t *testing.T) {
	srv, requests := newFakeService(t, http.StatusOK, sseBody(chatDelta("c2", "1\n```"), "[DONE]"))
	client, mem := newTestClient(t, srv.URL, Config{SystemMessage: strPtr("")})

	truncated := datatypes.Message{
		ID:             "a1",
		Role:           datatypes.RoleAssistant,
		Text:           "```go\nx :=",
		ConversationID: "conv",
	}
	require.NoError(t, mem.UpsertMessage(context.Background(), truncated))

	cont, ok, err := client.CheckContinuation(context.Background(), truncated)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, CloseFence(truncated.Text), cont.PreviousAnswer)
	assert.True(t, cont.Message.FenceClosed)

	var progress []string
	msg, err := client.Continue(context.Background(), cont, SendOptions{
		OnProgress: func(r Response) { progress = append(progress, r.Text) },
	})
	require.NoError(t, err)
	assert.Equal(t, cont.PreviousAnswer+"1\n```", msg.Text)
	assert.Equal(t, "conv", msg.ConversationID)
	assert.Equal(t, []string{cont.PreviousAnswer + "1\n```"}, progress)

	req := <-requests
	turns, _ := req.Body["messages"].([]any)
	require.NotEmpty(t, turns)
	last, _ := turns[len(turns)-1].(map[string]any)
	assert.Equal(t, DefaultContinuePrompt, last["content"])
	assert.Contains(t, turns, map[string]any{"role": "assistant", "content": CloseFence("```go\nx :=")})

	stored, ok, err := mem.GetMessageByID(context.Background(), "c2")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "1\n```", stored.Text, "the store keeps the resumed part only")
	assert.Equal(t, "a1", stored.Resumes)

	full, err := client.ResumedText(context.Background(), stored)
	require.NoError(t, err)
	assert.Equal(t, msg.Text, full)

	user, ok, err := mem.GetMessageByID(context.Background(), stored.ParentMessageID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "a1", user.ParentMessageID)
}

func TestCheckContinuation_CompleteAnswer(t *testing.T) {
	client, _ := newTestClient(t, "", Config{})
	_, ok, err := client.CheckContinuation(context.Background(), datatypes.Message{Text: "done"})
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCheckContinuation_ClosesStoredFence(t *testing.T) {
	client, mem := newTestClient(t, "", Config{})
	ctx := context.Background()
	truncated := datatypes.Message{ID: "a1", Role: datatypes.RoleAssistant, Text: "```go\nx :="}
	require.NoError(t, mem.UpsertMessage(ctx, truncated))

	cont, ok, err := client.CheckContinuation(ctx, truncated)
	require.NoError(t, err)
	require.True(t, ok)

	stored, found, err := mem.GetMessageByID(ctx, "a1")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, CloseFence(truncated.Text), stored.Text)
	assert.True(t, stored.FenceClosed)
	assert.False(t, IsTruncated(stored.Text))
	assert.True(t, CanContinue(stored))

	again, ok, err := client.CheckContinuation(ctx, stored)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, cont.PreviousAnswer, again.PreviousAnswer, "a closed fence is not closed twice")
}

func TestResumedText_FollowsChain(t *testing.T) {
	client, mem := newTestClient(t, "", Config{})
	ctx := context.Background()
	msgs := []datatypes.Message{
		{ID: "a1", Role: datatypes.RoleAssistant, Text: "one ", FenceClosed: true},
		{ID: "a2", Role: datatypes.RoleAssistant, Text: "two ", Resumes: "a1", FenceClosed: true},
		{ID: "a3", Role: datatypes.RoleAssistant, Text: "three", Resumes: "a2"},
		{ID: "orphan", Role: datatypes.RoleAssistant, Text: "tail", Resumes: "evicted"},
	}
	for _, m := range msgs {
		require.NoError(t, mem.UpsertMessage(ctx, m))
	}

	full, err := client.ResumedText(ctx, msgs[2])
	require.NoError(t, err)
	assert.Equal(t, "one two three", full)

	full, err = client.ResumedText(ctx, msgs[3])
	require.NoError(t, err)
	assert.Equal(t, "tail", full)
}

func TestContinueIfConfirmed(t *testing.T) {
	truncated := datatypes.Message{ID: "a1", Role: datatypes.RoleAssistant, Text: "```sh\nls"}

	t.Run("declined", func(t *testing.T) {
		client, mem := newTestClient(t, "", Config{})
		require.NoError(t, mem.UpsertMessage(context.Background(), truncated))
		asked := 0
		got, resumed, err := client.ContinueIfConfirmed(context.Background(), truncated,
			ConfirmerFunc(func(context.Context, Continuation) (bool, error) { asked++; return false, nil }),
			SendOptions{})
		require.NoError(t, err)
		assert.False(t, resumed)
		assert.Equal(t, 1, asked)
		assert.Equal(t, truncated.ID, got.ID)
		assert.Equal(t, CloseFence(truncated.Text), got.Text)
		assert.False(t, IsTruncated(got.Text))

		stored, ok, err := mem.GetMessageByID(context.Background(), truncated.ID)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, got.Text, stored.Text)
	})

	t.Run("nil confirmer declines", func(t *testing.T) {
		client, _ := newTestClient(t, "", Config{})
		got, resumed, err := client.ContinueIfConfirmed(context.Background(), truncated, nil, SendOptions{})
		require.NoError(t, err)
		assert.False(t, resumed)
		assert.Equal(t, CloseFence(truncated.Text), got.Text)
	})

	t.Run("not truncated", func(t *testing.T) {
		client, _ := newTestClient(t, "", Config{})
		_, resumed, err := client.ContinueIfConfirmed(context.Background(), datatypes.Message{Text: "ok"},
			ConfirmerFunc(func(context.Context, Continuation) (bool, error) {
				t.Fatal("confirmer must not be asked")
				return false, nil
			}),
			SendOptions{})
		require.NoError(t, err)
		assert.False(t, resumed)
	})

	t.Run("confirmer error", func(t *testing.T) {
		client, _ := newTestClient(t, "", Config{})
		boom := errors.New("tty closed")
		_, _, err := client.ContinueIfConfirmed(context.Background(), truncated,
			ConfirmerFunc(func(context.Context, Continuation) (bool, error) { return false, boom }),
			SendOptions{})
		assert.ErrorIs(t, err, boom)
	})

	t.Run("accepted", func(t *testing.T) {
		srv, _ := newFakeService(t, http.StatusOK, "{\"id\":\"c9\",\"choices\":[{\"index\":0,\"message\":{\"role\":\"assistant\",\"content\":\"\\n```\"}}]}")
		client, _ := newTestClient(t, srv.URL, Config{ContinuePrompt: "go on"})
		got, resumed, err := client.ContinueIfConfirmed(context.Background(), truncated,
			ConfirmerFunc(func(context.Context, Continuation) (bool, error) { return true, nil }),
			SendOptions{})
		require.NoError(t, err)
		assert.True(t, resumed)
		assert.Equal(t, CloseFence(truncated.Text)+"```", got.Text)
	})
}
