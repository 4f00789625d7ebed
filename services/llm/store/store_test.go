// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/chatstream/services/llm/datatypes"
)

func sampleMessage(id string) datatypes.Message {
	return datatypes.Message{
		ID:              id,
		Role:            datatypes.RoleAssistant,
		Text:            "4",
		ParentMessageID: "user-1",
		ConversationID:  "conv-1",
		Detail:          json.RawMessage(`{"id":"` + id + `","choices":[]}`),
		CreatedAt:       1700000000000,
	}
}

// storeFactories runs contract tests against every implementation.
func storeFactories(t *testing.T) map[string]func() MessageStore {
	return map[string]func() MessageStore{
		"memory": func() MessageStore { return NewMemoryStore(0) },
		"badger": func() MessageStore {
			s, err := OpenBadgerStore(InMemoryBadgerConfig())
			require.NoError(t, err)
			t.Cleanup(func() { _ = s.Close() })
			return s
		},
	}
}

// =============================================================================
// Contract Tests
// =============================================================================

func TestMessageStore_RoundTrip(t *testing.T) {
	for name, factory := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := factory()
			msg := sampleMessage("m1")

			require.NoError(t, s.UpsertMessage(ctx, msg))

			got, ok, err := s.GetMessageByID(ctx, "m1")
			require.NoError(t, err)
			require.True(t, ok)
			assert.Equal(t, msg, got)
		})
	}
}

func TestMessageStore_AbsentIsNotError(t *testing.T) {
	for name, factory := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			_, ok, err := factory().GetMessageByID(context.Background(), "missing")
			require.NoError(t, err)
			assert.False(t, ok)
		})
	}
}

func TestMessageStore_UpsertReplaces(t *testing.T) {
	for name, factory := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := factory()
			msg := sampleMessage("m1")
			require.NoError(t, s.UpsertMessage(ctx, msg))

			msg.Text = "4, with a longer explanation"
			require.NoError(t, s.UpsertMessage(ctx, msg))

			got, ok, err := s.GetMessageByID(ctx, "m1")
			require.NoError(t, err)
			require.True(t, ok)
			assert.Equal(t, "4, with a longer explanation", got.Text)
		})
	}
}

func TestMessageStore_Clear(t *testing.T) {
	for name, factory := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := factory()
			require.NoError(t, s.UpsertMessage(ctx, sampleMessage("a")))
			require.NoError(t, s.UpsertMessage(ctx, sampleMessage("b")))

			require.NoError(t, s.Clear(ctx))

			for _, id := range []string{"a", "b"} {
				_, ok, err := s.GetMessageByID(ctx, id)
				require.NoError(t, err)
				assert.False(t, ok, id)
			}
		})
	}
}

func TestMessageStore_CancelledContext(t *testing.T) {
	for name, factory := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			s := factory()
			ctx, cancel := context.WithCancel(context.Background())
			cancel()

			_, _, err := s.GetMessageByID(ctx, "m1")
			assert.ErrorIs(t, err, context.Canceled)
			assert.ErrorIs(t, s.UpsertMessage(ctx, sampleMessage("m1")), context.Canceled)
		})
	}
}

func TestMessageStore_ConcurrentAccess(t *testing.T) {
	for name, factory := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := factory()

			var wg sync.WaitGroup
			for i := 0; i < 20; i++ {
				wg.Add(1)
				go func(n int) {
					defer wg.Done()
					id := fmt.Sprintf("m%d", n)
					assert.NoError(t, s.UpsertMessage(ctx, sampleMessage(id)))
					_, ok, err := s.GetMessageByID(ctx, id)
					assert.NoError(t, err)
					assert.True(t, ok)
				}(i)
			}
			wg.Wait()
		})
	}
}

// =============================================================================
// MemoryStore Tests
// =============================================================================

func TestMemoryStore_EvictsLeastRecentlyUsed(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(2)

	require.NoError(t, s.UpsertMessage(ctx, sampleMessage("a")))
	require.NoError(t, s.UpsertMessage(ctx, sampleMessage("b")))

	// Touch "a" so "b" becomes the eviction candidate.
	_, ok, _ := s.GetMessageByID(ctx, "a")
	require.True(t, ok)

	require.NoError(t, s.UpsertMessage(ctx, sampleMessage("c")))

	_, ok, _ = s.GetMessageByID(ctx, "b")
	assert.False(t, ok)
	_, ok, _ = s.GetMessageByID(ctx, "a")
	assert.True(t, ok)
	assert.Equal(t, 2, s.Len())

	_, _, evictions := s.Stats()
	assert.Equal(t, int64(1), evictions)
}

func TestMemoryStore_ReturnsCopies(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(10)
	msg := sampleMessage("a")
	require.NoError(t, s.UpsertMessage(ctx, msg))

	msg.Detail[0] = 'X'
	got, _, _ := s.GetMessageByID(ctx, "a")
	assert.Equal(t, byte('{'), got.Detail[0])

	got.Detail[0] = 'Y'
	again, _, _ := s.GetMessageByID(ctx, "a")
	assert.Equal(t, byte('{'), again.Detail[0])
}

func TestMemoryStore_DefaultCapacity(t *testing.T) {
	s := NewMemoryStore(-1)
	assert.Equal(t, DefaultMemoryCapacity, s.cache.capacity)
}

func TestMemoryStore_ClearResetsStats(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(10)
	_, _, _ = s.GetMessageByID(ctx, "missing")
	require.NoError(t, s.Clear(ctx))

	hits, misses, evictions := s.Stats()
	assert.Zero(t, hits)
	assert.Zero(t, misses)
	assert.Zero(t, evictions)
}

// =============================================================================
// BadgerStore Tests
// =============================================================================

func TestOpenBadgerStore_RequiresPath(t *testing.T) {
	_, err := OpenBadgerStore(BadgerConfig{})
	assert.Error(t, err)
}

func TestBadgerStore_PersistsAcrossReopen(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	cfg := DefaultBadgerConfig(dir)
	cfg.GCInterval = 0
	s, err := OpenBadgerStore(cfg)
	require.NoError(t, err)
	require.NoError(t, s.UpsertMessage(ctx, sampleMessage("m1")))
	require.NoError(t, s.Close())

	s, err = OpenBadgerStore(cfg)
	require.NoError(t, err)
	defer s.Close()

	got, ok, err := s.GetMessageByID(ctx, "m1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, sampleMessage("m1"), got)
}

func TestBadgerStore_WritesCarryTTL(t *testing.T) {
	ctx := context.Background()
	cfg := InMemoryBadgerConfig()
	cfg.TTL = time.Hour
	s, err := OpenBadgerStore(cfg)
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.UpsertMessage(ctx, sampleMessage("m1")))

	err = s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(messageKey("m1"))
		if err != nil {
			return err
		}
		assert.Greater(t, item.ExpiresAt(), uint64(time.Now().Unix()))
		return nil
	})
	require.NoError(t, err)
}

func TestBadgerStore_CloseStopsGC(t *testing.T) {
	cfg := DefaultBadgerConfig(t.TempDir())
	cfg.GCInterval = 10 * time.Millisecond
	s, err := OpenBadgerStore(cfg)
	require.NoError(t, err)

	time.Sleep(30 * time.Millisecond)
	require.NoError(t, s.Close())
}
