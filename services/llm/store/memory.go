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

	"github.com/AleutianAI/chatstream/services/llm/datatypes"
)

// DefaultMemoryCapacity is the number of messages the default store keeps.
const DefaultMemoryCapacity = 10000

// MemoryStore is an in-process MessageStore with least-recently-used
// eviction.
//
// Description:
//
//	Messages are copied on the way in and out so callers can never mutate
//	stored state. Reads refresh recency, so an active thread's ancestors
//	outlive abandoned branches.
//
// Thread Safety: Safe for concurrent use.
type MemoryStore struct {
	cache *lruCache[string, datatypes.Message]
}

// NewMemoryStore creates a store holding at most capacity messages.
//
// Inputs:
//   - capacity: Maximum entries. Values <= 0 use DefaultMemoryCapacity.
//
// Outputs:
//   - *MemoryStore: Empty store. Never nil.
func NewMemoryStore(capacity int) *MemoryStore {
	return &MemoryStore{cache: newLRUCache[string, datatypes.Message](capacity)}
}

// GetMessageByID implements MessageStore.
func (s *MemoryStore) GetMessageByID(ctx context.Context, id string) (datatypes.Message, bool, error) {
	if err := ctx.Err(); err != nil {
		return datatypes.Message{}, false, err
	}
	msg, ok := s.cache.get(id)
	if !ok {
		return datatypes.Message{}, false, nil
	}
	return cloneMessage(msg), true, nil
}

// UpsertMessage implements MessageStore.
func (s *MemoryStore) UpsertMessage(ctx context.Context, msg datatypes.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.cache.set(msg.ID, cloneMessage(msg))
	return nil
}

// Clear implements MessageStore.
func (s *MemoryStore) Clear(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.cache.purge()
	return nil
}

// Len returns the number of stored messages.
func (s *MemoryStore) Len() int {
	return s.cache.len()
}

// Stats returns hit, miss and eviction counts since creation or last Clear.
func (s *MemoryStore) Stats() (hits, misses, evictions int64) {
	return s.cache.hits.Load(), s.cache.misses.Load(), s.cache.evictions.Load()
}

func cloneMessage(msg datatypes.Message) datatypes.Message {
	if msg.Detail != nil {
		msg.Detail = append(json.RawMessage(nil), msg.Detail...)
	}
	return msg
}
