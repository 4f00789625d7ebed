// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package store persists chat messages by id.
//
// Two implementations are provided: MemoryStore, a bounded LRU cache that is
// the client default, and BadgerStore, a BadgerDB-backed store that survives
// restarts and can expire messages with a TTL.
package store

import (
	"context"

	"github.com/AleutianAI/chatstream/services/llm/datatypes"
)

// MessageStore maps message ids to messages.
//
// # Description
//
// The context window assembler reads ancestors through GetMessageByID and
// the client writes user and assistant messages through UpsertMessage.
// Implementations may evict entries at any time; a missing parent simply
// ends a context walk.
//
// # Contract
//
//   - Absence is not an error: GetMessageByID returns ok=false, err=nil.
//   - A message passed to UpsertMessage is returned unchanged by the next
//     GetMessageByID with the same id, until evicted.
//   - All methods are safe for concurrent use.
type MessageStore interface {
	// GetMessageByID looks up a message.
	GetMessageByID(ctx context.Context, id string) (datatypes.Message, bool, error)

	// UpsertMessage inserts or replaces the message stored under msg.ID.
	UpsertMessage(ctx context.Context, msg datatypes.Message) error

	// Clear removes every stored message.
	Clear(ctx context.Context) error
}
