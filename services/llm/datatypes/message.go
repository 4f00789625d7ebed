// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package datatypes holds the message records shared by the chat client,
// its stores and the HTTP bridge.
package datatypes

import (
	"encoding/json"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

// =============================================================================
// Constants
// =============================================================================

const (
	// MaxMessageTextBytes bounds the size of a single stored message.
	MaxMessageTextBytes = 256 * 1024 // 256KB
)

// =============================================================================
// Shared Validator Instance
// =============================================================================

// messageValidate is the validator instance for message datatypes.
var messageValidate *validator.Validate

func init() {
	messageValidate = validator.New()
	_ = messageValidate.RegisterValidation("maxbytes", validateMaxBytes)
}

// validateMaxBytes checks byte length (not rune count) against
// MaxMessageTextBytes.
func validateMaxBytes(fl validator.FieldLevel) bool {
	return len(fl.Field().String()) <= MaxMessageTextBytes
}

// Validator returns the shared validator so other packages validate with
// the same custom tags.
func Validator() *validator.Validate {
	return messageValidate
}

// =============================================================================
// Roles
// =============================================================================

// Role identifies the author of a turn.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Valid reports whether r is one of the three known roles.
func (r Role) Valid() bool {
	switch r {
	case RoleSystem, RoleUser, RoleAssistant:
		return true
	}
	return false
}

// =============================================================================
// Message
// =============================================================================

// Message is one node in a parent-linked conversation tree.
//
// # Description
//
// Messages are immutable once written to a store. ParentMessageID is a weak
// reference: it is resolved through a store lookup, never held as a pointer,
// and a parent that cannot be resolved simply ends a context walk.
//
// # Fields
//
//   - ID: Required. Opaque unique identifier (UUID v4 when generated locally,
//     the remote completion id for assistant replies).
//   - Role: Required. user, assistant or system.
//   - Text: Full message content, at most 256KB.
//   - ParentMessageID: Optional. Id of the message this one answers.
//   - ConversationID: Optional. Grouping key shared by a thread.
//   - Detail: Optional. Raw JSON of the last response payload, kept for
//     diagnostics.
//   - CreatedAt: Unix milliseconds (UTC).
//   - FenceClosed: The answer ended inside a code block and a closing
//     fence was appended to Text. It can still be resumed.
//   - Resumes: Optional. Id of the truncated answer this one continues.
//     Text holds only the resumed part.
//
// # Examples
//
//	msg := datatypes.NewMessage(datatypes.RoleUser, "2+2?", "")
//	if err := msg.Validate(); err != nil {
//	    return err
//	}
type Message struct {
	ID              string          `json:"id" cbor:"1,keyasint" validate:"required"`
	Role            Role            `json:"role" cbor:"2,keyasint" validate:"required,oneof=user assistant system"`
	Text            string          `json:"text" cbor:"3,keyasint" validate:"maxbytes"`
	ParentMessageID string          `json:"parent_message_id,omitempty" cbor:"4,keyasint,omitempty"`
	ConversationID  string          `json:"conversation_id,omitempty" cbor:"5,keyasint,omitempty"`
	Detail          json.RawMessage `json:"detail,omitempty" cbor:"6,keyasint,omitempty"`
	CreatedAt       int64           `json:"created_at" cbor:"7,keyasint"`
	FenceClosed     bool            `json:"fence_closed,omitempty" cbor:"8,keyasint,omitempty"`
	Resumes         string          `json:"resumes,omitempty" cbor:"9,keyasint,omitempty"`
}

// NewMessage creates a message with a fresh UUID v4 and the current time.
func NewMessage(role Role, text, parentID string) Message {
	return Message{
		ID:              uuid.NewString(),
		Role:            role,
		Text:            text,
		ParentMessageID: parentID,
		CreatedAt:       time.Now().UnixMilli(),
	}
}

// Validate checks the message against its validate tags.
func (m *Message) Validate() error {
	return messageValidate.Struct(m)
}

// Turn returns the chat wire element for this message.
func (m Message) Turn() Turn {
	return Turn{Role: m.Role, Content: m.Text}
}

// =============================================================================
// Turn
// =============================================================================

// Turn is one role-tagged element of a chat completion request.
type Turn struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
	Name    string `json:"name,omitempty"`
}
