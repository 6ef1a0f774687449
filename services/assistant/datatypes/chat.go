// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package datatypes provides data structures for the assistant engine.
//
// This file contains the conversation message model and the request and
// response bodies for the two consumed endpoints: the streaming chat
// completion endpoint and the image generation endpoint.
package datatypes

import (
	"github.com/go-playground/validator/v10"
)

// =============================================================================
// Constants
// =============================================================================

const (
	// MaxMessageContentBytes is the maximum size of a single message content.
	// Checked in bytes, not runes, to bound request payload size.
	MaxMessageContentBytes = 32 * 1024 // 32KB

	// MaxMessagesPerRequest caps the conversation history sent upstream.
	MaxMessagesPerRequest = 100
)

// Message roles. Ordering within a conversation is insertion order.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// =============================================================================
// Shared Validator Instance
// =============================================================================

// chatValidate is the validator instance for chat datatypes.
var chatValidate *validator.Validate

func init() {
	chatValidate = validator.New()
	_ = chatValidate.RegisterValidation("maxbytes", validateMaxBytes)
}

// validateMaxBytes enforces MaxMessageContentBytes on a string field.
// Byte length is used (not rune count) to bound memory, matching the
// upstream contract.
func validateMaxBytes(fl validator.FieldLevel) bool {
	return len(fl.Field().String()) <= MaxMessageContentBytes
}

// =============================================================================
// Reaction
// =============================================================================

// Reaction is the user's feedback on a settled assistant message.
type Reaction string

const (
	ReactionNone    Reaction = ""
	ReactionLike    Reaction = "like"
	ReactionDislike Reaction = "dislike"
)

// =============================================================================
// Message
// =============================================================================

// Message is one entry in a conversation.
//
// # Description
//
// Content is mutable only while the message is the trailing assistant
// message of an open exchange (the stream feeding it has not settled).
// After settle the message is immutable except for Reaction toggling.
//
// # Fields
//
//   - Role: "user" or "assistant".
//   - Content: The message text. Grows delta by delta for an open
//     assistant message.
//   - AttachedImageURL: Set on assistant messages produced by the image
//     channel.
//   - Reaction: like/dislike feedback; empty for none.
//   - ServerID: Opaque identifier assigned by the persistence collaborator,
//     if any. The engine never interprets it.
//   - Backend: Which upstream model family served this response, when the
//     stream reported one.
//   - ContentHash: SHA-256 of the final content, hex encoded. Set when the
//     exchange settles successfully; empty for user and error messages.
type Message struct {
	Role             string   `json:"role" validate:"required,oneof=user assistant"`
	Content          string   `json:"content" validate:"maxbytes"`
	AttachedImageURL string   `json:"attached_image_url,omitempty"`
	Reaction         Reaction `json:"reaction,omitempty"`
	ServerID         string   `json:"server_id,omitempty"`
	Backend          string   `json:"backend,omitempty"`
	ContentHash      string   `json:"content_hash,omitempty"`
}

// WireMessage is the minimal {role, content} pair the upstream endpoints
// accept. Local-only fields (reactions, hashes, image attachments) are
// deliberately not part of the wire shape.
type WireMessage struct {
	Role    string `json:"role" validate:"required,oneof=user assistant"`
	Content string `json:"content" validate:"maxbytes"`
}

// Wire strips a Message down to its wire shape.
func (m Message) Wire() WireMessage {
	return WireMessage{Role: m.Role, Content: m.Content}
}

// =============================================================================
// Chat Stream Request
// =============================================================================

// ChatStreamRequest is the body POSTed to the streaming chat endpoint.
//
// # Fields
//
//   - Messages: Required. Full conversation history, oldest first, 1-100
//     entries, each content capped at 32KB.
//   - Language: Optional response language hint (e.g. "en", "hi").
//   - RoastLevel: Optional tone dial for the assistant persona.
//   - UseCombined: Optional. Ask the server to fan out across its combined
//     backend pool instead of the default single backend.
type ChatStreamRequest struct {
	Messages    []WireMessage `json:"messages" validate:"required,min=1,max=100,dive"`
	Language    string        `json:"language,omitempty"`
	RoastLevel  string        `json:"roastLevel,omitempty"`
	UseCombined bool          `json:"useCombined,omitempty"`
}

// Validate validates the request using the shared validator.
func (r *ChatStreamRequest) Validate() error {
	return chatValidate.Struct(r)
}

// =============================================================================
// Image Generation Request / Response
// =============================================================================

// ImageRequest is the body POSTed to the image generation endpoint.
// Action and ImageURL are only set for image-to-image variants.
type ImageRequest struct {
	Prompt   string `json:"prompt" validate:"required,maxbytes"`
	Action   string `json:"action,omitempty"`
	ImageURL string `json:"imageUrl,omitempty"`
}

// Validate validates the request using the shared validator.
func (r *ImageRequest) Validate() error {
	return chatValidate.Struct(r)
}

// ImageResponse is the success body from the image generation endpoint.
type ImageResponse struct {
	ImageURL string `json:"imageUrl"`
}

// ErrorResponse is the failure body both endpoints return on non-success
// HTTP statuses. Error is surfaced to the user verbatim when present.
type ErrorResponse struct {
	Error string `json:"error"`
}
