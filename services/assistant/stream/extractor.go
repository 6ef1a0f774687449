// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package stream

import (
	"encoding/json"

	openai "github.com/sashabaranov/go-openai"
)

// deltaChunk is the wire shape of one streamed event payload.
//
// The chat endpoint speaks the OpenAI streaming dialect, so the chunk
// embeds go-openai's stream response type and adds the one extension our
// backend sets: a top-level tag naming which model family actually served
// the request.
type deltaChunk struct {
	openai.ChatCompletionStreamResponse
	Backend string `json:"backend,omitempty"`
}

// Extraction is the typed result of parsing one event payload.
//
// # Description
//
// Exactly one of two things is true of an Extraction:
//
//   - Incomplete is set: the payload failed strict JSON parsing, which
//     means a network chunk boundary fell mid-payload and we are looking
//     at a prefix of the real object. The caller must hand the original
//     line back to the framer (Session does this) so the payload is
//     retried whole once more bytes arrive. Never an error, never
//     user-visible.
//
//   - Incomplete is clear: the payload parsed. Text holds the delta from
//     the first choice (empty when the object is structurally complete but
//     carries no content — that is a no-op, NOT a re-buffer). Backend
//     holds the optional backend tag, empty when absent.
//
// The distinction matters: re-buffering a structurally complete payload
// would stall the stream, and dropping a fragmented one would lose text.
type Extraction struct {
	Incomplete bool
	Text       string
	Backend    string
}

// Extract parses one raw event payload defensively.
func Extract(raw string) Extraction {
	var chunk deltaChunk
	if err := json.Unmarshal([]byte(raw), &chunk); err != nil {
		return Extraction{Incomplete: true}
	}

	ext := Extraction{Backend: chunk.Backend}
	if len(chunk.Choices) > 0 {
		ext.Text = chunk.Choices[0].Delta.Content
	}
	return ext
}
