// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package stream decodes the assistant's event stream into text deltas.
//
// The pipeline is framer -> decoder -> extractor, composed by Session:
//
//	raw bytes -> complete lines -> data payloads -> deltas
//
// The central correctness property is that no event payload is ever
// dropped because it was read in fragments. Two mechanisms uphold it:
// the framer's byte-level carry-over (a line split across reads is held
// back until its newline arrives) and the extractor's Incomplete result
// (a payload that fails strict JSON parsing is restored, newline and all,
// into the framer's buffer and retried whole on the next feed).
package stream

import "log/slog"

// Session is the ephemeral, per-request decoding state for one streamed
// response. It is created when a response body becomes readable and
// discarded when the terminator is seen or the read loop ends. Never
// persisted, never reused across requests.
type Session struct {
	framer  LineFramer
	done    bool
	backend string

	// retryLine is the one data line currently granted a re-parse after an
	// Incomplete extraction. A line that fails strict parsing a second
	// time, byte for byte, is complete-but-malformed rather than
	// fragmented; it is logged and dropped so it cannot stall the lines
	// queued behind it.
	retryLine string
}

// NewSession returns a fresh decoding session.
func NewSession() *Session {
	return &Session{}
}

// Feed pushes one network chunk through the pipeline and returns the text
// deltas it completed, in arrival order.
//
// # Description
//
// Chunks may be cut at arbitrary byte boundaries — mid-UTF-8 sequence,
// mid-JSON token — and feeding them one at a time yields exactly the same
// deltas as feeding the whole stream at once. Once the terminator sentinel
// has been observed the session is done: the rest of that chunk and all
// later chunks are ignored, even if their bytes were already buffered.
//
// When a payload parses as Incomplete, the failed line and every line
// queued behind it are restored to the framer and the pass ends, so
// deltas are never reordered around a retried payload.
func (s *Session) Feed(chunk []byte) []string {
	if s.done {
		return nil
	}

	lines := s.framer.Feed(chunk)

	var deltas []string
	for i, line := range lines {
		class, payload := Classify(line)
		switch class {
		case LineSkip:
			continue
		case LineTerminator:
			s.done = true
			return deltas
		}

		ext := Extract(payload)
		if ext.Incomplete {
			if line == s.retryLine {
				slog.Warn("Dropping malformed event payload after retry",
					"payload_bytes", len(payload),
				)
				s.retryLine = ""
				continue
			}
			s.retryLine = line
			s.framer.Restore(lines[i:]...)
			return deltas
		}

		if ext.Backend != "" {
			s.backend = ext.Backend
		}
		if ext.Text != "" {
			deltas = append(deltas, ext.Text)
		}
	}
	return deltas
}

// Done reports whether the terminator sentinel has been observed.
func (s *Session) Done() bool {
	return s.done
}

// Backend returns the last backend tag seen on any payload in this
// session, or "" when the server never sent one. Last-seen-wins across
// the whole stream.
func (s *Session) Backend() string {
	return s.backend
}
