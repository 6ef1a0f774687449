// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package stream

import (
	"bytes"
	"strings"
)

// LineFramer converts an unbounded byte stream into complete
// newline-terminated lines.
//
// # Description
//
// Network reads hand the framer arbitrary chunks: a chunk may end in the
// middle of a line, in the middle of a multi-byte UTF-8 sequence, or in the
// middle of a JSON token. The framer owns a single carry-over buffer; any
// bytes after the last newline are held back and prepended to the next
// chunk, so callers only ever see whole lines. The carry-over works at the
// byte level, which keeps split UTF-8 sequences intact (a multi-byte
// sequence can never contain the newline byte).
//
// The framer is format-agnostic: it does not know about SSE comments,
// field prefixes, or terminators. Filtering is the decoder's job so that
// framing stays reusable.
//
// # Thread Safety
//
// Not safe for concurrent use. Each stream session owns one framer.
type LineFramer struct {
	carry []byte
}

// Feed appends a chunk to the carry-over buffer and returns every complete
// line it now contains, in order. A single trailing "\r" is stripped from
// each line, so LF and CRLF framing are both tolerated. Content after the
// last newline stays buffered for the next call.
func (f *LineFramer) Feed(chunk []byte) []string {
	f.carry = append(f.carry, chunk...)

	var lines []string
	for {
		idx := bytes.IndexByte(f.carry, '\n')
		if idx < 0 {
			break
		}
		line := strings.TrimSuffix(string(f.carry[:idx]), "\r")
		f.carry = f.carry[idx+1:]
		lines = append(lines, line)
	}
	return lines
}

// Restore re-prepends lines, with their terminating newlines restored, to
// the carry-over buffer so they are re-scanned on the next Feed.
//
// # Description
//
// This is the unwind point for a failed payload parse further down the
// pipeline: the extractor reports the failure as a typed result and the
// session hands the whole logical line (plus any lines queued behind it,
// to preserve ordering) back to the framer that owns the buffer. Nothing
// outside the framer ever mutates the carry-over directly.
func (f *LineFramer) Restore(lines ...string) {
	if len(lines) == 0 {
		return
	}
	restored := []byte(strings.Join(lines, "\n") + "\n")
	f.carry = append(restored, f.carry...)
}

// PendingBytes reports how many bytes are currently held back. Used by
// tests and debug logging.
func (f *LineFramer) PendingBytes() int {
	return len(f.carry)
}
