// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package stream

import "strings"

// LineClass is the decoder's classification of one framed line.
type LineClass int

const (
	// LineSkip marks comments (":" prefix), blank lines, and any field
	// other than data. Keepalive pings from the server arrive this way.
	LineSkip LineClass = iota

	// LineData marks a data line whose payload should be handed to the
	// extractor as a raw JSON string.
	LineData

	// LineTerminator marks the end-of-stream sentinel. Processing must
	// stop; the sentinel payload is never parsed as JSON.
	LineTerminator
)

const (
	dataFieldPrefix = "data:"
	doneSentinel    = "[DONE]"
)

// Classify sorts a framed line into skip / data / terminator.
//
// Lines that do not begin with the data field prefix are skipped; that
// single rule covers comments, blank lines, and event-type fields alike.
// For data lines the payload is the text after the prefix with surrounding
// whitespace trimmed. A payload equal to the done sentinel classifies as
// LineTerminator with an empty payload.
//
// A data line with an empty payload is deliberately skipped rather than
// handed to the extractor: an empty string can never parse, so forwarding
// it would only spin the extractor's fragment-recovery path before the
// line gets dropped anyway.
func Classify(line string) (LineClass, string) {
	if !strings.HasPrefix(line, dataFieldPrefix) {
		return LineSkip, ""
	}
	payload := strings.TrimSpace(line[len(dataFieldPrefix):])
	if payload == doneSentinel {
		return LineTerminator, ""
	}
	if payload == "" {
		return LineSkip, ""
	}
	return LineData, payload
}
