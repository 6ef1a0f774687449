// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package stub

import (
	"fmt"
	"strings"
	"unicode"
)

// composeReply builds a deterministic reply for the prompt. Deterministic
// output lets integration tests assert exact assembled content.
func composeReply(prompt, roastLevel string) string {
	trimmed := strings.TrimSpace(prompt)

	switch {
	case strings.EqualFold(trimmed, "ping"):
		return "pong"
	case roastLevel != "" && roastLevel != "none":
		return fmt.Sprintf("Oh, %q — truly the question of the century. "+
			"Here is your answer anyway: the stub backend has no opinions, "+
			"only echoes.", trimmed)
	default:
		return fmt.Sprintf("You said: %q. This is a stub reply of %d runes, "+
			"streamed token by token.", trimmed, len([]rune(trimmed)))
	}
}

// tokenize splits a reply into emission units of a few characters,
// approximating LLM token boundaries. Whitespace stays attached to the
// preceding token so reassembly is exact.
func tokenize(reply string) []string {
	var tokens []string
	var current strings.Builder

	flush := func() {
		if current.Len() > 0 {
			tokens = append(tokens, current.String())
			current.Reset()
		}
	}

	for _, r := range reply {
		current.WriteRune(r)
		if unicode.IsSpace(r) || current.Len() >= 8 {
			flush()
		}
	}
	flush()
	return tokens
}
