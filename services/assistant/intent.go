// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package assistant

import "regexp"

// Intent routing decides, before any network call, whether a user turn
// goes to the image generation side-channel instead of the streaming chat
// channel. The check is a deliberate keyword heuristic, not a classifier:
// the text must contain both an action word ("generate", "draw", ...) and
// a subject word ("image", "picture", ...). False negatives simply fall
// through to the chat channel, which is the safe default; do not "improve"
// this with fuzzier matching that risks hijacking ordinary chat turns.
var (
	// Action vocabulary, including the Hinglish synonyms our users
	// actually type.
	imageActionPattern = regexp.MustCompile(
		`(?i)\b(generate|create|make|draw|show\s+me|banao|bana|dikhao)\b`)

	// Subject vocabulary. "drawing" is listed separately from the action
	// word "draw"; word boundaries keep them from shadowing each other.
	imageSubjectPattern = regexp.MustCompile(
		`(?i)\b(image|images|picture|pictures|photo|photos|pic|pics|illustration|art|drawing|painting|sketch|wallpaper|tasveer)\b`)
)

// ShouldRouteToImage reports whether a user turn should be served by the
// image generation endpoint. Both an action word and a subject word must
// be present in the same text.
func ShouldRouteToImage(userText string) bool {
	return imageActionPattern.MatchString(userText) &&
		imageSubjectPattern.MatchString(userText)
}
