// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package assistant

// assembler applies stream deltas to the conversation, one exchange at a
// time.
//
// # Description
//
// The assembler owns the accumulator for the exchange; the accumulator is
// the source of truth for the growing response, never the published
// message list, so a render pass reading the list concurrently can never
// cause a lost update. Each delta is appended to the accumulator and the
// full accumulated snapshot is republished as the trailing assistant
// message. Republishing the same cumulative value twice is a no-op by
// construction.
//
// The conversation identifier captured at creation makes late deltas
// harmless: if the user cleared the chat while the stream was in flight,
// publish is refused and the delta dies here.
type assembler struct {
	engine *Engine
	convID string
	acc    TokenAccumulator
}

func newAssembler(engine *Engine, convID string, acc TokenAccumulator) *assembler {
	return &assembler{engine: engine, convID: convID, acc: acc}
}

// applyAll applies deltas in arrival order. Stops at the first
// accumulator error.
func (a *assembler) applyAll(deltas []string) error {
	for _, d := range deltas {
		if err := a.apply(d); err != nil {
			return err
		}
	}
	return nil
}

// apply appends one delta and republishes the accumulated content.
func (a *assembler) apply(delta string) error {
	if delta == "" {
		return nil
	}
	if err := a.acc.Write(delta); err != nil {
		return err
	}

	if a.engine.publishAssistant(a.convID, a.acc.Snapshot()) {
		a.engine.observeDelta(delta)
	}
	return nil
}
