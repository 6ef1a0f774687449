// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package assistant

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"log/slog"
	"os"
	"sync"

	"github.com/awnumar/memguard"
	"github.com/google/uuid"
	"golang.org/x/sys/unix"
)

// =============================================================================
// Constants
// =============================================================================

const (
	// AccumulatorBufferSize is the capacity of the delta accumulation
	// buffer. 256 KB covers ~65,000 tokens at 4 bytes/token, far beyond
	// any single assistant response.
	AccumulatorBufferSize = 256 * 1024

	// minMlockLimitKB is the mlock limit required for the locked-memory
	// accumulator. Below this the plain accumulator is used instead.
	minMlockLimitKB = 256
)

var (
	mlockProbeOnce      sync.Once
	mlockSufficient     bool
	currentMlockLimitKB int64
)

// =============================================================================
// Interface
// =============================================================================

// TokenAccumulator accumulates streamed deltas for one exchange.
//
// # Description
//
// The assembler owns one accumulator per exchange; the accumulator — not
// the published message list — is the source of truth for the growing
// assistant response, so a concurrent render pass can never lose an
// update. Deltas are hashed incrementally as they arrive; the final hash
// is attached to the settled message for integrity display.
//
// Two implementations exist: a locked-memory one (memguard; response text
// never swaps to disk) and a plain one used when mlock limits are
// insufficient or ASSIST_INSECURE_MEMORY=true is set.
//
// # Thread Safety
//
// Implementations are safe for concurrent use.
//
// # Limitations
//
//   - Fixed capacity; overflow poisons the accumulator for the exchange.
//   - Unusable after Finalize() or Destroy().
type TokenAccumulator interface {
	// Write appends one delta. Returns an error on overflow or after
	// Finalize/Destroy.
	Write(delta string) error

	// Snapshot returns the text accumulated so far. Called once per delta
	// to republish the trailing assistant message mid-stream.
	Snapshot() string

	// Finalize returns the complete text and its SHA-256 hash (hex), then
	// wipes the buffer. Can only be called once.
	Finalize() (content string, contentHash string, err error)

	// Destroy wipes the buffer without returning data. Idempotent; used on
	// error paths.
	Destroy()

	// ID identifies this accumulator instance in logs.
	ID() string
}

// NewTokenAccumulator returns a locked-memory accumulator when the system
// allows it, and otherwise falls back to plain memory with a warning. A
// chat client must keep working on constrained systems, so insufficient
// mlock limits downgrade rather than fail.
func NewTokenAccumulator() TokenAccumulator {
	mlockProbeOnce.Do(func() {
		memguard.CatchInterrupt()
		mlockSufficient, currentMlockLimitKB = probeMlockLimit()
	})

	if !mlockSufficient || os.Getenv("ASSIST_INSECURE_MEMORY") == "true" {
		slog.Warn("Using plain-memory accumulator; response text may swap to disk",
			"mlock_limit_kb", currentMlockLimitKB,
			"required_kb", minMlockLimitKB,
		)
		return newPlainAccumulator()
	}
	return newLockedAccumulator()
}

// probeMlockLimit checks the RLIMIT_MEMLOCK soft limit. Returns (true, -1)
// when the limit is unlimited or cannot be determined.
func probeMlockLimit() (bool, int64) {
	var rlimit unix.Rlimit
	if err := unix.Getrlimit(unix.RLIMIT_MEMLOCK, &rlimit); err != nil {
		slog.Warn("Could not determine mlock limit", "error", err)
		return true, -1
	}
	if rlimit.Cur == unix.RLIM_INFINITY {
		return true, -1
	}
	limitKB := int64(rlimit.Cur / 1024)
	return limitKB >= minMlockLimitKB, limitKB
}

// =============================================================================
// Locked-Memory Implementation
// =============================================================================

// lockedAccumulator stores deltas in an mlocked memguard buffer with guard
// pages and canaries, wiped explicitly on Finalize/Destroy.
type lockedAccumulator struct {
	id        string
	mu        sync.Mutex
	buffer    *memguard.LockedBuffer
	offset    int
	hasher    hash.Hash
	overflow  bool
	destroyed bool
}

func newLockedAccumulator() TokenAccumulator {
	buf := memguard.NewBuffer(AccumulatorBufferSize)
	buf.Melt()

	a := &lockedAccumulator{
		id:     uuid.New().String(),
		buffer: buf,
		hasher: sha256.New(),
	}
	slog.Debug("Created locked-memory accumulator", "accumulator_id", a.id)
	return a
}

func (a *lockedAccumulator) Write(delta string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.destroyed {
		return fmt.Errorf("accumulator already destroyed")
	}
	if a.overflow {
		return fmt.Errorf("accumulator overflow: response too large")
	}
	b := []byte(delta)
	if a.offset+len(b) > AccumulatorBufferSize {
		a.overflow = true
		return fmt.Errorf("accumulator overflow: need %d bytes, have %d remaining",
			len(b), AccumulatorBufferSize-a.offset)
	}

	copy(a.buffer.Bytes()[a.offset:], b)
	a.offset += len(b)
	a.hasher.Write(b)
	return nil
}

func (a *lockedAccumulator) Snapshot() string {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.destroyed {
		return ""
	}
	return string(a.buffer.Bytes()[:a.offset])
}

func (a *lockedAccumulator) Finalize() (string, string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.destroyed {
		return "", "", fmt.Errorf("accumulator already destroyed")
	}
	if a.overflow {
		a.wipe()
		return "", "", fmt.Errorf("accumulator overflowed during streaming")
	}

	content := string(a.buffer.Bytes()[:a.offset])
	contentHash := hex.EncodeToString(a.hasher.Sum(nil))
	a.wipe()

	slog.Debug("Finalized accumulator",
		"accumulator_id", a.id,
		"content_length", len(content),
	)
	return content, contentHash, nil
}

func (a *lockedAccumulator) Destroy() {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.destroyed {
		return
	}
	a.wipe()
	slog.Debug("Destroyed accumulator", "accumulator_id", a.id)
}

func (a *lockedAccumulator) ID() string { return a.id }

// wipe destroys the locked buffer. Caller holds the mutex.
func (a *lockedAccumulator) wipe() {
	if a.buffer != nil {
		a.buffer.Destroy()
	}
	a.destroyed = true
}

// =============================================================================
// Plain-Memory Fallback
// =============================================================================

// plainAccumulator is the fallback for systems without sufficient mlock
// limits. Same contract, standard Go memory; wiping is best effort only.
type plainAccumulator struct {
	id        string
	mu        sync.Mutex
	data      []byte
	hasher    hash.Hash
	overflow  bool
	destroyed bool
}

func newPlainAccumulator() TokenAccumulator {
	return &plainAccumulator{
		id:     uuid.New().String(),
		data:   make([]byte, 0, 4096),
		hasher: sha256.New(),
	}
}

func (a *plainAccumulator) Write(delta string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.destroyed {
		return fmt.Errorf("accumulator already destroyed")
	}
	if a.overflow {
		return fmt.Errorf("accumulator overflow: response too large")
	}
	if len(a.data)+len(delta) > AccumulatorBufferSize {
		a.overflow = true
		return fmt.Errorf("accumulator overflow: need %d bytes, have %d remaining",
			len(delta), AccumulatorBufferSize-len(a.data))
	}

	a.data = append(a.data, delta...)
	a.hasher.Write([]byte(delta))
	return nil
}

func (a *plainAccumulator) Snapshot() string {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.destroyed {
		return ""
	}
	return string(a.data)
}

func (a *plainAccumulator) Finalize() (string, string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.destroyed {
		return "", "", fmt.Errorf("accumulator already destroyed")
	}
	if a.overflow {
		a.wipe()
		return "", "", fmt.Errorf("accumulator overflowed during streaming")
	}

	content := string(a.data)
	contentHash := hex.EncodeToString(a.hasher.Sum(nil))
	a.wipe()
	return content, contentHash, nil
}

func (a *plainAccumulator) Destroy() {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.destroyed {
		return
	}
	a.wipe()
}

func (a *plainAccumulator) ID() string { return a.id }

// wipe zeros the slice (best effort under GC). Caller holds the mutex.
func (a *plainAccumulator) wipe() {
	for i := range a.data {
		a.data[i] = 0
	}
	a.data = nil
	a.destroyed = true
}
