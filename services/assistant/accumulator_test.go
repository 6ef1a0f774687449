// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package assistant

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Both implementations must honor the same contract; every test runs
// against each.
func accumulatorImpls() map[string]func() TokenAccumulator {
	return map[string]func() TokenAccumulator{
		"locked": newLockedAccumulator,
		"plain":  newPlainAccumulator,
	}
}

func TestAccumulator_WriteSnapshotFinalize(t *testing.T) {
	t.Parallel()

	for name, newAcc := range accumulatorImpls() {
		newAcc := newAcc
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			acc := newAcc()

			require.NoError(t, acc.Write("Hello"))
			require.NoError(t, acc.Write(", "))
			assert.Equal(t, "Hello, ", acc.Snapshot())
			require.NoError(t, acc.Write("world"))

			content, contentHash, err := acc.Finalize()
			require.NoError(t, err)
			assert.Equal(t, "Hello, world", content)

			want := sha256.Sum256([]byte("Hello, world"))
			assert.Equal(t, hex.EncodeToString(want[:]), contentHash)
		})
	}
}

func TestAccumulator_MultiByteContent(t *testing.T) {
	t.Parallel()

	for name, newAcc := range accumulatorImpls() {
		newAcc := newAcc
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			acc := newAcc()

			require.NoError(t, acc.Write("Привет "))
			require.NoError(t, acc.Write("世界"))

			content, _, err := acc.Finalize()
			require.NoError(t, err)
			assert.Equal(t, "Привет 世界", content)
		})
	}
}

func TestAccumulator_Overflow(t *testing.T) {
	t.Parallel()

	for name, newAcc := range accumulatorImpls() {
		newAcc := newAcc
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			acc := newAcc()
			defer acc.Destroy()

			big := strings.Repeat("x", AccumulatorBufferSize)
			require.NoError(t, acc.Write(big))
			require.Error(t, acc.Write("one more byte"))

			// Overflow poisons the exchange: writes and finalize both fail.
			require.Error(t, acc.Write("again"))
			_, _, err := acc.Finalize()
			require.Error(t, err)
		})
	}
}

func TestAccumulator_UnusableAfterFinalize(t *testing.T) {
	t.Parallel()

	for name, newAcc := range accumulatorImpls() {
		newAcc := newAcc
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			acc := newAcc()

			require.NoError(t, acc.Write("data"))
			_, _, err := acc.Finalize()
			require.NoError(t, err)

			require.Error(t, acc.Write("late"))
			assert.Empty(t, acc.Snapshot())
			_, _, err = acc.Finalize()
			require.Error(t, err)
		})
	}
}

func TestAccumulator_DestroyIdempotent(t *testing.T) {
	t.Parallel()

	for name, newAcc := range accumulatorImpls() {
		newAcc := newAcc
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			acc := newAcc()

			require.NoError(t, acc.Write("secret"))
			acc.Destroy()
			acc.Destroy()
			assert.Empty(t, acc.Snapshot())
		})
	}
}

func TestNewTokenAccumulator_ReturnsWorkingAccumulator(t *testing.T) {
	acc := NewTokenAccumulator()
	require.NoError(t, acc.Write("ok"))
	content, _, err := acc.Finalize()
	require.NoError(t, err)
	assert.Equal(t, "ok", content)
}
