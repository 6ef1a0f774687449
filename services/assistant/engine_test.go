// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package assistant

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/AleutianAI/AleutianAssist/services/assistant/datatypes"
	"github.com/AleutianAI/AleutianAssist/services/assistant/observability"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// Test Helpers
// =============================================================================

func chunkLine(content, backend string) string {
	payload := map[string]any{
		"choices": []map[string]any{
			{"delta": map[string]any{"content": content}},
		},
	}
	if backend != "" {
		payload["backend"] = backend
	}
	b, _ := json.Marshal(payload)
	return fmt.Sprintf("data: %s\n\n", b)
}

// streamHandler writes the deltas as an event stream and terminates it.
func streamHandler(deltas []string, backend string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, ": keepalive\n\n")
		for _, d := range deltas {
			fmt.Fprint(w, chunkLine(d, backend))
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
	}
}

func newChatEngine(t *testing.T, chatHandler http.HandlerFunc, opts Options) (*Engine, *httptest.Server) {
	t.Helper()
	mux := http.NewServeMux()
	mux.Handle("/chat", chatHandler)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	client := NewClient(ClientConfig{
		ChatStreamURL: srv.URL + "/chat",
		ImageURL:      srv.URL + "/image",
	})
	return NewEngine(client, opts), srv
}

// =============================================================================
// Chat Turn Tests
// =============================================================================

func TestEngine_ChatTurnAssemblesDeltas(t *testing.T) {
	t.Parallel()

	engine, _ := newChatEngine(t,
		streamHandler([]string{"Hel", "lo ", "world"}, "ollama"), Options{})

	engine.SendTurn(context.Background(), "hi there")

	msgs := engine.Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, datatypes.RoleUser, msgs[0].Role)
	assert.Equal(t, "hi there", msgs[0].Content)
	assert.Equal(t, datatypes.RoleAssistant, msgs[1].Role)
	assert.Equal(t, "Hello world", msgs[1].Content)
	assert.Equal(t, "ollama", msgs[1].Backend)
	assert.Len(t, msgs[1].ContentHash, 64) // sha256 hex
	assert.Equal(t, StateSettled, engine.State())
	assert.False(t, engine.Busy())
}

func TestEngine_EmptyStreamStillSettles(t *testing.T) {
	t.Parallel()

	engine, _ := newChatEngine(t, streamHandler(nil, ""), Options{})

	engine.SendTurn(context.Background(), "hello?")

	msgs := engine.Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, datatypes.RoleAssistant, msgs[1].Role)
	assert.Empty(t, msgs[1].Content)
	assert.Equal(t, StateSettled, engine.State())
}

func TestEngine_BlankTurnIgnored(t *testing.T) {
	t.Parallel()

	engine, _ := newChatEngine(t, streamHandler([]string{"x"}, ""), Options{})

	engine.SendTurn(context.Background(), "   \t  ")

	assert.Empty(t, engine.Messages())
	assert.Equal(t, StateIdle, engine.State())
}

func TestEngine_OnDeltaPreservesArrivalOrder(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	var got []string
	engine, _ := newChatEngine(t,
		streamHandler([]string{"one", "two", "three"}, ""),
		Options{OnDelta: func(d string) {
			mu.Lock()
			got = append(got, d)
			mu.Unlock()
		}})

	engine.SendTurn(context.Background(), "count for me")

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"one", "two", "three"}, got)
}

func TestEngine_MessagesSnapshotIsImmutable(t *testing.T) {
	t.Parallel()

	engine, _ := newChatEngine(t,
		streamHandler([]string{"reply"}, ""), Options{})

	engine.SendTurn(context.Background(), "first")
	before := engine.Messages()
	engine.SendTurn(context.Background(), "second")

	// The snapshot taken between turns must not grow or change.
	require.Len(t, before, 2)
	assert.Equal(t, "first", before[0].Content)
	assert.Len(t, engine.Messages(), 4)
}

// =============================================================================
// Busy Gating Tests
// =============================================================================

func TestEngine_BusyGateRejectsConcurrentTurn(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	var requests atomic.Int32
	handler := func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		w.Header().Set("Content-Type", "text/event-stream")
		w.(http.Flusher).Flush()
		<-release
		fmt.Fprint(w, chunkLine("done", ""))
		fmt.Fprint(w, "data: [DONE]\n\n")
	}
	engine, _ := newChatEngine(t, handler, Options{})

	turnDone := make(chan struct{})
	go func() {
		engine.SendTurn(context.Background(), "slow question")
		close(turnDone)
	}()

	require.Eventually(t, engine.Busy, 2*time.Second, 5*time.Millisecond)

	// Second turn while the first is in flight: rejected without a trace
	// and without a second upstream request.
	engine.SendTurn(context.Background(), "impatient question")
	assert.Len(t, engine.Messages(), 1)
	assert.Equal(t, int32(1), requests.Load())

	close(release)
	<-turnDone

	msgs := engine.Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, "slow question", msgs[0].Content)
	assert.Equal(t, "done", msgs[1].Content)
	assert.Equal(t, int32(1), requests.Load())
}

// =============================================================================
// Regeneration Tests
// =============================================================================

func TestEngine_RegenerateTruncatesAndReplays(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	var histories [][]datatypes.WireMessage
	responses := []string{"A1", "A2", "A2-regen"}
	handler := func(w http.ResponseWriter, r *http.Request) {
		var req datatypes.ChatStreamRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		mu.Lock()
		histories = append(histories, req.Messages)
		reply := responses[len(histories)-1]
		mu.Unlock()

		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, chunkLine(reply, ""))
		fmt.Fprint(w, "data: [DONE]\n\n")
	}
	engine, _ := newChatEngine(t, handler, Options{})
	ctx := context.Background()

	engine.SendTurn(ctx, "question one")
	engine.SendTurn(ctx, "question two")

	msgs := engine.Messages()
	require.Len(t, msgs, 4)
	require.Equal(t, "A2", msgs[3].Content)

	engine.Regenerate(ctx, 3)

	msgs = engine.Messages()
	require.Len(t, msgs, 4)
	assert.Equal(t, "question one", msgs[0].Content)
	assert.Equal(t, "A1", msgs[1].Content)
	assert.Equal(t, "question two", msgs[2].Content)
	assert.Equal(t, "A2-regen", msgs[3].Content)

	// The replay resends the truncated history plus the replayed user turn.
	mu.Lock()
	defer mu.Unlock()
	require.Len(t, histories, 3)
	require.Len(t, histories[2], 3)
	assert.Equal(t, "question one", histories[2][0].Content)
	assert.Equal(t, "A1", histories[2][1].Content)
	assert.Equal(t, "question two", histories[2][2].Content)
}

func TestEngine_RegenerateRejectsNonAssistantIndex(t *testing.T) {
	t.Parallel()

	engine, _ := newChatEngine(t, streamHandler([]string{"A1"}, ""), Options{})
	ctx := context.Background()

	engine.SendTurn(ctx, "one")
	before := engine.Messages()

	engine.Regenerate(ctx, 0)  // user message
	engine.Regenerate(ctx, 9)  // out of range
	engine.Regenerate(ctx, -1) // out of range

	assert.Equal(t, before, engine.Messages())
}

// =============================================================================
// Reaction Tests
// =============================================================================

func TestEngine_ReactionToggle(t *testing.T) {
	t.Parallel()

	engine, _ := newChatEngine(t, streamHandler([]string{"reply"}, ""), Options{})
	engine.SendTurn(context.Background(), "hello")
	require.Len(t, engine.Messages(), 2)

	engine.SetReaction(1, datatypes.ReactionLike)
	assert.Equal(t, datatypes.ReactionLike, engine.Messages()[1].Reaction)

	// Same reaction again toggles it off.
	engine.SetReaction(1, datatypes.ReactionLike)
	assert.Equal(t, datatypes.ReactionNone, engine.Messages()[1].Reaction)

	// Switching replaces rather than stacking.
	engine.SetReaction(1, datatypes.ReactionLike)
	engine.SetReaction(1, datatypes.ReactionDislike)
	assert.Equal(t, datatypes.ReactionDislike, engine.Messages()[1].Reaction)
}

func TestEngine_ReactionRejectedOnUserMessage(t *testing.T) {
	t.Parallel()

	engine, _ := newChatEngine(t, streamHandler([]string{"reply"}, ""), Options{})
	engine.SendTurn(context.Background(), "hello")

	engine.SetReaction(0, datatypes.ReactionLike)
	assert.Equal(t, datatypes.ReactionNone, engine.Messages()[0].Reaction)
}

// =============================================================================
// Clear / Staleness Tests
// =============================================================================

func TestEngine_ClearDropsStaleCompletion(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	handler := func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.(http.Flusher).Flush()
		<-release
		fmt.Fprint(w, chunkLine("late arrival", ""))
		fmt.Fprint(w, "data: [DONE]\n\n")
	}
	engine, _ := newChatEngine(t, handler, Options{})

	turnDone := make(chan struct{})
	go func() {
		engine.SendTurn(context.Background(), "doomed question")
		close(turnDone)
	}()
	require.Eventually(t, engine.Busy, 2*time.Second, 5*time.Millisecond)

	engine.Clear()
	close(release)
	<-turnDone

	// The completion belonged to the cleared conversation and must not
	// resurrect it.
	assert.Empty(t, engine.Messages())
	assert.Equal(t, StateIdle, engine.State())
}

func TestEngine_ClearResetsForNextTurn(t *testing.T) {
	t.Parallel()

	engine, _ := newChatEngine(t, streamHandler([]string{"reply"}, ""), Options{})
	ctx := context.Background()

	engine.SendTurn(ctx, "one")
	engine.Clear()
	engine.SendTurn(ctx, "two")

	msgs := engine.Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, "two", msgs[0].Content)
}

// =============================================================================
// Failure Tests
// =============================================================================

func TestEngine_UpstreamErrorSurfacedVerbatim(t *testing.T) {
	t.Parallel()

	handler := func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		json.NewEncoder(w).Encode(datatypes.ErrorResponse{Error: "model overloaded, try later"})
	}
	engine, _ := newChatEngine(t, handler, Options{})

	engine.SendTurn(context.Background(), "hello")

	msgs := engine.Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, datatypes.RoleAssistant, msgs[1].Role)
	assert.Equal(t, "model overloaded, try later", msgs[1].Content)
	assert.Equal(t, StateSettled, engine.State())
}

func TestEngine_TransportErrorSynthesizesMessage(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.NotFoundHandler())
	srv.Close() // connection refused from here on
	client := NewClient(ClientConfig{
		ChatStreamURL: srv.URL + "/chat",
		ImageURL:      srv.URL + "/image",
	})
	engine := NewEngine(client, Options{})

	engine.SendTurn(context.Background(), "hello")

	msgs := engine.Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, transportFailureMessage, msgs[1].Content)
	assert.Equal(t, StateSettled, engine.State())
	assert.False(t, engine.Busy()) // failure must not wedge the gate
}

func TestEngine_FailureThenNextTurnProceeds(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	fail := true
	handler := func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		shouldFail := fail
		fail = false
		mu.Unlock()
		if shouldFail {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		streamHandler([]string{"recovered"}, "")(w, r)
	}
	engine, _ := newChatEngine(t, handler, Options{})
	ctx := context.Background()

	engine.SendTurn(ctx, "first")
	engine.SendTurn(ctx, "second")

	msgs := engine.Messages()
	require.Len(t, msgs, 4)
	assert.Equal(t, "recovered", msgs[3].Content)
}

// =============================================================================
// Image Channel Tests
// =============================================================================

func TestEngine_ImageIntentRoutesToImageChannel(t *testing.T) {
	t.Parallel()

	chatHit := false
	mux := http.NewServeMux()
	mux.HandleFunc("/chat", func(w http.ResponseWriter, r *http.Request) {
		chatHit = true
		streamHandler(nil, "")(w, r)
	})
	mux.HandleFunc("/image", func(w http.ResponseWriter, r *http.Request) {
		var req datatypes.ImageRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "generate an image of a cat", req.Prompt)
		json.NewEncoder(w).Encode(datatypes.ImageResponse{ImageURL: "http://img.test/cat.png"})
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	engine := NewEngine(NewClient(ClientConfig{
		ChatStreamURL: srv.URL + "/chat",
		ImageURL:      srv.URL + "/image",
	}), Options{})

	engine.SendTurn(context.Background(), "generate an image of a cat")

	msgs := engine.Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, "http://img.test/cat.png", msgs[1].AttachedImageURL)
	assert.Equal(t, StateSettled, engine.State())
	assert.False(t, chatHit)
}

func TestEngine_SendImageTurnBypassesRouting(t *testing.T) {
	t.Parallel()

	chatHit := false
	mux := http.NewServeMux()
	mux.HandleFunc("/chat", func(w http.ResponseWriter, r *http.Request) {
		chatHit = true
		streamHandler(nil, "")(w, r)
	})
	mux.HandleFunc("/image", func(w http.ResponseWriter, r *http.Request) {
		var req datatypes.ImageRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "a lighthouse at dusk", req.Prompt)
		json.NewEncoder(w).Encode(datatypes.ImageResponse{ImageURL: "http://img.test/dusk.png"})
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	engine := NewEngine(NewClient(ClientConfig{
		ChatStreamURL: srv.URL + "/chat",
		ImageURL:      srv.URL + "/image",
	}), Options{})

	// The prompt has no image-request wording; the router would send it
	// to the chat channel.
	require.False(t, ShouldRouteToImage("a lighthouse at dusk"))
	engine.SendImageTurn(context.Background(), "a lighthouse at dusk")

	msgs := engine.Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, "http://img.test/dusk.png", msgs[1].AttachedImageURL)
	assert.Equal(t, StateSettled, engine.State())
	assert.False(t, chatHit)
}

// =============================================================================
// Metrics Tests
// =============================================================================

func TestEngine_MetricsRecorded(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	metrics := observability.NewEngineMetrics(reg)
	engine, _ := newChatEngine(t,
		streamHandler([]string{"a", "b", "c"}, ""),
		Options{Metrics: metrics})

	engine.SendTurn(context.Background(), "hello")

	assert.Equal(t, 3.0, testutil.ToFloat64(metrics.DeltasTotal))
	assert.Equal(t, 1.0, testutil.ToFloat64(
		metrics.TurnsTotal.WithLabelValues(observability.ChannelChat, "success")))
}
