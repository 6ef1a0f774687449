// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package assistant implements the exchange engine behind the AI
// assistant surfaces: intent routing, streaming chat ingestion,
// incremental message assembly, the image side-channel, and
// regeneration of prior turns. UI layers are thin subscribers over the
// engine's message list.
package assistant

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/AleutianAI/AleutianAssist/services/assistant/datatypes"
	"github.com/AleutianAI/AleutianAssist/services/assistant/observability"
	"github.com/AleutianAI/AleutianAssist/services/assistant/stream"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	otelcodes "go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// =============================================================================
// Constants
// =============================================================================

// User-facing failure messages. One synthesized assistant message per
// failed turn; no automatic retry.
const (
	transportFailureMessage = "Sorry, something went wrong reaching the assistant. Please try again."
	upstreamFailureMessage  = "The assistant service returned an error. Please try again."
	noBodyFailureMessage    = "No response body was received from the assistant service."
	imageCaption            = "Here's the image you asked for."
)

// readBufferSize is the size of the chunk buffer for the response body
// read loop.
const readBufferSize = 4096

// =============================================================================
// State Machine
// =============================================================================

// State is the exchange controller state.
//
// The lifecycle of one turn is:
//
//	idle -> awaiting-response -> (streaming-delta)* -> settled
//
// with a parallel awaiting-image -> settled branch chosen by intent
// routing at turn start. Settled transitions back through idle only when
// the caller starts the next turn; every failure path also ends in
// settled, so a new turn can always begin.
type State int

const (
	StateIdle State = iota
	StateAwaitingResponse
	StateStreaming
	StateAwaitingImage
	StateSettled
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateAwaitingResponse:
		return "awaiting-response"
	case StateStreaming:
		return "streaming-delta"
	case StateAwaitingImage:
		return "awaiting-image"
	case StateSettled:
		return "settled"
	default:
		return "unknown"
	}
}

// =============================================================================
// Engine
// =============================================================================

// Options configures an Engine.
type Options struct {
	// Language is an optional response language hint sent with every
	// chat request.
	Language string

	// RoastLevel is the optional assistant persona tone dial.
	RoastLevel string

	// UseCombined asks the server to use its combined backend pool.
	UseCombined bool

	// Logger defaults to slog.Default().
	Logger *slog.Logger

	// Metrics is optional; nil disables metric recording.
	Metrics *observability.EngineMetrics

	// OnDelta, when set, is invoked once per applied delta, in order,
	// after the message list has been republished. UIs use it to paint
	// tokens as they arrive.
	OnDelta func(delta string)
}

// Engine is the exchange controller: it orchestrates one user turn
// end-to-end and owns the conversation's message list.
//
// # Description
//
// A turn flows: intent routing, then either the streaming chat channel
// (open stream, decode, assemble deltas) or the image side-channel, then
// settle. Turns are strictly serial: SendTurn and Regenerate are gated
// no-ops while a turn is in flight. All mutations of the message list are
// functional replacements — readers holding a slice from Messages() never
// observe a partially mutated list.
//
// SendTurn blocks until the turn settles. Callers that need a
// fire-and-forget surface run it on their own goroutine; the busy gate
// makes concurrent callers safe.
//
// # Thread Safety
//
// Safe for concurrent use. A single mutex serializes all state
// transitions and list publications.
type Engine struct {
	client  *Client
	opts    Options
	logger  *slog.Logger
	metrics *observability.EngineMetrics

	mu       sync.Mutex
	state    State
	messages []datatypes.Message

	// convID identifies the logical conversation. Clear() issues a new
	// one; any in-flight completion still carrying the old ID is detected
	// stale and dropped rather than resurrecting a discarded chat.
	convID string

	// openAssistant reports whether the current exchange has an assistant
	// message receiving deltas. Tracked explicitly rather than inferred
	// from the list tail, so adjacent assistant messages can never
	// confuse append-vs-replace.
	openAssistant bool
}

// NewEngine creates an Engine talking to the given transport client.
func NewEngine(client *Client, opts Options) *Engine {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		client:  client,
		opts:    opts,
		logger:  logger,
		metrics: opts.Metrics,
		state:   StateIdle,
		convID:  uuid.New().String(),
	}
}

// =============================================================================
// Public Surface
// =============================================================================

// Messages returns the current message list. The returned slice is never
// mutated afterwards; each update publishes a fresh slice.
func (e *Engine) Messages() []datatypes.Message {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.messages
}

// Busy reports whether a turn is currently in flight.
func (e *Engine) Busy() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state == StateAwaitingResponse || e.state == StateStreaming ||
		e.state == StateAwaitingImage
}

// State returns the controller state.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// SendTurn runs one user turn end-to-end and blocks until it settles.
//
// # Description
//
// The turn is rejected as a no-op — no list change, no network call —
// when another turn is in flight or the text is blank. Otherwise the user
// message is appended, the intent router picks the channel, and the turn
// runs to settled. Failures surface as a single synthesized
// assistant-role message; SendTurn itself never returns an error.
func (e *Engine) SendTurn(ctx context.Context, text string) {
	text = strings.TrimSpace(text)
	if text == "" {
		return
	}

	e.mu.Lock()
	if e.state != StateIdle && e.state != StateSettled {
		state := e.state
		e.mu.Unlock()
		e.logger.Debug("Rejected turn while busy", "state", state.String())
		return
	}

	toImage := ShouldRouteToImage(text)
	if toImage {
		e.state = StateAwaitingImage
	} else {
		e.state = StateAwaitingResponse
	}
	e.openAssistant = false
	e.messages = appendMessage(e.messages, datatypes.Message{
		Role:    datatypes.RoleUser,
		Content: text,
	})
	convID := e.convID
	history := wireHistory(e.messages)
	e.mu.Unlock()

	e.logger.Info("Turn started",
		"channel", channelName(toImage),
		"history_len", len(history),
	)

	if toImage {
		e.runImageTurn(ctx, convID, text)
	} else {
		e.runChatTurn(ctx, convID, history)
	}
}

// SendImageTurn runs a turn on the image channel regardless of how the
// prompt is worded, bypassing intent routing. Same gating and blocking
// semantics as SendTurn.
func (e *Engine) SendImageTurn(ctx context.Context, prompt string) {
	prompt = strings.TrimSpace(prompt)
	if prompt == "" {
		return
	}

	e.mu.Lock()
	if e.state != StateIdle && e.state != StateSettled {
		state := e.state
		e.mu.Unlock()
		e.logger.Debug("Rejected image turn while busy", "state", state.String())
		return
	}
	e.state = StateAwaitingImage
	e.openAssistant = false
	e.messages = appendMessage(e.messages, datatypes.Message{
		Role:    datatypes.RoleUser,
		Content: prompt,
	})
	convID := e.convID
	e.mu.Unlock()

	e.runImageTurn(ctx, convID, prompt)
}

// Regenerate replays the turn that produced the assistant message at the
// given index.
//
// # Description
//
// The nearest preceding user message is located, the conversation is
// truncated to just before it, and that user text re-enters as a fresh
// turn — the full truncated history is resent with it. Rejected as a
// no-op while a turn is in flight, or when the index does not name a
// settled assistant message.
func (e *Engine) Regenerate(ctx context.Context, messageIndex int) {
	e.mu.Lock()
	if e.state != StateIdle && e.state != StateSettled {
		e.mu.Unlock()
		e.logger.Debug("Rejected regenerate while busy", "state", e.state.String())
		return
	}
	if messageIndex < 0 || messageIndex >= len(e.messages) ||
		e.messages[messageIndex].Role != datatypes.RoleAssistant {
		e.mu.Unlock()
		return
	}

	userIndex := -1
	for i := messageIndex; i >= 0; i-- {
		if e.messages[i].Role == datatypes.RoleUser {
			userIndex = i
			break
		}
	}
	if userIndex < 0 {
		e.mu.Unlock()
		return
	}

	userText := e.messages[userIndex].Content
	e.messages = cloneMessages(e.messages[:userIndex])
	e.mu.Unlock()

	e.logger.Info("Regenerating turn", "truncated_to", userIndex)
	e.SendTurn(ctx, userText)
}

// SetReaction toggles like/dislike on a settled assistant message.
// Setting the reaction it already has clears it. Independent of the turn
// state machine: reactions work even while another turn streams, but
// never on the message currently receiving deltas.
func (e *Engine) SetReaction(messageIndex int, kind datatypes.Reaction) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if messageIndex < 0 || messageIndex >= len(e.messages) {
		return
	}
	if e.messages[messageIndex].Role != datatypes.RoleAssistant {
		return
	}
	if e.openAssistant && messageIndex == len(e.messages)-1 {
		return // still receiving deltas
	}

	updated := cloneMessages(e.messages)
	if updated[messageIndex].Reaction == kind {
		updated[messageIndex].Reaction = datatypes.ReactionNone
	} else {
		updated[messageIndex].Reaction = kind
	}
	e.messages = updated
}

// Clear ends the logical conversation.
//
// An in-flight network reader is not aborted; instead the conversation
// identifier is reissued, so any completion or delta still carrying the
// old identifier is detected stale and dropped.
func (e *Engine) Clear() {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.messages = nil
	e.convID = uuid.New().String()
	e.openAssistant = false
	e.state = StateIdle
	e.logger.Info("Conversation cleared")
}

// =============================================================================
// Chat Channel
// =============================================================================

func (e *Engine) runChatTurn(ctx context.Context, convID string, history []datatypes.WireMessage) {
	ctx, span := tracer.Start(ctx, "Engine.runChatTurn",
		trace.WithAttributes(
			attribute.String("channel", observability.ChannelChat),
			attribute.Int("history_len", len(history)),
		))
	defer span.End()

	start := time.Now()

	req := datatypes.ChatStreamRequest{
		Messages:    history,
		Language:    e.opts.Language,
		RoastLevel:  e.opts.RoastLevel,
		UseCombined: e.opts.UseCombined,
	}

	body, err := e.client.OpenChatStream(ctx, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(otelcodes.Error, "open stream failed")
		e.failTurn(convID, observability.ChannelChat, start, err)
		return
	}
	defer body.Close()

	acc := NewTokenAccumulator()
	session := stream.NewSession()
	asm := newAssembler(e, convID, acc)

	if err := e.consumeStream(body, session, asm); err != nil {
		span.RecordError(err)
		span.SetStatus(otelcodes.Error, "stream consumption failed")
		acc.Destroy()
		e.failTurn(convID, observability.ChannelChat, start, err)
		return
	}

	content, contentHash, err := acc.Finalize()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(otelcodes.Error, "finalize failed")
		e.failTurn(convID, observability.ChannelChat, start, err)
		return
	}

	e.settleChat(convID, content, contentHash, session.Backend())
	e.observeTurn(observability.ChannelChat, "success", start)
	e.logger.Info("Turn settled",
		"channel", observability.ChannelChat,
		"content_length", len(content),
		"backend", session.Backend(),
		"duration_ms", time.Since(start).Milliseconds(),
	)
}

// consumeStream reads the response body chunk by chunk through the
// decoding session, applying deltas in arrival order. Returns nil when
// the terminator was seen or the body ended cleanly.
func (e *Engine) consumeStream(body io.Reader, session *stream.Session, asm *assembler) error {
	buf := make([]byte, readBufferSize)
	for {
		n, err := body.Read(buf)
		if n > 0 {
			if applyErr := asm.applyAll(session.Feed(buf[:n])); applyErr != nil {
				return applyErr
			}
		}
		if session.Done() {
			return nil
		}
		if errors.Is(err, io.EOF) {
			// Drain: a line restored after an Incomplete parse gets its
			// final retry before the session is discarded.
			return asm.applyAll(session.Feed(nil))
		}
		if err != nil {
			return err
		}
	}
}

// settleChat publishes the final assistant message and moves to settled.
// A stale conversation identifier means the chat was cleared mid-flight;
// the completion is dropped without touching the fresh conversation.
func (e *Engine) settleChat(convID, content, contentHash, backend string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if convID != e.convID {
		e.logger.Debug("Dropped stale completion after clear")
		return
	}

	final := datatypes.Message{
		Role:        datatypes.RoleAssistant,
		Content:     content,
		Backend:     backend,
		ContentHash: contentHash,
	}
	if e.openAssistant {
		e.messages = replaceLast(e.messages, final)
	} else {
		e.messages = appendMessage(e.messages, final)
	}
	e.openAssistant = false
	e.state = StateSettled
}

// =============================================================================
// Image Channel
// =============================================================================

func (e *Engine) runImageTurn(ctx context.Context, convID, prompt string) {
	ctx, span := tracer.Start(ctx, "Engine.runImageTurn",
		trace.WithAttributes(attribute.String("channel", observability.ChannelImage)))
	defer span.End()

	start := time.Now()

	resp, err := e.client.GenerateImage(ctx, datatypes.ImageRequest{Prompt: prompt})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(otelcodes.Error, "image generation failed")
		e.failTurn(convID, observability.ChannelImage, start, err)
		return
	}

	e.mu.Lock()
	if convID != e.convID {
		e.mu.Unlock()
		e.logger.Debug("Dropped stale image completion after clear")
		return
	}
	e.messages = appendMessage(e.messages, datatypes.Message{
		Role:             datatypes.RoleAssistant,
		Content:          imageCaption,
		AttachedImageURL: resp.ImageURL,
	})
	e.state = StateSettled
	e.mu.Unlock()

	e.observeTurn(observability.ChannelImage, "success", start)
	e.logger.Info("Turn settled",
		"channel", observability.ChannelImage,
		"duration_ms", time.Since(start).Milliseconds(),
	)
}

// =============================================================================
// Failure Handling
// =============================================================================

// failTurn settles the turn with one synthesized assistant error message.
// Failures are terminal for the turn: already-applied deltas stay, nothing
// retries automatically, and settled is always reachable for a new turn.
func (e *Engine) failTurn(convID, channel string, start time.Time, err error) {
	reason, text := classifyFailure(err)

	e.observeTurn(channel, "error", start)
	if e.metrics != nil {
		e.metrics.FailuresTotal.WithLabelValues(reason).Inc()
	}
	e.logger.Error("Turn failed",
		"channel", channel,
		"reason", reason,
		"error", err,
	)

	e.mu.Lock()
	defer e.mu.Unlock()

	if convID != e.convID {
		return
	}

	e.messages = appendMessage(e.messages, datatypes.Message{
		Role:    datatypes.RoleAssistant,
		Content: text,
	})
	e.openAssistant = false
	e.state = StateSettled
}

// classifyFailure maps an error to a metrics reason and the user-facing
// message. Upstream error bodies are surfaced verbatim when present.
func classifyFailure(err error) (reason, text string) {
	var upstreamErr *UpstreamError
	switch {
	case errors.Is(err, ErrNoResponseBody):
		return "no_body", noBodyFailureMessage
	case errors.As(err, &upstreamErr):
		if upstreamErr.Message != "" {
			return "upstream", upstreamErr.Message
		}
		return "upstream", upstreamFailureMessage
	default:
		return "transport", transportFailureMessage
	}
}

// =============================================================================
// Publication Helpers
// =============================================================================

// publishAssistant republishes the accumulated content as the trailing
// assistant message of the current exchange. Returns false when the
// conversation identifier is stale (cleared mid-flight) and the delta
// must be dropped.
func (e *Engine) publishAssistant(convID, content string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	if convID != e.convID {
		return false
	}
	if e.state == StateAwaitingResponse {
		e.state = StateStreaming
	}

	msg := datatypes.Message{Role: datatypes.RoleAssistant, Content: content}
	if e.openAssistant {
		e.messages = replaceLast(e.messages, msg)
	} else {
		e.messages = appendMessage(e.messages, msg)
		e.openAssistant = true
	}
	return true
}

func (e *Engine) observeDelta(delta string) {
	if e.metrics != nil {
		e.metrics.DeltasTotal.Inc()
	}
	if e.opts.OnDelta != nil {
		e.opts.OnDelta(delta)
	}
}

func (e *Engine) observeTurn(channel, status string, start time.Time) {
	if e.metrics == nil {
		return
	}
	e.metrics.TurnsTotal.WithLabelValues(channel, status).Inc()
	e.metrics.TurnDurationSeconds.WithLabelValues(channel).Observe(time.Since(start).Seconds())
}

func channelName(toImage bool) string {
	if toImage {
		return observability.ChannelImage
	}
	return observability.ChannelChat
}

// =============================================================================
// List Helpers
// =============================================================================

// appendMessage appends onto a fresh slice so existing readers keep an
// unchanged view.
func appendMessage(msgs []datatypes.Message, m datatypes.Message) []datatypes.Message {
	out := make([]datatypes.Message, len(msgs)+1)
	copy(out, msgs)
	out[len(msgs)] = m
	return out
}

// replaceLast replaces the final entry on a fresh slice.
func replaceLast(msgs []datatypes.Message, m datatypes.Message) []datatypes.Message {
	out := make([]datatypes.Message, len(msgs))
	copy(out, msgs)
	out[len(out)-1] = m
	return out
}

func cloneMessages(msgs []datatypes.Message) []datatypes.Message {
	out := make([]datatypes.Message, len(msgs))
	copy(out, msgs)
	return out
}

// wireHistory strips the conversation to its wire shape for the request
// body.
func wireHistory(msgs []datatypes.Message) []datatypes.WireMessage {
	out := make([]datatypes.WireMessage, len(msgs))
	for i, m := range msgs {
		out[i] = m.Wire()
	}
	return out
}
