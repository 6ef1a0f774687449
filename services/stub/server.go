// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package stub provides a local assistant backend for development and
// integration testing. It speaks the same wire protocol as the production
// service: an SSE chat completion stream of OpenAI-shaped delta chunks,
// plus a JSON image generation endpoint.
//
// The server can deliberately fragment its SSE writes at arbitrary byte
// offsets, including mid-rune and mid-JSON, which makes it useful for
// exercising client-side reassembly under realistic network chunking.
package stub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/AleutianAI/AleutianAssist/services/assistant/datatypes"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

// =============================================================================
// Constants
// =============================================================================

const (
	// defaultTokenDelay paces token emission so streaming is visible in a
	// terminal. Tests set zero.
	defaultTokenDelay = 30 * time.Millisecond

	// shutdownTimeout bounds graceful shutdown.
	shutdownTimeout = 5 * time.Second
)

// =============================================================================
// Configuration
// =============================================================================

// Config configures the stub server.
type Config struct {
	// ListenAddr is the host:port to bind, e.g. "127.0.0.1:8440".
	ListenAddr string

	// Backend is the backend name reported in every delta chunk.
	Backend string

	// TokenDelay is the pause between emitted tokens. Zero means the
	// default; negative means no delay.
	TokenDelay time.Duration

	// FragmentBytes, when positive, splits every SSE write into flushes of
	// at most this many bytes. Splits land anywhere, including inside a
	// multi-byte rune or a JSON value.
	FragmentBytes int

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// =============================================================================
// Server
// =============================================================================

// Server is the stub assistant backend.
type Server struct {
	cfg    Config
	logger *slog.Logger
	router *gin.Engine
}

// NewServer builds the stub server and its routes.
//
// # Description
//
// Routes:
//   - POST /v1/chat/stream: SSE chat completion stream
//   - POST /v1/image/generate: JSON image generation
//   - GET  /healthz: liveness probe
func NewServer(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.TokenDelay == 0 {
		cfg.TokenDelay = defaultTokenDelay
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(otelgin.Middleware("stub-assistant"))

	s := &Server{cfg: cfg, logger: cfg.Logger, router: router}

	router.POST("/v1/chat/stream", s.handleChatStream)
	router.POST("/v1/image/generate", s.handleGenerateImage)
	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	return s
}

// Handler exposes the router for tests running against httptest.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run serves until the context is canceled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:    s.cfg.ListenAddr,
		Handler: s.router,
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		s.logger.Info("Stub assistant backend listening", "addr", s.cfg.ListenAddr)
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// =============================================================================
// Chat Streaming Handler
// =============================================================================

// handleChatStream streams a reply to the conversation's last user message
// as OpenAI-style delta chunks terminated by [DONE].
func (s *Server) handleChatStream(c *gin.Context) {
	var req datatypes.ChatStreamRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, datatypes.ErrorResponse{Error: "invalid request body"})
		return
	}
	if err := req.Validate(); err != nil {
		c.JSON(http.StatusBadRequest, datatypes.ErrorResponse{Error: err.Error()})
		return
	}

	prompt := lastUserContent(req.Messages)
	if prompt == "" {
		c.JSON(http.StatusBadRequest, datatypes.ErrorResponse{Error: "no user message in conversation"})
		return
	}

	writer, err := newChunkWriter(c.Writer, s.cfg.FragmentBytes)
	if err != nil {
		c.JSON(http.StatusInternalServerError, datatypes.ErrorResponse{Error: "streaming unsupported"})
		return
	}

	s.logger.Info("Streaming stub reply",
		"history_len", len(req.Messages),
		"prompt_len", len(prompt),
	)

	// Comment line first: clients must skip it.
	if err := writer.writeComment("ping"); err != nil {
		return
	}

	// Token pacing doubles as the disconnect check: Wait returns an error
	// as soon as the request context is canceled.
	var limiter *rate.Limiter
	if s.cfg.TokenDelay > 0 {
		limiter = rate.NewLimiter(rate.Every(s.cfg.TokenDelay), 1)
	}

	for _, token := range tokenize(composeReply(prompt, req.RoastLevel)) {
		if limiter != nil {
			if err := limiter.Wait(c.Request.Context()); err != nil {
				s.logger.Debug("Client disconnected mid-stream")
				return
			}
		} else if c.Request.Context().Err() != nil {
			s.logger.Debug("Client disconnected mid-stream")
			return
		}

		if err := writer.writeDelta(token, s.cfg.Backend); err != nil {
			s.logger.Warn("Stream write failed", "error", err)
			return
		}
	}

	if err := writer.writeDone(); err != nil {
		s.logger.Warn("Terminator write failed", "error", err)
	}
}

// =============================================================================
// Image Handler
// =============================================================================

// handleGenerateImage returns a deterministic placeholder image URL for
// the prompt.
func (s *Server) handleGenerateImage(c *gin.Context) {
	var req datatypes.ImageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, datatypes.ErrorResponse{Error: "invalid request body"})
		return
	}
	if err := req.Validate(); err != nil {
		c.JSON(http.StatusBadRequest, datatypes.ErrorResponse{Error: err.Error()})
		return
	}

	imageID := uuid.New().String()
	s.logger.Info("Generated stub image",
		"image_id", imageID,
		"prompt_len", len(req.Prompt),
		"action", req.Action,
	)

	c.JSON(http.StatusOK, datatypes.ImageResponse{
		ImageURL: fmt.Sprintf("https://stub.aleutian.local/images/%s.png", imageID),
	})
}

// =============================================================================
// Chunk Writer
// =============================================================================

// chunkWriter emits SSE lines, optionally fragmented into sub-line flushes
// so the client sees mid-line byte splits.
type chunkWriter struct {
	mu            sync.Mutex
	writer        http.ResponseWriter
	flusher       http.Flusher
	fragmentBytes int
}

func newChunkWriter(w http.ResponseWriter, fragmentBytes int) (*chunkWriter, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("ResponseWriter does not support http.Flusher")
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	return &chunkWriter{writer: w, flusher: flusher, fragmentBytes: fragmentBytes}, nil
}

// deltaChunk mirrors the OpenAI streaming chunk shape the client parses,
// carrying only the fields the stub populates.
type deltaChunk struct {
	Choices []deltaChoice `json:"choices"`
	Backend string        `json:"backend,omitempty"`
}

type deltaChoice struct {
	Delta deltaContent `json:"delta"`
}

type deltaContent struct {
	Content string `json:"content"`
}

func (w *chunkWriter) writeDelta(content, backend string) error {
	payload, err := json.Marshal(deltaChunk{
		Choices: []deltaChoice{{Delta: deltaContent{Content: content}}},
		Backend: backend,
	})
	if err != nil {
		return fmt.Errorf("marshal chunk: %w", err)
	}
	return w.writeRaw(fmt.Sprintf("data: %s\n\n", payload))
}

func (w *chunkWriter) writeDone() error {
	return w.writeRaw("data: [DONE]\n\n")
}

func (w *chunkWriter) writeComment(text string) error {
	return w.writeRaw(fmt.Sprintf(": %s\n\n", text))
}

// writeRaw writes the line, split into fragmentBytes-sized flushes when
// fragmentation is enabled. Fragment boundaries are byte offsets with no
// regard for rune or JSON structure.
func (w *chunkWriter) writeRaw(line string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	data := []byte(line)
	step := w.fragmentBytes
	if step <= 0 {
		step = len(data)
	}

	for start := 0; start < len(data); start += step {
		end := start + step
		if end > len(data) {
			end = len(data)
		}
		if _, err := w.writer.Write(data[start:end]); err != nil {
			return fmt.Errorf("write fragment: %w", err)
		}
		w.flusher.Flush()
	}
	return nil
}

// =============================================================================
// Helpers
// =============================================================================

func lastUserContent(msgs []datatypes.WireMessage) string {
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == datatypes.RoleUser {
			return msgs[i].Content
		}
	}
	return ""
}
