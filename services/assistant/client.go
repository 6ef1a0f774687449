// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package assistant

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/AleutianAI/AleutianAssist/services/assistant/datatypes"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

var tracer = otel.Tracer("assist.assistant")

// ErrNoResponseBody is returned when the chat endpoint answers with a
// success status but no readable body to stream from.
var ErrNoResponseBody = errors.New("no response body")

// UpstreamError is a non-success HTTP status from either endpoint.
// Message is the server's "error" field when the body carried one, and is
// surfaced to the user verbatim.
type UpstreamError struct {
	StatusCode int
	Message    string
}

func (e *UpstreamError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("upstream status %d: %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("upstream status %d", e.StatusCode)
}

// ClientConfig configures the transport client.
type ClientConfig struct {
	// ChatStreamURL is the streaming chat completion endpoint.
	ChatStreamURL string

	// ImageURL is the image generation endpoint.
	ImageURL string

	// Timeout bounds a whole exchange including streaming. Zero means the
	// 5 minute default.
	Timeout time.Duration
}

// Client is the HTTP transport for the two consumed endpoints.
//
// Thread-safe; all fields are read-only after construction.
type Client struct {
	httpClient    *http.Client
	chatStreamURL string
	imageURL      string
}

// NewClient creates a transport client for the assistant endpoints.
func NewClient(cfg ClientConfig) *Client {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 5 * time.Minute
	}
	return &Client{
		httpClient:    &http.Client{Timeout: timeout},
		chatStreamURL: strings.TrimSuffix(cfg.ChatStreamURL, "/"),
		imageURL:      strings.TrimSuffix(cfg.ImageURL, "/"),
	}
}

// OpenChatStream POSTs the conversation to the streaming chat endpoint and
// returns the response body for the caller to decode.
//
// # Description
//
// On a success status the raw body is handed back unread; the exchange
// controller feeds it through a stream.Session. On a non-success status
// the body is read, its "error" field extracted, and an *UpstreamError
// returned. The caller owns closing the returned body.
func (c *Client) OpenChatStream(ctx context.Context, req datatypes.ChatStreamRequest) (io.ReadCloser, error) {
	ctx, span := tracer.Start(ctx, "Client.OpenChatStream")
	defer span.End()
	span.SetAttributes(attribute.Int("chat.num_messages", len(req.Messages)))

	if err := req.Validate(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("invalid chat request: %w", err)
	}

	body, err := json.Marshal(req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("failed to marshal chat request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.chatStreamURL, bytes.NewReader(body))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("failed to create chat request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		slog.Error("Chat stream call failed", "error", err)
		return nil, fmt.Errorf("chat stream call failed: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		upstreamErr := readUpstreamError(resp)
		span.RecordError(upstreamErr)
		span.SetStatus(codes.Error, upstreamErr.Error())
		slog.Error("Chat stream returned an error",
			"status_code", resp.StatusCode,
			"message", upstreamErr.Message,
		)
		return nil, upstreamErr
	}

	if resp.Body == nil || resp.Body == http.NoBody {
		span.SetStatus(codes.Error, ErrNoResponseBody.Error())
		return nil, ErrNoResponseBody
	}

	slog.Debug("Opened chat stream", "num_messages", len(req.Messages))
	return resp.Body, nil
}

// GenerateImage POSTs a prompt to the image generation endpoint.
func (c *Client) GenerateImage(ctx context.Context, req datatypes.ImageRequest) (datatypes.ImageResponse, error) {
	ctx, span := tracer.Start(ctx, "Client.GenerateImage")
	defer span.End()

	if err := req.Validate(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return datatypes.ImageResponse{}, fmt.Errorf("invalid image request: %w", err)
	}

	body, err := json.Marshal(req)
	if err != nil {
		return datatypes.ImageResponse{}, fmt.Errorf("failed to marshal image request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.imageURL, bytes.NewReader(body))
	if err != nil {
		return datatypes.ImageResponse{}, fmt.Errorf("failed to create image request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		slog.Error("Image generation call failed", "error", err)
		return datatypes.ImageResponse{}, fmt.Errorf("image generation call failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		upstreamErr := readUpstreamError(resp)
		span.RecordError(upstreamErr)
		span.SetStatus(codes.Error, upstreamErr.Error())
		return datatypes.ImageResponse{}, upstreamErr
	}

	var imageResp datatypes.ImageResponse
	if err := json.NewDecoder(resp.Body).Decode(&imageResp); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return datatypes.ImageResponse{}, fmt.Errorf("failed to parse image response: %w", err)
	}
	return imageResp, nil
}

// readUpstreamError drains a non-success response and pulls out the
// server's "error" field if the body carried one. Closes the body.
func readUpstreamError(resp *http.Response) *UpstreamError {
	defer resp.Body.Close()

	upstreamErr := &UpstreamError{StatusCode: resp.StatusCode}
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if err != nil {
		return upstreamErr
	}
	var errResp datatypes.ErrorResponse
	if err := json.Unmarshal(raw, &errResp); err == nil {
		upstreamErr.Message = errResp.Error
	}
	return upstreamErr
}
