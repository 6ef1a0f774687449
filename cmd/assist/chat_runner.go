// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"github.com/mattn/go-isatty"

	"github.com/AleutianAI/AleutianAssist/services/assistant"
	"github.com/AleutianAI/AleutianAssist/services/assistant/datatypes"
)

// =============================================================================
// Input Reader
// =============================================================================

// InputReader abstracts line input so tests can script a session.
type InputReader interface {
	// ReadLine returns the next input line without its trailing newline.
	// Returns io.EOF when input is exhausted.
	ReadLine() (string, error)
}

type stdinReader struct {
	scanner *bufio.Scanner
}

// NewStdinReader returns an InputReader over os.Stdin.
func NewStdinReader() InputReader {
	return &stdinReader{scanner: bufio.NewScanner(os.Stdin)}
}

func (r *stdinReader) ReadLine() (string, error) {
	if !r.scanner.Scan() {
		if err := r.scanner.Err(); err != nil {
			return "", err
		}
		return "", io.EOF
	}
	return r.scanner.Text(), nil
}

// =============================================================================
// Chat Runner
// =============================================================================

type chatRunnerConfig struct {
	Language    string
	RoastLevel  string
	UseCombined bool
	Logger      *slog.Logger
}

// chatRunner drives the interactive session: it reads lines, dispatches
// slash commands, and forwards everything else to the engine as turns.
type chatRunner struct {
	engine *assistant.Engine
	input  InputReader
	out    io.Writer

	// interactive is false for piped input (scripts, CI); the banner
	// and the you> prompt are suppressed so the output stays clean.
	interactive bool
}

func newChatRunner(client *assistant.Client, cfg chatRunnerConfig) *chatRunner {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	r := &chatRunner{
		input:       NewStdinReader(),
		out:         os.Stdout,
		interactive: isatty.IsTerminal(os.Stdin.Fd()) || isatty.IsCygwinTerminal(os.Stdin.Fd()),
	}
	r.engine = assistant.NewEngine(client, assistant.Options{
		Language:    cfg.Language,
		RoastLevel:  cfg.RoastLevel,
		UseCombined: cfg.UseCombined,
		Logger:      cfg.Logger,
		OnDelta: func(delta string) {
			fmt.Fprint(r.out, delta)
		},
	})
	return r
}

// newChatRunnerWithDeps wires injected dependencies for tests.
func newChatRunnerWithDeps(engine *assistant.Engine, input InputReader, out io.Writer, interactive bool) *chatRunner {
	return &chatRunner{
		engine:      engine,
		input:       input,
		out:         out,
		interactive: interactive,
	}
}

// Run executes the interactive loop until /quit, EOF, or cancellation.
func (r *chatRunner) Run(ctx context.Context) error {
	if r.interactive {
		fmt.Fprintln(r.out, "assist — streaming chat. /quit to exit, /regen, /clear, /image, /like, /dislike.")
	}

	for {
		select {
		case <-ctx.Done():
			fmt.Fprintln(r.out)
			return ctx.Err()
		default:
		}

		if r.interactive {
			fmt.Fprint(r.out, "\nyou> ")
		}
		line, err := r.input.ReadLine()
		if err != nil {
			if err == io.EOF {
				fmt.Fprintln(r.out)
				return nil
			}
			return fmt.Errorf("read input: %w", err)
		}

		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		if strings.HasPrefix(line, "/") || isExitWord(line) {
			if quit := r.handleCommand(ctx, line); quit {
				return nil
			}
			continue
		}

		r.runTurn(ctx, line)
	}
}

// runTurn sends one user turn and renders its result. Streamed tokens are
// printed by the OnDelta callback as they arrive; here we handle the
// remaining shapes: image attachments and non-streamed error text.
func (r *chatRunner) runTurn(ctx context.Context, text string) {
	before := len(r.engine.Messages())
	fmt.Fprint(r.out, "assistant> ")
	r.engine.SendTurn(ctx, text)

	msgs := r.engine.Messages()
	if len(msgs) <= before {
		// Rejected turn: nothing was appended.
		fmt.Fprintln(r.out, "(busy, try again)")
		return
	}

	last := msgs[len(msgs)-1]
	switch {
	case last.AttachedImageURL != "":
		fmt.Fprintf(r.out, "%s\n  image: %s\n", last.Content, last.AttachedImageURL)
	case last.Backend != "":
		fmt.Fprintf(r.out, "\n  [%s]\n", last.Backend)
	default:
		// Failure messages are not streamed, so print them here.
		if last.ContentHash == "" {
			fmt.Fprintf(r.out, "%s\n", last.Content)
		} else {
			fmt.Fprintln(r.out)
		}
	}
}

// runImageTurn forces the image channel for prompts the router would
// treat as chat.
func (r *chatRunner) runImageTurn(ctx context.Context, prompt string) {
	before := len(r.engine.Messages())
	r.engine.SendImageTurn(ctx, prompt)

	msgs := r.engine.Messages()
	if len(msgs) <= before {
		fmt.Fprintln(r.out, "(busy, try again)")
		return
	}

	last := msgs[len(msgs)-1]
	if last.AttachedImageURL != "" {
		fmt.Fprintf(r.out, "assistant> %s\n  image: %s\n", last.Content, last.AttachedImageURL)
	} else {
		fmt.Fprintf(r.out, "assistant> %s\n", last.Content)
	}
}

// handleCommand dispatches a slash command. Returns true to end the
// session.
func (r *chatRunner) handleCommand(ctx context.Context, line string) bool {
	fields := strings.Fields(line)
	cmd := strings.ToLower(fields[0])

	switch cmd {
	case "/quit", "/exit", "quit", "exit":
		fmt.Fprintln(r.out, "bye.")
		return true

	case "/clear":
		r.engine.Clear()
		fmt.Fprintln(r.out, "conversation cleared.")

	case "/regen":
		idx := r.lastAssistantIndex()
		if idx < 0 {
			fmt.Fprintln(r.out, "nothing to regenerate yet.")
			return false
		}
		fmt.Fprint(r.out, "assistant> ")
		r.engine.Regenerate(ctx, idx)
		fmt.Fprintln(r.out)

	case "/image":
		prompt := strings.TrimSpace(strings.TrimPrefix(line, fields[0]))
		if prompt == "" {
			fmt.Fprintln(r.out, "usage: /image <prompt>")
			return false
		}
		r.runImageTurn(ctx, prompt)

	case "/like":
		r.react(fields, datatypes.ReactionLike)

	case "/dislike":
		r.react(fields, datatypes.ReactionDislike)

	default:
		fmt.Fprintf(r.out, "unknown command %s\n", cmd)
	}
	return false
}

// react applies a reaction to the answer named by the optional ordinal
// argument (1-based over assistant messages), defaulting to the last one.
func (r *chatRunner) react(fields []string, kind datatypes.Reaction) {
	idx := r.lastAssistantIndex()
	if len(fields) > 1 {
		n, err := strconv.Atoi(fields[1])
		if err != nil || n < 1 {
			fmt.Fprintf(r.out, "usage: %s [answer-number]\n", fields[0])
			return
		}
		idx = r.nthAssistantIndex(n)
	}
	if idx < 0 {
		fmt.Fprintln(r.out, "no such answer.")
		return
	}

	r.engine.SetReaction(idx, kind)
	reaction := r.engine.Messages()[idx].Reaction
	if reaction == datatypes.ReactionNone {
		fmt.Fprintln(r.out, "reaction removed.")
	} else {
		fmt.Fprintf(r.out, "marked as %s.\n", reaction)
	}
}

func (r *chatRunner) lastAssistantIndex() int {
	msgs := r.engine.Messages()
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == datatypes.RoleAssistant {
			return i
		}
	}
	return -1
}

// nthAssistantIndex maps a 1-based answer ordinal to a message index, or
// -1 when out of range.
func (r *chatRunner) nthAssistantIndex(n int) int {
	count := 0
	for i, m := range r.engine.Messages() {
		if m.Role == datatypes.RoleAssistant {
			count++
			if count == n {
				return i
			}
		}
	}
	return -1
}

func isExitWord(line string) bool {
	l := strings.ToLower(line)
	return l == "exit" || l == "quit"
}
