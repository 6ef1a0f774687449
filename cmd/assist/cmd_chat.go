// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/AleutianAI/AleutianAssist/services/assistant"
	"github.com/spf13/cobra"
)

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Start an interactive chat session",
	Long: `Start an interactive streaming chat session.

Responses stream token by token. Prompts that ask for an image (e.g.
"generate an image of a lighthouse") are routed to the image channel.

In-session commands:
  /regen           regenerate the last answer
  /clear           clear the conversation
  /image <prompt>  force an image for a prompt the router would chat
  /like [N]        like answer N (default: last)
  /dislike [N]     dislike answer N (default: last)
  /quit            end the session`,
	RunE: runChatCommand,
}

func runChatCommand(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		<-sigCh
		cancel()
	}()

	client := assistant.NewClient(assistant.ClientConfig{
		ChatStreamURL: cfg.Server.ChatStreamURL,
		ImageURL:      cfg.Server.ImageURL,
		Timeout:       cfg.Timeout(),
	})

	runner := newChatRunner(client, chatRunnerConfig{
		Language:    cfg.Chat.Language,
		RoastLevel:  cfg.Chat.RoastLevel,
		UseCombined: cfg.Chat.UseCombined,
		Logger:      logger.Slog(),
	})

	err := runner.Run(ctx)
	if err == context.Canceled {
		return nil
	}
	return err
}
