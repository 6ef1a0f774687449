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
	"time"

	"github.com/AleutianAI/AleutianAssist/services/stub"
	"github.com/spf13/cobra"
)

var (
	stubListenAddr    string
	stubFragmentBytes int
	stubTokenDelayMS  int
)

var stubCmd = &cobra.Command{
	Use:   "stub",
	Short: "Run a local stub assistant backend",
	Long: `Run a local stub backend speaking the assistant wire protocol.

The stub streams deterministic replies over SSE and serves placeholder
image URLs. With --fragment-bytes it splits SSE writes at arbitrary byte
offsets, which exercises client-side reassembly under hostile chunking.`,
	RunE: runStubCommand,
}

func init() {
	stubCmd.Flags().StringVar(&stubListenAddr, "listen", "127.0.0.1:8440",
		"address to listen on")
	stubCmd.Flags().IntVar(&stubFragmentBytes, "fragment-bytes", 0,
		"split SSE writes into flushes of at most this many bytes (0 = off)")
	stubCmd.Flags().IntVar(&stubTokenDelayMS, "token-delay-ms", 30,
		"delay between emitted tokens in milliseconds")
}

func runStubCommand(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		<-sigCh
		cancel()
	}()

	delay := time.Duration(stubTokenDelayMS) * time.Millisecond
	if delay == 0 {
		delay = -1
	}

	server := stub.NewServer(stub.Config{
		ListenAddr:    stubListenAddr,
		Backend:       "stub-llm",
		TokenDelay:    delay,
		FragmentBytes: stubFragmentBytes,
		Logger:        logger.Slog(),
	})
	return server.Run(ctx)
}
