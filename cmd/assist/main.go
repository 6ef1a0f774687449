// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package main is the assist CLI: an interactive streaming chat client
// with image generation, plus a local stub backend for development.
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/AleutianAI/AleutianAssist/pkg/logging"
	"github.com/spf13/cobra"
)

var (
	configPath string
	verbose    bool

	cfg    *Config
	logger *logging.Logger
)

var rootCmd = &cobra.Command{
	Use:   "assist",
	Short: "Streaming AI assistant client",
	Long: `assist is a terminal client for the Aleutian assistant service.

It streams chat responses token by token, routes image requests to the
image generation channel, and supports regeneration and reactions on
prior turns.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = LoadConfig(configPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}

		level := logging.ParseLevel(cfg.Logging.Level)
		if verbose {
			level = logging.LevelDebug
		}
		logger = logging.New(logging.Config{
			Level:   level,
			LogDir:  cfg.Logging.Dir,
			Service: "assist",
			JSON:    cfg.Logging.JSON,
		})
		slog.SetDefault(logger.Slog())
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			logger.Close()
		}
	},
}

func main() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "",
		"config file (default ~/.assist/config.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false,
		"enable debug logging")

	rootCmd.AddCommand(chatCmd)
	rootCmd.AddCommand(stubCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
