// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// defaultBaseURL points at a locally running stub or service.
const defaultBaseURL = "http://127.0.0.1:8440"

// Config is the assist CLI configuration, loaded from YAML.
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Chat    ChatConfig    `yaml:"chat"`
	Logging LoggingConfig `yaml:"logging"`
}

type ServerConfig struct {
	// BaseURL is the assistant service root. The chat and image endpoint
	// paths are appended unless overridden below.
	BaseURL string `yaml:"base_url"`

	// ChatStreamURL overrides the full chat streaming endpoint.
	ChatStreamURL string `yaml:"chat_stream_url"`

	// ImageURL overrides the full image generation endpoint.
	ImageURL string `yaml:"image_url"`

	// TimeoutMinutes bounds a single streaming exchange.
	TimeoutMinutes int `yaml:"timeout_minutes"`
}

type ChatConfig struct {
	// Language is an optional response language hint.
	Language string `yaml:"language"`

	// RoastLevel dials the assistant persona tone.
	RoastLevel string `yaml:"roast_level"`

	// UseCombined asks the server for its combined backend pool.
	UseCombined bool `yaml:"use_combined"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
	Dir   string `yaml:"dir"`
	JSON  bool   `yaml:"json"`
}

// LoadConfig reads the config file at path, or the default location when
// path is empty. A missing file yields defaults rather than an error; a
// present but malformed file is an error.
func LoadConfig(path string) (*Config, error) {
	cfg := defaultConfig()

	explicit := path != ""
	if path == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return cfg, nil
		}
		path = filepath.Join(home, ".assist", "config.yaml")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) && !explicit {
			return cfg, nil
		}
		return nil, fmt.Errorf("read %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}

	cfg.applyDefaults()
	return cfg, nil
}

func defaultConfig() *Config {
	cfg := &Config{
		Server:  ServerConfig{BaseURL: defaultBaseURL, TimeoutMinutes: 5},
		Logging: LoggingConfig{Level: "info"},
	}
	cfg.applyDefaults()
	return cfg
}

// applyDefaults fills derived and zero-valued fields. ASSIST_BASE_URL
// overrides the configured base so CI and scripts can redirect without a
// config file.
func (c *Config) applyDefaults() {
	if env := os.Getenv("ASSIST_BASE_URL"); env != "" {
		c.Server.BaseURL = env
		c.Server.ChatStreamURL = ""
		c.Server.ImageURL = ""
	}
	if c.Server.BaseURL == "" {
		c.Server.BaseURL = defaultBaseURL
	}
	if c.Server.ChatStreamURL == "" {
		c.Server.ChatStreamURL = c.Server.BaseURL + "/v1/chat/stream"
	}
	if c.Server.ImageURL == "" {
		c.Server.ImageURL = c.Server.BaseURL + "/v1/image/generate"
	}
	if c.Server.TimeoutMinutes <= 0 {
		c.Server.TimeoutMinutes = 5
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
}

// Timeout returns the streaming exchange timeout as a duration.
func (c *Config) Timeout() time.Duration {
	return time.Duration(c.Server.TimeoutMinutes) * time.Minute
}
