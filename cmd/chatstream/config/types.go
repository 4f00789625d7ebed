// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config loads the chatstream CLI configuration file.
package config

import (
	"time"
)

// Store backends.
const (
	StoreMemory = "memory"
	StoreBadger = "badger"
)

type ChatstreamConfig struct {
	// API: where completions are requested
	API APIConfig `yaml:"api"`

	// Model: model selection, token budget and prompt labels
	Model ModelConfig `yaml:"model"`

	// Store: where conversation messages are kept between runs
	Store StoreConfig `yaml:"store"`

	// Server: the local HTTP bridge started by `chatstream serve`
	Server ServerConfig `yaml:"server"`

	// Logging: level and optional log directory
	Logging LoggingConfig `yaml:"logging"`
}

type APIConfig struct {
	BaseURL      string        `yaml:"base_url" validate:"omitempty,url"`
	APIKey       string        `yaml:"api_key,omitempty"`
	Organization string        `yaml:"organization,omitempty"`
	Timeout      time.Duration `yaml:"timeout" validate:"gte=0"`
	RateLimit    float64       `yaml:"rate_limit" validate:"gte=0"` // requests per second, 0 = unlimited
	RateBurst    int           `yaml:"rate_burst" validate:"gte=0"`
}

type ModelConfig struct {
	Name              string   `yaml:"name"`
	MaxModelTokens    int      `yaml:"max_model_tokens" validate:"gte=0"`
	MaxResponseTokens int      `yaml:"max_response_tokens" validate:"gte=0"`
	Temperature       *float32 `yaml:"temperature,omitempty" validate:"omitempty,gte=0,lte=2"`
	TopP              *float32 `yaml:"top_p,omitempty" validate:"omitempty,gte=0,lte=1"`
	SystemMessage     *string  `yaml:"system_message,omitempty"`
	UserLabel         string   `yaml:"user_label,omitempty"`
	AssistantLabel    string   `yaml:"assistant_label,omitempty"`
	ContinuePrompt    string   `yaml:"continue_prompt,omitempty"`
}

type StoreConfig struct {
	Type     string        `yaml:"type" validate:"oneof=memory badger"`
	Capacity int           `yaml:"capacity,omitempty" validate:"gte=0"` // memory only
	Path     string        `yaml:"path,omitempty" validate:"required_if=Type badger"`
	TTL      time.Duration `yaml:"ttl,omitempty" validate:"gte=0"` // badger only
}

type ServerConfig struct {
	Addr            string        `yaml:"addr" validate:"omitempty,hostname_port"`
	APIToken        string        `yaml:"api_token,omitempty"`
	KeepAlive       time.Duration `yaml:"keep_alive,omitempty"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout,omitempty" validate:"gte=0"`
}

type LoggingConfig struct {
	Level string `yaml:"level" validate:"omitempty,oneof=debug info warn warning error"`
	Dir   string `yaml:"dir,omitempty"`
	JSON  bool   `yaml:"json,omitempty"`
}

// DefaultConfig returns the configuration written on first run.
func DefaultConfig() ChatstreamConfig {
	return ChatstreamConfig{
		API: APIConfig{
			BaseURL: "https://api.openai.com",
			Timeout: 2 * time.Minute,
		},
		Model: ModelConfig{
			Name: "gpt-3.5-turbo",
		},
		Store: StoreConfig{
			Type: StoreBadger,
			Path: "~/.chatstream/messages",
			TTL:  30 * 24 * time.Hour,
		},
		Server: ServerConfig{
			Addr: "127.0.0.1:12210",
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}
