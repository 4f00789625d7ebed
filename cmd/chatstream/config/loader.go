// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Environment variables that override the file.
const (
	EnvAPIKey  = "OPENAI_API_KEY"
	EnvBaseURL = "OPENAI_API_BASE_URL"
	EnvModel   = "OPENAI_MODEL"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// DefaultPath returns ~/.chatstream/chatstream.yaml.
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("could not find the user's home directory: %w", err)
	}
	return filepath.Join(home, ".chatstream", "chatstream.yaml"), nil
}

// Load reads the config at path, creating it with defaults when missing.
//
// # Description
//
// An empty path uses DefaultPath. Keys absent from the file keep their
// DefaultConfig values. Environment overrides are applied after the file
// and the result is validated.
//
// # Outputs
//
//   - ChatstreamConfig: Ready to use.
//   - bool: True if the file was created by this call.
//   - error: Non-nil on IO, parse or validation failure.
func Load(path string) (ChatstreamConfig, bool, error) {
	if path == "" {
		p, err := DefaultPath()
		if err != nil {
			return ChatstreamConfig{}, false, err
		}
		path = p
	}

	created := false
	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		if err := createDefault(path); err != nil {
			return ChatstreamConfig{}, false, err
		}
		created = true
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return ChatstreamConfig{}, created, fmt.Errorf("failed to read the config file: %w", err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return ChatstreamConfig{}, created, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, created, nil
}

// Parse decodes data over DefaultConfig, applies environment overrides and
// validates the result.
func Parse(data []byte) (ChatstreamConfig, error) {
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return ChatstreamConfig{}, fmt.Errorf("failed to parse config: %w", err)
	}
	applyEnv(&cfg)
	if err := cfg.Validate(); err != nil {
		return ChatstreamConfig{}, err
	}
	return cfg, nil
}

// Validate checks field constraints.
func (c ChatstreamConfig) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

func applyEnv(cfg *ChatstreamConfig) {
	if v := os.Getenv(EnvAPIKey); v != "" {
		cfg.API.APIKey = v
	}
	if v := os.Getenv(EnvBaseURL); v != "" {
		cfg.API.BaseURL = v
	}
	if v := os.Getenv(EnvModel); v != "" {
		cfg.Model.Name = v
	}
}

func createDefault(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create the config directory: %w", err)
	}
	data, err := yaml.Marshal(DefaultConfig())
	if err != nil {
		return err
	}
	// The file may hold an API key.
	return os.WriteFile(path, data, 0600)
}

// ExpandPath replaces a leading ~ with the user's home directory.
func ExpandPath(path string) string {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~"))
}
