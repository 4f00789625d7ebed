// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/chatstream/cmd/chatstream/config"
	"github.com/AleutianAI/chatstream/pkg/logging"
)

// app carries what PersistentPreRunE loaded for the subcommands.
type app struct {
	configPath string
	logLevel   string
	trace      bool

	cfg         config.ChatstreamConfig
	logger      *logging.Logger
	stopTracing func(context.Context) error
}

func newRootCmd() *cobra.Command {
	a := &app{}

	rootCmd := &cobra.Command{
		Use:   "chatstream",
		Short: "Chat with an OpenAI-style completion service",
		Long: `chatstream sends messages to an OpenAI-style completion service,
keeps the conversation in a local store and streams answers as they arrive.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.setup(cmd)
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			return a.teardown(cmd.Context())
		},
	}

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&a.configPath, "config", "", "config file (default ~/.chatstream/chatstream.yaml)")
	flags.StringVar(&a.logLevel, "log-level", "", "override logging.level (debug, info, warn, error)")
	flags.BoolVar(&a.trace, "trace", false, "print OpenTelemetry spans to stderr")

	rootCmd.AddCommand(
		newAskCmd(a),
		newServeCmd(a),
		newHistoryCmd(a),
		newClearCmd(a),
	)
	return rootCmd
}

func (a *app) setup(cmd *cobra.Command) error {
	cfg, created, err := config.Load(a.configPath)
	if err != nil {
		return err
	}
	a.cfg = cfg

	levelName := cfg.Logging.Level
	if a.logLevel != "" {
		levelName = a.logLevel
	}
	level, err := logging.ParseLevel(levelName)
	if err != nil {
		return err
	}
	a.logger = logging.New(logging.Config{
		Level:   level,
		LogDir:  cfg.Logging.Dir,
		Service: "chatstream",
		JSON:    cfg.Logging.JSON,
		Output:  cmd.ErrOrStderr(),
	})
	slog.SetDefault(a.logger.Slog())
	if created {
		a.logger.Info("first run, created default config")
	}

	if a.trace {
		stop, err := setupTracing(cmd.ErrOrStderr())
		if err != nil {
			return fmt.Errorf("set up tracing: %w", err)
		}
		a.stopTracing = stop
	}
	return nil
}

func (a *app) teardown(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	var err error
	if a.stopTracing != nil {
		err = a.stopTracing(ctx)
	}
	if a.logger != nil {
		if cerr := a.logger.Close(); err == nil {
			err = cerr
		}
	}
	return err
}
