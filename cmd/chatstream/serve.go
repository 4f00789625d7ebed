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
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/chatstream/services/llm/store"
	"github.com/AleutianAI/chatstream/services/orchestrator"
)

const storeStatsInterval = time.Minute

func newServeCmd(a *app) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the local HTTP bridge",
		Long: `Run an HTTP server that exposes the chat client:

  POST   /v1/chat/messages                 send a message (SSE or JSON)
  POST   /v1/chat/messages/:id/continue    resume a cut-off answer
  GET    /v1/chat/messages/:id             fetch a message
  GET    /v1/chat/messages/:id/history     fetch a conversation branch
  DELETE /v1/chat/messages                 forget every message
  GET    /health, /metrics`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.runServe(cmd, addr)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default server.addr)")
	return cmd
}

func (a *app) runServe(cmd *cobra.Command, addr string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	sess, err := a.newSession(reg)
	if err != nil {
		return err
	}
	defer sess.Close()

	if addr == "" {
		addr = a.cfg.Server.Addr
	}
	logger := a.logger.Slog()
	svc, err := orchestrator.New(orchestrator.Config{
		Addr:            addr,
		GinMode:         gin.ReleaseMode,
		KeepAlive:       a.cfg.Server.KeepAlive,
		ShutdownTimeout: a.cfg.Server.ShutdownTimeout,
		APIToken:        a.cfg.Server.APIToken,
	}, sess.client, reg, sess.metrics, logger)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return svc.Run(gctx)
	})
	if mem, ok := sess.store.(*store.MemoryStore); ok {
		g.Go(func() error {
			reportStoreStats(gctx, mem, logger, storeStatsInterval)
			return nil
		})
	}
	return g.Wait()
}

// reportStoreStats logs memory store counters until ctx is done.
func reportStoreStats(ctx context.Context, mem *store.MemoryStore, logger *slog.Logger, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			hits, misses, evictions := mem.Stats()
			logger.Info("message store stats",
				"messages", mem.Len(),
				"hits", hits,
				"misses", misses,
				"evictions", evictions,
			)
		}
	}
}
