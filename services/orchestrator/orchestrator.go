// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package orchestrator runs the local HTTP bridge in front of an llm.Client.
//
// The bridge lets non-Go callers drive the chat client: each request is
// turned into a SendMessage or Continue call and the answer is returned
// as JSON or streamed as Server-Sent Events.
//
// # Usage
//
//	svc, err := orchestrator.New(orchestrator.Config{}, client, reg, metrics, logger)
//	if err != nil {
//	    return err
//	}
//	return svc.Run(ctx)
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/AleutianAI/chatstream/services/llm"
	"github.com/AleutianAI/chatstream/services/llm/observability"
	"github.com/AleutianAI/chatstream/services/orchestrator/handlers"
	"github.com/AleutianAI/chatstream/services/orchestrator/routes"
)

// =============================================================================
// Interface Definition
// =============================================================================

// Service defines the contract for the bridge service.
//
// # Thread Safety
//
// Run and Serve block and should be called once per instance.
type Service interface {
	// Run listens on the configured address and serves until ctx is done.
	//
	// # Outputs
	//
	//   - error: Non-nil if the listener fails or shutdown does not finish
	//     within ShutdownTimeout. A clean shutdown returns nil.
	//
	// # Examples
	//
	//	ctx, stop := signal.NotifyContext(ctx, os.Interrupt)
	//	defer stop()
	//	if err := svc.Run(ctx); err != nil {
	//	    return err
	//	}
	Run(ctx context.Context) error

	// Serve is Run on a caller-provided listener.
	Serve(ctx context.Context, ln net.Listener) error

	// Router returns the underlying Gin engine for testing.
	Router() *gin.Engine
}

// =============================================================================
// Configuration
// =============================================================================

// Defaults applied by New.
const (
	DefaultAddr            = "127.0.0.1:12210"
	DefaultShutdownTimeout = 10 * time.Second
	DefaultKeepAlive       = 15 * time.Second
)

// Config holds bridge configuration options. Zero values use defaults.
type Config struct {
	// Addr is the listen address. Default: 127.0.0.1:12210
	Addr string

	// GinMode sets the Gin framework mode ("debug", "release", "test").
	// Empty keeps the current mode.
	GinMode string

	// KeepAlive is the interval between SSE keep-alive comments.
	// Negative disables them. Default: 15s
	KeepAlive time.Duration

	// ShutdownTimeout bounds graceful shutdown. Default: 10s
	ShutdownTimeout time.Duration

	// APIToken, when set, is required as a bearer token on /v1.
	APIToken string
}

func (c Config) withDefaults() Config {
	if c.Addr == "" {
		c.Addr = DefaultAddr
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = DefaultShutdownTimeout
	}
	if c.KeepAlive == 0 {
		c.KeepAlive = DefaultKeepAlive
	}
	return c
}

// =============================================================================
// Implementation
// =============================================================================

// service implements Service.
//
// # Thread Safety
//
// Thread-safe after construction. All fields are read-only after New returns.
type service struct {
	config Config
	router *gin.Engine
	logger *slog.Logger
}

// New creates the bridge around client.
//
// # Inputs
//
//   - cfg: Bridge configuration. Zero values use defaults.
//   - client: The chat client every request goes through.
//   - gatherer: Exposed on /metrics. May be nil.
//   - metrics: Records client disconnects. May be nil.
//   - logger: May be nil, in which case slog.Default() is used.
//
// # Outputs
//
//   - Service: Ready to run.
//   - error: Non-nil if client is nil.
func New(cfg Config, client *llm.Client, gatherer prometheus.Gatherer, metrics *observability.StreamingMetrics, logger *slog.Logger) (Service, error) {
	if client == nil {
		return nil, errors.New("orchestrator: nil llm client")
	}
	if logger == nil {
		logger = slog.Default()
	}
	cfg = cfg.withDefaults()
	if cfg.GinMode != "" {
		gin.SetMode(cfg.GinMode)
	}

	keepAlive := cfg.KeepAlive
	if keepAlive < 0 {
		keepAlive = 0
	}

	s := &service{config: cfg, logger: logger}
	s.router = gin.New()
	s.router.Use(gin.Recovery())
	s.router.Use(otelgin.Middleware("chatstream-bridge"))
	s.router.Use(s.accessLog())

	routes.SetupRoutes(s.router, handlers.NewChatHandler(client, metrics, logger, keepAlive), gatherer, cfg.APIToken)
	return s, nil
}

func (s *service) Router() *gin.Engine {
	return s.router
}

func (s *service) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.config.Addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.config.Addr, err)
	}
	return s.Serve(ctx, ln)
}

func (s *service) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("chat bridge listening", "addr", ln.Addr().String())
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("serve: %w", err)
	case <-ctx.Done():
	}

	// BaseContext is already cancelled, so in-flight calls are unwinding.
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.config.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	s.logger.Info("chat bridge stopped")
	return nil
}

// accessLog logs one line per request at debug level.
func (s *service) accessLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Debug("http request",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"duration", time.Since(start),
		)
	}
}

// =============================================================================
// Compile-time Interface Compliance
// =============================================================================

var _ Service = (*service)(nil)
