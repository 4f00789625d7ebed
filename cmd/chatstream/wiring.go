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
	"io"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"golang.org/x/time/rate"

	"github.com/AleutianAI/chatstream/cmd/chatstream/config"
	"github.com/AleutianAI/chatstream/services/llm"
	"github.com/AleutianAI/chatstream/services/llm/observability"
	"github.com/AleutianAI/chatstream/services/llm/store"
)

// session is a configured client plus what must be released after use.
type session struct {
	client  *llm.Client
	store   store.MessageStore
	metrics *observability.StreamingMetrics
	closers []func() error
}

func (s *session) Close() error {
	var first error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// newSession opens the configured store and builds a client on it. reg
// may be nil, in which case no metrics are recorded.
func (a *app) newSession(reg prometheus.Registerer) (*session, error) {
	s := &session{}
	logger := a.logger.Slog()

	switch a.cfg.Store.Type {
	case config.StoreBadger:
		bcfg := store.DefaultBadgerConfig(config.ExpandPath(a.cfg.Store.Path))
		bcfg.TTL = a.cfg.Store.TTL
		bcfg.Logger = logger
		bs, err := store.OpenBadgerStore(bcfg)
		if err != nil {
			return nil, fmt.Errorf("open message store: %w", err)
		}
		s.store = bs
		s.closers = append(s.closers, bs.Close)
	default:
		capacity := a.cfg.Store.Capacity
		if capacity == 0 {
			capacity = store.DefaultMemoryCapacity
		}
		s.store = store.NewMemoryStore(capacity)
	}

	if reg != nil {
		s.metrics = observability.NewStreamingMetrics(reg)
	}

	opts := []llm.Option{
		llm.WithStore(s.store),
		llm.WithLogger(logger),
		llm.WithMetrics(s.metrics),
	}
	if a.cfg.API.RateLimit > 0 {
		burst := a.cfg.API.RateBurst
		if burst == 0 {
			burst = 1
		}
		opts = append(opts, llm.WithRateLimit(rate.Limit(a.cfg.API.RateLimit), burst))
	}

	client, err := llm.NewClient(clientConfig(a.cfg), opts...)
	if err != nil {
		_ = s.Close()
		return nil, err
	}
	s.client = client
	return s, nil
}

func clientConfig(cfg config.ChatstreamConfig) llm.Config {
	return llm.Config{
		Endpoint: llm.Endpoint{
			BaseURL:      cfg.API.BaseURL,
			APIKey:       cfg.API.APIKey,
			Organization: cfg.API.Organization,
		},
		Params: llm.CompletionParams{
			Model:       cfg.Model.Name,
			Temperature: cfg.Model.Temperature,
			TopP:        cfg.Model.TopP,
		},
		MaxModelTokens:    cfg.Model.MaxModelTokens,
		MaxResponseTokens: cfg.Model.MaxResponseTokens,
		SystemMessage:     cfg.Model.SystemMessage,
		UserLabel:         cfg.Model.UserLabel,
		AssistantLabel:    cfg.Model.AssistantLabel,
		ContinuePrompt:    cfg.Model.ContinuePrompt,
		Timeout:           cfg.API.Timeout,
	}
}

// setupTracing installs a global tracer provider that prints spans to w.
func setupTracing(w io.Writer) (func(context.Context) error, error) {
	exporter, err := stdouttrace.New(stdouttrace.WithWriter(w), stdouttrace.WithPrettyPrint())
	if err != nil {
		return nil, err
	}
	tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(exporter))
	otel.SetTracerProvider(tp)
	return tp.Shutdown, nil
}
