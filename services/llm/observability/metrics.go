// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package observability provides Prometheus metrics for completion calls.
//
// # Metrics Exposed
//
//   - chatstream_streaming_requests_total: Calls by mode and outcome
//   - chatstream_streaming_tokens_total: Prompt and completion tokens by model
//   - chatstream_streaming_time_to_first_token_seconds: Latency to first delta
//   - chatstream_streaming_stream_duration_seconds: Whole call duration
//   - chatstream_streaming_active_streams: Calls currently in flight
//   - chatstream_streaming_errors_total: Failures by error kind
//   - chatstream_streaming_context_lookups_total: Store lookups during assembly
//   - chatstream_streaming_continuations_total: Truncation handling outcomes
//   - chatstream_streaming_client_disconnects_total: Bridge clients that left early
//
// All methods are nil-safe so library code can record unconditionally.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	metricsNamespace   = "chatstream"
	streamingSubsystem = "streaming"
)

// Outcome labels for RequestsTotal and StreamDurationSeconds.
const (
	OutcomeSuccess = "success"
	OutcomeError   = "error"
)

// Continuation outcome labels.
const (
	ContinuationDetected = "detected"
	ContinuationAccepted = "accepted"
	ContinuationDeclined = "declined"
)

// StreamingMetrics holds the client's Prometheus collectors.
type StreamingMetrics struct {
	// RequestsTotal counts calls by mode (chat|completion) and outcome.
	RequestsTotal *prometheus.CounterVec

	// TokensTotal counts tokens by direction (prompt|completion) and model.
	// Completion tokens are counted with the local tokenizer.
	TokensTotal *prometheus.CounterVec

	// TimeToFirstTokenSeconds measures request start to first delta.
	TimeToFirstTokenSeconds *prometheus.HistogramVec

	// StreamDurationSeconds measures request start to terminal state.
	StreamDurationSeconds *prometheus.HistogramVec

	// ActiveStreams tracks calls in flight.
	ActiveStreams *prometheus.GaugeVec

	// ErrorsTotal counts failures by mode and error kind
	// (remote|malformed|timeout|cancelled|internal).
	ErrorsTotal *prometheus.CounterVec

	// ContextLookupsTotal counts message store lookups made while
	// assembling context windows.
	ContextLookupsTotal *prometheus.CounterVec

	// ContinuationsTotal counts truncated answers by outcome.
	ContinuationsTotal *prometheus.CounterVec

	// ClientDisconnectsTotal counts bridge clients that disconnected
	// before the answer finished.
	ClientDisconnectsTotal *prometheus.CounterVec
}

// NewStreamingMetrics creates and registers the collectors.
//
// # Description
//
// Collectors are registered on reg rather than the global registry so
// several clients, and tests, can coexist in one process.
//
// # Inputs
//
//   - reg: Registry to register on. Nil uses prometheus.DefaultRegisterer.
//
// # Outputs
//
//   - *StreamingMetrics: Registered collectors.
//
// # Limitations
//
//   - Panics on duplicate registration, like promauto.
func NewStreamingMetrics(reg prometheus.Registerer) *StreamingMetrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &StreamingMetrics{
		RequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: streamingSubsystem,
				Name:      "requests_total",
				Help:      "Total number of completion calls by mode and outcome",
			},
			[]string{"mode", "status"},
		),

		TokensTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: streamingSubsystem,
				Name:      "tokens_total",
				Help:      "Total tokens by direction and model",
			},
			[]string{"direction", "model"},
		),

		TimeToFirstTokenSeconds: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: streamingSubsystem,
				Name:      "time_to_first_token_seconds",
				Help:      "Time from request to first delta in seconds",
				Buckets:   []float64{0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0, 30.0},
			},
			[]string{"mode"},
		),

		StreamDurationSeconds: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: streamingSubsystem,
				Name:      "stream_duration_seconds",
				Help:      "Total call duration in seconds",
				Buckets:   []float64{1, 5, 10, 30, 60, 120, 300},
			},
			[]string{"mode", "status"},
		),

		ActiveStreams: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Subsystem: streamingSubsystem,
				Name:      "active_streams",
				Help:      "Number of completion calls in flight",
			},
			[]string{"mode"},
		),

		ErrorsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: streamingSubsystem,
				Name:      "errors_total",
				Help:      "Total failed calls by mode and error kind",
			},
			[]string{"mode", "kind"},
		),

		ContextLookupsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: streamingSubsystem,
				Name:      "context_lookups_total",
				Help:      "Message store lookups made while assembling context",
			},
			[]string{"mode"},
		),

		ContinuationsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: streamingSubsystem,
				Name:      "continuations_total",
				Help:      "Truncated answers by outcome",
			},
			[]string{"outcome"},
		),

		ClientDisconnectsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: streamingSubsystem,
				Name:      "client_disconnects_total",
				Help:      "Bridge clients that disconnected during streaming",
			},
			[]string{"endpoint"},
		),
	}
}

// RecordRequest records the outcome of one call.
func (m *StreamingMetrics) RecordRequest(mode string, success bool) {
	if m == nil {
		return
	}
	m.RequestsTotal.WithLabelValues(mode, outcome(success)).Inc()
}

// RecordError records a failed call by error kind.
func (m *StreamingMetrics) RecordError(mode, kind string) {
	if m == nil {
		return
	}
	m.ErrorsTotal.WithLabelValues(mode, kind).Inc()
}

// RecordTokens adds prompt and completion token counts.
func (m *StreamingMetrics) RecordTokens(promptTokens, completionTokens int, model string) {
	if m == nil {
		return
	}
	m.TokensTotal.WithLabelValues("prompt", model).Add(float64(promptTokens))
	m.TokensTotal.WithLabelValues("completion", model).Add(float64(completionTokens))
}

// StreamStarted increments the active call gauge.
func (m *StreamingMetrics) StreamStarted(mode string) {
	if m == nil {
		return
	}
	m.ActiveStreams.WithLabelValues(mode).Inc()
}

// StreamEnded decrements the active call gauge.
func (m *StreamingMetrics) StreamEnded(mode string) {
	if m == nil {
		return
	}
	m.ActiveStreams.WithLabelValues(mode).Dec()
}

// RecordTimeToFirstToken observes the latency to the first delta.
func (m *StreamingMetrics) RecordTimeToFirstToken(mode string, seconds float64) {
	if m == nil {
		return
	}
	m.TimeToFirstTokenSeconds.WithLabelValues(mode).Observe(seconds)
}

// RecordStreamDuration observes the total call duration.
func (m *StreamingMetrics) RecordStreamDuration(mode string, seconds float64, success bool) {
	if m == nil {
		return
	}
	m.StreamDurationSeconds.WithLabelValues(mode, outcome(success)).Observe(seconds)
}

// RecordContextLookups adds the store lookups of one assembly.
func (m *StreamingMetrics) RecordContextLookups(mode string, lookups int) {
	if m == nil {
		return
	}
	m.ContextLookupsTotal.WithLabelValues(mode).Add(float64(lookups))
}

// RecordContinuation records a truncation outcome.
func (m *StreamingMetrics) RecordContinuation(outcome string) {
	if m == nil {
		return
	}
	m.ContinuationsTotal.WithLabelValues(outcome).Inc()
}

// RecordClientDisconnect records a bridge client leaving mid-stream.
func (m *StreamingMetrics) RecordClientDisconnect(endpoint string) {
	if m == nil {
		return
	}
	m.ClientDisconnectsTotal.WithLabelValues(endpoint).Inc()
}

func outcome(success bool) string {
	if success {
		return OutcomeSuccess
	}
	return OutcomeError
}
