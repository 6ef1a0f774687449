// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package observability provides Prometheus metrics for the assistant
// engine.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// =============================================================================
// Metric Definitions
// =============================================================================

// Namespace for all metrics
const metricsNamespace = "assist"

// Subsystem for engine metrics
const engineSubsystem = "engine"

// Channel label values for turn metrics.
const (
	ChannelChat  = "chat"
	ChannelImage = "image"
)

// EngineMetrics holds all Prometheus metrics for exchange processing.
//
// # Description
//
// Counters and histograms for monitoring turn throughput, delta volume,
// and failure modes. Create once per process with NewEngineMetrics; tests
// pass their own registry to avoid duplicate registration.
//
// # Fields
//
//   - TurnsTotal: Counter of turns by channel and status
//   - DeltasTotal: Counter of deltas applied to the assembler
//   - TurnDurationSeconds: Histogram of turn duration by channel
//   - FailuresTotal: Counter of turn failures by reason
//
// # Thread Safety
//
// All operations are thread-safe.
type EngineMetrics struct {
	// TurnsTotal counts completed turns.
	// Labels: channel (chat, image), status (success, error)
	TurnsTotal *prometheus.CounterVec

	// DeltasTotal counts deltas applied to the message assembler.
	DeltasTotal prometheus.Counter

	// TurnDurationSeconds measures turn duration from dispatch to settle.
	// Labels: channel (chat, image)
	TurnDurationSeconds *prometheus.HistogramVec

	// FailuresTotal counts turn failures.
	// Labels: reason (transport, upstream, no_body)
	FailuresTotal *prometheus.CounterVec
}

// NewEngineMetrics creates and registers the engine metrics on the given
// registerer. Pass prometheus.DefaultRegisterer in production and a fresh
// prometheus.NewRegistry() in tests.
func NewEngineMetrics(reg prometheus.Registerer) *EngineMetrics {
	factory := promauto.With(reg)

	return &EngineMetrics{
		TurnsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: engineSubsystem,
				Name:      "turns_total",
				Help:      "Total turns processed by channel and status",
			},
			[]string{"channel", "status"},
		),

		DeltasTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: engineSubsystem,
				Name:      "deltas_total",
				Help:      "Total stream deltas applied to the assembler",
			},
		),

		TurnDurationSeconds: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: engineSubsystem,
				Name:      "turn_duration_seconds",
				Help:      "Turn duration from dispatch to settle in seconds",
				Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
			},
			[]string{"channel"},
		),

		FailuresTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: engineSubsystem,
				Name:      "failures_total",
				Help:      "Total turn failures by reason",
			},
			[]string{"reason"},
		),
	}
}
