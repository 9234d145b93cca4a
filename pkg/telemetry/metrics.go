// SPDX-FileCopyrightText: Copyright 2025 Codemux Authors
// SPDX-License-Identifier: Apache-2.0

// Package telemetry holds the Prometheus collectors and the analytics sink.
// Collectors register on the default registerer; the API package serves them
// on /metrics.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RequestsTotal counts frames dispatched by the orchestrator, by kind
	// and outcome (ok, rejected, busy, timeout, error).
	RequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "codemux",
		Name:      "requests_total",
		Help:      "Frames dispatched, by kind and outcome.",
	}, []string{"kind", "outcome"})

	// ModelLatency observes per-model generation time.
	ModelLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "codemux",
		Name:      "model_latency_seconds",
		Help:      "Per-model generation latency.",
		Buckets:   prometheus.ExponentialBuckets(0.025, 2, 10),
	}, []string{"model_id"})

	// QueueDepth tracks broker queue depth, sampled on admission checks.
	QueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "codemux",
		Name:      "queue_depth",
		Help:      "Broker queue depth by queue.",
	}, []string{"queue"})

	// ActiveConnections tracks registered WebSocket connections.
	ActiveConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "codemux",
		Name:      "active_connections",
		Help:      "Currently registered WebSocket connections.",
	})

	// DroppedConnections counts registry drops by close reason.
	DroppedConnections = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "codemux",
		Name:      "dropped_connections_total",
		Help:      "Connections dropped by the registry, by reason.",
	}, []string{"reason"})

	// RedactionsTotal counts secrets scrubbed before inference.
	RedactionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "codemux",
		Name:      "redactions_total",
		Help:      "Secrets redacted from prompts.",
	})

	// PersistRetries counts persistence attempts that had to be retried.
	PersistRetries = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "codemux",
		Name:      "persist_retries_total",
		Help:      "Persistence calls retried after a storage error.",
	})

	// DeadLetters counts tasks moved to a dead-letter list.
	DeadLetters = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "codemux",
		Name:      "dead_letters_total",
		Help:      "Tasks dead-lettered, by queue.",
	}, []string{"queue"})

	// AnalyticsSampled counts telemetry envelopes dropped by the sink's
	// overload sampling.
	AnalyticsSampled = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "codemux",
		Name:      "analytics_sampled_total",
		Help:      "Telemetry envelopes dropped under overload sampling.",
	})
)
