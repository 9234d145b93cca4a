// SPDX-FileCopyrightText: Copyright 2025 Codemux Authors
// SPDX-License-Identifier: Apache-2.0

package telemetry

import (
	"context"
	"sync/atomic"

	"github.com/codemux/codemux/pkg/gateway"
	"github.com/codemux/codemux/pkg/logger"
)

// sampleKeep is the fraction of envelopes kept while the persist queue is
// over its hard cap: one in sampleKeep.
const sampleKeep = 10

// Envelope is one request's analytics payload.
type Envelope struct {
	Contextual *gateway.ContextualTelemetry
	Behavioral *gateway.BehavioralTelemetry
}

// TelemetryEnqueuer hands envelopes to the persist queue.
type TelemetryEnqueuer interface {
	EnqueueTelemetry(ctx context.Context, e Envelope) error
}

// DepthFunc reports the current persist queue depth.
type DepthFunc func(ctx context.Context) (int64, error)

// AnalyticsSink forwards telemetry envelopes to the persist queue. Analytics
// are droppable: when the queue backlog exceeds the hard cap the sink keeps
// a deterministic sample instead of deepening the backlog.
type AnalyticsSink struct {
	enqueue TelemetryEnqueuer
	depth   DepthFunc
	hardCap int64

	seq atomic.Uint64
}

// NewAnalyticsSink creates a sink. hardCap <= 0 disables sampling.
func NewAnalyticsSink(enqueue TelemetryEnqueuer, depth DepthFunc, hardCap int64) *AnalyticsSink {
	return &AnalyticsSink{enqueue: enqueue, depth: depth, hardCap: hardCap}
}

// Emit forwards one envelope, sampling under overload. Never returns an
// error: analytics loss is not a request failure.
func (s *AnalyticsSink) Emit(ctx context.Context, e Envelope) {
	if e.Contextual == nil && e.Behavioral == nil {
		return
	}

	if s.hardCap > 0 {
		depth, err := s.depth(ctx)
		if err == nil {
			QueueDepth.WithLabelValues("persist").Set(float64(depth))
		}
		if err == nil && depth >= s.hardCap {
			if s.seq.Add(1)%sampleKeep != 0 {
				AnalyticsSampled.Inc()
				return
			}
		}
	}

	if err := s.enqueue.EnqueueTelemetry(ctx, e); err != nil {
		logger.Warnf("Dropping telemetry envelope: %v", err)
	}
}
