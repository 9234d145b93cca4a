// SPDX-FileCopyrightText: Copyright 2025 Codemux Authors
// SPDX-License-Identifier: Apache-2.0

package worker

import (
	"context"
	"fmt"

	"github.com/codemux/codemux/pkg/broker"
	"github.com/codemux/codemux/pkg/gateway"
	"github.com/codemux/codemux/pkg/telemetry"
)

// Enqueuer is the producer side of the persist queue. It satisfies the
// narrow enqueue interfaces of the auth manager, the orchestrator and the
// analytics sink.
type Enqueuer struct {
	broker *broker.Broker
}

// NewEnqueuer wraps a broker.
func NewEnqueuer(b *broker.Broker) *Enqueuer {
	return &Enqueuer{broker: b}
}

func (e *Enqueuer) enqueue(ctx context.Context, kind string, payload any) error {
	task, err := broker.NewTask(kind, payload, "")
	if err != nil {
		return err
	}
	if err := e.broker.Enqueue(ctx, broker.QueuePersist, task); err != nil {
		return fmt.Errorf("failed to enqueue %s: %w", kind, err)
	}
	return nil
}

// EnqueueQuery records a sealed request.
func (e *Enqueuer) EnqueueQuery(ctx context.Context, t PersistQueryTask) error {
	return e.enqueue(ctx, TaskPersistQuery, t)
}

// EnqueueFeedback records shown/accepted feedback.
func (e *Enqueuer) EnqueueFeedback(ctx context.Context, t PersistFeedbackTask) error {
	return e.enqueue(ctx, TaskPersistFeedback, t)
}

// EnqueueGroundTruth records a ground-truth capture.
func (e *Enqueuer) EnqueueGroundTruth(ctx context.Context, t PersistGroundTruthTask) error {
	return e.enqueue(ctx, TaskPersistGroundTruth, t)
}

// EnqueueTelemetry records a standalone telemetry envelope.
func (e *Enqueuer) EnqueueTelemetry(ctx context.Context, env telemetry.Envelope) error {
	return e.enqueue(ctx, TaskPersistTelemetry, PersistTelemetryTask{
		Contextual: env.Contextual,
		Behavioral: env.Behavioral,
	})
}

// EnqueueContextFlush records a dead project's final context.
func (e *Enqueuer) EnqueueContextFlush(ctx context.Context, files []gateway.ContextFile) error {
	return e.enqueue(ctx, TaskPersistContextFlush, PersistContextFlushTask{Files: files})
}

// EnqueueSessionClose records a session lifetime.
func (e *Enqueuer) EnqueueSessionClose(ctx context.Context, s gateway.SessionClose) error {
	return e.enqueue(ctx, TaskPersistSessionClose, PersistSessionCloseTask{Close: s})
}

var _ telemetry.TelemetryEnqueuer = (*Enqueuer)(nil)
