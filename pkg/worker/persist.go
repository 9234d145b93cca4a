// SPDX-FileCopyrightText: Copyright 2025 Codemux Authors
// SPDX-License-Identifier: Apache-2.0

package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"golang.org/x/sync/errgroup"

	"github.com/codemux/codemux/pkg/broker"
	"github.com/codemux/codemux/pkg/gateway"
	"github.com/codemux/codemux/pkg/logger"
	"github.com/codemux/codemux/pkg/telemetry"
)

// PersistOptions configures the persistence pool.
type PersistOptions struct {
	// Workers is the number of concurrent consumers.
	Workers int
	// BatchSize bounds how many queued tasks one worker drains per cycle.
	BatchSize int
	// MaxRetries bounds storage retries per task before dead-lettering.
	MaxRetries int
	// ClaimWait is how long an idle worker blocks on the queue.
	ClaimWait time.Duration
}

// PersistPool consumes the persist queue and translates envelopes into
// gateway calls. Storage errors are retried with backoff; a task that keeps
// failing is dead-lettered with its payload intact.
type PersistPool struct {
	broker  *broker.Broker
	gateway gateway.Gateway
	opts    PersistOptions
}

// NewPersistPool wires a pool.
func NewPersistPool(b *broker.Broker, gw gateway.Gateway, opts PersistOptions) *PersistPool {
	if opts.Workers <= 0 {
		opts.Workers = 2
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 16
	}
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	if opts.ClaimWait <= 0 {
		opts.ClaimWait = time.Second
	}
	return &PersistPool{broker: b, gateway: gw, opts: opts}
}

// Run consumes tasks until ctx is canceled.
func (p *PersistPool) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < p.opts.Workers; i++ {
		g.Go(func() error {
			for {
				if ctx.Err() != nil {
					return nil
				}
				batch, err := p.claimBatch(ctx)
				if err != nil {
					if ctx.Err() != nil {
						return nil
					}
					logger.Errorf("Persist claim failed: %v", err)
					continue
				}
				for _, task := range batch {
					p.process(ctx, task)
				}
			}
		})
	}
	return g.Wait()
}

// claimBatch blocks for the first task, then greedily drains up to the batch
// size without waiting. Claimed tasks stay shielded by their visibility
// claims while the batch is worked through.
func (p *PersistPool) claimBatch(ctx context.Context) ([]*broker.Task, error) {
	first, err := p.broker.Claim(ctx, broker.QueuePersist, p.opts.ClaimWait)
	if err != nil || first == nil {
		return nil, err
	}
	batch := []*broker.Task{first}
	for len(batch) < p.opts.BatchSize {
		task, err := p.broker.Claim(ctx, broker.QueuePersist, 10*time.Millisecond)
		if err != nil || task == nil {
			break
		}
		batch = append(batch, task)
	}
	return batch, nil
}

// process applies one task with retries, then acks or dead-letters it.
func (p *PersistPool) process(ctx context.Context, task *broker.Task) {
	op := func() (struct{}, error) {
		err := p.apply(ctx, task)
		if err != nil {
			telemetry.PersistRetries.Inc()
		}
		return struct{}{}, err
	}

	_, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxTries(uint(p.opts.MaxRetries+1)),
	)
	if err != nil {
		if ctx.Err() != nil {
			// Shutdown mid-task: leave it claimed; the janitor requeues it.
			return
		}
		logger.Errorf("Persist task %s (%s) failed permanently: %v", task.ID, task.Kind, err)
		telemetry.DeadLetters.WithLabelValues(string(broker.QueuePersist)).Inc()
		if err := p.broker.DeadLetter(ctx, broker.QueuePersist, task); err != nil {
			logger.Errorf("Failed to dead-letter task %s: %v", task.ID, err)
		}
		return
	}

	if err := p.broker.Ack(ctx, broker.QueuePersist, task); err != nil && ctx.Err() == nil {
		logger.Errorf("Persist ack failed: %v", err)
	}
}

// apply dispatches one envelope to the gateway. Writes within an envelope
// happen in causal order; the gateway's idempotency keys make replays safe.
func (p *PersistPool) apply(ctx context.Context, task *broker.Task) error {
	switch task.Kind {
	case TaskPersistQuery:
		var t PersistQueryTask
		if err := json.Unmarshal(task.Payload, &t); err != nil {
			return backoff.Permanent(err)
		}
		if err := p.gateway.CreateMetaQuery(ctx, t.Query); err != nil {
			return err
		}
		if t.Context != nil {
			if err := p.gateway.UpsertQueryContext(ctx, *t.Context); err != nil {
				return err
			}
		}
		for _, g := range t.Generations {
			if err := p.gateway.CreateGeneration(ctx, g); err != nil {
				return err
			}
		}
		return nil

	case TaskPersistFeedback:
		var t PersistFeedbackTask
		if err := json.Unmarshal(task.Payload, &t); err != nil {
			return backoff.Permanent(err)
		}
		// ErrNotFound here usually means the feedback overtook the sealed
		// query on the queue; retrying lets the query row land first.
		return p.gateway.MarkGenerationAccepted(ctx, t.RequestID, t.ModelID, t.Accepted, t.ShownAt)

	case TaskPersistGroundTruth:
		var t PersistGroundTruthTask
		if err := json.Unmarshal(task.Payload, &t); err != nil {
			return backoff.Permanent(err)
		}
		return p.gateway.AppendGroundTruth(ctx, gateway.GroundTruth{
			RequestID:  t.RequestID,
			Truth:      t.Truth,
			CapturedAt: t.CapturedAt,
		})

	case TaskPersistTelemetry:
		var t PersistTelemetryTask
		if err := json.Unmarshal(task.Payload, &t); err != nil {
			return backoff.Permanent(err)
		}
		if t.Contextual != nil {
			if err := p.gateway.UpsertContextualTelemetry(ctx, *t.Contextual); err != nil {
				return err
			}
		}
		if t.Behavioral != nil {
			if err := p.gateway.UpsertBehavioralTelemetry(ctx, *t.Behavioral); err != nil {
				return err
			}
		}
		return nil

	case TaskPersistContextFlush:
		var t PersistContextFlushTask
		if err := json.Unmarshal(task.Payload, &t); err != nil {
			return backoff.Permanent(err)
		}
		return p.gateway.FlushProjectContext(ctx, t.Files)

	case TaskPersistSessionClose:
		var t PersistSessionCloseTask
		if err := json.Unmarshal(task.Payload, &t); err != nil {
			return backoff.Permanent(err)
		}
		return p.gateway.CloseSession(ctx, t.Close)

	default:
		return backoff.Permanent(fmt.Errorf("unknown persist task kind %q", task.Kind))
	}
}
