// SPDX-FileCopyrightText: Copyright 2025 Codemux Authors
// SPDX-License-Identifier: Apache-2.0

// Package broker is the Redis-backed task broker between the serving process
// and the worker pools. Two FIFO queues (inference and persist) carry
// envelopes at-least-once: a claimed task moves to a processing list under a
// visibility claim, and a janitor requeues tasks whose claim lapsed before
// an ack.
package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/codemux/codemux/pkg/logger"
)

// Queue names a broker queue.
type Queue string

// The two queues. Inference tasks are latency-sensitive; persist tasks are
// durable writes that tolerate delay.
const (
	QueueInference Queue = "inference"
	QueuePersist   Queue = "persist"
)

// Task is the envelope carried on a queue. Payload semantics belong to the
// worker pools; the broker only routes.
type Task struct {
	ID           string          `json:"id"`
	Kind         string          `json:"kind"`
	Payload      json.RawMessage `json:"payload"`
	ReplyChannel string          `json:"reply_channel,omitempty"`
	EnqueuedAt   int64           `json:"enqueued_at"`
	Attempts     int             `json:"attempts"`

	// raw is the exact list entry this task was claimed from, needed for
	// LREM on ack. Not carried over the wire.
	raw string
}

// Options configures the broker.
type Options struct {
	// KeyPrefix namespaces all broker keys, e.g. "codemux:".
	KeyPrefix string
	// Visibility is how long a claim shields a task from the janitor.
	Visibility time.Duration
	// MaxAttempts dead-letters a task after this many claims.
	MaxAttempts int
}

// Broker routes tasks and replies through Redis.
type Broker struct {
	client redis.UniversalClient
	opts   Options
}

// New creates a broker over an existing client.
func New(client redis.UniversalClient, opts Options) *Broker {
	if opts.Visibility <= 0 {
		opts.Visibility = 30 * time.Second
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 3
	}
	return &Broker{client: client, opts: opts}
}

func (b *Broker) queueKey(q Queue) string {
	return b.opts.KeyPrefix + "queue:" + string(q)
}

func (b *Broker) processingKey(q Queue) string {
	return b.queueKey(q) + ":processing"
}

func (b *Broker) claimKey(q Queue, taskID string) string {
	return b.queueKey(q) + ":claim:" + taskID
}

func (b *Broker) deadKey(q Queue) string {
	return b.queueKey(q) + ":dead"
}

// NewTask builds an envelope with a fresh ID.
func NewTask(kind string, payload any, replyChannel string) (Task, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Task{}, fmt.Errorf("failed to marshal %s payload: %w", kind, err)
	}
	return Task{
		ID:           uuid.NewString(),
		Kind:         kind,
		Payload:      raw,
		ReplyChannel: replyChannel,
		EnqueuedAt:   time.Now().UnixMilli(),
	}, nil
}

// Enqueue pushes a task onto a queue.
func (b *Broker) Enqueue(ctx context.Context, q Queue, task Task) error {
	data, err := json.Marshal(&task)
	if err != nil {
		return fmt.Errorf("failed to marshal task: %w", err)
	}
	if err := b.client.LPush(ctx, b.queueKey(q), data).Err(); err != nil {
		return fmt.Errorf("failed to enqueue on %s: %w", q, err)
	}
	return nil
}

// Claim blocks up to wait for the next task on q, moving it to the
// processing list and arming its visibility claim. Returns nil when the wait
// elapsed with no task.
func (b *Broker) Claim(ctx context.Context, q Queue, wait time.Duration) (*Task, error) {
	raw, err := b.client.BRPopLPush(ctx, b.queueKey(q), b.processingKey(q), wait).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to claim from %s: %w", q, err)
	}

	var task Task
	if err := json.Unmarshal([]byte(raw), &task); err != nil {
		// A poison entry would wedge the queue; move it out of the way.
		logger.Errorf("Dropping undecodable task on %s: %v", q, err)
		_ = b.client.LRem(ctx, b.processingKey(q), 1, raw).Err()
		_ = b.client.LPush(ctx, b.deadKey(q), raw).Err()
		return nil, nil
	}
	task.raw = raw
	task.Attempts++

	if err := b.client.Set(ctx, b.claimKey(q, task.ID), "", b.opts.Visibility).Err(); err != nil {
		return nil, fmt.Errorf("failed to arm claim for %s: %w", task.ID, err)
	}
	return &task, nil
}

// Ack removes a claimed task from the processing list and drops its claim.
func (b *Broker) Ack(ctx context.Context, q Queue, task *Task) error {
	if err := b.client.LRem(ctx, b.processingKey(q), 1, task.raw).Err(); err != nil {
		return fmt.Errorf("failed to ack task %s: %w", task.ID, err)
	}
	return b.client.Del(ctx, b.claimKey(q, task.ID)).Err()
}

// ExtendClaim renews the visibility claim of a long-running task.
func (b *Broker) ExtendClaim(ctx context.Context, q Queue, task *Task) error {
	return b.client.Set(ctx, b.claimKey(q, task.ID), "", b.opts.Visibility).Err()
}

// DeadLetter moves a claimed task to the dead-letter list with its payload
// preserved for inspection and manual replay.
func (b *Broker) DeadLetter(ctx context.Context, q Queue, task *Task) error {
	data, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("failed to marshal task: %w", err)
	}
	pipe := b.client.TxPipeline()
	pipe.LPush(ctx, b.deadKey(q), data)
	pipe.LRem(ctx, b.processingKey(q), 1, task.raw)
	pipe.Del(ctx, b.claimKey(q, task.ID))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to dead-letter task %s: %w", task.ID, err)
	}
	logger.Warnw("task dead-lettered", "queue", q, "task_id", task.ID, "kind", task.Kind, "attempts", task.Attempts)
	return nil
}

// QueueDepth reports the number of tasks waiting on q (claimed tasks are not
// counted). Used for high-water admission checks.
func (b *Broker) QueueDepth(ctx context.Context, q Queue) (int64, error) {
	return b.client.LLen(ctx, b.queueKey(q)).Result()
}

// DeadDepth reports the dead-letter backlog of q.
func (b *Broker) DeadDepth(ctx context.Context, q Queue) (int64, error) {
	return b.client.LLen(ctx, b.deadKey(q)).Result()
}

// Sweep requeues every processing entry of q whose claim key lapsed, or
// dead-letters it when its attempts are exhausted. Returns the number of
// tasks requeued.
func (b *Broker) Sweep(ctx context.Context, q Queue) (int, error) {
	entries, err := b.client.LRange(ctx, b.processingKey(q), 0, -1).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to scan processing list of %s: %w", q, err)
	}

	requeued := 0
	for _, raw := range entries {
		var task Task
		if err := json.Unmarshal([]byte(raw), &task); err != nil {
			_ = b.client.LRem(ctx, b.processingKey(q), 1, raw).Err()
			_ = b.client.LPush(ctx, b.deadKey(q), raw).Err()
			continue
		}
		task.raw = raw

		exists, err := b.client.Exists(ctx, b.claimKey(q, task.ID)).Result()
		if err != nil {
			return requeued, err
		}
		if exists > 0 {
			continue // still being worked on
		}

		// Count the abandoned claim against the task so retries stay
		// bounded across worker crashes.
		task.Attempts++
		if task.Attempts >= b.opts.MaxAttempts {
			if err := b.DeadLetter(ctx, q, &task); err != nil {
				return requeued, err
			}
			continue
		}

		data, err := json.Marshal(&task)
		if err != nil {
			return requeued, err
		}
		pipe := b.client.TxPipeline()
		pipe.LRem(ctx, b.processingKey(q), 1, raw)
		pipe.LPush(ctx, b.queueKey(q), data)
		if _, err := pipe.Exec(ctx); err != nil {
			return requeued, fmt.Errorf("failed to requeue task %s: %w", task.ID, err)
		}
		requeued++
		logger.Infow("requeued abandoned task", "queue", q, "task_id", task.ID, "attempts", task.Attempts)
	}
	return requeued, nil
}

// RunJanitor sweeps both queues on the given interval until ctx is canceled.
func (b *Broker) RunJanitor(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, q := range []Queue{QueueInference, QueuePersist} {
				if _, err := b.Sweep(ctx, q); err != nil && ctx.Err() == nil {
					logger.Errorf("Janitor sweep of %s failed: %v", q, err)
				}
			}
		}
	}
}
