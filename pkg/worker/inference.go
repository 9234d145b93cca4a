// SPDX-FileCopyrightText: Copyright 2025 Codemux Authors
// SPDX-License-Identifier: Apache-2.0

package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/codemux/codemux/pkg/broker"
	"github.com/codemux/codemux/pkg/cache"
	"github.com/codemux/codemux/pkg/inference"
	"github.com/codemux/codemux/pkg/logger"
	"github.com/codemux/codemux/pkg/secrets"
	"github.com/codemux/codemux/pkg/telemetry"
	"github.com/codemux/codemux/pkg/wire"
)

// InferenceOptions configures the inference pool.
type InferenceOptions struct {
	// Workers is the number of concurrent task consumers.
	Workers int
	// PerModelTimeout bounds each model invocation.
	PerModelTimeout time.Duration
	// MaxParallelModels caps how many models one task fans out to at once.
	MaxParallelModels int
	// ClaimWait is how long an idle worker blocks on the queue.
	ClaimWait time.Duration
}

// InferencePool consumes the inference queue: it revalidates the request's
// tokens, assembles and redacts the prompt, fans out across the requested
// models and publishes replies as they land.
type InferencePool struct {
	broker   *broker.Broker
	cache    *cache.Cache
	models   *inference.Registry
	detector secrets.Detector
	opts     InferenceOptions
}

// NewInferencePool wires a pool.
func NewInferencePool(b *broker.Broker, c *cache.Cache, models *inference.Registry, det secrets.Detector, opts InferenceOptions) *InferencePool {
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	if opts.PerModelTimeout <= 0 {
		opts.PerModelTimeout = 5 * time.Second
	}
	if opts.MaxParallelModels <= 0 {
		opts.MaxParallelModels = 4
	}
	if opts.ClaimWait <= 0 {
		opts.ClaimWait = time.Second
	}
	return &InferencePool{broker: b, cache: c, models: models, detector: det, opts: opts}
}

// Run consumes tasks until ctx is canceled.
func (p *InferencePool) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < p.opts.Workers; i++ {
		g.Go(func() error {
			for {
				task, err := p.broker.Claim(ctx, broker.QueueInference, p.opts.ClaimWait)
				if err != nil {
					if ctx.Err() != nil {
						return nil
					}
					logger.Errorf("Inference claim failed: %v", err)
					continue
				}
				if task == nil {
					if ctx.Err() != nil {
						return nil
					}
					continue
				}
				p.handle(ctx, task)
				if err := p.broker.Ack(ctx, broker.QueueInference, task); err != nil && ctx.Err() == nil {
					logger.Errorf("Inference ack failed: %v", err)
				}
			}
		})
	}
	return g.Wait()
}

// handle processes one envelope. Task-level failures are reported on the
// reply channel, not returned: an envelope is consumed exactly once here.
func (p *InferencePool) handle(ctx context.Context, task *broker.Task) {
	switch task.Kind {
	case TaskCompletion:
		var env CompletionTask
		if err := json.Unmarshal(task.Payload, &env); err != nil {
			logger.Errorf("Undecodable completion task %s: %v", task.ID, err)
			return
		}
		p.handleCompletion(ctx, &env, task.ReplyChannel)
	case TaskChat:
		var env ChatTask
		if err := json.Unmarshal(task.Payload, &env); err != nil {
			logger.Errorf("Undecodable chat task %s: %v", task.ID, err)
			return
		}
		p.handleChat(ctx, &env, task.ReplyChannel)
	default:
		logger.Warnw("unknown inference task kind", "kind", task.Kind, "task_id", task.ID)
	}
}

// revalidateTokens checks the envelope's tokens at dequeue time: any of them
// may have died while the task sat queued. On failure it publishes a single
// error reply and reports false.
func (p *InferencePool) revalidateTokens(ctx context.Context, kind, requestID, authToken, sessionToken, projectToken, replyCh string) bool {
	if _, err := p.cache.GetSession(ctx, sessionToken); err != nil {
		telemetry.RequestsTotal.WithLabelValues(kind, "rejected").Inc()
		p.reply(ctx, replyCh, wire.ErrorFrame(requestID, wire.ErrUnauthenticated, "session no longer valid"))
		return false
	}
	if authToken != "" {
		if _, err := p.cache.GetAuth(ctx, authToken); err != nil {
			telemetry.RequestsTotal.WithLabelValues(kind, "rejected").Inc()
			p.reply(ctx, replyCh, wire.ErrorFrame(requestID, wire.ErrUnauthenticated, "auth token no longer valid"))
			return false
		}
	}
	if projectToken != "" {
		if _, err := p.cache.GetProject(ctx, projectToken); err != nil {
			telemetry.RequestsTotal.WithLabelValues(kind, "rejected").Inc()
			p.reply(ctx, replyCh, wire.ErrorFrame(requestID, wire.ErrForbidden, "project token no longer valid"))
			return false
		}
	}
	return true
}

func (p *InferencePool) handleCompletion(ctx context.Context, env *CompletionTask, replyCh string) {
	if !p.revalidateTokens(ctx, "completion", env.RequestID, env.AuthToken, env.SessionToken, env.ProjectToken, replyCh) {
		return
	}

	prompt := p.buildPrompt(ctx, env)
	modelIDs := dedupeModels(env.ModelIDs)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.opts.MaxParallelModels)
	for _, modelID := range modelIDs {
		g.Go(func() error {
			reply := p.invokeModel(gctx, modelID, prompt)
			p.reply(ctx, replyCh, wire.MustFrame(wire.FrameCompletionPartial, env.RequestID, reply))
			return nil
		})
	}
	_ = g.Wait()

	p.reply(ctx, replyCh, wire.MustFrame(wire.FrameInferenceComplete, env.RequestID, wire.InferenceComplete{
		ModelIDs: modelIDs,
	}))
	telemetry.RequestsTotal.WithLabelValues("completion", "ok").Inc()
}

func (p *InferencePool) handleChat(ctx context.Context, env *ChatTask, replyCh string) {
	if !p.revalidateTokens(ctx, "chat", env.RequestID, env.AuthToken, env.SessionToken, "", replyCh) {
		return
	}

	messages := make([]inference.Message, 0, len(env.Messages))
	for _, m := range env.Messages {
		content, n := p.detector.Redact(m.Content)
		if n > 0 {
			telemetry.RedactionsTotal.Add(float64(n))
		}
		messages = append(messages, inference.Message{Role: m.Role, Content: content})
	}

	reply := p.invokeModel(ctx, env.ModelID, inference.Prompt{Messages: messages})
	p.reply(ctx, replyCh, wire.MustFrame(wire.FrameChatFinal, env.RequestID, reply))
	telemetry.RequestsTotal.WithLabelValues("chat", "ok").Inc()
}

// invokeModel runs one model under the per-model timeout. Errors become
// error-bearing replies so the request can still seal.
func (p *InferencePool) invokeModel(ctx context.Context, modelID int, prompt inference.Prompt) wire.ModelReply {
	inv, err := p.models.Lookup(modelID)
	if err != nil {
		return wire.ModelReply{ModelID: modelID, Error: err.Error()}
	}

	mctx, cancel := context.WithTimeout(ctx, p.opts.PerModelTimeout)
	defer cancel()

	start := time.Now()
	res, err := inv.Invoke(mctx, modelID, prompt)
	telemetry.ModelLatency.WithLabelValues(fmt.Sprint(modelID)).Observe(time.Since(start).Seconds())
	if err != nil {
		logger.Debugw("model invocation failed", "model_id", modelID, "error", err)
		return wire.ModelReply{
			ModelID:          modelID,
			GenerationTimeMS: time.Since(start).Milliseconds(),
			Error:            err.Error(),
		}
	}
	return wire.ModelReply{
		ModelID:          modelID,
		Completion:       res.Completion,
		Confidence:       res.Confidence,
		Logprobs:         res.Logprobs,
		GenerationTimeMS: res.GenerationTimeMS,
	}
}

// buildPrompt assembles the model input: referenced project context files
// are prepended to the prefix, then the whole prompt is redacted.
func (p *InferencePool) buildPrompt(ctx context.Context, env *CompletionTask) inference.Prompt {
	prefix := env.Context.Prefix

	if env.ProjectToken != "" && len(env.ChangeIndices) > 0 {
		if proj, err := p.cache.GetProject(ctx, env.ProjectToken); err == nil {
			var sb strings.Builder
			for _, path := range sortedKeys(env.ChangeIndices) {
				content, ok := proj.Files[path]
				if !ok {
					continue
				}
				fmt.Fprintf(&sb, "// %s\n%s\n\n", path, content)
			}
			prefix = sb.String() + prefix
		}
	}

	redactedPrefix, n1 := p.detector.Redact(prefix)
	redactedSuffix, n2 := p.detector.Redact(env.Context.Suffix)
	if n1+n2 > 0 {
		telemetry.RedactionsTotal.Add(float64(n1 + n2))
	}

	return inference.Prompt{
		Prefix:        redactedPrefix,
		Suffix:        redactedSuffix,
		FileName:      env.Context.FileName,
		SelectedText:  env.Context.SelectedText,
		StopSequences: env.StopSequences,
	}
}

func (p *InferencePool) reply(ctx context.Context, channel string, frame wire.Frame) {
	if channel == "" {
		return
	}
	if err := p.broker.PublishReply(ctx, channel, frame); err != nil && ctx.Err() == nil {
		logger.Errorf("Failed to publish reply: %v", err)
	}
}

// dedupeModels drops duplicate IDs, preserving first-seen order.
func dedupeModels(ids []int) []int {
	seen := make(map[int]struct{}, len(ids))
	out := make([]int, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

func sortedKeys(m map[string]int64) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
