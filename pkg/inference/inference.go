// SPDX-FileCopyrightText: Copyright 2025 Codemux Authors
// SPDX-License-Identifier: Apache-2.0

// Package inference abstracts the models behind an opaque callable. The
// worker pool neither knows nor cares whether a model runs in-process, on a
// GPU box, or behind a remote API.
package inference

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// Prompt is the fully prepared model input: context already assembled and
// secrets already redacted.
type Prompt struct {
	Prefix        string
	Suffix        string
	FileName      string
	SelectedText  string
	StopSequences []string
	// Messages is set for chat invocations instead of Prefix/Suffix.
	Messages []Message
}

// Message is one chat turn.
type Message struct {
	Role    string
	Content string
}

// Result is one model's output.
type Result struct {
	Completion       string
	Confidence       float64
	Logprobs         []float64
	GenerationTimeMS int64
}

// Invoker runs one or more models. Invoke must respect ctx cancellation:
// per-model timeouts are enforced by the caller through the context.
type Invoker interface {
	Invoke(ctx context.Context, modelID int, p Prompt) (Result, error)
}

// Registry maps model IDs to their invokers.
type Registry struct {
	mu       sync.RWMutex
	invokers map[int]Invoker
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{invokers: make(map[int]Invoker)}
}

// Register binds modelID to an invoker, replacing any previous binding.
func (r *Registry) Register(modelID int, inv Invoker) {
	r.mu.Lock()
	r.invokers[modelID] = inv
	r.mu.Unlock()
}

// Lookup returns the invoker for modelID.
func (r *Registry) Lookup(modelID int) (Invoker, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	inv, ok := r.invokers[modelID]
	if !ok {
		return nil, fmt.Errorf("no model registered for id %d", modelID)
	}
	return inv, nil
}

// ModelIDs lists the registered models in ascending order.
func (r *Registry) ModelIDs() []int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]int, 0, len(r.invokers))
	for id := range r.invokers {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}

// Warm invokes every registered model once with a trivial prompt so cold
// paths (weights, connections) are paid at startup rather than on the first
// user request.
func (r *Registry) Warm(ctx context.Context) error {
	for _, id := range r.ModelIDs() {
		inv, err := r.Lookup(id)
		if err != nil {
			return err
		}
		if _, err := inv.Invoke(ctx, id, Prompt{Prefix: "package main\n"}); err != nil {
			return fmt.Errorf("failed to warm model %d: %w", id, err)
		}
	}
	return nil
}

// TemplateInvoker is a deterministic stand-in model for tests and local
// development. It completes from a small table of prefixes and falls back to
// closing the current line.
type TemplateInvoker struct {
	// Latency is added to every invocation, for timeout tests.
	Latency time.Duration
	// Fail, when set, makes every invocation return this error.
	Fail error
}

var _ Invoker = (*TemplateInvoker)(nil)

// templates map a trailing prefix fragment to its completion.
var templates = []struct{ trigger, completion string }{
	{"func main(", ") {\n}"},
	{"if err != nil {", "\n\treturn err\n}"},
	{"for i := 0;", " i < n; i++ {"},
	{"return ", "nil"},
}

// Invoke completes deterministically.
func (t *TemplateInvoker) Invoke(ctx context.Context, modelID int, p Prompt) (Result, error) {
	start := time.Now()
	if t.Fail != nil {
		return Result{}, t.Fail
	}
	if t.Latency > 0 {
		select {
		case <-time.After(t.Latency):
		case <-ctx.Done():
			return Result{}, ctx.Err()
		}
	}

	completion := "// ..."
	confidence := 0.1
	for _, tpl := range templates {
		if strings.HasSuffix(strings.TrimRight(p.Prefix, " \t"), tpl.trigger) {
			completion = tpl.completion
			confidence = 0.9
			break
		}
	}
	for _, stop := range p.StopSequences {
		if i := strings.Index(completion, stop); i >= 0 {
			completion = completion[:i]
		}
	}

	return Result{
		Completion:       completion,
		Confidence:       confidence,
		GenerationTimeMS: time.Since(start).Milliseconds(),
	}, nil
}
