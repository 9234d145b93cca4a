// SPDX-FileCopyrightText: Copyright 2025 Codemux Authors
// SPDX-License-Identifier: Apache-2.0

// Package worker contains the two pool types consuming the broker queues:
// inference workers turn completion and chat tasks into model replies, and
// persistence workers translate durable-write envelopes into gateway calls.
package worker

import (
	"time"

	"github.com/codemux/codemux/pkg/gateway"
	"github.com/codemux/codemux/pkg/wire"
)

// Inference task kinds.
const (
	TaskCompletion = "completion"
	TaskChat       = "chat"
)

// Persist task kinds.
const (
	TaskPersistQuery        = "persist.query"
	TaskPersistFeedback     = "persist.feedback"
	TaskPersistGroundTruth  = "persist.ground-truth"
	TaskPersistTelemetry    = "persist.telemetry"
	TaskPersistContextFlush = "persist.context-flush"
	TaskPersistSessionClose = "persist.session-close"
)

// CompletionTask is the inference envelope for one completion request.
// Tokens ride along so the worker can revalidate them at dequeue time: a
// task may sit queued past its session's death.
type CompletionTask struct {
	RequestID    string `json:"request_id"`
	ConnectionID string `json:"connection_id"`
	UserID       string `json:"user_id"`

	AuthToken    string `json:"auth_token"`
	SessionToken string `json:"session_token"`
	ProjectToken string `json:"project_token,omitempty"`

	ModelIDs []int            `json:"model_ids"`
	Context  wire.CodeContext `json:"context"`
	// ChangeIndices selects context change-log entries per file; files
	// listed here are prepended to the prompt from the project context.
	ChangeIndices map[string]int64 `json:"change_indices,omitempty"`
	StopSequences []string         `json:"stop_sequences,omitempty"`
}

// ChatTask is the inference envelope for one chat turn.
type ChatTask struct {
	RequestID    string `json:"request_id"`
	ConnectionID string `json:"connection_id"`
	UserID       string `json:"user_id"`

	AuthToken    string `json:"auth_token"`
	SessionToken string `json:"session_token"`

	ChatID   string             `json:"chat_id"`
	ModelID  int                `json:"model_id"`
	Messages []wire.ChatMessage `json:"messages"`
}

// PersistQueryTask is the durable record of a sealed request: the meta query
// row, its redacted code context and the generations, written in causal
// order. Telemetry travels separately through the analytics sink.
type PersistQueryTask struct {
	Query       gateway.MetaQuery     `json:"query"`
	Context     *gateway.QueryContext `json:"context,omitempty"`
	Generations []gateway.Generation  `json:"generations"`
}

// PersistFeedbackTask marks a generation shown/accepted.
type PersistFeedbackTask struct {
	RequestID string   `json:"request_id"`
	ModelID   int      `json:"model_id"`
	Accepted  bool     `json:"accepted"`
	ShownAt   []string `json:"shown_at,omitempty"`
}

// PersistGroundTruthTask appends a ground-truth capture.
type PersistGroundTruthTask struct {
	RequestID  string    `json:"request_id"`
	Truth      string    `json:"truth"`
	CapturedAt time.Time `json:"captured_at"`
}

// PersistTelemetryTask carries standalone telemetry envelopes emitted by the
// analytics sink.
type PersistTelemetryTask struct {
	Contextual *gateway.ContextualTelemetry `json:"contextual,omitempty"`
	Behavioral *gateway.BehavioralTelemetry `json:"behavioral,omitempty"`
}

// PersistContextFlushTask stores a dead project's final context.
type PersistContextFlushTask struct {
	Files []gateway.ContextFile `json:"files"`
}

// PersistSessionCloseTask records a session lifetime.
type PersistSessionCloseTask struct {
	Close gateway.SessionClose `json:"close"`
}
