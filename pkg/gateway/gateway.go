// SPDX-FileCopyrightText: Copyright 2025 Codemux Authors
// SPDX-License-Identifier: Apache-2.0

// Package gateway is the write path to durable storage. The serving path
// never touches the database directly; persistence workers translate queued
// envelopes into gateway calls, so every method here must be idempotent
// under at-least-once delivery.
package gateway

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("row not found")

// User is an account row.
type User struct {
	ID           string
	Email        string
	Name         string
	PasswordHash string
	Verified     bool
	JoinedAt     time.Time
	// StoreContext is the user's consent to persist multi-file context.
	StoreContext bool
}

// QueryKind tags a meta query row.
type QueryKind string

// Meta query kinds.
const (
	KindCompletion QueryKind = "completion"
	KindChat       QueryKind = "chat"
)

// MetaQuery is the root row for one request; generations, context, telemetry
// and ground truth hang off its RequestID.
type MetaQuery struct {
	RequestID string
	UserID    string
	ProjectID string
	Kind      QueryKind
	// ChatID groups chat queries into conversations; empty for completions.
	ChatID             string
	TotalServingTimeMS int64
	ServerVersionID    int
	IssuedAt           time.Time
}

// QueryContext is the redacted code context a completion was issued with,
// one row per request.
type QueryContext struct {
	RequestID    string
	Prefix       string
	Suffix       string
	FileName     string
	SelectedText string
}

// Generation is one model's output for a request. Keyed (RequestID, ModelID).
type Generation struct {
	RequestID        string
	ModelID          int
	Completion       string
	GenerationTimeMS int64
	Confidence       float64
	Logprobs         []float64
	Shown            bool
	ShownAt          []string
	Accepted         bool
}

// GroundTruth is what the user actually typed after a completion was shown.
// Keyed (RequestID, CapturedAt): multiple captures accumulate.
type GroundTruth struct {
	RequestID  string
	Truth      string
	CapturedAt time.Time
}

// ContextualTelemetry mirrors wire.ContextualTelemetry, one row per request.
type ContextualTelemetry struct {
	RequestID                string
	VersionID                int
	TriggerTypeID            int
	LanguageID               int
	FilePath                 string
	CaretLine                *int
	DocumentCharLength       *int
	RelativeDocumentPosition *float64
}

// BehavioralTelemetry mirrors wire.BehavioralTelemetry, one row per request.
type BehavioralTelemetry struct {
	RequestID               string
	TimeSinceLastShownMS    *int64
	TimeSinceLastAcceptedMS *int64
	TypingSpeed             *int
}

// ContextFile is one file of a dead project's final context snapshot.
// Keyed (ProjectID, ChangeIndex, FilePath).
type ContextFile struct {
	ProjectID   string
	ChangeIndex int64
	FilePath    string
	Content     string
}

// SessionClose records a session's lifetime for analytics.
type SessionClose struct {
	SessionID string
	UserID    string
	StartedAt time.Time
	EndedAt   time.Time
}

// Gateway is the durable write/read surface. Implementations must make every
// write idempotent: persistence tasks are delivered at least once.
type Gateway interface {
	// UpsertUser creates or updates an account keyed by ID.
	UpsertUser(ctx context.Context, u User) error
	// GetUser fetches an account by ID. Returns ErrNotFound.
	GetUser(ctx context.Context, id string) (*User, error)
	// GetUserByEmail fetches an account by email. Returns ErrNotFound.
	GetUserByEmail(ctx context.Context, email string) (*User, error)

	// CreateMetaQuery inserts the root row for a request. Replays are
	// ignored (keyed by RequestID).
	CreateMetaQuery(ctx context.Context, q MetaQuery) error
	// GetMetaQuery fetches the root row for a request. Returns ErrNotFound.
	GetMetaQuery(ctx context.Context, requestID string) (*MetaQuery, error)
	// UpsertQueryContext stores the redacted code context of a request.
	UpsertQueryContext(ctx context.Context, c QueryContext) error
	// CreateGeneration inserts one model's output. Replays are ignored
	// (keyed RequestID+ModelID).
	CreateGeneration(ctx context.Context, g Generation) error
	// GetGeneration fetches one model's output row. Returns ErrNotFound.
	GetGeneration(ctx context.Context, requestID string, modelID int) (*Generation, error)
	// MarkGenerationAccepted flips the accepted/shown flags on a generation
	// and records when the client displayed it.
	MarkGenerationAccepted(ctx context.Context, requestID string, modelID int, accepted bool, shownAt []string) error
	// AppendGroundTruth records post-completion typing. Replays of the same
	// capture are ignored.
	AppendGroundTruth(ctx context.Context, gt GroundTruth) error

	// UpsertContextualTelemetry stores the request's editing context.
	UpsertContextualTelemetry(ctx context.Context, t ContextualTelemetry) error
	// UpsertBehavioralTelemetry stores the request's interaction timings.
	UpsertBehavioralTelemetry(ctx context.Context, t BehavioralTelemetry) error

	// FlushProjectContext persists a dead project's final context snapshot.
	// Replays of the same (project, change index) are ignored.
	FlushProjectContext(ctx context.Context, files []ContextFile) error
	// CloseSession records a session's lifetime.
	CloseSession(ctx context.Context, s SessionClose) error

	// Ping reports storage health.
	Ping(ctx context.Context) error
	// Close releases the underlying pool.
	Close()
}
