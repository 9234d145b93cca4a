// SPDX-FileCopyrightText: Copyright 2025 Codemux Authors
// SPDX-License-Identifier: Apache-2.0

package gateway

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/codemux/codemux/pkg/logger"
)

// schema is applied at startup. Idempotent; no migration framework is needed
// while the layout stays append-only.
const schema = `
CREATE TABLE IF NOT EXISTS users (
	id            TEXT PRIMARY KEY,
	email         TEXT NOT NULL UNIQUE,
	name          TEXT NOT NULL DEFAULT '',
	password_hash TEXT NOT NULL DEFAULT '',
	verified      BOOLEAN NOT NULL DEFAULT FALSE,
	joined_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
	store_context BOOLEAN NOT NULL DEFAULT FALSE
);

CREATE TABLE IF NOT EXISTS meta_queries (
	request_id            TEXT PRIMARY KEY,
	user_id               TEXT NOT NULL,
	project_id            TEXT NOT NULL DEFAULT '',
	kind                  TEXT NOT NULL,
	chat_id               TEXT NOT NULL DEFAULT '',
	total_serving_time_ms BIGINT NOT NULL DEFAULT 0,
	server_version_id     INTEGER NOT NULL DEFAULT 0,
	issued_at             TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS meta_queries_user_idx ON meta_queries (user_id, issued_at);
CREATE INDEX IF NOT EXISTS meta_queries_chat_idx ON meta_queries (chat_id) WHERE chat_id <> '';

CREATE TABLE IF NOT EXISTS query_contexts (
	request_id    TEXT PRIMARY KEY,
	prefix        TEXT NOT NULL,
	suffix        TEXT NOT NULL,
	file_name     TEXT NOT NULL DEFAULT '',
	selected_text TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS generations (
	request_id         TEXT NOT NULL,
	model_id           INTEGER NOT NULL,
	completion         TEXT NOT NULL,
	generation_time_ms BIGINT NOT NULL,
	confidence         DOUBLE PRECISION NOT NULL,
	logprobs           DOUBLE PRECISION[],
	shown              BOOLEAN NOT NULL DEFAULT FALSE,
	shown_at           TEXT[],
	accepted           BOOLEAN NOT NULL DEFAULT FALSE,
	PRIMARY KEY (request_id, model_id)
);

CREATE TABLE IF NOT EXISTS ground_truths (
	request_id  TEXT NOT NULL,
	truth       TEXT NOT NULL,
	captured_at TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (request_id, captured_at)
);

CREATE TABLE IF NOT EXISTS contextual_telemetry (
	request_id                 TEXT PRIMARY KEY,
	version_id                 INTEGER NOT NULL,
	trigger_type_id            INTEGER NOT NULL,
	language_id                INTEGER NOT NULL,
	file_path                  TEXT NOT NULL DEFAULT '',
	caret_line                 INTEGER,
	document_char_length       INTEGER,
	relative_document_position DOUBLE PRECISION
);

CREATE TABLE IF NOT EXISTS behavioral_telemetry (
	request_id               TEXT PRIMARY KEY,
	time_since_last_shown    BIGINT,
	time_since_last_accepted BIGINT,
	typing_speed             INTEGER
);

CREATE TABLE IF NOT EXISTS project_contexts (
	project_id   TEXT NOT NULL,
	change_index BIGINT NOT NULL,
	file_path    TEXT NOT NULL,
	content      TEXT NOT NULL,
	flushed_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (project_id, change_index, file_path)
);

CREATE TABLE IF NOT EXISTS session_closes (
	session_id TEXT PRIMARY KEY,
	user_id    TEXT NOT NULL,
	started_at TIMESTAMPTZ NOT NULL,
	ended_at   TIMESTAMPTZ NOT NULL
);
`

// Postgres implements Gateway on a pgx connection pool.
type Postgres struct {
	pool *pgxpool.Pool
}

var _ Gateway = (*Postgres)(nil)

// NewPostgres connects, applies the schema and returns the gateway.
func NewPostgres(ctx context.Context, connString string) (*Postgres, error) {
	cfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database URL: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}
	logger.Infof("Connected to Postgres at %s", cfg.ConnConfig.Host)
	return &Postgres{pool: pool}, nil
}

// UpsertUser creates or updates an account keyed by ID.
func (p *Postgres) UpsertUser(ctx context.Context, u User) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO users (id, email, name, password_hash, verified, joined_at, store_context)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO UPDATE SET
			email = EXCLUDED.email,
			name = EXCLUDED.name,
			password_hash = EXCLUDED.password_hash,
			verified = EXCLUDED.verified,
			store_context = EXCLUDED.store_context`,
		u.ID, u.Email, u.Name, u.PasswordHash, u.Verified, u.JoinedAt, u.StoreContext)
	if err != nil {
		return fmt.Errorf("failed to upsert user: %w", err)
	}
	return nil
}

const userColumns = `id, email, name, password_hash, verified, joined_at, store_context`

func scanUser(row pgx.Row) (*User, error) {
	var u User
	err := row.Scan(&u.ID, &u.Email, &u.Name, &u.PasswordHash, &u.Verified, &u.JoinedAt, &u.StoreContext)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to scan user: %w", err)
	}
	return &u, nil
}

// GetUser fetches an account by ID.
func (p *Postgres) GetUser(ctx context.Context, id string) (*User, error) {
	return scanUser(p.pool.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, id))
}

// GetUserByEmail fetches an account by email.
func (p *Postgres) GetUserByEmail(ctx context.Context, email string) (*User, error) {
	return scanUser(p.pool.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE email = $1`, email))
}

// CreateMetaQuery inserts the root row for a request; replays are no-ops.
func (p *Postgres) CreateMetaQuery(ctx context.Context, q MetaQuery) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO meta_queries (request_id, user_id, project_id, kind, chat_id,
			total_serving_time_ms, server_version_id, issued_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (request_id) DO NOTHING`,
		q.RequestID, q.UserID, q.ProjectID, string(q.Kind), q.ChatID,
		q.TotalServingTimeMS, q.ServerVersionID, q.IssuedAt)
	if err != nil {
		return fmt.Errorf("failed to insert meta query: %w", err)
	}
	return nil
}

// GetMetaQuery fetches the root row for a request.
func (p *Postgres) GetMetaQuery(ctx context.Context, requestID string) (*MetaQuery, error) {
	var q MetaQuery
	var kind string
	err := p.pool.QueryRow(ctx, `
		SELECT request_id, user_id, project_id, kind, chat_id,
			total_serving_time_ms, server_version_id, issued_at
		FROM meta_queries WHERE request_id = $1`, requestID).
		Scan(&q.RequestID, &q.UserID, &q.ProjectID, &kind, &q.ChatID,
			&q.TotalServingTimeMS, &q.ServerVersionID, &q.IssuedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to scan meta query: %w", err)
	}
	q.Kind = QueryKind(kind)
	return &q, nil
}

// UpsertQueryContext stores the redacted code context of a request.
func (p *Postgres) UpsertQueryContext(ctx context.Context, c QueryContext) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO query_contexts (request_id, prefix, suffix, file_name, selected_text)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (request_id) DO NOTHING`,
		c.RequestID, c.Prefix, c.Suffix, c.FileName, c.SelectedText)
	if err != nil {
		return fmt.Errorf("failed to insert query context: %w", err)
	}
	return nil
}

// CreateGeneration inserts one model's output; replays are no-ops.
func (p *Postgres) CreateGeneration(ctx context.Context, g Generation) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO generations (request_id, model_id, completion, generation_time_ms,
			confidence, logprobs, shown, accepted)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (request_id, model_id) DO NOTHING`,
		g.RequestID, g.ModelID, g.Completion, g.GenerationTimeMS,
		g.Confidence, g.Logprobs, g.Shown, g.Accepted)
	if err != nil {
		return fmt.Errorf("failed to insert generation: %w", err)
	}
	return nil
}

// GetGeneration fetches one model's output row.
func (p *Postgres) GetGeneration(ctx context.Context, requestID string, modelID int) (*Generation, error) {
	var g Generation
	err := p.pool.QueryRow(ctx, `
		SELECT request_id, model_id, completion, generation_time_ms,
			confidence, logprobs, shown, shown_at, accepted
		FROM generations WHERE request_id = $1 AND model_id = $2`, requestID, modelID).
		Scan(&g.RequestID, &g.ModelID, &g.Completion, &g.GenerationTimeMS,
			&g.Confidence, &g.Logprobs, &g.Shown, &g.ShownAt, &g.Accepted)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to scan generation: %w", err)
	}
	return &g, nil
}

// MarkGenerationAccepted flips the accepted/shown flags on a generation
// and records when the client displayed it.
func (p *Postgres) MarkGenerationAccepted(ctx context.Context, requestID string, modelID int, accepted bool, shownAt []string) error {
	tag, err := p.pool.Exec(ctx, `
		UPDATE generations SET accepted = $3, shown = TRUE, shown_at = $4
		WHERE request_id = $1 AND model_id = $2`,
		requestID, modelID, accepted, shownAt)
	if err != nil {
		return fmt.Errorf("failed to mark generation: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// AppendGroundTruth records post-completion typing; replays are no-ops.
func (p *Postgres) AppendGroundTruth(ctx context.Context, gt GroundTruth) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO ground_truths (request_id, truth, captured_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (request_id, captured_at) DO NOTHING`,
		gt.RequestID, gt.Truth, gt.CapturedAt)
	if err != nil {
		return fmt.Errorf("failed to insert ground truth: %w", err)
	}
	return nil
}

// UpsertContextualTelemetry stores the request's editing context.
func (p *Postgres) UpsertContextualTelemetry(ctx context.Context, t ContextualTelemetry) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO contextual_telemetry (request_id, version_id, trigger_type_id,
			language_id, file_path, caret_line, document_char_length, relative_document_position)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (request_id) DO NOTHING`,
		t.RequestID, t.VersionID, t.TriggerTypeID, t.LanguageID,
		t.FilePath, t.CaretLine, t.DocumentCharLength, t.RelativeDocumentPosition)
	if err != nil {
		return fmt.Errorf("failed to upsert contextual telemetry: %w", err)
	}
	return nil
}

// UpsertBehavioralTelemetry stores the request's interaction timings.
func (p *Postgres) UpsertBehavioralTelemetry(ctx context.Context, t BehavioralTelemetry) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO behavioral_telemetry (request_id, time_since_last_shown,
			time_since_last_accepted, typing_speed)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (request_id) DO NOTHING`,
		t.RequestID, t.TimeSinceLastShownMS, t.TimeSinceLastAcceptedMS, t.TypingSpeed)
	if err != nil {
		return fmt.Errorf("failed to upsert behavioral telemetry: %w", err)
	}
	return nil
}

// FlushProjectContext persists a dead project's final context snapshot in
// one round trip.
func (p *Postgres) FlushProjectContext(ctx context.Context, files []ContextFile) error {
	if len(files) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, f := range files {
		batch.Queue(`
			INSERT INTO project_contexts (project_id, change_index, file_path, content)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (project_id, change_index, file_path) DO NOTHING`,
			f.ProjectID, f.ChangeIndex, f.FilePath, f.Content)
	}
	if err := p.pool.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("failed to flush project context: %w", err)
	}
	return nil
}

// CloseSession records a session's lifetime; replays are no-ops.
func (p *Postgres) CloseSession(ctx context.Context, s SessionClose) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO session_closes (session_id, user_id, started_at, ended_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (session_id) DO NOTHING`,
		s.SessionID, s.UserID, s.StartedAt, s.EndedAt)
	if err != nil {
		return fmt.Errorf("failed to record session close: %w", err)
	}
	return nil
}

// Ping reports storage health.
func (p *Postgres) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

// Close releases the pool.
func (p *Postgres) Close() {
	p.pool.Close()
}
