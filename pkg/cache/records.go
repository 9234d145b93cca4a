// SPDX-FileCopyrightText: Copyright 2025 Codemux Authors
// SPDX-License-Identifier: Apache-2.0

package cache

import "time"

// Kind identifies a token type in the cache key space.
type Kind string

// Token kinds. The string value is embedded in Redis keys, so it never
// changes once deployed.
const (
	KindAuth         Kind = "auth_token"
	KindSession      Kind = "session_token"
	KindProject      Kind = "project_token"
	KindVerification Kind = "verification_token"
	KindReset        Kind = "reset_token"
)

// AuthRecord is the root identity credential. One per active login; a user
// may hold several across devices.
type AuthRecord struct {
	UserID        string   `json:"user_id"`
	IssuedAt      int64    `json:"issued_at"`
	SessionTokens []string `json:"session_tokens"`
	Version       int64    `json:"version"`
}

// SessionRecord links an auth token to a set of active projects and carries
// the user-preference snapshot taken at session start.
type SessionRecord struct {
	AuthToken     string         `json:"auth_token"`
	ProjectTokens []string       `json:"project_tokens"`
	Preferences   map[string]any `json:"preferences,omitempty"`
	IssuedAt      int64          `json:"issued_at"`
	Version       int64          `json:"version"`
}

// ContextChange is one entry in a project's multi-file context change-log.
// Entries are totally ordered per project by Index.
type ContextChange struct {
	Index     int64  `json:"index"`
	FilePath  string `json:"file_path"`
	Digest    string `json:"digest"`
	AppliedAt int64  `json:"applied_at"`
}

// ProjectRecord is the per-project scope shared across sessions. Its parent
// set is the session tokens currently holding the project open; the record
// dies when that set empties.
type ProjectRecord struct {
	ProjectID       string            `json:"project_id"`
	SessionTokens   []string          `json:"session_tokens"`
	Files           map[string]string `json:"files"`
	Changes         []ContextChange   `json:"changes"`
	NextChangeIndex int64             `json:"next_change_index"`
	Version         int64             `json:"version"`
}

// OneShotRecord backs verification and password-reset tokens.
type OneShotRecord struct {
	UserID   string `json:"user_id"`
	Email    string `json:"email,omitempty"`
	IssuedAt int64  `json:"issued_at"`
}

// Change is a line-range edit against one file of a project's multi-file
// context. NewLines replaces lines [StartLine, EndLine).
type Change struct {
	FilePath  string
	StartLine int
	EndLine   int
	NewLines  []string
}

// IssuedAtTime returns the auth record's issue time.
func (r *AuthRecord) IssuedAtTime() time.Time {
	return time.Unix(r.IssuedAt, 0)
}
