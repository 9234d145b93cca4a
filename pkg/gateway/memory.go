// SPDX-FileCopyrightText: Copyright 2025 Codemux Authors
// SPDX-License-Identifier: Apache-2.0

package gateway

import (
	"context"
	"fmt"
	"sync"
)

// Memory is an in-memory Gateway for tests and local development. It applies
// the same idempotency keys as the Postgres implementation and records the
// order of mutating calls so tests can assert causal write ordering.
type Memory struct {
	mu sync.Mutex

	users         map[string]User
	queries       map[string]MetaQuery
	queryContexts map[string]QueryContext
	generations   map[string]Generation // key request_id/model_id
	truths        map[string]GroundTruth
	contextual    map[string]ContextualTelemetry
	behavioral    map[string]BehavioralTelemetry
	contexts      map[string]ContextFile
	closes        map[string]SessionClose

	// CallLog records mutating call names in invocation order.
	CallLog []string

	// FailWith, when set, is returned by every mutating call. Lets tests
	// exercise retry and dead-letter paths.
	FailWith error
}

var _ Gateway = (*Memory)(nil)

// NewMemory creates an empty in-memory gateway.
func NewMemory() *Memory {
	return &Memory{
		users:         make(map[string]User),
		queries:       make(map[string]MetaQuery),
		queryContexts: make(map[string]QueryContext),
		generations:   make(map[string]Generation),
		truths:        make(map[string]GroundTruth),
		contextual:    make(map[string]ContextualTelemetry),
		behavioral:    make(map[string]BehavioralTelemetry),
		contexts:      make(map[string]ContextFile),
		closes:        make(map[string]SessionClose),
	}
}

func genKey(requestID string, modelID int) string {
	return fmt.Sprintf("%s/%d", requestID, modelID)
}

// UpsertUser creates or updates an account keyed by ID.
func (m *Memory) UpsertUser(_ context.Context, u User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailWith != nil {
		return m.FailWith
	}
	m.CallLog = append(m.CallLog, "UpsertUser")
	m.users[u.ID] = u
	return nil
}

// GetUser fetches an account by ID.
func (m *Memory) GetUser(_ context.Context, id string) (*User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &u, nil
}

// GetUserByEmail fetches an account by email.
func (m *Memory) GetUserByEmail(_ context.Context, email string) (*User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.users {
		if u.Email == email {
			u := u
			return &u, nil
		}
	}
	return nil, ErrNotFound
}

// CreateMetaQuery inserts the root row for a request; replays are no-ops.
func (m *Memory) CreateMetaQuery(_ context.Context, q MetaQuery) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailWith != nil {
		return m.FailWith
	}
	m.CallLog = append(m.CallLog, "CreateMetaQuery")
	if _, ok := m.queries[q.RequestID]; ok {
		return nil
	}
	m.queries[q.RequestID] = q
	return nil
}

// GetMetaQuery fetches the root row for a request.
func (m *Memory) GetMetaQuery(_ context.Context, requestID string) (*MetaQuery, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	q, ok := m.queries[requestID]
	if !ok {
		return nil, ErrNotFound
	}
	return &q, nil
}

// UpsertQueryContext stores the redacted code context of a request.
func (m *Memory) UpsertQueryContext(_ context.Context, c QueryContext) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailWith != nil {
		return m.FailWith
	}
	m.CallLog = append(m.CallLog, "UpsertQueryContext")
	m.queryContexts[c.RequestID] = c
	return nil
}

// CreateGeneration inserts one model's output; replays are no-ops.
func (m *Memory) CreateGeneration(_ context.Context, g Generation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailWith != nil {
		return m.FailWith
	}
	m.CallLog = append(m.CallLog, "CreateGeneration")
	key := genKey(g.RequestID, g.ModelID)
	if _, ok := m.generations[key]; ok {
		return nil
	}
	m.generations[key] = g
	return nil
}

// MarkGenerationAccepted flips the accepted/shown flags on a generation
// and records when the client displayed it.
func (m *Memory) MarkGenerationAccepted(_ context.Context, requestID string, modelID int, accepted bool, shownAt []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailWith != nil {
		return m.FailWith
	}
	m.CallLog = append(m.CallLog, "MarkGenerationAccepted")
	key := genKey(requestID, modelID)
	g, ok := m.generations[key]
	if !ok {
		return ErrNotFound
	}
	g.Accepted = accepted
	g.Shown = true
	g.ShownAt = shownAt
	m.generations[key] = g
	return nil
}

// GetGeneration fetches one model's output row.
func (m *Memory) GetGeneration(_ context.Context, requestID string, modelID int) (*Generation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.generations[genKey(requestID, modelID)]
	if !ok {
		return nil, ErrNotFound
	}
	return &g, nil
}

// AppendGroundTruth records post-completion typing; replays are no-ops.
func (m *Memory) AppendGroundTruth(_ context.Context, gt GroundTruth) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailWith != nil {
		return m.FailWith
	}
	m.CallLog = append(m.CallLog, "AppendGroundTruth")
	key := gt.RequestID + "/" + gt.CapturedAt.UTC().String()
	if _, ok := m.truths[key]; ok {
		return nil
	}
	m.truths[key] = gt
	return nil
}

// UpsertContextualTelemetry stores the request's editing context.
func (m *Memory) UpsertContextualTelemetry(_ context.Context, t ContextualTelemetry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailWith != nil {
		return m.FailWith
	}
	m.CallLog = append(m.CallLog, "UpsertContextualTelemetry")
	m.contextual[t.RequestID] = t
	return nil
}

// UpsertBehavioralTelemetry stores the request's interaction timings.
func (m *Memory) UpsertBehavioralTelemetry(_ context.Context, t BehavioralTelemetry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailWith != nil {
		return m.FailWith
	}
	m.CallLog = append(m.CallLog, "UpsertBehavioralTelemetry")
	m.behavioral[t.RequestID] = t
	return nil
}

// FlushProjectContext persists a dead project's final context snapshot.
func (m *Memory) FlushProjectContext(_ context.Context, files []ContextFile) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailWith != nil {
		return m.FailWith
	}
	m.CallLog = append(m.CallLog, "FlushProjectContext")
	for _, f := range files {
		key := fmt.Sprintf("%s/%d/%s", f.ProjectID, f.ChangeIndex, f.FilePath)
		if _, ok := m.contexts[key]; ok {
			continue
		}
		m.contexts[key] = f
	}
	return nil
}

// CloseSession records a session's lifetime; replays are no-ops.
func (m *Memory) CloseSession(_ context.Context, s SessionClose) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailWith != nil {
		return m.FailWith
	}
	m.CallLog = append(m.CallLog, "CloseSession")
	if _, ok := m.closes[s.SessionID]; ok {
		return nil
	}
	m.closes[s.SessionID] = s
	return nil
}

// Ping reports storage health.
func (m *Memory) Ping(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.FailWith
}

// Close releases nothing.
func (*Memory) Close() {}

// Generation returns the stored generation, for test assertions.
func (m *Memory) Generation(requestID string, modelID int) (Generation, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.generations[genKey(requestID, modelID)]
	return g, ok
}

// QueryContextRow returns the stored context, for test assertions.
func (m *Memory) QueryContextRow(requestID string) (QueryContext, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.queryContexts[requestID]
	return c, ok
}

// MetaQuery returns the stored meta query, for test assertions.
func (m *Memory) MetaQuery(requestID string) (MetaQuery, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	q, ok := m.queries[requestID]
	return q, ok
}

// ContextFiles returns every stored context row, for test assertions.
func (m *Memory) ContextFiles() []ContextFile {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]ContextFile, 0, len(m.contexts))
	for _, f := range m.contexts {
		out = append(out, f)
	}
	return out
}

// GroundTruthCount reports the number of captures for a request.
func (m *Memory) GroundTruthCount(requestID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, gt := range m.truths {
		if gt.RequestID == requestID {
			n++
		}
	}
	return n
}
