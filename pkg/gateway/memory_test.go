// SPDX-FileCopyrightText: Copyright 2025 Codemux Authors
// SPDX-License-Identifier: Apache-2.0

package gateway

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUserRoundTrip(t *testing.T) {
	t.Parallel()
	g := NewMemory()
	ctx := context.Background()

	u := User{ID: "u1", Email: "a@example.com", Name: "Ada", Verified: true, StoreContext: true}
	require.NoError(t, g.UpsertUser(ctx, u))

	got, err := g.GetUser(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, "a@example.com", got.Email)

	got, err = g.GetUserByEmail(ctx, "a@example.com")
	require.NoError(t, err)
	assert.Equal(t, "u1", got.ID)

	_, err = g.GetUser(ctx, "ghost")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestGenerationReplayIsNoOp(t *testing.T) {
	t.Parallel()
	g := NewMemory()
	ctx := context.Background()

	first := Generation{RequestID: "r1", ModelID: 2, Completion: "return nil", Confidence: 0.9}
	require.NoError(t, g.CreateGeneration(ctx, first))

	// At-least-once redelivery with a different body must not overwrite.
	replay := first
	replay.Completion = "panic()"
	require.NoError(t, g.CreateGeneration(ctx, replay))

	got, ok := g.Generation("r1", 2)
	require.True(t, ok)
	assert.Equal(t, "return nil", got.Completion)
}

func TestMarkGenerationAccepted(t *testing.T) {
	t.Parallel()
	g := NewMemory()
	ctx := context.Background()

	require.NoError(t, g.CreateGeneration(ctx, Generation{RequestID: "r1", ModelID: 2}))
	require.NoError(t, g.MarkGenerationAccepted(ctx, "r1", 2, true, []string{"2026-08-24T10:00:00Z"}))

	got, ok := g.Generation("r1", 2)
	require.True(t, ok)
	assert.True(t, got.Accepted)
	assert.True(t, got.Shown)
	assert.Equal(t, []string{"2026-08-24T10:00:00Z"}, got.ShownAt)

	require.ErrorIs(t, g.MarkGenerationAccepted(ctx, "r1", 99, true, nil), ErrNotFound)
}

func TestGroundTruthAccumulates(t *testing.T) {
	t.Parallel()
	g := NewMemory()
	ctx := context.Background()

	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, g.AppendGroundTruth(ctx, GroundTruth{RequestID: "r1", Truth: "x", CapturedAt: base}))
	require.NoError(t, g.AppendGroundTruth(ctx, GroundTruth{RequestID: "r1", Truth: "xy", CapturedAt: base.Add(time.Second)}))
	// Same capture redelivered.
	require.NoError(t, g.AppendGroundTruth(ctx, GroundTruth{RequestID: "r1", Truth: "x", CapturedAt: base}))

	assert.Equal(t, 2, g.GroundTruthCount("r1"))
}

func TestFlushProjectContextIdempotent(t *testing.T) {
	t.Parallel()
	g := NewMemory()
	ctx := context.Background()

	files := []ContextFile{
		{ProjectID: "p1", ChangeIndex: 7, FilePath: "a.go", Content: "package a"},
		{ProjectID: "p1", ChangeIndex: 7, FilePath: "b.go", Content: "package b"},
	}
	require.NoError(t, g.FlushProjectContext(ctx, files))
	require.NoError(t, g.FlushProjectContext(ctx, files))

	assert.Len(t, g.ContextFiles(), 2)
}

func TestCallLogRecordsOrder(t *testing.T) {
	t.Parallel()
	g := NewMemory()
	ctx := context.Background()

	require.NoError(t, g.CreateMetaQuery(ctx, MetaQuery{RequestID: "r1", Kind: KindCompletion}))
	require.NoError(t, g.CreateGeneration(ctx, Generation{RequestID: "r1", ModelID: 1}))
	require.NoError(t, g.UpsertBehavioralTelemetry(ctx, BehavioralTelemetry{RequestID: "r1"}))

	assert.Equal(t, []string{"CreateMetaQuery", "CreateGeneration", "UpsertBehavioralTelemetry"}, g.CallLog)
}
