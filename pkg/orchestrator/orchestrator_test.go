// SPDX-FileCopyrightText: Copyright 2025 Codemux Authors
// SPDX-License-Identifier: Apache-2.0

package orchestrator

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codemux/codemux/pkg/broker"
	"github.com/codemux/codemux/pkg/cache"
	"github.com/codemux/codemux/pkg/gateway"
	"github.com/codemux/codemux/pkg/registry"
	"github.com/codemux/codemux/pkg/secrets"
	"github.com/codemux/codemux/pkg/wire"
	"github.com/codemux/codemux/pkg/worker"
)

// fakePersist records enqueued envelopes and, for ordering assertions, how
// many frames the connection sink held at enqueue time.
type fakePersist struct {
	mu           sync.Mutex
	queries      []worker.PersistQueryTask
	feedbacks    []worker.PersistFeedbackTask
	groundTruths []worker.PersistGroundTruthTask

	sink             *registry.Sink
	framesAtQueryLog []int
}

func (f *fakePersist) EnqueueQuery(_ context.Context, t worker.PersistQueryTask) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries = append(f.queries, t)
	if f.sink != nil {
		f.framesAtQueryLog = append(f.framesAtQueryLog, len(f.sink.Frames))
	}
	return nil
}

func (f *fakePersist) EnqueueFeedback(_ context.Context, t worker.PersistFeedbackTask) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.feedbacks = append(f.feedbacks, t)
	return nil
}

func (f *fakePersist) EnqueueGroundTruth(_ context.Context, t worker.PersistGroundTruthTask) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.groundTruths = append(f.groundTruths, t)
	return nil
}

type fixture struct {
	orch    *Orchestrator
	broker  *broker.Broker
	cache   *cache.Cache
	reg     *registry.Registry
	persist *fakePersist
	clock   *clockwork.FakeClock

	sess *Session
	sink *registry.Sink
	proj string
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	c := cache.NewWithClient(client, cache.Options{
		KeyPrefix:  "test:",
		AuthTTL:    24 * time.Hour,
		SessionTTL: time.Hour,
		HookMargin: time.Minute,
	})
	b := broker.New(client, broker.Options{KeyPrefix: "test:"})
	reg := registry.New(32)
	persist := &fakePersist{}
	clock := clockwork.NewFakeClock()

	if opts.RequestDeadline == 0 {
		opts.RequestDeadline = 10 * time.Second
	}
	orch, err := New(b, c, reg, persist, nil, clock, opts)
	require.NoError(t, err)

	ctx := context.Background()
	authTok, err := c.IssueAuth(ctx, "user-1")
	require.NoError(t, err)
	sessTok, err := c.IssueSession(ctx, authTok, nil)
	require.NoError(t, err)
	proj, err := c.AttachProject(ctx, sessTok, "proj-1")
	require.NoError(t, err)

	sess := &Session{
		ConnID:        "conn-1",
		UserID:        "user-1",
		AuthToken:     authTok,
		SessionToken:  sessTok,
		ProjectTokens: []string{proj},
	}
	sink := reg.Register(sess.ConnID, sessTok, sess.UserID, sess.ProjectTokens)
	persist.sink = sink

	return &fixture{
		orch: orch, broker: b, cache: c, reg: reg,
		persist: persist, clock: clock, sess: sess, sink: sink, proj: proj,
	}
}

// drain empties the sink without blocking.
func (f *fixture) drain() []wire.Frame {
	var out []wire.Frame
	for {
		select {
		case fr := <-f.sink.Frames:
			out = append(out, fr)
		default:
			return out
		}
	}
}

func completionFrame(t *testing.T, requestID string, req wire.CompletionRequest) wire.Frame {
	t.Helper()
	f, err := wire.NewFrame(wire.FrameCompletionRequest, requestID, req)
	require.NoError(t, err)
	return f
}

func partial(requestID string, modelID int, completion string) wire.Frame {
	return wire.MustFrame(wire.FrameCompletionPartial, requestID, wire.ModelReply{
		ModelID:    modelID,
		Completion: completion,
		Confidence: 0.5,
	})
}

func TestCompletionHappyPath(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Options{})
	ctx := context.Background()

	f.orch.HandleFrame(ctx, f.sess, completionFrame(t, "req-1", wire.CompletionRequest{
		ModelIDs: []int{1, 2},
		Context:  wire.CodeContext{Prefix: "return "},
	}))

	// The request is queued for the workers.
	depth, err := f.broker.QueueDepth(ctx, broker.QueueInference)
	require.NoError(t, err)
	assert.Equal(t, int64(1), depth)

	// Worker replies stream through; the second one completes the set.
	f.orch.onReply(ctx, "conn-1", partial("req-1", 1, "nil"))
	f.orch.onReply(ctx, "conn-1", partial("req-1", 2, "err"))

	frames := f.drain()
	require.Len(t, frames, 3)
	assert.Equal(t, wire.FrameCompletionPartial, frames[0].Type)
	assert.Equal(t, wire.FrameCompletionPartial, frames[1].Type)
	assert.Equal(t, wire.FrameCompletionFinal, frames[2].Type)

	var final wire.CompletionFinal
	require.NoError(t, frames[2].DecodePayload(&final))
	assert.ElementsMatch(t, []int{1, 2}, final.Replied)
	assert.Empty(t, final.TimedOut)
	assert.False(t, final.Timeout)

	// The sealed record carries both generations.
	f.persist.mu.Lock()
	defer f.persist.mu.Unlock()
	require.Len(t, f.persist.queries, 1)
	assert.Equal(t, "req-1", f.persist.queries[0].Query.RequestID)
	assert.Len(t, f.persist.queries[0].Generations, 2)
	assert.Equal(t, gateway.KindCompletion, f.persist.queries[0].Query.Kind)
}

func TestPersistHappensAfterFinalFrame(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Options{})
	ctx := context.Background()

	f.orch.HandleFrame(ctx, f.sess, completionFrame(t, "req-1", wire.CompletionRequest{ModelIDs: []int{1}}))
	f.orch.onReply(ctx, "conn-1", partial("req-1", 1, "nil"))

	f.persist.mu.Lock()
	defer f.persist.mu.Unlock()
	require.Len(t, f.persist.framesAtQueryLog, 1)
	// partial + final were already in the sink when the persist enqueue ran.
	assert.Equal(t, 2, f.persist.framesAtQueryLog[0])
}

func TestDeadlineSealsWithPartialResults(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Options{RequestDeadline: 5 * time.Second})
	ctx := context.Background()

	f.orch.HandleFrame(ctx, f.sess, completionFrame(t, "req-1", wire.CompletionRequest{ModelIDs: []int{1, 2}}))
	f.orch.onReply(ctx, "conn-1", partial("req-1", 1, "nil"))

	f.clock.Advance(6 * time.Second)

	require.Eventually(t, func() bool {
		f.persist.mu.Lock()
		defer f.persist.mu.Unlock()
		return len(f.persist.queries) == 1
	}, 2*time.Second, 5*time.Millisecond)

	frames := f.drain()
	require.Len(t, frames, 2)
	var final wire.CompletionFinal
	require.NoError(t, frames[1].DecodePayload(&final))
	assert.True(t, final.Timeout)
	assert.Equal(t, []int{1}, final.Replied)
	assert.Equal(t, []int{2}, final.TimedOut)

	// Only the model that replied is persisted.
	f.persist.mu.Lock()
	defer f.persist.mu.Unlock()
	require.Len(t, f.persist.queries[0].Generations, 1)
	assert.Equal(t, 1, f.persist.queries[0].Generations[0].ModelID)
}

func TestLateReplyAfterSealIsDropped(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Options{RequestDeadline: 5 * time.Second})
	ctx := context.Background()

	f.orch.HandleFrame(ctx, f.sess, completionFrame(t, "req-1", wire.CompletionRequest{ModelIDs: []int{1, 2}}))
	f.clock.Advance(6 * time.Second)

	require.Eventually(t, func() bool {
		f.persist.mu.Lock()
		defer f.persist.mu.Unlock()
		return len(f.persist.queries) == 1
	}, 2*time.Second, 5*time.Millisecond)
	f.drain()

	// The straggler arrives after the final frame went out.
	f.orch.onReply(ctx, "conn-1", partial("req-1", 2, "too late"))

	assert.Empty(t, f.drain())
	f.persist.mu.Lock()
	defer f.persist.mu.Unlock()
	assert.Len(t, f.persist.queries, 1)
}

func TestDuplicatePartialCountsOnce(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Options{})
	ctx := context.Background()

	f.orch.HandleFrame(ctx, f.sess, completionFrame(t, "req-1", wire.CompletionRequest{ModelIDs: []int{1, 2}}))

	// At-least-once delivery duplicates model 1's reply; the request must
	// not seal until model 2 reports.
	f.orch.onReply(ctx, "conn-1", partial("req-1", 1, "nil"))
	f.orch.onReply(ctx, "conn-1", partial("req-1", 1, "nil"))

	frames := f.drain()
	require.Len(t, frames, 1) // one forwarded partial, no final yet

	f.orch.onReply(ctx, "conn-1", partial("req-1", 2, "err"))
	frames = f.drain()
	require.Len(t, frames, 2) // second partial + final
	assert.Equal(t, wire.FrameCompletionFinal, frames[1].Type)
}

func TestDuplicateRequestIDRejected(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Options{})
	ctx := context.Background()

	f.orch.HandleFrame(ctx, f.sess, completionFrame(t, "req-1", wire.CompletionRequest{ModelIDs: []int{1}}))
	f.orch.HandleFrame(ctx, f.sess, completionFrame(t, "req-1", wire.CompletionRequest{ModelIDs: []int{1}}))

	frames := f.drain()
	require.Len(t, frames, 1)
	assert.Equal(t, wire.FrameError, frames[0].Type)
	var e wire.ErrorPayload
	require.NoError(t, frames[0].DecodePayload(&e))
	assert.Equal(t, wire.ErrInvalidRequest, e.Kind)

	// Still rejected after the original seals.
	f.orch.onReply(ctx, "conn-1", partial("req-1", 1, "nil"))
	f.drain()
	f.orch.HandleFrame(ctx, f.sess, completionFrame(t, "req-1", wire.CompletionRequest{ModelIDs: []int{1}}))
	frames = f.drain()
	require.Len(t, frames, 1)
	assert.Equal(t, wire.FrameError, frames[0].Type)
}

func TestBusyHysteresis(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Options{HighWater: 2, LowWater: 1})
	ctx := context.Background()

	// Fill the queue to the high-water mark.
	for i := 0; i < 2; i++ {
		task, err := broker.NewTask(worker.TaskCompletion, worker.CompletionTask{}, "")
		require.NoError(t, err)
		require.NoError(t, f.broker.Enqueue(ctx, broker.QueueInference, task))
	}

	f.orch.HandleFrame(ctx, f.sess, completionFrame(t, "req-1", wire.CompletionRequest{ModelIDs: []int{1}}))
	frames := f.drain()
	require.Len(t, frames, 1)
	var e wire.ErrorPayload
	require.NoError(t, frames[0].DecodePayload(&e))
	assert.Equal(t, wire.ErrBusy, e.Kind)

	// Draining to exactly the low-water mark is not enough; the latch only
	// releases below it.
	claimed, err := f.broker.Claim(ctx, broker.QueueInference, time.Second)
	require.NoError(t, err)
	require.NoError(t, f.broker.Ack(ctx, broker.QueueInference, claimed))

	f.orch.HandleFrame(ctx, f.sess, completionFrame(t, "req-2", wire.CompletionRequest{ModelIDs: []int{1}}))
	frames = f.drain()
	require.Len(t, frames, 1)
	require.NoError(t, frames[0].DecodePayload(&e))
	assert.Equal(t, wire.ErrBusy, e.Kind)

	claimed, err = f.broker.Claim(ctx, broker.QueueInference, time.Second)
	require.NoError(t, err)
	require.NoError(t, f.broker.Ack(ctx, broker.QueueInference, claimed))

	f.orch.HandleFrame(ctx, f.sess, completionFrame(t, "req-3", wire.CompletionRequest{ModelIDs: []int{1}}))
	assert.Empty(t, f.drain()) // admitted, no error frame
}

func TestFeedbackOwnership(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Options{})
	ctx := context.Background()

	f.orch.HandleFrame(ctx, f.sess, completionFrame(t, "req-1", wire.CompletionRequest{ModelIDs: []int{1}}))
	f.orch.onReply(ctx, "conn-1", partial("req-1", 1, "nil"))
	f.drain()

	// Owner feedback with ground truth.
	fb := wire.MustFrame(wire.FrameCompletionFeedback, "fb-1", wire.CompletionFeedback{
		RequestID:   "req-1",
		ModelID:     1,
		Accepted:    true,
		GroundTruth: "return fmt.Errorf(\"boom\")",
	})
	f.orch.HandleFrame(ctx, f.sess, fb)
	assert.Empty(t, f.drain())

	f.persist.mu.Lock()
	require.Len(t, f.persist.feedbacks, 1)
	assert.True(t, f.persist.feedbacks[0].Accepted)
	require.Len(t, f.persist.groundTruths, 1)
	f.persist.mu.Unlock()

	// Another user cannot submit feedback for this request.
	intruder := &Session{ConnID: "conn-2", UserID: "user-2", SessionToken: "other"}
	f.reg.Register("conn-2", "other", "user-2", nil)
	f.orch.HandleFrame(ctx, intruder, wire.MustFrame(wire.FrameCompletionFeedback, "fb-2", wire.CompletionFeedback{
		RequestID: "req-1",
		ModelID:   1,
		Accepted:  true,
	}))
	f.persist.mu.Lock()
	assert.Len(t, f.persist.feedbacks, 1)
	f.persist.mu.Unlock()

	// A model that never served the request is rejected too.
	f.orch.HandleFrame(ctx, f.sess, wire.MustFrame(wire.FrameCompletionFeedback, "fb-3", wire.CompletionFeedback{
		RequestID: "req-1",
		ModelID:   42,
	}))
	frames := f.drain()
	require.Len(t, frames, 1)
	var e wire.ErrorPayload
	require.NoError(t, frames[0].DecodePayload(&e))
	assert.Equal(t, wire.ErrInvalidRequest, e.Kind)
}

func TestContextUpdateAcksAndBroadcasts(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Options{})
	ctx := context.Background()

	// A second connection shares the project.
	peer := f.reg.Register("conn-2", "sess-2", "user-2", []string{f.proj})

	f.orch.HandleFrame(ctx, f.sess, wire.MustFrame(wire.FrameContextUpdate, "upd-1", wire.ContextUpdate{
		ProjectToken: f.proj,
		FilePath:     "a.go",
		NewLines:     []string{"package a"},
	}))

	frames := f.drain()
	require.Len(t, frames, 1)
	assert.Equal(t, wire.FrameContextAck, frames[0].Type)
	var ack wire.ContextAck
	require.NoError(t, frames[0].DecodePayload(&ack))
	assert.Equal(t, int64(1), ack.ChangeIndex)

	// The peer got the broadcast; the originator did not.
	select {
	case fr := <-peer.Frames:
		assert.Equal(t, wire.FrameContextBroadcast, fr.Type)
		var bc wire.ContextBroadcast
		require.NoError(t, fr.DecodePayload(&bc))
		assert.Equal(t, int64(1), bc.ChangeIndex)
		assert.Equal(t, "a.go", bc.FilePath)
	default:
		t.Fatal("peer never received the broadcast")
	}
}

func TestContextUpdateRequiresAttachedProject(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Options{})
	ctx := context.Background()

	f.orch.HandleFrame(ctx, f.sess, wire.MustFrame(wire.FrameContextUpdate, "upd-1", wire.ContextUpdate{
		ProjectToken: "foreign-project",
		FilePath:     "a.go",
		NewLines:     []string{"x"},
	}))

	frames := f.drain()
	require.Len(t, frames, 1)
	var e wire.ErrorPayload
	require.NoError(t, frames[0].DecodePayload(&e))
	assert.Equal(t, wire.ErrForbidden, e.Kind)
}

func TestEvictedSessionRejectedAndClosed(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Options{})
	ctx := context.Background()

	_, err := f.cache.DetachSession(ctx, f.sess.SessionToken)
	require.NoError(t, err)

	f.orch.HandleFrame(ctx, f.sess, completionFrame(t, "req-1", wire.CompletionRequest{ModelIDs: []int{1}}))

	frames := f.drain()
	require.Len(t, frames, 1)
	var e wire.ErrorPayload
	require.NoError(t, frames[0].DecodePayload(&e))
	assert.Equal(t, wire.ErrUnauthenticated, e.Kind)

	<-f.sink.Closed
	assert.Equal(t, registry.ReasonSessionExpired, f.sink.Reason)

	f.persist.mu.Lock()
	defer f.persist.mu.Unlock()
	assert.Empty(t, f.persist.queries)
}

func TestStaleProjectTokenRejected(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Options{})
	ctx := context.Background()

	// Kill the project but keep the session alive: reattach is required.
	_, err := f.cache.DetachProject(ctx, f.sess.SessionToken, f.proj)
	require.NoError(t, err)

	f.orch.HandleFrame(ctx, f.sess, completionFrame(t, "req-1", wire.CompletionRequest{
		ModelIDs:     []int{1},
		ProjectToken: f.proj,
	}))

	frames := f.drain()
	require.Len(t, frames, 1)
	var e wire.ErrorPayload
	require.NoError(t, frames[0].DecodePayload(&e))
	assert.Equal(t, wire.ErrForbidden, e.Kind)
}

func TestWorkerErrorForwardedAndNotPersisted(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Options{})
	ctx := context.Background()

	f.orch.HandleFrame(ctx, f.sess, completionFrame(t, "req-1", wire.CompletionRequest{ModelIDs: []int{1}}))
	f.orch.onReply(ctx, "conn-1", wire.ErrorFrame("req-1", wire.ErrUnauthenticated, "session no longer valid"))

	frames := f.drain()
	require.Len(t, frames, 1)
	assert.Equal(t, wire.FrameError, frames[0].Type)

	f.persist.mu.Lock()
	defer f.persist.mu.Unlock()
	assert.Empty(t, f.persist.queries)
}

func TestPingPong(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Options{})

	f.orch.HandleFrame(context.Background(), f.sess, wire.Frame{Type: wire.FramePing, RequestID: "p1"})
	frames := f.drain()
	require.Len(t, frames, 1)
	assert.Equal(t, wire.FramePong, frames[0].Type)
	assert.Equal(t, "p1", frames[0].RequestID)
}

func TestChatFinalSealsChat(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Options{})
	ctx := context.Background()

	chatReq, err := wire.NewFrame(wire.FrameChatRequest, "req-c1", wire.ChatRequest{
		ChatID:   "chat-1",
		ModelID:  3,
		Messages: []wire.ChatMessage{{Role: "user", Content: "hello"}},
	})
	require.NoError(t, err)
	f.orch.HandleFrame(ctx, f.sess, chatReq)

	f.orch.onReply(ctx, "conn-1", wire.MustFrame(wire.FrameChatFinal, "req-c1", wire.ModelReply{
		ModelID:    3,
		Completion: "hi there",
	}))

	frames := f.drain()
	require.Len(t, frames, 1)
	assert.Equal(t, wire.FrameChatFinal, frames[0].Type)

	f.persist.mu.Lock()
	defer f.persist.mu.Unlock()
	require.Len(t, f.persist.queries, 1)
	assert.Equal(t, gateway.KindChat, f.persist.queries[0].Query.Kind)
	assert.Equal(t, "chat-1", f.persist.queries[0].Query.ChatID)
	require.Len(t, f.persist.queries[0].Generations, 1)
	assert.Equal(t, "hi there", f.persist.queries[0].Generations[0].Completion)
}

func TestChatPartialsStreamThrough(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Options{})
	ctx := context.Background()

	chatReq, err := wire.NewFrame(wire.FrameChatRequest, "req-c2", wire.ChatRequest{
		ChatID:   "chat-2",
		ModelID:  3,
		Messages: []wire.ChatMessage{{Role: "user", Content: "hello"}},
	})
	require.NoError(t, err)
	f.orch.HandleFrame(ctx, f.sess, chatReq)

	f.orch.onReply(ctx, "conn-1", wire.MustFrame(wire.FrameChatPartial, "req-c2", wire.ModelReply{ModelID: 3, Completion: "hi"}))
	f.orch.onReply(ctx, "conn-1", wire.MustFrame(wire.FrameChatPartial, "req-c2", wire.ModelReply{ModelID: 3, Completion: " there"}))
	f.orch.onReply(ctx, "conn-1", wire.MustFrame(wire.FrameChatFinal, "req-c2", wire.ModelReply{ModelID: 3, Completion: "hi there"}))

	// Sealed: a straggling partial must not reach the client.
	f.orch.onReply(ctx, "conn-1", wire.MustFrame(wire.FrameChatPartial, "req-c2", wire.ModelReply{ModelID: 3, Completion: "!"}))

	frames := f.drain()
	require.Len(t, frames, 3)
	assert.Equal(t, wire.FrameChatPartial, frames[0].Type)
	assert.Equal(t, wire.FrameChatPartial, frames[1].Type)
	assert.Equal(t, wire.FrameChatFinal, frames[2].Type)
}

func TestAttachForwardsWorkerReplies(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Options{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, f.orch.Attach(ctx, "conn-1"))
	defer f.orch.Detach("conn-1")

	f.orch.HandleFrame(ctx, f.sess, completionFrame(t, "req-1", wire.CompletionRequest{ModelIDs: []int{1}}))

	// A worker publishes through Redis; the attached listener forwards it.
	require.NoError(t, f.broker.PublishReply(ctx, f.broker.ReplyChannel("conn-1"), partial("req-1", 1, "nil")))

	require.Eventually(t, func() bool {
		f.persist.mu.Lock()
		defer f.persist.mu.Unlock()
		return len(f.persist.queries) == 1
	}, 5*time.Second, 10*time.Millisecond)

	frames := f.drain()
	require.Len(t, frames, 2)
	assert.Equal(t, wire.FrameCompletionPartial, frames[0].Type)
	assert.Equal(t, wire.FrameCompletionFinal, frames[1].Type)
}

func TestChatDeadlineDeliversTimeoutError(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Options{RequestDeadline: 5 * time.Second})
	ctx := context.Background()

	chatReq, err := wire.NewFrame(wire.FrameChatRequest, "req-c3", wire.ChatRequest{
		ChatID:   "chat-3",
		ModelID:  3,
		Messages: []wire.ChatMessage{{Role: "user", Content: "hello"}},
	})
	require.NoError(t, err)
	f.orch.HandleFrame(ctx, f.sess, chatReq)

	// The model never answers; the deadline seal must still tell the client.
	f.clock.Advance(6 * time.Second)

	require.Eventually(t, func() bool {
		f.persist.mu.Lock()
		defer f.persist.mu.Unlock()
		return len(f.persist.queries) == 1
	}, 2*time.Second, 5*time.Millisecond)

	frames := f.drain()
	require.Len(t, frames, 1)
	assert.Equal(t, wire.FrameError, frames[0].Type)
	var e wire.ErrorPayload
	require.NoError(t, frames[0].DecodePayload(&e))
	assert.Equal(t, wire.ErrTimeout, e.Kind)

	f.persist.mu.Lock()
	defer f.persist.mu.Unlock()
	assert.Equal(t, gateway.KindChat, f.persist.queries[0].Query.Kind)
	assert.Empty(t, f.persist.queries[0].Generations)
}

func TestFeedbackResolvedFromStorageAfterEviction(t *testing.T) {
	t.Parallel()
	mem := gateway.NewMemory()
	f := newFixture(t, Options{CompletedSize: 1, Queries: mem})
	ctx := context.Background()

	// req-1 seals and lands durably, then req-2 pushes it out of the
	// in-process sealed table.
	f.orch.HandleFrame(ctx, f.sess, completionFrame(t, "req-1", wire.CompletionRequest{ModelIDs: []int{1}}))
	f.orch.onReply(ctx, "conn-1", partial("req-1", 1, "nil"))
	require.NoError(t, mem.CreateMetaQuery(ctx, gateway.MetaQuery{RequestID: "req-1", UserID: "user-1", Kind: gateway.KindCompletion}))
	require.NoError(t, mem.CreateGeneration(ctx, gateway.Generation{RequestID: "req-1", ModelID: 1, Completion: "nil"}))

	f.orch.HandleFrame(ctx, f.sess, completionFrame(t, "req-2", wire.CompletionRequest{ModelIDs: []int{1}}))
	f.orch.onReply(ctx, "conn-1", partial("req-2", 1, "err"))
	f.drain()

	f.orch.HandleFrame(ctx, f.sess, wire.MustFrame(wire.FrameCompletionFeedback, "fb-1", wire.CompletionFeedback{
		RequestID: "req-1",
		ModelID:   1,
		Accepted:  true,
	}))
	assert.Empty(t, f.drain())
	f.persist.mu.Lock()
	require.Len(t, f.persist.feedbacks, 1)
	assert.Equal(t, "req-1", f.persist.feedbacks[0].RequestID)
	f.persist.mu.Unlock()

	// Ownership still holds across the storage fallback.
	intruder := &Session{ConnID: "conn-2", UserID: "user-2", SessionToken: "other"}
	f.reg.Register("conn-2", "other", "user-2", nil)
	f.orch.HandleFrame(ctx, intruder, wire.MustFrame(wire.FrameCompletionFeedback, "fb-2", wire.CompletionFeedback{
		RequestID: "req-1",
		ModelID:   1,
		Accepted:  true,
	}))
	f.persist.mu.Lock()
	assert.Len(t, f.persist.feedbacks, 1)
	f.persist.mu.Unlock()

	// A model that never served the request is still rejected.
	f.orch.HandleFrame(ctx, f.sess, wire.MustFrame(wire.FrameCompletionFeedback, "fb-3", wire.CompletionFeedback{
		RequestID: "req-1",
		ModelID:   42,
	}))
	frames := f.drain()
	require.Len(t, frames, 1)
	var e wire.ErrorPayload
	require.NoError(t, frames[0].DecodePayload(&e))
	assert.Equal(t, wire.ErrInvalidRequest, e.Kind)
}

func TestSealedRequestPersistsRedactedContext(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Options{})
	ctx := context.Background()

	f.orch.HandleFrame(ctx, f.sess, completionFrame(t, "req-1", wire.CompletionRequest{
		ModelIDs: []int{1},
		Context: wire.CodeContext{
			Prefix:   "password = \"hunter2hunter2\"\nfunc connect() {",
			Suffix:   "}",
			FileName: "db.go",
		},
	}))
	f.orch.onReply(ctx, "conn-1", partial("req-1", 1, "nil"))
	f.drain()

	f.persist.mu.Lock()
	defer f.persist.mu.Unlock()
	require.Len(t, f.persist.queries, 1)
	qc := f.persist.queries[0].Context
	require.NotNil(t, qc)
	assert.Equal(t, "req-1", qc.RequestID)
	assert.Equal(t, "db.go", qc.FileName)
	assert.Contains(t, qc.Prefix, secrets.Placeholder)
	assert.NotContains(t, qc.Prefix, "hunter2")
	assert.True(t, strings.HasSuffix(qc.Prefix, "func connect() {"))
	assert.Equal(t, "}", qc.Suffix)
}
