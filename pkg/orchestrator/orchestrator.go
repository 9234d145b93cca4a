// SPDX-FileCopyrightText: Copyright 2025 Codemux Authors
// SPDX-License-Identifier: Apache-2.0

// Package orchestrator is the hub between client connections and the worker
// pools. It admits request frames, tracks in-flight requests, forwards model
// replies as they arrive, seals each request exactly once (on completion or
// deadline) and hands the sealed record to the persist queue.
package orchestrator

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/jonboulle/clockwork"

	"github.com/codemux/codemux/pkg/broker"
	"github.com/codemux/codemux/pkg/cache"
	"github.com/codemux/codemux/pkg/gateway"
	"github.com/codemux/codemux/pkg/logger"
	"github.com/codemux/codemux/pkg/registry"
	"github.com/codemux/codemux/pkg/secrets"
	"github.com/codemux/codemux/pkg/telemetry"
	"github.com/codemux/codemux/pkg/wire"
	"github.com/codemux/codemux/pkg/worker"
)

// Session is the authenticated identity a connection acts under.
type Session struct {
	ConnID        string
	UserID        string
	AuthToken     string
	SessionToken  string
	ProjectTokens []string
}

// hasProject reports whether token is attached to the session.
func (s *Session) hasProject(token string) bool {
	for _, pt := range s.ProjectTokens {
		if pt == token {
			return true
		}
	}
	return false
}

// PersistEnqueuer is the orchestrator's slice of the persist producer.
type PersistEnqueuer interface {
	EnqueueQuery(ctx context.Context, t worker.PersistQueryTask) error
	EnqueueFeedback(ctx context.Context, t worker.PersistFeedbackTask) error
	EnqueueGroundTruth(ctx context.Context, t worker.PersistGroundTruthTask) error
}

// QueryReader is the gateway slice used to resolve feedback ownership when a
// request is no longer in the in-process tables: it may have sealed on
// another backend process, or aged out of the completed table.
type QueryReader interface {
	GetMetaQuery(ctx context.Context, requestID string) (*gateway.MetaQuery, error)
	GetGeneration(ctx context.Context, requestID string, modelID int) (*gateway.Generation, error)
}

// Options configures the orchestrator.
type Options struct {
	// RequestDeadline seals a request even if models are still missing.
	RequestDeadline time.Duration
	// DefaultModelIDs serve requests that name no models.
	DefaultModelIDs []int
	// HighWater starts rejecting inference work at this queue depth;
	// LowWater ends the rejection once the queue drains below it.
	HighWater int64
	LowWater  int64
	// ServerVersionID is stamped onto persisted queries.
	ServerVersionID int
	// CompletedSize bounds the sealed-request table used for feedback
	// validation and late-reply dedup.
	CompletedSize int
	// Queries resolves feedback ownership for requests evicted from the
	// in-process tables. May be nil; such feedback is then rejected.
	Queries QueryReader
	// Detector scrubs the persisted code context. Defaults to the standard
	// pattern set so the stored form matches what the workers saw.
	Detector secrets.Detector
}

// completedEntry is what survives sealing, for feedback ownership checks.
type completedEntry struct {
	userID   string
	modelIDs []int
}

// pending is one in-flight request.
type pending struct {
	requestID string
	connID    string
	userID    string
	projectID string
	kind      gateway.QueryKind
	chatID    string

	expected map[int]struct{}
	replies  map[int]wire.ModelReply

	timer      clockwork.Timer
	start      time.Time
	context    *wire.CodeContext
	contextual *gateway.ContextualTelemetry
	behavioral *gateway.BehavioralTelemetry
	sealed     bool
}

// Orchestrator routes frames for the connections of one serving process.
type Orchestrator struct {
	broker   *broker.Broker
	cache    *cache.Cache
	registry *registry.Registry
	persist  PersistEnqueuer
	sink     *telemetry.AnalyticsSink
	clock    clockwork.Clock
	opts     Options

	mu        sync.Mutex
	pending   map[string]*pending
	completed *lru.Cache[string, completedEntry]

	subs sync.Map // connID -> *broker.ReplySubscription

	busy atomic.Bool
}

// New wires an orchestrator. sink may be nil to disable analytics.
func New(b *broker.Broker, c *cache.Cache, reg *registry.Registry, persist PersistEnqueuer, sink *telemetry.AnalyticsSink, clock clockwork.Clock, opts Options) (*Orchestrator, error) {
	if opts.RequestDeadline <= 0 {
		opts.RequestDeadline = 10 * time.Second
	}
	if opts.CompletedSize <= 0 {
		opts.CompletedSize = 4096
	}
	if opts.Detector == nil {
		opts.Detector = secrets.NewRegexDetector()
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	completed, err := lru.New[string, completedEntry](opts.CompletedSize)
	if err != nil {
		return nil, err
	}
	return &Orchestrator{
		broker:    b,
		cache:     c,
		registry:  reg,
		persist:   persist,
		sink:      sink,
		clock:     clock,
		opts:      opts,
		pending:   make(map[string]*pending),
		completed: completed,
	}, nil
}

// Attach opens the reply subscription for a registered connection and starts
// forwarding worker replies to it. Call Detach when the connection closes.
func (o *Orchestrator) Attach(ctx context.Context, connID string) error {
	sub, err := o.broker.SubscribeReplies(ctx, connID)
	if err != nil {
		return err
	}
	o.subs.Store(connID, sub)
	telemetry.ActiveConnections.Inc()

	go func() {
		for frame := range sub.Frames() {
			o.onReply(ctx, connID, frame)
		}
	}()
	return nil
}

// Detach closes the connection's reply subscription. In-flight requests of
// the connection run to their deadline; their frames go nowhere.
func (o *Orchestrator) Detach(connID string) {
	if v, ok := o.subs.LoadAndDelete(connID); ok {
		_ = v.(*broker.ReplySubscription).Close()
		telemetry.ActiveConnections.Dec()
	}
}

// HandleFrame dispatches one inbound client frame. All failures surface as
// error frames on the connection; the method itself does not fail.
func (o *Orchestrator) HandleFrame(ctx context.Context, sess *Session, frame wire.Frame) {
	switch frame.Type {
	case wire.FramePing:
		o.registry.Deliver(sess.ConnID, wire.Frame{Type: wire.FramePong, RequestID: frame.RequestID})
	case wire.FrameCompletionRequest:
		o.handleCompletionRequest(ctx, sess, frame)
	case wire.FrameChatRequest:
		o.handleChatRequest(ctx, sess, frame)
	case wire.FrameCompletionFeedback:
		o.handleFeedback(ctx, sess, frame)
	case wire.FrameContextUpdate:
		o.handleContextUpdate(ctx, sess, frame)
	default:
		o.fail(sess.ConnID, frame.RequestID, wire.ErrInvalidRequest, "unrecognized frame type")
	}
}

// fail delivers an error frame.
func (o *Orchestrator) fail(connID, requestID string, kind wire.ErrorKind, msg string) {
	o.registry.Deliver(connID, wire.ErrorFrame(requestID, kind, msg))
}

// admitInference applies the high/low-water hysteresis: once the inference
// queue crosses the high-water mark new work is rejected until the queue
// drains below the low-water mark.
func (o *Orchestrator) admitInference(ctx context.Context) bool {
	if o.opts.HighWater <= 0 {
		return true
	}
	depth, err := o.broker.QueueDepth(ctx, broker.QueueInference)
	if err != nil {
		logger.Warnf("Could not read inference queue depth: %v", err)
		return true
	}
	telemetry.QueueDepth.WithLabelValues(string(broker.QueueInference)).Set(float64(depth))

	if o.busy.Load() {
		if depth < o.opts.LowWater {
			o.busy.Store(false)
			return true
		}
		return false
	}
	if depth >= o.opts.HighWater {
		o.busy.Store(true)
		return false
	}
	return true
}

// revalidateSession confirms the session record still exists before work is
// admitted. An evicted token closes the connection; any other cache failure
// rejects just this request.
func (o *Orchestrator) revalidateSession(ctx context.Context, sess *Session, requestID string) bool {
	_, err := o.cache.GetSession(ctx, sess.SessionToken)
	if err == nil {
		return true
	}
	if errors.Is(err, cache.ErrNotFound) {
		o.fail(sess.ConnID, requestID, wire.ErrUnauthenticated, "session expired")
		o.registry.CloseSession(sess.SessionToken, registry.ReasonSessionExpired)
		return false
	}
	logger.Errorf("Session revalidation failed: %v", err)
	o.fail(sess.ConnID, requestID, wire.ErrInternal, "session cache unavailable")
	return false
}

// resolveProject turns a presented project token into its project ID,
// rejecting tokens the cache no longer knows.
func (o *Orchestrator) resolveProject(ctx context.Context, sess *Session, requestID, projectToken string) (string, bool) {
	if projectToken == "" {
		return "", true
	}
	proj, err := o.cache.GetProject(ctx, projectToken)
	if err != nil {
		if errors.Is(err, cache.ErrNotFound) {
			o.fail(sess.ConnID, requestID, wire.ErrForbidden, "project token no longer valid")
		} else {
			logger.Errorf("Project revalidation failed: %v", err)
			o.fail(sess.ConnID, requestID, wire.ErrInternal, "session cache unavailable")
		}
		return "", false
	}
	return proj.ProjectID, true
}

func (o *Orchestrator) handleCompletionRequest(ctx context.Context, sess *Session, frame wire.Frame) {
	if frame.RequestID == "" {
		o.fail(sess.ConnID, "", wire.ErrInvalidRequest, "completion.request requires a request_id")
		return
	}
	var req wire.CompletionRequest
	if err := frame.DecodePayload(&req); err != nil {
		o.fail(sess.ConnID, frame.RequestID, wire.ErrInvalidRequest, err.Error())
		return
	}
	if req.ProjectToken != "" && !sess.hasProject(req.ProjectToken) {
		o.fail(sess.ConnID, frame.RequestID, wire.ErrForbidden, "project not attached to session")
		return
	}
	if !o.revalidateSession(ctx, sess, frame.RequestID) {
		return
	}
	projectID, ok := o.resolveProject(ctx, sess, frame.RequestID, req.ProjectToken)
	if !ok {
		return
	}

	modelIDs := dedupe(req.ModelIDs)
	if len(modelIDs) == 0 {
		modelIDs = dedupe(o.opts.DefaultModelIDs)
	}
	if len(modelIDs) == 0 {
		o.fail(sess.ConnID, frame.RequestID, wire.ErrInvalidRequest, "no models requested and no defaults configured")
		return
	}

	if !o.admitInference(ctx) {
		telemetry.RequestsTotal.WithLabelValues("completion", "busy").Inc()
		o.fail(sess.ConnID, frame.RequestID, wire.ErrBusy, "inference backlog full, retry later")
		return
	}

	p := &pending{
		requestID: frame.RequestID,
		connID:    sess.ConnID,
		userID:    sess.UserID,
		projectID: projectID,
		kind:      gateway.KindCompletion,
		expected:  make(map[int]struct{}, len(modelIDs)),
		replies:   make(map[int]wire.ModelReply, len(modelIDs)),
		start:     o.clock.Now(),
		context:   &req.Context,
	}
	for _, id := range modelIDs {
		p.expected[id] = struct{}{}
	}
	if req.ContextualTelemetry != nil {
		p.contextual = contextualRow(frame.RequestID, req.ContextualTelemetry)
	}
	if req.BehavioralTelemetry != nil {
		p.behavioral = behavioralRow(frame.RequestID, req.BehavioralTelemetry)
	}

	if !o.admitPending(p) {
		o.fail(sess.ConnID, frame.RequestID, wire.ErrInvalidRequest, "duplicate request_id")
		return
	}

	task, err := broker.NewTask(worker.TaskCompletion, worker.CompletionTask{
		RequestID:     frame.RequestID,
		ConnectionID:  sess.ConnID,
		UserID:        sess.UserID,
		AuthToken:     sess.AuthToken,
		SessionToken:  sess.SessionToken,
		ProjectToken:  req.ProjectToken,
		ModelIDs:      modelIDs,
		Context:       req.Context,
		ChangeIndices: req.ChangeIndices,
		StopSequences: req.StopSequences,
	}, o.broker.ReplyChannel(sess.ConnID))
	if err == nil {
		err = o.broker.Enqueue(ctx, broker.QueueInference, task)
	}
	if err != nil {
		logger.Errorf("Failed to enqueue completion: %v", err)
		o.abandon(frame.RequestID)
		o.fail(sess.ConnID, frame.RequestID, wire.ErrInternal, "could not queue request")
		return
	}
}

func (o *Orchestrator) handleChatRequest(ctx context.Context, sess *Session, frame wire.Frame) {
	if frame.RequestID == "" {
		o.fail(sess.ConnID, "", wire.ErrInvalidRequest, "chat.request requires a request_id")
		return
	}
	var req wire.ChatRequest
	if err := frame.DecodePayload(&req); err != nil {
		o.fail(sess.ConnID, frame.RequestID, wire.ErrInvalidRequest, err.Error())
		return
	}
	if len(req.Messages) == 0 {
		o.fail(sess.ConnID, frame.RequestID, wire.ErrInvalidRequest, "chat.request requires messages")
		return
	}
	if !o.revalidateSession(ctx, sess, frame.RequestID) {
		return
	}

	if !o.admitInference(ctx) {
		telemetry.RequestsTotal.WithLabelValues("chat", "busy").Inc()
		o.fail(sess.ConnID, frame.RequestID, wire.ErrBusy, "inference backlog full, retry later")
		return
	}

	p := &pending{
		requestID: frame.RequestID,
		connID:    sess.ConnID,
		userID:    sess.UserID,
		kind:      gateway.KindChat,
		chatID:    req.ChatID,
		expected:  map[int]struct{}{req.ModelID: {}},
		replies:   make(map[int]wire.ModelReply, 1),
		start:     o.clock.Now(),
	}
	if req.ContextualTelemetry != nil {
		p.contextual = contextualRow(frame.RequestID, req.ContextualTelemetry)
	}
	if req.BehavioralTelemetry != nil {
		p.behavioral = behavioralRow(frame.RequestID, req.BehavioralTelemetry)
	}

	if !o.admitPending(p) {
		o.fail(sess.ConnID, frame.RequestID, wire.ErrInvalidRequest, "duplicate request_id")
		return
	}

	task, err := broker.NewTask(worker.TaskChat, worker.ChatTask{
		RequestID:    frame.RequestID,
		ConnectionID: sess.ConnID,
		UserID:       sess.UserID,
		AuthToken:    sess.AuthToken,
		SessionToken: sess.SessionToken,
		ChatID:       req.ChatID,
		ModelID:      req.ModelID,
		Messages:     req.Messages,
	}, o.broker.ReplyChannel(sess.ConnID))
	if err == nil {
		err = o.broker.Enqueue(ctx, broker.QueueInference, task)
	}
	if err != nil {
		logger.Errorf("Failed to enqueue chat: %v", err)
		o.abandon(frame.RequestID)
		o.fail(sess.ConnID, frame.RequestID, wire.ErrInternal, "could not queue request")
	}
}

// admitPending registers p unless its request ID is already known, and arms
// the deadline timer.
func (o *Orchestrator) admitPending(p *pending) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, dup := o.pending[p.requestID]; dup {
		return false
	}
	if _, dup := o.completed.Get(p.requestID); dup {
		return false
	}
	o.pending[p.requestID] = p
	p.timer = o.clock.AfterFunc(o.opts.RequestDeadline, func() {
		o.onDeadline(p.requestID)
	})
	return true
}

// abandon drops a pending request without sealing (enqueue failed; nothing
// is in flight).
func (o *Orchestrator) abandon(requestID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if p, ok := o.pending[requestID]; ok {
		p.timer.Stop()
		delete(o.pending, requestID)
	}
}

func (o *Orchestrator) handleFeedback(ctx context.Context, sess *Session, frame wire.Frame) {
	var fb wire.CompletionFeedback
	if err := frame.DecodePayload(&fb); err != nil {
		o.fail(sess.ConnID, frame.RequestID, wire.ErrInvalidRequest, err.Error())
		return
	}
	if fb.RequestID == "" {
		o.fail(sess.ConnID, frame.RequestID, wire.ErrInvalidRequest, "feedback requires a request_id")
		return
	}

	owner, modelKnown := o.lookupOwnership(ctx, fb.RequestID, fb.ModelID)
	if owner == "" {
		o.fail(sess.ConnID, frame.RequestID, wire.ErrInvalidRequest, "unknown request_id")
		return
	}
	if owner != sess.UserID {
		o.fail(sess.ConnID, frame.RequestID, wire.ErrForbidden, "request belongs to another user")
		return
	}
	if !modelKnown {
		o.fail(sess.ConnID, frame.RequestID, wire.ErrInvalidRequest, "model did not serve this request")
		return
	}

	err := o.persist.EnqueueFeedback(ctx, worker.PersistFeedbackTask{
		RequestID: fb.RequestID,
		ModelID:   fb.ModelID,
		Accepted:  fb.Accepted,
		ShownAt:   fb.ShownAt,
	})
	if err == nil && fb.GroundTruth != "" {
		err = o.persist.EnqueueGroundTruth(ctx, worker.PersistGroundTruthTask{
			RequestID:  fb.RequestID,
			Truth:      fb.GroundTruth,
			CapturedAt: o.clock.Now(),
		})
	}
	if err != nil {
		logger.Errorf("Failed to enqueue feedback: %v", err)
		o.fail(sess.ConnID, frame.RequestID, wire.ErrInternal, "could not record feedback")
	}
}

// lookupOwnership resolves who owns a request and whether modelID served it.
// The in-flight table and the sealed table are consulted first; a miss falls
// back to durable storage, so feedback outlives eviction and lands correctly
// when the request sealed on a different backend process.
func (o *Orchestrator) lookupOwnership(ctx context.Context, requestID string, modelID int) (owner string, modelKnown bool) {
	o.mu.Lock()
	if p, ok := o.pending[requestID]; ok {
		_, served := p.expected[modelID]
		o.mu.Unlock()
		return p.userID, served
	}
	if e, ok := o.completed.Get(requestID); ok {
		o.mu.Unlock()
		for _, id := range e.modelIDs {
			if id == modelID {
				return e.userID, true
			}
		}
		return e.userID, false
	}
	o.mu.Unlock()

	if o.opts.Queries == nil {
		return "", false
	}
	q, err := o.opts.Queries.GetMetaQuery(ctx, requestID)
	if err != nil {
		if !errors.Is(err, gateway.ErrNotFound) {
			logger.Errorf("Feedback owner lookup failed for %s: %v", requestID, err)
		}
		return "", false
	}
	if _, err := o.opts.Queries.GetGeneration(ctx, requestID, modelID); err != nil {
		return q.UserID, false
	}
	return q.UserID, true
}

func (o *Orchestrator) handleContextUpdate(ctx context.Context, sess *Session, frame wire.Frame) {
	var upd wire.ContextUpdate
	if err := frame.DecodePayload(&upd); err != nil {
		o.fail(sess.ConnID, frame.RequestID, wire.ErrInvalidRequest, err.Error())
		return
	}
	if !sess.hasProject(upd.ProjectToken) {
		o.fail(sess.ConnID, frame.RequestID, wire.ErrForbidden, "project not attached to session")
		return
	}

	applied, err := o.cache.UpdateContext(ctx, upd.ProjectToken, cache.Change{
		FilePath:  upd.FilePath,
		StartLine: upd.StartLine,
		EndLine:   upd.EndLine,
		NewLines:  upd.NewLines,
	})
	if err != nil {
		o.fail(sess.ConnID, frame.RequestID, wire.ErrInternal, "could not apply context update")
		return
	}

	o.registry.Deliver(sess.ConnID, wire.MustFrame(wire.FrameContextAck, frame.RequestID, wire.ContextAck{
		FilePath:    applied.FilePath,
		ChangeIndex: applied.Index,
	}))
	o.registry.BroadcastProject(upd.ProjectToken, wire.MustFrame(wire.FrameContextBroadcast, "", wire.ContextBroadcast{
		ProjectToken: upd.ProjectToken,
		ChangeIndex:  applied.Index,
		FilePath:     applied.FilePath,
		Digest:       applied.Digest,
	}), sess.ConnID)
}

// onReply routes one worker frame arriving on a connection's reply channel.
func (o *Orchestrator) onReply(ctx context.Context, connID string, frame wire.Frame) {
	switch frame.Type {
	case wire.FrameCompletionPartial:
		o.onPartial(ctx, connID, frame)
	case wire.FrameInferenceComplete:
		o.sealByID(ctx, frame.RequestID, false)
	case wire.FrameChatPartial:
		// Chat streams incrementally; partials are forwarded as they land
		// and do not count toward sealing.
		o.mu.Lock()
		p, ok := o.pending[frame.RequestID]
		live := ok && !p.sealed
		o.mu.Unlock()
		if live {
			o.registry.Deliver(connID, frame)
		}
	case wire.FrameChatFinal:
		o.registry.Deliver(connID, frame)
		o.onChatFinal(ctx, frame)
	case wire.FrameError:
		o.registry.Deliver(connID, frame)
		o.dropPending(frame.RequestID)
	default:
		logger.Debugw("unexpected reply frame", "type", frame.Type, "request_id", frame.RequestID)
	}
}

func (o *Orchestrator) onPartial(ctx context.Context, connID string, frame wire.Frame) {
	var reply wire.ModelReply
	if err := frame.DecodePayload(&reply); err != nil {
		logger.Errorf("Undecodable model reply: %v", err)
		return
	}

	o.mu.Lock()
	p, ok := o.pending[frame.RequestID]
	if !ok || p.sealed {
		// Sealed or unknown: late replies are dropped, the client already
		// got its final frame.
		o.mu.Unlock()
		return
	}
	if _, dup := p.replies[reply.ModelID]; dup {
		o.mu.Unlock()
		return
	}
	p.replies[reply.ModelID] = reply
	done := len(p.replies) == len(p.expected)
	o.mu.Unlock()

	o.registry.Deliver(connID, frame)
	if done {
		o.sealByID(ctx, frame.RequestID, false)
	}
}

// onChatFinal seals a chat request after its final frame was delivered.
func (o *Orchestrator) onChatFinal(ctx context.Context, frame wire.Frame) {
	var reply wire.ModelReply
	if err := frame.DecodePayload(&reply); err != nil {
		logger.Errorf("Undecodable chat reply: %v", err)
		return
	}
	o.mu.Lock()
	if p, ok := o.pending[frame.RequestID]; ok && !p.sealed {
		p.replies[reply.ModelID] = reply
	}
	o.mu.Unlock()
	o.sealByID(ctx, frame.RequestID, false)
}

// dropPending removes a request without persisting, e.g. after a worker-side
// rejection. The request still lands in the sealed table so late replies and
// feedback resolve consistently.
func (o *Orchestrator) dropPending(requestID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	p, ok := o.pending[requestID]
	if !ok {
		return
	}
	p.timer.Stop()
	p.sealed = true
	delete(o.pending, requestID)
	o.completed.Add(requestID, completedEntry{userID: p.userID, modelIDs: modelList(p.expected)})
}

func (o *Orchestrator) onDeadline(requestID string) {
	o.sealByID(context.Background(), requestID, true)
}

// sealByID finalizes a request exactly once: the client gets its final
// frame, then the sealed record goes to the persist queue, then analytics.
func (o *Orchestrator) sealByID(ctx context.Context, requestID string, timedOut bool) {
	o.mu.Lock()
	p, ok := o.pending[requestID]
	if !ok || p.sealed {
		o.mu.Unlock()
		return
	}
	p.sealed = true
	p.timer.Stop()
	delete(o.pending, requestID)
	o.completed.Add(requestID, completedEntry{userID: p.userID, modelIDs: modelList(p.expected)})

	replied := make([]int, 0, len(p.replies))
	var missing []int
	for id := range p.expected {
		if _, ok := p.replies[id]; ok {
			replied = append(replied, id)
		} else {
			missing = append(missing, id)
		}
	}
	servingTime := o.clock.Since(p.start)
	o.mu.Unlock()

	switch p.kind {
	case gateway.KindCompletion:
		o.registry.Deliver(p.connID, wire.MustFrame(wire.FrameCompletionFinal, requestID, wire.CompletionFinal{
			Replied:  replied,
			TimedOut: missing,
			Timeout:  timedOut,
		}))
		outcome := "ok"
		if timedOut {
			outcome = "timeout"
		}
		telemetry.RequestsTotal.WithLabelValues("completion", outcome).Inc()
	case gateway.KindChat:
		// The normal chat path delivers its final frame before sealing; a
		// deadline seal means the model never finished, and the client must
		// not be left waiting.
		if timedOut {
			o.registry.Deliver(p.connID, wire.ErrorFrame(requestID, wire.ErrTimeout, "chat response deadline elapsed"))
			telemetry.RequestsTotal.WithLabelValues("chat", "timeout").Inc()
		}
	}

	// Persist strictly after the final frame is on its way to the client.
	o.persistSealed(ctx, p, servingTime)

	if o.sink != nil {
		o.sink.Emit(ctx, telemetry.Envelope{Contextual: p.contextual, Behavioral: p.behavioral})
	}
}

// persistSealed enqueues the sealed request's durable record.
func (o *Orchestrator) persistSealed(ctx context.Context, p *pending, servingTime time.Duration) {
	generations := make([]gateway.Generation, 0, len(p.replies))
	for _, r := range p.replies {
		if r.Error != "" {
			continue
		}
		generations = append(generations, gateway.Generation{
			RequestID:        p.requestID,
			ModelID:          r.ModelID,
			Completion:       r.Completion,
			GenerationTimeMS: r.GenerationTimeMS,
			Confidence:       r.Confidence,
			Logprobs:         r.Logprobs,
		})
	}

	// The stored context goes through the same redaction the workers apply,
	// so nothing a worker refused to see lands in durable storage.
	var qc *gateway.QueryContext
	if p.context != nil {
		prefix, _ := o.opts.Detector.Redact(p.context.Prefix)
		suffix, _ := o.opts.Detector.Redact(p.context.Suffix)
		qc = &gateway.QueryContext{
			RequestID:    p.requestID,
			Prefix:       prefix,
			Suffix:       suffix,
			FileName:     p.context.FileName,
			SelectedText: p.context.SelectedText,
		}
	}

	err := o.persist.EnqueueQuery(ctx, worker.PersistQueryTask{
		Query: gateway.MetaQuery{
			RequestID:          p.requestID,
			UserID:             p.userID,
			ProjectID:          p.projectID,
			Kind:               p.kind,
			ChatID:             p.chatID,
			TotalServingTimeMS: servingTime.Milliseconds(),
			ServerVersionID:    o.opts.ServerVersionID,
			IssuedAt:           p.start,
		},
		Context:     qc,
		Generations: generations,
	})
	if err != nil {
		logger.Errorf("Failed to enqueue sealed request %s: %v", p.requestID, err)
	}
}

func dedupe(ids []int) []int {
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

func modelList(set map[int]struct{}) []int {
	out := make([]int, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	return out
}

func contextualRow(requestID string, t *wire.ContextualTelemetry) *gateway.ContextualTelemetry {
	return &gateway.ContextualTelemetry{
		RequestID:                requestID,
		VersionID:                t.VersionID,
		TriggerTypeID:            t.TriggerTypeID,
		LanguageID:               t.LanguageID,
		FilePath:                 t.FilePath,
		CaretLine:                t.CaretLine,
		DocumentCharLength:       t.DocumentCharLength,
		RelativeDocumentPosition: t.RelativeDocumentPosition,
	}
}

func behavioralRow(requestID string, t *wire.BehavioralTelemetry) *gateway.BehavioralTelemetry {
	return &gateway.BehavioralTelemetry{
		RequestID:               requestID,
		TimeSinceLastShownMS:    t.TimeSinceLastShownMS,
		TimeSinceLastAcceptedMS: t.TimeSinceLastAcceptedMS,
		TypingSpeed:             t.TypingSpeed,
	}
}
