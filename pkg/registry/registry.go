// SPDX-FileCopyrightText: Copyright 2025 Codemux Authors
// SPDX-License-Identifier: Apache-2.0

// Package registry tracks the WebSocket connections owned by this process.
// It is purely in-memory: a connection registered here lives and dies with
// the process, and delivery to a connection never blocks the caller.
package registry

import (
	"sync"

	"github.com/codemux/codemux/pkg/logger"
	"github.com/codemux/codemux/pkg/wire"
)

// CloseReason explains why the registry asked a connection to close.
type CloseReason string

// Close reasons handed to the writer pump.
const (
	ReasonSessionExpired CloseReason = "session-expired"
	ReasonProjectEnded   CloseReason = "project-ended"
	ReasonBackpressure   CloseReason = "backpressure"
	ReasonInternal       CloseReason = "internal"
	ReasonShutdown       CloseReason = "server-shutdown"
)

// Sink is the outbound side of one connection. The registry writes frames to
// Frames and signals termination exactly once via Closed; the writer pump
// owns the actual socket.
type Sink struct {
	// Frames carries outbound frames. Buffered; a full buffer marks the
	// consumer as too slow and the connection is dropped.
	Frames chan wire.Frame
	// Closed is closed when the registry drops the connection; Reason is
	// valid afterwards.
	Closed chan struct{}
	Reason CloseReason

	once sync.Once
}

// close marks the sink closed with the given reason. Safe to call twice.
func (s *Sink) close(reason CloseReason) {
	s.once.Do(func() {
		s.Reason = reason
		close(s.Closed)
	})
}

// conn is the registry's view of one connection.
type conn struct {
	id           string
	sessionToken string
	userID       string
	sink         *Sink
	// projects the connection currently participates in.
	projects map[string]struct{}
}

// Registry is the process-local connection table with secondary indexes by
// session token and project token.
type Registry struct {
	mu        sync.RWMutex
	conns     map[string]*conn
	bySession map[string]map[string]*conn
	byProject map[string]map[string]*conn

	bufferSize int
}

// New creates a registry whose sinks buffer bufferSize outbound frames.
func New(bufferSize int) *Registry {
	if bufferSize <= 0 {
		bufferSize = 64
	}
	return &Registry{
		conns:      make(map[string]*conn),
		bySession:  make(map[string]map[string]*conn),
		byProject:  make(map[string]map[string]*conn),
		bufferSize: bufferSize,
	}
}

// Register adds a connection and returns its outbound sink. IDs are
// caller-allocated and must be unique; re-registering an ID drops the old
// connection first.
func (r *Registry) Register(connID, sessionToken, userID string, projectTokens []string) *Sink {
	sink := &Sink{
		Frames: make(chan wire.Frame, r.bufferSize),
		Closed: make(chan struct{}),
	}
	c := &conn{
		id:           connID,
		sessionToken: sessionToken,
		userID:       userID,
		sink:         sink,
		projects:     make(map[string]struct{}, len(projectTokens)),
	}
	for _, pt := range projectTokens {
		c.projects[pt] = struct{}{}
	}

	r.mu.Lock()
	if old, ok := r.conns[connID]; ok {
		r.removeLocked(old, ReasonInternal)
	}
	r.conns[connID] = c
	addIndex(r.bySession, sessionToken, c)
	for pt := range c.projects {
		addIndex(r.byProject, pt, c)
	}
	r.mu.Unlock()
	return sink
}

// Unregister removes a connection, closing its sink with the given reason.
// Unknown IDs are ignored.
func (r *Registry) Unregister(connID string, reason CloseReason) {
	r.mu.Lock()
	if c, ok := r.conns[connID]; ok {
		r.removeLocked(c, reason)
	}
	r.mu.Unlock()
}

// removeLocked drops c from all indexes. Caller holds r.mu.
func (r *Registry) removeLocked(c *conn, reason CloseReason) {
	delete(r.conns, c.id)
	dropIndex(r.bySession, c.sessionToken, c.id)
	for pt := range c.projects {
		dropIndex(r.byProject, pt, c.id)
	}
	c.sink.close(reason)
}

// JoinProject adds the connection to a project's broadcast group.
func (r *Registry) JoinProject(connID, projectToken string) {
	r.mu.Lock()
	if c, ok := r.conns[connID]; ok {
		if _, in := c.projects[projectToken]; !in {
			c.projects[projectToken] = struct{}{}
			addIndex(r.byProject, projectToken, c)
		}
	}
	r.mu.Unlock()
}

// UserID reports the user that owns the connection.
func (r *Registry) UserID(connID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.conns[connID]
	if !ok {
		return "", false
	}
	return c.userID, true
}

// SessionToken reports the session the connection is bound to.
func (r *Registry) SessionToken(connID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.conns[connID]
	if !ok {
		return "", false
	}
	return c.sessionToken, true
}

// Deliver sends a frame to one connection. Returns false when the connection
// is not registered (the frame is discarded; replies for dead connections
// are not an error). A full sink means the consumer stopped draining: the
// connection is dropped with ReasonBackpressure and delivery reports false.
func (r *Registry) Deliver(connID string, frame wire.Frame) bool {
	r.mu.RLock()
	c, ok := r.conns[connID]
	r.mu.RUnlock()
	if !ok {
		return false
	}

	select {
	case c.sink.Frames <- frame:
		return true
	default:
		logger.Warnw("dropping slow connection", "connection_id", connID)
		r.Unregister(connID, ReasonBackpressure)
		return false
	}
}

// BroadcastProject delivers a frame to every member of a project except the
// connections listed in except. Returns the number of deliveries.
func (r *Registry) BroadcastProject(projectToken string, frame wire.Frame, except ...string) int {
	r.mu.RLock()
	members := make([]string, 0, len(r.byProject[projectToken]))
	for id := range r.byProject[projectToken] {
		members = append(members, id)
	}
	r.mu.RUnlock()

	skip := make(map[string]struct{}, len(except))
	for _, id := range except {
		skip[id] = struct{}{}
	}

	n := 0
	for _, id := range members {
		if _, s := skip[id]; s {
			continue
		}
		if r.Deliver(id, frame) {
			n++
		}
	}
	return n
}

// CloseSession drops every connection bound to the session token.
func (r *Registry) CloseSession(sessionToken string, reason CloseReason) {
	r.mu.Lock()
	doomed := make([]*conn, 0, len(r.bySession[sessionToken]))
	for _, c := range r.bySession[sessionToken] {
		doomed = append(doomed, c)
	}
	for _, c := range doomed {
		r.removeLocked(c, reason)
	}
	r.mu.Unlock()
}

// CloseProject drops every connection bound to the project token. Used when
// a project's last parent session dies while other sessions still hold
// connections joined to it.
func (r *Registry) CloseProject(projectToken string, reason CloseReason) {
	r.mu.Lock()
	doomed := make([]*conn, 0, len(r.byProject[projectToken]))
	for _, c := range r.byProject[projectToken] {
		doomed = append(doomed, c)
	}
	for _, c := range doomed {
		r.removeLocked(c, reason)
	}
	r.mu.Unlock()
}

// CloseAll drops every connection, used at shutdown.
func (r *Registry) CloseAll(reason CloseReason) {
	r.mu.Lock()
	doomed := make([]*conn, 0, len(r.conns))
	for _, c := range r.conns {
		doomed = append(doomed, c)
	}
	for _, c := range doomed {
		r.removeLocked(c, reason)
	}
	r.mu.Unlock()
}

// Len reports the number of registered connections.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

func addIndex(idx map[string]map[string]*conn, key string, c *conn) {
	m, ok := idx[key]
	if !ok {
		m = make(map[string]*conn)
		idx[key] = m
	}
	m[c.id] = c
}

func dropIndex(idx map[string]map[string]*conn, key, connID string) {
	if m, ok := idx[key]; ok {
		delete(m, connID)
		if len(m) == 0 {
			delete(idx, key)
		}
	}
}
