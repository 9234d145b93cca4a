// SPDX-FileCopyrightText: Copyright 2025 Codemux Authors
// SPDX-License-Identifier: Apache-2.0

// Package transport is the WebSocket endpoint. It upgrades HTTP requests,
// authenticates the connection from its cookies, and runs the read loop and
// writer pump that bridge the socket to the registry and the orchestrator.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/codemux/codemux/pkg/auth"
	"github.com/codemux/codemux/pkg/logger"
	"github.com/codemux/codemux/pkg/orchestrator"
	"github.com/codemux/codemux/pkg/registry"
	"github.com/codemux/codemux/pkg/wire"
)

// Options tunes the socket behavior.
type Options struct {
	// ReadLimit caps the size of one inbound frame in bytes.
	ReadLimit int64
	// PongWait is how long a connection may stay silent before it is
	// considered dead; PingInterval must be shorter.
	PongWait     time.Duration
	PingInterval time.Duration
	// WriteWait bounds each socket write.
	WriteWait time.Duration
	// CheckOrigin overrides the upgrader's origin policy. Nil allows all
	// origins (cookie auth is the actual gate).
	CheckOrigin func(r *http.Request) bool
}

func (o *Options) defaults() {
	if o.ReadLimit <= 0 {
		o.ReadLimit = 256 << 10
	}
	if o.PongWait <= 0 {
		o.PongWait = 60 * time.Second
	}
	if o.PingInterval <= 0 {
		o.PingInterval = o.PongWait * 9 / 10
	}
	if o.WriteWait <= 0 {
		o.WriteWait = 10 * time.Second
	}
}

// Server upgrades and runs WebSocket connections.
type Server struct {
	auth     *auth.Manager
	registry *registry.Registry
	orch     *orchestrator.Orchestrator
	upgrader websocket.Upgrader
	opts     Options
}

// NewServer wires the endpoint.
func NewServer(authMgr *auth.Manager, reg *registry.Registry, orch *orchestrator.Orchestrator, opts Options) *Server {
	opts.defaults()
	checkOrigin := opts.CheckOrigin
	if checkOrigin == nil {
		checkOrigin = func(*http.Request) bool { return true }
	}
	return &Server{
		auth:     authMgr,
		registry: reg,
		orch:     orch,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     checkOrigin,
		},
		opts: opts,
	}
}

// ServeHTTP upgrades the request and runs the connection until it closes.
// Authentication happens after the upgrade so the client gets a proper error
// frame instead of an opaque handshake failure.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Debugf("WebSocket upgrade failed: %v", err)
		return
	}
	defer ws.Close()

	creds := credentialsFromCookies(r)
	az, err := s.auth.Authenticate(r.Context(), creds)
	if err != nil {
		s.rejectAndClose(ws, err)
		return
	}

	s.run(r.Context(), ws, creds.AuthToken, az)
}

// credentialsFromCookies pulls the token hierarchy out of the request.
func credentialsFromCookies(r *http.Request) auth.Credentials {
	var creds auth.Credentials
	if c, err := r.Cookie(auth.CookieAuthToken); err == nil {
		creds.AuthToken = c.Value
	}
	if c, err := r.Cookie(auth.CookieSessionToken); err == nil {
		creds.SessionToken = c.Value
	}
	return creds
}

// rejectAndClose sends one error frame and a close message, then hangs up.
func (s *Server) rejectAndClose(ws *websocket.Conn, err error) {
	kind := wire.ErrInternal
	msg := "authentication failed"
	var rej *auth.RejectionError
	if errors.As(err, &rej) {
		kind = wire.ErrUnauthenticated
		msg = rej.Error()
	}
	deadline := time.Now().Add(s.opts.WriteWait)
	_ = ws.SetWriteDeadline(deadline)
	_ = ws.WriteJSON(wire.ErrorFrame("", kind, msg))
	_ = ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.ClosePolicyViolation, string(kind)), deadline)
}

// run registers the connection and pumps frames both ways until either side
// ends it.
func (s *Server) run(ctx context.Context, ws *websocket.Conn, authToken string, az *auth.Authz) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	connID := uuid.NewString()
	sink := s.registry.Register(connID, az.SessionToken, az.UserID, az.ProjectTokens)
	if err := s.orch.Attach(ctx, connID); err != nil {
		logger.Errorf("Failed to attach reply listener for %s: %v", connID, err)
		s.registry.Unregister(connID, registry.ReasonInternal)
		return
	}
	defer s.orch.Detach(connID)
	defer s.registry.Unregister(connID, registry.ReasonInternal)

	sess := &orchestrator.Session{
		ConnID:        connID,
		UserID:        az.UserID,
		AuthToken:     authToken,
		SessionToken:  az.SessionToken,
		ProjectTokens: az.ProjectTokens,
	}
	logger.Infow("connection opened", "connection_id", connID, "user_id", az.UserID)

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		s.writePump(ws, sink)
	}()

	s.readLoop(ctx, ws, sess)

	// The read loop ended: drop the connection so the writer pump observes
	// the closed sink and exits.
	s.registry.Unregister(connID, registry.ReasonInternal)
	<-writerDone
	logger.Infow("connection closed", "connection_id", connID, "reason", sink.Reason)
}

// readLoop decodes inbound frames and hands them to the orchestrator. Returns
// when the socket errors or the context ends.
func (s *Server) readLoop(ctx context.Context, ws *websocket.Conn, sess *orchestrator.Session) {
	ws.SetReadLimit(s.opts.ReadLimit)
	_ = ws.SetReadDeadline(time.Now().Add(s.opts.PongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(s.opts.PongWait))
	})

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.Debugw("socket read error", "connection_id", sess.ConnID, "error", err)
			}
			return
		}
		var frame wire.Frame
		if err := json.Unmarshal(data, &frame); err != nil {
			s.registry.Deliver(sess.ConnID, wire.ErrorFrame("", wire.ErrInvalidRequest, "malformed frame"))
			continue
		}
		s.orch.HandleFrame(ctx, sess, frame)
	}
}

// writePump drains the registry sink onto the socket and keeps the connection
// alive with pings. Exits when the sink closes or a write fails.
func (s *Server) writePump(ws *websocket.Conn, sink *registry.Sink) {
	ticker := time.NewTicker(s.opts.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case frame := <-sink.Frames:
			_ = ws.SetWriteDeadline(time.Now().Add(s.opts.WriteWait))
			if err := ws.WriteJSON(frame); err != nil {
				return
			}
		case <-sink.Closed:
			// Flush anything already queued before announcing the close.
			for {
				select {
				case frame := <-sink.Frames:
					_ = ws.SetWriteDeadline(time.Now().Add(s.opts.WriteWait))
					if err := ws.WriteJSON(frame); err != nil {
						return
					}
					continue
				default:
				}
				break
			}
			deadline := time.Now().Add(s.opts.WriteWait)
			_ = ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, string(sink.Reason)), deadline)
			return
		case <-ticker.C:
			deadline := time.Now().Add(s.opts.WriteWait)
			if err := ws.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				return
			}
		}
	}
}
