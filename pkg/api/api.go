// SPDX-FileCopyrightText: Copyright 2025 Codemux Authors
// SPDX-License-Identifier: Apache-2.0

// Package api is the HTTP surface: account endpoints, the cookie-based
// session lifecycle, the WebSocket upgrade route, health and metrics.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/codemux/codemux/pkg/auth"
	"github.com/codemux/codemux/pkg/cache"
	"github.com/codemux/codemux/pkg/gateway"
	"github.com/codemux/codemux/pkg/logger"
	"github.com/codemux/codemux/pkg/wire"
)

// Options configures the HTTP surface.
type Options struct {
	// Cookie lifetimes, matching the cache record TTLs.
	AuthTokenTTL    time.Duration
	SessionTokenTTL time.Duration
	// RateLimits maps a route pattern to its per-IP hourly cap.
	RateLimits map[string]int
	// SecureCookies marks cookies Secure; disable only for local dev.
	SecureCookies bool
}

// Server exposes the REST routes and mounts the WebSocket handler.
type Server struct {
	auth    *auth.Manager
	gateway gateway.Gateway
	ws      http.Handler
	opts    Options
}

// NewServer wires the HTTP surface. ws is mounted at /api/v1/ws and may be
// nil in worker-only deployments.
func NewServer(authMgr *auth.Manager, gw gateway.Gateway, ws http.Handler, opts Options) *Server {
	return &Server{auth: authMgr, gateway: gw, ws: ws, opts: opts}
}

// Router builds the chi router with all routes attached.
func (s *Server) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.With(s.limit("user")).Post("/user", s.handleRegister)
		r.With(s.limit("user")).Post("/user/verify", s.handleVerify)
		r.With(s.limit("user")).Post("/user/password-reset", s.handlePasswordResetRequest)
		r.With(s.limit("user")).Put("/user/password", s.handlePasswordReset)
		r.With(s.limit("login")).Post("/login", s.handleLogin)

		r.With(s.limit("session")).Get("/session/acquire", s.handleAcquireSession)
		r.With(s.limit("session")).Put("/session/deactivate", s.handleDeactivateSession)
		r.With(s.limit("project")).Put("/project/activate", s.handleActivateProject)

		if s.ws != nil {
			r.Method(http.MethodGet, "/ws", s.ws)
		}
	})
	return r
}

// limit looks up the configured cap for a route pattern.
func (s *Server) limit(pattern string) func(http.Handler) http.Handler {
	return rateLimit(s.opts.RateLimits[pattern])
}

type registerRequest struct {
	Email    string `json:"email"`
	Name     string `json:"name"`
	Password string `json:"password"`
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Email == "" || req.Password == "" {
		writeError(w, apiError{wire.ErrInvalidRequest, "email and password are required"})
		return
	}

	userID, verification, err := s.auth.Register(r.Context(), req.Email, req.Name, req.Password)
	if err != nil {
		writeAuthError(w, err)
		return
	}

	// Email delivery is out of scope; the verification token is returned to
	// the caller directly.
	writeJSON(w, http.StatusCreated, map[string]string{
		"user_id":            userID,
		"verification_token": verification,
	})
}

func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Token string `json:"token"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if err := s.auth.VerifyEmail(r.Context(), req.Token); err != nil {
		writeAuthError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handlePasswordResetRequest(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email string `json:"email"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	token, err := s.auth.RequestPasswordReset(r.Context(), req.Email)
	if err != nil {
		// Whether the account exists is not disclosed.
		logger.Debugf("Password reset request failed: %v", err)
	}
	resp := map[string]string{}
	if token != "" {
		resp["reset_token"] = token
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handlePasswordReset(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Token       string `json:"token"`
		NewPassword string `json:"new_password"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if err := s.auth.ResetPassword(r.Context(), req.Token, req.NewPassword); err != nil {
		writeAuthError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if !decodeBody(w, r, &req) {
		return
	}

	authToken, err := s.auth.Login(r.Context(), req.Email, req.Password)
	if err != nil {
		writeAuthError(w, err)
		return
	}

	s.setCookie(w, auth.CookieAuthToken, authToken, s.opts.AuthTokenTTL)
	w.WriteHeader(http.StatusNoContent)
}

// handleAcquireSession issues a session under the caller's auth token, or
// refreshes the one already presented. Idempotent.
func (s *Server) handleAcquireSession(w http.ResponseWriter, r *http.Request) {
	authToken := cookieValue(r, auth.CookieAuthToken)
	if authToken == "" {
		writeError(w, apiError{wire.ErrUnauthenticated, "login required"})
		return
	}

	sessionToken, err := s.auth.AcquireSession(r.Context(), authToken, cookieValue(r, auth.CookieSessionToken))
	if err != nil {
		writeAuthError(w, err)
		return
	}

	s.setCookie(w, auth.CookieSessionToken, sessionToken, s.opts.SessionTokenTTL)
	writeJSON(w, http.StatusOK, map[string]string{"session_token": sessionToken})
}

func (s *Server) handleDeactivateSession(w http.ResponseWriter, r *http.Request) {
	sessionToken := cookieValue(r, auth.CookieSessionToken)
	if sessionToken == "" {
		writeError(w, apiError{wire.ErrUnauthenticated, "no active session"})
		return
	}

	if err := s.auth.DeactivateSession(r.Context(), sessionToken); err != nil {
		writeAuthError(w, err)
		return
	}

	s.clearCookie(w, auth.CookieSessionToken)
	s.clearCookie(w, auth.CookieProjectToken)
	w.WriteHeader(http.StatusNoContent)
}

type activateProjectRequest struct {
	ProjectID string            `json:"project_id"`
	Files     map[string]string `json:"files,omitempty"`
}

func (s *Server) handleActivateProject(w http.ResponseWriter, r *http.Request) {
	creds := auth.Credentials{
		AuthToken:    cookieValue(r, auth.CookieAuthToken),
		SessionToken: cookieValue(r, auth.CookieSessionToken),
	}
	if _, err := s.auth.Authenticate(r.Context(), creds); err != nil {
		writeAuthError(w, err)
		return
	}

	var req activateProjectRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.ProjectID == "" {
		writeError(w, apiError{wire.ErrInvalidRequest, "project_id is required"})
		return
	}

	projectToken, err := s.auth.ActivateProject(r.Context(), creds.SessionToken, req.ProjectID, req.Files)
	if err != nil {
		writeAuthError(w, err)
		return
	}
	// The project lives no longer than its parent session.
	s.setCookie(w, auth.CookieProjectToken, projectToken, s.opts.SessionTokenTTL)
	writeJSON(w, http.StatusOK, map[string]string{"project_token": projectToken})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.gateway != nil {
		if err := s.gateway.Ping(r.Context()); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded"})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) setCookie(w http.ResponseWriter, name, value string, ttl time.Duration) {
	http.SetCookie(w, &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     "/",
		MaxAge:   int(ttl / time.Second),
		HttpOnly: true,
		Secure:   s.opts.SecureCookies,
		SameSite: http.SameSiteStrictMode,
	})
}

func (s *Server) clearCookie(w http.ResponseWriter, name string) {
	http.SetCookie(w, &http.Cookie{
		Name:     name,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   s.opts.SecureCookies,
		SameSite: http.SameSiteStrictMode,
	})
}

// apiError pairs an error kind with a client-safe message.
type apiError struct {
	Kind    wire.ErrorKind
	Message string
}

func wireRateLimited() apiError {
	return apiError{wire.ErrRateLimited, "rate limit exceeded"}
}

func cookieValue(r *http.Request, name string) string {
	c, err := r.Cookie(name)
	if err != nil {
		return ""
	}
	return c.Value
}

// decodeBody unmarshals the request body, reporting invalid-request on
// failure. Returns false when the handler should stop.
func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, apiError{wire.ErrInvalidRequest, "malformed request body"})
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		logger.Debugf("Failed to write response: %v", err)
	}
}

func writeError(w http.ResponseWriter, e apiError) {
	writeJSON(w, e.Kind.HTTPStatus(), map[string]string{
		"error": e.Message,
		"kind":  string(e.Kind),
	})
}

// writeAuthError maps auth rejections to unauthenticated, missing or burned
// tokens to invalid-request, and everything else to a generic failure without
// leaking internals.
func writeAuthError(w http.ResponseWriter, err error) {
	var rej *auth.RejectionError
	if errors.As(err, &rej) {
		writeError(w, apiError{wire.ErrUnauthenticated, rej.Error()})
		return
	}
	if errors.Is(err, cache.ErrNotFound) || errors.Is(err, cache.ErrConsumed) {
		writeError(w, apiError{wire.ErrInvalidRequest, "unknown or already used token"})
		return
	}
	if errors.Is(err, auth.ErrAccountExists) {
		writeError(w, apiError{wire.ErrInvalidRequest, "account already exists"})
		return
	}
	logger.Errorf("Request failed: %v", err)
	writeError(w, apiError{wire.ErrInternal, "request failed"})
}
