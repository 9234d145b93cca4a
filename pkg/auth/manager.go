// SPDX-FileCopyrightText: Copyright 2025 Codemux Authors
// SPDX-License-Identifier: Apache-2.0

// Package auth owns account credentials and the lifecycle of the token
// hierarchy: login issues auth tokens, sessions are acquired and torn down
// here, and expirations reported by the cache reaper cascade through this
// package so connections get closed and dying project contexts get flushed.
package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/codemux/codemux/pkg/cache"
	"github.com/codemux/codemux/pkg/gateway"
	"github.com/codemux/codemux/pkg/logger"
	"github.com/codemux/codemux/pkg/registry"
)

// PersistEnqueuer hands durable writes produced by session teardown to the
// persist queue. Implemented by the persistence worker package; the serving
// path never writes to storage directly.
type PersistEnqueuer interface {
	EnqueueContextFlush(ctx context.Context, files []gateway.ContextFile) error
	EnqueueSessionClose(ctx context.Context, s gateway.SessionClose) error
}

// Credentials are the tokens presented by a client, typically via cookies.
type Credentials struct {
	AuthToken    string
	SessionToken string
	ProjectToken string
}

// Authz is the result of a successful authentication.
type Authz struct {
	UserID        string
	SessionToken  string
	ProjectTokens []string
	Preferences   map[string]any
}

// StoresContext reports whether the session consented to durable context
// storage.
func (a *Authz) StoresContext() bool {
	v, ok := a.Preferences["store_context"].(bool)
	return ok && v
}

// Manager implements login, session acquisition, project activation and the
// expiration cascade.
type Manager struct {
	cache    *cache.Cache
	gateway  gateway.Gateway
	registry *registry.Registry
	persist  PersistEnqueuer
}

// NewManager wires the manager. persist may be nil in read-only deployments;
// dying project contexts are then discarded.
func NewManager(c *cache.Cache, gw gateway.Gateway, reg *registry.Registry, persist PersistEnqueuer) *Manager {
	return &Manager{cache: c, gateway: gw, registry: reg, persist: persist}
}

// Register creates an unverified account and returns its verification token.
func (m *Manager) Register(ctx context.Context, email, name, password string) (userID, verificationToken string, err error) {
	if _, err := m.gateway.GetUserByEmail(ctx, email); err == nil {
		return "", "", fmt.Errorf("%w: %s", ErrAccountExists, email)
	} else if !errors.Is(err, gateway.ErrNotFound) {
		return "", "", err
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", "", fmt.Errorf("failed to hash password: %w", err)
	}

	userID = uuid.NewString()
	err = m.gateway.UpsertUser(ctx, gateway.User{
		ID:           userID,
		Email:        email,
		Name:         name,
		PasswordHash: string(hash),
		JoinedAt:     time.Now(),
	})
	if err != nil {
		return "", "", err
	}

	verificationToken, err = m.cache.IssueOneShot(ctx, cache.KindVerification, cache.OneShotRecord{
		UserID: userID,
		Email:  email,
	})
	if err != nil {
		return "", "", err
	}
	return userID, verificationToken, nil
}

// VerifyEmail consumes a verification token and marks the account verified.
func (m *Manager) VerifyEmail(ctx context.Context, token string) error {
	rec, err := m.cache.ConsumeOneShot(ctx, cache.KindVerification, token)
	if err != nil {
		return err
	}
	u, err := m.gateway.GetUser(ctx, rec.UserID)
	if err != nil {
		return err
	}
	u.Verified = true
	return m.gateway.UpsertUser(ctx, *u)
}

// RequestPasswordReset issues a reset token for the account behind email.
// Callers must not reveal to the requester whether the account exists.
func (m *Manager) RequestPasswordReset(ctx context.Context, email string) (string, error) {
	u, err := m.gateway.GetUserByEmail(ctx, email)
	if err != nil {
		return "", err
	}
	return m.cache.IssueOneShot(ctx, cache.KindReset, cache.OneShotRecord{
		UserID: u.ID,
		Email:  u.Email,
	})
}

// ResetPassword consumes a reset token and replaces the account password.
// Every live auth token of the account keeps working; revocation on reset is
// a product decision left to the caller via RevokeUser.
func (m *Manager) ResetPassword(ctx context.Context, token, newPassword string) error {
	rec, err := m.cache.ConsumeOneShot(ctx, cache.KindReset, token)
	if err != nil {
		return err
	}
	u, err := m.gateway.GetUser(ctx, rec.UserID)
	if err != nil {
		return err
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(newPassword), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("failed to hash password: %w", err)
	}
	u.PasswordHash = string(hash)
	return m.gateway.UpsertUser(ctx, *u)
}

// Login checks credentials and issues a fresh auth token.
func (m *Manager) Login(ctx context.Context, email, password string) (string, error) {
	u, err := m.gateway.GetUserByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, gateway.ErrNotFound) {
			return "", reject(ReasonBadCredentials, "auth")
		}
		return "", err
	}
	if bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(password)) != nil {
		return "", reject(ReasonBadCredentials, "auth")
	}
	if !u.Verified {
		return "", reject(ReasonNotVerified, "auth")
	}
	return m.cache.IssueAuth(ctx, u.ID)
}

// AcquireSession returns a session bound to authToken. When the presented
// session token is still live and belongs to this auth token it is reused
// and its TTL renewed; otherwise a new session is issued with a preference
// snapshot taken from the account.
func (m *Manager) AcquireSession(ctx context.Context, authToken, presentedSession string) (string, error) {
	authRec, err := m.cache.GetAuth(ctx, authToken)
	if err != nil {
		if errors.Is(err, cache.ErrNotFound) {
			return "", reject(ReasonUnknownToken, "auth")
		}
		return "", err
	}

	if presentedSession != "" {
		rec, err := m.cache.GetSession(ctx, presentedSession)
		if err == nil {
			if rec.AuthToken != authToken {
				return "", reject(ReasonMismatchedParent, "session")
			}
			if err := m.cache.TouchSession(ctx, presentedSession); err == nil {
				return presentedSession, nil
			}
		}
		// Stale cookie: fall through to a fresh session.
	}

	prefs := map[string]any{}
	if u, err := m.gateway.GetUser(ctx, authRec.UserID); err == nil {
		prefs["store_context"] = u.StoreContext
	}
	return m.cache.IssueSession(ctx, authToken, prefs)
}

// Authenticate validates the full credential chain. The session must exist
// and descend from the presented auth token; when a project token is
// presented it must be attached to the session.
func (m *Manager) Authenticate(ctx context.Context, creds Credentials) (*Authz, error) {
	if creds.AuthToken == "" {
		return nil, reject(ReasonMissingToken, "auth")
	}
	if creds.SessionToken == "" {
		return nil, reject(ReasonMissingToken, "session")
	}

	authRec, err := m.cache.GetAuth(ctx, creds.AuthToken)
	if err != nil {
		if errors.Is(err, cache.ErrNotFound) {
			return nil, reject(ReasonUnknownToken, "auth")
		}
		return nil, err
	}

	sessRec, err := m.cache.GetSession(ctx, creds.SessionToken)
	if err != nil {
		if errors.Is(err, cache.ErrNotFound) {
			return nil, reject(ReasonUnknownToken, "session")
		}
		return nil, err
	}
	if sessRec.AuthToken != creds.AuthToken {
		return nil, reject(ReasonMismatchedParent, "session")
	}

	if creds.ProjectToken != "" {
		attached := false
		for _, pt := range sessRec.ProjectTokens {
			if pt == creds.ProjectToken {
				attached = true
				break
			}
		}
		if !attached {
			return nil, reject(ReasonMismatchedParent, "project")
		}
	}

	return &Authz{
		UserID:        authRec.UserID,
		SessionToken:  creds.SessionToken,
		ProjectTokens: sessRec.ProjectTokens,
		Preferences:   sessRec.Preferences,
	}, nil
}

// ActivateProject attaches a project to the session, optionally priming its
// shared context with an initial file snapshot. Idempotent.
func (m *Manager) ActivateProject(ctx context.Context, sessionToken, projectID string, initialFiles map[string]string) (string, error) {
	projectToken, err := m.cache.AttachProject(ctx, sessionToken, projectID)
	if err != nil {
		if errors.Is(err, cache.ErrNotFound) {
			return "", reject(ReasonUnknownToken, "session")
		}
		return "", err
	}

	for path, content := range initialFiles {
		_, err := m.cache.UpdateContext(ctx, projectToken, cache.Change{
			FilePath: path,
			NewLines: splitLines(content),
		})
		if err != nil {
			return "", err
		}
	}
	return projectToken, nil
}

// DeactivateSession tears a session down on explicit client request: its
// connections close, the cache cascade runs, dying project contexts flush
// and the session lifetime is recorded.
func (m *Manager) DeactivateSession(ctx context.Context, sessionToken string) error {
	rec, err := m.cache.GetSession(ctx, sessionToken)
	if err != nil {
		if errors.Is(err, cache.ErrNotFound) {
			return nil // already gone
		}
		return err
	}
	var userID string
	if authRec, err := m.cache.GetAuth(ctx, rec.AuthToken); err == nil {
		userID = authRec.UserID
	}
	storeContext, _ := rec.Preferences["store_context"].(bool)

	m.registry.CloseSession(sessionToken, registry.ReasonSessionExpired)

	dead, err := m.cache.DetachSession(ctx, sessionToken)
	if err != nil {
		return err
	}
	m.flushDeadProjects(ctx, dead, storeContext)

	if m.persist != nil && userID != "" {
		err := m.persist.EnqueueSessionClose(ctx, gateway.SessionClose{
			SessionID: sessionToken,
			UserID:    userID,
			StartedAt: time.Unix(rec.IssuedAt, 0),
			EndedAt:   time.Now(),
		})
		if err != nil {
			logger.Errorf("Failed to enqueue session close: %v", err)
		}
	}
	return nil
}

// RevokeUserTokens destroys an auth token and everything under it, e.g. on
// logout-everywhere or credential compromise.
func (m *Manager) RevokeUserTokens(ctx context.Context, authToken string) error {
	rec, err := m.cache.GetAuth(ctx, authToken)
	if err != nil {
		if errors.Is(err, cache.ErrNotFound) {
			return nil
		}
		return err
	}
	for _, st := range rec.SessionTokens {
		m.registry.CloseSession(st, registry.ReasonSessionExpired)
	}
	dead, err := m.cache.RevokeAuth(ctx, authToken)
	if err != nil {
		return err
	}
	for _, dp := range dead {
		m.registry.CloseProject(dp.Token, registry.ReasonProjectEnded)
	}
	// Explicit revocation is not consent-bearing; flush follows the default
	// of discarding unless the owning sessions opted in, which is no longer
	// knowable here. Contexts are dropped.
	if len(dead) > 0 {
		logger.Infow("dropped contexts of revoked projects", "projects", len(dead))
	}
	return nil
}

// flushDeadProjects closes any connections still joined to the dying
// projects, then hands their contexts to the persist queue when the session
// consented to storage.
func (m *Manager) flushDeadProjects(ctx context.Context, dead []cache.DeadProject, storeContext bool) {
	for _, dp := range dead {
		m.registry.CloseProject(dp.Token, registry.ReasonProjectEnded)
	}
	if m.persist == nil || !storeContext {
		return
	}
	for _, dp := range dead {
		files := make([]gateway.ContextFile, 0, len(dp.Files))
		for path, content := range dp.Files {
			files = append(files, gateway.ContextFile{
				ProjectID:   dp.ProjectID,
				ChangeIndex: dp.FinalChangeIndex,
				FilePath:    path,
				Content:     content,
			})
		}
		if len(files) == 0 {
			continue
		}
		if err := m.persist.EnqueueContextFlush(ctx, files); err != nil {
			logger.Errorf("Failed to enqueue context flush for project %s: %v", dp.ProjectID, err)
		}
	}
}

// AuthExpired implements cache.CascadeHandler: the auth token's hook fired,
// so the whole subtree is torn down while the records are still readable.
func (m *Manager) AuthExpired(ctx context.Context, token string) {
	rec, err := m.cache.GetAuth(ctx, token)
	if err != nil {
		return // main record already gone, nothing to cascade
	}
	for _, st := range rec.SessionTokens {
		m.SessionExpired(ctx, st)
	}
	if _, err := m.cache.RevokeAuth(ctx, token); err != nil {
		logger.Errorf("Failed to revoke expired auth token: %v", err)
	}
}

// SessionExpired implements cache.CascadeHandler for session hook firings.
func (m *Manager) SessionExpired(ctx context.Context, token string) {
	rec, err := m.cache.GetSession(ctx, token)
	if err != nil {
		return
	}
	storeContext, _ := rec.Preferences["store_context"].(bool)

	m.registry.CloseSession(token, registry.ReasonSessionExpired)

	dead, err := m.cache.DetachSession(ctx, token)
	if err != nil {
		logger.Errorf("Failed to detach expired session: %v", err)
		return
	}
	m.flushDeadProjects(ctx, dead, storeContext)
}

var _ cache.CascadeHandler = (*Manager)(nil)

// splitLines splits file content for the cache's line-oriented change model.
func splitLines(content string) []string {
	if content == "" {
		return nil
	}
	var lines []string
	start := 0
	for i := 0; i < len(content); i++ {
		if content[i] == '\n' {
			lines = append(lines, content[start:i])
			start = i + 1
		}
	}
	return append(lines, content[start:])
}
