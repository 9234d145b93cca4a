// SPDX-FileCopyrightText: Copyright 2025 Codemux Authors
// SPDX-License-Identifier: Apache-2.0

package auth

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codemux/codemux/pkg/cache"
	"github.com/codemux/codemux/pkg/gateway"
	"github.com/codemux/codemux/pkg/registry"
)

// fakeEnqueuer records persist envelopes instead of queueing them.
type fakeEnqueuer struct {
	mu      sync.Mutex
	flushes [][]gateway.ContextFile
	closes  []gateway.SessionClose
}

func (f *fakeEnqueuer) EnqueueContextFlush(_ context.Context, files []gateway.ContextFile) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.flushes = append(f.flushes, files)
	return nil
}

func (f *fakeEnqueuer) EnqueueSessionClose(_ context.Context, s gateway.SessionClose) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closes = append(f.closes, s)
	return nil
}

type fixture struct {
	mgr     *Manager
	cache   *cache.Cache
	gw      *gateway.Memory
	reg     *registry.Registry
	persist *fakeEnqueuer
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	c := cache.NewWithClient(client, cache.Options{
		KeyPrefix:       "test:",
		AuthTTL:         24 * time.Hour,
		SessionTTL:      time.Hour,
		VerificationTTL: 15 * time.Minute,
		ResetTTL:        15 * time.Minute,
		HookMargin:      time.Minute,
	})
	gw := gateway.NewMemory()
	reg := registry.New(8)
	persist := &fakeEnqueuer{}
	return &fixture{
		mgr:     NewManager(c, gw, reg, persist),
		cache:   c,
		gw:      gw,
		reg:     reg,
		persist: persist,
	}
}

// registerVerified creates a verified account and returns its credentials.
func (f *fixture) registerVerified(t *testing.T, email, password string) string {
	t.Helper()
	ctx := context.Background()
	userID, verification, err := f.mgr.Register(ctx, email, "Test User", password)
	require.NoError(t, err)
	require.NoError(t, f.mgr.VerifyEmail(ctx, verification))
	return userID
}

func TestLoginHappyPath(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	userID := f.registerVerified(t, "a@example.com", "correct horse battery")

	token, err := f.mgr.Login(ctx, "a@example.com", "correct horse battery")
	require.NoError(t, err)

	rec, err := f.cache.GetAuth(ctx, token)
	require.NoError(t, err)
	assert.Equal(t, userID, rec.UserID)
}

func TestLoginRejections(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	f.registerVerified(t, "a@example.com", "correct horse battery")

	_, err := f.mgr.Login(ctx, "a@example.com", "wrong")
	var rej *RejectionError
	require.ErrorAs(t, err, &rej)
	assert.Equal(t, ReasonBadCredentials, rej.Reason)

	// Unknown accounts are indistinguishable from bad passwords.
	_, err = f.mgr.Login(ctx, "ghost@example.com", "whatever")
	require.ErrorAs(t, err, &rej)
	assert.Equal(t, ReasonBadCredentials, rej.Reason)
}

func TestLoginRequiresVerification(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	_, _, err := f.mgr.Register(ctx, "a@example.com", "Ada", "correct horse battery")
	require.NoError(t, err)

	_, err = f.mgr.Login(ctx, "a@example.com", "correct horse battery")
	var rej *RejectionError
	require.ErrorAs(t, err, &rej)
	assert.Equal(t, ReasonNotVerified, rej.Reason)
}

func TestVerificationTokenIsOneShot(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	_, verification, err := f.mgr.Register(ctx, "a@example.com", "Ada", "pw12345678")
	require.NoError(t, err)

	require.NoError(t, f.mgr.VerifyEmail(ctx, verification))
	require.ErrorIs(t, f.mgr.VerifyEmail(ctx, verification), cache.ErrConsumed)
}

func TestPasswordReset(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	f.registerVerified(t, "a@example.com", "old password 123")

	reset, err := f.mgr.RequestPasswordReset(ctx, "a@example.com")
	require.NoError(t, err)
	require.NoError(t, f.mgr.ResetPassword(ctx, reset, "new password 456"))

	_, err = f.mgr.Login(ctx, "a@example.com", "old password 123")
	require.Error(t, err)
	_, err = f.mgr.Login(ctx, "a@example.com", "new password 456")
	require.NoError(t, err)

	// The reset token burned on use.
	require.ErrorIs(t, f.mgr.ResetPassword(ctx, reset, "again"), cache.ErrConsumed)
}

func TestAcquireSessionReusesLiveSession(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	f.registerVerified(t, "a@example.com", "pw1234567890")
	authTok, err := f.mgr.Login(ctx, "a@example.com", "pw1234567890")
	require.NoError(t, err)

	first, err := f.mgr.AcquireSession(ctx, authTok, "")
	require.NoError(t, err)

	again, err := f.mgr.AcquireSession(ctx, authTok, first)
	require.NoError(t, err)
	assert.Equal(t, first, again)

	// A stale cookie falls back to a fresh session.
	fresh, err := f.mgr.AcquireSession(ctx, authTok, "stale-token")
	require.NoError(t, err)
	assert.NotEqual(t, first, fresh)
}

func TestAcquireSessionRejectsForeignSession(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	f.registerVerified(t, "a@example.com", "pw1234567890")
	f.registerVerified(t, "b@example.com", "pw0987654321")
	authA, err := f.mgr.Login(ctx, "a@example.com", "pw1234567890")
	require.NoError(t, err)
	authB, err := f.mgr.Login(ctx, "b@example.com", "pw0987654321")
	require.NoError(t, err)

	sessB, err := f.mgr.AcquireSession(ctx, authB, "")
	require.NoError(t, err)

	// Presenting B's session under A's auth token is a hard rejection, not
	// a silent reissue.
	_, err = f.mgr.AcquireSession(ctx, authA, sessB)
	var rej *RejectionError
	require.ErrorAs(t, err, &rej)
	assert.Equal(t, ReasonMismatchedParent, rej.Reason)
}

func TestAuthenticateFullChain(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	userID := f.registerVerified(t, "a@example.com", "pw1234567890")
	authTok, err := f.mgr.Login(ctx, "a@example.com", "pw1234567890")
	require.NoError(t, err)
	sess, err := f.mgr.AcquireSession(ctx, authTok, "")
	require.NoError(t, err)
	proj, err := f.mgr.ActivateProject(ctx, sess, "proj-1", nil)
	require.NoError(t, err)

	authz, err := f.mgr.Authenticate(ctx, Credentials{
		AuthToken:    authTok,
		SessionToken: sess,
		ProjectToken: proj,
	})
	require.NoError(t, err)
	assert.Equal(t, userID, authz.UserID)
	assert.Contains(t, authz.ProjectTokens, proj)

	var rej *RejectionError

	_, err = f.mgr.Authenticate(ctx, Credentials{SessionToken: sess})
	require.ErrorAs(t, err, &rej)
	assert.Equal(t, ReasonMissingToken, rej.Reason)

	_, err = f.mgr.Authenticate(ctx, Credentials{AuthToken: authTok, SessionToken: "nope"})
	require.ErrorAs(t, err, &rej)
	assert.Equal(t, ReasonUnknownToken, rej.Reason)

	_, err = f.mgr.Authenticate(ctx, Credentials{AuthToken: authTok, SessionToken: sess, ProjectToken: "foreign"})
	require.ErrorAs(t, err, &rej)
	assert.Equal(t, ReasonMismatchedParent, rej.Reason)
}

func TestActivateProjectPrimesContext(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	f.registerVerified(t, "a@example.com", "pw1234567890")
	authTok, err := f.mgr.Login(ctx, "a@example.com", "pw1234567890")
	require.NoError(t, err)
	sess, err := f.mgr.AcquireSession(ctx, authTok, "")
	require.NoError(t, err)

	proj, err := f.mgr.ActivateProject(ctx, sess, "proj-1", map[string]string{
		"main.go": "package main\n\nfunc main() {}",
	})
	require.NoError(t, err)

	rec, err := f.cache.GetProject(ctx, proj)
	require.NoError(t, err)
	assert.Equal(t, "package main\n\nfunc main() {}", rec.Files["main.go"])
}

func TestDeactivateSessionFlushesWhenConsented(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	userID := f.registerVerified(t, "a@example.com", "pw1234567890")

	// Opt the account into durable context storage before the session
	// snapshot is taken.
	u, err := f.gw.GetUser(ctx, userID)
	require.NoError(t, err)
	u.StoreContext = true
	require.NoError(t, f.gw.UpsertUser(ctx, *u))

	authTok, err := f.mgr.Login(ctx, "a@example.com", "pw1234567890")
	require.NoError(t, err)
	sess, err := f.mgr.AcquireSession(ctx, authTok, "")
	require.NoError(t, err)
	_, err = f.mgr.ActivateProject(ctx, sess, "proj-1", map[string]string{"a.go": "package a"})
	require.NoError(t, err)

	sink := f.reg.Register("conn-1", sess, userID, nil)

	require.NoError(t, f.mgr.DeactivateSession(ctx, sess))

	// Connection closed, context flushed, lifetime recorded.
	<-sink.Closed
	assert.Equal(t, registry.ReasonSessionExpired, sink.Reason)

	f.persist.mu.Lock()
	defer f.persist.mu.Unlock()
	require.Len(t, f.persist.flushes, 1)
	assert.Equal(t, "proj-1", f.persist.flushes[0][0].ProjectID)
	require.Len(t, f.persist.closes, 1)
	assert.Equal(t, userID, f.persist.closes[0].UserID)
}

func TestDeactivateSessionDiscardsWithoutConsent(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	f.registerVerified(t, "a@example.com", "pw1234567890")
	authTok, err := f.mgr.Login(ctx, "a@example.com", "pw1234567890")
	require.NoError(t, err)
	sess, err := f.mgr.AcquireSession(ctx, authTok, "")
	require.NoError(t, err)
	_, err = f.mgr.ActivateProject(ctx, sess, "proj-1", map[string]string{"a.go": "package a"})
	require.NoError(t, err)

	require.NoError(t, f.mgr.DeactivateSession(ctx, sess))

	f.persist.mu.Lock()
	defer f.persist.mu.Unlock()
	assert.Empty(t, f.persist.flushes)
}

func TestDeadProjectClosesForeignConnections(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	f.registerVerified(t, "a@example.com", "pw1234567890")
	authTok, err := f.mgr.Login(ctx, "a@example.com", "pw1234567890")
	require.NoError(t, err)
	sess, err := f.mgr.AcquireSession(ctx, authTok, "")
	require.NoError(t, err)
	projTok, err := f.mgr.ActivateProject(ctx, sess, "proj-1", nil)
	require.NoError(t, err)

	// A connection on a different session is joined to the same project.
	observer := f.reg.Register("conn-peer", "other-sess", "u2", []string{projTok})

	require.NoError(t, f.mgr.DeactivateSession(ctx, sess))

	<-observer.Closed
	assert.Equal(t, registry.ReasonProjectEnded, observer.Reason)
}

func TestSessionExpiredCascade(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	f.registerVerified(t, "a@example.com", "pw1234567890")
	authTok, err := f.mgr.Login(ctx, "a@example.com", "pw1234567890")
	require.NoError(t, err)
	sess, err := f.mgr.AcquireSession(ctx, authTok, "")
	require.NoError(t, err)
	proj, err := f.mgr.ActivateProject(ctx, sess, "proj-1", nil)
	require.NoError(t, err)

	sink := f.reg.Register("conn-1", sess, "u", nil)

	f.mgr.SessionExpired(ctx, sess)

	<-sink.Closed
	_, err = f.cache.GetSession(ctx, sess)
	require.ErrorIs(t, err, cache.ErrNotFound)
	_, err = f.cache.GetProject(ctx, proj)
	require.ErrorIs(t, err, cache.ErrNotFound)

	// The auth token survives its child.
	rec, err := f.cache.GetAuth(ctx, authTok)
	require.NoError(t, err)
	assert.Empty(t, rec.SessionTokens)
}

func TestAuthExpiredCascadesWholeSubtree(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	f.registerVerified(t, "a@example.com", "pw1234567890")
	authTok, err := f.mgr.Login(ctx, "a@example.com", "pw1234567890")
	require.NoError(t, err)
	sessA, err := f.mgr.AcquireSession(ctx, authTok, "")
	require.NoError(t, err)
	sessB, err := f.cache.IssueSession(ctx, authTok, nil)
	require.NoError(t, err)

	f.mgr.AuthExpired(ctx, authTok)

	_, err = f.cache.GetAuth(ctx, authTok)
	require.ErrorIs(t, err, cache.ErrNotFound)
	_, err = f.cache.GetSession(ctx, sessA)
	require.ErrorIs(t, err, cache.ErrNotFound)
	_, err = f.cache.GetSession(ctx, sessB)
	require.ErrorIs(t, err, cache.ErrNotFound)
}
