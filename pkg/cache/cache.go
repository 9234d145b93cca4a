// SPDX-FileCopyrightText: Copyright 2025 Codemux Authors
// SPDX-License-Identifier: Apache-2.0

// Package cache implements the session cache: a four-level token hierarchy
// (auth, session, project, one-shot) held in Redis with TTL-driven cleanup.
//
// Every long-lived token is paired with a hook key whose TTL is the token's
// TTL minus a safety margin; a Reaper subscribes to key-expiration
// notifications on the hook keys and drives cascading cleanup while the main
// record is still readable. TTLs are authoritative: reads never refresh them.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/codemux/codemux/pkg/logger"
)

// Default timeouts for Redis operations.
const (
	DefaultDialTimeout  = 5 * time.Second
	DefaultReadTimeout  = 3 * time.Second
	DefaultWriteTimeout = 3 * time.Second
)

// casRetries bounds optimistic-lock retry loops on shared records.
const casRetries = 8

// Options configures the token hierarchy.
type Options struct {
	// KeyPrefix namespaces every key, e.g. "codemux:".
	KeyPrefix string

	// Token TTLs.
	AuthTTL         time.Duration
	SessionTTL      time.Duration
	VerificationTTL time.Duration
	ResetTTL        time.Duration

	// HookMargin is subtracted from a token's TTL to obtain its hook TTL,
	// so the cleanup hook fires while the main record is still readable.
	HookMargin time.Duration

	// ChangelogLimit bounds a project's context change-log; older entries
	// are compacted into the base context map.
	ChangelogLimit int
}

// Cache is the process handle to the session cache. All mutations are
// single-key and atomic; shared records (auth child sets, project parent
// sets) are mutated under an optimistic lock.
type Cache struct {
	client redis.UniversalClient
	opts   Options
}

// Config holds Redis connection configuration.
type Config struct {
	Addr     string
	Password string
	DB       int

	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// New connects to Redis and returns a Cache. Returns an error if the
// connection cannot be established.
func New(ctx context.Context, cfg Config, opts Options) (*Cache, error) {
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = DefaultDialTimeout
	}
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = DefaultReadTimeout
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = DefaultWriteTimeout
	}

	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return NewWithClient(client, opts), nil
}

// NewWithClient creates a Cache with a pre-configured client.
// This is useful for testing with miniredis.
func NewWithClient(client redis.UniversalClient, opts Options) *Cache {
	if opts.ChangelogLimit <= 0 {
		opts.ChangelogLimit = 256
	}
	return &Cache{client: client, opts: opts}
}

// Close closes the Redis client connection.
func (c *Cache) Close() error {
	return c.client.Close()
}

// Ping checks Redis connectivity (health check).
func (c *Cache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// Key returns the Redis key for a token of the given kind.
func (c *Cache) Key(kind Kind, token string) string {
	return c.opts.KeyPrefix + string(kind) + ":" + token
}

// HookKey returns the expiration-hook key paired with a token.
func (c *Cache) HookKey(kind Kind, token string) string {
	return c.opts.KeyPrefix + string(kind) + "_hook:" + token
}

// projectIndexKey maps a project ID to its live project token so that a
// project opened from a second session reuses the same token.
func (c *Cache) projectIndexKey(projectID string) string {
	return c.opts.KeyPrefix + "project_id:" + projectID
}

// newToken allocates an opaque random 128-bit identifier.
func newToken() string {
	return uuid.NewString()
}

// casScript atomically replaces a JSON record if its version field still
// matches the caller's snapshot. Returns 1 on success, 0 on version
// mismatch, -1 when the key is gone.
var casScript = redis.NewScript(`
local data = redis.call('GET', KEYS[1])
if not data then
	return -1
end
local rec = cjson.decode(data)
if tostring(rec.version) ~= ARGV[1] then
	return 0
end
redis.call('SET', KEYS[1], ARGV[2], 'KEEPTTL')
return 1
`)

// casSet writes rec (whose Version must already be bumped) if the stored
// version still equals prevVersion.
func (c *Cache) casSet(ctx context.Context, key string, prevVersion int64, rec any) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal record: %w", err)
	}
	res, err := casScript.Run(ctx, c.client, []string{key}, prevVersion, string(data)).Int()
	if err != nil {
		return fmt.Errorf("failed to write record: %w", err)
	}
	switch res {
	case 1:
		return nil
	case 0:
		return ErrConflict
	default:
		return ErrNotFound
	}
}

// getJSON loads and decodes the record at key. Reads never refresh TTLs.
func (c *Cache) getJSON(ctx context.Context, key string, dst any) error {
	data, err := c.client.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return ErrNotFound
		}
		return fmt.Errorf("failed to get %s: %w", key, err)
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return fmt.Errorf("failed to unmarshal %s: %w", key, err)
	}
	return nil
}

// setWithHook stores a record with the given TTL and (re)arms its hook key.
func (c *Cache) setWithHook(ctx context.Context, kind Kind, token string, rec any, ttl time.Duration) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal record: %w", err)
	}
	if err := c.client.Set(ctx, c.Key(kind, token), data, ttl).Err(); err != nil {
		return err
	}
	hookTTL := ttl - c.opts.HookMargin
	if hookTTL <= 0 {
		hookTTL = ttl / 2
	}
	return c.client.Set(ctx, c.HookKey(kind, token), "", hookTTL).Err()
}

// IssueAuth allocates an auth token for the user with the configured
// absolute TTL.
func (c *Cache) IssueAuth(ctx context.Context, userID string) (string, error) {
	token := newToken()
	rec := AuthRecord{
		UserID:   userID,
		IssuedAt: time.Now().Unix(),
		Version:  1,
	}
	if err := c.setWithHook(ctx, KindAuth, token, &rec, c.opts.AuthTTL); err != nil {
		return "", fmt.Errorf("failed to issue auth token: %w", err)
	}
	return token, nil
}

// GetAuth validates an auth token.
func (c *Cache) GetAuth(ctx context.Context, token string) (*AuthRecord, error) {
	var rec AuthRecord
	if err := c.getJSON(ctx, c.Key(KindAuth, token), &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

// IssueSession creates a session under authToken. The session TTL is the
// smaller of the configured session TTL and the auth token's remaining TTL,
// so no session outlives its parent.
func (c *Cache) IssueSession(ctx context.Context, authToken string, preferences map[string]any) (string, error) {
	ttl, err := c.boundedSessionTTL(ctx, authToken)
	if err != nil {
		return "", err
	}

	token := newToken()
	rec := SessionRecord{
		AuthToken:     authToken,
		ProjectTokens: []string{},
		Preferences:   preferences,
		IssuedAt:      time.Now().Unix(),
		Version:       1,
	}
	if err := c.setWithHook(ctx, KindSession, token, &rec, ttl); err != nil {
		return "", fmt.Errorf("failed to issue session token: %w", err)
	}

	// Register the child on the auth record under the optimistic lock.
	err = c.withAuth(ctx, authToken, func(auth *AuthRecord) {
		auth.SessionTokens = appendUnique(auth.SessionTokens, token)
	})
	if err != nil {
		// Parent disappeared between the TTL read and the registration;
		// roll back the orphan session.
		_ = c.client.Del(ctx, c.Key(KindSession, token), c.HookKey(KindSession, token)).Err()
		return "", fmt.Errorf("%w: auth token", ErrParentGone)
	}
	return token, nil
}

// boundedSessionTTL returns min(remaining auth TTL, configured session TTL).
func (c *Cache) boundedSessionTTL(ctx context.Context, authToken string) (time.Duration, error) {
	remaining, err := c.client.PTTL(ctx, c.Key(KindAuth, authToken)).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to read auth TTL: %w", err)
	}
	if remaining < 0 {
		// -2: key gone; -1: no TTL (should not happen for auth tokens).
		if remaining == -2 {
			return 0, ErrNotFound
		}
		return c.opts.SessionTTL, nil
	}
	if remaining < c.opts.SessionTTL {
		return remaining, nil
	}
	return c.opts.SessionTTL, nil
}

// GetSession validates a session token.
func (c *Cache) GetSession(ctx context.Context, token string) (*SessionRecord, error) {
	var rec SessionRecord
	if err := c.getJSON(ctx, c.Key(KindSession, token), &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

// TouchSession renews a session's TTL on activity, bounded by the parent
// auth token's remaining lifetime. This is the only sanctioned TTL refresh;
// Validate/Get never refresh.
func (c *Cache) TouchSession(ctx context.Context, token string) error {
	rec, err := c.GetSession(ctx, token)
	if err != nil {
		return err
	}
	ttl, err := c.boundedSessionTTL(ctx, rec.AuthToken)
	if err != nil {
		return err
	}
	if err := c.client.Expire(ctx, c.Key(KindSession, token), ttl).Err(); err != nil {
		return err
	}
	hookTTL := ttl - c.opts.HookMargin
	if hookTTL <= 0 {
		hookTTL = ttl / 2
	}
	return c.client.Set(ctx, c.HookKey(KindSession, token), "", hookTTL).Err()
}

// GetProject validates a project token.
func (c *Cache) GetProject(ctx context.Context, token string) (*ProjectRecord, error) {
	var rec ProjectRecord
	if err := c.getJSON(ctx, c.Key(KindProject, token), &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

// AttachProject binds projectID to the session. If a live project token for
// projectID already exists (opened from another session), it is reused and
// this session joins its parent set; otherwise a fresh token is created.
// Idempotent: re-attaching an already attached project returns the same
// token.
func (c *Cache) AttachProject(ctx context.Context, sessionToken, projectID string) (string, error) {
	if _, err := c.GetSession(ctx, sessionToken); err != nil {
		return "", err
	}

	projectToken, err := c.client.Get(ctx, c.projectIndexKey(projectID)).Result()
	switch {
	case err == nil:
		// Existing project: join its parent set.
		joinErr := c.withProject(ctx, projectToken, func(p *ProjectRecord) {
			p.SessionTokens = appendUnique(p.SessionTokens, sessionToken)
		})
		if joinErr != nil && !errors.Is(joinErr, ErrNotFound) {
			return "", joinErr
		}
		if joinErr == nil {
			break
		}
		// Stale index entry: the record died without index cleanup.
		fallthrough
	case errors.Is(err, redis.Nil):
		projectToken = newToken()
		rec := ProjectRecord{
			ProjectID:       projectID,
			SessionTokens:   []string{sessionToken},
			Files:           map[string]string{},
			Changes:         []ContextChange{},
			NextChangeIndex: 1,
			Version:         1,
		}
		data, merr := json.Marshal(&rec)
		if merr != nil {
			return "", fmt.Errorf("failed to marshal project record: %w", merr)
		}
		// Project tokens carry no TTL of their own; their lifetime is
		// bounded by the parent-session set.
		created, serr := c.client.SetNX(ctx, c.Key(KindProject, projectToken), data, 0).Result()
		if serr != nil {
			return "", serr
		}
		if !created {
			return "", ErrConflict
		}
		if serr := c.client.Set(ctx, c.projectIndexKey(projectID), projectToken, 0).Err(); serr != nil {
			return "", serr
		}
	default:
		return "", fmt.Errorf("failed to resolve project index: %w", err)
	}

	// Register the child on the session record.
	err = c.withSession(ctx, sessionToken, func(s *SessionRecord) {
		s.ProjectTokens = appendUnique(s.ProjectTokens, projectToken)
	})
	if err != nil {
		return "", err
	}
	return projectToken, nil
}

// withAuth runs mutate against the auth record under the optimistic lock,
// retrying a bounded number of times on conflict.
func (c *Cache) withAuth(ctx context.Context, token string, mutate func(*AuthRecord)) error {
	key := c.Key(KindAuth, token)
	for i := 0; i < casRetries; i++ {
		var rec AuthRecord
		if err := c.getJSON(ctx, key, &rec); err != nil {
			return err
		}
		prev := rec.Version
		mutate(&rec)
		rec.Version++
		err := c.casSet(ctx, key, prev, &rec)
		if err == nil {
			return nil
		}
		if !errors.Is(err, ErrConflict) {
			return err
		}
		logConflict("auth", token)
	}
	return ErrConflict
}

// withSession runs mutate against the session record under the optimistic lock.
func (c *Cache) withSession(ctx context.Context, token string, mutate func(*SessionRecord)) error {
	key := c.Key(KindSession, token)
	for i := 0; i < casRetries; i++ {
		var rec SessionRecord
		if err := c.getJSON(ctx, key, &rec); err != nil {
			return err
		}
		prev := rec.Version
		mutate(&rec)
		rec.Version++
		err := c.casSet(ctx, key, prev, &rec)
		if err == nil {
			return nil
		}
		if !errors.Is(err, ErrConflict) {
			return err
		}
		logConflict("session", token)
	}
	return ErrConflict
}

// withProject runs mutate against the project record under the optimistic lock.
func (c *Cache) withProject(ctx context.Context, token string, mutate func(*ProjectRecord)) error {
	key := c.Key(KindProject, token)
	for i := 0; i < casRetries; i++ {
		var rec ProjectRecord
		if err := c.getJSON(ctx, key, &rec); err != nil {
			return err
		}
		prev := rec.Version
		mutate(&rec)
		rec.Version++
		err := c.casSet(ctx, key, prev, &rec)
		if err == nil {
			return nil
		}
		if !errors.Is(err, ErrConflict) {
			return err
		}
		logConflict("project", token)
	}
	return ErrConflict
}

// IssueOneShot stores a single-purpose short-TTL token (email verification
// or password reset).
func (c *Cache) IssueOneShot(ctx context.Context, kind Kind, rec OneShotRecord) (string, error) {
	var ttl time.Duration
	switch kind {
	case KindVerification:
		ttl = c.opts.VerificationTTL
	case KindReset:
		ttl = c.opts.ResetTTL
	default:
		return "", fmt.Errorf("kind %s is not a one-shot token", kind)
	}
	rec.IssuedAt = time.Now().Unix()
	data, err := json.Marshal(&rec)
	if err != nil {
		return "", fmt.Errorf("failed to marshal record: %w", err)
	}
	token := newToken()
	if err := c.client.Set(ctx, c.Key(kind, token), data, ttl).Err(); err != nil {
		return "", err
	}
	return token, nil
}

// ConsumeOneShot atomically reads and destroys a one-shot token.
func (c *Cache) ConsumeOneShot(ctx context.Context, kind Kind, token string) (*OneShotRecord, error) {
	data, err := c.client.GetDel(ctx, c.Key(kind, token)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrConsumed
		}
		return nil, fmt.Errorf("failed to consume token: %w", err)
	}
	var rec OneShotRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("failed to unmarshal record: %w", err)
	}
	return &rec, nil
}

// ApplyChange applies a line-range edit to the current content of a file.
// Replacing a file's full range with no lines removes it from the context.
func ApplyChange(content string, ch Change) string {
	var lines []string
	if content != "" {
		lines = strings.Split(content, "\n")
	}
	start := ch.StartLine
	if start < 0 {
		start = 0
	}
	if start > len(lines) {
		start = len(lines)
	}
	end := ch.EndLine
	if end < start {
		end = start
	}
	if end > len(lines) {
		end = len(lines)
	}

	out := make([]string, 0, start+len(ch.NewLines)+len(lines)-end)
	out = append(out, lines[:start]...)
	out = append(out, ch.NewLines...)
	out = append(out, lines[end:]...)
	return strings.Join(out, "\n")
}

// UpdateContext appends a change to the project's change-log, overwrites the
// addressed file in the context map, and returns the applied entry with its
// monotonic per-project index. The change-log is bounded: entries beyond the
// configured limit are compacted into the base context map (which always
// holds current content, so compaction just drops the oldest entries).
func (c *Cache) UpdateContext(ctx context.Context, projectToken string, change Change) (ContextChange, error) {
	var applied ContextChange
	err := c.withProject(ctx, projectToken, func(p *ProjectRecord) {
		updated := ApplyChange(p.Files[change.FilePath], change)
		if updated == "" {
			delete(p.Files, change.FilePath)
		} else {
			p.Files[change.FilePath] = updated
		}

		sum := sha256.Sum256([]byte(updated))
		applied = ContextChange{
			Index:     p.NextChangeIndex,
			FilePath:  change.FilePath,
			Digest:    hex.EncodeToString(sum[:8]),
			AppliedAt: time.Now().Unix(),
		}
		p.NextChangeIndex++

		p.Changes = append(p.Changes, applied)
		if len(p.Changes) > c.opts.ChangelogLimit {
			p.Changes = p.Changes[len(p.Changes)-c.opts.ChangelogLimit:]
		}
	})
	if err != nil {
		return ContextChange{}, err
	}
	return applied, nil
}

// appendUnique appends v to s unless already present.
func appendUnique(s []string, v string) []string {
	for _, e := range s {
		if e == v {
			return s
		}
	}
	return append(s, v)
}

// removeString removes every occurrence of v from s.
func removeString(s []string, v string) []string {
	out := s[:0]
	for _, e := range s {
		if e != v {
			out = append(out, e)
		}
	}
	return out
}

// logConflict is a hook for surfacing repeated CAS conflicts in debug runs.
func logConflict(op, token string) {
	logger.Debugw("optimistic lock conflict", "op", op, "token", token)
}
