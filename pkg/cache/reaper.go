// SPDX-FileCopyrightText: Copyright 2025 Codemux Authors
// SPDX-License-Identifier: Apache-2.0

package cache

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/redis/go-redis/v9"

	"github.com/codemux/codemux/pkg/logger"
)

// CascadeHandler receives expiration events for tokens whose hook key fired.
// The main record is still readable for the hook-margin window, so handlers
// can inspect it before the cascade removes it.
type CascadeHandler interface {
	AuthExpired(ctx context.Context, token string)
	SessionExpired(ctx context.Context, token string)
}

// Reaper subscribes to key-expiration notifications and dispatches hook-key
// events to a CascadeHandler. Requires the Redis server to run with
// `notify-keyspace-events Ex` (the reaper sets it on start).
type Reaper struct {
	client  redis.UniversalClient
	cache   *Cache
	handler CascadeHandler
	db      int
}

// NewReaper builds a reaper over the same client as the cache.
func NewReaper(c *Cache, db int, handler CascadeHandler) *Reaper {
	return &Reaper{client: c.client, cache: c, handler: handler, db: db}
}

// channel is the keyspace-event channel for expired keys in the reaper's DB.
func (r *Reaper) channel() string {
	return fmt.Sprintf("__keyevent@%d__:expired", r.db)
}

// Run subscribes and dispatches until ctx is canceled. Handler invocations
// are synchronous per event; a slow cascade delays later events rather than
// racing them.
func (r *Reaper) Run(ctx context.Context) error {
	// Best effort: managed Redis may refuse CONFIG.
	if err := r.client.ConfigSet(ctx, "notify-keyspace-events", "Ex").Err(); err != nil {
		logger.Warnf("Could not enable keyspace notifications: %v", err)
	}

	sub := r.client.PSubscribe(ctx, r.channel())
	defer func() { _ = sub.Close() }()

	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("failed to subscribe to expiration events: %w", err)
	}
	logger.Infof("Token reaper listening on %s", r.channel())

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return fmt.Errorf("expiration subscription closed")
			}
			r.dispatch(ctx, msg.Payload)
		}
	}
}

// dispatch routes one expired-key event. Only hook keys are interesting;
// everything else (including the main records themselves expiring) is noise.
func (r *Reaper) dispatch(ctx context.Context, key string) {
	rest, ok := strings.CutPrefix(key, r.cache.opts.KeyPrefix)
	if !ok {
		return
	}
	kind, token, ok := splitHookKey(rest)
	if !ok {
		return
	}

	switch kind {
	case KindAuth:
		r.withRetry(ctx, KindAuth, token, r.handler.AuthExpired)
	case KindSession:
		r.withRetry(ctx, KindSession, token, r.handler.SessionExpired)
	}
}

// withRetry invokes the handler and re-checks that the main record is gone
// afterwards; if the cascade did not finish it retries with backoff until
// the record disappears or the hook-margin grace runs out.
func (r *Reaper) withRetry(ctx context.Context, kind Kind, token string, handle func(context.Context, string)) {
	op := func() (struct{}, error) {
		handle(ctx, token)
		exists, err := r.client.Exists(ctx, r.cache.Key(kind, token)).Result()
		if err != nil {
			return struct{}{}, err
		}
		if exists > 0 {
			return struct{}{}, fmt.Errorf("record %s:%s still present after cascade", kind, token)
		}
		return struct{}{}, nil
	}

	_, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxElapsedTime(30*time.Second),
	)
	if err != nil {
		logger.Errorf("Cascade for expired %s did not converge: %v", kind, err)
	}
}

// splitHookKey parses "<kind>_hook:<token>".
func splitHookKey(key string) (Kind, string, bool) {
	head, token, ok := strings.Cut(key, ":")
	if !ok {
		return "", "", false
	}
	kindStr, ok := strings.CutSuffix(head, "_hook")
	if !ok {
		return "", "", false
	}
	return Kind(kindStr), token, true
}
