// SPDX-FileCopyrightText: Copyright 2025 Codemux Authors
// SPDX-License-Identifier: Apache-2.0

package api

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// ipLimiter enforces a per-client-IP hourly cap for one endpoint pattern.
// Idle entries are evicted so the map does not grow with every IP ever seen.
type ipLimiter struct {
	mu          sync.Mutex
	perHour     int
	entries     map[string]*ipEntry
	entryTTL    time.Duration
	lastCleanup time.Time
}

type ipEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func newIPLimiter(perHour int) *ipLimiter {
	return &ipLimiter{
		perHour:     perHour,
		entries:     make(map[string]*ipEntry),
		entryTTL:    2 * time.Hour,
		lastCleanup: time.Now(),
	}
}

func (l *ipLimiter) allow(ip string) bool {
	now := time.Now()

	l.mu.Lock()
	defer l.mu.Unlock()

	if now.Sub(l.lastCleanup) >= l.entryTTL {
		for k, e := range l.entries {
			if now.Sub(e.lastSeen) > l.entryTTL {
				delete(l.entries, k)
			}
		}
		l.lastCleanup = now
	}

	e, ok := l.entries[ip]
	if !ok {
		e = &ipEntry{
			limiter: rate.NewLimiter(rate.Every(time.Hour/time.Duration(l.perHour)), l.perHour),
		}
		l.entries[ip] = e
	}
	e.lastSeen = now
	return e.limiter.Allow()
}

// rateLimit builds a middleware capping requests per client IP per hour.
// A non-positive cap disables the limit.
func rateLimit(perHour int) func(http.Handler) http.Handler {
	if perHour <= 0 {
		return func(next http.Handler) http.Handler { return next }
	}
	limiter := newIPLimiter(perHour)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !limiter.allow(clientIP(r)) {
				writeError(w, wireRateLimited())
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// clientIP resolves the caller's address, trusting the first hop of
// X-Forwarded-For when present.
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if i := strings.IndexByte(fwd, ','); i >= 0 {
			return strings.TrimSpace(fwd[:i])
		}
		return strings.TrimSpace(fwd)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
