// SPDX-FileCopyrightText: Copyright 2025 Codemux Authors
// SPDX-License-Identifier: Apache-2.0

package cache

import "errors"

// Sentinel errors returned by cache operations.
var (
	// ErrNotFound is returned when a token has no record in the cache.
	ErrNotFound = errors.New("token not found")

	// ErrConflict is returned when an optimistic-lock write lost the race.
	// Callers retry; Cache methods already retry a bounded number of times.
	ErrConflict = errors.New("concurrent modification")

	// ErrParentGone is returned when an operation requires a live parent
	// token that no longer exists.
	ErrParentGone = errors.New("parent token gone")

	// ErrConsumed is returned when a one-shot token was already used.
	ErrConsumed = errors.New("token already consumed")
)
