// SPDX-FileCopyrightText: Copyright 2025 Codemux Authors
// SPDX-License-Identifier: Apache-2.0

package auth

import (
	"errors"
	"fmt"
)

// ErrAccountExists reports a registration attempt for a taken email.
var ErrAccountExists = errors.New("account already exists")

// Cookie names carrying the token hierarchy on HTTP requests and WebSocket
// upgrades.
const (
	CookieAuthToken    = "codemux_auth"
	CookieSessionToken = "codemux_session"
	CookieProjectToken = "codemux_project"
)

// RejectReason classifies why an authentication attempt failed. The reason
// is safe to surface to clients; it never carries token material.
type RejectReason string

// Rejection reasons.
const (
	ReasonMissingToken     RejectReason = "missing-token"
	ReasonUnknownToken     RejectReason = "unknown-token"
	ReasonMismatchedParent RejectReason = "mismatched-parent"
	ReasonNotVerified      RejectReason = "not-verified"
	ReasonBadCredentials   RejectReason = "bad-credentials"
)

// RejectionError is a typed authentication failure.
type RejectionError struct {
	Reason RejectReason
	Token  string // which token class failed, e.g. "session"
}

// Error implements error.
func (e *RejectionError) Error() string {
	return fmt.Sprintf("authentication rejected: %s %s token", e.Reason, e.Token)
}

func reject(reason RejectReason, tokenClass string) error {
	return &RejectionError{Reason: reason, Token: tokenClass}
}
