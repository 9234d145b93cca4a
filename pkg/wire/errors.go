// SPDX-FileCopyrightText: Copyright 2025 Codemux Authors
// SPDX-License-Identifier: Apache-2.0

package wire

import "net/http"

// ErrorKind classifies errors surfaced to clients. No stack traces or
// internal detail cross the boundary; only the kind and a short message.
type ErrorKind string

// Error kinds surfaced to clients.
const (
	ErrUnauthenticated ErrorKind = "unauthenticated"
	ErrForbidden       ErrorKind = "forbidden"
	ErrRateLimited     ErrorKind = "rate-limited"
	ErrInvalidRequest  ErrorKind = "invalid-request"
	ErrBusy            ErrorKind = "busy"
	ErrTimeout         ErrorKind = "timeout"
	ErrInternal        ErrorKind = "internal"
)

// ErrorPayload is the payload of an error frame.
type ErrorPayload struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
}

// ErrorFrame builds an error frame echoing requestID.
func ErrorFrame(requestID string, kind ErrorKind, message string) Frame {
	return MustFrame(FrameError, requestID, ErrorPayload{Kind: kind, Message: message})
}

// HTTPStatus maps an error kind to its HTTP status for the REST surface.
func (k ErrorKind) HTTPStatus() int {
	switch k {
	case ErrUnauthenticated:
		return http.StatusUnauthorized
	case ErrForbidden:
		return http.StatusForbidden
	case ErrRateLimited:
		return http.StatusTooManyRequests
	case ErrInvalidRequest:
		return http.StatusUnprocessableEntity
	case ErrBusy:
		return http.StatusServiceUnavailable
	case ErrTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}
