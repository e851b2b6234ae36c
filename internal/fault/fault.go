// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package fault defines the error taxonomy shared by the swiftgate core.
//
// Every failure that crosses the request boundary is classified with a stable
// Kind so the HTTP layer can map it to a status code and the client can react
// without parsing message text. Nothing in this package is fatal to the
// process: a fault is always scoped to the single request that produced it.
package fault

import (
	"errors"
	"fmt"
	"time"
)

// =============================================================================
// KIND
// =============================================================================

// Kind classifies a fault for boundary mapping.
type Kind string

const (
	// Validation indicates malformed or out-of-range input. Recoverable by
	// the caller correcting the input; carries field-level detail.
	Validation Kind = "validation"

	// Authentication indicates wrong credentials or an unknown principal.
	// The message is deliberately generic to prevent account enumeration.
	Authentication Kind = "authentication"

	// Locked indicates a principal temporarily barred by the lockout policy.
	Locked Kind = "locked"

	// Authorization indicates an authenticated caller with the wrong role or
	// ownership for the requested operation.
	Authorization Kind = "authorization"

	// StateConflict indicates a transaction state machine violation such as
	// a double-verify or a submit before verification.
	StateConflict Kind = "state_conflict"

	// CSRF indicates a missing or invalid CSRF token. Surfaced distinctly
	// from Authentication so clients re-fetch a token instead of re-login.
	CSRF Kind = "csrf"

	// NotFound indicates the resource does not exist or is not visible to
	// the caller's scope. The two cases are deliberately merged.
	NotFound Kind = "not_found"

	// Internal indicates an unexpected failure (store, hashing). Details are
	// never surfaced to the caller outside development mode.
	Internal Kind = "internal"
)

// =============================================================================
// ERROR
// =============================================================================

// Error is a classified fault.
type Error struct {
	// Kind is the stable machine classification.
	Kind Kind

	// Message is the human-readable description. For Authentication faults
	// it must never reveal which part of the credential was wrong.
	Message string

	// Field names the offending input field for Validation faults.
	Field string

	// RetryAfter is the remaining lock window for Locked faults.
	RetryAfter time.Duration

	// AttemptsLeft is the number of attempts remaining before lockout.
	// Negative means "not disclosed".
	AttemptsLeft int

	// Err is the wrapped cause, if any. Never serialized to clients.
	Err error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("%s: %s (%s)", e.Kind, e.Message, e.Field)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap returns the wrapped cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// =============================================================================
// CONSTRUCTORS
// =============================================================================

// New creates a fault of the given kind.
func New(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), AttemptsLeft: -1}
}

// Validationf creates a Validation fault for a specific field.
func Validationf(field, format string, args ...interface{}) *Error {
	return &Error{Kind: Validation, Field: field, Message: fmt.Sprintf(format, args...), AttemptsLeft: -1}
}

// Authenticationf creates an Authentication fault. Callers must keep the
// message generic ("invalid credentials"); attempts-left disclosure is the
// only permitted extra signal.
func Authenticationf(attemptsLeft int, format string, args ...interface{}) *Error {
	return &Error{Kind: Authentication, Message: fmt.Sprintf(format, args...), AttemptsLeft: attemptsLeft}
}

// Lockedf creates a Locked fault carrying the remaining lock window.
func Lockedf(retryAfter time.Duration, format string, args ...interface{}) *Error {
	return &Error{Kind: Locked, RetryAfter: retryAfter, Message: fmt.Sprintf(format, args...), AttemptsLeft: -1}
}

// Internalf wraps an unexpected failure. The cause is retained for logging
// but never serialized.
func Internalf(err error, format string, args ...interface{}) *Error {
	return &Error{Kind: Internal, Message: fmt.Sprintf(format, args...), Err: err, AttemptsLeft: -1}
}

// =============================================================================
// INSPECTION
// =============================================================================

// KindOf returns the Kind of err, or Internal if err carries no
// classification. A nil error has no kind; callers must check first.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return Internal
}

// IsKind reports whether err is classified with the given kind.
func IsKind(err error, kind Kind) bool {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind == kind
	}
	return false
}
