// Package common defines shared constants and sentinel errors used across
// upstitch components. Callers should use errors.Is to match these values.
package common

import "errors"

var (
	// Repository-level errors.
	ErrNotFound = errors.New("not found")

	// ErrMalformed marks a malformed or oversized request: a missing
	// required parameter, a ceiling violation, an unsupported digest
	// algorithm, or an unguessable secret that did not resolve. Always
	// client-caused; never retried automatically.
	ErrMalformed = errors.New("malformed request")

	// ErrPermissionDenied marks an unmet ownership or authentication
	// precondition.
	ErrPermissionDenied = errors.New("permission denied")

	// ErrStateConflict marks an operation that observed an upload in a
	// state incompatible with the request but likely caused by a benign
	// race (materialize lock busy, concurrent finalize). Retryable by
	// the caller, never retried internally.
	ErrStateConflict = errors.New("state conflict")

	// ErrProtected is returned when deleting an upload that is still
	// referenced by a secret.
	ErrProtected = errors.New("upload is protected by an existing secret")

	ErrInternal = errors.New("internal error")

	// Auth errors (invalid or malformed token).
	ErrInvalidToken = errors.New("invalid token")
)
