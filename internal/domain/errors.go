package domain

import "errors"

// Sentinel errors shared across the queue. Storage failures are wrapped with
// driver context at the call site and propagated, never retried internally.
var (
	// ErrValidation is returned for malformed requests; nothing is persisted.
	ErrValidation = errors.New("validation failed")

	// ErrNotFound is returned for an unknown task id; state is unchanged.
	ErrNotFound = errors.New("task not found")
)
