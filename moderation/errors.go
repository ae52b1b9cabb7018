package moderation

import (
	"errors"
)

// Returned when a mutation conflicts with current state (eg, assigning a case
// that is no longer open). Callers should refresh and retry.
var ErrConflict = errors.New("conflict with current state")

// Returned for state machine violations (eg, deciding an already-decided
// appeal). Not retryable; the request itself is wrong.
var ErrInvalidStateTransition = errors.New("invalid state transition")

var ErrNotFound = errors.New("not found")

// Returned for malformed requests: unknown reason codes, out-of-range
// priorities, missing required fields.
var ErrValidation = errors.New("validation failed")
