package ledger

import (
	"errors"
)

// Returned when the hash chain is provably broken (hash mismatch or sequence
// gap), and for any append attempted after a break has been observed. This is
// escalated, not retried: it indicates tampering or corruption.
var ErrChainIntegrity = errors.New("audit chain integrity violation")

// Returned for appends with missing required fields or unserializable
// metadata.
var ErrBadRecord = errors.New("invalid audit record")

// Returned by Range for an out-of-order or oversized request.
var ErrBadRange = errors.New("invalid sequence range")
