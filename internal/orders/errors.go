package orders

import "errors"

var (
	ErrNotFound = errors.New("order not found")
	// ErrDuplicateReference is returned together with the existing order when
	// the idempotency key was already used. Callers treat it as a replay.
	ErrDuplicateReference = errors.New("order already exists for idempotency key")
	// ErrStaleState means the conditional update matched no row: the stored
	// status is no longer the expected "from". Re-read and retry.
	ErrStaleState        = errors.New("stale order state")
	ErrInvalidTransition = errors.New("invalid status transition")
)
