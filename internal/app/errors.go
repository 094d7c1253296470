package app

import "errors"

// Error taxonomy for circulation operations. Callers classify failures with
// errors.Is; messages wrapped around these sentinels are safe to show to
// library staff.
var (
	// ErrValidation covers malformed requests rejected before any
	// transaction opens.
	ErrValidation = errors.New("validation failed")
	// ErrConflict covers precondition failures: fully booked ranges, copies
	// no longer available, overlapping self-reservations. No partial writes.
	ErrConflict = errors.New("conflict")
	// ErrNotFound covers unresolved reservation/copy/book ids.
	ErrNotFound = errors.New("not found")
	// ErrTransaction covers storage failures; the operation rolled back in
	// full and may be retried from scratch.
	ErrTransaction = errors.New("transaction failed")
)
