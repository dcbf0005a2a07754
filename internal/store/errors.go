package store

import "errors"

// Error taxonomy surfaced by the store. Callers check with errors.Is; the
// underlying SQLite driver error is never propagated past this package.
var (
	// ErrNotFound is returned when the referenced row does not exist.
	ErrNotFound = errors.New("store: not found")

	// ErrConflict is returned when a conditional update (claim, transition,
	// card move) affected zero rows because the guard no longer held.
	ErrConflict = errors.New("store: conflict")

	// ErrStorageUnavailable is returned when the underlying engine failed
	// after retries were exhausted.
	ErrStorageUnavailable = errors.New("store: unavailable")
)
