package store

import "errors"

var (
	// ErrDuplicateKey is returned when an insert violates a table's
	// uniqueness invariant. Callers treat it as an idempotent no-op.
	ErrDuplicateKey = errors.New("duplicate key")

	// ErrNotFound is returned when a lookup matches no rows. It is
	// distinct from an empty result set on range queries.
	ErrNotFound = errors.New("not found")
)
