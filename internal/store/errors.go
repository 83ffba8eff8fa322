package store

import "errors"

var (
	// ErrDuplicateKey is returned when appending a message whose id already
	// exists. Callers that want overwrite semantics should use UpsertMessage.
	ErrDuplicateKey = errors.New("duplicate key")

	// ErrNotFound is returned by partial updates when the referenced row is
	// absent. Outside a sync race window this indicates a caller bug.
	ErrNotFound = errors.New("not found")
)
