package storage

import "errors"

var (
	// ErrCredentialNotFound is returned when a credential id is unknown
	ErrCredentialNotFound = errors.New("credential not found")

	// ErrDuplicateUsage is returned when an identical usage fact (same
	// identity, timestamp and token counts) is already stored
	ErrDuplicateUsage = errors.New("duplicate usage record")
)
