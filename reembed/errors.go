package reembed

import "errors"

var (
	// ErrInvalidAttempts is returned when a Backoff allows no attempts.
	ErrInvalidAttempts = errors.New("attempts must be greater than 0")

	// ErrStoreRequired is returned when a passage store is not provided.
	ErrStoreRequired = errors.New("passage store required")

	// ErrEmbedderRequired is returned when an embedder is not provided.
	ErrEmbedderRequired = errors.New("embedder required")
)
