package ingestion

import "errors"

var (
	// ErrStoreRequired is returned when a passage store is not provided.
	ErrStoreRequired = errors.New("passage store required")

	// ErrEmbedderRequired is returned when an embedder is not provided.
	ErrEmbedderRequired = errors.New("embedder required")

	// ErrUnsupportedFormat is returned for files no extractor understands.
	ErrUnsupportedFormat = errors.New("unsupported document format")

	// ErrEmptyDocument is returned when a document yields no text.
	ErrEmptyDocument = errors.New("document contains no text")
)
