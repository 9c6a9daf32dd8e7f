package storage

import (
	"context"

	"github.com/poiesic/handbook/core"
)

// PassageStore persists embedded passages for a single collection and answers
// nearest-neighbour queries over them.
// Implementations must be thread-safe and support concurrent access.
type PassageStore interface {
	// Upsert writes passages, replacing any existing passage with the same ID.
	// Sets InsertedAt if not already set.
	Upsert(ctx context.Context, passages ...*core.Passage) error

	// SearchTopK returns up to k passages ordered by similarity to vector,
	// most similar first.
	SearchTopK(ctx context.Context, vector []float32, k int) ([]*core.SearchResult, error)

	// Count returns the number of passages in the collection.
	Count(ctx context.Context) (int, error)

	// Scan visits every stored passage in batches of at most batchSize.
	// Iteration stops at the first error returned by fn.
	Scan(ctx context.Context, batchSize int, fn func([]*core.Passage) error) error

	// Clear removes every passage from the collection.
	Clear(ctx context.Context) error

	// Close releases resources held by the store.
	Close() error
}
