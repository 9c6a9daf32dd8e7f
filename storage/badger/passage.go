package badger

import (
	"context"
	"errors"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/poiesic/handbook/core"
	"github.com/poiesic/handbook/storage"
)

// PassageStore implements storage.PassageStore for BadgerDB.
type PassageStore struct {
	backend    *Backend
	collection string
	prefix     []byte
	ownBackend bool
}

var _ storage.PassageStore = (*PassageStore)(nil)

// NewPassageStore creates a store for collection on an already opened backend.
// Closing the store leaves the backend open.
func NewPassageStore(backend *Backend, collection string) (storage.PassageStore, error) {
	return newPassageStore(backend, collection, false)
}

// OpenPassageStore opens the database at path and returns a store that owns it.
func OpenPassageStore(path, collection string) (storage.PassageStore, error) {
	backend, err := OpenBackend(path, false)
	if err != nil {
		return nil, err
	}
	store, err := newPassageStore(backend, collection, true)
	if err != nil {
		backend.Close()
		return nil, err
	}
	return store, nil
}

func newPassageStore(backend *Backend, collection string, ownBackend bool) (*PassageStore, error) {
	if backend == nil {
		return nil, errors.New("badger backend required")
	}
	if collection == "" {
		return nil, errors.New("collection name required")
	}
	return &PassageStore{
		backend:    backend,
		collection: collection,
		prefix:     makeCollectionPrefix(collection),
		ownBackend: ownBackend,
	}, nil
}

// Upsert writes passages in a single transaction.
func (s *PassageStore) Upsert(ctx context.Context, passages ...*core.Passage) error {
	if len(passages) == 0 {
		return nil
	}
	now := time.Now().UTC()
	for _, passage := range passages {
		if passage.InsertedAt.IsZero() {
			passage.InsertedAt = now
		}
		if err := core.ValidatePassage(passage); err != nil {
			return err
		}
	}

	return s.backend.WithTx(func(tx *badger.Txn) error {
		for _, passage := range passages {
			if err := ctx.Err(); err != nil {
				return err
			}
			key := makePassageKey(s.collection, passage.Id)
			if err := tx.Set(key, storage.MarshalPassage(passage)); err != nil {
				return err
			}
		}
		return tx.Commit()
	}, true)
}

// SearchTopK returns the k passages most similar to vector.
func (s *PassageStore) SearchTopK(ctx context.Context, vector []float32, k int) ([]*core.SearchResult, error) {
	if k <= 0 || len(vector) == 0 {
		return nil, storage.ErrInvalidQuery
	}
	return s.backend.FindSimilar(ctx, s.prefix, vector, k)
}

// Count returns the number of passages in the collection.
func (s *PassageStore) Count(ctx context.Context) (int, error) {
	count := 0
	err := s.backend.WithTx(func(tx *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = s.prefix
		opts.PrefetchValues = false
		iter := tx.NewIterator(opts)
		defer iter.Close()

		for iter.Rewind(); iter.Valid(); iter.Next() {
			count++
		}
		return ctx.Err()
	}, false)
	return count, err
}

// Scan visits passages in key order, batchSize at a time.
func (s *PassageStore) Scan(ctx context.Context, batchSize int, fn func([]*core.Passage) error) error {
	if batchSize <= 0 {
		return storage.ErrInvalidQuery
	}

	// Collect first so fn can write back through Upsert without holding the read transaction.
	var passages []*core.Passage
	err := s.backend.WithTx(func(tx *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = s.prefix
		iter := tx.NewIterator(opts)
		defer iter.Close()

		for iter.Rewind(); iter.Valid(); iter.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			err := iter.Item().Value(func(val []byte) error {
				passage, err := storage.UnmarshalPassage(val)
				if err != nil {
					return err
				}
				passages = append(passages, passage)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	}, false)
	if err != nil {
		return err
	}

	for i := 0; i < len(passages); i += batchSize {
		if err := ctx.Err(); err != nil {
			return err
		}
		end := min(i+batchSize, len(passages))
		if err := fn(passages[i:end]); err != nil {
			return err
		}
	}
	return nil
}

// Clear drops every passage in the collection.
func (s *PassageStore) Clear(ctx context.Context) error {
	return s.backend.DropPrefix(s.prefix)
}

// Close releases the backend if this store opened it.
func (s *PassageStore) Close() error {
	if s.ownBackend {
		return s.backend.Close()
	}
	return nil
}
