package rag

import (
	"context"
	"log/slog"

	"github.com/poiesic/handbook/ai"
	"github.com/poiesic/handbook/core"
	"github.com/poiesic/handbook/storage"
)

// Retriever finds the passages most similar to a question.
type Retriever struct {
	store    storage.PassageStore
	embedder ai.Embedder
	logger   *slog.Logger
}

// RetrieverOption configures a Retriever.
type RetrieverOption func(*Retriever) error

// WithRetrieverLogger sets a custom logger.
// Default is slog.Default().
func WithRetrieverLogger(logger *slog.Logger) RetrieverOption {
	return func(r *Retriever) error {
		if logger == nil {
			logger = slog.Default()
		}
		r.logger = logger
		return nil
	}
}

// NewRetriever creates a new retriever.
func NewRetriever(store storage.PassageStore, embedder ai.Embedder, opts ...RetrieverOption) (*Retriever, error) {
	if store == nil {
		return nil, ErrStoreRequired
	}
	if embedder == nil {
		return nil, ErrEmbedderRequired
	}

	r := &Retriever{
		store:    store,
		embedder: embedder,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		if err := opt(r); err != nil {
			return nil, err
		}
	}
	r.logger = r.logger.With("component", "retriever")
	return r, nil
}

// Retrieve embeds question and returns up to k passages, most similar first.
func (r *Retriever) Retrieve(ctx context.Context, question string, k int) ([]*core.SearchResult, error) {
	embedding, err := r.embedder.EmbedText(ctx, question)
	if err != nil {
		r.logger.Error("error generating embedding for question", "err", err)
		return nil, err
	}

	results, err := r.store.SearchTopK(ctx, embedding, k)
	if err != nil {
		r.logger.Error("error querying for similar passages", "err", err)
		return nil, err
	}

	r.logger.Debug("retrieved passages", "requested", k, "found", len(results))
	return results, nil
}
