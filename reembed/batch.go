package reembed

import (
	"context"
	"fmt"

	"github.com/poiesic/handbook/ai"
	"github.com/poiesic/handbook/core"
	"github.com/poiesic/handbook/storage"
)

// BatchProcessor re-embeds one batch of passages and writes it back.
type BatchProcessor struct {
	store    storage.PassageStore
	embedder ai.Embedder
	backoff  Backoff
}

// NewBatchProcessor creates a processor retrying both the embedding call and
// the write according to backoff.
func NewBatchProcessor(store storage.PassageStore, embedder ai.Embedder, backoff Backoff) *BatchProcessor {
	return &BatchProcessor{
		store:    store,
		embedder: embedder,
		backoff:  backoff,
	}
}

// Process replaces the vectors of passages and upserts them.
func (bp *BatchProcessor) Process(ctx context.Context, passages []*core.Passage) error {
	if len(passages) == 0 {
		return nil
	}

	texts := make([]string, len(passages))
	for i, p := range passages {
		texts[i] = p.Text
	}

	var vectors [][]float32
	err := bp.backoff.Do(ctx, func(ctx context.Context) error {
		var err error
		vectors, err = bp.embedder.EmbedTexts(ctx, texts)
		return err
	})
	if err != nil {
		return fmt.Errorf("embed %d passages after %d attempts: %w", len(passages), bp.backoff.Attempts, err)
	}
	if len(vectors) != len(passages) {
		return fmt.Errorf("embedding count mismatch: expected %d, got %d", len(passages), len(vectors))
	}

	for i, p := range passages {
		p.Vector = Normalize(vectors[i])
	}

	err = bp.backoff.Do(ctx, func(ctx context.Context) error {
		return bp.store.Upsert(ctx, passages...)
	})
	if err != nil {
		return fmt.Errorf("write passages: %w", err)
	}
	return nil
}
