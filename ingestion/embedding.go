package ingestion

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/poiesic/handbook/ai"
	"github.com/poiesic/handbook/core"
)

// embeddingProcessor fills in the vectors of a batch of passages.
type embeddingProcessor struct {
	embedder ai.Embedder
	logger   *slog.Logger
}

// newEmbeddingProcessor creates a new embedding processor.
func newEmbeddingProcessor(embedder ai.Embedder, logger *slog.Logger) (*embeddingProcessor, error) {
	if embedder == nil {
		return nil, ErrEmbedderRequired
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &embeddingProcessor{
		embedder: embedder,
		logger:   logger.With("processor", "embeddings"),
	}, nil
}

// process embeds the text of every passage and stores the result in its Vector.
func (ep *embeddingProcessor) process(ctx context.Context, passages []*core.Passage) error {
	texts := make([]string, len(passages))
	for i, p := range passages {
		texts[i] = p.Text
	}

	ep.logger.Debug("generating embeddings for passages", "passages", len(texts))
	embeddings, err := ep.embedder.EmbedTexts(ctx, texts)
	if err != nil {
		ep.logger.Error("error generating embeddings", "err", err)
		return err
	}

	if len(embeddings) != len(passages) {
		return fmt.Errorf("embedding result mismatch. expected %d, received %d", len(passages), len(embeddings))
	}

	for i := range embeddings {
		passages[i].Vector = embeddings[i]
	}
	return nil
}
