package ingestion

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"runtime"
	"sync"
	"time"

	"github.com/panjf2000/ants/v2"
	"github.com/poiesic/handbook/ai"
	"github.com/poiesic/handbook/core"
	"github.com/poiesic/handbook/queue"
	"github.com/poiesic/handbook/storage"
)

const (
	// DefaultEmbedBatchSize is the number of passages sent per embedding call.
	DefaultEmbedBatchSize = 32
	// DefaultUpsertBatchSize is the number of passages written per store call.
	DefaultUpsertBatchSize = 100
)

// Report summarizes one ingestion.
type Report struct {
	Source   string
	Pages    int
	Passages int
	Elapsed  time.Duration
}

// Pipeline turns documents into embedded passages in a PassageStore.
// Embedding batches run concurrently on a worker pool.
type Pipeline struct {
	store           storage.PassageStore
	embeddingPool   *ants.Pool
	embeddingProc   *embeddingProcessor
	extractor       Extractor
	chunker         Chunker
	embedBatchSize  int
	upsertBatchSize int
	logger          *slog.Logger
}

// Option configures a Pipeline.
type Option func(*Pipeline) error

// WithPoolSize sets the worker pool size for concurrent embedding.
// Default is runtime.NumCPU() / 2, with a minimum of 1.
func WithPoolSize(size int) Option {
	return func(p *Pipeline) error {
		if size < 1 {
			size = 1
		}
		if p.embeddingPool != nil {
			p.embeddingPool.Release()
		}
		pool, err := ants.NewPool(size)
		if err != nil {
			return err
		}
		p.embeddingPool = pool
		return nil
	}
}

// WithLogger sets a custom logger.
// Default is slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(p *Pipeline) error {
		if logger == nil {
			logger = slog.Default()
		}
		p.logger = logger
		return nil
	}
}

// WithChunkSize sets the passage character budget.
func WithChunkSize(size int) Option {
	return func(p *Pipeline) error {
		if size <= 0 {
			return fmt.Errorf("chunk size must be positive, got %d", size)
		}
		p.chunker = Chunker{Size: size}
		return nil
	}
}

// WithBatchSizes sets the embedding and upsert batch sizes.
func WithBatchSizes(embed, upsert int) Option {
	return func(p *Pipeline) error {
		if embed <= 0 || upsert <= 0 {
			return fmt.Errorf("batch sizes must be positive, got %d and %d", embed, upsert)
		}
		p.embedBatchSize = embed
		p.upsertBatchSize = upsert
		return nil
	}
}

// WithExtractor forces one extractor for every path instead of choosing by extension.
func WithExtractor(e Extractor) Option {
	return func(p *Pipeline) error {
		p.extractor = e
		return nil
	}
}

// NewPipeline creates a new ingestion pipeline.
func NewPipeline(store storage.PassageStore, embedder ai.Embedder, opts ...Option) (*Pipeline, error) {
	if store == nil {
		return nil, ErrStoreRequired
	}
	if embedder == nil {
		return nil, ErrEmbedderRequired
	}

	poolSize := runtime.NumCPU() / 2
	if poolSize < 1 {
		poolSize = 1
	}
	pool, err := ants.NewPool(poolSize)
	if err != nil {
		return nil, err
	}

	p := &Pipeline{
		store:           store,
		embeddingPool:   pool,
		chunker:         Chunker{Size: DefaultChunkSize},
		embedBatchSize:  DefaultEmbedBatchSize,
		upsertBatchSize: DefaultUpsertBatchSize,
		logger:          slog.Default(),
	}

	for _, opt := range opts {
		if optErr := opt(p); optErr != nil {
			p.Release()
			return nil, optErr
		}
	}
	p.logger = p.logger.With("component", "ingestion")

	proc, err := newEmbeddingProcessor(embedder, p.logger)
	if err != nil {
		p.Release()
		return nil, err
	}
	p.embeddingProc = proc
	return p, nil
}

// Ingest extracts, chunks, embeds and stores the document at path.
// Passage IDs derive from the file name, position and text, so ingesting
// the same document twice overwrites rather than duplicates.
func (p *Pipeline) Ingest(ctx context.Context, path string) (*Report, error) {
	start := time.Now()
	source := filepath.Base(path)
	logger := p.logger.With("source", source)

	extractor := p.extractor
	if extractor == nil {
		var err error
		if extractor, err = ExtractorFor(path); err != nil {
			return nil, err
		}
	}

	pages, err := extractor.Extract(ctx, path)
	if err != nil {
		logger.Error("failed to extract document", "err", err)
		return nil, err
	}

	chunks := p.chunker.Split(pages)
	if len(chunks) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrEmptyDocument, source)
	}
	logger.Info("document split", "pages", len(pages), "passages", len(chunks))

	passages := make([]*core.Passage, len(chunks))
	for i, text := range chunks {
		passages[i] = core.NewPassage(source, i, text, nil)
	}

	if err := p.embedAll(ctx, passages); err != nil {
		logger.Error("failed to embed passages", "err", err)
		return nil, err
	}

	for i := 0; i < len(passages); i += p.upsertBatchSize {
		end := min(i+p.upsertBatchSize, len(passages))
		if err := p.store.Upsert(ctx, passages[i:end]...); err != nil {
			logger.Error("failed to store passages", "offset", i, "err", err)
			return nil, fmt.Errorf("store passages %d-%d: %w", i, end, err)
		}
	}

	report := &Report{
		Source:   source,
		Pages:    len(pages),
		Passages: len(passages),
		Elapsed:  time.Since(start),
	}
	logger.Info("document ingested", "passages", report.Passages, "elapsed", report.Elapsed)
	return report, nil
}

// embedAll embeds passages in batches on the pool and waits for every batch.
func (p *Pipeline) embedAll(ctx context.Context, passages []*core.Passage) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	fail := func(err error) {
		mu.Lock()
		errs = append(errs, err)
		mu.Unlock()
		cancel()
	}

	for i := 0; i < len(passages); i += p.embedBatchSize {
		if ctx.Err() != nil {
			break
		}
		batch := passages[i:min(i+p.embedBatchSize, len(passages))]
		wg.Add(1)
		err := p.embeddingPool.Submit(func() {
			defer wg.Done()
			if err := p.embeddingProc.process(ctx, batch); err != nil {
				fail(err)
			}
		})
		if err != nil {
			wg.Done()
			fail(err)
			break
		}
	}
	wg.Wait()

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return ctx.Err()
}

// Work adapts an ingestion of path into a queue unit whose value is the *Report.
func (p *Pipeline) Work(path string) queue.Work {
	return func(ctx context.Context) (any, error) {
		report, err := p.Ingest(ctx, path)
		if err != nil {
			return nil, err
		}
		return report, nil
	}
}

// Release releases the worker pool.
// The pipeline should not be used after calling Release.
func (p *Pipeline) Release() {
	if p.embeddingPool != nil {
		p.embeddingPool.Release()
	}
}
