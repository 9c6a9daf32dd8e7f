package rag

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/poiesic/handbook/ai"
	"github.com/poiesic/handbook/llm"
	"github.com/poiesic/handbook/queue"
	"github.com/poiesic/handbook/storage"
)

// DefaultTopK is the number of passages placed in the prompt.
const DefaultTopK = 3

// Enqueuer accepts units of work. *queue.TaskQueue satisfies it.
type Enqueuer interface {
	Enqueue(work queue.Work) (*queue.Handle, error)
}

// IngestFunc builds the queue unit that ingests the document at path.
type IngestFunc func(path string) queue.Work

// Backends is the closed set of generation backends.
// Remote may be nil when local is preferred; there is then no fallback.
type Backends struct {
	Local  llm.Backend
	Remote llm.Backend
}

// Orchestrator answers questions over the ingested corpus.
// Ingestion always goes through the task queue; queries do not.
type Orchestrator struct {
	store      storage.PassageStore
	retriever  *Retriever
	queue      Enqueuer
	ingest     IngestFunc
	backends   Backends
	preference llm.Preference
	topK       int
	monitor    QueryMonitor
	logger     *slog.Logger

	mu       sync.Mutex
	inflight map[string]*queue.Handle
}

// Option configures an Orchestrator.
type Option func(*Orchestrator) error

// WithLogger sets a custom logger.
// Default is slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(o *Orchestrator) error {
		if logger == nil {
			logger = slog.Default()
		}
		o.logger = logger
		return nil
	}
}

// WithTopK sets how many passages ground each answer.
// Default is DefaultTopK.
func WithTopK(k int) Option {
	return func(o *Orchestrator) error {
		if k <= 0 {
			return fmt.Errorf("top-k must be positive, got %d", k)
		}
		o.topK = k
		return nil
	}
}

// WithPreference selects the backend tried first.
// Default is llm.Local.
func WithPreference(p llm.Preference) Option {
	return func(o *Orchestrator) error {
		if p != llm.Local && p != llm.Remote {
			return fmt.Errorf("%w: %q", llm.ErrUnknownPreference, p)
		}
		o.preference = p
		return nil
	}
}

// WithMonitor installs a monitor that observes every query.
func WithMonitor(m QueryMonitor) Option {
	return func(o *Orchestrator) error {
		if m == nil {
			m = &noopMonitor{}
		}
		o.monitor = m
		return nil
	}
}

// NewOrchestrator wires the retrieval store, embedder, queue and backends.
func NewOrchestrator(
	store storage.PassageStore,
	embedder ai.Embedder,
	q Enqueuer,
	ingest IngestFunc,
	backends Backends,
	opts ...Option,
) (*Orchestrator, error) {
	if q == nil || ingest == nil {
		return nil, ErrQueueRequired
	}

	o := &Orchestrator{
		store:      store,
		queue:      q,
		ingest:     ingest,
		backends:   backends,
		preference: llm.Local,
		topK:       DefaultTopK,
		monitor:    &noopMonitor{},
		logger:     slog.Default(),
		inflight:   make(map[string]*queue.Handle),
	}
	for _, opt := range opts {
		if err := opt(o); err != nil {
			return nil, err
		}
	}
	o.logger = o.logger.With("component", "orchestrator")

	if o.primary() == nil {
		return nil, fmt.Errorf("%w: %s", ErrBackendRequired, o.preference)
	}

	retriever, err := NewRetriever(store, embedder, WithRetrieverLogger(o.logger))
	if err != nil {
		return nil, err
	}
	o.retriever = retriever
	return o, nil
}

// Preference returns the backend tried first.
func (o *Orchestrator) Preference() llm.Preference {
	return o.preference
}

// Primary returns the preferred backend.
func (o *Orchestrator) Primary() llm.Backend {
	return o.primary()
}

func (o *Orchestrator) primary() llm.Backend {
	if o.preference == llm.Remote {
		return o.backends.Remote
	}
	return o.backends.Local
}

// fallback returns the backend retried after a local failure, or nil.
func (o *Orchestrator) fallback() llm.Backend {
	if o.preference == llm.Local {
		return o.backends.Remote
	}
	return nil
}

// HasEmbeddings reports whether the corpus holds at least one passage.
func (o *Orchestrator) HasEmbeddings(ctx context.Context) (bool, error) {
	n, err := o.store.Count(ctx)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// SubmitIngestion enqueues an ingestion of path regardless of corpus state.
// Fails with queue.ErrQueueFull when the queue is at capacity.
func (o *Orchestrator) SubmitIngestion(path string) (*queue.Handle, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.submitLocked(path)
}

func (o *Orchestrator) submitLocked(path string) (*queue.Handle, error) {
	h, err := o.queue.Enqueue(o.ingest(path))
	if err != nil {
		o.logger.Warn("ingestion rejected", "path", path, "err", err)
		return nil, err
	}
	o.inflight[path] = h
	o.logger.Info("ingestion submitted", "path", path)

	go func() {
		<-h.Done()
		o.mu.Lock()
		if o.inflight[path] == h {
			delete(o.inflight, path)
		}
		o.mu.Unlock()
	}()
	return h, nil
}

// EnsureEmbeddings ingests path through the queue if the corpus is empty and
// waits for it. Callers arriving while an ingestion of path is in flight wait
// on the same handle. With a non-empty corpus it returns at once.
func (o *Orchestrator) EnsureEmbeddings(ctx context.Context, path string) error {
	o.mu.Lock()
	h, ok := o.inflight[path]
	o.mu.Unlock()

	if !ok {
		has, err := o.HasEmbeddings(ctx)
		if err != nil {
			return err
		}
		if has {
			o.logger.Debug("embeddings already exist", "path", path)
			return nil
		}

		o.mu.Lock()
		h, ok = o.inflight[path]
		if !ok {
			o.logger.Info("no embeddings found, ingesting", "path", path)
			h, err = o.submitLocked(path)
		}
		o.mu.Unlock()
		if err != nil {
			return err
		}
	}

	if _, err := h.Wait(ctx); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(err, ctxErr) {
			return err
		}
		return fmt.Errorf("%w: %w", ErrIngestionFailed, err)
	}
	return nil
}

// ProcessQuery retrieves the passages closest to question, grounds a prompt
// in them and streams the answer of the preferred backend. When local is
// preferred and fails, the whole generation is retried on remote; if that
// fails too the local error is reported.
func (o *Orchestrator) ProcessQuery(ctx context.Context, question string) (*llm.Stream, error) {
	has, err := o.HasEmbeddings(ctx)
	if err != nil {
		return nil, err
	}
	if !has {
		return nil, ErrNoCorpus
	}
	if strings.TrimSpace(question) == "" {
		return nil, ErrEmptyQuestion
	}
	o.monitor.Start(question)

	results, err := o.retriever.Retrieve(ctx, question, o.topK)
	if err != nil {
		o.monitor.Finish(err)
		return nil, err
	}
	o.monitor.AfterRetrieval(results)

	prompt := BuildPrompt(question, passageTexts(results))

	return llm.NewStream(ctx, func(ctx context.Context, emit llm.Emit) error {
		err := o.answer(ctx, prompt, emit)
		o.monitor.Finish(err)
		return err
	}), nil
}

func (o *Orchestrator) answer(ctx context.Context, prompt string, emit llm.Emit) error {
	primary := o.primary()
	yielded, err := o.attempt(ctx, primary, prompt, emit)
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}

	fallback := o.fallback()
	if fallback == nil {
		o.logger.Error("generation failed", "backend", primary.Name(), "err", err)
		return err
	}

	o.logger.Warn("generation failed, falling back", "from", primary.Name(), "to", fallback.Name(), "yielded", yielded, "err", err)
	o.monitor.Fallback(primary.Name(), fallback.Name(), err)
	if yielded > 0 && !emit(llm.Chunk{Kind: llm.ChunkRestart}) {
		return ctx.Err()
	}

	if _, ferr := o.attempt(ctx, fallback, prompt, emit); ferr != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		o.logger.Error("fallback generation failed", "backend", fallback.Name(), "err", ferr)
		return err
	}
	return nil
}

// attempt loads backend, runs one generation and forwards its data chunks.
// It returns how many data chunks were forwarded.
func (o *Orchestrator) attempt(ctx context.Context, backend llm.Backend, prompt string, emit llm.Emit) (int, error) {
	o.monitor.BackendSelected(backend.Name())

	if err := backend.Load(ctx); err != nil {
		return 0, err
	}
	stream, err := backend.Generate(ctx, prompt)
	if err != nil {
		return 0, err
	}
	defer stream.Close()

	yielded := 0
	for {
		c, err := stream.Next(ctx)
		if err != nil {
			return yielded, err
		}
		switch c.Kind {
		case llm.ChunkData, llm.ChunkRestart:
			if !emit(c) {
				return yielded, ctx.Err()
			}
			if c.Kind == llm.ChunkData {
				yielded++
			}
		case llm.ChunkEnd:
			return yielded, nil
		case llm.ChunkError:
			return yielded, c.Err
		}
	}
}
