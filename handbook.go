// Copyright 2025 Poiesic Systems
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package handbook

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/poiesic/handbook/ai"
	"github.com/poiesic/handbook/ai/openai"
	"github.com/poiesic/handbook/config"
	"github.com/poiesic/handbook/ingestion"
	"github.com/poiesic/handbook/llm"
	"github.com/poiesic/handbook/llm/local"
	"github.com/poiesic/handbook/llm/remote"
	"github.com/poiesic/handbook/queue"
	"github.com/poiesic/handbook/rag"
	"github.com/poiesic/handbook/reembed"
	"github.com/poiesic/handbook/server"
	"github.com/poiesic/handbook/storage"
	"github.com/poiesic/handbook/storage/badger"
	"github.com/poiesic/handbook/storage/pgvector"
	"github.com/poiesic/handbook/storage/qdrant"
)

// Service assembles the store, embedder, generation backends, task queue,
// ingestion pipeline and orchestrator described by a config.Config.
type Service struct {
	config       *config.Config
	store        storage.PassageStore
	provider     ai.AIProvider
	local        llm.Backend
	remote       llm.Backend
	queue        *queue.TaskQueue
	pipeline     *ingestion.Pipeline
	orchestrator *rag.Orchestrator
	logger       *slog.Logger
	lazy         bool

	mu      sync.Mutex
	started bool
	closed  bool
}

// ServiceOption configures a Service.
type ServiceOption func(*serviceOptions)

type serviceOptions struct {
	logger   *slog.Logger
	store    storage.PassageStore
	provider ai.AIProvider
	local    llm.Backend
	remote   llm.Backend
	monitor  rag.QueryMonitor
	lazy     bool
}

// WithLogger sets a custom logger.
// Default is slog.Default().
func WithLogger(logger *slog.Logger) ServiceOption {
	return func(o *serviceOptions) {
		o.logger = logger
	}
}

// WithStore uses store instead of opening the configured one.
// The Service takes ownership and closes it.
func WithStore(store storage.PassageStore) ServiceOption {
	return func(o *serviceOptions) {
		o.store = store
	}
}

// WithProvider uses provider instead of the configured embedding service.
func WithProvider(provider ai.AIProvider) ServiceOption {
	return func(o *serviceOptions) {
		o.provider = provider
	}
}

// WithBackends replaces the configured generation backends. A nil argument
// keeps the configured backend for that slot.
func WithBackends(localBackend, remoteBackend llm.Backend) ServiceOption {
	return func(o *serviceOptions) {
		o.local = localBackend
		o.remote = remoteBackend
	}
}

// WithMonitor installs a query monitor on the orchestrator.
func WithMonitor(m rag.QueryMonitor) ServiceOption {
	return func(o *serviceOptions) {
		o.monitor = m
	}
}

// WithLazyLoad makes Start skip loading the preferred backend. Backends are
// then loaded by the first query that needs them.
func WithLazyLoad() ServiceOption {
	return func(o *serviceOptions) {
		o.lazy = true
	}
}

// OpenStore opens the passage store selected by cfg.
func OpenStore(cfg *config.Config) (storage.PassageStore, error) {
	s := cfg.Storage
	switch s.Type {
	case config.StoreBadger:
		return badger.OpenPassageStore(s.Path, s.Collection)
	case config.StoreQdrant:
		return qdrant.NewStore(qdrant.Config{
			URL:        s.QdrantURL,
			APIKey:     s.QdrantAPIKey,
			Collection: s.Collection,
			VectorSize: s.VectorSize,
			Timeout:    s.QdrantTimeout,
		})
	case config.StorePgvector:
		return pgvector.Open(s.PostgresDSN, s.Collection)
	default:
		return nil, fmt.Errorf("%w: %q", storage.ErrUnknownStore, s.Type)
	}
}

// NewService validates cfg and builds every component. Nothing runs until
// Start is called.
func NewService(cfg *config.Config, opts ...ServiceOption) (*Service, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	options := &serviceOptions{}
	for _, opt := range opts {
		opt(options)
	}
	logger := options.logger
	if logger == nil {
		logger = slog.Default()
	}

	s := &Service{config: cfg, logger: logger.With("component", "service"), lazy: options.lazy}
	ok := false
	defer func() {
		if !ok {
			s.release()
		}
	}()

	var err error
	s.store = options.store
	if s.store == nil {
		if s.store, err = OpenStore(cfg); err != nil {
			return nil, fmt.Errorf("open %s store: %w", cfg.Storage.Type, err)
		}
	}

	s.provider = options.provider
	if s.provider == nil {
		if s.provider, err = openai.NewProvider(cfg.AIConfig()); err != nil {
			return nil, err
		}
	}

	s.local = options.local
	if s.local == nil {
		if s.local, err = local.NewBackend(cfg.LocalConfig(), local.WithLogger(logger)); err != nil {
			return nil, err
		}
	}
	s.remote = options.remote
	if s.remote == nil {
		if s.remote, err = remote.NewBackend(cfg.RemoteConfig(), remote.WithLogger(logger)); err != nil {
			return nil, err
		}
	}

	if s.queue, err = queue.New(cfg.Queue.MaxSize, queue.WithLogger(logger)); err != nil {
		return nil, err
	}

	in := cfg.Ingestion
	s.pipeline, err = ingestion.NewPipeline(s.store, s.provider.Embedder(),
		ingestion.WithLogger(logger),
		ingestion.WithPoolSize(in.PoolSize),
		ingestion.WithChunkSize(in.ChunkSize),
		ingestion.WithBatchSizes(in.EmbedBatchSize, in.UpsertBatchSize),
	)
	if err != nil {
		return nil, err
	}

	s.orchestrator, err = rag.NewOrchestrator(s.store, s.provider.Embedder(), s.queue, s.pipeline.Work,
		rag.Backends{Local: s.local, Remote: s.remote},
		rag.WithLogger(logger),
		rag.WithTopK(cfg.Retrieval.TopK),
		rag.WithPreference(cfg.Preference()),
		rag.WithMonitor(options.monitor),
	)
	if err != nil {
		return nil, err
	}

	ok = true
	return s, nil
}

// Start loads the preferred backend and starts the queue workers. The
// fallback backend is loaded on first use.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrServiceClosed
	}
	if s.started {
		return nil
	}

	primary := s.orchestrator.Primary()
	if !s.lazy {
		if err := primary.Load(ctx); err != nil {
			return fmt.Errorf("load %s backend: %w", primary.Name(), err)
		}
	}
	if err := s.queue.Start(s.config.Queue.Workers); err != nil {
		return err
	}
	s.started = true
	s.logger.Info("service started",
		"store", s.config.Storage.Type,
		"backend", primary.Name(),
		"workers", s.config.Queue.Workers,
		"queue_size", s.config.Queue.MaxSize)
	return nil
}

// Shutdown stops the queue, waiting for running units until ctx is done, and
// releases every component. Queued units resolve with queue.ErrCancelled.
func (s *Service) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true

	var errs []error
	if s.started {
		if err := s.queue.Stop(ctx); err != nil && !errors.Is(err, queue.ErrNotRunning) {
			errs = append(errs, fmt.Errorf("stop queue: %w", err))
		}
	}
	if err := s.release(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Close is Shutdown without a deadline.
func (s *Service) Close() error {
	return s.Shutdown(context.Background())
}

// release closes whatever has been built so far.
func (s *Service) release() error {
	var errs []error
	if s.pipeline != nil {
		s.pipeline.Release()
	}
	for _, b := range []llm.Backend{s.local, s.remote} {
		if b == nil {
			continue
		}
		if err := b.Close(); err != nil {
			s.logger.Error("error closing backend", "backend", b.Name(), "err", err)
			errs = append(errs, err)
		}
	}
	if s.provider != nil {
		if err := s.provider.Close(); err != nil {
			s.logger.Error("error closing AI provider", "err", err)
			errs = append(errs, err)
		}
	}
	if s.store != nil {
		if err := s.store.Close(); err != nil {
			s.logger.Error("error closing passage store", "err", err)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Config returns the validated configuration.
func (s *Service) Config() *config.Config {
	return s.config
}

// Orchestrator returns the query orchestrator.
func (s *Service) Orchestrator() *rag.Orchestrator {
	return s.orchestrator
}

// Store returns the passage store.
func (s *Service) Store() storage.PassageStore {
	return s.store
}

// Queue returns the ingestion task queue.
func (s *Service) Queue() *queue.TaskQueue {
	return s.queue
}

// Pipeline returns the ingestion pipeline.
func (s *Service) Pipeline() *ingestion.Pipeline {
	return s.pipeline
}

// Embedder returns the embedding service.
func (s *Service) Embedder() ai.Embedder {
	return s.provider.Embedder()
}

// Health reports queue state and corpus size.
func (s *Service) Health(ctx context.Context) (server.Health, error) {
	n, err := s.store.Count(ctx)
	if err != nil {
		return server.Health{}, err
	}
	return server.Health{
		Status:      "ok",
		Queue:       s.queue.State().String(),
		Outstanding: s.queue.Outstanding(),
		Capacity:    s.queue.Capacity(),
		Passages:    n,
		Backend:     s.orchestrator.Preference().String(),
	}, nil
}

// NewServer builds the HTTP server for this service from the configured
// token, origins and job TTL. opts are applied after those.
func (s *Service) NewServer(opts ...server.Option) (*server.Server, error) {
	base := []server.Option{
		server.WithLogger(s.logger),
		server.WithAPIToken(s.config.Server.APIToken),
		server.WithCORSOrigins(s.config.Server.CORSOrigins...),
		server.WithModelName(s.modelName()),
		server.WithIngestRoot(s.config.Ingestion.Root),
	}
	if s.config.Server.JobTTL > 0 {
		base = append(base, server.WithJobTTL(s.config.Server.JobTTL))
	}
	return server.New(s.orchestrator, s.Health, append(base, opts...)...)
}

func (s *Service) modelName() string {
	if s.orchestrator.Preference() == llm.Remote {
		return s.config.Generation.Remote.Model
	}
	return s.config.Generation.Local.Model
}

// NewReembedder builds a reembedder over the service's store and embedder.
func (s *Service) NewReembedder(cfg *reembed.Config, progress io.Writer) (*reembed.Reembedder, error) {
	return reembed.NewReembedder(s.store, s.provider.Embedder(), cfg,
		reembed.WithLogger(s.logger),
		reembed.WithProgress(progress))
}
