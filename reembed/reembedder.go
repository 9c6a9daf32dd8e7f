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

package reembed

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/poiesic/handbook/ai"
	"github.com/poiesic/handbook/core"
	"github.com/poiesic/handbook/storage"
)

// Config holds configuration for a re-embedding run.
type Config struct {
	// BatchSize is the number of passages embedded per call.
	BatchSize int

	// ReportInterval is how many passages pass between progress lines.
	ReportInterval int

	// MaxRetries is the number of attempts per embedding call and per write.
	MaxRetries int

	// RetryDelay is the base delay for exponential backoff.
	RetryDelay time.Duration

	// MaxRetryDelay caps the backoff delay. Zero means no cap.
	MaxRetryDelay time.Duration
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		BatchSize:      100,
		ReportInterval: 100,
		MaxRetries:     3,
		RetryDelay:     time.Second,
		MaxRetryDelay:  30 * time.Second,
	}
}

// Result summarizes a completed run.
type Result struct {
	Passages int
	Elapsed  time.Duration
}

// Reembedder recomputes the vectors of every passage in a store.
type Reembedder struct {
	store     storage.PassageStore
	config    *Config
	progress  io.Writer
	processor *BatchProcessor
	logger    *slog.Logger
}

// Option configures a Reembedder.
type Option func(*Reembedder)

// WithLogger sets a custom logger.
// Default is slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(r *Reembedder) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithProgress sets where progress lines are written (typically os.Stderr).
// Default discards them.
func WithProgress(w io.Writer) Option {
	return func(r *Reembedder) {
		if w != nil {
			r.progress = w
		}
	}
}

// NewReembedder creates a reembedder. A nil config uses DefaultConfig.
func NewReembedder(store storage.PassageStore, embedder ai.Embedder, config *Config, opts ...Option) (*Reembedder, error) {
	if store == nil {
		return nil, ErrStoreRequired
	}
	if embedder == nil {
		return nil, ErrEmbedderRequired
	}
	if config == nil {
		config = DefaultConfig()
	}
	if config.BatchSize <= 0 {
		return nil, fmt.Errorf("batch size must be positive, got %d", config.BatchSize)
	}

	r := &Reembedder{
		store:    store,
		config:   config,
		progress: io.Discard,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With("component", "reembed")

	r.processor = NewBatchProcessor(store, embedder, Backoff{
		Attempts: config.MaxRetries,
		Base:     config.RetryDelay,
		Max:      config.MaxRetryDelay,
		Logger:   r.logger,
	})
	return r, nil
}

// Run re-embeds every stored passage. It stops at the first batch that fails
// after its retries.
func (r *Reembedder) Run(ctx context.Context) (*Result, error) {
	total, err := r.store.Count(ctx)
	if err != nil {
		return nil, fmt.Errorf("count passages: %w", err)
	}
	if total == 0 {
		fmt.Fprintln(r.progress, "No passages stored, nothing to re-embed")
		return &Result{}, nil
	}

	fmt.Fprintf(r.progress, "Re-embedding %d passages (batch size: %d)\n", total, r.config.BatchSize)
	r.logger.Info("re-embedding started", "passages", total, "batch_size", r.config.BatchSize)

	progress := NewProgress(r.progress, total, r.config.ReportInterval)
	progress.Start()

	err = r.store.Scan(ctx, r.config.BatchSize, func(batch []*core.Passage) error {
		if err := r.processor.Process(ctx, batch); err != nil {
			return err
		}
		progress.Add(len(batch))
		return nil
	})
	if err != nil {
		r.logger.Error("re-embedding failed", "done", progress.Done(), "passages", total, "err", err)
		return nil, err
	}
	progress.Finish()

	result := &Result{Passages: progress.Done(), Elapsed: progress.Elapsed()}
	fmt.Fprintf(r.progress, "Re-embedding complete: %d passages in %v\n", result.Passages, result.Elapsed.Round(time.Millisecond))
	r.logger.Info("re-embedding complete", "passages", result.Passages, "elapsed", result.Elapsed)
	return result, nil
}
