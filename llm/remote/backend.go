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

package remote

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"

	"github.com/poiesic/handbook/llm"
	"github.com/sashabaranov/go-openai"
)

// ErrMissingAPIKey is returned by Load when no API key is configured.
var ErrMissingAPIKey = errors.New("remote backend: API key is required")

// Config holds the hosted API location and request parameters.
type Config struct {
	// BaseURL of an OpenAI-compatible API.
	// Default: DashScope compatible mode.
	BaseURL string

	APIKey string

	// Model identifier. Default: "qwen-max"
	Model string

	Temperature float32
	MaxTokens   int

	// HTTPClient overrides the client used to reach the API.
	HTTPClient *http.Client
}

// DefaultConfig returns the hosted fallback defaults.
func DefaultConfig() *Config {
	return &Config{
		BaseURL:     "https://dashscope.aliyuncs.com/compatible-mode/v1",
		Model:       "qwen-max",
		Temperature: 0.7,
		MaxTokens:   2048,
	}
}

// Validate checks the static parts of the configuration. A missing API key
// is reported by Load so the backend can be built before credentials exist.
func (c *Config) Validate() error {
	if c.BaseURL == "" {
		return errors.New("remote config: BaseURL is required")
	}
	if c.Model == "" {
		return errors.New("remote config: Model is required")
	}
	if c.MaxTokens <= 0 {
		return errors.New("remote config: MaxTokens must be positive")
	}
	return nil
}

// Backend streams chat completions from a hosted OpenAI-compatible API.
type Backend struct {
	config *Config
	mu     sync.Mutex
	client *openai.Client
	logger *slog.Logger
}

var _ llm.Backend = (*Backend)(nil)

// Option configures a Backend.
type Option func(*Backend) error

// WithLogger sets a custom logger.
// Default is slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(b *Backend) error {
		if logger == nil {
			logger = slog.Default()
		}
		b.logger = logger.With("component", "remote-backend")
		return nil
	}
}

func newBackend(config *Config, opts ...Option) (*Backend, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}

	b := &Backend{
		config: config,
		logger: slog.Default().With("component", "remote-backend"),
	}
	for _, opt := range opts {
		if err := opt(b); err != nil {
			return nil, err
		}
	}
	return b, nil
}

// NewBackend creates an unloaded remote backend.
func NewBackend(config *Config, opts ...Option) (llm.Backend, error) {
	return newBackend(config, opts...)
}

// Name returns "remote".
func (b *Backend) Name() string {
	return string(llm.Remote)
}

// Load builds the API client. Calling it again is a no-op.
func (b *Backend) Load(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.client != nil {
		return nil
	}
	if b.config.APIKey == "" {
		return ErrMissingAPIKey
	}

	cfg := openai.DefaultConfig(b.config.APIKey)
	cfg.BaseURL = b.config.BaseURL
	if b.config.HTTPClient != nil {
		cfg.HTTPClient = b.config.HTTPClient
	}
	b.client = openai.NewClientWithConfig(cfg)
	b.logger.Info("remote client ready", "base_url", b.config.BaseURL, "model", b.config.Model)
	return nil
}

// Generate sends prompt as a single user message and streams the deltas.
func (b *Backend) Generate(ctx context.Context, prompt string) (*llm.Stream, error) {
	b.mu.Lock()
	client := b.client
	b.mu.Unlock()

	if client == nil {
		return nil, llm.ErrNotLoaded
	}

	req := openai.ChatCompletionRequest{
		Model: b.config.Model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleUser, Content: prompt},
		},
		Temperature: b.config.Temperature,
		MaxTokens:   b.config.MaxTokens,
		Stream:      true,
	}

	return llm.NewStream(ctx, func(ctx context.Context, emit llm.Emit) error {
		stream, err := client.CreateChatCompletionStream(ctx, req)
		if err != nil {
			b.logger.Error("failed to create stream", "err", err)
			return fmt.Errorf("chat stream failed: %w", err)
		}
		defer stream.Close()

		chunks := 0
		for {
			resp, err := stream.Recv()
			if errors.Is(err, io.EOF) {
				b.logger.Debug("stream completed", "chunks", chunks)
				return nil
			}
			if err != nil {
				b.logger.Error("stream recv error", "chunks", chunks, "err", err)
				return fmt.Errorf("stream recv error: %w", err)
			}

			if len(resp.Choices) == 0 || resp.Choices[0].Delta.Content == "" {
				continue
			}
			chunks++
			if !emit(llm.Data(resp.Choices[0].Delta.Content)) {
				return ctx.Err()
			}
		}
	}), nil
}

// Close is a no-op; the HTTP client is shared.
func (b *Backend) Close() error {
	return nil
}
