package local

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"github.com/poiesic/handbook/llm"
	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/ollama"
)

const chatTemplate = "<|im_start|>system\n%s\n<|im_end|>\n<|im_start|>user\n%s\n<|im_end|>\n<|im_start|>assistant"

// Config holds the engine location and sampling parameters.
type Config struct {
	// Host is the base URL of the Ollama server.
	// Default: "http://localhost:11434"
	Host string

	// Model is the model tag served by the engine.
	// Default: "qwen2.5:7b"
	Model string

	// SystemPrompt fills the system slot of the role template.
	SystemPrompt string

	ContextLength int
	Temperature   float64
	TopP          float64
	TopK          int
	RepeatPenalty float64
	MaxTokens     int
	Stop          []string

	// HTTPClient overrides the client used to reach the engine.
	HTTPClient *http.Client
}

// DefaultConfig returns the sampling defaults of the handbook assistant.
func DefaultConfig() *Config {
	return &Config{
		Host:          "http://localhost:11434",
		Model:         "qwen2.5:7b",
		SystemPrompt:  "You are a helpful AI assistant that answers questions based on the given context.",
		ContextLength: 2048,
		Temperature:   0.7,
		TopP:          0.95,
		TopK:          40,
		RepeatPenalty: 1.1,
		MaxTokens:     512,
		Stop:          []string{"</s>", "Human:", "Assistant:"},
	}
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	if c.Host == "" {
		return errors.New("local config: Host is required")
	}
	if c.Model == "" {
		return errors.New("local config: Model is required")
	}
	if c.ContextLength <= 0 {
		return errors.New("local config: ContextLength must be positive")
	}
	if c.MaxTokens <= 0 {
		return errors.New("local config: MaxTokens must be positive")
	}
	if c.TopP < 0 || c.TopP > 1 {
		return errors.New("local config: TopP must be between 0 and 1")
	}
	return nil
}

// Backend generates text on a self-hosted engine reached through langchaingo.
type Backend struct {
	config *Config
	mu     sync.Mutex
	model  llms.Model
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
		b.logger = logger.With("component", "local-backend")
		return nil
	}
}

// withModel injects a pre-built model. Used by tests.
func withModel(m llms.Model) Option {
	return func(b *Backend) error {
		b.model = m
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
		logger: slog.Default().With("component", "local-backend"),
	}
	for _, opt := range opts {
		if err := opt(b); err != nil {
			return nil, err
		}
	}
	return b, nil
}

// NewBackend creates an unloaded local backend.
func NewBackend(config *Config, opts ...Option) (llm.Backend, error) {
	return newBackend(config, opts...)
}

// Name returns "local".
func (b *Backend) Name() string {
	return string(llm.Local)
}

// Load connects the langchaingo Ollama client. Calling it again is a no-op.
func (b *Backend) Load(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.model != nil {
		return nil
	}

	opts := []ollama.Option{
		ollama.WithServerURL(b.config.Host),
		ollama.WithModel(b.config.Model),
		ollama.WithRunnerNumCtx(b.config.ContextLength),
	}
	if b.config.HTTPClient != nil {
		opts = append(opts, ollama.WithHTTPClient(b.config.HTTPClient))
	}

	model, err := ollama.New(opts...)
	if err != nil {
		b.logger.Error("failed to create engine client", "host", b.config.Host, "err", err)
		return fmt.Errorf("%w: %w", llm.ErrGenerationFailed, err)
	}
	b.model = model
	b.logger.Info("local model ready", "host", b.config.Host, "model", b.config.Model, "context_length", b.config.ContextLength)
	return nil
}

// Generate wraps prompt in the role template and streams the engine output.
func (b *Backend) Generate(ctx context.Context, prompt string) (*llm.Stream, error) {
	b.mu.Lock()
	model := b.model
	b.mu.Unlock()

	if model == nil {
		return nil, llm.ErrNotLoaded
	}

	formatted := FormatPrompt(b.config.SystemPrompt, prompt)
	callOpts := []llms.CallOption{
		llms.WithTemperature(b.config.Temperature),
		llms.WithTopP(b.config.TopP),
		llms.WithTopK(b.config.TopK),
		llms.WithRepetitionPenalty(b.config.RepeatPenalty),
		llms.WithMaxTokens(b.config.MaxTokens),
		llms.WithStopWords(b.config.Stop),
	}

	return llm.NewStream(ctx, func(ctx context.Context, emit llm.Emit) error {
		b.logger.Debug("generating", "prompt_length", len(formatted))

		opts := append(append([]llms.CallOption(nil), callOpts...), llms.WithStreamingFunc(func(ctx context.Context, chunk []byte) error {
			if len(chunk) == 0 {
				return nil
			}
			if !emit(llm.Data(string(chunk))) {
				return context.Canceled
			}
			return nil
		}))

		if _, err := llms.GenerateFromSinglePrompt(ctx, model, formatted, opts...); err != nil {
			b.logger.Error("generation failed", "err", err)
			return err
		}
		return nil
	}), nil
}

// Close is a no-op; the engine client holds no resources.
func (b *Backend) Close() error {
	return nil
}

// FormatPrompt places prompt in the user slot of a ChatML conversation.
func FormatPrompt(system, prompt string) string {
	return fmt.Sprintf(chatTemplate, strings.TrimSpace(system), prompt)
}
