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

package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/poiesic/handbook/ai"
	"github.com/poiesic/handbook/llm"
	"github.com/poiesic/handbook/llm/local"
	"github.com/poiesic/handbook/llm/remote"
)

// Store types.
const (
	StoreBadger   = "badger"
	StoreQdrant   = "qdrant"
	StorePgvector = "pgvector"
)

// Config is the full service configuration.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Queue      QueueConfig      `yaml:"queue"`
	Storage    StorageConfig    `yaml:"storage"`
	Embedding  EmbeddingConfig  `yaml:"embedding"`
	Generation GenerationConfig `yaml:"generation"`
	Retrieval  RetrievalConfig  `yaml:"retrieval"`
	Ingestion  IngestionConfig  `yaml:"ingestion"`
}

// ServerConfig controls the HTTP listener.
type ServerConfig struct {
	Host        string   `yaml:"host" validate:"required"`
	Port        int      `yaml:"port" validate:"min=1,max=65535"`
	APIToken    string   `yaml:"api_token"`
	CORSOrigins []string `yaml:"cors_origins"`
	// JobTTL is how long finished ingestion jobs stay queryable.
	JobTTL time.Duration `yaml:"job_ttl" validate:"min=0"`
}

// QueueConfig sizes the ingestion task queue.
type QueueConfig struct {
	MaxSize int `yaml:"max_size" validate:"min=1"`
	Workers int `yaml:"workers" validate:"min=1"`
}

// StorageConfig selects and locates the passage store.
type StorageConfig struct {
	Type          string        `yaml:"type" validate:"oneof=badger qdrant pgvector"`
	Path          string        `yaml:"path" validate:"required_if=Type badger"`
	Collection    string        `yaml:"collection" validate:"required"`
	VectorSize    int           `yaml:"vector_size" validate:"min=1"`
	QdrantURL     string        `yaml:"qdrant_url" validate:"required_if=Type qdrant"`
	QdrantAPIKey  string        `yaml:"qdrant_api_key"`
	QdrantTimeout time.Duration `yaml:"qdrant_timeout"`
	PostgresDSN   string        `yaml:"postgres_dsn" validate:"required_if=Type pgvector"`
}

// EmbeddingConfig locates the OpenAI-compatible embedding service.
type EmbeddingConfig struct {
	Host   string `yaml:"host" validate:"required"`
	Model  string `yaml:"model" validate:"required"`
	APIKey string `yaml:"api_key"`
}

// GenerationConfig holds both backends and the preference between them.
type GenerationConfig struct {
	Backend string       `yaml:"backend" validate:"oneof=local remote"`
	Local   LocalConfig  `yaml:"local"`
	Remote  RemoteConfig `yaml:"remote"`
}

// LocalConfig holds the Ollama engine location and sampling parameters.
type LocalConfig struct {
	Host          string   `yaml:"host" validate:"required"`
	Model         string   `yaml:"model" validate:"required"`
	SystemPrompt  string   `yaml:"system_prompt"`
	ContextLength int      `yaml:"context_length" validate:"min=1"`
	Temperature   float64  `yaml:"temperature" validate:"min=0"`
	TopP          float64  `yaml:"top_p" validate:"min=0,max=1"`
	TopK          int      `yaml:"top_k" validate:"min=0"`
	RepeatPenalty float64  `yaml:"repeat_penalty" validate:"min=0"`
	MaxTokens     int      `yaml:"max_tokens" validate:"min=1"`
	Stop          []string `yaml:"stop"`
}

type RemoteConfig struct {
	BaseURL     string  `yaml:"base_url" validate:"required,url"`
	APIKey      string  `yaml:"api_key"`
	Model       string  `yaml:"model" validate:"required"`
	Temperature float32 `yaml:"temperature" validate:"min=0"`
	MaxTokens   int     `yaml:"max_tokens" validate:"min=1"`
}

// RetrievalConfig controls how many passages ground each answer.
type RetrievalConfig struct {
	TopK int `yaml:"top_k" validate:"min=1"`
}

// IngestionConfig controls document chunking and embedding batches.
type IngestionConfig struct {
	ChunkSize       int `yaml:"chunk_size" validate:"min=1"`
	EmbedBatchSize  int `yaml:"embed_batch_size" validate:"min=1"`
	UpsertBatchSize int `yaml:"upsert_batch_size" validate:"min=1"`
	PoolSize        int `yaml:"pool_size" validate:"min=1"`

	// Root is the directory POST /v1/ingest may read from. Empty disables
	// path ingestion over HTTP.
	Root string `yaml:"root"`
}

// ConfigOption is a functional option for configuring a Config.
type ConfigOption func(*Config)

// WithStore selects the store type and its location. For badger the location
// is a directory, for qdrant a URL and for pgvector a DSN.
func WithStore(storeType, location string) ConfigOption {
	return func(c *Config) {
		c.Storage.Type = storeType
		switch storeType {
		case StoreBadger:
			c.Storage.Path = location
		case StoreQdrant:
			c.Storage.QdrantURL = location
		case StorePgvector:
			c.Storage.PostgresDSN = location
		}
	}
}

// WithQueue sets the queue capacity and worker count.
func WithQueue(maxSize, workers int) ConfigOption {
	return func(c *Config) {
		c.Queue.MaxSize = maxSize
		c.Queue.Workers = workers
	}
}

// WithBackend sets the preferred generation backend.
func WithBackend(backend string) ConfigOption {
	return func(c *Config) {
		c.Generation.Backend = backend
	}
}

// WithAPIToken sets the bearer token required by the HTTP API.
func WithAPIToken(token string) ConfigOption {
	return func(c *Config) {
		c.Server.APIToken = token
	}
}

// WithIngestRoot sets the directory HTTP path ingestion may read from.
func WithIngestRoot(dir string) ConfigOption {
	return func(c *Config) {
		c.Ingestion.Root = dir
	}
}

// WithEmbedding sets the embedding host and model.
func WithEmbedding(host, model string) ConfigOption {
	return func(c *Config) {
		c.Embedding.Host = host
		c.Embedding.Model = model
	}
}

// WithTopK sets the number of passages retrieved per question.
func WithTopK(k int) ConfigOption {
	return func(c *Config) {
		c.Retrieval.TopK = k
	}
}

// DefaultConfig returns the defaults of a single-node deployment.
func DefaultConfig() *Config {
	aiDefaults := ai.DefaultConfig()
	localDefaults := local.DefaultConfig()
	remoteDefaults := remote.DefaultConfig()

	return &Config{
		Server: ServerConfig{
			Host:        "127.0.0.1",
			Port:        8000,
			CORSOrigins: []string{"http://localhost:3000"},
			JobTTL:      time.Hour,
		},
		Queue: QueueConfig{
			MaxSize: 100,
			Workers: 2,
		},
		Storage: StorageConfig{
			Type:          StoreBadger,
			Path:          defaultStorePath(),
			Collection:    "handbook",
			VectorSize:    aiDefaults.Dimensions,
			QdrantTimeout: 30 * time.Second,
		},
		Embedding: EmbeddingConfig{
			Host:   aiDefaults.EmbeddingHost,
			Model:  aiDefaults.EmbeddingModel,
			APIKey: aiDefaults.APIKey,
		},
		Generation: GenerationConfig{
			Backend: string(llm.Local),
			Local: LocalConfig{
				Host:          localDefaults.Host,
				Model:         localDefaults.Model,
				SystemPrompt:  localDefaults.SystemPrompt,
				ContextLength: localDefaults.ContextLength,
				Temperature:   localDefaults.Temperature,
				TopP:          localDefaults.TopP,
				TopK:          localDefaults.TopK,
				RepeatPenalty: localDefaults.RepeatPenalty,
				MaxTokens:     localDefaults.MaxTokens,
				Stop:          localDefaults.Stop,
			},
			Remote: RemoteConfig{
				BaseURL:     remoteDefaults.BaseURL,
				Model:       remoteDefaults.Model,
				Temperature: remoteDefaults.Temperature,
				MaxTokens:   remoteDefaults.MaxTokens,
			},
		},
		Retrieval: RetrievalConfig{
			TopK: 3,
		},
		Ingestion: IngestionConfig{
			ChunkSize:       512,
			EmbedBatchSize:  32,
			UpsertBatchSize: 100,
			PoolSize:        4,
		},
	}
}

// NewConfig creates a Config with defaults and applies the given options.
func NewConfig(opts ...ConfigOption) *Config {
	c := DefaultConfig()
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func defaultStorePath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "handbook.db"
	}
	return filepath.Join(home, ".local", "share", "handbook", "db")
}

// Load reads a YAML file over the defaults. A missing file yields the
// defaults unchanged.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cfg, nil
		}
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// Save writes cfg as YAML, creating parent directories.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	return os.WriteFile(path, data, 0o600)
}

// Normalize fills derived values. It is called by Validate.
func (c *Config) Normalize() {
	c.Storage.Type = strings.ToLower(strings.TrimSpace(c.Storage.Type))
	c.Generation.Backend = strings.ToLower(strings.TrimSpace(c.Generation.Backend))
	c.Generation.Local.Host = strings.TrimSuffix(c.Generation.Local.Host, "/")
	c.Generation.Remote.BaseURL = strings.TrimSuffix(c.Generation.Remote.BaseURL, "/")

	emb := c.AIConfig()
	emb.Normalize()
	c.Embedding.Host = emb.EmbeddingHost
	c.Embedding.APIKey = emb.APIKey
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate normalizes the configuration and checks every section.
func (c *Config) Validate() error {
	c.Normalize()
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s failed %q", fe.Namespace(), fe.Tag()))
			}
			return fmt.Errorf("%w: %s", ErrInvalidConfig, strings.Join(msgs, "; "))
		}
		return err
	}
	if _, err := llm.ParsePreference(c.Generation.Backend); err != nil {
		return err
	}
	return nil
}

// Preference returns the preferred generation backend.
func (c *Config) Preference() llm.Preference {
	p, err := llm.ParsePreference(c.Generation.Backend)
	if err != nil {
		return llm.Local
	}
	return p
}

// Address returns the host:port the HTTP server listens on.
func (c *Config) Address() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// AIConfig builds the embedding provider configuration.
func (c *Config) AIConfig() *ai.Config {
	return ai.NewConfig(
		ai.WithEmbeddingHost(c.Embedding.Host),
		ai.WithEmbeddingModel(c.Embedding.Model),
		ai.WithAPIKey(c.Embedding.APIKey),
		ai.WithDimensions(c.Storage.VectorSize),
	)
}

// LocalConfig builds the local backend configuration.
func (c *Config) LocalConfig() *local.Config {
	l := c.Generation.Local
	return &local.Config{
		Host:          l.Host,
		Model:         l.Model,
		SystemPrompt:  l.SystemPrompt,
		ContextLength: l.ContextLength,
		Temperature:   l.Temperature,
		TopP:          l.TopP,
		TopK:          l.TopK,
		RepeatPenalty: l.RepeatPenalty,
		MaxTokens:     l.MaxTokens,
		Stop:          append([]string(nil), l.Stop...),
	}
}

// RemoteConfig builds the remote backend configuration.
func (c *Config) RemoteConfig() *remote.Config {
	r := c.Generation.Remote
	return &remote.Config{
		BaseURL:     r.BaseURL,
		APIKey:      r.APIKey,
		Model:       r.Model,
		Temperature: r.Temperature,
		MaxTokens:   r.MaxTokens,
	}
}
