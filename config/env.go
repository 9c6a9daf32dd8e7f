package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// EnvPrefix prefixes every environment variable read by ApplyEnv.
const EnvPrefix = "HANDBOOK_"

// LookupFunc resolves an environment variable. os.LookupEnv satisfies it.
type LookupFunc func(key string) (string, bool)

// LoadDotEnv loads variables from the given .env files into the process
// environment without overriding variables that are already set. Missing
// files are ignored. With no arguments ".env" is tried.
func LoadDotEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if err := godotenv.Load(f); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("load %s: %w", f, err)
		}
	}
	return nil
}

type envBinding struct {
	name  string
	apply func(c *Config, v string) error
}

func stringVar(dst func(*Config) *string) func(*Config, string) error {
	return func(c *Config, v string) error {
		*dst(c) = v
		return nil
	}
}

func intVar(dst func(*Config) *int) func(*Config, string) error {
	return func(c *Config, v string) error {
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return err
		}
		*dst(c) = n
		return nil
	}
}

var envBindings = []envBinding{
	{"API_TOKEN", stringVar(func(c *Config) *string { return &c.Server.APIToken })},
	{"HOST", stringVar(func(c *Config) *string { return &c.Server.Host })},
	{"PORT", intVar(func(c *Config) *int { return &c.Server.Port })},
	{"CORS_ORIGINS", func(c *Config, v string) error {
		c.Server.CORSOrigins = splitList(v)
		return nil
	}},
	{"MAX_QUEUE_SIZE", intVar(func(c *Config) *int { return &c.Queue.MaxSize })},
	{"WORKERS", intVar(func(c *Config) *int { return &c.Queue.Workers })},
	{"STORE", stringVar(func(c *Config) *string { return &c.Storage.Type })},
	{"DB_PATH", stringVar(func(c *Config) *string { return &c.Storage.Path })},
	{"QDRANT_URL", stringVar(func(c *Config) *string { return &c.Storage.QdrantURL })},
	{"QDRANT_API_KEY", stringVar(func(c *Config) *string { return &c.Storage.QdrantAPIKey })},
	{"PG_DSN", stringVar(func(c *Config) *string { return &c.Storage.PostgresDSN })},
	{"COLLECTION", stringVar(func(c *Config) *string { return &c.Storage.Collection })},
	{"VECTOR_SIZE", intVar(func(c *Config) *int { return &c.Storage.VectorSize })},
	{"EMBEDDING_HOST", stringVar(func(c *Config) *string { return &c.Embedding.Host })},
	{"EMBEDDING_MODEL", stringVar(func(c *Config) *string { return &c.Embedding.Model })},
	{"BACKEND", stringVar(func(c *Config) *string { return &c.Generation.Backend })},
	{"LOCAL_HOST", stringVar(func(c *Config) *string { return &c.Generation.Local.Host })},
	{"LOCAL_MODEL", stringVar(func(c *Config) *string { return &c.Generation.Local.Model })},
	{"CONTEXT_LENGTH", intVar(func(c *Config) *int { return &c.Generation.Local.ContextLength })},
	{"REMOTE_BASE_URL", stringVar(func(c *Config) *string { return &c.Generation.Remote.BaseURL })},
	{"REMOTE_API_KEY", stringVar(func(c *Config) *string { return &c.Generation.Remote.APIKey })},
	{"REMOTE_MODEL", stringVar(func(c *Config) *string { return &c.Generation.Remote.Model })},
	{"TOP_K", intVar(func(c *Config) *int { return &c.Retrieval.TopK })},
	{"INGEST_DIR", stringVar(func(c *Config) *string { return &c.Ingestion.Root })},
}

// ApplyEnv overlays HANDBOOK_* variables onto c. DASHSCOPE_API_KEY is used
// for the remote API key when HANDBOOK_REMOTE_API_KEY is unset. A nil lookup
// reads the process environment.
func (c *Config) ApplyEnv(lookup LookupFunc) error {
	if lookup == nil {
		lookup = os.LookupEnv
	}

	var errs []error
	for _, b := range envBindings {
		v, ok := lookup(EnvPrefix + b.name)
		if !ok || v == "" {
			continue
		}
		if err := b.apply(c, v); err != nil {
			errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, b.name, err))
		}
	}

	if c.Generation.Remote.APIKey == "" {
		if v, ok := lookup("DASHSCOPE_API_KEY"); ok {
			c.Generation.Remote.APIKey = v
		}
	}
	return errors.Join(errs...)
}

func splitList(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
