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

package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/recover"

	"github.com/poiesic/handbook/llm"
	"github.com/poiesic/handbook/queue"
)

// DefaultBodyLimit bounds request bodies, including uploaded documents.
const DefaultBodyLimit = 50 * 1024 * 1024

// Orchestrator is the query and ingestion surface served over HTTP.
// *rag.Orchestrator satisfies it.
type Orchestrator interface {
	EnsureEmbeddings(ctx context.Context, path string) error
	SubmitIngestion(path string) (*queue.Handle, error)
	ProcessQuery(ctx context.Context, question string) (*llm.Stream, error)
}

// Health is the body of GET /healthz.
type Health struct {
	Status      string `json:"status"`
	Queue       string `json:"queue"`
	Outstanding int    `json:"outstanding"`
	Capacity    int    `json:"capacity"`
	Passages    int    `json:"passages"`
	Backend     string `json:"backend"`
}

// HealthFunc reports the current service health.
type HealthFunc func(ctx context.Context) (Health, error)

// Server exposes the orchestrator over HTTP.
type Server struct {
	app       *fiber.App
	orch      Orchestrator
	health    HealthFunc
	jobs      *jobRegistry
	logger    *slog.Logger
	token     string
	origins   []string
	uploadDir string
	model     string
	bodyLimit int
	jobTTL    time.Duration

	// ingestRoot is the resolved directory /v1/ingest may read from and
	// ingestDir the same directory as configured.
	ingestRoot string
	ingestDir  string

	// base is cancelled on Shutdown and parents every streamed answer.
	base   context.Context
	cancel context.CancelFunc
}

// Option configures a Server.
type Option func(*Server) error

// WithLogger sets a custom logger.
// Default is slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) error {
		if logger == nil {
			logger = slog.Default()
		}
		s.logger = logger
		return nil
	}
}

// WithAPIToken requires every /v1 and /query request to carry
// "Authorization: Bearer <token>". An empty token disables the check, and
// Listen then refuses non-loopback addresses.
func WithAPIToken(token string) Option {
	return func(s *Server) error {
		s.token = token
		return nil
	}
}

// WithCORSOrigins allows cross-origin requests from origins.
func WithCORSOrigins(origins ...string) Option {
	return func(s *Server) error {
		s.origins = origins
		return nil
	}
}

// WithUploadDir sets where uploaded documents are staged.
// Default is os.TempDir().
func WithUploadDir(dir string) Option {
	return func(s *Server) error {
		if dir == "" {
			return errors.New("upload dir must not be empty")
		}
		s.uploadDir = dir
		return nil
	}
}

// WithIngestRoot allows /v1/ingest to read documents below dir. Without it
// path ingestion is refused.
func WithIngestRoot(dir string) Option {
	return func(s *Server) error {
		if dir == "" {
			return nil
		}
		abs, err := filepath.Abs(dir)
		if err != nil {
			return fmt.Errorf("ingest root: %w", err)
		}
		resolved, err := filepath.EvalSymlinks(abs)
		if err != nil {
			return fmt.Errorf("ingest root: %w", err)
		}
		info, err := os.Stat(resolved)
		if err != nil {
			return fmt.Errorf("ingest root: %w", err)
		}
		if !info.IsDir() {
			return fmt.Errorf("ingest root %s is not a directory", dir)
		}
		s.ingestRoot = resolved
		s.ingestDir = abs
		return nil
	}
}

// WithJobTTL sets how long finished ingestion jobs remain queryable.
func WithJobTTL(ttl time.Duration) Option {
	return func(s *Server) error {
		if ttl <= 0 {
			return errors.New("job ttl must be positive")
		}
		s.jobTTL = ttl
		return nil
	}
}

// WithModelName sets the model name reported in chat completion frames.
func WithModelName(name string) Option {
	return func(s *Server) error {
		s.model = name
		return nil
	}
}

// WithBodyLimit sets the maximum request body size in bytes.
func WithBodyLimit(n int) Option {
	return func(s *Server) error {
		if n <= 0 {
			return errors.New("body limit must be positive")
		}
		s.bodyLimit = n
		return nil
	}
}

// New builds the HTTP application. health may be nil.
func New(orch Orchestrator, health HealthFunc, opts ...Option) (*Server, error) {
	if orch == nil {
		return nil, ErrOrchestratorRequired
	}

	s := &Server{
		orch:      orch,
		health:    health,
		logger:    slog.Default(),
		uploadDir: os.TempDir(),
		model:     "handbook",
		bodyLimit: DefaultBodyLimit,
		jobTTL:    time.Hour,
	}
	for _, opt := range opts {
		if err := opt(s); err != nil {
			return nil, err
		}
	}
	s.logger = s.logger.With("component", "http")
	s.base, s.cancel = context.WithCancel(context.Background())
	s.jobs = newJobRegistry(s.jobTTL, s.logger)

	if s.token == "" {
		s.logger.Warn("API token not configured, authentication disabled")
	}

	s.app = fiber.New(fiber.Config{
		AppName:               "handbook",
		BodyLimit:             s.bodyLimit,
		DisableStartupMessage: true,
		ErrorHandler:          s.handleError,
	})
	s.app.Use(recover.New())
	if len(s.origins) > 0 {
		s.app.Use(cors.New(cors.Config{
			AllowOrigins:     strings.Join(s.origins, ","),
			AllowCredentials: !slices.Contains(s.origins, "*"),
			AllowHeaders:     "Origin, Content-Type, Accept, Authorization",
			AllowMethods:     "GET, POST, OPTIONS",
		}))
	}
	s.routes()
	return s, nil
}

func (s *Server) routes() {
	s.app.Get("/healthz", s.handleHealth)

	auth := s.requireToken
	v1 := s.app.Group("/v1", auth)
	v1.Post("/embed", s.handleEmbed)
	v1.Post("/ingest", s.handleIngest)
	v1.Get("/jobs/:id", s.handleJob)
	v1.Post("/chat/completions", s.handleChatCompletions)

	s.app.Post("/query", auth, s.handleQuery)
}

// App returns the underlying fiber application.
func (s *Server) App() *fiber.App {
	return s.app
}

// Listen serves HTTP on addr until Shutdown is called. Without an API token
// only loopback addresses are accepted.
func (s *Server) Listen(addr string) error {
	if s.token == "" && !isLoopback(addr) {
		return fmt.Errorf("%w: %s", ErrTokenRequired, addr)
	}
	s.logger.Info("listening", "addr", addr)
	return s.app.Listen(addr)
}

// Shutdown cancels in-flight answers and stops the listener.
func (s *Server) Shutdown(ctx context.Context) error {
	s.cancel()
	s.jobs.close()
	return s.app.ShutdownWithContext(ctx)
}

// isLoopback reports whether addr names only the local host. An empty host
// listens on every interface.
func isLoopback(addr string) bool {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		host = addr
	}
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
