package server

import (
	"context"
	"os"
	"path/filepath"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	"github.com/poiesic/handbook/llm"
)

func (s *Server) handleHealth(c *fiber.Ctx) error {
	if s.health == nil {
		return c.JSON(Health{Status: "ok"})
	}
	h, err := s.health(c.UserContext())
	if err != nil {
		return err
	}
	if h.Status == "" {
		h.Status = "ok"
	}
	return c.JSON(h)
}

// handleEmbed stages an uploaded PDF and blocks until the corpus is
// searchable. With a non-empty corpus it returns at once.
func (s *Server) handleEmbed(c *fiber.Ctx) error {
	fh, err := c.FormFile("file")
	if err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "multipart field \"file\" is required")
	}
	if !strings.EqualFold(filepath.Ext(fh.Filename), ".pdf") {
		return fiber.NewError(fiber.StatusBadRequest, "Only PDF files are supported")
	}

	tmp, err := os.CreateTemp(s.uploadDir, "handbook-*.pdf")
	if err != nil {
		return err
	}
	path := tmp.Name()
	tmp.Close()
	defer os.Remove(path)

	if err := c.SaveFile(fh, path); err != nil {
		return err
	}

	s.logger.Info("document uploaded", "file", fh.Filename, "size", fh.Size)
	if err := s.orch.EnsureEmbeddings(c.UserContext(), path); err != nil {
		return err
	}
	return c.JSON(fiber.Map{"status": "success", "message": "Document processing completed"})
}

func (s *Server) handleIngest(c *fiber.Ctx) error {
	var req IngestRequest
	if err := bind(c, &req); err != nil {
		return err
	}

	path, err := s.resolveIngestPath(req.Path)
	if err != nil {
		return err
	}

	h, err := s.orch.SubmitIngestion(path)
	if err != nil {
		return err
	}
	job := s.jobs.track(req.Path, h)
	return c.Status(fiber.StatusAccepted).JSON(job)
}

// resolveIngestPath maps a client path to a file below the ingest root.
// Relative paths are taken from the root. Symlinks are resolved before the
// containment check.
func (s *Server) resolveIngestPath(path string) (string, error) {
	if s.ingestRoot == "" {
		return "", ErrIngestDisabled
	}
	if !filepath.IsAbs(path) {
		path = filepath.Join(s.ingestRoot, path)
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fiber.NewError(fiber.StatusBadRequest, "invalid path")
	}
	// Lexical check first so files outside the root are never looked up.
	if !within(s.ingestRoot, abs) && !within(s.ingestDir, abs) {
		s.logger.Warn("ingest path rejected", "path", path)
		return "", ErrPathOutsideRoot
	}
	resolved, err := filepath.EvalSymlinks(abs)
	if err != nil {
		if os.IsNotExist(err) {
			return "", fiber.NewError(fiber.StatusBadRequest, "document not found")
		}
		return "", err
	}
	if !within(s.ingestRoot, resolved) {
		s.logger.Warn("ingest path rejected", "path", path, "resolved", resolved)
		return "", ErrPathOutsideRoot
	}
	return resolved, nil
}

func within(root, path string) bool {
	rel, err := filepath.Rel(root, path)
	return err == nil && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

func (s *Server) handleJob(c *fiber.Ctx) error {
	id := c.Params("id")
	if _, err := uuid.Parse(id); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid job id")
	}
	job, ok := s.jobs.get(id)
	if !ok {
		return ErrJobNotFound
	}
	return c.JSON(job)
}

func (s *Server) handleChatCompletions(c *fiber.Ctx) error {
	var req ChatRequest
	if err := bind(c, &req); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(s.base)
	stream, err := s.orch.ProcessQuery(ctx, req.Question())
	if err != nil {
		cancel()
		return err
	}
	return s.streamSSE(ctx, cancel, c, stream, newChatFramer(s.model))
}

func (s *Server) handleQuery(c *fiber.Ctx) error {
	var req QueryRequest
	if err := bind(c, &req); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(s.base)
	stream, err := s.orch.ProcessQuery(ctx, req.Query)
	if err != nil {
		cancel()
		return err
	}
	if req.Stream {
		return s.streamSSE(ctx, cancel, c, stream, queryFramer{})
	}

	defer cancel()
	text, err := llm.Collect(ctx, stream)
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"response": text})
}
