package server

import (
	"crypto/subtle"
	"errors"
	"strings"

	"github.com/gofiber/fiber/v2"

	"github.com/poiesic/handbook/ingestion"
	"github.com/poiesic/handbook/queue"
	"github.com/poiesic/handbook/rag"
)

var (
	// ErrOrchestratorRequired is returned by New when no orchestrator is given.
	ErrOrchestratorRequired = errors.New("orchestrator required")

	// ErrUnauthorized is returned for a missing or wrong bearer token.
	ErrUnauthorized = errors.New("invalid authentication token")

	// ErrJobNotFound is returned for unknown or expired job ids.
	ErrJobNotFound = errors.New("job not found")

	// ErrTokenRequired is returned by Listen for a non-loopback address
	// when no API token is configured.
	ErrTokenRequired = errors.New("API token required to listen on a non-loopback address")

	// ErrIngestDisabled is returned by /v1/ingest when no ingest root is configured.
	ErrIngestDisabled = errors.New("path ingestion is disabled, configure an ingest root")

	// ErrPathOutsideRoot is returned for ingest paths that resolve outside the ingest root.
	ErrPathOutsideRoot = errors.New("path is outside the ingest root")
)

// errorBody mirrors the OpenAI error envelope.
type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Message string `json:"message"`
	Type    string `json:"type"`
}

// statusFor maps domain errors to HTTP status codes.
func statusFor(err error) (int, string) {
	var fe *fiber.Error
	switch {
	case errors.As(err, &fe):
		return fe.Code, "invalid_request_error"
	case errors.Is(err, ErrUnauthorized):
		return fiber.StatusUnauthorized, "authentication_error"
	case errors.Is(err, ErrJobNotFound):
		return fiber.StatusNotFound, "invalid_request_error"
	case errors.Is(err, ErrIngestDisabled):
		return fiber.StatusForbidden, "permission_error"
	case errors.Is(err, ErrPathOutsideRoot):
		return fiber.StatusBadRequest, "invalid_request_error"
	case errors.Is(err, queue.ErrQueueFull), errors.Is(err, queue.ErrQueueStopping):
		return fiber.StatusServiceUnavailable, "overloaded_error"
	case errors.Is(err, rag.ErrNoCorpus):
		return fiber.StatusConflict, "invalid_request_error"
	case errors.Is(err, rag.ErrEmptyQuestion), errors.Is(err, ingestion.ErrUnsupportedFormat):
		return fiber.StatusBadRequest, "invalid_request_error"
	default:
		return fiber.StatusInternalServerError, "internal_error"
	}
}

func (s *Server) handleError(c *fiber.Ctx, err error) error {
	code, kind := statusFor(err)
	if code >= fiber.StatusInternalServerError {
		s.logger.Error("request failed", "method", c.Method(), "path", c.Path(), "status", code, "err", err)
	}
	return c.Status(code).JSON(errorBody{Error: errorDetail{Message: err.Error(), Type: kind}})
}

func (s *Server) requireToken(c *fiber.Ctx) error {
	if s.token == "" {
		return c.Next()
	}
	header := c.Get(fiber.HeaderAuthorization)
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok || subtle.ConstantTimeCompare([]byte(token), []byte(s.token)) != 1 {
		return ErrUnauthorized
	}
	return c.Next()
}
