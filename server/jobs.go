package server

import (
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/patrickmn/go-cache"

	"github.com/poiesic/handbook/ingestion"
	"github.com/poiesic/handbook/queue"
)

// JobStatus is the lifecycle state of a submitted ingestion.
type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobSucceeded JobStatus = "succeeded"
	JobFailed    JobStatus = "failed"
	JobCancelled JobStatus = "cancelled"
)

// Job is the body of GET /v1/jobs/:id.
type Job struct {
	ID          string     `json:"id"`
	Path        string     `json:"path"`
	Status      JobStatus  `json:"status"`
	Error       string     `json:"error,omitempty"`
	Passages    int        `json:"passages,omitempty"`
	SubmittedAt time.Time  `json:"submitted_at"`
	FinishedAt  *time.Time `json:"finished_at,omitempty"`
}

// jobRegistry tracks ingestion handles by id. Pending jobs never expire;
// finished jobs expire after the configured TTL.
type jobRegistry struct {
	cache  *cache.Cache
	logger *slog.Logger
}

func newJobRegistry(ttl time.Duration, logger *slog.Logger) *jobRegistry {
	return &jobRegistry{
		cache:  cache.New(ttl, ttl/2+time.Second),
		logger: logger,
	}
}

// track registers h and records its outcome once it resolves.
func (r *jobRegistry) track(path string, h *queue.Handle) Job {
	job := Job{
		ID:          uuid.NewString(),
		Path:        path,
		Status:      JobPending,
		SubmittedAt: h.EnqueuedAt(),
	}
	r.cache.Set(job.ID, job, cache.NoExpiration)

	go func() {
		<-h.Done()
		value, err := h.Result()
		finished := finish(job, value, err)
		r.cache.Set(job.ID, finished, cache.DefaultExpiration)
		r.logger.Info("ingestion job finished", "job", job.ID, "path", path, "status", finished.Status)
	}()
	return job
}

func finish(job Job, value any, err error) Job {
	now := time.Now()
	job.FinishedAt = &now
	switch {
	case err == nil:
		job.Status = JobSucceeded
		if report, ok := value.(*ingestion.Report); ok && report != nil {
			job.Passages = report.Passages
		}
	case errors.Is(err, queue.ErrCancelled):
		job.Status = JobCancelled
		job.Error = err.Error()
	default:
		job.Status = JobFailed
		job.Error = err.Error()
	}
	return job
}

func (r *jobRegistry) get(id string) (Job, bool) {
	v, ok := r.cache.Get(id)
	if !ok {
		return Job{}, false
	}
	return v.(Job), true
}

func (r *jobRegistry) close() {
	r.cache.Flush()
}
