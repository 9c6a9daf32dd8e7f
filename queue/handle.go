package queue

import (
	"context"
	"sync"
	"time"
)

// Handle is the eventual result of one enqueued unit of work.
// It resolves exactly once; later resolution attempts are ignored.
// Any number of goroutines may wait on it.
type Handle struct {
	enqueuedAt time.Time
	done       chan struct{}
	once       sync.Once
	value      any
	err        error
}

func newHandle() *Handle {
	return &Handle{
		enqueuedAt: time.Now(),
		done:       make(chan struct{}),
	}
}

// resolve records the outcome. Returns false if the handle was already resolved.
func (h *Handle) resolve(value any, err error) bool {
	resolved := false
	h.once.Do(func() {
		h.value = value
		h.err = err
		resolved = true
		close(h.done)
	})
	return resolved
}

// Done is closed once the handle resolves.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Wait blocks until the handle resolves or ctx is done.
func (h *Handle) Wait(ctx context.Context) (any, error) {
	select {
	case <-h.done:
		return h.value, h.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Result returns the outcome without blocking. The error is ErrPending while
// the unit is still queued or executing.
func (h *Handle) Result() (any, error) {
	select {
	case <-h.done:
		return h.value, h.err
	default:
		return nil, ErrPending
	}
}

// EnqueuedAt reports when the unit was accepted by the queue.
func (h *Handle) EnqueuedAt() time.Time {
	return h.enqueuedAt
}
