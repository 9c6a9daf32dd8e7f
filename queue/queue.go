package queue

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/panjf2000/ants/v2"
)

// State is the lifecycle state of the worker pool.
type State int

const (
	// Stopped: no workers. Enqueued units wait for Start.
	Stopped State = iota
	// Running: workers are draining the queue.
	Running
	// Stopping: Stop was called and workers are exiting.
	Stopping
)

func (s State) String() string {
	switch s {
	case Stopped:
		return "stopped"
	case Running:
		return "running"
	case Stopping:
		return "stopping"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Work is a unit of work executed by a worker. The context is cancelled when
// the pool stops.
type Work func(ctx context.Context) (any, error)

type item struct {
	work   Work
	handle *Handle
}

// TaskQueue is a bounded FIFO drained by a fixed number of workers.
// Enqueue never blocks. Idle workers sleep on a condition variable.
type TaskQueue struct {
	mu        sync.Mutex
	cond      *sync.Cond
	items     []*item
	capacity  int
	executing int
	state     State

	pool    *ants.Pool
	workers sync.WaitGroup
	ctx     context.Context
	cancel  context.CancelFunc
	stopped chan struct{}

	logger *slog.Logger
}

// Option configures a TaskQueue.
type Option func(*TaskQueue) error

// WithLogger sets a custom logger.
// Default is slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(q *TaskQueue) error {
		if logger == nil {
			logger = slog.Default()
		}
		q.logger = logger.With("component", "task-queue")
		return nil
	}
}

// New creates a stopped queue that accepts at most capacity outstanding units.
func New(capacity int, opts ...Option) (*TaskQueue, error) {
	if capacity <= 0 {
		return nil, ErrInvalidCapacity
	}
	q := &TaskQueue{
		capacity: capacity,
		state:    Stopped,
		logger:   slog.Default().With("component", "task-queue"),
	}
	q.cond = sync.NewCond(&q.mu)

	for _, opt := range opts {
		if err := opt(q); err != nil {
			return nil, err
		}
	}
	return q, nil
}

// Enqueue appends work and returns its handle immediately.
// Fails with ErrQueueFull when queued plus executing units reach capacity,
// and with ErrQueueStopping while the pool shuts down.
func (q *TaskQueue) Enqueue(work Work) (*Handle, error) {
	if work == nil {
		return nil, fmt.Errorf("work required")
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if q.state == Stopping {
		return nil, ErrQueueStopping
	}
	if len(q.items)+q.executing >= q.capacity {
		q.logger.Warn("rejecting work, queue full", "capacity", q.capacity, "queued", len(q.items), "executing", q.executing)
		return nil, ErrQueueFull
	}

	h := newHandle()
	q.items = append(q.items, &item{work: work, handle: h})
	q.cond.Signal()
	q.logger.Debug("work enqueued", "queued", len(q.items))
	return h, nil
}

// Start spawns workers goroutines on an ants pool.
func (q *TaskQueue) Start(workers int) error {
	if workers <= 0 {
		return ErrInvalidWorkers
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if q.state != Stopped {
		return ErrAlreadyRunning
	}

	pool, err := ants.NewPool(workers, ants.WithPanicHandler(func(p any) {
		q.logger.Error("worker goroutine panicked", "panic", p)
	}))
	if err != nil {
		return err
	}

	q.pool = pool
	q.ctx, q.cancel = context.WithCancel(context.Background())
	q.stopped = make(chan struct{})
	q.state = Running

	for i := 0; i < workers; i++ {
		q.workers.Add(1)
		if err := pool.Submit(func() { q.runWorker(i) }); err != nil {
			q.workers.Done()
			q.logger.Error("failed to start worker", "worker", i, "err", err)
		}
	}

	q.logger.Info("workers started", "workers", workers, "queued", len(q.items))
	return nil
}

// Stop cancels in-flight units, waits for workers to exit and resolves every
// still-queued handle with ErrCancelled. If ctx expires first, shutdown
// completes in the background and ctx.Err() is returned.
func (q *TaskQueue) Stop(ctx context.Context) error {
	q.mu.Lock()
	if q.state != Running {
		q.mu.Unlock()
		return ErrNotRunning
	}
	q.state = Stopping
	q.cancel()
	q.cond.Broadcast()
	stopped := q.stopped
	q.mu.Unlock()

	q.logger.Info("stopping workers")
	go q.finishStop()

	select {
	case <-stopped:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *TaskQueue) finishStop() {
	q.workers.Wait()

	q.mu.Lock()
	pending := q.items
	q.items = nil
	pool := q.pool
	q.pool = nil
	q.state = Stopped
	stopped := q.stopped
	q.mu.Unlock()

	pool.Release()
	for _, it := range pending {
		it.handle.resolve(nil, ErrCancelled)
	}
	if len(pending) > 0 {
		q.logger.Warn("cancelled queued work", "count", len(pending))
	}
	q.logger.Info("workers stopped")
	close(stopped)
}

func (q *TaskQueue) runWorker(id int) {
	defer q.workers.Done()
	logger := q.logger.With("worker", id)

	for {
		q.mu.Lock()
		for len(q.items) == 0 && q.state == Running {
			q.cond.Wait()
		}
		if q.state != Running {
			q.mu.Unlock()
			return
		}
		it := q.items[0]
		q.items[0] = nil
		q.items = q.items[1:]
		q.executing++
		ctx := q.ctx
		q.mu.Unlock()

		value, err := execute(ctx, it.work)
		if err != nil {
			logger.Error("work failed", "err", err)
		}

		// Free the slot before waking waiters so they can enqueue again.
		q.mu.Lock()
		q.executing--
		q.mu.Unlock()
		it.handle.resolve(value, err)
	}
}

// execute runs work, converting a panic into an error.
func execute(ctx context.Context, work Work) (value any, err error) {
	defer func() {
		if r := recover(); r != nil {
			value = nil
			err = fmt.Errorf("%w: %v", ErrPanicked, r)
		}
	}()
	return work(ctx)
}

// State returns the current lifecycle state.
func (q *TaskQueue) State() State {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.state
}

// Len returns the number of units waiting for a worker.
func (q *TaskQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Outstanding returns the number of queued plus executing units.
func (q *TaskQueue) Outstanding() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items) + q.executing
}

// Capacity returns the configured capacity.
func (q *TaskQueue) Capacity() int {
	return q.capacity
}
