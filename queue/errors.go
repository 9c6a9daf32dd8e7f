package queue

import "errors"

var (
	// ErrQueueFull is returned by Enqueue when the number of outstanding units
	// (queued plus executing) has reached capacity.
	ErrQueueFull = errors.New("task queue is full")

	// ErrQueueStopping is returned by Enqueue while the worker pool is shutting down.
	ErrQueueStopping = errors.New("task queue is stopping")

	// ErrCancelled resolves handles of units that were still queued when the pool stopped.
	ErrCancelled = errors.New("task cancelled")

	// ErrAlreadyRunning is returned by Start when workers are already running.
	ErrAlreadyRunning = errors.New("task queue already running")

	// ErrNotRunning is returned by Stop when the pool is not running.
	ErrNotRunning = errors.New("task queue not running")

	// ErrPending is returned by Handle.Result before the unit has finished.
	ErrPending = errors.New("task still pending")

	// ErrPanicked wraps a panic recovered from a unit of work.
	ErrPanicked = errors.New("task panicked")

	// ErrInvalidCapacity is returned for a non-positive capacity.
	ErrInvalidCapacity = errors.New("capacity must be greater than 0")

	// ErrInvalidWorkers is returned for a non-positive worker count.
	ErrInvalidWorkers = errors.New("workers must be greater than 0")
)
