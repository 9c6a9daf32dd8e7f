// Package queue provides a bounded FIFO task queue drained by a fixed pool of
// workers.
//
// Each accepted unit of work yields a Handle that resolves exactly once with
// the unit's value or error. Failures, including panics, are confined to the
// handle of the unit that raised them; workers keep running.
//
// Capacity bounds the number of outstanding units, counting both those still
// waiting and those a worker is executing. Enqueue never blocks: it fails with
// ErrQueueFull when the bound is reached.
//
// Stopping the pool cancels the context passed to in-flight units and resolves
// every unit that never started with ErrCancelled, so no waiter is left hanging.
//
//	q, _ := queue.New(100)
//	_ = q.Start(2)
//	h, err := q.Enqueue(func(ctx context.Context) (any, error) { return ingest(ctx) })
//	value, err := h.Wait(ctx)
package queue
