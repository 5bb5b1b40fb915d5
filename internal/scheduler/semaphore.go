package scheduler

import (
	"context"

	"golang.org/x/sync/semaphore"
)

// Semaphore is a fair FIFO concurrency gate bounded at maxConcurrency per
// run, wrapping golang.org/x/sync/semaphore.Weighted rather than a
// hand-rolled channel semaphore (SPEC_FULL.md §4.8).
type Semaphore struct {
	w *semaphore.Weighted
}

// NewSemaphore returns a Semaphore capped at max concurrent holders.
func NewSemaphore(max int) *Semaphore {
	if max < 1 {
		max = 1
	}
	return &Semaphore{w: semaphore.NewWeighted(int64(max))}
}

// Acquire blocks until a slot is free or ctx is cancelled.
func (s *Semaphore) Acquire(ctx context.Context) error {
	return s.w.Acquire(ctx, 1)
}

// Release frees one slot.
func (s *Semaphore) Release() {
	s.w.Release(1)
}

// TryAcquire acquires a slot without blocking, reporting whether it
// succeeded.
func (s *Semaphore) TryAcquire() bool {
	return s.w.TryAcquire(1)
}
