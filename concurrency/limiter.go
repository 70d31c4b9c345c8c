package concurrency

import (
	"context"
	"fmt"
	"sync/atomic"
)

// Limiter caps how many operations run at once.
type Limiter struct {
	max       int32
	current   atomic.Int32
	semaphore chan struct{}

	total    atomic.Int64
	rejected atomic.Int64
}

// NewLimiter creates a limiter allowing up to max concurrent holders.
func NewLimiter(max int32) (*Limiter, error) {
	if max <= 0 {
		return nil, fmt.Errorf("max concurrent must be positive, got: %d", max)
	}

	return &Limiter{
		max:       max,
		semaphore: make(chan struct{}, max),
	}, nil
}

// Acquire waits for a slot until ctx is done.
func (l *Limiter) Acquire(ctx context.Context) error {
	select {
	case l.semaphore <- struct{}{}:
		l.current.Add(1)
		l.total.Add(1)
		return nil
	case <-ctx.Done():
		l.rejected.Add(1)
		return fmt.Errorf("failed to acquire concurrency slot: %w", ctx.Err())
	}
}

// TryAcquire takes a slot without blocking.
func (l *Limiter) TryAcquire() bool {
	select {
	case l.semaphore <- struct{}{}:
		l.current.Add(1)
		l.total.Add(1)
		return true
	default:
		l.rejected.Add(1)
		return false
	}
}

// Release returns a slot taken by Acquire or TryAcquire.
func (l *Limiter) Release() {
	select {
	case <-l.semaphore:
		l.current.Add(-1)
	default:
		panic("attempting to release more slots than acquired")
	}
}

// Available returns the number of free slots.
func (l *Limiter) Available() int32 {
	return l.max - l.current.Load()
}

// GetMetrics returns current metrics
func (l *Limiter) GetMetrics() map[string]int64 {
	return map[string]int64{
		"current":          int64(l.current.Load()),
		"total_executions": l.total.Load(),
		"rejected_count":   l.rejected.Load(),
	}
}
