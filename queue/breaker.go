package queue

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/sony/gobreaker"
)

// breakerQueue guards Add and Get with a circuit breaker so a failing
// backend is not hammered by every query.
type breakerQueue struct {
	Queue
	cb *gobreaker.CircuitBreaker
}

// WithBreaker wraps q in a circuit breaker. When open, calls fail fast with
// gobreaker.ErrOpenState.
func WithBreaker(q Queue, name string) Queue {
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 100,
		Interval:    5 * time.Second,
		Timeout:     3 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= 3 && failureRatio >= 0.6
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, context.Canceled)
		},
	})
	return &breakerQueue{Queue: q, cb: cb}
}

func (b *breakerQueue) Add(ctx context.Context, name string, data json.RawMessage) (*Job, error) {
	v, err := b.cb.Execute(func() (any, error) {
		return b.Queue.Add(ctx, name, data)
	})
	if err != nil {
		return nil, err
	}
	return v.(*Job), nil
}

func (b *breakerQueue) Get(ctx context.Context, id string) (*Job, error) {
	v, err := b.cb.Execute(func() (any, error) {
		return b.Queue.Get(ctx, id)
	})
	if err != nil {
		return nil, err
	}
	job, _ := v.(*Job)
	return job, nil
}

// State reports the breaker state, e.g. "closed" or "open".
func (b *breakerQueue) State() string {
	return b.cb.State().String()
}
