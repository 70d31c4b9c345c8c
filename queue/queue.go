// Package queue defines the boundary between jobwatch and the durable work
// queue: job submission and lookup, the lifecycle event stream, and the
// worker-side work source.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/ncobase/jobwatch/status"
)

var (
	// ErrClosed is returned by operations on a closed queue.
	ErrClosed = errors.New("queue closed")
	// ErrJobNotFound is returned by worker operations on an unknown job.
	ErrJobNotFound = errors.New("job not found")
)

// Job is the durable queue's record of a submitted job.
type Job struct {
	ID           string           `json:"id"`
	Name         string           `json:"name"`
	Data         json.RawMessage  `json:"data"`
	Timestamp    int64            `json:"timestamp"` // unix ms
	State        status.State     `json:"state"`
	Progress     *status.Progress `json:"progress,omitempty"`
	ReturnValue  json.RawMessage  `json:"returnvalue,omitempty"`
	FailedReason string           `json:"failedReason,omitempty"`
	AttemptsMade int              `json:"attemptsMade"`
	ProcessedOn  int64            `json:"processedOn,omitempty"`
	FinishedOn   int64            `json:"finishedOn,omitempty"`
}

// Queue accepts and looks up jobs.
type Queue interface {
	// Add persists a new job in the waiting state.
	Add(ctx context.Context, name string, data json.RawMessage) (*Job, error)
	// Get returns the job, or nil with a nil error when the queue does not
	// know it, e.g. because it was evicted after finishing.
	Get(ctx context.Context, id string) (*Job, error)
	Close() error
}

// WorkSource is the worker side of a queue.
type WorkSource interface {
	// Next blocks until a job is moved to active or ctx is done.
	Next(ctx context.Context) (*Job, error)
	UpdateProgress(ctx context.Context, id string, progress json.RawMessage) error
	Complete(ctx context.Context, id string, result json.RawMessage) error
	// Fail records a failed attempt. The job is retried while attempts remain.
	Fail(ctx context.Context, id string, reason string) error
}

// Options tune retention and retries shared by queue implementations.
type Options struct {
	Name string
	// RemoveOnComplete is how many completed jobs are kept; 0 removes them
	// as soon as they complete and a negative value keeps all.
	RemoveOnComplete int
	RemoveOnFail     int
	// Attempts is the total number of tries before a job is failed.
	Attempts int
	// Backoff delays a retry; zero requeues at once.
	Backoff time.Duration
}

// DefaultOptions returns the retention defaults.
func DefaultOptions() Options {
	return Options{
		Name:             "job-processing",
		RemoveOnComplete: 0,
		RemoveOnFail:     50,
		Attempts:         1,
	}
}

// Normalize fills unset fields.
func (o Options) Normalize() Options {
	if o.Name == "" {
		o.Name = "job-processing"
	}
	if o.Attempts < 1 {
		o.Attempts = 1
	}
	if o.Backoff < 0 {
		o.Backoff = 0
	}
	return o
}

// Counter is implemented by queues that can report job counts per state.
type Counter interface {
	Counts(ctx context.Context) (map[status.State]int64, error)
}
