// Package runner executes queued jobs on a worker pool and reports their
// progress back to the queue.
package runner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ncobase/jobwatch/concurrency/worker"
	"github.com/ncobase/jobwatch/logging/logger"
	"github.com/ncobase/jobwatch/queue"
	"github.com/ncobase/jobwatch/status"
)

// ProgressFunc reports progress for the running job.
type ProgressFunc func(percentage float64, log string)

// Handler processes one job and returns its result, which is stored as JSON.
type Handler func(ctx context.Context, job *queue.Job, updateProgress ProgressFunc) (any, error)

// Runner pulls jobs from a WorkSource whenever the pool has room and
// dispatches them by name.
type Runner struct {
	src  queue.WorkSource
	pool *worker.Pool
	log  *logger.Logger

	mu       sync.RWMutex
	handlers map[string]Handler
	fallback Handler

	idle          time.Duration
	finishTimeout time.Duration
}

// Option configures a Runner.
type Option func(*Runner)

// WithLogger sets the logger.
func WithLogger(l *logger.Logger) Option {
	return func(r *Runner) { r.log = l }
}

// WithFallback sets the handler for job names without a registered one.
func WithFallback(h Handler) Option {
	return func(r *Runner) { r.fallback = h }
}

// WithIdleWait sets how long the runner waits before polling again while
// the pool is busy.
func WithIdleWait(d time.Duration) Option {
	return func(r *Runner) {
		if d > 0 {
			r.idle = d
		}
	}
}

// New creates a Runner. The pool must be started by the caller.
func New(src queue.WorkSource, pool *worker.Pool, opts ...Option) *Runner {
	r := &Runner{
		src:           src,
		pool:          pool,
		log:           logger.StdLogger(),
		handlers:      make(map[string]Handler),
		idle:          50 * time.Millisecond,
		finishTimeout: 10 * time.Second,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register binds a handler to a job name.
func (r *Runner) Register(name string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[name] = h
}

func (r *Runner) handler(name string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if h, ok := r.handlers[name]; ok {
		return h, true
	}
	return r.fallback, r.fallback != nil
}

// Run pulls and dispatches jobs until ctx is done or the source is closed.
func (r *Runner) Run(ctx context.Context) error {
	r.log.Info(ctx, "Runner started")
	defer r.log.Info(ctx, "Runner stopped")

	for ctx.Err() == nil {
		if r.pool.IsBusy() {
			if !sleep(ctx, r.idle) {
				break
			}
			continue
		}

		job, err := r.src.Next(ctx)
		switch {
		case errors.Is(err, queue.ErrClosed), ctx.Err() != nil:
			return nil
		case err != nil:
			r.log.Warn(ctx, "Failed to fetch next job", "error", err)
			sleep(ctx, time.Second)
			continue
		}

		r.dispatch(ctx, job)
	}
	return nil
}

func (r *Runner) dispatch(ctx context.Context, job *queue.Job) {
	task := func(taskCtx context.Context) error { return r.execute(taskCtx, job) }
	for {
		err := r.pool.Submit(task)
		if err == nil {
			return
		}
		if errors.Is(err, worker.ErrQueueFull) && sleep(ctx, r.idle) {
			continue
		}
		r.finish(ctx, job, nil, fmt.Errorf("dispatch job: %w", err))
		return
	}
}

func (r *Runner) execute(ctx context.Context, job *queue.Job) error {
	r.log.Info(ctx, "Executing job", "job_id", job.ID, "name", job.Name)

	h, ok := r.handler(job.Name)
	if !ok {
		err := fmt.Errorf("no handler for job %q", job.Name)
		r.finish(ctx, job, nil, err)
		return err
	}

	result, err := h(ctx, job, r.progressFunc(ctx, job.ID))
	r.finish(ctx, job, result, err)
	return err
}

func (r *Runner) progressFunc(ctx context.Context, id string) ProgressFunc {
	return func(percentage float64, log string) {
		raw, err := json.Marshal(status.Report(percentage, log))
		if err == nil {
			err = r.src.UpdateProgress(ctx, id, raw)
		}
		if err != nil {
			r.log.Warn(ctx, "Failed to update job progress", "job_id", id, "error", err)
		}
	}
}

// finish records the outcome. It outlives a cancelled task context so a
// timed out job is still marked failed.
func (r *Runner) finish(ctx context.Context, job *queue.Job, result any, jobErr error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.finishTimeout)
	defer cancel()

	if jobErr == nil {
		var raw json.RawMessage
		raw, jobErr = json.Marshal(result)
		if jobErr == nil {
			if err := r.src.Complete(ctx, job.ID, raw); err != nil {
				r.log.Error(ctx, "Failed to complete job", "job_id", job.ID, "error", err)
				return
			}
			r.log.Info(ctx, "Job completed", "job_id", job.ID)
			return
		}
		jobErr = fmt.Errorf("encode result: %w", jobErr)
	}

	r.log.Warn(ctx, "Job failed", "job_id", job.ID, "error", jobErr)
	if err := r.src.Fail(ctx, job.ID, jobErr.Error()); err != nil {
		r.log.Error(ctx, "Failed to mark job failed", "job_id", job.ID, "error", err)
	}
}

// sleep waits for d and reports false if ctx ended first.
func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
