// Package memory is an in-process durable queue stand-in with the same
// retention, retry and event semantics as the Redis queue.
package memory

import (
	"container/heap"
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/ncobase/jobwatch/queue"
	"github.com/ncobase/jobwatch/status"
)

// Queue implements queue.Queue, queue.WorkSource and queue.EventSource.
type Queue struct {
	opts      queue.Options
	fanout    *queue.Fanout
	publisher queue.EventPublisher
	now       func() time.Time

	mu        sync.Mutex
	seq       int64
	jobs      map[string]*queue.Job
	wait      []string
	delayed   delayHeap
	completed []string
	failed    []string
	closed    bool

	ready chan struct{}
	done  chan struct{}
}

// Option configures a Queue.
type Option func(*Queue)

// WithPublisher also sends lifecycle events to p, e.g. a Kafka topic.
func WithPublisher(p queue.EventPublisher) Option {
	return func(q *Queue) { q.publisher = p }
}

// WithClock overrides the clock.
func WithClock(now func() time.Time) Option {
	return func(q *Queue) { q.now = now }
}

// New creates an empty queue.
func New(opts queue.Options, options ...Option) *Queue {
	q := &Queue{
		opts:   opts.Normalize(),
		fanout: queue.NewFanout(64),
		now:    time.Now,
		jobs:   make(map[string]*queue.Job),
		ready:  make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	for _, o := range options {
		o(q)
	}
	return q
}

var (
	_ queue.Queue       = (*Queue)(nil)
	_ queue.WorkSource  = (*Queue)(nil)
	_ queue.EventSource = (*Queue)(nil)
	_ queue.Counter     = (*Queue)(nil)
)

func cloneJob(j *queue.Job) *queue.Job {
	out := *j
	out.Data = slices.Clone(j.Data)
	out.ReturnValue = slices.Clone(j.ReturnValue)
	if j.Progress != nil {
		p := *j.Progress
		out.Progress = &p
	}
	return &out
}

// signal wakes one waiting Next call. Callers hold q.mu.
func (q *Queue) signal() {
	select {
	case q.ready <- struct{}{}:
	default:
	}
}

func (q *Queue) publish(ctx context.Context, e queue.Event) error {
	e.Timestamp = q.now().UnixMilli()
	if err := q.fanout.Publish(ctx, e); err != nil {
		return fmt.Errorf("publish %s event: %w", e.Kind, err)
	}
	if q.publisher != nil {
		if err := q.publisher.Publish(ctx, e); err != nil {
			return fmt.Errorf("publish %s event: %w", e.Kind, err)
		}
	}
	return nil
}

// Add implements queue.Queue.
func (q *Queue) Add(ctx context.Context, name string, data json.RawMessage) (*queue.Job, error) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil, queue.ErrClosed
	}
	q.seq++
	job := &queue.Job{
		ID:        strconv.FormatInt(q.seq, 10),
		Name:      name,
		Data:      slices.Clone(data),
		Timestamp: q.now().UnixMilli(),
		State:     status.StateWaiting,
	}
	q.jobs[job.ID] = job
	q.wait = append(q.wait, job.ID)
	q.signal()
	out := cloneJob(job)
	q.mu.Unlock()

	if err := q.publish(ctx, queue.Event{Kind: queue.EventWaiting, JobID: out.ID}); err != nil {
		return out, err
	}
	return out, nil
}

// Get implements queue.Queue.
func (q *Queue) Get(ctx context.Context, id string) (*queue.Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil, queue.ErrClosed
	}
	job, ok := q.jobs[id]
	if !ok {
		return nil, nil
	}
	return cloneJob(job), nil
}

// Subscribe implements queue.EventSource.
func (q *Queue) Subscribe(ctx context.Context) (<-chan queue.Event, error) {
	return q.fanout.Subscribe(ctx)
}

// Next implements queue.WorkSource.
func (q *Queue) Next(ctx context.Context) (*queue.Job, error) {
	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return nil, queue.ErrClosed
		}
		q.promoteDue()
		if len(q.wait) > 0 {
			id := q.wait[0]
			q.wait = q.wait[1:]
			if len(q.wait) > 0 {
				q.signal()
			}
			job := q.jobs[id]
			job.State = status.StateActive
			job.ProcessedOn = q.now().UnixMilli()
			out := cloneJob(job)
			q.mu.Unlock()

			err := q.publish(ctx, queue.Event{Kind: queue.EventActive, JobID: id, Prev: status.StateWaiting})
			return out, err
		}
		due, hasDelayed := q.delayed.nextDue()
		q.mu.Unlock()

		if err := q.waitReady(ctx, due, hasDelayed); err != nil {
			return nil, err
		}
	}
}

// waitReady blocks until Next should look at the queue again.
func (q *Queue) waitReady(ctx context.Context, due time.Time, hasDelayed bool) error {
	var timeout <-chan time.Time
	if hasDelayed {
		t := time.NewTimer(max(due.Sub(q.now()), time.Millisecond))
		defer t.Stop()
		timeout = t.C
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-q.done:
		return queue.ErrClosed
	case <-q.ready:
	case <-timeout:
	}
	return nil
}

// promoteDue moves retries whose backoff passed to the wait list.
// Callers hold q.mu.
func (q *Queue) promoteDue() {
	for _, id := range q.delayed.popDue(q.now()) {
		if job, ok := q.jobs[id]; ok {
			job.State = status.StateWaiting
			q.wait = append(q.wait, id)
		}
	}
}

func (q *Queue) activeJob(id string) (*queue.Job, error) {
	if q.closed {
		return nil, queue.ErrClosed
	}
	job, ok := q.jobs[id]
	if !ok || job.State != status.StateActive {
		return nil, fmt.Errorf("job %s: %w", id, queue.ErrJobNotFound)
	}
	return job, nil
}

// UpdateProgress implements queue.WorkSource.
func (q *Queue) UpdateProgress(ctx context.Context, id string, progress json.RawMessage) error {
	p, _, err := status.ParseProgress(progress)
	if err != nil {
		return err
	}

	q.mu.Lock()
	job, err := q.activeJob(id)
	if err != nil {
		q.mu.Unlock()
		return err
	}
	job.Progress = &p
	q.mu.Unlock()

	return q.publish(ctx, queue.Event{Kind: queue.EventProgress, JobID: id, Data: slices.Clone(progress)})
}

// Complete implements queue.WorkSource.
func (q *Queue) Complete(ctx context.Context, id string, result json.RawMessage) error {
	q.mu.Lock()
	job, err := q.activeJob(id)
	if err != nil {
		q.mu.Unlock()
		return err
	}
	job.State = status.StateCompleted
	job.ReturnValue = slices.Clone(result)
	job.FinishedOn = q.now().UnixMilli()
	q.completed = q.retain(append(q.completed, id), q.opts.RemoveOnComplete)
	q.mu.Unlock()

	return q.publish(ctx, queue.Event{Kind: queue.EventCompleted, JobID: id, ReturnValue: slices.Clone(result), Prev: status.StateActive})
}

// Fail implements queue.WorkSource.
func (q *Queue) Fail(ctx context.Context, id string, reason string) error {
	q.mu.Lock()
	job, err := q.activeJob(id)
	if err != nil {
		q.mu.Unlock()
		return err
	}
	job.AttemptsMade++
	job.FailedReason = reason

	var ev queue.Event
	switch {
	case job.AttemptsMade < q.opts.Attempts && q.opts.Backoff > 0:
		job.State = status.StateDelayed
		heap.Push(&q.delayed, delayedJob{id: id, due: q.now().Add(q.opts.Backoff)})
		ev = queue.Event{Kind: queue.EventDelayed, JobID: id, Prev: status.StateActive}
		q.signal()
	case job.AttemptsMade < q.opts.Attempts:
		job.State = status.StateWaiting
		q.wait = append(q.wait, id)
		ev = queue.Event{Kind: queue.EventWaiting, JobID: id, Prev: status.StateActive}
		q.signal()
	default:
		job.State = status.StateFailed
		job.FinishedOn = q.now().UnixMilli()
		q.failed = q.retain(append(q.failed, id), q.opts.RemoveOnFail)
		ev = queue.Event{Kind: queue.EventFailed, JobID: id, FailedReason: reason, Prev: status.StateActive}
	}
	q.mu.Unlock()

	return q.publish(ctx, ev)
}

// retain drops the oldest finished jobs beyond keep. Callers hold q.mu.
func (q *Queue) retain(ids []string, keep int) []string {
	if keep < 0 || len(ids) <= keep {
		return ids
	}
	drop := len(ids) - keep
	for _, id := range ids[:drop] {
		delete(q.jobs, id)
	}
	return slices.Clone(ids[drop:])
}

// Counts implements queue.Counter.
func (q *Queue) Counts(ctx context.Context) (map[status.State]int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	counts := map[status.State]int64{
		status.StateWaiting:   int64(len(q.wait)),
		status.StateDelayed:   int64(q.delayed.Len()),
		status.StateCompleted: int64(len(q.completed)),
		status.StateFailed:    int64(len(q.failed)),
	}
	for _, job := range q.jobs {
		if job.State == status.StateActive {
			counts[status.StateActive]++
		}
	}
	return counts, nil
}

// Close implements queue.Queue.
func (q *Queue) Close() error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	close(q.done)
	q.mu.Unlock()
	return q.fanout.Close()
}
