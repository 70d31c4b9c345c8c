// Package redis is a Redis-backed durable queue using a BullMQ-like key
// layout: a hash per job, wait/active lists, delayed/completed/failed sorted
// sets and a capped stream of lifecycle events.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/ncobase/jobwatch/logging/logger"
	"github.com/ncobase/jobwatch/queue"
	"github.com/ncobase/jobwatch/status"
	"github.com/redis/go-redis/v9"
)

const (
	defaultPollInterval = time.Second
	defaultMaxEvents    = 10000
)

// Queue implements queue.Queue, queue.WorkSource, queue.EventSource and
// queue.EventPublisher on top of a Redis client it does not own.
type Queue struct {
	rdb       redis.UniversalClient
	keys      keys
	opts      queue.Options
	publisher queue.EventPublisher
	log       *logger.Logger
	now       func() time.Time

	pollInterval time.Duration
	maxEvents    int64

	closeOnce sync.Once
	done      chan struct{}
}

// Option configures a Queue.
type Option func(*Queue)

// WithPublisher sends lifecycle events to p instead of the Redis stream.
func WithPublisher(p queue.EventPublisher) Option {
	return func(q *Queue) { q.publisher = p }
}

// WithLogger sets the logger used for stream read errors.
func WithLogger(l *logger.Logger) Option {
	return func(q *Queue) { q.log = l }
}

// WithPollInterval bounds how long blocking reads wait before rechecking
// for shutdown.
func WithPollInterval(d time.Duration) Option {
	return func(q *Queue) {
		if d > 0 {
			q.pollInterval = d
		}
	}
}

// WithMaxEvents caps the event stream length (approximately).
func WithMaxEvents(n int64) Option {
	return func(q *Queue) {
		if n > 0 {
			q.maxEvents = n
		}
	}
}

// New creates a queue on rdb.
func New(rdb redis.UniversalClient, opts queue.Options, options ...Option) *Queue {
	opts = opts.Normalize()
	q := &Queue{
		rdb:          rdb,
		keys:         newKeys(opts.Name),
		opts:         opts,
		log:          logger.StdLogger(),
		now:          time.Now,
		pollInterval: defaultPollInterval,
		maxEvents:    defaultMaxEvents,
		done:         make(chan struct{}),
	}
	for _, o := range options {
		o(q)
	}
	return q
}

var (
	_ queue.Queue          = (*Queue)(nil)
	_ queue.WorkSource     = (*Queue)(nil)
	_ queue.EventSource    = (*Queue)(nil)
	_ queue.EventPublisher = (*Queue)(nil)
	_ queue.Counter        = (*Queue)(nil)
)

func (q *Queue) closed() bool {
	select {
	case <-q.done:
		return true
	default:
		return false
	}
}

// Close stops blocking reads. The Redis client stays open.
func (q *Queue) Close() error {
	q.closeOnce.Do(func() { close(q.done) })
	return nil
}

// stage adds e to the stream inside pipe unless events go elsewhere.
func (q *Queue) stage(ctx context.Context, pipe redis.Pipeliner, e *queue.Event) error {
	e.Timestamp = q.now().UnixMilli()
	if q.publisher != nil {
		return nil
	}
	return q.xadd(ctx, pipe, *e)
}

// flush hands e to the external publisher after the pipeline committed.
func (q *Queue) flush(ctx context.Context, e queue.Event) error {
	if q.publisher == nil {
		return nil
	}
	if err := q.publisher.Publish(ctx, e); err != nil {
		return fmt.Errorf("publish %s event: %w", e.Kind, err)
	}
	return nil
}

func (q *Queue) xadd(ctx context.Context, c redis.Cmdable, e queue.Event) error {
	payload, err := e.Encode()
	if err != nil {
		return err
	}
	return c.XAdd(ctx, &redis.XAddArgs{
		Stream: q.keys.events(),
		MaxLen: q.maxEvents,
		Approx: true,
		Values: map[string]any{"event": string(e.Kind), "payload": string(payload)},
	}).Err()
}

// Publish implements queue.EventPublisher by appending to the event stream.
func (q *Queue) Publish(ctx context.Context, e queue.Event) error {
	if e.Timestamp == 0 {
		e.Timestamp = q.now().UnixMilli()
	}
	if err := q.xadd(ctx, q.rdb, e); err != nil {
		return fmt.Errorf("redis: publish %s event: %w", e.Kind, err)
	}
	return nil
}

// Add implements queue.Queue.
func (q *Queue) Add(ctx context.Context, name string, data json.RawMessage) (*queue.Job, error) {
	if q.closed() {
		return nil, queue.ErrClosed
	}

	seq, err := q.rdb.Incr(ctx, q.keys.id()).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: allocate job id: %w", err)
	}

	job := &queue.Job{
		ID:        strconv.FormatInt(seq, 10),
		Name:      name,
		Data:      data,
		Timestamp: q.now().UnixMilli(),
		State:     status.StateWaiting,
	}
	ev := queue.Event{Kind: queue.EventWaiting, JobID: job.ID}

	_, err = q.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, q.keys.job(job.ID),
			"name", job.Name,
			"data", string(job.Data),
			"timestamp", job.Timestamp,
			"state", string(job.State),
			"attemptsMade", 0,
		)
		pipe.LPush(ctx, q.keys.wait(), job.ID)
		return q.stage(ctx, pipe, &ev)
	})
	if err != nil {
		return nil, fmt.Errorf("redis: add job: %w", err)
	}
	return job, q.flush(ctx, ev)
}

// Get implements queue.Queue.
func (q *Queue) Get(ctx context.Context, id string) (*queue.Job, error) {
	fields, err := q.rdb.HGetAll(ctx, q.keys.job(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: get job %s: %w", id, err)
	}
	if len(fields) == 0 {
		return nil, nil
	}
	return decodeJob(id, fields)
}

// Next implements queue.WorkSource.
func (q *Queue) Next(ctx context.Context) (*queue.Job, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if q.closed() {
			return nil, queue.ErrClosed
		}
		if err := q.promoteDelayed(ctx); err != nil {
			return nil, err
		}

		id, err := q.rdb.BLMove(ctx, q.keys.wait(), q.keys.active(), "RIGHT", "LEFT", q.pollInterval).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, fmt.Errorf("redis: move job to active: %w", err)
		}

		ev := queue.Event{Kind: queue.EventActive, JobID: id, Prev: status.StateWaiting}
		_, err = q.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, q.keys.job(id), "state", string(status.StateActive), "processedOn", q.now().UnixMilli())
			return q.stage(ctx, pipe, &ev)
		})
		if err != nil {
			return nil, fmt.Errorf("redis: activate job %s: %w", id, err)
		}

		job, err := q.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if job == nil {
			q.rdb.LRem(ctx, q.keys.active(), 0, id)
			continue
		}
		return job, q.flush(ctx, ev)
	}
}

// promoteDelayed moves retries whose backoff passed back to wait.
func (q *Queue) promoteDelayed(ctx context.Context) error {
	now := strconv.FormatInt(q.now().UnixMilli(), 10)
	ids, err := q.rdb.ZRangeByScore(ctx, q.keys.delayed(), &redis.ZRangeBy{Min: "-inf", Max: now}).Result()
	if err != nil {
		return fmt.Errorf("redis: read delayed jobs: %w", err)
	}
	for _, id := range ids {
		// whoever removes the member owns the promotion
		n, err := q.rdb.ZRem(ctx, q.keys.delayed(), id).Result()
		if err != nil {
			return fmt.Errorf("redis: promote job %s: %w", id, err)
		}
		if n == 0 {
			continue
		}
		_, err = q.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, q.keys.job(id), "state", string(status.StateWaiting))
			pipe.LPush(ctx, q.keys.wait(), id)
			return nil
		})
		if err != nil {
			return fmt.Errorf("redis: promote job %s: %w", id, err)
		}
	}
	return nil
}

func (q *Queue) requireActive(ctx context.Context, id string) error {
	state, err := q.rdb.HGet(ctx, q.keys.job(id), "state").Result()
	if errors.Is(err, redis.Nil) {
		return fmt.Errorf("job %s: %w", id, queue.ErrJobNotFound)
	}
	if err != nil {
		return fmt.Errorf("redis: read job %s: %w", id, err)
	}
	if status.State(state) != status.StateActive {
		return fmt.Errorf("job %s is %s: %w", id, state, queue.ErrJobNotFound)
	}
	return nil
}

// UpdateProgress implements queue.WorkSource.
func (q *Queue) UpdateProgress(ctx context.Context, id string, progress json.RawMessage) error {
	if _, _, err := status.ParseProgress(progress); err != nil {
		return err
	}
	if err := q.requireActive(ctx, id); err != nil {
		return err
	}

	ev := queue.Event{Kind: queue.EventProgress, JobID: id, Data: progress}
	_, err := q.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, q.keys.job(id), "progress", string(progress))
		return q.stage(ctx, pipe, &ev)
	})
	if err != nil {
		return fmt.Errorf("redis: update progress of job %s: %w", id, err)
	}
	return q.flush(ctx, ev)
}

// Complete implements queue.WorkSource.
func (q *Queue) Complete(ctx context.Context, id string, result json.RawMessage) error {
	if err := q.requireActive(ctx, id); err != nil {
		return err
	}

	now := q.now().UnixMilli()
	ev := queue.Event{Kind: queue.EventCompleted, JobID: id, ReturnValue: result, Prev: status.StateActive}
	_, err := q.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LRem(ctx, q.keys.active(), 0, id)
		pipe.HSet(ctx, q.keys.job(id),
			"state", string(status.StateCompleted),
			"returnvalue", string(result),
			"finishedOn", now,
		)
		pipe.ZAdd(ctx, q.keys.completed(), redis.Z{Score: float64(now), Member: id})
		return q.stage(ctx, pipe, &ev)
	})
	if err != nil {
		return fmt.Errorf("redis: complete job %s: %w", id, err)
	}
	if err := q.trim(ctx, q.keys.completed(), q.opts.RemoveOnComplete); err != nil {
		return err
	}
	return q.flush(ctx, ev)
}

// Fail implements queue.WorkSource.
func (q *Queue) Fail(ctx context.Context, id string, reason string) error {
	if err := q.requireActive(ctx, id); err != nil {
		return err
	}

	attempts, err := q.rdb.HIncrBy(ctx, q.keys.job(id), "attemptsMade", 1).Result()
	if err != nil {
		return fmt.Errorf("redis: count attempt of job %s: %w", id, err)
	}

	now := q.now()
	retry := int(attempts) < q.opts.Attempts
	var ev queue.Event
	_, err = q.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LRem(ctx, q.keys.active(), 0, id)
		switch {
		case retry && q.opts.Backoff > 0:
			pipe.HSet(ctx, q.keys.job(id), "state", string(status.StateDelayed), "failedReason", reason)
			pipe.ZAdd(ctx, q.keys.delayed(), redis.Z{Score: float64(now.Add(q.opts.Backoff).UnixMilli()), Member: id})
			ev = queue.Event{Kind: queue.EventDelayed, JobID: id, Prev: status.StateActive}
		case retry:
			pipe.HSet(ctx, q.keys.job(id), "state", string(status.StateWaiting), "failedReason", reason)
			pipe.LPush(ctx, q.keys.wait(), id)
			ev = queue.Event{Kind: queue.EventWaiting, JobID: id, Prev: status.StateActive}
		default:
			pipe.HSet(ctx, q.keys.job(id),
				"state", string(status.StateFailed),
				"failedReason", reason,
				"finishedOn", now.UnixMilli(),
			)
			pipe.ZAdd(ctx, q.keys.failed(), redis.Z{Score: float64(now.UnixMilli()), Member: id})
			ev = queue.Event{Kind: queue.EventFailed, JobID: id, FailedReason: reason, Prev: status.StateActive}
		}
		return q.stage(ctx, pipe, &ev)
	})
	if err != nil {
		return fmt.Errorf("redis: fail job %s: %w", id, err)
	}
	if !retry {
		if err := q.trim(ctx, q.keys.failed(), q.opts.RemoveOnFail); err != nil {
			return err
		}
	}
	return q.flush(ctx, ev)
}

// trim removes the oldest finished jobs beyond keep from set.
func (q *Queue) trim(ctx context.Context, set string, keep int) error {
	if keep < 0 {
		return nil
	}
	ids, err := q.rdb.ZRange(ctx, set, 0, int64(-keep-1)).Result()
	if err != nil {
		return fmt.Errorf("redis: read %s: %w", set, err)
	}
	if len(ids) == 0 {
		return nil
	}
	_, err = q.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, id := range ids {
			pipe.Del(ctx, q.keys.job(id))
			pipe.ZRem(ctx, set, id)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis: trim %s: %w", set, err)
	}
	return nil
}

// Counts implements queue.Counter.
func (q *Queue) Counts(ctx context.Context) (map[status.State]int64, error) {
	var wait, active, delayed, completed, failed *redis.IntCmd
	_, err := q.rdb.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		wait = pipe.LLen(ctx, q.keys.wait())
		active = pipe.LLen(ctx, q.keys.active())
		delayed = pipe.ZCard(ctx, q.keys.delayed())
		completed = pipe.ZCard(ctx, q.keys.completed())
		failed = pipe.ZCard(ctx, q.keys.failed())
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("redis: count jobs: %w", err)
	}
	return map[status.State]int64{
		status.StateWaiting:   wait.Val(),
		status.StateActive:    active.Val(),
		status.StateDelayed:   delayed.Val(),
		status.StateCompleted: completed.Val(),
		status.StateFailed:    failed.Val(),
	}, nil
}

func decodeJob(id string, f map[string]string) (*queue.Job, error) {
	job := &queue.Job{
		ID:           id,
		Name:         f["name"],
		State:        status.State(f["state"]),
		FailedReason: f["failedReason"],
	}
	if v := f["data"]; v != "" {
		job.Data = json.RawMessage(v)
	}
	if v := f["returnvalue"]; v != "" {
		job.ReturnValue = json.RawMessage(v)
	}
	if v := f["progress"]; v != "" {
		var p status.Progress
		if err := json.Unmarshal([]byte(v), &p); err != nil {
			return nil, fmt.Errorf("redis: decode progress of job %s: %w", id, err)
		}
		job.Progress = &p
	}

	ints := []struct {
		key string
		dst *int64
	}{
		{"timestamp", &job.Timestamp},
		{"processedOn", &job.ProcessedOn},
		{"finishedOn", &job.FinishedOn},
	}
	for _, it := range ints {
		if v := f[it.key]; v != "" {
			n, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				return nil, fmt.Errorf("redis: decode %s of job %s: %w", it.key, id, err)
			}
			*it.dst = n
		}
	}
	if v := f["attemptsMade"]; v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("redis: decode attemptsMade of job %s: %w", id, err)
		}
		job.AttemptsMade = n
	}
	return job, nil
}
