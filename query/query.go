// Package query answers one-shot status lookups by combining the durable
// queue with the status cache.
package query

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/ncobase/jobwatch/logging/logger"
	"github.com/ncobase/jobwatch/logging/observes"
	"github.com/ncobase/jobwatch/queue"
	"github.com/ncobase/jobwatch/status"
	"go.opentelemetry.io/otel/attribute"
)

var (
	// ErrNotFound means neither the queue nor the cache knows the job.
	ErrNotFound = errors.New("job not found")
	// ErrUpstream means the queue lookup failed and the cache had nothing.
	ErrUpstream = errors.New("job lookup failed")
)

// Fetcher looks up job details in the durable queue.
type Fetcher interface {
	Get(ctx context.Context, id string) (*queue.Job, error)
}

// Service combines queue and cache lookups.
type Service struct {
	fetcher Fetcher
	store   status.Store
	log     *logger.Logger
	timeout time.Duration
	now     func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the logger.
func WithLogger(l *logger.Logger) Option {
	return func(s *Service) { s.log = l }
}

// WithTimeout bounds the queue lookup.
func WithTimeout(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.timeout = d
		}
	}
}

// WithClock overrides the clock used when no timestamp is known.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// New creates a Service.
func New(fetcher Fetcher, store status.Store, opts ...Option) *Service {
	s := &Service{
		fetcher: fetcher,
		store:   store,
		log:     logger.StdLogger(),
		timeout: 2 * time.Second,
		now:     time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// GetStatus returns the combined status of a job. Queue fields win where
// present; logs always come from the cache. A failed queue lookup degrades
// to cache data and only surfaces as ErrUpstream when the cache is empty.
func (s *Service) GetStatus(ctx context.Context, id string) (status.JobStatus, error) {
	ctx, span := observes.StartSpan(ctx, observes.LayerService, "query.GetStatus", attribute.String("job.id", id))

	fetchCtx, cancel := context.WithTimeout(ctx, s.timeout)
	job, fetchErr := s.fetcher.Get(fetchCtx, id)
	cancel()
	if fetchErr != nil {
		s.log.Warn(ctx, "Queue lookup failed, using cached status", "job_id", id, "error", fetchErr)
		job = nil
	}

	cached, inCache := s.store.Get(id)
	span.SetAttributes(attribute.Bool("job.in_queue", job != nil), attribute.Bool("job.in_cache", inCache))

	if job == nil && !inCache {
		err := fmt.Errorf("job %s: %w", id, ErrNotFound)
		if fetchErr != nil {
			err = fmt.Errorf("job %s: %w: %w", id, ErrUpstream, fetchErr)
		}
		span.End(err)
		return status.JobStatus{}, err
	}

	span.End(nil)
	return s.combine(id, job, cached, inCache), nil
}

func (s *Service) combine(id string, job *queue.Job, cached status.JobStatus, inCache bool) status.JobStatus {
	out := status.JobStatus{
		ID:       id,
		Name:     status.UnknownName,
		Status:   status.StateUnknown,
		Progress: status.Percent(0),
		Logs:     []string{},
	}

	if inCache {
		out.Name = cached.Name
		out.Status = cached.Status
		out.Progress = cached.Progress
		out.Logs = slices.Clone(cached.Logs)
		out.Result = cached.Result
		out.Error = cached.Error
		out.Timestamp = cached.Timestamp
	}

	if job != nil {
		if job.Name != "" {
			out.Name = job.Name
		}
		if job.State != "" {
			out.Status = job.State
		}
		if job.Progress != nil {
			out.Progress = *job.Progress
		}
		if job.ReturnValue != nil {
			out.Result = slices.Clone(job.ReturnValue)
		}
		if job.FailedReason != "" {
			out.Error = job.FailedReason
		}
		if job.Timestamp != 0 {
			out.Timestamp = job.Timestamp
		}
	}

	if out.Name == "" {
		out.Name = status.UnknownName
	}
	if out.Logs == nil {
		out.Logs = []string{}
	}
	if out.Timestamp == 0 {
		out.Timestamp = s.now().UnixMilli()
	}
	return out
}

// GetProgress returns the combined progress of a job.
func (s *Service) GetProgress(ctx context.Context, id string) (status.Progress, error) {
	st, err := s.GetStatus(ctx, id)
	if err != nil {
		return status.Progress{}, err
	}
	return st.Progress, nil
}

// GetLogs returns the cached log lines of a job.
func (s *Service) GetLogs(ctx context.Context, id string) ([]string, error) {
	st, err := s.GetStatus(ctx, id)
	if err != nil {
		return nil, err
	}
	return st.Logs, nil
}
