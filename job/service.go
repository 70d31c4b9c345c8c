// Package job accepts new jobs into the durable queue.
package job

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ncobase/jobwatch/logging/logger"
	"github.com/ncobase/jobwatch/logging/observes"
	"github.com/ncobase/jobwatch/queue"
	"github.com/ncobase/jobwatch/status"
	"go.opentelemetry.io/otel/attribute"
)

// EventJobQueued is broadcast with the seeded status of a new job.
const EventJobQueued = "jobQueued"

// Broadcaster pushes a status to every live subscriber.
type Broadcaster interface {
	Broadcast(event string, s status.JobStatus)
}

// Service submits jobs and seeds their cached status.
type Service struct {
	queue queue.Queue
	store status.Store
	hub   Broadcaster
	log   *logger.Logger
	now   func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the logger.
func WithLogger(l *logger.Logger) Option {
	return func(s *Service) { s.log = l }
}

// WithClock overrides the clock used for the queued log line.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// NewService creates a Service.
func NewService(q queue.Queue, store status.Store, hub Broadcaster, opts ...Option) *Service {
	s := &Service{
		queue: q,
		store: store,
		hub:   hub,
		log:   logger.StdLogger(),
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Submit adds a job to the queue, records it as waiting and announces it.
// Nothing is cached when the queue rejects the job.
func (s *Service) Submit(ctx context.Context, name string, payload json.RawMessage) (*queue.Job, error) {
	ctx, span := observes.StartSpan(ctx, observes.LayerService, "job.Submit", attribute.String("job.name", name))

	job, err := s.queue.Add(ctx, name, payload)
	if err != nil {
		err = fmt.Errorf("add job %q: %w", name, err)
		span.End(err)
		return nil, err
	}
	span.SetAttributes(attribute.String("job.id", job.ID))

	queued := status.LogLine(s.now(), status.QueuedMessage(job.ID))
	seeded := s.seed(job, queued)

	s.log.Info(ctx, "Job queued", "job_id", job.ID, "name", name)
	s.hub.Broadcast(EventJobQueued, seeded)
	span.End(nil)
	return job, nil
}

// seed records the waiting status. A worker may already have reported on the
// job, in which case only the name and queued line are merged in.
func (s *Service) seed(job *queue.Job, line string) status.JobStatus {
	return s.store.Seed(job.ID, status.JobStatus{
		ID:        job.ID,
		Name:      job.Name,
		Status:    status.StateWaiting,
		Progress:  status.Percent(0),
		Logs:      []string{line},
		Timestamp: job.Timestamp,
	})
}
