// Package ingest turns the durable queue's lifecycle events into status
// merges and broadcasts.
package ingest

import (
	"context"
	"hash/fnv"
	"sync"
	"time"

	"github.com/ncobase/jobwatch/logging/logger"
	"github.com/ncobase/jobwatch/logging/observes"
	"github.com/ncobase/jobwatch/queue"
	"github.com/ncobase/jobwatch/status"
	"go.opentelemetry.io/otel/attribute"
)

// EventStatusUpdate is the realtime event carrying a merged status.
const EventStatusUpdate = "jobStatusUpdate"

// Fetcher looks up job details in the durable queue.
type Fetcher interface {
	Get(ctx context.Context, id string) (*queue.Job, error)
}

// Broadcaster pushes a status to every live subscriber.
type Broadcaster interface {
	Broadcast(event string, s status.JobStatus)
}

// Ingestor consumes an EventSource. Events for one job are handled in
// delivery order on one lane; different jobs hash onto independent lanes.
type Ingestor struct {
	store        status.Store
	fetcher      Fetcher
	hub          Broadcaster
	log          *logger.Logger
	now          func() time.Time
	fetchTimeout time.Duration
	lanes        int
	laneBuffer   int
}

// Option configures an Ingestor.
type Option func(*Ingestor)

// WithLogger sets the logger.
func WithLogger(l *logger.Logger) Option {
	return func(in *Ingestor) { in.log = l }
}

// WithFetchTimeout bounds the job details lookup on activation.
func WithFetchTimeout(d time.Duration) Option {
	return func(in *Ingestor) {
		if d > 0 {
			in.fetchTimeout = d
		}
	}
}

// WithLanes sets the number of parallel lanes.
func WithLanes(n int) Option {
	return func(in *Ingestor) {
		if n > 0 {
			in.lanes = n
		}
	}
}

// WithClock overrides the clock used for log lines.
func WithClock(now func() time.Time) Option {
	return func(in *Ingestor) { in.now = now }
}

// New creates an Ingestor.
func New(store status.Store, fetcher Fetcher, hub Broadcaster, opts ...Option) *Ingestor {
	in := &Ingestor{
		store:        store,
		fetcher:      fetcher,
		hub:          hub,
		log:          logger.StdLogger(),
		now:          time.Now,
		fetchTimeout: 2 * time.Second,
		lanes:        8,
		laneBuffer:   64,
	}
	for _, o := range opts {
		o(in)
	}
	return in
}

// Run subscribes to src and handles events until ctx is done or the source
// closes its channel. In-flight events finish before Run returns.
func (in *Ingestor) Run(ctx context.Context, src queue.EventSource) error {
	events, err := src.Subscribe(ctx)
	if err != nil {
		return err
	}

	lanes := make([]chan queue.Event, in.lanes)
	var wg sync.WaitGroup
	for i := range lanes {
		lanes[i] = make(chan queue.Event, in.laneBuffer)
		wg.Add(1)
		go func(ch <-chan queue.Event) {
			defer wg.Done()
			for e := range ch {
				in.Handle(ctx, e)
			}
		}(lanes[i])
	}
	defer func() {
		for _, ch := range lanes {
			close(ch)
		}
		wg.Wait()
	}()

	in.log.Info(ctx, "Event ingestion started", "lanes", in.lanes)
	for {
		select {
		case <-ctx.Done():
			return nil
		case e, ok := <-events:
			if !ok {
				in.log.Info(ctx, "Event source closed")
				return nil
			}
			if !handled(e.Kind) {
				continue
			}
			select {
			case lanes[laneFor(e.JobID, in.lanes)] <- e:
			case <-ctx.Done():
				return nil
			}
		}
	}
}

func handled(k queue.EventKind) bool {
	switch k {
	case queue.EventActive, queue.EventProgress, queue.EventCompleted, queue.EventFailed:
		return true
	default:
		// waiting is seeded at submission
		return false
	}
}

func laneFor(id string, n int) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(id))
	return int(h.Sum32() % uint32(n))
}

// Handle merges one event into the store and broadcasts the result. It
// returns false for events it does not act on.
func (in *Ingestor) Handle(ctx context.Context, e queue.Event) (status.JobStatus, bool) {
	ctx, span := observes.StartSpan(ctx, observes.LayerIngest, "ingest."+string(e.Kind),
		attribute.String("job.id", e.JobID))
	defer span.End(nil)

	var (
		u  status.Update
		ok = true
	)
	switch e.Kind {
	case queue.EventActive:
		u = in.onActive(ctx, e)
	case queue.EventProgress:
		u, ok = in.onProgress(ctx, e)
	case queue.EventCompleted:
		u = in.onCompleted(e)
	case queue.EventFailed:
		u = in.onFailed(e)
	default:
		ok = false
	}
	if !ok {
		return status.JobStatus{}, false
	}

	merged := in.store.Merge(e.JobID, u)
	in.hub.Broadcast(EventStatusUpdate, merged)
	in.log.Debug(ctx, "Job status merged", "job_id", e.JobID, "event", string(e.Kind), "status", string(merged.Status))
	return merged, true
}

func (in *Ingestor) line(msg string) []string {
	return []string{status.LogLine(in.now(), msg)}
}

func (in *Ingestor) onActive(ctx context.Context, e queue.Event) status.Update {
	// the timestamp of the log line is the event time, not the fetch time
	at := in.now()

	fetchCtx, cancel := context.WithTimeout(ctx, in.fetchTimeout)
	defer cancel()
	job, err := in.fetcher.Get(fetchCtx, e.JobID)
	if err != nil {
		in.log.Warn(ctx, "Fetching job details failed", "job_id", e.JobID, "error", err)
		return status.Update{
			Status: status.StateActive,
			Logs:   []string{status.LogLine(at, status.MsgStartedFetchFailed)},
		}
	}

	u := status.Update{
		Status: status.StateActive,
		Logs:   []string{status.LogLine(at, status.MsgStarted)},
	}
	if job != nil {
		u.Name = job.Name
		if job.Timestamp != 0 {
			ts := job.Timestamp
			u.Timestamp = &ts
		}
	}
	return u
}

func (in *Ingestor) onProgress(ctx context.Context, e queue.Event) (status.Update, bool) {
	p, hasPct, err := status.ParseProgress(e.Data)
	if err != nil {
		in.log.Warn(ctx, "Ignoring malformed progress", "job_id", e.JobID, "error", err)
		return status.Update{}, false
	}

	pct := p.Percentage
	if !hasPct {
		pct = 0
		if cached, ok := in.store.Get(e.JobID); ok {
			pct = cached.Progress.Percentage
		}
	}
	msg := p.Log
	if msg == "" {
		msg = status.ProgressMessage(pct)
	}

	progress := status.Percent(pct)
	return status.Update{
		Status:   status.StateActive,
		Progress: &progress,
		Logs:     in.line(msg),
	}, true
}

func (in *Ingestor) onCompleted(e queue.Event) status.Update {
	done := status.Percent(100)
	return status.Update{
		Status:   status.StateCompleted,
		Progress: &done,
		Result:   e.ReturnValue,
		Logs:     in.line(status.MsgCompleted),
	}
}

func (in *Ingestor) onFailed(e queue.Event) status.Update {
	return status.Update{
		Status: status.StateFailed,
		Error:  e.FailedReason,
		Logs:   in.line(status.FailedMessage(e.FailedReason)),
	}
}
