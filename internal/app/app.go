// Package app assembles the queue, event transport and status cache from
// configuration.
package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/ncobase/jobwatch/config"
	"github.com/ncobase/jobwatch/logging/logger"
	"github.com/ncobase/jobwatch/messaging/kafka"
	"github.com/ncobase/jobwatch/messaging/rabbitmq"
	"github.com/ncobase/jobwatch/queue"
	"github.com/ncobase/jobwatch/queue/memory"
	redisq "github.com/ncobase/jobwatch/queue/redis"
	"github.com/ncobase/jobwatch/status"
)

// App holds the wired core components.
type App struct {
	Config *config.Config
	Log    *logger.Logger
	Store  *status.MemoryStore
	// Queue is guarded by a circuit breaker.
	Queue  queue.Queue
	Work   queue.WorkSource
	Events queue.EventSource
	// Counter is nil when the backend cannot report counts.
	Counter queue.Counter

	closers []func() error
}

// New connects the configured backend and event transport.
func New(ctx context.Context, cfg *config.Config, log *logger.Logger) (*App, error) {
	a := &App{Config: cfg, Log: log, Store: status.NewMemoryStore()}
	if err := a.wire(ctx); err != nil {
		_ = a.Close()
		return nil, err
	}
	return a, nil
}

// Options converts the queue section into queue options.
func Options(c *config.Queue) queue.Options {
	return queue.Options{
		Name:             c.Name,
		RemoveOnComplete: c.RemoveOnComplete,
		RemoveOnFail:     c.RemoveOnFail,
		Attempts:         c.Attempts,
		Backoff:          c.Backoff,
	}.Normalize()
}

func (a *App) wire(ctx context.Context) error {
	opts := Options(a.Config.Queue)

	switch a.Config.Queue.Backend {
	case config.BackendMemory:
		if a.Config.Queue.Events != config.EventsRedis {
			a.Log.Warn(ctx, "Memory backend publishes events in process, ignoring transport", "events", a.Config.Queue.Events)
		}
		q := memory.New(opts)
		a.onClose(q.Close)
		a.use(q, q, q, q)
		a.Log.Info(ctx, "Using in-memory queue", "queue", opts.Name)
		return nil

	case config.BackendRedis:
		rdb, err := redisq.Connect(ctx, a.Config.Data.Redis)
		if err != nil {
			return err
		}
		a.onClose(rdb.Close)

		var (
			src     queue.EventSource
			qopts   = []redisq.Option{redisq.WithLogger(a.Log)}
			publish queue.EventPublisher
		)
		switch a.Config.Queue.Events {
		case config.EventsRedis:
		case config.EventsKafka:
			k := kafka.New(a.Config.Data.Kafka, a.Log)
			a.onClose(k.Close)
			src, publish = k, k
		case config.EventsRabbitMQ:
			r, err := rabbitmq.Dial(a.Config.Data.RabbitMQ, a.Log)
			if err != nil {
				return err
			}
			a.onClose(r.Close)
			src, publish = r, r
		default:
			return fmt.Errorf("unknown event transport %q", a.Config.Queue.Events)
		}
		if publish != nil {
			qopts = append(qopts, redisq.WithPublisher(publish))
		}

		q := redisq.New(rdb, opts, qopts...)
		a.onClose(q.Close)
		if src == nil {
			src = q
		}
		a.use(q, q, src, q)
		a.Log.Info(ctx, "Using Redis queue", "queue", opts.Name, "events", a.Config.Queue.Events)
		return nil

	default:
		return fmt.Errorf("unknown queue backend %q", a.Config.Queue.Backend)
	}
}

func (a *App) use(q queue.Queue, work queue.WorkSource, src queue.EventSource, counter queue.Counter) {
	a.Queue = queue.WithBreaker(q, "queue:"+a.Config.Queue.Name)
	a.Work = work
	a.Events = src
	a.Counter = counter
}

func (a *App) onClose(fn func() error) {
	a.closers = append(a.closers, fn)
}

// BreakerState reports the circuit breaker state of the queue.
func (a *App) BreakerState() string {
	if s, ok := a.Queue.(interface{ State() string }); ok {
		return s.State()
	}
	return ""
}

// Close releases resources in reverse order of acquisition.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
