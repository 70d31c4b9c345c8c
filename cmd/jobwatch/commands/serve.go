package commands

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/ncobase/jobwatch/concurrency"
	"github.com/ncobase/jobwatch/concurrency/worker"
	"github.com/ncobase/jobwatch/config"
	"github.com/ncobase/jobwatch/ingest"
	"github.com/ncobase/jobwatch/internal/app"
	"github.com/ncobase/jobwatch/internal/server"
	"github.com/ncobase/jobwatch/job"
	"github.com/ncobase/jobwatch/job/handler"
	"github.com/ncobase/jobwatch/query"
	"github.com/ncobase/jobwatch/realtime"
	"github.com/ncobase/jobwatch/runner"
	"github.com/spf13/cobra"
)

const shutdownGrace = 10 * time.Second

func newServeCmd(setup func(*cobra.Command) (*runtime, error)) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP API and realtime channel",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := setup(cmd)
			if err != nil {
				return err
			}
			defer rt.close()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, rt)
		},
	}
}

func serve(ctx context.Context, rt *runtime) error {
	cfg, log := rt.cfg, rt.log
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	a, err := app.New(ctx, cfg, log)
	if err != nil {
		return err
	}

	limiter, err := concurrency.NewLimiter(int32(cfg.Realtime.MaxQueries))
	if err != nil {
		_ = a.Close()
		return err
	}

	queries := query.New(a.Queue, a.Store, query.WithLogger(log), query.WithTimeout(cfg.Status.FetchTimeout))
	hub := realtime.NewHub(queries,
		realtime.WithLogger(log),
		realtime.WithLimiter(limiter),
		realtime.WithQueryTimeout(cfg.Status.FetchTimeout*2),
	)
	jobs := job.NewService(a.Queue, a.Store, hub, job.WithLogger(log))
	ingestor := ingest.New(a.Store, a.Queue, hub,
		ingest.WithLogger(log),
		ingest.WithFetchTimeout(cfg.Status.FetchTimeout),
		ingest.WithLanes(cfg.Status.IngestLanes),
	)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		if err := ingestor.Run(ctx, a.Events); err != nil {
			log.Error(ctx, "Event ingestion stopped", "error", err)
		}
	}()
	go func() {
		defer wg.Done()
		hub.Run(ctx)
	}()

	opts := []server.Option{
		server.WithRoutes(handler.New(jobs, queries, log)),
		server.WithWebsocket(realtime.NewHandler(ctx, hub, realtime.ClientConfig{
			SendBuffer: cfg.Realtime.SendBuffer,
			WriteWait:  cfg.Realtime.WriteWait,
			PongWait:   cfg.Realtime.PongWait,
		}).Serve),
		server.WithStats("cache", func(context.Context) (any, error) {
			return map[string]int{"jobs": a.Store.Len()}, nil
		}),
		server.WithStats("realtime", func(context.Context) (any, error) {
			return map[string]any{"clients": hub.Clients(), "queries": limiter.GetMetrics()}, nil
		}),
		server.WithStats("queue", func(ctx context.Context) (any, error) {
			if a.Counter == nil {
				return nil, errors.New("queue backend does not report counts")
			}
			counts, err := a.Counter.Counts(ctx)
			if err != nil {
				return nil, err
			}
			return map[string]any{"counts": counts, "breaker": a.BreakerState()}, nil
		}),
	}

	if cfg.Queue.Backend == config.BackendMemory {
		pool, err := startRunner(ctx, rt, a, &wg)
		if err != nil {
			cancel()
			_ = a.Close()
			wg.Wait()
			return err
		}
		opts = append(opts,
			server.WithStats("worker", func(context.Context) (any, error) { return pool.GetMetrics(), nil }),
			server.OnShutdown(func(ctx context.Context) error {
				pool.Stop(ctx)
				return nil
			}),
		)
	}

	// the queue and event source close once HTTP has drained; the ingestor
	// sees its source end and returns
	opts = append(opts, server.OnShutdown(func(context.Context) error { return a.Close() }))

	srv, err := server.New(cfg, log, opts...)
	if err != nil {
		cancel()
		_ = a.Close()
		wg.Wait()
		return err
	}

	err = srv.Run(ctx)
	wg.Wait()
	return err
}

// startRunner runs the built-in handlers in process on a started pool.
func startRunner(ctx context.Context, rt *runtime, a *app.App, wg *sync.WaitGroup) (*worker.Pool, error) {
	pc, err := poolConfig(rt.cfg.Worker)
	if err != nil {
		return nil, err
	}
	pool := worker.NewPool(pc, worker.WithErrorHandler(func(err error) {
		rt.log.Debug(context.Background(), "Task finished with error", "error", err)
	}))
	pool.Start()

	r := runner.New(a.Work, pool, runner.WithLogger(rt.log))
	runner.RegisterBuiltInHandlers(r, rt.cfg.Worker.StepDelay)

	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = r.Run(ctx)
	}()
	return pool, nil
}

func poolConfig(c *config.Worker) (*worker.Config, error) {
	pc := &worker.Config{MaxWorkers: c.MaxWorkers, QueueSize: c.QueueSize, TaskTimeout: c.TaskTimeout}
	if err := pc.Validate(); err != nil {
		return nil, fmt.Errorf("worker config: %w", err)
	}
	return pc, nil
}
