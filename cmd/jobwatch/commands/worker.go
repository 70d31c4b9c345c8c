package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/ncobase/jobwatch/concurrency/worker"
	"github.com/ncobase/jobwatch/config"
	"github.com/ncobase/jobwatch/internal/app"
	"github.com/ncobase/jobwatch/runner"
	"github.com/spf13/cobra"
)

func newWorkerCmd(setup func(*cobra.Command) (*runtime, error)) *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Process jobs from the Redis queue",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := setup(cmd)
			if err != nil {
				return err
			}
			defer rt.close()

			if rt.cfg.Queue.Backend != config.BackendRedis {
				return fmt.Errorf("worker needs the redis backend, got %q", rt.cfg.Queue.Backend)
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return work(ctx, rt)
		},
	}
}

func work(ctx context.Context, rt *runtime) error {
	pc, err := poolConfig(rt.cfg.Worker)
	if err != nil {
		return err
	}

	a, err := app.New(ctx, rt.cfg, rt.log)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			rt.log.Warn(context.Background(), "Failed to close queue", "error", err)
		}
	}()

	pool := worker.NewPool(pc, worker.WithErrorHandler(func(err error) {
		rt.log.Debug(context.Background(), "Task finished with error", "error", err)
	}))
	pool.Start()
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		pool.Stop(stopCtx)
	}()

	r := runner.New(a.Work, pool, runner.WithLogger(rt.log))
	runner.RegisterBuiltInHandlers(r, rt.cfg.Worker.StepDelay)
	return r.Run(ctx)
}
