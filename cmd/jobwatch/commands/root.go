// Package commands implements the jobwatch command line.
package commands

import (
	"context"
	"fmt"

	"github.com/ncobase/jobwatch/config"
	"github.com/ncobase/jobwatch/logging/logger"
	"github.com/ncobase/jobwatch/logging/observes"
	"github.com/ncobase/jobwatch/version"
	"github.com/spf13/cobra"
)

// runtime carries what every long-running command needs.
type runtime struct {
	cfg     *config.Config
	log     *logger.Logger
	cleanup []func()
}

func (r *runtime) close() {
	for i := len(r.cleanup) - 1; i >= 0; i-- {
		r.cleanup[i]()
	}
}

// NewRootCmd creates the jobwatch command tree.
func NewRootCmd() *cobra.Command {
	var confPath string

	root := &cobra.Command{
		Use:           "jobwatch",
		Short:         "Job status reconciliation and broadcast service",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&confPath, "conf", "c", "", "config file path")

	setup := func(cmd *cobra.Command) (*runtime, error) {
		return setupRuntime(cmd.Context(), confPath)
	}

	root.AddCommand(
		newServeCmd(setup),
		newWorkerCmd(setup),
		newVersionCmd(),
	)
	return root
}

// setupRuntime loads configuration, then starts logging and tracing.
func setupRuntime(ctx context.Context, confPath string) (*runtime, error) {
	if confPath != "" {
		config.SetPath(confPath)
	}
	cfg, err := config.Init()
	if err != nil {
		return nil, err
	}

	rt := &runtime{cfg: cfg, log: logger.StdLogger()}
	cleanup, err := rt.log.Init(cfg.Logger)
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}
	rt.cleanup = append(rt.cleanup, cleanup)
	rt.log.SetVersion(version.GetVersionInfo().Version)

	if cfg.Observes.Tracer.Enabled() {
		t := cfg.Observes.Tracer
		shutdown, err := observes.NewTracer(ctx, &observes.TracerOption{
			URL:                t.Endpoint,
			Name:               t.ServiceName,
			Version:            t.ServiceVersion,
			Environment:        t.Environment,
			SamplingRate:       t.SamplingRate,
			BatchTimeout:       t.BatchTimeout,
			ExportTimeout:      t.ExportTimeout,
			MaxExportBatchSize: t.MaxExportBatchSize,
		})
		if err != nil {
			rt.close()
			return nil, fmt.Errorf("init tracer: %w", err)
		}
		rt.cleanup = append(rt.cleanup, func() {
			if err := shutdown(context.Background()); err != nil {
				rt.log.Warn(context.Background(), "Failed to flush traces", "error", err)
			}
		})
		rt.log.Info(ctx, "Tracing enabled", "endpoint", t.Endpoint)
	}

	config.Watch(func(c *config.Config) {
		rt.log.SetLevelValue(c.Logger.Level)
		rt.log.Info(context.Background(), "Configuration reloaded", "log_level", c.Logger.Level)
	})
	return rt, nil
}

func newVersionCmd() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		RunE: func(cmd *cobra.Command, args []string) error {
			info := version.GetVersionInfo()
			if !asJSON {
				fmt.Fprintln(cmd.OutOrStdout(), info.String())
				return nil
			}
			out, err := info.JSON()
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), out)
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print as JSON")
	return cmd
}
