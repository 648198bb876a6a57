package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/tendant/vstore/pkg/vstore"
	"github.com/tendant/vstore/pkg/vstore/config"
	"github.com/tendant/vstore/pkg/vstore/jobs"
	"github.com/tendant/vstore/pkg/vstore/logging"
)

// NewRootCommand creates the worker command tree
func NewRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "vstore-worker",
		Short: "Background jobs of the versioned content store",
		Long: `Runs the background jobs of the versioned content store until interrupted.

Configuration is read from VSTORE_* environment variables and an optional .env file.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.SetFlagErrorFunc(func(cmd *cobra.Command, err error) error {
		return &vstore.ArgumentError{Job: cmd.Name(), Arg: "flags", Value: "", Err: err}
	})

	rootCmd.AddCommand(NewCollectCommand())
	rootCmd.AddCommand(NewProduceCommand())
	return rootCmd
}

// NewCollectCommand creates the collect command group
func NewCollectCommand() *cobra.Command {
	cmd := newGroupCommand("collect", "Collect unreferenced data")
	cmd.AddCommand(newJobCommand(
		jobs.CleanupJobName+" <batchSize> <delay>",
		"Delete unreferenced expired binaries in batches",
		`Repeatedly deletes up to <batchSize> binaries that no surviving object version
references and that are older than VSTORE_BINARY_EXPIRATION, then waits <delay>.
<delay> is a number of seconds or a duration such as 1m30s.`,
	))
	return cmd
}

// NewProduceCommand creates the produce command group
func NewProduceCommand() *cobra.Command {
	cmd := newGroupCommand("produce", "Produce data for other systems")
	cmd.AddCommand(newJobCommand(
		jobs.EventsJobName+" <mode>",
		"Publish object history events",
		`Publishes one event per object version (mode "versions") or per referenced
binary (mode "binaries") in creation order, resuming from the persisted cursor.`,
	))
	return cmd
}

// newGroupCommand creates a command whose arguments name a job. Without
// arguments it shows help.
func newGroupCommand(name, short string) *cobra.Command {
	return &cobra.Command{
		Use:   name + " <job> [args...]",
		Short: short,
		Args:  cobra.ArbitraryArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 {
				return cmd.Help()
			}
			return runJob(cmd.Context(), cmd.Name(), args[0], args[1:])
		},
	}
}

func newJobCommand(use, short, long string) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Long:  long,
		Args:  cobra.ArbitraryArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runJob(cmd.Context(), cmd.Parent().Name(), cmd.Name(), args)
		},
	}
}

// runJob assembles the worker from configuration and runs one job until
// ctx is cancelled. The job name and arguments are checked first, so usage
// errors are reported even when configuration or backends are unavailable.
func runJob(ctx context.Context, workerName, jobName string, args []string) (err error) {
	if err := jobs.ValidateArgs(jobName, args); err != nil {
		return err
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	logger := logging.Setup(cfg.LogLevel, cfg.LogFormat, os.Stderr)

	app, err := config.Build(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to build worker: %w", err)
	}
	defer func() {
		err = errors.Join(err, app.Close())
	}()

	if cfg.MetricsAddr != "" {
		srv := startMetricsServer(cfg.MetricsAddr, newRouter(app), logger)
		defer srv.shutdown()
	}

	return app.Runner.Run(ctx, workerName, jobName, args)
}
