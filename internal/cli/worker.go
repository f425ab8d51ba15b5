package cli

import (
	"context"
	"errors"
	"os"
	"os/signal"

	"github.com/spf13/cobra"

	"github.com/roach88/lockstep/internal/apps"
	"github.com/roach88/lockstep/internal/dist"
	"github.com/roach88/lockstep/internal/logging"
)

// NewWorkerCommand creates the worker command. Workers are started by
// serve; they are not meant to be run by hand.
func NewWorkerCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:    "worker",
		Short:  "Run sessions for a parent serve process over stdin/stdout",
		Hidden: true,
		Args:   cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWorker(rootOpts, cmd)
		},
	}
}

func runWorker(opts *RootOptions, cmd *cobra.Command) error {
	cfg, err := loadConfig(opts)
	if err != nil {
		return err
	}
	// stdout carries the parent stream, so logs only ever go to stderr.
	logger, err := logging.Setup(cmd.ErrOrStderr(), cfg.Log.Level, cfg.Log.Format, opts.Verbose)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to configure logging", err)
	}
	logger = logger.With("worker", os.Getenv(dist.WorkerIndexEnv))

	// Interrupts reach the whole process group; the parent decides when
	// this worker stops by closing its stdin.
	signal.Ignore(os.Interrupt)

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	res := &resources{}
	defer res.Close()
	if err := res.openArchive(ctx, cfg.Archive); err != nil {
		return WrapExitError(ExitCommandError, "failed to open archive", err)
	}

	wopts := []dist.Option{dist.WithLogger(logger)}
	if res.archive != nil {
		wopts = append(wopts, dist.WithArchive(res.archive))
	}
	w := dist.NewWorker(apps.Registry(), dist.Stdio(), wopts...)
	if err := w.Serve(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return WrapExitError(ExitFailure, "worker stream failed", err)
	}
	return nil
}
