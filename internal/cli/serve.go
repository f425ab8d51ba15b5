package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/lockstep/internal/apps"
	"github.com/roach88/lockstep/internal/config"
	"github.com/roach88/lockstep/internal/dist"
	"github.com/roach88/lockstep/internal/logging"
	"github.com/roach88/lockstep/internal/transport"
)

// shutdownTimeout bounds how long serve spends closing sessions and
// connections after a signal.
const shutdownTimeout = 30 * time.Second

// ServeOptions holds flags for the serve command.
type ServeOptions struct {
	*RootOptions
	Listen  string
	Workers int
}

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ServeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve sessions over HTTP",
		Long: `Start the HTTP server that creates sessions and exchanges messages with
their peers by long polling or websocket.

With workers set to 0 sessions run in this process. Otherwise that many
worker processes are started and sessions are spread across them.

Example:
  lockstep serve --listen :8080
  lockstep serve --config lockstep.yaml --workers 4`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Listen, "listen", "", "listen address (overrides config)")
	cmd.Flags().IntVar(&opts.Workers, "workers", 0, "worker processes, 0 for in-process (overrides config)")

	return cmd
}

func runServe(opts *ServeOptions, cmd *cobra.Command) error {
	cfg, err := loadConfig(opts.RootOptions)
	if err != nil {
		return err
	}
	if cmd.Flags().Changed("listen") {
		cfg.Listen = opts.Listen
	}
	if cmd.Flags().Changed("workers") {
		cfg.Workers = opts.Workers
	}
	if err := cfg.Validate(); err != nil {
		return WrapExitError(ExitCommandError, "invalid config", err)
	}

	logger, err := logging.Setup(cmd.ErrOrStderr(), cfg.Log.Level, cfg.Log.Format, opts.Verbose)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to configure logging", err)
	}

	parentCtx := cmd.Context()
	if parentCtx == nil {
		parentCtx = context.Background()
	}
	ctx, cancel := context.WithCancel(parentCtx)
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	go func() {
		select {
		case sig := <-sigChan:
			logger.Info("received signal, shutting down", "signal", sig)
			cancel()
		case <-ctx.Done():
		}
	}()

	res := &resources{}
	defer res.Close()
	if err := res.openArchive(ctx, cfg.Archive); err != nil {
		return WrapExitError(ExitCommandError, "failed to open archive", err)
	}
	if err := res.openIndex(cfg.Index); err != nil {
		return WrapExitError(ExitCommandError, "failed to open session index", err)
	}
	if err := res.openBroker(ctx, cfg.Broker); err != nil {
		return WrapExitError(ExitCommandError, "failed to open broker", err)
	}

	host, err := newHost(ctx, cfg, opts, res, logger)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to start sessions host", err)
	}

	srv := transport.NewServer(host, transport.Options{
		PollTimeout:    cfg.PollTimeout,
		Archive:        res.archive != nil,
		SuppressStacks: cfg.SuppressStacks,
		Logger:         logger,
	})
	httpSrv := &http.Server{
		Handler:           srv,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ln, err := net.Listen("tcp", cfg.Listen)
	if err != nil {
		closeHost(host, logger)
		return WrapExitError(ExitCommandError, "failed to listen", err)
	}
	logger.Info("serving", "addr", ln.Addr().String(), "workers", cfg.Workers, "archive", cfg.Archive.Backend)
	fmt.Fprintf(cmd.OutOrStdout(), "Listening on %s\n", ln.Addr())

	errc := make(chan error, 1)
	go func() { errc <- httpSrv.Serve(ln) }()

	var serveErr error
	select {
	case <-ctx.Done():
	case serveErr = <-errc:
	}

	// Ending the sessions first releases pending long polls and websockets.
	closeHost(host, logger)
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancelShutdown()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown incomplete", "error", err)
	}

	if serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
		return WrapExitError(ExitFailure, "server error", serveErr)
	}
	logger.Info("server stopped gracefully")
	return nil
}

// newHost builds the in-process host or the worker pool.
func newHost(ctx context.Context, cfg config.Config, opts *ServeOptions, res *resources, logger *slog.Logger) (dist.Host, error) {
	hostOpts := []dist.Option{dist.WithLogger(logger)}
	if res.archive != nil {
		hostOpts = append(hostOpts, dist.WithArchive(res.archive))
	}
	if res.index != nil {
		hostOpts = append(hostOpts, dist.WithIndex(res.index))
	}
	if cfg.Workers == 0 {
		hostOpts = append(hostOpts, dist.WithBroker(res.broker))
		return dist.NewLocalHost(apps.Registry(), hostOpts...), nil
	}

	exe, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("locate executable: %w", err)
	}
	args, err := workerArgs(opts)
	if err != nil {
		return nil, err
	}
	// Workers must outlive the signal context so they can be shut down in
	// order.
	return dist.NewPool(context.WithoutCancel(ctx), cfg.Workers, dist.ProcessDialer(exe, args...), hostOpts...)
}

// workerArgs passes the parent's config and verbosity on to workers.
func workerArgs(opts *ServeOptions) ([]string, error) {
	args := []string{"worker"}
	if opts.Config != "" {
		path, err := filepath.Abs(opts.Config)
		if err != nil {
			return nil, fmt.Errorf("resolve config path: %w", err)
		}
		args = append(args, "--config", path)
	}
	if opts.Verbose {
		args = append(args, "--verbose")
	}
	return args, nil
}

func closeHost(host dist.Host, logger *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := host.Close(ctx); err != nil {
		logger.Warn("sessions did not close cleanly", "error", err)
	}
}
