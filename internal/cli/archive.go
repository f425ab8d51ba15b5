package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/spf13/cobra"

	"github.com/roach88/lockstep/internal/apps"
	"github.com/roach88/lockstep/internal/canon"
	"github.com/roach88/lockstep/internal/journal"
	"github.com/roach88/lockstep/internal/protocol"
	"github.com/roach88/lockstep/internal/session"
)

// ArchiveSummary describes one stored archive.
type ArchiveSummary struct {
	Session     string   `json:"session"`
	Full        bool     `json:"full"`
	Entries     int      `json:"entries"`
	Events      []string `json:"events"`
	Channels    []int64  `json:"channels,omitempty"`
	Fingerprint string   `json:"fingerprint"`
}

// VerifyResult is the outcome of replaying an archive through its app.
type VerifyResult struct {
	Session            string   `json:"session"`
	App                string   `json:"app"`
	ArchiveFingerprint string   `json:"archive_fingerprint"`
	ArchivedEvents     string   `json:"archived_events"`
	ReplayedEvents     string   `json:"replayed_events"`
	Diagnostics        []string `json:"diagnostics,omitempty"`
	Deterministic      bool     `json:"deterministic"`
}

// NewArchiveCommand creates the archive command group.
func NewArchiveCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "archive",
		Short: "Inspect, verify and purge session archives",
	}
	cmd.AddCommand(newArchiveListCommand(rootOpts))
	cmd.AddCommand(newArchiveInspectCommand(rootOpts))
	cmd.AddCommand(newArchiveVerifyCommand(rootOpts))
	cmd.AddCommand(newArchivePurgeCommand(rootOpts))
	return cmd
}

func newArchiveListCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List archived sessions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withArchive(opts, cmd, func(ctx context.Context, backend journal.Backend) error {
				lister, ok := backend.(journal.Lister)
				if !ok {
					return NewExitError(ExitCommandError, "archive backend cannot list sessions")
				}
				ids, err := lister.List(ctx)
				if err != nil {
					return WrapExitError(ExitCommandError, "failed to list archives", err)
				}
				if ids == nil {
					ids = []string{}
				}
				out := formatter(opts, cmd)
				return out.Success(ids, func(w io.Writer) {
					if len(ids) == 0 {
						fmt.Fprintln(w, "No archives found.")
						return
					}
					for _, id := range ids {
						fmt.Fprintln(w, id)
					}
				})
			})
		},
	}
}

func newArchiveInspectCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "inspect <session-id>",
		Short: "Show the events stored in an archive",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withArchive(opts, cmd, func(ctx context.Context, backend journal.Backend) error {
				a, err := loadArchive(ctx, backend, args[0])
				if err != nil {
					return err
				}
				summary, err := summarize(args[0], a)
				if err != nil {
					return WrapExitError(ExitFailure, "failed to fingerprint archive", err)
				}
				out := formatter(opts, cmd)
				return out.Success(summary, func(w io.Writer) {
					state := "partial"
					if summary.Full {
						state = "sealed"
					}
					fmt.Fprintf(w, "Session %s (%s, %d entries)\n", summary.Session, state, summary.Entries)
					for _, e := range a.Entries {
						if e.Marker {
							fmt.Fprintf(w, "  -- server channel open: %t\n", e.Open)
							continue
						}
						fmt.Fprintf(w, "  %s\n", e.Event.String())
					}
					if summary.Full {
						fmt.Fprintf(w, "Open channels: %v\n", summary.Channels)
					}
					fmt.Fprintf(w, "Fingerprint: %s\n", summary.Fingerprint)
				})
			})
		},
	}
}

// Archives outlive their sessions; purge is the only way one is deleted.
func newArchivePurgeCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "purge <session-id>...",
		Short: "Delete stored archives",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withArchive(opts, cmd, func(ctx context.Context, backend journal.Backend) error {
				for _, id := range args {
					if err := backend.Remove(ctx, id); err != nil {
						return WrapExitError(ExitFailure, fmt.Sprintf("failed to purge archive %s", id), err)
					}
				}
				out := formatter(opts, cmd)
				return out.Success(args, func(w io.Writer) {
					for _, id := range args {
						fmt.Fprintf(w, "Purged %s\n", id)
					}
				})
			})
		},
	}
}

func newArchiveVerifyCommand(opts *RootOptions) *cobra.Command {
	var (
		appName string
		expect  string
	)
	cmd := &cobra.Command{
		Use:   "verify <session-id>",
		Short: "Replay an archive and check the app reproduces it",
		Long: `Replay an archive through its app in a scratch session and compare the
server events the app produces against the archived ones.

Exit codes:
  0 - Replay reproduced the archive
  1 - Replay diverged, or the fingerprint differs from --expect
  2 - Command error (archive not found, unknown app, etc.)

Example:
  lockstep archive verify --app counter 0190a3c2-...`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withArchive(opts, cmd, func(ctx context.Context, backend journal.Backend) error {
				res, err := verifyArchive(ctx, backend, apps.Registry(), args[0], appName)
				if err != nil {
					return err
				}
				if expect != "" && expect != res.ArchiveFingerprint {
					res.Deterministic = false
					res.Diagnostics = append(res.Diagnostics, "archive fingerprint differs from --expect")
				}
				out := formatter(opts, cmd)
				if err := out.Success(res, func(w io.Writer) {
					fmt.Fprintf(w, "Session %s (app %s)\n", res.Session, res.App)
					fmt.Fprintf(w, "  archive:         %s\n", res.ArchiveFingerprint)
					fmt.Fprintf(w, "  archived events: %s\n", res.ArchivedEvents)
					fmt.Fprintf(w, "  replayed events: %s\n", res.ReplayedEvents)
					for _, d := range res.Diagnostics {
						fmt.Fprintf(w, "  ! %s\n", d)
					}
					if res.Deterministic {
						fmt.Fprintln(w, "Replay reproduced the archive.")
					} else {
						fmt.Fprintln(w, "Replay DIVERGED from the archive.")
					}
				}); err != nil {
					return err
				}
				if !res.Deterministic {
					return NewExitError(ExitFailure, "replay diverged from archive")
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&appName, "app", "", "app the session ran (required)")
	cmd.Flags().StringVar(&expect, "expect", "", "expected archive fingerprint")
	_ = cmd.MarkFlagRequired("app")
	return cmd
}

// withArchive opens the configured archive backend for fn.
func withArchive(opts *RootOptions, cmd *cobra.Command, fn func(ctx context.Context, backend journal.Backend) error) error {
	cfg, err := loadConfig(opts)
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	res := &resources{}
	defer res.Close()
	if err := res.openArchive(ctx, cfg.Archive); err != nil {
		return WrapExitError(ExitCommandError, "failed to open archive", err)
	}
	if res.archive == nil {
		return NewExitError(ExitCommandError, "no archive backend configured")
	}
	return fn(ctx, res.archive)
}

func formatter(opts *RootOptions, cmd *cobra.Command) *OutputFormatter {
	return &OutputFormatter{Format: opts.Format, Writer: cmd.OutOrStdout()}
}

func loadArchive(ctx context.Context, backend journal.Backend, id string) (*journal.Archive, error) {
	data, err := backend.Load(ctx, id)
	if err != nil {
		if errors.Is(err, journal.ErrNotFound) {
			return nil, WrapExitError(ExitCommandError, fmt.Sprintf("no archive for session %s", id), err)
		}
		return nil, WrapExitError(ExitCommandError, "failed to load archive", err)
	}
	a, err := journal.Parse(data)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to parse archive", err)
	}
	return a, nil
}

func summarize(id string, a *journal.Archive) (ArchiveSummary, error) {
	events := wire(a.Events())
	fp, err := canon.Fingerprint(canon.DomainArchive, events)
	if err != nil {
		return ArchiveSummary{}, err
	}
	return ArchiveSummary{
		Session:     id,
		Full:        a.Full,
		Entries:     len(a.Entries),
		Events:      events,
		Channels:    a.Channels,
		Fingerprint: fp,
	}, nil
}

func wire(evs []protocol.Event) []string {
	out := make([]string, len(evs))
	for i, ev := range evs {
		out[i] = ev.String()
	}
	return out
}

// verifyArchive resumes a copy of the archive in a scratch session and
// collects the server events observed while it replays. Events on channels
// past the last archived one belong to work the app starts after the
// replay and are not compared.
func verifyArchive(ctx context.Context, backend journal.Backend, registry *session.Registry, id, appName string) (VerifyResult, error) {
	app, err := registry.Lookup(appName)
	if err != nil {
		return VerifyResult{}, WrapExitError(ExitCommandError, "unknown app", err)
	}
	data, err := backend.Load(ctx, id)
	if err != nil {
		return VerifyResult{}, WrapExitError(ExitCommandError, fmt.Sprintf("no archive for session %s", id), err)
	}
	a, err := journal.Parse(data)
	if err != nil {
		return VerifyResult{}, WrapExitError(ExitCommandError, "failed to parse archive", err)
	}

	scratch := journal.NewMemoryBackend()
	if err := scratch.Append(ctx, id, data); err != nil {
		return VerifyResult{}, WrapExitError(ExitCommandError, "failed to copy archive", err)
	}

	var (
		mu       sync.Mutex
		observed []protocol.Event
		diags    []string
		diverged bool
	)
	s := session.New(id, app, session.Nobody{},
		session.WithArchive(scratch),
		session.WithLogger(slog.New(slog.DiscardHandler)),
		session.WithEventObserver(func(ev protocol.Event) {
			mu.Lock()
			defer mu.Unlock()
			observed = append(observed, ev)
		}),
		session.WithDiagnostics(func(d session.Diagnostic) {
			mu.Lock()
			defer mu.Unlock()
			diags = append(diags, fmt.Sprintf("%s on channel %d: %s", d.Kind, d.Channel, d.Message))
			if d.Kind != session.ValidationFailure {
				diverged = true
			}
		}),
	)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- s.Run(runCtx) }()

	replayErr := s.Unarchive(ctx)
	mu.Lock()
	replayed := append([]protocol.Event(nil), observed...)
	mu.Unlock()
	if err := s.Destroy(ctx); err != nil {
		slog.Debug("scratch session not destroyed", "session_id", id, "error", err)
	}
	cancel()
	<-done
	if replayErr != nil {
		return VerifyResult{}, WrapExitError(ExitFailure, "replay failed", replayErr)
	}

	var archived []protocol.Event
	var last int64
	for _, ev := range a.Events() {
		if ev.Channel > 0 {
			archived = append(archived, ev)
			last = max(last, ev.Channel)
		}
	}
	var produced []protocol.Event
	for _, ev := range replayed {
		if ev.Channel > 0 && ev.Channel <= last {
			produced = append(produced, ev)
		}
	}

	want, err := canon.Fingerprint(canon.DomainEvents, wire(archived))
	if err != nil {
		return VerifyResult{}, WrapExitError(ExitFailure, "failed to fingerprint archive", err)
	}
	got, err := canon.Fingerprint(canon.DomainEvents, wire(produced))
	if err != nil {
		return VerifyResult{}, WrapExitError(ExitFailure, "failed to fingerprint replay", err)
	}
	summary, err := summarize(id, a)
	if err != nil {
		return VerifyResult{}, WrapExitError(ExitFailure, "failed to fingerprint archive", err)
	}

	mu.Lock()
	defer mu.Unlock()
	return VerifyResult{
		Session:            id,
		App:                appName,
		ArchiveFingerprint: summary.Fingerprint,
		ArchivedEvents:     want,
		ReplayedEvents:     got,
		Diagnostics:        diags,
		Deterministic:      want == got && !diverged,
	}, nil
}
