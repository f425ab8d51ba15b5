package cli

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/lockstep/internal/store"
)

// SessionInfo is one row of sessions list output.
type SessionInfo struct {
	ID        string    `json:"id"`
	App       string    `json:"app"`
	Worker    int       `json:"worker"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NewSessionsCommand creates the sessions command group.
func NewSessionsCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "Query the session index",
	}
	cmd.AddCommand(newSessionsListCommand(rootOpts))
	return cmd
}

func newSessionsListCommand(opts *RootOptions) *cobra.Command {
	var status string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List indexed sessions",
		Long: `List the sessions recorded in the index configured by "index:".

Example:
  lockstep sessions list --config lockstep.yaml --status suspended`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSessionsList(opts, cmd, store.Status(status))
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "only sessions with this status (active|suspended|destroyed)")
	return cmd
}

func runSessionsList(opts *RootOptions, cmd *cobra.Command, status store.Status) error {
	switch status {
	case "", store.StatusActive, store.StatusSuspended, store.StatusDestroyed:
	default:
		return NewExitError(ExitCommandError, fmt.Sprintf("invalid status %q", status))
	}

	cfg, err := loadConfig(opts)
	if err != nil {
		return err
	}
	if cfg.Index == "" {
		return NewExitError(ExitCommandError, "no session index configured")
	}

	res := &resources{}
	defer res.Close()
	if err := res.openIndex(cfg.Index); err != nil {
		return WrapExitError(ExitCommandError, "failed to open session index", err)
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	recs, err := res.index.ListSessions(ctx, status)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to list sessions", err)
	}

	infos := make([]SessionInfo, len(recs))
	for i, rec := range recs {
		infos[i] = SessionInfo{
			ID:        rec.ID,
			App:       rec.App,
			Worker:    rec.Worker,
			Status:    string(rec.Status),
			CreatedAt: rec.CreatedAt,
			UpdatedAt: rec.UpdatedAt,
		}
	}

	out := formatter(opts, cmd)
	return out.Success(infos, func(w io.Writer) {
		if len(infos) == 0 {
			fmt.Fprintln(w, "No sessions found.")
			return
		}
		tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "ID\tAPP\tWORKER\tSTATUS\tUPDATED")
		for _, s := range infos {
			worker := "local"
			if s.Worker >= 0 {
				worker = fmt.Sprint(s.Worker)
			}
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", s.ID, s.App, worker, s.Status, s.UpdatedAt.Format(time.RFC3339))
		}
		tw.Flush()
	})
}
