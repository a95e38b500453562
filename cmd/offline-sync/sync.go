package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/vertextoedge/offline-sync/internal/logger"
	"github.com/vertextoedge/offline-sync/internal/service/syncqueue"
)

func newSyncCmd(load loader) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Inspect the sync queue",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Print sync queue status and progress",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := load()
			if err != nil {
				return err
			}
			defer logger.Sync()

			ctx := cmd.Context()
			a, err := newApp(ctx, cfg, log, true)
			if err != nil {
				return err
			}
			defer a.close(context.WithoutCancel(ctx))

			printSyncStatus(cmd.OutOrStdout(), a.sync.StatusSummary(ctx), a.sync.Progress())
			return nil
		},
	})
	return cmd
}

func printSyncStatus(out io.Writer, st syncqueue.StatusSummary, p syncqueue.Progress) {
	state := "idle"
	switch {
	case st.Paused:
		state = "paused"
	case st.Running:
		state = "running"
	}
	fmt.Fprintf(out, "State: %s\n", state)
	fmt.Fprintf(out, "Last sync: %s\n", formatTime(st.LastSyncAt))
	fmt.Fprintf(out, "Last update check: %s\n", formatTime(st.LastCheckAt))
	if st.LastError != "" {
		fmt.Fprintf(out, "Last error: %s\n", st.LastError)
	}
	fmt.Fprintf(out, "Totals: %d succeeded, %d failed\n", st.SuccessCount, st.FailureCount)
	fmt.Fprintf(out, "Queue: %d items (%d pending, %d in progress, %d completed, %d failed, %d in conflict)\n",
		p.Total, p.Pending, p.InProgress, p.Completed, p.Failed, p.Conflicted)
	fmt.Fprintf(out, "Open conflicts: %d\n", st.OpenConflicts)
	if p.EstimatedRemaining > 0 {
		fmt.Fprintf(out, "Estimated remaining: %s\n", p.EstimatedRemaining.Round(time.Second))
	}
}

func formatTime(t *time.Time) string {
	if t == nil {
		return "never"
	}
	return t.Local().Format(time.RFC3339)
}
