package main

import (
	"context"
	"fmt"
	"io"
	"sort"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/vertextoedge/offline-sync/internal/domain"
	"github.com/vertextoedge/offline-sync/internal/logger"
	"github.com/vertextoedge/offline-sync/internal/service/storage"
)

func newStorageCmd(load loader) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "storage",
		Short: "Inspect and prune local storage",
	}
	cmd.AddCommand(newStorageReportCmd(load), newStorageCleanupCmd(load))
	return cmd
}

func newStorageReportCmd(load loader) *cobra.Command {
	return &cobra.Command{
		Use:   "report",
		Short: "Print usage, analytics and cleanup recommendations",
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

			printReport(ctx, cmd.OutOrStdout(), a.storage)
			return nil
		},
	}
}

func printReport(ctx context.Context, out io.Writer, acc *storage.Accountant) {
	usage := acc.Usage(ctx)
	fmt.Fprintf(out, "Usage: %s of %s (%.1f%%), %d downloads, %s available\n",
		humanize.Bytes(uint64(usage.UsedBytes)),
		humanize.Bytes(uint64(usage.TotalBytes)),
		usage.UsagePercent,
		usage.CompletedCount,
		humanize.Bytes(uint64(usage.AvailableBytes)))

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "\nKIND\tCOUNT\tTOTAL\tAVERAGE")
	kinds := acc.ByContentKind(ctx)
	for _, k := range domain.ContentKinds {
		u := kinds[k]
		fmt.Fprintf(tw, "%s\t%d\t%s\t%s\n", k, u.Count,
			humanize.Bytes(uint64(u.TotalBytes)), humanize.Bytes(uint64(u.AverageBytes)))
	}
	tw.Flush()

	an := acc.Analytics(ctx)
	fmt.Fprintf(out, "\nDownloads: %d total, %d completed, %d failed, success rate %.0f%%\n",
		an.TotalDownloads, an.Completed, an.Failed, an.SuccessRate*100)
	fmt.Fprintf(out, "Cleanups: %d runs, %s reclaimed\n",
		an.CleanupRuns, humanize.Bytes(uint64(an.CumulativeSavedBytes)))

	rec := acc.Recommendations(ctx)
	fmt.Fprintf(out, "\nReclaimable: %s\n", humanize.Bytes(uint64(rec.ReclaimableBytes)))
	suggestions := append([]string(nil), rec.Suggestions...)
	sort.Strings(suggestions)
	for _, s := range suggestions {
		fmt.Fprintf(out, "  - %s\n", s)
	}

	fmt.Fprintf(out, "\nHealth score: %d/100\n", acc.HealthScore(ctx))
}

func newStorageCleanupCmd(load loader) *cobra.Command {
	var opts storage.CleanupOptions
	var minSizeMB int

	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Remove downloads by category",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !opts.RemoveOldContent && !opts.RemoveFailedDownloads && !opts.RemoveRarelyUsed && !opts.RemoveDuplicates {
				return fmt.Errorf("select at least one of --old, --failed, --rarely-used, --duplicates")
			}

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

			if opts.AgeThresholdDays == 0 {
				opts.AgeThresholdDays = cfg.Storage.CleanupAgeDays
			}
			if minSizeMB > 0 {
				opts.SizeThresholdBytes = int64(minSizeMB) * 1024 * 1024
			} else {
				opts.SizeThresholdBytes = cfg.Storage.GetCleanupMinSize()
			}

			res, err := a.storage.Cleanup(ctx, opts)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			for _, line := range res.Summary {
				fmt.Fprintln(out, line)
			}
			fmt.Fprintf(out, "Removed %d downloads, freed %s\n", res.RemovedCount, humanize.Bytes(uint64(res.FreedBytes)))
			return nil
		},
	}

	cmd.Flags().BoolVar(&opts.RemoveOldContent, "old", false, "Remove downloads older than --age-days")
	cmd.Flags().BoolVar(&opts.RemoveFailedDownloads, "failed", false, "Remove failed downloads")
	cmd.Flags().BoolVar(&opts.RemoveRarelyUsed, "rarely-used", false, "Remove downloads not updated recently")
	cmd.Flags().BoolVar(&opts.RemoveDuplicates, "duplicates", false, "Remove older copies of the same title")
	cmd.Flags().IntVar(&opts.AgeThresholdDays, "age-days", 0, "Age threshold in days (default from config)")
	cmd.Flags().IntVar(&minSizeMB, "min-size-mb", 0, "Only remove files at least this large (default from config)")
	return cmd
}
