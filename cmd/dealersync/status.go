package main

import (
	"context"
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/ezcar24/dealersync/internal/record"
	"github.com/ezcar24/dealersync/internal/ui"
)

var statusCmd = &cobra.Command{
	Use:     "status",
	GroupID: "inspect",
	Short:   "Show local sync status",
	Long: `Display the local state for the configured dealer without contacting
the backend.

Shows:
  - Database location and size
  - Last successful pull
  - Offline queue depth and dead letters
  - Local record counts per entity`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withLocal(cmd, func(ctx context.Context, a *app) error {
			w := cmd.OutOrStdout()

			watermark, ok, err := a.store.Watermark(ctx, a.dealer())
			if err != nil {
				return err
			}
			depth, err := a.queue.Count(ctx, a.dealer())
			if err != nil {
				return err
			}
			dead, err := a.queue.DeadLetters(ctx, a.dealer())
			if err != nil {
				return err
			}
			counts, err := a.store.CountAll(ctx, a.dealer())
			if err != nil {
				return err
			}

			fmt.Fprintf(w, "\n%s Sync Status\n\n", ui.RenderAccent("📊"))
			fmt.Fprintf(w, "Dealer: %s\n", a.dealer())
			fmt.Fprintf(w, "Database: %s", a.store.Path())
			if info, err := os.Stat(a.store.Path()); err == nil {
				fmt.Fprintf(w, " (%s)", formatSize(info.Size()))
			}
			fmt.Fprintln(w)
			if ok {
				fmt.Fprintf(w, "Last pull: %s\n", watermark.Local().Format("2006-01-02 15:04:05"))
			} else {
				fmt.Fprintf(w, "Last pull: %s\n", ui.RenderWarn("never"))
			}
			fmt.Fprintf(w, "Offline queue: %d", depth)
			if len(dead) > 0 {
				fmt.Fprintf(w, " (%s)", ui.RenderWarn(strconv.Itoa(len(dead))+" dead"))
			}
			fmt.Fprintln(w)
			fmt.Fprintln(w)

			rows := make([][]string, 0, len(record.MergeOrder))
			for _, kind := range record.MergeOrder {
				rows = append(rows, []string{string(kind), strconv.Itoa(counts[kind])})
			}
			fmt.Fprint(w, ui.Table([]string{"ENTITY", "RECORDS"}, rows))
			return nil
		})
	},
}

func formatSize(size int64) string {
	switch {
	case size > 1024*1024:
		return fmt.Sprintf("%.1f MB", float64(size)/(1024*1024))
	case size > 1024:
		return fmt.Sprintf("%.1f KB", float64(size)/1024)
	default:
		return fmt.Sprintf("%d bytes", size)
	}
}

var diagnosticsCmd = &cobra.Command{
	Use:     "diagnostics",
	Aliases: []string{"diag"},
	GroupID: "inspect",
	Short:   "Compare local and remote record counts",
	Long: `Fetch every remote record and compare counts per entity with the local
database, along with the offline queue summary.

A backend failure is reported in the output rather than as an error.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		jsonOut, _ := cmd.Flags().GetBool("json")
		return withApp(cmd, func(ctx context.Context, a *app) error {
			d, err := a.engine.RunDiagnostics(ctx, a.dealer())
			if err != nil {
				return err
			}
			if jsonOut {
				return printJSON(cmd.OutOrStdout(), d)
			}
			printDiagnostics(cmd.OutOrStdout(), d)
			return nil
		})
	},
}

func init() {
	diagnosticsCmd.Flags().Bool("json", false, "print diagnostics as JSON")
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(diagnosticsCmd)
}
