package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/olebedev/when"
	"github.com/olebedev/when/rules/common"
	"github.com/olebedev/when/rules/en"
	"github.com/spf13/cobra"

	"github.com/ezcar24/dealersync/internal/record"
	dealersync "github.com/ezcar24/dealersync/internal/sync"
	"github.com/ezcar24/dealersync/internal/ui"
)

var syncCmd = &cobra.Command{
	Use:     "sync",
	GroupID: "sync",
	Short:   "Full two-way sync",
	Long: `Run a full sync for the configured dealer.

This performs:
  1. Replay of the offline queue
  2. Pull of remote changes (everything on the first run)
  3. Merge into the local database
  4. Push of every local record
  5. Second replay of the offline queue`,
	RunE: func(cmd *cobra.Command, args []string) error {
		jsonOut, _ := cmd.Flags().GetBool("json")
		return withApp(cmd, func(ctx context.Context, a *app) error {
			synced, err := a.store.HasSynced(ctx, a.dealer())
			if err != nil {
				return err
			}
			stop := func() {}
			if !synced && !jsonOut {
				stop = ui.StartSpinner(os.Stdout, "Downloading dealer data for the first time...")
			}
			report, err := a.engine.FullSync(ctx, a.dealer())
			stop()
			return finishSync(cmd, report, err, jsonOut)
		})
	},
}

var pullCmd = &cobra.Command{
	Use:     "pull",
	GroupID: "sync",
	Short:   "Pull remote changes without pushing",
	Long: `Pull and merge remote changes for the configured dealer.

With --force everything is pulled again and local records that no longer
exist remotely are removed, unless they still have queued changes.

--since resets the pull window and accepts dates ("2025-05-01"), timestamps
(RFC 3339) or phrases such as "yesterday" or "last monday".`,
	RunE: func(cmd *cobra.Command, args []string) error {
		force, _ := cmd.Flags().GetBool("force")
		sinceText, _ := cmd.Flags().GetString("since")
		jsonOut, _ := cmd.Flags().GetBool("json")
		if force && sinceText != "" {
			return errors.New("--force and --since are mutually exclusive")
		}

		return withApp(cmd, func(ctx context.Context, a *app) error {
			if sinceText != "" {
				since, err := parseSince(sinceText, time.Now())
				if err != nil {
					return err
				}
				// The fetch backs off by the drift buffer from the watermark.
				if err := a.store.SetWatermark(ctx, a.dealer(), since.Add(dealersync.DriftBuffer)); err != nil {
					return err
				}
			}
			report, err := a.engine.FastPull(ctx, a.dealer(), force)
			return finishSync(cmd, report, err, jsonOut)
		})
	},
}

var dedupeCmd = &cobra.Command{
	Use:     "dedupe",
	GroupID: "sync",
	Short:   "Remove duplicate records from the backend",
	Long: `Delete remote users, accounts, vehicles and clients that share a name,
account type, VIN or phone with a better record, then pull the result.

Accounts keep the one with a balance; others keep the most recently created.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		jsonOut, _ := cmd.Flags().GetBool("json")
		return withApp(cmd, func(ctx context.Context, a *app) error {
			result, err := a.engine.DeduplicateRemote(ctx, a.dealer())
			if err != nil {
				return err
			}
			if jsonOut {
				return printJSON(cmd.OutOrStdout(), result)
			}
			w := cmd.OutOrStdout()
			total := 0
			for _, kind := range []record.EntityType{record.User, record.Account, record.Vehicle, record.Client} {
				if n := result.Deleted[kind]; n > 0 {
					fmt.Fprintf(w, "   Removed %d duplicate %s records\n", n, kind)
					total += n
				}
			}
			if total == 0 {
				fmt.Fprintf(w, "%s No remote duplicates\n", ui.RenderPass("✓"))
			}
			if result.Failed > 0 {
				fmt.Fprintf(w, "%s %d deletes failed\n", ui.RenderWarn("⚠"), result.Failed)
			}
			if result.Report != nil {
				printReport(w, result.Report)
			}
			return nil
		})
	},
}

func finishSync(cmd *cobra.Command, report *dealersync.Report, err error, jsonOut bool) error {
	if errors.Is(err, dealersync.ErrSyncInProgress) {
		fmt.Fprintf(cmd.OutOrStdout(), "%s A sync is already running\n", ui.RenderWarn("⚠"))
		return nil
	}
	if err != nil {
		return err
	}
	if jsonOut {
		return printJSON(cmd.OutOrStdout(), report)
	}
	printReport(cmd.OutOrStdout(), report)
	verbose, _ := cmd.Flags().GetBool("verbose")
	if verbose {
		printMergeTable(cmd.OutOrStdout(), report.Merge)
	}
	return nil
}

// withApp opens the engine for one command and closes it afterwards.
func withApp(cmd *cobra.Command, fn func(ctx context.Context, a *app) error) error {
	ctx := cmd.Context()
	a, err := openApp(ctx, cfg, logger, nil)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

// withLocal opens only the local database and queue.
func withLocal(cmd *cobra.Command, fn func(ctx context.Context, a *app) error) error {
	ctx := cmd.Context()
	a, err := openLocal(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

var timeParser = func() *when.Parser {
	p := when.New(nil)
	p.Add(en.All...)
	p.Add(common.All...)
	return p
}()

// parseSince accepts RFC 3339, a plain date, or a natural-language phrase
// relative to now.
func parseSince(s string, now time.Time) (time.Time, error) {
	s = strings.TrimSpace(s)
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	if t, err := time.ParseInLocation("2006-01-02", s, now.Location()); err == nil {
		return t, nil
	}
	r, err := timeParser.Parse(s, now)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse --since %q: %w", s, err)
	}
	if r == nil {
		return time.Time{}, fmt.Errorf("could not understand --since %q", s)
	}
	if r.Time.After(now) {
		return time.Time{}, fmt.Errorf("--since %q is in the future", s)
	}
	return r.Time, nil
}

func init() {
	for _, c := range []*cobra.Command{syncCmd, pullCmd, dedupeCmd} {
		c.Flags().Bool("json", false, "print the report as JSON")
		rootCmd.AddCommand(c)
	}
	syncCmd.Flags().BoolP("verbose", "v", false, "show per-entity merge counts")
	pullCmd.Flags().BoolP("verbose", "v", false, "show per-entity merge counts")
	pullCmd.Flags().Bool("force", false, "pull everything and remove records deleted remotely")
	pullCmd.Flags().String("since", "", "pull changes since this time")
}
