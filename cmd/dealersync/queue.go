package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/ezcar24/dealersync/internal/ui"
)

var queueCmd = &cobra.Command{
	Use:     "queue",
	GroupID: "inspect",
	Short:   "Inspect and manage the offline queue",
	Long: `Inspect the local changes that are waiting to be pushed.

Items are retried with exponential backoff on every sync. Items that exhaust
their attempts become dead letters; requeue them once the cause is fixed.`,
}

var queueListCmd = &cobra.Command{
	Use:   "list",
	Short: "List pending items",
	RunE: func(cmd *cobra.Command, args []string) error {
		jsonOut, _ := cmd.Flags().GetBool("json")
		return withLocal(cmd, func(ctx context.Context, a *app) error {
			items, err := a.queue.Pending(ctx, a.dealer())
			if err != nil {
				return err
			}
			if jsonOut {
				return printJSON(cmd.OutOrStdout(), items)
			}
			printQueueItems(cmd.OutOrStdout(), items)
			return nil
		})
	},
}

var queueSummaryCmd = &cobra.Command{
	Use:   "summary",
	Short: "Count pending items per entity and operation",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withLocal(cmd, func(ctx context.Context, a *app) error {
			rows, err := a.queue.Summary(ctx, a.dealer())
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			if len(rows) == 0 {
				fmt.Fprintf(w, "%s Queue is empty\n", ui.RenderPass("✓"))
				return nil
			}
			table := make([][]string, 0, len(rows))
			for _, r := range rows {
				table = append(table, []string{string(r.Entity), string(r.Operation), fmt.Sprint(r.Count)})
			}
			fmt.Fprint(w, ui.Table([]string{"ENTITY", "OP", "COUNT"}, table))
			return nil
		})
	},
}

var queueDeadCmd = &cobra.Command{
	Use:   "dead",
	Short: "List dead-lettered items",
	RunE: func(cmd *cobra.Command, args []string) error {
		jsonOut, _ := cmd.Flags().GetBool("json")
		return withLocal(cmd, func(ctx context.Context, a *app) error {
			items, err := a.queue.DeadLetters(ctx, a.dealer())
			if err != nil {
				return err
			}
			if jsonOut {
				return printJSON(cmd.OutOrStdout(), items)
			}
			printQueueItems(cmd.OutOrStdout(), items)
			return nil
		})
	},
}

var queueRequeueCmd = &cobra.Command{
	Use:   "requeue <item-id>...",
	Short: "Give dead-lettered items a fresh set of attempts",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withLocal(cmd, func(ctx context.Context, a *app) error {
			for _, id := range args {
				if err := a.queue.Requeue(ctx, id); err != nil {
					return fmt.Errorf("failed to requeue %s: %w", id, err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s Requeued %s\n", ui.RenderPass("✓"), id)
			}
			return nil
		})
	},
}

var queuePurgeCmd = &cobra.Command{
	Use:   "purge",
	Short: "Delete dead-lettered items (or everything with --all)",
	Long: `Delete dead-lettered items from the offline queue.

With --all every pending item is dropped too. Dropped changes stay in the
local database but are never pushed; a later full sync pushes them again.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		all, _ := cmd.Flags().GetBool("all")
		yes, _ := cmd.Flags().GetBool("yes")

		return withLocal(cmd, func(ctx context.Context, a *app) error {
			w := cmd.OutOrStdout()
			if !yes {
				what := "dead-lettered items"
				if all {
					what = "ALL queued changes"
				}
				ok, err := confirm(fmt.Sprintf("Delete %s for dealer %s?", what, a.dealer()))
				if err != nil {
					return err
				}
				if !ok {
					fmt.Fprintln(w, "Aborted")
					return nil
				}
			}

			if all {
				if err := a.queue.Clear(ctx, a.dealer()); err != nil {
					return err
				}
				fmt.Fprintf(w, "%s Queue cleared\n", ui.RenderPass("✓"))
				return nil
			}
			n, err := a.queue.PurgeDead(ctx, a.dealer())
			if err != nil {
				return err
			}
			fmt.Fprintf(w, "%s Purged %d dead items\n", ui.RenderPass("✓"), n)
			return nil
		})
	},
}

// confirm asks a yes/no question on the terminal.
func confirm(title string) (bool, error) {
	if !ui.IsTerminal(os.Stdin) || !ui.IsTerminal(os.Stdout) {
		return false, errors.New("refusing to purge without a terminal; pass --yes")
	}
	var ok bool
	err := huh.NewConfirm().
		Title(title).
		Affirmative("Delete").
		Negative("Cancel").
		Value(&ok).
		Run()
	if errors.Is(err, huh.ErrUserAborted) {
		return false, nil
	}
	return ok, err
}

func init() {
	queueListCmd.Flags().Bool("json", false, "print items as JSON")
	queueDeadCmd.Flags().Bool("json", false, "print items as JSON")
	queuePurgeCmd.Flags().Bool("all", false, "drop pending items too")
	queuePurgeCmd.Flags().BoolP("yes", "y", false, "do not ask for confirmation")

	queueCmd.AddCommand(queueListCmd)
	queueCmd.AddCommand(queueSummaryCmd)
	queueCmd.AddCommand(queueDeadCmd)
	queueCmd.AddCommand(queueRequeueCmd)
	queueCmd.AddCommand(queuePurgeCmd)
	rootCmd.AddCommand(queueCmd)
}
