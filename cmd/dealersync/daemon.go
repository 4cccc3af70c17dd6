package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ezcar24/dealersync/internal/daemon"
	"github.com/ezcar24/dealersync/internal/dashboard"
	"github.com/ezcar24/dealersync/internal/ui"
)

var daemonCmd = &cobra.Command{
	Use:     "daemon",
	GroupID: "sync",
	Short:   "Run background sync (foreground process)",
	Long: `Run the sync daemon in the foreground.

The daemon will:
  1. Run a full sync on start
  2. Fast-pull remote changes every daemon.pull_interval
  3. Apply mutation files dropped into daemon.outbox_dir and push them
  4. Optionally serve the live dashboard (--dashboard)

Mutation files are JSON:
  {"entity": "vehicle", "operation": "upsert", "dealer_id": "...", "record": {...}}
  {"entity": "vehicle", "operation": "delete", "dealer_id": "...", "id": "..."}

Use a process manager to run it in the background.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		withDashboard, _ := cmd.Flags().GetBool("dashboard")
		addr, _ := cmd.Flags().GetString("addr")
		if withDashboard {
			cfg.Dashboard.Enabled = true
		}
		if addr != "" {
			cfg.Dashboard.Addr = addr
		}

		return withApp(cmd, func(ctx context.Context, a *app) error {
			w := cmd.OutOrStdout()

			if cfg.Dashboard.Enabled {
				server := dashboard.NewServer(&dashboard.Config{Addr: cfg.Dashboard.Addr, Logger: logger})
				if err := server.Start(); err != nil {
					return fmt.Errorf("failed to start dashboard: %w", err)
				}
				defer func() {
					if err := server.Stop(); err != nil {
						logger.Warn("dashboard shutdown failed", zap.Error(err))
					}
				}()
				handler := dashboard.NewHandler(server, logger)
				detach := handler.Attach(a.engine)
				defer detach()
				fmt.Fprintf(w, "   Dashboard: http://%s\n", server.GetAddr())
			}

			d, err := daemon.NewWithConfig(a.engine, &daemon.Config{
				DealerID:         a.dealer(),
				OutboxDir:        cfg.Daemon.OutboxDir,
				PullInterval:     cfg.Daemon.PullInterval,
				DebounceInterval: cfg.Daemon.DebounceInterval,
				Logger:           logger,
			})
			if err != nil {
				return err
			}

			fmt.Fprintf(w, "%s Starting sync daemon for %s...\n", ui.RenderAccent("🚀"), a.dealer())
			fmt.Fprintf(w, "   Outbox: %s\n", cfg.Daemon.OutboxDir)
			fmt.Fprintf(w, "   Pull interval: %v\n", cfg.Daemon.PullInterval)
			fmt.Fprintf(w, "\nPress Ctrl+C to stop\n\n")

			return d.Start(ctx)
		})
	},
}

func init() {
	daemonCmd.Flags().Bool("dashboard", false, "serve the websocket dashboard")
	daemonCmd.Flags().String("addr", "", "dashboard listen address (default from config)")
	rootCmd.AddCommand(daemonCmd)
}
