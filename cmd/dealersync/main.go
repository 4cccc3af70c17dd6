// Command dealersync keeps a dealer's local business data in sync with the
// remote backend.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ezcar24/dealersync/internal/config"
	"github.com/ezcar24/dealersync/internal/logging"
	"github.com/ezcar24/dealersync/internal/ui"
)

var (
	configPath string
	dealerFlag string
	logLevel   string
	noColor    bool

	cfg      *config.Config
	logger   = zap.NewNop()
	closeLog = func() {}
)

var rootCmd = &cobra.Command{
	Use:   "dealersync",
	Short: "Offline-first sync for dealer business data",
	Long: `dealersync keeps the local database of a dealership in sync with the
remote backend.

Local edits are pushed immediately when online and queued when not. Syncs pull
remote changes, merge them by last-writer-wins, push local state and drain the
offline queue.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if noColor {
			ui.DisableColor()
		}
		if cmd.Annotations["config"] == "skip" {
			return nil
		}

		loaded, err := config.Load(configPath)
		if err != nil {
			return err
		}
		if dealerFlag != "" {
			loaded.DealerID = dealerFlag
		}
		if logLevel != "" {
			loaded.Logging.Level = logLevel
		}
		cfg = loaded

		l, closeFn, err := logging.New(logging.Options{
			Level:      cfg.Logging.Level,
			Format:     cfg.Logging.Format,
			File:       cfg.Logging.File,
			MaxSizeMB:  cfg.Logging.MaxSizeMB,
			MaxBackups: cfg.Logging.MaxBackups,
			MaxAgeDays: cfg.Logging.MaxAgeDays,
		})
		if err != nil {
			return err
		}
		logger, closeLog = l, closeFn
		return nil
	},
}

func init() {
	rootCmd.AddGroup(
		&cobra.Group{ID: "sync", Title: "Sync Commands:"},
		&cobra.Group{ID: "inspect", Title: "Inspection Commands:"},
		&cobra.Group{ID: "setup", Title: "Setup Commands:"},
	)

	flags := rootCmd.PersistentFlags()
	flags.StringVarP(&configPath, "config", "c", "", "config file (default: ./dealersync.yaml)")
	flags.StringVarP(&dealerFlag, "dealer", "d", "", "dealer id (overrides dealer_id)")
	flags.StringVar(&logLevel, "log-level", "", "log level: debug, info, warn, error")
	flags.BoolVar(&noColor, "no-color", false, "disable colored output")
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	cancel()
	closeLog()

	if err != nil {
		fmt.Fprintf(os.Stderr, "%s %v\n", ui.RenderFail("Error:"), err)
		if errors.Is(err, context.Canceled) {
			os.Exit(130)
		}
		os.Exit(1)
	}
}
