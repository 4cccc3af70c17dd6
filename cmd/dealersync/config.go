package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ezcar24/dealersync/internal/config"
	"github.com/ezcar24/dealersync/internal/ui"
)

var configCmd = &cobra.Command{
	Use:     "config",
	GroupID: "setup",
	Short:   "Manage the configuration file",
}

var configInitCmd = &cobra.Command{
	Use:   "init [path]",
	Short: "Write a default configuration file",
	Long: `Write the default configuration to path (default: dealersync.yaml).

The format follows the extension: .yaml, .yml or .toml. Secrets such as the
API key are better passed through DEALERSYNC_* environment variables.`,
	Args:        cobra.MaximumNArgs(1),
	Annotations: map[string]string{"config": "skip"},
	RunE: func(cmd *cobra.Command, args []string) error {
		force, _ := cmd.Flags().GetBool("force")
		path := config.FileName + ".yaml"
		if len(args) == 1 {
			path = args[0]
		}
		if err := config.WriteDefault(path, force); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s Wrote %s\n", ui.RenderPass("✓"), path)
		return nil
	},
}

func init() {
	configInitCmd.Flags().BoolP("force", "f", false, "overwrite an existing file")
	configCmd.AddCommand(configInitCmd)
	rootCmd.AddCommand(configCmd)
}
