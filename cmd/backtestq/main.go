package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/teranos/backtestq/cmd/backtestq/commands"
	"github.com/teranos/backtestq/logger"
)

var rootCmd = &cobra.Command{
	Use:   "backtestq",
	Short: "backtestq - priority job queue for strategy backtests",
	Long: `backtestq - priority job queue and scheduler for strategy backtests.

Owners submit backtests over a REST API; a bounded worker pool runs them in
priority order and records the outcome.

Available commands:
  serve    - Run the API, the dispatcher and the retention scheduler
  cleanup  - Purge old finished jobs once
  stats    - Show queue statistics from the database
  token    - Mint a bearer token for a user
  version  - Show build information

Examples:
  backtestq serve                       # Start with the default config
  backtestq cleanup --days 30           # Delete finished jobs older than 30 days
  backtestq token --user alice --ttl 1h # Token for alice`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		jsonLogs, _ := cmd.Flags().GetBool("json-logs")
		level, _ := cmd.Flags().GetString("log-level")
		if verbosity, _ := cmd.Flags().GetCount("verbose"); verbosity > logger.VerbosityDefault && !cmd.Flags().Changed("log-level") {
			level = logger.VerbosityToLevel(verbosity).String()
		}
		if err := logger.Initialize(jsonLogs, level); err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		logger.Cleanup()
	},
}

func init() {
	rootCmd.PersistentFlags().Bool("json-logs", false, "Write logs as JSON")
	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().CountP("verbose", "v", "Increase log verbosity (-vv for debug)")
	rootCmd.PersistentFlags().StringVar(&commands.ConfigPath, "config", "", "Path to a config file (overrides discovery)")

	rootCmd.AddCommand(commands.ServeCmd)
	rootCmd.AddCommand(commands.CleanupCmd)
	rootCmd.AddCommand(commands.StatsCmd)
	rootCmd.AddCommand(commands.TokenCmd)
	rootCmd.AddCommand(commands.VersionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
