package commands

import (
	"context"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/backtestq/errors"
	"github.com/teranos/backtestq/logger"
	"github.com/teranos/backtestq/pulse/queue"
	"github.com/teranos/backtestq/pulse/service"
)

// CleanupCmd runs a single retention purge
var CleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Delete finished jobs older than --days",
	Long:  `Delete completed, failed and cancelled jobs whose completion time is older than the given number of days. Queued and running jobs are never touched.`,
	RunE:  runCleanup,
}

var cleanupDays int

func init() {
	CleanupCmd.Flags().IntVar(&cleanupDays, "days", 0, "Days of finished jobs to keep (default: retention.days_to_keep)")
}

func runCleanup(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return errors.Wrap(err, "failed to load config")
	}
	days := cleanupDays
	if days == 0 {
		days = cfg.Retention.DaysToKeep
	}

	database, err := openDatabase(cfg)
	if err != nil {
		return err
	}
	defer database.Close()

	svc := service.New(queue.NewSQLiteStore(database), service.Config{}, service.Deps{Logger: logger.Logger})
	deleted, err := svc.CleanupCompleted(context.Background(), service.SystemCaller, days)
	if err != nil {
		return err
	}

	pterm.Success.Printf("Deleted %d finished jobs older than %d days\n", deleted, days)
	return nil
}
