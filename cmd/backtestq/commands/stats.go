package commands

import (
	"context"
	"fmt"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/backtestq/errors"
	"github.com/teranos/backtestq/pulse/queue"
	"github.com/teranos/backtestq/pulse/stats"
)

// StatsCmd prints queue statistics straight from the database
var StatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show queue statistics",
	RunE:  runStats,
}

var statsDays int

func init() {
	StatsCmd.Flags().IntVar(&statsDays, "days", 7, "Days of throughput to show")
}

func runStats(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return errors.Wrap(err, "failed to load config")
	}
	database, err := openDatabase(cfg)
	if err != nil {
		return err
	}
	defer database.Close()

	agg := stats.NewAggregator(queue.NewSQLiteStore(database), nil)
	a, err := agg.Analytics(context.Background(), statsDays)
	if err != nil {
		return err
	}

	pterm.DefaultHeader.WithFullWidth().Printf("Queue statistics (%s)", cfg.GetDatabasePath())
	pterm.Println()

	counts := pterm.TableData{
		{"Queued", "Running", "Completed", "Failed", "Cancelled", "Total"},
		{
			fmt.Sprint(a.Queued), fmt.Sprint(a.Running), fmt.Sprint(a.Completed),
			fmt.Sprint(a.Failed), fmt.Sprint(a.Cancelled), fmt.Sprint(a.Total),
		},
	}
	if err := pterm.DefaultTable.WithHasHeader().WithData(counts).Render(); err != nil {
		return err
	}
	pterm.Println()

	pterm.Info.Printf("Eligible now: %d, scheduled later: %d\n", a.Eligible, a.Scheduled)
	pterm.Info.Printf("Avg wait: %.1fs, avg run: %.1fs, failure rate: %.1f%% (last %.0fh)\n",
		a.AvgWaitSeconds, a.AvgRunSeconds, a.FailureRate*100, a.WindowHours)
	pterm.Info.Printf("Retries used: %d\n", a.TotalRetries)
	pterm.Println()

	daily := pterm.TableData{{"Day", "Completed", "Failed", "Cancelled"}}
	for _, d := range a.Daily {
		daily = append(daily, []string{d.Day, fmt.Sprint(d.Completed), fmt.Sprint(d.Failed), fmt.Sprint(d.Cancelled)})
	}
	if err := pterm.DefaultTable.WithHasHeader().WithData(daily).Render(); err != nil {
		return err
	}

	if len(a.TopOwners) > 0 {
		pterm.Println()
		owners := pterm.TableData{{"Owner", "Jobs"}}
		for _, o := range a.TopOwners {
			owners = append(owners, []string{o.OwnerID, fmt.Sprint(o.Jobs)})
		}
		return pterm.DefaultTable.WithHasHeader().WithData(owners).Render()
	}
	return nil
}
