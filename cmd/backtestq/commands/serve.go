package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/backtestq/am"
	"github.com/teranos/backtestq/auth"
	"github.com/teranos/backtestq/backtest"
	"github.com/teranos/backtestq/errors"
	"github.com/teranos/backtestq/logger"
	"github.com/teranos/backtestq/pulse/dispatch"
	"github.com/teranos/backtestq/pulse/events"
	"github.com/teranos/backtestq/pulse/queue"
	"github.com/teranos/backtestq/pulse/retention"
	"github.com/teranos/backtestq/pulse/service"
	"github.com/teranos/backtestq/pulse/stats"
	"github.com/teranos/backtestq/server"
	"github.com/teranos/backtestq/version"
)

// ServeCmd runs the API, the dispatcher and the retention scheduler
var ServeCmd = &cobra.Command{
	Use:     "serve",
	Aliases: []string{"server"},
	Short:   "Run the backtest queue server",
	Long:    `Open the database, recover interrupted jobs, start the worker pool and the daily retention purge, and serve the REST API until interrupted.`,
	RunE:    runServe,
}

var (
	servePort  int
	priceSeed  int64
	dayDelayMS int
)

func init() {
	ServeCmd.Flags().IntVar(&servePort, "port", 0, "HTTP port (overrides server.port)")
	ServeCmd.Flags().Int64Var(&priceSeed, "price-seed", 1, "Seed for the synthetic price source")
	ServeCmd.Flags().IntVar(&dayDelayMS, "day-delay-ms", 0, "Artificial delay per simulated trading day")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return errors.Wrap(err, "failed to load config")
	}
	port := cfg.GetServerPort()
	if servePort != 0 {
		port = servePort
	}

	database, err := openDatabase(cfg)
	if err != nil {
		return err
	}
	defer database.Close()

	store := queue.NewSQLiteStore(database)
	hub := events.NewHub()

	runner := backtest.NewRunner(backtest.SyntheticPrices{Seed: priceSeed}, logger.Logger)
	runner.DayDelay = time.Duration(dayDelayMS) * time.Millisecond

	disp := dispatch.New(store, runner, dispatch.Config{
		MaxConcurrent: cfg.Queue.MaxConcurrent,
		PollInterval:  cfg.Queue.PollInterval(),
		TieBreak:      queue.ParseTieBreak(cfg.Queue.TieBreak),

		WorkerID:          cfg.Queue.WorkerID,
		HeartbeatInterval: cfg.Queue.HeartbeatInterval(),
		LeaseTimeout:      cfg.Queue.LeaseTimeout(),
	}, hub, logger.Logger)

	svc := service.New(store, service.Config{
		DefaultPriority:   cfg.Queue.DefaultPriority,
		DefaultMaxRetries: cfg.Queue.DefaultMaxRetries,
	}, service.Deps{
		Dispatcher: disp,
		Stats:      stats.NewAggregator(store, disp).WithHostSampler(stats.SampleHost),
		Events:     hub,
		Validator:  backtest.ValidateRaw,
		Logger:     logger.Logger,
	})

	authn, err := auth.NewManager(cfg.Auth)
	if err != nil {
		return err
	}
	if authn.EphemeralSecret() {
		logger.Warnw("auth.jwt_secret is not set; using a random secret, tokens minted elsewhere will be rejected")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := disp.Start(ctx); err != nil {
		return errors.Wrap(err, "failed to start dispatcher")
	}
	defer disp.Stop()

	var purger *retention.Scheduler
	if cfg.Retention.Enabled {
		purger, err = retention.New(svc, cfg.Retention.DaysToKeep, cfg.Retention.At, logger.Logger)
		if err != nil {
			return err
		}
		if err := purger.Start(); err != nil {
			return err
		}
		defer purger.Stop()
	}

	srv := server.New(svc, authn, hub, server.Config{
		Port:               port,
		AllowedOrigins:     cfg.Server.AllowedOrigins,
		RateLimitPerSecond: cfg.Server.RateLimitPerSecond,
		RateLimitBurst:     cfg.Server.RateLimitBurst,
	}, logger.Logger)

	if path := configFile(); path != "" {
		watcher, err := am.NewConfigWatcher(path)
		if err != nil {
			logger.Warnw("Config hot reload disabled", "path", path, logger.FieldError, err)
		} else {
			watcher.OnReload(func(newCfg *am.Config) error {
				srv.SetRateLimit(newCfg.Server.RateLimitPerSecond, newCfg.Server.RateLimitBurst)
				srv.SetAllowedOrigins(newCfg.Server.AllowedOrigins)
				if purger != nil {
					return purger.SetDaysToKeep(newCfg.Retention.DaysToKeep)
				}
				return nil
			})
			watcher.Start()
			defer watcher.Stop()
		}
	}

	info := version.Get()
	pterm.DefaultHeader.WithFullWidth().Printf("backtestq %s", info.Version)
	pterm.Info.Printf("Listening on :%d (db %s, %d workers)\n", port, cfg.GetDatabasePath(), disp.MaxConcurrent())

	errChan := make(chan error, 1)
	go func() {
		errChan <- srv.Start()
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errChan:
		if err != nil {
			return errors.Wrap(err, "server failed")
		}
		return nil
	case <-sigChan:
		pterm.Info.Println("\nShutting down gracefully (press Ctrl+C again to force)...")

		shutdownDone := make(chan error, 1)
		go func() {
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), server.ShutdownTimeout)
			defer shutdownCancel()
			err := srv.Stop(shutdownCtx)
			cancel()
			disp.Stop()
			shutdownDone <- err
		}()

		select {
		case err := <-shutdownDone:
			if err != nil {
				return fmt.Errorf("shutdown error: %w", err)
			}
			pterm.Success.Println("Server stopped cleanly")
			return nil
		case <-sigChan:
			pterm.Warning.Println("\nForce shutdown - exiting immediately")
			os.Exit(1)
			return nil
		}
	}
}
