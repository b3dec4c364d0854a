// Package retention purges old terminal jobs on a daily schedule.
package retention

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-co-op/gocron"
	"go.uber.org/zap"

	"github.com/teranos/backtestq/errors"
	"github.com/teranos/backtestq/logger"
	"github.com/teranos/backtestq/pulse/service"
)

// DefaultAt is the daily run time when none is configured
const DefaultAt = "03:00"

// runTimeout bounds a single purge
const runTimeout = 5 * time.Minute

// Cleaner deletes terminal jobs older than daysToKeep
type Cleaner interface {
	CleanupCompleted(ctx context.Context, caller service.Caller, daysToKeep int) (int64, error)
}

// Scheduler runs the purge once a day at a fixed UTC time
type Scheduler struct {
	cleaner    Cleaner
	at         string
	daysToKeep atomic.Int64
	cron       *gocron.Scheduler
	logger     *zap.SugaredLogger

	mu      sync.Mutex
	started bool
}

// New creates a retention scheduler. at is "HH:MM" in UTC.
func New(cleaner Cleaner, daysToKeep int, at string, log *zap.SugaredLogger) (*Scheduler, error) {
	if at == "" {
		at = DefaultAt
	}
	if _, err := time.Parse("15:04", at); err != nil {
		return nil, errors.NewValidationError("retention time must be HH:MM, got %q", at)
	}
	if daysToKeep < 1 {
		return nil, errors.NewValidationError("days to keep must be >= 1, got %d", daysToKeep)
	}
	if log == nil {
		log = logger.Logger
	}

	s := &Scheduler{
		cleaner: cleaner,
		at:      at,
		cron:    gocron.NewScheduler(time.UTC),
		logger:  log.Named("retention"),
	}
	s.daysToKeep.Store(int64(daysToKeep))
	return s, nil
}

// Start registers the daily job and starts the scheduler in the background
func (s *Scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return errors.New("retention scheduler already started")
	}

	s.cron.SingletonModeAll()
	if _, err := s.cron.Every(1).Day().At(s.at).Do(s.tick); err != nil {
		return errors.Wrap(err, "failed to schedule retention job")
	}
	s.cron.StartAsync()
	s.started = true

	s.logger.Infow("Retention scheduler started",
		"at", s.at,
		"days_to_keep", s.DaysToKeep(),
		"next_run", s.NextRun())
	return nil
}

// Stop halts the scheduler. A purge already in progress finishes.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		return
	}
	s.cron.Stop()
	s.started = false
	s.logger.Infow("Retention scheduler stopped")
}

// SetDaysToKeep changes the window for subsequent runs
func (s *Scheduler) SetDaysToKeep(days int) error {
	if days < 1 {
		return errors.NewValidationError("days to keep must be >= 1, got %d", days)
	}
	if old := s.daysToKeep.Swap(int64(days)); old != int64(days) {
		s.logger.Infow("Retention window changed", "old_days", old, "new_days", days)
	}
	return nil
}

// DaysToKeep returns the current retention window
func (s *Scheduler) DaysToKeep() int {
	return int(s.daysToKeep.Load())
}

// NextRun returns when the daily purge fires next, or zero if not started
func (s *Scheduler) NextRun() time.Time {
	_, next := s.cron.NextRun()
	return next
}

// RunOnce purges immediately as the system caller
func (s *Scheduler) RunOnce(ctx context.Context) (int64, error) {
	days := s.DaysToKeep()
	deleted, err := s.cleaner.CleanupCompleted(ctx, service.SystemCaller, days)
	if err != nil {
		return 0, errors.Wrapf(err, "retention purge (%d days) failed", days)
	}
	return deleted, nil
}

func (s *Scheduler) tick() {
	ctx, cancel := context.WithTimeout(context.Background(), runTimeout)
	defer cancel()

	start := time.Now()
	deleted, err := s.RunOnce(ctx)
	if err != nil {
		s.logger.Errorw("Retention purge failed", logger.FieldError, err)
		return
	}
	s.logger.Infow("Retention purge finished",
		logger.FieldCount, deleted,
		"days_to_keep", s.DaysToKeep(),
		logger.FieldDurationMS, time.Since(start).Milliseconds())
}
