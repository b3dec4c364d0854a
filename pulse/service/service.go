// Package service is the caller-facing layer over the job store. It validates
// requests, enforces ownership, and performs every owner and operator action
// as a guarded store transition.
package service

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/backtestq/errors"
	"github.com/teranos/backtestq/logger"
	"github.com/teranos/backtestq/pulse/events"
	"github.com/teranos/backtestq/pulse/queue"
	"github.com/teranos/backtestq/pulse/stats"
)

// Caller is the authenticated identity behind a request
type Caller struct {
	ID         string
	IsOperator bool
}

// SystemCaller acts for background maintenance such as retention
var SystemCaller = Caller{ID: "system", IsOperator: true}

// CanAccess reports whether caller may read or mutate job
func CanAccess(job *queue.Job, caller Caller) bool {
	return caller.IsOperator || job.OwnerID == caller.ID
}

// Dispatcher is the slice of the dispatcher the service signals
type Dispatcher interface {
	Cancel(jobID string) bool
	Wake()
}

// ParameterValidator checks a job payload before it is queued
type ParameterValidator func(params json.RawMessage) error

// Limits on caller-supplied windows and batches
const (
	MaxBulkIDs         = 500
	DefaultHistoryDays = 7
	MaxHistoryDays     = 365
	DefaultClockSkew   = time.Second
)

// Config holds queue defaults applied at enqueue
type Config struct {
	DefaultPriority   int
	DefaultMaxRetries int
	ClockSkew         time.Duration // how far in the past scheduled_for may be
}

// Deps are the optional collaborators of QueueService
type Deps struct {
	Dispatcher Dispatcher
	Stats      *stats.Aggregator
	Events     events.Publisher
	Validator  ParameterValidator
	Logger     *zap.SugaredLogger
}

// QueueService performs queue operations on behalf of callers
type QueueService struct {
	store      queue.Store
	dispatcher Dispatcher
	stats      *stats.Aggregator
	events     events.Publisher
	validator  ParameterValidator
	cfg        Config
	logger     *zap.SugaredLogger
	now        func() time.Time
}

// New creates a QueueService
func New(store queue.Store, cfg Config, deps Deps) *QueueService {
	if cfg.DefaultPriority == 0 {
		cfg.DefaultPriority = queue.DefaultPriority
	}
	if cfg.ClockSkew <= 0 {
		cfg.ClockSkew = DefaultClockSkew
	}
	if deps.Events == nil {
		deps.Events = events.Nop{}
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop().Sugar()
	}
	if deps.Stats == nil {
		var workers stats.WorkerCounter
		if wc, ok := deps.Dispatcher.(stats.WorkerCounter); ok {
			workers = wc
		}
		deps.Stats = stats.NewAggregator(store, workers)
	}

	return &QueueService{
		store:      store,
		dispatcher: deps.Dispatcher,
		stats:      deps.Stats,
		events:     deps.Events,
		validator:  deps.Validator,
		cfg:        cfg,
		logger:     deps.Logger.Named("queue"),
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// EnqueueRequest is a new job submission. Nil fields take defaults.
type EnqueueRequest struct {
	Parameters   json.RawMessage `json:"parameters"`
	Priority     *int            `json:"priority,omitempty"`
	ScheduledFor *time.Time      `json:"scheduled_for,omitempty"`
	MaxRetries   *int            `json:"max_retries,omitempty"`
}

// Enqueue validates and stores a new queued job owned by the caller
func (s *QueueService) Enqueue(ctx context.Context, caller Caller, req EnqueueRequest) (*queue.Job, error) {
	if err := requireIdentity(caller); err != nil {
		return nil, err
	}
	now := s.now()

	priority := s.cfg.DefaultPriority
	if req.Priority != nil {
		priority = *req.Priority
	}
	if err := queue.ValidatePriority(priority); err != nil {
		return nil, err
	}

	scheduledFor := now
	if req.ScheduledFor != nil {
		scheduledFor = req.ScheduledFor.UTC()
		if scheduledFor.Before(now.Add(-s.cfg.ClockSkew)) {
			return nil, errors.NewValidationError("scheduled_for %s is in the past", scheduledFor.Format(time.RFC3339))
		}
	}

	maxRetries := s.cfg.DefaultMaxRetries
	if req.MaxRetries != nil {
		maxRetries = *req.MaxRetries
	}

	if len(req.Parameters) == 0 || !json.Valid(req.Parameters) {
		return nil, errors.NewValidationError("parameters must be a JSON document")
	}
	if s.validator != nil {
		if err := s.validator(req.Parameters); err != nil {
			if errors.IsValidationError(err) {
				return nil, err
			}
			return nil, errors.Wrap(errors.ErrValidation, err.Error())
		}
	}

	job, err := queue.NewJob(caller.ID, req.Parameters, priority, scheduledFor, maxRetries, now)
	if err != nil {
		return nil, err
	}
	if err := s.store.Create(ctx, job); err != nil {
		return nil, errors.Wrap(err, "failed to enqueue job")
	}

	s.logger.Infow("Job enqueued",
		logger.FieldJobID, job.ID,
		logger.FieldOwnerID, job.OwnerID,
		logger.FieldPriority, job.Priority,
		"scheduled_for", job.ScheduledFor)
	s.events.Publish(events.ForJob(events.JobEnqueued, job))
	s.wake()
	return job, nil
}

// GetJob returns a job the caller may access
func (s *QueueService) GetJob(ctx context.Context, caller Caller, id string) (*queue.Job, error) {
	if err := requireIdentity(caller); err != nil {
		return nil, err
	}
	return s.authorized(ctx, caller, id)
}

// ListOwnerJobs lists the caller's own jobs
func (s *QueueService) ListOwnerJobs(ctx context.Context, caller Caller, filter queue.Filter) (*queue.Page, error) {
	if err := requireIdentity(caller); err != nil {
		return nil, err
	}
	filter.OwnerID = caller.ID
	return s.store.List(ctx, filter)
}

// ListAllJobs lists jobs across owners. Operators only.
func (s *QueueService) ListAllJobs(ctx context.Context, caller Caller, filter queue.Filter) (*queue.Page, error) {
	if err := requireOperator(caller); err != nil {
		return nil, err
	}
	return s.store.List(ctx, filter)
}

// Cancel stops a job. Queued jobs move straight to cancelled; running jobs
// are flagged and signalled, and the dispatcher records the cancel once the
// executor exits. Losing a race against the dispatcher is retried once
// against the new state.
func (s *QueueService) Cancel(ctx context.Context, caller Caller, id, reason string) (*queue.Job, error) {
	if err := requireIdentity(caller); err != nil {
		return nil, err
	}
	job, err := s.authorized(ctx, caller, id)
	if err != nil {
		return nil, err
	}
	if reason == "" {
		reason = "cancelled by " + caller.ID
	}

	for attempt := 0; attempt < 2; attempt++ {
		var updated *queue.Job
		switch job.Status {
		case queue.StatusQueued:
			updated, err = s.store.Transition(ctx, id, []queue.Status{queue.StatusQueued}, func(j *queue.Job) error {
				j.Cancel(reason, s.now())
				return nil
			})
		case queue.StatusRunning:
			updated, err = s.store.Transition(ctx, id, []queue.Status{queue.StatusRunning}, func(j *queue.Job) error {
				j.CancelRequested = true
				j.CancelReason = reason
				j.UpdatedAt = s.now()
				return nil
			})
		default:
			return nil, errors.NewInvalidStateError("job %s is already %s", id, job.Status)
		}

		if errors.IsInvalidStateError(err) && attempt == 0 {
			if job, err = s.store.Get(ctx, id); err != nil {
				return nil, err
			}
			continue
		}
		if err != nil {
			return nil, err
		}

		s.logger.Infow("Job cancel requested",
			logger.FieldJobID, id,
			logger.FieldCallerID, caller.ID,
			logger.FieldStatus, updated.Status,
			"reason", reason)

		if updated.Status == queue.StatusRunning {
			if s.dispatcher != nil {
				s.dispatcher.Cancel(id)
			}
			s.events.Publish(events.ForJob(events.JobUpdated, updated))
		} else {
			s.events.Publish(events.ForTerminal(updated))
		}
		return updated, nil
	}
	return nil, errors.NewInvalidStateError("job %s changed state during cancel", id)
}

// Retry requeues a failed job that has retries left. A non-nil newPriority
// applies to this run only; without one the job goes back to its base priority.
func (s *QueueService) Retry(ctx context.Context, caller Caller, id string, newPriority *int) (*queue.Job, error) {
	if err := requireIdentity(caller); err != nil {
		return nil, err
	}
	if newPriority != nil {
		if err := queue.ValidatePriority(*newPriority); err != nil {
			return nil, err
		}
	}
	if _, err := s.authorized(ctx, caller, id); err != nil {
		return nil, err
	}

	updated, err := s.store.Transition(ctx, id, []queue.Status{queue.StatusFailed}, func(j *queue.Job) error {
		if j.RetryCount >= j.MaxRetries {
			return errors.NewInvalidStateError("job %s has used %d of %d retries", j.ID, j.RetryCount, j.MaxRetries)
		}
		j.Requeue(s.now(), newPriority)
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Infow("Job retried",
		logger.FieldJobID, id,
		logger.FieldCallerID, caller.ID,
		"retry_count", updated.RetryCount,
		logger.FieldPriority, updated.Priority)
	s.events.Publish(events.ForJob(events.JobRetried, updated))
	s.wake()
	return updated, nil
}

// UpdatePriority changes the priority of a queued job
func (s *QueueService) UpdatePriority(ctx context.Context, caller Caller, id string, priority int) (*queue.Job, error) {
	if err := requireIdentity(caller); err != nil {
		return nil, err
	}
	if err := queue.ValidatePriority(priority); err != nil {
		return nil, err
	}
	if _, err := s.authorized(ctx, caller, id); err != nil {
		return nil, err
	}

	updated, err := s.store.Transition(ctx, id, []queue.Status{queue.StatusQueued}, func(j *queue.Job) error {
		j.Priority = priority
		j.BasePriority = priority
		j.UpdatedAt = s.now()
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Infow("Job priority updated", logger.FieldJobID, id, logger.FieldPriority, priority)
	s.events.Publish(events.ForJob(events.JobUpdated, updated))
	return updated, nil
}

// Reschedule moves the eligibility time of a queued job
func (s *QueueService) Reschedule(ctx context.Context, caller Caller, id string, scheduledFor time.Time) (*queue.Job, error) {
	if err := requireIdentity(caller); err != nil {
		return nil, err
	}
	scheduledFor = scheduledFor.UTC()
	if scheduledFor.Before(s.now().Add(-s.cfg.ClockSkew)) {
		return nil, errors.NewValidationError("scheduled_for %s is in the past", scheduledFor.Format(time.RFC3339))
	}
	if _, err := s.authorized(ctx, caller, id); err != nil {
		return nil, err
	}

	updated, err := s.store.Transition(ctx, id, []queue.Status{queue.StatusQueued}, func(j *queue.Job) error {
		j.ScheduledFor = scheduledFor
		j.UpdatedAt = s.now()
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Infow("Job rescheduled", logger.FieldJobID, id, "scheduled_for", scheduledFor)
	s.events.Publish(events.ForJob(events.JobUpdated, updated))
	s.wake()
	return updated, nil
}

// GetHistory returns one page of the caller's terminal jobs completed in the
// last days, most recently completed first
func (s *QueueService) GetHistory(ctx context.Context, caller Caller, days, limit, offset int) (*queue.Page, error) {
	if err := requireIdentity(caller); err != nil {
		return nil, err
	}
	days, err := normalizeDays(days)
	if err != nil {
		return nil, err
	}

	since := s.now().AddDate(0, 0, -days)
	return s.store.List(ctx, queue.Filter{
		OwnerID:        caller.ID,
		Statuses:       queue.TerminalStatuses,
		CompletedAfter: &since,
		SortBy:         queue.SortByCompleted,
		Limit:          limit,
		Offset:         offset,
	})
}

// GetStats returns the live queue snapshot
func (s *QueueService) GetStats(ctx context.Context, caller Caller) (*stats.QueueStats, error) {
	if err := requireIdentity(caller); err != nil {
		return nil, err
	}
	return s.stats.Stats(ctx)
}

// GetAnalytics returns multi-day analytics. Operators only.
func (s *QueueService) GetAnalytics(ctx context.Context, caller Caller, days int) (*stats.Analytics, error) {
	if err := requireOperator(caller); err != nil {
		return nil, err
	}
	days, err := normalizeDays(days)
	if err != nil {
		return nil, err
	}
	return s.stats.Analytics(ctx, days)
}

// CleanupCompleted deletes terminal jobs that completed more than daysToKeep
// days ago. Operators only.
func (s *QueueService) CleanupCompleted(ctx context.Context, caller Caller, daysToKeep int) (int64, error) {
	if err := requireOperator(caller); err != nil {
		return 0, err
	}
	if daysToKeep < 1 {
		return 0, errors.NewValidationError("daysToKeep must be >= 1, got %d", daysToKeep)
	}

	cutoff := s.now().AddDate(0, 0, -daysToKeep)
	deleted, err := s.store.DeleteTerminalBefore(ctx, cutoff)
	if err != nil {
		return 0, errors.Wrap(err, "failed to clean up jobs")
	}

	s.logger.Infow("Cleaned up terminal jobs",
		logger.FieldCallerID, caller.ID,
		logger.FieldCount, deleted,
		"cutoff", cutoff)
	if deleted > 0 {
		s.events.Publish(events.Event{Type: events.JobsPurged, Count: deleted})
	}
	return deleted, nil
}

// authorized loads a job and checks the caller may touch it
func (s *QueueService) authorized(ctx context.Context, caller Caller, id string) (*queue.Job, error) {
	if id == "" {
		return nil, errors.NewValidationError("job id cannot be empty")
	}
	job, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !CanAccess(job, caller) {
		return nil, errors.NewForbiddenError("caller %s cannot access job %s", caller.ID, id)
	}
	return job, nil
}

func (s *QueueService) wake() {
	if s.dispatcher != nil {
		s.dispatcher.Wake()
	}
}

func requireIdentity(caller Caller) error {
	if caller.ID == "" {
		return errors.NewUnauthorizedError("missing caller identity")
	}
	return nil
}

func requireOperator(caller Caller) error {
	if err := requireIdentity(caller); err != nil {
		return err
	}
	if !caller.IsOperator {
		return errors.NewForbiddenError("operator role required")
	}
	return nil
}

func normalizeDays(days int) (int, error) {
	if days == 0 {
		return DefaultHistoryDays, nil
	}
	if days < 1 || days > MaxHistoryDays {
		return 0, errors.NewValidationError("days must be between 1 and %d, got %d", MaxHistoryDays, days)
	}
	return days, nil
}
