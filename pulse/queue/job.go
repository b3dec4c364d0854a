// Package queue holds the backtest job record, its lifecycle rules, and the
// repository that persists it.
package queue

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/teranos/backtestq/errors"
)

// Status represents the current state of a job
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Priority bounds. Higher values dispatch sooner.
const (
	MinPriority       = 1
	MaxPriority       = 100
	DefaultPriority   = 50
	DefaultMaxRetries = 3
)

// AllStatuses lists every status in lifecycle order
var AllStatuses = []Status{StatusQueued, StatusRunning, StatusCompleted, StatusFailed, StatusCancelled}

// TerminalStatuses are the statuses a job can be purged from
var TerminalStatuses = []Status{StatusCompleted, StatusFailed, StatusCancelled}

// ValidTransitions is the lifecycle. Failed -> queued is the retry path;
// running -> queued is reserved for runs interrupted by shutdown or a crash.
var ValidTransitions = map[Status][]Status{
	StatusQueued:    {StatusRunning, StatusCancelled},
	StatusRunning:   {StatusCompleted, StatusFailed, StatusCancelled, StatusQueued},
	StatusFailed:    {StatusQueued},
	StatusCompleted: {},
	StatusCancelled: {},
}

// ParseStatus validates a status string
func ParseStatus(s string) (Status, error) {
	st := Status(s)
	if !st.Valid() {
		return "", errors.NewValidationError("unknown status %q", s)
	}
	return st, nil
}

// Valid returns true if the status is one of the lifecycle states
func (s Status) Valid() bool {
	_, ok := ValidTransitions[s]
	return ok
}

// IsTerminal returns true for completed, failed and cancelled
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// CanTransition reports whether from -> to is allowed. Same-state writes
// (field updates while queued, cancel flags while running) are allowed too.
func CanTransition(from, to Status) bool {
	if from == to {
		return from.Valid()
	}
	for _, next := range ValidTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Job is a single queued unit of backtest work
type Job struct {
	ID              string          `json:"id"`
	OwnerID         string          `json:"owner_id"`
	Parameters      json.RawMessage `json:"parameters"`
	Status          Status          `json:"status"`
	Priority        int             `json:"priority"`
	BasePriority    int             `json:"base_priority"` // priority at enqueue or last explicit update; retries fall back to it
	ScheduledFor    time.Time       `json:"scheduled_for"`
	RetryCount      int             `json:"retry_count"`
	MaxRetries      int             `json:"max_retries"`
	ErrorMessage    string          `json:"error_message,omitempty"` // set only while failed
	Result          json.RawMessage `json:"result,omitempty"`
	CancelRequested bool            `json:"cancel_requested,omitempty"`
	CancelReason    string          `json:"cancel_reason,omitempty"`
	WorkerID        string          `json:"worker_id,omitempty"` // dispatcher holding the lease while running
	HeartbeatAt     *time.Time      `json:"heartbeat_at,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	StartedAt       *time.Time      `json:"started_at,omitempty"`
	CompletedAt     *time.Time      `json:"completed_at,omitempty"`
	UpdatedAt       time.Time       `json:"updated_at"`

	// Version increments on every write; stores use it for compare-and-set
	Version int64 `json:"-"`
}

// NewJob creates a queued job with a fresh ID
func NewJob(ownerID string, parameters json.RawMessage, priority int, scheduledFor time.Time, maxRetries int, now time.Time) (*Job, error) {
	if ownerID == "" {
		return nil, errors.NewValidationError("owner id cannot be empty")
	}
	if err := ValidatePriority(priority); err != nil {
		return nil, err
	}
	if maxRetries < 0 {
		return nil, errors.NewValidationError("max retries must be >= 0, got %d", maxRetries)
	}
	if len(parameters) == 0 || !json.Valid(parameters) {
		return nil, errors.NewValidationError("parameters must be a JSON document")
	}

	now = now.UTC()
	return &Job{
		ID:           uuid.New().String(),
		OwnerID:      ownerID,
		Parameters:   parameters,
		Status:       StatusQueued,
		Priority:     priority,
		BasePriority: priority,
		ScheduledFor: scheduledFor.UTC(),
		MaxRetries:   maxRetries,
		CreatedAt:    now,
		UpdatedAt:    now,
	}, nil
}

// ValidatePriority checks the [1,100] range
func ValidatePriority(priority int) error {
	if priority < MinPriority || priority > MaxPriority {
		return errors.NewValidationError("priority must be between %d and %d, got %d", MinPriority, MaxPriority, priority)
	}
	return nil
}

// Start marks the job as running under workerID's lease
func (j *Job) Start(workerID string, now time.Time) {
	now = now.UTC()
	j.Status = StatusRunning
	j.WorkerID = workerID
	j.HeartbeatAt = &now
	j.StartedAt = &now
	j.CompletedAt = nil
	j.UpdatedAt = now
}

// LeaseExpired reports whether a running job's holder has stopped
// heartbeating for longer than ttl
func (j *Job) LeaseExpired(now time.Time, ttl time.Duration) bool {
	if j.Status != StatusRunning {
		return false
	}
	last := j.HeartbeatAt
	if last == nil {
		last = j.StartedAt
	}
	return last == nil || now.Sub(*last) > ttl
}

// Complete marks the job as completed with the executor's result
func (j *Job) Complete(result json.RawMessage, now time.Time) {
	now = now.UTC()
	j.Status = StatusCompleted
	j.Result = result
	j.ErrorMessage = ""
	j.CompletedAt = &now
	j.UpdatedAt = now
}

// Fail marks the job as failed with an error message
func (j *Job) Fail(message string, now time.Time) {
	now = now.UTC()
	j.Status = StatusFailed
	j.ErrorMessage = message
	j.Result = nil
	j.CompletedAt = &now
	j.UpdatedAt = now
}

// Cancel marks the job as cancelled. A partial result is dropped.
func (j *Job) Cancel(reason string, now time.Time) {
	now = now.UTC()
	j.Status = StatusCancelled
	j.CancelReason = reason
	j.ErrorMessage = ""
	j.Result = nil
	j.CompletedAt = &now
	j.UpdatedAt = now
}

// Requeue puts a failed job back in the queue for another run. A non-nil
// priority applies to this run only; otherwise the base priority is restored.
func (j *Job) Requeue(now time.Time, priority *int) {
	j.Status = StatusQueued
	j.RetryCount++
	switch {
	case priority != nil:
		j.Priority = *priority
	case j.BasePriority != 0:
		j.Priority = j.BasePriority
	}
	j.clearRun()
	j.UpdatedAt = now.UTC()
}

// Interrupt returns a running job to the queue without spending a retry
func (j *Job) Interrupt(now time.Time) {
	j.Status = StatusQueued
	j.clearRun()
	j.UpdatedAt = now.UTC()
}

// clearRun resets everything the previous run wrote
func (j *Job) clearRun() {
	j.StartedAt = nil
	j.CompletedAt = nil
	j.Result = nil
	j.ErrorMessage = ""
	j.CancelRequested = false
	j.CancelReason = ""
	j.WorkerID = ""
	j.HeartbeatAt = nil
}

// CanRetry reports whether the retry path is open
func (j *Job) CanRetry() bool {
	return j.Status == StatusFailed && j.RetryCount < j.MaxRetries
}

// IsEligible reports whether the dispatcher may claim the job at now
func (j *Job) IsEligible(now time.Time) bool {
	return j.Status == StatusQueued && !j.ScheduledFor.After(now)
}

// Clone returns a deep copy
func (j *Job) Clone() *Job {
	c := *j
	if j.Parameters != nil {
		c.Parameters = append(json.RawMessage(nil), j.Parameters...)
	}
	if j.Result != nil {
		c.Result = append(json.RawMessage(nil), j.Result...)
	}
	if j.StartedAt != nil {
		t := *j.StartedAt
		c.StartedAt = &t
	}
	if j.CompletedAt != nil {
		t := *j.CompletedAt
		c.CompletedAt = &t
	}
	if j.HeartbeatAt != nil {
		t := *j.HeartbeatAt
		c.HeartbeatAt = &t
	}
	return &c
}
