package service

import (
	"context"
	"time"

	"github.com/teranos/backtestq/errors"
	"github.com/teranos/backtestq/logger"
	"github.com/teranos/backtestq/pulse/queue"
)

// BulkKind is a single-item operation applied across a set of jobs
type BulkKind string

const (
	BulkCancel     BulkKind = "cancel"
	BulkRetry      BulkKind = "retry"
	BulkPriority   BulkKind = "priority"
	BulkReschedule BulkKind = "reschedule"
)

// BulkOp describes the operation and its argument
type BulkOp struct {
	Kind         BulkKind   `json:"kind"`
	Priority     *int       `json:"priority,omitempty"`      // priority, and optional for retry
	ScheduledFor *time.Time `json:"scheduled_for,omitempty"` // reschedule
	Reason       string     `json:"reason,omitempty"`        // cancel
}

// BulkResult reports how many jobs changed and why the rest did not
type BulkResult struct {
	Affected int               `json:"affected"`
	Failed   map[string]string `json:"failed,omitempty"`
}

// BulkOperation applies op to every id. Items the caller cannot touch or that
// are in the wrong state are skipped and reported, not fatal.
func (s *QueueService) BulkOperation(ctx context.Context, caller Caller, ids []string, op BulkOp) (*BulkResult, error) {
	if err := requireIdentity(caller); err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, errors.NewValidationError("ids cannot be empty")
	}
	if len(ids) > MaxBulkIDs {
		return nil, errors.NewValidationError("at most %d ids per bulk operation, got %d", MaxBulkIDs, len(ids))
	}

	var apply func(id string) error
	switch op.Kind {
	case BulkCancel:
		apply = func(id string) error {
			_, err := s.Cancel(ctx, caller, id, op.Reason)
			return err
		}
	case BulkRetry:
		apply = func(id string) error {
			_, err := s.Retry(ctx, caller, id, op.Priority)
			return err
		}
	case BulkPriority:
		if op.Priority == nil {
			return nil, errors.NewValidationError("priority is required")
		}
		if err := queue.ValidatePriority(*op.Priority); err != nil {
			return nil, err
		}
		apply = func(id string) error {
			_, err := s.UpdatePriority(ctx, caller, id, *op.Priority)
			return err
		}
	case BulkReschedule:
		if op.ScheduledFor == nil {
			return nil, errors.NewValidationError("scheduled_for is required")
		}
		if op.ScheduledFor.Before(s.now().Add(-s.cfg.ClockSkew)) {
			return nil, errors.NewValidationError("scheduled_for is in the past")
		}
		apply = func(id string) error {
			_, err := s.Reschedule(ctx, caller, id, *op.ScheduledFor)
			return err
		}
	default:
		return nil, errors.NewValidationError("unknown bulk operation %q", op.Kind)
	}

	result := &BulkResult{Failed: make(map[string]string)}
	seen := make(map[string]bool, len(ids))
	for _, id := range ids {
		if seen[id] {
			continue
		}
		seen[id] = true

		if err := ctx.Err(); err != nil {
			return result, err
		}
		if err := apply(id); err != nil {
			result.Failed[id] = FailureCode(err)
			if result.Failed[id] == "internal_error" {
				s.logger.Warnw("Bulk item failed", logger.FieldJobID, id, logger.FieldError, err)
			}
			continue
		}
		result.Affected++
	}

	s.logger.Infow("Bulk operation applied",
		logger.FieldOperation, op.Kind,
		logger.FieldCallerID, caller.ID,
		logger.FieldCount, result.Affected,
		"skipped", len(result.Failed))
	return result, nil
}

// FailureCode maps a service error to its stable outcome code
func FailureCode(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.IsValidationError(err):
		return "validation_error"
	case errors.IsNotFoundError(err):
		return "not_found"
	case errors.IsForbiddenError(err):
		return "forbidden"
	case errors.IsInvalidStateError(err):
		return "invalid_state"
	case errors.IsUnauthorizedError(err):
		return "unauthorized"
	default:
		return "internal_error"
	}
}
