package queue

import (
	"context"
	"time"

	"github.com/teranos/backtestq/db"
	"github.com/teranos/backtestq/errors"
)

// maxCASAttempts bounds how often Transition re-reads after losing a version race
// while the status still matches.
const maxCASAttempts = 5

// applyTransition runs mutate against a copy of current and enforces the
// lifecycle. The returned job carries the next version.
func applyTransition(current *Job, from []Status, mutate MutateFunc) (*Job, error) {
	if !containsStatus(from, current.Status) {
		err := errors.NewInvalidStateError("job %s is %s", current.ID, current.Status)
		return nil, errors.WithDetailf(err, "Expected one of: %v", from)
	}

	next := current.Clone()
	if mutate != nil {
		if err := mutate(next); err != nil {
			return nil, err
		}
	}

	if !CanTransition(current.Status, next.Status) {
		return nil, errors.NewInvalidStateError("job %s cannot move from %s to %s", current.ID, current.Status, next.Status)
	}

	// Identity and creation fields are immutable
	next.ID = current.ID
	next.OwnerID = current.OwnerID
	next.CreatedAt = current.CreatedAt
	next.Version = current.Version + 1
	if !next.UpdatedAt.After(current.UpdatedAt) {
		next.UpdatedAt = time.Now().UTC()
	}

	return next, nil
}

// retryBusy retries op while SQLite reports a transient lock conflict.
// Three attempts with linear backoff; any other error returns immediately.
func retryBusy(ctx context.Context, op func() error) error {
	const attempts = 3
	var err error
	for i := 1; i <= attempts; i++ {
		err = op()
		if err == nil || !db.IsBusy(err) {
			return err
		}
		if i == attempts {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(i) * 25 * time.Millisecond):
		}
	}
	return errors.Wrapf(err, "database busy after %d attempts", attempts)
}
