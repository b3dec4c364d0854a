package queue

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/teranos/backtestq/errors"
)

// SQLiteStore persists jobs in the backtest_jobs table
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a store over an open, migrated database
func NewSQLiteStore(db *sql.DB) *SQLiteStore {
	return &SQLiteStore{db: db}
}

// Create inserts a new job into the database
func (s *SQLiteStore) Create(ctx context.Context, job *Job) error {
	query := `
		INSERT INTO backtest_jobs (` + jobColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	err := retryBusy(ctx, func() error {
		_, err := s.db.ExecContext(ctx, query,
			job.ID,
			job.OwnerID,
			string(job.Parameters),
			job.Status,
			job.Priority,
			job.ScheduledFor.UTC(),
			job.RetryCount,
			job.MaxRetries,
			nullString(job.ErrorMessage),
			nullRaw(job.Result),
			job.CancelRequested,
			job.CreatedAt.UTC(),
			nullTime(job.StartedAt),
			nullTime(job.CompletedAt),
			job.UpdatedAt.UTC(),
			job.Version,
			job.BasePriority,
			nullString(job.CancelReason),
			nullString(job.WorkerID),
			nullTime(job.HeartbeatAt),
		)
		return err
	})
	if err != nil {
		return errors.WithDetail(errors.Wrap(err, "failed to create job"), "job_id: "+job.ID)
	}
	return nil
}

// Get retrieves a job by ID
func (s *SQLiteStore) Get(ctx context.Context, id string) (*Job, error) {
	query := `SELECT ` + jobColumns + ` FROM backtest_jobs WHERE id = ?`

	job, err := scanJob(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.NewNotFoundError("job %s", id)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to get job %s", id)
	}
	return job, nil
}

// List returns a filtered page of jobs, newest first
func (s *SQLiteStore) List(ctx context.Context, filter Filter) (*Page, error) {
	filter = filter.Normalize()

	var where []string
	var args []interface{}
	if filter.OwnerID != "" {
		where = append(where, "owner_id = ?")
		args = append(args, filter.OwnerID)
	}
	if len(filter.Statuses) > 0 {
		placeholders := make([]string, len(filter.Statuses))
		for i, st := range filter.Statuses {
			placeholders[i] = "?"
			args = append(args, st)
		}
		where = append(where, "status IN ("+strings.Join(placeholders, ", ")+")")
	}
	if filter.CreatedAfter != nil {
		where = append(where, "created_at >= ?")
		args = append(args, filter.CreatedAfter.UTC())
	}
	if filter.CreatedBefore != nil {
		where = append(where, "created_at < ?")
		args = append(args, filter.CreatedBefore.UTC())
	}
	if filter.CompletedAfter != nil {
		where = append(where, "completed_at >= ?")
		args = append(args, filter.CompletedAfter.UTC())
	}

	clause := ""
	if len(where) > 0 {
		clause = " WHERE " + strings.Join(where, " AND ")
	}

	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM backtest_jobs`+clause, args...).Scan(&total); err != nil {
		return nil, errors.Wrap(err, "failed to count jobs")
	}

	order := "created_at DESC, id ASC"
	if filter.SortBy == SortByCompleted {
		order = "completed_at DESC, created_at DESC, id ASC"
	}
	query := `SELECT ` + jobColumns + ` FROM backtest_jobs` + clause +
		` ORDER BY ` + order + ` LIMIT ? OFFSET ?`
	pageArgs := append(append([]interface{}{}, args...), filter.Limit, filter.Offset)

	rows, err := s.db.QueryContext(ctx, query, pageArgs...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list jobs")
	}
	defer rows.Close()

	jobs := make([]*Job, 0)
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan job")
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "failed to iterate jobs")
	}

	return &Page{Jobs: jobs, Total: total, Limit: filter.Limit, Offset: filter.Offset}, nil
}

// ClaimNext moves the best eligible queued job to running in one statement.
// The status guard in the outer WHERE keeps two claimers from taking the same row.
func (s *SQLiteStore) ClaimNext(ctx context.Context, now time.Time, tieBreak TieBreak, workerID string) (*Job, error) {
	order := "priority DESC, created_at ASC, id ASC"
	if tieBreak == TieBreakLIFO {
		order = "priority DESC, created_at DESC, id ASC"
	}

	query := `
		UPDATE backtest_jobs
		SET status = ?,
		    started_at = ?,
		    completed_at = NULL,
		    worker_id = ?,
		    heartbeat_at = ?,
		    updated_at = ?,
		    version = version + 1
		WHERE id = (
			SELECT id FROM backtest_jobs
			WHERE status = ? AND scheduled_for <= ?
			ORDER BY ` + order + `
			LIMIT 1
		) AND status = ?
		RETURNING ` + jobColumns

	now = now.UTC()
	var job *Job
	err := retryBusy(ctx, func() error {
		var scanErr error
		job, scanErr = scanJob(s.db.QueryRowContext(ctx, query,
			StatusRunning, now, workerID, now, now,
			StatusQueued, now,
			StatusQueued,
		))
		return scanErr
	})
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to claim next job")
	}
	return job, nil
}

// Transition is a compare-and-set on the version column. Losing a race while
// the status still matches re-reads and tries again.
func (s *SQLiteStore) Transition(ctx context.Context, id string, from []Status, mutate MutateFunc) (*Job, error) {
	query := `
		UPDATE backtest_jobs
		SET status = ?,
		    priority = ?,
		    scheduled_for = ?,
		    retry_count = ?,
		    max_retries = ?,
		    error_message = ?,
		    result = ?,
		    cancel_requested = ?,
		    started_at = ?,
		    completed_at = ?,
		    updated_at = ?,
		    version = ?,
		    base_priority = ?,
		    cancel_reason = ?,
		    worker_id = ?,
		    heartbeat_at = ?
		WHERE id = ? AND version = ?
	`

	for attempt := 0; attempt < maxCASAttempts; attempt++ {
		current, err := s.Get(ctx, id)
		if err != nil {
			return nil, err
		}

		next, err := applyTransition(current, from, mutate)
		if err != nil {
			return nil, err
		}

		var affected int64
		err = retryBusy(ctx, func() error {
			res, err := s.db.ExecContext(ctx, query,
				next.Status,
				next.Priority,
				next.ScheduledFor.UTC(),
				next.RetryCount,
				next.MaxRetries,
				nullString(next.ErrorMessage),
				nullRaw(next.Result),
				next.CancelRequested,
				nullTime(next.StartedAt),
				nullTime(next.CompletedAt),
				next.UpdatedAt.UTC(),
				next.Version,
				next.BasePriority,
				nullString(next.CancelReason),
				nullString(next.WorkerID),
				nullTime(next.HeartbeatAt),
				id,
				current.Version,
			)
			if err != nil {
				return err
			}
			affected, err = res.RowsAffected()
			return err
		})
		if err != nil {
			return nil, errors.Wrapf(err, "failed to update job %s", id)
		}
		if affected == 1 {
			return next, nil
		}
	}

	return nil, errors.NewInvalidStateError("job %s kept changing during update", id)
}

// Heartbeat renews the lease on the running jobs workerID holds. The version
// bump makes a concurrent Transition re-read instead of writing a stale lease.
func (s *SQLiteStore) Heartbeat(ctx context.Context, workerID string, now time.Time) (int64, error) {
	var renewed int64
	err := retryBusy(ctx, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE backtest_jobs
			SET heartbeat_at = ?, version = version + 1
			WHERE status = ? AND worker_id = ?
		`, now.UTC(), StatusRunning, workerID)
		if err != nil {
			return err
		}
		renewed, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return 0, errors.Wrapf(err, "failed to renew leases for %s", workerID)
	}
	return renewed, nil
}

// DeleteTerminalBefore purges terminal jobs that completed before cutoff
func (s *SQLiteStore) DeleteTerminalBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	query := `
		DELETE FROM backtest_jobs
		WHERE status IN (?, ?, ?)
		  AND completed_at IS NOT NULL
		  AND completed_at < ?
	`

	var deleted int64
	err := retryBusy(ctx, func() error {
		res, err := s.db.ExecContext(ctx, query,
			StatusCompleted, StatusFailed, StatusCancelled, cutoff.UTC())
		if err != nil {
			return err
		}
		deleted, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return 0, errors.Wrap(err, "failed to delete terminal jobs")
	}
	return deleted, nil
}

// Aggregate summarizes counts and timings. Durations are computed with julianday
// so the work stays in SQLite.
func (s *SQLiteStore) Aggregate(ctx context.Context, now, since time.Time) (*Aggregate, error) {
	now, since = now.UTC(), since.UTC()
	agg := &Aggregate{Counts: make(map[Status]int, len(AllStatuses))}
	for _, st := range AllStatuses {
		agg.Counts[st] = 0
	}

	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM backtest_jobs GROUP BY status`)
	if err != nil {
		return nil, errors.Wrap(err, "failed to count jobs by status")
	}
	for rows.Next() {
		var st Status
		var n int
		if err := rows.Scan(&st, &n); err != nil {
			rows.Close()
			return nil, errors.Wrap(err, "failed to scan status count")
		}
		agg.Counts[st] = n
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, errors.Wrap(err, "failed to iterate status counts")
	}
	rows.Close()

	err = s.db.QueryRowContext(ctx, `
		SELECT
			COALESCE(SUM(CASE WHEN scheduled_for <= ? THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN scheduled_for > ? THEN 1 ELSE 0 END), 0)
		FROM backtest_jobs WHERE status = ?
	`, now, now, StatusQueued).Scan(&agg.Eligible, &agg.Scheduled)
	if err != nil {
		return nil, errors.Wrap(err, "failed to count queued jobs")
	}

	var avgWait sql.NullFloat64
	err = s.db.QueryRowContext(ctx, `
		SELECT AVG((julianday(started_at) - julianday(created_at)) * 86400.0)
		FROM backtest_jobs
		WHERE started_at IS NOT NULL AND started_at >= ?
	`, since).Scan(&avgWait)
	if err != nil {
		return nil, errors.Wrap(err, "failed to compute wait time")
	}
	agg.AvgWaitSeconds = avgWait.Float64

	var avgRun sql.NullFloat64
	err = s.db.QueryRowContext(ctx, `
		SELECT
			AVG(CASE WHEN started_at IS NOT NULL
				THEN (julianday(completed_at) - julianday(started_at)) * 86400.0 END),
			COUNT(*),
			COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0)
		FROM backtest_jobs
		WHERE status IN (?, ?, ?) AND completed_at IS NOT NULL AND completed_at >= ?
	`, StatusFailed, StatusCompleted, StatusFailed, StatusCancelled, since).Scan(&avgRun, &agg.Finished, &agg.Failed)
	if err != nil {
		return nil, errors.Wrap(err, "failed to compute run time")
	}
	agg.AvgRunSeconds = avgRun.Float64

	err = s.db.QueryRowContext(ctx, `SELECT COALESCE(SUM(retry_count), 0) FROM backtest_jobs`).Scan(&agg.TotalRetries)
	if err != nil {
		return nil, errors.Wrap(err, "failed to sum retries")
	}

	return agg, nil
}

// DailyThroughput buckets terminal jobs by the UTC day they finished
func (s *SQLiteStore) DailyThroughput(ctx context.Context, since time.Time) ([]DailyCount, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT
			substr(completed_at, 1, 10) AS day,
			SUM(CASE WHEN status = ? THEN 1 ELSE 0 END),
			SUM(CASE WHEN status = ? THEN 1 ELSE 0 END),
			SUM(CASE WHEN status = ? THEN 1 ELSE 0 END)
		FROM backtest_jobs
		WHERE completed_at IS NOT NULL AND completed_at >= ?
		GROUP BY day
		ORDER BY day
	`, StatusCompleted, StatusFailed, StatusCancelled, since.UTC())
	if err != nil {
		return nil, errors.Wrap(err, "failed to query daily throughput")
	}
	defer rows.Close()

	days := make([]DailyCount, 0)
	for rows.Next() {
		var d DailyCount
		if err := rows.Scan(&d.Day, &d.Completed, &d.Failed, &d.Cancelled); err != nil {
			return nil, errors.Wrap(err, "failed to scan daily throughput")
		}
		days = append(days, d)
	}
	return days, errors.Wrap(rows.Err(), "failed to iterate daily throughput")
}

// TopOwners ranks owners by jobs created since the given time
func (s *SQLiteStore) TopOwners(ctx context.Context, since time.Time, limit int) ([]OwnerCount, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT owner_id, COUNT(*) AS jobs
		FROM backtest_jobs
		WHERE created_at >= ?
		GROUP BY owner_id
		ORDER BY jobs DESC, owner_id ASC
		LIMIT ?
	`, since.UTC(), limit)
	if err != nil {
		return nil, errors.Wrap(err, "failed to query top owners")
	}
	defer rows.Close()

	owners := make([]OwnerCount, 0)
	for rows.Next() {
		var o OwnerCount
		if err := rows.Scan(&o.OwnerID, &o.Jobs); err != nil {
			return nil, errors.Wrap(err, "failed to scan owner count")
		}
		owners = append(owners, o)
	}
	return owners, errors.Wrap(rows.Err(), "failed to iterate owner counts")
}
