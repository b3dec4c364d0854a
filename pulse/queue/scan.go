package queue

import (
	"database/sql"
	"encoding/json"
	"time"

	"github.com/mattn/go-sqlite3"

	"github.com/teranos/backtestq/errors"
)

// jobColumns is the standard column list for job SELECT and RETURNING clauses
const jobColumns = `id, owner_id, parameters, status, priority, scheduled_for,
		retry_count, max_retries, error_message, result, cancel_requested,
		created_at, started_at, completed_at, updated_at, version,
		base_priority, cancel_reason, worker_id, heartbeat_at`

// timeValue scans SQLite timestamps whether the driver hands back a
// time.Time (declared DATETIME column) or raw text (expressions, RETURNING).
type timeValue struct {
	Time  time.Time
	Valid bool
}

func (t *timeValue) Scan(src interface{}) error {
	switch v := src.(type) {
	case nil:
		t.Time, t.Valid = time.Time{}, false
		return nil
	case time.Time:
		t.Time, t.Valid = v.UTC(), true
		return nil
	case string:
		return t.parse(v)
	case []byte:
		return t.parse(string(v))
	default:
		return errors.Newf("unsupported timestamp type %T", src)
	}
}

func (t *timeValue) parse(s string) error {
	for _, layout := range sqlite3.SQLiteTimestampFormats {
		if parsed, err := time.Parse(layout, s); err == nil {
			t.Time, t.Valid = parsed.UTC(), true
			return nil
		}
	}
	return errors.Newf("unparseable timestamp %q", s)
}

func (t timeValue) ptr() *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

// jobScanArgs holds the nullable and converted columns of a job row
type jobScanArgs struct {
	Parameters   string
	ErrorMessage sql.NullString
	Result       sql.NullString
	ScheduledFor timeValue
	CreatedAt    timeValue
	StartedAt    timeValue
	CompletedAt  timeValue
	UpdatedAt    timeValue
	CancelReason sql.NullString
	WorkerID     sql.NullString
	HeartbeatAt  timeValue
}

// targets returns scan destinations in jobColumns order
func (a *jobScanArgs) targets(job *Job) []interface{} {
	return []interface{}{
		&job.ID,
		&job.OwnerID,
		&a.Parameters,
		&job.Status,
		&job.Priority,
		&a.ScheduledFor,
		&job.RetryCount,
		&job.MaxRetries,
		&a.ErrorMessage,
		&a.Result,
		&job.CancelRequested,
		&a.CreatedAt,
		&a.StartedAt,
		&a.CompletedAt,
		&a.UpdatedAt,
		&job.Version,
		&job.BasePriority,
		&a.CancelReason,
		&a.WorkerID,
		&a.HeartbeatAt,
	}
}

func (a *jobScanArgs) apply(job *Job) {
	job.Parameters = json.RawMessage(a.Parameters)
	if a.ErrorMessage.Valid {
		job.ErrorMessage = a.ErrorMessage.String
	}
	if a.Result.Valid && a.Result.String != "" {
		job.Result = json.RawMessage(a.Result.String)
	}
	job.ScheduledFor = a.ScheduledFor.Time
	job.CreatedAt = a.CreatedAt.Time
	job.StartedAt = a.StartedAt.ptr()
	job.CompletedAt = a.CompletedAt.ptr()
	job.UpdatedAt = a.UpdatedAt.Time
	job.CancelReason = a.CancelReason.String
	job.WorkerID = a.WorkerID.String
	job.HeartbeatAt = a.HeartbeatAt.ptr()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

// scanJob scans a single job from a sql.Row or sql.Rows
func scanJob(row rowScanner) (*Job, error) {
	var job Job
	var args jobScanArgs
	if err := row.Scan(args.targets(&job)...); err != nil {
		return nil, err
	}
	args.apply(&job)
	return &job, nil
}

// nullString maps "" to NULL
func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// nullRaw maps an empty JSON payload to NULL
func nullRaw(raw json.RawMessage) sql.NullString {
	return sql.NullString{String: string(raw), Valid: len(raw) > 0}
}

// nullTime maps a nil timestamp to NULL and normalizes to UTC
func nullTime(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return t.UTC()
}
