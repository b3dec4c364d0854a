package queue

import (
	"context"
	"time"
)

// TieBreak orders equal-priority jobs
type TieBreak string

const (
	// TieBreakFIFO dispatches the oldest job first among equal priority
	TieBreakFIFO TieBreak = "fifo"
	// TieBreakLIFO dispatches the newest job first among equal priority
	TieBreakLIFO TieBreak = "lifo"
)

// ParseTieBreak maps a config value to a TieBreak, defaulting to FIFO
func ParseTieBreak(s string) TieBreak {
	if TieBreak(s) == TieBreakLIFO {
		return TieBreakLIFO
	}
	return TieBreakFIFO
}

// MaxListLimit caps a single page of results
const MaxListLimit = 500

// DefaultListLimit is used when a filter leaves Limit at zero
const DefaultListLimit = 50

// SortField selects the list ordering. Results are always newest first.
type SortField string

const (
	SortByCreated   SortField = "created_at"
	SortByCompleted SortField = "completed_at"
)

// Filter narrows List results. Zero values mean "no constraint".
type Filter struct {
	OwnerID        string
	Statuses       []Status
	CreatedAfter   *time.Time
	CreatedBefore  *time.Time
	CompletedAfter *time.Time
	SortBy         SortField
	Limit          int
	Offset         int
}

// Normalize clamps limit and offset to sane bounds
func (f Filter) Normalize() Filter {
	if f.Limit <= 0 {
		f.Limit = DefaultListLimit
	}
	if f.Limit > MaxListLimit {
		f.Limit = MaxListLimit
	}
	if f.Offset < 0 {
		f.Offset = 0
	}
	if f.SortBy == "" {
		f.SortBy = SortByCreated
	}
	return f
}

// Page is one slice of a filtered listing
type Page struct {
	Jobs   []*Job `json:"jobs"`
	Total  int    `json:"total"`
	Limit  int    `json:"limit"`
	Offset int    `json:"offset"`
}

// Aggregate is a point-in-time summary of the store
type Aggregate struct {
	Counts         map[Status]int
	Eligible       int     // queued and due
	Scheduled      int     // queued, not yet due
	AvgWaitSeconds float64 // created -> started, over jobs started in the window
	AvgRunSeconds  float64 // started -> completed, over jobs finished in the window
	Finished       int     // terminal in the window
	Failed         int     // failed in the window
	TotalRetries   int
}

// DailyCount is one day of terminal outcomes
type DailyCount struct {
	Day       string `json:"day"` // YYYY-MM-DD, UTC
	Completed int    `json:"completed"`
	Failed    int    `json:"failed"`
	Cancelled int    `json:"cancelled"`
}

// OwnerCount is the number of jobs submitted by one owner
type OwnerCount struct {
	OwnerID string `json:"owner_id"`
	Jobs    int    `json:"jobs"`
}

// MutateFunc edits a job inside a guarded transition. Returning an error
// aborts the write and the error is passed to the caller unchanged.
type MutateFunc func(job *Job) error

// Store is the durable repository of job records and the single source of truth
// for job state. Every state change goes through Transition or ClaimNext, which
// are compare-and-set operations: a write only lands if the record still has
// the state the caller observed.
type Store interface {
	// Create inserts a new job
	Create(ctx context.Context, job *Job) error

	// Get returns a job by ID, or an ErrNotFound error
	Get(ctx context.Context, id string) (*Job, error)

	// List returns a filtered page of jobs
	List(ctx context.Context, filter Filter) (*Page, error)

	// ClaimNext atomically moves the best eligible queued job to running under
	// workerID's lease and returns it. Returns nil, nil when nothing is eligible.
	ClaimNext(ctx context.Context, now time.Time, tieBreak TieBreak, workerID string) (*Job, error)

	// Heartbeat renews the lease on every running job held by workerID and
	// returns how many were renewed
	Heartbeat(ctx context.Context, workerID string, now time.Time) (int64, error)

	// Transition applies mutate to the current record if its status is in from
	// and the resulting status is a valid transition. ErrInvalidState when the
	// status does not match, ErrNotFound when the job does not exist.
	Transition(ctx context.Context, id string, from []Status, mutate MutateFunc) (*Job, error)

	// DeleteTerminalBefore removes terminal jobs completed before cutoff
	DeleteTerminalBefore(ctx context.Context, cutoff time.Time) (int64, error)

	// Aggregate summarizes the store; window metrics cover jobs since the given time
	Aggregate(ctx context.Context, now, since time.Time) (*Aggregate, error)

	// DailyThroughput counts terminal outcomes per UTC day since the given time
	DailyThroughput(ctx context.Context, since time.Time) ([]DailyCount, error)

	// TopOwners ranks owners by jobs created since the given time
	TopOwners(ctx context.Context, since time.Time, limit int) ([]OwnerCount, error)
}

func containsStatus(statuses []Status, s Status) bool {
	for _, st := range statuses {
		if st == s {
			return true
		}
	}
	return false
}
