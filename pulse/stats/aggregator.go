// Package stats summarizes the queue for the dashboard and operators.
package stats

import (
	"context"
	"time"

	"github.com/teranos/backtestq/errors"
	"github.com/teranos/backtestq/pulse/queue"
)

// DefaultWindow is the lookback for timing and failure-rate metrics in QueueStats
const DefaultWindow = 24 * time.Hour

// TopOwnersLimit caps the owner ranking in Analytics
const TopOwnersLimit = 10

// WorkerCounter exposes the dispatcher's live slot usage
type WorkerCounter interface {
	RunningCount() int
	MaxConcurrent() int
}

// QueueStats is a point-in-time snapshot of the queue
type QueueStats struct {
	Queued         int       `json:"queued"`
	Running        int       `json:"running"`
	Completed      int       `json:"completed"`
	Failed         int       `json:"failed"`
	Cancelled      int       `json:"cancelled"`
	Total          int       `json:"total"`
	Eligible       int       `json:"eligible"`  // queued and due
	Scheduled      int       `json:"scheduled"` // queued, not yet due
	ActiveWorkers  int       `json:"active_workers"`
	MaxWorkers     int       `json:"max_workers"`
	AvgWaitSeconds float64   `json:"avg_wait_seconds"`
	AvgRunSeconds  float64   `json:"avg_run_seconds"`
	FailureRate    float64   `json:"failure_rate"` // failed / finished within the window
	WindowHours    float64   `json:"window_hours"`
	GeneratedAt    time.Time `json:"generated_at"`
}

// Analytics extends QueueStats with series over a multi-day window
type Analytics struct {
	QueueStats
	Days         int                `json:"days"`
	Daily        []queue.DailyCount `json:"daily"`
	TopOwners    []queue.OwnerCount `json:"top_owners"`
	TotalRetries int                `json:"total_retries"`
	System       *SystemMetrics     `json:"system,omitempty"`
}

// Aggregator combines store aggregates with live worker counts. It only reads
// and is safe for concurrent use.
type Aggregator struct {
	store   queue.Store
	workers WorkerCounter
	sampler HostSampler
	now     func() time.Time
}

// NewAggregator creates an aggregator. workers may be nil when no dispatcher
// runs in this process (CLI stats).
func NewAggregator(store queue.Store, workers WorkerCounter) *Aggregator {
	return &Aggregator{
		store:   store,
		workers: workers,
		sampler: SampleHost,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// WithHostSampler overrides the host metrics source
func (a *Aggregator) WithHostSampler(s HostSampler) *Aggregator {
	a.sampler = s
	return a
}

// Stats returns the live snapshot over DefaultWindow
func (a *Aggregator) Stats(ctx context.Context) (*QueueStats, error) {
	now := a.now()
	snap, _, err := a.snapshot(ctx, now, now.Add(-DefaultWindow))
	return snap, err
}

// Analytics returns the snapshot plus daily series over the last days
func (a *Aggregator) Analytics(ctx context.Context, days int) (*Analytics, error) {
	if days < 1 {
		return nil, errors.NewValidationError("days must be >= 1, got %d", days)
	}

	now := a.now()
	since := now.AddDate(0, 0, -days)

	snap, agg, err := a.snapshot(ctx, now, since)
	if err != nil {
		return nil, err
	}

	daily, err := a.store.DailyThroughput(ctx, since)
	if err != nil {
		return nil, errors.Wrap(err, "failed to load daily throughput")
	}
	owners, err := a.store.TopOwners(ctx, since, TopOwnersLimit)
	if err != nil {
		return nil, errors.Wrap(err, "failed to load top owners")
	}
	out := &Analytics{
		QueueStats:   *snap,
		Days:         days,
		Daily:        daily,
		TopOwners:    owners,
		TotalRetries: agg.TotalRetries,
	}
	if a.sampler != nil {
		// Host metrics are best effort
		if sys, err := a.sampler(); err == nil {
			out.System = sys
		}
	}
	return out, nil
}

// snapshot also returns the raw aggregate so Analytics can reuse it
func (a *Aggregator) snapshot(ctx context.Context, now, since time.Time) (*QueueStats, *queue.Aggregate, error) {
	agg, err := a.store.Aggregate(ctx, now, since)
	if err != nil {
		return nil, nil, errors.Wrap(err, "failed to aggregate jobs")
	}

	s := &QueueStats{
		Queued:         agg.Counts[queue.StatusQueued],
		Running:        agg.Counts[queue.StatusRunning],
		Completed:      agg.Counts[queue.StatusCompleted],
		Failed:         agg.Counts[queue.StatusFailed],
		Cancelled:      agg.Counts[queue.StatusCancelled],
		Eligible:       agg.Eligible,
		Scheduled:      agg.Scheduled,
		AvgWaitSeconds: agg.AvgWaitSeconds,
		AvgRunSeconds:  agg.AvgRunSeconds,
		WindowHours:    now.Sub(since).Hours(),
		GeneratedAt:    now,
	}
	for _, n := range agg.Counts {
		s.Total += n
	}
	if agg.Finished > 0 {
		s.FailureRate = float64(agg.Failed) / float64(agg.Finished)
	}
	if a.workers != nil {
		s.ActiveWorkers = a.workers.RunningCount()
		s.MaxWorkers = a.workers.MaxConcurrent()
	}
	return s, agg, nil
}
