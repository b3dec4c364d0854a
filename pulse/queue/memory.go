package queue

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/teranos/backtestq/errors"
)

// MemoryStore is an in-process Store. A single mutex serializes every
// operation, so ClaimNext and Transition are trivially atomic.
type MemoryStore struct {
	mu   sync.Mutex
	jobs map[string]*Job
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{jobs: make(map[string]*Job)}
}

func (m *MemoryStore) Create(ctx context.Context, job *Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.jobs[job.ID]; exists {
		return errors.Newf("failed to create job: duplicate id %s", job.ID)
	}
	m.jobs[job.ID] = job.Clone()
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	job, ok := m.jobs[id]
	if !ok {
		return nil, errors.NewNotFoundError("job %s", id)
	}
	return job.Clone(), nil
}

func (m *MemoryStore) List(ctx context.Context, filter Filter) (*Page, error) {
	filter = filter.Normalize()

	m.mu.Lock()
	matched := make([]*Job, 0, len(m.jobs))
	for _, job := range m.jobs {
		if matchesFilter(job, filter) {
			matched = append(matched, job.Clone())
		}
	}
	m.mu.Unlock()

	sort.Slice(matched, func(i, j int) bool {
		a, b := matched[i], matched[j]
		if filter.SortBy == SortByCompleted {
			at, bt := completedOrZero(a), completedOrZero(b)
			if !at.Equal(bt) {
				return at.After(bt)
			}
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.After(b.CreatedAt)
		}
		return a.ID < b.ID
	})

	page := &Page{Total: len(matched), Limit: filter.Limit, Offset: filter.Offset, Jobs: []*Job{}}
	if filter.Offset < len(matched) {
		end := filter.Offset + filter.Limit
		if end > len(matched) {
			end = len(matched)
		}
		page.Jobs = matched[filter.Offset:end]
	}
	return page, nil
}

func (m *MemoryStore) ClaimNext(ctx context.Context, now time.Time, tieBreak TieBreak, workerID string) (*Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var best *Job
	for _, job := range m.jobs {
		if !job.IsEligible(now) {
			continue
		}
		if best == nil || dispatchesBefore(job, best, tieBreak) {
			best = job
		}
	}
	if best == nil {
		return nil, nil
	}

	best.Start(workerID, now)
	best.Version++
	return best.Clone(), nil
}

func (m *MemoryStore) Heartbeat(ctx context.Context, workerID string, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now = now.UTC()
	var renewed int64
	for _, job := range m.jobs {
		if job.Status != StatusRunning || job.WorkerID != workerID {
			continue
		}
		beat := now
		job.HeartbeatAt = &beat
		job.Version++
		renewed++
	}
	return renewed, nil
}

func (m *MemoryStore) Transition(ctx context.Context, id string, from []Status, mutate MutateFunc) (*Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	current, ok := m.jobs[id]
	if !ok {
		return nil, errors.NewNotFoundError("job %s", id)
	}

	next, err := applyTransition(current, from, mutate)
	if err != nil {
		return nil, err
	}
	m.jobs[id] = next
	return next.Clone(), nil
}

func (m *MemoryStore) DeleteTerminalBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var deleted int64
	for id, job := range m.jobs {
		if job.Status.IsTerminal() && job.CompletedAt != nil && job.CompletedAt.Before(cutoff) {
			delete(m.jobs, id)
			deleted++
		}
	}
	return deleted, nil
}

func (m *MemoryStore) Aggregate(ctx context.Context, now, since time.Time) (*Aggregate, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	agg := &Aggregate{Counts: make(map[Status]int, len(AllStatuses))}
	for _, st := range AllStatuses {
		agg.Counts[st] = 0
	}

	var waitSum, runSum float64
	var waitN, runN int
	for _, job := range m.jobs {
		agg.Counts[job.Status]++
		agg.TotalRetries += job.RetryCount

		if job.Status == StatusQueued {
			if job.ScheduledFor.After(now) {
				agg.Scheduled++
			} else {
				agg.Eligible++
			}
		}
		if job.StartedAt != nil && !job.StartedAt.Before(since) {
			waitSum += job.StartedAt.Sub(job.CreatedAt).Seconds()
			waitN++
		}
		if job.Status.IsTerminal() && job.CompletedAt != nil && !job.CompletedAt.Before(since) {
			agg.Finished++
			if job.Status == StatusFailed {
				agg.Failed++
			}
			if job.StartedAt != nil {
				runSum += job.CompletedAt.Sub(*job.StartedAt).Seconds()
				runN++
			}
		}
	}
	if waitN > 0 {
		agg.AvgWaitSeconds = waitSum / float64(waitN)
	}
	if runN > 0 {
		agg.AvgRunSeconds = runSum / float64(runN)
	}
	return agg, nil
}

func (m *MemoryStore) DailyThroughput(ctx context.Context, since time.Time) ([]DailyCount, error) {
	m.mu.Lock()
	byDay := make(map[string]*DailyCount)
	for _, job := range m.jobs {
		if !job.Status.IsTerminal() || job.CompletedAt == nil || job.CompletedAt.Before(since) {
			continue
		}
		day := job.CompletedAt.UTC().Format("2006-01-02")
		d, ok := byDay[day]
		if !ok {
			d = &DailyCount{Day: day}
			byDay[day] = d
		}
		switch job.Status {
		case StatusCompleted:
			d.Completed++
		case StatusFailed:
			d.Failed++
		case StatusCancelled:
			d.Cancelled++
		}
	}
	m.mu.Unlock()

	days := make([]DailyCount, 0, len(byDay))
	for _, d := range byDay {
		days = append(days, *d)
	}
	sort.Slice(days, func(i, j int) bool { return days[i].Day < days[j].Day })
	return days, nil
}

func (m *MemoryStore) TopOwners(ctx context.Context, since time.Time, limit int) ([]OwnerCount, error) {
	if limit <= 0 {
		limit = 10
	}

	m.mu.Lock()
	counts := make(map[string]int)
	for _, job := range m.jobs {
		if !job.CreatedAt.Before(since) {
			counts[job.OwnerID]++
		}
	}
	m.mu.Unlock()

	owners := make([]OwnerCount, 0, len(counts))
	for id, n := range counts {
		owners = append(owners, OwnerCount{OwnerID: id, Jobs: n})
	}
	sort.Slice(owners, func(i, j int) bool {
		if owners[i].Jobs != owners[j].Jobs {
			return owners[i].Jobs > owners[j].Jobs
		}
		return owners[i].OwnerID < owners[j].OwnerID
	})
	if len(owners) > limit {
		owners = owners[:limit]
	}
	return owners, nil
}

// dispatchesBefore reports whether a should be claimed ahead of b
func dispatchesBefore(a, b *Job, tieBreak TieBreak) bool {
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		if tieBreak == TieBreakLIFO {
			return a.CreatedAt.After(b.CreatedAt)
		}
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}

func matchesFilter(job *Job, f Filter) bool {
	if f.OwnerID != "" && job.OwnerID != f.OwnerID {
		return false
	}
	if len(f.Statuses) > 0 && !containsStatus(f.Statuses, job.Status) {
		return false
	}
	if f.CreatedAfter != nil && job.CreatedAt.Before(*f.CreatedAfter) {
		return false
	}
	if f.CreatedBefore != nil && !job.CreatedAt.Before(*f.CreatedBefore) {
		return false
	}
	if f.CompletedAfter != nil && (job.CompletedAt == nil || job.CompletedAt.Before(*f.CompletedAfter)) {
		return false
	}
	return true
}

func completedOrZero(j *Job) time.Time {
	if j.CompletedAt == nil {
		return time.Time{}
	}
	return *j.CompletedAt
}
