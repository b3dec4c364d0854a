package stats

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/backtestq/errors"
	"github.com/teranos/backtestq/pulse/queue"
)

type fakeWorkers struct{ running, max int }

func (f fakeWorkers) RunningCount() int  { return f.running }
func (f fakeWorkers) MaxConcurrent() int { return f.max }

func seed(t *testing.T, store queue.Store, owner string, at time.Time, final queue.Status) {
	t.Helper()
	ctx := context.Background()
	job, err := queue.NewJob(owner, json.RawMessage(`{}`), 50, at, 3, at)
	require.NoError(t, err)
	require.NoError(t, store.Create(ctx, job))
	if final == queue.StatusQueued {
		return
	}

	_, err = store.Transition(ctx, job.ID, []queue.Status{queue.StatusQueued}, func(j *queue.Job) error {
		j.Start("w1", at.Add(30*time.Second))
		return nil
	})
	require.NoError(t, err)
	if final == queue.StatusRunning {
		return
	}

	_, err = store.Transition(ctx, job.ID, []queue.Status{queue.StatusRunning}, func(j *queue.Job) error {
		end := at.Add(90 * time.Second)
		switch final {
		case queue.StatusCompleted:
			j.Complete(json.RawMessage(`{}`), end)
		case queue.StatusFailed:
			j.Fail("boom", end)
		case queue.StatusCancelled:
			j.Cancel("stop", end)
		}
		return nil
	})
	require.NoError(t, err)
}

func TestAggregator_Stats(t *testing.T) {
	store := queue.NewMemoryStore()
	past := time.Now().UTC().Add(-time.Hour)

	seed(t, store, "alice", past, queue.StatusQueued)
	seed(t, store, "alice", past, queue.StatusRunning)
	seed(t, store, "alice", past, queue.StatusCompleted)
	seed(t, store, "bob", past, queue.StatusCompleted)
	seed(t, store, "bob", past, queue.StatusCompleted)
	seed(t, store, "bob", past, queue.StatusFailed)

	agg := NewAggregator(store, fakeWorkers{running: 1, max: 4})
	s, err := agg.Stats(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, s.Queued)
	assert.Equal(t, 1, s.Running)
	assert.Equal(t, 3, s.Completed)
	assert.Equal(t, 1, s.Failed)
	assert.Equal(t, 6, s.Total)
	assert.Equal(t, 1, s.Eligible)
	assert.Equal(t, 0, s.Scheduled)
	assert.Equal(t, 1, s.ActiveWorkers)
	assert.Equal(t, 4, s.MaxWorkers)
	assert.InDelta(t, 0.25, s.FailureRate, 0.0001)
	assert.InDelta(t, 30.0, s.AvgWaitSeconds, 0.01)
	assert.InDelta(t, 60.0, s.AvgRunSeconds, 0.01)
	assert.InDelta(t, 24.0, s.WindowHours, 0.01)
}

func TestAggregator_EmptyStore(t *testing.T) {
	s, err := NewAggregator(queue.NewMemoryStore(), nil).Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, s.Total)
	assert.Zero(t, s.FailureRate)
	assert.Zero(t, s.MaxWorkers)
}

func TestAggregator_Analytics(t *testing.T) {
	store := queue.NewMemoryStore()
	now := time.Now().UTC()

	seed(t, store, "alice", now.Add(-2*time.Hour), queue.StatusCompleted)
	seed(t, store, "alice", now.Add(-50*time.Hour), queue.StatusFailed)
	seed(t, store, "bob", now.Add(-3*time.Hour), queue.StatusCancelled)
	// Outside a 7 day window
	seed(t, store, "carol", now.AddDate(0, 0, -30), queue.StatusCompleted)

	agg := NewAggregator(store, fakeWorkers{max: 2}).WithHostSampler(func() (*SystemMetrics, error) {
		return &SystemMetrics{CPUCount: 8}, nil
	})

	a, err := agg.Analytics(context.Background(), 7)
	require.NoError(t, err)
	assert.Equal(t, 7, a.Days)
	assert.Equal(t, 4, a.Total, "counts are not windowed")
	require.NotNil(t, a.System)
	assert.Equal(t, 8, a.System.CPUCount)

	var completed, failed, cancelled int
	for _, d := range a.Daily {
		completed += d.Completed
		failed += d.Failed
		cancelled += d.Cancelled
	}
	assert.Equal(t, 1, completed)
	assert.Equal(t, 1, failed)
	assert.Equal(t, 1, cancelled)

	require.Len(t, a.TopOwners, 2)
	assert.Equal(t, "alice", a.TopOwners[0].OwnerID)
	assert.Equal(t, 2, a.TopOwners[0].Jobs)
	assert.InDelta(t, 1.0/3.0, a.FailureRate, 0.0001)
}

func TestAggregator_AnalyticsSamplerErrorOmitsSystem(t *testing.T) {
	agg := NewAggregator(queue.NewMemoryStore(), nil).WithHostSampler(func() (*SystemMetrics, error) {
		return nil, errors.New("no /proc")
	})
	a, err := agg.Analytics(context.Background(), 1)
	require.NoError(t, err)
	assert.Nil(t, a.System)
}

func TestAggregator_AnalyticsValidatesDays(t *testing.T) {
	_, err := NewAggregator(queue.NewMemoryStore(), nil).Analytics(context.Background(), 0)
	assert.True(t, errors.IsValidationError(err))
}

func TestSampleHost(t *testing.T) {
	m, err := SampleHost()
	if err != nil {
		t.Skipf("host metrics unavailable: %v", err)
	}
	assert.Greater(t, m.MemoryTotalGB, 0.0)
	assert.Greater(t, m.CPUCount, 0)
}

type countingStore struct {
	queue.Store
	aggregates int
}

func (c *countingStore) Aggregate(ctx context.Context, now, since time.Time) (*queue.Aggregate, error) {
	c.aggregates++
	return c.Store.Aggregate(ctx, now, since)
}

func TestAggregator_AnalyticsAggregatesOnce(t *testing.T) {
	mem := queue.NewMemoryStore()
	now := time.Now().UTC()
	seed(t, mem, "alice", now.Add(-time.Hour), queue.StatusFailed)
	_, err := mem.Transition(context.Background(), mustOnlyJob(t, mem).ID, []queue.Status{queue.StatusFailed}, func(j *queue.Job) error {
		j.Requeue(now, nil)
		return nil
	})
	require.NoError(t, err)

	store := &countingStore{Store: mem}
	a, err := NewAggregator(store, nil).WithHostSampler(nil).Analytics(context.Background(), 7)
	require.NoError(t, err)
	assert.Equal(t, 1, store.aggregates)
	assert.Equal(t, 1, a.TotalRetries)
	assert.Equal(t, 1, a.Queued)
}

func mustOnlyJob(t *testing.T, store queue.Store) *queue.Job {
	t.Helper()
	page, err := store.List(context.Background(), queue.Filter{})
	require.NoError(t, err)
	require.Len(t, page.Jobs, 1)
	return page.Jobs[0]
}
