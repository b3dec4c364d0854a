package service

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/backtestq/errors"
	qtest "github.com/teranos/backtestq/internal/testing"
	"github.com/teranos/backtestq/internal/util"
	"github.com/teranos/backtestq/pulse/events"
	"github.com/teranos/backtestq/pulse/queue"
)

var (
	alice    = Caller{ID: "alice"}
	bob      = Caller{ID: "bob"}
	operator = Caller{ID: "ops", IsOperator: true}
	params   = json.RawMessage(`{"symbols":["AAPL"]}`)
)

type fakeDispatcher struct {
	mu        sync.Mutex
	cancelled []string
	wakes     int
	running   map[string]bool
}

func (f *fakeDispatcher) Cancel(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = append(f.cancelled, id)
	return f.running[id]
}

func (f *fakeDispatcher) Wake() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.wakes++
}

func (f *fakeDispatcher) RunningCount() int  { return len(f.running) }
func (f *fakeDispatcher) MaxConcurrent() int { return 2 }

func newService(t *testing.T) (*QueueService, queue.Store, *fakeDispatcher) {
	t.Helper()
	store := queue.NewMemoryStore()
	disp := &fakeDispatcher{running: make(map[string]bool)}
	svc := New(store, Config{DefaultMaxRetries: 3}, Deps{Dispatcher: disp})
	return svc, store, disp
}

func enqueue(t *testing.T, svc *QueueService, caller Caller, priority int) *queue.Job {
	t.Helper()
	job, err := svc.Enqueue(context.Background(), caller, EnqueueRequest{Parameters: params, Priority: &priority})
	require.NoError(t, err)
	return job
}

// claim moves a specific job to running the way the dispatcher would
func claim(t *testing.T, store queue.Store, id string) *queue.Job {
	t.Helper()
	job, err := store.Transition(context.Background(), id, []queue.Status{queue.StatusQueued}, func(j *queue.Job) error {
		j.Start("test-worker", time.Now())
		return nil
	})
	require.NoError(t, err)
	return job
}

func fail(t *testing.T, store queue.Store, id string) {
	t.Helper()
	claim(t, store, id)
	_, err := store.Transition(context.Background(), id, []queue.Status{queue.StatusRunning}, func(j *queue.Job) error {
		j.Fail("executor error", time.Now())
		return nil
	})
	require.NoError(t, err)
}

func TestEnqueue_Defaults(t *testing.T) {
	svc, _, disp := newService(t)

	job, err := svc.Enqueue(context.Background(), alice, EnqueueRequest{Parameters: params})
	require.NoError(t, err)
	assert.Equal(t, queue.StatusQueued, job.Status)
	assert.Equal(t, queue.DefaultPriority, job.Priority)
	assert.Equal(t, 3, job.MaxRetries)
	assert.Equal(t, "alice", job.OwnerID)
	assert.WithinDuration(t, time.Now(), job.ScheduledFor, time.Second)
	assert.Equal(t, 1, disp.wakes)
}

func TestEnqueue_Validation(t *testing.T) {
	svc, _, _ := newService(t)
	ctx := context.Background()
	past := time.Now().Add(-time.Hour)

	tests := []struct {
		name string
		req  EnqueueRequest
	}{
		{"priority zero", EnqueueRequest{Parameters: params, Priority: util.Ptr(0)}},
		{"priority above max", EnqueueRequest{Parameters: params, Priority: util.Ptr(101)}},
		{"scheduled in the past", EnqueueRequest{Parameters: params, ScheduledFor: &past}},
		{"missing parameters", EnqueueRequest{}},
		{"invalid parameters", EnqueueRequest{Parameters: json.RawMessage(`nope`)}},
		{"negative retries", EnqueueRequest{Parameters: params, MaxRetries: util.Ptr(-1)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.Enqueue(ctx, alice, tt.req)
			require.Error(t, err)
			assert.True(t, errors.IsValidationError(err), "got %v", err)
		})
	}
}

func TestEnqueue_ParameterValidator(t *testing.T) {
	store := queue.NewMemoryStore()
	svc := New(store, Config{}, Deps{Validator: func(p json.RawMessage) error {
		return errors.New("symbols missing")
	}})

	_, err := svc.Enqueue(context.Background(), alice, EnqueueRequest{Parameters: params})
	require.Error(t, err)
	assert.True(t, errors.IsValidationError(err))
	assert.Contains(t, err.Error(), "symbols missing")
}

func TestEnqueue_RequiresIdentity(t *testing.T) {
	svc, _, _ := newService(t)
	_, err := svc.Enqueue(context.Background(), Caller{}, EnqueueRequest{Parameters: params})
	assert.True(t, errors.IsUnauthorizedError(err))
}

func TestGetJob_Authorization(t *testing.T) {
	svc, _, _ := newService(t)
	ctx := context.Background()
	job := enqueue(t, svc, alice, 50)

	got, err := svc.GetJob(ctx, alice, job.ID)
	require.NoError(t, err)
	assert.Equal(t, job.ID, got.ID)

	_, err = svc.GetJob(ctx, bob, job.ID)
	assert.True(t, errors.IsForbiddenError(err))

	_, err = svc.GetJob(ctx, operator, job.ID)
	assert.NoError(t, err)

	_, err = svc.GetJob(ctx, alice, "missing")
	assert.True(t, errors.IsNotFoundError(err))
}

func TestListJobs(t *testing.T) {
	svc, _, _ := newService(t)
	ctx := context.Background()
	enqueue(t, svc, alice, 50)
	enqueue(t, svc, alice, 60)
	enqueue(t, svc, bob, 70)

	page, err := svc.ListOwnerJobs(ctx, alice, queue.Filter{OwnerID: "bob"})
	require.NoError(t, err)
	assert.Equal(t, 2, page.Total, "owner filter is forced to the caller")

	_, err = svc.ListAllJobs(ctx, alice, queue.Filter{})
	assert.True(t, errors.IsForbiddenError(err))

	page, err = svc.ListAllJobs(ctx, operator, queue.Filter{})
	require.NoError(t, err)
	assert.Equal(t, 3, page.Total)

	page, err = svc.ListAllJobs(ctx, operator, queue.Filter{OwnerID: "bob"})
	require.NoError(t, err)
	assert.Equal(t, 1, page.Total)
}

func TestCancel_Queued(t *testing.T) {
	svc, store, disp := newService(t)
	ctx := context.Background()
	job := enqueue(t, svc, alice, 50)

	cancelled, err := svc.Cancel(ctx, alice, job.ID, "changed my mind")
	require.NoError(t, err)
	assert.Equal(t, queue.StatusCancelled, cancelled.Status)
	assert.Equal(t, "changed my mind", cancelled.CancelReason)
	assert.Empty(t, cancelled.ErrorMessage, "error_message is reserved for failures")
	assert.Nil(t, cancelled.StartedAt, "a queued cancel never starts")
	assert.NotNil(t, cancelled.CompletedAt)
	assert.Empty(t, disp.cancelled, "no dispatcher signal for queued jobs")

	got, err := store.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, queue.StatusCancelled, got.Status)

	_, err = svc.Cancel(ctx, alice, job.ID, "")
	assert.True(t, errors.IsInvalidStateError(err), "terminal jobs cannot be cancelled")
}

func TestCancel_Running(t *testing.T) {
	svc, store, disp := newService(t)
	ctx := context.Background()
	job := enqueue(t, svc, alice, 50)
	claim(t, store, job.ID)
	disp.running[job.ID] = true

	updated, err := svc.Cancel(ctx, operator, job.ID, "")
	require.NoError(t, err)
	assert.Equal(t, queue.StatusRunning, updated.Status, "dispatcher records the final cancel")
	assert.True(t, updated.CancelRequested)
	assert.Equal(t, "cancelled by ops", updated.CancelReason)
	assert.Empty(t, updated.ErrorMessage)
	assert.Equal(t, []string{job.ID}, disp.cancelled)
}

func TestCancel_Forbidden(t *testing.T) {
	svc, store, _ := newService(t)
	ctx := context.Background()
	job := enqueue(t, svc, alice, 50)

	_, err := svc.Cancel(ctx, bob, job.ID, "")
	assert.True(t, errors.IsForbiddenError(err))

	got, err := store.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, queue.StatusQueued, got.Status)
}

// racingStore claims the job between the service's read and its write
type racingStore struct {
	queue.Store
	once sync.Once
}

func (r *racingStore) Transition(ctx context.Context, id string, from []queue.Status, mutate queue.MutateFunc) (*queue.Job, error) {
	r.once.Do(func() {
		_, _ = r.Store.Transition(ctx, id, []queue.Status{queue.StatusQueued}, func(j *queue.Job) error {
			j.Start("test-worker", time.Now())
			return nil
		})
	})
	return r.Store.Transition(ctx, id, from, mutate)
}

func TestCancel_RetriesLostRace(t *testing.T) {
	mem := queue.NewMemoryStore()
	store := &racingStore{Store: mem}
	disp := &fakeDispatcher{running: make(map[string]bool)}
	svc := New(store, Config{}, Deps{Dispatcher: disp})
	ctx := context.Background()

	job, err := queue.NewJob("alice", params, 50, time.Now(), 0, time.Now())
	require.NoError(t, err)
	require.NoError(t, mem.Create(ctx, job))

	updated, err := svc.Cancel(ctx, alice, job.ID, "stop")
	require.NoError(t, err)
	assert.Equal(t, queue.StatusRunning, updated.Status)
	assert.True(t, updated.CancelRequested)
	assert.Equal(t, []string{job.ID}, disp.cancelled)
}

func TestRetry(t *testing.T) {
	svc, store, _ := newService(t)
	ctx := context.Background()

	one := 1
	job, err := svc.Enqueue(ctx, alice, EnqueueRequest{Parameters: params, MaxRetries: &one})
	require.NoError(t, err)

	_, err = svc.Retry(ctx, alice, job.ID, nil)
	assert.True(t, errors.IsInvalidStateError(err), "queued jobs cannot be retried")

	fail(t, store, job.ID)
	retried, err := svc.Retry(ctx, alice, job.ID, util.Ptr(95))
	require.NoError(t, err)
	assert.Equal(t, queue.StatusQueued, retried.Status)
	assert.Equal(t, 1, retried.RetryCount)
	assert.Equal(t, 95, retried.Priority, "override applies to this run")
	assert.Equal(t, 50, retried.BasePriority)
	assert.Nil(t, retried.StartedAt)
	assert.Nil(t, retried.CompletedAt)
	assert.Empty(t, retried.ErrorMessage)

	fail(t, store, job.ID)
	_, err = svc.Retry(ctx, alice, job.ID, nil)
	assert.True(t, errors.IsInvalidStateError(err), "retries exhausted")

	got, err := store.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, queue.StatusFailed, got.Status)
	assert.Equal(t, 1, got.RetryCount)
}

func TestRetry_PriorityOverrideIsOneShot(t *testing.T) {
	svc, store, _ := newService(t)
	ctx := context.Background()
	job := enqueue(t, svc, alice, 50)

	fail(t, store, job.ID)
	bumped, err := svc.Retry(ctx, alice, job.ID, util.Ptr(95))
	require.NoError(t, err)
	assert.Equal(t, 95, bumped.Priority)

	fail(t, store, job.ID)
	plain, err := svc.Retry(ctx, alice, job.ID, nil)
	require.NoError(t, err)
	assert.Equal(t, 50, plain.Priority, "a retry without override returns to the enqueue priority")

	got, err := store.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, 50, got.Priority)
	assert.Equal(t, 50, got.BasePriority)

	// An explicit update moves the base too
	_, err = svc.UpdatePriority(ctx, alice, job.ID, 70)
	require.NoError(t, err)
	fail(t, store, job.ID)
	again, err := svc.Retry(ctx, alice, job.ID, nil)
	require.NoError(t, err)
	assert.Equal(t, 70, again.Priority)
}

func TestRetry_InvalidPriority(t *testing.T) {
	svc, store, _ := newService(t)
	job := enqueue(t, svc, alice, 50)
	fail(t, store, job.ID)

	_, err := svc.Retry(context.Background(), alice, job.ID, util.Ptr(500))
	assert.True(t, errors.IsValidationError(err))
}

func TestUpdatePriorityAndReschedule_OnlyWhileQueued(t *testing.T) {
	svc, store, _ := newService(t)
	ctx := context.Background()
	job := enqueue(t, svc, alice, 50)

	updated, err := svc.UpdatePriority(ctx, alice, job.ID, 80)
	require.NoError(t, err)
	assert.Equal(t, 80, updated.Priority)

	later := time.Now().Add(time.Hour)
	updated, err = svc.Reschedule(ctx, alice, job.ID, later)
	require.NoError(t, err)
	assert.WithinDuration(t, later, updated.ScheduledFor, time.Millisecond)

	_, err = svc.UpdatePriority(ctx, alice, job.ID, 0)
	assert.True(t, errors.IsValidationError(err))
	_, err = svc.Reschedule(ctx, alice, job.ID, time.Now().Add(-time.Hour))
	assert.True(t, errors.IsValidationError(err))

	claim(t, store, job.ID)
	before, err := store.Get(ctx, job.ID)
	require.NoError(t, err)

	_, err = svc.UpdatePriority(ctx, alice, job.ID, 10)
	assert.True(t, errors.IsInvalidStateError(err))
	_, err = svc.Reschedule(ctx, alice, job.ID, time.Now().Add(2*time.Hour))
	assert.True(t, errors.IsInvalidStateError(err))

	after, err := store.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, before, after, "rejected writes leave the record unchanged")
}

func TestBulkOperation_MixedOwnership(t *testing.T) {
	svc, store, _ := newService(t)
	ctx := context.Background()

	mine1 := enqueue(t, svc, alice, 50)
	mine2 := enqueue(t, svc, alice, 50)
	mineDone := enqueue(t, svc, alice, 50)
	_, err := svc.Cancel(ctx, alice, mineDone.ID, "")
	require.NoError(t, err)
	theirs := enqueue(t, svc, bob, 50)

	res, err := svc.BulkOperation(ctx, alice,
		[]string{mine1.ID, mine2.ID, mineDone.ID, theirs.ID, "missing", mine1.ID},
		BulkOp{Kind: BulkCancel})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Affected, "only owned and eligible items change")
	assert.Equal(t, map[string]string{
		mineDone.ID: "invalid_state",
		theirs.ID:   "forbidden",
		"missing":   "not_found",
	}, res.Failed)

	got, err := store.Get(ctx, theirs.ID)
	require.NoError(t, err)
	assert.Equal(t, queue.StatusQueued, got.Status)
}

func TestBulkOperation_OperatorPriority(t *testing.T) {
	svc, store, _ := newService(t)
	ctx := context.Background()
	a := enqueue(t, svc, alice, 50)
	b := enqueue(t, svc, bob, 50)

	res, err := svc.BulkOperation(ctx, operator, []string{a.ID, b.ID}, BulkOp{Kind: BulkPriority, Priority: util.Ptr(99)})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Affected)
	assert.Empty(t, res.Failed)

	for _, id := range []string{a.ID, b.ID} {
		got, err := store.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, 99, got.Priority)
	}
}

func TestBulkOperation_Validation(t *testing.T) {
	svc, _, _ := newService(t)
	ctx := context.Background()

	_, err := svc.BulkOperation(ctx, alice, nil, BulkOp{Kind: BulkCancel})
	assert.True(t, errors.IsValidationError(err))

	_, err = svc.BulkOperation(ctx, alice, []string{"x"}, BulkOp{Kind: "explode"})
	assert.True(t, errors.IsValidationError(err))

	_, err = svc.BulkOperation(ctx, alice, []string{"x"}, BulkOp{Kind: BulkPriority})
	assert.True(t, errors.IsValidationError(err))

	_, err = svc.BulkOperation(ctx, alice, make([]string, MaxBulkIDs+1), BulkOp{Kind: BulkCancel})
	assert.True(t, errors.IsValidationError(err))
}

func TestGetHistory(t *testing.T) {
	svc, store, _ := newService(t)
	ctx := context.Background()

	done := enqueue(t, svc, alice, 50)
	fail(t, store, done.ID)
	enqueue(t, svc, alice, 50)
	other := enqueue(t, svc, bob, 50)
	fail(t, store, other.ID)

	page, err := svc.GetHistory(ctx, alice, 0, 0, 0)
	require.NoError(t, err)
	require.Len(t, page.Jobs, 1)
	assert.Equal(t, done.ID, page.Jobs[0].ID)

	_, err = svc.GetHistory(ctx, alice, 366, 0, 0)
	assert.True(t, errors.IsValidationError(err))
	_, err = svc.GetHistory(ctx, alice, -1, 0, 0)
	assert.True(t, errors.IsValidationError(err))
}

func TestGetHistory_Paging(t *testing.T) {
	svc, store, _ := newService(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		j := enqueue(t, svc, alice, 50)
		fail(t, store, j.ID)
	}

	first, err := svc.GetHistory(ctx, alice, 7, 2, 0)
	require.NoError(t, err)
	assert.Len(t, first.Jobs, 2)
	assert.Equal(t, 5, first.Total)
	assert.Equal(t, 2, first.Limit)

	last, err := svc.GetHistory(ctx, alice, 7, 2, 4)
	require.NoError(t, err)
	require.Len(t, last.Jobs, 1)
	assert.Equal(t, 4, last.Offset)
	assert.NotEqual(t, first.Jobs[0].ID, last.Jobs[0].ID)

	clamped, err := svc.GetHistory(ctx, alice, 7, queue.MaxListLimit+1, 0)
	require.NoError(t, err)
	assert.Equal(t, queue.MaxListLimit, clamped.Limit)
}

func TestGetStatsAndAnalytics(t *testing.T) {
	svc, store, disp := newService(t)
	ctx := context.Background()
	enqueue(t, svc, alice, 50)
	running := enqueue(t, svc, alice, 50)
	claim(t, store, running.ID)
	disp.running[running.ID] = true

	s, err := svc.GetStats(ctx, alice)
	require.NoError(t, err)
	assert.Equal(t, 1, s.Queued)
	assert.Equal(t, 1, s.Running)
	assert.Equal(t, 1, s.ActiveWorkers)
	assert.Equal(t, 2, s.MaxWorkers)

	_, err = svc.GetAnalytics(ctx, alice, 7)
	assert.True(t, errors.IsForbiddenError(err))

	a, err := svc.GetAnalytics(ctx, operator, 0)
	require.NoError(t, err)
	assert.Equal(t, DefaultHistoryDays, a.Days)
}

func TestCleanupCompleted(t *testing.T) {
	store := queue.NewSQLiteStore(qtest.CreateTestDB(t))
	hub := events.NewHub()
	sub := hub.Subscribe()
	svc := New(store, Config{}, Deps{Events: hub})
	ctx := context.Background()

	finishAt := func(at time.Time) *queue.Job {
		job := enqueue(t, svc, alice, 50)
		_, err := store.Transition(ctx, job.ID, []queue.Status{queue.StatusQueued}, func(j *queue.Job) error {
			j.Cancel("old", at)
			return nil
		})
		require.NoError(t, err)
		return job
	}

	old := finishAt(time.Now().AddDate(0, 0, -31))
	recent := finishAt(time.Now().AddDate(0, 0, -29))
	active := enqueue(t, svc, alice, 50)

	_, err := svc.CleanupCompleted(ctx, alice, 30)
	assert.True(t, errors.IsForbiddenError(err))
	_, err = svc.CleanupCompleted(ctx, operator, 0)
	assert.True(t, errors.IsValidationError(err))

	deleted, err := svc.CleanupCompleted(ctx, SystemCaller, 30)
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)

	_, err = store.Get(ctx, old.ID)
	assert.True(t, errors.IsNotFoundError(err))
	for _, id := range []string{recent.ID, active.ID} {
		_, err = store.Get(ctx, id)
		assert.NoError(t, err)
	}

	var purged bool
	for len(sub) > 0 {
		if ev := <-sub; ev.Type == events.JobsPurged {
			purged = true
			assert.Equal(t, int64(1), ev.Count)
		}
	}
	assert.True(t, purged)
}

func TestFailureCode(t *testing.T) {
	assert.Equal(t, "", FailureCode(nil))
	assert.Equal(t, "not_found", FailureCode(errors.NewNotFoundError("x")))
	assert.Equal(t, "internal_error", FailureCode(errors.New("disk full")))
}
