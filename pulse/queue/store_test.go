package queue

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
)

// storeFactories runs every contract test against both implementations
var storeFactories = map[string]func(t *testing.T) Store{
	"sqlite": func(t *testing.T) Store { return NewSQLiteStore(qtest.CreateTestDB(t)) },
	"memory": func(t *testing.T) Store { return NewMemoryStore() },
}

func forEachStore(t *testing.T, fn func(t *testing.T, store Store)) {
	for name, factory := range storeFactories {
		t.Run(name, func(t *testing.T) {
			fn(t, factory(t))
		})
	}
}

var testParams = json.RawMessage(`{"symbol":"AAPL"}`)

func mustJob(t *testing.T, owner string, priority int, scheduledFor, createdAt time.Time) *Job {
	t.Helper()
	job, err := NewJob(owner, testParams, priority, scheduledFor, DefaultMaxRetries, createdAt)
	require.NoError(t, err)
	return job
}

func TestStore_CreateAndGet(t *testing.T) {
	forEachStore(t, func(t *testing.T, store Store) {
		ctx := context.Background()
		now := time.Now().UTC()
		job := mustJob(t, "alice", 70, now, now)

		require.NoError(t, store.Create(ctx, job))

		got, err := store.Get(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(t, job.ID, got.ID)
		assert.Equal(t, "alice", got.OwnerID)
		assert.Equal(t, StatusQueued, got.Status)
		assert.Equal(t, 70, got.Priority)
		assert.JSONEq(t, string(testParams), string(got.Parameters))
		assert.WithinDuration(t, now, got.CreatedAt, time.Millisecond)
		assert.WithinDuration(t, now, got.ScheduledFor, time.Millisecond)
		assert.Nil(t, got.StartedAt)
		assert.Nil(t, got.CompletedAt)
		assert.Empty(t, got.ErrorMessage)
	})
}

func TestStore_GetMissing(t *testing.T) {
	forEachStore(t, func(t *testing.T, store Store) {
		_, err := store.Get(context.Background(), "nope")
		require.Error(t, err)
		assert.True(t, errors.IsNotFoundError(err))
	})
}

func TestStore_ClaimNext_PriorityThenAge(t *testing.T) {
	forEachStore(t, func(t *testing.T, store Store) {
		ctx := context.Background()
		base := time.Now().UTC().Add(-time.Hour)

		low := mustJob(t, "alice", 10, base, base)
		highOld := mustJob(t, "alice", 90, base, base.Add(time.Second))
		highNew := mustJob(t, "bob", 90, base, base.Add(2*time.Second))
		for _, j := range []*Job{low, highNew, highOld} {
			require.NoError(t, store.Create(ctx, j))
		}

		now := time.Now().UTC()
		var order []string
		for i := 0; i < 3; i++ {
			claimed, err := store.ClaimNext(ctx, now, TieBreakFIFO, "w1")
			require.NoError(t, err)
			require.NotNil(t, claimed)
			assert.Equal(t, StatusRunning, claimed.Status)
			require.NotNil(t, claimed.StartedAt)
			order = append(order, claimed.ID)
		}
		assert.Equal(t, []string{highOld.ID, highNew.ID, low.ID}, order)

		none, err := store.ClaimNext(ctx, now, TieBreakFIFO, "w1")
		require.NoError(t, err)
		assert.Nil(t, none)
	})
}

func TestStore_ClaimNext_LIFO(t *testing.T) {
	forEachStore(t, func(t *testing.T, store Store) {
		ctx := context.Background()
		base := time.Now().UTC().Add(-time.Hour)

		older := mustJob(t, "alice", 50, base, base)
		newer := mustJob(t, "alice", 50, base, base.Add(time.Minute))
		require.NoError(t, store.Create(ctx, older))
		require.NoError(t, store.Create(ctx, newer))

		claimed, err := store.ClaimNext(ctx, time.Now().UTC(), TieBreakLIFO, "w1")
		require.NoError(t, err)
		require.NotNil(t, claimed)
		assert.Equal(t, newer.ID, claimed.ID)
	})
}

func TestStore_ClaimNext_RespectsSchedule(t *testing.T) {
	forEachStore(t, func(t *testing.T, store Store) {
		ctx := context.Background()
		now := time.Now().UTC()

		future := mustJob(t, "alice", 100, now.Add(time.Hour), now)
		require.NoError(t, store.Create(ctx, future))

		claimed, err := store.ClaimNext(ctx, now, TieBreakFIFO, "w1")
		require.NoError(t, err)
		assert.Nil(t, claimed, "job scheduled in the future must not dispatch")

		claimed, err = store.ClaimNext(ctx, now.Add(2*time.Hour), TieBreakFIFO, "w1")
		require.NoError(t, err)
		require.NotNil(t, claimed)
		assert.Equal(t, future.ID, claimed.ID)
	})
}

func TestStore_ClaimNext_Concurrent(t *testing.T) {
	forEachStore(t, func(t *testing.T, store Store) {
		ctx := context.Background()
		now := time.Now().UTC().Add(-time.Minute)

		const jobs = 10
		for i := 0; i < jobs; i++ {
			require.NoError(t, store.Create(ctx, mustJob(t, "alice", 50, now, now.Add(time.Duration(i)*time.Millisecond))))
		}

		var mu sync.Mutex
		seen := make(map[string]int)
		var wg sync.WaitGroup
		for w := 0; w < 4; w++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for {
					claimed, err := store.ClaimNext(ctx, time.Now().UTC(), TieBreakFIFO, "w1")
					if err != nil || claimed == nil {
						return
					}
					mu.Lock()
					seen[claimed.ID]++
					mu.Unlock()
				}
			}()
		}
		wg.Wait()

		assert.Len(t, seen, jobs)
		for id, n := range seen {
			assert.Equal(t, 1, n, "job %s claimed more than once", id)
		}
	})
}

func TestStore_Transition(t *testing.T) {
	forEachStore(t, func(t *testing.T, store Store) {
		ctx := context.Background()
		now := time.Now().UTC()
		job := mustJob(t, "alice", 50, now, now)
		require.NoError(t, store.Create(ctx, job))

		t.Run("updates priority while queued", func(t *testing.T) {
			updated, err := store.Transition(ctx, job.ID, []Status{StatusQueued}, func(j *Job) error {
				j.Priority = 80
				return nil
			})
			require.NoError(t, err)
			assert.Equal(t, 80, updated.Priority)

			got, err := store.Get(ctx, job.ID)
			require.NoError(t, err)
			assert.Equal(t, 80, got.Priority)
		})

		t.Run("rejects mismatched status", func(t *testing.T) {
			_, err := store.Transition(ctx, job.ID, []Status{StatusRunning}, func(j *Job) error {
				j.Complete(json.RawMessage(`{}`), time.Now())
				return nil
			})
			require.Error(t, err)
			assert.True(t, errors.IsInvalidStateError(err))
		})

		t.Run("rejects invalid lifecycle move", func(t *testing.T) {
			_, err := store.Transition(ctx, job.ID, []Status{StatusQueued}, func(j *Job) error {
				j.Complete(json.RawMessage(`{}`), time.Now())
				return nil
			})
			require.Error(t, err)
			assert.True(t, errors.IsInvalidStateError(err))

			got, err := store.Get(ctx, job.ID)
			require.NoError(t, err)
			assert.Equal(t, StatusQueued, got.Status)
		})

		t.Run("mutate error aborts", func(t *testing.T) {
			boom := errors.New("boom")
			_, err := store.Transition(ctx, job.ID, []Status{StatusQueued}, func(j *Job) error {
				j.Priority = 1
				return boom
			})
			assert.ErrorIs(t, err, boom)

			got, err := store.Get(ctx, job.ID)
			require.NoError(t, err)
			assert.Equal(t, 80, got.Priority)
		})

		t.Run("missing job", func(t *testing.T) {
			_, err := store.Transition(ctx, "missing", []Status{StatusQueued}, nil)
			assert.True(t, errors.IsNotFoundError(err))
		})
	})
}

func TestStore_FullLifecycle(t *testing.T) {
	forEachStore(t, func(t *testing.T, store Store) {
		ctx := context.Background()
		now := time.Now().UTC().Add(-time.Minute)
		job := mustJob(t, "alice", 50, now, now)
		require.NoError(t, store.Create(ctx, job))

		claimed, err := store.ClaimNext(ctx, time.Now().UTC(), TieBreakFIFO, "w1")
		require.NoError(t, err)
		require.NotNil(t, claimed)

		failed, err := store.Transition(ctx, job.ID, []Status{StatusRunning}, func(j *Job) error {
			j.Fail("engine exploded", time.Now())
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, StatusFailed, failed.Status)
		assert.Equal(t, "engine exploded", failed.ErrorMessage)
		require.NotNil(t, failed.CompletedAt)

		requeued, err := store.Transition(ctx, job.ID, []Status{StatusFailed}, func(j *Job) error {
			j.Requeue(time.Now(), nil)
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, StatusQueued, requeued.Status)
		assert.Equal(t, 1, requeued.RetryCount)
		assert.Nil(t, requeued.StartedAt)
		assert.Nil(t, requeued.CompletedAt)
		assert.Empty(t, requeued.ErrorMessage)

		_, err = store.ClaimNext(ctx, time.Now().UTC(), TieBreakFIFO, "w1")
		require.NoError(t, err)
		done, err := store.Transition(ctx, job.ID, []Status{StatusRunning}, func(j *Job) error {
			j.Complete(json.RawMessage(`{"total_return":"0.12"}`), time.Now())
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, StatusCompleted, done.Status)

		got, err := store.Get(ctx, job.ID)
		require.NoError(t, err)
		assert.JSONEq(t, `{"total_return":"0.12"}`, string(got.Result))
		assert.Equal(t, 1, got.RetryCount)
	})
}

func TestStore_List(t *testing.T) {
	forEachStore(t, func(t *testing.T, store Store) {
		ctx := context.Background()
		base := time.Now().UTC().Add(-time.Hour)

		var aliceIDs []string
		for i := 0; i < 5; i++ {
			j := mustJob(t, "alice", 50, base, base.Add(time.Duration(i)*time.Minute))
			require.NoError(t, store.Create(ctx, j))
			aliceIDs = append(aliceIDs, j.ID)
		}
		require.NoError(t, store.Create(ctx, mustJob(t, "bob", 50, base, base)))

		page, err := store.List(ctx, Filter{OwnerID: "alice", Limit: 2})
		require.NoError(t, err)
		assert.Equal(t, 5, page.Total)
		require.Len(t, page.Jobs, 2)
		// Newest first
		assert.Equal(t, aliceIDs[4], page.Jobs[0].ID)
		assert.Equal(t, aliceIDs[3], page.Jobs[1].ID)

		page, err = store.List(ctx, Filter{OwnerID: "alice", Limit: 2, Offset: 4})
		require.NoError(t, err)
		require.Len(t, page.Jobs, 1)
		assert.Equal(t, aliceIDs[0], page.Jobs[0].ID)

		page, err = store.List(ctx, Filter{Offset: 100})
		require.NoError(t, err)
		assert.Equal(t, 6, page.Total)
		assert.Empty(t, page.Jobs)

		_, err = store.ClaimNext(ctx, time.Now().UTC(), TieBreakFIFO, "w1")
		require.NoError(t, err)
		page, err = store.List(ctx, Filter{Statuses: []Status{StatusRunning}})
		require.NoError(t, err)
		assert.Equal(t, 1, page.Total)
	})
}

func TestStore_DeleteTerminalBefore(t *testing.T) {
	forEachStore(t, func(t *testing.T, store Store) {
		ctx := context.Background()
		old := time.Now().UTC().Add(-48 * time.Hour)

		finish := func(job *Job, at time.Time) {
			require.NoError(t, store.Create(ctx, job))
			_, err := store.Transition(ctx, job.ID, []Status{StatusQueued}, func(j *Job) error {
				j.Cancel("test", at)
				return nil
			})
			require.NoError(t, err)
		}

		stale := mustJob(t, "alice", 50, old, old)
		finish(stale, old)
		fresh := mustJob(t, "alice", 50, old, old)
		finish(fresh, time.Now().UTC())
		active := mustJob(t, "alice", 50, old, old)
		require.NoError(t, store.Create(ctx, active))

		deleted, err := store.DeleteTerminalBefore(ctx, time.Now().UTC().Add(-24*time.Hour))
		require.NoError(t, err)
		assert.Equal(t, int64(1), deleted)

		_, err = store.Get(ctx, stale.ID)
		assert.True(t, errors.IsNotFoundError(err))
		_, err = store.Get(ctx, fresh.ID)
		assert.NoError(t, err)
		_, err = store.Get(ctx, active.ID)
		assert.NoError(t, err)
	})
}

func TestStore_AggregateAndSeries(t *testing.T) {
	forEachStore(t, func(t *testing.T, store Store) {
		ctx := context.Background()
		now := time.Now().UTC()
		since := now.Add(-24 * time.Hour)
		past := now.Add(-time.Hour)

		// One eligible, one scheduled for later
		require.NoError(t, store.Create(ctx, mustJob(t, "alice", 50, past, past)))
		require.NoError(t, store.Create(ctx, mustJob(t, "bob", 50, now.Add(time.Hour), past)))

		// One completed, one failed
		for _, fail := range []bool{false, true} {
			j := mustJob(t, "alice", 60, past, past.Add(-time.Minute))
			require.NoError(t, store.Create(ctx, j))
			_, err := store.Transition(ctx, j.ID, []Status{StatusQueued}, func(job *Job) error {
				job.Start("w1", past)
				return nil
			})
			require.NoError(t, err)
			_, err = store.Transition(ctx, j.ID, []Status{StatusRunning}, func(job *Job) error {
				if fail {
					job.Fail("bad data", past.Add(10*time.Second))
				} else {
					job.Complete(json.RawMessage(`{}`), past.Add(10*time.Second))
				}
				return nil
			})
			require.NoError(t, err)
		}

		agg, err := store.Aggregate(ctx, now, since)
		require.NoError(t, err)
		assert.Equal(t, 2, agg.Counts[StatusQueued])
		assert.Equal(t, 1, agg.Counts[StatusCompleted])
		assert.Equal(t, 1, agg.Counts[StatusFailed])
		assert.Equal(t, 0, agg.Counts[StatusRunning])
		assert.Equal(t, 1, agg.Eligible)
		assert.Equal(t, 1, agg.Scheduled)
		assert.Equal(t, 2, agg.Finished)
		assert.Equal(t, 1, agg.Failed)
		assert.InDelta(t, 60.0, agg.AvgWaitSeconds, 0.5)
		assert.InDelta(t, 10.0, agg.AvgRunSeconds, 0.5)

		days, err := store.DailyThroughput(ctx, since)
		require.NoError(t, err)
		var completed, failed int
		for _, d := range days {
			completed += d.Completed
			failed += d.Failed
		}
		assert.Equal(t, 1, completed)
		assert.Equal(t, 1, failed)

		owners, err := store.TopOwners(ctx, since, 10)
		require.NoError(t, err)
		require.Len(t, owners, 2)
		assert.Equal(t, OwnerCount{OwnerID: "alice", Jobs: 3}, owners[0])
		assert.Equal(t, OwnerCount{OwnerID: "bob", Jobs: 1}, owners[1])
	})
}

func TestStore_LeaseAndHeartbeat(t *testing.T) {
	forEachStore(t, func(t *testing.T, store Store) {
		ctx := context.Background()
		past := time.Now().UTC().Add(-time.Hour)
		require.NoError(t, store.Create(ctx, mustJob(t, "alice", 50, past, past)))
		require.NoError(t, store.Create(ctx, mustJob(t, "alice", 50, past, past.Add(time.Second))))

		first, err := store.ClaimNext(ctx, past, TieBreakFIFO, "w1")
		require.NoError(t, err)
		second, err := store.ClaimNext(ctx, past, TieBreakFIFO, "w2")
		require.NoError(t, err)
		assert.Equal(t, "w1", first.WorkerID)
		require.NotNil(t, first.HeartbeatAt)
		assert.WithinDuration(t, past, *first.HeartbeatAt, time.Millisecond)

		beat := time.Now().UTC()
		renewed, err := store.Heartbeat(ctx, "w1", beat)
		require.NoError(t, err)
		assert.Equal(t, int64(1), renewed)

		got, err := store.Get(ctx, first.ID)
		require.NoError(t, err)
		require.NotNil(t, got.HeartbeatAt)
		assert.WithinDuration(t, beat, *got.HeartbeatAt, time.Millisecond)
		assert.Greater(t, got.Version, first.Version)

		other, err := store.Get(ctx, second.ID)
		require.NoError(t, err)
		assert.Equal(t, "w2", other.WorkerID)
		assert.WithinDuration(t, past, *other.HeartbeatAt, time.Millisecond)

		done, err := store.Transition(ctx, first.ID, []Status{StatusRunning}, func(j *Job) error {
			j.Complete(json.RawMessage(`{}`), time.Now())
			return nil
		})
		require.NoError(t, err)
		renewed, err = store.Heartbeat(ctx, "w1", time.Now())
		require.NoError(t, err)
		assert.Zero(t, renewed, "finished jobs hold no lease")
		assert.Equal(t, "w1", done.WorkerID)
	})
}

func TestStore_CancelReasonAndBasePriority(t *testing.T) {
	forEachStore(t, func(t *testing.T, store Store) {
		ctx := context.Background()
		now := time.Now().UTC()
		job := mustJob(t, "alice", 70, now, now)
		require.NoError(t, store.Create(ctx, job))

		_, err := store.Transition(ctx, job.ID, []Status{StatusQueued}, func(j *Job) error {
			j.Cancel("changed my mind", now)
			return nil
		})
		require.NoError(t, err)

		got, err := store.Get(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(t, StatusCancelled, got.Status)
		assert.Equal(t, "changed my mind", got.CancelReason)
		assert.Empty(t, got.ErrorMessage)
		assert.Equal(t, 70, got.BasePriority)
	})
}
