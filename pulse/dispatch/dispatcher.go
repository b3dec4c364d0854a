// Package dispatch runs queued backtest jobs on a bounded pool of slots.
//
// A single loop claims the best eligible job from the store whenever a slot
// is free, then hands it to a JobExecutor in its own goroutine. Each running
// job has a cancellable context registered by ID so a cancel request can
// reach it. Outcomes are written back with guarded transitions.
package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/teranos/backtestq/db"
	"github.com/teranos/backtestq/errors"
	"github.com/teranos/backtestq/logger"
	"github.com/teranos/backtestq/pulse/events"
	"github.com/teranos/backtestq/pulse/queue"
)

// JobExecutor runs a single job. It must return promptly once ctx is done.
type JobExecutor interface {
	Execute(ctx context.Context, job *queue.Job) (json.RawMessage, error)
}

// ExecutorFunc adapts a function to JobExecutor
type ExecutorFunc func(ctx context.Context, job *queue.Job) (json.RawMessage, error)

func (f ExecutorFunc) Execute(ctx context.Context, job *queue.Job) (json.RawMessage, error) {
	return f(ctx, job)
}

// Config contains configuration for the dispatcher
type Config struct {
	MaxConcurrent int            `json:"max_concurrent"` // Number of concurrent slots
	PollInterval  time.Duration  `json:"poll_interval"`  // How often to look for eligible jobs without a wake signal
	TieBreak      queue.TieBreak `json:"tie_break"`      // Ordering among equal priorities
	StopTimeout   time.Duration  `json:"stop_timeout"`   // How long Stop waits before cancelling in-flight jobs

	// WorkerID identifies this dispatcher on the rows it claims. It must be
	// unique among dispatchers sharing a store.
	WorkerID          string        `json:"worker_id"`
	HeartbeatInterval time.Duration `json:"heartbeat_interval"` // How often running rows are touched
	LeaseTimeout      time.Duration `json:"lease_timeout"`      // Silence after which another dispatcher may reclaim a job
}

// DefaultConfig returns sensible defaults
func DefaultConfig() Config {
	return Config{
		MaxConcurrent: 2,
		PollInterval:  time.Second,
		TieBreak:      queue.TieBreakFIFO,
		StopTimeout:   30 * time.Second,

		HeartbeatInterval: 10 * time.Second,
		LeaseTimeout:      time.Minute,
	}
}

// defaultWorkerID is host-pid-random so restarts never reuse an ID
func defaultWorkerID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "unknown"
	}
	return fmt.Sprintf("%s-%d-%s", host, os.Getpid(), uuid.NewString()[:8])
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = def.MaxConcurrent
	}
	if c.PollInterval <= 0 {
		c.PollInterval = def.PollInterval
	}
	if c.TieBreak == "" {
		c.TieBreak = def.TieBreak
	}
	if c.StopTimeout <= 0 {
		c.StopTimeout = def.StopTimeout
	}
	if c.WorkerID == "" {
		c.WorkerID = defaultWorkerID()
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = def.HeartbeatInterval
	}
	if c.LeaseTimeout <= 0 {
		c.LeaseTimeout = def.LeaseTimeout
	}
	// A lease shorter than two heartbeats expires under a healthy worker
	if c.LeaseTimeout < 2*c.HeartbeatInterval {
		c.LeaseTimeout = 2 * c.HeartbeatInterval
	}
	return c
}

const (
	maxConsecutiveErrors = 5
	maxBackoff           = 30 * time.Second

	// defaultCancelReason is recorded when a running job is cancelled without one
	defaultCancelReason = "cancelled while running"
)

// dispatchLogger wraps zap.SugaredLogger with lifecycle helpers.
// Starting logs at DEBUG, Closing at WARN, everything else at INFO.
type dispatchLogger struct {
	*zap.SugaredLogger
}

func (l dispatchLogger) Starting(msg string, keysAndValues ...interface{}) {
	l.Debugw(msg, keysAndValues...)
}

func (l dispatchLogger) Closing(msg string, keysAndValues ...interface{}) {
	l.Warnw(msg, keysAndValues...)
}

// activeJob is a registry entry for one running job
type activeJob struct {
	cancel    context.CancelFunc
	cancelled bool
}

// Dispatcher claims eligible jobs and executes them with at most
// MaxConcurrent running at a time
type Dispatcher struct {
	store    queue.Store
	executor JobExecutor
	events   events.Publisher
	cfg      Config
	logger   dispatchLogger

	sem     *semaphore.Weighted
	running atomic.Int64
	wake    chan struct{}

	mu         sync.Mutex
	active     map[string]*activeJob
	started    bool
	loopCancel context.CancelFunc
	jobsCtx    context.Context
	jobsCancel context.CancelFunc
	beatCancel context.CancelFunc
	loopWG     sync.WaitGroup
	jobsWG     sync.WaitGroup
	beatWG     sync.WaitGroup
}

// New creates a dispatcher. publisher may be nil.
func New(store queue.Store, executor JobExecutor, cfg Config, publisher events.Publisher, log *zap.SugaredLogger) *Dispatcher {
	cfg = cfg.withDefaults()
	if publisher == nil {
		publisher = events.Nop{}
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}

	return &Dispatcher{
		store:    store,
		executor: executor,
		events:   publisher,
		cfg:      cfg,
		logger:   dispatchLogger{log.Named("dispatch")},
		sem:      semaphore.NewWeighted(int64(cfg.MaxConcurrent)),
		wake:     make(chan struct{}, 1),
		active:   make(map[string]*activeJob),
	}
}

// Start recovers orphaned jobs and begins the claim and heartbeat loops.
// Cancelling ctx stops claiming new work; in-flight jobs keep running and
// heartbeating until Stop.
func (d *Dispatcher) Start(ctx context.Context) error {
	d.mu.Lock()
	if d.started {
		d.mu.Unlock()
		return errors.New("dispatcher already started")
	}
	d.started = true

	loopCtx, loopCancel := context.WithCancel(ctx)
	d.loopCancel = loopCancel
	// Jobs outlive the loop context so Stop can drain them
	d.jobsCtx, d.jobsCancel = context.WithCancel(context.WithoutCancel(ctx))
	beatCtx, beatCancel := context.WithCancel(context.WithoutCancel(ctx))
	d.beatCancel = beatCancel
	d.mu.Unlock()

	if recovered, err := d.recoverOrphans(ctx, true); err != nil {
		d.logger.Warnw("Failed to recover orphaned jobs", logger.FieldError, err)
	} else if recovered > 0 {
		d.logger.Infow("Recovered orphaned jobs", logger.FieldCount, recovered)
	}

	d.logger.Starting("Dispatcher starting",
		logger.FieldWorkers, d.cfg.MaxConcurrent,
		logger.FieldWorkerID, d.cfg.WorkerID,
		"poll_interval", d.cfg.PollInterval,
		"lease_timeout", d.cfg.LeaseTimeout,
		"tie_break", d.cfg.TieBreak)

	d.beatWG.Add(1)
	go d.heartbeatLoop(beatCtx)
	d.loopWG.Add(1)
	go d.loop(loopCtx)
	return nil
}

// Stop halts claiming, waits up to StopTimeout for in-flight jobs, then
// cancels their contexts. Interrupted jobs return to the queue.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	if !d.started {
		d.mu.Unlock()
		return
	}
	d.started = false
	loopCancel, jobsCancel, beatCancel := d.loopCancel, d.jobsCancel, d.beatCancel
	d.mu.Unlock()

	loopCancel()
	d.loopWG.Wait()

	done := make(chan struct{})
	go func() {
		d.jobsWG.Wait()
		close(done)
	}()

	select {
	case <-done:
		d.logger.Infow("Dispatcher stopped, all jobs finished")
	case <-time.After(d.cfg.StopTimeout):
		d.logger.Closing("Stop timeout reached, cancelling in-flight jobs",
			"timeout", d.cfg.StopTimeout,
			logger.FieldCount, d.RunningCount())
		jobsCancel()
		select {
		case <-done:
		case <-time.After(d.cfg.StopTimeout):
			d.logger.Closing("Jobs still running after cancellation, giving up on them")
		}
	}
	jobsCancel()
	beatCancel()
	d.beatWG.Wait()
}

// Wake asks the loop to look for work now instead of at the next poll
func (d *Dispatcher) Wake() {
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

// Cancel signals a job running on this dispatcher. Returns false if the job
// is not running here.
func (d *Dispatcher) Cancel(jobID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	entry, ok := d.active[jobID]
	if !ok {
		return false
	}
	entry.cancelled = true
	entry.cancel()
	return true
}

// RunningCount returns the number of jobs currently executing
func (d *Dispatcher) RunningCount() int {
	return int(d.running.Load())
}

// MaxConcurrent returns the slot capacity
func (d *Dispatcher) MaxConcurrent() int {
	return d.cfg.MaxConcurrent
}

// WorkerID returns the identifier stamped on jobs this dispatcher claims
func (d *Dispatcher) WorkerID() string {
	return d.cfg.WorkerID
}

// RecoverOrphans returns running jobs whose lease has expired to the queue,
// or cancels them if a cancel was already requested. Jobs still heartbeated
// by another dispatcher are left alone.
func (d *Dispatcher) RecoverOrphans(ctx context.Context) (int, error) {
	return d.recoverOrphans(ctx, false)
}

// recoverOrphans with startup set also reclaims rows stamped with this
// dispatcher's own ID, which can only be left over from a previous run.
func (d *Dispatcher) recoverOrphans(ctx context.Context, startup bool) (int, error) {
	page, err := d.store.List(ctx, queue.Filter{
		Statuses: []queue.Status{queue.StatusRunning},
		Limit:    queue.MaxListLimit,
	})
	if err != nil {
		return 0, errors.Wrap(err, "failed to list running jobs")
	}

	now := time.Now().UTC()
	recovered := 0
	for _, orphan := range page.Jobs {
		if d.isActive(orphan.ID) || !d.reclaimable(orphan, now, startup) {
			continue
		}
		job, err := d.store.Transition(ctx, orphan.ID, []queue.Status{queue.StatusRunning}, func(j *queue.Job) error {
			// Re-checked against the fresh row: a heartbeat may have landed since List
			if !d.reclaimable(j, now, startup) {
				return errors.NewInvalidStateError("job %s is leased by %s", j.ID, j.WorkerID)
			}
			if j.CancelRequested {
				j.Cancel(cancelReason(j), time.Now())
			} else {
				j.Interrupt(time.Now())
			}
			return nil
		})
		if errors.IsInvalidStateError(err) {
			continue
		}
		if err != nil {
			d.logger.Warnw("Failed to recover orphaned job", logger.FieldJobID, orphan.ID, logger.FieldError, err)
			continue
		}
		d.logger.Infow("Reclaimed job from expired lease",
			logger.FieldJobID, job.ID,
			"previous_worker", orphan.WorkerID,
			logger.FieldStatus, job.Status)
		recovered++
		d.publishOutcome(job)
	}
	return recovered, nil
}

func (d *Dispatcher) reclaimable(j *queue.Job, now time.Time, startup bool) bool {
	if j.WorkerID == d.cfg.WorkerID {
		return startup
	}
	return j.LeaseExpired(now, d.cfg.LeaseTimeout)
}

// heartbeatLoop keeps this dispatcher's leases fresh and reclaims jobs whose
// owners have gone quiet. It runs until Stop has drained in-flight jobs.
func (d *Dispatcher) heartbeatLoop(ctx context.Context) {
	defer d.beatWG.Done()

	ticker := time.NewTicker(d.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		if d.RunningCount() > 0 {
			if _, err := d.store.Heartbeat(ctx, d.cfg.WorkerID, time.Now().UTC()); err != nil {
				if ctx.Err() != nil || db.IsDatabaseClosed(err) {
					return
				}
				d.logger.Warnw("Failed to refresh job leases", logger.FieldError, err)
			}
		}

		recovered, err := d.RecoverOrphans(ctx)
		if err != nil {
			if ctx.Err() != nil || db.IsDatabaseClosed(err) {
				return
			}
			d.logger.Warnw("Failed to recover orphaned jobs", logger.FieldError, err)
			continue
		}
		if recovered > 0 {
			d.Wake()
		}
	}
}

// loop claims work until ctx is done
func (d *Dispatcher) loop(ctx context.Context) {
	defer d.loopWG.Done()

	ticker := time.NewTicker(d.cfg.PollInterval)
	defer ticker.Stop()

	errorCount := 0
	backoff := time.Second

	for {
		if err := d.dispatchAvailable(ctx); err != nil {
			if ctx.Err() != nil || db.IsDatabaseClosed(err) {
				return
			}
			errorCount++
			d.logger.Errorw("Dispatcher failed to claim job",
				logger.FieldError, err,
				"consecutive_errors", errorCount)

			if errorCount >= maxConsecutiveErrors {
				d.logger.Warnw("Dispatcher backing off due to consecutive errors",
					"backoff", backoff,
					"consecutive_errors", errorCount)
				select {
				case <-ctx.Done():
					return
				case <-time.After(backoff):
				}
				backoff = min(backoff*2, maxBackoff)
			}
		} else {
			if errorCount > 0 {
				d.logger.Infow("Dispatcher recovered from errors", "previous_error_count", errorCount)
			}
			errorCount = 0
			backoff = time.Second
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-d.wake:
		}
	}
}

// dispatchAvailable fills free slots with eligible jobs. A slot is acquired
// before the claim so the running count can never exceed capacity.
func (d *Dispatcher) dispatchAvailable(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return nil
		}
		if !d.sem.TryAcquire(1) {
			return nil
		}

		job, err := d.store.ClaimNext(ctx, time.Now().UTC(), d.cfg.TieBreak, d.cfg.WorkerID)
		if err != nil {
			d.sem.Release(1)
			return errors.Wrap(err, "failed to claim job")
		}
		if job == nil {
			d.sem.Release(1)
			return nil
		}

		d.launch(job)
	}
}

// launch runs a claimed job in its own goroutine. The caller holds a slot.
func (d *Dispatcher) launch(job *queue.Job) {
	d.mu.Lock()
	jobCtx, cancel := context.WithCancel(logger.WithJobID(d.jobsCtx, job.ID))
	d.active[job.ID] = &activeJob{cancel: cancel}
	d.mu.Unlock()

	d.running.Add(1)
	d.jobsWG.Add(1)

	go func() {
		defer d.jobsWG.Done()
		defer d.Wake()
		defer d.sem.Release(1)
		defer d.running.Add(-1)
		defer d.unregister(job.ID)
		defer cancel()

		d.run(jobCtx, job)
	}()
}

func (d *Dispatcher) run(ctx context.Context, job *queue.Job) {
	log := d.logger.With(logger.FieldJobID, job.ID, logger.FieldOwnerID, job.OwnerID)
	log.Infow("Job started", logger.FieldPriority, job.Priority, "retry_count", job.RetryCount)
	d.events.Publish(events.ForJob(events.JobStarted, job))

	// A cancel may have landed in the store between claim and registration
	if fresh, err := d.store.Get(ctx, job.ID); err == nil && fresh.CancelRequested {
		d.Cancel(job.ID)
	}

	start := time.Now()
	result, execErr := d.execute(ctx, job)

	finished, err := d.finish(ctx, job.ID, result, execErr)
	if errors.IsInvalidStateError(err) {
		log.Warnw("Job lease lost, outcome discarded", logger.FieldError, err)
		return
	}
	if err != nil {
		log.Errorw("Failed to record job outcome", logger.FieldError, err)
		return
	}

	log.Infow("Job finished",
		logger.FieldStatus, finished.Status,
		logger.FieldDurationMS, time.Since(start).Milliseconds())
	d.publishOutcome(finished)
}

// execute calls the executor, converting a panic into an error
func (d *Dispatcher) execute(ctx context.Context, job *queue.Job) (result json.RawMessage, err error) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Errorw("Executor panicked",
				logger.FieldJobID, job.ID,
				"panic", r,
				"stack", string(debug.Stack()))
			result, err = nil, errors.Newf("executor panic: %v", r)
		}
	}()
	return d.executor.Execute(ctx, job)
}

// finish records the outcome. A requested cancel wins over any result; a run
// cut short by shutdown goes back to the queue. Nothing is written once the
// row has been reclaimed by another worker.
func (d *Dispatcher) finish(jobCtx context.Context, jobID string, result json.RawMessage, execErr error) (*queue.Job, error) {
	cancelled := d.wasCancelled(jobID)
	// Only Cancel and shutdown end a job context early
	shuttingDown := !cancelled && jobCtx.Err() != nil

	// Outcome writes must land even while the dispatcher shuts down
	ctx := context.Background()
	return d.store.Transition(ctx, jobID, []queue.Status{queue.StatusRunning}, func(j *queue.Job) error {
		if j.WorkerID != d.cfg.WorkerID {
			return errors.NewInvalidStateError("job %s is now leased by %s", j.ID, j.WorkerID)
		}
		now := time.Now()
		switch {
		case cancelled || j.CancelRequested:
			j.Cancel(cancelReason(j), now)
		case execErr != nil && shuttingDown:
			j.Interrupt(now)
		case execErr != nil:
			j.Fail(execErr.Error(), now)
		default:
			j.Complete(result, now)
		}
		return nil
	})
}

func (d *Dispatcher) publishOutcome(job *queue.Job) {
	if job.Status == queue.StatusQueued {
		d.events.Publish(events.ForJob(events.JobRequeued, job))
		return
	}
	d.events.Publish(events.ForTerminal(job))
}

func (d *Dispatcher) unregister(jobID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.active, jobID)
}

func (d *Dispatcher) isActive(jobID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.active[jobID]
	return ok
}

func (d *Dispatcher) wasCancelled(jobID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	entry, ok := d.active[jobID]
	return ok && entry.cancelled
}

func cancelReason(j *queue.Job) string {
	if j.CancelReason != "" {
		return j.CancelReason
	}
	return defaultCancelReason
}
