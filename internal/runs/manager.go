// Package runs schedules app runs: a bounded queue feeds a loop that runs
// each app on its own goroutine under a concurrency cap.
package runs

import (
	"context"
	"errors"
	"fmt"
	"log"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"pipecore/internal/app"
	"pipecore/internal/jobs"
	"pipecore/internal/metrics"
	"pipecore/internal/store"
)

var (
	// ErrQueueFull is returned by RunApp when the queue has no room.
	ErrQueueFull = errors.New("run queue is full")
	// ErrDraining is returned by RunApp once StopLoop has begun or RunLoop
	// has returned.
	ErrDraining = errors.New("run manager is draining")
)

// Options configures a Manager.
type Options struct {
	QueueSize         int
	MaxConcurrentRuns int64
	Metrics           *metrics.Metrics

	// Store enables the dead SQL worker purge and the orphan run sweep.
	Store             store.Store
	HeartbeatLiveness time.Duration
	CleanupInterval   time.Duration
	ReportInterval    time.Duration
	OrphanRunMaxAge   time.Duration

	// OnFinish is called after every run, from the run's goroutine.
	OnFinish func(runID string, run *store.Run, err error)
}

type queuedRun struct {
	app  *app.App
	opts app.RunOptions
}

// Manager owns the run queue and the set of pending runs.
type Manager struct {
	opts      Options
	queue     chan queuedRun
	sem       *semaphore.Weighted
	tracker   *Tracker
	scheduler *jobs.Scheduler

	mu      sync.Mutex
	pending map[string]time.Time
	stopped bool
}

// NewManager creates a manager and its maintenance jobs.
func NewManager(opts Options) (*Manager, error) {
	if opts.QueueSize <= 0 {
		opts.QueueSize = 1024
	}
	if opts.MaxConcurrentRuns <= 0 {
		opts.MaxConcurrentRuns = 64
	}
	if opts.HeartbeatLiveness <= 0 {
		opts.HeartbeatLiveness = 3 * time.Second
	}
	if opts.CleanupInterval <= 0 {
		opts.CleanupInterval = time.Minute
	}
	if opts.ReportInterval <= 0 {
		opts.ReportInterval = 10 * time.Second
	}
	if opts.OrphanRunMaxAge <= 0 {
		opts.OrphanRunMaxAge = 30 * time.Minute
	}

	scheduler, err := jobs.NewScheduler()
	if err != nil {
		return nil, err
	}
	m := &Manager{
		opts:      opts,
		queue:     make(chan queuedRun, opts.QueueSize),
		sem:       semaphore.NewWeighted(opts.MaxConcurrentRuns),
		tracker:   NewTracker(),
		scheduler: scheduler,
		pending:   make(map[string]time.Time),
	}

	if err := scheduler.Register("queue-report", jobs.NewQueueReportJob(m, opts.Metrics, opts.ReportInterval)); err != nil {
		return nil, err
	}
	if opts.Store != nil {
		job := jobs.NewSqliteWorkerCleanupJob(opts.Store, opts.CleanupInterval, opts.HeartbeatLiveness)
		if err := scheduler.Register("sqlite-worker-cleanup", job); err != nil {
			return nil, err
		}
		orphans := jobs.NewOrphanRunCleanupJob(opts.Store, opts.CleanupInterval, opts.OrphanRunMaxAge)
		if err := scheduler.Register("orphan-run-cleanup", orphans); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// RunApp enqueues a run of a and returns its id without waiting.
func (m *Manager) RunApp(a *app.App, opts app.RunOptions) (string, error) {
	// Held across the send so a run cannot land in the queue after RunLoop
	// has flushed it.
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopped || !m.tracker.Acquire() {
		return "", ErrDraining
	}
	if opts.RunID == "" {
		opts.RunID = uuid.NewString()
	}

	select {
	case m.queue <- queuedRun{app: a, opts: opts}:
		if m.opts.Metrics != nil {
			m.opts.Metrics.QueueDepth.Set(float64(len(m.queue)))
		}
		return opts.RunID, nil
	default:
		m.tracker.Release()
		return "", ErrQueueFull
	}
}

// RunLoop consumes the queue until ctx is done. Each run gets a slot of
// the concurrency cap and its own goroutine; runs outlive ctx so that
// StopLoop can drain them. Runs still queued when RunLoop returns are
// finished with an error and later RunApp calls fail with ErrDraining.
func (m *Manager) RunLoop(ctx context.Context) error {
	m.scheduler.Start()
	defer m.scheduler.Stop()
	defer m.close()

	log.Printf("🚀 [RUNS] Run loop started (max %d concurrent runs, queue %d)", m.opts.MaxConcurrentRuns, cap(m.queue))
	for {
		var q queuedRun
		select {
		case <-ctx.Done():
			return ctx.Err()
		case q = <-m.queue:
		}

		runID := q.opts.RunID
		if err := m.sem.Acquire(ctx, 1); err != nil {
			m.finish(runID, nil, fmt.Errorf("run %s not started: %w", runID, err))
			return err
		}
		m.mu.Lock()
		m.pending[runID] = time.Now()
		m.mu.Unlock()
		go m.execute(context.WithoutCancel(ctx), q)
	}
}

// close stops admission and finishes every run left in the queue.
func (m *Manager) close() {
	m.mu.Lock()
	m.stopped = true
	m.mu.Unlock()

	for {
		select {
		case q := <-m.queue:
			runID := q.opts.RunID
			log.Printf("⚠️  [RUNS] Run %s dropped: run loop stopped", runID)
			m.finish(runID, nil, fmt.Errorf("run %s not started: run loop stopped", runID))
		default:
			if m.opts.Metrics != nil {
				m.opts.Metrics.QueueDepth.Set(0)
			}
			return
		}
	}
}

func (m *Manager) execute(ctx context.Context, q queuedRun) {
	runID := q.opts.RunID
	start := time.Now()
	if m.opts.Metrics != nil {
		m.opts.Metrics.RunsInFlight.Inc()
		defer m.opts.Metrics.RunsInFlight.Dec()
	}
	defer m.sem.Release(1)

	var (
		run *store.Run
		err error
	)
	defer func() {
		if r := recover(); r != nil {
			log.Printf("🔥 [RUNS] PANIC in run %s: %v\n%s", runID, r, debug.Stack())
			err = fmt.Errorf("run %s panicked: %v", runID, r)
		}
		m.finish(runID, run, err)
	}()

	run, err = q.app.Run(ctx, q.opts)
	if err != nil {
		log.Printf("❌ [RUNS] Run %s failed after %s: %v", runID, time.Since(start).Round(time.Millisecond), err)
		return
	}
	log.Printf("✅ [RUNS] Run %s finished in %s", runID, time.Since(start).Round(time.Millisecond))
}

func (m *Manager) finish(runID string, run *store.Run, err error) {
	m.mu.Lock()
	delete(m.pending, runID)
	m.mu.Unlock()

	if m.opts.OnFinish != nil {
		m.opts.OnFinish(runID, run, err)
	}
	m.tracker.Release()
}

// StopLoop stops admitting runs and waits until the queue and the pending
// runs are empty, or ctx is done.
func (m *Manager) StopLoop(ctx context.Context) error {
	if err := m.tracker.Drain(ctx); err != nil {
		return fmt.Errorf("stop run loop: %d runs still pending: %w", len(m.PendingRuns()), err)
	}
	return nil
}

// PendingRuns returns the ids of runs holding a concurrency slot, oldest
// first. Queued runs and runs waiting for a slot are not pending.
func (m *Manager) PendingRuns() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.pending))
	for id := range m.pending {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		if ti, tj := m.pending[ids[i]], m.pending[ids[j]]; !ti.Equal(tj) {
			return ti.Before(tj)
		}
		return ids[i] < ids[j]
	})
	return ids
}

// QueueDepth returns the number of runs waiting to start.
func (m *Manager) QueueDepth() int {
	return len(m.queue)
}
