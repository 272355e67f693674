package jobs

import (
	"context"
	"log"
	"time"

	"pipecore/internal/metrics"
	"pipecore/internal/store"
)

// QueueSource is the run queue introspection the report reads.
type QueueSource interface {
	QueueDepth() int
	PendingRuns() []string
}

// QueueReportJob logs and exports the run queue depth.
type QueueReportJob struct {
	source   QueueSource
	metrics  *metrics.Metrics
	interval time.Duration
}

// NewQueueReportJob creates the queue report.
func NewQueueReportJob(source QueueSource, m *metrics.Metrics, interval time.Duration) *QueueReportJob {
	return &QueueReportJob{source: source, metrics: m, interval: interval}
}

// Run reports the current depth.
func (j *QueueReportJob) Run(ctx context.Context) error {
	depth := j.source.QueueDepth()
	pending := len(j.source.PendingRuns())
	if j.metrics != nil {
		j.metrics.QueueDepth.Set(float64(depth))
	}
	if depth > 0 || pending > 0 {
		log.Printf("📊 [RUNS] queued=%d pending=%d", depth, pending)
	}
	return nil
}

// Interval implements Job.
func (j *QueueReportJob) Interval() time.Duration { return j.interval }

// WorkerHeartbeatJob registers a SQL worker in the store.
type WorkerHeartbeatJob struct {
	store    store.Store
	url      string
	interval time.Duration
}

// NewWorkerHeartbeatJob creates the heartbeat of the worker reachable at url.
func NewWorkerHeartbeatJob(st store.Store, url string, interval time.Duration) *WorkerHeartbeatJob {
	return &WorkerHeartbeatJob{store: st, url: url, interval: interval}
}

// Run sends one heartbeat.
func (j *WorkerHeartbeatJob) Run(ctx context.Context) error {
	if err := j.store.UpsertSqliteWorker(ctx, j.url); err != nil {
		log.Printf("⚠️ [HEARTBEAT] Failed to register worker %s: %v", j.url, err)
		return err
	}
	return nil
}

// Interval implements Job.
func (j *WorkerHeartbeatJob) Interval() time.Duration { return j.interval }

// IdleExpirer drops databases unused for longer than maxIdle.
type IdleExpirer interface {
	ExpireIdle(maxIdle time.Duration) int
}

// DatabaseExpiryJob closes a worker's idle databases.
type DatabaseExpiryJob struct {
	expirer  IdleExpirer
	maxIdle  time.Duration
	interval time.Duration
}

// NewDatabaseExpiryJob creates the idle database expiry.
func NewDatabaseExpiryJob(expirer IdleExpirer, maxIdle, interval time.Duration) *DatabaseExpiryJob {
	return &DatabaseExpiryJob{expirer: expirer, maxIdle: maxIdle, interval: interval}
}

// Run expires idle databases.
func (j *DatabaseExpiryJob) Run(ctx context.Context) error {
	if n := j.expirer.ExpireIdle(j.maxIdle); n > 0 {
		log.Printf("🧹 [DB-EXPIRY] Closed %d databases idle for %s", n, j.maxIdle)
	}
	return nil
}

// Interval implements Job.
func (j *DatabaseExpiryJob) Interval() time.Duration { return j.interval }
