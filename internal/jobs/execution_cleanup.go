package jobs

import (
	"context"
	"log"
	"time"

	"pipecore/internal/store"
)

// OrphanRunCleanupJob finds runs stuck in "running" status (e.g., from a
// process crash) and marks them as errored.
type OrphanRunCleanupJob struct {
	store    store.Store
	interval time.Duration
	maxAge   time.Duration // runs not updated for longer than this are orphaned
}

// NewOrphanRunCleanupJob creates a new orphan run cleanup job.
// interval: how often to run (e.g., 5 minutes)
// maxAge: runs not updated for longer than this are orphaned (e.g., 15 minutes)
func NewOrphanRunCleanupJob(st store.Store, interval, maxAge time.Duration) *OrphanRunCleanupJob {
	return &OrphanRunCleanupJob{store: st, interval: interval, maxAge: maxAge}
}

// Run finds and cleans up orphaned runs.
func (j *OrphanRunCleanupJob) Run(ctx context.Context) error {
	if j.store == nil {
		log.Println("⚠️ [ORPHAN-CLEANUP] Skipped: no store configured")
		return nil
	}

	cutoff := time.Now().Add(-j.maxAge)
	n, err := j.store.MarkOrphanRuns(ctx, cutoff)
	if err != nil {
		log.Printf("❌ [ORPHAN-CLEANUP] Failed to mark orphaned runs: %v", err)
		return err
	}
	if n > 0 {
		log.Printf("🧹 [ORPHAN-CLEANUP] Marked %d orphaned runs (last updated before %s)", n, cutoff.Format(time.RFC3339))
	}
	return nil
}

// Interval implements Job.
func (j *OrphanRunCleanupJob) Interval() time.Duration { return j.interval }

// SqliteWorkerCleanupJob deletes SQL workers that missed their heartbeat
// deadline, together with their database assignments.
type SqliteWorkerCleanupJob struct {
	store    store.Store
	interval time.Duration
	liveness time.Duration
}

// NewSqliteWorkerCleanupJob creates the dead-worker purge.
func NewSqliteWorkerCleanupJob(st store.Store, interval, liveness time.Duration) *SqliteWorkerCleanupJob {
	return &SqliteWorkerCleanupJob{store: st, interval: interval, liveness: liveness}
}

// Run purges dead workers.
func (j *SqliteWorkerCleanupJob) Run(ctx context.Context) error {
	n, err := j.store.SqliteWorkersCleanup(ctx, j.liveness)
	if err != nil {
		log.Printf("❌ [WORKER-CLEANUP] Failed to purge dead workers: %v", err)
		return err
	}
	if n > 0 {
		log.Printf("🧹 [WORKER-CLEANUP] Purged %d workers without heartbeat for %s", n, j.liveness)
	}
	return nil
}

// Interval implements Job.
func (j *SqliteWorkerCleanupJob) Interval() time.Duration { return j.interval }
