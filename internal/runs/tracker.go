package runs

import (
	"context"
	"log"
	"sync"
)

// Tracker counts admitted runs for graceful shutdown. Once draining it
// stops admitting runs and waits for the admitted ones to finish.
type Tracker struct {
	wg       sync.WaitGroup
	mu       sync.RWMutex
	draining bool
}

// NewTracker creates a new run tracker.
func NewTracker() *Tracker {
	return &Tracker{}
}

// Acquire registers a new run. Returns false if the tracker is draining
// and new runs should be rejected.
func (t *Tracker) Acquire() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.draining {
		return false
	}
	t.wg.Add(1)
	return true
}

// Release marks a run as finished.
func (t *Tracker) Release() {
	t.wg.Done()
}

// Drain stops admitting runs and waits until every admitted run released
// or ctx is done.
func (t *Tracker) Drain(ctx context.Context) error {
	t.mu.Lock()
	t.draining = true
	t.mu.Unlock()

	log.Println("🔄 [RUNS] Draining admitted runs...")

	done := make(chan struct{})
	go func() {
		t.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Println("✅ [RUNS] All admitted runs completed")
		return nil
	case <-ctx.Done():
		log.Println("⚠️ [RUNS] Drain deadline reached, some runs may be interrupted")
		return ctx.Err()
	}
}

// IsDraining returns true if the tracker is in drain mode.
func (t *Tracker) IsDraining() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.draining
}
