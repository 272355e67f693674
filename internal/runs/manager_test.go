package runs

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"pipecore/internal/app"
	"pipecore/internal/env"
	"pipecore/internal/outbound"
	"pipecore/internal/script"
	"pipecore/internal/store"
	"pipecore/internal/store/memstore"
)

// gate blocks every request until released and records how many were
// held at once.
type gate struct {
	srv     *httptest.Server
	release chan struct{}
	once    sync.Once

	mu       sync.Mutex
	arrived  int
	inFlight int
	peak     int
}

func newGate(t *testing.T) *gate {
	g := &gate{release: make(chan struct{})}
	g.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		g.mu.Lock()
		g.arrived++
		g.inFlight++
		if g.inFlight > g.peak {
			g.peak = g.inFlight
		}
		g.mu.Unlock()

		<-g.release

		g.mu.Lock()
		g.inFlight--
		g.mu.Unlock()
		w.Write([]byte(`{"ok":true}`))
	}))
	t.Cleanup(func() {
		g.open()
		g.srv.Close()
	})
	return g
}

func (g *gate) open() { g.once.Do(func() { close(g.release) }) }

func (g *gate) counts() (arrived, peak int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.arrived, g.peak
}

func newApp(t *testing.T, url string) *app.App {
	t.Helper()
	a, err := app.New(fmt.Sprintf(`
blocks:
  - type: curl
    name: FETCH
    config:
      url: %q
`, url))
	if err != nil {
		t.Fatal(err)
	}
	return a
}

func newRunOptions(t *testing.T, st *memstore.Store) app.RunOptions {
	t.Helper()
	scripts := script.NewExecutor(8)
	t.Cleanup(scripts.Close)
	return app.RunOptions{
		Project:        store.Project{ProjectID: 1},
		Store:          st,
		DatabasesStore: st,
		SearchStore:    st,
		Runtime: &env.Runtime{
			Scripts:       scripts,
			HTTP:          outbound.New(outbound.Options{Timeout: 5 * time.Second, AllowPrivateNetworks: true}),
			ScriptTimeout: 2 * time.Second,
			Endpoints:     env.DefaultEndpoints(),
		},
	}
}

type finished struct {
	mu   sync.Mutex
	runs map[string]error
}

func (f *finished) record(runID string, _ *store.Run, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.runs == nil {
		f.runs = make(map[string]error)
	}
	f.runs[runID] = err
}

func (f *finished) get(runID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	err, ok := f.runs[runID]
	return ok, err
}

func startLoop(t *testing.T, m *Manager) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		m.RunLoop(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestManager_RunsAndDrains(t *testing.T) {
	st := memstore.New()
	g := newGate(t)
	var f finished
	m, err := NewManager(Options{MaxConcurrentRuns: 2, OnFinish: f.record})
	if err != nil {
		t.Fatal(err)
	}
	startLoop(t, m)

	a := newApp(t, g.srv.URL)
	var ids []string
	for i := 0; i < 3; i++ {
		id, err := m.RunApp(a, newRunOptions(t, st))
		if err != nil {
			t.Fatal(err)
		}
		ids = append(ids, id)
	}

	waitFor(t, "two runs to reach the server", func() bool {
		arrived, _ := g.counts()
		return arrived == 2
	})
	// Both admitted runs registered before their request; the third is
	// held by the concurrency cap.
	if pending := m.PendingRuns(); len(pending) != 2 {
		t.Fatalf("expected 2 pending runs, got %v", pending)
	}

	stopped := make(chan error, 1)
	go func() { stopped <- m.StopLoop(context.Background()) }()
	waitFor(t, "draining", m.tracker.IsDraining)

	if _, err := m.RunApp(a, newRunOptions(t, st)); !errors.Is(err, ErrDraining) {
		t.Errorf("expected ErrDraining, got %v", err)
	}

	g.open()
	select {
	case err := <-stopped:
		if err != nil {
			t.Fatal(err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("StopLoop did not return")
	}

	if n := len(m.PendingRuns()); n != 0 {
		t.Errorf("expected no pending runs, got %d", n)
	}
	if arrived, peak := g.counts(); arrived != 3 || peak > 2 {
		t.Errorf("expected 3 requests with at most 2 at once, got %d with peak %d", arrived, peak)
	}
	for _, id := range ids {
		ok, err := f.get(id)
		if !ok || err != nil {
			t.Errorf("run %s: finished=%v err=%v", id, ok, err)
		}
		run, err := st.LoadRun(context.Background(), store.Project{ProjectID: 1}, id)
		if err != nil || run.Status != store.StatusCompleted {
			t.Errorf("run %s: expected completed, got %+v (%v)", id, run, err)
		}
	}
}

func TestManager_QueueFull(t *testing.T) {
	m, err := NewManager(Options{QueueSize: 1})
	if err != nil {
		t.Fatal(err)
	}
	a := newApp(t, "http://localhost:1")
	opts := newRunOptions(t, memstore.New())

	if _, err := m.RunApp(a, opts); err != nil {
		t.Fatal(err)
	}
	if _, err := m.RunApp(a, opts); !errors.Is(err, ErrQueueFull) {
		t.Errorf("expected ErrQueueFull, got %v", err)
	}
	if m.QueueDepth() != 1 {
		t.Errorf("expected depth 1, got %d", m.QueueDepth())
	}
}

func TestManager_StopLoopDeadline(t *testing.T) {
	m, err := NewManager(Options{QueueSize: 1})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := m.RunApp(newApp(t, "http://localhost:1"), newRunOptions(t, memstore.New())); err != nil {
		t.Fatal(err)
	}

	// Nothing consumes the queue.
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := m.StopLoop(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected deadline error, got %v", err)
	}
}

func TestManager_RecoversPanics(t *testing.T) {
	var f finished
	m, err := NewManager(Options{OnFinish: f.record})
	if err != nil {
		t.Fatal(err)
	}
	startLoop(t, m)

	id, err := m.RunApp(nil, app.RunOptions{Store: memstore.New()})
	if err != nil {
		t.Fatal(err)
	}
	waitFor(t, "panicking run to finish", func() bool {
		ok, _ := f.get(id)
		return ok
	})
	if _, err := f.get(id); err == nil || !strings.Contains(err.Error(), "panicked") {
		t.Errorf("expected panic error, got %v", err)
	}
	if err := m.StopLoop(context.Background()); err != nil {
		t.Fatal(err)
	}
}

func TestManager_RejectsRunsAfterLoopReturns(t *testing.T) {
	var f finished
	m, err := NewManager(Options{OnFinish: f.record})
	if err != nil {
		t.Fatal(err)
	}
	queued, err := m.RunApp(newApp(t, "http://localhost:1"), newRunOptions(t, memstore.New()))
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := m.RunLoop(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}

	ok, runErr := f.get(queued)
	if !ok || runErr == nil || !strings.Contains(runErr.Error(), "not started") {
		t.Errorf("queued run: finished=%v err=%v", ok, runErr)
	}
	if m.QueueDepth() != 0 {
		t.Errorf("expected empty queue, got %d", m.QueueDepth())
	}
	if _, err := m.RunApp(newApp(t, "http://localhost:1"), newRunOptions(t, memstore.New())); !errors.Is(err, ErrDraining) {
		t.Errorf("expected ErrDraining, got %v", err)
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), time.Second)
	defer stopCancel()
	if err := m.StopLoop(stopCtx); err != nil {
		t.Errorf("StopLoop: %v", err)
	}
}
