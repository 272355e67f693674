package memstore

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"pipecore/internal/store"
)

type clock struct{ t time.Time }

func (c *clock) now() time.Time          { return c.t }
func (c *clock) advance(d time.Duration) { c.t = c.t.Add(d) }

func TestSqliteWorkers_AssignmentAndCleanup(t *testing.T) {
	ctx := context.Background()
	c := &clock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	s := New()
	s.SetClock(c.now)

	if _, err := s.AssignSqliteWorker(ctx, "db1", 3*time.Second); !errors.Is(err, store.ErrNoWorkers) {
		t.Fatalf("expected ErrNoWorkers, got %v", err)
	}

	s.UpsertSqliteWorker(ctx, "http://a")
	s.UpsertSqliteWorker(ctx, "http://b")

	w1, err := s.AssignSqliteWorker(ctx, "db1", 3*time.Second)
	if err != nil {
		t.Fatal(err)
	}
	w2, _ := s.AssignSqliteWorker(ctx, "db2", 3*time.Second)
	if w1.URL == w2.URL {
		t.Errorf("expected databases spread across workers, both on %s", w1.URL)
	}
	again, _ := s.AssignSqliteWorker(ctx, "db1", 3*time.Second)
	if again.URL != w1.URL {
		t.Errorf("expected sticky assignment to %s, got %s", w1.URL, again.URL)
	}

	// Only b keeps heartbeating.
	c.advance(2 * time.Second)
	s.UpsertSqliteWorker(ctx, "http://b")
	c.advance(2 * time.Second)

	removed, err := s.SqliteWorkersCleanup(ctx, 3*time.Second)
	if err != nil || removed != 1 {
		t.Fatalf("expected 1 worker removed, got %d (%v)", removed, err)
	}
	w, err := s.AssignSqliteWorker(ctx, "db1", 3*time.Second)
	if err != nil || w.URL != "http://b" {
		t.Errorf("expected reassignment to http://b, got %v (%v)", w, err)
	}
}

func TestSqliteWorkers_LivenessBoundary(t *testing.T) {
	ctx := context.Background()
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	tests := []struct {
		name    string
		elapsed time.Duration
		alive   bool
	}{
		{"fresh", 0, true},
		{"just inside", 3*time.Second - time.Nanosecond, true},
		{"exactly at liveness", 3 * time.Second, false},
		{"stale", 4 * time.Second, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := &clock{t: start}
			s := New()
			s.SetClock(c.now)
			s.UpsertSqliteWorker(ctx, "http://a")
			c.advance(tt.elapsed)

			_, err := s.AssignSqliteWorker(ctx, "db", 3*time.Second)
			if tt.alive && err != nil {
				t.Errorf("expected live worker, got %v", err)
			}
			if !tt.alive && !errors.Is(err, store.ErrNoWorkers) {
				t.Errorf("expected ErrNoWorkers, got %v", err)
			}

			removed, err := s.SqliteWorkersCleanup(ctx, 3*time.Second)
			if err != nil {
				t.Fatal(err)
			}
			if want := map[bool]int{true: 0, false: 1}[tt.alive]; removed != want {
				t.Errorf("expected %d removed, got %d", want, removed)
			}
		})
	}
}

func TestSqliteWorkers_AssignExcludes(t *testing.T) {
	ctx := context.Background()
	s := New()
	s.UpsertSqliteWorker(ctx, "http://a")
	s.UpsertSqliteWorker(ctx, "http://b")

	w, err := s.AssignSqliteWorker(ctx, "db", 3*time.Second)
	if err != nil || w.URL != "http://a" {
		t.Fatalf("expected http://a, got %v (%v)", w, err)
	}
	w, err = s.AssignSqliteWorker(ctx, "db", 3*time.Second, "http://a")
	if err != nil || w.URL != "http://b" {
		t.Errorf("expected sticky assignment to move to http://b, got %v (%v)", w, err)
	}
	if _, err := s.AssignSqliteWorker(ctx, "db", 3*time.Second, "http://a", "http://b"); !errors.Is(err, store.ErrNoWorkers) {
		t.Errorf("expected ErrNoWorkers, got %v", err)
	}
}

func TestMarkOrphanRuns(t *testing.T) {
	ctx := context.Background()
	c := &clock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	s := New()
	s.SetClock(c.now)
	project := store.Project{ProjectID: 1}

	s.CreateRun(ctx, store.Run{RunID: "old", ProjectID: 1, Status: store.StatusRunning})
	s.CreateRun(ctx, store.Run{RunID: "done", ProjectID: 1, Status: store.StatusCompleted})
	c.advance(time.Hour)
	s.CreateRun(ctx, store.Run{RunID: "fresh", ProjectID: 1, Status: store.StatusRunning})

	marked, err := s.MarkOrphanRuns(ctx, c.t.Add(-30*time.Minute))
	if err != nil || marked != 1 {
		t.Fatalf("expected 1 orphan, got %d (%v)", marked, err)
	}
	old, _ := s.LoadRun(ctx, project, "old")
	fresh, _ := s.LoadRun(ctx, project, "fresh")
	if old.Status != store.StatusErrored || old.FinishedAt == nil {
		t.Errorf("expected old run errored, got %+v", old)
	}
	if fresh.Status != store.StatusRunning {
		t.Errorf("expected fresh run untouched, got %s", fresh.Status)
	}
}

func TestListTableRows_Pagination(t *testing.T) {
	ctx := context.Background()
	s := New()
	var rows []store.Row
	for i := 0; i < 5; i++ {
		rows = append(rows, store.Row{RowID: fmt.Sprintf("r%d", i), Value: map[string]any{"n": i}})
	}
	s.BatchUpsertTableRows(ctx, "t", rows, false)

	page, total, _ := s.ListTableRows(ctx, "t", 2, 3)
	if total != 5 || len(page) != 2 || page[0].RowID != "r3" {
		t.Errorf("unexpected page: total=%d rows=%v", total, page)
	}
	all, _, _ := s.ListTableRows(ctx, "t", 0, 0)
	if len(all) != 5 {
		t.Errorf("expected all rows, got %d", len(all))
	}

	s.BatchUpsertTableRows(ctx, "t", rows[:1], true)
	_, total, _ = s.ListTableRows(ctx, "t", 0, 0)
	if total != 1 {
		t.Errorf("expected truncate to leave 1 row, got %d", total)
	}
}

func TestSearchDocuments(t *testing.T) {
	ctx := context.Background()
	s := New()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	s.IndexDocument(ctx, store.Document{DataSourceInternalID: "ds", DocumentID: "a", Text: "go channels and goroutines", Tags: []string{"lang:go"}, Timestamp: base})
	s.IndexDocument(ctx, store.Document{DataSourceInternalID: "ds", DocumentID: "b", Text: "channels in rust", Tags: []string{"lang:rust"}, Timestamp: base})
	s.IndexDocument(ctx, store.Document{DataSourceInternalID: "other", DocumentID: "c", Text: "go channels", Timestamp: base})

	hits, _ := s.SearchDocuments(ctx, store.SearchQuery{DataSourceInternalIDs: []string{"ds"}, Query: "go channels", TopK: 10})
	if len(hits) != 2 || hits[0].DocumentID != "a" || hits[0].Score != 1 {
		t.Fatalf("unexpected hits: %+v", hits)
	}

	hits, _ = s.SearchDocuments(ctx, store.SearchQuery{
		DataSourceInternalIDs: []string{"ds"},
		Query:                 "channels",
		TopK:                  10,
		Filter:                &store.SearchFilter{TagsNotIn: []string{"lang:go"}},
	})
	if len(hits) != 1 || hits[0].DocumentID != "b" {
		t.Errorf("expected filter to keep only b, got %+v", hits)
	}
}
