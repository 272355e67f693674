package mongostore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"pipecore/internal/database"
	"pipecore/internal/store"
)

// newTestStore connects to MONGODB_TEST_URI or skips.
func newTestStore(t *testing.T) *Store {
	t.Helper()
	uri := os.Getenv("MONGODB_TEST_URI")
	if uri == "" {
		t.Skip("MONGODB_TEST_URI not set")
	}
	db, err := database.NewMongoDB(context.Background(), uri)
	if err != nil {
		t.Fatalf("failed to connect: %v", err)
	}
	ctx := context.Background()
	if err := db.Initialize(ctx); err != nil {
		t.Fatalf("failed to initialize: %v", err)
	}
	t.Cleanup(func() { db.Close(context.Background()) })
	return New(db)
}

func TestRunLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	project := store.Project{ProjectID: time.Now().UnixNano()}
	runID := fmt.Sprintf("run-%d", project.ProjectID)

	if err := s.CreateRun(ctx, store.Run{RunID: runID, ProjectID: project.ProjectID, Status: store.StatusRunning}); err != nil {
		t.Fatal(err)
	}
	if err := s.UpdateRun(ctx, store.Run{RunID: runID, ProjectID: project.ProjectID, Status: store.StatusCompleted}); err != nil {
		t.Fatal(err)
	}
	run, err := s.LoadRun(ctx, project, runID)
	if err != nil || run.Status != store.StatusCompleted {
		t.Fatalf("expected completed run, got %+v (%v)", run, err)
	}

	if _, err := s.LoadRun(ctx, project, "missing"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestSpecificationRegisteredOnce(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	project := store.Project{ProjectID: time.Now().UnixNano()}

	s.RegisterSpecification(ctx, project, "h", "first")
	s.RegisterSpecification(ctx, project, "h", "second")
	spec, err := s.LoadSpecification(ctx, project, "h")
	if err != nil || spec != "first" {
		t.Errorf("expected first registration to win, got %q (%v)", spec, err)
	}
}
