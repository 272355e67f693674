package sqliteworker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/sirupsen/logrus"

	"pipecore/internal/store"
	"pipecore/internal/store/memstore"
)

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func usersTable() store.Table {
	return store.Table{
		ProjectID:    1,
		DataSourceID: "ds",
		TableID:      "users",
		Name:         "users",
		Schema: store.TableSchema{
			{Name: "id", ValueType: store.ValueTypeInt},
			{Name: "name", ValueType: store.ValueTypeText},
			{Name: "active", ValueType: store.ValueTypeBool},
		},
	}
}

// newWorker starts a worker backed by n user rows.
func newWorker(t *testing.T, n int) (*Server, string) {
	t.Helper()
	rows := memstore.New()
	batch := make([]store.Row, 0, n)
	for i := 0; i < n; i++ {
		batch = append(batch, store.Row{
			RowID: fmt.Sprintf("%04d", i),
			Value: map[string]any{"id": float64(i), "name": fmt.Sprintf("user-%d", i), "active": i%2 == 0},
		})
	}
	if err := rows.BatchUpsertTableRows(context.Background(), usersTable().UniqueID(), batch, true); err != nil {
		t.Fatal(err)
	}

	server := NewServer(ServerOptions{Rows: rows, Logger: quietLogger()})
	ts := httptest.NewServer(adaptor.FiberApp(server.App()))
	t.Cleanup(ts.Close)
	return server, ts.URL
}

func TestQuery_RowLimit(t *testing.T) {
	client := NewClient(5*time.Second, quietLogger())

	t.Run("128 rows succeed", func(t *testing.T) {
		_, url := newWorker(t, 128)
		results, err := client.ExecuteQuery(context.Background(), url, "db", []store.Table{usersTable()}, "SELECT * FROM users")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if len(results) != 128 {
			t.Errorf("expected 128 rows, got %d", len(results))
		}
	})

	t.Run("129 rows exceed the limit", func(t *testing.T) {
		_, url := newWorker(t, 129)
		_, err := client.ExecuteQuery(context.Background(), url, "db", []store.Table{usersTable()}, "SELECT * FROM users")
		var serverErr *ServerError
		if !errors.As(err, &serverErr) {
			t.Fatalf("expected ServerError, got %v", err)
		}
		if serverErr.Code != CodeTooManyResultRows || serverErr.HTTPStatus != http.StatusBadRequest {
			t.Errorf("unexpected error: %+v", serverErr)
		}
	})
}

func TestQuery_TypedValues(t *testing.T) {
	_, url := newWorker(t, 4)
	client := NewClient(5*time.Second, quietLogger())

	results, err := client.ExecuteQuery(context.Background(), url, "db", []store.Table{usersTable()},
		"SELECT id, name FROM users WHERE active = 1 ORDER BY id DESC")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("expected 2 active users, got %d", len(results))
	}
	// JSON decoding turns integers into float64.
	if results[0].Value["id"] != float64(2) || results[0].Value["name"] != "user-2" {
		t.Errorf("unexpected first row: %v", results[0].Value)
	}
}

func TestQuery_ReadOnlyAndErrors(t *testing.T) {
	_, url := newWorker(t, 1)
	client := NewClient(5*time.Second, quietLogger())

	tests := []struct {
		name  string
		query string
		code  string
	}{
		{"write rejected", "INSERT INTO users (id, name, active) VALUES (9, 'x', 1)", CodeQueryExecution},
		{"unknown table", "SELECT * FROM missing", CodeQueryExecution},
		{"empty query", "   ", CodeInvalidRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := client.ExecuteQuery(context.Background(), url, "db", []store.Table{usersTable()}, tt.query)
			var serverErr *ServerError
			if !errors.As(err, &serverErr) || serverErr.Code != tt.code {
				t.Errorf("expected code %s, got %v", tt.code, err)
			}
		})
	}
}

func TestInvalidateAndExpire(t *testing.T) {
	server, url := newWorker(t, 2)
	client := NewClient(5*time.Second, quietLogger())
	ctx := context.Background()

	for _, id := range []string{"a", "b"} {
		if _, err := client.ExecuteQuery(ctx, url, id, []store.Table{usersTable()}, "SELECT 1"); err != nil {
			t.Fatal(err)
		}
	}
	if n := server.DatabaseCount(); n != 2 {
		t.Fatalf("expected 2 databases, got %d", n)
	}

	if err := client.InvalidateDatabase(ctx, url, "a"); err != nil {
		t.Fatal(err)
	}
	if n := server.DatabaseCount(); n != 1 {
		t.Errorf("expected 1 database after invalidate, got %d", n)
	}

	if err := client.ExpireAll(ctx, url); err != nil {
		t.Fatal(err)
	}
	if n := server.DatabaseCount(); n != 0 {
		t.Errorf("expected no databases after expire, got %d", n)
	}
}

func TestExpireIdle(t *testing.T) {
	server, url := newWorker(t, 1)
	client := NewClient(5*time.Second, quietLogger())
	if _, err := client.ExecuteQuery(context.Background(), url, "db", []store.Table{usersTable()}, "SELECT 1"); err != nil {
		t.Fatal(err)
	}

	if n := server.ExpireIdle(time.Hour); n != 0 {
		t.Errorf("expected nothing expired, got %d", n)
	}
	if n := server.ExpireIdle(0); n != 1 {
		t.Errorf("expected 1 expired, got %d", n)
	}
}

func TestBusyDatabaseDoesNotBlockOthers(t *testing.T) {
	server, url := newWorker(t, 2)
	client := NewClient(5*time.Second, quietLogger())
	ctx := context.Background()
	if _, err := client.ExecuteQuery(ctx, url, "busy", []store.Table{usersTable()}, "SELECT 1"); err != nil {
		t.Fatal(err)
	}

	// Hold the busy database as a long-running query would.
	server.mu.Lock()
	busy := server.databases["busy"]
	server.mu.Unlock()
	busy.mu.Lock()
	defer busy.mu.Unlock()

	done := make(chan error, 1)
	go func() {
		if _, err := server.database(ctx, "busy", []store.Table{usersTable()}); err != nil {
			done <- err
			return
		}
		if _, err := client.ExecuteQuery(ctx, url, "other", []store.Table{usersTable()}, "SELECT COUNT(*) AS c FROM users"); err != nil {
			done <- err
			return
		}
		server.ExpireIdle(time.Hour)
		done <- nil
	}()

	select {
	case err := <-done:
		if err != nil {
			t.Fatal(err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("requests for other databases blocked behind a busy one")
	}
}

func TestHandleQuery_InvalidBody(t *testing.T) {
	server := NewServer(ServerOptions{Logger: quietLogger()})

	req := httptest.NewRequest(http.MethodPost, "/databases/x", strings.NewReader("{not json"))
	req.Header.Set("Content-Type", "application/json")
	resp, err := server.App().Test(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", resp.StatusCode)
	}
	var envelope Envelope[[]QueryResult]
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		t.Fatal(err)
	}
	if envelope.Error == nil || envelope.ErrorCode == nil || *envelope.ErrorCode != CodeInvalidRequest || envelope.Response != nil {
		t.Errorf("unexpected envelope: %+v", envelope)
	}
}

func TestClient_UnreachableWorker(t *testing.T) {
	client := NewClient(time.Second, quietLogger())
	_, err := client.ExecuteQuery(context.Background(), "http://127.0.0.1:1", "db", []store.Table{usersTable()}, "SELECT 1")
	var clientErr *ClientError
	if !errors.As(err, &clientErr) || clientErr.Op != "send" {
		t.Errorf("expected send ClientError, got %v", err)
	}
}
