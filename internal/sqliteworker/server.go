package sqliteworker

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ansrivas/fiberprometheus/v2"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"

	"pipecore/internal/store"
)

// Defaults for ServerOptions.
const (
	DefaultMaxRows        = 128
	DefaultMaxResultBytes = 8 * 1024 * 1024
)

// ServerOptions configures a worker.
type ServerOptions struct {
	Rows           store.DatabasesStore
	MaxRows        int
	MaxResultBytes int
	Logger         *logrus.Logger
	// Registerer receives the HTTP metrics. nil uses a private registry.
	Registerer prometheus.Registerer
}

// Server is a SQL worker: it owns one in-memory SQLite database per
// database id and serves the worker protocol over HTTP.
type Server struct {
	app    *fiber.App
	rows   store.DatabasesStore
	opts   ServerOptions
	logger *logrus.Logger

	mu        sync.Mutex
	databases map[string]*liveDatabase
}

// liveDatabase is built once by the request that created it; others wait
// on ready. mu serializes queries and close, never the server map.
type liveDatabase struct {
	signature string
	ready     chan struct{}
	err       error
	lastUsed  atomic.Int64

	mu     sync.Mutex
	db     *sql.DB
	closed bool
}

func newLiveDatabase(sig string) *liveDatabase {
	ldb := &liveDatabase{signature: sig, ready: make(chan struct{})}
	ldb.touch()
	return ldb
}

func (ldb *liveDatabase) touch() { ldb.lastUsed.Store(time.Now().UnixNano()) }

func (ldb *liveDatabase) idleSince(deadline time.Time) bool {
	return ldb.lastUsed.Load() < deadline.UnixNano()
}

// NewServer builds the worker HTTP app.
func NewServer(opts ServerOptions) *Server {
	if opts.MaxRows <= 0 {
		opts.MaxRows = DefaultMaxRows
	}
	if opts.MaxResultBytes <= 0 {
		opts.MaxResultBytes = DefaultMaxResultBytes
	}
	if opts.Logger == nil {
		opts.Logger = logrus.New()
		opts.Logger.SetFormatter(&logrus.JSONFormatter{})
	}
	if opts.Registerer == nil {
		opts.Registerer = prometheus.NewRegistry()
	}

	s := &Server{
		rows:      opts.Rows,
		opts:      opts,
		logger:    opts.Logger,
		databases: make(map[string]*liveDatabase),
	}

	app := fiber.New(fiber.Config{
		AppName:               "pipecore sqlite worker",
		DisableStartupMessage: true,
		BodyLimit:             64 * 1024 * 1024,
		UnescapePath:          true,
	})
	app.Use(recover.New())

	prom := fiberprometheus.NewWithRegistry(opts.Registerer, "sqlite-worker", "pipecore", "sqlite_worker", nil)
	prom.RegisterAt(app, "/metrics")
	app.Use(prom.Middleware)

	app.Post("/databases/:id", s.handleQuery)
	app.Delete("/databases/:id", s.handleInvalidate)
	app.Delete("/databases", s.handleExpireAll)

	s.app = app
	return s
}

// App exposes the fiber app, for tests and custom listeners.
func (s *Server) App() *fiber.App {
	return s.app
}

// Listen serves on addr until Shutdown.
func (s *Server) Listen(addr string) error {
	s.logger.WithField("addr", addr).Info("Sqlite worker listening")
	return s.app.Listen(addr)
}

// Shutdown stops the HTTP server and closes every database.
func (s *Server) Shutdown(ctx context.Context) error {
	err := s.app.ShutdownWithContext(ctx)
	s.expireAll()
	return err
}

// DatabaseCount returns the number of live databases.
func (s *Server) DatabaseCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.databases)
}

// ExpireIdle closes databases unused for longer than maxIdle.
func (s *Server) ExpireIdle(maxIdle time.Duration) int {
	deadline := time.Now().Add(-maxIdle)

	s.mu.Lock()
	var expired []*liveDatabase
	for id, ldb := range s.databases {
		if ldb.idleSince(deadline) {
			expired = append(expired, ldb)
			delete(s.databases, id)
		}
	}
	s.mu.Unlock()

	for _, ldb := range expired {
		ldb.close()
	}
	if len(expired) > 0 {
		s.logger.WithField("count", len(expired)).Info("Expired idle databases")
	}
	return len(expired)
}

func (s *Server) handleQuery(c *fiber.Ctx) error {
	databaseID := c.Params("id")

	var req QueryRequest
	if err := json.Unmarshal(c.Body(), &req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(errEnvelope(CodeInvalidRequest, "invalid request body: "+err.Error()))
	}
	if strings.TrimSpace(req.Query) == "" {
		return c.Status(fiber.StatusBadRequest).JSON(errEnvelope(CodeInvalidRequest, "query is required"))
	}

	ctx := c.UserContext()
	ldb, err := s.database(ctx, databaseID, req.Tables)
	if err != nil {
		s.logger.WithError(err).WithField("database_id", databaseID).Error("Failed to materialize database")
		var invalid *invalidTablesError
		if errors.As(err, &invalid) {
			return c.Status(fiber.StatusBadRequest).JSON(errEnvelope(CodeInvalidRequest, err.Error()))
		}
		return c.Status(fiber.StatusInternalServerError).JSON(errEnvelope(CodeInternal, err.Error()))
	}

	results, err := ldb.query(ctx, req.Query, s.opts.MaxRows, s.opts.MaxResultBytes)
	if err != nil {
		var tooMany *ExceededMaxRowsError
		var tooLarge *ResultTooLargeError
		switch {
		case errors.As(err, &tooMany):
			return c.Status(fiber.StatusBadRequest).JSON(errEnvelope(CodeTooManyResultRows, err.Error()))
		case errors.As(err, &tooLarge):
			return c.Status(fiber.StatusBadRequest).JSON(errEnvelope(CodeResultTooLarge, err.Error()))
		default:
			return c.Status(fiber.StatusBadRequest).JSON(errEnvelope(CodeQueryExecution, err.Error()))
		}
	}

	s.logger.WithFields(logrus.Fields{
		"database_id": databaseID,
		"rows":        len(results),
	}).Debug("Query executed")

	return c.JSON(okEnvelope(results))
}

func (s *Server) handleInvalidate(c *fiber.Ctx) error {
	databaseID := c.Params("id")

	s.mu.Lock()
	ldb, ok := s.databases[databaseID]
	delete(s.databases, databaseID)
	s.mu.Unlock()

	if ok {
		ldb.close()
		s.logger.WithField("database_id", databaseID).Info("Database invalidated")
	}
	return c.JSON(okEnvelope(struct{}{}))
}

func (s *Server) handleExpireAll(c *fiber.Ctx) error {
	n := s.expireAll()
	s.logger.WithField("count", n).Info("All databases expired")
	return c.JSON(okEnvelope(struct{}{}))
}

func (s *Server) expireAll() int {
	s.mu.Lock()
	all := s.databases
	s.databases = make(map[string]*liveDatabase)
	s.mu.Unlock()

	for _, ldb := range all {
		ldb.close()
	}
	return len(all)
}

type invalidTablesError struct{ reason string }

func (e *invalidTablesError) Error() string { return "invalid tables: " + e.reason }

// signature identifies the table set and schemas a database was built from.
func signature(tables []store.Table) string {
	parts := make([]string, 0, len(tables))
	for _, t := range tables {
		parts = append(parts, t.UniqueID()+":"+t.Schema.Hash())
	}
	return strings.Join(parts, "|")
}

// database returns the live database for id, building it when missing or
// when its table set changed. Only the server map is locked here; a slow
// build or query on one database does not hold up the others.
func (s *Server) database(ctx context.Context, id string, tables []store.Table) (*liveDatabase, error) {
	sig := signature(tables)

	s.mu.Lock()
	ldb, ok := s.databases[id]
	build := !ok || ldb.signature != sig
	if build {
		if ok {
			go ldb.close()
		}
		ldb = newLiveDatabase(sig)
		s.databases[id] = ldb
	}
	s.mu.Unlock()

	ldb.touch()
	if !build {
		select {
		case <-ldb.ready:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		if ldb.err != nil {
			return nil, ldb.err
		}
		return ldb, nil
	}

	db, err := s.materialize(ctx, tables)
	if err == nil {
		ldb.mu.Lock()
		if ldb.closed {
			db.Close()
		} else {
			ldb.db = db
		}
		ldb.mu.Unlock()
	}
	ldb.err = err
	close(ldb.ready)

	if err != nil {
		s.mu.Lock()
		if s.databases[id] == ldb {
			delete(s.databases, id)
		}
		s.mu.Unlock()
		return nil, err
	}
	return ldb, nil
}

func (s *Server) materialize(ctx context.Context, tables []store.Table) (*sql.DB, error) {
	if len(tables) == 0 {
		return nil, &invalidTablesError{reason: "at least one table is required"}
	}

	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite: %w", err)
	}
	// Each connection to :memory: is its own database.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)
	db.SetConnMaxIdleTime(0)

	if err := s.loadTables(ctx, db, tables); err != nil {
		db.Close()
		return nil, err
	}
	if _, err := db.ExecContext(ctx, "PRAGMA query_only = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to make database read-only: %w", err)
	}
	return db, nil
}

func (s *Server) loadTables(ctx context.Context, db *sql.DB, tables []store.Table) error {
	seen := make(map[string]bool, len(tables))
	for _, t := range tables {
		if t.Name == "" {
			return &invalidTablesError{reason: fmt.Sprintf("table %s has no name", t.UniqueID())}
		}
		if seen[t.Name] {
			return &invalidTablesError{reason: fmt.Sprintf("duplicate table name %q", t.Name)}
		}
		seen[t.Name] = true
		if len(t.Schema) == 0 {
			return &invalidTablesError{reason: fmt.Sprintf("table %q has no schema", t.Name)}
		}

		columns := make([]string, 0, len(t.Schema))
		names := make([]string, 0, len(t.Schema))
		placeholders := make([]string, 0, len(t.Schema))
		for _, col := range t.Schema {
			columns = append(columns, quoteIdent(col.Name)+" "+sqliteType(col.ValueType))
			names = append(names, quoteIdent(col.Name))
			placeholders = append(placeholders, "?")
		}
		if _, err := db.ExecContext(ctx, fmt.Sprintf("CREATE TABLE %s (%s)", quoteIdent(t.Name), strings.Join(columns, ", "))); err != nil {
			return fmt.Errorf("failed to create table %q: %w", t.Name, err)
		}

		var rows []store.Row
		if s.rows != nil {
			var err error
			rows, _, err = s.rows.ListTableRows(ctx, t.UniqueID(), 0, 0)
			if err != nil {
				return fmt.Errorf("failed to load rows for %q: %w", t.Name, err)
			}
		}
		if len(rows) == 0 {
			continue
		}

		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		stmt, err := tx.PrepareContext(ctx, fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
			quoteIdent(t.Name), strings.Join(names, ", "), strings.Join(placeholders, ", ")))
		if err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to prepare insert for %q: %w", t.Name, err)
		}
		for _, row := range rows {
			args := make([]any, 0, len(t.Schema))
			for _, col := range t.Schema {
				args = append(args, sqliteValue(col.ValueType, row.Value[col.Name]))
			}
			if _, err := stmt.ExecContext(ctx, args...); err != nil {
				stmt.Close()
				tx.Rollback()
				return fmt.Errorf("failed to insert row %s into %q: %w", row.RowID, t.Name, err)
			}
		}
		stmt.Close()
		if err := tx.Commit(); err != nil {
			return err
		}
	}
	return nil
}

func (ldb *liveDatabase) query(ctx context.Context, query string, maxRows, maxBytes int) ([]QueryResult, error) {
	ldb.touch()
	ldb.mu.Lock()
	defer ldb.mu.Unlock()

	if ldb.db == nil {
		return nil, errors.New("database closed")
	}

	rows, err := ldb.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return nil, err
	}

	results := []QueryResult{}
	size := 0
	for rows.Next() {
		if len(results) >= maxRows {
			return nil, &ExceededMaxRowsError{Limit: maxRows}
		}
		values := make([]any, len(columns))
		ptrs := make([]any, len(columns))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}

		record := make(map[string]any, len(columns))
		for i, col := range columns {
			if b, ok := values[i].([]byte); ok {
				record[col] = string(b)
			} else {
				record[col] = values[i]
			}
		}

		encoded, err := json.Marshal(record)
		if err != nil {
			return nil, err
		}
		size += len(encoded)
		if size > maxBytes {
			return nil, &ResultTooLargeError{Limit: maxBytes}
		}
		results = append(results, QueryResult{Value: record})
	}
	return results, rows.Err()
}

func (ldb *liveDatabase) close() {
	ldb.mu.Lock()
	defer ldb.mu.Unlock()
	ldb.closed = true
	if ldb.db != nil {
		ldb.db.Close()
		ldb.db = nil
	}
}

func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

func sqliteType(valueType string) string {
	switch valueType {
	case store.ValueTypeInt:
		return "INTEGER"
	case store.ValueTypeFloat:
		return "REAL"
	case store.ValueTypeBool:
		return "BOOLEAN"
	default:
		return "TEXT"
	}
}

func sqliteValue(valueType string, v any) any {
	switch x := v.(type) {
	case nil:
		return nil
	case float64:
		if valueType == store.ValueTypeInt && x == float64(int64(x)) {
			return int64(x)
		}
		return x
	case bool:
		if x {
			return 1
		}
		return 0
	case string, int, int64:
		return x
	default:
		data, err := json.Marshal(x)
		if err != nil {
			return fmt.Sprint(x)
		}
		return string(data)
	}
}
