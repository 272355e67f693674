// Package databases runs SQL queries over structured tables through the
// SQLite worker fleet and maintains the tables' inferred schemas.
package databases

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	"sort"
	"time"

	"pipecore/internal/sqliteworker"
	"pipecore/internal/store"
)

// QueryErrorKind classifies query failures for users.
type QueryErrorKind string

const (
	TooManyResultRows QueryErrorKind = "too_many_result_rows"
	ResultTooLarge    QueryErrorKind = "result_too_large"
	ExecutionError    QueryErrorKind = "execution_error"
	GenericError      QueryErrorKind = "generic_error"
)

// QueryError is a failed query.
type QueryError struct {
	Kind    QueryErrorKind
	Message string
	Err     error
}

func (e *QueryError) Error() string {
	switch e.Kind {
	case TooManyResultRows:
		return "query returned too many rows: " + e.Message
	case ResultTooLarge:
		return "query result is too large: " + e.Message
	case ExecutionError:
		return "query execution error: " + e.Message
	default:
		return "query failed: " + e.Message
	}
}

func (e *QueryError) Unwrap() error { return e.Err }

// DatabaseID derives the transient database id from the tables it holds.
// It is independent of table order and changes when any schema changes.
func DatabaseID(tables []store.Table) string {
	parts := make([]string, 0, len(tables))
	for _, t := range tables {
		parts = append(parts, t.UniqueID()+":"+t.Schema.Hash())
	}
	sort.Strings(parts)

	h := sha256.New()
	for _, p := range parts {
		h.Write([]byte(p))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Querier executes queries on SQLite workers.
type Querier struct {
	store    store.Store
	rows     store.DatabasesStore
	client   *sqliteworker.Client
	liveness time.Duration
}

// NewQuerier creates a querier. Workers whose last heartbeat is older than
// liveness are not assigned.
func NewQuerier(st store.Store, rows store.DatabasesStore, client *sqliteworker.Client, liveness time.Duration) *Querier {
	return &Querier{store: st, rows: rows, client: client, liveness: liveness}
}

// Result is the outcome of a query.
type Result struct {
	Results []map[string]any  `json:"results"`
	Schema  store.TableSchema `json:"schema"`
}

// Query refreshes stale table schemas and runs query against a database
// made of tables. A worker that cannot be reached is released and the query
// is retried once on a different worker.
func (q *Querier) Query(ctx context.Context, tables []store.Table, query string) (*Result, error) {
	if len(tables) == 0 {
		return nil, &QueryError{Kind: GenericError, Message: "no tables provided"}
	}

	fresh := make([]store.Table, 0, len(tables))
	for _, t := range tables {
		ft, err := q.EnsureSchema(ctx, t)
		if err != nil {
			return nil, &QueryError{Kind: GenericError, Message: err.Error(), Err: err}
		}
		fresh = append(fresh, *ft)
	}

	databaseID := DatabaseID(fresh)

	var (
		lastErr error
		failed  []string
	)
	for attempt := 1; attempt <= 2; attempt++ {
		worker, err := q.store.AssignSqliteWorker(ctx, databaseID, q.liveness, failed...)
		if err != nil {
			if lastErr != nil && errors.Is(err, store.ErrNoWorkers) {
				err = fmt.Errorf("%w (after %v)", err, lastErr)
			}
			return nil, &QueryError{Kind: GenericError, Message: err.Error(), Err: err}
		}

		results, err := q.client.ExecuteQuery(ctx, worker.URL, databaseID, fresh, query)
		if err == nil {
			rows := make([]map[string]any, 0, len(results))
			for _, r := range results {
				rows = append(rows, r.Value)
			}
			return &Result{Results: rows, Schema: InferSchema(rows)}, nil
		}

		var clientErr *sqliteworker.ClientError
		if errors.As(err, &clientErr) {
			log.Printf("⚠️  [DATABASES] Worker %s unreachable (attempt %d): %v", worker.URL, attempt, err)
			if relErr := q.store.ReleaseSqliteWorker(ctx, databaseID); relErr != nil {
				log.Printf("⚠️  [DATABASES] Failed to release worker for %s: %v", databaseID, relErr)
			}
			lastErr = err
			failed = append(failed, worker.URL)
			continue
		}
		return nil, toQueryError(err)
	}
	return nil, &QueryError{Kind: GenericError, Message: lastErr.Error(), Err: lastErr}
}

func toQueryError(err error) *QueryError {
	var serverErr *sqliteworker.ServerError
	if !errors.As(err, &serverErr) {
		return &QueryError{Kind: GenericError, Message: err.Error(), Err: err}
	}
	kind := GenericError
	switch serverErr.Code {
	case sqliteworker.CodeTooManyResultRows:
		kind = TooManyResultRows
	case sqliteworker.CodeResultTooLarge:
		kind = ResultTooLarge
	case sqliteworker.CodeQueryExecution:
		kind = ExecutionError
	}
	return &QueryError{Kind: kind, Message: serverErr.Message, Err: err}
}

// EnsureSchema returns table with an up-to-date schema, inferring it from
// the table's rows and persisting it when missing or stale.
func (q *Querier) EnsureSchema(ctx context.Context, table store.Table) (*store.Table, error) {
	if !table.SchemaIsStale() {
		return &table, nil
	}

	rows, _, err := q.rows.ListTableRows(ctx, table.UniqueID(), 0, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to list rows of %s: %w", table.UniqueID(), err)
	}
	values := make([]map[string]any, 0, len(rows))
	for _, r := range rows {
		values = append(values, r.Value)
	}

	schema := InferSchema(values)
	project := store.Project{ProjectID: table.ProjectID}
	if err := q.store.UpdateTableSchema(ctx, project, table.DataSourceID, table.TableID, schema); err != nil {
		return nil, fmt.Errorf("failed to persist schema of %s: %w", table.UniqueID(), err)
	}
	log.Printf("🔄 [DATABASES] Refreshed schema of %s (%d columns, %d rows)", table.UniqueID(), len(schema), len(rows))

	table.Schema = schema
	table.SchemaStaleAt = nil
	return &table, nil
}
