// Package store defines the persistence interfaces the engine consumes and
// the records that flow through them.
package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested object does not exist.
var ErrNotFound = errors.New("not found")

// ErrNoWorkers is returned by AssignSqliteWorker when no live worker exists.
var ErrNoWorkers = errors.New("no live sqlite worker")

// Store persists projects, data sources, tables, datasets, specifications,
// runs and SQL worker registrations.
type Store interface {
	ResolveWorkspaceProject(ctx context.Context, workspaceID string) (Project, error)
	UpsertWorkspace(ctx context.Context, workspaceID string, project Project) error

	LoadDataSource(ctx context.Context, project Project, dataSourceID string) (*DataSource, error)
	UpsertDataSource(ctx context.Context, ds DataSource) error

	LoadTable(ctx context.Context, project Project, dataSourceID, tableID string) (*Table, error)
	// LoadDataSourceTable loads the data source and one of its tables.
	LoadDataSourceTable(ctx context.Context, project Project, dataSourceID, tableID string) (*DataSource, *Table, error)
	UpsertTable(ctx context.Context, table Table) error
	UpdateTableSchema(ctx context.Context, project Project, dataSourceID, tableID string, schema TableSchema) error
	InvalidateTableSchema(ctx context.Context, project Project, dataSourceID, tableID string) error

	LoadDataset(ctx context.Context, project Project, datasetID, hash string) (*Dataset, error)
	RegisterDataset(ctx context.Context, project Project, dataset Dataset) error

	LoadSpecification(ctx context.Context, project Project, hash string) (string, error)
	RegisterSpecification(ctx context.Context, project Project, hash, specification string) error

	CreateRun(ctx context.Context, run Run) error
	UpdateRun(ctx context.Context, run Run) error
	LoadRun(ctx context.Context, project Project, runID string) (*Run, error)
	AppendBlockExecution(ctx context.Context, project Project, execution BlockExecution) error
	LoadBlockExecutions(ctx context.Context, project Project, runID string) ([]BlockExecution, error)
	// MarkOrphanRuns errors runs still "running" that were last updated
	// before olderThan.
	MarkOrphanRuns(ctx context.Context, olderThan time.Time) (int64, error)

	UpsertSqliteWorker(ctx context.Context, url string) error
	// AssignSqliteWorker returns the worker serving databaseID, assigning a
	// live worker when there is none. A worker is live while now minus its
	// last heartbeat is strictly below liveness. Workers in exclude are
	// never returned.
	AssignSqliteWorker(ctx context.Context, databaseID string, liveness time.Duration, exclude ...string) (*SqliteWorker, error)
	ReleaseSqliteWorker(ctx context.Context, databaseID string) error
	// SqliteWorkersCleanup deletes workers that are no longer live, along
	// with their database assignments.
	SqliteWorkersCleanup(ctx context.Context, liveness time.Duration) (int, error)
}

// DatabasesStore holds table rows.
type DatabasesStore interface {
	LoadTableRow(ctx context.Context, tableUniqueID, rowID string) (*Row, error)
	// ListTableRows returns rows ordered by row id. limit <= 0 returns all
	// rows from offset. The second result is the total row count.
	ListTableRows(ctx context.Context, tableUniqueID string, limit, offset int) ([]Row, int, error)
	BatchUpsertTableRows(ctx context.Context, tableUniqueID string, rows []Row, truncate bool) error
	DeleteTableRow(ctx context.Context, tableUniqueID, rowID string) error
	DeleteTableRows(ctx context.Context, tableUniqueID string) error
}

// SearchStore indexes and ranks documents.
type SearchStore interface {
	IndexDocument(ctx context.Context, doc Document) error
	DeleteDocument(ctx context.Context, dataSourceInternalID, documentID string) error
	SearchDocuments(ctx context.Context, query SearchQuery) ([]ScoredDocument, error)
}
