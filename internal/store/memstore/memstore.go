// Package memstore is an in-process implementation of the store interfaces,
// used when no MongoDB or MySQL backend is configured and throughout tests.
package memstore

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"pipecore/internal/store"
)

// Store implements store.Store, store.DatabasesStore and store.SearchStore.
type Store struct {
	mu sync.RWMutex

	workspaces     map[string]store.Project
	dataSources    map[string]store.DataSource
	tables         map[string]store.Table
	datasets       map[string]store.Dataset
	specifications map[string]string
	runs           map[string]store.Run
	executions     map[string][]store.BlockExecution
	workers        map[string]store.SqliteWorker
	assignments    map[string]string
	rows           map[string]map[string]store.Row
	documents      map[string]store.Document

	now func() time.Time
}

var (
	_ store.Store          = (*Store)(nil)
	_ store.DatabasesStore = (*Store)(nil)
	_ store.SearchStore    = (*Store)(nil)
)

// New returns an empty store.
func New() *Store {
	return &Store{
		workspaces:     make(map[string]store.Project),
		dataSources:    make(map[string]store.DataSource),
		tables:         make(map[string]store.Table),
		datasets:       make(map[string]store.Dataset),
		specifications: make(map[string]string),
		runs:           make(map[string]store.Run),
		executions:     make(map[string][]store.BlockExecution),
		workers:        make(map[string]store.SqliteWorker),
		assignments:    make(map[string]string),
		rows:           make(map[string]map[string]store.Row),
		documents:      make(map[string]store.Document),
		now:            time.Now,
	}
}

// SetClock overrides the time source.
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

func projectKey(p store.Project, parts ...string) string {
	return fmt.Sprintf("%d/%s", p.ProjectID, strings.Join(parts, "/"))
}

// ResolveWorkspaceProject implements store.Store.
func (s *Store) ResolveWorkspaceProject(ctx context.Context, workspaceID string) (store.Project, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.workspaces[workspaceID]
	if !ok {
		return store.Project{}, fmt.Errorf("workspace %s: %w", workspaceID, store.ErrNotFound)
	}
	return p, nil
}

// UpsertWorkspace implements store.Store.
func (s *Store) UpsertWorkspace(ctx context.Context, workspaceID string, project store.Project) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.workspaces[workspaceID] = project
	return nil
}

// LoadDataSource implements store.Store.
func (s *Store) LoadDataSource(ctx context.Context, project store.Project, dataSourceID string) (*store.DataSource, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ds, ok := s.dataSources[projectKey(project, dataSourceID)]
	if !ok {
		return nil, fmt.Errorf("data source %s: %w", dataSourceID, store.ErrNotFound)
	}
	return &ds, nil
}

// UpsertDataSource implements store.Store.
func (s *Store) UpsertDataSource(ctx context.Context, ds store.DataSource) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ds.InternalID == "" {
		ds.InternalID = fmt.Sprintf("%d-%s", ds.ProjectID, ds.DataSourceID)
	}
	if ds.CreatedAt.IsZero() {
		ds.CreatedAt = s.now()
	}
	s.dataSources[projectKey(store.Project{ProjectID: ds.ProjectID}, ds.DataSourceID)] = ds
	return nil
}

// LoadTable implements store.Store.
func (s *Store) LoadTable(ctx context.Context, project store.Project, dataSourceID, tableID string) (*store.Table, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tables[projectKey(project, dataSourceID, tableID)]
	if !ok {
		return nil, fmt.Errorf("table %s/%s: %w", dataSourceID, tableID, store.ErrNotFound)
	}
	t.Schema = append(store.TableSchema(nil), t.Schema...)
	return &t, nil
}

// LoadDataSourceTable implements store.Store.
func (s *Store) LoadDataSourceTable(ctx context.Context, project store.Project, dataSourceID, tableID string) (*store.DataSource, *store.Table, error) {
	ds, err := s.LoadDataSource(ctx, project, dataSourceID)
	if err != nil {
		return nil, nil, err
	}
	t, err := s.LoadTable(ctx, project, dataSourceID, tableID)
	if err != nil {
		return nil, nil, err
	}
	return ds, t, nil
}

// UpsertTable implements store.Store.
func (s *Store) UpsertTable(ctx context.Context, table store.Table) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := projectKey(store.Project{ProjectID: table.ProjectID}, table.DataSourceID, table.TableID)
	if existing, ok := s.tables[key]; ok && table.CreatedAt.IsZero() {
		table.CreatedAt = existing.CreatedAt
	}
	if table.CreatedAt.IsZero() {
		table.CreatedAt = s.now()
	}
	s.tables[key] = table
	return nil
}

// UpdateTableSchema implements store.Store.
func (s *Store) UpdateTableSchema(ctx context.Context, project store.Project, dataSourceID, tableID string, schema store.TableSchema) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := projectKey(project, dataSourceID, tableID)
	t, ok := s.tables[key]
	if !ok {
		return fmt.Errorf("table %s/%s: %w", dataSourceID, tableID, store.ErrNotFound)
	}
	t.Schema = schema
	t.SchemaStaleAt = nil
	s.tables[key] = t
	return nil
}

// InvalidateTableSchema implements store.Store.
func (s *Store) InvalidateTableSchema(ctx context.Context, project store.Project, dataSourceID, tableID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := projectKey(project, dataSourceID, tableID)
	t, ok := s.tables[key]
	if !ok {
		return fmt.Errorf("table %s/%s: %w", dataSourceID, tableID, store.ErrNotFound)
	}
	now := s.now()
	t.SchemaStaleAt = &now
	s.tables[key] = t
	return nil
}

// LoadDataset implements store.Store.
func (s *Store) LoadDataset(ctx context.Context, project store.Project, datasetID, hash string) (*store.Dataset, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.datasets[projectKey(project, datasetID, hash)]
	if !ok {
		return nil, fmt.Errorf("dataset %s@%s: %w", datasetID, hash, store.ErrNotFound)
	}
	return &d, nil
}

// RegisterDataset implements store.Store.
func (s *Store) RegisterDataset(ctx context.Context, project store.Project, dataset store.Dataset) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := projectKey(project, dataset.DatasetID, dataset.Hash)
	if _, ok := s.datasets[key]; ok {
		return nil
	}
	if dataset.CreatedAt.IsZero() {
		dataset.CreatedAt = s.now()
	}
	s.datasets[key] = dataset
	return nil
}

// LoadSpecification implements store.Store.
func (s *Store) LoadSpecification(ctx context.Context, project store.Project, hash string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	spec, ok := s.specifications[projectKey(project, hash)]
	if !ok {
		return "", fmt.Errorf("specification %s: %w", hash, store.ErrNotFound)
	}
	return spec, nil
}

// RegisterSpecification implements store.Store.
func (s *Store) RegisterSpecification(ctx context.Context, project store.Project, hash, specification string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := projectKey(project, hash)
	if _, ok := s.specifications[key]; !ok {
		s.specifications[key] = specification
	}
	return nil
}

// CreateRun implements store.Store.
func (s *Store) CreateRun(ctx context.Context, run store.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := projectKey(store.Project{ProjectID: run.ProjectID}, run.RunID)
	if _, ok := s.runs[key]; ok {
		return fmt.Errorf("run %s already exists", run.RunID)
	}
	run.UpdatedAt = s.now()
	s.runs[key] = copyRun(run)
	return nil
}

// UpdateRun implements store.Store.
func (s *Store) UpdateRun(ctx context.Context, run store.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := projectKey(store.Project{ProjectID: run.ProjectID}, run.RunID)
	if _, ok := s.runs[key]; !ok {
		return fmt.Errorf("run %s: %w", run.RunID, store.ErrNotFound)
	}
	run.UpdatedAt = s.now()
	s.runs[key] = copyRun(run)
	return nil
}

// LoadRun implements store.Store.
func (s *Store) LoadRun(ctx context.Context, project store.Project, runID string) (*store.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	run, ok := s.runs[projectKey(project, runID)]
	if !ok {
		return nil, fmt.Errorf("run %s: %w", runID, store.ErrNotFound)
	}
	run = copyRun(run)
	return &run, nil
}

func copyRun(run store.Run) store.Run {
	run.Blocks = append([]store.BlockStatus(nil), run.Blocks...)
	return run
}

// AppendBlockExecution implements store.Store.
func (s *Store) AppendBlockExecution(ctx context.Context, project store.Project, execution store.BlockExecution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if execution.CreatedAt.IsZero() {
		execution.CreatedAt = s.now()
	}
	key := projectKey(project, execution.RunID)
	s.executions[key] = append(s.executions[key], execution)
	return nil
}

// LoadBlockExecutions implements store.Store.
func (s *Store) LoadBlockExecutions(ctx context.Context, project store.Project, runID string) ([]store.BlockExecution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]store.BlockExecution(nil), s.executions[projectKey(project, runID)]...), nil
}

// MarkOrphanRuns implements store.Store.
func (s *Store) MarkOrphanRuns(ctx context.Context, olderThan time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var marked int64
	now := s.now()
	for key, run := range s.runs {
		if run.Status != store.StatusRunning || !run.UpdatedAt.Before(olderThan) {
			continue
		}
		run.Status = store.StatusErrored
		run.Error = "run interrupted: no progress before shutdown or crash"
		run.UpdatedAt = now
		run.FinishedAt = &now
		s.runs[key] = run
		marked++
	}
	return marked, nil
}

// UpsertSqliteWorker implements store.Store.
func (s *Store) UpsertSqliteWorker(ctx context.Context, url string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	w, ok := s.workers[url]
	if !ok {
		w = store.SqliteWorker{URL: url, CreatedAt: now}
	}
	w.LastHeartbeat = now
	s.workers[url] = w
	return nil
}

// AssignSqliteWorker implements store.Store. A database sticks to its
// worker while the worker is alive; otherwise the live worker with the
// fewest databases is chosen.
func (s *Store) AssignSqliteWorker(ctx context.Context, databaseID string, liveness time.Duration, exclude ...string) (*store.SqliteWorker, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	deadline := s.now().Add(-liveness)
	excluded := make(map[string]bool, len(exclude))
	for _, url := range exclude {
		excluded[url] = true
	}

	if url, ok := s.assignments[databaseID]; ok {
		if w, ok := s.workers[url]; ok && !excluded[url] && w.LastHeartbeat.After(deadline) {
			return &w, nil
		}
		delete(s.assignments, databaseID)
	}

	load := make(map[string]int)
	for _, url := range s.assignments {
		load[url]++
	}

	var best *store.SqliteWorker
	bestLoad := math.MaxInt
	urls := make([]string, 0, len(s.workers))
	for url := range s.workers {
		urls = append(urls, url)
	}
	sort.Strings(urls)
	for _, url := range urls {
		w := s.workers[url]
		if excluded[url] || !w.LastHeartbeat.After(deadline) {
			continue
		}
		if load[url] < bestLoad {
			best = &w
			bestLoad = load[url]
		}
	}
	if best == nil {
		return nil, store.ErrNoWorkers
	}
	s.assignments[databaseID] = best.URL
	return best, nil
}

// ReleaseSqliteWorker implements store.Store.
func (s *Store) ReleaseSqliteWorker(ctx context.Context, databaseID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.assignments, databaseID)
	return nil
}

// SqliteWorkersCleanup implements store.Store.
func (s *Store) SqliteWorkersCleanup(ctx context.Context, liveness time.Duration) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	deadline := s.now().Add(-liveness)
	removed := 0
	for url, w := range s.workers {
		if w.LastHeartbeat.After(deadline) {
			continue
		}
		delete(s.workers, url)
		for db, assigned := range s.assignments {
			if assigned == url {
				delete(s.assignments, db)
			}
		}
		removed++
	}
	return removed, nil
}

// LoadTableRow implements store.DatabasesStore.
func (s *Store) LoadTableRow(ctx context.Context, tableUniqueID, rowID string) (*store.Row, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	row, ok := s.rows[tableUniqueID][rowID]
	if !ok {
		return nil, fmt.Errorf("row %s: %w", rowID, store.ErrNotFound)
	}
	return &row, nil
}

// ListTableRows implements store.DatabasesStore.
func (s *Store) ListTableRows(ctx context.Context, tableUniqueID string, limit, offset int) ([]store.Row, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	table := s.rows[tableUniqueID]
	ids := make([]string, 0, len(table))
	for id := range table {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	total := len(ids)
	if offset > total {
		offset = total
	}
	ids = ids[offset:]
	if limit > 0 && limit < len(ids) {
		ids = ids[:limit]
	}
	rows := make([]store.Row, 0, len(ids))
	for _, id := range ids {
		rows = append(rows, table[id])
	}
	return rows, total, nil
}

// BatchUpsertTableRows implements store.DatabasesStore.
func (s *Store) BatchUpsertTableRows(ctx context.Context, tableUniqueID string, rows []store.Row, truncate bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	table := s.rows[tableUniqueID]
	if table == nil || truncate {
		table = make(map[string]store.Row, len(rows))
		s.rows[tableUniqueID] = table
	}
	for _, row := range rows {
		table[row.RowID] = row
	}
	return nil
}

// DeleteTableRow implements store.DatabasesStore.
func (s *Store) DeleteTableRow(ctx context.Context, tableUniqueID, rowID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rows[tableUniqueID][rowID]; !ok {
		return fmt.Errorf("row %s: %w", rowID, store.ErrNotFound)
	}
	delete(s.rows[tableUniqueID], rowID)
	return nil
}

// DeleteTableRows implements store.DatabasesStore.
func (s *Store) DeleteTableRows(ctx context.Context, tableUniqueID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.rows, tableUniqueID)
	return nil
}

// IndexDocument implements store.SearchStore.
func (s *Store) IndexDocument(ctx context.Context, doc store.Document) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if doc.Timestamp.IsZero() {
		doc.Timestamp = s.now()
	}
	s.documents[doc.DataSourceInternalID+"/"+doc.DocumentID] = doc
	return nil
}

// DeleteDocument implements store.SearchStore.
func (s *Store) DeleteDocument(ctx context.Context, dataSourceInternalID, documentID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.documents, dataSourceInternalID+"/"+documentID)
	return nil
}

// SearchDocuments implements store.SearchStore. Documents are scored by the
// fraction of query terms they contain, ties broken by recency.
func (s *Store) SearchDocuments(ctx context.Context, query store.SearchQuery) ([]store.ScoredDocument, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sources := make(map[string]bool, len(query.DataSourceInternalIDs))
	for _, id := range query.DataSourceInternalIDs {
		sources[id] = true
	}
	terms := strings.Fields(strings.ToLower(query.Query))

	var hits []store.ScoredDocument
	for _, doc := range s.documents {
		if !sources[doc.DataSourceInternalID] || !query.Filter.Matches(doc) {
			continue
		}
		score := termScore(terms, doc)
		if len(terms) > 0 && score == 0 {
			continue
		}
		hits = append(hits, store.ScoredDocument{Document: doc, Score: score})
	}

	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		if !hits[i].Timestamp.Equal(hits[j].Timestamp) {
			return hits[i].Timestamp.After(hits[j].Timestamp)
		}
		return hits[i].DocumentID < hits[j].DocumentID
	})
	if query.TopK > 0 && len(hits) > query.TopK {
		hits = hits[:query.TopK]
	}
	return hits, nil
}

func termScore(terms []string, doc store.Document) float64 {
	if len(terms) == 0 {
		return 0
	}
	text := strings.ToLower(doc.Title + " " + doc.Text)
	matched := 0
	for _, term := range terms {
		if strings.Contains(text, term) {
			matched++
		}
	}
	return float64(matched) / float64(len(terms))
}
