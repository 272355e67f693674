// Package mongostore implements store.Store and store.SearchStore on MongoDB.
package mongostore

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"pipecore/internal/database"
	"pipecore/internal/store"
)

// Store is the MongoDB-backed store.
type Store struct {
	db *database.MongoDB
}

var (
	_ store.Store       = (*Store)(nil)
	_ store.SearchStore = (*Store)(nil)
)

// New wraps an initialized MongoDB connection.
func New(db *database.MongoDB) *Store {
	return &Store{db: db}
}

type workspaceDoc struct {
	WorkspaceID string `bson:"workspaceId"`
	ProjectID   int64  `bson:"projectId"`
}

type datasetDoc struct {
	ProjectID     int64 `bson:"projectId"`
	store.Dataset `bson:",inline"`
}

type specificationDoc struct {
	ProjectID     int64     `bson:"projectId"`
	Hash          string    `bson:"hash"`
	Specification string    `bson:"specification"`
	CreatedAt     time.Time `bson:"createdAt"`
}

type blockExecutionDoc struct {
	ProjectID            int64 `bson:"projectId"`
	store.BlockExecution `bson:",inline"`
}

type databaseDoc struct {
	DatabaseID string    `bson:"_id"`
	WorkerURL  string    `bson:"workerUrl"`
	AssignedAt time.Time `bson:"assignedAt"`
}

func notFound(err error, what string) error {
	if errors.Is(err, mongo.ErrNoDocuments) {
		return fmt.Errorf("%s: %w", what, store.ErrNotFound)
	}
	return fmt.Errorf("failed to load %s: %w", what, err)
}

func upsert() *options.UpdateOptions {
	return options.Update().SetUpsert(true)
}

// ResolveWorkspaceProject implements store.Store.
func (s *Store) ResolveWorkspaceProject(ctx context.Context, workspaceID string) (store.Project, error) {
	var doc workspaceDoc
	err := s.db.Collection(database.CollectionWorkspaces).
		FindOne(ctx, bson.M{"workspaceId": workspaceID}).Decode(&doc)
	if err != nil {
		return store.Project{}, notFound(err, "workspace "+workspaceID)
	}
	return store.Project{ProjectID: doc.ProjectID}, nil
}

// UpsertWorkspace implements store.Store.
func (s *Store) UpsertWorkspace(ctx context.Context, workspaceID string, project store.Project) error {
	_, err := s.db.Collection(database.CollectionWorkspaces).UpdateOne(ctx,
		bson.M{"workspaceId": workspaceID},
		bson.M{"$set": bson.M{"projectId": project.ProjectID}},
		upsert(),
	)
	return err
}

// LoadDataSource implements store.Store.
func (s *Store) LoadDataSource(ctx context.Context, project store.Project, dataSourceID string) (*store.DataSource, error) {
	var ds store.DataSource
	err := s.db.Collection(database.CollectionDataSources).
		FindOne(ctx, bson.M{"projectId": project.ProjectID, "dataSourceId": dataSourceID}).Decode(&ds)
	if err != nil {
		return nil, notFound(err, "data source "+dataSourceID)
	}
	return &ds, nil
}

// UpsertDataSource implements store.Store.
func (s *Store) UpsertDataSource(ctx context.Context, ds store.DataSource) error {
	if ds.InternalID == "" {
		ds.InternalID = fmt.Sprintf("%d-%s", ds.ProjectID, ds.DataSourceID)
	}
	_, err := s.db.Collection(database.CollectionDataSources).UpdateOne(ctx,
		bson.M{"projectId": ds.ProjectID, "dataSourceId": ds.DataSourceID},
		bson.M{
			"$set":         bson.M{"internalId": ds.InternalID, "name": ds.Name},
			"$setOnInsert": bson.M{"createdAt": time.Now()},
		},
		upsert(),
	)
	return err
}

func tableFilter(project store.Project, dataSourceID, tableID string) bson.M {
	return bson.M{"projectId": project.ProjectID, "dataSourceId": dataSourceID, "tableId": tableID}
}

// LoadTable implements store.Store.
func (s *Store) LoadTable(ctx context.Context, project store.Project, dataSourceID, tableID string) (*store.Table, error) {
	var t store.Table
	err := s.db.Collection(database.CollectionTables).
		FindOne(ctx, tableFilter(project, dataSourceID, tableID)).Decode(&t)
	if err != nil {
		return nil, notFound(err, "table "+dataSourceID+"/"+tableID)
	}
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
	set := bson.M{
		"name":          table.Name,
		"description":   table.Description,
		"schema":        table.Schema,
		"schemaStaleAt": table.SchemaStaleAt,
	}
	_, err := s.db.Collection(database.CollectionTables).UpdateOne(ctx,
		tableFilter(store.Project{ProjectID: table.ProjectID}, table.DataSourceID, table.TableID),
		bson.M{"$set": set, "$setOnInsert": bson.M{"createdAt": time.Now()}},
		upsert(),
	)
	return err
}

// UpdateTableSchema implements store.Store.
func (s *Store) UpdateTableSchema(ctx context.Context, project store.Project, dataSourceID, tableID string, schema store.TableSchema) error {
	res, err := s.db.Collection(database.CollectionTables).UpdateOne(ctx,
		tableFilter(project, dataSourceID, tableID),
		bson.M{"$set": bson.M{"schema": schema}, "$unset": bson.M{"schemaStaleAt": ""}},
	)
	if err != nil {
		return fmt.Errorf("failed to update table schema: %w", err)
	}
	if res.MatchedCount == 0 {
		return fmt.Errorf("table %s/%s: %w", dataSourceID, tableID, store.ErrNotFound)
	}
	return nil
}

// InvalidateTableSchema implements store.Store.
func (s *Store) InvalidateTableSchema(ctx context.Context, project store.Project, dataSourceID, tableID string) error {
	res, err := s.db.Collection(database.CollectionTables).UpdateOne(ctx,
		tableFilter(project, dataSourceID, tableID),
		bson.M{"$set": bson.M{"schemaStaleAt": time.Now()}},
	)
	if err != nil {
		return fmt.Errorf("failed to invalidate table schema: %w", err)
	}
	if res.MatchedCount == 0 {
		return fmt.Errorf("table %s/%s: %w", dataSourceID, tableID, store.ErrNotFound)
	}
	return nil
}

// LoadDataset implements store.Store.
func (s *Store) LoadDataset(ctx context.Context, project store.Project, datasetID, hash string) (*store.Dataset, error) {
	var doc datasetDoc
	err := s.db.Collection(database.CollectionDatasets).
		FindOne(ctx, bson.M{"projectId": project.ProjectID, "datasetId": datasetID, "hash": hash}).Decode(&doc)
	if err != nil {
		return nil, notFound(err, "dataset "+datasetID+"@"+hash)
	}
	return &doc.Dataset, nil
}

// RegisterDataset implements store.Store. Datasets are immutable: an
// existing (id, hash) pair is left untouched.
func (s *Store) RegisterDataset(ctx context.Context, project store.Project, dataset store.Dataset) error {
	if dataset.CreatedAt.IsZero() {
		dataset.CreatedAt = time.Now()
	}
	_, err := s.db.Collection(database.CollectionDatasets).UpdateOne(ctx,
		bson.M{"projectId": project.ProjectID, "datasetId": dataset.DatasetID, "hash": dataset.Hash},
		bson.M{"$setOnInsert": datasetDoc{ProjectID: project.ProjectID, Dataset: dataset}},
		upsert(),
	)
	return err
}

// LoadSpecification implements store.Store.
func (s *Store) LoadSpecification(ctx context.Context, project store.Project, hash string) (string, error) {
	var doc specificationDoc
	err := s.db.Collection(database.CollectionSpecifications).
		FindOne(ctx, bson.M{"projectId": project.ProjectID, "hash": hash}).Decode(&doc)
	if err != nil {
		return "", notFound(err, "specification "+hash)
	}
	return doc.Specification, nil
}

// RegisterSpecification implements store.Store.
func (s *Store) RegisterSpecification(ctx context.Context, project store.Project, hash, specification string) error {
	_, err := s.db.Collection(database.CollectionSpecifications).UpdateOne(ctx,
		bson.M{"projectId": project.ProjectID, "hash": hash},
		bson.M{"$setOnInsert": specificationDoc{
			ProjectID:     project.ProjectID,
			Hash:          hash,
			Specification: specification,
			CreatedAt:     time.Now(),
		}},
		upsert(),
	)
	return err
}

// CreateRun implements store.Store.
func (s *Store) CreateRun(ctx context.Context, run store.Run) error {
	run.UpdatedAt = time.Now()
	if _, err := s.db.Collection(database.CollectionRuns).InsertOne(ctx, run); err != nil {
		return fmt.Errorf("failed to create run %s: %w", run.RunID, err)
	}
	return nil
}

// UpdateRun implements store.Store.
func (s *Store) UpdateRun(ctx context.Context, run store.Run) error {
	run.UpdatedAt = time.Now()
	res, err := s.db.Collection(database.CollectionRuns).ReplaceOne(ctx,
		bson.M{"projectId": run.ProjectID, "runId": run.RunID}, run)
	if err != nil {
		return fmt.Errorf("failed to update run %s: %w", run.RunID, err)
	}
	if res.MatchedCount == 0 {
		return fmt.Errorf("run %s: %w", run.RunID, store.ErrNotFound)
	}
	return nil
}

// LoadRun implements store.Store.
func (s *Store) LoadRun(ctx context.Context, project store.Project, runID string) (*store.Run, error) {
	var run store.Run
	err := s.db.Collection(database.CollectionRuns).
		FindOne(ctx, bson.M{"projectId": project.ProjectID, "runId": runID}).Decode(&run)
	if err != nil {
		return nil, notFound(err, "run "+runID)
	}
	return &run, nil
}

// AppendBlockExecution implements store.Store.
func (s *Store) AppendBlockExecution(ctx context.Context, project store.Project, execution store.BlockExecution) error {
	if execution.CreatedAt.IsZero() {
		execution.CreatedAt = time.Now()
	}
	_, err := s.db.Collection(database.CollectionBlockExecs).InsertOne(ctx,
		blockExecutionDoc{ProjectID: project.ProjectID, BlockExecution: execution})
	return err
}

// LoadBlockExecutions implements store.Store.
func (s *Store) LoadBlockExecutions(ctx context.Context, project store.Project, runID string) ([]store.BlockExecution, error) {
	cursor, err := s.db.Collection(database.CollectionBlockExecs).Find(ctx,
		bson.M{"projectId": project.ProjectID, "runId": runID},
		options.Find().SetSort(bson.D{{Key: "createdAt", Value: 1}, {Key: "_id", Value: 1}}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load block executions: %w", err)
	}
	var docs []blockExecutionDoc
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("failed to decode block executions: %w", err)
	}
	out := make([]store.BlockExecution, 0, len(docs))
	for _, d := range docs {
		out = append(out, d.BlockExecution)
	}
	return out, nil
}

// MarkOrphanRuns implements store.Store.
func (s *Store) MarkOrphanRuns(ctx context.Context, olderThan time.Time) (int64, error) {
	now := time.Now()
	res, err := s.db.Collection(database.CollectionRuns).UpdateMany(ctx,
		bson.M{
			"status":    store.StatusRunning,
			"updatedAt": bson.M{"$lt": olderThan},
		},
		bson.M{"$set": bson.M{
			"status":     store.StatusErrored,
			"error":      "run interrupted: no progress before shutdown or crash",
			"updatedAt":  now,
			"finishedAt": now,
		}},
	)
	if err != nil {
		return 0, fmt.Errorf("failed to mark orphan runs: %w", err)
	}
	return res.ModifiedCount, nil
}

// UpsertSqliteWorker implements store.Store.
func (s *Store) UpsertSqliteWorker(ctx context.Context, url string) error {
	now := time.Now()
	_, err := s.db.Collection(database.CollectionSqliteWorkers).UpdateOne(ctx,
		bson.M{"url": url},
		bson.M{
			"$set":         bson.M{"lastHeartbeat": now},
			"$setOnInsert": bson.M{"createdAt": now},
		},
		upsert(),
	)
	return err
}

// AssignSqliteWorker implements store.Store.
func (s *Store) AssignSqliteWorker(ctx context.Context, databaseID string, liveness time.Duration, exclude ...string) (*store.SqliteWorker, error) {
	deadline := time.Now().Add(-liveness)
	excluded := bson.A{}
	for _, url := range exclude {
		excluded = append(excluded, url)
	}
	workers := s.db.Collection(database.CollectionSqliteWorkers)
	databases := s.db.Collection(database.CollectionDatabases)

	var current databaseDoc
	err := databases.FindOne(ctx, bson.M{"_id": databaseID}).Decode(&current)
	if err == nil {
		var w store.SqliteWorker
		err := workers.FindOne(ctx, bson.M{
			"url":           bson.M{"$eq": current.WorkerURL, "$nin": excluded},
			"lastHeartbeat": bson.M{"$gt": deadline},
		}).Decode(&w)
		if err == nil {
			return &w, nil
		}
		if !errors.Is(err, mongo.ErrNoDocuments) {
			return nil, fmt.Errorf("failed to load sqlite worker: %w", err)
		}
	} else if !errors.Is(err, mongo.ErrNoDocuments) {
		return nil, fmt.Errorf("failed to load database assignment: %w", err)
	}

	cursor, err := workers.Find(ctx,
		bson.M{"url": bson.M{"$nin": excluded}, "lastHeartbeat": bson.M{"$gt": deadline}},
		options.Find().SetSort(bson.D{{Key: "url", Value: 1}}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list sqlite workers: %w", err)
	}
	var live []store.SqliteWorker
	if err := cursor.All(ctx, &live); err != nil {
		return nil, fmt.Errorf("failed to decode sqlite workers: %w", err)
	}
	if len(live) == 0 {
		return nil, store.ErrNoWorkers
	}

	var best *store.SqliteWorker
	bestLoad := int64(math.MaxInt64)
	for i := range live {
		load, err := databases.CountDocuments(ctx, bson.M{"workerUrl": live[i].URL})
		if err != nil {
			return nil, fmt.Errorf("failed to count worker databases: %w", err)
		}
		if load < bestLoad {
			best, bestLoad = &live[i], load
		}
	}

	_, err = databases.UpdateOne(ctx,
		bson.M{"_id": databaseID},
		bson.M{"$set": bson.M{"workerUrl": best.URL, "assignedAt": time.Now()}},
		upsert(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to assign sqlite worker: %w", err)
	}
	return best, nil
}

// ReleaseSqliteWorker implements store.Store.
func (s *Store) ReleaseSqliteWorker(ctx context.Context, databaseID string) error {
	_, err := s.db.Collection(database.CollectionDatabases).DeleteOne(ctx, bson.M{"_id": databaseID})
	return err
}

// SqliteWorkersCleanup implements store.Store.
func (s *Store) SqliteWorkersCleanup(ctx context.Context, liveness time.Duration) (int, error) {
	deadline := time.Now().Add(-liveness)
	workers := s.db.Collection(database.CollectionSqliteWorkers)

	cursor, err := workers.Find(ctx, bson.M{"lastHeartbeat": bson.M{"$lte": deadline}})
	if err != nil {
		return 0, fmt.Errorf("failed to list dead sqlite workers: %w", err)
	}
	var dead []store.SqliteWorker
	if err := cursor.All(ctx, &dead); err != nil {
		return 0, fmt.Errorf("failed to decode sqlite workers: %w", err)
	}
	if len(dead) == 0 {
		return 0, nil
	}

	urls := make(bson.A, 0, len(dead))
	for _, w := range dead {
		urls = append(urls, w.URL)
	}
	if _, err := s.db.Collection(database.CollectionDatabases).DeleteMany(ctx, bson.M{"workerUrl": bson.M{"$in": urls}}); err != nil {
		return 0, fmt.Errorf("failed to release databases: %w", err)
	}
	res, err := workers.DeleteMany(ctx, bson.M{"url": bson.M{"$in": urls}})
	if err != nil {
		return 0, fmt.Errorf("failed to delete sqlite workers: %w", err)
	}
	return int(res.DeletedCount), nil
}

// IndexDocument implements store.SearchStore.
func (s *Store) IndexDocument(ctx context.Context, doc store.Document) error {
	if doc.Timestamp.IsZero() {
		doc.Timestamp = time.Now()
	}
	_, err := s.db.Collection(database.CollectionDocuments).ReplaceOne(ctx,
		bson.M{"dataSourceInternalId": doc.DataSourceInternalID, "documentId": doc.DocumentID},
		doc,
		options.Replace().SetUpsert(true),
	)
	return err
}

// DeleteDocument implements store.SearchStore.
func (s *Store) DeleteDocument(ctx context.Context, dataSourceInternalID, documentID string) error {
	_, err := s.db.Collection(database.CollectionDocuments).DeleteOne(ctx,
		bson.M{"dataSourceInternalId": dataSourceInternalID, "documentId": documentID})
	return err
}

// SearchDocuments implements store.SearchStore with a $text query ranked
// by text score.
func (s *Store) SearchDocuments(ctx context.Context, query store.SearchQuery) ([]store.ScoredDocument, error) {
	ids := make(bson.A, 0, len(query.DataSourceInternalIDs))
	for _, id := range query.DataSourceInternalIDs {
		ids = append(ids, id)
	}
	filter := bson.M{
		"$text":                bson.M{"$search": query.Query},
		"dataSourceInternalId": bson.M{"$in": ids},
	}
	if f := query.Filter; f != nil {
		tags := bson.M{}
		if len(f.TagsIn) > 0 {
			tags["$in"] = f.TagsIn
		}
		if len(f.TagsNotIn) > 0 {
			tags["$nin"] = f.TagsNotIn
		}
		if len(tags) > 0 {
			filter["tags"] = tags
		}
		ts := bson.M{}
		if f.After != nil {
			ts["$gt"] = *f.After
		}
		if f.Before != nil {
			ts["$lt"] = *f.Before
		}
		if len(ts) > 0 {
			filter["timestamp"] = ts
		}
	}

	score := bson.M{"$meta": "textScore"}
	opts := options.Find().
		SetProjection(bson.M{"score": score}).
		SetSort(bson.D{{Key: "score", Value: score}, {Key: "timestamp", Value: -1}})
	if query.TopK > 0 {
		opts.SetLimit(int64(query.TopK))
	}

	cursor, err := s.db.Collection(database.CollectionDocuments).Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to search documents: %w", err)
	}
	var hits []store.ScoredDocument
	if err := cursor.All(ctx, &hits); err != nil {
		return nil, fmt.Errorf("failed to decode search results: %w", err)
	}
	return hits, nil
}
