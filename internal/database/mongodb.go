package database

import (
	"context"
	"fmt"
	"log"
	"net/url"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
)

// MongoDB wraps the MongoDB client and database
type MongoDB struct {
	client   *mongo.Client
	database *mongo.Database
	dbName   string
}

const defaultDatabase = "pipecore"

// Collection names
const (
	CollectionWorkspaces     = "workspaces"
	CollectionDataSources    = "data_sources"
	CollectionTables         = "tables"
	CollectionDatasets       = "datasets"
	CollectionSpecifications = "specifications"
	CollectionRuns           = "runs"
	CollectionBlockExecs     = "block_executions"
	CollectionSqliteWorkers  = "sqlite_workers"
	CollectionDatabases      = "databases"
	CollectionDocuments      = "documents"
)

// NewMongoDB connects to uri. The database is the URI path, or "pipecore".
func NewMongoDB(ctx context.Context, uri string) (*MongoDB, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().
		ApplyURI(uri).
		SetAppName("pipecore").
		SetMaxPoolSize(50).
		SetMinPoolSize(5).
		SetMaxConnIdleTime(30*time.Second).
		SetServerSelectionTimeout(5*time.Second).
		SetConnectTimeout(10*time.Second))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MongoDB: %w", err)
	}
	if err := client.Ping(ctx, readpref.Primary()); err != nil {
		client.Disconnect(context.Background())
		return nil, fmt.Errorf("failed to ping MongoDB: %w", err)
	}

	dbName := databaseName(uri)
	log.Printf("✅ Connected to MongoDB database: %s", dbName)
	return &MongoDB{client: client, database: client.Database(dbName), dbName: dbName}, nil
}

// databaseName returns the path component of a mongodb:// or mongodb+srv://
// URI.
func databaseName(uri string) string {
	u, err := url.Parse(uri)
	if err != nil {
		return defaultDatabase
	}
	if name := strings.Trim(u.Path, "/"); name != "" {
		return name
	}
	return defaultDatabase
}

// Initialize creates indexes for all collections
func (m *MongoDB) Initialize(ctx context.Context) error {
	log.Println("📦 Initializing MongoDB indexes...")

	unique := options.Index().SetUnique(true)

	indexes := []struct {
		collection string
		models     []mongo.IndexModel
	}{
		{CollectionWorkspaces, []mongo.IndexModel{
			{Keys: bson.D{{Key: "workspaceId", Value: 1}}, Options: unique},
		}},
		{CollectionDataSources, []mongo.IndexModel{
			{Keys: bson.D{{Key: "projectId", Value: 1}, {Key: "dataSourceId", Value: 1}}, Options: unique},
		}},
		{CollectionTables, []mongo.IndexModel{
			{Keys: bson.D{{Key: "projectId", Value: 1}, {Key: "dataSourceId", Value: 1}, {Key: "tableId", Value: 1}}, Options: unique},
		}},
		{CollectionDatasets, []mongo.IndexModel{
			{Keys: bson.D{{Key: "projectId", Value: 1}, {Key: "datasetId", Value: 1}, {Key: "hash", Value: 1}}, Options: unique},
		}},
		{CollectionSpecifications, []mongo.IndexModel{
			{Keys: bson.D{{Key: "projectId", Value: 1}, {Key: "hash", Value: 1}}, Options: unique},
		}},
		{CollectionRuns, []mongo.IndexModel{
			{Keys: bson.D{{Key: "projectId", Value: 1}, {Key: "runId", Value: 1}}, Options: unique},
			{Keys: bson.D{{Key: "status", Value: 1}, {Key: "updatedAt", Value: 1}}}, // Orphan run cleanup
		}},
		{CollectionBlockExecs, []mongo.IndexModel{
			{Keys: bson.D{{Key: "projectId", Value: 1}, {Key: "runId", Value: 1}, {Key: "createdAt", Value: 1}}},
		}},
		{CollectionSqliteWorkers, []mongo.IndexModel{
			{Keys: bson.D{{Key: "url", Value: 1}}, Options: unique},
			{Keys: bson.D{{Key: "lastHeartbeat", Value: 1}}},
		}},
		{CollectionDatabases, []mongo.IndexModel{
			{Keys: bson.D{{Key: "workerUrl", Value: 1}}},
		}},
		{CollectionDocuments, []mongo.IndexModel{
			{Keys: bson.D{{Key: "dataSourceInternalId", Value: 1}, {Key: "documentId", Value: 1}}, Options: unique},
			{Keys: bson.D{{Key: "title", Value: "text"}, {Key: "text", Value: "text"}}}, // Full-text search
		}},
	}

	for _, idx := range indexes {
		if err := m.createIndexes(ctx, idx.collection, idx.models); err != nil {
			return fmt.Errorf("failed to create %s indexes: %w", idx.collection, err)
		}
	}

	log.Println("✅ MongoDB indexes initialized successfully")
	return nil
}

// createIndexes creates indexes for a collection
func (m *MongoDB) createIndexes(ctx context.Context, collectionName string, indexes []mongo.IndexModel) error {
	collection := m.database.Collection(collectionName)
	_, err := collection.Indexes().CreateMany(ctx, indexes)
	return err
}

// Collection returns a collection handle
func (m *MongoDB) Collection(name string) *mongo.Collection {
	return m.database.Collection(name)
}

// Close closes the MongoDB connection
func (m *MongoDB) Close(ctx context.Context) error {
	log.Println("🔌 Closing MongoDB connection...")
	return m.client.Disconnect(ctx)
}

// Ping checks if the database connection is alive
func (m *MongoDB) Ping(ctx context.Context) error {
	return m.client.Ping(ctx, readpref.Primary())
}
