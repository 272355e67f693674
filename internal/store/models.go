package store

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"
)

// Project scopes every stored object.
type Project struct {
	ProjectID int64 `bson:"projectId" json:"projectId"`
}

// DataSource is a named collection of documents and tables in a project.
type DataSource struct {
	ProjectID    int64     `bson:"projectId" json:"projectId"`
	DataSourceID string    `bson:"dataSourceId" json:"dataSourceId"`
	InternalID   string    `bson:"internalId" json:"internalId"`
	Name         string    `bson:"name" json:"name"`
	CreatedAt    time.Time `bson:"createdAt" json:"createdAt"`
}

// Column value types inferred from table rows.
const (
	ValueTypeInt      = "int"
	ValueTypeFloat    = "float"
	ValueTypeText     = "text"
	ValueTypeBool     = "bool"
	ValueTypeDateTime = "datetime"
)

// TableSchemaColumn describes one column of a table.
type TableSchemaColumn struct {
	Name           string   `bson:"name" json:"name"`
	ValueType      string   `bson:"valueType" json:"value_type"`
	PossibleValues []string `bson:"possibleValues,omitempty" json:"possible_values,omitempty"`
}

// TableSchema is the ordered column list of a table.
type TableSchema []TableSchemaColumn

// Hash returns a stable hex digest of the schema.
func (s TableSchema) Hash() string {
	data, _ := json.Marshal(s)
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Table is a structured table in a data source. Schema is nil until it has
// been inferred from the rows; SchemaStaleAt is set when rows changed after
// the last inference.
type Table struct {
	ProjectID     int64       `bson:"projectId" json:"projectId"`
	DataSourceID  string      `bson:"dataSourceId" json:"dataSourceId"`
	TableID       string      `bson:"tableId" json:"tableId"`
	Name          string      `bson:"name" json:"name"`
	Description   string      `bson:"description" json:"description"`
	Schema        TableSchema `bson:"schema,omitempty" json:"schema,omitempty"`
	SchemaStaleAt *time.Time  `bson:"schemaStaleAt,omitempty" json:"schemaStaleAt,omitempty"`
	CreatedAt     time.Time   `bson:"createdAt" json:"createdAt"`
}

// UniqueID identifies a table across projects and data sources.
func (t Table) UniqueID() string {
	return fmt.Sprintf("%d__%s__%s", t.ProjectID, t.DataSourceID, t.TableID)
}

// SchemaIsStale reports whether the schema must be re-inferred before use.
func (t Table) SchemaIsStale() bool {
	return t.Schema == nil || t.SchemaStaleAt != nil
}

// Row is one table row keyed by its row id.
type Row struct {
	RowID string         `bson:"rowId" json:"row_id"`
	Value map[string]any `bson:"value" json:"value"`
}

// Dataset is an immutable, hash-addressed list of records.
type Dataset struct {
	DatasetID string           `bson:"datasetId" json:"dataset_id"`
	Hash      string           `bson:"hash" json:"hash"`
	Records   []map[string]any `bson:"records" json:"records"`
	CreatedAt time.Time        `bson:"createdAt" json:"createdAt"`
}

// Document is a searchable text document of a data source.
type Document struct {
	DataSourceInternalID string    `bson:"dataSourceInternalId" json:"data_source_internal_id"`
	DocumentID           string    `bson:"documentId" json:"document_id"`
	Title                string    `bson:"title" json:"title"`
	Text                 string    `bson:"text" json:"text"`
	Tags                 []string  `bson:"tags" json:"tags"`
	SourceURL            string    `bson:"sourceUrl,omitempty" json:"source_url,omitempty"`
	Timestamp            time.Time `bson:"timestamp" json:"timestamp"`
}

// SearchFilter restricts search results by tags and timestamp.
type SearchFilter struct {
	TagsIn    []string   `json:"tags_in,omitempty"`
	TagsNotIn []string   `json:"tags_not_in,omitempty"`
	After     *time.Time `json:"after,omitempty"`
	Before    *time.Time `json:"before,omitempty"`
}

// Matches reports whether doc passes the filter.
func (f *SearchFilter) Matches(doc Document) bool {
	if f == nil {
		return true
	}
	if len(f.TagsIn) > 0 && !anyTag(doc.Tags, f.TagsIn) {
		return false
	}
	if len(f.TagsNotIn) > 0 && anyTag(doc.Tags, f.TagsNotIn) {
		return false
	}
	if f.After != nil && !doc.Timestamp.After(*f.After) {
		return false
	}
	if f.Before != nil && !doc.Timestamp.Before(*f.Before) {
		return false
	}
	return true
}

func anyTag(tags, wanted []string) bool {
	for _, t := range tags {
		for _, w := range wanted {
			if t == w {
				return true
			}
		}
	}
	return false
}

// SearchQuery is a ranked search over one or more data sources.
type SearchQuery struct {
	DataSourceInternalIDs []string
	Query                 string
	TopK                  int
	Filter                *SearchFilter
}

// ScoredDocument is a search hit.
type ScoredDocument struct {
	Document `bson:",inline"`
	Score    float64 `bson:"score" json:"score"`
}

// RunStatus is the lifecycle state of a run or block.
type RunStatus string

const (
	StatusRunning   RunStatus = "running"
	StatusCompleted RunStatus = "completed"
	StatusErrored   RunStatus = "errored"
)

// BlockStatus aggregates the executions of one block within a run.
type BlockStatus struct {
	BlockType    string    `bson:"blockType" json:"block_type"`
	Name         string    `bson:"name" json:"name"`
	Status       RunStatus `bson:"status" json:"status"`
	SuccessCount int       `bson:"successCount" json:"success_count"`
	ErrorCount   int       `bson:"errorCount" json:"error_count"`
	Error        string    `bson:"error,omitempty" json:"error,omitempty"`
}

// Run is the persisted record of one app execution.
type Run struct {
	RunID      string        `bson:"runId" json:"run_id"`
	ProjectID  int64         `bson:"projectId" json:"project_id"`
	AppHash    string        `bson:"appHash" json:"app_hash"`
	Status     RunStatus     `bson:"status" json:"status"`
	Blocks     []BlockStatus `bson:"blocks" json:"blocks"`
	Error      string        `bson:"error,omitempty" json:"error,omitempty"`
	CreatedAt  time.Time     `bson:"createdAt" json:"created_at"`
	UpdatedAt  time.Time     `bson:"updatedAt" json:"updated_at"`
	FinishedAt *time.Time    `bson:"finishedAt,omitempty" json:"finished_at,omitempty"`
}

// BlockExecution is the output of one block (and one loop iteration).
type BlockExecution struct {
	RunID     string         `bson:"runId" json:"run_id"`
	BlockType string         `bson:"blockType" json:"block_type"`
	BlockName string         `bson:"blockName" json:"block_name"`
	Iteration *int           `bson:"iteration,omitempty" json:"iteration,omitempty"`
	Value     any            `bson:"value" json:"value"`
	Meta      map[string]any `bson:"meta,omitempty" json:"meta,omitempty"`
	Error     string         `bson:"error,omitempty" json:"error,omitempty"`
	CreatedAt time.Time      `bson:"createdAt" json:"created_at"`
}

// SqliteWorker is a registered SQL worker process.
type SqliteWorker struct {
	URL           string    `bson:"url" json:"url"`
	LastHeartbeat time.Time `bson:"lastHeartbeat" json:"last_heartbeat"`
	CreatedAt     time.Time `bson:"createdAt" json:"created_at"`
}
