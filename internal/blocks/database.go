package blocks

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"

	"pipecore/internal/databases"
	"pipecore/internal/env"
	"pipecore/internal/store"
)

// DatabaseSchema describes the tables configured for the block.
type DatabaseSchema struct{}

func parseDatabaseSchema(config map[string]any) (Block, error) {
	if err := newParams(TypeDatabaseSchema, config).finish(); err != nil {
		return nil, err
	}
	return &DatabaseSchema{}, nil
}

func (*DatabaseSchema) Type() Type        { return TypeDatabaseSchema }
func (*DatabaseSchema) InnerHash() string { return hashParams(TypeDatabaseSchema, struct{}{}) }
func (*DatabaseSchema) sealed()           {}

func (*DatabaseSchema) Execute(ctx context.Context, name string, e *env.Env) (*Result, error) {
	querier, tables, err := loadTables(ctx, name, TypeDatabaseSchema, e)
	if err != nil {
		return nil, err
	}

	out := make([]any, 0, len(tables))
	for _, t := range tables {
		fresh, err := querier.EnsureSchema(ctx, t)
		if err != nil {
			return nil, err
		}
		out = append(out, map[string]any{
			"table_id": fresh.TableID,
			"name":     fresh.Name,
			"schema":   fresh.Schema,
			"dbml":     databases.RenderDBML(*fresh),
		})
	}
	log.Printf("🗂️  [DATABASE-SCHEMA] Block '%s': described %d tables", name, len(out))
	return &Result{Value: out}, nil
}

// Database runs the SQL returned by Query (JS code) over the configured
// tables.
type Database struct {
	Query string `json:"query"`
}

func parseDatabase(config map[string]any) (Block, error) {
	p := newParams(TypeDatabase, config)
	b := &Database{Query: p.requiredString("query")}
	if err := p.finish(); err != nil {
		return nil, err
	}
	return b, nil
}

func (*Database) Type() Type          { return TypeDatabase }
func (b *Database) InnerHash() string { return hashParams(TypeDatabase, b) }
func (*Database) sealed()             {}

func (b *Database) Execute(ctx context.Context, name string, e *env.Env) (*Result, error) {
	querier, tables, err := loadTables(ctx, name, TypeDatabase, e)
	if err != nil {
		return nil, err
	}

	reply, err := runScript(ctx, e, TypeDatabase, b.Query, false)
	if err != nil {
		return nil, fmt.Errorf("query code failed: %w", err)
	}
	sql, ok := reply.Value.(string)
	if !ok || strings.TrimSpace(sql) == "" {
		return nil, fmt.Errorf("query code must return a non-empty SQL string, got %T", reply.Value)
	}

	result, err := querier.Query(ctx, tables, sql)
	if err != nil {
		var qe *databases.QueryError
		if errors.As(err, &qe) {
			log.Printf("❌ [DATABASE] Block '%s': %s", name, qe.Kind)
			return nil, &ExecutionError{Category: ErrorCategoryPermanent, Message: qe.Error(), Cause: qe}
		}
		return nil, err
	}

	log.Printf("✅ [DATABASE] Block '%s': %d rows", name, len(result.Results))
	return &Result{Value: map[string]any{"results": result.Results, "schema": result.Schema}}, nil
}

func loadTables(ctx context.Context, name string, blockType Type, e *env.Env) (*databases.Querier, []store.Table, error) {
	rt, err := runtimeOf(e, blockType)
	if err != nil {
		return nil, nil, err
	}
	if rt.Databases == nil || e.Store == nil {
		return nil, nil, fmt.Errorf("%s block: databases are not configured", blockType)
	}
	refs, err := blockConfig(e.Config.ConfigForBlock(name)).refs(blockType, "tables", true)
	if err != nil {
		return nil, nil, err
	}

	tables := make([]store.Table, 0, len(refs))
	for _, ref := range refs {
		project, err := e.Store.ResolveWorkspaceProject(ctx, ref.WorkspaceID)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to resolve workspace %s: %w", ref.WorkspaceID, err)
		}
		_, table, err := e.Store.LoadDataSourceTable(ctx, project, ref.DataSourceID, ref.TableID)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to load table %s/%s: %w", ref.DataSourceID, ref.TableID, err)
		}
		tables = append(tables, *table)
	}
	return rt.Databases, tables, nil
}
