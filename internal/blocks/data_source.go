package blocks

import (
	"context"
	"fmt"
	"log"
	"sort"
	"time"

	"pipecore/internal/env"
	"pipecore/internal/store"
)

// snippetRunes bounds document text when full_text is off.
const snippetRunes = 512

// DataSource runs a ranked search over the data sources configured for the
// block at run time.
type DataSource struct {
	Query    string              `json:"query"`
	TopK     int                 `json:"top_k"`
	FullText bool                `json:"full_text"`
	Filter   *store.SearchFilter `json:"filter,omitempty"`
}

func parseDataSource(config map[string]any) (Block, error) {
	p := newParams(TypeDataSource, config)
	b := &DataSource{
		Query:    p.requiredString("query"),
		TopK:     p.int("top_k", 10),
		FullText: p.bool("full_text", false),
	}
	if b.TopK <= 0 {
		p.fail("top_k", "must be positive")
	}
	if raw := p.object("filter"); raw != nil {
		b.Filter = parseFilter(p, raw)
	}
	if err := p.finish(); err != nil {
		return nil, err
	}
	return b, nil
}

func parseFilter(p *params, raw map[string]any) *store.SearchFilter {
	fp := newParams(TypeDataSource, raw)
	f := &store.SearchFilter{
		TagsIn:    fp.strings("tags_in"),
		TagsNotIn: fp.strings("tags_not_in"),
		After:     filterTime(fp, "after"),
		Before:    filterTime(fp, "before"),
	}
	if err := fp.finish(); err != nil {
		ce := err.(*ConfigError)
		p.fail("filter."+ce.Key, "%s", ce.Reason)
		return nil
	}
	return f
}

// filterTime accepts RFC 3339 strings or epoch milliseconds.
func filterTime(p *params, key string) *time.Time {
	v, ok := p.lookup(key)
	if !ok {
		return nil
	}
	switch t := v.(type) {
	case string:
		parsed, err := time.Parse(time.RFC3339, t)
		if err != nil {
			p.fail(key, "must be an RFC 3339 timestamp")
			return nil
		}
		return &parsed
	default:
		ms, isInt := toInt(v)
		if !isInt {
			p.fail(key, "must be a timestamp")
			return nil
		}
		parsed := time.UnixMilli(int64(ms)).UTC()
		return &parsed
	}
}

func (*DataSource) Type() Type          { return TypeDataSource }
func (b *DataSource) InnerHash() string { return hashParams(TypeDataSource, b) }
func (*DataSource) sealed()             {}

func (b *DataSource) Execute(ctx context.Context, name string, e *env.Env) (*Result, error) {
	if e.Store == nil || e.SearchStore == nil {
		return nil, fmt.Errorf("data_source block: no store configured")
	}
	refs, err := blockConfig(e.Config.ConfigForBlock(name)).refs(TypeDataSource, "data_sources", false)
	if err != nil {
		return nil, err
	}

	internalIDs := make([]string, 0, len(refs))
	for _, ref := range refs {
		project, err := e.Store.ResolveWorkspaceProject(ctx, ref.WorkspaceID)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve workspace %s: %w", ref.WorkspaceID, err)
		}
		ds, err := e.Store.LoadDataSource(ctx, project, ref.DataSourceID)
		if err != nil {
			return nil, fmt.Errorf("failed to load data source %s: %w", ref.DataSourceID, err)
		}
		internalIDs = append(internalIDs, ds.InternalID)
	}

	query := InterpolateTemplate(b.Query, e.TemplateData())
	hits, err := e.SearchStore.SearchDocuments(ctx, store.SearchQuery{
		DataSourceInternalIDs: internalIDs,
		Query:                 query,
		TopK:                  b.TopK,
		Filter:                b.Filter,
	})
	if err != nil {
		return nil, fmt.Errorf("search failed: %w", err)
	}

	sort.SliceStable(hits, func(i, j int) bool { return hits[i].Score > hits[j].Score })
	if len(hits) > b.TopK {
		hits = hits[:b.TopK]
	}

	documents := make([]any, 0, len(hits))
	for _, h := range hits {
		text := h.Text
		if !b.FullText {
			text = truncateRunes(text, snippetRunes)
		}
		documents = append(documents, map[string]any{
			"data_source_id": h.DataSourceInternalID,
			"document_id":    h.DocumentID,
			"title":          h.Title,
			"source_url":     h.SourceURL,
			"tags":           h.Tags,
			"timestamp":      h.Timestamp.UnixMilli(),
			"score":          h.Score,
			"text":           text,
		})
	}

	log.Printf("🔎 [DATA-SOURCE] Block '%s': %d documents from %d data sources", name, len(documents), len(internalIDs))
	return &Result{Value: documents}, nil
}

func truncateRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
