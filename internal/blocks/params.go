package blocks

import (
	"fmt"
	"math"
	"sort"
	"strings"
)

// ConfigError is a malformed block configuration, detected before any
// execution and never retried.
type ConfigError struct {
	BlockType string
	Key       string
	Reason    string
}

func (e *ConfigError) Error() string {
	if e.Key != "" {
		return fmt.Sprintf("invalid %s block config: %s: %s", e.BlockType, e.Key, e.Reason)
	}
	return fmt.Sprintf("invalid %s block config: %s", e.BlockType, e.Reason)
}

// params reads a block configuration strictly: the first error sticks, and
// finish rejects keys that were never read.
type params struct {
	blockType Type
	raw       map[string]any
	used      map[string]bool
	err       error
}

func newParams(t Type, raw map[string]any) *params {
	return &params{blockType: t, raw: raw, used: make(map[string]bool)}
}

func (p *params) fail(key, format string, args ...any) {
	if p.err == nil {
		p.err = &ConfigError{BlockType: string(p.blockType), Key: key, Reason: fmt.Sprintf(format, args...)}
	}
}

func (p *params) lookup(key string) (any, bool) {
	p.used[key] = true
	v, ok := p.raw[key]
	if ok && v == nil {
		return nil, false
	}
	return v, ok
}

func (p *params) requiredString(key string) string {
	v, ok := p.lookup(key)
	if !ok {
		p.fail(key, "is required")
		return ""
	}
	s, isString := v.(string)
	if !isString {
		p.fail(key, "must be a string")
		return ""
	}
	if strings.TrimSpace(s) == "" {
		p.fail(key, "must not be empty")
	}
	return s
}

func (p *params) string(key, def string) string {
	v, ok := p.lookup(key)
	if !ok {
		return def
	}
	s, isString := v.(string)
	if !isString {
		p.fail(key, "must be a string")
		return def
	}
	return s
}

func toInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		if n != math.Trunc(n) {
			return 0, false
		}
		return int(n), true
	}
	return 0, false
}

func (p *params) requiredInt(key string) int {
	v, ok := p.lookup(key)
	if !ok {
		p.fail(key, "is required")
		return 0
	}
	n, isInt := toInt(v)
	if !isInt {
		p.fail(key, "must be an integer")
	}
	return n
}

// optionalInt returns nil when key is absent.
func (p *params) optionalInt(key string) *int {
	v, ok := p.lookup(key)
	if !ok {
		return nil
	}
	n, isInt := toInt(v)
	if !isInt {
		p.fail(key, "must be an integer")
		return nil
	}
	return &n
}

func (p *params) int(key string, def int) int {
	if n := p.optionalInt(key); n != nil {
		return *n
	}
	return def
}

func (p *params) float(key string, def float64) float64 {
	v, ok := p.lookup(key)
	if !ok {
		return def
	}
	switch f := v.(type) {
	case float64:
		return f
	case int:
		return float64(f)
	}
	p.fail(key, "must be a number")
	return def
}

func (p *params) bool(key string, def bool) bool {
	v, ok := p.lookup(key)
	if !ok {
		return def
	}
	b, isBool := v.(bool)
	if !isBool {
		p.fail(key, "must be a boolean")
		return def
	}
	return b
}

func (p *params) strings(key string) []string {
	v, ok := p.lookup(key)
	if !ok {
		return nil
	}
	list, isList := v.([]any)
	if !isList {
		p.fail(key, "must be a list of strings")
		return nil
	}
	out := make([]string, 0, len(list))
	for _, item := range list {
		s, isString := item.(string)
		if !isString {
			p.fail(key, "must be a list of strings")
			return nil
		}
		out = append(out, s)
	}
	return out
}

func (p *params) object(key string) map[string]any {
	v, ok := p.lookup(key)
	if !ok {
		return nil
	}
	m, isMap := v.(map[string]any)
	if !isMap {
		p.fail(key, "must be an object")
		return nil
	}
	return m
}

func (p *params) finish() error {
	if p.err != nil {
		return p.err
	}
	var unknown []string
	for key := range p.raw {
		if !p.used[key] {
			unknown = append(unknown, key)
		}
	}
	if len(unknown) > 0 {
		sort.Strings(unknown)
		return &ConfigError{BlockType: string(p.blockType), Key: unknown[0], Reason: "unknown key"}
	}
	return nil
}

// blockConfig reads the per-block runtime overrides.
type blockConfig map[string]any

func (c blockConfig) bool(key string, def bool) bool {
	if b, ok := c[key].(bool); ok {
		return b
	}
	return def
}

func (c blockConfig) string(key string) string {
	s, _ := c[key].(string)
	return s
}

// tableRef identifies a table (or, without TableID, a data source) in a
// workspace.
type tableRef struct {
	WorkspaceID  string
	DataSourceID string
	TableID      string
}

// refs parses a list of {workspace_id, data_source_id[, table_id]} objects.
func (c blockConfig) refs(blockType Type, key string, withTable bool) ([]tableRef, error) {
	raw, ok := c[key]
	if !ok {
		return nil, &ConfigError{BlockType: string(blockType), Key: key, Reason: "is required in the block's run config"}
	}
	list, ok := raw.([]any)
	if !ok || len(list) == 0 {
		return nil, &ConfigError{BlockType: string(blockType), Key: key, Reason: "must be a non-empty list"}
	}
	refs := make([]tableRef, 0, len(list))
	for i, item := range list {
		m, ok := item.(map[string]any)
		if !ok {
			return nil, &ConfigError{BlockType: string(blockType), Key: fmt.Sprintf("%s[%d]", key, i), Reason: "must be an object"}
		}
		ref := tableRef{}
		ref.WorkspaceID, _ = m["workspace_id"].(string)
		ref.DataSourceID, _ = m["data_source_id"].(string)
		ref.TableID, _ = m["table_id"].(string)
		if ref.WorkspaceID == "" || ref.DataSourceID == "" || (withTable && ref.TableID == "") {
			return nil, &ConfigError{BlockType: string(blockType), Key: fmt.Sprintf("%s[%d]", key, i), Reason: "missing identifiers"}
		}
		refs = append(refs, ref)
	}
	return refs, nil
}
