package databases

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"pipecore/internal/store"
)

// Possible values are only recorded for low-cardinality columns.
const (
	maxPossibleValues      = 16
	maxPossibleValueLength = 32
)

type columnStats struct {
	valueType string
	values    map[string]bool
	tooMany   bool
}

// InferSchema derives a table schema from row values. Columns are ordered
// by first appearance; keys within a row are visited in sorted order.
func InferSchema(rows []map[string]any) store.TableSchema {
	var order []string
	stats := make(map[string]*columnStats)

	for _, row := range rows {
		keys := make([]string, 0, len(row))
		for k := range row {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		for _, k := range keys {
			st, ok := stats[k]
			if !ok {
				st = &columnStats{values: make(map[string]bool)}
				stats[k] = st
				order = append(order, k)
			}
			v := row[k]
			if v == nil {
				continue
			}
			st.valueType = mergeType(st.valueType, valueType(v))
			st.record(v)
		}
	}

	schema := make(store.TableSchema, 0, len(order))
	for _, name := range order {
		st := stats[name]
		col := store.TableSchemaColumn{Name: name, ValueType: st.valueType}
		if col.ValueType == "" {
			col.ValueType = store.ValueTypeText
		}
		if !st.tooMany && len(st.values) > 0 && col.ValueType != store.ValueTypeFloat && col.ValueType != store.ValueTypeDateTime {
			for v := range st.values {
				col.PossibleValues = append(col.PossibleValues, v)
			}
			sort.Strings(col.PossibleValues)
		}
		schema = append(schema, col)
	}
	return schema
}

func (st *columnStats) record(v any) {
	if st.tooMany {
		return
	}
	s := formatValue(v)
	if len(s) > maxPossibleValueLength {
		st.tooMany = true
		st.values = nil
		return
	}
	st.values[s] = true
	if len(st.values) > maxPossibleValues {
		st.tooMany = true
		st.values = nil
	}
}

func formatValue(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case float64:
		if x == math.Trunc(x) && math.Abs(x) < 1e15 {
			return fmt.Sprintf("%d", int64(x))
		}
		return fmt.Sprintf("%g", x)
	default:
		return fmt.Sprint(x)
	}
}

func valueType(v any) string {
	switch x := v.(type) {
	case bool:
		return store.ValueTypeBool
	case int, int32, int64:
		return store.ValueTypeInt
	case float32:
		return store.ValueTypeFloat
	case float64:
		if x == math.Trunc(x) && !math.IsInf(x, 0) {
			return store.ValueTypeInt
		}
		return store.ValueTypeFloat
	case string:
		if _, err := time.Parse(time.RFC3339, x); err == nil {
			return store.ValueTypeDateTime
		}
		return store.ValueTypeText
	default:
		return store.ValueTypeText
	}
}

// mergeType widens a column type to accommodate a newly seen value type.
func mergeType(current, next string) string {
	switch {
	case current == "" || current == next:
		return next
	case (current == store.ValueTypeInt && next == store.ValueTypeFloat) ||
		(current == store.ValueTypeFloat && next == store.ValueTypeInt):
		return store.ValueTypeFloat
	default:
		return store.ValueTypeText
	}
}

// RenderDBML renders a table in a DBML-like text form suitable for
// prompting.
func RenderDBML(table store.Table) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Table %s {\n", table.Name)
	for _, col := range table.Schema {
		fmt.Fprintf(&b, "  %s %s", col.Name, col.ValueType)
		if len(col.PossibleValues) > 0 {
			quoted := make([]string, 0, len(col.PossibleValues))
			for _, v := range col.PossibleValues {
				quoted = append(quoted, strings.ReplaceAll(v, "'", "\\'"))
			}
			fmt.Fprintf(&b, " [note: 'possible values: %s']", strings.Join(quoted, ", "))
		}
		b.WriteString("\n")
	}
	if table.Description != "" {
		fmt.Fprintf(&b, "\n  Note: '%s'\n", strings.ReplaceAll(table.Description, "'", "\\'"))
	}
	b.WriteString("}")
	return b.String()
}
