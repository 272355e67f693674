package blocks

import (
	"encoding/json"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
)

var templatePattern = regexp.MustCompile(`\{\{([^}]+)\}\}`)

// InterpolateTemplate replaces {{path.to.value}} placeholders with values
// resolved from data. Unresolvable placeholders are kept as written.
func InterpolateTemplate(template string, data map[string]any) string {
	if template == "" {
		return ""
	}

	return templatePattern.ReplaceAllStringFunc(template, func(match string) string {
		path := strings.TrimSpace(match[2 : len(match)-2])

		value := ResolvePath(data, path)
		if value == nil {
			return match
		}

		switch v := value.(type) {
		case string:
			return v
		case float64:
			if v == math.Trunc(v) && math.Abs(v) < 1e15 {
				return strconv.FormatInt(int64(v), 10)
			}
			return strconv.FormatFloat(v, 'g', -1, 64)
		case int:
			return strconv.Itoa(v)
		case bool:
			return strconv.FormatBool(v)
		default:
			// Complex types are JSON encoded
			jsonBytes, err := json.Marshal(v)
			if err != nil {
				return match
			}
			return string(jsonBytes)
		}
	})
}

// ResolvePath resolves a dot-notation path in a map.
// Supports: BLOCK.field, BLOCK.nested.field, BLOCK[0].field, BLOCK.0.field
func ResolvePath(data map[string]any, path string) any {
	var current any = data

	for _, part := range strings.Split(path, ".") {
		if current == nil {
			return nil
		}

		field, indexes := splitIndexes(part)
		if field != "" {
			switch c := current.(type) {
			case map[string]any:
				val, exists := c[field]
				if !exists {
					return nil
				}
				current = val
			case []any:
				index, err := strconv.Atoi(field)
				if err != nil || index < 0 || index >= len(c) {
					return nil
				}
				current = c[index]
			default:
				return nil
			}
		}

		for _, index := range indexes {
			arr, ok := current.([]any)
			if !ok || index < 0 || index >= len(arr) {
				return nil
			}
			current = arr[index]
		}
	}

	return current
}

// splitIndexes splits "field[0][1]" into "field" and [0 1].
func splitIndexes(part string) (string, []int) {
	idx := strings.Index(part, "[")
	if idx == -1 {
		return part, nil
	}
	field := part[:idx]
	var indexes []int
	for rest := part[idx:]; strings.HasPrefix(rest, "["); {
		end := strings.Index(rest, "]")
		if end == -1 {
			break
		}
		var n int
		if _, err := fmt.Sscanf(rest[1:end], "%d", &n); err != nil {
			n = -1
		}
		indexes = append(indexes, n)
		rest = rest[end+1:]
	}
	return field, indexes
}
