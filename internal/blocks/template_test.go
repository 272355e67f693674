package blocks

import "testing"

func TestInterpolateTemplate(t *testing.T) {
	data := map[string]any{
		"INPUT": map[string]any{"name": "Ada", "age": float64(36), "ratio": 0.5, "ok": true},
		"LIST":  []any{map[string]any{"id": "a"}, map[string]any{"id": "b"}},
		"OBJ":   map[string]any{"k": []any{float64(1), float64(2)}},
	}

	tests := []struct {
		template string
		want     string
	}{
		{"Hello {{INPUT.name}}", "Hello Ada"},
		{"{{ INPUT.age }} years", "36 years"},
		{"{{INPUT.ratio}} / {{INPUT.ok}}", "0.5 / true"},
		{"{{LIST[1].id}} {{LIST.0.id}}", "b a"},
		{"{{OBJ.k}}", "[1,2]"},
		{"{{MISSING.x}} stays", "{{MISSING.x}} stays"},
		{"{{LIST[9].id}}", "{{LIST[9].id}}"},
		{"", ""},
	}

	for _, tt := range tests {
		t.Run(tt.template, func(t *testing.T) {
			if got := InterpolateTemplate(tt.template, data); got != tt.want {
				t.Errorf("expected %q, got %q", tt.want, got)
			}
		})
	}
}
