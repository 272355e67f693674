package specification

import (
	"errors"
	"strings"
	"testing"
)

const valid = `
blocks:
  - type: input
    name: INPUT
  - type: map
    name: LOOP
    config:
      from: INPUT
  - type: code
    name: DOUBLE
    config:
      code: "_fun = (env) => env.state.LOOP * 2"
  - type: reduce
    name: LOOP
  - type: code
    name: OUT
`

func TestParse_Valid(t *testing.T) {
	spec, err := Parse(valid)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(spec.Blocks) != 5 {
		t.Fatalf("expected 5 blocks, got %d", len(spec.Blocks))
	}
	if spec.Blocks[2].Config["code"] != "_fun = (env) => env.state.LOOP * 2" {
		t.Errorf("unexpected config %v", spec.Blocks[2].Config)
	}
	if spec.Blocks[0].Config == nil {
		t.Error("expected empty config map, got nil")
	}
	if spec.Blocks[1].Line != 5 {
		t.Errorf("expected line 5, got %d", spec.Blocks[1].Line)
	}
}

func TestParse_Invalid(t *testing.T) {
	tests := []struct {
		name   string
		text   string
		reason string
	}{
		{"yaml", "blocks: [", ""},
		{"lowercase name", "blocks:\n  - {type: code, name: lower}", "name must match"},
		{"missing type", "blocks:\n  - {name: A}", "missing type"},
		{"duplicate", "blocks:\n  - {type: input, name: A}\n  - {type: code, name: A}", "duplicate"},
		{"forward from", "blocks:\n  - {type: map, name: M, config: {from: LATER}}\n  - {type: reduce, name: M}\n  - {type: input, name: LATER}", "earlier block"},
		{"self from", "blocks:\n  - {type: map, name: M, config: {from: M}}\n  - {type: reduce, name: M}", "earlier block"},
		{"unclosed", "blocks:\n  - {type: input, name: I}\n  - {type: map, name: M, config: {from: I}}", "never closed"},
		{"stray closer", "blocks:\n  - {type: end, name: W}", "without an open loop"},
		{"wrong closer", "blocks:\n  - {type: input, name: I}\n  - {type: map, name: M, config: {from: I}}\n  - {type: end, name: M}", "does not close"},
		{"closer name", "blocks:\n  - {type: input, name: I}\n  - {type: map, name: M, config: {from: I}}\n  - {type: reduce, name: X}", "does not close"},
		{"nested", "blocks:\n  - {type: input, name: I}\n  - {type: map, name: M, config: {from: I}}\n  - {type: while, name: W}\n  - {type: end, name: W}\n  - {type: reduce, name: M}", "nested loop"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(tt.text)
			if !errors.Is(err, ErrInvalid) {
				t.Fatalf("expected ErrInvalid, got %v", err)
			}
			if !strings.Contains(err.Error(), tt.reason) {
				t.Errorf("expected %q in %q", tt.reason, err.Error())
			}
		})
	}
}

func TestParse_Empty(t *testing.T) {
	spec, err := Parse("")
	if err != nil {
		t.Fatal(err)
	}
	if len(spec.Blocks) != 0 {
		t.Errorf("expected no blocks, got %d", len(spec.Blocks))
	}
}

func TestText_RoundTrip(t *testing.T) {
	spec, err := Parse(valid)
	if err != nil {
		t.Fatal(err)
	}
	text, err := spec.Text()
	if err != nil {
		t.Fatal(err)
	}
	again, err := Parse(text)
	if err != nil {
		t.Fatalf("rendered text does not parse: %v\n%s", err, text)
	}
	if len(again.Blocks) != len(spec.Blocks) || again.Blocks[2].Name != "DOUBLE" {
		t.Errorf("round trip changed blocks: %+v", again.Blocks)
	}
}
