package app

import (
	"context"
	"errors"
	"reflect"
	"strings"
	"testing"
	"time"

	"pipecore/internal/env"
	"pipecore/internal/script"
	"pipecore/internal/store"
	"pipecore/internal/store/memstore"
)

const pipeline = `
blocks:
  - type: input
    name: INPUT
  - type: code
    name: DOUBLE
    config:
      code: "_fun = (env) => env.state.INPUT.n * 2"
`

func runOpts(t *testing.T, st *memstore.Store, input any) RunOptions {
	t.Helper()
	scripts := script.NewExecutor(8)
	t.Cleanup(scripts.Close)
	return RunOptions{
		Input:             input,
		Project:           store.Project{ProjectID: 1},
		Store:             st,
		DatabasesStore:    st,
		SearchStore:       st,
		Runtime:           &env.Runtime{Scripts: scripts, ScriptTimeout: 2 * time.Second},
		StoreBlockResults: true,
	}
}

func executions(t *testing.T, st *memstore.Store, runID string) map[string][]store.BlockExecution {
	t.Helper()
	all, err := st.LoadBlockExecutions(context.Background(), store.Project{ProjectID: 1}, runID)
	if err != nil {
		t.Fatal(err)
	}
	out := make(map[string][]store.BlockExecution)
	for _, ex := range all {
		key := ex.BlockType + "/" + ex.BlockName
		out[key] = append(out[key], ex)
	}
	return out
}

func TestHash_Deterministic(t *testing.T) {
	a1, err := New(pipeline)
	if err != nil {
		t.Fatal(err)
	}
	a2, _ := New(pipeline)
	if a1.Hash() != a2.Hash() {
		t.Error("expected identical specifications to hash equally")
	}

	changed, _ := New(strings.Replace(pipeline, "* 2", "* 3", 1))
	if changed.Hash() == a1.Hash() {
		t.Error("expected a parameter change to change the hash")
	}

	reordered, err := New(`
blocks:
  - type: code
    name: DOUBLE
    config:
      code: "_fun = (env) => env.state.INPUT.n * 2"
  - type: input
    name: INPUT
`)
	if err != nil {
		t.Fatal(err)
	}
	if reordered.Hash() == a1.Hash() {
		t.Error("expected block order to change the hash")
	}

	empty, _ := New("blocks: []")
	if empty.Hash() != "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855" {
		t.Errorf("unexpected empty hash %s", empty.Hash())
	}
}

func TestNew_InvalidSpecification(t *testing.T) {
	tests := []struct {
		name string
		text string
	}{
		{"bad yaml", "blocks: ["},
		{"bad block config", "blocks:\n  - type: code\n    name: C\n    config: {}\n"},
		{"while cap", "blocks:\n  - type: while\n    name: W\n    config: {condition_code: x, max_iterations: 32}\n  - type: end\n    name: W\n"},
		{"unclosed map", "blocks:\n  - type: input\n    name: I\n  - type: map\n    name: M\n    config: {from: I}\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := New(tt.text); !errors.Is(err, ErrInvalidSpecification) {
				t.Errorf("expected ErrInvalidSpecification, got %v", err)
			}
		})
	}
}

func TestRun_Sequential(t *testing.T) {
	st := memstore.New()
	a, err := New(pipeline)
	if err != nil {
		t.Fatal(err)
	}

	run, err := a.Run(context.Background(), runOpts(t, st, map[string]any{"n": 21}))
	if err != nil {
		t.Fatal(err)
	}
	if run.Status != store.StatusCompleted || run.AppHash != a.Hash() || len(run.Blocks) != 2 {
		t.Errorf("unexpected run %+v", run)
	}

	ex := executions(t, st, run.RunID)
	if got := ex["code/DOUBLE"]; len(got) != 1 || got[0].Value != float64(42) {
		t.Errorf("unexpected DOUBLE executions %+v", got)
	}

	stored, err := st.LoadRun(context.Background(), store.Project{ProjectID: 1}, run.RunID)
	if err != nil || stored.Status != store.StatusCompleted || stored.FinishedAt == nil {
		t.Errorf("unexpected stored run %+v (%v)", stored, err)
	}
}

const mapSpec = `
blocks:
  - type: input
    name: INPUT
  - type: map
    name: LOOP
    config: %s
  - type: code
    name: ITEM
    config:
      code: "_fun = (env) => ({ value: env.state.LOOP, i: env.map.iteration })"
  - type: reduce
    name: LOOP
  - type: code
    name: COUNT
    config:
      code: "_fun = (env) => env.state.ITEM.length"
`

func TestRun_MapIterations(t *testing.T) {
	tests := []struct {
		name   string
		config string
		input  any
		want   float64
	}{
		{"over elements", "{from: INPUT}", []any{"a", "b", "c"}, 3},
		{"repeat", "{from: INPUT, repeat: 4}", "x", 4},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			st := memstore.New()
			a, err := New(strings.Replace(mapSpec, "%s", tt.config, 1))
			if err != nil {
				t.Fatal(err)
			}
			run, err := a.Run(context.Background(), runOpts(t, st, tt.input))
			if err != nil {
				t.Fatal(err)
			}

			ex := executions(t, st, run.RunID)
			if got := ex["code/COUNT"][0].Value; got != tt.want {
				t.Errorf("expected %v folded iterations, got %v", tt.want, got)
			}
			items := ex["code/ITEM"]
			if len(items) != int(tt.want) {
				t.Fatalf("expected %v ITEM executions, got %d", tt.want, len(items))
			}
			for i, item := range items {
				if item.Iteration == nil || *item.Iteration != i {
					t.Errorf("execution %d has iteration %v", i, item.Iteration)
				}
			}
		})
	}
}

func TestRun_MapOverEmptyArrayFails(t *testing.T) {
	st := memstore.New()
	a, err := New(strings.Replace(mapSpec, "%s", "{from: INPUT}", 1))
	if err != nil {
		t.Fatal(err)
	}
	run, err := a.Run(context.Background(), runOpts(t, st, []any{}))
	if err == nil {
		t.Fatal("expected error")
	}
	if run.Status != store.StatusErrored || !strings.Contains(run.Error, "LOOP") {
		t.Errorf("unexpected run %+v", run)
	}
	if ex := executions(t, st, run.RunID); len(ex["code/ITEM"]) != 0 {
		t.Error("expected no body execution")
	}
}

func TestRun_MapRepeatZeroRejected(t *testing.T) {
	if _, err := New(strings.Replace(mapSpec, "%s", "{from: INPUT, repeat: 0}", 1)); !errors.Is(err, ErrInvalidSpecification) {
		t.Errorf("expected ErrInvalidSpecification, got %v", err)
	}
}

func TestRun_WhileStopsAtCap(t *testing.T) {
	st := memstore.New()
	a, err := New(`
blocks:
  - type: while
    name: LOOP
    config:
      condition_code: "_fun = (env) => true"
      max_iterations: 3
  - type: code
    name: STEP
    config:
      code: "_fun = (env) => env.map.iteration"
  - type: end
    name: LOOP
  - type: code
    name: RESULT
    config:
      code: "_fun = (env) => env.state.STEP"
`)
	if err != nil {
		t.Fatal(err)
	}

	run, err := a.Run(context.Background(), runOpts(t, st, nil))
	if err != nil {
		t.Fatal(err)
	}
	ex := executions(t, st, run.RunID)
	if got := ex["code/RESULT"][0].Value; !reflect.DeepEqual(got, []any{float64(0), float64(1), float64(2)}) {
		t.Errorf("unexpected folded STEP %v", got)
	}
	// Three true conditions and the capped fourth pass.
	if got := len(ex["while/LOOP"]); got != 4 {
		t.Errorf("expected 4 condition executions, got %d", got)
	}
}

func TestRun_WhileConditionSeesPreviousPass(t *testing.T) {
	st := memstore.New()
	a, err := New(`
blocks:
  - type: while
    name: LOOP
    config:
      condition_code: "_fun = (env) => env.state.COUNTER === undefined || env.state.COUNTER < 2"
      max_iterations: 10
  - type: code
    name: COUNTER
    config:
      code: "_fun = (env) => env.map.iteration + 1"
  - type: end
    name: LOOP
`)
	if err != nil {
		t.Fatal(err)
	}
	run, err := a.Run(context.Background(), runOpts(t, st, nil))
	if err != nil {
		t.Fatal(err)
	}
	if got := len(executions(t, st, run.RunID)["code/COUNTER"]); got != 2 {
		t.Errorf("expected 2 passes, got %d", got)
	}
}

func TestRun_WhileBodyAccumulates(t *testing.T) {
	st := memstore.New()
	a, err := New(`
blocks:
  - type: while
    name: LOOP
    config:
      condition_code: "_fun = (env) => (env.state.ACC ?? 0) < 3"
      max_iterations: 10
  - type: code
    name: ACC
    config:
      code: "_fun = (env) => (env.state.ACC ?? 0) + 1"
  - type: end
    name: LOOP
  - type: code
    name: RESULT
    config:
      code: "_fun = (env) => env.state.ACC"
`)
	if err != nil {
		t.Fatal(err)
	}
	run, err := a.Run(context.Background(), runOpts(t, st, nil))
	if err != nil {
		t.Fatal(err)
	}
	ex := executions(t, st, run.RunID)
	if got := ex["code/RESULT"][0].Value; !reflect.DeepEqual(got, []any{float64(1), float64(2), float64(3)}) {
		t.Errorf("expected ACC to accumulate [1 2 3], got %v", got)
	}
}

func TestRun_PartialFailureKeepsResults(t *testing.T) {
	st := memstore.New()
	a, err := New(`
blocks:
  - type: input
    name: INPUT
  - type: code
    name: BOOM
    config:
      code: "_fun = () => { throw new Error('boom'); }"
  - type: code
    name: NEVER
    config:
      code: "_fun = () => 1"
`)
	if err != nil {
		t.Fatal(err)
	}

	run, err := a.Run(context.Background(), runOpts(t, st, "hello"))
	if err == nil || !strings.Contains(err.Error(), "BOOM") {
		t.Fatalf("expected BOOM error, got %v", err)
	}
	if run.Status != store.StatusErrored {
		t.Errorf("expected errored run, got %s", run.Status)
	}

	ex := executions(t, st, run.RunID)
	if got := ex["input/INPUT"]; len(got) != 1 || got[0].Value != "hello" {
		t.Errorf("expected INPUT to be kept, got %+v", got)
	}
	if got := ex["code/BOOM"]; len(got) != 1 || got[0].Error == "" {
		t.Errorf("expected BOOM failure to be recorded, got %+v", got)
	}
	if len(ex["code/NEVER"]) != 0 {
		t.Error("expected the run to stop at the first error")
	}
}

func TestRegisterSpecification(t *testing.T) {
	st := memstore.New()
	project := store.Project{ProjectID: 1}
	a, _ := New(pipeline)

	for i := 0; i < 2; i++ {
		if err := RegisterSpecification(context.Background(), st, project, a); err != nil {
			t.Fatal(err)
		}
	}
	text, err := st.LoadSpecification(context.Background(), project, a.Hash())
	if err != nil {
		t.Fatal(err)
	}
	again, err := New(text)
	if err != nil {
		t.Fatal(err)
	}
	if again.Hash() != a.Hash() {
		t.Error("expected the stored text to rebuild the same app")
	}
}
