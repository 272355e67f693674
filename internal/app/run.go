package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"pipecore/internal/blocks"
	"pipecore/internal/env"
	"pipecore/internal/logging"
	"pipecore/internal/metrics"
	"pipecore/internal/store"
)

// RunOptions carries everything one run needs.
type RunOptions struct {
	RunID       string
	Input       any
	Credentials map[string]string
	Secrets     map[string]string
	Config      env.RunConfig
	Project     store.Project

	Store          store.Store
	DatabasesStore store.DatabasesStore
	SearchStore    store.SearchStore
	Runtime        *env.Runtime

	// StoreBlockResults persists every block execution.
	StoreBlockResults bool
}

// runner holds the mutable bookkeeping of one run.
type runner struct {
	app    *App
	opts   RunOptions
	base   *env.Env
	run    store.Run
	status map[string]int
	logger *slog.Logger
}

// Run executes the app. Blocks run in declaration order; the first error
// stops the run, marks it errored and is returned alongside the run record.
// Block executions persisted before the failure are kept.
func (a *App) Run(ctx context.Context, opts RunOptions) (*store.Run, error) {
	if opts.Store == nil {
		return nil, errors.New("run requires a store")
	}
	if opts.RunID == "" {
		opts.RunID = uuid.NewString()
	}

	now := time.Now().UTC()
	r := &runner{
		app:  a,
		opts: opts,
		run: store.Run{
			RunID:     opts.RunID,
			ProjectID: opts.Project.ProjectID,
			AppHash:   a.hash,
			Status:    store.StatusRunning,
			Blocks:    []store.BlockStatus{},
			CreatedAt: now,
			UpdatedAt: now,
		},
		status: make(map[string]int),
		logger: logging.WithRun(opts.RunID, a.hash),
	}
	r.base = &env.Env{
		RunID:          opts.RunID,
		State:          env.NewState(),
		Config:         opts.Config,
		Input:          opts.Input,
		Credentials:    opts.Credentials,
		Secrets:        opts.Secrets,
		Project:        opts.Project,
		Store:          opts.Store,
		DatabasesStore: opts.DatabasesStore,
		SearchStore:    opts.SearchStore,
		Runtime:        opts.Runtime,
	}

	if err := opts.Store.CreateRun(ctx, r.run); err != nil {
		return nil, fmt.Errorf("failed to create run %s: %w", opts.RunID, err)
	}
	if m := r.metrics(); m != nil {
		m.RunsStarted.Inc()
	}

	start := time.Now()
	log.Printf("🚀 [APP] Run %s started (%d blocks, app=%s)", opts.RunID, len(a.blocks), shortHash(a.hash))

	if err := r.execute(ctx); err != nil {
		r.finish(ctx, store.StatusErrored, err)
		r.metrics().RecordRunFinished(string(store.StatusErrored), time.Since(start).Seconds())
		log.Printf("❌ [APP] Run %s errored after %s: %v", opts.RunID, time.Since(start).Round(time.Millisecond), err)
		return r.snapshot(), err
	}

	if err := r.finish(ctx, store.StatusCompleted, nil); err != nil {
		return r.snapshot(), err
	}
	r.metrics().RecordRunFinished(string(store.StatusCompleted), time.Since(start).Seconds())
	log.Printf("✅ [APP] Run %s completed in %s", opts.RunID, time.Since(start).Round(time.Millisecond))
	return r.snapshot(), nil
}

func (r *runner) execute(ctx context.Context) error {
	bs := r.app.blocks
	for i := 0; i < len(bs); i++ {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("run cancelled before block %s: %w", bs[i].Name, err)
		}

		switch bs[i].Block.Type() {
		case blocks.TypeMap, blocks.TypeWhile:
			end := closerIndex(bs, i)
			var err error
			if bs[i].Block.Type() == blocks.TypeMap {
				err = r.runMap(ctx, bs[i], bs[i+1:end], bs[end])
			} else {
				err = r.runWhile(ctx, bs[i], bs[i+1:end], bs[end])
			}
			if err != nil {
				return err
			}
			i = end
		default:
			v, err := r.exec(ctx, bs[i], r.base, nil)
			if err != nil {
				return err
			}
			if err := r.base.State.Insert(bs[i].Name, v); err != nil {
				return err
			}
		}
	}
	return nil
}

// closerIndex finds the reduce/end closing the loop opened at i. The
// specification is validated, so it exists.
func closerIndex(bs []NamedBlock, i int) int {
	for j := i + 1; j < len(bs); j++ {
		t := bs[j].Block.Type()
		if (t == blocks.TypeReduce || t == blocks.TypeEnd) && bs[j].Name == bs[i].Name {
			return j
		}
	}
	return len(bs) - 1
}

// runMap executes body once per element produced by the map block. Each
// iteration sees the shared state plus the element under the map's name
// and its own body outputs. Every scope name is then folded into the shared
// state as an array with one entry per iteration.
func (r *runner) runMap(ctx context.Context, opener NamedBlock, body []NamedBlock, closer NamedBlock) error {
	v, err := r.exec(ctx, opener, r.base, nil)
	if err != nil {
		return err
	}
	elements, ok := v.([]any)
	if !ok {
		return r.fail(opener, nil, fmt.Errorf("map %s produced %T, expected an array", opener.Name, v))
	}

	n := len(elements)
	folded := newFold(opener, body, n)
	for i, element := range elements {
		state := r.base.State.Clone()
		if err := state.Insert(opener.Name, element); err != nil {
			return err
		}
		ie := r.base.WithState(state, &env.MapContext{Name: opener.Name, Index: i, Total: n})
		outputs, err := r.runBody(ctx, body, ie, i, nil)
		if err != nil {
			return err
		}
		folded.add(opener.Name, element)
		for name, out := range outputs {
			folded.add(name, out)
		}
	}

	if _, err := r.exec(ctx, closer, r.base, nil); err != nil {
		return err
	}
	log.Printf("🔁 [APP] Map %s folded %d iterations", opener.Name, n)
	return folded.into(r.base.State)
}

// runWhile evaluates the while block before every pass. The condition and
// the next pass body both see the shared state plus the previous pass's
// body outputs; a body also sees true under the while's name and its own
// outputs.
func (r *runner) runWhile(ctx context.Context, opener NamedBlock, body []NamedBlock, closer NamedBlock) error {
	total := 0
	if w, ok := opener.Block.(*blocks.While); ok {
		total = w.MaxIterations
	}

	folded := newFold(opener, body, total)
	var previous map[string]any
	passes := 0
	for pass := 0; ; pass++ {
		mc := &env.MapContext{Name: opener.Name, Index: pass, Total: total}

		condState, err := r.carried(body, previous)
		if err != nil {
			return err
		}
		iteration := pass
		v, err := r.exec(ctx, opener, r.base.WithState(condState, mc), &iteration)
		if err != nil {
			return err
		}
		if cond, _ := v.(bool); !cond {
			break
		}

		state, err := r.carried(body, previous)
		if err != nil {
			return err
		}
		if err := state.Insert(opener.Name, true); err != nil {
			return err
		}
		outputs, err := r.runBody(ctx, body, r.base.WithState(state, mc), pass, previous)
		if err != nil {
			return err
		}
		folded.add(opener.Name, true)
		for name, out := range outputs {
			folded.add(name, out)
		}
		previous = outputs
		passes++
	}

	if _, err := r.exec(ctx, closer, r.base, nil); err != nil {
		return err
	}
	log.Printf("🔁 [APP] While %s ran %d passes", opener.Name, passes)
	return folded.into(r.base.State)
}

// carried clones the shared state and adds the body outputs of the
// previous while pass.
func (r *runner) carried(body []NamedBlock, previous map[string]any) (*env.State, error) {
	state := r.base.State.Clone()
	for _, b := range body {
		if v, ok := previous[b.Name]; ok {
			if err := state.Insert(b.Name, v); err != nil {
				return nil, err
			}
		}
	}
	return state, nil
}

// runBody executes the loop body for one iteration on ie. Names in carried
// already hold the previous pass's value and are overwritten.
func (r *runner) runBody(ctx context.Context, body []NamedBlock, ie *env.Env, iteration int, carried map[string]any) (map[string]any, error) {
	outputs := make(map[string]any, len(body))
	for _, b := range body {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("run cancelled before block %s: %w", b.Name, err)
		}
		it := iteration
		v, err := r.exec(ctx, b, ie, &it)
		if err != nil {
			return nil, err
		}
		write := ie.State.Insert
		if _, ok := carried[b.Name]; ok {
			write = ie.State.Replace
		}
		if err := write(b.Name, v); err != nil {
			return nil, err
		}
		outputs[b.Name] = v
	}
	return outputs, nil
}

// fold accumulates per-iteration outputs of a loop scope in declaration
// order.
type fold struct {
	names  []string
	values map[string][]any
}

func newFold(opener NamedBlock, body []NamedBlock, capacity int) *fold {
	f := &fold{values: make(map[string][]any, len(body)+1)}
	f.names = append(f.names, opener.Name)
	for _, b := range body {
		f.names = append(f.names, b.Name)
	}
	for _, name := range f.names {
		f.values[name] = make([]any, 0, capacity)
	}
	return f
}

func (f *fold) add(name string, v any) {
	f.values[name] = append(f.values[name], v)
}

func (f *fold) into(state *env.State) error {
	for _, name := range f.names {
		if err := state.Insert(name, f.values[name]); err != nil {
			return err
		}
	}
	return nil
}

// exec runs one block, normalizes its output to JSON values and records it.
func (r *runner) exec(ctx context.Context, nb NamedBlock, e *env.Env, iteration *int) (any, error) {
	logger := logging.WithBlock(r.logger, string(nb.Block.Type()), nb.Name)
	if iteration != nil {
		logger = logging.WithIteration(logger, e.Map.Name, *iteration)
	}

	start := time.Now()
	res, err := nb.Block.Execute(ctx, nb.Name, e)
	elapsed := time.Since(start)

	var value any
	var meta map[string]any
	if err == nil && res != nil {
		value, err = normalize(res.Value)
		meta = res.Meta
	}
	if err != nil {
		r.metrics().RecordBlock(string(nb.Block.Type()), "error", elapsed.Seconds())
		logger.Error("block failed", "error", err, "duration_ms", elapsed.Milliseconds())
		return nil, r.fail(nb, iteration, err)
	}

	r.metrics().RecordBlock(string(nb.Block.Type()), "success", elapsed.Seconds())
	logger.Debug("block completed", "duration_ms", elapsed.Milliseconds())

	r.blockStatus(nb).SuccessCount++
	if r.opts.StoreBlockResults {
		if err := r.persist(ctx, nb, iteration, value, meta, ""); err != nil {
			return nil, err
		}
	}
	if err := r.update(ctx); err != nil {
		return nil, err
	}
	return value, nil
}

// fail records a block failure and returns the error to abort the run with.
func (r *runner) fail(nb NamedBlock, iteration *int, err error) error {
	bs := r.blockStatus(nb)
	bs.ErrorCount++
	bs.Status = store.StatusErrored
	bs.Error = err.Error()

	if r.opts.StoreBlockResults {
		// The failure itself is recorded even when the run context is gone.
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if perr := r.persist(ctx, nb, iteration, nil, nil, err.Error()); perr != nil {
			log.Printf("⚠️  [APP] Failed to persist error of %s: %v", nb.Name, perr)
		}
	}
	return fmt.Errorf("block %s (%s): %w", nb.Name, nb.Block.Type(), err)
}

func (r *runner) persist(ctx context.Context, nb NamedBlock, iteration *int, value any, meta map[string]any, errMsg string) error {
	err := r.opts.Store.AppendBlockExecution(ctx, r.opts.Project, store.BlockExecution{
		RunID:     r.run.RunID,
		BlockType: string(nb.Block.Type()),
		BlockName: nb.Name,
		Iteration: iteration,
		Value:     value,
		Meta:      meta,
		Error:     errMsg,
		CreatedAt: time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("failed to persist block %s: %w", nb.Name, err)
	}
	return nil
}

// blockStatus returns the status entry of nb, creating it on first use.
// Closers share their opener's name and get their own entry.
func (r *runner) blockStatus(nb NamedBlock) *store.BlockStatus {
	key := string(nb.Block.Type()) + "/" + nb.Name
	idx, ok := r.status[key]
	if !ok {
		r.run.Blocks = append(r.run.Blocks, store.BlockStatus{
			BlockType: string(nb.Block.Type()),
			Name:      nb.Name,
			Status:    store.StatusCompleted,
		})
		idx = len(r.run.Blocks) - 1
		r.status[key] = idx
	}
	return &r.run.Blocks[idx]
}

func (r *runner) update(ctx context.Context) error {
	r.run.UpdatedAt = time.Now().UTC()
	if err := r.opts.Store.UpdateRun(ctx, r.snapshotValue()); err != nil {
		return fmt.Errorf("failed to update run %s: %w", r.run.RunID, err)
	}
	return nil
}

func (r *runner) finish(ctx context.Context, status store.RunStatus, cause error) error {
	now := time.Now().UTC()
	r.run.Status = status
	r.run.UpdatedAt = now
	r.run.FinishedAt = &now
	if cause != nil {
		r.run.Error = cause.Error()
		// The terminal status is written even when the run context is gone.
		if ctx.Err() != nil {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
		}
	}
	if err := r.opts.Store.UpdateRun(ctx, r.snapshotValue()); err != nil {
		log.Printf("⚠️  [APP] Failed to finalize run %s: %v", r.run.RunID, err)
		return fmt.Errorf("failed to finalize run %s: %w", r.run.RunID, err)
	}
	return nil
}

func (r *runner) snapshotValue() store.Run {
	run := r.run
	run.Blocks = append([]store.BlockStatus(nil), r.run.Blocks...)
	return run
}

func (r *runner) snapshot() *store.Run {
	run := r.snapshotValue()
	return &run
}

func (r *runner) metrics() *metrics.Metrics {
	if r.opts.Runtime == nil {
		return nil
	}
	return r.opts.Runtime.Metrics
}

// normalize converts v to plain JSON values (maps, slices, float64,
// strings, bools, nil) so state paths and loops see one representation.
func normalize(v any) (any, error) {
	switch v.(type) {
	case nil, string, bool, float64:
		return v, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("block output is not JSON encodable: %w", err)
	}
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("block output is not JSON encodable: %w", err)
	}
	return out, nil
}

func shortHash(h string) string {
	if len(h) > 12 {
		return h[:12]
	}
	return h
}
