package blocks

import (
	"context"
	"fmt"
	"log"

	"pipecore/internal/env"
)

// MaxWhileIterations is the exclusive upper bound of max_iterations.
const MaxWhileIterations = 32

// Map opens a loop over the elements of a previous block's output, or over
// Repeat copies of the whole output.
type Map struct {
	From   string `json:"from"`
	Repeat *int   `json:"repeat,omitempty"`
}

func parseMap(config map[string]any) (Block, error) {
	p := newParams(TypeMap, config)
	b := &Map{
		From:   p.requiredString("from"),
		Repeat: p.optionalInt("repeat"),
	}
	if b.Repeat != nil && *b.Repeat <= 0 {
		p.fail("repeat", "must be positive")
	}
	if err := p.finish(); err != nil {
		return nil, err
	}
	return b, nil
}

func (*Map) Type() Type          { return TypeMap }
func (b *Map) InnerHash() string { return hashParams(TypeMap, b) }
func (*Map) sealed()             {}

// Execute returns the iteration elements as a []any.
func (b *Map) Execute(_ context.Context, name string, e *env.Env) (*Result, error) {
	value, ok := e.State.Get(b.From)
	if !ok || value == nil {
		return nil, fmt.Errorf("map %s: source %s has no output", name, b.From)
	}

	if b.Repeat != nil {
		elements := make([]any, *b.Repeat)
		for i := range elements {
			elements[i] = value
		}
		log.Printf("🔁 [MAP] Block '%s': repeating %s %d times", name, b.From, *b.Repeat)
		return &Result{Value: elements}, nil
	}

	arr, ok := value.([]any)
	if !ok {
		return nil, fmt.Errorf("map %s: source %s is not an array (%T)", name, b.From, value)
	}
	if len(arr) == 0 {
		return nil, fmt.Errorf("map %s: source %s is an empty array", name, b.From)
	}
	log.Printf("🔁 [MAP] Block '%s': %d iterations over %s", name, len(arr), b.From)
	return &Result{Value: append([]any(nil), arr...)}, nil
}

// Reduce closes a map.
type Reduce struct{}

func parseReduce(config map[string]any) (Block, error) {
	if err := newParams(TypeReduce, config).finish(); err != nil {
		return nil, err
	}
	return &Reduce{}, nil
}

func (*Reduce) Type() Type        { return TypeReduce }
func (*Reduce) InnerHash() string { return hashParams(TypeReduce, struct{}{}) }
func (*Reduce) sealed()           {}

func (*Reduce) Execute(context.Context, string, *env.Env) (*Result, error) {
	return &Result{}, nil
}

// While opens a loop that runs while ConditionCode returns true, at most
// MaxIterations times.
type While struct {
	ConditionCode string `json:"condition_code"`
	MaxIterations int    `json:"max_iterations"`
}

func parseWhile(config map[string]any) (Block, error) {
	p := newParams(TypeWhile, config)
	b := &While{
		ConditionCode: p.requiredString("condition_code"),
		MaxIterations: p.requiredInt("max_iterations"),
	}
	if b.MaxIterations <= 0 || b.MaxIterations >= MaxWhileIterations {
		p.fail("max_iterations", "must be between 1 and %d", MaxWhileIterations-1)
	}
	if err := p.finish(); err != nil {
		return nil, err
	}
	return b, nil
}

func (*While) Type() Type          { return TypeWhile }
func (b *While) InnerHash() string { return hashParams(TypeWhile, b) }
func (*While) sealed()             {}

// Execute evaluates the condition for the pass in e.Map. The value is a
// bool; passes at or past MaxIterations are false without evaluation.
func (b *While) Execute(ctx context.Context, name string, e *env.Env) (*Result, error) {
	if e.Map == nil {
		return nil, fmt.Errorf("while %s: executed outside of its loop", name)
	}
	if e.Map.Index >= b.MaxIterations {
		log.Printf("🛑 [WHILE] Block '%s': reached max_iterations=%d", name, b.MaxIterations)
		return &Result{Value: false}, nil
	}

	reply, err := runScript(ctx, e, TypeWhile, b.ConditionCode, false)
	if err != nil {
		return nil, fmt.Errorf("while %s: condition failed: %w", name, err)
	}
	cond, ok := reply.Value.(bool)
	if !ok {
		return nil, fmt.Errorf("while %s: condition must return a boolean, got %T", name, reply.Value)
	}
	return &Result{Value: cond}, nil
}

// End closes a while.
type End struct{}

func parseEnd(config map[string]any) (Block, error) {
	if err := newParams(TypeEnd, config).finish(); err != nil {
		return nil, err
	}
	return &End{}, nil
}

func (*End) Type() Type        { return TypeEnd }
func (*End) InnerHash() string { return hashParams(TypeEnd, struct{}{}) }
func (*End) sealed()           {}

func (*End) Execute(context.Context, string, *env.Env) (*Result, error) {
	return &Result{}, nil
}
