package blocks

import (
	"context"
	"log"

	"pipecore/internal/env"
)

// Code runs user JavaScript; the value returned by _fun(env) is the output.
type Code struct {
	Code string `json:"code"`
}

func parseCode(config map[string]any) (Block, error) {
	p := newParams(TypeCode, config)
	b := &Code{Code: p.requiredString("code")}
	if err := p.finish(); err != nil {
		return nil, err
	}
	return b, nil
}

func (*Code) Type() Type          { return TypeCode }
func (b *Code) InnerHash() string { return hashParams(TypeCode, b) }
func (*Code) sealed()             {}

func (b *Code) Execute(ctx context.Context, name string, e *env.Env) (*Result, error) {
	reply, err := runScript(ctx, e, TypeCode, b.Code, false)
	if err != nil {
		log.Printf("❌ [CODE] Block '%s' failed: %v", name, err)
		return nil, err
	}

	result := &Result{Value: reply.Value}
	if len(reply.Logs) > 0 {
		result.Meta = map[string]any{"logs": reply.Logs}
	}
	return result, nil
}
