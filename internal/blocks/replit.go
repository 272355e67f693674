package blocks

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"regexp"
	"strings"

	"pipecore/internal/env"
)

var (
	replPattern     = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9.-]*$`)
	functionPattern = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)
)

// Replit calls a function exposed by a repl with a JS-produced body.
type Replit struct {
	Repl     string `json:"repl"`
	Function string `json:"function"`
	BodyCode string `json:"body_code"`
}

func parseReplit(config map[string]any) (Block, error) {
	p := newParams(TypeReplit, config)
	b := &Replit{
		Repl:     p.requiredString("repl"),
		Function: p.requiredString("function"),
		BodyCode: p.string("body_code", ""),
	}
	if b.Repl != "" && !replPattern.MatchString(b.Repl) {
		p.fail("repl", "must be a host name")
	}
	if b.Function != "" && !functionPattern.MatchString(b.Function) {
		p.fail("function", "must be a plain path segment")
	}
	if err := p.finish(); err != nil {
		return nil, err
	}
	return b, nil
}

func (*Replit) Type() Type          { return TypeReplit }
func (b *Replit) InnerHash() string { return hashParams(TypeReplit, b) }
func (*Replit) sealed()             {}

func (b *Replit) Execute(ctx context.Context, name string, e *env.Env) (*Result, error) {
	rt, err := runtimeOf(e, TypeReplit)
	if err != nil {
		return nil, err
	}
	body, err := scriptBody(ctx, e, TypeReplit, b.BodyCode)
	if err != nil {
		return nil, err
	}

	scheme := rt.Endpoints.ReplitScheme
	if scheme == "" {
		scheme = "https"
	}
	target := fmt.Sprintf("%s://%s/%s", scheme, b.Repl, b.Function)
	log.Printf("🧩 [REPLIT] Block '%s': POST %s", name, target)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, strings.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token := e.Secrets["REPLIT_TOKEN"]; token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	value, err := doJSON(e, TypeReplit, req)
	if err != nil {
		return nil, err
	}
	return &Result{Value: value}, nil
}
