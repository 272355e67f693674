package blocks

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"pipecore/internal/cache"
	"pipecore/internal/env"
	"pipecore/internal/providers"
)

// LLM completes a templated prompt with the provider and model configured
// for the block at run time.
type LLM struct {
	Prompt      string   `json:"prompt"`
	Temperature float64  `json:"temperature"`
	MaxTokens   int      `json:"max_tokens"`
	Stop        []string `json:"stop"`
}

func parseLLM(config map[string]any) (Block, error) {
	p := newParams(TypeLLM, config)
	b := &LLM{
		Prompt:      p.requiredString("prompt"),
		Temperature: p.float("temperature", 0.7),
		MaxTokens:   p.int("max_tokens", 0),
		Stop:        p.strings("stop"),
	}
	if b.Temperature < 0 || b.Temperature > 2 {
		p.fail("temperature", "must be between 0 and 2")
	}
	if b.MaxTokens < 0 {
		p.fail("max_tokens", "must not be negative")
	}
	if err := p.finish(); err != nil {
		return nil, err
	}
	return b, nil
}

func (*LLM) Type() Type          { return TypeLLM }
func (b *LLM) InnerHash() string { return hashParams(TypeLLM, b) }
func (*LLM) sealed()             {}

func (b *LLM) Execute(ctx context.Context, name string, e *env.Env) (*Result, error) {
	rt, err := runtimeOf(e, TypeLLM)
	if err != nil {
		return nil, err
	}
	if rt.Providers == nil {
		return nil, fmt.Errorf("llm block: no providers configured")
	}

	cfg := blockConfig(e.Config.ConfigForBlock(name))
	providerID, modelID := cfg.string("provider_id"), cfg.string("model_id")
	if providerID == "" {
		return nil, &ConfigError{BlockType: string(TypeLLM), Key: "provider_id", Reason: "is required in the block's run config"}
	}
	if modelID == "" {
		return nil, &ConfigError{BlockType: string(TypeLLM), Key: "model_id", Reason: "is required in the block's run config"}
	}

	provider, err := rt.Providers.Provider(providerID, e.Credentials)
	if err != nil {
		return nil, &ExecutionError{Category: ErrorCategoryPermanent, Message: err.Error(), Cause: err}
	}

	req := providers.GenerateRequest{
		Model:       modelID,
		Prompt:      InterpolateTemplate(b.Prompt, e.TemplateData()),
		Temperature: b.Temperature,
		MaxTokens:   b.MaxTokens,
		Stop:        b.Stop,
	}
	reqJSON, _ := json.Marshal(req)
	key := cache.Key("llm", providerID, string(reqJSON))

	start := time.Now()
	gen, hit, err := cached(ctx, e, cfg.bool("use_cache", true), key, func(ctx context.Context) (*providers.Generation, error) {
		return withRetry(ctx, e, "llm", func(ctx context.Context) (*providers.Generation, error) {
			return provider.Generate(ctx, req)
		})
	})
	if err != nil {
		log.Printf("❌ [LLM] Block '%s': %s/%s failed: %v", name, providerID, modelID, err)
		return nil, err
	}
	log.Printf("✅ [LLM] Block '%s': %s/%s completed in %s (cached=%v)", name, providerID, modelID, time.Since(start).Round(time.Millisecond), hit)

	result := &Result{Value: map[string]any{
		"prompt":     req.Prompt,
		"completion": gen.Completion,
		"model":      gen.Model,
		"provider":   gen.Provider,
		"usage":      gen.Usage,
	}}
	if hit {
		result.Meta = map[string]any{"cached": true}
	}
	return result, nil
}
