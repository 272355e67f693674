package blocks

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"pipecore/internal/cache"
	"pipecore/internal/env"
)

const (
	providerSerpAPI = "serpapi"
	providerSerper  = "serper"
)

// Search queries a web search API and returns its raw JSON answer.
type Search struct {
	Query string `json:"query"`
	Num   int    `json:"num"`
}

func parseSearch(config map[string]any) (Block, error) {
	p := newParams(TypeSearch, config)
	b := &Search{
		Query: p.requiredString("query"),
		Num:   p.int("num", 10),
	}
	if b.Num <= 0 || b.Num > 100 {
		p.fail("num", "must be between 1 and 100")
	}
	if err := p.finish(); err != nil {
		return nil, err
	}
	return b, nil
}

func (*Search) Type() Type          { return TypeSearch }
func (b *Search) InnerHash() string { return hashParams(TypeSearch, b) }
func (*Search) sealed()             {}

func (b *Search) Execute(ctx context.Context, name string, e *env.Env) (*Result, error) {
	cfg := blockConfig(e.Config.ConfigForBlock(name))
	providerID := cfg.string("provider_id")
	if providerID != providerSerpAPI && providerID != providerSerper {
		return nil, &ConfigError{BlockType: string(TypeSearch), Key: "provider_id", Reason: "must be serpapi or serper in the block's run config"}
	}

	query := InterpolateTemplate(b.Query, e.TemplateData())
	log.Printf("🔍 [SEARCH] Block '%s': %s query=%q num=%d", name, providerID, query, b.Num)

	key := cache.Key("search", providerID, query, strconv.Itoa(b.Num))
	value, hit, err := cached(ctx, e, cfg.bool("use_cache", true), key, func(ctx context.Context) (any, error) {
		return withRetry(ctx, e, "search", func(ctx context.Context) (any, error) {
			return webSearch(ctx, e, TypeSearch, providerID, query, b.Num)
		})
	})
	if err != nil {
		return nil, err
	}

	result := &Result{Value: value}
	if hit {
		result.Meta = map[string]any{"cached": true}
	}
	return result, nil
}

// webSearch sends one search to providerID.
func webSearch(ctx context.Context, e *env.Env, blockType Type, providerID, query string, num int) (any, error) {
	rt, err := runtimeOf(e, blockType)
	if err != nil {
		return nil, err
	}

	var req *http.Request
	switch providerID {
	case providerSerpAPI:
		apiKey := e.Credentials["SERP_API_KEY"]
		if apiKey == "" {
			return nil, &ExecutionError{Category: ErrorCategoryPermanent, Message: "SERP_API_KEY credential is required"}
		}
		q := url.Values{}
		q.Set("q", query)
		q.Set("num", strconv.Itoa(num))
		q.Set("engine", "google")
		q.Set("api_key", apiKey)
		req, err = http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimRight(rt.Endpoints.SerpAPI, "/")+"/search?"+q.Encode(), nil)
	case providerSerper:
		apiKey := e.Credentials["SERPER_API_KEY"]
		if apiKey == "" {
			return nil, &ExecutionError{Category: ErrorCategoryPermanent, Message: "SERPER_API_KEY credential is required"}
		}
		payload, _ := json.Marshal(map[string]any{"q": query, "num": num})
		req, err = http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(rt.Endpoints.Serper, "/")+"/search", bytes.NewReader(payload))
		if err == nil {
			req.Header.Set("X-API-KEY", apiKey)
			req.Header.Set("Content-Type", "application/json")
		}
	default:
		return nil, fmt.Errorf("unknown search provider %q", providerID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	return doJSON(e, blockType, req)
}

// GoogleAnswer asks SerpAPI and returns the answer box, or the first
// organic snippet.
type GoogleAnswer struct {
	Query string `json:"query"`
}

func parseGoogleAnswer(config map[string]any) (Block, error) {
	p := newParams(TypeGoogleAnswer, config)
	b := &GoogleAnswer{Query: p.requiredString("query")}
	if err := p.finish(); err != nil {
		return nil, err
	}
	return b, nil
}

func (*GoogleAnswer) Type() Type          { return TypeGoogleAnswer }
func (b *GoogleAnswer) InnerHash() string { return hashParams(TypeGoogleAnswer, b) }
func (*GoogleAnswer) sealed()             {}

func (b *GoogleAnswer) Execute(ctx context.Context, name string, e *env.Env) (*Result, error) {
	query := InterpolateTemplate(b.Query, e.TemplateData())
	log.Printf("🔍 [GOOGLE-ANSWER] Block '%s': query=%q", name, query)

	raw, err := withRetry(ctx, e, "google_answer", func(ctx context.Context) (any, error) {
		return webSearch(ctx, e, TypeGoogleAnswer, providerSerpAPI, query, 10)
	})
	if err != nil {
		return nil, err
	}
	return &Result{Value: pickAnswer(raw)}, nil
}

// pickAnswer reads answer_box.answer, then answer_box.snippet, then the
// first organic snippet.
func pickAnswer(raw any) any {
	data, ok := raw.(map[string]any)
	if !ok {
		return nil
	}
	for _, path := range []string{"answer_box.answer", "answer_box.snippet", "organic_results[0].snippet"} {
		if v, ok := ResolvePath(data, path).(string); ok && v != "" {
			return v
		}
	}
	return nil
}
