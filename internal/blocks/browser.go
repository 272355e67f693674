package blocks

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strconv"
	"time"

	"pipecore/internal/cache"
	"pipecore/internal/env"
	"pipecore/internal/scraper"
)

// Browser fetches a rendered page and returns the elements matching
// Selector.
type Browser struct {
	URL            string `json:"url"`
	Selector       string `json:"selector"`
	TimeoutMs      int    `json:"timeout"`
	WaitUntil      string `json:"wait_until"`
	ExtractContent bool   `json:"extract_content"`
}

var waitUntilValues = map[string]bool{
	"": true, "load": true, "domcontentloaded": true, "networkidle0": true, "networkidle2": true,
}

func parseBrowser(config map[string]any) (Block, error) {
	p := newParams(TypeBrowser, config)
	b := &Browser{
		URL:            p.requiredString("url"),
		Selector:       p.string("selector", "body"),
		TimeoutMs:      p.int("timeout", 0),
		WaitUntil:      p.string("wait_until", ""),
		ExtractContent: p.bool("extract_content", false),
	}
	if b.TimeoutMs < 0 {
		p.fail("timeout", "must not be negative")
	}
	if !waitUntilValues[b.WaitUntil] {
		p.fail("wait_until", "unsupported value %q", b.WaitUntil)
	}
	if err := p.finish(); err != nil {
		return nil, err
	}
	return b, nil
}

func (*Browser) Type() Type          { return TypeBrowser }
func (b *Browser) InnerHash() string { return hashParams(TypeBrowser, b) }
func (*Browser) sealed()             {}

func (b *Browser) Execute(ctx context.Context, name string, e *env.Env) (*Result, error) {
	rt, err := runtimeOf(e, TypeBrowser)
	if err != nil {
		return nil, err
	}
	if rt.Browser == nil {
		return nil, fmt.Errorf("browser block: no browser backend configured")
	}

	cfg := blockConfig(e.Config.ConfigForBlock(name))
	useCache := cfg.bool("use_cache", true)
	errorAsOutput := cfg.bool("error_as_output", false)

	req := scraper.Request{
		URL:            InterpolateTemplate(b.URL, e.TemplateData()),
		Selector:       b.Selector,
		WaitUntil:      b.WaitUntil,
		Timeout:        time.Duration(b.TimeoutMs) * time.Millisecond,
		ExtractContent: b.ExtractContent,
		Credentials:    e.Credentials,
	}
	key := cache.Key("browser", req.URL, req.Selector, req.WaitUntil, strconv.Itoa(b.TimeoutMs), strconv.FormatBool(req.ExtractContent))

	log.Printf("🌍 [BROWSER] Block '%s': %s (selector=%s)", name, req.URL, req.Selector)
	page, hit, err := cached(ctx, e, useCache, key, func(ctx context.Context) (*scraper.Page, error) {
		return rt.Browser.Scrape(ctx, req)
	})
	if err != nil {
		// Only upstream HTTP answers become output; forbidden targets and
		// local failures still fail the block.
		var httpErr *scraper.HTTPError
		if errorAsOutput && errors.As(err, &httpErr) {
			log.Printf("⚠️ [BROWSER] Block '%s': returning error as output: %v", name, err)
			return &Result{Value: map[string]any{"page": nil, "error": err.Error(), "status": httpErr.StatusCode}}, nil
		}
		return nil, browserError(err)
	}

	result := &Result{Value: page}
	if hit {
		result.Meta = map[string]any{"cached": true}
	}
	return result, nil
}

func browserError(err error) error {
	var httpErr *scraper.HTTPError
	if errors.As(err, &httpErr) {
		classified := ClassifyHTTPError(httpErr.StatusCode, httpErr.Body)
		classified.Cause = err
		return classified
	}
	return classifyTransport(err)
}
