// Package scraper fetches rendered web pages for the browser block, either
// through a hosted scraping API or a local headless Chrome.
package scraper

import (
	"bytes"
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/markusmobius/go-trafilatura"
)

const (
	defaultUserAgent   = "pipecore-bot/1.0"
	defaultMaxBodySize = 10 * 1024 * 1024
	defaultTimeout     = 30 * time.Second
)

// Request describes one page fetch.
type Request struct {
	URL       string
	Selector  string
	WaitUntil string
	Timeout   time.Duration
	// ExtractContent runs readable-content extraction over the page HTML.
	ExtractContent bool
	Credentials    map[string]string
}

// Element is one node matched by the request selector.
type Element struct {
	HTML string `json:"html"`
	Text string `json:"text"`
}

// Page is a fetched page.
type Page struct {
	URL      string    `json:"url"`
	Title    string    `json:"title,omitempty"`
	Elements []Element `json:"elements"`
	Content  string    `json:"content,omitempty"`
}

// Scraper fetches pages.
type Scraper interface {
	Scrape(ctx context.Context, req Request) (*Page, error)
}

// HTTPError is a non-2xx answer from the page or the scraping API.
type HTTPError struct {
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("HTTP error %d: %s", e.StatusCode, e.Body)
}

func normalize(req Request) (Request, *url.URL, error) {
	parsed, err := url.Parse(req.URL)
	if err != nil {
		return req, nil, fmt.Errorf("invalid URL: %w", err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return req, nil, fmt.Errorf("only HTTP/HTTPS URLs are supported, got: %s", parsed.Scheme)
	}
	if req.Selector == "" {
		req.Selector = "body"
	}
	if req.Timeout <= 0 {
		req.Timeout = defaultTimeout
	}
	if req.WaitUntil == "" {
		req.WaitUntil = "networkidle2"
	}
	return req, parsed, nil
}

// extract pulls the main readable text out of html.
func extract(html string, pageURL *url.URL) (title, content string, err error) {
	result, err := trafilatura.Extract(bytes.NewReader([]byte(html)), trafilatura.Options{OriginalURL: pageURL})
	if err != nil {
		return "", "", fmt.Errorf("failed to extract content: %w", err)
	}
	if result == nil {
		return "", "", nil
	}
	return result.Metadata.Title, strings.TrimSpace(result.ContentText), nil
}
