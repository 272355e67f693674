package scraper

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strings"

	"pipecore/internal/outbound"
)

// Browserless calls the Browserless /scrape API. The API key is read from
// the BROWSERLESS_API_KEY credential.
type Browserless struct {
	baseURL string
	client  *outbound.Client
}

// NewBrowserless creates a Browserless backend.
func NewBrowserless(baseURL string, client *outbound.Client) *Browserless {
	return &Browserless{baseURL: strings.TrimRight(baseURL, "/"), client: client}
}

type browserlessRequest struct {
	URL         string               `json:"url"`
	Elements    []browserlessElement `json:"elements"`
	GotoOptions map[string]any       `json:"gotoOptions"`
}

type browserlessElement struct {
	Selector string `json:"selector"`
}

type browserlessResponse struct {
	Data []struct {
		Selector string `json:"selector"`
		Results  []struct {
			HTML string `json:"html"`
			Text string `json:"text"`
		} `json:"results"`
	} `json:"data"`
}

func (b *Browserless) Scrape(ctx context.Context, req Request) (*Page, error) {
	req, pageURL, err := normalize(req)
	if err != nil {
		return nil, err
	}
	// The page is fetched by a third party, so the target is checked here.
	if err := b.client.ValidateURL(ctx, req.URL); err != nil {
		return nil, err
	}
	apiKey := req.Credentials["BROWSERLESS_API_KEY"]
	if apiKey == "" {
		return nil, fmt.Errorf("BROWSERLESS_API_KEY credential is required")
	}

	payload, err := json.Marshal(browserlessRequest{
		URL:      req.URL,
		Elements: []browserlessElement{{Selector: req.Selector}},
		GotoOptions: map[string]any{
			"timeout":   req.Timeout.Milliseconds(),
			"waitUntil": req.WaitUntil,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	endpoint := b.baseURL + "/scrape?token=" + url.QueryEscape(apiKey)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := b.client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, defaultMaxBodySize))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode >= 300 {
		return nil, &HTTPError{StatusCode: resp.StatusCode, Body: truncate(string(body), 500)}
	}

	var parsed browserlessResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("failed to parse scraping response: %w", err)
	}

	page := &Page{URL: req.URL, Elements: []Element{}}
	for _, d := range parsed.Data {
		for _, r := range d.Results {
			page.Elements = append(page.Elements, Element{HTML: r.HTML, Text: r.Text})
		}
	}
	if req.ExtractContent && len(page.Elements) > 0 {
		var html strings.Builder
		for _, el := range page.Elements {
			html.WriteString(el.HTML)
		}
		page.Title, page.Content, err = extract(html.String(), pageURL)
		if err != nil {
			return nil, err
		}
	}

	log.Printf("✅ [SCRAPER] Browserless fetched %s (%d elements)", req.URL, len(page.Elements))
	return page, nil
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
