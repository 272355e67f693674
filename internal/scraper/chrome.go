package scraper

import (
	"context"
	"fmt"
	"log"

	"github.com/chromedp/chromedp"

	"pipecore/internal/outbound"
)

// Chrome renders pages in a local headless Chrome, honoring robots.txt.
type Chrome struct {
	execPath string
	client   *outbound.Client
	robots   *RobotsChecker
	slots    chan struct{}
}

// NewChrome creates a Chrome backend running at most maxConcurrent browsers.
func NewChrome(execPath string, client *outbound.Client, maxConcurrent int) *Chrome {
	if maxConcurrent <= 0 {
		maxConcurrent = 4
	}
	return &Chrome{
		execPath: execPath,
		client:   client,
		robots:   NewRobotsChecker(defaultUserAgent, client),
		slots:    make(chan struct{}, maxConcurrent),
	}
}

func (c *Chrome) Scrape(ctx context.Context, req Request) (*Page, error) {
	req, pageURL, err := normalize(req)
	if err != nil {
		return nil, err
	}
	if err := c.client.ValidateURL(ctx, req.URL); err != nil {
		return nil, err
	}

	allowed, err := c.robots.CanFetch(ctx, req.URL)
	if err != nil {
		return nil, err
	}
	if !allowed {
		return nil, fmt.Errorf("access blocked by robots.txt for: %s", req.URL)
	}

	select {
	case c.slots <- struct{}{}:
	case <-ctx.Done():
		return nil, fmt.Errorf("context cancelled while waiting for a browser: %w", ctx.Err())
	}
	defer func() { <-c.slots }()

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", true),
		chromedp.DisableGPU,
		chromedp.NoSandbox,
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.UserAgent(defaultUserAgent),
	)
	if c.execPath != "" {
		opts = append(opts, chromedp.ExecPath(c.execPath))
	}

	timeoutCtx, cancel := context.WithTimeout(ctx, req.Timeout)
	defer cancel()
	allocCtx, allocCancel := chromedp.NewExecAllocator(timeoutCtx, opts...)
	defer allocCancel()
	taskCtx, taskCancel := chromedp.NewContext(allocCtx)
	defer taskCancel()

	var title, html, text string
	if err := chromedp.Run(taskCtx,
		chromedp.Navigate(req.URL),
		chromedp.WaitReady(req.Selector, chromedp.ByQuery),
		chromedp.Title(&title),
		chromedp.OuterHTML(req.Selector, &html, chromedp.ByQuery),
		chromedp.Text(req.Selector, &text, chromedp.ByQuery),
	); err != nil {
		return nil, fmt.Errorf("headless browser failed for %s: %w", req.URL, err)
	}

	page := &Page{URL: req.URL, Title: title, Elements: []Element{{HTML: html, Text: text}}}
	if req.ExtractContent {
		extractedTitle, content, err := extract(html, pageURL)
		if err != nil {
			return nil, err
		}
		if extractedTitle != "" {
			page.Title = extractedTitle
		}
		page.Content = content
	}

	log.Printf("✅ [SCRAPER] Chrome rendered %s (html=%d chars)", req.URL, len(html))
	return page, nil
}
