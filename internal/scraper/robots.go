package scraper

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	cache "github.com/patrickmn/go-cache"
	"github.com/temoto/robotstxt"

	"pipecore/internal/outbound"
)

// RobotsChecker handles robots.txt fetching and compliance checking.
type RobotsChecker struct {
	cache     *cache.Cache
	userAgent string
	client    *outbound.Client
}

// NewRobotsChecker creates a checker caching robots.txt per origin for a day.
func NewRobotsChecker(userAgent string, client *outbound.Client) *RobotsChecker {
	return &RobotsChecker{
		cache:     cache.New(24*time.Hour, time.Hour),
		userAgent: userAgent,
		client:    client,
	}
}

// CanFetch reports whether robots.txt allows fetching urlStr. A missing or
// unreadable robots.txt allows everything.
func (rc *RobotsChecker) CanFetch(ctx context.Context, urlStr string) (bool, error) {
	parsedURL, err := url.Parse(urlStr)
	if err != nil {
		return false, fmt.Errorf("invalid URL: %w", err)
	}
	origin := parsedURL.Scheme + "://" + parsedURL.Host

	if cached, found := rc.cache.Get(origin); found {
		return cached.(*robotstxt.RobotsData).TestAgent(pathOf(parsedURL), rc.userAgent), nil
	}

	robotsData := rc.fetch(ctx, origin)
	rc.cache.Set(origin, robotsData, cache.DefaultExpiration)
	return robotsData.TestAgent(pathOf(parsedURL), rc.userAgent), nil
}

func (rc *RobotsChecker) fetch(ctx context.Context, origin string) *robotstxt.RobotsData {
	allowAll, _ := robotstxt.FromStatusAndBytes(http.StatusNotFound, nil)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, origin+"/robots.txt", nil)
	if err != nil {
		return allowAll
	}
	req.Header.Set("User-Agent", rc.userAgent)

	resp, err := rc.client.Do(req)
	if err != nil {
		return allowAll
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1024*1024))
	if err != nil {
		return allowAll
	}
	data, err := robotstxt.FromStatusAndBytes(resp.StatusCode, body)
	if err != nil {
		return allowAll
	}
	return data
}

func pathOf(u *url.URL) string {
	p := u.EscapedPath()
	if p == "" {
		p = "/"
	}
	if u.RawQuery != "" {
		p += "?" + u.RawQuery
	}
	return p
}
