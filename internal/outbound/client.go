// Package outbound is the HTTP client every network-calling block uses. It
// refuses non-public IPv4 targets before dialing, re-checks the address at
// dial time and on redirects, and rate limits per host.
package outbound

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/netip"
	"time"

	"pipecore/internal/security"
)

// Options configures a Client.
type Options struct {
	Timeout      time.Duration
	GlobalRate   float64
	PerHostRate  float64
	MaxRedirects int
	Resolver     security.Resolver
	// AllowPrivateNetworks disables the SSRF guard. Only for local
	// development and tests against loopback servers.
	AllowPrivateNetworks bool
}

// Client performs guarded outbound requests.
type Client struct {
	http         *http.Client
	limiter      *RateLimiter
	resolver     security.Resolver
	allowPrivate bool
}

// New builds a client with a guarded transport.
func New(opts Options) *Client {
	if opts.Timeout <= 0 {
		opts.Timeout = 60 * time.Second
	}
	if opts.MaxRedirects <= 0 {
		opts.MaxRedirects = 5
	}
	resolver := opts.Resolver
	if resolver == nil {
		resolver = net.DefaultResolver
	}

	c := &Client{
		limiter:      NewRateLimiter(opts.GlobalRate, opts.PerHostRate),
		resolver:     resolver,
		allowPrivate: opts.AllowPrivateNetworks,
	}

	dialer := &net.Dialer{Timeout: 10 * time.Second, KeepAlive: 30 * time.Second}
	transport := &http.Transport{
		Proxy:                 nil,
		DialContext:           c.guardedDial(dialer),
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: time.Second,
	}

	c.http = &http.Client{
		Timeout:   opts.Timeout,
		Transport: transport,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= opts.MaxRedirects {
				return fmt.Errorf("stopped after %d redirects", opts.MaxRedirects)
			}
			if c.allowPrivate {
				return nil
			}
			_, _, err := security.ValidateURL(req.Context(), c.resolver, req.URL.String())
			return err
		},
	}
	return c
}

// Do validates the request target, waits for rate-limit budget, and sends
// the request.
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	ctx := req.Context()
	if !c.allowPrivate {
		if _, _, err := security.ValidateURL(ctx, c.resolver, req.URL.String()); err != nil {
			return nil, err
		}
	}
	if err := c.limiter.Wait(ctx, req.URL.Hostname()); err != nil {
		return nil, fmt.Errorf("rate limit wait: %w", err)
	}
	return c.http.Do(req)
}

// ValidateURL exposes the client's SSRF policy for callers that hand a URL
// to a third party instead of fetching it themselves.
func (c *Client) ValidateURL(ctx context.Context, rawURL string) error {
	if c.allowPrivate {
		return nil
	}
	_, _, err := security.ValidateURL(ctx, c.resolver, rawURL)
	return err
}

// IsForbidden reports whether err is an SSRF rejection.
func IsForbidden(err error) bool {
	return errors.Is(err, security.ErrForbiddenTarget)
}

// guardedDial resolves the dial address itself and refuses forbidden
// addresses, so redirects and DNS rebinding cannot reach private ranges.
func (c *Client) guardedDial(dialer *net.Dialer) func(ctx context.Context, network, addr string) (net.Conn, error) {
	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		if c.allowPrivate {
			return dialer.DialContext(ctx, network, addr)
		}

		host, port, err := net.SplitHostPort(addr)
		if err != nil {
			return nil, err
		}

		var targets []netip.Addr
		if ip, err := netip.ParseAddr(host); err == nil {
			if security.IsForbiddenIPv4(ip) {
				return nil, fmt.Errorf("%w: dial to '%s' refused", security.ErrForbiddenTarget, ip)
			}
			targets = []netip.Addr{ip}
		} else {
			targets, err = security.ValidateHost(ctx, c.resolver, host)
			if err != nil {
				return nil, err
			}
		}

		var lastErr error
		for _, ip := range targets {
			conn, err := dialer.DialContext(ctx, "tcp4", net.JoinHostPort(ip.String(), port))
			if err == nil {
				return conn, nil
			}
			lastErr = err
		}
		return nil, lastErr
	}
}
