package security

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"net/url"
	"strings"
)

// ErrForbiddenTarget is wrapped by every SSRF rejection.
var ErrForbiddenTarget = errors.New("forbidden request target")

// blockedIPv4Ranges contains CIDR ranges outbound block requests may never reach
var blockedIPv4Ranges = []string{
	"0.0.0.0/8",          // "This" network
	"10.0.0.0/8",         // RFC1918 private
	"100.64.0.0/10",      // Carrier-grade NAT
	"127.0.0.0/8",        // Loopback
	"169.254.0.0/16",     // Link-local (cloud metadata)
	"172.16.0.0/12",      // RFC1918 private
	"192.0.0.0/24",       // IETF protocol assignments
	"192.168.0.0/16",     // RFC1918 private
	"198.18.0.0/15",      // Benchmarking
	"224.0.0.0/4",        // Multicast
	"240.0.0.0/4",        // Reserved
	"255.255.255.255/32", // Broadcast
}

// blockedHostnames contains hostnames that should never be accessed
var blockedHostnames = []string{
	"localhost",
	"localhost.localdomain",
	"metadata.google.internal",
	"kubernetes.default.svc",
	"kubernetes.default",
}

var parsedPrefixes []netip.Prefix

func init() {
	for _, cidr := range blockedIPv4Ranges {
		parsedPrefixes = append(parsedPrefixes, netip.MustParsePrefix(cidr))
	}
}

// Resolver resolves hostnames to IP addresses. *net.Resolver satisfies it.
type Resolver interface {
	LookupNetIP(ctx context.Context, network, host string) ([]netip.Addr, error)
}

// IsForbiddenIPv4 reports whether addr is outside the public IPv4 space.
func IsForbiddenIPv4(addr netip.Addr) bool {
	addr = addr.Unmap()
	if !addr.Is4() {
		return true
	}
	for _, prefix := range parsedPrefixes {
		if prefix.Contains(addr) {
			return true
		}
	}
	return false
}

// IsBlockedHostname checks if a hostname is in the blocklist
func IsBlockedHostname(hostname string) bool {
	hostname = strings.ToLower(strings.TrimSuffix(hostname, "."))

	for _, blocked := range blockedHostnames {
		if hostname == blocked || strings.HasSuffix(hostname, "."+blocked) {
			return true
		}
	}
	return false
}

// ValidateURL rejects URLs that are not http(s) or that resolve to anything
// but public IPv4 addresses. It returns the parsed URL and the resolved
// addresses so callers can dial exactly what was validated.
func ValidateURL(ctx context.Context, resolver Resolver, rawURL string) (*url.URL, []netip.Addr, error) {
	parsedURL, err := url.Parse(rawURL)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: invalid URL format: %v", ErrForbiddenTarget, err)
	}

	// Only allow http/https schemes
	if parsedURL.Scheme != "http" && parsedURL.Scheme != "https" {
		return nil, nil, fmt.Errorf("%w: only http and https schemes are allowed, got %q", ErrForbiddenTarget, parsedURL.Scheme)
	}

	hostname := parsedURL.Hostname()
	if hostname == "" {
		return nil, nil, fmt.Errorf("%w: URL must have a hostname", ErrForbiddenTarget)
	}

	if IsBlockedHostname(hostname) {
		return nil, nil, fmt.Errorf("%w: access to internal hostname '%s' is not allowed", ErrForbiddenTarget, hostname)
	}

	// IP literal: no resolution needed
	if addr, err := netip.ParseAddr(hostname); err == nil {
		if IsForbiddenIPv4(addr) {
			return nil, nil, fmt.Errorf("%w: access to address '%s' is not allowed", ErrForbiddenTarget, hostname)
		}
		return parsedURL, []netip.Addr{addr.Unmap()}, nil
	}

	addrs, err := ValidateHost(ctx, resolver, hostname)
	if err != nil {
		return nil, nil, err
	}
	return parsedURL, addrs, nil
}

// ValidateHost resolves hostname to IPv4 and rejects it if any address is
// forbidden. Hosts without an IPv4 address are rejected.
func ValidateHost(ctx context.Context, resolver Resolver, hostname string) ([]netip.Addr, error) {
	if resolver == nil {
		resolver = net.DefaultResolver
	}
	addrs, err := resolver.LookupNetIP(ctx, "ip4", hostname)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to resolve '%s': %v", ErrForbiddenTarget, hostname, err)
	}
	if len(addrs) == 0 {
		return nil, fmt.Errorf("%w: '%s' has no IPv4 address", ErrForbiddenTarget, hostname)
	}

	for _, addr := range addrs {
		if IsForbiddenIPv4(addr) {
			return nil, fmt.Errorf("%w: hostname '%s' resolves to forbidden address '%s'", ErrForbiddenTarget, hostname, addr)
		}
	}
	return addrs, nil
}
