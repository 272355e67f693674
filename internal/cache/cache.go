// Package cache provides a best-effort, advisory key/value cache. Every
// backend degrades to a clean miss or a no-op when it is unreachable;
// callers must never depend on the cache for correctness.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"log"
	"strings"
	"time"

	"pipecore/internal/metrics"
)

// Cache is an advisory byte cache with per-entry TTL.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, bool)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration)
}

// Noop never stores anything.
type Noop struct{}

func (Noop) Get(context.Context, string) ([]byte, bool) { return nil, false }

func (Noop) Set(context.Context, string, []byte, time.Duration) {}

// Key builds a namespaced content-addressed key from parts.
func Key(namespace string, parts ...string) string {
	h := sha256.New()
	for _, p := range parts {
		h.Write([]byte(p))
		h.Write([]byte{0})
	}
	return "pipecore:" + namespace + ":" + hex.EncodeToString(h.Sum(nil))
}

// Tiered consults a fast local tier before a shared remote tier and
// back-fills the local tier on remote hits.
type Tiered struct {
	local    Cache
	remote   Cache
	localTTL time.Duration
}

// NewTiered composes two caches. Either tier may be nil.
func NewTiered(local, remote Cache, localTTL time.Duration) *Tiered {
	if local == nil {
		local = Noop{}
	}
	if remote == nil {
		remote = Noop{}
	}
	return &Tiered{local: local, remote: remote, localTTL: localTTL}
}

func (t *Tiered) Get(ctx context.Context, key string) ([]byte, bool) {
	if v, ok := t.local.Get(ctx, key); ok {
		return v, true
	}
	v, ok := t.remote.Get(ctx, key)
	if ok {
		ttl := t.localTTL
		if ttl <= 0 {
			ttl = time.Minute
		}
		t.local.Set(ctx, key, v, ttl)
	}
	return v, ok
}

func (t *Tiered) Set(ctx context.Context, key string, value []byte, ttl time.Duration) {
	localTTL := t.localTTL
	if localTTL <= 0 || (ttl > 0 && ttl < localTTL) {
		localTTL = ttl
	}
	t.local.Set(ctx, key, value, localTTL)
	t.remote.Set(ctx, key, value, ttl)
}

// GetOrFetch returns the cached JSON value under key, or calls fetch and
// stores its result. The boolean reports a cache hit. Undecodable entries
// are treated as misses.
func GetOrFetch[T any](ctx context.Context, c Cache, m *metrics.Metrics, key string, ttl time.Duration, fetch func(ctx context.Context) (T, error)) (T, bool, error) {
	if c == nil {
		c = Noop{}
	}

	if raw, ok := c.Get(ctx, key); ok {
		var cached T
		if err := json.Unmarshal(raw, &cached); err == nil {
			m.RecordCache("hit")
			return cached, true, nil
		}
		log.Printf("⚠️ [CACHE] Dropping undecodable entry %s", shortKey(key))
	}
	m.RecordCache("miss")

	value, err := fetch(ctx)
	if err != nil {
		var zero T
		return zero, false, err
	}

	raw, err := json.Marshal(value)
	if err != nil {
		log.Printf("⚠️ [CACHE] Failed to encode value for %s: %v", shortKey(key), err)
		return value, false, nil
	}
	c.Set(ctx, key, raw, ttl)
	return value, false, nil
}

func shortKey(key string) string {
	if i := strings.LastIndex(key, ":"); i >= 0 && len(key)-i > 12 {
		return key[:i+13]
	}
	return key
}
