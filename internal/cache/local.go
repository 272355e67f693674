package cache

import (
	"context"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

// Local is an in-process TTL cache.
type Local struct {
	items *gocache.Cache
}

// NewLocal creates a local cache with a default TTL and a janitor sweeping
// expired entries every cleanupInterval.
func NewLocal(defaultTTL, cleanupInterval time.Duration) *Local {
	return &Local{items: gocache.New(defaultTTL, cleanupInterval)}
}

func (l *Local) Get(_ context.Context, key string) ([]byte, bool) {
	v, ok := l.items.Get(key)
	if !ok {
		return nil, false
	}
	b, ok := v.([]byte)
	return b, ok
}

func (l *Local) Set(_ context.Context, key string, value []byte, ttl time.Duration) {
	if ttl <= 0 {
		ttl = gocache.DefaultExpiration
	}
	l.items.Set(key, value, ttl)
}

// Len returns the number of live entries.
func (l *Local) Len() int {
	return l.items.ItemCount()
}
