package outbound

import (
	"context"
	"sync"

	"golang.org/x/time/rate"
)

// RateLimiter implements two-tier rate limiting for outbound block requests:
// a global budget protecting the process and a per-host budget protecting
// the targets.
type RateLimiter struct {
	globalLimiter   *rate.Limiter
	perHostLimiters *sync.Map // map[string]*rate.Limiter
	hostRate        float64
}

// NewRateLimiter creates a new two-tier rate limiter. Non-positive rates
// disable the corresponding tier.
func NewRateLimiter(globalRate, perHostRate float64) *RateLimiter {
	rl := &RateLimiter{
		perHostLimiters: &sync.Map{},
		hostRate:        perHostRate,
	}
	if globalRate > 0 {
		rl.globalLimiter = rate.NewLimiter(rate.Limit(globalRate), int(globalRate*2)+1)
	}
	return rl
}

// Wait applies both tiers of rate limiting
func (rl *RateLimiter) Wait(ctx context.Context, host string) error {
	if rl == nil {
		return nil
	}
	if rl.globalLimiter != nil {
		if err := rl.globalLimiter.Wait(ctx); err != nil {
			return err
		}
	}
	if rl.hostRate > 0 {
		if err := rl.getOrCreateHostLimiter(host).Wait(ctx); err != nil {
			return err
		}
	}
	return nil
}

func (rl *RateLimiter) getOrCreateHostLimiter(host string) *rate.Limiter {
	if limiter, ok := rl.perHostLimiters.Load(host); ok {
		return limiter.(*rate.Limiter)
	}

	newLimiter := rate.NewLimiter(rate.Limit(rl.hostRate), int(rl.hostRate*2)+1)

	// Use existing if another goroutine created it first
	actual, _ := rl.perHostLimiters.LoadOrStore(host, newLimiter)
	return actual.(*rate.Limiter)
}
