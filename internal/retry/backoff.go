package retry

import (
	"math"
	"math/rand"
	"time"
)

// Backoff computes retry delays with exponential backoff and jitter
type Backoff struct {
	initialDelay  time.Duration
	maxDelay      time.Duration
	multiplier    float64
	jitterPercent int
}

// NewBackoff creates a calculator with specified parameters
func NewBackoff(initialDelay, maxDelay time.Duration, multiplier float64, jitterPercent int) *Backoff {
	// Apply defaults if not specified
	if initialDelay <= 0 {
		initialDelay = time.Second
	}
	if maxDelay <= 0 {
		maxDelay = 30 * time.Second
	}
	if multiplier <= 0 {
		multiplier = 2.0 // Double each time
	}
	if jitterPercent < 0 {
		jitterPercent = 20
	}

	return &Backoff{
		initialDelay:  initialDelay,
		maxDelay:      maxDelay,
		multiplier:    multiplier,
		jitterPercent: jitterPercent,
	}
}

// NextDelay calculates the delay for the given attempt number (0-indexed)
func (b *Backoff) NextDelay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}

	// initialDelay * (multiplier ^ attempt)
	delay := float64(b.initialDelay) * math.Pow(b.multiplier, float64(attempt))

	if delay > float64(b.maxDelay) {
		delay = float64(b.maxDelay)
	}

	// Add jitter to prevent thundering herd
	if b.jitterPercent > 0 {
		jitterRange := delay * float64(b.jitterPercent) / 100.0
		jitter := (rand.Float64()*2 - 1) * jitterRange
		delay += jitter
	}

	if delay < 0 {
		delay = float64(b.initialDelay)
	}

	return time.Duration(delay)
}
