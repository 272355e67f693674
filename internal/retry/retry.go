// Package retry runs operations whose errors carry their own backoff policy.
package retry

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"time"
)

// Policy is the retry policy carried by a retryable error.
// Retries is the number of additional attempts after the first one.
type Policy struct {
	Sleep   time.Duration `json:"sleep"`
	Factor  float64       `json:"factor"`
	Retries int           `json:"retries"`
}

// Delay returns the wait before retry number n (1-indexed): Sleep * Factor^(n-1).
func (p Policy) Delay(n int) time.Duration {
	if n < 1 {
		n = 1
	}
	factor := p.Factor
	if factor <= 0 {
		factor = 1
	}
	return time.Duration(float64(p.Sleep) * math.Pow(factor, float64(n-1)))
}

// RetryableError is implemented by errors that opt into retries. A nil
// policy means the error is not retryable.
type RetryableError interface {
	error
	RetryPolicy() *Policy
}

// Hooks are invoked for logging around retries. Both are optional.
type Hooks struct {
	// OnRetry is called before sleeping ahead of retry number attempt.
	OnRetry func(attempt int, delay time.Duration, err error)
	// OnFailure is called once when the operation finally fails.
	OnFailure func(attempts int, err error)
}

// PolicyOf extracts the retry policy from err, if any.
func PolicyOf(err error) *Policy {
	var re RetryableError
	if errors.As(err, &re) {
		return re.RetryPolicy()
	}
	return nil
}

// Do runs op, retrying while the returned error carries a retry policy and
// the policy's retry budget is not exhausted. The policy of the first
// retryable error fixes the budget; delays grow multiplicatively.
func Do[T any](ctx context.Context, op func(ctx context.Context) (T, error), hooks Hooks) (T, error) {
	var zero T
	var policy *Policy
	attempts := 0

	for {
		attempts++
		result, err := op(ctx)
		if err == nil {
			return result, nil
		}

		if policy == nil {
			policy = PolicyOf(err)
		}
		if policy == nil || PolicyOf(err) == nil || attempts > policy.Retries {
			if hooks.OnFailure != nil {
				hooks.OnFailure(attempts, err)
			}
			return zero, err
		}

		delay := policy.Delay(attempts)
		if hooks.OnRetry != nil {
			hooks.OnRetry(attempts, delay, err)
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			if hooks.OnFailure != nil {
				hooks.OnFailure(attempts, err)
			}
			return zero, fmt.Errorf("retry aborted after %d attempts: %w", attempts, ctx.Err())
		case <-timer.C:
		}
	}
}

// LogHooks returns hooks that log retries and final failures under tag.
func LogHooks(tag string) Hooks {
	return Hooks{
		OnRetry: func(attempt int, delay time.Duration, err error) {
			log.Printf("🔄 [%s] Attempt %d failed, retrying in %s: %v", tag, attempt, delay, err)
		},
		OnFailure: func(attempts int, err error) {
			log.Printf("❌ [%s] Giving up after %d attempts: %v", tag, attempts, err)
		},
	}
}
