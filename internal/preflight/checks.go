package preflight

import (
	"context"
	"fmt"
	"log"
	"time"
)

// CheckResult represents the result of a preflight check
type CheckResult struct {
	Name    string
	Status  string // "pass", "fail", "warning"
	Message string
	Error   error
}

// Pinger is any backend connection that can be probed.
type Pinger interface {
	Ping(ctx context.Context) error
}

type check struct {
	name     string
	required bool
	fn       func(ctx context.Context) error
}

// Checker runs the startup checks of the configured backends. A failing
// required check is a failure; a failing optional one only warns.
type Checker struct {
	checks  []check
	timeout time.Duration
}

// NewChecker creates a checker whose checks each get timeout.
func NewChecker(timeout time.Duration) *Checker {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Checker{timeout: timeout}
}

// Add registers a check.
func (c *Checker) Add(name string, required bool, fn func(ctx context.Context) error) {
	c.checks = append(c.checks, check{name: name, required: required, fn: fn})
}

// AddPinger registers a connectivity check of p.
func (c *Checker) AddPinger(name string, required bool, p Pinger) {
	c.Add(name, required, p.Ping)
}

// RunAll runs all preflight checks and returns results
func (c *Checker) RunAll(ctx context.Context) []CheckResult {
	log.Println("🔍 Running pre-flight checks...")

	results := make([]CheckResult, 0, len(c.checks))
	for _, ch := range c.checks {
		results = append(results, c.run(ctx, ch))
	}

	passed, failed, warnings := 0, 0, 0
	for _, result := range results {
		switch result.Status {
		case "pass":
			log.Printf("   ✅ %s: %s", result.Name, result.Message)
			passed++
		case "fail":
			log.Printf("   ❌ %s: %s", result.Name, result.Message)
			if result.Error != nil {
				log.Printf("      Error: %v", result.Error)
			}
			failed++
		case "warning":
			log.Printf("   ⚠️  %s: %s", result.Name, result.Message)
			warnings++
		}
	}

	log.Printf("📊 Pre-flight summary: %d passed, %d failed, %d warnings", passed, failed, warnings)
	return results
}

func (c *Checker) run(ctx context.Context, ch check) CheckResult {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	start := time.Now()
	err := ch.fn(ctx)
	elapsed := time.Since(start).Round(time.Millisecond)
	if err == nil {
		return CheckResult{Name: ch.name, Status: "pass", Message: fmt.Sprintf("ok in %s", elapsed)}
	}
	if ch.required {
		return CheckResult{Name: ch.name, Status: "fail", Message: "check failed", Error: err}
	}
	return CheckResult{Name: ch.name, Status: "warning", Message: fmt.Sprintf("unavailable: %v", err), Error: err}
}

// HasFailures returns true if any check failed
func HasFailures(results []CheckResult) bool {
	for _, result := range results {
		if result.Status == "fail" {
			return true
		}
	}
	return false
}
