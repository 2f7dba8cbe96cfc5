package retry

import (
	"fmt"
	"time"

	"github.com/goliatone/go-relato/runner"
)

// Decision is the outcome of consulting a Policy.
type Decision struct {
	ShouldRetry bool          `json:"should_retry"`
	Delay       time.Duration `json:"delay"`
	Reason      string        `json:"reason"`
}

// DelaySeconds returns the delay in seconds, or nil when no retry is planned.
func (d Decision) DelaySeconds() *float64 {
	if !d.ShouldRetry {
		return nil
	}
	secs := d.Delay.Seconds()
	return &secs
}

// Policy decides whether a failure should be retried.
type Policy interface {
	Decide(category Category, attempt int) Decision
}

// DefaultMaxAttempts is the per-category retry ceiling.
var DefaultMaxAttempts = map[Category]int{
	CategoryNetworkError:     3,
	CategoryStorageTemporary: 3,
	CategoryTimeout:          2,
	CategoryUnknown:          1,
	CategoryPermissionDenied: 0,
	CategoryInvalidInput:     0,
}

// DefaultBackoff spaces out retry sweeps.
var DefaultBackoff = runner.ExponentialBackoffStrategy{
	Base:   30 * time.Second,
	Factor: 2,
	Max:    30 * time.Minute,
}

// TablePolicy is a table-driven Policy: ShouldRetry = attempt < MaxAttempts[category].
// Unlisted categories are never retried.
type TablePolicy struct {
	MaxAttempts map[Category]int
	Backoff     runner.RetryStrategy
}

// NewTablePolicy copies maxAttempts over the defaults.
func NewTablePolicy(maxAttempts map[Category]int, backoff runner.RetryStrategy) *TablePolicy {
	table := make(map[Category]int, len(DefaultMaxAttempts))
	for k, v := range DefaultMaxAttempts {
		table[k] = v
	}
	for k, v := range maxAttempts {
		if v < 0 {
			v = 0
		}
		table[k] = v
	}
	if backoff == nil {
		backoff = DefaultBackoff
	}
	return &TablePolicy{MaxAttempts: table, Backoff: backoff}
}

// DefaultPolicy returns the policy with default thresholds and backoff.
func DefaultPolicy() *TablePolicy {
	return NewTablePolicy(nil, nil)
}

func (p *TablePolicy) Decide(category Category, attempt int) Decision {
	if !category.Valid() {
		category = CategoryUnknown
	}
	if attempt < 0 {
		attempt = 0
	}
	max := p.MaxAttempts[category]
	if attempt >= max {
		return Decision{
			ShouldRetry: false,
			Reason:      reason(category, attempt, max, "abort"),
		}
	}
	var delay time.Duration
	if p.Backoff != nil {
		delay = p.Backoff.SleepDuration(attempt, nil)
	}
	return Decision{
		ShouldRetry: true,
		Delay:       delay,
		Reason:      reason(category, attempt, max, "retry"),
	}
}

func reason(category Category, attempt, max int, verdict string) string {
	return fmt.Sprintf("category=%s attempt=%d max=%d decision=%s", category, attempt, max, verdict)
}
