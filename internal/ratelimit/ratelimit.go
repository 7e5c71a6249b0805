// Package ratelimit implements a keyed fixed-window rate limiter. Counters
// live in a store (PostgreSQL in production) so the limit holds across
// concurrent handlers and restarts.
package ratelimit

import (
	"context"
	"time"

	"github.com/mkarlsen/greenledger/internal/domain"
)

// Rule is the threshold/window pair for one operation type.
type Rule struct {
	Limit  int64
	Window time.Duration
}

// DefaultRules bounds the retry-sensitive operations.
var DefaultRules = map[string]Rule{
	"password_reset":  {Limit: 3, Window: time.Hour},
	"login":           {Limit: 5, Window: time.Hour},
	"verification":    {Limit: 5, Window: time.Hour},
	"donation_create": {Limit: 5, Window: time.Hour},
}

// Store persists window counters. Increment must be atomic per
// (key, operation): two concurrent calls may not both observe the same count.
type Store interface {
	// Increment bumps the counter for the window starting at windowStart,
	// resetting it first when the stored window is older. Returns the count
	// after the increment.
	Increment(ctx context.Context, key, operation string, windowStart time.Time) (int64, error)
}

// Limiter checks operations against per-operation rules.
type Limiter struct {
	store Store
	rules map[string]Rule

	// now is swappable for tests.
	now func() time.Time
}

// New creates a limiter. Nil rules fall back to DefaultRules.
func New(store Store, rules map[string]Rule) *Limiter {
	if rules == nil {
		rules = DefaultRules
	}
	return &Limiter{
		store: store,
		rules: rules,
		now:   time.Now,
	}
}

// Check increments the counter for (operation, subject) and returns a
// RateLimitError when the threshold for the current window is exceeded.
// Operations with no configured rule are unlimited.
func (l *Limiter) Check(ctx context.Context, operation, subject string) error {
	rule, ok := l.rules[operation]
	if !ok {
		return nil
	}

	now := l.now().UTC()
	windowStart := now.Truncate(rule.Window)

	count, err := l.store.Increment(ctx, subject, operation, windowStart)
	if err != nil {
		return domain.Internal(err, "ratelimit.check", "failed to increment rate limit counter")
	}

	if count > rule.Limit {
		return &domain.RateLimitError{
			Op:         operation,
			RetryAfter: windowStart.Add(rule.Window).Sub(now),
		}
	}
	return nil
}

// RemainingWindow returns the time until the current window for operation
// resets. Zero for operations with no rule.
func (l *Limiter) RemainingWindow(operation string) time.Duration {
	rule, ok := l.rules[operation]
	if !ok {
		return 0
	}
	now := l.now().UTC()
	return now.Truncate(rule.Window).Add(rule.Window).Sub(now)
}
