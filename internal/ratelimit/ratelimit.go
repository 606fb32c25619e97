package ratelimit

import (
	"context"
	"time"

	"github.com/calebmorten/eventgate/internal/integration"
	"github.com/calebmorten/eventgate/internal/metrics"
)

// Decision is the outcome of one rate-limit check.
type Decision struct {
	Allowed    bool
	Remaining  *int // nil when limiting is disabled for the integration
	ResetAt    time.Time
	RetryAfter time.Duration // > 0 only when denied
}

// Store increments the counter for a window key and returns the new count.
// The increment must be atomic under concurrent callers for the same key.
type Store interface {
	Incr(ctx context.Context, integrationID string, windowStart time.Time, windowSeconds int) (int, error)
}

// Limiter is a fixed-window counter per integration. Rate limiting bounds
// concurrent load per target; it is not a sequencing mechanism.
type Limiter struct {
	store Store
	now   func() time.Time
}

func New(store Store) *Limiter {
	return &Limiter{store: store, now: time.Now}
}

// NewWithClock injects a clock for tests.
func NewWithClock(store Store, now func() time.Time) *Limiter {
	return &Limiter{store: store, now: now}
}

// Check counts this call against the integration's current window and
// decides allow/deny. Counting happens even for the denied call; the window
// key expires naturally when the window rolls over.
func (l *Limiter) Check(ctx context.Context, integ *integration.Integration) (Decision, error) {
	cfg := integ.RateLimit
	if !cfg.Enabled {
		return Decision{Allowed: true}, nil
	}

	now := l.now()
	windowStart := now.Truncate(time.Duration(cfg.WindowSeconds) * time.Second)
	resetAt := windowStart.Add(time.Duration(cfg.WindowSeconds) * time.Second)

	count, err := l.store.Incr(ctx, integ.ID, windowStart, cfg.WindowSeconds)
	if err != nil {
		return Decision{}, err
	}

	remaining := cfg.MaxRequests - count
	if remaining < 0 {
		remaining = 0
	}
	if count > cfg.MaxRequests {
		metrics.RecordRateLimited(integ.ID)
		return Decision{
			Allowed:    false,
			Remaining:  &remaining,
			ResetAt:    resetAt,
			RetryAfter: resetAt.Sub(now),
		}, nil
	}
	return Decision{Allowed: true, Remaining: &remaining, ResetAt: resetAt}, nil
}
