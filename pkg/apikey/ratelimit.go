package apikey

import (
	"context"
	"fmt"
	"time"
)

// DefaultWindowMinutes is the standard trailing window for rate checks
const DefaultWindowMinutes = 60

// RateLimiter evaluates a key's trailing-window request count against its
// configured hourly budget. The window slides over exact usage-event
// timestamps rather than fixed buckets: precise, at the cost of an indexed
// range count per check. Under heavy concurrent traffic near the boundary
// the count can be slightly stale, so a few requests may transiently exceed
// the limit; that imprecision is accepted.
type RateLimiter struct {
	repo Repository
}

// NewRateLimiter creates a rate limiter over the given repository
func NewRateLimiter(repo Repository) *RateLimiter {
	return &RateLimiter{repo: repo}
}

// Check reports whether the key is within its budget for the trailing
// window, along with the observed count. A RateLimitPerHour of 0 means
// unlimited and short-circuits without querying.
//
// The result is advisory: exceeding the limit never alters the record, and
// the caller decides whether to throttle (and may still log the attempt).
func (rl *RateLimiter) Check(ctx context.Context, rec *KeyRecord, windowMinutes int) (withinLimit bool, countInWindow int, err error) {
	if windowMinutes <= 0 {
		windowMinutes = DefaultWindowMinutes
	}

	if rec.RateLimitPerHour <= 0 {
		return true, 0, nil
	}

	limit := rec.RateLimitPerHour * windowMinutes / 60
	since := time.Now().UTC().Add(-time.Duration(windowMinutes) * time.Minute)

	count, err := rl.repo.CountUsageSince(ctx, rec.ID, since)
	if err != nil {
		return false, 0, fmt.Errorf("usage window count failed: %w", err)
	}

	return count < limit, count, nil
}

// Limit returns the effective budget for a window, or 0 for unlimited
func (rl *RateLimiter) Limit(rec *KeyRecord, windowMinutes int) int {
	if windowMinutes <= 0 {
		windowMinutes = DefaultWindowMinutes
	}
	if rec.RateLimitPerHour <= 0 {
		return 0
	}
	return rec.RateLimitPerHour * windowMinutes / 60
}
