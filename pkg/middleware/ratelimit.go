package middleware

import (
	"fmt"
	"net/http"

	"github.com/keywarden/keywarden/pkg/apikey"
	"github.com/keywarden/keywarden/pkg/httputil"
	"github.com/keywarden/keywarden/pkg/observability"
)

// KeyRateLimit enforces each key's hourly budget against its recorded usage.
// Unlimited keys (budget 0) pass straight through. The check is advisory and
// read-only; the usage recorder is what actually grows the window.
type KeyRateLimit struct {
	limiter *apikey.RateLimiter
	logger  *observability.Logger
	metrics *observability.Metrics

	// windowMinutes is the trailing window; defaults to one hour
	windowMinutes int
}

// NewKeyRateLimit creates the per-key rate limit middleware
func NewKeyRateLimit(limiter *apikey.RateLimiter, logger *observability.Logger, metrics *observability.Metrics) *KeyRateLimit {
	return &KeyRateLimit{
		limiter:       limiter,
		logger:        logger,
		metrics:       metrics,
		windowMinutes: apikey.DefaultWindowMinutes,
	}
}

// Handler wraps an HTTP handler with the per-key rate check. Must run after
// the Authenticator.
func (m *KeyRateLimit) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authCtx := GetAuthContext(r)
		if authCtx == nil {
			httputil.WriteUnauthorized(w, "invalid API key")
			return
		}

		within, count, err := m.limiter.Check(r.Context(), authCtx.Record, m.windowMinutes)
		if err != nil {
			m.logger.WithError(err).WithField("key_id", authCtx.Record.ID).Error("rate limit check failed")
			httputil.WriteInternalError(w, err)
			return
		}

		limit := m.limiter.Limit(authCtx.Record, m.windowMinutes)
		if limit > 0 {
			remaining := limit - count
			if remaining < 0 {
				remaining = 0
			}
			w.Header().Set("X-RateLimit-Limit", fmt.Sprintf("%d", limit))
			w.Header().Set("X-RateLimit-Remaining", fmt.Sprintf("%d", remaining))
		}

		if !within {
			m.logger.WithFields(map[string]interface{}{
				"key_id": authCtx.Record.ID,
				"count":  count,
				"limit":  limit,
			}).Info("rate limit exceeded")
			if m.metrics != nil {
				m.metrics.RateLimitRejectsTotal.Inc()
			}
			w.Header().Set("Retry-After", fmt.Sprintf("%d", m.windowMinutes*60))
			httputil.WriteTooManyRequests(w, "rate limit exceeded")
			return
		}

		next.ServeHTTP(w, r)
	})
}
