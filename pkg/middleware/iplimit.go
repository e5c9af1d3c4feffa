package middleware

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/keywarden/keywarden/pkg/httputil"
	"github.com/keywarden/keywarden/pkg/observability"
)

// ipLimitWindow is the fixed window for unauthenticated-endpoint limiting
const ipLimitWindow = time.Minute

// IPRateLimit throttles unauthenticated endpoints per source IP using a
// Redis fixed window (INCR + EXPIRE). Shared across instances; fails open on
// Redis errors so an outage never blocks traffic.
type IPRateLimit struct {
	redis  *redis.Client
	logger *observability.Logger

	// requestsPerWindow per IP per minute; zero disables the limiter
	requestsPerWindow int
	prefix            string
}

// NewIPRateLimit creates the per-IP limiter. A nil Redis client or a zero
// limit yields a pass-through middleware.
func NewIPRateLimit(redisClient *redis.Client, requestsPerWindow int, logger *observability.Logger) *IPRateLimit {
	return &IPRateLimit{
		redis:             redisClient,
		logger:            logger,
		requestsPerWindow: requestsPerWindow,
		prefix:            "keywarden:iplimit",
	}
}

func (m *IPRateLimit) allow(ctx context.Context, ip string) (bool, error) {
	redisKey := fmt.Sprintf("%s:%s", m.prefix, ip)

	pipe := m.redis.Pipeline()
	incr := pipe.Incr(ctx, redisKey)
	pipe.Expire(ctx, redisKey, ipLimitWindow)

	if _, err := pipe.Exec(ctx); err != nil {
		return true, fmt.Errorf("redis error: %w", err)
	}

	return incr.Val() <= int64(m.requestsPerWindow), nil
}

// Handler wraps an HTTP handler with per-IP rate limiting
func (m *IPRateLimit) Handler(next http.Handler) http.Handler {
	if m.redis == nil || m.requestsPerWindow <= 0 {
		return next
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := ClientIP(r)

		allowed, err := m.allow(r.Context(), ip)
		if err != nil {
			// Fail open: a Redis outage must not take the API down
			m.logger.WithError(err).Warn("ip rate limit check failed, allowing request")
			next.ServeHTTP(w, r)
			return
		}

		if !allowed {
			w.Header().Set("Retry-After", fmt.Sprintf("%.0f", ipLimitWindow.Seconds()))
			httputil.WriteTooManyRequests(w, "rate limit exceeded")
			return
		}

		next.ServeHTTP(w, r)
	})
}
