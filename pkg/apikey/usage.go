package apikey

import (
	"context"
	"time"
	"unicode/utf8"

	"github.com/keywarden/keywarden/pkg/observability"
)

// MaxUserAgentLength bounds stored user agent strings
const MaxUserAgentLength = 512

// UsageRecorder appends usage telemetry for authenticated requests.
//
// Recording is strictly best-effort: a storage failure is logged and
// discarded, never surfaced, so telemetry loss cannot break the request it
// describes.
type UsageRecorder struct {
	repo   Repository
	logger *observability.Logger

	// onDrop, when set, is invoked for every discarded event (metrics hook)
	onDrop func()
}

// NewUsageRecorder creates a usage recorder
func NewUsageRecorder(repo Repository, logger *observability.Logger) *UsageRecorder {
	return &UsageRecorder{repo: repo, logger: logger}
}

// OnDrop registers a hook called whenever an event is discarded
func (u *UsageRecorder) OnDrop(fn func()) {
	u.onDrop = fn
}

// Record appends one usage event for the key. Never returns an error.
func (u *UsageRecorder) Record(ctx context.Context, rec *KeyRecord, endpoint, method string, statusCode int, sourceIP, userAgent string, responseTime time.Duration, errorMessage string) {
	if len(userAgent) > MaxUserAgentLength {
		// Back the cut up to a rune boundary; a split rune is invalid UTF-8
		// and postgres rejects it
		cut := MaxUserAgentLength
		for cut > 0 && !utf8.RuneStart(userAgent[cut]) {
			cut--
		}
		userAgent = userAgent[:cut]
	}

	ev := &UsageEvent{
		KeyID:          rec.ID,
		Timestamp:      time.Now().UTC(),
		Endpoint:       endpoint,
		Method:         method,
		StatusCode:     statusCode,
		SourceIP:       sourceIP,
		UserAgent:      userAgent,
		ResponseTimeMS: responseTime.Milliseconds(),
		ErrorMessage:   errorMessage,
	}

	if err := u.repo.InsertUsage(ctx, ev); err != nil {
		if u.logger != nil {
			u.logger.WithError(err).WithFields(map[string]interface{}{
				"key_id":   rec.ID,
				"endpoint": endpoint,
			}).Warn("dropping usage event")
		}
		if u.onDrop != nil {
			u.onDrop()
		}
	}
}
