package middleware

import (
	"net/http"
	"time"

	"github.com/keywarden/keywarden/pkg/apikey"
)

// statusRecorder captures the downstream status code for usage telemetry
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.status = code
	sr.ResponseWriter.WriteHeader(code)
}

// UsageRecording appends a usage event for every authenticated request,
// whatever its outcome. Must run after the Authenticator. Recording is
// best-effort; the recorder swallows storage failures.
type UsageRecording struct {
	recorder *apikey.UsageRecorder
}

// NewUsageRecording creates the usage telemetry middleware
func NewUsageRecording(recorder *apikey.UsageRecorder) *UsageRecording {
	return &UsageRecording{recorder: recorder}
}

// Handler wraps an HTTP handler with usage recording
func (m *UsageRecording) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authCtx := GetAuthContext(r)
		if authCtx == nil {
			next.ServeHTTP(w, r)
			return
		}

		start := time.Now()
		sr := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(sr, r)

		var errorMessage string
		if sr.status >= 400 {
			errorMessage = http.StatusText(sr.status)
		}

		m.recorder.Record(
			r.Context(),
			authCtx.Record,
			r.URL.Path,
			r.Method,
			sr.status,
			authCtx.SourceIP,
			r.UserAgent(),
			time.Since(start),
			errorMessage,
		)
	})
}
