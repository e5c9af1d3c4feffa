// Package contextkeys provides centralized context key definitions
//
// IMPORTANT: All context keys used across the application must be defined here.
// This prevents typos, documents dependencies, and makes key usage discoverable.
package contextkeys

import "context"

// Key is the type for context keys to prevent collisions
type Key string

const (
	// AuthKey contains *middleware.AuthContext
	// Set by: middleware.Authenticator (pkg/middleware/auth.go)
	// Required by: protected API endpoints, scope/rate-limit middleware
	AuthKey Key = "auth_context"

	// RequestIDKey contains request ID string (UUID)
	// Set by: middleware.RequestID
	// Used by: Logger, audit trail, distributed tracing
	RequestIDKey Key = "request_id"

	// KeyIDKey contains the authenticated API key ID
	// Set by: middleware.Authenticator after verification
	// Used by: Logger, audit trail, usage recording
	KeyIDKey Key = "key_id"

	// LoggerKey contains *observability.Logger
	// Set by: observability middleware
	LoggerKey Key = "logger"
)

// WithAuth adds authentication context to the context
func WithAuth(ctx context.Context, authCtx interface{}) context.Context {
	return context.WithValue(ctx, AuthKey, authCtx)
}

// WithRequestID adds request ID to the context
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, RequestIDKey, requestID)
}

// WithKeyID adds the authenticated key ID to the context
func WithKeyID(ctx context.Context, keyID string) context.Context {
	return context.WithValue(ctx, KeyIDKey, keyID)
}

// WithLogger adds logger to the context
func WithLogger(ctx context.Context, logger interface{}) context.Context {
	return context.WithValue(ctx, LoggerKey, logger)
}

// GetRequestID retrieves request ID from context
func GetRequestID(ctx context.Context) string {
	if requestID, ok := ctx.Value(RequestIDKey).(string); ok {
		return requestID
	}
	return ""
}

// GetKeyID retrieves the authenticated key ID from context
func GetKeyID(ctx context.Context) string {
	if keyID, ok := ctx.Value(KeyIDKey).(string); ok {
		return keyID
	}
	return ""
}
