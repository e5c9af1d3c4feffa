// Package middleware wires the apikey core into the HTTP boundary:
// authentication (with collapsed generic 401s), scope and resource checks,
// per-key and per-IP rate limiting, request IDs, and usage telemetry.
//
// Ordering matters: RequestID, then IPRateLimit (unauthenticated surface) or
// Authenticator -> KeyRateLimit -> UsageRecording (authenticated surface).
package middleware
