package apikey

import "errors"

// Authentication failures. The HTTP boundary collapses these into a single
// generic "not authenticated" response so callers cannot probe why a key
// failed; the specific reason is still logged for security monitoring.
var (
	// ErrInvalidKey means the digest was not found or the input was malformed
	ErrInvalidKey = errors.New("api key not recognized")
	// ErrExpired means the key exists but its expiry has passed
	ErrExpired = errors.New("api key expired")
	// ErrRevoked means the key exists but was revoked
	ErrRevoked = errors.New("api key revoked")
)

// Authorization and throttling outcomes. These are distinguishable by the
// caller: RateLimited must carry a backoff signal, not an auth failure.
var (
	ErrIPNotAllowed = errors.New("source ip not allowed for this key")
	ErrRateLimited  = errors.New("rate limit exceeded")
)

// Configuration faults raised synchronously at issuance/update time.
// Never silently coerced or defaulted.
var (
	ErrOwnerConflict = errors.New("exactly one of user or application owner must be set")
	ErrEmptyScopeSet = errors.New("at least one scope is required")
	ErrInvalidScope  = errors.New("unrecognized scope")
	ErrInvalidExpiry = errors.New("expiry must be in the future")
)

// Lifecycle faults
var (
	// ErrKeyNotFound is returned by repositories for missing records
	ErrKeyNotFound = errors.New("key record not found")
	// ErrAlreadyRotated means the record already has a successor; a record
	// is replaced at most once, keeping the rotation chain acyclic
	ErrAlreadyRotated = errors.New("key has already been rotated")
)

// IsAuthFailure reports whether err is one of the authentication failures
// that must be collapsed to a generic outcome at the boundary
func IsAuthFailure(err error) bool {
	return errors.Is(err, ErrInvalidKey) || errors.Is(err, ErrExpired) || errors.Is(err, ErrRevoked)
}
