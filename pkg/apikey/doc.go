// Package apikey implements the API-key security core: credential
// issuance with one-way storage, verification of presented secrets,
// scope/IP/rate-limit authorization, rotation and revocation lifecycle,
// and best-effort usage telemetry.
//
// # Components
//
//   - KeyCodec: secret generation, marker encoding, SHA-256 digest.
//     Secrets are 32 alphanumeric characters presented as
//     <marker><secret>, where the marker (sk_live_, ak_live_, sk_test_,
//     ak_test_) encodes owner kind and environment. Only the digest and
//     an 8-character clear-text prefix are ever persisted.
//   - Verifier: presented secret -> authenticated KeyRecord, with a
//     single atomic usage-count increment on success.
//   - ScopeAuthorizer: scope membership ("admin" implies all), source-IP
//     allowlists, and resource-to-scope-triple mapping.
//   - RateLimiter: trailing sliding-window check of usage events against
//     the key's hourly budget. Advisory only.
//   - LifecycleManager: issue, rotate (atomic successor insert + forward
//     link), revoke (idempotent, irreversible), and continue-on-error
//     bulk revoke. Emits audit notifications.
//   - UsageRecorder: append-only telemetry that never fails the request
//     it describes.
//   - ScopeRegistry: open capability vocabulary that business modules
//     extend without modifying this package.
//
// Persistence is behind the Repository interface (pkg/storage). A key
// record's derived state machine is ACTIVE -> EXPIRED (time) and
// ACTIVE|EXPIRED -> REVOKED (terminal); rotation is orthogonal, and the
// replaced_by chain is acyclic because a record is replaced at most once.
package apikey
