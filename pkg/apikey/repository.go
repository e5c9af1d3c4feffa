package apikey

import (
	"context"
	"time"
)

// Field names accepted by Repository.UpdateFields and BulkUpdate.
// Implementations must reject anything outside this set.
const (
	FieldIsActive             = "is_active"
	FieldExpiresAt            = "expires_at"
	FieldReplacedBy           = "replaced_by"
	FieldRotationReminderSent = "rotation_reminder_sent"
	FieldMetadata             = "metadata"
)

// Fields is a partial update: column name to new value
type Fields map[string]interface{}

// Selector filters key records for bulk operations. Exactly one of Owner
// or Expired should be set.
type Selector struct {
	// Owner selects all keys issued to a principal
	Owner *Owner
	// Expired selects active keys whose expiry has passed as of ExpiredAsOf
	Expired     bool
	ExpiredAsOf time.Time
}

// Repository is the durable store for key records and usage events.
// Implementations live in pkg/storage; the core treats persistence as an
// external collaborator and performs no other network I/O.
type Repository interface {
	// Insert persists a new key record. The digest must be unique across
	// all records ever stored.
	Insert(ctx context.Context, rec *KeyRecord) error

	// FindByDigest looks up a record by secret digest.
	// Returns ErrKeyNotFound if absent.
	FindByDigest(ctx context.Context, digest string) (*KeyRecord, error)

	// FindByID looks up a record by ID. Returns ErrKeyNotFound if absent.
	FindByID(ctx context.Context, id string) (*KeyRecord, error)

	// FindByOwner returns all records issued to the owner, newest first
	FindByOwner(ctx context.Context, owner Owner) ([]*KeyRecord, error)

	// FindExpiringWithin returns active, unreplaced records expiring within
	// the given number of days from now
	FindExpiringWithin(ctx context.Context, days int) ([]*KeyRecord, error)

	// FindExpired returns active records whose expiry has passed as of the
	// given instant
	FindExpired(ctx context.Context, asOf time.Time) ([]*KeyRecord, error)

	// AtomicIncrementUsage bumps usage_count by one and sets last_used_at
	// in a single atomic storage operation. Concurrent calls must never
	// lose updates.
	AtomicIncrementUsage(ctx context.Context, id string, usedAt time.Time) error

	// UpdateFields applies a partial update to one record
	UpdateFields(ctx context.Context, id string, fields Fields) error

	// BulkUpdate applies a partial update to every record matching the
	// selector and returns the number of records updated
	BulkUpdate(ctx context.Context, sel Selector, fields Fields) (int64, error)

	// InsertRotation atomically inserts the successor record and sets
	// replaced_by (and optionally a new expiry) on the predecessor. The two
	// writes succeed or fail together: a successor must never exist without
	// its back link, and a predecessor must never be marked replaced
	// without a persisted successor.
	InsertRotation(ctx context.Context, successor *KeyRecord, predecessorID string, predecessorExpiry *time.Time) error

	// InsertUsage appends one usage event
	InsertUsage(ctx context.Context, ev *UsageEvent) error

	// CountUsageSince counts usage events for a key with timestamps at or
	// after the given instant. Must be served by an indexed range count.
	CountUsageSince(ctx context.Context, keyID string, since time.Time) (int, error)

	// ListUsage returns the most recent usage events for a key
	ListUsage(ctx context.Context, keyID string, limit int) ([]*UsageEvent, error)

	// CountActive returns the number of currently active, unexpired keys
	CountActive(ctx context.Context) (int64, error)
}
