package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/keywarden/keywarden/pkg/apikey"
)

// MemoryStore is an in-memory Repository for tests and local development.
// All records are deep-copied on the way in and out so callers can never
// mutate stored state without going through the interface.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]*apikey.KeyRecord // by ID
	digests map[string]string            // digest -> ID
	usage   []*apikey.UsageEvent
	nextID  int64
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[string]*apikey.KeyRecord),
		digests: make(map[string]string),
	}
}

// Insert persists a new key record
func (s *MemoryStore) Insert(ctx context.Context, rec *apikey.KeyRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.insertLocked(rec)
}

func (s *MemoryStore) insertLocked(rec *apikey.KeyRecord) error {
	if _, ok := s.records[rec.ID]; ok {
		return fmt.Errorf("duplicate key ID %s", rec.ID)
	}
	if _, ok := s.digests[rec.Digest]; ok {
		return fmt.Errorf("duplicate key digest")
	}
	s.records[rec.ID] = rec.Clone()
	s.digests[rec.Digest] = rec.ID
	return nil
}

// FindByDigest looks up a record by secret digest
func (s *MemoryStore) FindByDigest(ctx context.Context, digest string) (*apikey.KeyRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.digests[digest]
	if !ok {
		return nil, apikey.ErrKeyNotFound
	}
	return s.records[id].Clone(), nil
}

// FindByID looks up a record by ID
func (s *MemoryStore) FindByID(ctx context.Context, id string) (*apikey.KeyRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.records[id]
	if !ok {
		return nil, apikey.ErrKeyNotFound
	}
	return rec.Clone(), nil
}

// FindByOwner returns all records issued to the owner, newest first
func (s *MemoryStore) FindByOwner(ctx context.Context, owner apikey.Owner) ([]*apikey.KeyRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*apikey.KeyRecord
	for _, rec := range s.records {
		if rec.Owner() == owner {
			out = append(out, rec.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

// FindExpiringWithin returns active, unreplaced records expiring within the
// given number of days from now
func (s *MemoryStore) FindExpiringWithin(ctx context.Context, days int) ([]*apikey.KeyRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	now := time.Now().UTC()
	cutoff := now.AddDate(0, 0, days)

	var out []*apikey.KeyRecord
	for _, rec := range s.records {
		if rec.IsActive && rec.ReplacedBy == "" && rec.ExpiresAt.After(now) && !rec.ExpiresAt.After(cutoff) {
			out = append(out, rec.Clone())
		}
	}
	return out, nil
}

// FindExpired returns active records whose expiry has passed as of the given instant
func (s *MemoryStore) FindExpired(ctx context.Context, asOf time.Time) ([]*apikey.KeyRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*apikey.KeyRecord
	for _, rec := range s.records {
		if rec.IsActive && !asOf.Before(rec.ExpiresAt) {
			out = append(out, rec.Clone())
		}
	}
	return out, nil
}

// AtomicIncrementUsage bumps usage_count and sets last_used_at under the
// store lock, so concurrent increments never lose updates
func (s *MemoryStore) AtomicIncrementUsage(ctx context.Context, id string, usedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[id]
	if !ok {
		return apikey.ErrKeyNotFound
	}
	rec.UsageCount++
	t := usedAt
	rec.LastUsedAt = &t
	return nil
}

// UpdateFields applies a partial update to one record
func (s *MemoryStore) UpdateFields(ctx context.Context, id string, fields apikey.Fields) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[id]
	if !ok {
		return apikey.ErrKeyNotFound
	}
	return applyFields(rec, fields)
}

// BulkUpdate applies a partial update to every record matching the selector
func (s *MemoryStore) BulkUpdate(ctx context.Context, sel apikey.Selector, fields apikey.Fields) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var count int64
	for _, rec := range s.records {
		if !matches(rec, sel) {
			continue
		}
		if err := applyFields(rec, fields); err != nil {
			return count, err
		}
		count++
	}
	return count, nil
}

// InsertRotation atomically inserts the successor and links the predecessor
func (s *MemoryStore) InsertRotation(ctx context.Context, successor *apikey.KeyRecord, predecessorID string, predecessorExpiry *time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	pred, ok := s.records[predecessorID]
	if !ok {
		return apikey.ErrKeyNotFound
	}
	if pred.ReplacedBy != "" {
		return apikey.ErrAlreadyRotated
	}

	if err := s.insertLocked(successor); err != nil {
		return err
	}
	pred.ReplacedBy = successor.ID
	if predecessorExpiry != nil {
		pred.ExpiresAt = *predecessorExpiry
	}
	return nil
}

// InsertUsage appends one usage event
func (s *MemoryStore) InsertUsage(ctx context.Context, ev *apikey.UsageEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextID++
	cp := *ev
	cp.ID = s.nextID
	s.usage = append(s.usage, &cp)
	ev.ID = cp.ID
	return nil
}

// CountUsageSince counts usage events at or after the given instant
func (s *MemoryStore) CountUsageSince(ctx context.Context, keyID string, since time.Time) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	count := 0
	for _, ev := range s.usage {
		if ev.KeyID == keyID && !ev.Timestamp.Before(since) {
			count++
		}
	}
	return count, nil
}

// ListUsage returns the most recent usage events for a key
func (s *MemoryStore) ListUsage(ctx context.Context, keyID string, limit int) ([]*apikey.UsageEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*apikey.UsageEvent
	for i := len(s.usage) - 1; i >= 0 && len(out) < limit; i-- {
		if s.usage[i].KeyID == keyID {
			cp := *s.usage[i]
			out = append(out, &cp)
		}
	}
	return out, nil
}

// CountActive returns the number of currently active, unexpired keys
func (s *MemoryStore) CountActive(ctx context.Context) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	now := time.Now().UTC()
	var count int64
	for _, rec := range s.records {
		if rec.IsActive && rec.ExpiresAt.After(now) {
			count++
		}
	}
	return count, nil
}

func matches(rec *apikey.KeyRecord, sel apikey.Selector) bool {
	switch {
	case sel.Owner != nil:
		return rec.Owner() == *sel.Owner
	case sel.Expired:
		asOf := sel.ExpiredAsOf
		if asOf.IsZero() {
			asOf = time.Now().UTC()
		}
		return rec.IsActive && !asOf.Before(rec.ExpiresAt)
	default:
		return false
	}
}

func applyFields(rec *apikey.KeyRecord, fields apikey.Fields) error {
	for name, value := range fields {
		switch name {
		case apikey.FieldIsActive:
			v, ok := value.(bool)
			if !ok {
				return fmt.Errorf("field %s requires bool, got %T", name, value)
			}
			rec.IsActive = v
		case apikey.FieldExpiresAt:
			v, ok := value.(time.Time)
			if !ok {
				return fmt.Errorf("field %s requires time.Time, got %T", name, value)
			}
			rec.ExpiresAt = v
		case apikey.FieldReplacedBy:
			v, ok := value.(string)
			if !ok {
				return fmt.Errorf("field %s requires string, got %T", name, value)
			}
			rec.ReplacedBy = v
		case apikey.FieldRotationReminderSent:
			v, ok := value.(bool)
			if !ok {
				return fmt.Errorf("field %s requires bool, got %T", name, value)
			}
			rec.RotationReminderSent = v
		case apikey.FieldMetadata:
			v, ok := value.(map[string]string)
			if !ok {
				return fmt.Errorf("field %s requires map[string]string, got %T", name, value)
			}
			rec.Metadata = v
		default:
			return fmt.Errorf("unknown field %q", name)
		}
	}
	return nil
}
