package apikey

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/keywarden/keywarden/pkg/audit"
	"github.com/keywarden/keywarden/pkg/observability"
)

// bulkRevokeWorkers bounds concurrent revocations during a bulk sweep
const bulkRevokeWorkers = 8

// metadataRotatedFrom annotates a successor key with its predecessor ID
const metadataRotatedFrom = "rotated_from"

// IssueParams describes a new key to issue
type IssueParams struct {
	Owner            Owner
	Scopes           []string
	ExpiresInDays    int
	RateLimitPerHour int
	AllowedIPs       []string
	Environment      Environment
	GroupID          string
	Metadata         map[string]string

	// Actor is recorded in the audit trail
	Actor string
}

// RevokeFailure is one record a bulk revoke could not process
type RevokeFailure struct {
	KeyID string `json:"key_id"`
	Error string `json:"error"`
}

// BulkRevokeResult aggregates the outcome of a bulk revoke
type BulkRevokeResult struct {
	RevokedCount int             `json:"revoked_count"`
	Failures     []RevokeFailure `json:"failures,omitempty"`
}

// LifecycleManager owns issuance, rotation, and revocation of keys
type LifecycleManager struct {
	codec    *KeyCodec
	repo     Repository
	registry *ScopeRegistry
	notifier audit.Notifier
	logger   *observability.Logger
}

// NewLifecycleManager creates a lifecycle manager
func NewLifecycleManager(codec *KeyCodec, repo Repository, registry *ScopeRegistry, notifier audit.Notifier, logger *observability.Logger) *LifecycleManager {
	if notifier == nil {
		notifier = audit.NopNotifier{}
	}
	return &LifecycleManager{
		codec:    codec,
		repo:     repo,
		registry: registry,
		notifier: notifier,
		logger:   logger,
	}
}

// Issue creates and persists a new key. The returned raw secret (marker
// included) is visible exactly once; only its digest and prefix are stored.
func (m *LifecycleManager) Issue(ctx context.Context, p IssueParams) (*KeyRecord, string, error) {
	if !p.Owner.Valid() {
		return nil, "", ErrOwnerConflict
	}
	if len(p.Scopes) == 0 {
		return nil, "", ErrEmptyScopeSet
	}
	for _, scope := range p.Scopes {
		if !m.registry.Recognized(scope) {
			return nil, "", fmt.Errorf("%w: %q", ErrInvalidScope, scope)
		}
	}
	if p.ExpiresInDays <= 0 {
		return nil, "", ErrInvalidExpiry
	}
	if p.Environment == "" {
		p.Environment = EnvironmentLive
	}

	secret, err := m.codec.Generate(SecretLength)
	if err != nil {
		return nil, "", fmt.Errorf("secret generation failed: %w", err)
	}

	now := time.Now().UTC()
	rec := &KeyRecord{
		ID:               uuid.NewString(),
		Digest:           m.codec.Digest(secret),
		Prefix:           m.codec.Prefix(secret),
		UserID:           p.Owner.UserID,
		AppName:          p.Owner.AppName,
		Scopes:           append([]string(nil), p.Scopes...),
		AllowedIPs:       append([]string(nil), p.AllowedIPs...),
		RateLimitPerHour: p.RateLimitPerHour,
		Environment:      p.Environment,
		IsActive:         true,
		CreatedAt:        now,
		ExpiresAt:        now.AddDate(0, 0, p.ExpiresInDays),
		UsageCount:       0,
		GroupID:          p.GroupID,
		Metadata:         p.Metadata,
	}

	if err := m.repo.Insert(ctx, rec); err != nil {
		return nil, "", fmt.Errorf("failed to insert key record: %w", err)
	}

	m.notify(ctx, &audit.Event{
		Action:   audit.ActionKeyIssue,
		Actor:    p.Actor,
		TargetID: rec.ID,
		Changes: map[string]interface{}{
			"scopes":              rec.Scopes,
			"expires_at":          rec.ExpiresAt,
			"rate_limit_per_hour": rec.RateLimitPerHour,
		},
		Metadata: map[string]interface{}{
			"owner_kind":  string(p.Owner.Kind()),
			"environment": string(rec.Environment),
			"prefix":      rec.Prefix,
		},
	})

	return rec, m.codec.Encode(secret, p.Owner.Kind(), rec.Environment), nil
}

// Rotate creates a successor key carrying the predecessor's scopes, rate
// limit, allowlist, group, and owner, and links the two records in one
// atomic storage transaction. A positive overlapHours shortens the old
// key's remaining life to the grace window; with overlapHours of 0 the old
// expiry is left untouched and callers are expected to revoke it for an
// immediate cutover.
func (m *LifecycleManager) Rotate(ctx context.Context, old *KeyRecord, overlapHours int, actor string) (*KeyRecord, string, error) {
	if old.Rotated() {
		return nil, "", ErrAlreadyRotated
	}

	secret, err := m.codec.Generate(SecretLength)
	if err != nil {
		return nil, "", fmt.Errorf("secret generation failed: %w", err)
	}

	now := time.Now().UTC()
	meta := make(map[string]string, len(old.Metadata)+1)
	for k, v := range old.Metadata {
		meta[k] = v
	}
	meta[metadataRotatedFrom] = old.ID

	successor := &KeyRecord{
		ID:               uuid.NewString(),
		Digest:           m.codec.Digest(secret),
		Prefix:           m.codec.Prefix(secret),
		UserID:           old.UserID,
		AppName:          old.AppName,
		Scopes:           append([]string(nil), old.Scopes...),
		AllowedIPs:       append([]string(nil), old.AllowedIPs...),
		RateLimitPerHour: old.RateLimitPerHour,
		Environment:      old.Environment,
		IsActive:         true,
		CreatedAt:        now,
		ExpiresAt:        old.ExpiresAt,
		GroupID:          old.GroupID,
		Metadata:         meta,
	}
	if !successor.ExpiresAt.After(now) {
		// Predecessor already past expiry; give the successor a fresh year
		successor.ExpiresAt = now.AddDate(1, 0, 0)
	}

	var oldExpiry *time.Time
	if overlapHours > 0 {
		t := now.Add(time.Duration(overlapHours) * time.Hour)
		oldExpiry = &t
	}

	if err := m.repo.InsertRotation(ctx, successor, old.ID, oldExpiry); err != nil {
		return nil, "", fmt.Errorf("rotation failed: %w", err)
	}

	old.ReplacedBy = successor.ID
	if oldExpiry != nil {
		old.ExpiresAt = *oldExpiry
	}

	m.notify(ctx, &audit.Event{
		Action:   audit.ActionKeyRotate,
		Actor:    actor,
		TargetID: old.ID,
		Changes: map[string]interface{}{
			"replaced_by": successor.ID,
			"expires_at":  old.ExpiresAt,
		},
		Metadata: map[string]interface{}{
			"overlap_hours":    overlapHours,
			"successor_prefix": successor.Prefix,
		},
	})

	return successor, m.codec.Encode(secret, successor.Owner().Kind(), successor.Environment), nil
}

// Revoke deactivates a key. Idempotent: revoking an already-revoked key is
// a silent no-op. Irreversible: nothing ever sets is_active back.
func (m *LifecycleManager) Revoke(ctx context.Context, rec *KeyRecord, reason, actor string) error {
	if !rec.IsActive {
		return nil
	}

	if err := m.repo.UpdateFields(ctx, rec.ID, Fields{FieldIsActive: false}); err != nil {
		return fmt.Errorf("failed to revoke key %s: %w", rec.ID, err)
	}
	rec.IsActive = false

	m.notify(ctx, &audit.Event{
		Action:   audit.ActionKeyRevoke,
		Actor:    actor,
		TargetID: rec.ID,
		Changes:  map[string]interface{}{"is_active": false},
		Metadata: map[string]interface{}{"reason": reason},
	})

	return nil
}

// BulkRevoke revokes every key matching the selector, independently and
// with continue-on-error semantics: one failure never aborts the rest.
// There is deliberately no all-or-nothing transaction here, so partial
// progress survives.
func (m *LifecycleManager) BulkRevoke(ctx context.Context, sel Selector, reason, actor string) (*BulkRevokeResult, error) {
	records, err := m.selectRecords(ctx, sel)
	if err != nil {
		return nil, err
	}

	var (
		mu     sync.Mutex
		result BulkRevokeResult
	)

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(bulkRevokeWorkers)

	for _, rec := range records {
		rec := rec
		g.Go(func() error {
			if err := m.Revoke(ctx, rec, reason, actor); err != nil {
				mu.Lock()
				result.Failures = append(result.Failures, RevokeFailure{KeyID: rec.ID, Error: err.Error()})
				mu.Unlock()
				return nil
			}
			mu.Lock()
			result.RevokedCount++
			mu.Unlock()
			return nil
		})
	}

	// Workers always return nil; failures are aggregated above
	_ = g.Wait()

	m.notify(ctx, &audit.Event{
		Action: audit.ActionKeyBulkRevoke,
		Actor:  actor,
		Metadata: map[string]interface{}{
			"reason":        reason,
			"revoked_count": result.RevokedCount,
			"failure_count": len(result.Failures),
		},
	})

	return &result, nil
}

func (m *LifecycleManager) selectRecords(ctx context.Context, sel Selector) ([]*KeyRecord, error) {
	switch {
	case sel.Owner != nil:
		if !sel.Owner.Valid() {
			return nil, ErrOwnerConflict
		}
		records, err := m.repo.FindByOwner(ctx, *sel.Owner)
		if err != nil {
			return nil, fmt.Errorf("owner lookup failed: %w", err)
		}
		return records, nil
	case sel.Expired:
		asOf := sel.ExpiredAsOf
		if asOf.IsZero() {
			asOf = time.Now().UTC()
		}
		records, err := m.repo.FindExpired(ctx, asOf)
		if err != nil {
			return nil, fmt.Errorf("expired lookup failed: %w", err)
		}
		return records, nil
	default:
		return nil, fmt.Errorf("bulk revoke selector must name an owner or select expired keys")
	}
}

func (m *LifecycleManager) notify(ctx context.Context, event *audit.Event) {
	if err := m.notifier.Notify(ctx, event); err != nil && m.logger != nil {
		m.logger.WithError(err).WithField("action", string(event.Action)).Warn("audit notification failed")
	}
}
