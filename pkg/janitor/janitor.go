// Package janitor runs scheduled key maintenance: expiry reminders and
// revocation sweeps over expired keys.
package janitor

import (
	"context"
	"fmt"

	"github.com/keywarden/keywarden/pkg/apikey"
	"github.com/keywarden/keywarden/pkg/audit"
	"github.com/keywarden/keywarden/pkg/observability"
)

// Janitor owns the periodic maintenance passes
type Janitor struct {
	repo      apikey.Repository
	lifecycle *apikey.LifecycleManager
	notifier  audit.Notifier
	logger    *observability.Logger
}

// New creates a janitor
func New(repo apikey.Repository, lifecycle *apikey.LifecycleManager, notifier audit.Notifier, logger *observability.Logger) *Janitor {
	if notifier == nil {
		notifier = audit.NopNotifier{}
	}
	return &Janitor{
		repo:      repo,
		lifecycle: lifecycle,
		notifier:  notifier,
		logger:    logger,
	}
}

// RunReminders flags keys expiring within windowDays and emits one audit
// reminder per key. The rotation_reminder_sent flag keeps the pass
// idempotent: a key is reminded at most once per issued credential.
func (j *Janitor) RunReminders(ctx context.Context, windowDays int) (int, error) {
	records, err := j.repo.FindExpiringWithin(ctx, windowDays)
	if err != nil {
		return 0, fmt.Errorf("expiring key lookup failed: %w", err)
	}

	reminded := 0
	for _, rec := range records {
		if rec.RotationReminderSent {
			continue
		}

		err := j.repo.UpdateFields(ctx, rec.ID, apikey.Fields{
			apikey.FieldRotationReminderSent: true,
		})
		if err != nil {
			j.logger.WithError(err).WithField("key_id", rec.ID).Warn("failed to flag reminder")
			continue
		}

		if err := j.notifier.Notify(ctx, &audit.Event{
			Action:   audit.ActionKeyExpiryReminder,
			TargetID: rec.ID,
			Metadata: map[string]interface{}{
				"expires_at":  rec.ExpiresAt,
				"prefix":      rec.Prefix,
				"window_days": windowDays,
			},
		}); err != nil {
			j.logger.WithError(err).WithField("key_id", rec.ID).Warn("reminder notification failed")
		}
		reminded++
	}

	j.logger.WithFields(map[string]interface{}{
		"candidates": len(records),
		"reminded":   reminded,
	}).Info("expiry reminder pass complete")

	return reminded, nil
}

// RunExpiredSweep revokes every active key whose expiry has passed. Expired
// keys already fail verification; the sweep makes the terminal state
// explicit in storage and in the audit trail.
func (j *Janitor) RunExpiredSweep(ctx context.Context) (*apikey.BulkRevokeResult, error) {
	result, err := j.lifecycle.BulkRevoke(ctx, apikey.Selector{Expired: true}, "expired", "janitor")
	if err != nil {
		return nil, fmt.Errorf("expired sweep failed: %w", err)
	}

	j.logger.WithFields(map[string]interface{}{
		"revoked":  result.RevokedCount,
		"failures": len(result.Failures),
	}).Info("expired key sweep complete")

	return result, nil
}
