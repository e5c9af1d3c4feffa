package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
)

// DBNotifier appends audit events to a PostgreSQL table. The table is
// insert-only from this service's point of view; querying and retention
// belong to whoever owns the audit trail.
type DBNotifier struct {
	db *sql.DB
}

// NewDBNotifier creates a database-backed notifier and ensures its table
func NewDBNotifier(db *sql.DB) (*DBNotifier, error) {
	if db == nil {
		return nil, fmt.Errorf("database connection is required")
	}

	n := &DBNotifier{db: db}
	if err := n.ensureTable(); err != nil {
		return nil, fmt.Errorf("failed to ensure key_audit_events table: %w", err)
	}
	return n, nil
}

func (n *DBNotifier) ensureTable() error {
	query := `
	CREATE TABLE IF NOT EXISTS key_audit_events (
		id BIGSERIAL PRIMARY KEY,
		timestamp TIMESTAMP WITH TIME ZONE NOT NULL,
		action VARCHAR(100) NOT NULL,
		actor VARCHAR(255),
		target_id VARCHAR(64) NOT NULL,
		changes JSONB,
		metadata JSONB,
		request_id VARCHAR(100),
		created_at TIMESTAMP WITH TIME ZONE DEFAULT NOW()
	);

	CREATE INDEX IF NOT EXISTS idx_key_audit_events_timestamp ON key_audit_events(timestamp DESC);
	CREATE INDEX IF NOT EXISTS idx_key_audit_events_target ON key_audit_events(target_id);
	CREATE INDEX IF NOT EXISTS idx_key_audit_events_action ON key_audit_events(action);
	`

	_, err := n.db.Exec(query)
	return err
}

// Notify inserts the event
func (n *DBNotifier) Notify(ctx context.Context, event *Event) error {
	if event.Action == "" {
		return fmt.Errorf("audit action is required")
	}
	Prepare(ctx, event)

	var changesJSON, metadataJSON []byte
	var err error

	if event.Changes != nil {
		changesJSON, err = json.Marshal(event.Changes)
		if err != nil {
			return fmt.Errorf("failed to marshal changes: %w", err)
		}
	}
	if event.Metadata != nil {
		metadataJSON, err = json.Marshal(event.Metadata)
		if err != nil {
			return fmt.Errorf("failed to marshal metadata: %w", err)
		}
	}

	query := `
		INSERT INTO key_audit_events (
			timestamp, action, actor, target_id, changes, metadata, request_id
		) VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id
	`

	err = n.db.QueryRowContext(ctx, query,
		event.Timestamp, event.Action, event.Actor, event.TargetID,
		changesJSON, metadataJSON, event.RequestID,
	).Scan(&event.ID)

	if err != nil {
		return fmt.Errorf("failed to insert audit event: %w", err)
	}
	return nil
}
