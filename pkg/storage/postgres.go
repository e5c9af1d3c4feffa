package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/keywarden/keywarden/pkg/apikey"
)

// PostgresStore implements apikey.Repository on PostgreSQL
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore connects to PostgreSQL and ensures the schema exists
func NewPostgresStore(cfg Config) (*PostgresStore, error) {
	db, err := sql.Open("postgres", cfg.PostgresURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}

	db.SetMaxOpenConns(cfg.PostgresMaxConns)
	db.SetMaxIdleConns(cfg.PostgresMinConns)
	db.SetConnMaxLifetime(1 * time.Hour)
	db.SetConnMaxIdleTime(10 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), cfg.PostgresTimeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}

	store := &PostgresStore{db: db}
	if err := store.ensureSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ensure schema: %w", err)
	}

	return store, nil
}

// NewPostgresStoreFromDB wraps an existing connection without touching the
// schema. Used by tests.
func NewPostgresStoreFromDB(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// DB exposes the underlying connection for health checks
func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

// Close closes the database connection
func (s *PostgresStore) Close() error {
	return s.db.Close()
}

func (s *PostgresStore) ensureSchema(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS api_keys (
			id TEXT PRIMARY KEY,
			digest TEXT NOT NULL UNIQUE,
			prefix TEXT NOT NULL,
			user_id TEXT,
			app_name TEXT,
			scopes TEXT[] NOT NULL,
			allowed_ips TEXT[],
			rate_limit_per_hour INTEGER NOT NULL DEFAULT 0,
			environment TEXT NOT NULL,
			is_active BOOLEAN NOT NULL DEFAULT TRUE,
			created_at TIMESTAMPTZ NOT NULL,
			expires_at TIMESTAMPTZ NOT NULL,
			last_used_at TIMESTAMPTZ,
			usage_count BIGINT NOT NULL DEFAULT 0,
			replaced_by TEXT,
			rotation_reminder_sent BOOLEAN NOT NULL DEFAULT FALSE,
			group_id TEXT,
			metadata JSONB
		)`,
		`CREATE INDEX IF NOT EXISTS idx_api_keys_user_id ON api_keys(user_id) WHERE user_id IS NOT NULL`,
		`CREATE INDEX IF NOT EXISTS idx_api_keys_app_name ON api_keys(app_name) WHERE app_name IS NOT NULL`,
		`CREATE INDEX IF NOT EXISTS idx_api_keys_expires_at ON api_keys(expires_at) WHERE is_active`,
		`CREATE TABLE IF NOT EXISTS api_key_usage (
			id BIGSERIAL PRIMARY KEY,
			key_id TEXT NOT NULL,
			timestamp TIMESTAMPTZ NOT NULL,
			endpoint TEXT,
			method TEXT,
			status_code INTEGER,
			source_ip TEXT,
			user_agent TEXT,
			response_time_ms BIGINT,
			error_message TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_api_key_usage_key_ts ON api_key_usage(key_id, timestamp)`,
	}

	for _, stmt := range statements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("schema statement failed: %w", err)
		}
	}
	return nil
}

const keyColumns = `id, digest, prefix, user_id, app_name, scopes, allowed_ips,
	rate_limit_per_hour, environment, is_active, created_at, expires_at,
	last_used_at, usage_count, replaced_by, rotation_reminder_sent, group_id, metadata`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanKeyRecord(row rowScanner) (*apikey.KeyRecord, error) {
	var (
		rec          apikey.KeyRecord
		userID       sql.NullString
		appName      sql.NullString
		lastUsedAt   sql.NullTime
		replacedBy   sql.NullString
		groupID      sql.NullString
		metadataJSON []byte
		env          string
	)

	err := row.Scan(
		&rec.ID,
		&rec.Digest,
		&rec.Prefix,
		&userID,
		&appName,
		pq.Array(&rec.Scopes),
		pq.Array(&rec.AllowedIPs),
		&rec.RateLimitPerHour,
		&env,
		&rec.IsActive,
		&rec.CreatedAt,
		&rec.ExpiresAt,
		&lastUsedAt,
		&rec.UsageCount,
		&replacedBy,
		&rec.RotationReminderSent,
		&groupID,
		&metadataJSON,
	)
	if err != nil {
		return nil, err
	}

	rec.Environment = apikey.Environment(env)
	if userID.Valid {
		rec.UserID = userID.String
	}
	if appName.Valid {
		rec.AppName = appName.String
	}
	if lastUsedAt.Valid {
		t := lastUsedAt.Time
		rec.LastUsedAt = &t
	}
	if replacedBy.Valid {
		rec.ReplacedBy = replacedBy.String
	}
	if groupID.Valid {
		rec.GroupID = groupID.String
	}
	if len(metadataJSON) > 0 {
		if err := json.Unmarshal(metadataJSON, &rec.Metadata); err != nil {
			return nil, fmt.Errorf("failed to unmarshal key metadata: %w", err)
		}
	}

	return &rec, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func marshalMetadata(m map[string]string) ([]byte, error) {
	if len(m) == 0 {
		return nil, nil
	}
	return json.Marshal(m)
}

// Insert persists a new key record
func (s *PostgresStore) Insert(ctx context.Context, rec *apikey.KeyRecord) error {
	metadataJSON, err := marshalMetadata(rec.Metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal key metadata: %w", err)
	}

	query := `
		INSERT INTO api_keys (
			id, digest, prefix, user_id, app_name, scopes, allowed_ips,
			rate_limit_per_hour, environment, is_active, created_at, expires_at,
			usage_count, rotation_reminder_sent, group_id, metadata
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
	`

	_, err = s.db.ExecContext(ctx, query,
		rec.ID,
		rec.Digest,
		rec.Prefix,
		nullString(rec.UserID),
		nullString(rec.AppName),
		pq.Array(rec.Scopes),
		pq.Array(rec.AllowedIPs),
		rec.RateLimitPerHour,
		string(rec.Environment),
		rec.IsActive,
		rec.CreatedAt,
		rec.ExpiresAt,
		rec.UsageCount,
		rec.RotationReminderSent,
		nullString(rec.GroupID),
		metadataJSON,
	)
	if err != nil {
		return fmt.Errorf("failed to insert key record: %w", err)
	}
	return nil
}

// FindByDigest looks up a record by secret digest
func (s *PostgresStore) FindByDigest(ctx context.Context, digest string) (*apikey.KeyRecord, error) {
	query := `SELECT ` + keyColumns + ` FROM api_keys WHERE digest = $1`

	rec, err := scanKeyRecord(s.db.QueryRowContext(ctx, query, digest))
	if err == sql.ErrNoRows {
		return nil, apikey.ErrKeyNotFound
	} else if err != nil {
		return nil, fmt.Errorf("failed to find key by digest: %w", err)
	}
	return rec, nil
}

// FindByID looks up a record by ID
func (s *PostgresStore) FindByID(ctx context.Context, id string) (*apikey.KeyRecord, error) {
	query := `SELECT ` + keyColumns + ` FROM api_keys WHERE id = $1`

	rec, err := scanKeyRecord(s.db.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, apikey.ErrKeyNotFound
	} else if err != nil {
		return nil, fmt.Errorf("failed to find key by id: %w", err)
	}
	return rec, nil
}

// FindByOwner returns all records issued to the owner, newest first
func (s *PostgresStore) FindByOwner(ctx context.Context, owner apikey.Owner) ([]*apikey.KeyRecord, error) {
	var (
		query string
		arg   string
	)
	switch owner.Kind() {
	case apikey.OwnerKindUser:
		query = `SELECT ` + keyColumns + ` FROM api_keys WHERE user_id = $1 ORDER BY created_at DESC`
		arg = owner.UserID
	case apikey.OwnerKindApplication:
		query = `SELECT ` + keyColumns + ` FROM api_keys WHERE app_name = $1 ORDER BY created_at DESC`
		arg = owner.AppName
	default:
		return nil, apikey.ErrOwnerConflict
	}

	return s.queryRecords(ctx, query, arg)
}

// FindExpiringWithin returns active, unreplaced records expiring within the
// given number of days from now
func (s *PostgresStore) FindExpiringWithin(ctx context.Context, days int) ([]*apikey.KeyRecord, error) {
	now := time.Now().UTC()
	query := `
		SELECT ` + keyColumns + ` FROM api_keys
		WHERE is_active AND replaced_by IS NULL
		  AND expires_at > $1 AND expires_at <= $2
		ORDER BY expires_at
	`
	return s.queryRecords(ctx, query, now, now.AddDate(0, 0, days))
}

// FindExpired returns active records whose expiry has passed
func (s *PostgresStore) FindExpired(ctx context.Context, asOf time.Time) ([]*apikey.KeyRecord, error) {
	query := `SELECT ` + keyColumns + ` FROM api_keys WHERE is_active AND expires_at <= $1`
	return s.queryRecords(ctx, query, asOf)
}

func (s *PostgresStore) queryRecords(ctx context.Context, query string, args ...interface{}) ([]*apikey.KeyRecord, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query key records: %w", err)
	}
	defer rows.Close()

	var records []*apikey.KeyRecord
	for rows.Next() {
		rec, err := scanKeyRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan key record: %w", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration failed: %w", err)
	}
	return records, nil
}

// AtomicIncrementUsage bumps usage_count and sets last_used_at in one UPDATE,
// so concurrent verifications never lose counts
func (s *PostgresStore) AtomicIncrementUsage(ctx context.Context, id string, usedAt time.Time) error {
	query := `UPDATE api_keys SET usage_count = usage_count + 1, last_used_at = $2 WHERE id = $1`

	result, err := s.db.ExecContext(ctx, query, id, usedAt)
	if err != nil {
		return fmt.Errorf("failed to increment usage: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check increment result: %w", err)
	}
	if affected == 0 {
		return apikey.ErrKeyNotFound
	}
	return nil
}

// updatableColumns whitelists the columns partial updates may touch
var updatableColumns = map[string]string{
	apikey.FieldIsActive:             "is_active",
	apikey.FieldExpiresAt:            "expires_at",
	apikey.FieldReplacedBy:           "replaced_by",
	apikey.FieldRotationReminderSent: "rotation_reminder_sent",
	apikey.FieldMetadata:             "metadata",
}

func buildSetClause(fields apikey.Fields, startIndex int) (string, []interface{}, error) {
	clauses := make([]string, 0, len(fields))
	args := make([]interface{}, 0, len(fields))
	i := startIndex

	for name, value := range fields {
		column, ok := updatableColumns[name]
		if !ok {
			return "", nil, fmt.Errorf("unknown field %q", name)
		}
		if name == apikey.FieldMetadata {
			m, ok := value.(map[string]string)
			if !ok {
				return "", nil, fmt.Errorf("field %s requires map[string]string, got %T", name, value)
			}
			data, err := json.Marshal(m)
			if err != nil {
				return "", nil, fmt.Errorf("failed to marshal metadata: %w", err)
			}
			value = data
		}
		clauses = append(clauses, fmt.Sprintf("%s = $%d", column, i))
		args = append(args, value)
		i++
	}

	return strings.Join(clauses, ", "), args, nil
}

// UpdateFields applies a partial update to one record
func (s *PostgresStore) UpdateFields(ctx context.Context, id string, fields apikey.Fields) error {
	setClause, args, err := buildSetClause(fields, 2)
	if err != nil {
		return err
	}

	query := fmt.Sprintf("UPDATE api_keys SET %s WHERE id = $1", setClause)
	result, err := s.db.ExecContext(ctx, query, append([]interface{}{id}, args...)...)
	if err != nil {
		return fmt.Errorf("failed to update key %s: %w", id, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check update result: %w", err)
	}
	if affected == 0 {
		return apikey.ErrKeyNotFound
	}
	return nil
}

// BulkUpdate applies a partial update to every record matching the selector
func (s *PostgresStore) BulkUpdate(ctx context.Context, sel apikey.Selector, fields apikey.Fields) (int64, error) {
	setClause, args, err := buildSetClause(fields, 2)
	if err != nil {
		return 0, err
	}

	var (
		where string
		arg   interface{}
	)
	switch {
	case sel.Owner != nil && sel.Owner.Kind() == apikey.OwnerKindUser:
		where = "user_id = $1"
		arg = sel.Owner.UserID
	case sel.Owner != nil && sel.Owner.Kind() == apikey.OwnerKindApplication:
		where = "app_name = $1"
		arg = sel.Owner.AppName
	case sel.Expired:
		asOf := sel.ExpiredAsOf
		if asOf.IsZero() {
			asOf = time.Now().UTC()
		}
		where = "is_active AND expires_at <= $1"
		arg = asOf
	default:
		return 0, fmt.Errorf("selector must name an owner or select expired keys")
	}

	query := fmt.Sprintf("UPDATE api_keys SET %s WHERE %s", setClause, where)
	result, err := s.db.ExecContext(ctx, query, append([]interface{}{arg}, args...)...)
	if err != nil {
		return 0, fmt.Errorf("bulk update failed: %w", err)
	}
	return result.RowsAffected()
}

// InsertRotation atomically inserts the successor record and links the
// predecessor. Both writes share one transaction; a successor must never
// exist without its back link.
func (s *PostgresStore) InsertRotation(ctx context.Context, successor *apikey.KeyRecord, predecessorID string, predecessorExpiry *time.Time) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin rotation transaction: %w", err)
	}
	defer tx.Rollback()

	// Lock the predecessor row so concurrent rotations serialize
	var replacedBy sql.NullString
	err = tx.QueryRowContext(ctx,
		`SELECT replaced_by FROM api_keys WHERE id = $1 FOR UPDATE`, predecessorID,
	).Scan(&replacedBy)
	if err == sql.ErrNoRows {
		return apikey.ErrKeyNotFound
	} else if err != nil {
		return fmt.Errorf("failed to lock predecessor: %w", err)
	}
	if replacedBy.Valid && replacedBy.String != "" {
		return apikey.ErrAlreadyRotated
	}

	metadataJSON, err := marshalMetadata(successor.Metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal key metadata: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO api_keys (
			id, digest, prefix, user_id, app_name, scopes, allowed_ips,
			rate_limit_per_hour, environment, is_active, created_at, expires_at,
			usage_count, rotation_reminder_sent, group_id, metadata
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
	`,
		successor.ID,
		successor.Digest,
		successor.Prefix,
		nullString(successor.UserID),
		nullString(successor.AppName),
		pq.Array(successor.Scopes),
		pq.Array(successor.AllowedIPs),
		successor.RateLimitPerHour,
		string(successor.Environment),
		successor.IsActive,
		successor.CreatedAt,
		successor.ExpiresAt,
		successor.UsageCount,
		successor.RotationReminderSent,
		nullString(successor.GroupID),
		metadataJSON,
	)
	if err != nil {
		return fmt.Errorf("failed to insert successor: %w", err)
	}

	if predecessorExpiry != nil {
		_, err = tx.ExecContext(ctx,
			`UPDATE api_keys SET replaced_by = $2, expires_at = $3 WHERE id = $1`,
			predecessorID, successor.ID, *predecessorExpiry,
		)
	} else {
		_, err = tx.ExecContext(ctx,
			`UPDATE api_keys SET replaced_by = $2 WHERE id = $1`,
			predecessorID, successor.ID,
		)
	}
	if err != nil {
		return fmt.Errorf("failed to link predecessor: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit rotation: %w", err)
	}
	return nil
}

// InsertUsage appends one usage event
func (s *PostgresStore) InsertUsage(ctx context.Context, ev *apikey.UsageEvent) error {
	query := `
		INSERT INTO api_key_usage (
			key_id, timestamp, endpoint, method, status_code,
			source_ip, user_agent, response_time_ms, error_message
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING id
	`

	err := s.db.QueryRowContext(ctx, query,
		ev.KeyID,
		ev.Timestamp,
		ev.Endpoint,
		ev.Method,
		ev.StatusCode,
		nullString(ev.SourceIP),
		nullString(ev.UserAgent),
		ev.ResponseTimeMS,
		nullString(ev.ErrorMessage),
	).Scan(&ev.ID)
	if err != nil {
		return fmt.Errorf("failed to insert usage event: %w", err)
	}
	return nil
}

// CountUsageSince counts usage events at or after the given instant. Served
// by the (key_id, timestamp) index.
func (s *PostgresStore) CountUsageSince(ctx context.Context, keyID string, since time.Time) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM api_key_usage WHERE key_id = $1 AND timestamp >= $2`,
		keyID, since,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count usage: %w", err)
	}
	return count, nil
}

// ListUsage returns the most recent usage events for a key
func (s *PostgresStore) ListUsage(ctx context.Context, keyID string, limit int) ([]*apikey.UsageEvent, error) {
	query := `
		SELECT id, key_id, timestamp, endpoint, method, status_code,
		       source_ip, user_agent, response_time_ms, error_message
		FROM api_key_usage
		WHERE key_id = $1
		ORDER BY timestamp DESC
		LIMIT $2
	`

	rows, err := s.db.QueryContext(ctx, query, keyID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list usage: %w", err)
	}
	defer rows.Close()

	var events []*apikey.UsageEvent
	for rows.Next() {
		var (
			ev           apikey.UsageEvent
			sourceIP     sql.NullString
			userAgent    sql.NullString
			errorMessage sql.NullString
		)
		err := rows.Scan(
			&ev.ID,
			&ev.KeyID,
			&ev.Timestamp,
			&ev.Endpoint,
			&ev.Method,
			&ev.StatusCode,
			&sourceIP,
			&userAgent,
			&ev.ResponseTimeMS,
			&errorMessage,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan usage event: %w", err)
		}
		ev.SourceIP = sourceIP.String
		ev.UserAgent = userAgent.String
		ev.ErrorMessage = errorMessage.String
		events = append(events, &ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration failed: %w", err)
	}
	return events, nil
}

// CountActive returns the number of currently active, unexpired keys
func (s *PostgresStore) CountActive(ctx context.Context) (int64, error) {
	var count int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM api_keys WHERE is_active AND expires_at > $1`,
		time.Now().UTC(),
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count active keys: %w", err)
	}
	return count, nil
}
