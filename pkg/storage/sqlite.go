package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3" // SQLite driver

	"github.com/keywarden/keywarden/pkg/apikey"
)

// SQLiteStore implements apikey.Repository on SQLite. Intended for
// single-node and embedded deployments; slices and metadata are stored as
// JSON text since SQLite has no array type.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) a SQLite database and ensures the schema
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}

	// SQLite serializes writes; a single connection avoids SQLITE_BUSY
	db.SetMaxOpenConns(1)

	store := &SQLiteStore{db: db}
	if err := store.ensureSchema(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ensure schema: %w", err)
	}

	return store, nil
}

// DB exposes the underlying connection for health checks
func (s *SQLiteStore) DB() *sql.DB {
	return s.db
}

// Close closes the database
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) ensureSchema(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS api_keys (
			id TEXT PRIMARY KEY,
			digest TEXT NOT NULL UNIQUE,
			prefix TEXT NOT NULL,
			user_id TEXT,
			app_name TEXT,
			scopes TEXT NOT NULL,
			allowed_ips TEXT,
			rate_limit_per_hour INTEGER NOT NULL DEFAULT 0,
			environment TEXT NOT NULL,
			is_active BOOLEAN NOT NULL DEFAULT 1,
			created_at DATETIME NOT NULL,
			expires_at DATETIME NOT NULL,
			last_used_at DATETIME,
			usage_count INTEGER NOT NULL DEFAULT 0,
			replaced_by TEXT,
			rotation_reminder_sent BOOLEAN NOT NULL DEFAULT 0,
			group_id TEXT,
			metadata TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_api_keys_user_id ON api_keys(user_id)`,
		`CREATE INDEX IF NOT EXISTS idx_api_keys_app_name ON api_keys(app_name)`,
		`CREATE INDEX IF NOT EXISTS idx_api_keys_expires_at ON api_keys(expires_at)`,
		`CREATE TABLE IF NOT EXISTS api_key_usage (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			key_id TEXT NOT NULL,
			timestamp DATETIME NOT NULL,
			endpoint TEXT,
			method TEXT,
			status_code INTEGER,
			source_ip TEXT,
			user_agent TEXT,
			response_time_ms INTEGER,
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

func encodeStrings(values []string) (string, error) {
	if values == nil {
		values = []string{}
	}
	data, err := json.Marshal(values)
	if err != nil {
		return "", fmt.Errorf("failed to encode string list: %w", err)
	}
	return string(data), nil
}

func decodeStrings(data string) ([]string, error) {
	if data == "" {
		return nil, nil
	}
	var values []string
	if err := json.Unmarshal([]byte(data), &values); err != nil {
		return nil, fmt.Errorf("failed to decode string list: %w", err)
	}
	if len(values) == 0 {
		return nil, nil
	}
	return values, nil
}

func (s *SQLiteStore) scanRecord(row rowScanner) (*apikey.KeyRecord, error) {
	var (
		rec          apikey.KeyRecord
		userID       sql.NullString
		appName      sql.NullString
		scopesJSON   string
		ipsJSON      sql.NullString
		lastUsedAt   sql.NullTime
		replacedBy   sql.NullString
		groupID      sql.NullString
		metadataJSON sql.NullString
		env          string
	)

	err := row.Scan(
		&rec.ID,
		&rec.Digest,
		&rec.Prefix,
		&userID,
		&appName,
		&scopesJSON,
		&ipsJSON,
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
	rec.UserID = userID.String
	rec.AppName = appName.String
	rec.ReplacedBy = replacedBy.String
	rec.GroupID = groupID.String
	if lastUsedAt.Valid {
		t := lastUsedAt.Time
		rec.LastUsedAt = &t
	}

	if rec.Scopes, err = decodeStrings(scopesJSON); err != nil {
		return nil, err
	}
	if rec.AllowedIPs, err = decodeStrings(ipsJSON.String); err != nil {
		return nil, err
	}
	if metadataJSON.Valid && metadataJSON.String != "" {
		if err := json.Unmarshal([]byte(metadataJSON.String), &rec.Metadata); err != nil {
			return nil, fmt.Errorf("failed to decode key metadata: %w", err)
		}
	}

	return &rec, nil
}

func (s *SQLiteStore) insertTx(ctx context.Context, exec interface {
	ExecContext(context.Context, string, ...interface{}) (sql.Result, error)
}, rec *apikey.KeyRecord) error {
	scopesJSON, err := encodeStrings(rec.Scopes)
	if err != nil {
		return err
	}
	ipsJSON, err := encodeStrings(rec.AllowedIPs)
	if err != nil {
		return err
	}
	var metadataJSON sql.NullString
	if len(rec.Metadata) > 0 {
		data, err := json.Marshal(rec.Metadata)
		if err != nil {
			return fmt.Errorf("failed to encode key metadata: %w", err)
		}
		metadataJSON = sql.NullString{String: string(data), Valid: true}
	}

	_, err = exec.ExecContext(ctx, `
		INSERT INTO api_keys (
			id, digest, prefix, user_id, app_name, scopes, allowed_ips,
			rate_limit_per_hour, environment, is_active, created_at, expires_at,
			usage_count, rotation_reminder_sent, group_id, metadata
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		rec.ID,
		rec.Digest,
		rec.Prefix,
		nullString(rec.UserID),
		nullString(rec.AppName),
		scopesJSON,
		ipsJSON,
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

// Insert persists a new key record
func (s *SQLiteStore) Insert(ctx context.Context, rec *apikey.KeyRecord) error {
	return s.insertTx(ctx, s.db, rec)
}

// FindByDigest looks up a record by secret digest
func (s *SQLiteStore) FindByDigest(ctx context.Context, digest string) (*apikey.KeyRecord, error) {
	rec, err := s.scanRecord(s.db.QueryRowContext(ctx,
		`SELECT `+keyColumns+` FROM api_keys WHERE digest = ?`, digest))
	if err == sql.ErrNoRows {
		return nil, apikey.ErrKeyNotFound
	} else if err != nil {
		return nil, fmt.Errorf("failed to find key by digest: %w", err)
	}
	return rec, nil
}

// FindByID looks up a record by ID
func (s *SQLiteStore) FindByID(ctx context.Context, id string) (*apikey.KeyRecord, error) {
	rec, err := s.scanRecord(s.db.QueryRowContext(ctx,
		`SELECT `+keyColumns+` FROM api_keys WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, apikey.ErrKeyNotFound
	} else if err != nil {
		return nil, fmt.Errorf("failed to find key by id: %w", err)
	}
	return rec, nil
}

// FindByOwner returns all records issued to the owner, newest first
func (s *SQLiteStore) FindByOwner(ctx context.Context, owner apikey.Owner) ([]*apikey.KeyRecord, error) {
	var (
		query string
		arg   string
	)
	switch owner.Kind() {
	case apikey.OwnerKindUser:
		query = `SELECT ` + keyColumns + ` FROM api_keys WHERE user_id = ? ORDER BY created_at DESC`
		arg = owner.UserID
	case apikey.OwnerKindApplication:
		query = `SELECT ` + keyColumns + ` FROM api_keys WHERE app_name = ? ORDER BY created_at DESC`
		arg = owner.AppName
	default:
		return nil, apikey.ErrOwnerConflict
	}
	return s.queryRecords(ctx, query, arg)
}

// FindExpiringWithin returns active, unreplaced records expiring within the
// given number of days from now
func (s *SQLiteStore) FindExpiringWithin(ctx context.Context, days int) ([]*apikey.KeyRecord, error) {
	now := time.Now().UTC()
	query := `
		SELECT ` + keyColumns + ` FROM api_keys
		WHERE is_active AND (replaced_by IS NULL OR replaced_by = '')
		  AND expires_at > ? AND expires_at <= ?
		ORDER BY expires_at
	`
	return s.queryRecords(ctx, query, now, now.AddDate(0, 0, days))
}

// FindExpired returns active records whose expiry has passed
func (s *SQLiteStore) FindExpired(ctx context.Context, asOf time.Time) ([]*apikey.KeyRecord, error) {
	query := `SELECT ` + keyColumns + ` FROM api_keys WHERE is_active AND expires_at <= ?`
	return s.queryRecords(ctx, query, asOf)
}

func (s *SQLiteStore) queryRecords(ctx context.Context, query string, args ...interface{}) ([]*apikey.KeyRecord, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query key records: %w", err)
	}
	defer rows.Close()

	var records []*apikey.KeyRecord
	for rows.Next() {
		rec, err := s.scanRecord(rows)
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

// AtomicIncrementUsage bumps usage_count and sets last_used_at in one UPDATE
func (s *SQLiteStore) AtomicIncrementUsage(ctx context.Context, id string, usedAt time.Time) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE api_keys SET usage_count = usage_count + 1, last_used_at = ? WHERE id = ?`,
		usedAt, id,
	)
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

func buildSQLiteSetClause(fields apikey.Fields) (string, []interface{}, error) {
	clauses := make([]string, 0, len(fields))
	args := make([]interface{}, 0, len(fields))

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
			value = string(data)
		}
		clauses = append(clauses, column+" = ?")
		args = append(args, value)
	}

	return strings.Join(clauses, ", "), args, nil
}

// UpdateFields applies a partial update to one record
func (s *SQLiteStore) UpdateFields(ctx context.Context, id string, fields apikey.Fields) error {
	setClause, args, err := buildSQLiteSetClause(fields)
	if err != nil {
		return err
	}

	query := fmt.Sprintf("UPDATE api_keys SET %s WHERE id = ?", setClause)
	result, err := s.db.ExecContext(ctx, query, append(args, id)...)
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
func (s *SQLiteStore) BulkUpdate(ctx context.Context, sel apikey.Selector, fields apikey.Fields) (int64, error) {
	setClause, args, err := buildSQLiteSetClause(fields)
	if err != nil {
		return 0, err
	}

	var (
		where string
		arg   interface{}
	)
	switch {
	case sel.Owner != nil && sel.Owner.Kind() == apikey.OwnerKindUser:
		where = "user_id = ?"
		arg = sel.Owner.UserID
	case sel.Owner != nil && sel.Owner.Kind() == apikey.OwnerKindApplication:
		where = "app_name = ?"
		arg = sel.Owner.AppName
	case sel.Expired:
		asOf := sel.ExpiredAsOf
		if asOf.IsZero() {
			asOf = time.Now().UTC()
		}
		where = "is_active AND expires_at <= ?"
		arg = asOf
	default:
		return 0, fmt.Errorf("selector must name an owner or select expired keys")
	}

	query := fmt.Sprintf("UPDATE api_keys SET %s WHERE %s", setClause, where)
	result, err := s.db.ExecContext(ctx, query, append(args, arg)...)
	if err != nil {
		return 0, fmt.Errorf("bulk update failed: %w", err)
	}
	return result.RowsAffected()
}

// InsertRotation atomically inserts the successor and links the predecessor
func (s *SQLiteStore) InsertRotation(ctx context.Context, successor *apikey.KeyRecord, predecessorID string, predecessorExpiry *time.Time) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin rotation transaction: %w", err)
	}
	defer tx.Rollback()

	var replacedBy sql.NullString
	err = tx.QueryRowContext(ctx,
		`SELECT replaced_by FROM api_keys WHERE id = ?`, predecessorID,
	).Scan(&replacedBy)
	if err == sql.ErrNoRows {
		return apikey.ErrKeyNotFound
	} else if err != nil {
		return fmt.Errorf("failed to read predecessor: %w", err)
	}
	if replacedBy.String != "" {
		return apikey.ErrAlreadyRotated
	}

	if err := s.insertTx(ctx, tx, successor); err != nil {
		return err
	}

	if predecessorExpiry != nil {
		_, err = tx.ExecContext(ctx,
			`UPDATE api_keys SET replaced_by = ?, expires_at = ? WHERE id = ?`,
			successor.ID, *predecessorExpiry, predecessorID,
		)
	} else {
		_, err = tx.ExecContext(ctx,
			`UPDATE api_keys SET replaced_by = ? WHERE id = ?`,
			successor.ID, predecessorID,
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
func (s *SQLiteStore) InsertUsage(ctx context.Context, ev *apikey.UsageEvent) error {
	result, err := s.db.ExecContext(ctx, `
		INSERT INTO api_key_usage (
			key_id, timestamp, endpoint, method, status_code,
			source_ip, user_agent, response_time_ms, error_message
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		ev.KeyID,
		ev.Timestamp,
		ev.Endpoint,
		ev.Method,
		ev.StatusCode,
		nullString(ev.SourceIP),
		nullString(ev.UserAgent),
		ev.ResponseTimeMS,
		nullString(ev.ErrorMessage),
	)
	if err != nil {
		return fmt.Errorf("failed to insert usage event: %w", err)
	}
	ev.ID, _ = result.LastInsertId()
	return nil
}

// CountUsageSince counts usage events at or after the given instant
func (s *SQLiteStore) CountUsageSince(ctx context.Context, keyID string, since time.Time) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM api_key_usage WHERE key_id = ? AND timestamp >= ?`,
		keyID, since,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count usage: %w", err)
	}
	return count, nil
}

// ListUsage returns the most recent usage events for a key
func (s *SQLiteStore) ListUsage(ctx context.Context, keyID string, limit int) ([]*apikey.UsageEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, key_id, timestamp, endpoint, method, status_code,
		       source_ip, user_agent, response_time_ms, error_message
		FROM api_key_usage
		WHERE key_id = ?
		ORDER BY timestamp DESC
		LIMIT ?
	`, keyID, limit)
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
func (s *SQLiteStore) CountActive(ctx context.Context) (int64, error) {
	var count int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM api_keys WHERE is_active AND expires_at > ?`,
		time.Now().UTC(),
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count active keys: %w", err)
	}
	return count, nil
}
