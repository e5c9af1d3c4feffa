package storage

import "time"

// Storage backend types
const (
	TypePostgres = "postgres"
	TypeSQLite   = "sqlite"
	TypeMemory   = "memory"
)

// Config holds storage backend configuration
type Config struct {
	// Type selects the backend: postgres, sqlite, or memory
	Type string

	// PostgreSQL configuration
	PostgresURL      string
	PostgresMaxConns int
	PostgresMinConns int
	PostgresTimeout  time.Duration

	// SQLite configuration
	SQLitePath string

	// Redis configuration (unauthenticated-endpoint rate limiting)
	RedisURL      string
	RedisPassword string
	RedisDB       int
	RedisPoolSize int
}

// DefaultConfig returns sensible defaults for local development
func DefaultConfig() Config {
	return Config{
		Type:             TypeMemory,
		PostgresMaxConns: 25,
		PostgresMinConns: 5,
		PostgresTimeout:  10 * time.Second,
		SQLitePath:       "keywarden.db",
		RedisDB:          -1,
	}
}
