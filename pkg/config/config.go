package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/keywarden/keywarden/pkg/observability"
	"github.com/keywarden/keywarden/pkg/storage"
)

// Config holds all application configuration
type Config struct {
	// Server configuration
	Server ServerConfig

	// Storage configuration
	Storage storage.Config

	// Key issuance defaults and registry
	Keys KeysConfig

	// Janitor schedules
	Janitor JanitorConfig

	// Observability configuration
	Observability ObservabilityConfig
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host            string
	Port            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
}

// KeysConfig holds key issuance defaults and scope registry settings
type KeysConfig struct {
	// DefaultExpiryDays applies when an issue request omits expiry
	DefaultExpiryDays int

	// DefaultRateLimitPerHour applies when an issue request omits a limit.
	// Zero means unlimited.
	DefaultRateLimitPerHour int

	// DefaultRotationOverlapHours is the grace window granted to a
	// predecessor key when a rotation request omits one
	DefaultRotationOverlapHours int

	// ScopeRegistryPath points at an optional YAML file of module scopes.
	// Empty disables file loading; the built-in vocabulary still applies.
	ScopeRegistryPath string

	// ScopeRegistryWatch reloads the registry file on change
	ScopeRegistryWatch bool

	// IP rate limit for unauthenticated endpoints (requests per minute,
	// zero disables)
	UnauthenticatedIPLimit int
}

// JanitorConfig holds the scheduled maintenance settings
type JanitorConfig struct {
	// ReminderSchedule is a cron expression for expiry reminder sweeps
	ReminderSchedule string

	// ReminderWindowDays flags keys expiring within this many days
	ReminderWindowDays int

	// SweepSchedule is a cron expression for expired key revocation sweeps
	SweepSchedule string
}

// ObservabilityConfig holds observability settings
type ObservabilityConfig struct {
	// Logging
	LogLevel observability.LogLevel

	// Metrics
	MetricsEnabled bool

	// OpenTelemetry
	OTelEnabled        bool
	OTelEndpoint       string
	OTelServiceName    string
	OTelServiceVersion string
	OTelInsecure       bool // Use insecure gRPC connection
}

// LoadConfig loads configuration from environment variables
func LoadConfig() (*Config, error) {
	cfg := &Config{
		Server:        loadServerConfig(),
		Storage:       loadStorageConfig(),
		Keys:          loadKeysConfig(),
		Janitor:       loadJanitorConfig(),
		Observability: loadObservabilityConfig(),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// loadServerConfig loads server configuration from environment
func loadServerConfig() ServerConfig {
	return ServerConfig{
		Host:            getEnv("KEYWARDEN_HOST", "0.0.0.0"),
		Port:            getEnv("KEYWARDEN_PORT", "8080"),
		ReadTimeout:     getEnvDuration("KEYWARDEN_READ_TIMEOUT", 15*time.Second),
		WriteTimeout:    getEnvDuration("KEYWARDEN_WRITE_TIMEOUT", 15*time.Second),
		IdleTimeout:     getEnvDuration("KEYWARDEN_IDLE_TIMEOUT", 60*time.Second),
		ShutdownTimeout: getEnvDuration("KEYWARDEN_SHUTDOWN_TIMEOUT", 30*time.Second),
	}
}

// loadStorageConfig loads storage configuration from environment
func loadStorageConfig() storage.Config {
	cfg := storage.DefaultConfig()

	if storageType := getEnv("KEYWARDEN_STORAGE_TYPE", ""); storageType != "" {
		cfg.Type = storageType
	}

	if pgURL := getEnv("KEYWARDEN_POSTGRES_URL", ""); pgURL != "" {
		cfg.PostgresURL = pgURL
	}
	if maxConns := getEnvInt("KEYWARDEN_POSTGRES_MAX_CONNS", 0); maxConns > 0 {
		cfg.PostgresMaxConns = maxConns
	}
	if minConns := getEnvInt("KEYWARDEN_POSTGRES_MIN_CONNS", 0); minConns > 0 {
		cfg.PostgresMinConns = minConns
	}
	if timeout := getEnvDuration("KEYWARDEN_POSTGRES_TIMEOUT", 0); timeout > 0 {
		cfg.PostgresTimeout = timeout
	}

	if sqlitePath := getEnv("KEYWARDEN_SQLITE_PATH", ""); sqlitePath != "" {
		cfg.SQLitePath = sqlitePath
	}

	if redisURL := getEnv("KEYWARDEN_REDIS_URL", ""); redisURL != "" {
		cfg.RedisURL = redisURL
	}
	if redisPassword := getEnv("KEYWARDEN_REDIS_PASSWORD", ""); redisPassword != "" {
		cfg.RedisPassword = redisPassword
	}
	if redisDB := getEnvInt("KEYWARDEN_REDIS_DB", -1); redisDB >= 0 {
		cfg.RedisDB = redisDB
	}
	if redisPoolSize := getEnvInt("KEYWARDEN_REDIS_POOL_SIZE", 0); redisPoolSize > 0 {
		cfg.RedisPoolSize = redisPoolSize
	}

	return cfg
}

// loadKeysConfig loads key issuance defaults from environment
func loadKeysConfig() KeysConfig {
	return KeysConfig{
		DefaultExpiryDays:           getEnvInt("KEYWARDEN_DEFAULT_EXPIRY_DAYS", 365),
		DefaultRateLimitPerHour:     getEnvInt("KEYWARDEN_DEFAULT_RATE_LIMIT_PER_HOUR", 0),
		DefaultRotationOverlapHours: getEnvInt("KEYWARDEN_DEFAULT_ROTATION_OVERLAP_HOURS", 24),
		ScopeRegistryPath:           getEnv("KEYWARDEN_SCOPE_REGISTRY_PATH", ""),
		ScopeRegistryWatch:          getEnvBool("KEYWARDEN_SCOPE_REGISTRY_WATCH", false),
		UnauthenticatedIPLimit:      getEnvInt("KEYWARDEN_UNAUTH_IP_LIMIT", 60),
	}
}

// loadJanitorConfig loads janitor schedules from environment
func loadJanitorConfig() JanitorConfig {
	return JanitorConfig{
		ReminderSchedule:   getEnv("KEYWARDEN_REMINDER_SCHEDULE", "0 8 * * *"),
		ReminderWindowDays: getEnvInt("KEYWARDEN_REMINDER_WINDOW_DAYS", 14),
		SweepSchedule:      getEnv("KEYWARDEN_SWEEP_SCHEDULE", "15 * * * *"),
	}
}

// loadObservabilityConfig loads observability configuration from environment
func loadObservabilityConfig() ObservabilityConfig {
	return ObservabilityConfig{
		LogLevel:           observability.ParseLogLevel(getEnv("KEYWARDEN_LOG_LEVEL", "info")),
		MetricsEnabled:     getEnvBool("KEYWARDEN_METRICS_ENABLED", true),
		OTelEnabled:        getEnvBool("KEYWARDEN_OTEL_ENABLED", false),
		OTelEndpoint:       getEnv("KEYWARDEN_OTEL_ENDPOINT", "localhost:4317"),
		OTelServiceName:    getEnv("KEYWARDEN_OTEL_SERVICE_NAME", "keywarden"),
		OTelServiceVersion: getEnv("KEYWARDEN_OTEL_SERVICE_VERSION", "1.0.0"),
		OTelInsecure:       getEnvBool("KEYWARDEN_OTEL_INSECURE", true),
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Server.Port == "" {
		return fmt.Errorf("server port is required")
	}

	switch c.Storage.Type {
	case storage.TypePostgres:
		if c.Storage.PostgresURL == "" {
			return fmt.Errorf("postgres URL is required for postgres storage")
		}
	case storage.TypeSQLite:
		if c.Storage.SQLitePath == "" {
			return fmt.Errorf("sqlite path is required for sqlite storage")
		}
	case storage.TypeMemory:
	default:
		return fmt.Errorf("invalid storage type: %s (must be postgres, sqlite, or memory)", c.Storage.Type)
	}

	if c.Keys.DefaultExpiryDays <= 0 {
		return fmt.Errorf("default expiry days must be positive")
	}
	if c.Keys.DefaultRateLimitPerHour < 0 {
		return fmt.Errorf("default rate limit must not be negative")
	}

	if c.Observability.OTelEnabled {
		if c.Observability.OTelEndpoint == "" {
			return fmt.Errorf("OpenTelemetry endpoint is required when OTel is enabled")
		}
		if c.Observability.OTelServiceName == "" {
			return fmt.Errorf("OpenTelemetry service name is required when OTel is enabled")
		}
	}

	return nil
}

// getEnv returns an environment variable value or a default
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvBool returns a boolean environment variable or a default
func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return strings.ToLower(value) == "true" || value == "1"
	}
	return defaultValue
}

// getEnvInt returns an integer environment variable or a default
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// getEnvDuration returns a duration environment variable or a default
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
