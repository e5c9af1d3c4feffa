// Package config loads application configuration from KEYWARDEN_-prefixed
// environment variables and validates it before startup.
package config
