// Package config loads application configuration from environment variables.
// All variables use the PATHWAY_ prefix.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// Config holds all application configuration.
type Config struct {
	Server      ServerConfig
	Database    DatabaseConfig
	Cache       CacheConfig
	Audit       AuditConfig
	Log         LogConfig
	CatalogPath string
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port int
	Host string
}

// DatabaseConfig holds PostgreSQL connection settings. An empty URL selects
// the in-memory stores (dev mode).
type DatabaseConfig struct {
	URL      string
	MaxConns int
	MinConns int
	// EnsureSchema creates missing tables on boot. Dev convenience only.
	EnsureSchema bool
}

// CacheConfig holds Dragonfly/Redis connection settings. An empty URL
// disables the cache and the Redis audit sink.
type CacheConfig struct {
	URL string
}

// AuditConfig holds audit sink settings.
type AuditConfig struct {
	Stream    string // Redis stream key for audit events
	MaxStream int64  // approximate stream length cap
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string
	Format string
}

// Load reads configuration from environment variables with PATHWAY_ prefix.
func Load() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Port: envInt("PATHWAY_SERVER_PORT", 8080),
			Host: envStr("PATHWAY_SERVER_HOST", "0.0.0.0"),
		},
		Database: DatabaseConfig{
			URL:          envStr("PATHWAY_DATABASE_URL", ""),
			MaxConns:     envInt("PATHWAY_DATABASE_MAX_CONNS", 25),
			MinConns:     envInt("PATHWAY_DATABASE_MIN_CONNS", 5),
			EnsureSchema: envBool("PATHWAY_DATABASE_ENSURE_SCHEMA", false),
		},
		Cache: CacheConfig{
			URL: envStr("PATHWAY_CACHE_URL", ""),
		},
		Audit: AuditConfig{
			Stream:    envStr("PATHWAY_AUDIT_STREAM", "pathway:audit"),
			MaxStream: int64(envInt("PATHWAY_AUDIT_STREAM_MAXLEN", 100000)),
		},
		Log: LogConfig{
			Level:  envStr("PATHWAY_LOG_LEVEL", "info"),
			Format: envStr("PATHWAY_LOG_FORMAT", "json"),
		},
		CatalogPath: envStr("PATHWAY_CATALOG_PATH", "./catalog"),
	}

	return cfg, nil
}

// Validate checks that required configuration is present.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("PATHWAY_SERVER_PORT must be in 1..65535, got %d", c.Server.Port)
	}

	if c.Database.URL == "" && c.CatalogPath == "" {
		return fmt.Errorf("either PATHWAY_DATABASE_URL or PATHWAY_CATALOG_PATH is required")
	}

	if c.Database.MinConns > c.Database.MaxConns {
		return fmt.Errorf("PATHWAY_DATABASE_MIN_CONNS (%d) exceeds PATHWAY_DATABASE_MAX_CONNS (%d)",
			c.Database.MinConns, c.Database.MaxConns)
	}

	if c.Audit.Stream == "" {
		return fmt.Errorf("PATHWAY_AUDIT_STREAM cannot be empty")
	}

	return nil
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		return strings.EqualFold(v, "true") || v == "1"
	}
	return fallback
}
