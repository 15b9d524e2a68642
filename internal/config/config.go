// Package config provides environment-driven configuration for opsync
package config

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
)

var (
	// Global configuration instance
	globalConfig *Config
	configMutex  sync.RWMutex
)

// Get returns the global configuration instance.
// If the configuration has not been initialized, it will return an error.
func Get() (*Config, error) {
	configMutex.RLock()
	defer configMutex.RUnlock()

	if globalConfig == nil {
		return nil, fmt.Errorf("configuration not initialized")
	}

	return globalConfig, nil
}

// Set sets the global configuration instance
func Set(cfg *Config) {
	configMutex.Lock()
	defer configMutex.Unlock()

	globalConfig = cfg
}

// Config represents the complete application configuration
type Config struct {
	ClientName string // Name reported to the server for this client instance
	Database   DatabaseConfig
	Logging    LoggingConfig
	Sync       SyncConfig
	Server     ServerConfig

	configDir string // Internal: directory where config was loaded from
}

// DatabaseConfig represents database configuration
type DatabaseConfig struct {
	Path            string        // Path to the SQLite database file
	JournalMode     string        // Journal mode (WAL recommended)
	SynchronousMode string        // Synchronous mode
	BusyTimeout     int           // Busy timeout in milliseconds
	CacheSize       int           // Cache size in KiB
	ForeignKeys     bool          // Whether to enforce foreign key constraints
	ConnMaxLife     time.Duration // Maximum connection lifetime
	QueryTimeout    time.Duration // Query timeout
}

// LoggingConfig represents logging configuration
type LoggingConfig struct {
	Level      string // debug, info, warn, error
	Format     string // text or json
	Output     string // stdout, stderr, or file path
	AddSource  bool   // Include source code position in logs
	TimeFormat string // Time format for logs (empty uses RFC3339)
}

// SyncConfig represents queue processing configuration
type SyncConfig struct {
	BatchSize        int           // Items pulled per scheduled processing pass
	ForceBatchSize   int           // Items pulled per forced (manual) pass
	Interval         time.Duration // Auto-sync tick interval
	MaxAttempts      int           // Default attempt budget per item
	RetryBackoffBase time.Duration // Backoff after the first failed attempt
	RetryBackoffMax  time.Duration // Cap on the per-item retry delay
}

// ServerConfig represents remote sync server configuration
type ServerConfig struct {
	URL               string        // Sync server base URL
	Token             string        // Bearer token for the sync server
	Timeout           time.Duration // Request timeout
	MaxRetries        int           // Transport-level retries per request
	RequestsPerMinute int           // Rate limit for outbound requests
	BurstLimit        int           // Rate limiter burst size
}

// New creates an empty configuration with zero values
func New() *Config {
	return &Config{}
}

// ConfigDir returns the directory the configuration was loaded from
func (c *Config) ConfigDir() string {
	return c.configDir
}

// ParseLogLevel converts a string log level to slog.Level
func ParseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
