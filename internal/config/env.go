package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/goombaio/namegenerator"
	"github.com/joho/godotenv"
)

// LoadFromEnv loads configuration from environment variables.
// Parameters:
// - configDir: Directory containing config files (or empty for default ~/.opsync)
// - configFilePath: Path to .env file (or empty for default)
func LoadFromEnv(configDir string, configFilePath string) (*Config, error) {
	cfg := New()

	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get user home directory: %w", err)
		}
		configDir = filepath.Join(homeDir, ".opsync")

		if err := os.MkdirAll(configDir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create config directory: %w", err)
		}
	}
	cfg.configDir = configDir

	// Default database and log paths live in the config directory
	defaultDBPath := filepath.Join(configDir, "opsync.db")
	defaultLogPath := filepath.Join(configDir, "opsync.log")

	if configFilePath == "" {
		configFilePath = filepath.Join(configDir, ".env")
	}

	// ENV_FILE_PATH overrides the default .env location
	envFilePath := getEnvString("ENV_FILE_PATH", "")
	if envFilePath != "" {
		if err := godotenv.Load(envFilePath); err != nil {
			return nil, fmt.Errorf("failed to load env file from %s: %w", envFilePath, err)
		}
	} else {
		if err := godotenv.Load(configFilePath); err != nil {
			// Then try current directory as fallback
			_ = godotenv.Load()
		}
	}

	cfg.ClientName = getEnvString("OPSYNC_CLIENT_NAME", defaultClientName())

	cfg.Database = DatabaseConfig{
		Path:            getEnvString("OPSYNC_DB_PATH", defaultDBPath),
		JournalMode:     getEnvString("OPSYNC_DB_JOURNAL_MODE", "WAL"),
		SynchronousMode: getEnvString("OPSYNC_DB_SYNCHRONOUS", "NORMAL"),
		BusyTimeout:     getEnvInt("OPSYNC_DB_BUSY_TIMEOUT", 5000),
		CacheSize:       getEnvInt("OPSYNC_DB_CACHE_SIZE", -64000),
		ForeignKeys:     getEnvBool("OPSYNC_DB_FOREIGN_KEYS", true),
		ConnMaxLife:     getEnvDuration("OPSYNC_DB_CONN_MAX_LIFE", time.Hour),
		QueryTimeout:    getEnvDuration("OPSYNC_DB_QUERY_TIMEOUT", 30*time.Second),
	}

	cfg.Logging = LoggingConfig{
		Level:      getEnvString("OPSYNC_LOG_LEVEL", "info"),
		Format:     getEnvString("OPSYNC_LOG_FORMAT", "text"),
		Output:     getEnvString("OPSYNC_LOG_OUTPUT", defaultLogPath),
		AddSource:  getEnvBool("OPSYNC_LOG_ADD_SOURCE", false),
		TimeFormat: getEnvString("OPSYNC_LOG_TIME_FORMAT", time.RFC3339),
	}

	cfg.Sync = SyncConfig{
		BatchSize:        getEnvInt("OPSYNC_SYNC_BATCH_SIZE", 10),
		ForceBatchSize:   getEnvInt("OPSYNC_SYNC_FORCE_BATCH_SIZE", 50),
		Interval:         getEnvDuration("OPSYNC_SYNC_INTERVAL", 30*time.Second),
		MaxAttempts:      getEnvInt("OPSYNC_SYNC_MAX_ATTEMPTS", 3),
		RetryBackoffBase: getEnvDuration("OPSYNC_SYNC_RETRY_BACKOFF_BASE", 30*time.Second),
		RetryBackoffMax:  getEnvDuration("OPSYNC_SYNC_RETRY_BACKOFF_MAX", 30*time.Minute),
	}

	cfg.Server = ServerConfig{
		URL:               getEnvString("OPSYNC_SERVER_URL", ""),
		Token:             getEnvString("OPSYNC_SERVER_TOKEN", ""),
		Timeout:           getEnvDuration("OPSYNC_SERVER_TIMEOUT", 30*time.Second),
		MaxRetries:        getEnvInt("OPSYNC_SERVER_MAX_RETRIES", 3),
		RequestsPerMinute: getEnvInt("OPSYNC_SERVER_REQUESTS_PER_MINUTE", 120),
		BurstLimit:        getEnvInt("OPSYNC_SERVER_BURST_LIMIT", 10),
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// validate checks configuration values that would otherwise fail at runtime
func (c *Config) validate() error {
	if c.Sync.BatchSize <= 0 {
		return fmt.Errorf("sync batch size must be positive, got %d", c.Sync.BatchSize)
	}
	if c.Sync.ForceBatchSize <= 0 {
		return fmt.Errorf("sync force batch size must be positive, got %d", c.Sync.ForceBatchSize)
	}
	if c.Sync.MaxAttempts <= 0 {
		return fmt.Errorf("sync max attempts must be positive, got %d", c.Sync.MaxAttempts)
	}
	if c.Sync.Interval <= 0 {
		return fmt.Errorf("sync interval must be positive, got %s", c.Sync.Interval)
	}
	return nil
}

// defaultClientName generates a human-friendly name for this client instance,
// reported to the sync server alongside each push
func defaultClientName() string {
	seed := time.Now().UTC().UnixNano()
	return namegenerator.NewNameGenerator(seed).Generate()
}

// getEnvString gets a string from environment with a default value
func getEnvString(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists && value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt gets an int from environment with a default value
func getEnvInt(key string, defaultValue int) int {
	if value, exists := os.LookupEnv(key); exists && value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

// getEnvBool gets a bool from environment with a default value
func getEnvBool(key string, defaultValue bool) bool {
	if value, exists := os.LookupEnv(key); exists && value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

// getEnvDuration gets a duration from environment with a default value
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value, exists := os.LookupEnv(key); exists && value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}
