// Package config holds the process configuration: defaults overridden by
// CELLBOOK_* environment variables.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// Store names for the notebook repository backend.
const (
	StoreMemory = "memory"
	StoreSQLite = "sqlite"
)

type Config struct {
	// Addr is the HTTP listen address.
	Addr string
	// LogLevel is one of debug, info, warn, error.
	LogLevel string
	// LogFormat is json or console.
	LogFormat string
	// Store selects the notebook backend: memory or sqlite.
	Store string
	// DataDir is where the sqlite store keeps its database file.
	DataDir string
	// PostgresDSN seeds the notebook's query-backend setting on first start.
	// The setting remains editable at runtime through the API.
	PostgresDSN string
	// ScriptTimeout bounds a single script cell execution.
	ScriptTimeout time.Duration
	// QueryTimeout bounds a single query cell execution.
	QueryTimeout time.Duration
	// RowLimit caps the number of rows a query cell returns.
	RowLimit int
}

func defaults() Config {
	return Config{
		Addr:          "127.0.0.1:8080",
		LogLevel:      "info",
		LogFormat:     "json",
		Store:         StoreMemory,
		DataDir:       defaultDataDir(),
		ScriptTimeout: 30 * time.Second,
		QueryTimeout:  30 * time.Second,
		RowLimit:      1000,
	}
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".cellbook"
	}
	return filepath.Join(home, ".cellbook")
}

// Load builds the configuration from defaults and CELLBOOK_* environment
// overrides. Invalid values fail loading rather than being silently replaced.
func Load() (Config, error) {
	cfg := defaults()

	setString(&cfg.Addr, "CELLBOOK_ADDR")
	setString(&cfg.LogLevel, "CELLBOOK_LOG_LEVEL")
	setString(&cfg.LogFormat, "CELLBOOK_LOG_FORMAT")
	setString(&cfg.Store, "CELLBOOK_STORE")
	setString(&cfg.DataDir, "CELLBOOK_DATA_DIR")
	setString(&cfg.PostgresDSN, "CELLBOOK_POSTGRES_DSN")

	if err := setDuration(&cfg.ScriptTimeout, "CELLBOOK_SCRIPT_TIMEOUT"); err != nil {
		return Config{}, err
	}
	if err := setDuration(&cfg.QueryTimeout, "CELLBOOK_QUERY_TIMEOUT"); err != nil {
		return Config{}, err
	}
	if err := setInt(&cfg.RowLimit, "CELLBOOK_ROW_LIMIT"); err != nil {
		return Config{}, err
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid CELLBOOK_LOG_LEVEL %q: must be debug, info, warn, or error", c.LogLevel)
	}
	switch c.LogFormat {
	case "json", "console":
	default:
		return fmt.Errorf("invalid CELLBOOK_LOG_FORMAT %q: must be json or console", c.LogFormat)
	}
	switch c.Store {
	case StoreMemory, StoreSQLite:
	default:
		return fmt.Errorf("invalid CELLBOOK_STORE %q: must be memory or sqlite", c.Store)
	}
	if c.ScriptTimeout <= 0 {
		return fmt.Errorf("CELLBOOK_SCRIPT_TIMEOUT must be positive, got %s", c.ScriptTimeout)
	}
	if c.QueryTimeout <= 0 {
		return fmt.Errorf("CELLBOOK_QUERY_TIMEOUT must be positive, got %s", c.QueryTimeout)
	}
	if c.RowLimit <= 0 {
		return fmt.Errorf("CELLBOOK_ROW_LIMIT must be positive, got %d", c.RowLimit)
	}
	return nil
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setDuration(dst *time.Duration, key string) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("invalid %s %q: %w", key, v, err)
	}
	*dst = d
	return nil
}

func setInt(dst *int, key string) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("invalid %s %q: %w", key, v, err)
	}
	*dst = n
	return nil
}
