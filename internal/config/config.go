// Package config provides configuration management functionality.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// PluginConfig holds per-plugin overrides for upstream access.
// Zero values mean "use the global default".
type PluginConfig struct {
	CallsPerMinute     int `yaml:"calls_per_minute"`
	RetryAttempts      int `yaml:"retry_attempts"`
	CallTimeoutSeconds int `yaml:"call_timeout_seconds"`
}

// BackupConfig holds S3-compatible backup settings.
// Backups are disabled when the bucket is empty.
type BackupConfig struct {
	Endpoint  string `yaml:"endpoint"`
	Bucket    string `yaml:"bucket"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	Prefix    string `yaml:"prefix"`
	Keep      int    `yaml:"keep"` // number of backups to retain
}

// Config holds application configuration
type Config struct {
	DataDir     string // Base directory for all databases, always absolute
	Port        int
	DevMode     bool
	LogLevel    string
	APIToken    string // Upstream data provider token
	APIBaseURL  string
	ProxyURL    string // Optional outbound proxy; all upstream calls share one egress identity
	Exchange    string // Exchange code used for the trading calendar (e.g. "SSE")
	DailySyncAt string // Cron spec for the daily sync tick

	// Global upstream budgets; plugins may override via quantflow.yaml.
	CallsPerMinute int
	RetryAttempts  int
	CallTimeout    time.Duration

	// Concurrency limits.
	MaxConcurrentTasks int // orchestrator-wide running-task ceiling
	MaxSubRequests     int // per-task parallel sub-request ceiling

	GapLookbackYears int // default lookback window for missing-data detection

	Plugins map[string]PluginConfig
	Backup  BackupConfig
}

// fileConfig mirrors the optional quantflow.yaml layout.
type fileConfig struct {
	Plugins map[string]PluginConfig `yaml:"plugins"`
	Backup  BackupConfig            `yaml:"backup"`
}

// Load reads configuration from environment variables, then applies
// overrides from quantflow.yaml in the data directory if present.
func Load() (*Config, error) {
	// Load .env file if it exists
	_ = godotenv.Load()

	dataDir := getEnv("QUANTFLOW_DATA_DIR", "")
	if dataDir == "" {
		dataDir = "./data"
	}

	absDataDir, err := filepath.Abs(dataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve data directory path: %w", err)
	}
	if err := os.MkdirAll(absDataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	cfg := &Config{
		DataDir:            absDataDir,
		Port:               getEnvAsInt("QUANTFLOW_PORT", 8100),
		DevMode:            getEnvAsBool("DEV_MODE", false),
		LogLevel:           getEnv("LOG_LEVEL", "info"),
		APIToken:           getEnv("DATAHUB_API_TOKEN", ""),
		APIBaseURL:         getEnv("DATAHUB_API_URL", "https://api.datahub.example.com"),
		ProxyURL:           getEnv("DATAHUB_PROXY_URL", ""),
		Exchange:           getEnv("QUANTFLOW_EXCHANGE", "SSE"),
		DailySyncAt:        getEnv("QUANTFLOW_DAILY_SYNC_AT", "30 17 * * *"),
		CallsPerMinute:     getEnvAsInt("DATAHUB_CALLS_PER_MINUTE", 120),
		RetryAttempts:      getEnvAsInt("DATAHUB_RETRY_ATTEMPTS", 3),
		CallTimeout:        getEnvAsDuration("DATAHUB_CALL_TIMEOUT", 30*time.Second),
		MaxConcurrentTasks: getEnvAsInt("QUANTFLOW_MAX_TASKS", 2),
		MaxSubRequests:     getEnvAsInt("QUANTFLOW_MAX_SUBREQUESTS", 4),
		GapLookbackYears:   getEnvAsInt("QUANTFLOW_GAP_LOOKBACK_YEARS", 5),
		Plugins:            make(map[string]PluginConfig),
	}

	if err := cfg.applyFileOverrides(filepath.Join(absDataDir, "quantflow.yaml")); err != nil {
		return nil, err
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// applyFileOverrides merges the optional YAML config file into the config.
// A missing file is not an error; a malformed one is.
func (c *Config) applyFileOverrides(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	for name, pc := range fc.Plugins {
		c.Plugins[name] = pc
	}
	if fc.Backup.Bucket != "" {
		c.Backup = fc.Backup
	}

	return nil
}

// validate rejects configurations the system cannot run with.
func (c *Config) validate() error {
	if c.CallsPerMinute <= 0 {
		return fmt.Errorf("calls per minute must be positive, got %d", c.CallsPerMinute)
	}
	if c.MaxConcurrentTasks <= 0 {
		return fmt.Errorf("max concurrent tasks must be positive, got %d", c.MaxConcurrentTasks)
	}
	if c.MaxSubRequests <= 0 {
		return fmt.Errorf("max sub-requests must be positive, got %d", c.MaxSubRequests)
	}
	return nil
}

// PluginCallsPerMinute returns the effective rate limit for a plugin.
func (c *Config) PluginCallsPerMinute(name string) int {
	if pc, ok := c.Plugins[name]; ok && pc.CallsPerMinute > 0 {
		return pc.CallsPerMinute
	}
	return c.CallsPerMinute
}

// PluginRetryAttempts returns the effective retry attempt count for a plugin.
func (c *Config) PluginRetryAttempts(name string) int {
	if pc, ok := c.Plugins[name]; ok && pc.RetryAttempts > 0 {
		return pc.RetryAttempts
	}
	return c.RetryAttempts
}

// PluginCallTimeout returns the effective per-call timeout for a plugin.
func (c *Config) PluginCallTimeout(name string) time.Duration {
	if pc, ok := c.Plugins[name]; ok && pc.CallTimeoutSeconds > 0 {
		return time.Duration(pc.CallTimeoutSeconds) * time.Second
	}
	return c.CallTimeout
}

// MetaDBPath returns the path of the SQLite metadata database.
func (c *Config) MetaDBPath() string {
	return filepath.Join(c.DataDir, "meta.db")
}

// MarketDBPath returns the path of the DuckDB market-data database.
func (c *Config) MarketDBPath() string {
	return filepath.Join(c.DataDir, "market.duckdb")
}

// getEnv retrieves an environment variable with a fallback default.
func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

// getEnvAsInt retrieves an environment variable as an integer.
func getEnvAsInt(key string, fallback int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return fallback
}

// getEnvAsBool retrieves an environment variable as a boolean.
func getEnvAsBool(key string, fallback bool) bool {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			return parsed
		}
	}
	return fallback
}

// getEnvAsDuration retrieves an environment variable as a duration.
func getEnvAsDuration(key string, fallback time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
	}
	return fallback
}
