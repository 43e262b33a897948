// Package config provides configuration loading for livesync.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// ErrOutOfRange is returned when a user-adjustable setting falls outside its
// permitted range.
var ErrOutOfRange = errors.New("setting out of range")

// Ranges for the user-adjustable settings.
const (
	MinReconnectInterval = 1 * time.Second
	MaxReconnectInterval = 60 * time.Second
	MinMaxRetries        = 1
	MaxMaxRetries        = 100
	MinHeartbeatInterval = 5 * time.Second
	MaxHeartbeatInterval = 120 * time.Second
)

// Settings are the connection parameters a user may adjust at runtime.
type Settings struct {
	ReconnectInterval time.Duration `json:"reconnectInterval"`
	MaxRetries        int           `json:"maxRetries"`
	HeartbeatInterval time.Duration `json:"heartbeatInterval"`
}

// DefaultSettings returns the settings used when nothing has been saved.
func DefaultSettings() Settings {
	return Settings{
		ReconnectInterval: 5 * time.Second,
		MaxRetries:        10,
		HeartbeatInterval: 30 * time.Second,
	}
}

// Validate checks every field against its range.
func (s Settings) Validate() error {
	var errs []error
	if s.ReconnectInterval < MinReconnectInterval || s.ReconnectInterval > MaxReconnectInterval {
		errs = append(errs, fmt.Errorf("%w: reconnect interval %v not in [%v, %v]",
			ErrOutOfRange, s.ReconnectInterval, MinReconnectInterval, MaxReconnectInterval))
	}
	if s.MaxRetries < MinMaxRetries || s.MaxRetries > MaxMaxRetries {
		errs = append(errs, fmt.Errorf("%w: max retries %d not in [%d, %d]",
			ErrOutOfRange, s.MaxRetries, MinMaxRetries, MaxMaxRetries))
	}
	if s.HeartbeatInterval < MinHeartbeatInterval || s.HeartbeatInterval > MaxHeartbeatInterval {
		errs = append(errs, fmt.Errorf("%w: heartbeat interval %v not in [%v, %v]",
			ErrOutOfRange, s.HeartbeatInterval, MinHeartbeatInterval, MaxHeartbeatInterval))
	}
	return errors.Join(errs...)
}

// Config holds all configuration values for livesync.
type Config struct {
	// Default endpoint for the watch command
	URL string

	// User-adjustable connection settings
	Settings          Settings
	ReconnectStrategy string

	// Pipeline settings
	BatchWindow     time.Duration
	MetricsCapacity int

	// WebSocket settings
	WSHandshakeTimeout time.Duration
	WSWriteTimeout     time.Duration
	WSReadBufferSize   int
	WSWriteBufferSize  int

	// Settings database; empty disables persistence
	SettingsDBPath string

	// Development feed server
	FeedHost       string
	FeedPort       int
	FeedInterval   time.Duration
	AllowedOrigins []string

	// Logging
	LogLevel  string
	LogFormat string
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	defaults := DefaultSettings()

	cfg := &Config{
		URL: getEnv("LIVESYNC_URL", "ws://localhost:8000/ws"),

		Settings: Settings{
			ReconnectInterval: getEnvDuration("RECONNECT_INTERVAL", defaults.ReconnectInterval),
			MaxRetries:        getEnvInt("MAX_RETRIES", defaults.MaxRetries),
			HeartbeatInterval: getEnvDuration("HEARTBEAT_INTERVAL", defaults.HeartbeatInterval),
		},
		ReconnectStrategy: strings.ToLower(getEnv("RECONNECT_STRATEGY", "fixed")),

		BatchWindow:     getEnvDuration("BATCH_WINDOW", 100*time.Millisecond),
		MetricsCapacity: getEnvInt("METRICS_CAPACITY", 30),

		WSHandshakeTimeout: getEnvDuration("WS_HANDSHAKE_TIMEOUT", 10*time.Second),
		WSWriteTimeout:     getEnvDuration("WS_WRITE_TIMEOUT", 10*time.Second),
		WSReadBufferSize:   getEnvInt("WS_READ_BUFFER_SIZE", 1024),
		WSWriteBufferSize:  getEnvInt("WS_WRITE_BUFFER_SIZE", 1024),

		SettingsDBPath: getEnv("LIVESYNC_SETTINGS_DB", ""),

		FeedHost:       getEnv("FEED_HOST", "0.0.0.0"),
		FeedPort:       getEnvInt("FEED_PORT", 8000),
		FeedInterval:   getEnvDuration("FEED_INTERVAL", 2*time.Second),
		AllowedOrigins: getEnvStringSlice("ALLOWED_ORIGINS", []string{"*"}),

		LogLevel:  getEnv("LOG_LEVEL", "info"),
		LogFormat: getEnv("LOG_FORMAT", "json"),
	}

	if err := cfg.Settings.Validate(); err != nil {
		return nil, err
	}
	if cfg.ReconnectStrategy != "fixed" && cfg.ReconnectStrategy != "exponential" {
		return nil, fmt.Errorf("RECONNECT_STRATEGY must be fixed or exponential, got %q", cfg.ReconnectStrategy)
	}
	if cfg.BatchWindow <= 0 {
		return nil, fmt.Errorf("BATCH_WINDOW must be positive, got %v", cfg.BatchWindow)
	}
	if cfg.MetricsCapacity <= 0 {
		return nil, fmt.Errorf("METRICS_CAPACITY must be positive, got %d", cfg.MetricsCapacity)
	}
	if cfg.FeedPort <= 0 || cfg.FeedPort > 65535 {
		return nil, fmt.Errorf("FEED_PORT must be a valid port, got %d", cfg.FeedPort)
	}

	return cfg, nil
}

// FeedAddr returns the host:port the feed server listens on.
func (c *Config) FeedAddr() string {
	return fmt.Sprintf("%s:%d", c.FeedHost, c.FeedPort)
}

// getEnv returns the value of an environment variable or a default.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt returns an integer environment variable or a default.
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

// getEnvDuration returns a duration environment variable or a default.
// Bare integers are read as milliseconds.
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
		if ms, err := strconv.Atoi(value); err == nil {
			return time.Duration(ms) * time.Millisecond
		}
	}
	return defaultValue
}

// getEnvStringSlice returns a slice from a comma-separated environment variable.
func getEnvStringSlice(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		parts := strings.Split(value, ",")
		result := make([]string, 0, len(parts))
		for _, p := range parts {
			trimmed := strings.TrimSpace(p)
			if trimmed != "" {
				result = append(result, trimmed)
			}
		}
		if len(result) > 0 {
			return result
		}
	}
	return defaultValue
}
