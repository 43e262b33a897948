// Package persistence stores user-adjustable connection settings and saved
// channel endpoints in SQLite.
package persistence

import (
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/workspace/livesync/internal/config"
)

// Endpoint is a saved channel identity and the URL it connects to.
type Endpoint struct {
	ChannelID string `json:"channelId"`
	URL       string `json:"url"`
	UpdatedAt string `json:"updatedAt"` // ISO 8601
}

// Store provides persistent settings backed by SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

// Open creates or opens a SQLite database at the given path.
func Open(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", fmt.Sprintf("file:%s?cache=shared&mode=rwc&_journal_mode=WAL", dbPath))
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return store, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate applies schema migrations.
func (s *Store) migrate() error {
	if _, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_version (
			version INTEGER NOT NULL
		)
	`); err != nil {
		return fmt.Errorf("create schema_version table: %w", err)
	}

	var version int
	err := s.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_version").Scan(&version)
	if err != nil {
		return fmt.Errorf("get schema version: %w", err)
	}

	migrations := []func(*sql.DB) error{
		migrateV1,
		migrateV2,
	}

	for i := version; i < len(migrations); i++ {
		slog.Info("Applying persistence migration", "version", i+1)
		if err := migrations[i](s.db); err != nil {
			return fmt.Errorf("migration v%d: %w", i+1, err)
		}
		if _, err := s.db.Exec("INSERT INTO schema_version (version) VALUES (?)", i+1); err != nil {
			return fmt.Errorf("record migration v%d: %w", i+1, err)
		}
	}

	return nil
}

// migrateV1 creates the single-row settings table.
func migrateV1(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS settings (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			reconnect_interval_ms INTEGER NOT NULL,
			max_retries INTEGER NOT NULL,
			heartbeat_interval_ms INTEGER NOT NULL,
			updated_at TEXT NOT NULL
		)
	`)
	return err
}

// migrateV2 adds saved channel endpoints.
func migrateV2(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS endpoints (
			channel_id TEXT PRIMARY KEY,
			url TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)
	`)
	return err
}

// SaveSettings validates and stores the settings, replacing any saved before.
func (s *Store) SaveSettings(settings config.Settings) error {
	if err := settings.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		INSERT INTO settings (id, reconnect_interval_ms, max_retries, heartbeat_interval_ms, updated_at)
		VALUES (1, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			reconnect_interval_ms = excluded.reconnect_interval_ms,
			max_retries = excluded.max_retries,
			heartbeat_interval_ms = excluded.heartbeat_interval_ms,
			updated_at = excluded.updated_at
	`,
		settings.ReconnectInterval.Milliseconds(),
		settings.MaxRetries,
		settings.HeartbeatInterval.Milliseconds(),
		time.Now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("save settings: %w", err)
	}
	return nil
}

// LoadSettings returns the saved settings, or nil if none have been saved.
func (s *Store) LoadSettings() (*config.Settings, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var reconnectMS, heartbeatMS int64
	var settings config.Settings
	err := s.db.QueryRow(`
		SELECT reconnect_interval_ms, max_retries, heartbeat_interval_ms
		FROM settings WHERE id = 1
	`).Scan(&reconnectMS, &settings.MaxRetries, &heartbeatMS)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load settings: %w", err)
	}

	settings.ReconnectInterval = time.Duration(reconnectMS) * time.Millisecond
	settings.HeartbeatInterval = time.Duration(heartbeatMS) * time.Millisecond
	return &settings, nil
}

// SaveEndpoint stores or replaces the URL for a channel.
func (s *Store) SaveEndpoint(channelID, url string) error {
	if channelID == "" || url == "" {
		return fmt.Errorf("save endpoint: channel id and url are required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		INSERT INTO endpoints (channel_id, url, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(channel_id) DO UPDATE SET url = excluded.url, updated_at = excluded.updated_at
	`, channelID, url, time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("save endpoint: %w", err)
	}
	return nil
}

// Endpoint returns the saved URL for a channel, or "" if none.
func (s *Store) Endpoint(channelID string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var url string
	err := s.db.QueryRow("SELECT url FROM endpoints WHERE channel_id = ?", channelID).Scan(&url)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get endpoint: %w", err)
	}
	return url, nil
}

// ListEndpoints returns every saved endpoint ordered by channel id.
func (s *Store) ListEndpoints() ([]Endpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query("SELECT channel_id, url, updated_at FROM endpoints ORDER BY channel_id")
	if err != nil {
		return nil, fmt.Errorf("list endpoints: %w", err)
	}
	defer rows.Close()

	var endpoints []Endpoint
	for rows.Next() {
		var e Endpoint
		if err := rows.Scan(&e.ChannelID, &e.URL, &e.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan endpoint: %w", err)
		}
		endpoints = append(endpoints, e)
	}
	return endpoints, rows.Err()
}

// DeleteEndpoint removes a saved endpoint. Deleting a missing one is not an
// error.
func (s *Store) DeleteEndpoint(channelID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.Exec("DELETE FROM endpoints WHERE channel_id = ?", channelID); err != nil {
		return fmt.Errorf("delete endpoint: %w", err)
	}
	return nil
}
