package config

import (
	"errors"
	"strings"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	if cfg.Settings != DefaultSettings() {
		t.Fatalf("Settings = %+v, want %+v", cfg.Settings, DefaultSettings())
	}
	if cfg.BatchWindow != 100*time.Millisecond {
		t.Fatalf("BatchWindow = %v, want 100ms", cfg.BatchWindow)
	}
	if cfg.MetricsCapacity != 30 {
		t.Fatalf("MetricsCapacity = %d, want 30", cfg.MetricsCapacity)
	}
	if cfg.ReconnectStrategy != "fixed" {
		t.Fatalf("ReconnectStrategy = %q, want fixed", cfg.ReconnectStrategy)
	}
	if cfg.FeedAddr() != "0.0.0.0:8000" {
		t.Fatalf("FeedAddr() = %q", cfg.FeedAddr())
	}
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("LIVESYNC_URL", "ws://dash.example.com/ws/overview")
	t.Setenv("RECONNECT_INTERVAL", "2s")
	t.Setenv("MAX_RETRIES", "3")
	t.Setenv("HEARTBEAT_INTERVAL", "15000")
	t.Setenv("RECONNECT_STRATEGY", "Exponential")
	t.Setenv("ALLOWED_ORIGINS", "https://a.example.com, https://*.example.com,")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	want := Settings{ReconnectInterval: 2 * time.Second, MaxRetries: 3, HeartbeatInterval: 15 * time.Second}
	if cfg.Settings != want {
		t.Fatalf("Settings = %+v, want %+v", cfg.Settings, want)
	}
	if cfg.URL != "ws://dash.example.com/ws/overview" {
		t.Fatalf("URL = %q", cfg.URL)
	}
	if cfg.ReconnectStrategy != "exponential" {
		t.Fatalf("ReconnectStrategy = %q", cfg.ReconnectStrategy)
	}
	if len(cfg.AllowedOrigins) != 2 || cfg.AllowedOrigins[1] != "https://*.example.com" {
		t.Fatalf("AllowedOrigins = %v", cfg.AllowedOrigins)
	}
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	tests := []struct {
		name  string
		key   string
		value string
	}{
		{name: "reconnect too short", key: "RECONNECT_INTERVAL", value: "500ms"},
		{name: "retries too high", key: "MAX_RETRIES", value: "101"},
		{name: "heartbeat too long", key: "HEARTBEAT_INTERVAL", value: "3m"},
		{name: "unknown strategy", key: "RECONNECT_STRATEGY", value: "linear"},
		{name: "zero capacity", key: "METRICS_CAPACITY", value: "0"},
		{name: "bad port", key: "FEED_PORT", value: "70000"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Setenv(tc.key, tc.value)
			if _, err := Load(); err == nil {
				t.Fatalf("Load() with %s=%s: expected error", tc.key, tc.value)
			}
		})
	}
}

func TestSettingsValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		mutate  func(*Settings)
		wantErr bool
	}{
		{name: "defaults", mutate: func(*Settings) {}},
		{name: "lower bounds", mutate: func(s *Settings) {
			s.ReconnectInterval = MinReconnectInterval
			s.MaxRetries = MinMaxRetries
			s.HeartbeatInterval = MinHeartbeatInterval
		}},
		{name: "upper bounds", mutate: func(s *Settings) {
			s.ReconnectInterval = MaxReconnectInterval
			s.MaxRetries = MaxMaxRetries
			s.HeartbeatInterval = MaxHeartbeatInterval
		}},
		{name: "zero retries", mutate: func(s *Settings) { s.MaxRetries = 0 }, wantErr: true},
		{name: "interval above range", mutate: func(s *Settings) { s.ReconnectInterval = time.Minute + time.Millisecond }, wantErr: true},
		{name: "heartbeat below range", mutate: func(s *Settings) { s.HeartbeatInterval = time.Second }, wantErr: true},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			s := DefaultSettings()
			tc.mutate(&s)
			err := s.Validate()
			if tc.wantErr {
				if !errors.Is(err, ErrOutOfRange) {
					t.Fatalf("Validate() = %v, want ErrOutOfRange", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Validate() = %v", err)
			}
		})
	}
}

func TestSettingsValidateReportsEveryField(t *testing.T) {
	t.Parallel()

	err := Settings{}.Validate()
	if err == nil {
		t.Fatal("expected error for zero settings")
	}
	for _, field := range []string{"reconnect interval", "max retries", "heartbeat interval"} {
		if !strings.Contains(err.Error(), field) {
			t.Fatalf("error %q does not mention %s", err, field)
		}
	}
}
