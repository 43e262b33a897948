package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/workspace/livesync/internal/config"
	"github.com/workspace/livesync/internal/feed"
	"github.com/workspace/livesync/internal/logging"
	"github.com/workspace/livesync/internal/persistence"
	"github.com/workspace/livesync/internal/sysinfo"
	"github.com/workspace/livesync/internal/wire"
)

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func run(t *testing.T, ctx context.Context, args ...string) (string, error) {
	t.Helper()
	out := &syncBuffer{}
	root := newRootCmd(out)
	root.SetErr(io.Discard)
	root.SetArgs(args)
	err := root.ExecuteContext(ctx)
	return out.String(), err
}

func dbPath(t *testing.T) string {
	return filepath.Join(t.TempDir(), "livesync.db")
}

type fixedSource struct{ snap sysinfo.Snapshot }

func (f fixedSource) Collect() (sysinfo.Snapshot, error) { return f.snap, nil }

func TestSettingsShow_Defaults(t *testing.T) {
	out, err := run(t, context.Background(), "settings", "show")
	require.NoError(t, err)

	var view settingsView
	require.NoError(t, json.Unmarshal([]byte(out), &view))
	assert.Equal(t, settingsView{
		ReconnectInterval: "5s",
		MaxRetries:        10,
		HeartbeatInterval: "30s",
		Source:            "environment",
	}, view)
}

func TestSettingsSet_PersistsAndShows(t *testing.T) {
	db := dbPath(t)

	_, err := run(t, context.Background(), "--settings-db", db, "settings", "set",
		"--reconnect-interval", "3s", "--max-retries", "20")
	require.NoError(t, err)

	out, err := run(t, context.Background(), "--settings-db", db, "settings", "show")
	require.NoError(t, err)

	var view settingsView
	require.NoError(t, json.Unmarshal([]byte(out), &view))
	assert.Equal(t, "3s", view.ReconnectInterval)
	assert.Equal(t, 20, view.MaxRetries)
	assert.Equal(t, "30s", view.HeartbeatInterval, "unset flags keep their value")
	assert.Equal(t, "saved", view.Source)
}

func TestSettingsSet_RejectsOutOfRange(t *testing.T) {
	db := dbPath(t)

	_, err := run(t, context.Background(), "--settings-db", db, "settings", "set", "--max-retries", "500")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "out of range")

	store, err := persistence.Open(db)
	require.NoError(t, err)
	defer store.Close()
	saved, err := store.LoadSettings()
	require.NoError(t, err)
	assert.Nil(t, saved)
}

func TestSettingsSet_RequiresDatabase(t *testing.T) {
	t.Setenv("LIVESYNC_SETTINGS_DB", "")
	_, err := run(t, context.Background(), "settings", "set", "--max-retries", "5")
	assert.ErrorIs(t, err, errNoSettingsDB)
}

func TestEndpoints(t *testing.T) {
	db := dbPath(t)
	ctx := context.Background()

	_, err := run(t, ctx, "--settings-db", db, "endpoints", "add", "overview", "ws://dash.test/ws/overview")
	require.NoError(t, err)
	_, err = run(t, ctx, "--settings-db", db, "endpoints", "add", "agents", "wss://dash.test/ws/agents")
	require.NoError(t, err)

	_, err = run(t, ctx, "--settings-db", db, "endpoints", "add", "bad", "http://dash.test")
	require.Error(t, err)

	out, err := run(t, ctx, "--settings-db", db, "endpoints", "list")
	require.NoError(t, err)
	var endpoints []persistence.Endpoint
	require.NoError(t, json.Unmarshal([]byte(out), &endpoints))
	require.Len(t, endpoints, 2)
	assert.Equal(t, "agents", endpoints[0].ChannelID)
	assert.Equal(t, "ws://dash.test/ws/overview", endpoints[1].URL)

	_, err = run(t, ctx, "--settings-db", db, "endpoints", "remove", "agents")
	require.NoError(t, err)

	out, err = run(t, ctx, "--settings-db", db, "endpoints", "list")
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal([]byte(out), &endpoints))
	assert.Len(t, endpoints, 1)
}

func TestValidateSocketURL(t *testing.T) {
	tests := []struct {
		url     string
		wantErr bool
	}{
		{"ws://localhost:8000/ws", false},
		{"wss://dash.test/ws/overview", false},
		{"http://dash.test", true},
		{"ws://", true},
		{"::", true},
	}
	for _, tt := range tests {
		err := validateSocketURL(tt.url)
		assert.Equal(t, tt.wantErr, err != nil, "validateSocketURL(%q) = %v", tt.url, err)
	}
}

func TestWatch_PrintsStatusEventsAndMetrics(t *testing.T) {
	srv := feed.NewServer(feed.Config{}, fixedSource{sysinfo.Snapshot{CPUPercent: 33, MemoryPercent: 44}}, logging.Discard())
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()
	defer srv.Stop(context.Background())
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws/overview"

	go func() {
		deadline := time.Now().Add(2 * time.Second)
		for srv.ClientCount() == 0 && time.Now().Before(deadline) {
			time.Sleep(5 * time.Millisecond)
		}
		_, _ = srv.Broadcast("overview", wire.Envelope{Type: wire.TypeEquipmentUpdate, Payload: map[string]any{"id": "eq-9"}})
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 800*time.Millisecond)
	defer cancel()
	out, err := run(t, ctx, "watch", "--channel", "overview", "--url", url, "--interval", "50ms", "--stream", "cpu_percent")
	require.NoError(t, err)

	assert.Contains(t, out, "watching overview at "+url)
	assert.Contains(t, out, "status disconnected -> connecting (retries 0)")
	assert.Contains(t, out, "status connecting -> connected (retries 0)")
	assert.Contains(t, out, `event equipment_update`)
	assert.Contains(t, out, `"id":"eq-9"`)
	assert.Contains(t, out, "metrics overview cpu_percent=33 (n=1)")
	assert.NotContains(t, out, "memory_percent=")
	assert.Contains(t, out, "shutting down")
}

func TestWatch_UsesSavedEndpointAndFailsWhenRetriesExhausted(t *testing.T) {
	t.Setenv("RECONNECT_INTERVAL", "1s")
	t.Setenv("MAX_RETRIES", "1")

	dead := httptest.NewServer(nil)
	url := "ws" + strings.TrimPrefix(dead.URL, "http") + "/ws"
	dead.Close()

	db := dbPath(t)
	_, err := run(t, context.Background(), "--settings-db", db, "endpoints", "add", "overview", url)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	out, err := run(t, ctx, "--settings-db", db, "watch", "--channel", "overview")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "gave up after 1 retries")
	assert.Contains(t, out, "watching overview at "+url)
	assert.Contains(t, out, "-> error")
}

func TestFeed_ShutsDownOnCancel(t *testing.T) {
	cfg, err := config.Load()
	require.NoError(t, err)
	a := &app{out: io.Discard, cfg: cfg, logger: logging.Discard()}

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		errCh <- a.runFeed(ctx, &feedOptions{addr: "127.0.0.1:0", interval: 10 * time.Millisecond}, fixedSource{})
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("feed did not shut down")
	}
}
