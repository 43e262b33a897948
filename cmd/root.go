// Package cmd implements the livesync command line.
package cmd

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"

	"github.com/spf13/cobra"

	"github.com/workspace/livesync/internal/config"
	"github.com/workspace/livesync/internal/logging"
	"github.com/workspace/livesync/internal/persistence"
)

var version = "dev"

// errNoSettingsDB is returned by commands that need the settings database
// when none is configured.
var errNoSettingsDB = errors.New("settings database not configured (set LIVESYNC_SETTINGS_DB or --settings-db)")

// SetVersion sets the version string reported by --version.
func SetVersion(v string) {
	version = v
}

// Execute runs the root command.
func Execute() error {
	return newRootCmd(os.Stdout).Execute()
}

// app carries state shared by every subcommand.
type app struct {
	out    io.Writer
	cfg    *config.Config
	logger *slog.Logger

	settingsDB string
	logLevel   string
}

func newRootCmd(out io.Writer) *cobra.Command {
	a := &app{out: &lockedWriter{w: out}}

	root := &cobra.Command{
		Use:   "livesync",
		Short: "Real-time dashboard channel synchronization",
		Long: `livesync keeps WebSocket channels to a dashboard backend open, recovers
from disconnects with bounded retries, and keeps a short rolling history of
every metric stream it receives.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("load configuration: %w", err)
			}
			if cmd.Flags().Changed("settings-db") {
				cfg.SettingsDBPath = a.settingsDB
			}
			if cmd.Flags().Changed("log-level") {
				cfg.LogLevel = a.logLevel
			}
			a.cfg = cfg
			a.logger = logging.SetupWithConfig(cfg.LogLevel, cfg.LogFormat, cmd.ErrOrStderr())
			return nil
		},
	}
	root.SetOut(out)

	root.PersistentFlags().StringVar(&a.settingsDB, "settings-db", "",
		"path to the settings database (default: $LIVESYNC_SETTINGS_DB)")
	root.PersistentFlags().StringVar(&a.logLevel, "log-level", "",
		"log level: debug, info, warn, error (default: $LOG_LEVEL)")

	root.AddCommand(
		newWatchCmd(a),
		newFeedCmd(a),
		newSettingsCmd(a),
		newEndpointsCmd(a),
	)
	return root
}

// openStore opens the settings database. It returns (nil, nil) when no
// database is configured.
func (a *app) openStore() (*persistence.Store, error) {
	if a.cfg.SettingsDBPath == "" {
		return nil, nil
	}
	store, err := persistence.Open(a.cfg.SettingsDBPath)
	if err != nil {
		return nil, fmt.Errorf("open settings database: %w", err)
	}
	return store, nil
}

// requireStore opens the settings database and fails when none is
// configured.
func (a *app) requireStore() (*persistence.Store, error) {
	store, err := a.openStore()
	if err != nil {
		return nil, err
	}
	if store == nil {
		return nil, errNoSettingsDB
	}
	return store, nil
}

// effectiveSettings returns the saved settings when present, otherwise the
// environment's.
func (a *app) effectiveSettings(store *persistence.Store) (config.Settings, string, error) {
	if store != nil {
		saved, err := store.LoadSettings()
		if err != nil {
			return config.Settings{}, "", err
		}
		if saved != nil {
			return *saved, "saved", nil
		}
	}
	return a.cfg.Settings, "environment", nil
}

// lockedWriter serializes writes from subscriber callbacks and the command
// loop.
type lockedWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (l *lockedWriter) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.w.Write(p)
}
