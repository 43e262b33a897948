package cmd

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/workspace/livesync/internal/config"
)

// settingsView is the printed form of config.Settings.
type settingsView struct {
	ReconnectInterval string `json:"reconnectInterval"`
	MaxRetries        int    `json:"maxRetries"`
	HeartbeatInterval string `json:"heartbeatInterval"`
	Source            string `json:"source"`
}

func newSettingsView(s config.Settings, source string) settingsView {
	return settingsView{
		ReconnectInterval: s.ReconnectInterval.String(),
		MaxRetries:        s.MaxRetries,
		HeartbeatInterval: s.HeartbeatInterval.String(),
		Source:            source,
	}
}

func newSettingsCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "settings",
		Short: "Show or change connection settings",
	}
	cmd.AddCommand(newSettingsShowCmd(a), newSettingsSetCmd(a))
	return cmd
}

func newSettingsShowCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Print the settings new channels are opened with",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			store, err := a.openStore()
			if err != nil {
				return err
			}
			if store != nil {
				defer store.Close()
			}

			settings, source, err := a.effectiveSettings(store)
			if err != nil {
				return err
			}
			return writeJSON(cmd, newSettingsView(settings, source))
		},
	}
}

func newSettingsSetCmd(a *app) *cobra.Command {
	var (
		reconnectInterval time.Duration
		maxRetries        int
		heartbeatInterval time.Duration
	)

	cmd := &cobra.Command{
		Use:   "set",
		Short: "Validate and save connection settings",
		Long: fmt.Sprintf(`Validate and save connection settings. Unset flags keep their current value.

Ranges:
  --reconnect-interval  %v to %v
  --max-retries         %d to %d
  --heartbeat-interval  %v to %v

Example:
  livesync settings set --reconnect-interval 3s --max-retries 20`,
			config.MinReconnectInterval, config.MaxReconnectInterval,
			config.MinMaxRetries, config.MaxMaxRetries,
			config.MinHeartbeatInterval, config.MaxHeartbeatInterval),
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			store, err := a.requireStore()
			if err != nil {
				return err
			}
			defer store.Close()

			settings, _, err := a.effectiveSettings(store)
			if err != nil {
				return err
			}

			flags := cmd.Flags()
			if flags.Changed("reconnect-interval") {
				settings.ReconnectInterval = reconnectInterval
			}
			if flags.Changed("max-retries") {
				settings.MaxRetries = maxRetries
			}
			if flags.Changed("heartbeat-interval") {
				settings.HeartbeatInterval = heartbeatInterval
			}

			if err := store.SaveSettings(settings); err != nil {
				return err
			}
			a.logger.Info("Settings saved", "path", a.cfg.SettingsDBPath)
			return writeJSON(cmd, newSettingsView(settings, "saved"))
		},
	}

	cmd.Flags().DurationVar(&reconnectInterval, "reconnect-interval", 0, "delay between reconnection attempts")
	cmd.Flags().IntVar(&maxRetries, "max-retries", 0, "reconnection attempts before giving up")
	cmd.Flags().DurationVar(&heartbeatInterval, "heartbeat-interval", 0, "liveness probe interval")
	return cmd
}

func writeJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
