package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/workspace/livesync/internal/conn"
	"github.com/workspace/livesync/internal/dispatch"
	"github.com/workspace/livesync/internal/persistence"
	"github.com/workspace/livesync/internal/registry"
	"github.com/workspace/livesync/internal/transport"
	"github.com/workspace/livesync/internal/wire"
)

type watchOptions struct {
	channel  string
	url      string
	streams  []string
	interval time.Duration
	save     bool
}

func newWatchCmd(a *app) *cobra.Command {
	opts := &watchOptions{}

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Open a channel and print its traffic",
		Long: `Open one channel, print status changes and events as they arrive, and
print the latest value of every metric stream periodically.

The URL is taken from --url, then from the endpoint saved for the channel,
then from $LIVESYNC_URL.

Examples:
  livesync watch --channel overview --url ws://localhost:8000/ws/overview
  livesync watch --channel agents --stream active_agents --interval 5s`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return a.runWatch(ctx, opts)
		},
	}

	cmd.Flags().StringVar(&opts.channel, "channel", "overview", "channel id")
	cmd.Flags().StringVar(&opts.url, "url", "", "WebSocket URL (overrides the saved endpoint)")
	cmd.Flags().StringSliceVar(&opts.streams, "stream", nil, "metric streams to print (default: all)")
	cmd.Flags().DurationVar(&opts.interval, "interval", 10*time.Second, "how often to print metric snapshots")
	cmd.Flags().BoolVar(&opts.save, "save", false, "save the URL as the channel's endpoint")
	return cmd
}

func (a *app) runWatch(ctx context.Context, opts *watchOptions) error {
	if opts.interval <= 0 {
		return fmt.Errorf("--interval must be positive, got %v", opts.interval)
	}

	store, err := a.openStore()
	if err != nil {
		return err
	}
	if store != nil {
		defer store.Close()
	}

	url, err := a.resolveURL(store, opts)
	if err != nil {
		return err
	}
	settings, _, err := a.effectiveSettings(store)
	if err != nil {
		return err
	}

	regOpts := registry.Options{
		Settings: settings,
		Strategy: a.cfg.ReconnectStrategy,
		Dialer: transport.WebSocketDialer{
			HandshakeTimeout: a.cfg.WSHandshakeTimeout,
			ReadBufferSize:   a.cfg.WSReadBufferSize,
			WriteBufferSize:  a.cfg.WSWriteBufferSize,
			WriteTimeout:     a.cfg.WSWriteTimeout,
		},
		BatchWindow:     a.cfg.BatchWindow,
		MetricsCapacity: a.cfg.MetricsCapacity,
		DialTimeout:     a.cfg.WSHandshakeTimeout,
		Logger:          a.logger,
	}
	if store != nil {
		regOpts.Saver = store
	}
	reg, err := registry.New(regOpts)
	if err != nil {
		return err
	}
	defer reg.Teardown()

	statuses := reg.WatchStatus(ctx)

	h, err := reg.Acquire(opts.channel, url)
	if err != nil {
		return err
	}
	defer h.Release()

	if opts.save {
		if store == nil {
			return errNoSettingsDB
		}
		if err := store.SaveEndpoint(opts.channel, url); err != nil {
			return err
		}
	}

	h.Subscribe("", func(msg dispatch.Message) {
		if msg.Type == wire.TypeMetrics {
			return
		}
		payload, _ := json.Marshal(msg.Payload)
		fmt.Fprintf(a.out, "event %s %s %s\n", msg.Type, msg.Timestamp.UTC().Format(time.RFC3339), payload)
	})

	fmt.Fprintf(a.out, "watching %s at %s\n", opts.channel, url)

	ticker := time.NewTicker(opts.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			fmt.Fprintln(a.out, "shutting down")
			return nil

		case ev, ok := <-statuses:
			if !ok {
				// Closed by ctx; the Done case ends the loop.
				statuses = nil
				continue
			}
			status := ev.Payload
			if status.Channel != opts.channel || status.From == status.To {
				continue
			}
			line := fmt.Sprintf("status %s -> %s (retries %d)",
				registry.StatusOf(status.From), registry.StatusOf(status.To), status.Retries)
			if status.Err != "" {
				line += ": " + status.Err
			}
			fmt.Fprintln(a.out, line)
			if status.To == conn.StateError {
				return fmt.Errorf("channel %s gave up after %d retries: %s", opts.channel, status.Retries, status.Err)
			}

		case <-ticker.C:
			a.printSnapshot(reg, opts)
		}
	}
}

func (a *app) resolveURL(store *persistence.Store, opts *watchOptions) (string, error) {
	if opts.url != "" {
		return opts.url, nil
	}
	if store != nil {
		saved, err := store.Endpoint(opts.channel)
		if err != nil {
			return "", err
		}
		if saved != "" {
			return saved, nil
		}
	}
	return a.cfg.URL, nil
}

func (a *app) printSnapshot(reg *registry.Registry, opts *watchOptions) {
	streams := opts.streams
	if len(streams) == 0 {
		streams = reg.Streams(opts.channel)
	}
	if len(streams) == 0 {
		return
	}

	parts := make([]string, 0, len(streams))
	for _, stream := range streams {
		latest, ok := reg.Latest(opts.channel, stream)
		if !ok {
			continue
		}
		history := reg.Metrics(opts.channel, stream)
		parts = append(parts, fmt.Sprintf("%s=%g (n=%d)", stream, latest.Value, len(history)))
	}
	if len(parts) > 0 {
		fmt.Fprintf(a.out, "metrics %s %s\n", opts.channel, strings.Join(parts, " "))
	}
}
