package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/workspace/livesync/internal/feed"
	"github.com/workspace/livesync/internal/sysinfo"
)

type feedOptions struct {
	addr     string
	interval time.Duration
}

func newFeedCmd(a *app) *cobra.Command {
	opts := &feedOptions{}

	cmd := &cobra.Command{
		Use:   "feed",
		Short: "Run the development metrics feed",
		Long: `Serve host load as untyped metric frames on /ws and /ws/{channel}.

Clients may send {"type":"ping"} and receive {"type":"pong"}.

Examples:
  livesync feed
  livesync feed --addr 127.0.0.1:9000 --interval 500ms`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return a.runFeed(ctx, opts, sysinfo.NewCollector(sysinfo.CollectorConfig{}))
		},
	}

	cmd.Flags().StringVar(&opts.addr, "addr", "", "listen address (default: $FEED_HOST:$FEED_PORT)")
	cmd.Flags().DurationVar(&opts.interval, "interval", 0, "sample interval (default: $FEED_INTERVAL)")
	return cmd
}

func (a *app) runFeed(ctx context.Context, opts *feedOptions, source feed.Source) error {
	addr := opts.addr
	if addr == "" {
		addr = a.cfg.FeedAddr()
	}
	interval := opts.interval
	if interval <= 0 {
		interval = a.cfg.FeedInterval
	}

	srv := feed.NewServer(feed.Config{
		Addr:            addr,
		Interval:        interval,
		AllowedOrigins:  a.cfg.AllowedOrigins,
		ReadBufferSize:  a.cfg.WSReadBufferSize,
		WriteBufferSize: a.cfg.WSWriteBufferSize,
		WriteTimeout:    a.cfg.WSWriteTimeout,
	}, source, a.logger)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		a.logger.Info("Shutting down feed server")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Stop(shutdownCtx)
}
