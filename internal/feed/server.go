// Package feed serves a development WebSocket endpoint that streams host
// load as untyped metric frames and relays typed events, so the
// synchronization layer can be exercised against a live server.
package feed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/workspace/livesync/internal/clock"
	"github.com/workspace/livesync/internal/logging"
	"github.com/workspace/livesync/internal/sysinfo"
	"github.com/workspace/livesync/internal/transport"
	"github.com/workspace/livesync/internal/wire"
)

// ErrStopped is returned by Start after Stop.
var ErrStopped = errors.New("feed: server stopped")

// Source produces host load snapshots.
type Source interface {
	Collect() (sysinfo.Snapshot, error)
}

// Config configures a feed Server.
type Config struct {
	Addr           string
	Interval       time.Duration // default 2s
	AllowedOrigins []string      // default ["*"]

	ReadBufferSize  int
	WriteBufferSize int
	WriteTimeout    time.Duration

	// HTTP server timeouts; WriteTimeout is left at zero on the
	// http.Server because it would kill hijacked websocket connections.
	ReadTimeout time.Duration
	IdleTimeout time.Duration

	Clock clock.Clock
}

type client struct {
	id      string
	channel string
	socket  transport.Socket
}

// Server is the development feed.
type Server struct {
	config     Config
	source     Source
	logger     *slog.Logger
	httpServer *http.Server

	mu      sync.RWMutex
	clients map[string]*client
	stopped bool

	done     chan struct{}
	stopOnce sync.Once
}

// NewServer creates a feed server. Nothing listens until Start.
func NewServer(cfg Config, source Source, logger *slog.Logger) *Server {
	if cfg.Interval <= 0 {
		cfg.Interval = 2 * time.Second
	}
	if len(cfg.AllowedOrigins) == 0 {
		cfg.AllowedOrigins = []string{"*"}
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}

	s := &Server{
		config:  cfg,
		source:  source,
		logger:  logging.Component(logger, "feed"),
		clients: make(map[string]*client),
		done:    make(chan struct{}),
	}
	s.httpServer = &http.Server{
		Addr:        cfg.Addr,
		Handler:     s.Handler(),
		ReadTimeout: cfg.ReadTimeout,
		IdleTimeout: cfg.IdleTimeout,
	}
	return s
}

// Handler returns the feed routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /ws", s.handleWS)
	mux.HandleFunc("GET /ws/{channel}", s.handleWS)
	return mux
}

// Start publishes samples every interval and serves until Stop.
func (s *Server) Start() error {
	s.mu.RLock()
	stopped := s.stopped
	s.mu.RUnlock()
	if stopped {
		return ErrStopped
	}

	go s.publishLoop()

	s.logger.Info("Starting feed server", "addr", s.httpServer.Addr, "interval", s.config.Interval)
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop disconnects every client and shuts the HTTP server down.
func (s *Server) Stop(ctx context.Context) error {
	s.stopOnce.Do(func() { close(s.done) })

	s.mu.Lock()
	s.stopped = true
	clients := make([]*client, 0, len(s.clients))
	for id, c := range s.clients {
		clients = append(clients, c)
		delete(s.clients, id)
	}
	s.mu.Unlock()

	for _, c := range clients {
		_ = c.socket.Close()
	}
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) publishLoop() {
	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			if _, err := s.PublishSample(); err != nil {
				s.logger.Warn("Failed to collect sample", "error", err)
			}
		}
	}
}

// ClientCount returns the number of connected clients.
func (s *Server) ClientCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients)
}

// PublishSample collects one snapshot and sends it to every client as an
// untyped metric frame. It returns the number of clients written to.
func (s *Server) PublishSample() (int, error) {
	data, err := s.sampleFrame()
	if err != nil {
		return 0, err
	}
	return s.writeAll(s.matching(""), data), nil
}

// Broadcast sends a typed envelope to the clients of one channel, or to
// every client when channel is empty.
func (s *Server) Broadcast(channel string, env wire.Envelope) (int, error) {
	data, err := wire.Encode(env, s.config.Clock.Now())
	if err != nil {
		return 0, err
	}
	return s.writeAll(s.matching(channel), data), nil
}

func (s *Server) sampleFrame() ([]byte, error) {
	snap, err := s.source.Collect()
	if err != nil {
		return nil, fmt.Errorf("collect sample: %w", err)
	}
	frame := make(map[string]any, 6)
	for stream, value := range snap.Fields() {
		frame[stream] = value
	}
	frame["timestamp"] = s.config.Clock.Now().UTC().Format(time.RFC3339Nano)
	return json.Marshal(frame)
}

func (s *Server) matching(channel string) []*client {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*client, 0, len(s.clients))
	for _, c := range s.clients {
		if channel == "" || c.channel == channel {
			out = append(out, c)
		}
	}
	return out
}

func (s *Server) writeAll(clients []*client, data []byte) int {
	sent := 0
	for _, c := range clients {
		if err := c.socket.WriteMessage(data); err != nil {
			s.logger.Warn("Feed write failed, dropping client", "client", c.id, "error", err)
			s.removeClient(c)
			continue
		}
		sent++
	}
	return sent
}

func (s *Server) addClient(c *client) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return false
	}
	s.clients[c.id] = c
	return true
}

func (s *Server) removeClient(c *client) {
	s.mu.Lock()
	delete(s.clients, c.id)
	s.mu.Unlock()
	_ = c.socket.Close()
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	upgrader := s.createUpgrader()
	wsConn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("WebSocket upgrade failed", "error", err)
		return
	}

	c := &client{
		id:      uuid.NewString(),
		channel: r.PathValue("channel"),
		socket:  transport.NewSocket(wsConn, s.config.WriteTimeout),
	}
	if !s.addClient(c) {
		_ = c.socket.Close()
		return
	}
	defer s.removeClient(c)

	log := s.logger.With("client", c.id, "channel", c.channel)
	log.Info("Feed client connected", "remote", r.RemoteAddr)

	if data, err := s.sampleFrame(); err != nil {
		log.Warn("Failed to collect initial sample", "error", err)
	} else if err := c.socket.WriteMessage(data); err != nil {
		log.Warn("Initial sample write failed", "error", err)
		return
	}

	for {
		raw, err := c.socket.ReadMessage()
		if err != nil {
			if transport.IsNormalClose(err) {
				log.Info("Feed client disconnected")
			} else {
				log.Debug("Feed client read ended", "error", err)
			}
			return
		}

		frame := wire.Decode(raw, s.config.Clock.Now())
		switch {
		case frame.Kind == wire.KindEvent && frame.Type == wire.TypePing:
			pong, err := wire.Encode(wire.Envelope{Type: wire.TypePong}, s.config.Clock.Now())
			if err != nil {
				continue
			}
			if err := c.socket.WriteMessage(pong); err != nil {
				log.Warn("Pong write failed", "error", err)
				return
			}
		case frame.Dropped():
			log.Debug("Ignoring malformed client frame", "reason", frame.Reason)
		default:
			log.Debug("Ignoring client frame", "type", frame.Type)
		}
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status":  "healthy",
		"clients": s.ClientCount(),
	})
}
