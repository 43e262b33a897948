package conn

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/workspace/livesync/internal/clock"
	"github.com/workspace/livesync/internal/heartbeat"
	"github.com/workspace/livesync/internal/logging"
	"github.com/workspace/livesync/internal/reconnect"
	"github.com/workspace/livesync/internal/transport"
	"github.com/workspace/livesync/internal/wire"
)

// DefaultDialTimeout bounds a single dial attempt.
const DefaultDialTimeout = 10 * time.Second

// Options configures a Manager.
type Options struct {
	ID     string
	URL    string
	Dialer transport.Dialer
	Clock  clock.Clock
	// Policy spaces reconnection attempts. Nil means a fixed interval of
	// reconnect.DefaultInterval.
	Policy            reconnect.Policy
	MaxRetries        int
	HeartbeatInterval time.Duration
	DialTimeout       time.Duration
	// OnFrame receives every inbound frame, in order, from the read
	// goroutine.
	OnFrame func([]byte)
	// OnStatus receives every transition. It is called without the
	// manager's lock held and may call back into the manager.
	OnStatus func(StatusChange)
	Logger   *slog.Logger
}

// Manager owns at most one socket at a time and drives it through the
// connection lifecycle. Every asynchronous callback (dial result, read error,
// retry timer, heartbeat) carries the generation it was started under and
// is ignored once the generation has moved on.
type Manager struct {
	id          string
	url         string
	dialer      transport.Dialer
	clock       clock.Clock
	dialTimeout time.Duration
	onFrame     func([]byte)
	onStatus    func(StatusChange)
	logger      *slog.Logger

	scheduler *reconnect.Scheduler
	heartbeat *heartbeat.Monitor

	mu          sync.Mutex
	state       State
	sock        transport.Socket
	gen         uint64
	cancelDial  context.CancelFunc
	connectedAt time.Time
	lastErr     error
}

// New creates an idle manager. Nothing is dialed until Connect.
func New(opts Options) *Manager {
	clk := opts.Clock
	if clk == nil {
		clk = clock.Real()
	}
	dialer := opts.Dialer
	if dialer == nil {
		dialer = transport.WebSocketDialer{}
	}
	dialTimeout := opts.DialTimeout
	if dialTimeout <= 0 {
		dialTimeout = DefaultDialTimeout
	}

	m := &Manager{
		id:          opts.ID,
		url:         opts.URL,
		dialer:      dialer,
		clock:       clk,
		dialTimeout: dialTimeout,
		onFrame:     opts.OnFrame,
		onStatus:    opts.OnStatus,
		logger:      logging.Component(opts.Logger, "conn").With("channel", opts.ID),
		state:       StateIdle,
	}
	m.scheduler = reconnect.NewScheduler(opts.Policy, opts.MaxRetries, clk)
	m.heartbeat = heartbeat.NewMonitor(clk, opts.HeartbeatInterval, m.probe, m.handleStale, opts.Logger)
	return m
}

// ID returns the channel identity.
func (m *Manager) ID() string { return m.id }

// URL returns the endpoint.
func (m *Manager) URL() string { return m.url }

// Connect starts dialing from idle, disconnected, or error. It is a no-op
// while a socket is open or being pursued. Connecting from error restores
// the full retry budget.
func (m *Manager) Connect() {
	m.mu.Lock()
	if m.state.Active() {
		m.mu.Unlock()
		return
	}
	m.scheduler.Reset()
	m.lastErr = nil
	change := m.setStateLocked(StateConnecting)
	m.startDialLocked()
	m.mu.Unlock()

	m.notify(change)
}

func (m *Manager) startDialLocked() {
	m.gen++
	gen := m.gen
	ctx, cancel := context.WithTimeout(context.Background(), m.dialTimeout)
	m.cancelDial = cancel
	m.logger.Debug("Dialing", "url", m.url, "attempt", m.scheduler.Attempts())
	go m.dial(ctx, cancel, gen)
}

func (m *Manager) dial(ctx context.Context, cancel context.CancelFunc, gen uint64) {
	sock, err := m.dialer.Dial(ctx, m.url)
	cancel()

	m.mu.Lock()
	if gen != m.gen || m.state != StateConnecting {
		m.mu.Unlock()
		if sock != nil {
			_ = sock.Close()
		}
		return
	}
	m.cancelDial = nil

	if err != nil {
		change, stale := m.failLocked(err)
		m.mu.Unlock()
		closeSocket(stale)
		m.notify(change)
		return
	}

	m.sock = sock
	m.connectedAt = m.clock.Now()
	m.lastErr = nil
	m.scheduler.Reset()
	m.heartbeat.Start()
	change := m.setStateLocked(StateConnected)
	m.mu.Unlock()

	m.logger.Info("Connected", "url", m.url)
	m.notify(change)
	go m.readLoop(sock, gen)
}

func (m *Manager) readLoop(sock transport.Socket, gen uint64) {
	for {
		data, err := sock.ReadMessage()
		if err != nil {
			m.mu.Lock()
			if gen != m.gen {
				m.mu.Unlock()
				return
			}
			if transport.IsNormalClose(err) {
				err = fmt.Errorf("closed by server: %w", err)
			}
			change, stale := m.failLocked(err)
			m.mu.Unlock()
			closeSocket(stale)
			m.notify(change)
			return
		}

		if !m.current(gen) {
			return
		}
		m.heartbeat.RecordActivity()
		if m.onFrame != nil {
			m.onFrame(data)
		}
	}
}

func (m *Manager) current(gen uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return gen == m.gen
}

// failLocked handles a transport failure: it tears down the socket and
// either arms a retry or, once the budget is spent, parks in error. The
// returned socket must be closed after unlocking.
func (m *Manager) failLocked(err error) (StatusChange, transport.Socket) {
	m.gen++
	m.heartbeat.Stop()
	sock := m.sock
	m.sock = nil
	m.lastErr = err

	gen := m.gen
	attempt, ok := m.scheduler.Schedule(func(int) { m.retry(gen) })
	if !ok {
		m.logger.Error("Reconnection retries exhausted",
			"attempts", attempt,
			"maxRetries", m.scheduler.MaxRetries(),
			"error", err,
		)
		return m.setStateLocked(StateError), sock
	}

	m.logger.Warn("Connection lost, reconnecting",
		"attempt", attempt,
		"maxRetries", m.scheduler.MaxRetries(),
		"error", err,
	)
	return m.setStateLocked(StateReconnecting), sock
}

func (m *Manager) retry(gen uint64) {
	m.mu.Lock()
	if gen != m.gen || m.state != StateReconnecting {
		m.mu.Unlock()
		return
	}
	change := m.setStateLocked(StateConnecting)
	m.startDialLocked()
	m.mu.Unlock()

	m.notify(change)
}

func (m *Manager) probe() error {
	data, err := wire.Encode(wire.Envelope{Type: wire.TypePing}, m.clock.Now())
	if err != nil {
		return err
	}
	return m.Send(data)
}

func (m *Manager) handleStale() {
	m.mu.Lock()
	if m.state != StateConnected {
		m.mu.Unlock()
		return
	}
	change, stale := m.failLocked(ErrStale)
	m.mu.Unlock()

	closeSocket(stale)
	m.notify(change)
}

// Close moves the manager to disconnected. It cancels any pending dial,
// retry timer, and heartbeat and closes the socket before returning.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.state == StateDisconnected {
		m.mu.Unlock()
		return
	}
	m.gen++
	if m.cancelDial != nil {
		m.cancelDial()
		m.cancelDial = nil
	}
	m.scheduler.Cancel()
	m.heartbeat.Stop()
	sock := m.sock
	m.sock = nil
	change := m.setStateLocked(StateDisconnected)
	m.mu.Unlock()

	closeSocket(sock)
	m.logger.Debug("Closed")
	m.notify(change)
}

// Send writes one frame on the open socket.
func (m *Manager) Send(data []byte) error {
	m.mu.Lock()
	sock := m.sock
	state := m.state
	m.mu.Unlock()

	if state != StateConnected || sock == nil {
		return ErrNotConnected
	}
	return sock.WriteMessage(data)
}

// SendEnvelope encodes env and sends it.
func (m *Manager) SendEnvelope(env wire.Envelope) error {
	data, err := wire.Encode(env, m.clock.Now())
	if err != nil {
		return err
	}
	return m.Send(data)
}

// State returns the current state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Retries returns reconnection attempts made since the last successful open.
func (m *Manager) Retries() int {
	return m.scheduler.Attempts()
}

// LastActivity returns when a frame was last received.
func (m *Manager) LastActivity() time.Time {
	return m.heartbeat.LastActivity()
}

// Info returns a snapshot of the manager.
func (m *Manager) Info() Info {
	m.mu.Lock()
	info := Info{
		ID:          m.id,
		URL:         m.url,
		State:       m.state,
		ConnectedAt: m.connectedAt,
	}
	if m.lastErr != nil {
		info.LastError = m.lastErr.Error()
	}
	m.mu.Unlock()

	info.Retries = m.scheduler.Attempts()
	info.MaxRetries = m.scheduler.MaxRetries()
	info.LastActivity = m.heartbeat.LastActivity()
	return info
}

func (m *Manager) setStateLocked(to State) StatusChange {
	change := StatusChange{
		Channel: m.id,
		From:    m.state,
		To:      to,
		Retries: m.scheduler.Attempts(),
		Err:     m.lastErr,
		At:      m.clock.Now(),
	}
	m.state = to
	return change
}

func (m *Manager) notify(change StatusChange) {
	if m.onStatus == nil || change.From == change.To {
		return
	}
	m.onStatus(change)
}

func closeSocket(sock transport.Socket) {
	if sock != nil {
		_ = sock.Close()
	}
}
