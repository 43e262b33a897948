// Package heartbeat detects connections that have gone silent.
package heartbeat

import (
	"log/slog"
	"sync"
	"time"

	"github.com/workspace/livesync/internal/clock"
	"github.com/workspace/livesync/internal/logging"
)

// DefaultInterval is the probe interval used when none is configured.
const DefaultInterval = 30 * time.Second

// Monitor sends a probe every interval while running. A tick that finds the
// previous probe unanswered, with no activity of any kind recorded since it
// was sent, declares the connection stale: the monitor stops and onStale
// runs once.
type Monitor struct {
	clock    clock.Clock
	interval time.Duration
	probe    func() error
	onStale  func()
	logger   *slog.Logger

	mu           sync.Mutex
	running      bool
	awaiting     bool
	timer        clock.Timer
	gen          uint64
	lastActivity time.Time
	probes       int
}

// NewMonitor creates a stopped monitor. probe and onStale are called without
// any monitor lock held.
func NewMonitor(clk clock.Clock, interval time.Duration, probe func() error, onStale func(), logger *slog.Logger) *Monitor {
	if clk == nil {
		clk = clock.Real()
	}
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Monitor{
		clock:    clk,
		interval: interval,
		probe:    probe,
		onStale:  onStale,
		logger:   logging.Component(logger, "heartbeat"),
	}
}

// Start begins probing. Calling Start on a running monitor restarts its
// interval.
func (m *Monitor) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.stopLocked()
	m.running = true
	m.awaiting = false
	m.lastActivity = m.clock.Now()
	m.armLocked()
}

func (m *Monitor) armLocked() {
	gen := m.gen
	m.timer = m.clock.AfterFunc(m.interval, func() { m.tick(gen) })
}

func (m *Monitor) tick(gen uint64) {
	m.mu.Lock()
	if !m.running || gen != m.gen {
		m.mu.Unlock()
		return
	}
	m.timer = nil

	if m.awaiting {
		silent := m.clock.Now().Sub(m.lastActivity)
		m.stopLocked()
		m.mu.Unlock()

		m.logger.Warn("Connection stale", "silentFor", silent, "interval", m.interval)
		if m.onStale != nil {
			m.onStale()
		}
		return
	}

	m.awaiting = true
	m.probes++
	m.armLocked()
	m.mu.Unlock()

	if m.probe == nil {
		return
	}
	if err := m.probe(); err != nil {
		m.logger.Debug("Probe failed", "error", err)
	}
}

// RecordActivity marks the connection as alive. Any inbound frame counts,
// not only probe responses.
func (m *Monitor) RecordActivity() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastActivity = m.clock.Now()
	m.awaiting = false
}

// Stop cancels the pending tick. It is safe to call on a stopped monitor.
func (m *Monitor) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopLocked()
}

func (m *Monitor) stopLocked() {
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	m.gen++
	m.running = false
}

// Running reports whether the monitor is probing.
func (m *Monitor) Running() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

// LastActivity returns when activity was last recorded.
func (m *Monitor) LastActivity() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastActivity
}

// Probes returns the number of probes sent since creation.
func (m *Monitor) Probes() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.probes
}
