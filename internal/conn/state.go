// Package conn manages one logical channel: a single socket, its liveness
// probe, and bounded reconnection.
package conn

import (
	"errors"
	"time"
)

// State is the lifecycle state of a channel.
type State string

const (
	StateIdle         State = "idle"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateReconnecting State = "reconnecting"
	StateError        State = "error"
	StateDisconnected State = "disconnected"
)

// Active reports whether a socket is open or being pursued.
func (s State) Active() bool {
	return s == StateConnecting || s == StateConnected || s == StateReconnecting
}

var (
	// ErrNotConnected is returned by Send when no socket is open.
	ErrNotConnected = errors.New("conn: not connected")
	// ErrStale is the failure recorded when the heartbeat declares the
	// connection silent.
	ErrStale = errors.New("conn: heartbeat timeout")
)

// StatusChange describes one state transition.
type StatusChange struct {
	Channel string
	From    State
	To      State
	// Retries is the number of reconnection attempts made since the last
	// successful open.
	Retries int
	Err     error
	At      time.Time
}

// Info is a point-in-time view of a manager.
type Info struct {
	ID           string    `json:"id"`
	URL          string    `json:"url"`
	State        State     `json:"state"`
	Retries      int       `json:"retries"`
	MaxRetries   int       `json:"maxRetries"`
	LastActivity time.Time `json:"lastActivity,omitempty"`
	ConnectedAt  time.Time `json:"connectedAt,omitempty"`
	LastError    string    `json:"lastError,omitempty"`
}
