package registry

import "github.com/workspace/livesync/internal/conn"

// Status is the connection status shown to users.
type Status string

const (
	StatusConnected    Status = "connected"
	StatusConnecting   Status = "connecting"
	StatusDisconnected Status = "disconnected"
	StatusError        Status = "error"
)

// StatusOf folds a lifecycle state into a Status. A channel waiting to
// reconnect is reported as connecting.
func StatusOf(s conn.State) Status {
	switch s {
	case conn.StateConnected:
		return StatusConnected
	case conn.StateConnecting, conn.StateReconnecting:
		return StatusConnecting
	case conn.StateError:
		return StatusError
	default:
		return StatusDisconnected
	}
}
