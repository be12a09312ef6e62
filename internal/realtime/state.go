package realtime

import "time"

type State int

const (
	StateIdle State = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StateFailed
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateFailed:
		return "failed"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Status is published on every state transition.
type Status struct {
	State     State
	Transport string
	// Attempt is the reconnect attempt number while reconnecting.
	Attempt int
	Err     error
}

// Live reports whether outbound emits are currently possible.
func (s Status) Live() bool { return s.State == StateConnected }

// Session describes one established connection.
type Session struct {
	ID          string
	Transport   string
	ConnectedAt time.Time
}
