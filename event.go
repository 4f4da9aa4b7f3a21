package libmux

import "time"

// EventType names the notifications published on a Connection's emitter.
type EventType uint8

const (
	EventStateChanged EventType = iota + 1
	EventConnected
	EventDisconnected
	EventReconnecting
	EventFailed
	EventHealth
	EventFallback
	EventOperationFailed
)

func (t EventType) String() string {
	switch t {
	case EventStateChanged:
		return "state-changed"
	case EventConnected:
		return "connected"
	case EventDisconnected:
		return "disconnected"
	case EventReconnecting:
		return "reconnecting"
	case EventFailed:
		return "failed"
	case EventHealth:
		return "health"
	case EventFallback:
		return "fallback"
	case EventOperationFailed:
		return "operation-failed"
	default:
		return "unknown"
	}
}

// Event is the payload of every lifecycle notification. Only the fields
// relevant to Type are set.
type Event struct {
	Type         EventType
	ConnectionID string
	At           time.Time

	State    State
	Previous State

	// EventConnected
	Reconnected bool
	// EventReconnecting
	Attempt int
	Wait    time.Duration
	// EventHealth
	Health *HealthSnapshot
	// EventOperationFailed, EventDisconnected, EventFailed, EventFallback
	Method string
	Kind   ErrorKind
	Err    error
}
