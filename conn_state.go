package libmux

// State is the lifecycle state of a Connection.
type State uint8

const (
	StateIdle State = iota
	StateConnecting
	StateOpen
	StateClosing
	StateClosed
	StateReconnecting
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	case StateReconnecting:
		return "reconnecting"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// transitions lists the legal edges of the state machine. Closing is
// reachable from everywhere through Disconnect.
var transitions = map[State][]State{
	StateIdle:         {StateConnecting, StateClosing},
	StateConnecting:   {StateOpen, StateClosed, StateReconnecting, StateClosing},
	StateOpen:         {StateClosed, StateReconnecting, StateClosing},
	StateReconnecting: {StateOpen, StateFailed, StateClosing},
	StateClosed:       {StateConnecting, StateClosing},
	StateFailed:       {StateConnecting, StateClosing},
	StateClosing:      {StateClosed},
}

func (s State) canTransition(to State) bool {
	for _, next := range transitions[s] {
		if next == to {
			return true
		}
	}
	return false
}
