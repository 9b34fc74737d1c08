package tunnel

import "fmt"

// State is the lifecycle of a Handle.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateForwarding
	StateClosing
	StateClosed
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateForwarding:
		return "forwarding"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

var transitions = map[State][]State{
	StateIdle:       {StateConnecting, StateClosed},
	StateConnecting: {StateForwarding, StateFailed, StateClosing},
	StateForwarding: {StateClosing, StateFailed},
	StateClosing:    {StateClosed},
	StateFailed:     {StateClosing, StateClosed},
}

// CanTransition reports whether from → to is allowed.
func CanTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}
