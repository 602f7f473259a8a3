package session

import "fmt"

// State is the lifecycle state of the engine.
//
//	Idle ──Start──▶ Connecting ──live──▶ Listening ⇄ Speaking
//	  any ──Stop / failure / remote close──▶ Closed ──Start──▶ Connecting
//
// Listening and Speaking are the two sub-states of a connected session.
type State int

const (
	// Idle is the state before the first Start.
	Idle State = iota

	// Connecting covers device acquisition and the remote open.
	Connecting

	// Listening is connected with no remote audio scheduled.
	Listening

	// Speaking is connected with at least one remote chunk scheduled or
	// playing.
	Speaking

	// Closed is the state after a teardown.
	Closed
)

// String returns the lower-case state name.
func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Connecting:
		return "connecting"
	case Listening:
		return "listening"
	case Speaking:
		return "speaking"
	case Closed:
		return "closed"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// MarshalText implements [encoding.TextMarshaler].
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Connected reports whether a remote session is live.
func (s State) Connected() bool {
	return s == Listening || s == Speaking
}

// Active reports whether a Start would be a no-op.
func (s State) Active() bool {
	return s == Connecting || s.Connected()
}

// StatusText returns the short status shown to the user.
func (s State) StatusText() string {
	switch s {
	case Connecting:
		return "CONNECTING"
	case Listening:
		return "ONLINE"
	case Speaking:
		return "BUSY"
	default:
		return "OFFLINE"
	}
}
