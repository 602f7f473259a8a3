// Package types defines the value types shared across livecopilot packages.
//
// They form the lingua franca between the remote session providers, the
// transcript aggregator and the session engine. Each package defines its own
// domain types; cross-cutting data structures live here to avoid circular
// imports.
package types

// Role identifies which side of the conversation produced a piece of text.
type Role int

const (
	// RoleCaller is the local participant whose audio is captured.
	RoleCaller Role = iota

	// RoleRemote is the remote inference session speaking back.
	RoleRemote
)

// String returns the wire name of the role.
func (r Role) String() string {
	switch r {
	case RoleCaller:
		return "caller"
	case RoleRemote:
		return "remote"
	default:
		return "unknown"
	}
}

// MarshalText implements [encoding.TextMarshaler] so roles serialise by name.
func (r Role) MarshalText() ([]byte, error) {
	return []byte(r.String()), nil
}

// Fragment is a piece of partial transcription text streamed by the remote
// session. Fragments are appended to a per-role accumulator until a turn
// boundary is signalled.
type Fragment struct {
	Text string
	Role Role
}

// Turn is one committed utterance in the transcript history. Turns are
// immutable once committed.
type Turn struct {
	Text string `json:"text"`
	Role Role   `json:"role"`
}
