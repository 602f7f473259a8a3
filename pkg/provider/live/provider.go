// Package live defines the Provider interface for real-time duplex inference
// backends.
//
// A live provider wraps a remote model that accepts a continuous stream of
// 16-bit PCM audio and answers with streamed audio, transcription of both
// sides of the conversation, and turn boundaries, all inside one stateful
// session. Gemini Live and the OpenAI Realtime API are the two shipped
// implementations.
//
// Everything the remote side produces arrives on a single ordered event
// channel so consumers observe transcript text, turn completion and audio in
// exactly the order the server sent them.
//
// All implementations must be safe for concurrent use.
package live

import (
	"context"
	"errors"

	"github.com/MrWong99/livecopilot/pkg/types"
)

var (
	// ErrReconfigureUnsupported is returned by [Session.UpdateInstructions]
	// when the backend cannot replace instructions in place. Callers fall
	// back to a text signal via [Session.SendText].
	ErrReconfigureUnsupported = errors.New("live: in-place reconfiguration not supported")

	// ErrSessionClosed is returned by write methods after [Session.Close].
	ErrSessionClosed = errors.New("live: session closed")
)

// SessionConfig is the initial configuration for a new live session.
type SessionConfig struct {
	// Voice is the provider-specific prebuilt voice name (e.g. "Kore").
	Voice string

	// Instructions is the system instruction defining the assistant persona.
	Instructions string

	// InputTranscription asks the provider to transcribe the caller's audio.
	InputTranscription bool

	// OutputTranscription asks the provider to transcribe its own audio.
	OutputTranscription bool
}

// EventKind discriminates [Event] values.
type EventKind int

const (
	// EventTranscript carries a partial transcription fragment in Text for
	// the speaker in Role.
	EventTranscript EventKind = iota + 1

	// EventTurnComplete marks the end of a conversational turn.
	EventTurnComplete

	// EventAudio carries one chunk of 24 kHz mono 16-bit PCM in Audio.
	EventAudio

	// EventError carries a remote error in Err. The session is unusable
	// afterwards.
	EventError
)

// String returns the event kind name.
func (k EventKind) String() string {
	switch k {
	case EventTranscript:
		return "transcript"
	case EventTurnComplete:
		return "turn_complete"
	case EventAudio:
		return "audio"
	case EventError:
		return "error"
	default:
		return "unknown"
	}
}

// Event is one inbound message from the remote session.
type Event struct {
	Kind  EventKind
	Role  types.Role
	Text  string
	Audio []byte
	Err   error
}

// Session represents an open live session. It is an interface so that test
// code can supply mock implementations without a live provider connection.
//
// Callers must call Close when the session is no longer needed.
type Session interface {
	// SendAudio delivers one chunk of 16 kHz mono 16-bit PCM. The chunk is not
	// retained after SendAudio returns, so callers may reuse the buffer.
	SendAudio(chunk []byte) error

	// SendText delivers a text message as realtime user input.
	SendText(text string) error

	// UpdateInstructions replaces the system instructions for subsequent
	// turns. Returns [ErrReconfigureUnsupported] when the backend cannot do
	// this in place.
	UpdateInstructions(instructions string) error

	// Events returns the ordered inbound event stream. The channel is closed
	// when the session ends for any reason; a closed channel is the close
	// event. Consumers must drain it promptly.
	Events() <-chan Event

	// Err returns the transport error that ended the session, or nil if it
	// was closed locally or cleanly by the server.
	Err() error

	// Close terminates the session and closes the Events channel. Calling
	// Close more than once is safe and returns nil.
	Close() error
}

// Provider is the abstraction over any live backend.
type Provider interface {
	// Connect opens a session. The returned session is ready to accept audio
	// immediately. Returns an error if the session cannot be established
	// (e.g. authentication failure or ctx already cancelled); ctx bounds only
	// the handshake, not the session lifetime.
	Connect(ctx context.Context, cfg SessionConfig) (Session, error)
}
