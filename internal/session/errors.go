package session

import (
	"errors"

	"github.com/MrWong99/livecopilot/internal/resilience"
	"github.com/MrWong99/livecopilot/pkg/audio"
)

var (
	// ErrTransport wraps failures of the remote session: a failed connect, a
	// remote error event, or a connection that dropped with an error.
	ErrTransport = errors.New("session: transport failure")

	// ErrAlreadyActive is produced internally when Start is called while a
	// session is connecting or connected. Start swallows it and returns nil.
	ErrAlreadyActive = errors.New("session: already active")

	// ErrAborted is returned by Start when Stop cancelled the attempt before
	// it settled.
	ErrAborted = errors.New("session: start aborted")

	// ErrEngineClosed is returned by operations on an engine after Close.
	ErrEngineClosed = errors.New("session: engine closed")
)

// User-facing messages.
const (
	msgNoAudioTrack = "No audio track found. Ensure you checked 'Share tab audio'."
	msgPermission   = "Capture permission denied. Allow microphone and screen audio access, then try again."
	msgTransport    = "Connection failed. Check API key and system permissions."
	msgUnavailable  = "Remote service unavailable. Try again shortly."
	msgStartFailed  = "Failed to start session."
)

// UserMessage maps err to the single human-readable message shown after a
// teardown. It returns "" for nil and for [ErrAborted].
func UserMessage(err error) string {
	switch {
	case err == nil, errors.Is(err, ErrAborted):
		return ""
	case errors.Is(err, audio.ErrNoAudioTrack):
		return msgNoAudioTrack
	case errors.Is(err, audio.ErrPermissionDenied):
		return msgPermission
	case errors.Is(err, resilience.ErrCircuitOpen):
		return msgUnavailable
	case errors.Is(err, ErrTransport):
		return msgTransport
	default:
		return msgStartFailed
	}
}
