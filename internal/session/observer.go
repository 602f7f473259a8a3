package session

import "github.com/MrWong99/livecopilot/internal/transcript"

// Observer receives engine notifications. All methods are called from the
// engine's loop goroutine, in order, and must not block.
type Observer interface {
	// SessionStatusChanged reports that a remote session went live (true) or
	// that a connecting or live session was torn down (false).
	SessionStatusChanged(connected bool)

	// StateChanged reports every state transition.
	StateChanged(s State)

	// TranscriptChanged reports new fragments, committed turns and resets.
	TranscriptChanged(t transcript.Snapshot)

	// ActivityChanged reports the capture activity level in [0, 1].
	ActivityChanged(level float64)

	// SessionError reports the message of a failed start or a mid-session
	// failure.
	SessionError(msg string)
}

// NopObserver ignores every notification. Embed it to implement only the
// methods you need.
type NopObserver struct{}

func (NopObserver) SessionStatusChanged(bool) {}
func (NopObserver) StateChanged(State) {}
func (NopObserver) TranscriptChanged(transcript.Snapshot) {}
func (NopObserver) ActivityChanged(float64) {}
func (NopObserver) SessionError(string) {}

// Observers fans every notification out to each element in order.
type Observers []Observer

var (
	_ Observer = NopObserver{}
	_ Observer = Observers(nil)
)

func (os Observers) SessionStatusChanged(connected bool) {
	for _, o := range os {
		o.SessionStatusChanged(connected)
	}
}

func (os Observers) StateChanged(s State) {
	for _, o := range os {
		o.StateChanged(s)
	}
}

func (os Observers) TranscriptChanged(t transcript.Snapshot) {
	for _, o := range os {
		o.TranscriptChanged(t)
	}
}

func (os Observers) ActivityChanged(level float64) {
	for _, o := range os {
		o.ActivityChanged(level)
	}
}

func (os Observers) SessionError(msg string) {
	for _, o := range os {
		o.SessionError(msg)
	}
}
