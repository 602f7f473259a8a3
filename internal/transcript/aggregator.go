// Package transcript aggregates streamed transcription fragments into
// conversation turns.
//
// The remote session streams partial text for both sides of the
// conversation. Fragments are concatenated verbatim into one accumulator per
// role until the remote signals a turn boundary. At that point:
//
//  1. The caller accumulator (if non-empty) is committed as a turn.
//  2. The remote accumulator (if non-empty) is committed as a turn.
//  3. Both accumulators are cleared.
//
// Committed turns form a bounded history; the oldest turns are evicted first.
//
// Aggregator is not safe for concurrent use. The session engine owns one per
// daemon and only touches it from its loop goroutine.
package transcript

import (
	"strings"

	"github.com/MrWong99/livecopilot/pkg/types"
)

// DefaultHistoryLimit is the number of committed turns retained.
const DefaultHistoryLimit = 15

// Snapshot is a read-only view of the aggregator.
type Snapshot struct {
	// History holds committed turns, oldest first.
	History []types.Turn `json:"history"`

	// PendingCaller is the uncommitted caller text.
	PendingCaller string `json:"pending_caller"`

	// PendingRemote is the uncommitted remote text.
	PendingRemote string `json:"pending_remote"`
}

// Display renders the snapshot as one line per turn followed by the pending
// text of each side.
func (s Snapshot) Display() string {
	var b strings.Builder
	for _, t := range s.History {
		writeLine(&b, t.Role, t.Text)
	}
	if s.PendingCaller != "" {
		writeLine(&b, types.RoleCaller, s.PendingCaller)
	}
	if s.PendingRemote != "" {
		writeLine(&b, types.RoleRemote, s.PendingRemote)
	}
	return b.String()
}

func writeLine(b *strings.Builder, role types.Role, text string) {
	if b.Len() > 0 {
		b.WriteByte('\n')
	}
	b.WriteString(role.String())
	b.WriteString(": ")
	b.WriteString(text)
}

// Option is a functional option for [New].
type Option func(*Aggregator)

// WithHistoryLimit overrides [DefaultHistoryLimit]. Values below one are
// ignored.
func WithHistoryLimit(n int) Option {
	return func(a *Aggregator) {
		if n > 0 {
			a.limit = n
		}
	}
}

// Aggregator accumulates fragments per role and commits them as turns.
type Aggregator struct {
	limit   int
	caller  strings.Builder
	remote  strings.Builder
	history []types.Turn
}

// New returns an empty Aggregator.
func New(opts ...Option) *Aggregator {
	a := &Aggregator{limit: DefaultHistoryLimit}
	for _, o := range opts {
		o(a)
	}
	return a
}

// Append adds text to the accumulator of role. Text is not trimmed.
func (a *Aggregator) Append(role types.Role, text string) {
	switch role {
	case types.RoleCaller:
		a.caller.WriteString(text)
	case types.RoleRemote:
		a.remote.WriteString(text)
	}
}

// AppendFragment is a convenience wrapper around [Aggregator.Append].
func (a *Aggregator) AppendFragment(f types.Fragment) {
	a.Append(f.Role, f.Text)
}

// CommitTurn moves the pending text into history and returns the turns it
// committed (zero, one or two). Both accumulators are always cleared.
func (a *Aggregator) CommitTurn() []types.Turn {
	var committed []types.Turn
	if s := a.caller.String(); s != "" {
		committed = append(committed, types.Turn{Role: types.RoleCaller, Text: s})
	}
	if s := a.remote.String(); s != "" {
		committed = append(committed, types.Turn{Role: types.RoleRemote, Text: s})
	}
	a.Reset()

	if len(committed) == 0 {
		return nil
	}
	a.history = append(a.history, committed...)
	if over := len(a.history) - a.limit; over > 0 {
		a.history = append(a.history[:0:0], a.history[over:]...)
	}
	return committed
}

// History returns a copy of the committed turns, oldest first.
func (a *Aggregator) History() []types.Turn {
	out := make([]types.Turn, len(a.history))
	copy(out, a.history)
	return out
}

// Pending returns the uncommitted caller and remote text.
func (a *Aggregator) Pending() (caller, remote string) {
	return a.caller.String(), a.remote.String()
}

// Snapshot returns a copy of the aggregator state.
func (a *Aggregator) Snapshot() Snapshot {
	caller, remote := a.Pending()
	return Snapshot{
		History:       a.History(),
		PendingCaller: caller,
		PendingRemote: remote,
	}
}

// Display renders the history plus pending text. See [Snapshot.Display].
func (a *Aggregator) Display() string {
	return a.Snapshot().Display()
}

// Reset clears both accumulators. History is kept.
func (a *Aggregator) Reset() {
	a.caller.Reset()
	a.remote.Reset()
}
