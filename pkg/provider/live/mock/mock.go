// Package mock provides test doubles for the live package interfaces.
//
// Use Provider to verify Connect calls and hand out controlled sessions. Use
// Session to script inbound events and inspect what the engine sent.
//
// Example:
//
//	p := &mock.Provider{}
//	sess, _ := p.Connect(ctx, cfg)
//	m := p.LastSession()
//	m.Emit(live.Event{Kind: live.EventTranscript, Role: types.RoleCaller, Text: "hi"})
//	m.Hangup()
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/livecopilot/pkg/provider/live"
)

// ConnectCall records a single invocation of Provider.Connect.
type ConnectCall struct {
	// Ctx is the context passed to Connect.
	Ctx context.Context
	// Cfg is the SessionConfig passed to Connect.
	Cfg live.SessionConfig
}

// Provider is a mock implementation of live.Provider.
type Provider struct {
	mu sync.Mutex

	// Session is returned by Connect when non-nil. Otherwise each Connect
	// returns a fresh Session.
	Session *Session

	// ConnectErr, if non-nil, is returned as the error from Connect.
	ConnectErr error

	// ConnectGate, when non-nil, makes Connect block until the channel is
	// closed or ctx is done.
	ConnectGate chan struct{}

	connectCalls []ConnectCall
	sessions     []*Session
}

// Ensure Provider implements live.Provider at compile time.
var _ live.Provider = (*Provider)(nil)

// Connect records the call and returns Session or a fresh session.
func (p *Provider) Connect(ctx context.Context, cfg live.SessionConfig) (live.Session, error) {
	p.mu.Lock()
	p.connectCalls = append(p.connectCalls, ConnectCall{Ctx: ctx, Cfg: cfg})
	gate := p.ConnectGate
	p.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ConnectErr != nil {
		return nil, p.ConnectErr
	}
	s := p.Session
	if s == nil {
		s = NewSession(64)
	}
	p.sessions = append(p.sessions, s)
	return s, nil
}

// ConnectCalls returns a copy of every recorded Connect call.
func (p *Provider) ConnectCalls() []ConnectCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]ConnectCall, len(p.connectCalls))
	copy(out, p.connectCalls)
	return out
}

// LastSession returns the session handed out by the most recent successful
// Connect, or nil.
func (p *Provider) LastSession() *Session {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.sessions) == 0 {
		return nil
	}
	return p.sessions[len(p.sessions)-1]
}

// Sessions returns every session handed out so far.
func (p *Provider) Sessions() []*Session {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*Session, len(p.sessions))
	copy(out, p.sessions)
	return out
}

// Session is a mock implementation of live.Session. Tests push inbound
// events with Emit and end the session with Hangup or Fail.
type Session struct {
	mu sync.Mutex

	// SendAudioErr, SendTextErr and UpdateInstructionsErr are returned by the
	// corresponding methods when non-nil.
	SendAudioErr          error
	SendTextErr           error
	UpdateInstructionsErr error

	audio        [][]byte
	texts        []string
	instructions []string
	closeCount   int
	err          error

	emitMu    sync.Mutex // serialises Emit against closing events
	events    chan live.Event
	done      chan struct{}
	endOnce   sync.Once
	closeOnce sync.Once
}

// Ensure Session implements live.Session at compile time.
var _ live.Session = (*Session)(nil)

// NewSession returns a session whose event channel holds buffer events.
func NewSession(buffer int) *Session {
	return &Session{
		events: make(chan live.Event, buffer),
		done:   make(chan struct{}),
	}
}

// Emit delivers e to the consumer. It blocks until the event is accepted and
// reports false if the session ended first.
func (s *Session) Emit(e live.Event) bool {
	s.emitMu.Lock()
	defer s.emitMu.Unlock()
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.events <- e:
		return true
	case <-s.done:
		return false
	}
}

// Hangup ends the session from the remote side without an error.
func (s *Session) Hangup() { s.end(nil) }

// Fail ends the session from the remote side with err, as a transport failure
// would.
func (s *Session) Fail(err error) { s.end(err) }

func (s *Session) end(err error) {
	s.mu.Lock()
	if s.err == nil {
		s.err = err
	}
	s.mu.Unlock()

	s.endOnce.Do(func() { close(s.done) })
	s.emitMu.Lock()
	s.closeOnce.Do(func() { close(s.events) })
	s.emitMu.Unlock()
}

// SendAudio records a copy of chunk.
func (s *Session) SendAudio(chunk []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.SendAudioErr != nil {
		return s.SendAudioErr
	}
	if s.closeCount > 0 {
		return live.ErrSessionClosed
	}
	cp := make([]byte, len(chunk))
	copy(cp, chunk)
	s.audio = append(s.audio, cp)
	return nil
}

// SendText records text.
func (s *Session) SendText(text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.texts = append(s.texts, text)
	if s.SendTextErr != nil {
		return s.SendTextErr
	}
	return nil
}

// UpdateInstructions records instructions.
func (s *Session) UpdateInstructions(instructions string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.instructions = append(s.instructions, instructions)
	if s.UpdateInstructionsErr != nil {
		return s.UpdateInstructionsErr
	}
	return nil
}

// Events implements live.Session.
func (s *Session) Events() <-chan live.Event { return s.events }

// Err implements live.Session.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close records the call and closes the event channel.
func (s *Session) Close() error {
	s.mu.Lock()
	s.closeCount++
	s.mu.Unlock()
	s.end(nil)
	return nil
}

// Audio returns copies of every chunk passed to SendAudio.
func (s *Session) Audio() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][]byte, len(s.audio))
	copy(out, s.audio)
	return out
}

// Texts returns every string passed to SendText.
func (s *Session) Texts() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.texts))
	copy(out, s.texts)
	return out
}

// Instructions returns every string passed to UpdateInstructions.
func (s *Session) Instructions() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.instructions))
	copy(out, s.instructions)
	return out
}

// CloseCount returns how many times Close was called.
func (s *Session) CloseCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeCount
}
