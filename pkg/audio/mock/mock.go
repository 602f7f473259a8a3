// Package mock provides in-memory implementations of [audio.Platform],
// [audio.Input], [audio.Stream] and [audio.Output] for use in unit tests.
//
// All mocks are safe for concurrent use. They record every call so tests can
// assert on call counts and arguments, and they expose exported fields that
// the test sets before use to control return values.
//
// The mock [Output] runs on a manual clock: nothing ends until the test calls
// [Output.Advance].
//
// Typical usage:
//
//	in := &mock.Input{}
//	out := mock.NewOutput()
//	platform := &mock.Platform{Input: in, Output: out}
//	// ... start a session, then:
//	in.Mic().Push(audio.AudioFrame{Samples: make([]float32, 4096)})
//	out.Advance(500 * time.Millisecond)
package mock

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/MrWong99/livecopilot/pkg/audio"
)

// Compile-time interface assertions.
var (
	_ audio.Platform = (*Platform)(nil)
	_ audio.Input    = (*Input)(nil)
	_ audio.Stream   = (*Stream)(nil)
	_ audio.Output   = (*Output)(nil)
	_ audio.Voice    = (*Voice)(nil)
)

// ErrClosed is returned by [Output.Schedule] after [Output.Close].
var ErrClosed = errors.New("mock: output closed")

// ─── Stream ──────────────────────────────────────────────────────────────────

// Stream is a mock [audio.Stream] whose frames are pushed by the test.
type Stream struct {
	mu        sync.Mutex
	ch        chan audio.AudioFrame
	tracks    int
	label     string
	stopErr   error
	stopCount int
	closed    bool
}

// NewStream returns a stream reporting tracks audio tracks with a frame
// buffer of size buffer.
func NewStream(label string, tracks, buffer int) *Stream {
	return &Stream{
		ch:     make(chan audio.AudioFrame, buffer),
		tracks: tracks,
		label:  label,
	}
}

// SetStopError makes subsequent [Stream.Stop] calls return err.
func (s *Stream) SetStopError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopErr = err
}

// Push delivers f without blocking. It reports false when the stream is
// stopped or the buffer is full.
func (s *Stream) Push(f audio.AudioFrame) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	select {
	case s.ch <- f:
		return true
	default:
		return false
	}
}

// Frames implements [audio.Stream].
func (s *Stream) Frames() <-chan audio.AudioFrame { return s.ch }

// AudioTracks implements [audio.Stream].
func (s *Stream) AudioTracks() int { return s.tracks }

// Label implements [audio.Stream].
func (s *Stream) Label() string { return s.label }

// Stop implements [audio.Stream]. The frame channel is closed on the first
// call; every call is counted.
func (s *Stream) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopCount++
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
	return s.stopErr
}

// StopCount returns how many times Stop was called.
func (s *Stream) StopCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopCount
}

// Stopped reports whether Stop has been called at least once.
func (s *Stream) Stopped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// ─── Input ───────────────────────────────────────────────────────────────────

// Input is a mock [audio.Input]. When MicStream or DisplayStream is nil a
// fresh stream is created per call; the most recent one is available through
// [Input.Mic] and [Input.Display].
type Input struct {
	mu sync.Mutex

	// MicStream is returned by Microphone when non-nil.
	MicStream *Stream

	// MicErr is returned by Microphone when non-nil.
	MicErr error

	// MicGate, when non-nil, makes Microphone block until the channel is
	// closed or ctx is done.
	MicGate chan struct{}

	// DisplayStream is returned by DisplayAudio when non-nil.
	DisplayStream *Stream

	// DisplayErr is returned by DisplayAudio when non-nil.
	DisplayErr error

	// NoDisplayAudio makes freshly created display streams report zero audio
	// tracks.
	NoDisplayAudio bool

	// CloseErr is returned by Close.
	CloseErr error

	micCalls     []audio.MicConstraints
	displayCalls []audio.DisplayConstraints
	closeCount   int
	lastMic      *Stream
	lastDisplay  *Stream
}

// Microphone implements [audio.Input].
func (in *Input) Microphone(ctx context.Context, c audio.MicConstraints) (audio.Stream, error) {
	in.mu.Lock()
	in.micCalls = append(in.micCalls, c)
	gate := in.MicGate
	in.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	in.mu.Lock()
	defer in.mu.Unlock()
	if in.MicErr != nil {
		return nil, in.MicErr
	}
	s := in.MicStream
	if s == nil {
		s = NewStream("mock microphone", 1, 64)
	}
	in.lastMic = s
	return s, nil
}

// DisplayAudio implements [audio.Input].
func (in *Input) DisplayAudio(_ context.Context, c audio.DisplayConstraints) (audio.Stream, error) {
	in.mu.Lock()
	defer in.mu.Unlock()
	in.displayCalls = append(in.displayCalls, c)
	if in.DisplayErr != nil {
		return nil, in.DisplayErr
	}
	s := in.DisplayStream
	if s == nil {
		tracks := 1
		if in.NoDisplayAudio {
			tracks = 0
		}
		s = NewStream("mock display", tracks, 64)
	}
	in.lastDisplay = s
	return s, nil
}

// Close implements [audio.Input].
func (in *Input) Close() error {
	in.mu.Lock()
	defer in.mu.Unlock()
	in.closeCount++
	return in.CloseErr
}

// Mic returns the stream handed out by the most recent Microphone call.
func (in *Input) Mic() *Stream {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.lastMic
}

// Display returns the stream handed out by the most recent DisplayAudio call.
func (in *Input) Display() *Stream {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.lastDisplay
}

// MicCalls returns a copy of the constraints passed to Microphone.
func (in *Input) MicCalls() []audio.MicConstraints {
	in.mu.Lock()
	defer in.mu.Unlock()
	out := make([]audio.MicConstraints, len(in.micCalls))
	copy(out, in.micCalls)
	return out
}

// DisplayCalls returns a copy of the constraints passed to DisplayAudio.
func (in *Input) DisplayCalls() []audio.DisplayConstraints {
	in.mu.Lock()
	defer in.mu.Unlock()
	out := make([]audio.DisplayConstraints, len(in.displayCalls))
	copy(out, in.displayCalls)
	return out
}

// CloseCount returns how many times Close was called.
func (in *Input) CloseCount() int {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.closeCount
}

// ─── Output ──────────────────────────────────────────────────────────────────

// Output is a mock [audio.Output] driven by a manual clock.
type Output struct {
	mu sync.Mutex

	// ScheduleErr is returned by Schedule when non-nil.
	ScheduleErr error

	now        time.Duration
	voices     []*Voice
	closed     bool
	closeCount int
}

// NewOutput returns an output whose clock reads zero.
func NewOutput() *Output { return &Output{} }

// Now implements [audio.Output].
func (o *Output) Now() time.Duration {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.now
}

// Schedule implements [audio.Output]. A start in the past is moved to the
// current clock reading, as a real device would.
func (o *Output) Schedule(buf *audio.Buffer, at time.Duration, onEnded func()) (audio.Voice, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.ScheduleErr != nil {
		return nil, o.ScheduleErr
	}
	if o.closed {
		return nil, ErrClosed
	}
	start := max(at, o.now)
	v := &Voice{
		o:       o,
		Buffer:  buf,
		At:      at,
		Start:   start,
		End:     start + buf.Duration(),
		onEnded: onEnded,
	}
	o.voices = append(o.voices, v)
	return v, nil
}

// Advance moves the clock forward by d and fires the end callbacks of every
// voice that finished, in order of end time. Callbacks run on the calling
// goroutine outside the lock.
func (o *Output) Advance(d time.Duration) {
	o.mu.Lock()
	o.now += d
	var ended []*Voice
	for _, v := range o.voices {
		if !v.done && v.End <= o.now {
			v.done = true
			ended = append(ended, v)
		}
	}
	o.mu.Unlock()

	sort.SliceStable(ended, func(i, j int) bool { return ended[i].End < ended[j].End })
	for _, v := range ended {
		v.fire()
	}
}

// Voices returns every voice scheduled so far, in scheduling order.
func (o *Output) Voices() []*Voice {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]*Voice, len(o.voices))
	copy(out, o.voices)
	return out
}

// Playing returns the number of voices that have neither ended nor been
// stopped.
func (o *Output) Playing() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	n := 0
	for _, v := range o.voices {
		if !v.done {
			n++
		}
	}
	return n
}

// Close implements [audio.Output]. Every live voice is stopped.
func (o *Output) Close() error {
	o.mu.Lock()
	o.closeCount++
	o.closed = true
	var stopped []*Voice
	for _, v := range o.voices {
		if !v.done {
			v.done = true
			v.stopped = true
			stopped = append(stopped, v)
		}
	}
	o.mu.Unlock()

	for _, v := range stopped {
		v.fire()
	}
	return nil
}

// reopen clears the closed flag so a platform can hand the same output to a
// later session. The clock keeps running.
func (o *Output) reopen() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.closed = false
}

// CloseCount returns how many times Close was called.
func (o *Output) CloseCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.closeCount
}

// Voice is a buffer scheduled on a mock [Output]. Buffer, At, Start and End
// are fixed at scheduling time.
type Voice struct {
	o *Output

	Buffer *audio.Buffer

	// At is the start requested by the caller; Start is the effective start.
	At    time.Duration
	Start time.Duration
	End   time.Duration

	onEnded func()
	done    bool
	stopped bool
}

// Stop implements [audio.Voice].
func (v *Voice) Stop() {
	v.o.mu.Lock()
	if v.done {
		v.o.mu.Unlock()
		return
	}
	v.done = true
	v.stopped = true
	v.o.mu.Unlock()
	v.fire()
}

// Stopped reports whether the voice was cut short by Stop or Close.
func (v *Voice) Stopped() bool {
	v.o.mu.Lock()
	defer v.o.mu.Unlock()
	return v.stopped
}

func (v *Voice) fire() {
	if v.onEnded != nil {
		v.onEnded()
	}
}

// ─── Platform ────────────────────────────────────────────────────────────────

// Platform is a mock [audio.Platform]. Nil Input or Output fields are
// replaced with fresh mocks on first use.
type Platform struct {
	mu sync.Mutex

	Input  *Input
	Output *Output

	// OpenInputErr is returned by OpenInput when non-nil.
	OpenInputErr error

	// OpenOutputErr is returned by OpenOutput when non-nil.
	OpenOutputErr error

	inputFormats  []audio.Format
	outputFormats []audio.Format
}

// OpenInput implements [audio.Platform].
func (p *Platform) OpenInput(_ context.Context, f audio.Format) (audio.Input, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.inputFormats = append(p.inputFormats, f)
	if p.OpenInputErr != nil {
		return nil, p.OpenInputErr
	}
	if p.Input == nil {
		p.Input = &Input{}
	}
	return p.Input, nil
}

// OpenOutput implements [audio.Platform].
func (p *Platform) OpenOutput(_ context.Context, f audio.Format) (audio.Output, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.outputFormats = append(p.outputFormats, f)
	if p.OpenOutputErr != nil {
		return nil, p.OpenOutputErr
	}
	if p.Output == nil {
		p.Output = NewOutput()
	}
	p.Output.reopen()
	return p.Output, nil
}

// InputFormats returns the formats passed to OpenInput.
func (p *Platform) InputFormats() []audio.Format {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]audio.Format, len(p.inputFormats))
	copy(out, p.inputFormats)
	return out
}

// OutputFormats returns the formats passed to OpenOutput.
func (p *Platform) OutputFormats() []audio.Format {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]audio.Format, len(p.outputFormats))
	copy(out, p.outputFormats)
	return out
}
