package mixer

import (
	"container/heap"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/MrWong99/livecopilot/pkg/audio"
)

// Compile-time interface assertion.
var _ audio.Output = (*Timeline)(nil)

// ErrClosed is returned by [Timeline.Schedule] after [Timeline.Close].
var ErrClosed = errors.New("mixer: timeline closed")

// defaultQueueCap is the initial capacity hint for the pending queue.
const defaultQueueCap = 16

// Option configures a [Timeline] during construction.
type Option func(*Timeline)

// WithQueueCapacity sets the initial capacity hint for the pending queue.
// This does not impose a hard limit; the queue grows as needed.
func WithQueueCapacity(n int) Option {
	return func(t *Timeline) {
		if n > 0 {
			t.pending = make(voiceHeap, 0, n)
		}
	}
}

// Timeline mixes mono buffers scheduled at absolute clock positions. The
// clock counts rendered frames: it starts at zero and advances only as the
// device pulls audio through [Timeline.Render] or [Timeline.Read], so
// [Timeline.Now] is the output clock that scheduling decisions are made
// against.
//
// Overlapping voices are summed and the mix is clamped to [-1, 1]. A voice
// scheduled in the past starts at the current clock position.
//
// All exported methods are safe for concurrent use, except that Read must
// only be called from one goroutine at a time.
type Timeline struct {
	rate int

	mu      sync.Mutex
	clock   int64     // frames rendered so far
	pending voiceHeap // not yet started, ordered by start frame
	playing []*voice  // started, not yet finished
	seq     uint64    // monotonic counter for FIFO ordering
	closed  bool

	scratch []float32 // render buffer reused by Read
}

// voice is one scheduled buffer. All fields except samples and onEnded are
// guarded by the owning Timeline's mutex.
type voice struct {
	t       *Timeline
	samples []float32
	start   int64
	seq     uint64
	index   int // position in pending, -1 when not pending
	done    bool
	onEnded func()
}

// New creates a [Timeline] rendering at rate frames per second.
func New(rate int, opts ...Option) *Timeline {
	t := &Timeline{
		rate:    rate,
		pending: make(voiceHeap, 0, defaultQueueCap),
	}
	for _, o := range opts {
		o(t)
	}
	heap.Init(&t.pending)
	return t
}

// SampleRate returns the rendering rate in Hz.
func (t *Timeline) SampleRate() int { return t.rate }

// Now returns the current clock position.
func (t *Timeline) Now() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	return audio.FramesToDuration(t.clock, t.rate)
}

// Active returns the number of voices that are scheduled or playing.
func (t *Timeline) Active() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending) + len(t.playing)
}

// Schedule queues buf to start at clock position at. Multi-channel buffers
// are downmixed; the buffer's sample rate is trusted as-is. onEnded fires
// once when the voice finishes or is stopped, on the goroutine that
// rendered or stopped it.
func (t *Timeline) Schedule(buf *audio.Buffer, at time.Duration, onEnded func()) (audio.Voice, error) {
	if buf == nil {
		return nil, errors.New("mixer: nil buffer")
	}
	samples := audio.DownmixMono(buf.Samples, buf.Channels)

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil, ErrClosed
	}

	start := audio.DurationToFrames(at, t.rate)
	if start < t.clock {
		start = t.clock
	}
	t.seq++
	v := &voice{
		t:       t,
		samples: samples,
		start:   start,
		seq:     t.seq,
		onEnded: onEnded,
	}
	heap.Push(&t.pending, v)
	return v, nil
}

// Render mixes the next len(out) frames into out and advances the clock.
// End callbacks of voices that finished inside the window fire before
// Render returns, outside the lock.
func (t *Timeline) Render(out []float32) {
	clear(out)

	t.mu.Lock()
	from := t.clock
	to := from + int64(len(out))

	for t.pending.Len() > 0 && t.pending[0].start < to {
		v := heap.Pop(&t.pending).(*voice)
		t.playing = append(t.playing, v)
	}

	var ended []*voice
	keep := t.playing[:0]
	for _, v := range t.playing {
		end := v.start + int64(len(v.samples))
		lo := max(v.start, from)
		hi := min(end, to)
		for f := lo; f < hi; f++ {
			out[f-from] += v.samples[f-v.start]
		}
		if end <= to {
			v.done = true
			ended = append(ended, v)
			continue
		}
		keep = append(keep, v)
	}
	clear(t.playing[len(keep):])
	t.playing = keep
	t.clock = to
	t.mu.Unlock()

	for i, s := range out {
		if s > 1 {
			out[i] = 1
		} else if s < -1 {
			out[i] = -1
		}
	}

	for _, v := range ended {
		v.fire()
	}
}

// Read implements [io.Reader] by rendering 16-bit little-endian mono PCM.
// It never blocks: silence is produced when nothing is scheduled. After
// [Timeline.Close] it returns [io.EOF].
func (t *Timeline) Read(p []byte) (int, error) {
	t.mu.Lock()
	closed := t.closed
	t.mu.Unlock()
	if closed {
		return 0, io.EOF
	}

	frames := len(p) / 2
	if cap(t.scratch) < frames {
		t.scratch = make([]float32, frames)
	}
	t.scratch = t.scratch[:frames]
	t.Render(t.scratch)
	out := audio.EncodePCM16(p[:0], t.scratch)
	return len(out), nil
}

// Close stops every pending and playing voice, firing their end callbacks.
// Close is idempotent; subsequent calls are no-ops and return nil.
func (t *Timeline) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true

	stopped := make([]*voice, 0, len(t.pending)+len(t.playing))
	for _, v := range t.pending {
		v.done = true
		v.index = -1
		stopped = append(stopped, v)
	}
	for _, v := range t.playing {
		v.done = true
		stopped = append(stopped, v)
	}
	t.pending = t.pending[:0]
	t.playing = nil
	t.mu.Unlock()

	for _, v := range stopped {
		v.fire()
	}
	return nil
}

// Stop removes the voice from the timeline. Stopping a finished voice is a
// no-op.
func (v *voice) Stop() {
	t := v.t
	t.mu.Lock()
	if v.done {
		t.mu.Unlock()
		return
	}
	v.done = true
	if v.index >= 0 {
		heap.Remove(&t.pending, v.index)
	} else {
		for i, p := range t.playing {
			if p == v {
				t.playing = append(t.playing[:i], t.playing[i+1:]...)
				break
			}
		}
	}
	t.mu.Unlock()

	v.fire()
}

func (v *voice) fire() {
	if v.onEnded != nil {
		v.onEnded()
	}
}
