package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/MrWong99/livecopilot/pkg/audio"
)

// displayBacklog bounds how many display frames may wait for a microphone
// frame in dual mode. Older frames are dropped first.
const displayBacklog = 2

var (
	micConstraints = audio.MicConstraints{
		EchoCancellation: true,
		NoiseSuppression: true,
		AutoGainControl:  true,
	}
	dualMicConstraints = audio.MicConstraints{
		EchoCancellation: true,
		NoiseSuppression: true,
	}
	displayConstraints = audio.DisplayConstraints{AudioOnly: true}
)

// Handle owns the device streams of one capture and exposes them as a single
// frame stream.
type Handle struct {
	mode    Mode
	frames  <-chan audio.AudioFrame
	streams []audio.Stream
	log     *slog.Logger

	done    chan struct{}
	merged  chan struct{} // closed when the merge goroutine exits; nil outside dual mode
	release sync.Once
}

// Frames returns the captured frame stream. The channel is closed once the
// capture stops.
func (h *Handle) Frames() <-chan audio.AudioFrame { return h.frames }

// Mode returns the capture mode.
func (h *Handle) Mode() Mode { return h.mode }

// Label returns the human-readable source label.
func (h *Handle) Label() string { return h.mode.Label() }

// Release stops every underlying stream. It is idempotent and safe for
// concurrent use. Stop errors are logged, never returned.
func (h *Handle) Release() {
	h.release.Do(func() {
		close(h.done)
		for _, s := range h.streams {
			if err := s.Stop(); err != nil {
				h.log.Warn("capture: stop stream", "stream", s.Label(), "err", err)
			}
		}
		if h.merged != nil {
			<-h.merged
		}
	})
}

// Acquire opens the sources named by cfg on in. In system and dual mode the
// display capture is opened first; a display share without audio is stopped
// and reported as [audio.ErrNoAudioTrack] before the microphone is touched.
// On any error every stream acquired so far is stopped.
func Acquire(ctx context.Context, in audio.Input, cfg Config) (*Handle, error) {
	log := slog.Default().With("mode", cfg.Mode.String())

	switch cfg.Mode {
	case Mic:
		mic, err := in.Microphone(ctx, micConstraints)
		if err != nil {
			return nil, fmt.Errorf("capture: microphone: %w", err)
		}
		return single(cfg.Mode, mic, log), nil

	case System:
		disp, err := openDisplay(ctx, in)
		if err != nil {
			return nil, err
		}
		return single(cfg.Mode, disp, log), nil

	case Dual:
		disp, err := openDisplay(ctx, in)
		if err != nil {
			return nil, err
		}
		mic, err := in.Microphone(ctx, dualMicConstraints)
		if err != nil {
			stopErr := disp.Stop()
			return nil, errors.Join(fmt.Errorf("capture: microphone: %w", err), stopErr)
		}
		return mixed(mic, disp, log), nil

	default:
		return nil, fmt.Errorf("capture: unsupported mode %v", cfg.Mode)
	}
}

func openDisplay(ctx context.Context, in audio.Input) (audio.Stream, error) {
	disp, err := in.DisplayAudio(ctx, displayConstraints)
	if err != nil {
		return nil, fmt.Errorf("capture: display audio: %w", err)
	}
	if disp.AudioTracks() == 0 {
		if err := disp.Stop(); err != nil {
			slog.Warn("capture: stop silent display stream", "err", err)
		}
		return nil, fmt.Errorf("capture: %s: %w", disp.Label(), audio.ErrNoAudioTrack)
	}
	return disp, nil
}

func single(mode Mode, s audio.Stream, log *slog.Logger) *Handle {
	log.Info("capture acquired", "source", mode.Label(), "device", s.Label())
	return &Handle{
		mode:    mode,
		frames:  s.Frames(),
		streams: []audio.Stream{s},
		log:     log,
		done:    make(chan struct{}),
	}
}

func mixed(mic, disp audio.Stream, log *slog.Logger) *Handle {
	out := make(chan audio.AudioFrame, 8)
	h := &Handle{
		mode:    Dual,
		frames:  out,
		streams: []audio.Stream{disp, mic},
		log:     log,
		done:    make(chan struct{}),
		merged:  make(chan struct{}),
	}
	log.Info("capture acquired", "source", Dual.Label(), "microphone", mic.Label(), "display", disp.Label())
	go func() {
		defer close(h.merged)
		defer close(out)
		merge(mic.Frames(), disp.Frames(), out, h.done)
	}()
	return h
}

// merge sums display frames into microphone frames. The microphone drives
// the output cadence; display frames queue up to [displayBacklog] deep and
// are mixed into the next microphone frame. When the display stream ends the
// microphone continues alone.
func merge(mic, disp <-chan audio.AudioFrame, out chan<- audio.AudioFrame, done <-chan struct{}) {
	var backlog []audio.AudioFrame
	for {
		select {
		case <-done:
			return

		case f, ok := <-disp:
			if !ok {
				disp = nil
				continue
			}
			if len(backlog) == displayBacklog {
				backlog = backlog[1:]
			}
			backlog = append(backlog, f)

		case f, ok := <-mic:
			if !ok {
				return
			}
			if len(backlog) > 0 {
				f = mix(f, backlog[0])
				backlog = backlog[1:]
			}
			select {
			case out <- f:
			case <-done:
				return
			}
		}
	}
}

// mix returns a new frame holding the sample-wise sum of a and b. The result
// keeps a's format, length and timestamp.
func mix(a, b audio.AudioFrame) audio.AudioFrame {
	samples := make([]float32, len(a.Samples))
	copy(samples, a.Samples)
	for i := range min(len(samples), len(b.Samples)) {
		samples[i] += b.Samples[i]
	}
	a.Samples = samples
	return a
}
