// Package speaker implements [audio.OutputOpener] with ebitengine/oto. Each
// opened output is an oto player pulling 16-bit PCM from a
// [mixer.Timeline], so the timeline clock advances as oto consumes audio.
//
// oto allows a single context per process; the first OpenOutput fixes the
// sample rate and later opens must request the same rate.
package speaker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/ebitengine/oto/v3"

	"github.com/MrWong99/livecopilot/pkg/audio"
	"github.com/MrWong99/livecopilot/pkg/audio/mixer"
)

// Compile-time interface assertion.
var _ audio.OutputOpener = (*Speaker)(nil)

// defaultBufferBytes is ~100 ms of 24 kHz mono 16-bit audio.
const defaultBufferBytes = 4800

// Option configures a [Speaker].
type Option func(*Speaker)

// WithBufferSize sets the oto device buffer size in bytes.
func WithBufferSize(n int) Option {
	return func(s *Speaker) {
		if n > 0 {
			s.bufferSize = n
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Speaker) {
		if l != nil {
			s.log = l
		}
	}
}

// Speaker opens oto-backed outputs.
type Speaker struct {
	bufferSize int
	log        *slog.Logger

	once    sync.Once
	ctx     *oto.Context
	rate    int
	initErr error
}

// New returns a [Speaker]. The oto context is created lazily by the first
// OpenOutput.
func New(opts ...Option) *Speaker {
	s := &Speaker{bufferSize: defaultBufferBytes, log: slog.Default()}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Speaker) context(rate int) (*oto.Context, error) {
	s.once.Do(func() {
		octx, ready, err := oto.NewContext(&oto.NewContextOptions{
			SampleRate:   rate,
			ChannelCount: 1,
			Format:       oto.FormatSignedInt16LE,
		})
		if err != nil {
			s.initErr = fmt.Errorf("speaker: new oto context: %w", err)
			return
		}
		<-ready
		s.ctx = octx
		s.rate = rate
	})
	if s.initErr != nil {
		return nil, s.initErr
	}
	if rate != s.rate {
		return nil, fmt.Errorf("speaker: context runs at %d Hz, requested %d Hz", s.rate, rate)
	}
	return s.ctx, nil
}

// OpenOutput implements [audio.OutputOpener]. Only mono playback is
// supported; multi-channel buffers are downmixed by the timeline.
func (s *Speaker) OpenOutput(_ context.Context, f audio.Format) (audio.Output, error) {
	if !f.Valid() {
		return nil, fmt.Errorf("speaker: open output: invalid format %s", f)
	}
	octx, err := s.context(f.SampleRate)
	if err != nil {
		return nil, err
	}

	tl := mixer.New(f.SampleRate)
	player := octx.NewPlayer(tl)
	player.SetBufferSize(s.bufferSize)
	player.Play()
	s.log.Info("speaker: playback started", "rate", f.SampleRate)
	return &output{Timeline: tl, player: player, log: s.log}, nil
}

// output pairs a timeline with the oto player reading from it.
type output struct {
	*mixer.Timeline

	player    *oto.Player
	closeOnce sync.Once
	log       *slog.Logger
}

// Close stops all voices and the player. Close is idempotent.
func (o *output) Close() error {
	var err error
	o.closeOnce.Do(func() {
		_ = o.Timeline.Close()
		o.player.Pause()
		err = o.player.Close()
		o.log.Info("speaker: playback stopped")
	})
	if err != nil {
		return fmt.Errorf("speaker: close player: %w", err)
	}
	return nil
}
