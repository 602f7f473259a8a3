// Package miniaudio implements [audio.Platform] on top of miniaudio through
// the malgo bindings. Capture devices deliver 32-bit float frames that are
// cut into fixed-size [audio.AudioFrame] blocks; playback is rendered by a
// [mixer.Timeline] from the device's data callback, so the timeline clock is
// the device clock.
//
// System audio is captured with the WASAPI loopback device on Windows and
// with a monitor-style capture device (PulseAudio/PipeWire "Monitor of ...",
// BlackHole, Stereo Mix) elsewhere. When no such device exists the display
// stream reports zero audio tracks.
package miniaudio

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/gen2brain/malgo"

	"github.com/MrWong99/livecopilot/pkg/audio"
)

// Compile-time interface assertion.
var _ audio.Platform = (*Platform)(nil)

// DefaultFrameSize is the number of samples per delivered capture frame.
const DefaultFrameSize = 4096

// defaultMonitorPatterns match capture devices that carry system output.
var defaultMonitorPatterns = []string{"monitor", "blackhole", "loopback", "stereo mix", "what u hear"}

// Option configures a [Platform].
type Option func(*Platform)

// WithFrameSize sets the number of samples per capture frame. Values <= 0 are
// ignored.
func WithFrameSize(n int) Option {
	return func(p *Platform) {
		if n > 0 {
			p.frameSize = n
		}
	}
}

// WithMonitorPatterns replaces the case-insensitive substrings used to pick a
// system-audio capture device on platforms without native loopback.
func WithMonitorPatterns(patterns ...string) Option {
	return func(p *Platform) {
		if len(patterns) > 0 {
			p.monitorPatterns = patterns
		}
	}
}

// WithLogger sets the logger used for device lifecycle messages.
func WithLogger(l *slog.Logger) Option {
	return func(p *Platform) {
		if l != nil {
			p.log = l
		}
	}
}

// Platform owns one miniaudio context. Inputs and outputs opened from it are
// independent devices and may be opened and closed repeatedly.
type Platform struct {
	mu     sync.Mutex
	ctx    *malgo.AllocatedContext
	closed bool

	frameSize       int
	monitorPatterns []string
	log             *slog.Logger
}

// New initialises a miniaudio context with the default backend order.
func New(opts ...Option) (*Platform, error) {
	p := &Platform{
		frameSize:       DefaultFrameSize,
		monitorPatterns: defaultMonitorPatterns,
		log:             slog.Default(),
	}
	for _, o := range opts {
		o(p)
	}

	ctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, func(msg string) {
		p.log.Debug("miniaudio", "msg", msg)
	})
	if err != nil {
		return nil, fmt.Errorf("miniaudio: init context: %w", err)
	}
	p.ctx = ctx
	return p, nil
}

// OpenInput implements [audio.InputOpener]. Frames are delivered at f's rate
// and channel count.
func (p *Platform) OpenInput(_ context.Context, f audio.Format) (audio.Input, error) {
	if !f.Valid() {
		return nil, fmt.Errorf("miniaudio: open input: invalid format %s", f)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, fmt.Errorf("miniaudio: open input: platform closed")
	}
	return &input{p: p, format: f}, nil
}

// OpenOutput implements [audio.OutputOpener]. The device plays mono float
// samples at f's sample rate; multi-channel buffers are downmixed.
func (p *Platform) OpenOutput(_ context.Context, f audio.Format) (audio.Output, error) {
	if !f.Valid() {
		return nil, fmt.Errorf("miniaudio: open output: invalid format %s", f)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, fmt.Errorf("miniaudio: open output: platform closed")
	}
	return openOutput(p.ctx.Context, f, p.log)
}

// Close releases the miniaudio context. Devices opened from it must be closed
// first. Close is idempotent.
func (p *Platform) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	err := p.ctx.Uninit()
	p.ctx.Free()
	if err != nil {
		return fmt.Errorf("miniaudio: uninit context: %w", err)
	}
	return nil
}
