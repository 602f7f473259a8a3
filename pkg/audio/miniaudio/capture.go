package miniaudio

import (
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"math"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/gen2brain/malgo"

	"github.com/MrWong99/livecopilot/pkg/audio"
)

// frameBuffer is the number of frames a capture stream queues before it
// starts dropping.
const frameBuffer = 16

// input is an [audio.Input] bound to one [Platform] and format.
type input struct {
	p      *Platform
	format audio.Format

	mu     sync.Mutex
	closed bool
}

// Microphone implements [audio.Input]. miniaudio has no capture-side signal
// processing; the constraints are logged and otherwise left to the OS
// (e.g. the PipeWire echo-cancel module or the Windows communications
// device).
func (in *input) Microphone(ctx context.Context, c audio.MicConstraints) (audio.Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	in.p.log.Debug("miniaudio: opening microphone",
		"echo_cancellation", c.EchoCancellation,
		"noise_suppression", c.NoiseSuppression,
		"auto_gain_control", c.AutoGainControl,
	)
	cfg := malgo.DefaultDeviceConfig(malgo.Capture)
	s, err := in.open(cfg, nil, "default microphone")
	if err != nil {
		return nil, fmt.Errorf("miniaudio: open microphone: %w: %w", audio.ErrPermissionDenied, err)
	}
	return s, nil
}

// DisplayAudio implements [audio.Input].
func (in *input) DisplayAudio(ctx context.Context, c audio.DisplayConstraints) (audio.Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	in.p.log.Debug("miniaudio: opening system audio",
		"audio_only", c.AudioOnly,
		"echo_cancellation", c.EchoCancellation,
	)

	if runtime.GOOS == "windows" {
		cfg := malgo.DefaultDeviceConfig(malgo.Loopback)
		s, err := in.open(cfg, nil, "system loopback")
		if err != nil {
			return nil, fmt.Errorf("miniaudio: open loopback: %w: %w", audio.ErrPermissionDenied, err)
		}
		return s, nil
	}

	devices, err := in.p.ctx.Context.Devices(malgo.Capture)
	if err != nil {
		return nil, fmt.Errorf("miniaudio: enumerate capture devices: %w", err)
	}
	info, ok := findMonitor(devices, in.p.monitorPatterns)
	if !ok {
		in.p.log.Warn("miniaudio: no system-audio capture device found")
		return newEmptyStream("no system audio device"), nil
	}

	cfg := malgo.DefaultDeviceConfig(malgo.Capture)
	s, err := in.open(cfg, &info, info.Name())
	if err != nil {
		return nil, fmt.Errorf("miniaudio: open %q: %w: %w", info.Name(), audio.ErrPermissionDenied, err)
	}
	return s, nil
}

// Close implements [audio.Input]. Streams own their devices, so there is
// nothing to release beyond marking the input closed.
func (in *input) Close() error {
	in.mu.Lock()
	defer in.mu.Unlock()
	in.closed = true
	return nil
}

func (in *input) open(cfg malgo.DeviceConfig, info *malgo.DeviceInfo, label string) (*captureStream, error) {
	in.mu.Lock()
	closed := in.closed
	in.mu.Unlock()
	if closed {
		return nil, fmt.Errorf("input closed")
	}

	cfg.Capture.Format = malgo.FormatF32
	cfg.Capture.Channels = uint32(in.format.Channels)
	cfg.SampleRate = uint32(in.format.SampleRate)
	cfg.Alsa.NoMMap = 1
	if info != nil {
		cfg.Capture.DeviceID = info.ID.Pointer()
	}

	s := &captureStream{
		label:  label,
		tracks: 1,
		info:   info,
		ch:     make(chan audio.AudioFrame, frameBuffer),
		framer: newFramer(in.p.frameSize, in.format),
		log:    in.p.log,
	}
	dev, err := malgo.InitDevice(in.p.ctx.Context, cfg, malgo.DeviceCallbacks{Data: s.onData})
	if err != nil {
		return nil, err
	}
	if err := dev.Start(); err != nil {
		dev.Uninit()
		return nil, err
	}
	s.device = dev
	in.p.log.Info("miniaudio: capture started", "device", label, "format", in.format.String())
	return s, nil
}

// findMonitor returns the first capture device whose name contains one of
// patterns, case-insensitively.
func findMonitor(devices []malgo.DeviceInfo, patterns []string) (malgo.DeviceInfo, bool) {
	for _, d := range devices {
		if isMonitorName(d.Name(), patterns) {
			return d, true
		}
	}
	return malgo.DeviceInfo{}, false
}

func isMonitorName(name string, patterns []string) bool {
	lower := strings.ToLower(name)
	for _, p := range patterns {
		if p != "" && strings.Contains(lower, strings.ToLower(p)) {
			return true
		}
	}
	return false
}

// ─── captureStream ───────────────────────────────────────────────────────────

// captureStream is an [audio.Stream] fed from a malgo data callback.
type captureStream struct {
	label  string
	tracks int
	info   *malgo.DeviceInfo // kept alive while the device references its ID
	device *malgo.Device
	log    *slog.Logger

	// framer is touched only from the device callback.
	framer *framer

	mu     sync.Mutex
	ch     chan audio.AudioFrame
	closed bool

	stopOnce sync.Once
	dropped  atomic.Int64
}

var _ audio.Stream = (*captureStream)(nil)

// newEmptyStream returns a stream with no device and zero audio tracks.
func newEmptyStream(label string) *captureStream {
	return &captureStream{label: label, ch: make(chan audio.AudioFrame), log: slog.Default()}
}

func (s *captureStream) onData(_, in []byte, frameCount uint32) {
	if frameCount == 0 {
		return
	}
	s.framer.write(in, func(f audio.AudioFrame) {
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.closed {
			return
		}
		select {
		case s.ch <- f:
		default:
			s.dropped.Add(1)
		}
	})
}

func (s *captureStream) Frames() <-chan audio.AudioFrame { return s.ch }
func (s *captureStream) AudioTracks() int                { return s.tracks }
func (s *captureStream) Label() string                   { return s.label }

// Stop stops and releases the device and closes the frame channel.
func (s *captureStream) Stop() error {
	var err error
	s.stopOnce.Do(func() {
		if s.device != nil {
			err = s.device.Stop()
			s.device.Uninit()
		}
		s.mu.Lock()
		s.closed = true
		close(s.ch)
		s.mu.Unlock()
		if n := s.dropped.Load(); n > 0 {
			s.log.Warn("miniaudio: capture frames dropped", "device", s.label, "dropped", n)
		}
	})
	if err != nil {
		return fmt.Errorf("miniaudio: stop %q: %w", s.label, err)
	}
	return nil
}

// ─── framer ──────────────────────────────────────────────────────────────────

// framer cuts a stream of little-endian float32 bytes into fixed-size frames.
type framer struct {
	size    int // samples per frame, all channels
	format  audio.Format
	acc     []float32
	emitted int64 // frames (per channel) emitted so far
}

func newFramer(frameSize int, f audio.Format) *framer {
	size := frameSize * f.Channels
	return &framer{size: size, format: f, acc: make([]float32, 0, size)}
}

// write appends raw samples and calls emit for each completed frame. Each
// emitted frame owns its sample slice.
func (fr *framer) write(raw []byte, emit func(audio.AudioFrame)) {
	for i := 0; i+4 <= len(raw); i += 4 {
		fr.acc = append(fr.acc, math.Float32frombits(binary.LittleEndian.Uint32(raw[i:])))
		if len(fr.acc) < fr.size {
			continue
		}
		samples := make([]float32, fr.size)
		copy(samples, fr.acc)
		fr.acc = fr.acc[:0]
		emit(audio.AudioFrame{
			Samples:    samples,
			SampleRate: fr.format.SampleRate,
			Channels:   fr.format.Channels,
			Timestamp:  audio.FramesToDuration(fr.emitted, fr.format.SampleRate),
		})
		fr.emitted += int64(fr.size / fr.format.Channels)
	}
}
