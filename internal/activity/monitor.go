// Package activity turns the captured audio stream into a single loudness
// level for display.
//
// The Monitor mirrors a Web Audio AnalyserNode with its default settings:
// the most recent 2048 samples are windowed (Blackman), transformed, smoothed
// over time with a constant of 0.8 and mapped to bytes between -100 dB and
// -30 dB. The published level is the mean of those bytes divided by 255, so
// it always lies in [0, 1].
package activity

import (
	"context"
	"math"
	"math/cmplx"
	"sync"
	"time"

	"gonum.org/v1/gonum/dsp/fourier"
	"gonum.org/v1/gonum/dsp/window"
)

const (
	// DefaultFFTSize is the analysis window in samples.
	DefaultFFTSize = 2048

	// DefaultInterval is the publish cadence (60 Hz).
	DefaultInterval = time.Second / 60

	// DefaultSmoothing is the time constant applied to bin magnitudes.
	DefaultSmoothing = 0.8

	minDecibels = -100.0
	maxDecibels = -30.0
)

// Option is a functional option for [New].
type Option func(*Monitor)

// WithInterval sets the publish cadence. Non-positive values are ignored.
func WithInterval(d time.Duration) Option {
	return func(m *Monitor) {
		if d > 0 {
			m.interval = d
		}
	}
}

// WithRate sets the publish cadence in Hz. Non-positive values are ignored.
func WithRate(hz int) Option {
	return func(m *Monitor) {
		if hz > 0 {
			m.interval = time.Second / time.Duration(hz)
		}
	}
}

// WithSmoothing sets the smoothing constant. Values outside [0, 1) are
// ignored.
func WithSmoothing(tau float64) Option {
	return func(m *Monitor) {
		if tau >= 0 && tau < 1 {
			m.smoothing = tau
		}
	}
}

// Monitor computes the activity level of the captured stream on a ticker.
// Observe is safe to call concurrently with the ticker.
type Monitor struct {
	publish   func(float64)
	interval  time.Duration
	smoothing float64

	mu   sync.Mutex
	ring []float64
	pos  int

	// analysis state, touched only by Analyse
	amu      sync.Mutex
	fft      *fourier.FFT
	seq      []float64
	coeff    []complex128
	smoothed []float64
	bytes    []byte

	lifeMu sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// New returns a Monitor that calls publish with each computed level. publish
// may be nil; it must not block.
func New(publish func(float64), opts ...Option) *Monitor {
	m := &Monitor{
		publish:   publish,
		interval:  DefaultInterval,
		smoothing: DefaultSmoothing,
		ring:      make([]float64, DefaultFFTSize),
		fft:       fourier.NewFFT(DefaultFFTSize),
		seq:       make([]float64, DefaultFFTSize),
		smoothed:  make([]float64, DefaultFFTSize/2),
		bytes:     make([]byte, DefaultFFTSize/2),
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Observe feeds captured samples into the analysis window. Only the most
// recent [DefaultFFTSize] samples are kept.
func (m *Monitor) Observe(samples []float32) {
	if m == nil {
		return
	}
	if len(samples) > len(m.ring) {
		samples = samples[len(samples)-len(m.ring):]
	}
	m.mu.Lock()
	for _, s := range samples {
		m.ring[m.pos] = float64(s)
		m.pos = (m.pos + 1) % len(m.ring)
	}
	m.mu.Unlock()
}

// Analyse runs one analysis pass over the current window, updates the
// smoothing state and returns the level in [0, 1].
func (m *Monitor) Analyse() float64 {
	m.amu.Lock()
	defer m.amu.Unlock()

	m.mu.Lock()
	n := copy(m.seq, m.ring[m.pos:])
	copy(m.seq[n:], m.ring[:m.pos])
	m.mu.Unlock()

	window.Blackman(m.seq)
	m.coeff = m.fft.Coefficients(m.coeff, m.seq)

	size := float64(len(m.seq))
	scale := 255 / (maxDecibels - minDecibels)
	var sum float64
	for k := range m.smoothed {
		mag := cmplx.Abs(m.coeff[k]) / size
		v := m.smoothing*m.smoothed[k] + (1-m.smoothing)*mag
		if math.IsNaN(v) || math.IsInf(v, 0) {
			v = 0
		}
		m.smoothed[k] = v

		b := math.Floor(scale * (20*math.Log10(v) - minDecibels))
		switch {
		case math.IsNaN(b) || b < 0:
			b = 0
		case b > 255:
			b = 255
		}
		m.bytes[k] = byte(b)
		sum += b
	}
	return sum / float64(len(m.bytes)) / 255
}

// Start launches the publish loop. It is a no-op when the loop is already
// running. The loop ends when ctx is done or [Monitor.Stop] is called.
func (m *Monitor) Start(ctx context.Context) {
	if m == nil {
		return
	}
	m.lifeMu.Lock()
	defer m.lifeMu.Unlock()
	if m.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	m.cancel = cancel
	m.done = done

	go func() {
		defer close(done)
		t := time.NewTicker(m.interval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				level := m.Analyse()
				if m.publish != nil {
					m.publish(level)
				}
			}
		}
	}()
}

// Stop ends the publish loop and waits for it to exit. It is safe on a nil
// Monitor, before Start and more than once. A stopped Monitor can be started
// again.
func (m *Monitor) Stop() {
	if m == nil {
		return
	}
	m.lifeMu.Lock()
	cancel, done := m.cancel, m.done
	m.cancel, m.done = nil, nil
	m.lifeMu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}
