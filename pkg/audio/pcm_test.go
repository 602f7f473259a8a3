package audio_test

import (
	"errors"
	"math"
	"math/rand/v2"
	"testing"
	"time"

	"github.com/MrWong99/livecopilot/pkg/audio"
)

func TestEncodePCM16_ScalesAndClamps(t *testing.T) {
	t.Parallel()

	in := []float32{0, 0.5, -0.5, 1, -1, 1.7, -3, float32(math.NaN())}
	got := bytesToSamples(audio.EncodePCM16(nil, in))
	want := []int16{0, 16384, -16384, 32767, -32768, 32767, -32768, 0}
	if len(got) != len(want) {
		t.Fatalf("length mismatch: got %d, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("sample %d (%v): got %d, want %d", i, in[i], got[i], want[i])
		}
	}
}

func TestEncodePCM16_LittleEndian(t *testing.T) {
	t.Parallel()

	out := audio.EncodePCM16(nil, []float32{0.5})
	// 16384 = 0x4000 → bytes 0x00, 0x40.
	if len(out) != 2 || out[0] != 0x00 || out[1] != 0x40 {
		t.Fatalf("got % x, want 00 40", out)
	}
}

func TestEncodePCM16_ReusesBuffer(t *testing.T) {
	frame := make([]float32, 4096)
	buf := make([]byte, 0, len(frame)*2)
	out := audio.EncodePCM16(buf, frame)
	if &out[0] != &buf[:1][0] {
		t.Fatal("EncodePCM16 allocated despite sufficient capacity")
	}

	allocs := testing.AllocsPerRun(100, func() {
		buf = audio.EncodePCM16(buf, frame)
	})
	if allocs != 0 {
		t.Errorf("allocs per encode = %v, want 0", allocs)
	}
}

func TestDecodePCM16(t *testing.T) {
	t.Parallel()

	buf, err := audio.DecodePCM16(samplesToBytes([]int16{0, 16384, -32768, 32767}), 24000, 1)
	if err != nil {
		t.Fatalf("DecodePCM16: %v", err)
	}
	want := []float32{0, 0.5, -1, 32767.0 / 32768}
	for i := range want {
		if buf.Samples[i] != want[i] {
			t.Errorf("sample %d: got %v, want %v", i, buf.Samples[i], want[i])
		}
	}
	if buf.SampleRate != 24000 || buf.Channels != 1 {
		t.Errorf("format = %dHz/%dch, want 24000Hz/1ch", buf.SampleRate, buf.Channels)
	}
}

func TestDecodePCM16_Malformed(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		data     []byte
		rate     int
		channels int
	}{
		{"odd byte count", []byte{1, 2, 3}, 24000, 1},
		{"partial stereo frame", []byte{1, 2, 3, 4, 5, 6}, 24000, 2},
		{"zero rate", []byte{1, 2}, 0, 1},
		{"zero channels", []byte{1, 2}, 24000, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := audio.DecodePCM16(tt.data, tt.rate, tt.channels)
			if !errors.Is(err, audio.ErrMalformedPayload) {
				t.Errorf("err = %v, want ErrMalformedPayload", err)
			}
		})
	}
}

func TestDecodePCM16_Empty(t *testing.T) {
	t.Parallel()

	buf, err := audio.DecodePCM16(nil, 24000, 1)
	if err != nil {
		t.Fatalf("DecodePCM16(nil): %v", err)
	}
	if buf.Frames() != 0 || buf.Duration() != 0 {
		t.Errorf("frames=%d duration=%v, want 0/0", buf.Frames(), buf.Duration())
	}
}

func TestPCMRoundTrip_WithinQuantisationError(t *testing.T) {
	t.Parallel()

	r := rand.New(rand.NewPCG(1, 2))
	samples := make([]float32, 10_000)
	for i := range samples {
		samples[i] = r.Float32()*2 - 1
	}
	samples = append(samples, -1, 1, 0)

	buf, err := audio.DecodePCM16(audio.EncodePCM16(nil, samples), 16000, 1)
	if err != nil {
		t.Fatalf("DecodePCM16: %v", err)
	}
	const maxErr = 1.0 / 32768
	for i, want := range samples {
		if d := math.Abs(float64(buf.Samples[i] - want)); d > maxErr+1e-9 {
			t.Fatalf("sample %d: |%v - %v| = %v exceeds %v", i, buf.Samples[i], want, d, maxErr)
		}
	}
}

func TestBuffer_Duration(t *testing.T) {
	t.Parallel()

	buf := &audio.Buffer{Samples: make([]float32, 12000), SampleRate: 24000, Channels: 1}
	if got := buf.Duration(); got != 500*time.Millisecond {
		t.Errorf("Duration = %v, want 500ms", got)
	}
	stereo := &audio.Buffer{Samples: make([]float32, 48000), SampleRate: 24000, Channels: 2}
	if got := stereo.Frames(); got != 24000 {
		t.Errorf("Frames = %d, want 24000", got)
	}
}

func TestDurationToFrames(t *testing.T) {
	t.Parallel()

	if got := audio.DurationToFrames(800*time.Millisecond, 24000); got != 19200 {
		t.Errorf("DurationToFrames(800ms) = %d, want 19200", got)
	}
	if got := audio.FramesToDuration(7200, 24000); got != 300*time.Millisecond {
		t.Errorf("FramesToDuration(7200) = %v, want 300ms", got)
	}
}
