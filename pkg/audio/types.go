package audio

import (
	"errors"
	"time"
)

var (
	// ErrPermissionDenied is returned when the platform refuses access to a
	// capture device. It is terminal for the attempt; the user has to grant
	// access and retry.
	ErrPermissionDenied = errors.New("audio: permission denied")

	// ErrNoAudioTrack is returned when a display/system-audio share grants no
	// audio track.
	ErrNoAudioTrack = errors.New("audio: no audio track in display capture")

	// ErrMalformedPayload is returned by [DecodePCM16] when the payload length
	// does not align with the sample width.
	ErrMalformedPayload = errors.New("audio: malformed PCM payload")
)

// AudioFrame is a fixed-size block of floating-point samples produced by a
// capture stream at a regular cadence. Frames are transient: the capture
// goroutine owns a frame until it is handed to the encoder.
type AudioFrame struct {
	// Samples holds interleaved samples in [-1, 1].
	Samples []float32

	// SampleRate in Hz (16000 for capture).
	SampleRate int

	// Channels is the interleaved channel count (1 for capture).
	Channels int

	// Timestamp marks when this frame was captured, relative to stream start.
	Timestamp time.Duration
}

// Format describes the sample rate and channel count of an audio stream.
type Format struct {
	SampleRate int
	Channels   int
}

// Valid reports whether f describes a usable stream format.
func (f Format) Valid() bool {
	return f.SampleRate > 0 && f.Channels > 0
}

// String returns a human-readable form such as "16000Hz mono".
func (f Format) String() string {
	return formatString(f.SampleRate, f.Channels)
}

// Buffer is a decoded block of playable samples.
type Buffer struct {
	// Samples holds interleaved samples in [-1, 1].
	Samples    []float32
	SampleRate int
	Channels   int
}

// Frames returns the number of sample frames (samples per channel).
func (b *Buffer) Frames() int {
	if b == nil || b.Channels <= 0 {
		return 0
	}
	return len(b.Samples) / b.Channels
}

// Duration returns the playback length of the buffer at its declared rate.
func (b *Buffer) Duration() time.Duration {
	if b == nil || b.SampleRate <= 0 {
		return 0
	}
	return FramesToDuration(int64(b.Frames()), b.SampleRate)
}

// FramesToDuration converts a frame count at rate into a duration.
func FramesToDuration(frames int64, rate int) time.Duration {
	if rate <= 0 {
		return 0
	}
	return time.Duration(frames * int64(time.Second) / int64(rate))
}

// DurationToFrames converts d into a frame count at rate, rounding to the
// nearest frame.
func DurationToFrames(d time.Duration, rate int) int64 {
	if rate <= 0 {
		return 0
	}
	return (int64(d)*int64(rate) + int64(time.Second)/2) / int64(time.Second)
}
