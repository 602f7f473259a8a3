// Package audio defines the device abstractions, frame types and PCM codec
// used by the livecopilot session engine.
//
// The device surface is split in two halves:
//
//   - [Input]: capture side, microphone and display/system-audio streams.
//   - [Output]: playback side, buffers scheduled at explicit start times on
//     a monotonic output clock.
//
// A [Platform] opens both. Concrete backends live in sub-packages
// (audio/miniaudio for capture and playback, audio/speaker for oto-based
// playback); audio/mock provides recording fakes for tests.
//
// This package lives under pkg/ because external code is expected to
// implement [Platform] for other device stacks.
package audio

import (
	"context"
	"time"
)

// MicConstraints selects the processing the platform's capture device should
// apply. Signal processing is delegated entirely to the platform.
type MicConstraints struct {
	EchoCancellation bool
	NoiseSuppression bool
	AutoGainControl  bool
}

// DisplayConstraints configures a display/system-audio capture. AudioOnly
// asks the platform to drop any video it grants alongside the audio.
type DisplayConstraints struct {
	AudioOnly        bool
	EchoCancellation bool
	NoiseSuppression bool
	AutoGainControl  bool
}

// Stream is a live capture stream.
//
// Implementations must be safe for concurrent use.
type Stream interface {
	// Frames delivers captured frames in strict temporal order. The channel is
	// closed when the stream stops.
	Frames() <-chan AudioFrame

	// AudioTracks reports how many audio tracks the platform granted. A
	// display capture may legitimately grant zero.
	AudioTracks() int

	// Label is a human-readable device name for logs.
	Label() string

	// Stop releases the underlying device. Stop is idempotent.
	Stop() error
}

// Input is an open capture context at a fixed format.
//
// Implementations must be safe for concurrent use.
type Input interface {
	// Microphone opens the default microphone. Returns an error wrapping
	// [ErrPermissionDenied] when access is refused.
	Microphone(ctx context.Context, c MicConstraints) (Stream, error)

	// DisplayAudio opens a display/system-audio capture. When the user or
	// platform grants no audio, the returned stream reports zero
	// [Stream.AudioTracks] rather than failing.
	DisplayAudio(ctx context.Context, c DisplayConstraints) (Stream, error)

	// Close releases the capture context. Streams opened from it must be
	// stopped first. Close is idempotent.
	Close() error
}

// Voice is a buffer scheduled on an [Output].
type Voice interface {
	// Stop ends playback immediately regardless of position. The end
	// callback passed to [Output.Schedule] fires exactly once, whether the
	// voice ends naturally or is stopped.
	Stop()
}

// Output is an open playback context with a shared monotonic clock.
//
// Implementations must be safe for concurrent use. End callbacks are invoked
// on an internal goroutine and must not block.
type Output interface {
	// Now returns the current position of the output clock, starting at zero
	// when the output was opened.
	Now() time.Duration

	// Schedule queues buf to start at clock position at. A start time in the
	// past plays immediately. onEnded may be nil.
	Schedule(buf *Buffer, at time.Duration, onEnded func()) (Voice, error)

	// Close stops every scheduled voice and releases the device. Close is
	// idempotent.
	Close() error
}

// InputOpener opens capture contexts.
type InputOpener interface {
	OpenInput(ctx context.Context, f Format) (Input, error)
}

// OutputOpener opens playback contexts.
type OutputOpener interface {
	OpenOutput(ctx context.Context, f Format) (Output, error)
}

// Platform is the entry point for a device stack.
//
// Implementations must be safe for concurrent use.
type Platform interface {
	InputOpener
	OutputOpener
}

// Combine returns a [Platform] that captures through in and plays through
// out, so backends can be mixed (e.g. miniaudio capture with oto playback).
func Combine(in InputOpener, out OutputOpener) Platform {
	return combined{in: in, out: out}
}

type combined struct {
	in  InputOpener
	out OutputOpener
}

func (c combined) OpenInput(ctx context.Context, f Format) (Input, error) {
	return c.in.OpenInput(ctx, f)
}

func (c combined) OpenOutput(ctx context.Context, f Format) (Output, error) {
	return c.out.OpenOutput(ctx, f)
}
