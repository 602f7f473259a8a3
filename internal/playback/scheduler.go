// Package playback schedules decoded remote audio for gapless playback.
//
// Each payload is decoded as 24 kHz mono PCM16 and queued on an
// [audio.Output] at a running cursor:
//
//	start  = max(cursor, output.Now())
//	cursor = start + frames
//
// The cursor counts frames at the output rate and is converted to a clock
// position only when a chunk is handed to the output, so long sessions do
// not accumulate rounding error.
//
// so consecutive chunks abut exactly while the output keeps up, and a chunk
// arriving after the queue drained starts immediately instead of in the past.
// Chunks play in arrival order; nothing is reordered.
//
// Scheduler is not safe for concurrent use. The end callback fires on the
// output's goroutine; callers must hand the id back to the goroutine that
// owns the Scheduler and call [Scheduler.Finished] there.
package playback

import (
	"fmt"
	"time"

	"github.com/MrWong99/livecopilot/pkg/audio"
)

// Format is the decode format of remote audio payloads.
var Format = audio.Format{SampleRate: 24000, Channels: 1}

// Chunk describes one scheduled payload.
type Chunk struct {
	ID       uint64
	Start    time.Duration
	Duration time.Duration

	// StartFrame and Frames place the chunk on the output timeline at
	// [Format] rate.
	StartFrame int64
	Frames     int64
}

// End returns the clock position at which the chunk stops playing.
func (c Chunk) End() time.Duration {
	return audio.FramesToDuration(c.StartFrame+c.Frames, Format.SampleRate)
}

// Scheduler places decoded chunks on an output timeline and tracks which of
// them are still playing.
type Scheduler struct {
	out     audio.Output
	onEnded func(id uint64)

	cursor int64 // frames
	nextID uint64
	active map[uint64]audio.Voice
}

// New returns a Scheduler that queues on out. onEnded is called with the
// chunk id whenever a chunk ends or is stopped; it may be nil and must not
// block.
func New(out audio.Output, onEnded func(id uint64)) *Scheduler {
	return &Scheduler{
		out:     out,
		onEnded: onEnded,
		active:  make(map[uint64]audio.Voice),
	}
}

// Enqueue decodes payload and schedules it after every chunk queued before
// it. A malformed payload returns an error wrapping
// [audio.ErrMalformedPayload] and leaves the cursor untouched.
func (s *Scheduler) Enqueue(payload []byte) (Chunk, error) {
	buf, err := audio.DecodePCM16(payload, Format.SampleRate, Format.Channels)
	if err != nil {
		return Chunk{}, fmt.Errorf("playback: decode: %w", err)
	}

	rate := Format.SampleRate
	start := max(s.cursor, audio.DurationToFrames(s.out.Now(), rate))
	s.nextID++
	c := Chunk{
		ID:         s.nextID,
		Start:      audio.FramesToDuration(start, rate),
		Duration:   buf.Duration(),
		StartFrame: start,
		Frames:     int64(buf.Frames()),
	}

	id := c.ID
	v, err := s.out.Schedule(buf, c.Start, func() {
		if s.onEnded != nil {
			s.onEnded(id)
		}
	})
	if err != nil {
		return Chunk{}, fmt.Errorf("playback: schedule: %w", err)
	}

	s.cursor = c.StartFrame + c.Frames
	s.active[id] = v
	return c, nil
}

// Finished removes id from the active set and reports whether any chunk is
// still playing. Unknown ids are ignored.
func (s *Scheduler) Finished(id uint64) bool {
	delete(s.active, id)
	return s.Speaking()
}

// Speaking reports whether at least one chunk is scheduled or playing.
func (s *Scheduler) Speaking() bool { return len(s.active) > 0 }

// Active returns the number of chunks scheduled or playing.
func (s *Scheduler) Active() int { return len(s.active) }

// Cursor returns the clock position at which the next chunk would start if
// the output has not caught up with it.
func (s *Scheduler) Cursor() time.Duration {
	return audio.FramesToDuration(s.cursor, Format.SampleRate)
}

// Flush stops every active chunk, empties the active set and rewinds the
// cursor to zero. End callbacks still fire for the stopped chunks.
func (s *Scheduler) Flush() {
	voices := make([]audio.Voice, 0, len(s.active))
	for id, v := range s.active {
		voices = append(voices, v)
		delete(s.active, id)
	}
	s.cursor = 0
	for _, v := range voices {
		v.Stop()
	}
}
