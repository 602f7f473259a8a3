package audio

import (
	"encoding/binary"
	"fmt"
	"math"
)

// EncodePCM16 converts floating-point samples to 16-bit little-endian PCM.
// Each sample is clamped to [-1, 1] and scaled to the signed 16-bit range.
//
// The result is written into dst[:0], which is grown only when its capacity
// is too small; callers that reuse dst across frames encode without
// allocating.
func EncodePCM16(dst []byte, samples []float32) []byte {
	n := len(samples) * 2
	if cap(dst) < n {
		dst = make([]byte, n)
	}
	dst = dst[:n]
	for i, s := range samples {
		binary.LittleEndian.PutUint16(dst[i*2:], uint16(floatToInt16(s)))
	}
	return dst
}

// DecodePCM16 converts 16-bit little-endian PCM to a [Buffer] tagged with the
// declared sample rate and channel count. No resampling or remixing happens
// here; the declared format is trusted.
//
// Returns [ErrMalformedPayload] when the length is not a whole number of
// sample frames or the declared format is unusable.
func DecodePCM16(data []byte, sampleRate, channels int) (*Buffer, error) {
	if sampleRate <= 0 || channels <= 0 {
		return nil, fmt.Errorf("%w: invalid format %s", ErrMalformedPayload, formatString(sampleRate, channels))
	}
	if len(data)%(2*channels) != 0 {
		return nil, fmt.Errorf("%w: %d bytes is not a multiple of %d", ErrMalformedPayload, len(data), 2*channels)
	}
	samples := make([]float32, len(data)/2)
	for i := range samples {
		samples[i] = float32(int16(binary.LittleEndian.Uint16(data[i*2:]))) / 32768
	}
	return &Buffer{
		Samples:    samples,
		SampleRate: sampleRate,
		Channels:   channels,
	}, nil
}

// floatToInt16 clamps s to [-1, 1] and scales it to int16. NaN maps to 0.
func floatToInt16(s float32) int16 {
	if s != s {
		return 0
	}
	v := math.Round(float64(s) * 32768)
	if v > math.MaxInt16 {
		return math.MaxInt16
	}
	if v < math.MinInt16 {
		return math.MinInt16
	}
	return int16(v)
}
