package miniaudio

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"math"
	"sync"

	"github.com/gen2brain/malgo"

	"github.com/MrWong99/livecopilot/pkg/audio"
	"github.com/MrWong99/livecopilot/pkg/audio/mixer"
)

// output is an [audio.Output] whose clock is the playback device's render
// position. Now, Schedule and voice stops are served by the embedded
// timeline.
type output struct {
	*mixer.Timeline

	device  *malgo.Device
	scratch []float32 // touched only from the device callback

	closeOnce sync.Once
	log       *slog.Logger
}

var _ audio.Output = (*output)(nil)

func openOutput(ctx malgo.Context, f audio.Format, log *slog.Logger) (*output, error) {
	o := &output{
		Timeline: mixer.New(f.SampleRate),
		log:      log,
	}

	cfg := malgo.DefaultDeviceConfig(malgo.Playback)
	cfg.Playback.Format = malgo.FormatF32
	cfg.Playback.Channels = 1
	cfg.SampleRate = uint32(f.SampleRate)
	cfg.Alsa.NoMMap = 1

	dev, err := malgo.InitDevice(ctx, cfg, malgo.DeviceCallbacks{Data: o.onData})
	if err != nil {
		return nil, fmt.Errorf("miniaudio: open playback: %w", err)
	}
	if err := dev.Start(); err != nil {
		dev.Uninit()
		return nil, fmt.Errorf("miniaudio: start playback: %w", err)
	}
	o.device = dev
	log.Info("miniaudio: playback started", "rate", f.SampleRate)
	return o, nil
}

func (o *output) onData(out, _ []byte, frameCount uint32) {
	n := int(frameCount)
	if cap(o.scratch) < n {
		o.scratch = make([]float32, n)
	}
	o.scratch = o.scratch[:n]
	o.Render(o.scratch)
	for i, s := range o.scratch {
		binary.LittleEndian.PutUint32(out[i*4:], math.Float32bits(s))
	}
}

// Close stops all voices and releases the device. Close is idempotent.
func (o *output) Close() error {
	var err error
	o.closeOnce.Do(func() {
		_ = o.Timeline.Close()
		if o.device != nil {
			err = o.device.Stop()
			o.device.Uninit()
		}
		o.log.Info("miniaudio: playback stopped")
	})
	if err != nil {
		return fmt.Errorf("miniaudio: stop playback: %w", err)
	}
	return nil
}
