package device

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/gen2brain/malgo"

	"github.com/MrWong99/parley/pkg/audio"
	"github.com/MrWong99/parley/pkg/audio/playback"
)

var _ playback.Sink = (*Speaker)(nil)

// Speaker is the default system output device.
type Speaker struct {
	mu     sync.Mutex
	mctx   *malgo.AllocatedContext
	device *malgo.Device

	// scratch is only touched from the device callback.
	scratch []float32
}

// NewSpeaker returns an unstarted speaker.
func NewSpeaker() *Speaker {
	return &Speaker{}
}

// Start opens the default playback device in float32 format. Each device
// period calls fill with a buffer of frames*channels samples.
func (s *Speaker) Start(ctx context.Context, format audio.Format, fill func([]float32)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.device != nil {
		return fmt.Errorf("device: speaker already started")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	mctx, err := initContext()
	if err != nil {
		return err
	}

	cfg := malgo.DefaultDeviceConfig(malgo.Playback)
	cfg.Playback.Format = malgo.FormatF32
	cfg.Playback.Channels = uint32(format.Channels)
	cfg.SampleRate = uint32(format.SampleRate)
	cfg.PeriodSizeInMilliseconds = periodMs

	channels := format.Channels
	callbacks := malgo.DeviceCallbacks{
		Data: func(out, _ []byte, frames uint32) {
			n := int(frames) * channels
			if cap(s.scratch) < n {
				s.scratch = make([]float32, n)
			}
			buf := s.scratch[:n]
			fill(buf)
			float32ToBytes(out, buf)
		},
	}

	dev, err := malgo.InitDevice(mctx.Context, cfg, callbacks)
	if err != nil {
		freeContext(mctx)
		return fmt.Errorf("device: init speaker: %w", err)
	}
	if err := dev.Start(); err != nil {
		dev.Uninit()
		freeContext(mctx)
		return fmt.Errorf("device: start speaker: %w", err)
	}

	s.mctx = mctx
	s.device = dev
	slog.Info("device: speaker started",
		"sample_rate", format.SampleRate,
		"channels", format.Channels,
	)
	return nil
}

// Close stops playback and releases the device. Close is idempotent.
func (s *Speaker) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.device == nil {
		return nil
	}
	var stopErr error
	if err := s.device.Stop(); err != nil {
		stopErr = fmt.Errorf("device: stop speaker: %w", err)
	}
	s.device.Uninit()
	freeContext(s.mctx)
	s.device = nil
	s.mctx = nil
	return stopErr
}
