package device

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/gen2brain/malgo"

	"github.com/MrWong99/parley/pkg/audio"
	"github.com/MrWong99/parley/pkg/audio/capture"
)

var _ capture.Source = (*Microphone)(nil)

// Microphone is the default system input device.
type Microphone struct {
	mu     sync.Mutex
	mctx   *malgo.AllocatedContext
	device *malgo.Device
}

// NewMicrophone returns an unopened microphone.
func NewMicrophone() *Microphone {
	return &Microphone{}
}

// Open initialises the default capture device in float32 format and starts
// delivering its buffers. It fails with [capture.ErrDeviceUnavailable] when
// the system has no capture device and with [capture.ErrPermissionDenied]
// when the OS refuses access.
//
// Driver initialisation can block on an OS permission prompt. Open returns
// ctx.Err() once ctx is done; a device that finishes opening after that is
// released in the background.
func (m *Microphone) Open(ctx context.Context, format audio.Format, deliver func([]float32)) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.device != nil {
		return fmt.Errorf("device: microphone already open")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	res := make(chan openResult, 1)
	go func() { res <- openCapture(format, deliver) }()

	select {
	case r := <-res:
		if r.err != nil {
			return r.err
		}
		m.mctx = r.mctx
		m.device = r.device
		slog.Info("device: microphone opened",
			"device", r.name,
			"sample_rate", format.SampleRate,
			"channels", format.Channels,
		)
		return nil
	case <-ctx.Done():
		go func() {
			r := <-res
			if r.err != nil {
				return
			}
			if err := r.device.Stop(); err != nil {
				slog.Debug("device: stop abandoned microphone", "err", err)
			}
			r.device.Uninit()
			freeContext(r.mctx)
			slog.Debug("device: released microphone opened after cancellation", "device", r.name)
		}()
		return ctx.Err()
	}
}

type openResult struct {
	mctx   *malgo.AllocatedContext
	device *malgo.Device
	name   string
	err    error
}

func openCapture(format audio.Format, deliver func([]float32)) openResult {
	mctx, err := initContext()
	if err != nil {
		return openResult{err: &capture.DeviceError{Kind: capture.ErrDeviceUnavailable, Err: err}}
	}

	infos, err := mctx.Devices(malgo.Capture)
	if err != nil {
		freeContext(mctx)
		return openResult{err: &capture.DeviceError{Kind: capture.ErrDeviceUnavailable, Err: err}}
	}
	if len(infos) == 0 {
		freeContext(mctx)
		return openResult{err: &capture.DeviceError{Kind: capture.ErrDeviceUnavailable, Err: fmt.Errorf("no capture devices found")}}
	}

	cfg := malgo.DefaultDeviceConfig(malgo.Capture)
	cfg.Capture.Format = malgo.FormatF32
	cfg.Capture.Channels = uint32(format.Channels)
	cfg.SampleRate = uint32(format.SampleRate)
	cfg.PeriodSizeInMilliseconds = periodMs

	callbacks := malgo.DeviceCallbacks{
		Data: func(_, in []byte, _ uint32) {
			deliver(bytesToFloat32(in))
		},
	}

	dev, err := malgo.InitDevice(mctx.Context, cfg, callbacks)
	if err != nil {
		freeContext(mctx)
		return openResult{err: classifyInitError(err)}
	}
	if err := dev.Start(); err != nil {
		dev.Uninit()
		freeContext(mctx)
		return openResult{err: classifyInitError(err)}
	}
	return openResult{mctx: mctx, device: dev, name: infos[0].Name()}
}

// Close stops the device and releases the miniaudio context. Stop waits for
// an in-flight data callback to return. Close is idempotent.
func (m *Microphone) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.device == nil {
		return nil
	}
	var stopErr error
	if err := m.device.Stop(); err != nil {
		stopErr = fmt.Errorf("device: stop microphone: %w", err)
	}
	m.device.Uninit()
	freeContext(m.mctx)
	m.device = nil
	m.mctx = nil
	return stopErr
}
