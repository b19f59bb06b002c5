// Package device binds the capture and playback pipelines to real hardware
// through miniaudio (github.com/gen2brain/malgo).
//
// [Microphone] implements capture.Source and [Speaker] implements
// playback.Sink. Each instance owns its own miniaudio context and device, so
// two sessions never share an audio handle and releasing one cannot affect
// the other. Samples cross the cgo boundary as little-endian float32.
package device

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"math"
	"strings"

	"github.com/gen2brain/malgo"

	"github.com/MrWong99/parley/pkg/audio/capture"
)

// periodMs is the requested device period. Shorter periods reduce barge-in
// latency at the cost of more callbacks.
const periodMs = 20

// initContext allocates a miniaudio context with default backends.
func initContext() (*malgo.AllocatedContext, error) {
	mctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, func(msg string) {
		slog.Debug("device: miniaudio", "msg", strings.TrimSpace(msg))
	})
	if err != nil {
		return nil, fmt.Errorf("device: init context: %w", err)
	}
	return mctx, nil
}

func freeContext(mctx *malgo.AllocatedContext) {
	if mctx == nil {
		return
	}
	mctx.Uninit()
	mctx.Free()
}

// classifyInitError maps a miniaudio device error to the capture taxonomy.
// miniaudio reports OS permission refusals as access-denied results.
func classifyInitError(err error) error {
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "access denied") || strings.Contains(msg, "permission") {
		return &capture.DeviceError{Kind: capture.ErrPermissionDenied, Err: err}
	}
	return &capture.DeviceError{Kind: capture.ErrDeviceUnavailable, Err: err}
}

// bytesToFloat32 decodes interleaved little-endian float32 samples.
func bytesToFloat32(b []byte) []float32 {
	out := make([]float32, len(b)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return out
}

// float32ToBytes encodes samples into dst as little-endian float32. dst must
// hold at least len(samples)*4 bytes.
func float32ToBytes(dst []byte, samples []float32) {
	for i, s := range samples {
		binary.LittleEndian.PutUint32(dst[i*4:], math.Float32bits(s))
	}
}
