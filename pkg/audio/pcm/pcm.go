// Package pcm converts between normalised float32 samples and the wire format
// used by the realtime backend: little-endian signed 16-bit PCM, transported
// as standard base64 text.
//
// All functions are pure. The only error condition is corrupt input (bad
// base64 or a byte count that is not a whole number of samples), reported as
// a [*CodecError].
package pcm

import (
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"github.com/MrWong99/parley/pkg/audio"
)

// ErrMalformed is wrapped by every [CodecError].
var ErrMalformed = errors.New("pcm: malformed audio payload")

// CodecError reports a payload that could not be decoded. The affected chunk
// should be dropped; the stream itself is still usable.
type CodecError struct {
	Op  string
	Err error
}

func (e *CodecError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("pcm: %s: %v", e.Op, ErrMalformed)
	}
	return fmt.Sprintf("pcm: %s: %v", e.Op, e.Err)
}

// Unwrap returns both the underlying cause and [ErrMalformed] so callers can
// match either with errors.Is.
func (e *CodecError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrMalformed}
	}
	return []error{ErrMalformed, e.Err}
}

// EncodePCM16 clamps each sample to [-1, 1] and writes it as a little-endian
// int16. Negative values scale by 32768, positive values by 32767, so both
// -1 and 1 map to the extremes of the int16 range.
func EncodePCM16(samples []float32) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(quantize(s)))
	}
	return out
}

func quantize(s float32) int16 {
	switch {
	case s != s: // NaN
		return 0
	case s <= -1:
		return math.MinInt16
	case s >= 1:
		return math.MaxInt16
	case s < 0:
		return int16(s * 32768)
	default:
		return int16(s * 32767)
	}
}

// DecodePCM16 reads little-endian int16 samples and divides them by 32768.
func DecodePCM16(b []byte) ([]float32, error) {
	if len(b)%2 != 0 {
		return nil, &CodecError{Op: "decode", Err: fmt.Errorf("odd byte count %d", len(b))}
	}
	out := make([]float32, len(b)/2)
	for i := range out {
		out[i] = float32(int16(binary.LittleEndian.Uint16(b[i*2:]))) / 32768
	}
	return out, nil
}

// ToBase64 encodes b with the standard base64 alphabet.
func ToBase64(b []byte) string {
	return base64.StdEncoding.EncodeToString(b)
}

// FromBase64 decodes standard base64. Malformed input is a [*CodecError],
// never a silently truncated buffer.
func FromBase64(s string) ([]byte, error) {
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, &CodecError{Op: "base64", Err: err}
	}
	return b, nil
}

// Encode turns float samples into a wire frame.
func Encode(samples []float32, sampleRate int) audio.EncodedFrame {
	return audio.EncodedFrame{
		Payload:    ToBase64(EncodePCM16(samples)),
		SampleRate: sampleRate,
	}
}

// Decode turns a wire frame back into float samples.
func Decode(f audio.EncodedFrame) ([]float32, error) {
	b, err := FromBase64(f.Payload)
	if err != nil {
		return nil, err
	}
	return DecodePCM16(b)
}

// Downsample reduces samples from fromRate to toRate by nearest-neighbour
// decimation: output[i] = samples[floor(i*fromRate/toRate)].
//
// This is not bandlimited and will alias content above the new Nyquist
// frequency. For speech at 16 kHz and above the artefacts are inaudible in
// practice, which is why no low-pass filter is applied. If toRate >= fromRate
// the input is returned unchanged; use [audio.Resample] to upsample.
func Downsample(samples []float32, fromRate, toRate int) []float32 {
	if toRate <= 0 || fromRate <= 0 || toRate >= fromRate {
		return samples
	}
	n := int(int64(len(samples)) * int64(toRate) / int64(fromRate))
	out := make([]float32, n)
	for i := range n {
		idx := int(int64(i) * int64(fromRate) / int64(toRate))
		out[i] = samples[idx]
	}
	return out
}

// RMS returns the root-mean-square level of samples, clamped to [0, 1]. It is
// intended for volume meters only.
func RMS(samples []float32) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		sum += float64(s) * float64(s)
	}
	return min(math.Sqrt(sum/float64(len(samples))), 1)
}
