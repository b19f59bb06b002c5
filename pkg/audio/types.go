// Package audio holds the value types shared by the capture, playback and
// transport layers, plus sample-format helpers for float32 audio.
package audio

import "time"

// Chunk is one fixed-duration frame of captured microphone audio. Samples are
// mono, normalised to [-1, 1] and still at the hardware sample rate.
//
// A Chunk is handed off exactly once (capture → encode → send) and must not be
// retained or mutated by the receiver after it has been forwarded.
type Chunk struct {
	Samples []float32

	// SampleRate of Samples in Hz.
	SampleRate int

	// CapturedAt is the wall-clock time the first sample of the chunk was
	// delivered by the device.
	CapturedAt time.Time
}

// Duration reports the playback length of the chunk.
func (c Chunk) Duration() time.Duration {
	if c.SampleRate <= 0 {
		return 0
	}
	return time.Duration(len(c.Samples)) * time.Second / time.Duration(c.SampleRate)
}

// EncodedFrame is the wire form of an audio buffer: base64 of little-endian
// PCM16 samples plus the rate they were sampled at. It only exists between
// encode and network write, or between network read and decode.
type EncodedFrame struct {
	Payload    string
	SampleRate int
}

// Format describes the sample rate and channel count of an audio stream.
type Format struct {
	SampleRate int
	Channels   int
}

// FrameSamples returns the number of samples per channel in a frame of d.
func (f Format) FrameSamples(d time.Duration) int {
	return int(int64(f.SampleRate) * int64(d) / int64(time.Second))
}
