// Package mock provides in-memory doubles for the capture [capture.Source]
// and playback [playback.Sink] device interfaces, for use in unit tests.
//
// Both mocks are safe for concurrent use. They record every call so tests can
// assert on counts and arguments, and they expose exported fields that control
// return values.
//
// Typical usage:
//
//	src := &mock.Source{}
//	p := capture.New(src, capture.WithChunkHandler(onChunk))
//	_ = p.Start(ctx, cfg)
//	src.Emit(make([]float32, 4800))
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/parley/pkg/audio"
	"github.com/MrWong99/parley/pkg/audio/capture"
	"github.com/MrWong99/parley/pkg/audio/playback"
)

var (
	_ capture.Source = (*Source)(nil)
	_ playback.Sink  = (*Sink)(nil)
)

// ─── Source ───────────────────────────────────────────────────────────────────

// Source is a scriptable microphone. Call [Source.Emit] to push a buffer into
// the registered delivery callback.
type Source struct {
	mu sync.Mutex

	// OpenError is returned by Open. When non-nil the callback is not retained.
	OpenError error

	// OpenBlocks makes Open wait until its context is done and return the
	// context's error, like a driver stuck on a permission prompt.
	OpenBlocks bool

	// CloseError is returned by Close.
	CloseError error

	// OpenFormats records the format of every Open call, in order.
	OpenFormats []audio.Format

	// CallCountClose records how many times Close was called.
	CallCountClose int

	deliver func([]float32)
	open    bool
}

// Open records the call and stores deliver for later [Source.Emit] calls.
func (s *Source) Open(ctx context.Context, format audio.Format, deliver func([]float32)) error {
	s.mu.Lock()
	s.OpenFormats = append(s.OpenFormats, format)
	blocks := s.OpenBlocks
	s.mu.Unlock()
	if blocks {
		<-ctx.Done()
		return ctx.Err()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.OpenError != nil {
		return s.OpenError
	}
	s.deliver = deliver
	s.open = true
	return nil
}

// Close marks the source closed. The last delivery callback is kept so tests
// can simulate a driver that fires once more after being stopped.
func (s *Source) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CallCountClose++
	s.open = false
	return s.CloseError
}

// IsOpen reports whether Open succeeded and Close has not been called since.
func (s *Source) IsOpen() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.open
}

// Emit calls the most recently registered delivery callback with samples,
// whether or not the source is still open. It is a no-op if Open never
// succeeded.
func (s *Source) Emit(samples []float32) {
	s.mu.Lock()
	fn := s.deliver
	s.mu.Unlock()
	if fn != nil {
		fn(samples)
	}
}

// ─── Sink ─────────────────────────────────────────────────────────────────────

// Sink is a scriptable speaker. Tests drive the playback callback by calling
// [Sink.Pull] in place of a hardware clock.
type Sink struct {
	mu sync.Mutex

	// StartError is returned by Start.
	StartError error

	// StartFormats records the format of every Start call.
	StartFormats []audio.Format

	// CallCountClose records how many times Close was called.
	CallCountClose int

	fill func([]float32)
}

// Start records the call and keeps fill for [Sink.Pull].
func (s *Sink) Start(_ context.Context, format audio.Format, fill func([]float32)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.StartFormats = append(s.StartFormats, format)
	if s.StartError != nil {
		return s.StartError
	}
	s.fill = fill
	return nil
}

// Close records the call and drops the fill callback.
func (s *Sink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CallCountClose++
	s.fill = nil
	return nil
}

// Pull asks the fill callback for n samples and returns them. It returns nil
// when the sink is not started.
func (s *Sink) Pull(n int) []float32 {
	s.mu.Lock()
	fn := s.fill
	s.mu.Unlock()
	if fn == nil {
		return nil
	}
	out := make([]float32, n)
	fn(out)
	return out
}
