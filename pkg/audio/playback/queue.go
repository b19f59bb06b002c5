// Package playback schedules decoded AI speech for gapless output.
//
// A [Queue] is pulled by the output device: the device callback asks for a
// buffer via [Queue.Fill] and the queue copies samples from the head item,
// continuing into the next item within the same call. Consecutive items are
// therefore contiguous in the output stream with no per-item scheduling and no
// clock drift. [Queue.Clear] drops everything under the queue lock, so the
// next Fill after Clear returns emits silence.
package playback

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/MrWong99/parley/pkg/audio"
	"github.com/MrWong99/parley/pkg/audio/pcm"
)

// ErrClosed is returned by [Queue.Attach] after [Queue.Close].
var ErrClosed = errors.New("playback: queue closed")

// Sink is an output device. Start begins calling fill from the device's
// audio thread, once per period, until Close.
type Sink interface {
	Start(ctx context.Context, format audio.Format, fill func(out []float32)) error
	Close() error
}

// State is the queue's drain state.
type State int

const (
	StateEmpty State = iota
	StateDraining
)

// String returns the state name.
func (s State) String() string {
	if s == StateDraining {
		return "draining"
	}
	return "empty"
}

// Option configures a [Queue].
type Option func(*Queue)

// WithOnIdle sets the callback fired when the queue drains naturally. It is
// invoked on a new goroutine and is not fired by [Queue.Clear].
func WithOnIdle(fn func()) Option {
	return func(q *Queue) { q.onIdle = fn }
}

// WithOnError sets the callback that receives decode failures. The failing
// item is skipped either way.
func WithOnError(fn func(error)) Option {
	return func(q *Queue) { q.onError = fn }
}

// item is one decoded frame at the output format. Samples are interleaved
// when the output has more than one channel.
type item struct {
	samples []float32
	pos     int
}

// Queue is a FIFO of decoded audio items feeding one output device. All
// exported methods are safe for concurrent use.
type Queue struct {
	format audio.Format

	mu      sync.Mutex
	items   []*item
	state   State
	closed  bool
	sink    Sink
	onIdle  func()
	onError func(error)
}

// New creates an empty queue producing audio at sampleRate with channels
// interleaved output channels.
func New(sampleRate, channels int, opts ...Option) *Queue {
	q := &Queue{
		format: audio.Format{SampleRate: sampleRate, Channels: max(1, channels)},
	}
	for _, o := range opts {
		o(q)
	}
	return q
}

// Format returns the output format Fill produces.
func (q *Queue) Format() audio.Format { return q.format }

// OnIdle replaces the idle callback. Only one handler is active at a time.
func (q *Queue) OnIdle(fn func()) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.onIdle = fn
}

// Attach starts sink and routes its callback into [Queue.Fill]. The queue
// closes the sink when it is itself closed.
func (q *Queue) Attach(ctx context.Context, sink Sink) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrClosed
	}
	q.mu.Unlock()

	if err := sink.Start(ctx, q.format, func(out []float32) { q.Fill(out) }); err != nil {
		return err
	}

	q.mu.Lock()
	q.sink = sink
	q.mu.Unlock()
	return nil
}

// Enqueue decodes frame and appends it to the tail of the queue. A frame
// that fails to decode is logged, reported to the error callback and
// skipped; items already queued are unaffected.
func (q *Queue) Enqueue(frame audio.EncodedFrame) bool {
	samples, err := pcm.Decode(frame)
	if err != nil {
		slog.Warn("playback: dropping undecodable frame", "err", err)
		q.mu.Lock()
		fn := q.onError
		q.mu.Unlock()
		if fn != nil {
			fn(err)
		}
		return false
	}
	return q.EnqueueSamples(samples, frame.SampleRate)
}

// EnqueueSamples appends already-decoded mono samples recorded at
// sampleRate. It returns false when the queue is closed or samples is empty.
func (q *Queue) EnqueueSamples(samples []float32, sampleRate int) bool {
	if len(samples) == 0 {
		return false
	}
	out := audio.Resample(samples, sampleRate, q.format.SampleRate)
	out = audio.Upmix(out, q.format.Channels)

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return false
	}
	q.items = append(q.items, &item{samples: out})
	q.state = StateDraining
	return true
}

// Fill copies queued samples into out and zeroes whatever it cannot fill.
// It returns the number of audio samples written, excluding silence.
func (q *Queue) Fill(out []float32) int {
	q.mu.Lock()
	n := 0
	for n < len(out) && len(q.items) > 0 {
		head := q.items[0]
		c := copy(out[n:], head.samples[head.pos:])
		head.pos += c
		n += c
		if head.pos >= len(head.samples) {
			q.items[0] = nil
			q.items = q.items[1:]
		}
	}
	clear(out[n:])

	var idle func()
	if q.state == StateDraining && len(q.items) == 0 {
		q.state = StateEmpty
		idle = q.onIdle
	}
	q.mu.Unlock()

	if idle != nil {
		go idle()
	}
	return n
}

// Clear drops the current item and everything queued behind it. It is
// idempotent and does not fire the idle callback.
func (q *Queue) Clear() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.clearLocked()
}

func (q *Queue) clearLocked() {
	clear(q.items)
	q.items = q.items[:0]
	q.state = StateEmpty
}

// IsPlaying reports whether the queue holds unplayed audio.
func (q *Queue) IsPlaying() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.state == StateDraining
}

// State returns the current drain state.
func (q *Queue) State() State {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.state
}

// Buffered returns the number of output samples still queued.
func (q *Queue) Buffered() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for _, it := range q.items {
		n += len(it.samples) - it.pos
	}
	return n
}

// Close clears the queue, rejects further enqueues, and closes the attached
// sink if any. Close is idempotent.
func (q *Queue) Close() error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	q.clearLocked()
	sink := q.sink
	q.sink = nil
	q.mu.Unlock()

	if sink != nil {
		return sink.Close()
	}
	return nil
}
