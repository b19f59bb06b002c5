// Package capture turns raw microphone buffers into fixed-duration mono
// [audio.Chunk] frames.
//
// A [Pipeline] owns one [Source] for the duration of a capture run. Device
// buffers arrive on the driver's callback goroutine, are averaged down to mono,
// accumulated, and cut into frames of exactly Config.FrameDurationMs. Each frame
// is handed to the chunk handler and its RMS level is forwarded to the volume
// handler on a separate goroutine.
//
// Emission happens while the pipeline mutex is held and [Pipeline.Stop] takes
// the same mutex, so once Stop returns no further chunk is emitted. Buffers the
// driver delivers late are recognised by a generation counter and discarded.
package capture

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/parley/pkg/audio"
	"github.com/MrWong99/parley/pkg/audio/pcm"
)

// Source is a microphone driver. Open starts delivering interleaved float32
// buffers to deliver until Close is called. deliver may be invoked from any
// goroutine and must be treated as non-reentrant with respect to Close.
type Source interface {
	Open(ctx context.Context, format audio.Format, deliver func(samples []float32)) error
	Close() error
}

// Config describes the capture format requested from the Source.
type Config struct {
	SampleRateHz    int
	ChannelCount    int
	FrameDurationMs int
}

// Validate reports every problem with c.
func (c Config) Validate() error {
	var errs []error
	if c.SampleRateHz <= 0 {
		errs = append(errs, errors.New("capture: sample rate must be positive"))
	}
	if c.ChannelCount <= 0 {
		errs = append(errs, errors.New("capture: channel count must be positive"))
	}
	if c.FrameDurationMs <= 0 {
		errs = append(errs, errors.New("capture: frame duration must be positive"))
	}
	return errors.Join(errs...)
}

func (c Config) frameSamples() int {
	return max(1, c.SampleRateHz*c.FrameDurationMs/1000)
}

// State is the pipeline's run state.
type State int

const (
	StateIdle State = iota
	StateCapturing
)

// String returns the state name.
func (s State) String() string {
	if s == StateCapturing {
		return "capturing"
	}
	return "idle"
}

// Option configures a [Pipeline].
type Option func(*Pipeline)

// WithChunkHandler sets the function that receives every completed frame.
// It runs on the driver callback goroutine with the pipeline lock held and
// must not call [Pipeline.Stop] or [Pipeline.Start].
func WithChunkHandler(fn func(audio.Chunk)) Option {
	return func(p *Pipeline) { p.onChunk = fn }
}

// WithVolumeHandler sets the function that receives the RMS level of each
// frame. Slow handlers only see the most recent value.
func WithVolumeHandler(fn func(float64)) Option {
	return func(p *Pipeline) { p.onVolume = fn }
}

// WithClock overrides the time source used to stamp chunks.
func WithClock(now func() time.Time) Option {
	return func(p *Pipeline) { p.now = now }
}

// Pipeline is the microphone capture state machine. All exported methods are
// safe for concurrent use.
type Pipeline struct {
	src Source
	now func() time.Time

	// opMu serialises Start and Stop. It is never held by the delivery path.
	opMu sync.Mutex

	mu         sync.Mutex
	state      State
	gen        uint64
	cfg        Config
	frameLen   int
	buf        []float32
	bufStart   time.Time
	permission Permission
	onChunk    func(audio.Chunk)
	onVolume   func(float64)
	volume     chan float64
	volumeDone chan struct{}
}

// New creates an idle pipeline reading from src.
func New(src Source, opts ...Option) *Pipeline {
	p := &Pipeline{
		src: src,
		now: time.Now,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// OnChunk replaces the chunk handler. See [WithChunkHandler].
func (p *Pipeline) OnChunk(fn func(audio.Chunk)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onChunk = fn
}

// OnVolume replaces the volume handler. It takes effect on the next Start.
func (p *Pipeline) OnVolume(fn func(float64)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onVolume = fn
}

// Start opens the source and begins emitting chunks. Calling Start while
// already capturing returns nil without touching the source. Open failures
// are reported as a [*DeviceError] matching [ErrPermissionDenied] or
// [ErrDeviceUnavailable]; the pipeline stays idle.
func (p *Pipeline) Start(ctx context.Context, cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	p.opMu.Lock()
	defer p.opMu.Unlock()

	p.mu.Lock()
	if p.state == StateCapturing {
		p.mu.Unlock()
		return nil
	}
	p.gen++
	gen := p.gen
	p.state = StateCapturing
	p.cfg = cfg
	p.frameLen = cfg.frameSamples()
	p.buf = make([]float32, 0, p.frameLen*2)
	p.volume = make(chan float64, 1)
	p.volumeDone = make(chan struct{})
	go p.forwardVolume(p.volume, p.volumeDone, p.onVolume)
	p.mu.Unlock()

	format := audio.Format{SampleRate: cfg.SampleRateHz, Channels: cfg.ChannelCount}
	err := p.src.Open(ctx, format, func(samples []float32) {
		p.deliver(gen, samples)
	})
	if err != nil {
		de := classify(err)
		p.mu.Lock()
		p.resetLocked()
		if errors.Is(de, ErrPermissionDenied) {
			p.permission = PermissionDenied
		}
		p.mu.Unlock()
		slog.Warn("capture: start failed", "err", de)
		return de
	}

	p.mu.Lock()
	p.permission = PermissionGranted
	p.mu.Unlock()
	slog.Debug("capture: started",
		"sample_rate", cfg.SampleRateHz,
		"channels", cfg.ChannelCount,
		"frame_ms", cfg.FrameDurationMs,
	)
	return nil
}

// Stop halts capture and releases the source. It is idempotent. Partial frame
// samples still buffered are discarded.
func (p *Pipeline) Stop() error {
	p.opMu.Lock()
	defer p.opMu.Unlock()

	p.mu.Lock()
	if p.state == StateIdle {
		p.mu.Unlock()
		return nil
	}
	p.resetLocked()
	p.mu.Unlock()

	// Close runs without p.mu so a driver that waits for its in-flight
	// callback to return cannot deadlock against deliver.
	if err := p.src.Close(); err != nil {
		slog.Warn("capture: close source", "err", err)
		return err
	}
	return nil
}

// resetLocked returns the pipeline to idle. Caller must hold p.mu.
func (p *Pipeline) resetLocked() {
	p.state = StateIdle
	p.gen++
	p.buf = nil
	if p.volumeDone != nil {
		close(p.volumeDone)
		p.volumeDone = nil
		p.volume = nil
	}
}

// IsCapturing reports whether the pipeline is between a successful Start and
// the matching Stop.
func (p *Pipeline) IsCapturing() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state == StateCapturing
}

// State returns the current run state.
func (p *Pipeline) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Permission returns the last observed microphone permission.
func (p *Pipeline) Permission() Permission {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.permission
}

// deliver is the Source callback. It segments the incoming buffer into frames
// and emits each one while holding p.mu.
func (p *Pipeline) deliver(gen uint64, samples []float32) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.state != StateCapturing || gen != p.gen {
		return
	}

	mono := audio.Downmix(samples, p.cfg.ChannelCount)
	if len(mono) == 0 {
		return
	}
	if len(p.buf) == 0 {
		p.bufStart = p.now()
	}
	p.buf = append(p.buf, mono...)

	for len(p.buf) >= p.frameLen {
		frame := make([]float32, p.frameLen)
		copy(frame, p.buf)
		rest := copy(p.buf, p.buf[p.frameLen:])
		p.buf = p.buf[:rest]

		chunk := audio.Chunk{
			Samples:    frame,
			SampleRate: p.cfg.SampleRateHz,
			CapturedAt: p.bufStart,
		}
		p.bufStart = p.bufStart.Add(chunk.Duration())

		p.publishVolumeLocked(pcm.RMS(frame))
		if p.onChunk != nil {
			p.onChunk(chunk)
		}
	}
}

// publishVolumeLocked stores v in the latest-value slot, replacing any value
// the volume goroutine has not picked up yet.
func (p *Pipeline) publishVolumeLocked(v float64) {
	if p.volume == nil {
		return
	}
	select {
	case p.volume <- v:
		return
	default:
	}
	select {
	case <-p.volume:
	default:
	}
	select {
	case p.volume <- v:
	default:
	}
}

func (p *Pipeline) forwardVolume(in <-chan float64, done <-chan struct{}, fn func(float64)) {
	if fn == nil {
		<-done
		return
	}
	for {
		select {
		case <-done:
			fn(0)
			return
		case v := <-in:
			fn(v)
		}
	}
}
