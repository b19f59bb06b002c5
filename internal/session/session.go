// Package session implements the conversation state machine that ties the
// realtime transport, microphone capture, playback queue and idle timers into
// one voice conversation.
//
// Each [Session] runs a single event loop goroutine. Transport messages,
// lifecycle events, timer fires, playback-idle notifications and public
// commands are all posted to it, so session state is only ever mutated from
// that goroutine. Public methods post a command and wait for its reply.
//
// Typical use:
//
//	s := session.New(session.Deps{Transport: client, Capture: mic, Playback: queue})
//	if err := s.Connect(ctx); err != nil { … }
//	if err := s.StartMicrophone(ctx); err != nil { … }
//	…
//	report, err := s.Disconnect(ctx)
package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/MrWong99/parley/internal/idle"
	"github.com/MrWong99/parley/internal/observe"
	"github.com/MrWong99/parley/pkg/audio"
	"github.com/MrWong99/parley/pkg/audio/capture"
	"github.com/MrWong99/parley/pkg/audio/pcm"
	"github.com/MrWong99/parley/pkg/realtime"
	"github.com/MrWong99/parley/pkg/realtime/protocol"
	"github.com/MrWong99/parley/pkg/store"
	"github.com/MrWong99/parley/pkg/translate"
)

// Defaults for [Option]s.
const (
	DefaultWireSampleRate    = 16000
	DefaultDisconnectTimeout = 5 * time.Second
	DefaultTranslateTimeout  = 10 * time.Second
	DefaultMicStartTimeout   = 5 * time.Second
	persistTimeout           = 5 * time.Second
	unintelligibleMarker     = "[unintelligible]"
)

// DefaultCaptureConfig is the microphone format requested when no
// [WithCaptureConfig] option is given.
var DefaultCaptureConfig = capture.Config{SampleRateHz: 48000, ChannelCount: 1, FrameDurationMs: 100}

// ── Collaborators ──────────────────────────────────────────────────────────────

// Transport is the realtime connection. [realtime.Client] implements it.
type Transport interface {
	Connect(ctx context.Context) error
	Disconnect()
	Send(msg protocol.ClientMessage) bool
	Subscribe(fn func(protocol.ServerMessage)) (unsubscribe func())
	OnLifecycle(fn func(realtime.Event))
	State() realtime.State
	WasConnected() bool
}

// Capture is the microphone pipeline. [capture.Pipeline] implements it.
type Capture interface {
	Start(ctx context.Context, cfg capture.Config) error
	Stop() error
	IsCapturing() bool
	OnChunk(fn func(audio.Chunk))
}

// Playback is the AI audio queue. [playback.Queue] implements it.
type Playback interface {
	Enqueue(frame audio.EncodedFrame) bool
	Clear()
	IsPlaying() bool
	OnIdle(fn func())
}

// Deps are the collaborators a Session drives. Transport is required.
// Capture and Playback may be nil for a text-only session; Store and
// Translator are optional.
type Deps struct {
	Transport  Transport
	Capture    Capture
	Playback   Playback
	Store      store.Store
	Translator translate.Translator
}

// ── Options ────────────────────────────────────────────────────────────────────

// Option configures a [Session].
type Option func(*Session)

// WithID sets the session's correlation id. Defaults to a random UUID.
func WithID(id string) Option {
	return func(s *Session) { s.id = id }
}

// WithTimers sets the idle timer durations.
func WithTimers(cfg idle.Config) Option {
	return func(s *Session) { s.timerCfg = cfg }
}

// WithWireSampleRate sets the rate microphone audio is downsampled to before
// sending. Defaults to [DefaultWireSampleRate].
func WithWireSampleRate(hz int) Option {
	return func(s *Session) {
		if hz > 0 {
			s.wireRate = hz
		}
	}
}

// WithCaptureConfig sets the format requested from the microphone.
func WithCaptureConfig(cfg capture.Config) Option {
	return func(s *Session) { s.captureCfg = cfg }
}

// WithDisconnectTimeout bounds how long Disconnect waits for the server's
// acknowledgement. Defaults to [DefaultDisconnectTimeout].
func WithDisconnectTimeout(d time.Duration) Option {
	return func(s *Session) {
		if d > 0 {
			s.disconnectTimeout = d
		}
	}
}

// WithTranslateTimeout bounds each translation request.
func WithTranslateTimeout(d time.Duration) Option {
	return func(s *Session) {
		if d > 0 {
			s.translateTimeout = d
		}
	}
}

// WithMicStartTimeout bounds how long StartMicrophone waits for the device
// to open, including an OS permission prompt. The event loop is blocked for
// at most this long. Defaults to [DefaultMicStartTimeout].
func WithMicStartTimeout(d time.Duration) Option {
	return func(s *Session) {
		if d > 0 {
			s.micStartTimeout = d
		}
	}
}

// WithMicResponseDelay makes StartMicrophone request an AI response after d,
// prompting the partner to open the conversation. Zero disables it.
func WithMicResponseDelay(d time.Duration) Option {
	return func(s *Session) { s.micResponseDelay = d }
}

// WithVoice sets the initial voice.
func WithVoice(v string) Option {
	return func(s *Session) { s.voice = v }
}

// WithMetrics records session metrics into m. Defaults to
// [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Session) { s.metrics = m }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Session) { s.now = now }
}

// WithOnState sets the handler called with a fresh snapshot whenever the
// phase, a flag, the hints or the transcript change.
func WithOnState(fn func(State)) Option {
	return func(s *Session) { s.onState = fn }
}

// WithOnHints sets the handler called when the idle hints change.
func WithOnHints(fn func(idle.Hints)) Option {
	return func(s *Session) { s.onHints = fn }
}

// WithOnTranscript sets the handler called with each finished turn, and again
// with the same turn once its translation arrives.
func WithOnTranscript(fn func(Turn)) Option {
	return func(s *Session) { s.onTranscript = fn }
}

// WithOnError sets the handler for non-fatal errors: server error messages,
// device failures and persistence failures.
func WithOnError(fn func(error)) Option {
	return func(s *Session) { s.onError = fn }
}

// ── Session ────────────────────────────────────────────────────────────────────

// Session is one voice conversation. All exported methods are safe for
// concurrent use. Handlers run on the session's event loop; they must not
// block and must not call back into the Session synchronously.
type Session struct {
	id   string
	deps Deps

	timerCfg          idle.Config
	wireRate          int
	captureCfg        capture.Config
	disconnectTimeout time.Duration
	translateTimeout  time.Duration
	micStartTimeout   time.Duration
	micResponseDelay  time.Duration
	metrics           *observe.Metrics
	now               func() time.Time

	onState      func(State)
	onHints      func(idle.Hints)
	onTranscript func(Turn)
	onError      func(error)

	mb   *mailbox
	done chan struct{}

	// gate is true while microphone chunks may be sent. It is written by the
	// loop and read by the capture callback.
	gate atomic.Bool

	// bg scopes background work (translations) to the session's lifetime.
	bg       context.Context
	bgCancel context.CancelFunc

	finalMu sync.Mutex
	final   *State

	// Loop-owned state below.
	phase             Phase
	conn              realtime.State
	voice             string
	recording         bool
	muted             bool
	reconnecting      bool
	failed            bool
	langErr           bool
	transcript        Transcript
	frozen            bool
	result            *ScenarioResult
	lastAIAudioDoneAt time.Time
	aiTurnStart       time.Time
	dropped           int
	connectStart      time.Time
	timers            *idle.Controller
	disc              *pendingDisconnect
	discGen           uint64
	micGen            uint64
	unsubscribe       func()
	published         publishKey
	exiting           bool
}

// New creates a Session and starts its event loop. The loop runs until
// [Session.Disconnect] completes.
func New(deps Deps, opts ...Option) *Session {
	s := &Session{
		deps:              deps,
		wireRate:          DefaultWireSampleRate,
		captureCfg:        DefaultCaptureConfig,
		disconnectTimeout: DefaultDisconnectTimeout,
		translateTimeout:  DefaultTranslateTimeout,
		micStartTimeout:   DefaultMicStartTimeout,
		now:               time.Now,
		mb:                newMailbox(),
		done:              make(chan struct{}),
		conn:              realtime.StateDisconnected,
	}
	for _, o := range opts {
		o(s)
	}
	if s.id == "" {
		s.id = uuid.NewString()
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}
	s.bg, s.bgCancel = context.WithCancel(context.Background())

	s.timers = idle.NewController(s.timerCfg,
		func(f idle.Fire) { s.mb.post(f) },
		idle.WithClock(s.now),
		idle.WithOnHints(func(h idle.Hints) {
			if s.onHints != nil {
				s.onHints(h)
			}
		}),
	)

	s.unsubscribe = deps.Transport.Subscribe(func(m protocol.ServerMessage) { s.mb.post(m) })
	deps.Transport.OnLifecycle(func(ev realtime.Event) { s.mb.post(ev) })
	if deps.Capture != nil {
		deps.Capture.OnChunk(s.onChunk)
	}
	if deps.Playback != nil {
		deps.Playback.OnIdle(func() { s.mb.post(playbackIdle{}) })
	}

	s.metrics.ActiveSessions.Add(context.Background(), 1)
	go s.run()
	return s
}

// ID returns the session's correlation id.
func (s *Session) ID() string { return s.id }

// Done is closed when the event loop has exited.
func (s *Session) Done() <-chan struct{} { return s.done }

// ── Commands ───────────────────────────────────────────────────────────────────

type command struct {
	fn    func() error
	reply chan error
}

type disconnectCommand struct {
	reply chan *protocol.SessionReport
}

// do runs fn on the event loop and waits for its result.
func (s *Session) do(ctx context.Context, fn func() error) error {
	reply := make(chan error, 1)
	if !s.mb.post(command{fn: fn, reply: reply}) {
		return ErrClosed
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		select {
		case err := <-reply:
			return err
		default:
			return ErrClosed
		}
	}
}

// Connect moves the session to awaiting_ready and asks the transport to
// connect. It is a no-op while a connection is already underway and fails
// after completion or while disconnecting.
func (s *Session) Connect(ctx context.Context) error {
	return s.do(ctx, func() error { return s.connect(ctx) })
}

// StartMicrophone starts capture. Microphone chunks are only sent while the
// conversation is ready and unmuted. Permission and device failures are
// returned as [*capture.DeviceError].
func (s *Session) StartMicrophone(ctx context.Context) error {
	return s.do(ctx, func() error { return s.startMicrophone(ctx) })
}

// StopMicrophone stops capture. It is idempotent.
func (s *Session) StopMicrophone(ctx context.Context) error {
	return s.do(ctx, func() error {
		s.stopMicrophone()
		return nil
	})
}

// ToggleMute flips the mute flag and returns the new value. While muted,
// captured audio is discarded.
func (s *Session) ToggleMute(ctx context.Context) (bool, error) {
	var muted bool
	err := s.do(ctx, func() error {
		s.muted = !s.muted
		muted = s.muted
		return nil
	})
	return muted, err
}

// SendText sends a typed user message and asks the AI to respond.
func (s *Session) SendText(ctx context.Context, text string) error {
	return s.do(ctx, func() error {
		if err := s.requireReady(); err != nil {
			return err
		}
		if !s.deps.Transport.Send(protocol.NewText(text)) {
			return fmt.Errorf("session: send text: %w", realtime.ErrNotConnected)
		}
		s.deps.Transport.Send(protocol.NewResponseCreate())
		s.appendUserTurn(text)
		return nil
	})
}

// CommitAudio commits the server-side input audio buffer.
func (s *Session) CommitAudio(ctx context.Context) error {
	return s.sendControl(ctx, "commit audio", protocol.Commit())
}

// ClearAudioBuffer discards the server-side input audio buffer.
func (s *Session) ClearAudioBuffer(ctx context.Context) error {
	return s.sendControl(ctx, "clear audio", protocol.ClearInput())
}

// RequestResponse asks the AI to respond now.
func (s *Session) RequestResponse(ctx context.Context) error {
	return s.sendControl(ctx, "request response", protocol.NewResponseCreate())
}

func (s *Session) sendControl(ctx context.Context, op string, msg protocol.ClientMessage) error {
	return s.do(ctx, func() error {
		if err := s.requireReady(); err != nil {
			return err
		}
		if !s.deps.Transport.Send(msg) {
			return fmt.Errorf("session: %s: %w", op, realtime.ErrNotConnected)
		}
		return nil
	})
}

// UpdateVoice switches the AI voice. The name must be one of [Voices]. When
// the conversation is live the change is sent to the server at once;
// otherwise it is only remembered.
func (s *Session) UpdateVoice(ctx context.Context, voice string) error {
	if !ValidVoice(voice) {
		return fmt.Errorf("%w: %q", ErrInvalidVoice, voice)
	}
	return s.do(ctx, func() error {
		s.voice = voice
		if s.phase.Ready() {
			if !s.deps.Transport.Send(protocol.NewSessionUpdate(protocol.SessionConfig{Voice: voice})) {
				return fmt.Errorf("session: update voice: %w", realtime.ErrNotConnected)
			}
		}
		slog.Info("session: voice updated", "session_id", s.id, "voice", voice)
		return nil
	})
}

// DismissWaitPopup acknowledges the "still there?" prompt and restarts the
// inactivity period.
func (s *Session) DismissWaitPopup(ctx context.Context) error {
	return s.do(ctx, func() error {
		s.timers.DismissWaitPopup()
		return nil
	})
}

// DismissLanguageError clears the language error flag.
func (s *Session) DismissLanguageError(ctx context.Context) error {
	return s.do(ctx, func() error {
		s.langErr = false
		return nil
	})
}

// SetTimers replaces the idle timer durations. Timers already armed keep
// their deadline.
func (s *Session) SetTimers(ctx context.Context, cfg idle.Config) error {
	return s.do(ctx, func() error {
		s.timers.SetConfig(cfg)
		return nil
	})
}

// Snapshot returns the current state. After the session has ended it returns
// the final state.
func (s *Session) Snapshot() State {
	var st State
	err := s.do(context.Background(), func() error {
		st = s.snapshot()
		return nil
	})
	if err != nil {
		s.finalMu.Lock()
		defer s.finalMu.Unlock()
		if s.final != nil {
			return *s.final
		}
	}
	return st
}

// Disconnect ends the session. It stops playback and capture, cancels the
// timers, sends a disconnect request and waits up to the disconnect timeout
// for the server's report, then closes the transport and stops the event
// loop. The report is nil on timeout or if the connection was lost first.
//
// If a disconnect is already in flight, or the session has already ended,
// Disconnect returns (nil, nil) immediately.
func (s *Session) Disconnect(ctx context.Context) (*protocol.SessionReport, error) {
	ctx, span := observe.StartSessionSpan(ctx, "session.disconnect", s.id)
	defer span.End()

	reply := make(chan *protocol.SessionReport, 1)
	if !s.mb.post(disconnectCommand{reply: reply}) {
		return nil, nil
	}
	select {
	case r := <-reply:
		return r, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-s.done:
		select {
		case r := <-reply:
			return r, nil
		default:
			return nil, nil
		}
	}
}

// ── Microphone path ────────────────────────────────────────────────────────────

// onChunk runs on the capture goroutine. It must not touch loop state.
func (s *Session) onChunk(c audio.Chunk) {
	if !s.gate.Load() {
		return
	}
	rate := min(c.SampleRate, s.wireRate)
	f := pcm.Encode(pcm.Downsample(c.Samples, c.SampleRate, rate), rate)
	s.deps.Transport.Send(protocol.NewInputAudioChunk(f.Payload, f.SampleRate))
}
