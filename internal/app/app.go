// Package app wires the parley subsystems into a running client.
//
// New builds everything the config asks for: result store, translator chain,
// realtime transport and audio devices. Run starts the conversation plus the
// optional debug server and config watcher, and Shutdown disconnects the
// session and releases the devices.
//
// For testing, inject doubles via functional options (WithTransportFactory,
// WithCapture, WithPlayback and so on). When an option is not provided, New
// creates the real implementation from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/parley/internal/config"
	"github.com/MrWong99/parley/internal/observe"
	"github.com/MrWong99/parley/internal/resilience"
	"github.com/MrWong99/parley/internal/session"
	"github.com/MrWong99/parley/pkg/audio/capture"
	"github.com/MrWong99/parley/pkg/audio/device"
	"github.com/MrWong99/parley/pkg/audio/playback"
	"github.com/MrWong99/parley/pkg/realtime"
	"github.com/MrWong99/parley/pkg/realtime/protocol"
	"github.com/MrWong99/parley/pkg/store"
	"github.com/MrWong99/parley/pkg/translate"
)

// applyTimeout bounds each hot-reload command sent to the session.
const applyTimeout = 2 * time.Second

// App owns all subsystem lifetimes.
type App struct {
	cfg      *config.Config
	reg      *config.Registry
	metrics  *observe.Metrics
	level    *slog.LevelVar
	gatherer prometheus.Gatherer
	textOnly bool

	watchPath string
	watchOpts []config.WatcherOption
	watcher   *config.Watcher

	sessionOpts  []session.Option
	newTransport func() session.Transport
	capture      session.Capture
	playback     session.Playback
	sink         playback.Sink
	store        store.Store
	translator   translate.Translator
	fallback     *resilience.TranslatorFallback

	sessions *SessionManager

	// closers run in reverse order during Shutdown.
	closers  []func() error
	stopOnce sync.Once
}

// Option is a functional option for New.
type Option func(*App)

// WithRegistry replaces the factory registry. Defaults to one filled by
// [RegisterBuiltins].
func WithRegistry(r *config.Registry) Option {
	return func(a *App) { a.reg = r }
}

// WithMetrics records into m instead of [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithLevelVar lets config reloads change the log level through v.
func WithLevelVar(v *slog.LevelVar) Option {
	return func(a *App) { a.level = v }
}

// WithGatherer sets the registry served on /metrics. Defaults to
// [prometheus.DefaultGatherer].
func WithGatherer(g prometheus.Gatherer) Option {
	return func(a *App) { a.gatherer = g }
}

// WithTextOnly skips the microphone. AI audio is still played.
func WithTextOnly() Option {
	return func(a *App) { a.textOnly = true }
}

// WithWatchFile reloads path while running and applies hot-reloadable
// changes to the session.
func WithWatchFile(path string, opts ...config.WatcherOption) Option {
	return func(a *App) {
		a.watchPath = path
		a.watchOpts = opts
	}
}

// WithSessionOptions appends options to every session, typically the
// OnState/OnTranscript/OnHints/OnError callbacks of a UI.
func WithSessionOptions(opts ...session.Option) Option {
	return func(a *App) { a.sessionOpts = append(a.sessionOpts, opts...) }
}

// WithTransportFactory injects the transport constructor instead of dialing
// the configured endpoint.
func WithTransportFactory(fn func() session.Transport) Option {
	return func(a *App) { a.newTransport = fn }
}

// WithCapture injects the microphone pipeline.
func WithCapture(c session.Capture) Option {
	return func(a *App) { a.capture = c }
}

// WithPlayback injects the playback queue.
func WithPlayback(p session.Playback) Option {
	return func(a *App) { a.playback = p }
}

// WithSink injects the speaker the playback queue is attached to in Run.
func WithSink(s playback.Sink) Option {
	return func(a *App) { a.sink = s }
}

// WithStore injects the result store instead of opening one from config.
func WithStore(s store.Store) Option {
	return func(a *App) { a.store = s }
}

// WithTranslator injects the translator instead of building one from config.
func WithTranslator(t translate.Translator) Option {
	return func(a *App) { a.translator = t }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. Resources opened
// before a failure are released again.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*App, error) {
	a := &App{cfg: cfg}
	for _, o := range opts {
		o(a)
	}
	if a.reg == nil {
		a.reg = config.NewRegistry()
		RegisterBuiltins(a.reg)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	if a.gatherer == nil {
		a.gatherer = prometheus.DefaultGatherer
	}

	if err := a.init(ctx); err != nil {
		_ = a.close()
		return nil, err
	}

	a.sessions = NewSessionManager(SessionManagerConfig{
		Config:       cfg,
		NewTransport: a.newTransport,
		Capture:      a.capture,
		Playback:     a.playback,
		Store:        a.store,
		Translator:   a.translator,
		Metrics:      a.metrics,
		Options:      a.sessionOpts,
		Microphone:   !a.textOnly,
	})
	return a, nil
}

func (a *App) init(ctx context.Context) error {
	// ── 1. Result store ──────────────────────────────────────────────────
	if err := a.initStore(ctx); err != nil {
		return fmt.Errorf("app: init store: %w", err)
	}

	// ── 2. Translator chain ──────────────────────────────────────────────
	if err := a.initTranslator(); err != nil {
		return fmt.Errorf("app: init translator: %w", err)
	}

	// ── 3. Transport ─────────────────────────────────────────────────────
	a.initTransport()

	// ── 4. Audio devices ─────────────────────────────────────────────────
	a.initAudio()

	// ── 5. Config watcher ────────────────────────────────────────────────
	if a.watchPath != "" {
		w, err := config.NewWatcher(a.watchPath, a.onConfigChange, a.watchOpts...)
		if err != nil {
			return fmt.Errorf("app: init watcher: %w", err)
		}
		a.watcher = w
	}
	return nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

func (a *App) initStore(ctx context.Context) error {
	if a.store != nil {
		return nil
	}
	driver := a.cfg.Store.Driver
	if driver == "" || driver == config.StoreNone {
		slog.Info("result store disabled")
		return nil
	}
	s, err := a.reg.CreateStore(ctx, a.cfg.Store)
	if err != nil {
		return err
	}
	a.store = s
	if c, ok := s.(io.Closer); ok {
		a.closers = append(a.closers, c.Close)
	}
	slog.Info("result store opened", "driver", driver)
	return nil
}

// initTranslator builds the primary translator and its fallbacks, each
// behind its own circuit breaker.
func (a *App) initTranslator() error {
	if a.translator != nil {
		return nil
	}
	tc := a.cfg.Translation
	if tc.Name == "" {
		slog.Info("translation disabled")
		return nil
	}

	primary, err := a.reg.CreateTranslator(tc.ProviderEntry, tc.TargetLanguage)
	if err != nil {
		return fmt.Errorf("create translator %q: %w", tc.Name, err)
	}
	fb := resilience.NewTranslatorFallback(primary, tc.Name, resilience.FallbackConfig{
		CircuitBreaker: resilience.CircuitBreakerConfig{
			OnStateChange: func(name string, from, to resilience.State) {
				slog.Warn("translator circuit changed", "name", name, "from", from, "to", to)
			},
		},
	})
	for _, entry := range tc.Fallbacks {
		t, err := a.reg.CreateTranslator(entry, tc.TargetLanguage)
		if err != nil {
			return fmt.Errorf("create fallback translator %q: %w", entry.Name, err)
		}
		fb.AddFallback(entry.Name, t)
	}

	a.translator = fb
	a.fallback = fb
	slog.Info("translator created", "chain", fb.Names(), "target_language", tc.TargetLanguage)
	return nil
}

func (a *App) initTransport() {
	if a.newTransport != nil {
		return
	}
	ep := a.cfg.Endpoint.Endpoint()
	opts := []realtime.Option{
		realtime.WithTokenProvider(realtime.EnvToken(a.cfg.Endpoint.TokenEnv)),
		realtime.WithReconnectPolicy(a.cfg.Reconnect.Policy()),
		realtime.WithHooks(a.metrics.TransportHooks()),
	}
	a.newTransport = func() session.Transport { return realtime.NewClient(ep, opts...) }
}

// initAudio opens the default devices for whatever was not injected.
func (a *App) initAudio() {
	if a.capture == nil && !a.textOnly {
		mic := device.NewMicrophone()
		a.capture = capture.New(mic)
		a.closers = append(a.closers, mic.Close)
	}
	if a.playback == nil {
		q := playback.New(a.cfg.Audio.OutputSampleRate, a.cfg.Audio.Channels)
		a.playback = q
		a.closers = append(a.closers, q.Close)
		if a.sink == nil {
			a.sink = device.NewSpeaker()
		}
	}
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Sessions returns the session manager.
func (a *App) Sessions() *SessionManager { return a.sessions }

// Run attaches the speaker, starts the session, the debug server and the
// config watcher, and blocks until ctx is cancelled or the session ends.
// Cancellation is not an error; the session stays up for Shutdown.
func (a *App) Run(ctx context.Context) error {
	if err := a.attachSpeaker(ctx); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	if addr := a.cfg.Telemetry.ListenAddr; addr != "" {
		g.Go(func() error { return a.serveDebug(gctx, addr) })
	}
	if a.watcher != nil {
		g.Go(func() error { return a.watcher.Run(gctx) })
	}
	g.Go(func() error {
		if err := a.sessions.Start(gctx); err != nil {
			return err
		}
		select {
		case <-gctx.Done():
			return nil
		case <-a.sessions.Done():
			return errSessionEnded
		}
	})

	err := g.Wait()
	if errors.Is(err, errSessionEnded) {
		return nil
	}
	return err
}

// errSessionEnded stops the errgroup when the session ends by itself.
var errSessionEnded = errors.New("app: session ended")

func (a *App) attachSpeaker(ctx context.Context) error {
	if a.sink == nil {
		return nil
	}
	q, ok := a.playback.(interface {
		Attach(context.Context, playback.Sink) error
	})
	if !ok {
		return nil
	}
	if err := q.Attach(ctx, a.sink); err != nil {
		return fmt.Errorf("app: attach speaker: %w", err)
	}
	return nil
}

// ─── Config reload ───────────────────────────────────────────────────────────

// onConfigChange applies the hot-reloadable part of a config change. It runs
// on the watcher goroutine.
func (a *App) onConfigChange(old, new *config.Config) {
	d := config.Diff(old, new)
	if d.Empty() {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), applyTimeout)
	defer cancel()

	if d.LogLevelChanged && a.level != nil {
		a.level.Set(d.NewLogLevel.Slog())
		slog.Info("log level changed", "level", d.NewLogLevel)
	}
	if d.VoiceChanged {
		if err := a.sessions.SetVoice(ctx, d.NewVoice); err != nil {
			slog.Warn("failed to apply voice change", "voice", d.NewVoice, "err", err)
		}
	}
	if d.TimersChanged {
		if err := a.sessions.SetTimers(ctx, d.NewTimers.Idle()); err != nil {
			slog.Warn("failed to apply timer change", "err", err)
		}
	}
	if len(d.RestartRequired) > 0 {
		slog.Warn("config changes need a restart", "sections", d.RestartRequired)
	}
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown disconnects the active session, bounded by ctx, and closes every
// subsystem in reverse-init order. It returns the server's session report if
// one arrived. Calls after the first return (nil, nil).
func (a *App) Shutdown(ctx context.Context) (*protocol.SessionReport, error) {
	var (
		report *protocol.SessionReport
		errs   []error
	)
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))
		if a.sessions.IsActive() {
			r, err := a.sessions.Stop(ctx)
			if err != nil {
				errs = append(errs, err)
			}
			report = r
		}
		if err := a.close(); err != nil {
			errs = append(errs, err)
		}
		slog.Info("shutdown complete")
	})
	return report, errors.Join(errs...)
}

func (a *App) close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			slog.Warn("closer error", "index", i, "err", err)
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
