package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/parley/internal/config"
	"github.com/MrWong99/parley/internal/idle"
	"github.com/MrWong99/parley/internal/observe"
	"github.com/MrWong99/parley/internal/session"
	"github.com/MrWong99/parley/pkg/realtime"
	"github.com/MrWong99/parley/pkg/realtime/protocol"
	"github.com/MrWong99/parley/pkg/store"
	"github.com/MrWong99/parley/pkg/translate"
)

var (
	// ErrSessionActive is returned by [SessionManager.Start] while a session
	// is still running.
	ErrSessionActive = errors.New("app: session already active")

	// ErrNoSession is returned by [SessionManager.Stop] when nothing runs.
	ErrNoSession = errors.New("app: no active session")
)

// SessionInfo holds metadata about the current or most recent session.
type SessionInfo struct {
	SessionID string        `json:"session_id"`
	StartedAt time.Time     `json:"started_at"`
	Mode      realtime.Mode `json:"mode"`
	Voice     string        `json:"voice"`
}

// SessionManagerConfig holds all dependencies for a [SessionManager].
type SessionManagerConfig struct {
	Config *config.Config

	// NewTransport builds a fresh connection for every session.
	NewTransport func() session.Transport

	Capture    session.Capture
	Playback   session.Playback
	Store      store.Store
	Translator translate.Translator
	Metrics    *observe.Metrics

	// Options are appended after the options derived from Config.
	Options []session.Option

	// Microphone starts capture right after connecting.
	Microphone bool
}

// SessionManager runs at most one [session.Session] at a time. Voice and
// timer changes are remembered and carried into the next session.
// All exported methods are safe for concurrent use.
type SessionManager struct {
	cfg SessionManagerConfig

	mu        sync.Mutex
	current   *session.Session
	transport session.Transport
	info      SessionInfo
	voice     string
	timers    idle.Config
}

// NewSessionManager creates a SessionManager. No session is started.
func NewSessionManager(cfg SessionManagerConfig) *SessionManager {
	return &SessionManager{
		cfg:    cfg,
		voice:  cfg.Config.Endpoint.Voice,
		timers: cfg.Config.Timers.Idle(),
	}
}

// Start creates a session, connects it and, if configured, opens the
// microphone. A session that fails to start is torn down before Start
// returns.
func (m *SessionManager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.activeLocked() {
		return ErrSessionActive
	}

	c := m.cfg.Config
	opts := []session.Option{
		session.WithVoice(m.voice),
		session.WithTimers(m.timers),
		session.WithWireSampleRate(c.Audio.WireSampleRate),
		session.WithCaptureConfig(c.Audio.Capture()),
		session.WithDisconnectTimeout(c.Timers.Disconnect),
		session.WithMicStartTimeout(c.Timers.MicStart),
		session.WithTranslateTimeout(c.Translation.Timeout),
	}
	if m.cfg.Metrics != nil {
		opts = append(opts, session.WithMetrics(m.cfg.Metrics))
	}
	opts = append(opts, m.cfg.Options...)

	tr := m.cfg.NewTransport()
	s := session.New(session.Deps{
		Transport:  tr,
		Capture:    m.cfg.Capture,
		Playback:   m.cfg.Playback,
		Store:      m.cfg.Store,
		Translator: m.cfg.Translator,
	}, opts...)

	if err := s.Connect(ctx); err != nil {
		_, _ = s.Disconnect(context.WithoutCancel(ctx))
		return fmt.Errorf("app: start session: %w", err)
	}
	if m.cfg.Microphone && m.cfg.Capture != nil {
		if err := s.StartMicrophone(ctx); err != nil {
			_, _ = s.Disconnect(context.WithoutCancel(ctx))
			return fmt.Errorf("app: start session: %w", err)
		}
	}

	mode := c.Endpoint.Mode
	if mode == "" {
		mode = realtime.ModeScenario
	}
	m.current = s
	m.transport = tr
	m.info = SessionInfo{
		SessionID: s.ID(),
		StartedAt: time.Now(),
		Mode:      mode,
		Voice:     m.voice,
	}
	slog.Info("session started", "session_id", s.ID(), "mode", mode, "voice", m.voice, "microphone", m.cfg.Microphone)
	return nil
}

// Stop disconnects the active session and returns the server's report,
// which is nil when the server did not acknowledge in time.
func (m *SessionManager) Stop(ctx context.Context) (*protocol.SessionReport, error) {
	m.mu.Lock()
	s := m.current
	active := m.activeLocked()
	m.mu.Unlock()

	if !active {
		return nil, ErrNoSession
	}
	report, err := s.Disconnect(ctx)
	if err != nil {
		return nil, fmt.Errorf("app: stop session: %w", err)
	}
	slog.Info("session stopped", "session_id", s.ID(), "report", report != nil)
	return report, nil
}

// IsActive reports whether a session is running.
func (m *SessionManager) IsActive() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.activeLocked()
}

func (m *SessionManager) activeLocked() bool {
	if m.current == nil {
		return false
	}
	select {
	case <-m.current.Done():
		return false
	default:
		return true
	}
}

// Info returns metadata about the current or most recent session.
func (m *SessionManager) Info() SessionInfo {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.info
}

// Session returns the current or most recent session, or nil before the
// first Start.
func (m *SessionManager) Session() *session.Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// Done is closed when the current session ends. It is nil before the first
// Start.
func (m *SessionManager) Done() <-chan struct{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil {
		return nil
	}
	return m.current.Done()
}

// TransportState returns the connection state of the active session.
func (m *SessionManager) TransportState() realtime.State {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.activeLocked() {
		return realtime.StateDisconnected
	}
	return m.transport.State()
}

// SetVoice changes the voice for the active session and every later one.
func (m *SessionManager) SetVoice(ctx context.Context, voice string) error {
	if !session.ValidVoice(voice) {
		return fmt.Errorf("%w: %q", session.ErrInvalidVoice, voice)
	}
	m.mu.Lock()
	m.voice = voice
	m.info.Voice = voice
	s := m.current
	m.mu.Unlock()

	if s == nil {
		return nil
	}
	if err := s.UpdateVoice(ctx, voice); err != nil && !errors.Is(err, session.ErrClosed) {
		return err
	}
	return nil
}

// SetTimers changes the idle timer durations for the active session and
// every later one.
func (m *SessionManager) SetTimers(ctx context.Context, cfg idle.Config) error {
	m.mu.Lock()
	m.timers = cfg
	s := m.current
	m.mu.Unlock()

	if s == nil {
		return nil
	}
	if err := s.SetTimers(ctx, cfg); err != nil && !errors.Is(err, session.ErrClosed) {
		return err
	}
	return nil
}
