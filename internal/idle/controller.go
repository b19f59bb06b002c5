package idle

import (
	"log/slog"
	"time"
)

// Default timer durations.
const (
	DefaultInactivity    = 15 * time.Second
	DefaultWaitPopup     = 5 * time.Second
	DefaultNotUnderstood = 5 * time.Second
)

// Config sets the three timer durations. Zero fields take the defaults.
type Config struct {
	Inactivity    time.Duration
	WaitPopup     time.Duration
	NotUnderstood time.Duration
}

func (c Config) withDefaults() Config {
	if c.Inactivity <= 0 {
		c.Inactivity = DefaultInactivity
	}
	if c.WaitPopup <= 0 {
		c.WaitPopup = DefaultWaitPopup
	}
	if c.NotUnderstood <= 0 {
		c.NotUnderstood = DefaultNotUnderstood
	}
	return c
}

// Hints are the user-visible flags the timers raise.
type Hints struct {
	// Inactivity asks the UI to offer a speaking hint.
	Inactivity bool
	// WaitPopup asks the UI to show the "still there?" prompt.
	WaitPopup bool
	// NotUnderstood tells the user the AI did not respond to their speech.
	NotUnderstood bool
}

// Any reports whether any hint is raised.
func (h Hints) Any() bool {
	return h.Inactivity || h.WaitPopup || h.NotUnderstood
}

// SignalKind is a session event the controller reacts to.
type SignalKind int

const (
	// TurnWaiting means the AI finished and it is the user's turn.
	TurnWaiting SignalKind = iota
	// SpeechActivity means the user started speaking.
	SpeechActivity
	// UserTranscript means a user utterance was transcribed.
	UserTranscript
	// AITranscript means the AI answered.
	AITranscript
	// AISpeaking means AI audio started playing. Pending inactivity fires
	// are cancelled but raised hints stay visible.
	AISpeaking
	// Teardown means the session is ending.
	Teardown
)

// String returns the signal name.
func (k SignalKind) String() string {
	switch k {
	case TurnWaiting:
		return "turn_waiting"
	case SpeechActivity:
		return "speech_activity"
	case UserTranscript:
		return "user_transcript"
	case AITranscript:
		return "ai_transcript"
	case AISpeaking:
		return "ai_speaking"
	case Teardown:
		return "teardown"
	default:
		return "unknown"
	}
}

// Signal is one session event.
type Signal struct {
	Kind SignalKind
	// Since anchors TurnWaiting: inactivity fires Config.Inactivity after
	// Since. Zero means now.
	Since time.Time
}

// Option configures a [Controller].
type Option func(*Controller)

// WithOnHints sets the callback invoked on the owner's goroutine whenever the
// hint flags change.
func WithOnHints(fn func(Hints)) Option {
	return func(c *Controller) { c.onHints = fn }
}

// WithClock overrides the time source used to compute remaining inactivity.
func WithClock(now func() time.Time) Option {
	return func(c *Controller) { c.now = now }
}

// Controller owns the inactivity, wait-popup and not-understood timers. Like
// [Timer] it must only be used from the owner's goroutine.
type Controller struct {
	cfg     Config
	timers  [3]*Timer
	hints   Hints
	onHints func(Hints)
	now     func() time.Time
}

// NewController creates a controller with all timers disarmed. deliver
// receives timer fires from timer goroutines; route them back into
// [Controller.HandleFire] on the owner's goroutine.
func NewController(cfg Config, deliver func(Fire), opts ...Option) *Controller {
	c := &Controller{
		cfg: cfg.withDefaults(),
		now: time.Now,
	}
	for k := range c.timers {
		c.timers[k] = NewTimer(Kind(k), deliver)
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// SetConfig replaces the durations. Armed timers keep their current deadline.
func (c *Controller) SetConfig(cfg Config) {
	c.cfg = cfg.withDefaults()
}

// Config returns the effective durations.
func (c *Controller) Config() Config { return c.cfg }

// Hints returns the current hint flags.
func (c *Controller) Hints() Hints { return c.hints }

// TimerState returns the state of one timer.
func (c *Controller) TimerState(k Kind) TimerState { return c.timers[k].State() }

// Signal applies one session event.
func (c *Controller) Signal(s Signal) {
	prev := c.hints
	switch s.Kind {
	case TurnWaiting:
		since := s.Since
		if since.IsZero() {
			since = c.now()
		}
		remaining := c.cfg.Inactivity - c.now().Sub(since)
		c.timers[KindInactivity].Arm(max(remaining, 0))
	case SpeechActivity:
		c.disarmAll()
		c.hints = Hints{}
	case UserTranscript:
		c.timers[KindNotUnderstood].Arm(c.cfg.NotUnderstood)
	case AITranscript:
		c.timers[KindNotUnderstood].Disarm()
		c.hints.NotUnderstood = false
	case AISpeaking:
		c.timers[KindInactivity].Disarm()
		c.timers[KindWaitPopup].Disarm()
	case Teardown:
		c.disarmAll()
		c.hints = Hints{}
	}
	slog.Debug("idle: signal", "signal", s.Kind)
	c.notify(prev)
}

// HandleFire applies a timer fire. Stale fires are ignored. It reports
// whether the fire was accepted.
func (c *Controller) HandleFire(f Fire) bool {
	if int(f.Kind) < 0 || int(f.Kind) >= len(c.timers) {
		return false
	}
	if !c.timers[f.Kind].Accept(f) {
		slog.Debug("idle: ignoring stale fire", "timer", f.Kind)
		return false
	}
	prev := c.hints
	switch f.Kind {
	case KindInactivity:
		c.hints.Inactivity = true
		c.timers[KindWaitPopup].Arm(c.cfg.WaitPopup)
	case KindWaitPopup:
		c.hints.WaitPopup = true
	case KindNotUnderstood:
		c.hints.NotUnderstood = true
	}
	slog.Debug("idle: timer fired", "timer", f.Kind)
	c.notify(prev)
	return true
}

// DismissWaitPopup clears the inactivity and wait-popup hints and starts a
// fresh inactivity period.
func (c *Controller) DismissWaitPopup() {
	prev := c.hints
	c.hints.WaitPopup = false
	c.hints.Inactivity = false
	c.timers[KindWaitPopup].Disarm()
	c.timers[KindInactivity].Arm(c.cfg.Inactivity)
	c.notify(prev)
}

func (c *Controller) disarmAll() {
	for _, t := range c.timers {
		t.Disarm()
	}
}

func (c *Controller) notify(prev Hints) {
	if c.hints != prev && c.onHints != nil {
		c.onHints(c.hints)
	}
}
