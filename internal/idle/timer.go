// Package idle implements the conversation's user-facing timeout hints.
//
// Three single-shot [Timer]s drive them: an inactivity timer that suggests a
// hint after the AI finishes talking, a wait-popup timer that escalates to an
// "are you still there" prompt, and a not-understood timer that fires when the
// user spoke but the AI never answered. The [Controller] arms and disarms them
// in response to session [Signal]s.
//
// Timers fire on their own goroutines but carry a generation number. The fire
// is handed to a delivery callback, which the owner is expected to route onto
// its own event loop and pass back into [Controller.HandleFire]. A fire whose
// generation has been superseded by a later Arm or Disarm is ignored there.
package idle

import "time"

// Kind names one of the three timers.
type Kind int

const (
	KindInactivity Kind = iota
	KindWaitPopup
	KindNotUnderstood
)

// String returns the timer name.
func (k Kind) String() string {
	switch k {
	case KindInactivity:
		return "inactivity"
	case KindWaitPopup:
		return "wait_popup"
	case KindNotUnderstood:
		return "not_understood"
	default:
		return "unknown"
	}
}

// TimerState is the state of a single [Timer].
type TimerState int

const (
	Disarmed TimerState = iota
	Armed
	Fired
)

// String returns the state name.
func (s TimerState) String() string {
	switch s {
	case Armed:
		return "armed"
	case Fired:
		return "fired"
	default:
		return "disarmed"
	}
}

// Fire is a timer expiry in flight from the timer goroutine to the owner's
// event loop.
type Fire struct {
	Kind Kind
	gen  uint64
}

// Timer is a re-armable single-shot timer. It is not safe for concurrent use:
// Arm, Disarm and Accept must all be called from the owner's goroutine. Only
// the delivery callback runs elsewhere.
type Timer struct {
	kind    Kind
	deliver func(Fire)

	state TimerState
	gen   uint64
	t     *time.Timer
}

// NewTimer returns a disarmed timer that hands its fires to deliver.
func NewTimer(kind Kind, deliver func(Fire)) *Timer {
	return &Timer{kind: kind, deliver: deliver}
}

// Arm cancels any pending fire and schedules a new one after d.
func (t *Timer) Arm(d time.Duration) {
	t.Disarm()
	t.state = Armed
	gen := t.gen
	kind, deliver := t.kind, t.deliver
	t.t = time.AfterFunc(max(d, 0), func() {
		deliver(Fire{Kind: kind, gen: gen})
	})
}

// Disarm cancels any pending fire. A fire already in flight will be rejected
// by Accept.
func (t *Timer) Disarm() {
	if t.t != nil {
		t.t.Stop()
		t.t = nil
	}
	t.gen++
	t.state = Disarmed
}

// Accept reports whether f is the current fire of this timer and, if so,
// moves the timer to Fired.
func (t *Timer) Accept(f Fire) bool {
	if f.Kind != t.kind || f.gen != t.gen || t.state != Armed {
		return false
	}
	t.state = Fired
	t.t = nil
	return true
}

// State returns the timer's state.
func (t *Timer) State() TimerState { return t.state }
