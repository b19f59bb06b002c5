package realtime

import (
	"errors"
	"fmt"
	"time"
)

// State is the connection state of a [Client].
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StateError
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateError:
		return "error"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// EventKind identifies a lifecycle transition.
type EventKind int

const (
	EventConnecting EventKind = iota
	EventConnected
	EventDisconnected
	EventReconnecting
	EventError
)

// String returns the event name.
func (k EventKind) String() string {
	switch k {
	case EventConnecting:
		return "connecting"
	case EventConnected:
		return "connected"
	case EventDisconnected:
		return "disconnected"
	case EventReconnecting:
		return "reconnecting"
	case EventError:
		return "error"
	default:
		return fmt.Sprintf("EventKind(%d)", int(k))
	}
}

// Event is a lifecycle notification delivered to [Client.OnLifecycle]
// handlers.
type Event struct {
	Kind   EventKind
	ConnID uint64

	// Attempt and Delay are set for EventReconnecting.
	Attempt int
	Delay   time.Duration

	// Err is the cause for EventReconnecting and EventError.
	Err error
}

var (
	// ErrReconnectExhausted is wrapped by the EventError emitted once the
	// reconnect policy has run out of attempts.
	ErrReconnectExhausted = errors.New("realtime: reconnect attempts exhausted")

	// ErrNotConnected is returned when an operation needs an open socket.
	ErrNotConnected = errors.New("realtime: not connected")
)

// TransportError describes a failure of one connection attempt or socket.
type TransportError struct {
	Op     string
	ConnID uint64
	Err    error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("realtime: %s (conn %d): %v", e.Op, e.ConnID, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// ReconnectPolicy bounds automatic reconnection.
type ReconnectPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// DefaultReconnectPolicy retries three times after 1 s, 2 s and 4 s.
var DefaultReconnectPolicy = ReconnectPolicy{
	MaxAttempts: 3,
	BaseDelay:   time.Second,
	MaxDelay:    10 * time.Second,
}

// Delay returns min(BaseDelay * 2^attempt, MaxDelay).
func (p ReconnectPolicy) Delay(attempt int) time.Duration {
	d := p.BaseDelay
	for range attempt {
		d *= 2
		if p.MaxDelay > 0 && d >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	if p.MaxDelay > 0 && d > p.MaxDelay {
		return p.MaxDelay
	}
	return d
}
