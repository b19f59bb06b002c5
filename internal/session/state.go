package session

import (
	"errors"
	"slices"
	"time"

	"github.com/MrWong99/parley/internal/idle"
	"github.com/MrWong99/parley/pkg/realtime"
	"github.com/MrWong99/parley/pkg/realtime/protocol"
)

// Sentinel errors returned by [Session] commands.
var (
	// ErrSessionCompleted is returned by commands that need a live
	// conversation after the scenario has completed.
	ErrSessionCompleted = errors.New("session: scenario completed")

	// ErrNotReady is returned when a command needs the server's ready
	// handshake first.
	ErrNotReady = errors.New("session: not ready")

	// ErrInvalidVoice is returned by UpdateVoice for a name outside [Voices].
	ErrInvalidVoice = errors.New("session: invalid voice")

	// ErrDisconnecting is returned by Connect while a disconnect is in flight.
	ErrDisconnecting = errors.New("session: disconnecting")

	// ErrClosed is returned by every command once the session has ended.
	ErrClosed = errors.New("session: closed")
)

// Voices lists the voice names the backend accepts.
var Voices = []string{"alloy", "ash", "ballad", "coral", "echo", "sage", "shimmer", "verse"}

// ValidVoice reports whether v is one of [Voices].
func ValidVoice(v string) bool { return slices.Contains(Voices, v) }

// ── Phase ──────────────────────────────────────────────────────────────────────

// Phase is the conversation's position in the session lifecycle. Being a
// single value, it can never be user_speaking and ai_speaking at once.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseAwaitingReady
	PhaseActive
	PhaseUserSpeaking
	PhaseAISpeaking
	PhaseCompleted
)

// String returns the phase name.
func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseAwaitingReady:
		return "awaiting_ready"
	case PhaseActive:
		return "active"
	case PhaseUserSpeaking:
		return "user_speaking"
	case PhaseAISpeaking:
		return "ai_speaking"
	case PhaseCompleted:
		return "completed"
	default:
		return "unknown"
	}
}

// Ready reports whether the server handshake has completed and the
// conversation is live.
func (p Phase) Ready() bool {
	return p == PhaseActive || p == PhaseUserSpeaking || p == PhaseAISpeaking
}

// ── Transcript ─────────────────────────────────────────────────────────────────

// Role identifies who produced a [Turn].
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Turn is one finished utterance.
type Turn struct {
	Role Role
	Text string
	// Translation is filled in asynchronously for assistant turns.
	Translation string
	At          time.Time
}

// Transcript is the ordered conversation so far.
type Transcript struct {
	Turns []Turn
	// Pending is the assistant text streamed since the last finished turn.
	Pending string
}

func (t Transcript) clone() Transcript {
	return Transcript{Turns: slices.Clone(t.Turns), Pending: t.Pending}
}

// ScenarioResult is the outcome the server reports when a scenario
// completes. Empty fields were absent in the report.
type ScenarioResult struct {
	Place               string
	ConversationPartner string
	ConversationGoal    string
	SessionID           string
}

func resultFrom(p protocol.CompletionPayload) ScenarioResult {
	return ScenarioResult{
		Place:               p.Place,
		ConversationPartner: p.ConversationPartner,
		ConversationGoal:    p.ConversationGoal,
		SessionID:           p.SessionID,
	}
}

// ── Snapshot ───────────────────────────────────────────────────────────────────

// AvatarStatus is the single expression the UI shows for the AI partner.
type AvatarStatus string

const (
	StatusIdle     AvatarStatus = "idle"
	StatusTalking  AvatarStatus = "talking"
	StatusThinking AvatarStatus = "thinking"
	StatusConfused AvatarStatus = "confused"
)

// State is a point-in-time copy of the session's observable state.
type State struct {
	ID         string
	Phase      Phase
	Connection realtime.State
	Voice      string

	Recording        bool
	Muted            bool
	Reconnecting     bool
	ConnectionFailed bool
	LanguageError    bool
	Disconnecting    bool

	Hints      idle.Hints
	Transcript Transcript
	Result     *ScenarioResult

	LastAIAudioDoneAt time.Time
	DroppedAudio      int
}

// Status derives the avatar expression. A language error wins over a shown
// hint, which wins over the AI talking.
func (s State) Status() AvatarStatus {
	switch {
	case s.LanguageError:
		return StatusConfused
	case s.Hints.Inactivity:
		return StatusThinking
	case s.Phase == PhaseAISpeaking:
		return StatusTalking
	default:
		return StatusIdle
	}
}

// ServerError is a non-fatal error reported by the backend.
type ServerError struct {
	Message string
	Code    string
}

func (e *ServerError) Error() string {
	if e.Code != "" {
		return "session: server error " + e.Code + ": " + e.Message
	}
	return "session: server error: " + e.Message
}
