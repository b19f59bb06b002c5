// Package protocol defines the JSON messages exchanged with the realtime
// conversation backend.
//
// Server messages form a closed set: [Decode] turns a text frame into exactly
// one of the concrete types below, or a [*ProtocolError]. Several wire type
// names are accepted for the same message because backend revisions renamed
// them; callers only ever see the canonical Go type.
//
// Client messages are plain structs with a fixed Type field, marshalled with
// encoding/json.
package protocol

// DefaultSampleRate is assumed for AI audio when a delta omits sample_rate.
const DefaultSampleRate = 24000

// ServerMessage is implemented by every message the backend can send.
type ServerMessage interface {
	// WireType returns the type string the message arrived with.
	WireType() string
	serverMessage()
}

// base records the wire type a message was decoded from.
type base struct {
	Type string
}

func (b base) WireType() string { return b.Type }
func (base) serverMessage()     {}

// Ready signals that the backend is prepared to receive audio. Wire types:
// ready, session.created, connected.
type Ready struct{ base }

// AudioDelta carries one chunk of synthesized speech. Wire types: audio.delta,
// response.audio.delta.
type AudioDelta struct {
	base
	// Audio is base64 PCM16 LE.
	Audio      string
	SampleRate int
}

// AudioDone marks the end of the current AI audio response. Wire types:
// audio.done, response.audio.done.
type AudioDone struct{ base }

// TranscriptDelta is an incremental fragment of the AI transcript. Wire type:
// response.audio_transcript.delta.
type TranscriptDelta struct {
	base
	Delta string
}

// TranscriptDone is the final AI transcript for a response. Wire types:
// transcript.done, response.audio_transcript.done, and the legacy text and
// message types.
type TranscriptDone struct {
	base
	Transcript string
}

// UserTranscript is the server's transcription of user speech. Wire types:
// user.transcript, input_audio.transcript.
type UserTranscript struct {
	base
	Transcript string
}

// SpeechStarted reports that server-side VAD detected the user speaking.
type SpeechStarted struct{ base }

// SpeechStopped reports that server-side VAD detected the end of user speech.
type SpeechStopped struct{ base }

// Completed ends a scenario. Wire types: session.report, scenario.completed.
type Completed struct {
	base
	Result CompletionPayload
}

// Disconnected acknowledges a client disconnect request.
type Disconnected struct {
	base
	Reason string
	Report *SessionReport
}

// Error is a non-fatal error reported by the backend.
type Error struct {
	base
	Message string
	Code    string
}

// CompletionPayload describes the scenario the user just finished.
type CompletionPayload struct {
	Place               string `json:"place"`
	ConversationPartner string `json:"conversation_partner"`
	ConversationGoal    string `json:"conversation_goal"`
	SessionID           string `json:"sessionId"`
}

// SessionReport summarises a conversation at disconnect.
type SessionReport struct {
	SessionID             string          `json:"session_id"`
	TotalDurationSec      float64         `json:"total_duration_sec"`
	UserSpeechDurationSec float64         `json:"user_speech_duration_sec"`
	Messages              []ReportMessage `json:"messages"`
}

// ReportMessage is one utterance in a [SessionReport].
type ReportMessage struct {
	Role        string  `json:"role"`
	Content     string  `json:"content"`
	Timestamp   string  `json:"timestamp"`
	DurationSec float64 `json:"duration_sec"`
}
