package protocol

// ClientMessage is any message the client may send. Implementations marshal
// to a JSON object with a "type" field.
type ClientMessage interface {
	MessageType() string
}

// Client message type names.
const (
	TypeInputAudioChunk  = "input_audio_chunk"
	TypeText             = "text"
	TypeSessionUpdate    = "session.update"
	TypeResponseCreate   = "response.create"
	TypeInputAudioCommit = "input_audio_buffer.commit"
	TypeInputAudioClear  = "input_audio_clear"
	TypeDisconnect       = "disconnect"
)

// InputAudioChunk streams one encoded microphone frame.
type InputAudioChunk struct {
	Type       string `json:"type"`
	Audio      string `json:"audio"`
	SampleRate int    `json:"sample_rate"`
}

// NewInputAudioChunk builds an audio chunk message.
func NewInputAudioChunk(audio string, sampleRate int) InputAudioChunk {
	return InputAudioChunk{Type: TypeInputAudioChunk, Audio: audio, SampleRate: sampleRate}
}

func (m InputAudioChunk) MessageType() string { return m.Type }

// Text sends a typed user message.
type Text struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// NewText builds a text message.
func NewText(text string) Text { return Text{Type: TypeText, Text: text} }

func (m Text) MessageType() string { return m.Type }

// SessionConfig holds the conversation settings a client may change.
type SessionConfig struct {
	Voice        string `json:"voice,omitempty"`
	Instructions string `json:"instructions,omitempty"`
}

// TurnDetection configures server-side voice activity detection.
type TurnDetection struct {
	Type              string  `json:"type"`
	Threshold         float64 `json:"threshold"`
	PrefixPaddingMs   int     `json:"prefix_padding_ms"`
	SilenceDurationMs int     `json:"silence_duration_ms"`
}

// DefaultTurnDetection is sent once the backend is ready.
var DefaultTurnDetection = TurnDetection{
	Type:              "server_vad",
	Threshold:         0.5,
	PrefixPaddingMs:   300,
	SilenceDurationMs: 1000,
}

// SessionSettings is the OpenAI-style session object of a session.update.
type SessionSettings struct {
	TurnDetection *TurnDetection `json:"turn_detection,omitempty"`
}

// SessionUpdate changes voice or instructions, and optionally turn detection.
type SessionUpdate struct {
	Type    string           `json:"type"`
	Config  *SessionConfig   `json:"config,omitempty"`
	Session *SessionSettings `json:"session,omitempty"`
}

// NewSessionUpdate builds a session.update carrying cfg.
func NewSessionUpdate(cfg SessionConfig) SessionUpdate {
	return SessionUpdate{Type: TypeSessionUpdate, Config: &cfg}
}

// NewTurnDetectionUpdate builds the session.update sent on ready.
func NewTurnDetectionUpdate(td TurnDetection) SessionUpdate {
	return SessionUpdate{Type: TypeSessionUpdate, Session: &SessionSettings{TurnDetection: &td}}
}

func (m SessionUpdate) MessageType() string { return m.Type }

// ResponseOptions selects the modalities of a requested response.
type ResponseOptions struct {
	Modalities []string `json:"modalities,omitempty"`
}

// ResponseCreate asks the backend to produce a response now.
type ResponseCreate struct {
	Type     string           `json:"type"`
	Response *ResponseOptions `json:"response,omitempty"`
}

// NewResponseCreate requests an audio and text response.
func NewResponseCreate() ResponseCreate {
	return ResponseCreate{
		Type:     TypeResponseCreate,
		Response: &ResponseOptions{Modalities: []string{"audio", "text"}},
	}
}

func (m ResponseCreate) MessageType() string { return m.Type }

// Control is a message that carries nothing but its type: commit, clear and
// disconnect.
type Control struct {
	Type string `json:"type"`
}

func (m Control) MessageType() string { return m.Type }

// Commit asks the backend to treat buffered input audio as a complete turn.
func Commit() Control { return Control{Type: TypeInputAudioCommit} }

// ClearInput discards buffered input audio on the backend.
func ClearInput() Control { return Control{Type: TypeInputAudioClear} }

// Disconnect asks the backend to end the conversation and send a report.
func Disconnect() Control { return Control{Type: TypeDisconnect} }
