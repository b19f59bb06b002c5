package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

var (
	// ErrMalformed is wrapped when a frame is not a JSON object with a
	// string type field.
	ErrMalformed = errors.New("protocol: malformed message")

	// ErrUnknownType is wrapped when a frame has a type this client does not
	// understand.
	ErrUnknownType = errors.New("protocol: unknown message type")
)

// ProtocolError describes a frame that could not be turned into a
// [ServerMessage]. The connection remains usable.
type ProtocolError struct {
	Type string
	Err  error
	// Cause is the JSON error, if any.
	Cause error
}

func (e *ProtocolError) Error() string {
	switch {
	case e.Cause != nil:
		return fmt.Sprintf("%v: %v", e.Err, e.Cause)
	case e.Type != "":
		return fmt.Sprintf("%v: %q", e.Err, e.Type)
	default:
		return e.Err.Error()
	}
}

func (e *ProtocolError) Unwrap() []error {
	if e.Cause != nil {
		return []error{e.Err, e.Cause}
	}
	return []error{e.Err}
}

// envelope is the union of every field a server message may carry.
type envelope struct {
	Type            string          `json:"type"`
	Audio           string          `json:"audio"`
	Delta           string          `json:"delta"`
	SampleRate      int             `json:"sample_rate"`
	TranscriptDelta string          `json:"transcript_delta"`
	Transcript      string          `json:"transcript"`
	Text            string          `json:"text"`
	Content         string          `json:"content"`
	Report          json.RawMessage `json:"report"`
	JSON            json.RawMessage `json:"json"`
	Reason          string          `json:"reason"`
	Message         string          `json:"message"`
	Code            json.RawMessage `json:"code"`
	Error           json.RawMessage `json:"error"`
}

// nestedError is the OpenAI-style {"error": {"message", "code"}} shape.
type nestedError struct {
	Message string          `json:"message"`
	Code    json.RawMessage `json:"code"`
}

// Decode parses one text frame.
func Decode(data []byte) (ServerMessage, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, &ProtocolError{Err: ErrMalformed, Cause: err}
	}
	if env.Type == "" {
		return nil, &ProtocolError{Err: ErrMalformed, Cause: errors.New("missing type")}
	}
	b := base{Type: env.Type}

	switch env.Type {
	case "ready", "session.created", "connected":
		return Ready{b}, nil

	case "audio.delta", "response.audio.delta":
		audio := env.Audio
		if audio == "" {
			audio = env.Delta
		}
		rate := env.SampleRate
		if rate <= 0 {
			rate = DefaultSampleRate
		}
		return AudioDelta{base: b, Audio: audio, SampleRate: rate}, nil

	case "audio.done", "response.audio.done":
		return AudioDone{b}, nil

	case "response.audio_transcript.delta":
		delta := env.TranscriptDelta
		if delta == "" {
			delta = env.Delta
		}
		return TranscriptDelta{base: b, Delta: delta}, nil

	case "transcript.done", "response.audio_transcript.done":
		return TranscriptDone{base: b, Transcript: env.Transcript}, nil

	case "text":
		return TranscriptDone{base: b, Transcript: env.Text}, nil

	case "message":
		return TranscriptDone{base: b, Transcript: env.Content}, nil

	case "user.transcript", "input_audio.transcript":
		return UserTranscript{base: b, Transcript: env.Transcript}, nil

	case "speech.started":
		return SpeechStarted{b}, nil

	case "speech.stopped":
		return SpeechStopped{b}, nil

	case "session.report", "scenario.completed":
		raw := env.Report
		if isEmpty(raw) {
			raw = env.JSON
		}
		result, err := decodeCompletion(raw)
		if err != nil {
			return nil, &ProtocolError{Type: env.Type, Err: ErrMalformed, Cause: err}
		}
		return Completed{base: b, Result: result}, nil

	case "disconnected":
		msg := Disconnected{base: b, Reason: env.Reason}
		if !isEmpty(env.Report) {
			var r SessionReport
			if err := json.Unmarshal(unquote(env.Report), &r); err != nil {
				return nil, &ProtocolError{Type: env.Type, Err: ErrMalformed, Cause: err}
			}
			msg.Report = &r
		}
		return msg, nil

	case "error":
		msg := Error{base: b, Message: env.Message, Code: rawString(env.Code)}
		if !isEmpty(env.Error) {
			var nested nestedError
			if err := json.Unmarshal(env.Error, &nested); err == nil {
				if msg.Message == "" {
					msg.Message = nested.Message
				}
				if msg.Code == "" {
					msg.Code = rawString(nested.Code)
				}
			} else if msg.Message == "" {
				msg.Message = rawString(env.Error)
			}
		}
		return msg, nil

	default:
		return nil, &ProtocolError{Type: env.Type, Err: ErrUnknownType}
	}
}

// decodeCompletion accepts the payload either as an object or as a JSON
// string containing an object. session_id is accepted as an alias of
// sessionId.
func decodeCompletion(raw json.RawMessage) (CompletionPayload, error) {
	var p CompletionPayload
	if isEmpty(raw) {
		return p, nil
	}
	raw = unquote(raw)
	var aux struct {
		CompletionPayload
		SnakeSessionID string `json:"session_id"`
	}
	if err := json.Unmarshal(raw, &aux); err != nil {
		return p, err
	}
	p = aux.CompletionPayload
	if p.SessionID == "" {
		p.SessionID = aux.SnakeSessionID
	}
	return p, nil
}

func isEmpty(raw json.RawMessage) bool {
	t := bytes.TrimSpace(raw)
	return len(t) == 0 || bytes.Equal(t, []byte("null"))
}

// unquote returns the contents of a JSON string literal, or raw unchanged if
// it is not a string.
func unquote(raw json.RawMessage) json.RawMessage {
	t := bytes.TrimSpace(raw)
	if len(t) == 0 || t[0] != '"' {
		return raw
	}
	var s string
	if err := json.Unmarshal(t, &s); err != nil {
		return raw
	}
	return json.RawMessage(s)
}

// rawString renders a JSON string or number as plain text.
func rawString(raw json.RawMessage) string {
	if isEmpty(raw) {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		return n.String()
	}
	return string(bytes.TrimSpace(raw))
}
