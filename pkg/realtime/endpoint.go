package realtime

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
)

// Mode selects which backend conversation flow a client joins.
type Mode string

const (
	// ModeScenario is the goal-driven role-play flow.
	ModeScenario Mode = "scenario"
	// ModeConversation is free conversation in an existing chat session.
	ModeConversation Mode = "conversation"
)

// IsValid reports whether m is a known mode.
func (m Mode) IsValid() bool {
	return m == ModeScenario || m == ModeConversation
}

// Endpoint describes where and how to reach the backend.
type Endpoint struct {
	// BaseURL is the scheme and host, e.g. wss://api.example.com. http and
	// https schemes are rewritten to ws and wss.
	BaseURL string

	Mode Mode

	// SessionID is the chat session to join. Required in conversation mode.
	SessionID string

	// Voice and ShowText are passed to conversation mode.
	Voice    string
	ShowText bool
}

// URL builds the WebSocket URL. An empty token selects the guest route.
func (e Endpoint) URL(token string) (string, error) {
	base, err := url.Parse(strings.TrimRight(e.BaseURL, "/"))
	if err != nil {
		return "", fmt.Errorf("realtime: endpoint: %w", err)
	}
	switch base.Scheme {
	case "ws", "wss":
	case "http":
		base.Scheme = "ws"
	case "https":
		base.Scheme = "wss"
	default:
		return "", fmt.Errorf("realtime: endpoint: unsupported scheme %q", base.Scheme)
	}

	q := url.Values{}
	switch e.Mode {
	case ModeScenario, "":
		if token != "" {
			base.Path += "/api/v1/ws/scenario"
			q.Set("token", token)
		} else {
			base.Path += "/api/v1/ws/guest-scenario"
		}
	case ModeConversation:
		if e.SessionID == "" {
			return "", errors.New("realtime: endpoint: conversation mode needs a session id")
		}
		if token != "" {
			base.Path += "/chat/" + url.PathEscape(e.SessionID)
			q.Set("token", token)
		} else {
			base.Path += "/guest-chat/" + url.PathEscape(e.SessionID)
		}
		if e.Voice != "" {
			q.Set("voice", e.Voice)
		}
		q.Set("show_text", strconv.FormatBool(e.ShowText))
	default:
		return "", fmt.Errorf("realtime: endpoint: unknown mode %q", e.Mode)
	}
	base.RawQuery = q.Encode()
	return base.String(), nil
}

// TokenProvider supplies the bearer token for each dial. Returning an empty
// token selects the guest route.
type TokenProvider interface {
	Token(ctx context.Context) (string, error)
}

// StaticToken is a fixed token.
type StaticToken string

// Token implements [TokenProvider].
func (t StaticToken) Token(context.Context) (string, error) { return string(t), nil }

// EnvToken reads the token from an environment variable at dial time, so a
// refreshed value is picked up on reconnect.
type EnvToken string

// Token implements [TokenProvider].
func (e EnvToken) Token(context.Context) (string, error) {
	return os.Getenv(string(e)), nil
}

// TokenFunc adapts a function to [TokenProvider].
type TokenFunc func(ctx context.Context) (string, error)

// Token implements [TokenProvider].
func (f TokenFunc) Token(ctx context.Context) (string, error) { return f(ctx) }
