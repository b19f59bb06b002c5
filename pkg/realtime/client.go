// Package realtime is the duplex WebSocket transport to the conversation
// backend.
//
// A [Client] owns at most one socket at a time. Each dial mints a new,
// monotonically increasing connection id; every event and message produced by
// a socket carries that id and is discarded once the id is no longer current.
// A reconnect or [Client.Disconnect] therefore can never be confused by a late
// close or frame from a previous socket.
//
// Outbound messages go through one writer goroutine per socket, so they reach
// the wire in Send order. Inbound frames are read by one goroutine per socket,
// decoded with [protocol.Decode], and handed to subscribers in registration
// order. Lifecycle events and messages share a dispatch mutex, so handlers are
// never called concurrently.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/parley/pkg/audio"
	"github.com/MrWong99/parley/pkg/realtime/protocol"
)

const (
	defaultDialTimeout  = 10 * time.Second
	defaultWriteTimeout = 5 * time.Second
	defaultSendBuffer   = 256
	defaultReadLimit    = 4 << 20
)

// ── Options ────────────────────────────────────────────────────────────────────

// Option configures a [Client].
type Option func(*Client)

// WithTokenProvider sets the token source consulted before each dial.
func WithTokenProvider(tp TokenProvider) Option {
	return func(c *Client) { c.tokens = tp }
}

// WithReconnectPolicy overrides [DefaultReconnectPolicy].
func WithReconnectPolicy(p ReconnectPolicy) Option {
	return func(c *Client) { c.policy = p }
}

// WithDialTimeout bounds each dial including the token lookup.
func WithDialTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.dialTimeout = d
		}
	}
}

// WithWriteTimeout bounds each frame write.
func WithWriteTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.writeTimeout = d
		}
	}
}

// WithSendBuffer sets how many outbound messages may queue per socket before
// further sends are dropped.
func WithSendBuffer(n int) Option {
	return func(c *Client) {
		if n > 0 {
			c.sendBuffer = n
		}
	}
}

// WithHTTPClient sets the HTTP client used for the WebSocket handshake.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithHooks installs telemetry callbacks.
func WithHooks(h Hooks) Option {
	return func(c *Client) { c.hooks = h }
}

// Hooks receives transport telemetry. Any field may be nil. Hooks are called
// synchronously and must not block.
type Hooks struct {
	// OnDial reports each finished dial attempt.
	OnDial func(d time.Duration, err error)
	// OnReceive reports each decoded inbound message by wire type.
	OnReceive func(wireType string)
	// OnSend reports each message queued for the wire.
	OnSend func(msgType string)
	// OnDrop reports a discarded message. reason is one of not_connected,
	// buffer_full, marshal, malformed, unknown_type.
	OnDrop func(reason string)
}

// ── Client ─────────────────────────────────────────────────────────────────────

// Client is the realtime transport. All exported methods are safe for
// concurrent use. Handlers registered with [Client.Subscribe] and
// [Client.OnLifecycle] must not call Connect or Disconnect synchronously.
type Client struct {
	endpoint     Endpoint
	tokens       TokenProvider
	policy       ReconnectPolicy
	dialTimeout  time.Duration
	writeTimeout time.Duration
	sendBuffer   int
	httpClient   *http.Client
	hooks        Hooks

	dispatchMu sync.Mutex

	handlersMu sync.RWMutex
	nextSubID  int
	subs       []subscription
	lifecycle  []func(Event)

	mu           sync.Mutex
	state        State
	connID       uint64
	attempt      int
	wasConnected bool
	conn         *socket
	dialCancel   context.CancelFunc
	retryTimer   *time.Timer
}

type subscription struct {
	id int
	fn func(protocol.ServerMessage)
}

// socket is one live WebSocket and its writer queue.
type socket struct {
	id     uint64
	ws     *websocket.Conn
	out    chan []byte
	ctx    context.Context
	cancel context.CancelFunc
}

// NewClient creates a disconnected client for endpoint.
func NewClient(endpoint Endpoint, opts ...Option) *Client {
	c := &Client{
		endpoint:     endpoint,
		policy:       DefaultReconnectPolicy,
		dialTimeout:  defaultDialTimeout,
		writeTimeout: defaultWriteTimeout,
		sendBuffer:   defaultSendBuffer,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Subscribe registers fn to receive every decoded server message. The
// returned function removes the subscription.
func (c *Client) Subscribe(fn func(protocol.ServerMessage)) (unsubscribe func()) {
	c.handlersMu.Lock()
	defer c.handlersMu.Unlock()
	c.nextSubID++
	id := c.nextSubID
	c.subs = append(c.subs, subscription{id: id, fn: fn})
	return func() {
		c.handlersMu.Lock()
		defer c.handlersMu.Unlock()
		for i, s := range c.subs {
			if s.id == id {
				c.subs = append(c.subs[:i:i], c.subs[i+1:]...)
				return
			}
		}
	}
}

// OnLifecycle registers fn to receive connection lifecycle events.
func (c *Client) OnLifecycle(fn func(Event)) {
	c.handlersMu.Lock()
	defer c.handlersMu.Unlock()
	c.lifecycle = append(c.lifecycle, fn)
}

// State returns the current connection state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// WasConnected reports whether any dial has ever succeeded.
func (c *Client) WasConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.wasConnected
}

// Connect starts dialing in the background and returns immediately. It is a
// no-op while connecting or connected. From the error or reconnecting state
// it resets the attempt counter and dials at once. ctx is only checked for
// cancellation; the dial outlives it and is aborted by [Client.Disconnect].
func (c *Client) Connect(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	c.mu.Lock()
	switch c.state {
	case StateConnecting, StateConnected:
		c.mu.Unlock()
		return nil
	}
	if c.retryTimer != nil {
		c.retryTimer.Stop()
		c.retryTimer = nil
	}
	c.attempt = 0
	id := c.beginDialLocked()
	c.mu.Unlock()

	c.emit(id, Event{Kind: EventConnecting})
	return nil
}

// beginDialLocked mints a connection id and launches the dial goroutine.
// Caller must hold c.mu.
func (c *Client) beginDialLocked() uint64 {
	c.connID++
	id := c.connID
	c.state = StateConnecting
	ctx, cancel := context.WithCancel(context.Background())
	c.dialCancel = cancel
	go c.dial(ctx, id)
	return id
}

func (c *Client) dial(ctx context.Context, id uint64) {
	start := time.Now()
	dctx, cancel := context.WithTimeout(ctx, c.dialTimeout)
	defer cancel()

	ws, err := c.open(dctx)
	if c.hooks.OnDial != nil {
		c.hooks.OnDial(time.Since(start), err)
	}
	if err != nil {
		if ctx.Err() != nil {
			// Cancelled by Disconnect; nothing to report.
			return
		}
		slog.Warn("realtime: dial failed", "conn_id", id, "err", err)
		c.handleFailure(id, &TransportError{Op: "dial", ConnID: id, Err: err})
		return
	}
	ws.SetReadLimit(defaultReadLimit)

	c.mu.Lock()
	if id != c.connID || c.state != StateConnecting {
		c.mu.Unlock()
		ws.CloseNow()
		return
	}
	sctx, scancel := context.WithCancel(context.Background())
	s := &socket{
		id:     id,
		ws:     ws,
		out:    make(chan []byte, c.sendBuffer),
		ctx:    sctx,
		cancel: scancel,
	}
	c.conn = s
	c.state = StateConnected
	c.attempt = 0
	c.wasConnected = true
	c.dialCancel = nil
	c.mu.Unlock()

	slog.Info("realtime: connected", "conn_id", id)
	go c.writeLoop(s)
	c.emit(id, Event{Kind: EventConnected})
	go c.readLoop(s)
}

func (c *Client) open(ctx context.Context) (*websocket.Conn, error) {
	var token string
	if c.tokens != nil {
		t, err := c.tokens.Token(ctx)
		if err != nil {
			return nil, fmt.Errorf("token: %w", err)
		}
		token = t
	}
	u, err := c.endpoint.URL(token)
	if err != nil {
		return nil, err
	}
	ws, _, err := websocket.Dial(ctx, u, &websocket.DialOptions{HTTPClient: c.httpClient})
	if err != nil {
		return nil, err
	}
	return ws, nil
}

// handleFailure schedules a reconnect or gives up, for a socket or dial
// identified by id.
func (c *Client) handleFailure(id uint64, cause error) {
	c.mu.Lock()
	if id != c.connID {
		c.mu.Unlock()
		return
	}
	c.dialCancel = nil
	if c.attempt < c.policy.MaxAttempts {
		delay := c.policy.Delay(c.attempt)
		c.attempt++
		attempt := c.attempt
		c.state = StateReconnecting
		c.retryTimer = time.AfterFunc(delay, func() { c.retry(id) })
		c.mu.Unlock()

		slog.Info("attempting reconnection",
			"conn_id", id,
			"attempt", attempt,
			"max_attempts", c.policy.MaxAttempts,
			"backoff", delay,
		)
		c.emit(id, Event{Kind: EventReconnecting, Attempt: attempt, Delay: delay, Err: cause})
		return
	}
	c.state = StateError
	c.mu.Unlock()

	slog.Error("reconnection failed after max attempts",
		"conn_id", id,
		"max_attempts", c.policy.MaxAttempts,
		"err", cause,
	)
	c.emit(id, Event{Kind: EventError, Err: fmt.Errorf("%w: %w", ErrReconnectExhausted, cause)})
}

func (c *Client) retry(prev uint64) {
	c.mu.Lock()
	if prev != c.connID || c.state != StateReconnecting {
		c.mu.Unlock()
		return
	}
	c.retryTimer = nil
	id := c.beginDialLocked()
	c.mu.Unlock()
	c.emit(id, Event{Kind: EventConnecting})
}

// Disconnect closes the socket with a normal closure, cancels any pending
// dial or reconnect, and moves to disconnected. Events from the superseded
// connection are ignored afterwards. Disconnect is idempotent.
func (c *Client) Disconnect() {
	c.mu.Lock()
	c.connID++
	id := c.connID
	if c.dialCancel != nil {
		c.dialCancel()
		c.dialCancel = nil
	}
	if c.retryTimer != nil {
		c.retryTimer.Stop()
		c.retryTimer = nil
	}
	s := c.conn
	c.conn = nil
	prev := c.state
	c.state = StateDisconnected
	c.attempt = 0
	c.mu.Unlock()

	if s != nil {
		if err := s.ws.Close(websocket.StatusNormalClosure, "client disconnect"); err != nil {
			slog.Debug("realtime: close", "conn_id", s.id, "err", err)
		}
		s.cancel()
	}
	if prev != StateDisconnected {
		slog.Info("realtime: disconnected", "conn_id", id)
		c.emit(id, Event{Kind: EventDisconnected})
	}
}

// ── Sending ────────────────────────────────────────────────────────────────────

// Send marshals msg and queues it for the writer. It returns false, after
// logging, when there is no open socket or the send buffer is full.
func (c *Client) Send(msg protocol.ClientMessage) bool {
	data, err := json.Marshal(msg)
	if err != nil {
		slog.Error("realtime: marshal", "type", msg.MessageType(), "err", err)
		c.drop("marshal")
		return false
	}

	c.mu.Lock()
	s := c.conn
	c.mu.Unlock()
	if s == nil {
		slog.Debug("realtime: dropping message, not connected", "type", msg.MessageType())
		c.drop("not_connected")
		return false
	}

	select {
	case <-s.ctx.Done():
		c.drop("not_connected")
		return false
	default:
	}
	select {
	case s.out <- data:
		if c.hooks.OnSend != nil {
			c.hooks.OnSend(msg.MessageType())
		}
		return true
	default:
		slog.Warn("realtime: send buffer full, dropping message",
			"conn_id", s.id,
			"type", msg.MessageType(),
		)
		c.drop("buffer_full")
		return false
	}
}

// SendAudioChunk sends one encoded microphone frame.
func (c *Client) SendAudioChunk(f audio.EncodedFrame) bool {
	return c.Send(protocol.NewInputAudioChunk(f.Payload, f.SampleRate))
}

// SendText sends a typed user message.
func (c *Client) SendText(text string) bool {
	return c.Send(protocol.NewText(text))
}

// SendSessionUpdate sends a session.update with cfg.
func (c *Client) SendSessionUpdate(cfg protocol.SessionConfig) bool {
	return c.Send(protocol.NewSessionUpdate(cfg))
}

func (c *Client) drop(reason string) {
	if c.hooks.OnDrop != nil {
		c.hooks.OnDrop(reason)
	}
}

func (c *Client) writeLoop(s *socket) {
	for {
		select {
		case <-s.ctx.Done():
			return
		case data := <-s.out:
			ctx, cancel := context.WithTimeout(s.ctx, c.writeTimeout)
			err := s.ws.Write(ctx, websocket.MessageText, data)
			cancel()
			if err != nil {
				if s.ctx.Err() == nil {
					slog.Warn("realtime: write failed", "conn_id", s.id, "err", err)
					// Unblock the reader so the failure is handled once.
					s.ws.CloseNow()
				}
				return
			}
		}
	}
}

// ── Receiving ──────────────────────────────────────────────────────────────────

func (c *Client) readLoop(s *socket) {
	for {
		typ, data, err := s.ws.Read(s.ctx)
		if err != nil {
			c.handleClosed(s, err)
			return
		}
		if typ != websocket.MessageText {
			slog.Debug("realtime: ignoring binary frame", "conn_id", s.id, "bytes", len(data))
			continue
		}
		msg, err := protocol.Decode(data)
		if err != nil {
			reason := "malformed"
			if errors.Is(err, protocol.ErrUnknownType) {
				reason = "unknown_type"
			}
			slog.Warn("realtime: dropping frame", "conn_id", s.id, "reason", reason, "err", err)
			c.drop(reason)
			continue
		}
		if c.hooks.OnReceive != nil {
			c.hooks.OnReceive(msg.WireType())
		}
		c.dispatch(s.id, msg)
	}
}

// handleClosed treats every close of the current socket as unexpected,
// including a normal closure from the server. Disconnect clears c.conn
// before closing, so a caller-initiated close never reaches the retry path.
func (c *Client) handleClosed(s *socket, err error) {
	s.cancel()

	c.mu.Lock()
	if c.conn != s {
		c.mu.Unlock()
		return
	}
	c.conn = nil
	c.mu.Unlock()

	slog.Warn("realtime: connection lost", "conn_id", s.id, "status", websocket.CloseStatus(err), "err", err)
	c.handleFailure(s.id, &TransportError{Op: "read", ConnID: s.id, Err: err})
}

func (c *Client) current(id uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return id == c.connID
}

func (c *Client) dispatch(id uint64, msg protocol.ServerMessage) {
	c.dispatchMu.Lock()
	defer c.dispatchMu.Unlock()
	if !c.current(id) {
		return
	}
	c.handlersMu.RLock()
	subs := make([]subscription, len(c.subs))
	copy(subs, c.subs)
	c.handlersMu.RUnlock()
	for _, s := range subs {
		s.fn(msg)
	}
}

func (c *Client) emit(id uint64, ev Event) {
	c.dispatchMu.Lock()
	defer c.dispatchMu.Unlock()
	if !c.current(id) {
		return
	}
	ev.ConnID = id
	c.handlersMu.RLock()
	handlers := make([]func(Event), len(c.lifecycle))
	copy(handlers, c.lifecycle)
	c.handlersMu.RUnlock()
	for _, h := range handlers {
		h(ev)
	}
}
