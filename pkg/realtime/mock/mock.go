// Package mock provides an in-memory stand-in for [realtime.Client] used by
// session tests.
//
// Transport records every sent message and lets the test push server messages
// and lifecycle events as if they had arrived from the network:
//
//	tr := &mock.Transport{AutoConnect: true}
//	sess := session.New(session.Deps{Transport: tr, ...})
//	_ = sess.Connect(ctx)
//	tr.Deliver(protocol.Ready{})
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/parley/pkg/realtime"
	"github.com/MrWong99/parley/pkg/realtime/protocol"
)

// Transport is a scriptable realtime transport. It is safe for concurrent use.
type Transport struct {
	mu sync.Mutex

	// AutoConnect makes Connect move straight to connected and emit
	// EventConnecting then EventConnected.
	AutoConnect bool

	// ConnectError is returned by Connect.
	ConnectError error

	// DropSends makes Send report false without recording the message.
	DropSends bool

	// OnSend, if set, is called after each recorded send. Tests use it to
	// script server replies.
	OnSend func(protocol.ClientMessage)

	// Sent records every message accepted by Send, in order.
	Sent []protocol.ClientMessage

	// CallCountConnect and CallCountDisconnect count lifecycle calls.
	CallCountConnect    int
	CallCountDisconnect int

	state        realtime.State
	wasConnected bool
	connID       uint64
	nextSub      int
	subs         []sub
	lifecycle    []func(realtime.Event)
}

type sub struct {
	id int
	fn func(protocol.ServerMessage)
}

// Connect records the call. With AutoConnect it emits the connect events
// synchronously.
func (t *Transport) Connect(context.Context) error {
	t.mu.Lock()
	t.CallCountConnect++
	if t.ConnectError != nil {
		err := t.ConnectError
		t.mu.Unlock()
		return err
	}
	if t.state == realtime.StateConnected || t.state == realtime.StateConnecting {
		t.mu.Unlock()
		return nil
	}
	t.connID++
	auto := t.AutoConnect
	t.state = realtime.StateConnecting
	t.mu.Unlock()

	t.Emit(realtime.Event{Kind: realtime.EventConnecting})
	if auto {
		t.SetState(realtime.StateConnected)
		t.Emit(realtime.Event{Kind: realtime.EventConnected})
	}
	return nil
}

// Disconnect records the call and emits EventDisconnected if the transport
// was not already disconnected.
func (t *Transport) Disconnect() {
	t.mu.Lock()
	t.CallCountDisconnect++
	prev := t.state
	t.state = realtime.StateDisconnected
	t.mu.Unlock()
	if prev != realtime.StateDisconnected {
		t.Emit(realtime.Event{Kind: realtime.EventDisconnected})
	}
}

// Send records msg when connected and DropSends is false.
func (t *Transport) Send(msg protocol.ClientMessage) bool {
	t.mu.Lock()
	if t.DropSends || t.state != realtime.StateConnected {
		t.mu.Unlock()
		return false
	}
	t.Sent = append(t.Sent, msg)
	hook := t.OnSend
	t.mu.Unlock()
	if hook != nil {
		hook(msg)
	}
	return true
}

// Subscribe registers a message handler.
func (t *Transport) Subscribe(fn func(protocol.ServerMessage)) func() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.nextSub++
	id := t.nextSub
	t.subs = append(t.subs, sub{id: id, fn: fn})
	return func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		for i, s := range t.subs {
			if s.id == id {
				t.subs = append(t.subs[:i:i], t.subs[i+1:]...)
				return
			}
		}
	}
}

// OnLifecycle registers a lifecycle handler.
func (t *Transport) OnLifecycle(fn func(realtime.Event)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.lifecycle = append(t.lifecycle, fn)
}

// State returns the scripted connection state.
func (t *Transport) State() realtime.State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// WasConnected reports whether the state was ever connected.
func (t *Transport) WasConnected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.wasConnected
}

// SetState forces the connection state without emitting events.
func (t *Transport) SetState(s realtime.State) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.state = s
	if s == realtime.StateConnected {
		t.wasConnected = true
	}
}

// Deliver hands msg to every subscriber in registration order.
func (t *Transport) Deliver(msg protocol.ServerMessage) {
	t.mu.Lock()
	subs := make([]sub, len(t.subs))
	copy(subs, t.subs)
	t.mu.Unlock()
	for _, s := range subs {
		s.fn(msg)
	}
}

// Emit hands ev to every lifecycle handler, stamping the current conn id.
func (t *Transport) Emit(ev realtime.Event) {
	t.mu.Lock()
	ev.ConnID = t.connID
	handlers := make([]func(realtime.Event), len(t.lifecycle))
	copy(handlers, t.lifecycle)
	t.mu.Unlock()
	for _, h := range handlers {
		h(ev)
	}
}

// SentTypes returns the MessageType of every recorded send.
func (t *Transport) SentTypes() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, len(t.Sent))
	for i, m := range t.Sent {
		out[i] = m.MessageType()
	}
	return out
}

// SentMessages returns a copy of the recorded sends.
func (t *Transport) SentMessages() []protocol.ClientMessage {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]protocol.ClientMessage, len(t.Sent))
	copy(out, t.Sent)
	return out
}
