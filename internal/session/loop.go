package session

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/MrWong99/parley/internal/idle"
	"github.com/MrWong99/parley/internal/observe"
	"github.com/MrWong99/parley/pkg/audio"
	"github.com/MrWong99/parley/pkg/realtime"
	"github.com/MrWong99/parley/pkg/realtime/protocol"
	"github.com/MrWong99/parley/pkg/store"
)

// Loop-internal events.
type (
	playbackIdle struct{}

	translated struct {
		index int
		text  string
		err   error
	}

	disconnectTimeout struct{ gen uint64 }

	micResponse struct{ gen uint64 }
)

type pendingDisconnect struct {
	reply chan *protocol.SessionReport
	timer *time.Timer
}

// publishKey is the comparable part of the state used to decide whether
// OnState needs to run.
type publishKey struct {
	phase                                                   Phase
	conn                                                    realtime.State
	recording, muted, reconnecting, failed, langErr, discon bool
	hints                                                   idle.Hints
	turns                                                   int
	pending                                                 string
	completed                                               bool
}

func (s *Session) run() {
	defer close(s.done)
	for range s.mb.ready {
		batch := s.mb.drain()
		for i, ev := range batch {
			s.handle(ev)
			s.afterEvent()
			if s.exiting {
				s.shutdown(batch[i+1:])
				return
			}
		}
	}
}

func (s *Session) handle(ev any) {
	switch ev := ev.(type) {
	case command:
		// Publish before replying so the caller observes the command's
		// effect on the gate and on OnState.
		err := ev.fn()
		s.afterEvent()
		ev.reply <- err
	case disconnectCommand:
		s.beginDisconnect(ev.reply)
	case protocol.ServerMessage:
		s.handleMessage(ev)
	case realtime.Event:
		s.handleLifecycle(ev)
	case idle.Fire:
		s.timers.HandleFire(ev)
	case playbackIdle:
		s.onPlaybackIdle()
	case translated:
		s.onTranslated(ev)
	case disconnectTimeout:
		if s.disc != nil && ev.gen == s.discGen {
			slog.Warn("session: disconnect acknowledgement timed out", "session_id", s.id, "timeout", s.disconnectTimeout)
			s.finishDisconnect(nil)
		}
	case micResponse:
		if ev.gen == s.micGen && s.phase.Ready() {
			s.deps.Transport.Send(protocol.NewResponseCreate())
		}
	default:
		slog.Error("session: unexpected event", "session_id", s.id, "type", fmt.Sprintf("%T", ev))
	}
}

// afterEvent refreshes the microphone gate and publishes state changes.
func (s *Session) afterEvent() {
	s.gate.Store(s.recording && !s.muted && s.disc == nil && s.phase.Ready())

	key := s.key()
	if key == s.published {
		return
	}
	s.published = key
	if s.onState != nil {
		s.onState(s.snapshot())
	}
}

func (s *Session) key() publishKey {
	return publishKey{
		phase:        s.phase,
		conn:         s.conn,
		recording:    s.recording,
		muted:        s.muted,
		reconnecting: s.reconnecting,
		failed:       s.failed,
		langErr:      s.langErr,
		discon:       s.disc != nil,
		hints:        s.timers.Hints(),
		turns:        len(s.transcript.Turns),
		pending:      s.transcript.Pending,
		completed:    s.result != nil,
	}
}

func (s *Session) snapshot() State {
	st := State{
		ID:                s.id,
		Phase:             s.phase,
		Connection:        s.conn,
		Voice:             s.voice,
		Recording:         s.recording,
		Muted:             s.muted,
		Reconnecting:      s.reconnecting,
		ConnectionFailed:  s.failed,
		LanguageError:     s.langErr,
		Disconnecting:     s.disc != nil,
		Hints:             s.timers.Hints(),
		Transcript:        s.transcript.clone(),
		LastAIAudioDoneAt: s.lastAIAudioDoneAt,
		DroppedAudio:      s.dropped,
	}
	if s.result != nil {
		r := *s.result
		st.Result = &r
	}
	return st
}

// shutdown rejects whatever is still queued and releases loop resources.
func (s *Session) shutdown(rest []any) {
	s.bgCancel()
	s.timers.Signal(idle.Signal{Kind: idle.Teardown})
	rest = append(rest, s.mb.close()...)
	for _, ev := range rest {
		switch ev := ev.(type) {
		case command:
			ev.reply <- ErrClosed
		case disconnectCommand:
			ev.reply <- nil
		}
	}
	s.metrics.ActiveSessions.Add(context.Background(), -1)
	slog.Info("session: ended", "session_id", s.id)
}

func (s *Session) fail(err error) {
	if s.onError != nil {
		s.onError(err)
	}
}

// ── Commands (loop side) ───────────────────────────────────────────────────────

func (s *Session) connect(ctx context.Context) error {
	switch {
	case s.disc != nil:
		return ErrDisconnecting
	case s.phase == PhaseCompleted:
		return ErrSessionCompleted
	case s.phase != PhaseIdle:
		return nil
	}

	ctx, span := observe.StartSessionSpan(ctx, "session.connect", s.id)
	s.failed = false
	s.phase = PhaseAwaitingReady
	s.connectStart = s.now()
	if err := s.deps.Transport.Connect(ctx); err != nil {
		s.phase = PhaseIdle
		err = fmt.Errorf("session: connect: %w", err)
		observe.EndSpan(span, err)
		return err
	}
	observe.Logger(ctx).Info("session: connecting", "session_id", s.id)
	observe.EndSpan(span, nil)
	return nil
}

func (s *Session) requireReady() error {
	switch {
	case s.phase == PhaseCompleted:
		return ErrSessionCompleted
	case s.disc != nil || !s.phase.Ready():
		return ErrNotReady
	}
	return nil
}

func (s *Session) startMicrophone(ctx context.Context) error {
	switch {
	case s.phase == PhaseCompleted:
		return ErrSessionCompleted
	case s.disc != nil:
		return ErrDisconnecting
	case s.deps.Capture == nil:
		return fmt.Errorf("session: start microphone: no capture device")
	case s.recording:
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, s.micStartTimeout)
	defer cancel()
	if err := s.deps.Capture.Start(ctx, s.captureCfg); err != nil {
		slog.Warn("session: microphone failed", "session_id", s.id, "err", err)
		err = fmt.Errorf("session: start microphone: %w", err)
		s.fail(err)
		return err
	}
	s.recording = true
	s.micGen++
	if s.micResponseDelay > 0 {
		gen := s.micGen
		time.AfterFunc(s.micResponseDelay, func() { s.mb.post(micResponse{gen: gen}) })
	}
	slog.Info("session: microphone started", "session_id", s.id)
	return nil
}

func (s *Session) stopMicrophone() {
	s.micGen++
	if !s.recording {
		return
	}
	s.recording = false
	s.gate.Store(false)
	if err := s.deps.Capture.Stop(); err != nil {
		slog.Warn("session: stop microphone", "session_id", s.id, "err", err)
	}
}

// silence stops everything the user can hear or is saying: playback, capture
// and the idle timers.
func (s *Session) silence() {
	s.clearPlayback()
	s.stopMicrophone()
	s.timers.Signal(idle.Signal{Kind: idle.Teardown})
}

func (s *Session) clearPlayback() {
	if s.deps.Playback != nil {
		s.deps.Playback.Clear()
	}
}

func (s *Session) playing() bool {
	return s.deps.Playback != nil && s.deps.Playback.IsPlaying()
}

// ── Disconnect ─────────────────────────────────────────────────────────────────

func (s *Session) beginDisconnect(reply chan *protocol.SessionReport) {
	if s.disc != nil {
		reply <- nil
		return
	}
	s.disc = &pendingDisconnect{reply: reply}
	s.gate.Store(false)
	s.silence()

	if s.conn == realtime.StateConnected && s.deps.Transport.Send(protocol.Disconnect()) {
		s.discGen++
		gen := s.discGen
		s.disc.timer = time.AfterFunc(s.disconnectTimeout, func() { s.mb.post(disconnectTimeout{gen: gen}) })
		slog.Info("session: disconnect requested, awaiting report", "session_id", s.id)
		return
	}
	s.finishDisconnect(nil)
}

func (s *Session) finishDisconnect(report *protocol.SessionReport) {
	d := s.disc
	if d.timer != nil {
		d.timer.Stop()
	}
	s.deps.Transport.Disconnect()
	if s.unsubscribe != nil {
		s.unsubscribe()
	}
	s.phase = PhaseIdle
	s.conn = realtime.StateDisconnected
	s.reconnecting = false
	s.exiting = true

	final := s.snapshot()
	final.Disconnecting = false
	s.finalMu.Lock()
	s.final = &final
	s.finalMu.Unlock()

	slog.Info("session: disconnected", "session_id", s.id, "report", report != nil)
	d.reply <- report
}

// ── Transport lifecycle ────────────────────────────────────────────────────────

func (s *Session) handleLifecycle(ev realtime.Event) {
	switch ev.Kind {
	case realtime.EventConnecting:
		s.conn = realtime.StateConnecting
	case realtime.EventConnected:
		s.conn = realtime.StateConnected
		s.reconnecting = false
		s.failed = false
	case realtime.EventReconnecting:
		s.conn = realtime.StateReconnecting
		s.reconnecting = true
		if s.disc != nil {
			s.finishDisconnect(nil)
			return
		}
		// The server starts a fresh conversation on the new socket.
		if s.phase != PhaseIdle && s.phase != PhaseCompleted {
			s.clearPlayback()
			s.timers.Signal(idle.Signal{Kind: idle.Teardown})
			s.phase = PhaseAwaitingReady
		}
	case realtime.EventError:
		s.conn = realtime.StateError
		s.reconnecting = false
		s.failed = true
		if s.disc != nil {
			s.finishDisconnect(nil)
			return
		}
		s.silence()
		if s.phase != PhaseCompleted {
			s.phase = PhaseIdle
		}
		slog.Error("session: connection failed", "session_id", s.id, "err", ev.Err)
		if ev.Err != nil {
			s.fail(fmt.Errorf("session: connection: %w", ev.Err))
		}
	case realtime.EventDisconnected:
		s.conn = realtime.StateDisconnected
		s.reconnecting = false
		if s.disc != nil {
			s.finishDisconnect(nil)
			return
		}
		s.silence()
		if s.phase != PhaseCompleted {
			s.phase = PhaseIdle
		}
	}
}

// ── Server messages ────────────────────────────────────────────────────────────

func (s *Session) handleMessage(m protocol.ServerMessage) {
	switch m := m.(type) {
	case protocol.Ready:
		s.onReady(false)
	case protocol.AudioDelta:
		s.onAudioDelta(m)
	case protocol.AudioDone:
		s.onAudioDone()
	case protocol.TranscriptDelta:
		if !s.frozen {
			s.transcript.Pending += m.Delta
		}
	case protocol.TranscriptDone:
		s.onTranscriptDone(m.Transcript)
	case protocol.UserTranscript:
		s.onUserTranscript(m.Transcript)
	case protocol.SpeechStarted:
		s.onSpeechStarted()
	case protocol.SpeechStopped:
		if s.phase == PhaseUserSpeaking {
			s.phase = PhaseActive
		}
	case protocol.Completed:
		s.onCompleted(m.Result)
	case protocol.Disconnected:
		if s.disc != nil {
			s.finishDisconnect(m.Report)
			return
		}
		slog.Info("session: server disconnected", "session_id", s.id, "reason", m.Reason)
	case protocol.Error:
		slog.Warn("session: server error", "session_id", s.id, "message", m.Message, "code", m.Code)
		s.fail(&ServerError{Message: m.Message, Code: m.Code})
	default:
		slog.Debug("session: ignoring message", "session_id", s.id, "type", m.WireType())
	}
}

// onReady completes the handshake. An implicit ready (audio before the ready
// message) skips the session configuration the server evidently no longer
// needs.
func (s *Session) onReady(implicit bool) {
	if s.phase != PhaseAwaitingReady {
		slog.Debug("session: ready ignored", "session_id", s.id, "phase", s.phase)
		return
	}
	s.phase = PhaseActive
	if !s.connectStart.IsZero() {
		s.metrics.ReadyLatency.Record(context.Background(), s.now().Sub(s.connectStart).Seconds())
	}
	slog.Info("session: ready", "session_id", s.id, "implicit", implicit)
	if implicit {
		return
	}
	s.deps.Transport.Send(protocol.NewTurnDetectionUpdate(protocol.DefaultTurnDetection))
	s.deps.Transport.Send(protocol.NewResponseCreate())
}

func (s *Session) dropAudio(reason string) {
	s.dropped++
	s.metrics.RecordAudioDropped(context.Background(), reason)
}

func (s *Session) onAudioDelta(m protocol.AudioDelta) {
	switch s.phase {
	case PhaseAwaitingReady:
		s.onReady(true)
	case PhaseUserSpeaking:
		s.dropAudio("user_speaking")
		return
	case PhaseIdle, PhaseCompleted:
		s.dropAudio("inactive")
		return
	}
	if s.disc != nil {
		s.dropAudio("inactive")
		return
	}

	if s.deps.Playback != nil {
		rate := m.SampleRate
		if rate <= 0 {
			rate = protocol.DefaultSampleRate
		}
		if !s.deps.Playback.Enqueue(audio.EncodedFrame{Payload: m.Audio, SampleRate: rate}) {
			s.dropAudio("decode")
			return
		}
	}
	if s.phase != PhaseAISpeaking {
		s.phase = PhaseAISpeaking
		s.aiTurnStart = s.now()
		s.timers.Signal(idle.Signal{Kind: idle.AISpeaking})
	}
}

func (s *Session) onAudioDone() {
	s.lastAIAudioDoneAt = s.now()
	if s.phase == PhaseAISpeaking && !s.playing() {
		s.phase = PhaseActive
	}
	if s.phase == PhaseActive {
		s.timers.Signal(idle.Signal{Kind: idle.TurnWaiting, Since: s.lastAIAudioDoneAt})
	}
}

func (s *Session) onPlaybackIdle() {
	if s.phase != PhaseAISpeaking || s.playing() {
		return
	}
	s.phase = PhaseActive
	since := s.lastAIAudioDoneAt
	if since.Before(s.aiTurnStart) {
		since = time.Time{}
	}
	s.timers.Signal(idle.Signal{Kind: idle.TurnWaiting, Since: since})
}

// bargeIn stops AI playback because the user started talking. The queue is
// cleared before the phase changes.
func (s *Session) bargeIn() {
	s.clearPlayback()
	s.phase = PhaseUserSpeaking
	s.metrics.BargeIns.Add(context.Background(), 1)
	slog.Debug("session: barge-in", "session_id", s.id)
}

func (s *Session) onSpeechStarted() {
	switch s.phase {
	case PhaseAISpeaking:
		s.bargeIn()
	case PhaseActive:
		s.phase = PhaseUserSpeaking
	}
	s.timers.Signal(idle.Signal{Kind: idle.SpeechActivity})
}

func (s *Session) onUserTranscript(text string) {
	if s.frozen {
		return
	}
	if s.phase == PhaseAISpeaking {
		s.bargeIn()
	}
	if s.phase == PhaseUserSpeaking {
		s.phase = PhaseActive
	}
	s.langErr = strings.Contains(strings.ToLower(text), unintelligibleMarker)
	s.appendUserTurn(text)
}

func (s *Session) appendUserTurn(text string) {
	turn := Turn{Role: RoleUser, Text: text, At: s.now()}
	s.transcript.Turns = append(s.transcript.Turns, turn)
	s.metrics.RecordTurn(context.Background(), string(RoleUser))
	s.timers.Signal(idle.Signal{Kind: idle.SpeechActivity})
	s.timers.Signal(idle.Signal{Kind: idle.UserTranscript})
	if s.onTranscript != nil {
		s.onTranscript(turn)
	}
}

func (s *Session) onTranscriptDone(text string) {
	if s.frozen {
		return
	}
	if text == "" {
		text = s.transcript.Pending
	}
	s.transcript.Pending = ""
	if text == "" {
		return
	}
	turn := Turn{Role: RoleAssistant, Text: text, At: s.now()}
	s.transcript.Turns = append(s.transcript.Turns, turn)
	s.metrics.RecordTurn(context.Background(), string(RoleAssistant))
	s.timers.Signal(idle.Signal{Kind: idle.AITranscript})
	if s.onTranscript != nil {
		s.onTranscript(turn)
	}
	s.translate(len(s.transcript.Turns)-1, text)
}

// translate runs the translator in the background and posts the result back
// to the loop. Failures are logged and otherwise ignored.
func (s *Session) translate(index int, text string) {
	tr := s.deps.Translator
	if tr == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(s.bg, s.translateTimeout)
		defer cancel()
		ctx, span := observe.StartSessionSpan(ctx, "session.translate", s.id, attribute.Int("parley.turn", index))
		start := time.Now()
		out, err := tr.Translate(ctx, text)
		s.metrics.RecordTranslation(ctx, time.Since(start), err)
		observe.EndSpan(span, err)
		s.mb.post(translated{index: index, text: out, err: err})
	}()
}

func (s *Session) onTranslated(t translated) {
	if t.err != nil {
		slog.Debug("session: translation failed", "session_id", s.id, "turn", t.index, "err", t.err)
		return
	}
	if t.index < 0 || t.index >= len(s.transcript.Turns) || t.text == "" {
		return
	}
	s.transcript.Turns[t.index].Translation = t.text
	if s.onTranscript != nil {
		s.onTranscript(s.transcript.Turns[t.index])
	}
}

// ── Completion ─────────────────────────────────────────────────────────────────

func (s *Session) onCompleted(p protocol.CompletionPayload) {
	if s.phase == PhaseCompleted {
		return
	}
	s.frozen = true
	res := resultFrom(p)
	s.result = &res
	s.persist(res)

	s.stopMicrophone()
	s.timers.Signal(idle.Signal{Kind: idle.Teardown})
	s.phase = PhaseCompleted
	slog.Info("session: scenario completed",
		"session_id", s.id,
		"place", res.Place,
		"partner", res.ConversationPartner,
		"goal", res.ConversationGoal,
	)
}

func (s *Session) persist(res ScenarioResult) {
	if s.deps.Store == nil {
		return
	}
	kv := make(map[string]string, 4)
	for k, v := range map[string]string{
		store.KeyPlace:               res.Place,
		store.KeyConversationPartner: res.ConversationPartner,
		store.KeyConversationGoal:    res.ConversationGoal,
		store.KeyChatSessionID:       res.SessionID,
	} {
		if v != "" {
			kv[k] = v
		}
	}
	ctx, cancel := context.WithTimeout(s.bg, persistTimeout)
	defer cancel()
	if err := store.PutAll(ctx, s.deps.Store, kv); err != nil {
		slog.Error("session: persist scenario result", "session_id", s.id, "err", err)
		s.fail(fmt.Errorf("session: persist result: %w", err))
	}
}
