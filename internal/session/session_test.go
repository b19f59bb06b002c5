package session_test

import (
	"context"
	"errors"
	"math/rand/v2"
	"slices"
	"sync"
	"testing"
	"time"

	"go.opentelemetry.io/otel/metric/noop"

	"github.com/MrWong99/parley/internal/idle"
	"github.com/MrWong99/parley/internal/observe"
	"github.com/MrWong99/parley/internal/session"
	audiomock "github.com/MrWong99/parley/pkg/audio/mock"
	"github.com/MrWong99/parley/pkg/audio/capture"
	"github.com/MrWong99/parley/pkg/audio/pcm"
	"github.com/MrWong99/parley/pkg/audio/playback"
	"github.com/MrWong99/parley/pkg/realtime"
	rtmock "github.com/MrWong99/parley/pkg/realtime/mock"
	"github.com/MrWong99/parley/pkg/realtime/protocol"
	"github.com/MrWong99/parley/pkg/store"
	storemock "github.com/MrWong99/parley/pkg/store/mock"
	translatemock "github.com/MrWong99/parley/pkg/translate/mock"
)

// ── Helpers ────────────────────────────────────────────────────────────────────

type rig struct {
	tr    *rtmock.Transport
	src   *audiomock.Source
	mic   *capture.Pipeline
	queue *playback.Queue
	store *storemock.Store
	tl    *translatemock.Translator
	sess  *session.Session

	mu   sync.Mutex
	errs []error
}

func testMetrics(t *testing.T) *observe.Metrics {
	t.Helper()
	m, err := observe.NewMetrics(noop.NewMeterProvider())
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m
}

func newRig(t *testing.T, opts ...session.Option) *rig {
	t.Helper()
	r := &rig{
		tr:    &rtmock.Transport{AutoConnect: true},
		src:   &audiomock.Source{},
		queue: playback.New(protocol.DefaultSampleRate, 1),
		store: &storemock.Store{},
		tl:    &translatemock.Translator{Prefix: "KR:"},
	}
	r.mic = capture.New(r.src)
	base := []session.Option{
		session.WithMetrics(testMetrics(t)),
		session.WithTimers(idle.Config{Inactivity: time.Hour, WaitPopup: time.Hour, NotUnderstood: time.Hour}),
		session.WithOnError(func(err error) {
			r.mu.Lock()
			r.errs = append(r.errs, err)
			r.mu.Unlock()
		}),
	}
	r.sess = session.New(session.Deps{
		Transport:  r.tr,
		Capture:    r.mic,
		Playback:   r.queue,
		Store:      r.store,
		Translator: r.tl,
	}, append(base, opts...)...)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_, _ = r.sess.Disconnect(ctx)
	})
	return r
}

func (r *rig) errors() []error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.errs)
}

// ready connects and completes the handshake.
func (r *rig) ready(t *testing.T) {
	t.Helper()
	if err := r.sess.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	r.tr.Deliver(protocol.Ready{})
	if got := r.sess.Snapshot().Phase; got != session.PhaseActive {
		t.Fatalf("phase after ready got %v, want active", got)
	}
}

func audioDelta(samples int) protocol.AudioDelta {
	f := pcm.Encode(make([]float32, samples), protocol.DefaultSampleRate)
	return protocol.AudioDelta{Audio: f.Payload, SampleRate: f.SampleRate}
}

// waitFor polls Snapshot until pred holds.
func waitFor(t *testing.T, s *session.Session, desc string, pred func(session.State) bool) session.State {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		st := s.Snapshot()
		if pred(st) {
			return st
		}
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s (phase %v)", desc, st.Phase)
		}
		time.Sleep(time.Millisecond)
	}
}

func waitSent(t *testing.T, tr *rtmock.Transport, msgType string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !slices.Contains(tr.SentTypes(), msgType) {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %q, sent %v", msgType, tr.SentTypes())
		}
		time.Sleep(time.Millisecond)
	}
}

func drain(q *playback.Queue) {
	buf := make([]float32, 1024)
	for q.IsPlaying() {
		q.Fill(buf)
	}
}

// ── Tests ──────────────────────────────────────────────────────────────────────

func TestSession_HappyPath(t *testing.T) {
	t.Parallel()

	r := newRig(t)
	if err := r.sess.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	st := r.sess.Snapshot()
	if st.Phase != session.PhaseAwaitingReady {
		t.Fatalf("got %v, want awaiting_ready", st.Phase)
	}
	if st.Connection != realtime.StateConnected {
		t.Errorf("connection got %v, want connected", st.Connection)
	}

	r.tr.Deliver(protocol.Ready{})
	waitSent(t, r.tr, protocol.TypeResponseCreate)
	want := []string{protocol.TypeSessionUpdate, protocol.TypeResponseCreate}
	if got := r.tr.SentTypes(); !slices.Equal(got, want) {
		t.Fatalf("sent %v, want %v", got, want)
	}
	upd := r.tr.SentMessages()[0].(protocol.SessionUpdate)
	if upd.Session == nil || upd.Session.TurnDetection == nil || upd.Session.TurnDetection.SilenceDurationMs != 1000 {
		t.Errorf("unexpected turn detection update %+v", upd)
	}

	// Microphone audio is downsampled to the wire rate and sent.
	if err := r.sess.StartMicrophone(context.Background()); err != nil {
		t.Fatalf("StartMicrophone: %v", err)
	}
	r.src.Emit(make([]float32, 4800))
	sent := r.tr.SentMessages()
	chunk, ok := sent[len(sent)-1].(protocol.InputAudioChunk)
	if !ok {
		t.Fatalf("last sent got %T, want InputAudioChunk", sent[len(sent)-1])
	}
	if chunk.SampleRate != session.DefaultWireSampleRate {
		t.Errorf("chunk rate got %d, want %d", chunk.SampleRate, session.DefaultWireSampleRate)
	}
	raw, err := pcm.FromBase64(chunk.Audio)
	if err != nil {
		t.Fatalf("FromBase64: %v", err)
	}
	if len(raw) != 1600*2 {
		t.Errorf("chunk bytes got %d, want %d", len(raw), 1600*2)
	}

	// AI speaks.
	r.tr.Deliver(audioDelta(2400))
	if got := r.sess.Snapshot().Phase; got != session.PhaseAISpeaking {
		t.Fatalf("got %v, want ai_speaking", got)
	}
	if got := r.sess.Snapshot().Status(); got != session.StatusTalking {
		t.Errorf("status got %v, want talking", got)
	}
	r.tr.Deliver(protocol.TranscriptDelta{Delta: "Hel"})
	r.tr.Deliver(protocol.TranscriptDelta{Delta: "lo"})
	if got := r.sess.Snapshot().Transcript.Pending; got != "Hello" {
		t.Errorf("pending got %q, want %q", got, "Hello")
	}
	r.tr.Deliver(protocol.TranscriptDone{})
	r.tr.Deliver(protocol.AudioDone{})
	if got := r.sess.Snapshot().Phase; got != session.PhaseAISpeaking {
		t.Errorf("phase before drain got %v, want ai_speaking", got)
	}

	drain(r.queue)
	st = waitFor(t, r.sess, "active after drain", func(s session.State) bool { return s.Phase == session.PhaseActive })
	if st.LastAIAudioDoneAt.IsZero() {
		t.Error("LastAIAudioDoneAt not stamped")
	}
	st = waitFor(t, r.sess, "translation", func(s session.State) bool {
		return len(s.Transcript.Turns) == 1 && s.Transcript.Turns[0].Translation != ""
	})
	if got := st.Transcript.Turns[0]; got.Text != "Hello" || got.Translation != "KR:Hello" || got.Role != session.RoleAssistant {
		t.Errorf("turn got %+v", got)
	}

	r.tr.Deliver(protocol.UserTranscript{Transcript: "A coffee, please."})

	// Completion persists the result and stops the microphone.
	r.tr.Deliver(protocol.Completed{Result: protocol.CompletionPayload{
		Place: "cafe", ConversationPartner: "barista", ConversationGoal: "order", SessionID: "chat-9",
	}})
	st = r.sess.Snapshot()
	if st.Phase != session.PhaseCompleted || st.Recording {
		t.Fatalf("got phase %v recording %v, want completed and not recording", st.Phase, st.Recording)
	}
	if st.Result == nil || st.Result.Place != "cafe" || st.Result.SessionID != "chat-9" {
		t.Errorf("result got %+v", st.Result)
	}
	wantStore := map[string]string{
		store.KeyPlace:               "cafe",
		store.KeyConversationPartner: "barista",
		store.KeyConversationGoal:    "order",
		store.KeyChatSessionID:       "chat-9",
	}
	for k, v := range wantStore {
		if got := r.store.Snapshot()[k]; got != v {
			t.Errorf("store[%q] got %q, want %q", k, got, v)
		}
	}
	if err := r.sess.StartMicrophone(context.Background()); !errors.Is(err, session.ErrSessionCompleted) {
		t.Errorf("StartMicrophone after completion got %v, want ErrSessionCompleted", err)
	}
	if err := r.sess.Connect(context.Background()); !errors.Is(err, session.ErrSessionCompleted) {
		t.Errorf("Connect after completion got %v, want ErrSessionCompleted", err)
	}

	// Late transcript is ignored once frozen.
	r.tr.Deliver(protocol.TranscriptDone{Transcript: "late"})
	if got := len(r.sess.Snapshot().Transcript.Turns); got != 2 {
		t.Errorf("turns got %d, want 2", got)
	}

	report := &protocol.SessionReport{SessionID: "chat-9", TotalDurationSec: 42}
	r.tr.OnSend = func(m protocol.ClientMessage) {
		if m.MessageType() == protocol.TypeDisconnect {
			go r.tr.Deliver(protocol.Disconnected{Report: report})
		}
	}
	got, err := r.sess.Disconnect(context.Background())
	if err != nil {
		t.Fatalf("Disconnect: %v", err)
	}
	if got == nil || got.TotalDurationSec != 42 {
		t.Errorf("report got %+v, want %+v", got, report)
	}
	select {
	case <-r.sess.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("loop did not exit")
	}
	if st := r.sess.Snapshot(); st.Phase != session.PhaseIdle || st.Result == nil {
		t.Errorf("final state got phase %v result %v", st.Phase, st.Result)
	}
}

func TestSession_PermissionDenied(t *testing.T) {
	t.Parallel()

	r := newRig(t)
	r.src.OpenError = capture.ErrPermissionDenied
	r.ready(t)

	err := r.sess.StartMicrophone(context.Background())
	if !errors.Is(err, capture.ErrPermissionDenied) {
		t.Fatalf("got %v, want ErrPermissionDenied", err)
	}
	var de *capture.DeviceError
	if !errors.As(err, &de) {
		t.Errorf("got %T, want *capture.DeviceError in chain", err)
	}
	if st := r.sess.Snapshot(); st.Recording || st.Phase != session.PhaseActive {
		t.Errorf("got recording %v phase %v, want not recording and active", st.Recording, st.Phase)
	}
	if got := r.mic.Permission(); got != capture.PermissionDenied {
		t.Errorf("permission got %v, want denied", got)
	}
	if errs := r.errors(); len(errs) != 1 || !errors.Is(errs[0], capture.ErrPermissionDenied) {
		t.Errorf("OnError got %v", errs)
	}
}

func TestSession_MicrophoneStartIsBounded(t *testing.T) {
	t.Parallel()

	r := newRig(t, session.WithMicStartTimeout(30*time.Millisecond))
	r.src.OpenBlocks = true
	r.ready(t)

	start := time.Now()
	err := r.sess.StartMicrophone(context.Background())
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("got %v, want context.DeadlineExceeded", err)
	}
	if !errors.Is(err, capture.ErrDeviceUnavailable) {
		t.Errorf("got %v, want ErrDeviceUnavailable in chain", err)
	}
	if d := time.Since(start); d > time.Second {
		t.Errorf("StartMicrophone blocked for %v", d)
	}

	// The loop keeps serving messages and commands.
	r.tr.Deliver(audioDelta(240))
	if st := r.sess.Snapshot(); st.Recording || st.Phase != session.PhaseAISpeaking {
		t.Errorf("got recording %v phase %v, want not recording and ai_speaking", st.Recording, st.Phase)
	}
	if r.mic.IsCapturing() {
		t.Error("capture left running after the timeout")
	}
}

func TestSession_ForcedDisconnectDuringPlayback(t *testing.T) {
	t.Parallel()

	r := newRig(t)
	r.ready(t)
	if err := r.sess.StartMicrophone(context.Background()); err != nil {
		t.Fatalf("StartMicrophone: %v", err)
	}
	r.tr.Deliver(audioDelta(24000))
	waitFor(t, r.sess, "ai speaking", func(s session.State) bool { return s.Phase == session.PhaseAISpeaking })
	if !r.queue.IsPlaying() {
		t.Fatal("queue not playing")
	}

	type result struct {
		report *protocol.SessionReport
		err    error
	}
	first := make(chan result, 1)
	go func() {
		rep, err := r.sess.Disconnect(context.Background())
		first <- result{rep, err}
	}()
	waitSent(t, r.tr, protocol.TypeDisconnect)

	if r.queue.IsPlaying() {
		t.Error("playback not cleared by disconnect")
	}
	if r.mic.IsCapturing() {
		t.Error("capture not stopped by disconnect")
	}

	start := time.Now()
	rep, err := r.sess.Disconnect(context.Background())
	if rep != nil || err != nil {
		t.Errorf("second Disconnect got (%v, %v), want (nil, nil)", rep, err)
	}
	if d := time.Since(start); d > time.Second {
		t.Errorf("second Disconnect blocked for %v", d)
	}

	r.tr.Deliver(protocol.Disconnected{Report: &protocol.SessionReport{SessionID: "x"}})
	select {
	case res := <-first:
		if res.err != nil || res.report == nil || res.report.SessionID != "x" {
			t.Errorf("first Disconnect got (%+v, %v)", res.report, res.err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("first Disconnect did not return")
	}
	if got := r.tr.CallCountDisconnect; got != 1 {
		t.Errorf("transport Disconnect calls got %d, want 1", got)
	}
}

func TestSession_DisconnectTimeout(t *testing.T) {
	t.Parallel()

	r := newRig(t, session.WithDisconnectTimeout(30*time.Millisecond))
	r.ready(t)

	rep, err := r.sess.Disconnect(context.Background())
	if rep != nil || err != nil {
		t.Errorf("got (%v, %v), want (nil, nil)", rep, err)
	}
	if !slices.Contains(r.tr.SentTypes(), protocol.TypeDisconnect) {
		t.Error("disconnect request not sent")
	}
	if err := r.sess.Connect(context.Background()); !errors.Is(err, session.ErrClosed) {
		t.Errorf("Connect after end got %v, want ErrClosed", err)
	}
}

func TestSession_DisconnectWhenNotConnected(t *testing.T) {
	t.Parallel()

	r := newRig(t)
	rep, err := r.sess.Disconnect(context.Background())
	if rep != nil || err != nil {
		t.Errorf("got (%v, %v), want (nil, nil)", rep, err)
	}
	if got := r.tr.SentTypes(); len(got) != 0 {
		t.Errorf("sent %v, want nothing", got)
	}
}

func TestSession_TransportLossResolvesDisconnect(t *testing.T) {
	t.Parallel()

	r := newRig(t, session.WithDisconnectTimeout(time.Hour))
	r.ready(t)

	done := make(chan *protocol.SessionReport, 1)
	go func() {
		rep, _ := r.sess.Disconnect(context.Background())
		done <- rep
	}()
	waitSent(t, r.tr, protocol.TypeDisconnect)
	r.tr.Emit(realtime.Event{Kind: realtime.EventError, Err: realtime.ErrReconnectExhausted})

	select {
	case rep := <-done:
		if rep != nil {
			t.Errorf("got %+v, want nil report", rep)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Disconnect did not resolve on transport loss")
	}
}

func TestSession_BargeIn(t *testing.T) {
	t.Parallel()

	r := newRig(t)
	r.ready(t)
	r.tr.Deliver(audioDelta(24000))

	r.tr.Deliver(protocol.SpeechStarted{})
	st := r.sess.Snapshot()
	if st.Phase != session.PhaseUserSpeaking {
		t.Fatalf("got %v, want user_speaking", st.Phase)
	}
	if r.queue.IsPlaying() || r.queue.Buffered() != 0 {
		t.Errorf("playback not cleared: playing %v buffered %d", r.queue.IsPlaying(), r.queue.Buffered())
	}

	// AI audio during user speech is dropped.
	r.tr.Deliver(audioDelta(2400))
	st = r.sess.Snapshot()
	if st.Phase != session.PhaseUserSpeaking || st.DroppedAudio != 1 || r.queue.IsPlaying() {
		t.Errorf("got phase %v dropped %d playing %v", st.Phase, st.DroppedAudio, r.queue.IsPlaying())
	}

	r.tr.Deliver(protocol.SpeechStopped{})
	if got := r.sess.Snapshot().Phase; got != session.PhaseActive {
		t.Fatalf("got %v, want active", got)
	}
	r.tr.Deliver(audioDelta(2400))
	if got := r.sess.Snapshot().Phase; got != session.PhaseAISpeaking {
		t.Errorf("got %v, want ai_speaking", got)
	}
}

func TestSession_UserTranscriptInterruptsAI(t *testing.T) {
	t.Parallel()

	r := newRig(t)
	r.ready(t)
	r.tr.Deliver(audioDelta(24000))
	r.tr.Deliver(protocol.UserTranscript{Transcript: "wait"})

	st := r.sess.Snapshot()
	if st.Phase != session.PhaseActive {
		t.Errorf("got %v, want active", st.Phase)
	}
	if r.queue.IsPlaying() {
		t.Error("playback not cleared")
	}
}

func TestSession_MutualExclusion(t *testing.T) {
	t.Parallel()

	for seed := range uint64(8) {
		rng := rand.New(rand.NewPCG(seed, seed*31+7))
		r := newRig(t)
		r.ready(t)

		for step := range 200 {
			var what string
			switch rng.IntN(7) {
			case 0:
				what = "speech.started"
				r.tr.Deliver(protocol.SpeechStarted{})
			case 1:
				what = "speech.stopped"
				r.tr.Deliver(protocol.SpeechStopped{})
			case 2, 3:
				what = "audio.delta"
				r.tr.Deliver(audioDelta(240))
			case 4:
				what = "audio.done"
				r.tr.Deliver(protocol.AudioDone{})
			case 5:
				what = "user.transcript"
				r.tr.Deliver(protocol.UserTranscript{Transcript: "hi"})
			case 6:
				what = "fill"
				r.queue.Fill(make([]float32, 120))
			}
			st := r.sess.Snapshot()
			if st.Phase == session.PhaseUserSpeaking && r.queue.Buffered() > 0 {
				t.Fatalf("seed %d step %d (%s): AI audio buffered while user speaking", seed, step, what)
			}
			if !st.Phase.Ready() {
				t.Fatalf("seed %d step %d (%s): left the conversation, phase %v", seed, step, what, st.Phase)
			}
		}
	}
}

func TestSession_ImplicitReady(t *testing.T) {
	t.Parallel()

	r := newRig(t)
	if err := r.sess.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	r.tr.Deliver(audioDelta(240))
	if got := r.sess.Snapshot().Phase; got != session.PhaseAISpeaking {
		t.Errorf("got %v, want ai_speaking", got)
	}
	if got := r.tr.SentTypes(); len(got) != 0 {
		t.Errorf("sent %v, want nothing on implicit ready", got)
	}
}

func TestSession_AudioGate(t *testing.T) {
	t.Parallel()

	r := newRig(t)
	if err := r.sess.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if err := r.sess.StartMicrophone(context.Background()); err != nil {
		t.Fatalf("StartMicrophone: %v", err)
	}
	r.src.Emit(make([]float32, 4800))
	if got := r.tr.SentTypes(); len(got) != 0 {
		t.Fatalf("sent %v before ready, want nothing", got)
	}

	r.tr.Deliver(protocol.Ready{})
	muted, err := r.sess.ToggleMute(context.Background())
	if err != nil || !muted {
		t.Fatalf("ToggleMute got (%v, %v), want (true, nil)", muted, err)
	}
	before := len(r.tr.SentTypes())
	r.src.Emit(make([]float32, 4800))
	if got := len(r.tr.SentTypes()); got != before {
		t.Errorf("sent %d messages while muted", got-before)
	}

	if muted, _ := r.sess.ToggleMute(context.Background()); muted {
		t.Fatal("still muted")
	}
	r.src.Emit(make([]float32, 4800))
	if got := r.tr.SentTypes(); got[len(got)-1] != protocol.TypeInputAudioChunk {
		t.Errorf("last sent got %q, want input_audio_chunk", got[len(got)-1])
	}

	if err := r.sess.StopMicrophone(context.Background()); err != nil {
		t.Fatalf("StopMicrophone: %v", err)
	}
	if r.mic.IsCapturing() {
		t.Error("capture still running")
	}
}

func TestSession_UnintelligibleSetsLanguageError(t *testing.T) {
	t.Parallel()

	r := newRig(t)
	r.ready(t)
	r.tr.Deliver(protocol.UserTranscript{Transcript: "[Unintelligible]"})

	st := r.sess.Snapshot()
	if !st.LanguageError {
		t.Fatal("language error not set")
	}
	if got := st.Status(); got != session.StatusConfused {
		t.Errorf("status got %v, want confused", got)
	}
	if err := r.sess.DismissLanguageError(context.Background()); err != nil {
		t.Fatalf("DismissLanguageError: %v", err)
	}
	if r.sess.Snapshot().LanguageError {
		t.Error("language error not cleared")
	}
}

func TestSession_UpdateVoice(t *testing.T) {
	t.Parallel()

	r := newRig(t)
	if err := r.sess.UpdateVoice(context.Background(), "robot"); !errors.Is(err, session.ErrInvalidVoice) {
		t.Errorf("got %v, want ErrInvalidVoice", err)
	}
	// Not ready: remembered only.
	if err := r.sess.UpdateVoice(context.Background(), "sage"); err != nil {
		t.Fatalf("UpdateVoice: %v", err)
	}
	if got := r.tr.SentTypes(); len(got) != 0 {
		t.Errorf("sent %v before ready", got)
	}

	r.ready(t)
	if err := r.sess.UpdateVoice(context.Background(), "coral"); err != nil {
		t.Fatalf("UpdateVoice: %v", err)
	}
	sent := r.tr.SentMessages()
	upd, ok := sent[len(sent)-1].(protocol.SessionUpdate)
	if !ok || upd.Config == nil || upd.Config.Voice != "coral" {
		t.Errorf("last sent got %+v, want session.update with voice coral", sent[len(sent)-1])
	}
	if got := r.sess.Snapshot().Voice; got != "coral" {
		t.Errorf("voice got %q, want coral", got)
	}
}

func TestSession_SendText(t *testing.T) {
	t.Parallel()

	r := newRig(t)
	if err := r.sess.SendText(context.Background(), "hello"); !errors.Is(err, session.ErrNotReady) {
		t.Errorf("got %v, want ErrNotReady", err)
	}
	r.ready(t)
	if err := r.sess.SendText(context.Background(), "hello"); err != nil {
		t.Fatalf("SendText: %v", err)
	}
	got := r.tr.SentTypes()
	if tail := got[len(got)-2:]; !slices.Equal(tail, []string{protocol.TypeText, protocol.TypeResponseCreate}) {
		t.Errorf("sent tail %v, want [text response.create]", tail)
	}
	st := r.sess.Snapshot()
	if len(st.Transcript.Turns) != 1 || st.Transcript.Turns[0].Role != session.RoleUser {
		t.Errorf("transcript got %+v", st.Transcript)
	}

	for _, cmd := range []func(context.Context) error{r.sess.CommitAudio, r.sess.ClearAudioBuffer, r.sess.RequestResponse} {
		if err := cmd(context.Background()); err != nil {
			t.Errorf("control command: %v", err)
		}
	}
	got = r.tr.SentTypes()
	want := []string{protocol.TypeInputAudioCommit, protocol.TypeInputAudioClear, protocol.TypeResponseCreate}
	if tail := got[len(got)-3:]; !slices.Equal(tail, want) {
		t.Errorf("sent tail %v, want %v", tail, want)
	}
}

func TestSession_LifecycleFlags(t *testing.T) {
	t.Parallel()

	r := newRig(t)
	r.ready(t)
	if err := r.sess.StartMicrophone(context.Background()); err != nil {
		t.Fatalf("StartMicrophone: %v", err)
	}

	r.tr.Emit(realtime.Event{Kind: realtime.EventReconnecting, Attempt: 1})
	st := r.sess.Snapshot()
	if !st.Reconnecting || st.Phase != session.PhaseAwaitingReady {
		t.Errorf("got reconnecting %v phase %v", st.Reconnecting, st.Phase)
	}

	r.tr.SetState(realtime.StateError)
	r.tr.Emit(realtime.Event{Kind: realtime.EventError, Err: realtime.ErrReconnectExhausted})
	st = r.sess.Snapshot()
	if !st.ConnectionFailed || st.Reconnecting || st.Recording || st.Phase != session.PhaseIdle {
		t.Errorf("after error got %+v", st)
	}
	if errs := r.errors(); len(errs) == 0 || !errors.Is(errs[len(errs)-1], realtime.ErrReconnectExhausted) {
		t.Errorf("OnError got %v", errs)
	}

	// A manual Connect retries.
	if err := r.sess.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	st = r.sess.Snapshot()
	if st.ConnectionFailed || st.Phase != session.PhaseAwaitingReady {
		t.Errorf("after retry got failed %v phase %v", st.ConnectionFailed, st.Phase)
	}
}

func TestSession_ServerErrorIsNonFatal(t *testing.T) {
	t.Parallel()

	r := newRig(t)
	r.ready(t)
	r.tr.Deliver(protocol.Error{Message: "rate limited", Code: "429"})

	if got := r.sess.Snapshot().Phase; got != session.PhaseActive {
		t.Errorf("got %v, want active", got)
	}
	errs := r.errors()
	var se *session.ServerError
	if len(errs) != 1 || !errors.As(errs[0], &se) || se.Code != "429" {
		t.Errorf("OnError got %v", errs)
	}
}

func TestSession_InactivityHint(t *testing.T) {
	t.Parallel()

	r := newRig(t, session.WithTimers(idle.Config{
		Inactivity: 20 * time.Millisecond, WaitPopup: 20 * time.Millisecond, NotUnderstood: time.Hour,
	}))
	r.ready(t)
	r.tr.Deliver(protocol.AudioDone{})

	st := waitFor(t, r.sess, "inactivity hint", func(s session.State) bool { return s.Hints.Inactivity })
	if got := st.Status(); got != session.StatusThinking {
		t.Errorf("status got %v, want thinking", got)
	}
	waitFor(t, r.sess, "wait popup", func(s session.State) bool { return s.Hints.WaitPopup })

	r.tr.Deliver(protocol.SpeechStarted{})
	if h := r.sess.Snapshot().Hints; h.Any() {
		t.Errorf("hints got %+v after user speech, want none", h)
	}
}

func TestSession_CompletionWithoutChatSessionID(t *testing.T) {
	t.Parallel()

	r := newRig(t, session.WithID("local-1"))
	r.ready(t)
	r.tr.Deliver(protocol.Completed{Result: protocol.CompletionPayload{Place: "park"}})

	st := r.sess.Snapshot()
	want := session.ScenarioResult{Place: "park"}
	if st.Result == nil || *st.Result != want {
		t.Errorf("result got %+v, want %+v", st.Result, want)
	}
	got := r.store.Snapshot()
	if _, ok := got[store.KeyChatSessionID]; ok {
		t.Errorf("store[%q] got %q, want absent", store.KeyChatSessionID, got[store.KeyChatSessionID])
	}
	if got[store.KeyPlace] != "park" {
		t.Errorf("store[%q] got %q, want park", store.KeyPlace, got[store.KeyPlace])
	}
}

func TestSession_PersistFailureIsReported(t *testing.T) {
	t.Parallel()

	r := newRig(t)
	r.store.PutError = errors.New("disk full")
	r.ready(t)
	r.tr.Deliver(protocol.Completed{Result: protocol.CompletionPayload{Place: "park", SessionID: "chat-2"}})

	if st := r.sess.Snapshot(); st.Phase != session.PhaseCompleted {
		t.Errorf("got %v, want completed", st.Phase)
	}
	if errs := r.errors(); len(errs) != 1 {
		t.Errorf("OnError got %v, want the persist failure", errs)
	}
}

func TestState_Status(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		st   session.State
		want session.AvatarStatus
	}{
		{"idle", session.State{Phase: session.PhaseActive}, session.StatusIdle},
		{"talking", session.State{Phase: session.PhaseAISpeaking}, session.StatusTalking},
		{"hint beats talking", session.State{Phase: session.PhaseAISpeaking, Hints: idle.Hints{Inactivity: true}}, session.StatusThinking},
		{"language error beats all", session.State{Phase: session.PhaseAISpeaking, LanguageError: true, Hints: idle.Hints{Inactivity: true}}, session.StatusConfused},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.st.Status(); got != tt.want {
				t.Errorf("got %v, want %v", got, tt.want)
			}
		})
	}
}
