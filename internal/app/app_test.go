package app_test

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/metric/noop"

	"github.com/MrWong99/parley/internal/app"
	"github.com/MrWong99/parley/internal/config"
	"github.com/MrWong99/parley/internal/observe"
	"github.com/MrWong99/parley/internal/session"
	audiomock "github.com/MrWong99/parley/pkg/audio/mock"
	"github.com/MrWong99/parley/pkg/audio/capture"
	"github.com/MrWong99/parley/pkg/audio/playback"
	"github.com/MrWong99/parley/pkg/realtime"
	rtmock "github.com/MrWong99/parley/pkg/realtime/mock"
	"github.com/MrWong99/parley/pkg/realtime/protocol"
	"github.com/MrWong99/parley/pkg/translate"
	translatemock "github.com/MrWong99/parley/pkg/translate/mock"
)

const baseYAML = `
endpoint:
  base_url: https://api.example.com
  voice: alloy
timers:
  disconnect: 500ms
`

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg, err := config.LoadFromReader(strings.NewReader(baseYAML))
	if err != nil {
		t.Fatalf("LoadFromReader: %v", err)
	}
	return cfg
}

func testMetrics(t *testing.T) *observe.Metrics {
	t.Helper()
	m, err := observe.NewMetrics(noop.NewMeterProvider())
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m
}

// fixture wires an App to mock devices and mock transports.
type fixture struct {
	src   *audiomock.Source
	sink  *audiomock.Sink
	queue *playback.Queue
	app   *app.App

	mu         sync.Mutex
	transports []*rtmock.Transport
}

func newFixture(t *testing.T, cfg *config.Config, opts ...app.Option) *fixture {
	t.Helper()
	f := &fixture{
		src:   &audiomock.Source{},
		sink:  &audiomock.Sink{},
		queue: playback.New(protocol.DefaultSampleRate, 1),
	}
	t.Cleanup(func() { _ = f.queue.Close() })

	base := []app.Option{
		app.WithMetrics(testMetrics(t)),
		app.WithGatherer(prometheus.NewRegistry()),
		app.WithTransportFactory(f.newTransport),
		app.WithCapture(capture.New(f.src)),
		app.WithPlayback(f.queue),
		app.WithSink(f.sink),
	}
	a, err := app.New(context.Background(), cfg, append(base, opts...)...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	f.app = a
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_, _ = a.Shutdown(ctx)
	})
	return f
}

func (f *fixture) newTransport() session.Transport {
	tr := &rtmock.Transport{AutoConnect: true}
	tr.OnSend = func(m protocol.ClientMessage) {
		if m.MessageType() == protocol.TypeDisconnect {
			go tr.Deliver(protocol.Disconnected{Report: &protocol.SessionReport{SessionID: "chat-1"}})
		}
	}
	f.mu.Lock()
	f.transports = append(f.transports, tr)
	f.mu.Unlock()
	return tr
}

func (f *fixture) transportCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.transports)
}

// run starts App.Run and waits until the session is connected.
func (f *fixture) run(t *testing.T) (cancel func() error) {
	t.Helper()
	ctx, stop := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.app.Run(ctx) }()

	waitUntil(t, "session connected", func() bool {
		return f.app.Sessions().TransportState() == realtime.StateConnected
	})
	return func() error {
		stop()
		select {
		case err := <-done:
			return err
		case <-time.After(2 * time.Second):
			t.Fatal("Run did not return after cancel")
			return nil
		}
	}
}

func waitUntil(t *testing.T, desc string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", desc)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("GET", path, nil))
	return rec
}

// ─── Tests ───────────────────────────────────────────────────────────────────

func TestRun_StartsSessionAndShutsDown(t *testing.T) {
	t.Parallel()
	f := newFixture(t, testConfig(t))

	stop := f.run(t)

	if !f.src.IsOpen() {
		t.Error("microphone not opened")
	}
	if got := len(f.sink.StartFormats); got != 1 {
		t.Fatalf("speaker starts got %d, want 1", got)
	}
	if got := f.sink.StartFormats[0].SampleRate; got != protocol.DefaultSampleRate {
		t.Errorf("speaker rate got %d, want %d", got, protocol.DefaultSampleRate)
	}
	if got := f.app.Sessions().Session().Snapshot().Voice; got != "alloy" {
		t.Errorf("voice got %q, want alloy", got)
	}

	if err := stop(); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !f.app.Sessions().IsActive() {
		t.Fatal("session ended with Run; want it kept for Shutdown")
	}

	report, err := f.app.Shutdown(context.Background())
	if err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if report == nil || report.SessionID != "chat-1" {
		t.Errorf("report got %+v, want session chat-1", report)
	}
	if f.app.Sessions().IsActive() {
		t.Error("session still active after Shutdown")
	}
	if f.src.IsOpen() {
		t.Error("microphone still open after Shutdown")
	}

	if report, err := f.app.Shutdown(context.Background()); report != nil || err != nil {
		t.Errorf("second Shutdown got (%v, %v), want (nil, nil)", report, err)
	}
}

func TestRun_TextOnlySkipsMicrophone(t *testing.T) {
	t.Parallel()
	f := newFixture(t, testConfig(t), app.WithTextOnly())

	stop := f.run(t)
	defer stop()

	if len(f.src.OpenFormats) != 0 {
		t.Errorf("microphone opened %d times, want 0", len(f.src.OpenFormats))
	}
	if f.app.Sessions().Session().Snapshot().Recording {
		t.Error("recording in text-only mode")
	}
}

func TestRun_SpeakerFailure(t *testing.T) {
	t.Parallel()
	f := newFixture(t, testConfig(t))
	f.sink.StartError = errors.New("no output device")

	err := f.app.Run(context.Background())
	if err == nil || !strings.Contains(err.Error(), "no output device") {
		t.Fatalf("got %v, want the speaker error", err)
	}
	if f.transportCount() != 0 {
		t.Error("session started without a speaker")
	}
}

func TestRun_ReturnsWhenSessionEnds(t *testing.T) {
	t.Parallel()
	f := newFixture(t, testConfig(t))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- f.app.Run(ctx) }()
	waitUntil(t, "session active", f.app.Sessions().IsActive)

	if _, err := f.app.Sessions().Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run got %v, want nil", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after the session ended")
	}
}

func TestDebugHandler(t *testing.T) {
	t.Parallel()
	f := newFixture(t, testConfig(t))
	h := f.app.DebugHandler()

	if rec := get(t, h, "/readyz"); rec.Code != http.StatusServiceUnavailable {
		t.Errorf("readyz before start got %d, want 503", rec.Code)
	}

	if err := f.app.Sessions().Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	for _, path := range []string{"/healthz", "/readyz", "/metrics"} {
		if rec := get(t, h, path); rec.Code != http.StatusOK {
			t.Errorf("%s got %d, want 200: %s", path, rec.Code, rec.Body)
		}
	}

	rec := get(t, h, "/debug/session")
	if rec.Code != http.StatusOK {
		t.Fatalf("debug/session got %d", rec.Code)
	}
	var view struct {
		Active bool   `json:"active"`
		Phase  string `json:"phase"`
		Info   struct {
			SessionID string `json:"session_id"`
			Mode      string `json:"mode"`
			Voice     string `json:"voice"`
		} `json:"info"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&view); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !view.Active || view.Phase != "awaiting_ready" {
		t.Errorf("got active=%v phase=%q, want active awaiting_ready", view.Active, view.Phase)
	}
	if view.Info.SessionID == "" || view.Info.Mode != "scenario" || view.Info.Voice != "alloy" {
		t.Errorf("info got %+v", view.Info)
	}
}

func TestNew_TranslatorChain(t *testing.T) {
	t.Parallel()
	reg := config.NewRegistry()
	var langs []string
	reg.RegisterTranslator("primary", func(_ config.ProviderEntry, lang string) (translate.Translator, error) {
		langs = append(langs, lang)
		return &translatemock.Translator{Err: errors.New("down")}, nil
	})
	reg.RegisterTranslator("backup", func(_ config.ProviderEntry, lang string) (translate.Translator, error) {
		langs = append(langs, lang)
		return &translatemock.Translator{Prefix: "B:"}, nil
	})

	cfg := testConfig(t)
	cfg.Translation.Name = "primary"
	cfg.Translation.TargetLanguage = "Japanese"
	cfg.Translation.Fallbacks = []config.ProviderEntry{{Name: "backup"}}

	f := newFixture(t, cfg, app.WithRegistry(reg))

	if strings.Join(langs, ",") != "Japanese,Japanese" {
		t.Errorf("target languages got %v", langs)
	}
	var body struct {
		Checks map[string]string `json:"checks"`
	}
	rec := get(t, f.app.DebugHandler(), "/readyz")
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	for _, name := range []string{"transport", "translator/primary", "translator/backup"} {
		if _, ok := body.Checks[name]; !ok {
			t.Errorf("readyz missing check %q: %v", name, body.Checks)
		}
	}
}

func TestNew_Errors(t *testing.T) {
	t.Parallel()

	t.Run("unregistered translator", func(t *testing.T) {
		t.Parallel()
		cfg := testConfig(t)
		cfg.Translation.Name = "deepl"
		_, err := app.New(context.Background(), cfg,
			app.WithRegistry(config.NewRegistry()),
			app.WithTransportFactory(func() session.Transport { return &rtmock.Transport{} }),
			app.WithTextOnly(),
			app.WithPlayback(playback.New(protocol.DefaultSampleRate, 1)),
		)
		if !errors.Is(err, config.ErrProviderNotRegistered) {
			t.Errorf("got %v, want ErrProviderNotRegistered", err)
		}
	})

	t.Run("missing watch file", func(t *testing.T) {
		t.Parallel()
		_, err := app.New(context.Background(), testConfig(t),
			app.WithTransportFactory(func() session.Transport { return &rtmock.Transport{} }),
			app.WithTextOnly(),
			app.WithPlayback(playback.New(protocol.DefaultSampleRate, 1)),
			app.WithWatchFile(filepath.Join(t.TempDir(), "nope.yaml")),
		)
		if !errors.Is(err, os.ErrNotExist) {
			t.Errorf("got %v, want os.ErrNotExist", err)
		}
	})
}

func TestNew_BuiltinBadgerStore(t *testing.T) {
	t.Parallel()
	cfg := testConfig(t)
	cfg.Store.Driver = config.StoreBadger

	f := newFixture(t, cfg)

	var body struct {
		Checks map[string]string `json:"checks"`
	}
	rec := get(t, f.app.DebugHandler(), "/readyz")
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got := body.Checks["store"]; got != "ok" {
		t.Errorf("store check got %q, want ok", got)
	}
}

func TestWatchFile_AppliesHotReload(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "parley.yaml")
	write := func(body string, at time.Time) {
		if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
			t.Fatal(err)
		}
		if err := os.Chtimes(path, at, at); err != nil {
			t.Fatal(err)
		}
	}
	write(baseYAML, time.Now().Add(-time.Hour))

	var level slog.LevelVar
	f := newFixture(t, testConfig(t),
		app.WithLevelVar(&level),
		app.WithWatchFile(path, config.WithInterval(10*time.Millisecond)),
	)
	stop := f.run(t)
	defer stop()

	write("log_level: debug\n"+strings.Replace(baseYAML, "voice: alloy", "voice: coral", 1), time.Now())

	waitUntil(t, "voice change", func() bool {
		return f.app.Sessions().Session().Snapshot().Voice == "coral"
	})
	if got := f.app.Sessions().Info().Voice; got != "coral" {
		t.Errorf("info voice got %q, want coral", got)
	}
	waitUntil(t, "log level change", func() bool { return level.Level() == slog.LevelDebug })
}
