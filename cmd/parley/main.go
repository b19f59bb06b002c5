// Command parley runs a realtime voice conversation against a scenario or
// free-conversation backend using the system microphone and speakers.
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/parley/internal/app"
	"github.com/MrWong99/parley/internal/config"
	"github.com/MrWong99/parley/internal/idle"
	"github.com/MrWong99/parley/internal/observe"
	"github.com/MrWong99/parley/internal/session"
	"github.com/MrWong99/parley/pkg/realtime/protocol"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "parley.yaml", "path to the YAML configuration file")
	envFile := flag.String("env", ".env", "optional dotenv file loaded before the config")
	textMode := flag.Bool("text", false, "read messages from stdin instead of the microphone")
	flag.Parse()

	// ── Environment ───────────────────────────────────────────────────────────
	if err := godotenv.Load(*envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "parley: load %s: %v\n", *envFile, err)
		return 1
	}

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "parley: config file %q not found\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "parley: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	var level slog.LevelVar
	level.Set(cfg.LogLevel.Slog())
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: &level})))

	slog.Info("parley starting",
		"version", version,
		"config", *configPath,
		"endpoint", cfg.Endpoint.BaseURL,
		"mode", cfg.Endpoint.Mode,
		"text", *textMode,
	)

	// ── Telemetry ─────────────────────────────────────────────────────────────
	promReg := prometheus.NewRegistry()
	promReg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	shutdownTelemetry, err := observe.InitProvider(context.Background(), observe.ProviderConfig{
		ServiceVersion: version,
		Registerer:     promReg,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(ctx); err != nil {
			slog.Warn("telemetry shutdown", "err", err)
		}
	}()

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Application ───────────────────────────────────────────────────────────
	out := &printer{w: os.Stdout}
	opts := []app.Option{
		app.WithLevelVar(&level),
		app.WithGatherer(promReg),
		app.WithWatchFile(*configPath),
		app.WithSessionOptions(
			session.WithOnTranscript(out.turn),
			session.WithOnHints(out.hints),
			session.WithOnError(out.err),
			session.WithOnState(out.state(stop)),
		),
	}
	if *textMode {
		opts = append(opts, app.WithTextOnly())
	}
	application, err := app.New(ctx, cfg, opts...)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return application.Run(gctx) })
	if *textMode {
		g.Go(func() error { return readStdin(gctx, application.Sessions(), os.Stdin) })
	}

	fmt.Fprintln(os.Stdout, "parley ready, press Ctrl+C to end the conversation")
	runErr := g.Wait()
	if errors.Is(runErr, context.Canceled) || errors.Is(runErr, errStdinClosed) {
		runErr = nil
	}
	if runErr != nil {
		slog.Error("run error", "err", runErr)
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Timers.Disconnect+5*time.Second)
	defer cancel()

	report, err := application.Shutdown(shutdownCtx)
	if err != nil {
		slog.Error("shutdown error", "err", err)
	}
	if s := application.Sessions().Session(); s != nil {
		out.summary(s.Snapshot(), report)
	}
	if runErr != nil || err != nil {
		return 1
	}
	return 0
}

// readStdin sends every non-empty line as a text message. EOF ends the
// conversation.
func readStdin(ctx context.Context, sm *app.SessionManager, r io.Reader) error {
	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(r)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return errStdinClosed
			}
			line = strings.TrimSpace(line)
			if line == "" {
				continue
			}
			s := sm.Session()
			if s == nil {
				continue
			}
			if err := s.SendText(ctx, line); err != nil {
				slog.Warn("send text failed", "err", err)
			}
		}
	}
}

var errStdinClosed = errors.New("stdin closed")

// ── Output ────────────────────────────────────────────────────────────────────

// printer renders session callbacks as plain lines. Callbacks run on the
// session loop, so writes are serialised here.
type printer struct {
	mu        sync.Mutex
	w         io.Writer
	lastPhase session.Phase
	failed    bool
	langErr   bool
}

func (p *printer) printf(format string, args ...any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintf(p.w, format, args...)
}

func (p *printer) turn(t session.Turn) {
	switch {
	case t.Role == session.RoleUser:
		p.printf("you: %s\n", t.Text)
	case t.Translation != "":
		p.printf("  (%s)\n", t.Translation)
	default:
		p.printf("ai:  %s\n", t.Text)
	}
}

func (p *printer) hints(h idle.Hints) {
	switch {
	case h.WaitPopup:
		p.printf("[still there? say something to continue]\n")
	case h.NotUnderstood:
		p.printf("[the partner did not catch that, please try again]\n")
	case h.Inactivity:
		p.printf("[hint: try answering the question]\n")
	}
}

func (p *printer) err(err error) {
	var se *session.ServerError
	if errors.As(err, &se) {
		p.printf("[server: %s]\n", se.Message)
		return
	}
	slog.Warn("session error", "err", err)
}

// state prints phase changes and ends the run once the connection has
// failed for good or the scenario is complete.
func (p *printer) state(stop context.CancelFunc) func(session.State) {
	return func(st session.State) {
		p.mu.Lock()
		changed := st.Phase != p.lastPhase
		p.lastPhase = st.Phase
		failedNow := st.ConnectionFailed && !p.failed
		p.failed = st.ConnectionFailed
		langNow := st.LanguageError && !p.langErr
		p.langErr = st.LanguageError
		p.mu.Unlock()

		if changed {
			slog.Debug("phase changed", "phase", st.Phase, "status", st.Status())
		}
		if langNow {
			p.printf("[please speak in the conversation language]\n")
		}
		if failedNow {
			p.printf("[connection lost]\n")
			stop()
		}
		if changed && st.Phase == session.PhaseCompleted {
			p.printf("[scenario complete]\n")
			stop()
		}
	}
}

func (p *printer) summary(st session.State, report *protocol.SessionReport) {
	p.printf("\n── session %s ──\n", st.ID)
	p.printf("turns: %d\n", len(st.Transcript.Turns))
	if r := st.Result; r != nil {
		p.printf("place: %s\npartner: %s\ngoal: %s\n", r.Place, r.ConversationPartner, r.ConversationGoal)
	}
	if report != nil {
		p.printf("duration: %.1fs (you spoke %.1fs), messages: %d\n",
			report.TotalDurationSec, report.UserSpeechDurationSec, len(report.Messages))
	}
}
