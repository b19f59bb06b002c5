package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/MrWong99/parley/internal/health"
	"github.com/MrWong99/parley/internal/idle"
	"github.com/MrWong99/parley/internal/observe"
	"github.com/MrWong99/parley/internal/session"
)

const debugShutdownTimeout = 5 * time.Second

// DebugHandler serves /metrics, the health probes and /debug/session.
func (a *App) DebugHandler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", promhttp.HandlerFor(a.gatherer, promhttp.HandlerOpts{}))
	health.New(a.checkers()...).Register(mux)
	mux.HandleFunc("GET /debug/session", a.handleSession)
	return observe.Middleware(a.metrics)(mux)
}

func (a *App) checkers() []health.Checker {
	cs := []health.Checker{health.Transport(a.sessions.TransportState)}
	if a.fallback != nil {
		for _, name := range a.fallback.Names() {
			cs = append(cs, health.Breaker("translator/"+name, a.fallback.Breaker(name)))
		}
	}
	if p, ok := a.store.(health.Pinger); ok {
		cs = append(cs, health.Store(p))
	}
	return cs
}

// sessionView is the JSON shape of /debug/session.
type sessionView struct {
	Active        bool                 `json:"active"`
	Info          SessionInfo          `json:"info"`
	Phase         string               `json:"phase,omitempty"`
	Connection    string               `json:"connection,omitempty"`
	Status        session.AvatarStatus `json:"status,omitempty"`
	Recording     bool                 `json:"recording"`
	Muted         bool                 `json:"muted"`
	LanguageError bool                 `json:"language_error"`
	Hints         idle.Hints           `json:"hints"`
	Turns         int                  `json:"turns"`
	DroppedAudio  int                  `json:"dropped_audio"`
	Completed     bool                 `json:"completed"`
}

func (a *App) handleSession(w http.ResponseWriter, _ *http.Request) {
	v := sessionView{
		Active: a.sessions.IsActive(),
		Info:   a.sessions.Info(),
	}
	if s := a.sessions.Session(); s != nil {
		st := s.Snapshot()
		v.Phase = st.Phase.String()
		v.Connection = st.Connection.String()
		v.Status = st.Status()
		v.Recording = st.Recording
		v.Muted = st.Muted
		v.LanguageError = st.LanguageError
		v.Hints = st.Hints
		v.Turns = len(st.Transcript.Turns)
		v.DroppedAudio = st.DroppedAudio
		v.Completed = st.Result != nil
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("encode session view", "err", err)
	}
}

// serveDebug runs the debug server until ctx is cancelled.
func (a *App) serveDebug(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("app: debug server: %w", err)
	}
	srv := &http.Server{
		Handler:           a.DebugHandler(),
		ReadHeaderTimeout: 5 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	slog.Info("debug server listening", "addr", ln.Addr().String())

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("app: debug server: %w", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), debugShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Warn("debug server shutdown", "err", err)
		}
		return nil
	}
}
