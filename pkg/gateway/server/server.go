package server

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/clinicore/clinicore/pkg/gateway/auth"
	"github.com/clinicore/clinicore/pkg/gateway/config"
	"github.com/clinicore/clinicore/pkg/gateway/handlers"
	"github.com/clinicore/clinicore/pkg/gateway/lifecycle"
	"github.com/clinicore/clinicore/pkg/gateway/mw"
	"github.com/clinicore/clinicore/pkg/gateway/transcribe/relay"
	"github.com/clinicore/clinicore/pkg/gateway/transcribe/sessions"
	"github.com/clinicore/clinicore/pkg/speech"
	"github.com/clinicore/clinicore/pkg/store"
)

// Deps are the process-level collaborators the gateway serves with. The
// binary wires real ones; tests pass fakes.
type Deps struct {
	Sessions    store.SessionStore
	Transcripts store.TranscriptStore
	Speech      speech.Streamer
	Presence    handlers.PresenceLock
}

type Server struct {
	cfg    config.Config
	logger *slog.Logger
	mux    *http.ServeMux

	lifecycle *lifecycle.Lifecycle
	relays    *sessions.Tracker
}

func New(cfg config.Config, logger *slog.Logger, deps Deps) *Server {
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		cfg:       cfg,
		logger:    logger,
		mux:       http.NewServeMux(),
		lifecycle: &lifecycle.Lifecycle{},
		relays:    sessions.NewTracker(),
	}

	verifier := auth.NewVerifier(cfg.JWTSecret, cfg.JWTIssuer)
	accumulator := relay.NewAccumulator(deps.Transcripts)

	s.mux.Handle("/healthz", handlers.HealthHandler{})
	s.mux.Handle("/readyz", handlers.ReadyHandler{Lifecycle: s.lifecycle, Relays: s.relays})

	s.mux.Handle("GET /v1/sessions/{id}/stream", handlers.LiveHandler{
		Config:      cfg,
		Verifier:    verifier,
		Sessions:    deps.Sessions,
		Speech:      deps.Speech,
		Transcripts: accumulator,
		Relays:      s.relays,
		Presence:    deps.Presence,
		Lifecycle:   s.lifecycle,
		Logger:      logger,
	})
	s.mux.Handle("GET /v1/sessions/{id}/transcript", handlers.TranscriptHandler{
		Verifier:    verifier,
		Sessions:    deps.Sessions,
		Transcripts: accumulator,
		Logger:      logger,
	})
	s.mux.Handle("/", handlers.NotFoundHandler{})

	return s
}

func (s *Server) Handler() http.Handler {
	var h http.Handler = s.mux
	h = mw.Recover(s.logger, h)
	h = mw.AccessLog(s.logger, h)
	h = mw.RequestID(h)
	return h
}

// SetDraining flips readiness and makes the live handler refuse new streams.
func (s *Server) SetDraining() {
	s.lifecycle.SetDraining(true)
}

// WaitRelays blocks until every live relay has finished or ctx expires.
func (s *Server) WaitRelays(ctx context.Context) bool {
	return s.relays.Wait(ctx)
}

// CancelRelays force-cancels live relays that outlast the drain deadline.
func (s *Server) CancelRelays() int {
	return s.relays.CancelAll()
}
