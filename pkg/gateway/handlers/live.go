package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/clinicore/clinicore/pkg/gateway/auth"
	"github.com/clinicore/clinicore/pkg/gateway/config"
	"github.com/clinicore/clinicore/pkg/gateway/lifecycle"
	"github.com/clinicore/clinicore/pkg/gateway/mw"
	"github.com/clinicore/clinicore/pkg/gateway/transcribe/protocol"
	"github.com/clinicore/clinicore/pkg/gateway/transcribe/relay"
	"github.com/clinicore/clinicore/pkg/gateway/transcribe/sessions"
	"github.com/clinicore/clinicore/pkg/speech"
	"github.com/clinicore/clinicore/pkg/store"
)

// PresenceLock is the cross-instance half of the one-relay-per-session
// invariant. Nil disables it (single-instance deployments and tests).
type PresenceLock interface {
	Acquire(ctx context.Context, sessionID, relayID string) (bool, error)
	Release(ctx context.Context, sessionID, relayID string) error
}

// LiveHandler upgrades GET /v1/sessions/{id}/stream to a websocket and runs a
// transcription relay on it for the session's owning clinician.
type LiveHandler struct {
	Config      config.Config
	Verifier    *auth.Verifier
	Sessions    store.SessionStore
	Speech      speech.Streamer
	Transcripts *relay.Accumulator
	Relays      *sessions.Tracker
	Presence    PresenceLock
	Lifecycle   *lifecycle.Lifecycle
	Logger      *slog.Logger
}

func (h LiveHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	reqID, _ := mw.RequestIDFrom(r.Context())

	if r.Method != http.MethodGet {
		writeJSONError(w, http.StatusMethodNotAllowed, "invalid_request", "method not allowed", reqID)
		return
	}
	if h.Lifecycle.IsDraining() {
		writeJSONError(w, http.StatusServiceUnavailable, "unavailable", "server is draining", reqID)
		return
	}

	sessionID := strings.TrimSpace(r.PathValue("id"))
	if sessionID == "" {
		writeJSONError(w, http.StatusNotFound, "not_found", "session not found", reqID)
		return
	}

	// Browser websocket clients cannot set headers, so the token may arrive
	// as a query parameter. Capture it before the upgrade consumes r.
	token, hasToken := auth.BearerToken(r)

	upgrader := websocket.Upgrader{
		CheckOrigin: func(*http.Request) bool { return true },
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	if h.Config.MaxAudioFrameBytes > 0 {
		conn.SetReadLimit(h.Config.MaxAudioFrameBytes)
	}

	logger := h.Logger
	if logger == nil {
		logger = slog.Default()
	}

	// Authentication and admission happen over the socket: failures send one
	// error payload and close with a policy-violation code so the client can
	// tell rejection apart from transport loss.
	if !hasToken {
		h.reject(conn, "missing bearer token")
		return
	}
	principal, err := h.Verifier.Verify(token)
	if err != nil {
		h.reject(conn, "invalid bearer token")
		return
	}

	ctx := r.Context()
	session, err := h.Sessions.GetSession(ctx, sessionID)
	if errors.Is(err, store.ErrSessionNotFound) {
		h.reject(conn, "session not found")
		return
	}
	if err != nil {
		logger.Error("session lookup failed", "request_id", reqID, "session_id", sessionID, "error", err)
		h.fail(conn, "session lookup failed")
		return
	}
	if session.ClinicianID != principal.ClinicianID {
		h.reject(conn, "session not found")
		return
	}
	if !session.Status.Streamable() {
		h.reject(conn, "session is not accepting audio")
		return
	}

	relayID := uuid.NewString()
	relayCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	release, ok := h.Relays.Acquire(sessionID, sessions.Handle{Cancel: cancel})
	if !ok {
		h.reject(conn, "session already has a live stream")
		return
	}
	defer release()

	if h.Presence != nil {
		got, err := h.Presence.Acquire(ctx, sessionID, relayID)
		if err != nil {
			logger.Error("presence acquire failed", "request_id", reqID, "session_id", sessionID, "error", err)
			h.fail(conn, "stream admission failed")
			return
		}
		if !got {
			h.reject(conn, "session already has a live stream")
			return
		}
		defer func() {
			// The relay context is torn down by now; release on a fresh one.
			releaseCtx, releaseCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer releaseCancel()
			if err := h.Presence.Release(releaseCtx, sessionID, relayID); err != nil {
				logger.Warn("presence release failed", "session_id", sessionID, "error", err)
			}
		}()
	}

	if err := h.Transcripts.Prime(ctx, sessionID); err != nil {
		logger.Error("transcript prime failed", "request_id", reqID, "session_id", sessionID, "error", err)
		h.fail(conn, "transcript load failed")
		return
	}

	rly := relay.New(relayID, session, conn, h.Speech, h.Sessions, h.Transcripts, logger, relay.Config{
		QueueCapacity:       h.Config.QueueCapacity,
		IdleTimeout:         h.Config.IdleTimeout,
		MaxDuration:         h.Config.MaxSessionDuration,
		PingInterval:        h.Config.PingInterval,
		WriteTimeout:        h.Config.WriteTimeout,
		MaxAudioFPS:         h.Config.MaxAudioFPS,
		MaxAudioBPS:         h.Config.MaxAudioBPS,
		InboundBurstSeconds: h.Config.InboundBurstSeconds,
		Settings: relay.RecognitionSettings{
			Recognizer:   h.Speech.Recognizer(),
			LanguageCode: h.Config.SpeechLanguage,
			Model:        h.Config.SpeechModel,
		},
	})

	if err := rly.SendConnected(); err != nil {
		return
	}
	rly.Run(relayCtx)
}

func (h LiveHandler) reject(conn *websocket.Conn, message string) {
	h.closeWith(conn, websocket.ClosePolicyViolation, message)
}

func (h LiveHandler) fail(conn *websocket.Conn, message string) {
	h.closeWith(conn, websocket.CloseInternalServerErr, message)
}

func (h LiveHandler) closeWith(conn *websocket.Conn, code int, message string) {
	_ = conn.WriteJSON(protocol.Error(message))
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, message), time.Now().Add(2*time.Second))
}
