package handlers

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/clinicore/clinicore/pkg/gateway/auth"
	"github.com/clinicore/clinicore/pkg/gateway/mw"
	"github.com/clinicore/clinicore/pkg/gateway/transcribe/relay"
	"github.com/clinicore/clinicore/pkg/store"
)

// TranscriptHandler serves the accumulated transcript of a session to its
// owning clinician. Downstream consumers (report generation) read through
// this endpoint rather than the database.
type TranscriptHandler struct {
	Verifier    *auth.Verifier
	Sessions    store.SessionStore
	Transcripts *relay.Accumulator
	Logger      *slog.Logger
}

func (h TranscriptHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	reqID, _ := mw.RequestIDFrom(r.Context())

	token, ok := auth.BearerToken(r)
	if !ok {
		writeJSONError(w, http.StatusUnauthorized, "authentication_error", "missing bearer token", reqID)
		return
	}
	principal, err := h.Verifier.Verify(token)
	if err != nil {
		writeJSONError(w, http.StatusUnauthorized, "authentication_error", "invalid bearer token", reqID)
		return
	}

	sessionID := strings.TrimSpace(r.PathValue("id"))
	session, err := h.Sessions.GetSession(r.Context(), sessionID)
	if errors.Is(err, store.ErrSessionNotFound) {
		writeJSONError(w, http.StatusNotFound, "not_found", "session not found", reqID)
		return
	}
	if err != nil {
		h.Logger.Error("session lookup failed", "request_id", reqID, "session_id", sessionID, "error", err)
		writeJSONError(w, http.StatusInternalServerError, "api_error", "session lookup failed", reqID)
		return
	}
	// Ownership failures look identical to missing sessions.
	if session.ClinicianID != principal.ClinicianID {
		writeJSONError(w, http.StatusNotFound, "not_found", "session not found", reqID)
		return
	}

	transcript, err := h.Transcripts.Get(r.Context(), sessionID)
	if err != nil {
		h.Logger.Error("transcript read failed", "request_id", reqID, "session_id", sessionID, "error", err)
		writeJSONError(w, http.StatusInternalServerError, "api_error", "transcript read failed", reqID)
		return
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(struct {
		SessionID  string `json:"session_id"`
		Transcript string `json:"transcript"`
	}{SessionID: sessionID, Transcript: transcript})
}
