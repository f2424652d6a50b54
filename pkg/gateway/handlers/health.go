package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/clinicore/clinicore/pkg/gateway/lifecycle"
	"github.com/clinicore/clinicore/pkg/gateway/transcribe/sessions"
)

type HealthHandler struct{}

func (h HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok\n"))
}

// ReadyHandler reports readiness for the load balancer: not ready while the
// process drains, with the live relay count for operators.
type ReadyHandler struct {
	Lifecycle *lifecycle.Lifecycle
	Relays    *sessions.Tracker
}

func (h ReadyHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	type readyResp struct {
		OK         bool `json:"ok"`
		Draining   bool `json:"draining"`
		LiveRelays int  `json:"live_relays"`
	}

	draining := h.Lifecycle.IsDraining()
	status := http.StatusOK
	if draining {
		status = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(readyResp{
		OK:         !draining,
		Draining:   draining,
		LiveRelays: h.Relays.Count(),
	})
}
