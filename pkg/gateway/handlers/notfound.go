package handlers

import (
	"net/http"

	"github.com/clinicore/clinicore/pkg/gateway/mw"
)

type NotFoundHandler struct{}

func (h NotFoundHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	reqID, _ := mw.RequestIDFrom(r.Context())
	writeJSONError(w, http.StatusNotFound, "not_found", "not found", reqID)
}
