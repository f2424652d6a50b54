package handlers

import (
	"encoding/json"
	"net/http"
)

type apiError struct {
	Type      string `json:"type"`
	Message   string `json:"message"`
	RequestID string `json:"request_id,omitempty"`
}

type errorEnvelope struct {
	Error apiError `json:"error"`
}

func writeJSONError(w http.ResponseWriter, status int, typ, message, reqID string) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(errorEnvelope{Error: apiError{
		Type:      typ,
		Message:   message,
		RequestID: reqID,
	}})
}
