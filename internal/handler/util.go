// Package handler implements the HTTP API surface.
package handler

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/helplane/helplane/internal/chat"
)

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{
		"error": message,
	})
}

// writeEngineError maps engine sentinel errors onto HTTP statuses. Unknown
// errors surface as 500 without leaking internals.
func writeEngineError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, chat.ErrChannelNotFound):
		writeError(w, http.StatusNotFound, "channel not found")
	case errors.Is(err, chat.ErrChannelInactive):
		writeError(w, http.StatusForbidden, "channel inactive")
	case errors.Is(err, chat.ErrConversationNotFound):
		writeError(w, http.StatusNotFound, "conversation not found")
	case errors.Is(err, chat.ErrConversationClosed):
		writeError(w, http.StatusConflict, "conversation closed")
	case errors.Is(err, chat.ErrInvalidTransition):
		writeError(w, http.StatusBadRequest, "invalid transition")
	default:
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

// decodeJSON parses a request body, rejecting unknown payload shapes softly.
func decodeJSON(r *http.Request, v interface{}) error {
	return json.NewDecoder(r.Body).Decode(v)
}
