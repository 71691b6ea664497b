package web

import (
	"encoding/json"
	"errors"
	"log/slog"
	"mime"
	"net/http"

	validation "github.com/go-ozzo/ozzo-validation/v4"

	"github.com/starford/voicenotes/internal/apperr"
	"github.com/starford/voicenotes/internal/notesync"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("json encode failed", slog.String("error", err.Error()))
	}
}

type errResponse struct {
	Error string `json:"error"`
}

func errorBody(msg string) errResponse {
	return errResponse{Error: msg}
}

// writeError maps err onto a status code. Only unexpected errors are logged
// at error level; the raw error text never reaches the client.
func writeError(w http.ResponseWriter, logger *slog.Logger, op string, err error) {
	status, msg := http.StatusInternalServerError, "internal error"
	switch {
	case errors.Is(err, apperr.ErrNotFound):
		status, msg = http.StatusNotFound, "not found"
	case errors.Is(err, apperr.ErrNoIdentity):
		status, msg = http.StatusUnauthorized, "not signed in"
	case errors.Is(err, apperr.ErrUnsupported):
		status, msg = http.StatusNotImplemented, notesync.UnsupportedNotice
	case errors.Is(err, apperr.ErrInvalidState):
		status, msg = http.StatusConflict, "invalid state"
	case errors.Is(err, apperr.ErrClosed):
		status, msg = http.StatusServiceUnavailable, "shutting down"
	}
	if status == http.StatusInternalServerError {
		logger.Error(op+" failed", slog.String("error", err.Error()))
	} else {
		logger.Debug(op+" rejected", slog.Int("status", status), slog.String("error", err.Error()))
	}
	writeJSON(w, status, errorBody(msg))
}

// decode reads a JSON body into v and validates it. Only application/json
// bodies are accepted, so a cross-site form or text/plain post never decodes.
func decode(w http.ResponseWriter, r *http.Request, v validation.Validatable) bool {
	if ct, _, err := mime.ParseMediaType(r.Header.Get("Content-Type")); err != nil || ct != "application/json" {
		writeJSON(w, http.StatusUnsupportedMediaType, errorBody("Content-Type must be application/json"))
		return false
	}
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("invalid JSON body"))
		return false
	}
	if err := v.Validate(); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody(err.Error()))
		return false
	}
	return true
}
