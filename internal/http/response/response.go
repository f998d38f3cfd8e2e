// Package response renders the uniform API envelope:
// {status, code, detail, data?|details?}.
package response

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/DCGM/docbroker/internal/domain"
)

// Envelope is the wire format of every JSON response.
type Envelope struct {
	Status int         `json:"status"`
	Code   domain.Code `json:"code"`
	Detail string      `json:"detail"`
	Data   any         `json:"data,omitempty"`
	Details any        `json:"details,omitempty"`
}

func write(w http.ResponseWriter, env Envelope) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(env.Status)
	if err := json.NewEncoder(w).Encode(env); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}

// OK sends a 2xx envelope with an optional data payload.
func OK(w http.ResponseWriter, status int, code domain.Code, detail string, data any) {
	write(w, Envelope{Status: status, Code: code, Detail: detail, Data: data})
}

// NoContent sends 204 with no body.
func NoContent(w http.ResponseWriter) {
	w.WriteHeader(http.StatusNoContent)
}

// Error sends a 4xx/5xx envelope with optional details.
func Error(w http.ResponseWriter, status int, code domain.Code, detail string, details any) {
	write(w, Envelope{Status: status, Code: code, Detail: detail, Details: details})
}

// Internal logs the error and sends an opaque 500.
func Internal(w http.ResponseWriter, r *http.Request, err error) {
	slog.ErrorContext(r.Context(), "internal server error", "error", err)
	Error(w, http.StatusInternalServerError, domain.CodeInternalError,
		"An internal server error occurred.", nil)
}
