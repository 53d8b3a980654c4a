package http

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/amps-project/amps/internal/amperr"
)

// writeJSON marshals v as the response body with the given status.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)

	enc := json.NewEncoder(w)
	_ = enc.Encode(v)
}

// errorBody is the uniform error response shape.
type errorBody struct {
	Error string `json:"error"`
}

// writeError maps err's kind to a status and renders the error body.
// Internal failures are logged with detail but answered generically.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	kind := amperr.KindOf(err)
	msg := err.Error()
	if kind == amperr.Internal {
		s.logger.ErrorContext(r.Context(), "request failed",
			slog.String("path", r.URL.Path),
			slog.String("error", msg))
		msg = "internal server error"
	}
	writeJSON(w, kind.HTTPStatus(), errorBody{Error: msg})
}

// badParam flags one malformed query parameter value.
func badParam(name, value string) error {
	return amperr.Errorf(amperr.BadRequest, "invalid value %q for parameter %q", value, name)
}

// decodeJSON reads the request body into v, classifying failures as
// BadRequest.
func decodeJSON(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return amperr.Errorf(amperr.BadRequest, "decoding request body: %w", err)
	}
	return nil
}
