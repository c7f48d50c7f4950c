package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/example/ride-dispatch/internal/directory"
	"github.com/example/ride-dispatch/internal/engine"
	"github.com/example/ride-dispatch/internal/ingest"
	"github.com/example/ride-dispatch/internal/pricing"
	"github.com/example/ride-dispatch/internal/storage"
)

var (
	errMissingActor  = errors.New("acting user id is required")
	errUnknownAction = errors.New("unknown chat action")
)

type errorBody struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorBody{Error: msg})
}

// statusFor maps engine and store errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, engine.ErrInvalidCoordinates),
		errors.Is(err, engine.ErrMissingIdentity),
		errors.Is(err, pricing.ErrUnknownClass),
		errors.Is(err, ingest.ErrInvalidPing),
		errors.Is(err, errMissingActor),
		errors.Is(err, errUnknownAction):
		return http.StatusBadRequest
	case errors.Is(err, errForbidden), errors.Is(err, engine.ErrNotParticipant):
		return http.StatusForbidden
	case errors.Is(err, storage.ErrNotFound), errors.Is(err, directory.ErrDriverNotFound):
		return http.StatusNotFound
	case errors.Is(err, storage.ErrAlreadyTaken),
		errors.Is(err, storage.ErrInvalidTransition),
		errors.Is(err, storage.ErrDriverExcluded):
		return http.StatusConflict
	case errors.Is(err, engine.ErrRateLimited):
		return http.StatusTooManyRequests
	case errors.Is(err, pricing.ErrNoTariffConfigured):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed", "request_id", requestID(r.Context()), "route", routeTemplate(r), "error", err)
		writeError(w, status, "internal error")
		return
	}
	writeError(w, status, err.Error())
}
