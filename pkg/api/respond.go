package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/hutch-sh/hutch/pkg/auth"
	"github.com/hutch-sh/hutch/pkg/log"
	"github.com/hutch-sh/hutch/pkg/ports"
	"github.com/hutch-sh/hutch/pkg/runtime"
	"github.com/hutch-sh/hutch/pkg/session"
	"github.com/hutch-sh/hutch/pkg/workspace"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.WithComponent("api").Warn().Err(err).Msg("response encoding failed")
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// httpStatus is the single translation from domain errors to HTTP
// status codes.
func httpStatus(err error) int {
	switch {
	case errors.Is(err, session.ErrNotFound), errors.Is(err, workspace.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, session.ErrNotOwner):
		return http.StatusForbidden
	case errors.Is(err, session.ErrQuotaExceeded):
		return http.StatusTooManyRequests
	case errors.Is(err, session.ErrPendingDelete):
		return http.StatusConflict
	case errors.Is(err, session.ErrNotReady):
		return http.StatusConflict
	case errors.Is(err, ports.ErrExhausted),
		errors.Is(err, runtime.ErrEngineUnavailable),
		errors.Is(err, runtime.ErrStartFailed),
		errors.Is(err, runtime.ErrNotReady),
		errors.Is(err, auth.ErrUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, auth.ErrInvalidCredentials):
		return http.StatusUnauthorized
	case errors.Is(err, workspace.ErrInvalidPath):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// fail maps a domain error onto the taxonomy and answers with JSON.
// Internal errors get a generic message so nothing leaks.
func fail(w http.ResponseWriter, err error) {
	status := httpStatus(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		log.WithComponent("api").Error().Err(err).Msg("internal error")
		msg = "internal error"
	}
	writeError(w, status, msg)
}
