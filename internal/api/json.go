package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/starford/docscope/internal/apperr"
	"github.com/starford/docscope/internal/scope"
)

const maxBodyBytes = 1 << 20

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("json encode failed", slog.String("error", err.Error()))
	}
}

type errResponse struct {
	Error string `json:"error" validate:"required"`
}

func errorBody(msg string) errResponse {
	return errResponse{Error: msg}
}

// statusFor maps an error class to an HTTP status.
func statusFor(err error) int {
	switch {
	case errors.Is(err, apperr.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, apperr.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, apperr.ErrAlreadyExists), errors.Is(err, apperr.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, apperr.ErrRelinquishRefused):
		return http.StatusLocked
	case errors.Is(err, apperr.ErrScopeGone):
		return http.StatusGone
	default:
		return http.StatusInternalServerError
	}
}

// writeError reports err with the status of its class. Unclassified errors
// are logged and hidden.
func writeError(w http.ResponseWriter, op string, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		slog.Error(op+" failed", slog.String("error", err.Error()))
		writeJSON(w, status, errorBody("internal error"))
		return
	}
	writeJSON(w, status, errorBody(err.Error()))
}

// decode reads a JSON body into v and validates it.
func decode(w http.ResponseWriter, r *http.Request, v interface{ Validate() error }) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
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

func batchResponse(res scope.Result, extra []error) BatchResponse {
	out := BatchResponse{Items: itemDTOs(res.Items), Errors: []ItemErrorDTO{}}
	for _, err := range append(extra, res.Errors...) {
		d := ItemErrorDTO{Error: err.Error()}
		var ie *apperr.ItemError
		if errors.As(err, &ie) {
			d.Path = ie.Path
			d.Error = ie.Err.Error()
		}
		out.Errors = append(out.Errors, d)
	}
	return out
}
