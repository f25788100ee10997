package rest

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/heraldlab/broadcast-delivery-service/internal/domain/model"
)

// errorBody is the wire shape every failing admin and user call answers with.
type errorBody struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		_ = json.NewEncoder(w).Encode(v)
	}
}

// writeError maps domain sentinels onto HTTP statuses. Unknown errors stay
// opaque 500s so storage internals never leak to the admin console.
func writeError(w http.ResponseWriter, err error) {
	status, code := http.StatusInternalServerError, "INTERNAL"

	switch {
	case errors.Is(err, model.ErrValidation):
		status, code = http.StatusBadRequest, "VALIDATION"
	case errors.Is(err, model.ErrNotFound):
		status, code = http.StatusNotFound, "NOT_FOUND"
	case errors.Is(err, model.ErrAlreadyInState),
		errors.Is(err, model.ErrTerminalState),
		errors.Is(err, model.ErrConflict):
		status, code = http.StatusConflict, "CONFLICT"
	case errors.Is(err, context.DeadlineExceeded):
		status, code = http.StatusServiceUnavailable, "TIMEOUT"
	}

	writeJSON(w, status, &errorBody{Error: err.Error(), Code: code})
}
