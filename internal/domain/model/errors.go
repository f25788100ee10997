package model

import (
	"errors"
	"fmt"
)

// Sentinel errors shared across the store, services and transport handlers.
// Handlers translate these to wire-level status codes; everything else is
// treated as an internal failure.
var (
	ErrNotFound           = errors.New("not found")
	ErrAlreadyInState     = errors.New("already in requested state")
	ErrTerminalState      = errors.New("broadcast is in a terminal state")
	ErrConflict           = errors.New("state conflict")
	ErrTooManyConnections = errors.New("connection limit reached")
	ErrReconnectDenied    = errors.New("reconnect denied")
	ErrDirectoryDegraded  = errors.New("user directory degraded")
	ErrValidation         = errors.New("validation failed")
)

// Validationf wraps ErrValidation so callers can match with errors.Is while
// still carrying a human-readable reason.
func Validationf(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{ErrValidation}, args...)...)
}
