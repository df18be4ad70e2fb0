package domain

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Sentinel errors for common rejection cases
var (
	// ErrSymbolExists is returned when adding a symbol that is already
	// registered at the same or wider scope
	ErrSymbolExists = errors.New("symbol already registered")
	// ErrUnknownSymbol is returned for operations on unregistered symbols
	ErrUnknownSymbol = errors.New("unknown symbol")
	// ErrIndicatorExists is returned when binding an indicator instance
	// that is already registered on the symbol
	ErrIndicatorExists = errors.New("indicator already registered")
	// ErrSessionActive is returned for operations that require a stopped engine
	ErrSessionActive = errors.New("session is active")
	// ErrClosed is returned by operations on a closed component
	ErrClosed = errors.New("closed")
)

// ConfigError reports an invalid configuration document.
// Violations carries every problem found, not just the first.
type ConfigError struct {
	Violations []string
}

func (e *ConfigError) Error() string {
	switch len(e.Violations) {
	case 0:
		return "invalid configuration"
	case 1:
		return "invalid configuration: " + e.Violations[0]
	default:
		return fmt.Sprintf("invalid configuration (%d problems): %s",
			len(e.Violations), strings.Join(e.Violations, "; "))
	}
}

// ValidationError reports a rejected input value
type ValidationError struct {
	Field string
	Msg   string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Msg
	}
	return e.Field + ": " + e.Msg
}

// NewValidationError builds a ValidationError with a formatted message
func NewValidationError(field, format string, args ...interface{}) *ValidationError {
	return &ValidationError{Field: field, Msg: fmt.Sprintf(format, args...)}
}

// RepositoryError wraps a storage failure with the operation that hit it
type RepositoryError struct {
	Op  string
	Err error
}

func (e *RepositoryError) Error() string {
	return "repository " + e.Op + ": " + e.Err.Error()
}

func (e *RepositoryError) Unwrap() error {
	return e.Err
}

// OverrunError reports a downstream consumer that missed its readiness budget
type OverrunError struct {
	Stream string
	Budget time.Duration
}

func (e *OverrunError) Error() string {
	return fmt.Sprintf("overrun on %s: not ready within %s", e.Stream, e.Budget)
}

// ClockError reports simulated-clock misuse (regression or wrong mode)
type ClockError struct {
	Msg       string
	Current   time.Time
	Requested time.Time
}

func (e *ClockError) Error() string {
	if e.Requested.IsZero() {
		return "clock: " + e.Msg
	}
	return fmt.Sprintf("clock: %s (current %s, requested %s)",
		e.Msg, e.Current.Format(time.RFC3339), e.Requested.Format(time.RFC3339))
}

// LifecycleError reports an operation attempted in the wrong engine state
type LifecycleError struct {
	Op    string
	State LifecycleState
}

func (e *LifecycleError) Error() string {
	return fmt.Sprintf("cannot %s while %s", e.Op, e.State)
}
