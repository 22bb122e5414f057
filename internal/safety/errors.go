// Package safety bounds and rounds dosing commands before they reach the
// pump and enacts them.
package safety

import (
	"errors"
	"fmt"
)

// Kind classifies a governor failure
type Kind string

const (
	// PumpError is a failed exchange with the pump
	PumpError Kind = "pump_error"
	// InvalidPumpState means the pump cannot accept a command right now
	InvalidPumpState Kind = "invalid_pump_state"
	// StaleOrInsufficientData means the command or pump state cannot be trusted
	StaleOrInsufficientData Kind = "stale_or_insufficient_data"
)

// Error is the single error type returned by the governor
type Error struct {
	Kind   Kind
	Reason string
	Err    error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Reason, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Reason)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Rejected reports whether err is a pre-check rejection rather than a
// communication failure
func Rejected(err error) bool {
	var se *Error
	if !errors.As(err, &se) {
		return false
	}
	return se.Kind == InvalidPumpState || se.Kind == StaleOrInsufficientData
}

// IsKind reports whether err is a governor error of the given kind
func IsKind(err error, kind Kind) bool {
	var se *Error
	return errors.As(err, &se) && se.Kind == kind
}

func reject(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Reason: fmt.Sprintf(format, args...)}
}

func pumpError(reason string, err error) *Error {
	return &Error{Kind: PumpError, Reason: reason, Err: err}
}
