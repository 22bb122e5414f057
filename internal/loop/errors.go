package loop

import (
	"errors"
	"fmt"
)

// FaultKind classifies why an attempt ended early
type FaultKind string

const (
	// DataFault means glucose was missing, stale or flat. No suggestion is produced.
	DataFault FaultKind = "data"
	// AlgorithmFault is recovered inside the engine and only reported as a warning
	AlgorithmFault FaultKind = "algorithm"
	// PumpFault means the pump could not be read or commanded
	PumpFault FaultKind = "pump"
	// ExpiredSuggestion means the suggestion aged out before it could be enacted
	ExpiredSuggestion FaultKind = "expired"
)

var (
	ErrNoGlucose         = errors.New("no glucose data")
	ErrStaleGlucose      = errors.New("glucose data is stale")
	ErrFlatGlucose       = errors.New("glucose data is flat")
	ErrLoopInProgress    = errors.New("loop already in progress")
	ErrSuggestionExpired = errors.New("suggestion expired")
)

// Fault is the error recorded for a failed attempt
type Fault struct {
	Kind   FaultKind
	Reason string
	Err    error
}

func (f *Fault) Error() string {
	if f.Err != nil {
		return fmt.Sprintf("%s fault: %s: %v", f.Kind, f.Reason, f.Err)
	}
	return fmt.Sprintf("%s fault: %s", f.Kind, f.Reason)
}

func (f *Fault) Unwrap() error {
	return f.Err
}

// IsFault reports whether err is a Fault of the given kind
func IsFault(err error, kind FaultKind) bool {
	var f *Fault
	return errors.As(err, &f) && f.Kind == kind
}

func dataFault(reason string, err error) *Fault {
	return &Fault{Kind: DataFault, Reason: reason, Err: err}
}

func pumpFault(reason string, err error) *Fault {
	return &Fault{Kind: PumpFault, Reason: reason, Err: err}
}
