// Package loop runs the dosing decision cycle: fetch, aggregate, predict,
// persist and, in closed loop, enact.
package loop

import "time"

// Phase is where the controller is within an attempt
type Phase string

const (
	PhaseIdle         Phase = "idle"
	PhasePredicting   Phase = "predicting"
	PhaseOpenLoopDone Phase = "open-loop-done"
	PhaseEnacting     Phase = "enacting"
	PhaseError        Phase = "error"
)

// State is a read-only snapshot of the controller
type State struct {
	IsLooping         bool      `json:"isLooping"`
	Phase             Phase     `json:"phase"`
	LastPhase         Phase     `json:"lastPhase,omitempty"` // how the last attempt ended
	LastLoopTimestamp time.Time `json:"lastLoopTimestamp"`
	LastError         error     `json:"-"`
	LastSuggestionID  string    `json:"lastSuggestionId,omitempty"`
}

// LastErrorString returns the last error text, or "" after a success
func (s State) LastErrorString() string {
	if s.LastError == nil {
		return ""
	}
	return s.LastError.Error()
}
