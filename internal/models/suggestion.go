package models

import "time"

// Predictions holds the four forecast trajectories, one value per step
type Predictions struct {
	IOB      []float64 `json:"IOB"`
	ZT       []float64 `json:"ZT"`
	COB      []float64 `json:"COB"`
	UAM      []float64 `json:"UAM"`
	StepMins float64   `json:"stepMinutes"`
}

// Suggestion is the outcome of one loop attempt. After creation the only
// permitted change is stamping the enactment outcome.
type Suggestion struct {
	ID          string      `json:"id"`
	Reason      string      `json:"reason"`
	Rate        *float64    `json:"rate,omitempty"`     // U/h
	Duration    *int        `json:"duration,omitempty"` // minutes
	Units       *float64    `json:"units,omitempty"`    // microbolus
	Predictions Predictions `json:"predBGs"`

	BG                 float64 `json:"bg"`
	EventualBG         float64 `json:"eventualBG"`
	MinPredBG          float64 `json:"minPredBG"`
	IOB                float64 `json:"IOB"`
	COB                float64 `json:"COB"`
	InsulinRequirement float64 `json:"insulinReq"`
	CarbsRequired      float64 `json:"carbsReq"`
	SensitivityRatio   float64 `json:"sensitivityRatio"`

	Timestamp time.Time `json:"timestamp"`
	DeliverAt time.Time `json:"deliverAt"`

	Received  bool       `json:"received"`
	Enacted   bool       `json:"enacted"`
	EnactedAt *time.Time `json:"enactedAt,omitempty"`
	Outcome   string     `json:"outcome,omitempty"`
}

// HasTempBasal reports whether the suggestion asks for a basal change
func (s *Suggestion) HasTempBasal() bool {
	return s.Rate != nil && s.Duration != nil
}

// HasBolus reports whether the suggestion asks for a microbolus
func (s *Suggestion) HasBolus() bool {
	return s.Units != nil && *s.Units > 0
}

// Expired reports whether the suggestion is too old to enact at now
func (s *Suggestion) Expired(now time.Time, window time.Duration) bool {
	return now.Sub(s.DeliverAt) > window
}

// Stamp records the enactment outcome
func (s *Suggestion) Stamp(received bool, outcome string, at time.Time) {
	s.Received = received
	s.Enacted = received
	s.Outcome = outcome
	s.EnactedAt = &at
}

// Float returns a pointer to v
func Float(v float64) *float64 { return &v }

// Int returns a pointer to v
func Int(v int) *int { return &v }

// PumpStatus is a snapshot of the pump state
type PumpStatus struct {
	Suspended       bool      `json:"suspended"`
	Bolusing        bool      `json:"bolusing"`
	Reservoir       float64   `json:"reservoir"`
	BatteryPercent  int       `json:"batteryPercent"`
	TempBasalActive bool      `json:"tempBasalActive"`
	TempBasalRate   float64   `json:"tempBasalRate"`
	Timestamp       time.Time `json:"timestamp"`
}
