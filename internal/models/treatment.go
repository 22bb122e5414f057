// Package models contains data structures used throughout the loop
package models

import "time"

// Treatment represents a treatment entry from Nightscout (insulin, carbs, etc.)
type Treatment struct {
	ID        string  `json:"_id"`
	EventType string  `json:"eventType"`
	Date      int64   `json:"date"` // Unix timestamp in milliseconds
	CreatedAt string  `json:"created_at"`
	Insulin   float64 `json:"insulin"`  // Units of insulin
	Carbs     float64 `json:"carbs"`    // Grams of carbohydrates
	Duration  float64 `json:"duration"` // Duration in minutes (for temp basals, etc.)
	Notes     string  `json:"notes"`
	EnteredBy string  `json:"enteredBy"`

	// For basal changes
	Percent  float64  `json:"percent"`
	Absolute *float64 `json:"absolute,omitempty"`
	Rate     *float64 `json:"rate,omitempty"`

	// Deleted treatments are superseded and never used
	IsValid *bool `json:"isValid,omitempty"`
}

// Time returns the time of the treatment
func (t *Treatment) Time() time.Time {
	if t.Date > 0 {
		return time.UnixMilli(t.Date)
	}
	// Fallback to created_at
	parsed, err := time.Parse(time.RFC3339, t.CreatedAt)
	if err != nil {
		return time.Time{}
	}
	return parsed
}

// HasInsulin returns true if this treatment includes insulin
func (t *Treatment) HasInsulin() bool {
	return t.Insulin > 0
}

// HasCarbs returns true if this treatment includes carbohydrates
func (t *Treatment) HasCarbs() bool {
	return t.Carbs > 0
}

// Deleted reports whether Nightscout marked the treatment invalid
func (t *Treatment) Deleted() bool {
	return t.IsValid != nil && !*t.IsValid
}

// TreatmentEventTypes contains the Nightscout event types the loop reads
var TreatmentEventTypes = struct {
	SnackBolus      string
	MealBolus       string
	CorrectionBolus string
	CarbCorrection  string
	SMB             string
	TempBasal       string
	PumpSuspend     string
	PumpResume      string
}{
	SnackBolus:      "Snack Bolus",
	MealBolus:       "Meal Bolus",
	CorrectionBolus: "Correction Bolus",
	CarbCorrection:  "Carb Correction",
	SMB:             "SMB",
	TempBasal:       "Temp Basal",
	PumpSuspend:     "Pump Suspend",
	PumpResume:      "Pump Resume",
}

// CarbSource tells where a carb entry came from
type CarbSource string

const (
	CarbSourceManual  CarbSource = "manual"
	CarbSourceSensor  CarbSource = "sensor"
	CarbSourceJournal CarbSource = "journal"
)

// CarbEntry is an announced carbohydrate intake
type CarbEntry struct {
	ID        string     `json:"id,omitempty"`
	Timestamp time.Time  `json:"timestamp"`
	Grams     float64    `json:"grams"`
	Source    CarbSource `json:"source,omitempty"`
	Deleted   bool       `json:"deleted,omitempty"`
}

// DoseKind identifies an entry in the insulin ledger
type DoseKind string

const (
	DoseBolus          DoseKind = "bolus"
	DoseTempBasalStart DoseKind = "temp-basal-start"
	DoseTempBasalEnd   DoseKind = "temp-basal-end"
	DoseSuspend        DoseKind = "suspend"
	DoseResume         DoseKind = "resume"
)

// InsulinDoseEvent is one append-only pump history record.
// Amount is units for a bolus and U/h for a temp basal start.
type InsulinDoseEvent struct {
	ID        string        `json:"id,omitempty"`
	Timestamp time.Time     `json:"timestamp"`
	Kind      DoseKind      `json:"kind"`
	Amount    float64       `json:"amount"`
	Duration  time.Duration `json:"duration"`
}

// CarbEntries extracts valid carb entries from treatments
func CarbEntries(treatments []Treatment) []CarbEntry {
	var out []CarbEntry
	for i := range treatments {
		t := &treatments[i]
		if !t.HasCarbs() {
			continue
		}
		source := CarbSourceManual
		if t.EventType == TreatmentEventTypes.CarbCorrection {
			source = CarbSourceJournal
		}
		out = append(out, CarbEntry{
			ID:        t.ID,
			Timestamp: t.Time(),
			Grams:     t.Carbs,
			Source:    source,
			Deleted:   t.Deleted(),
		})
	}
	return out
}

// DoseEvents extracts the insulin ledger from treatments
func DoseEvents(treatments []Treatment) []InsulinDoseEvent {
	var out []InsulinDoseEvent
	for i := range treatments {
		t := &treatments[i]
		if t.Deleted() {
			continue
		}
		switch {
		case t.EventType == TreatmentEventTypes.TempBasal:
			rate := 0.0
			switch {
			case t.Rate != nil:
				rate = *t.Rate
			case t.Absolute != nil:
				rate = *t.Absolute
			}
			kind := DoseTempBasalStart
			if t.Duration == 0 {
				kind = DoseTempBasalEnd
			}
			out = append(out, InsulinDoseEvent{
				ID:        t.ID,
				Timestamp: t.Time(),
				Kind:      kind,
				Amount:    rate,
				Duration:  time.Duration(t.Duration * float64(time.Minute)),
			})
		case t.EventType == TreatmentEventTypes.PumpSuspend:
			out = append(out, InsulinDoseEvent{ID: t.ID, Timestamp: t.Time(), Kind: DoseSuspend})
		case t.EventType == TreatmentEventTypes.PumpResume:
			out = append(out, InsulinDoseEvent{ID: t.ID, Timestamp: t.Time(), Kind: DoseResume})
		case t.HasInsulin():
			out = append(out, InsulinDoseEvent{
				ID:        t.ID,
				Timestamp: t.Time(),
				Kind:      DoseBolus,
				Amount:    t.Insulin,
			})
		}
	}
	return out
}
