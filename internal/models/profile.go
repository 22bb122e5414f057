// Package models contains data structures used throughout the loop
package models

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
)

// Documented fallbacks used when a profile field is missing or invalid
const (
	DefaultISF             = 50.0 // mg/dL per unit
	DefaultCarbRatio       = 10.0 // grams per unit
	DefaultBasalRate       = 1.0  // U/h
	DefaultTarget          = 100.0
	DefaultDIA             = 5.0 // hours
	DefaultMaxCOB          = 120.0
	DefaultMin5mCarbImpact = 8.0 // mg/dL per 5 min
	minDIA                 = 3.0
)

// ScheduleEntry holds a value starting at Offset after local midnight
type ScheduleEntry struct {
	Offset time.Duration `json:"offset" yaml:"offset"`
	Value  float64       `json:"value" yaml:"value"`
}

// Schedule is a time-of-day schedule ordered by offset
type Schedule []ScheduleEntry

// ValueAt returns the value in effect at t (wall clock of t's location)
func (s Schedule) ValueAt(t time.Time) float64 {
	if len(s) == 0 {
		return 0
	}
	sorted := s.sorted()
	since := sinceMidnight(t)
	value := sorted[len(sorted)-1].Value
	for _, e := range sorted {
		if e.Offset > since {
			break
		}
		value = e.Value
	}
	return value
}

// Max returns the largest scheduled value
func (s Schedule) Max() float64 {
	maxVal := 0.0
	for _, e := range s {
		maxVal = math.Max(maxVal, e.Value)
	}
	return maxVal
}

func (s Schedule) sorted() Schedule {
	if sort.SliceIsSorted(s, func(i, j int) bool { return s[i].Offset < s[j].Offset }) {
		return s
	}
	out := make(Schedule, len(s))
	copy(out, s)
	sort.Slice(out, func(i, j int) bool { return out[i].Offset < out[j].Offset })
	return out
}

// TargetEntry is a target range starting at Offset after local midnight
type TargetEntry struct {
	Offset time.Duration `json:"offset" yaml:"offset"`
	Low    float64       `json:"low" yaml:"low"`
	High   float64       `json:"high" yaml:"high"`
}

// TargetSchedule is a time-of-day target range schedule
type TargetSchedule []TargetEntry

// RangeAt returns the target range in effect at t
func (s TargetSchedule) RangeAt(t time.Time) (low, high float64) {
	if len(s) == 0 {
		return 0, 0
	}
	sorted := make(TargetSchedule, len(s))
	copy(sorted, s)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Offset < sorted[j].Offset })

	since := sinceMidnight(t)
	current := sorted[len(sorted)-1]
	for _, e := range sorted {
		if e.Offset > since {
			break
		}
		current = e
	}
	return current.Low, current.High
}

func sinceMidnight(t time.Time) time.Duration {
	h, m, sec := t.Clock()
	return time.Duration(h)*time.Hour + time.Duration(m)*time.Minute + time.Duration(sec)*time.Second
}

// Profile is the pharmacokinetic and safety configuration for one loop attempt.
// It is loaded once per attempt and treated as read-only.
type Profile struct {
	Name            string         `json:"name" yaml:"name"`
	ISF             Schedule       `json:"isf" yaml:"isf" validate:"positive_schedule"`
	CarbRatio       Schedule       `json:"carbRatio" yaml:"carbRatio" validate:"positive_schedule"`
	Basal           Schedule       `json:"basal" yaml:"basal" validate:"basal_schedule"`
	Targets         TargetSchedule `json:"targets" yaml:"targets" validate:"target_schedule"`
	MaxBasal        float64        `json:"maxBasal" yaml:"maxBasal" validate:"gt=0"`
	MaxBolus        float64        `json:"maxBolus" yaml:"maxBolus" validate:"gte=0"`
	MaxIOB          float64        `json:"maxIOB" yaml:"maxIOB" validate:"gte=0"`
	MaxCOB          float64        `json:"maxCOB" yaml:"maxCOB" validate:"gt=0"`
	DIA             float64        `json:"dia" yaml:"dia" validate:"gte=3,lte=24"` // hours
	Min5mCarbImpact float64        `json:"min5mCarbImpact" yaml:"min5mCarbImpact" validate:"gt=0"`
	Timezone        string         `json:"timezone,omitempty" yaml:"timezone,omitempty"`
}

// ProfileValues are the scheduled values in effect at one instant
type ProfileValues struct {
	ISF        float64
	CarbRatio  float64
	Basal      float64
	TargetLow  float64
	TargetHigh float64
}

// Target returns the midpoint of the target range
func (v ProfileValues) Target() float64 {
	return (v.TargetLow + v.TargetHigh) / 2
}

// At evaluates every schedule at t in the profile's timezone
func (p *Profile) At(t time.Time) ProfileValues {
	local := p.localize(t)
	low, high := p.Targets.RangeAt(local)
	return ProfileValues{
		ISF:        p.ISF.ValueAt(local),
		CarbRatio:  p.CarbRatio.ValueAt(local),
		Basal:      p.Basal.ValueAt(local),
		TargetLow:  low,
		TargetHigh: high,
	}
}

func (p *Profile) localize(t time.Time) time.Time {
	if p.Timezone == "" {
		return t
	}
	if loc := location(p.Timezone); loc != nil {
		return t.In(loc)
	}
	return t
}

// locations caches resolved timezones by name; nil marks an unknown name
var locations sync.Map

var loadLocation = time.LoadLocation

func location(name string) *time.Location {
	if v, ok := locations.Load(name); ok {
		return v.(*time.Location)
	}
	loc, err := loadLocation(name)
	if err != nil {
		loc = nil
	}
	v, _ := locations.LoadOrStore(name, loc)
	return v.(*time.Location)
}

// Clone returns a deep copy so a snapshot cannot be mutated mid-attempt
func (p *Profile) Clone() *Profile {
	c := *p
	c.ISF = append(Schedule(nil), p.ISF...)
	c.CarbRatio = append(Schedule(nil), p.CarbRatio...)
	c.Basal = append(Schedule(nil), p.Basal...)
	c.Targets = append(TargetSchedule(nil), p.Targets...)
	return &c
}

var profileValidate = newProfileValidator()

func newProfileValidator() *validator.Validate {
	v := validator.New()
	_ = v.RegisterValidation("positive_schedule", func(fl validator.FieldLevel) bool {
		s, ok := fl.Field().Interface().(Schedule)
		if !ok || len(s) == 0 {
			return false
		}
		for _, e := range s {
			if e.Value <= 0 || math.IsNaN(e.Value) || math.IsInf(e.Value, 0) {
				return false
			}
		}
		return true
	})
	_ = v.RegisterValidation("basal_schedule", func(fl validator.FieldLevel) bool {
		s, ok := fl.Field().Interface().(Schedule)
		if !ok || len(s) == 0 {
			return false
		}
		for _, e := range s {
			if e.Value < 0 || math.IsNaN(e.Value) {
				return false
			}
		}
		return true
	})
	_ = v.RegisterValidation("target_schedule", func(fl validator.FieldLevel) bool {
		s, ok := fl.Field().Interface().(TargetSchedule)
		if !ok || len(s) == 0 {
			return false
		}
		for _, e := range s {
			if e.Low <= 0 || e.High < e.Low {
				return false
			}
		}
		return true
	})
	return v
}

// Sanitize returns a copy of the profile with every invalid field replaced by
// its documented default, plus one warning per substitution. It never fails.
func (p *Profile) Sanitize() (*Profile, []string) {
	out := p.Clone()

	err := profileValidate.Struct(out)
	if err == nil {
		return out, nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return out, []string{fmt.Sprintf("profile validation: %v", err)}
	}

	var warnings []string
	// Basal first: the MaxBasal fallback is derived from it.
	sort.SliceStable(verrs, func(i, j int) bool {
		return verrs[i].Field() == "Basal" && verrs[j].Field() != "Basal"
	})
	for _, fe := range verrs {
		switch fe.Field() {
		case "ISF":
			out.ISF = Schedule{{Value: DefaultISF}}
			warnings = append(warnings, fmt.Sprintf("ISF missing, using default %.0f", DefaultISF))
		case "CarbRatio":
			out.CarbRatio = Schedule{{Value: DefaultCarbRatio}}
			warnings = append(warnings, fmt.Sprintf("CR missing, using default %.0f", DefaultCarbRatio))
		case "Basal":
			out.Basal = Schedule{{Value: DefaultBasalRate}}
			warnings = append(warnings, fmt.Sprintf("basal missing, using default %.2f", DefaultBasalRate))
		case "Targets":
			out.Targets = TargetSchedule{{Low: DefaultTarget, High: DefaultTarget}}
			warnings = append(warnings, fmt.Sprintf("target missing, using default %.0f", DefaultTarget))
		case "MaxBasal":
			out.MaxBasal = 3 * out.Basal.Max()
			warnings = append(warnings, fmt.Sprintf("maxBasal missing, using %.2f", out.MaxBasal))
		case "MaxBolus":
			out.MaxBolus = 0
			warnings = append(warnings, "maxBolus invalid, bolusing disabled")
		case "MaxIOB":
			out.MaxIOB = 0
			warnings = append(warnings, "maxIOB invalid, using 0")
		case "MaxCOB":
			out.MaxCOB = DefaultMaxCOB
			warnings = append(warnings, fmt.Sprintf("maxCOB missing, using %.0f", DefaultMaxCOB))
		case "DIA":
			if out.DIA > 0 && out.DIA < minDIA {
				out.DIA = minDIA
			} else {
				out.DIA = DefaultDIA
			}
			warnings = append(warnings, fmt.Sprintf("DIA invalid, using %.1fh", out.DIA))
		case "Min5mCarbImpact":
			out.Min5mCarbImpact = DefaultMin5mCarbImpact
			warnings = append(warnings, fmt.Sprintf("min_5m_carbimpact missing, using %.0f", DefaultMin5mCarbImpact))
		}
	}
	return out, warnings
}
