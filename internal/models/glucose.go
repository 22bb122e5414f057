// Package models contains data structures used throughout the loop
package models

import "time"

// GlucoseEntry represents a single glucose reading as served by Nightscout
type GlucoseEntry struct {
	ID        string `json:"_id"`
	SGV       int    `json:"sgv"`  // Sensor glucose value in mg/dL
	Date      int64  `json:"date"` // Unix timestamp in milliseconds
	DateStr   string `json:"dateString"`
	Trend     int    `json:"trend"`     // Trend direction (1-7)
	Direction string `json:"direction"` // Trend direction as string
	Device    string `json:"device"`
	Type      string `json:"type"`
}

// Time returns the time of the glucose entry
func (g *GlucoseEntry) Time() time.Time {
	return time.UnixMilli(g.Date)
}

// Sample converts the Nightscout entry into the loop's glucose sample
func (g *GlucoseEntry) Sample() GlucoseSample {
	return GlucoseSample{
		ID:        g.ID,
		Timestamp: g.Time(),
		Value:     float64(g.SGV),
		Direction: g.Direction,
	}
}

// GlucoseSample is one immutable CGM reading in mg/dL
type GlucoseSample struct {
	ID        string    `json:"id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Value     float64   `json:"value"`
	Direction string    `json:"direction,omitempty"`
}

// TrendArrow returns the Unicode arrow character for the trend
func (g GlucoseSample) TrendArrow() string {
	arrows := map[string]string{
		"DoubleUp":          "⇈",
		"SingleUp":          "↑",
		"FortyFiveUp":       "↗",
		"Flat":              "→",
		"FortyFiveDown":     "↘",
		"SingleDown":        "↓",
		"DoubleDown":        "⇊",
		"NOT COMPUTABLE":    "?",
		"RATE OUT OF RANGE": "⚠",
	}

	if arrow, ok := arrows[g.Direction]; ok {
		return arrow
	}
	return "-"
}

// ValueMmolL returns the glucose value in mmol/L
func (g GlucoseSample) ValueMmolL() float64 {
	return ToMmol(g.Value)
}

// ToMmol converts a mg/dL value to mmol/L
func ToMmol(mgdl float64) float64 {
	return mgdl / 18.0182
}

// ToMgdl converts a mmol/L value to mg/dL
func ToMgdl(mmol float64) float64 {
	return mmol * 18.0182
}
