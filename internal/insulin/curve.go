// Package insulin derives insulin on board and insulin activity from the
// pump's dose ledger using an exponential rapid-acting insulin curve.
package insulin

import (
	"math"
	"time"
)

// DefaultPeak is the activity peak for rapid-acting insulin (Novolog/Humalog)
const DefaultPeak = 75 * time.Minute

// Curve is an exponential insulin action curve
type Curve struct {
	Peak time.Duration
	DIA  time.Duration
}

// NewCurve builds a curve for the given DIA in hours, keeping the peak
// below half the DIA so the curve stays well defined.
func NewCurve(diaHours float64) Curve {
	dia := time.Duration(diaHours * float64(time.Hour))
	if dia < 3*time.Hour {
		dia = 3 * time.Hour
	}
	peak := DefaultPeak
	if peak >= dia/2 {
		peak = dia / 3
	}
	return Curve{Peak: peak, DIA: dia}
}

// parameters returns tau, a and S of the exponential model in minutes
func (c Curve) parameters() (tau, a, s float64) {
	tp := c.Peak.Minutes()
	td := c.DIA.Minutes()

	tau = tp * (1 - tp/td) / (1 - 2*tp/td)
	a = 2 * tau / td
	s = 1 / (1 - a + (1+a)*math.Exp(-td/tau))
	return tau, a, s
}

// Remaining returns the fraction of a dose still on board after minutesSince
func (c Curve) Remaining(minutesSince float64) float64 {
	if minutesSince <= 0 {
		return 1.0
	}
	td := c.DIA.Minutes()
	if minutesSince >= td {
		return 0.0
	}

	tau, a, s := c.parameters()
	t := minutesSince
	remaining := 1 - s*(1-a)*((t*t/(tau*td*(1-a))-t/tau-1)*math.Exp(-t/tau)+1)
	return math.Max(0, math.Min(1, remaining))
}

// Activity returns the fraction of a dose acting per minute at minutesSince
func (c Curve) Activity(minutesSince float64) float64 {
	td := c.DIA.Minutes()
	if minutesSince <= 0 || minutesSince >= td {
		return 0
	}

	tau, _, s := c.parameters()
	t := minutesSince
	return math.Max(0, (s/(tau*tau))*t*(1-t/td)*math.Exp(-t/tau))
}
