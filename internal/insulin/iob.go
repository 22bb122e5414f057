package insulin

import (
	"math"
	"sort"
	"time"

	"github.com/mrcode/nightscout-loop/internal/models"
)

const sliceLength = 5 * time.Minute

// Dose is a discrete amount of insulin relative to the scheduled basal.
// Temp basals and suspends become negative or positive 5-minute slices.
type Dose struct {
	Time  time.Time
	Units float64
	Basal bool
}

// Totals is the insulin state at one instant
type Totals struct {
	IOB      float64 // never negative
	BasalIOB float64 // may be negative while delivering below schedule
	BolusIOB float64
	Activity float64 // units per minute
}

// Calculator turns the dose ledger into insulin totals
type Calculator struct {
	curve   Curve
	profile *models.Profile
}

// NewCalculator creates a calculator for the profile's DIA and basal schedule
func NewCalculator(profile *models.Profile) *Calculator {
	return &Calculator{
		curve:   NewCurve(profile.DIA),
		profile: profile,
	}
}

// Curve returns the insulin curve in use
func (c *Calculator) Curve() Curve {
	return c.curve
}

type basalPeriod struct {
	start, end time.Time
	rate       float64
}

// Expand flattens the ledger up to until into discrete doses
func (c *Calculator) Expand(events []models.InsulinDoseEvent, until time.Time) []Dose {
	sorted := make([]models.InsulinDoseEvent, len(events))
	copy(sorted, events)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Timestamp.Before(sorted[j].Timestamp)
	})

	horizon := until.Add(-c.curve.DIA - sliceLength)
	var doses []Dose
	var periods []basalPeriod
	var open *basalPeriod
	suspended := false

	closeOpen := func(at time.Time) {
		if open == nil {
			return
		}
		if at.Before(open.end) {
			open.end = at
		}
		if open.end.After(open.start) {
			periods = append(periods, *open)
		}
		open = nil
	}

	for _, e := range sorted {
		if e.Timestamp.After(until) {
			break
		}
		switch e.Kind {
		case models.DoseBolus:
			if e.Timestamp.After(horizon) && e.Amount > 0 {
				doses = append(doses, Dose{Time: e.Timestamp, Units: e.Amount})
			}
		case models.DoseTempBasalStart:
			if suspended {
				continue
			}
			closeOpen(e.Timestamp)
			open = &basalPeriod{start: e.Timestamp, end: e.Timestamp.Add(e.Duration), rate: e.Amount}
		case models.DoseTempBasalEnd:
			if !suspended {
				closeOpen(e.Timestamp)
			}
		case models.DoseSuspend:
			closeOpen(e.Timestamp)
			suspended = true
			open = &basalPeriod{start: e.Timestamp, end: until, rate: 0}
		case models.DoseResume:
			if suspended {
				closeOpen(e.Timestamp)
				suspended = false
			}
		}
	}
	closeOpen(until)

	for _, p := range periods {
		if p.end.Before(horizon) {
			continue
		}
		for s := p.start; s.Before(p.end); s = s.Add(sliceLength) {
			sliceEnd := s.Add(sliceLength)
			if sliceEnd.After(p.end) {
				sliceEnd = p.end
			}
			net := p.rate - c.profile.At(s).Basal
			units := net * sliceEnd.Sub(s).Hours()
			if units == 0 {
				continue
			}
			doses = append(doses, Dose{Time: s, Units: units, Basal: true})
		}
	}

	sort.SliceStable(doses, func(i, j int) bool { return doses[i].Time.Before(doses[j].Time) })
	return doses
}

// TotalsAt sums IOB and activity of doses delivered at or before at
func (c *Calculator) TotalsAt(doses []Dose, at time.Time) Totals {
	var t Totals
	for _, d := range doses {
		if d.Time.After(at) {
			break
		}
		minutes := at.Sub(d.Time).Minutes()
		iob := d.Units * c.curve.Remaining(minutes)
		if d.Basal {
			t.BasalIOB += iob
		} else {
			t.BolusIOB += iob
		}
		t.Activity += d.Units * c.curve.Activity(minutes)
	}
	t.IOB = math.Max(0, t.BasalIOB+t.BolusIOB)
	return t
}

// Totals computes the insulin state at at from the raw ledger
func (c *Calculator) Totals(events []models.InsulinDoseEvent, at time.Time) Totals {
	return c.TotalsAt(c.Expand(events, at), at)
}
