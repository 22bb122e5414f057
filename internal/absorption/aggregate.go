package absorption

import (
	"math"
	"sort"
	"time"

	"github.com/mrcode/nightscout-loop/internal/insulin"
	"github.com/mrcode/nightscout-loop/internal/models"
)

const (
	// CarbWindow bounds which carb entries still count toward COB
	CarbWindow = 6 * time.Hour
	// DeviationWindow bounds the deviations used for max/min statistics
	DeviationWindow = 45 * time.Minute
	minCarbGrams    = 1.0
	sensorFloor     = 39.0
)

// Input is everything one aggregation reads. It is never modified.
type Input struct {
	CarbEntries []models.CarbEntry
	Glucose     []models.GlucoseSample
	Doses       []models.InsulinDoseEvent
	Profile     *models.Profile
	Now         time.Time
}

// DeviationStats describes glucose movement not explained by insulin
type DeviationStats struct {
	Current      float64   `json:"currentDeviation"`
	Max          float64   `json:"maxDeviation"`
	Min          float64   `json:"minDeviation"`
	SlopeFromMax float64   `json:"slopeFromMaxDeviation"`
	SlopeFromMin float64   `json:"slopeFromMinDeviation"`
	All          []float64 `json:"allDeviations"`
}

// Result is the aggregated carb state
type Result struct {
	COB           float64        `json:"mealCOB"`
	Carbs         float64        `json:"carbs"`
	AbsorbedSoFar float64        `json:"absorbed"`
	LastCarbTime  time.Time      `json:"lastCarbTime"`
	Deviations    DeviationStats `json:"deviations"`
	// SensitivityRatio is the autosens ratio, 1 when there is too little data
	SensitivityRatio float64 `json:"sensitivityRatio"`
}

// point is one bucket with its deviation data
type point struct {
	at        time.Time
	sens      float64
	deviation float64 // 5-minute delta minus insulin effect
	avgDev    float64 // 15-minute average delta minus insulin effect
}

// Aggregate computes COB, absorbed carbs and deviation statistics. It is a
// pure function of its input.
func Aggregate(in Input) Result {
	profile, _ := in.Profile.Sanitize()
	points := deviations(in, profile)

	var res Result
	res.Deviations = deviationStats(points, in.Now)
	res.SensitivityRatio = sensitivityRatio(points, in.CarbEntries, profile, in.Now)

	current := 0.0
	if len(points) > 0 {
		current = points[0].avgDev
	}

	entries := recentEntries(in.CarbEntries, in.Now)
	if len(entries) == 0 {
		return res
	}
	res.LastCarbTime = entries[0].Timestamp

	var carbs, mealCOB, partition, peakCarbs, peakAbsorbed float64
	for _, e := range entries {
		carbs += e.Grams
		absorbed := round(absorbedSince(points, e.Timestamp, current, profile), 3)
		myCOB := math.Max(0, carbs-absorbed)

		// A new peak means every entry walked so far is still absorbing.
		// Equal or lower apparent COB means this older entry was already
		// absorbed before the newer ones were logged.
		if myCOB > mealCOB {
			partition = 0
			mealCOB = myCOB
			peakCarbs = carbs
			peakAbsorbed = math.Min(absorbed, carbs)
		} else {
			partition += e.Grams
		}
	}

	res.Carbs = round(carbs-partition, 3)
	res.AbsorbedSoFar = round(peakAbsorbed, 3)
	cob := math.Min(profile.MaxCOB, peakCarbs-peakAbsorbed)
	res.COB = round(math.Max(0, cob), 0)
	return res
}

// recentEntries returns live entries of the carb window, newest first
func recentEntries(entries []models.CarbEntry, now time.Time) []models.CarbEntry {
	cutoff := now.Add(-CarbWindow)
	var out []models.CarbEntry
	for _, e := range entries {
		if e.Deleted || e.Grams < minCarbGrams {
			continue
		}
		if !e.Timestamp.After(cutoff) || e.Timestamp.After(now) {
			continue
		}
		out = append(out, e)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Timestamp.After(out[j].Timestamp)
	})
	return out
}

// deviations buckets glucose and computes per-bucket deviations over the
// autosens window, newest first
func deviations(in Input, profile *models.Profile) []point {
	since := in.Now.Add(-AutosensWindow - 15*time.Minute)
	var recent []models.GlucoseSample
	for _, s := range in.Glucose {
		if !s.Timestamp.After(in.Now) {
			recent = append(recent, s)
		}
	}
	buckets := Bucket(recent, since)
	if len(buckets) < 4 {
		return nil
	}

	calc := insulin.NewCalculator(profile)
	doses := calc.Expand(in.Doses, in.Now)

	points := make([]point, 0, len(buckets)-3)
	for i := 0; i < len(buckets)-3; i++ {
		bg := buckets[i].Value
		if bg < sensorFloor || buckets[i+3].Value < sensorFloor {
			continue
		}
		at := buckets[i].Timestamp
		sens := profile.At(at).ISF

		avgDelta := (bg - buckets[i+3].Value) / 3
		delta := bg - buckets[i+1].Value
		activity := calc.TotalsAt(doses, at).Activity
		bgi := round(-activity*sens*5, 2)

		points = append(points, point{
			at:        at,
			sens:      sens,
			deviation: delta - bgi,
			avgDev:    round(avgDelta-bgi, 3),
		})
	}
	return points
}

// deviationStats tracks the running max/min deviation over the recent window
// and the slope from each extreme to the current deviation.
func deviationStats(points []point, now time.Time) DeviationStats {
	var stats DeviationStats
	if len(points) == 0 {
		return stats
	}

	current := points[0]
	stats.Current = round(current.avgDev, 2)
	stats.All = append(stats.All, stats.Current)

	maxDev, minDev := 0.0, math.Inf(1)
	slopeFromMax, slopeFromMin := 0.0, 0.0
	for _, p := range points[1:] {
		if now.Sub(p.at) > DeviationWindow {
			break
		}
		minutes := p.at.Sub(current.at).Minutes()
		if minutes >= 0 {
			continue
		}
		slope := (p.avgDev - current.avgDev) / minutes * 5
		if p.avgDev > maxDev {
			slopeFromMax = math.Min(0, slope)
			maxDev = p.avgDev
		}
		if p.avgDev < minDev {
			slopeFromMin = math.Max(0, slope)
			minDev = p.avgDev
		}
		stats.All = append(stats.All, round(p.avgDev, 2))
	}

	if math.IsInf(minDev, 1) {
		minDev = 0
	}
	stats.Max = round(maxDev, 2)
	stats.Min = round(minDev, 2)
	stats.SlopeFromMax = round(slopeFromMax, 3)
	stats.SlopeFromMin = round(slopeFromMin, 3)
	return stats
}

// absorbedSince integrates carb impact into grams for buckets after mealTime
func absorbedSince(points []point, mealTime time.Time, currentDeviation float64, profile *models.Profile) float64 {
	absorbed := 0.0
	for _, p := range points {
		if !p.at.After(mealTime) {
			continue
		}
		if p.sens <= 0 {
			continue
		}
		ci := math.Max(p.deviation, math.Max(currentDeviation/2, profile.Min5mCarbImpact))
		cr := profile.At(p.at).CarbRatio
		absorbed += ci * cr / p.sens
	}
	return absorbed
}

func round(v float64, decimals int) float64 {
	pow := math.Pow(10, float64(decimals))
	return math.Round(v*pow) / pow
}
