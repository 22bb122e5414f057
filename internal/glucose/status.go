// Package glucose computes the freshness, flatness and trend of CGM data
package glucose

import (
	"errors"
	"math"
	"sort"
	"time"

	"github.com/mrcode/nightscout-loop/internal/models"
)

// ErrNoData is returned when there are no glucose samples at all
var ErrNoData = errors.New("no glucose data")

// Status summarizes the most recent CGM readings
type Status struct {
	Glucose       float64
	Delta         float64 // mg/dL per 5 min, last reading vs ~5 min earlier
	ShortAvgDelta float64 // average per-5-min change over ~15 min
	LongAvgDelta  float64 // average per-5-min change over ~45 min
	Timestamp     time.Time
	Direction     string
}

// SortNewestFirst returns a copy of samples ordered newest first
func SortNewestFirst(samples []models.GlucoseSample) []models.GlucoseSample {
	sorted := make([]models.GlucoseSample, len(samples))
	copy(sorted, samples)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Timestamp.After(sorted[j].Timestamp)
	})
	return sorted
}

// Latest returns the newest sample
func Latest(samples []models.GlucoseSample) (models.GlucoseSample, error) {
	if len(samples) == 0 {
		return models.GlucoseSample{}, ErrNoData
	}
	latest := samples[0]
	for _, s := range samples[1:] {
		if s.Timestamp.After(latest.Timestamp) {
			latest = s
		}
	}
	return latest, nil
}

// IsFresh reports whether the newest sample is younger than maxAge
func IsFresh(samples []models.GlucoseSample, now time.Time, maxAge time.Duration) bool {
	latest, err := Latest(samples)
	if err != nil {
		return false
	}
	return now.Sub(latest.Timestamp) < maxAge
}

// IsFlat reports whether the recent window is degenerately flat: at least
// minSamples readings within window of now and no spread between them.
// A real sensor never reports an identical value for that long.
func IsFlat(samples []models.GlucoseSample, now time.Time, window time.Duration, minSamples int) bool {
	count := 0
	lo, hi := math.Inf(1), math.Inf(-1)
	for _, s := range samples {
		age := now.Sub(s.Timestamp)
		if age < 0 || age > window {
			continue
		}
		count++
		lo = math.Min(lo, s.Value)
		hi = math.Max(hi, s.Value)
	}
	if count < minSamples {
		return false
	}
	return hi-lo == 0
}

// CurrentStatus computes the delta and average deltas around the newest reading
func CurrentStatus(samples []models.GlucoseSample) (*Status, error) {
	if len(samples) == 0 {
		return nil, ErrNoData
	}
	sorted := SortNewestFirst(samples)
	now := sorted[0]

	var lastDeltas, shortDeltas, longDeltas []float64
	for _, s := range sorted[1:] {
		minutesAgo := now.Timestamp.Sub(s.Timestamp).Minutes()
		if minutesAgo <= 0 {
			continue
		}
		change := (now.Value - s.Value) / minutesAgo * 5
		switch {
		case minutesAgo > 2.5 && minutesAgo < 7.5:
			lastDeltas = append(lastDeltas, change)
			shortDeltas = append(shortDeltas, change)
		case minutesAgo >= 7.5 && minutesAgo < 17.5:
			shortDeltas = append(shortDeltas, change)
		case minutesAgo >= 17.5 && minutesAgo < 42.5:
			longDeltas = append(longDeltas, change)
		}
	}

	status := &Status{
		Glucose:       now.Value,
		Timestamp:     now.Timestamp,
		Direction:     now.Direction,
		Delta:         average(lastDeltas),
		ShortAvgDelta: average(shortDeltas),
		LongAvgDelta:  average(longDeltas),
	}
	return status, nil
}

func average(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sum := 0.0
	for _, v := range values {
		sum += v
	}
	return math.Round(sum/float64(len(values))*100) / 100
}
