package absorption

import (
	"math"
	"sort"
	"time"

	"github.com/mrcode/nightscout-loop/internal/models"
)

const (
	// AutosensWindow is how much deviation history the sensitivity ratio reads
	AutosensWindow = 24 * time.Hour
	// AutosensMin and AutosensMax bound the sensitivity ratio
	AutosensMin = 0.7
	AutosensMax = 1.2

	autosensMinPoints = 10
	// deviations this soon after carbs are absorption, not sensitivity
	autosensMealExclusion = 3 * time.Hour
)

// sensitivityRatio compares glucose movement against what insulin explains.
// A positive median deviation means insulin works less than the profile
// says and yields a ratio above 1.
func sensitivityRatio(points []point, carbs []models.CarbEntry, profile *models.Profile, now time.Time) float64 {
	devs := make([]float64, 0, len(points))
	for _, p := range points {
		if now.Sub(p.at) > AutosensWindow || afterMeal(p.at, carbs) {
			continue
		}
		devs = append(devs, p.deviation)
	}
	if len(devs) < autosensMinPoints {
		return 1
	}

	sort.Float64s(devs)
	median := devs[len(devs)/2]

	pv := profile.At(now)
	if pv.ISF <= 0 || pv.Basal <= 0 {
		return 1
	}
	// the median deviation held for an hour, as insulin
	basalOff := median * (60 / 5) / pv.ISF
	ratio := 1 + basalOff/pv.Basal
	return round(math.Max(AutosensMin, math.Min(AutosensMax, ratio)), 2)
}

func afterMeal(at time.Time, carbs []models.CarbEntry) bool {
	for _, c := range carbs {
		if c.Deleted || c.Grams < minCarbGrams {
			continue
		}
		if since := at.Sub(c.Timestamp); since >= 0 && since < autosensMealExclusion {
			return true
		}
	}
	return false
}
