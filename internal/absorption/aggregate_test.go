package absorption

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mrcode/nightscout-loop/internal/models"
)

func testProfile() *models.Profile {
	return &models.Profile{
		ISF:             models.Schedule{{Value: 50}},
		CarbRatio:       models.Schedule{{Value: 10}},
		Basal:           models.Schedule{{Value: 1.0}},
		Targets:         models.TargetSchedule{{Low: 100, High: 100}},
		MaxBasal:        3,
		MaxBolus:        5,
		MaxIOB:          6,
		MaxCOB:          120,
		DIA:             5,
		Min5mCarbImpact: 8,
	}
}

// curve builds 5-minute samples from start to end, value given by f(minutes since t0)
func curve(t0, start, end time.Time, f func(m float64) float64) []models.GlucoseSample {
	var out []models.GlucoseSample
	for ts := start; !ts.After(end); ts = ts.Add(5 * time.Minute) {
		out = append(out, models.GlucoseSample{Timestamp: ts, Value: f(ts.Sub(t0).Minutes())})
	}
	return out
}

func TestBucket_Spacing(t *testing.T) {
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	samples := []models.GlucoseSample{
		{Timestamp: now, Value: 120},
		{Timestamp: now.Add(-1 * time.Minute), Value: 118},
		{Timestamp: now.Add(-6 * time.Minute), Value: 115},
		{Timestamp: now.Add(-31 * time.Minute), Value: 90},
		{Timestamp: now.Add(-36 * time.Minute), Value: 88},
	}

	buckets := Bucket(samples, now.Add(-2*time.Hour))
	require.NotEmpty(t, buckets)
	assert.Equal(t, 119.0, buckets[0].Value, "readings within 2 minutes are averaged")

	for i := 1; i < len(buckets); i++ {
		gap := buckets[i-1].Timestamp.Sub(buckets[i].Timestamp)
		assert.Greater(t, gap, 2*time.Minute, "bucket %d too close", i)
		if buckets[i-1].Timestamp.Sub(now.Add(-6*time.Minute)) < 0 {
			assert.LessOrEqual(t, gap, 5*time.Minute, "interpolated gap at bucket %d", i)
		}
	}

	// 25 minute gap between -6 and -31 becomes five 5 minute steps
	assert.Len(t, buckets, 8)
	assert.Equal(t, 110.0, buckets[2].Value)
	assert.Equal(t, 90.0, buckets[6].Value)
}

func TestBucket_Since(t *testing.T) {
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	samples := curve(now, now.Add(-time.Hour), now, func(float64) float64 { return 100 })
	buckets := Bucket(samples, now.Add(-20*time.Minute))
	assert.Len(t, buckets, 5)
	assert.Nil(t, Bucket(nil, now))
}

func TestAggregate_NoCarbs(t *testing.T) {
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	in := Input{
		Glucose: curve(now, now.Add(-2*time.Hour), now, func(float64) float64 { return 110 }),
		Profile: testProfile(),
		Now:     now,
	}
	res := Aggregate(in)
	assert.Equal(t, 0.0, res.COB)
	assert.Equal(t, 0.0, res.Carbs)
	assert.Equal(t, 0.0, res.Deviations.Current)
	assert.True(t, res.LastCarbTime.IsZero())
}

func TestAggregate_Idempotent(t *testing.T) {
	t0 := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	now := t0.Add(75 * time.Minute)
	in := Input{
		CarbEntries: []models.CarbEntry{{Timestamp: t0, Grams: 45}},
		Glucose: curve(t0, t0.Add(-time.Hour), now, func(m float64) float64 {
			if m <= 0 {
				return 110
			}
			return 110 + m*0.8
		}),
		Doses:   []models.InsulinDoseEvent{{Timestamp: t0, Kind: models.DoseBolus, Amount: 3}},
		Profile: testProfile(),
		Now:     now,
	}

	first := Aggregate(in)
	second := Aggregate(in)
	assert.Equal(t, first, second)
	assert.Greater(t, first.COB, 0.0)
	assert.GreaterOrEqual(t, first.COB, 0.0)
	assert.Equal(t, 45.0, first.Carbs)
}

func TestAggregate_MinimumImpactFloor(t *testing.T) {
	t0 := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	now := t0.Add(30 * time.Minute)
	in := Input{
		CarbEntries: []models.CarbEntry{{Timestamp: t0, Grams: 30}},
		Glucose:     curve(t0, t0.Add(-time.Hour), now, func(float64) float64 { return 100 }),
		Profile:     testProfile(),
		Now:         now,
	}

	res := Aggregate(in)
	// six flat buckets at 8 mg/dL/5m floor: 6 * 8 * 10 / 50 = 9.6 g
	assert.InDelta(t, 9.6, res.AbsorbedSoFar, 1e-9)
	assert.Equal(t, 20.0, res.COB)
}

func TestAggregate_MaxCOBClamp(t *testing.T) {
	t0 := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	now := t0.Add(5 * time.Minute)
	profile := testProfile()
	profile.MaxCOB = 50
	in := Input{
		CarbEntries: []models.CarbEntry{{Timestamp: t0, Grams: 100}},
		Glucose:     curve(t0, t0.Add(-time.Hour), now, func(float64) float64 { return 100 }),
		Profile:     profile,
		Now:         now,
	}
	assert.Equal(t, 50.0, Aggregate(in).COB)
}

func TestAggregate_IgnoresDeletedAndOldEntries(t *testing.T) {
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	in := Input{
		CarbEntries: []models.CarbEntry{
			{Timestamp: now.Add(-7 * time.Hour), Grams: 80},
			{Timestamp: now.Add(-10 * time.Minute), Grams: 20, Deleted: true},
			{Timestamp: now.Add(time.Hour), Grams: 20},
		},
		Glucose: curve(now, now.Add(-time.Hour), now, func(float64) float64 { return 100 }),
		Profile: testProfile(),
		Now:     now,
	}
	res := Aggregate(in)
	assert.Equal(t, 0.0, res.Carbs)
	assert.Equal(t, 0.0, res.COB)
}

// A 40 g meal absorbs fast enough that it is gone by the time a 10 g snack
// is logged 90 minutes later. The meal must be partitioned away.
func TestAggregate_PartitionRemovesAbsorbedMeal(t *testing.T) {
	t0 := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	now := t0.Add(100 * time.Minute)
	in := Input{
		CarbEntries: []models.CarbEntry{
			{Timestamp: t0, Grams: 40},
			{Timestamp: t0.Add(90 * time.Minute), Grams: 10},
		},
		Glucose: curve(t0, t0.Add(-time.Hour), now, func(m float64) float64 {
			switch {
			case m <= 0:
				return 100
			case m <= 90:
				return 100 + m/5*12
			default:
				return 316
			}
		}),
		Profile: testProfile(),
		Now:     now,
	}

	res := Aggregate(in)
	assert.Equal(t, 10.0, res.Carbs, "the absorbed 40 g meal must not be counted")
	assert.InDelta(t, 3.2, res.AbsorbedSoFar, 1e-9)
	assert.Equal(t, 7.0, res.COB)
}

// Both entries are still absorbing, so the reported carbs are their sum.
func TestAggregate_OverlappingMealsKeepTotal(t *testing.T) {
	t0 := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	now := t0.Add(100 * time.Minute)
	in := Input{
		CarbEntries: []models.CarbEntry{
			{Timestamp: t0, Grams: 40},
			{Timestamp: t0.Add(90 * time.Minute), Grams: 10},
		},
		Glucose: curve(t0, t0.Add(-time.Hour), now, func(float64) float64 { return 100 }),
		Profile: testProfile(),
		Now:     now,
	}

	res := Aggregate(in)
	assert.Equal(t, 50.0, res.Carbs)
	// 20 floor buckets since the meal: 20 * 1.6 g
	assert.InDelta(t, 32.0, res.AbsorbedSoFar, 1e-9)
	assert.Equal(t, 18.0, res.COB)
}

// Apparent COB equal to the running peak does not reset the partition.
func TestAggregate_TieAccumulates(t *testing.T) {
	t0 := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	now := t0.Add(3 * time.Hour)
	in := Input{
		CarbEntries: []models.CarbEntry{
			{Timestamp: t0, Grams: 5},
			{Timestamp: t0.Add(2 * time.Hour), Grams: 5},
		},
		Glucose: curve(t0, t0.Add(-time.Hour), now, func(float64) float64 { return 100 }),
		Profile: testProfile(),
		Now:     now,
	}

	// both entries are fully absorbed, apparent COB stays at zero
	res := Aggregate(in)
	assert.Equal(t, 0.0, res.Carbs)
	assert.Equal(t, 0.0, res.COB)
}

func TestAggregate_DeviationStats(t *testing.T) {
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	// rising 3 mg/dL per 5 minutes, no insulin
	in := Input{
		Glucose: curve(now, now.Add(-time.Hour), now, func(m float64) float64 { return 150 + m/5*3 }),
		Profile: testProfile(),
		Now:     now,
	}
	stats := Aggregate(in).Deviations
	assert.Equal(t, 3.0, stats.Current)
	assert.Equal(t, 3.0, stats.Max)
	assert.Equal(t, 3.0, stats.Min)
	assert.Equal(t, 0.0, stats.SlopeFromMax)
	assert.NotEmpty(t, stats.All)
}

func TestAggregate_InsulinExplainsDrop(t *testing.T) {
	t0 := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	now := t0.Add(90 * time.Minute)
	doses := []models.InsulinDoseEvent{{Timestamp: t0, Kind: models.DoseBolus, Amount: 4}}

	flat := Aggregate(Input{
		Glucose: curve(t0, t0.Add(-time.Hour), now, func(float64) float64 { return 150 }),
		Doses:   doses,
		Profile: testProfile(),
		Now:     now,
	})
	// flat glucose while insulin is acting means something is pushing up
	assert.Greater(t, flat.Deviations.Current, 0.0)
}

func TestAggregate_SensitivityRatio(t *testing.T) {
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	meal := []models.CarbEntry{{Timestamp: now.Add(-time.Hour), Grams: 30}}

	tests := []struct {
		name  string
		since time.Duration
		f     func(m float64) float64
		carbs []models.CarbEntry
		want  float64
	}{
		{name: "flat", since: 2 * time.Hour, f: func(float64) float64 { return 110 }, want: 1},
		{name: "resistant", since: 2 * time.Hour, f: func(m float64) float64 { return 120 + m/10 }, want: 1.12},
		{name: "sensitive", since: 2 * time.Hour, f: func(m float64) float64 { return 120 - m/10 }, want: 0.88},
		{name: "clamped high", since: 2 * time.Hour, f: func(m float64) float64 { return 150 + m/5*3 }, want: AutosensMax},
		{name: "clamped low", since: 2 * time.Hour, f: func(m float64) float64 { return 250 - m/5*3 }, want: AutosensMin},
		{name: "too little data", since: 30 * time.Minute, f: func(m float64) float64 { return 120 + m/10 }, want: 1},
		{name: "meal excluded", since: 90 * time.Minute, f: func(m float64) float64 { return 120 + m/5*2 }, carbs: meal, want: 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := Aggregate(Input{
				CarbEntries: tt.carbs,
				Glucose:     curve(now, now.Add(-tt.since), now, tt.f),
				Profile:     testProfile(),
				Now:         now,
			})
			assert.InDelta(t, tt.want, res.SensitivityRatio, 1e-9)
		})
	}
}
