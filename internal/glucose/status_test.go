package glucose

import (
	"testing"
	"time"

	"github.com/mrcode/nightscout-loop/internal/models"
)

func series(now time.Time, values ...float64) []models.GlucoseSample {
	out := make([]models.GlucoseSample, len(values))
	for i, v := range values {
		out[i] = models.GlucoseSample{Timestamp: now.Add(time.Duration(-5*i) * time.Minute), Value: v}
	}
	return out
}

func TestIsFresh(t *testing.T) {
	now := time.Now()
	tests := []struct {
		name string
		age  time.Duration
		want bool
	}{
		{"just now", 0, true},
		{"eleven minutes", 11 * time.Minute, true},
		{"twelve minutes", 12 * time.Minute, false},
		{"fifteen minutes", 15 * time.Minute, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			samples := series(now.Add(-tt.age), 120, 118)
			if got := IsFresh(samples, now, 12*time.Minute); got != tt.want {
				t.Errorf("IsFresh() = %v, want %v", got, tt.want)
			}
		})
	}

	if IsFresh(nil, now, 12*time.Minute) {
		t.Error("no data must never be fresh")
	}
}

func TestIsFlat(t *testing.T) {
	now := time.Now()
	tests := []struct {
		name    string
		samples []models.GlucoseSample
		want    bool
	}{
		{"varying", series(now, 120, 122, 119), false},
		{"too few identical", series(now, 120, 120, 120), false},
		{"identical for the window", series(now, 100, 100, 100, 100, 100, 100, 100, 100, 100), true},
		{"one wiggle", series(now, 100, 100, 100, 100, 101, 100, 100, 100, 100), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsFlat(tt.samples, now, 45*time.Minute, 5); got != tt.want {
				t.Errorf("IsFlat() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestCurrentStatus(t *testing.T) {
	now := time.Now()
	// unordered on purpose
	samples := []models.GlucoseSample{
		{Timestamp: now.Add(-10 * time.Minute), Value: 110},
		{Timestamp: now, Value: 120},
		{Timestamp: now.Add(-5 * time.Minute), Value: 115},
	}

	status, err := CurrentStatus(samples)
	if err != nil {
		t.Fatalf("CurrentStatus() error = %v", err)
	}
	if status.Glucose != 120 {
		t.Errorf("Glucose = %v, want 120", status.Glucose)
	}
	if status.Delta != 5 {
		t.Errorf("Delta = %v, want 5", status.Delta)
	}
	if status.ShortAvgDelta != 5 {
		t.Errorf("ShortAvgDelta = %v, want 5", status.ShortAvgDelta)
	}

	if _, err := CurrentStatus(nil); err != ErrNoData {
		t.Errorf("CurrentStatus(nil) error = %v, want ErrNoData", err)
	}
}
