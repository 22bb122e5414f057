// Package absorption estimates carbs on board from the glucose movement that
// insulin alone does not explain.
package absorption

import (
	"math"
	"time"

	"github.com/mrcode/nightscout-loop/internal/glucose"
	"github.com/mrcode/nightscout-loop/internal/models"
)

const (
	interpolateAfter = 8 * time.Minute
	mergeWithin      = 2 * time.Minute
	maxGap           = 4 * time.Hour
	bucketStep       = 5.0 // minutes
)

// Bucket resamples glucose newest-first into a gap-filled series. Readings
// closer than 2 minutes are averaged, gaps over 8 minutes are filled by
// linear interpolation, and nothing older than since is kept.
func Bucket(samples []models.GlucoseSample, since time.Time) []models.GlucoseSample {
	sorted := glucose.SortNewestFirst(samples)
	if len(sorted) == 0 {
		return nil
	}

	buckets := []models.GlucoseSample{{Timestamp: sorted[0].Timestamp, Value: sorted[0].Value}}
	for _, s := range sorted[1:] {
		if s.Timestamp.Before(since) {
			break
		}
		last := &buckets[len(buckets)-1]
		gap := last.Timestamp.Sub(s.Timestamp)

		switch {
		case gap > maxGap:
			return buckets
		case gap > interpolateAfter:
			segments := math.Ceil(gap.Minutes() / bucketStep)
			step := gap / time.Duration(segments)
			from := *last
			for k := 1; k < int(segments); k++ {
				frac := float64(k) / segments
				buckets = append(buckets, models.GlucoseSample{
					Timestamp: from.Timestamp.Add(-time.Duration(k) * step),
					Value:     math.Round(from.Value + frac*(s.Value-from.Value)),
				})
			}
			buckets = append(buckets, models.GlucoseSample{Timestamp: s.Timestamp, Value: s.Value})
		case gap > mergeWithin:
			buckets = append(buckets, models.GlucoseSample{Timestamp: s.Timestamp, Value: s.Value})
		default:
			last.Value = (last.Value + s.Value) / 2
		}
	}
	return buckets
}
