package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mrcode/nightscout-loop/internal/models"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "loop.db")
	s, err := New(dbPath)
	require.NoError(t, err, "New(%q)", dbPath)
	t.Cleanup(func() { s.Close() })
	return s
}

func sampleSuggestion(id string, at time.Time) *models.Suggestion {
	return &models.Suggestion{
		ID:       id,
		Reason:   "COB: 0, Dev: 0.0, ISF: 50",
		Rate:     models.Float(0.85),
		Duration: models.Int(30),
		Predictions: models.Predictions{
			IOB:      []float64{120, 118, 116},
			ZT:       []float64{120, 121, 122},
			COB:      []float64{120, 125, 130},
			UAM:      []float64{120, 119, 117},
			StepMins: 7.5,
		},
		BG:                 120,
		EventualBG:         116,
		MinPredBG:          116,
		IOB:                1.25,
		COB:                12,
		InsulinRequirement: 0.15,
		CarbsRequired:      0,
		SensitivityRatio:   1,
		Timestamp:          at,
		DeliverAt:          at,
	}
}

func TestLatestSuggestion_Empty(t *testing.T) {
	s := newTestStore(t)
	_, err := s.LatestSuggestion(context.Background())
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestSuggestion_RoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	at := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

	want := sampleSuggestion("a", at)
	require.NoError(t, s.SaveSuggestion(ctx, want))

	got, err := s.LatestSuggestion(ctx)
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestSuggestion_StampReplaces(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	at := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

	sg := sampleSuggestion("a", at)
	require.NoError(t, s.SaveSuggestion(ctx, sg))
	sg.Stamp(true, "temp 0.85 U/h for 30m0s", at.Add(time.Second))
	require.NoError(t, s.SaveSuggestion(ctx, sg))

	all, err := s.Suggestions(ctx, at.Add(-time.Hour), 10)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.True(t, all[0].Enacted)
	assert.Equal(t, "temp 0.85 U/h for 30m0s", all[0].Outcome)
}

func TestLatestSuggestion_NewestWins(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	at := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, s.SaveSuggestion(ctx, sampleSuggestion("new", at.Add(5*time.Minute+500*time.Millisecond))))
	require.NoError(t, s.SaveSuggestion(ctx, sampleSuggestion("old", at)))

	got, err := s.LatestSuggestion(ctx)
	require.NoError(t, err)
	assert.Equal(t, "new", got.ID)

	recent, err := s.Suggestions(ctx, at.Add(time.Minute), 0)
	require.NoError(t, err)
	require.Len(t, recent, 1)
	assert.Equal(t, "new", recent[0].ID)
}

func TestSettings(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, ok, err := s.GetSetting(ctx, "bolus_increment")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.PutSetting(ctx, "bolus_increment", []byte("0.05")))
	require.NoError(t, s.PutSetting(ctx, "bolus_increment", []byte("0.025")))

	v, ok, err := s.GetSetting(ctx, "bolus_increment")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "0.025", string(v))
}
