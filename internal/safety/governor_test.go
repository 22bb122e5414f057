package safety

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mrcode/nightscout-loop/internal/models"
	"github.com/mrcode/nightscout-loop/internal/pump"
)

type memBlobs struct {
	mu   sync.Mutex
	data map[string][]byte
	puts int
}

func newMemBlobs() *memBlobs {
	return &memBlobs{data: map[string][]byte{}}
}

func (m *memBlobs) GetSetting(_ context.Context, key string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.data[key]
	return v, ok, nil
}

func (m *memBlobs) PutSetting(_ context.Context, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = value
	m.puts++
	return nil
}

var limits = Limits{MaxBasal: 3, MaxBolus: 2}

func readyStatus() models.PumpStatus {
	return models.PumpStatus{Reservoir: 100, BatteryPercent: 80, Timestamp: time.Now()}
}

func TestAuthorize_PreChecks(t *testing.T) {
	p := pump.NewVirtual(pump.DefaultVirtualConfig())
	cmd := Command{Rate: models.Float(1.0), Duration: models.Int(30)}

	tests := []struct {
		name   string
		mutate func(*models.PumpStatus)
		kind   Kind
	}{
		{"suspended", func(s *models.PumpStatus) { s.Suspended = true }, InvalidPumpState},
		{"bolusing", func(s *models.PumpStatus) { s.Bolusing = true }, InvalidPumpState},
		{"empty reservoir", func(s *models.PumpStatus) { s.Reservoir = 0 }, InvalidPumpState},
		{"never refreshed", func(s *models.PumpStatus) { s.Timestamp = time.Time{} }, StaleOrInsufficientData},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status := readyStatus()
			tt.mutate(&status)
			auth, err := Authorize(cmd, status, p, limits)
			assert.Nil(t, auth)
			assert.True(t, IsKind(err, tt.kind), "got %v", err)
			assert.True(t, Rejected(err))
		})
	}
}

func TestAuthorize_RateWithoutDuration(t *testing.T) {
	p := pump.NewVirtual(pump.DefaultVirtualConfig())
	_, err := Authorize(Command{Rate: models.Float(1)}, readyStatus(), p, limits)
	assert.True(t, IsKind(err, StaleOrInsufficientData))
}

func TestAuthorize_RateClampAndRound(t *testing.T) {
	p := pump.NewVirtual(pump.DefaultVirtualConfig())
	tests := []struct {
		name string
		rate float64
		want float64
	}{
		{"in range", 1.23, 1.2},
		{"above max", 5, 3},
		{"negative", -1, 0},
		{"zero temp", 0, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			auth, err := Authorize(Command{Rate: models.Float(tt.rate), Duration: models.Int(30)}, readyStatus(), p, limits)
			require.NoError(t, err)
			require.NotNil(t, auth.Rate)
			assert.Equal(t, tt.want, *auth.Rate)
			assert.Equal(t, 30*time.Minute, auth.Duration)
		})
	}
}

func TestAuthorize_TinyBolusIsNoBolus(t *testing.T) {
	p := pump.NewVirtual(pump.VirtualConfig{BolusStep: 0.05, Reservoir: 100})
	auth, err := Authorize(Command{Units: models.Float(0.03)}, readyStatus(), p, limits)

	require.NoError(t, err)
	assert.Equal(t, 0.0, auth.Units)
	assert.True(t, auth.Empty())
	assert.Contains(t, auth.Summary(), "skipped")
}

func TestAuthorize_BolusClampedToMax(t *testing.T) {
	p := pump.NewVirtual(pump.DefaultVirtualConfig())
	auth, err := Authorize(Command{Units: models.Float(3.33)}, readyStatus(), p, limits)
	require.NoError(t, err)
	assert.Equal(t, 2.0, auth.Units)
}

func TestAuthorize_BolusAboveReservoir(t *testing.T) {
	p := pump.NewVirtual(pump.DefaultVirtualConfig())
	status := readyStatus()
	status.Reservoir = 0.5
	_, err := Authorize(Command{Units: models.Float(1)}, status, p, limits)
	assert.True(t, IsKind(err, InvalidPumpState))
}

func TestAuthorize_NeverExceedsLimits(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	steps := []float64{0.025, 0.05, 0.1}

	for i := 0; i < 1000; i++ {
		step := steps[rng.Intn(len(steps))]
		p := pump.NewVirtual(pump.VirtualConfig{BasalStep: step, BolusStep: step, Reservoir: 300})
		lim := Limits{MaxBasal: rng.Float64() * 5, MaxBolus: rng.Float64() * 10}
		cmd := Command{
			Rate:     models.Float(rng.Float64()*20 - 2),
			Duration: models.Int(30),
			Units:    models.Float(rng.Float64() * 20),
		}

		auth, err := Authorize(cmd, readyStatus(), p, lim)
		require.NoError(t, err)
		if *auth.Rate > lim.MaxBasal || *auth.Rate < 0 {
			t.Fatalf("case %d: rate %v outside [0, %v]", i, *auth.Rate, lim.MaxBasal)
		}
		if auth.Units > lim.MaxBolus {
			t.Fatalf("case %d: bolus %v above %v", i, auth.Units, lim.MaxBolus)
		}
	}
}

func TestGovernor_SuspendedSendsNothing(t *testing.T) {
	p := pump.NewVirtual(pump.DefaultVirtualConfig())
	g := NewGovernor(p, nil, nil)

	status := readyStatus()
	status.Suspended = true
	s := &models.Suggestion{ID: "s1", Rate: models.Float(1.0), Duration: models.Int(30)}

	auth, err := g.Enact(context.Background(), s, status, limits)
	assert.Nil(t, auth)
	assert.True(t, IsKind(err, InvalidPumpState))
	assert.Empty(t, p.Commands())
}

func TestGovernor_EnactTempThenBolus(t *testing.T) {
	p := pump.NewVirtual(pump.VirtualConfig{BasalStep: 0.05, BolusStep: 0.05, Reservoir: 100})
	blobs := newMemBlobs()
	prefs := NewIncrementPreference(blobs, 0.1, nil)
	g := NewGovernor(p, prefs, nil)

	s := &models.Suggestion{ID: "s1", Rate: models.Float(1.5), Duration: models.Int(30), Units: models.Float(0.42)}
	auth, err := g.Enact(context.Background(), s, readyStatus(), limits)
	require.NoError(t, err)
	assert.Equal(t, 0.4, auth.Units)

	cmds := p.Commands()
	require.Len(t, cmds, 2)
	assert.Equal(t, models.DoseTempBasalStart, cmds[0].Kind)
	assert.Equal(t, models.DoseBolus, cmds[1].Kind)

	got, err := prefs.Get(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0.05, got)
	assert.Equal(t, 1, blobs.puts)
}

func TestGovernor_PumpFailureIsPumpError(t *testing.T) {
	p := pump.NewVirtual(pump.DefaultVirtualConfig())
	radio := errors.New("radio timeout")
	p.FailNext(radio)
	g := NewGovernor(p, nil, nil)

	s := &models.Suggestion{ID: "s1", Rate: models.Float(1.0), Duration: models.Int(30)}
	_, err := g.Enact(context.Background(), s, readyStatus(), limits)

	assert.True(t, IsKind(err, PumpError))
	assert.False(t, Rejected(err))
	assert.ErrorIs(t, err, radio)
}

func TestDetectIncrement(t *testing.T) {
	for _, tt := range []struct {
		step float64
		want float64
	}{
		{0.025, 0.025},
		{0.05, 0.05},
		{0.1, 0.1},
		{0.5, 0.1},
	} {
		p := pump.NewVirtual(pump.VirtualConfig{BolusStep: tt.step})
		assert.Equal(t, tt.want, DetectIncrement(p), "step %v", tt.step)
	}
}

func TestIncrementPreference_UpdatesOnlyWhenDifferent(t *testing.T) {
	ctx := context.Background()
	blobs := newMemBlobs()
	prefs := NewIncrementPreference(blobs, 0.1, nil)

	same := pump.NewVirtual(pump.VirtualConfig{BolusStep: 0.1})
	changed, err := prefs.Converge(ctx, same)
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Equal(t, 0, blobs.puts)

	finer := pump.NewVirtual(pump.VirtualConfig{BolusStep: 0.025})
	changed, err = prefs.Converge(ctx, finer)
	require.NoError(t, err)
	assert.True(t, changed)

	changed, err = prefs.Converge(ctx, finer)
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Equal(t, 1, blobs.puts)
}

func TestGovernor_BolusIncrement(t *testing.T) {
	ctx := context.Background()
	p := pump.NewVirtual(pump.VirtualConfig{BolusStep: 0.025})

	got, err := NewGovernor(p, nil, nil).BolusIncrement(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0.0, got)

	prefs := NewIncrementPreference(newMemBlobs(), 0.1, nil)
	g := NewGovernor(p, prefs, nil)
	got, err = g.BolusIncrement(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0.1, got)

	_, err = prefs.Converge(ctx, p)
	require.NoError(t, err)
	got, err = g.BolusIncrement(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0.025, got)
}
