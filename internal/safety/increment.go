package safety

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sync"

	"go.uber.org/zap"
)

// BolusIncrementKey is the settings blob holding the learned increment
const BolusIncrementKey = "bolus_increment"

// candidate steps, smallest first; anything coarser is assumed to be 0.1 U
var incrementSteps = []float64{0.025, 0.05}

const fallbackIncrement = 0.1

// BlobStore reads and writes named settings blobs
type BlobStore interface {
	GetSetting(ctx context.Context, key string) ([]byte, bool, error)
	PutSetting(ctx context.Context, key string, value []byte) error
}

// IncrementPreference is the configured bolus increment, converging on
// whatever the pump hardware actually supports.
type IncrementPreference struct {
	mu       sync.Mutex
	store    BlobStore
	fallback float64
	log      *zap.Logger
}

// NewIncrementPreference creates a preference backed by store, starting
// from fallback until a value has been persisted.
func NewIncrementPreference(store BlobStore, fallback float64, log *zap.Logger) *IncrementPreference {
	if fallback <= 0 {
		fallback = fallbackIncrement
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &IncrementPreference{store: store, fallback: fallback, log: log}
}

// Get returns the current preference
func (p *IncrementPreference) Get(ctx context.Context) (float64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.get(ctx)
}

func (p *IncrementPreference) get(ctx context.Context) (float64, error) {
	raw, ok, err := p.store.GetSetting(ctx, BolusIncrementKey)
	if err != nil {
		return 0, fmt.Errorf("read %s: %w", BolusIncrementKey, err)
	}
	if !ok {
		return p.fallback, nil
	}
	var v float64
	if err := json.Unmarshal(raw, &v); err != nil || v <= 0 {
		return p.fallback, nil
	}
	return v, nil
}

// DetectIncrement checks the pump's rounding at small volumes and returns
// the finest step it delivers exactly.
func DetectIncrement(r Rounder) float64 {
	for _, step := range incrementSteps {
		if math.Abs(r.RoundBolus(step)-step) < 1e-9 {
			return step
		}
	}
	return fallbackIncrement
}

// Converge detects the pump's increment and stores it when it differs from
// the current preference. It reports whether the preference changed.
func (p *IncrementPreference) Converge(ctx context.Context, r Rounder) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	detected := DetectIncrement(r)
	current, err := p.get(ctx)
	if err != nil {
		return false, err
	}
	if math.Abs(current-detected) < 1e-9 {
		return false, nil
	}

	raw, err := json.Marshal(detected)
	if err != nil {
		return false, err
	}
	if err := p.store.PutSetting(ctx, BolusIncrementKey, raw); err != nil {
		return false, fmt.Errorf("write %s: %w", BolusIncrementKey, err)
	}
	p.log.Info("bolus increment updated from pump",
		zap.Float64("previous", current),
		zap.Float64("detected", detected))
	return true, nil
}
