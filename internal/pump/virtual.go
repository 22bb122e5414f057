package pump

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mrcode/nightscout-loop/internal/models"
)

// VirtualConfig describes the simulated hardware
type VirtualConfig struct {
	BasalStep      float64       `yaml:"basalStep"`
	BolusStep      float64       `yaml:"bolusStep"`
	Reservoir      float64       `yaml:"reservoir"`
	BatteryPercent int           `yaml:"batteryPercent"`
	Latency        time.Duration `yaml:"latency"` // delay of every status refresh
}

// DefaultVirtualConfig returns a pump with common step sizes
func DefaultVirtualConfig() VirtualConfig {
	return VirtualConfig{
		BasalStep:      0.05,
		BolusStep:      0.05,
		Reservoir:      200,
		BatteryPercent: 100,
	}
}

// Command is one delivery command the virtual pump accepted
type Command struct {
	Kind     models.DoseKind
	Amount   float64
	Duration time.Duration
	At       time.Time
}

// Virtual is an in-memory pump. It keeps a dose history so IOB can be
// computed from what it delivered.
type Virtual struct {
	mu       sync.Mutex
	config   VirtualConfig
	status   models.PumpStatus
	tempEnd  time.Time
	history  []models.InsulinDoseEvent
	commands []Command
	failNext error
	clock    func() time.Time
}

// NewVirtual creates a virtual pump
func NewVirtual(config VirtualConfig) *Virtual {
	def := DefaultVirtualConfig()
	if config.BasalStep <= 0 {
		config.BasalStep = def.BasalStep
	}
	if config.BolusStep <= 0 {
		config.BolusStep = def.BolusStep
	}
	return &Virtual{
		config: config,
		status: models.PumpStatus{
			Reservoir:      config.Reservoir,
			BatteryPercent: config.BatteryPercent,
		},
		clock: time.Now,
	}
}

// SetClock replaces the time source
func (v *Virtual) SetClock(clock func() time.Time) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.clock = clock
}

// SetSuspended forces the suspended flag
func (v *Virtual) SetSuspended(suspended bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.status.Suspended = suspended
}

// SetBolusing forces the bolusing flag
func (v *Virtual) SetBolusing(bolusing bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.status.Bolusing = bolusing
}

// SetReservoir sets the remaining insulin
func (v *Virtual) SetReservoir(units float64) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.status.Reservoir = units
}

// FailNext makes the next command return err
func (v *Virtual) FailNext(err error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.failNext = err
}

// Commands returns the accepted commands in order
func (v *Virtual) Commands() []Command {
	v.mu.Lock()
	defer v.mu.Unlock()
	out := make([]Command, len(v.commands))
	copy(out, v.commands)
	return out
}

// Status implements Adapter
func (v *Virtual) Status(ctx context.Context) (models.PumpStatus, error) {
	if v.config.Latency > 0 {
		select {
		case <-time.After(v.config.Latency):
		case <-ctx.Done():
			return models.PumpStatus{}, ctx.Err()
		}
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	now := v.clock()
	v.expireTemp(now)
	st := v.status
	st.Timestamp = now
	return st, nil
}

// RoundBasal implements Adapter
func (v *Virtual) RoundBasal(rate float64) float64 {
	return floorTo(rate, v.config.BasalStep)
}

// RoundBolus implements Adapter
func (v *Virtual) RoundBolus(units float64) float64 {
	return floorTo(units, v.config.BolusStep)
}

// EnactTempBasal implements Adapter
func (v *Virtual) EnactTempBasal(ctx context.Context, rate float64, duration time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.takeFailure(); err != nil {
		return err
	}
	if v.status.Suspended {
		return ErrSuspended
	}

	now := v.clock()
	v.status.TempBasalActive = true
	v.status.TempBasalRate = rate
	v.tempEnd = now.Add(duration)
	v.record(models.DoseTempBasalStart, rate, duration, now)
	return nil
}

// EnactBolus implements Adapter. Delivery is instantaneous.
func (v *Virtual) EnactBolus(ctx context.Context, units float64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.takeFailure(); err != nil {
		return err
	}
	switch {
	case v.status.Suspended:
		return ErrSuspended
	case v.status.Bolusing:
		return ErrBolusInProgress
	case v.status.Reservoir < units:
		return fmt.Errorf("%w: %.2f U left, %.2f U requested", ErrReservoirEmpty, v.status.Reservoir, units)
	}

	v.status.Reservoir -= units
	v.record(models.DoseBolus, units, 0, v.clock())
	return nil
}

// Suspend implements Adapter
func (v *Virtual) Suspend(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.takeFailure(); err != nil {
		return err
	}
	v.status.Suspended = true
	v.status.TempBasalActive = false
	v.record(models.DoseSuspend, 0, 0, v.clock())
	return nil
}

// Resume implements Adapter
func (v *Virtual) Resume(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.takeFailure(); err != nil {
		return err
	}
	v.status.Suspended = false
	v.record(models.DoseResume, 0, 0, v.clock())
	return nil
}

// History implements Adapter
func (v *Virtual) History(ctx context.Context, since time.Time) ([]models.InsulinDoseEvent, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	var out []models.InsulinDoseEvent
	for _, e := range v.history {
		if !e.Timestamp.Before(since) {
			out = append(out, e)
		}
	}
	return out, nil
}

func (v *Virtual) expireTemp(now time.Time) {
	if v.status.TempBasalActive && !now.Before(v.tempEnd) {
		v.status.TempBasalActive = false
		v.status.TempBasalRate = 0
	}
}

func (v *Virtual) takeFailure() error {
	err := v.failNext
	v.failNext = nil
	return err
}

func (v *Virtual) record(kind models.DoseKind, amount float64, duration time.Duration, at time.Time) {
	v.history = append(v.history, models.InsulinDoseEvent{
		ID:        uuid.NewString(),
		Timestamp: at,
		Kind:      kind,
		Amount:    amount,
		Duration:  duration,
	})
	v.commands = append(v.commands, Command{Kind: kind, Amount: amount, Duration: duration, At: at})
}

// floorTo rounds v down to a multiple of step, tolerating float noise
func floorTo(v, step float64) float64 {
	if v <= 0 || step <= 0 {
		return 0
	}
	n := math.Floor(v/step + 1e-9)
	return math.Round(n*step*1000) / 1000
}

var _ Adapter = (*Virtual)(nil)
