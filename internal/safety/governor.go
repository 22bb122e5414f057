package safety

import (
	"context"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/mrcode/nightscout-loop/internal/models"
	"github.com/mrcode/nightscout-loop/internal/pump"
)

// DefaultCommandTimeout bounds each pump command
const DefaultCommandTimeout = 60 * time.Second

// Limits are the hard delivery ceilings of the profile
type Limits struct {
	MaxBasal float64 // U/h
	MaxBolus float64 // U
}

// LimitsFrom reads the limits of a sanitized profile
func LimitsFrom(p *models.Profile) Limits {
	return Limits{MaxBasal: p.MaxBasal, MaxBolus: p.MaxBolus}
}

// Command is a raw dosing request
type Command struct {
	Rate     *float64 // U/h
	Duration *int     // minutes
	Units    *float64
}

// CommandFrom extracts the request carried by a suggestion
func CommandFrom(s *models.Suggestion) Command {
	return Command{Rate: s.Rate, Duration: s.Duration, Units: s.Units}
}

// Authorized is a command that passed every check and is safe to send
type Authorized struct {
	Rate     *float64
	Duration time.Duration
	Units    float64 // 0 means no bolus
	Notes    []string
}

// Empty reports whether there is nothing to send
func (a *Authorized) Empty() bool {
	return a.Rate == nil && a.Units <= 0
}

// Summary describes the authorized command
func (a *Authorized) Summary() string {
	var parts []string
	if a.Rate != nil {
		parts = append(parts, fmt.Sprintf("temp %.2f U/h for %s", *a.Rate, a.Duration))
	}
	if a.Units > 0 {
		parts = append(parts, fmt.Sprintf("bolus %.2f U", a.Units))
	}
	if len(parts) == 0 {
		parts = append(parts, "nothing to enact")
	}
	parts = append(parts, a.Notes...)
	return strings.Join(parts, ", ")
}

// Rounder rounds amounts to what a pump can deliver
type Rounder interface {
	RoundBasal(rate float64) float64
	RoundBolus(units float64) float64
}

// Authorize checks a command against the pump state and limits, then
// clamps and rounds it. It sends nothing to the pump.
func Authorize(cmd Command, status models.PumpStatus, rounder Rounder, limits Limits) (*Authorized, error) {
	switch {
	case status.Bolusing:
		return nil, reject(InvalidPumpState, "pump is bolusing")
	case status.Suspended:
		return nil, reject(InvalidPumpState, "pump is suspended")
	case status.Reservoir <= 0:
		return nil, reject(InvalidPumpState, "reservoir empty")
	case status.Timestamp.IsZero():
		return nil, reject(StaleOrInsufficientData, "pump status never refreshed")
	}

	auth := &Authorized{}

	if cmd.Rate != nil {
		if cmd.Duration == nil || *cmd.Duration <= 0 {
			return nil, reject(StaleOrInsufficientData, "temp basal without duration")
		}
		if math.IsNaN(*cmd.Rate) || math.IsInf(*cmd.Rate, 0) {
			return nil, reject(StaleOrInsufficientData, "temp basal rate is not a number")
		}
		rate := math.Max(0, math.Min(*cmd.Rate, limits.MaxBasal))
		if rate < *cmd.Rate {
			auth.Notes = append(auth.Notes, fmt.Sprintf("rate limited to maxBasal %.2f", limits.MaxBasal))
		}
		rate = rounder.RoundBasal(rate)
		if rate > limits.MaxBasal {
			rate = limits.MaxBasal
		}
		auth.Rate = &rate
		auth.Duration = time.Duration(*cmd.Duration) * time.Minute
	}

	if cmd.Units != nil && *cmd.Units > 0 {
		if math.IsNaN(*cmd.Units) || math.IsInf(*cmd.Units, 0) {
			return nil, reject(StaleOrInsufficientData, "bolus is not a number")
		}
		units := rounder.RoundBolus(*cmd.Units)
		if units > limits.MaxBolus {
			units = rounder.RoundBolus(limits.MaxBolus)
			if units > limits.MaxBolus {
				units = 0
			}
			auth.Notes = append(auth.Notes, fmt.Sprintf("bolus limited to maxBolus %.2f", limits.MaxBolus))
		}
		switch {
		case units <= 0:
			auth.Notes = append(auth.Notes, fmt.Sprintf("bolus %.3f U below pump increment, skipped", *cmd.Units))
			units = 0
		case units > status.Reservoir:
			return nil, reject(InvalidPumpState, "reservoir %.2f U below bolus %.2f U", status.Reservoir, units)
		}
		auth.Units = units
	}

	return auth, nil
}

// Governor authorizes commands and sends them to the pump, one at a time
type Governor struct {
	pump  pump.Adapter
	prefs *IncrementPreference
	log   *zap.Logger

	mu      sync.Mutex
	timeout time.Duration
}

// NewGovernor creates a governor for the pump. prefs may be nil, in which
// case bolus increment detection is skipped.
func NewGovernor(p pump.Adapter, prefs *IncrementPreference, log *zap.Logger) *Governor {
	if log == nil {
		log = zap.NewNop()
	}
	return &Governor{
		pump:    p,
		prefs:   prefs,
		timeout: DefaultCommandTimeout,
		log:     log,
	}
}

// SetCommandTimeout changes the per-command timeout
func (g *Governor) SetCommandTimeout(d time.Duration) {
	if d > 0 {
		g.mu.Lock()
		g.timeout = d
		g.mu.Unlock()
	}
}

// BolusIncrement returns the stored bolus increment, or 0 when no preference
// is configured
func (g *Governor) BolusIncrement(ctx context.Context) (float64, error) {
	if g.prefs == nil {
		return 0, nil
	}
	return g.prefs.Get(ctx)
}

// Authorize runs the pure checks using the pump's rounding
func (g *Governor) Authorize(cmd Command, status models.PumpStatus, limits Limits) (*Authorized, error) {
	return Authorize(cmd, status, g.pump, limits)
}

// Enact authorizes the suggestion against status and sends the temp basal,
// then the bolus. Nothing is retried.
func (g *Governor) Enact(ctx context.Context, s *models.Suggestion, status models.PumpStatus, limits Limits) (*Authorized, error) {
	auth, err := g.Authorize(CommandFrom(s), status, limits)
	if err != nil {
		return nil, err
	}

	if auth.Rate != nil {
		if err := g.send(ctx, func(ctx context.Context) error {
			return g.pump.EnactTempBasal(ctx, *auth.Rate, auth.Duration)
		}); err != nil {
			return nil, pumpError("set temp basal", err)
		}
		g.log.Info("temp basal set",
			zap.String("suggestion", s.ID),
			zap.Float64("rate", *auth.Rate),
			zap.Duration("duration", auth.Duration))
	}

	if auth.Units > 0 {
		if err := g.send(ctx, func(ctx context.Context) error {
			return g.pump.EnactBolus(ctx, auth.Units)
		}); err != nil {
			return nil, pumpError("deliver bolus", err)
		}
		g.log.Info("bolus delivered", zap.String("suggestion", s.ID), zap.Float64("units", auth.Units))

		if g.prefs != nil {
			if _, err := g.prefs.Converge(ctx, g.pump); err != nil {
				g.log.Warn("bolus increment detection failed", zap.Error(err))
			}
		}
	}

	return auth, nil
}

func (g *Governor) send(ctx context.Context, fn func(ctx context.Context) error) error {
	g.mu.Lock()
	timeout := g.timeout
	g.mu.Unlock()
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return fn(cctx)
}
