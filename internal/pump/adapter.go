// Package pump defines how the loop talks to an insulin pump
package pump

import (
	"context"
	"errors"
	"time"

	"github.com/mrcode/nightscout-loop/internal/models"
)

var (
	// ErrSuspended is returned when delivery is requested while suspended
	ErrSuspended = errors.New("pump suspended")
	// ErrBolusInProgress is returned when a bolus is requested during another
	ErrBolusInProgress = errors.New("bolus in progress")
	// ErrReservoirEmpty is returned when the reservoir cannot cover a dose
	ErrReservoirEmpty = errors.New("reservoir empty")
)

// Adapter is a pump driver. Every blocking call honors ctx.
type Adapter interface {
	// Status refreshes and returns the pump state
	Status(ctx context.Context) (models.PumpStatus, error)
	// RoundBasal rounds a rate down to what the pump can deliver
	RoundBasal(rate float64) float64
	// RoundBolus rounds units down to what the pump can deliver
	RoundBolus(units float64) float64
	EnactTempBasal(ctx context.Context, rate float64, duration time.Duration) error
	EnactBolus(ctx context.Context, units float64) error
	Suspend(ctx context.Context) error
	Resume(ctx context.Context) error
	// History returns dose events at or after since, oldest first
	History(ctx context.Context, since time.Time) ([]models.InsulinDoseEvent, error)
}
