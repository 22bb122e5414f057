// Package prediction forecasts blood glucose along the insulin-only, carb,
// zero-temp and unannounced-meal hypotheses and turns the forecast into a
// dosing recommendation.
package prediction

import (
	"math"
)

const (
	// StepMinutes is the simulation step
	StepMinutes = 7.5
	// Steps covers a 6 hour horizon
	Steps = 48

	// MinPredBG and MaxPredBG bound every simulated value
	MinPredBG = 40.0
	MaxPredBG = 400.0

	minCarbHours = 0.25
)

// Config tunes the simulation
type Config struct {
	CarbAbsorptionHours float64 // default absorption time of announced carbs
	UAMHours            float64 // how long an unexplained rise is assumed to last
	EnableUAM           bool
	EnableSMB           bool
}

// DefaultConfig returns the recommended configuration
func DefaultConfig() Config {
	return Config{
		CarbAbsorptionHours: 3,
		UAMHours:            3,
		EnableUAM:           true,
		EnableSMB:           false,
	}
}

// Input is the state the simulation starts from
type Input struct {
	BG        float64 // mg/dL
	IOB       float64 // U
	COB       float64 // g
	ISF       float64 // mg/dL per U
	CarbRatio float64 // g per U
	Basal     float64 // U/h
	Target    float64 // mg/dL
	DIA       float64 // hours
	Deviation float64 // unexplained mg/dL per 5 min, drives UAM
}

// Trajectories are the four simulated curves, one value per step
type Trajectories struct {
	IOB []float64
	ZT  []float64
	COB []float64
	UAM []float64
}

// Result is the outcome of one simulation
type Result struct {
	Trajectories       Trajectories
	InsulinRequirement float64
	EventualBG         float64
	MinPredBG          float64
	Basis              string // trajectory EventualBG was taken from
	Fields             ReasonFields
	Reason             string // rendered from Fields with no microbolus decided
}

// Engine runs the forward simulation. It holds no state between calls.
type Engine struct {
	config Config
}

// NewEngine creates an engine with the given configuration
func NewEngine(config Config) *Engine {
	if config.CarbAbsorptionHours <= 0 {
		config.CarbAbsorptionHours = DefaultConfig().CarbAbsorptionHours
	}
	if config.UAMHours <= 0 {
		config.UAMHours = DefaultConfig().UAMHours
	}
	return &Engine{config: config}
}

// Config returns the engine configuration
func (e *Engine) Config() Config {
	return e.config
}

// Predict simulates 48 steps of 7.5 minutes from the input state
func (e *Engine) Predict(in Input) Result {
	traj := e.simulate(in)

	res := Result{
		Trajectories:       traj,
		InsulinRequirement: InsulinRequirement(in.BG, in.Target, in.ISF, in.IOB),
	}
	res.EventualBG, res.MinPredBG, res.Basis = e.selectEventual(traj, in)
	res.Fields = ReasonFields{
		COB:        in.COB,
		Deviation:  in.Deviation,
		ISF:        in.ISF,
		CarbRatio:  in.CarbRatio,
		Target:     in.Target,
		MinPredBG:  res.MinPredBG,
		IOBPredBG:  last(traj.IOB),
		COBPredBG:  last(traj.COB),
		UAMPredBG:  last(traj.UAM),
		InsulinReq: res.InsulinRequirement,
	}
	res.Reason = Reason(res.Fields)
	return res
}

func (e *Engine) simulate(in Input) Trajectories {
	stepHours := StepMinutes / 60
	dia := in.DIA
	if dia <= 0 {
		dia = 3
	}

	traj := Trajectories{
		IOB: make([]float64, 0, Steps),
		ZT:  make([]float64, 0, Steps),
		COB: make([]float64, 0, Steps),
		UAM: make([]float64, 0, Steps),
	}

	bgIOB := clamp(in.BG)
	bgZT, bgCOB, bgUAM := bgIOB, bgIOB, bgIOB
	iob := math.Max(0, in.IOB)
	cob := math.Max(0, in.COB)
	carbsActive := in.ISF > 0 && in.CarbRatio > 0
	uamDeviation := 0.0
	if e.config.EnableUAM && in.Deviation > 0 {
		uamDeviation = in.Deviation
	}

	for step := 1; step <= Steps; step++ {
		insulinDrop := iob * in.ISF / dia * stepHours

		burnRate := math.Min(cob, cob/math.Max(minCarbHours, e.config.CarbAbsorptionHours))
		carbRise := 0.0
		if carbsActive {
			carbRise = burnRate / in.CarbRatio * in.ISF * stepHours
		}

		ztDrift := in.Basal * in.ISF * stepHours

		// unexplained rise tapers linearly to zero over UAMHours
		uamRise := 0.0
		if elapsed := float64(step) * stepHours; uamDeviation > 0 && elapsed < e.config.UAMHours {
			uamRise = uamDeviation * (StepMinutes / 5) * (1 - elapsed/e.config.UAMHours)
		}

		bgIOB = clamp(bgIOB - insulinDrop)
		bgZT = clamp(bgZT - insulinDrop + ztDrift)
		bgCOB = clamp(bgCOB - insulinDrop + carbRise)
		bgUAM = clamp(bgUAM - insulinDrop + uamRise)

		traj.IOB = append(traj.IOB, round(bgIOB, 0))
		traj.ZT = append(traj.ZT, round(bgZT, 0))
		traj.COB = append(traj.COB, round(bgCOB, 0))
		traj.UAM = append(traj.UAM, round(bgUAM, 0))

		iob = math.Max(0, iob-iob*(stepHours/dia))
		cob = math.Max(0, cob-burnRate*stepHours)
	}
	return traj
}

// selectEventual picks the trajectory the recommendation is based on: the
// carb curve while carbs are on board, the UAM curve when an unexplained rise
// outpaces insulin, otherwise the insulin-only curve.
func (e *Engine) selectEventual(traj Trajectories, in Input) (eventual, minPred float64, basis string) {
	selected, basis := traj.IOB, "IOB"
	switch {
	case in.COB > 0:
		selected, basis = traj.COB, "COB"
	case e.config.EnableUAM && in.Deviation > 0 && last(traj.UAM) > last(traj.IOB):
		selected, basis = traj.UAM, "UAM"
	}
	if len(selected) == 0 {
		return in.BG, in.BG, basis
	}
	minPred = selected[0]
	for _, v := range selected {
		minPred = math.Min(minPred, v)
	}
	return last(selected), minPred, basis
}

// InsulinRequirement is the correction still needed after active insulin
func InsulinRequirement(bg, target, isf, iob float64) float64 {
	if isf <= 0 {
		return 0
	}
	return round(math.Max(0, (bg-target)/isf-math.Max(0, iob)), 2)
}

func clamp(v float64) float64 {
	if math.IsNaN(v) {
		return MinPredBG
	}
	return math.Max(MinPredBG, math.Min(MaxPredBG, v))
}

func last(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	return values[len(values)-1]
}

func round(v float64, decimals int) float64 {
	pow := math.Pow(10, float64(decimals))
	return math.Round(v*pow) / pow
}
