package prediction

import (
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/mrcode/nightscout-loop/internal/absorption"
	"github.com/mrcode/nightscout-loop/internal/glucose"
	"github.com/mrcode/nightscout-loop/internal/insulin"
	"github.com/mrcode/nightscout-loop/internal/models"
)

// TempMinutes is the duration of every temp basal the engine recommends
const TempMinutes = 30

// smbBasalMinutes caps a microbolus at this many minutes of scheduled basal
const smbBasalMinutes = 30

// DetermineInput is everything one dosing decision reads
type DetermineInput struct {
	Glucose        *glucose.Status
	Insulin        insulin.Totals
	Carbs          absorption.Result
	Profile        *models.Profile // already sanitized
	Warnings       []string        // substitutions made while sanitizing the profile
	BolusIncrement float64         // microboluses are floored to this step; 0 leaves them unrounded
	Now            time.Time
}

// Determine runs the simulation and derives a temp basal, an optional
// microbolus and a carb suggestion from it.
func (e *Engine) Determine(in DetermineInput) *models.Suggestion {
	pv := in.Profile.At(in.Now)
	target := pv.Target()

	// resistance (ratio > 1) lowers ISF and raises basal
	ratio := in.Carbs.SensitivityRatio
	if ratio <= 0 {
		ratio = 1
	}
	pv.ISF /= ratio
	pv.Basal *= ratio

	res := e.Predict(Input{
		BG:        in.Glucose.Glucose,
		IOB:       in.Insulin.IOB,
		COB:       in.Carbs.COB,
		ISF:       pv.ISF,
		CarbRatio: pv.CarbRatio,
		Basal:     pv.Basal,
		Target:    target,
		DIA:       in.Profile.DIA,
		Deviation: in.Carbs.Deviations.Current,
	})

	s := &models.Suggestion{
		ID: uuid.NewString(),
		Predictions: models.Predictions{
			IOB:      res.Trajectories.IOB,
			ZT:       res.Trajectories.ZT,
			COB:      res.Trajectories.COB,
			UAM:      res.Trajectories.UAM,
			StepMins: StepMinutes,
		},
		BG:                 in.Glucose.Glucose,
		EventualBG:         res.EventualBG,
		MinPredBG:          res.MinPredBG,
		IOB:                round(in.Insulin.IOB, 2),
		COB:                in.Carbs.COB,
		InsulinRequirement: res.InsulinRequirement,
		SensitivityRatio:   ratio,
		Timestamp:          in.Now,
		DeliverAt:          in.Now,
	}

	// halfway between the low target and 40 mg/dL
	threshold := pv.TargetLow - 0.5*(pv.TargetLow-MinPredBG)
	if res.MinPredBG < threshold && pv.ISF > 0 {
		s.CarbsRequired = math.Ceil((threshold - res.MinPredBG) * pv.CarbRatio / pv.ISF)
	}

	var decision string
	switch {
	case res.MinPredBG < threshold:
		s.Rate, s.Duration = models.Float(0), models.Int(TempMinutes)
		decision = fmt.Sprintf("minPredBG %.0f < threshold %.0f, setting zero temp", res.MinPredBG, threshold)

	case res.EventualBG < pv.TargetLow:
		rate := 0.0
		if pv.ISF > 0 {
			rate = math.Max(0, pv.Basal+2*(res.EventualBG-target)/pv.ISF)
		}
		s.Rate, s.Duration = models.Float(round(rate, 2)), models.Int(TempMinutes)
		decision = fmt.Sprintf("eventualBG %.0f < %.0f, temp %.2f U/h", res.EventualBG, pv.TargetLow, rate)

	case res.EventualBG > pv.TargetHigh && res.InsulinRequirement > 0:
		rate, units, note := e.highTemp(res.InsulinRequirement, pv.Basal, in)
		s.Rate, s.Duration = models.Float(round(rate, 2)), models.Int(TempMinutes)
		if units > 0 {
			s.Units = models.Float(round(units, 3))
		}
		decision = fmt.Sprintf("eventualBG %.0f > %.0f, temp %.2f U/h", res.EventualBG, pv.TargetHigh, rate)
		if note != "" {
			decision += ", " + note
		}

	default:
		decision = fmt.Sprintf("eventualBG %.0f in range, no temp required", res.EventualBG)
	}

	if s.CarbsRequired > 0 {
		decision += fmt.Sprintf(", %.0f add'l carbs req", s.CarbsRequired)
	}

	var notes []string
	if ratio != 1 {
		notes = append(notes, fmt.Sprintf("autosens ratio %.2f", ratio))
	}
	notes = append(notes, decision)
	notes = append(notes, in.Warnings...)

	fields := res.Fields
	fields.SMB = s.HasBolus()
	s.Reason = appendReason(Reason(fields), notes...)
	return s
}

// highTemp computes the raised rate and microbolus, bounded by maxBasal and
// by the IOB headroom left under maxIOB.
func (e *Engine) highTemp(insulinReq, basal float64, in DetermineInput) (rate, units float64, note string) {
	rate = basal + 2*insulinReq

	maxBasal := in.Profile.MaxBasal
	if maxBasal > 0 && rate > maxBasal {
		rate = maxBasal
		note = fmt.Sprintf("adj. req. rate to maxBasal %.2f", maxBasal)
	}

	headroom := math.Max(0, in.Profile.MaxIOB-in.Insulin.IOB)
	// a 30 minute temp adds (rate - basal) / 2 units
	if extra := (rate - basal) * TempMinutes / 60; extra > headroom {
		rate = basal + headroom*60/TempMinutes
		note = fmt.Sprintf("IOB %.2f near maxIOB %.2f", in.Insulin.IOB, in.Profile.MaxIOB)
	}

	if !e.config.EnableSMB {
		return rate, 0, note
	}
	units = math.Min(insulinReq/2, basal*smbBasalMinutes/60)
	units = math.Min(units, math.Max(0, headroom-(rate-basal)*TempMinutes/60))
	if step := in.BolusIncrement; step > 0 {
		units = math.Floor(units/step+1e-9) * step
	}
	if units > 0 {
		smb := fmt.Sprintf("microbolusing %.2f U", units)
		if note != "" {
			note += ", " + smb
		} else {
			note = smb
		}
	}
	return rate, units, note
}
