package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/mrcode/nightscout-loop/internal/config"
	"github.com/mrcode/nightscout-loop/internal/models"
)

func printSuggestion(cmd *cobra.Command, s *models.Suggestion) {
	w := cmd.OutOrStdout()
	fmt.Fprintf(w, "%s  %s\n", s.Timestamp.Local().Format(time.DateTime), s.ID)
	fmt.Fprintf(w, "BG %s  eventual %s  min %s\n", glucose(s.BG), glucose(s.EventualBG), glucose(s.MinPredBG))
	fmt.Fprintf(w, "IOB %.2f U  COB %.0f g  insulinReq %.2f U\n", s.IOB, s.COB, s.InsulinRequirement)
	if s.HasTempBasal() {
		fmt.Fprintf(w, "temp %.2f U/h for %dm\n", *s.Rate, *s.Duration)
	}
	if s.HasBolus() {
		fmt.Fprintf(w, "microbolus %.2f U\n", *s.Units)
	}
	if s.CarbsRequired > 0 {
		fmt.Fprintf(w, "carbs required %.0f g\n", s.CarbsRequired)
	}
	if s.EnactedAt != nil {
		fmt.Fprintf(w, "enacted=%t: %s\n", s.Enacted, s.Outcome)
	}
	fmt.Fprintf(w, "%s\n", s.Reason)
}

func glucose(mgdl float64) string {
	if settings != nil && settings.Units == config.UnitMmolL {
		return fmt.Sprintf("%.1f", models.ToMmol(mgdl))
	}
	return fmt.Sprintf("%.0f", mgdl)
}

func printSummary(cmd *cobra.Command, s *models.Suggestion) {
	action := "no change"
	switch {
	case s.HasTempBasal():
		action = fmt.Sprintf("temp %.2f U/h", *s.Rate)
	case s.HasBolus():
		action = fmt.Sprintf("smb %.2f U", *s.Units)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s  BG %s -> %s  %s  enacted=%t\n",
		s.Timestamp.Local().Format(time.TimeOnly), glucose(s.BG), glucose(s.EventualBG), action, s.Enacted)
}
