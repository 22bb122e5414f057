package prediction

import (
	"fmt"
	"strings"
)

// ReasonFields are the values summarized in a reason string
type ReasonFields struct {
	COB        float64
	Deviation  float64
	ISF        float64
	CarbRatio  float64
	Target     float64
	MinPredBG  float64
	IOBPredBG  float64
	COBPredBG  float64
	UAMPredBG  float64
	InsulinReq float64
	SMB        bool // the suggestion carries a microbolus
}

// Reason renders the fields in a fixed order with fixed precision, so equal
// inputs always produce the same string.
func Reason(f ReasonFields) string {
	smb := "off"
	if f.SMB {
		smb = "on"
	}
	return fmt.Sprintf(
		"COB: %.0f, Dev: %.1f, ISF: %.0f, CR: %.1f, Target: %.0f, minPredBG %.0f, IOBpredBG %.0f, COBpredBG %.0f, UAMpredBG %.0f, insulinReq %.2f, SMB: %s",
		f.COB, f.Deviation, f.ISF, f.CarbRatio, f.Target,
		f.MinPredBG, f.IOBPredBG, f.COBPredBG, f.UAMPredBG, f.InsulinReq, smb,
	)
}

// appendReason joins decision notes onto a reason with "; "
func appendReason(reason string, notes ...string) string {
	parts := []string{reason}
	for _, n := range notes {
		if n != "" {
			parts = append(parts, n)
		}
	}
	return strings.Join(parts, "; ")
}
