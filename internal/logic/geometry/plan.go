package geometry

import (
	"math"

	"github.com/cjeanneret/ReelGo/internal/config"
)

// ReelPlan describes how a reel is covered by successive captures.
type ReelPlan struct {
	FieldWidthMm float64 // film width seen by one capture
	AdvanceMm    float64 // film travel between captures
	AdvanceSteps int     // motor steps between captures
	FieldSteps   int     // motor steps spanning one field

	// EstimatedFrames is the capture count needed to cover film.length_mm,
	// 0 when the length is unknown.
	EstimatedFrames int
	// MaxFrames is the session ceiling: scan.max_frames, lowered to the
	// estimate when the film length is known.
	MaxFrames int
}

// CalculateReelPlan calculates the complete plan from config and the
// field/steps calculators.
func CalculateReelPlan(cfg *config.Config, field *FieldCalculator, steps *StepsCalculator) *ReelPlan {
	plan := &ReelPlan{
		FieldWidthMm: field.FieldWidthMm(),
		AdvanceMm:    field.AdvanceMm(),
		AdvanceSteps: steps.AdvanceSteps(field),
		FieldSteps:   steps.FieldSteps(field),
		MaxFrames:    cfg.Scan.MaxFrames,
	}

	if cfg.Film.LengthMm > 0 && plan.AdvanceMm > 0 {
		// first capture covers one field, every next one adds an advance
		rest := cfg.Film.LengthMm - plan.FieldWidthMm
		n := 1
		if rest > 0 {
			n += int(math.Ceil(rest / plan.AdvanceMm))
		}
		plan.EstimatedFrames = n
		if plan.MaxFrames <= 0 || n < plan.MaxFrames {
			plan.MaxFrames = n
		}
	}
	if plan.MaxFrames < 1 {
		plan.MaxFrames = 1
	}
	return plan
}
