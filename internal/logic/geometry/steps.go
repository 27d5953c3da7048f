package geometry

import (
	"math"

	"github.com/cjeanneret/ReelGo/internal/config"
)

// StepsCalculator converts film travel to motor half-steps.
type StepsCalculator struct {
	stepsPerMm float64
	override   int
}

// NewStepsCalculator creates a step calculator from configuration.
func NewStepsCalculator(cfg *config.Config) *StepsCalculator {
	// One roller revolution pulls its circumference of film.
	circumference := math.Pi * cfg.Motor.RollerDiameterMm
	var perMm float64
	if circumference > 0 {
		perMm = float64(cfg.Motor.StepsPerRev) / circumference
	}
	return &StepsCalculator{
		stepsPerMm: perMm,
		override:   cfg.Film.FramePitchSteps,
	}
}

// StepsPerMm returns the half-steps needed to move the film one millimetre.
func (s *StepsCalculator) StepsPerMm() float64 {
	return s.stepsPerMm
}

// StepsFromMm converts a film travel (in mm) to motor steps, rounded to the
// nearest step.
func (s *StepsCalculator) StepsFromMm(mm float64) int {
	return int(math.Round(mm * s.stepsPerMm))
}

// MmFromSteps converts motor steps back to film travel.
func (s *StepsCalculator) MmFromSteps(steps int) float64 {
	if s.stepsPerMm == 0 {
		return 0
	}
	return float64(steps) / s.stepsPerMm
}

// AdvanceSteps returns the steps between two captures. A configured
// frame_pitch_steps takes precedence over the computed value; the result is
// never below one step.
func (s *StepsCalculator) AdvanceSteps(field *FieldCalculator) int {
	if s.override > 0 {
		return s.override
	}
	return max(1, s.StepsFromMm(field.AdvanceMm()))
}

// FieldSteps returns the steps spanning one full camera field.
func (s *StepsCalculator) FieldSteps(field *FieldCalculator) int {
	if s.override > 0 {
		// the override is the advance, scale it back to the whole field
		keep := 1 - field.cfg.OverlapRatio()
		return max(1, int(math.Round(float64(s.override)/keep)))
	}
	return max(1, s.StepsFromMm(field.FieldWidthMm()))
}
