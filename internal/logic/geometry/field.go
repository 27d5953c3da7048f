package geometry

import (
	"github.com/cjeanneret/ReelGo/internal/config"
)

// FieldCalculator computes the width of film seen by the camera and the
// film advance needed between two captures.
type FieldCalculator struct {
	cfg *config.Config
}

// NewFieldCalculator creates a new field calculator.
func NewFieldCalculator(cfg *config.Config) *FieldCalculator {
	return &FieldCalculator{cfg: cfg}
}

// FieldWidthMm returns the width of film covered by one capture.
// With sensor and magnification known: field = sensor_width / magnification.
// Otherwise the camera is assumed to be framed on exactly one frame pitch.
func (f *FieldCalculator) FieldWidthMm() float64 {
	cam := f.cfg.Camera
	if cam.SensorWidthMm > 0 && cam.Magnification > 0 {
		return cam.SensorWidthMm / cam.Magnification
	}
	return f.cfg.Film.FramePitchMm
}

// AdvanceMm returns the film travel between two captures.
// If overlap = 20%, then each capture covers 80% new film.
// Advance = field × (1 - overlap_ratio)
func (f *FieldCalculator) AdvanceMm() float64 {
	return f.FieldWidthMm() * (1.0 - f.cfg.OverlapRatio())
}
