// Package evaluate decides whether a captured frame is good enough to keep
// and whether it shows the end of the film.
package evaluate

import (
	"fmt"

	"github.com/cjeanneret/ReelGo/internal/imaging"
)

// Config holds the quality gates. Zero values are replaced by defaults in
// WithDefaults.
type Config struct {
	SharpnessThreshold float64 // minimum Laplacian variance
	BrightnessMin      float64 // minimum mean luma (inclusive)
	BrightnessMax      float64 // maximum mean luma (inclusive)

	FilmEndDark       float64 // mean luma below which a frame is blank film
	FilmEndEdgeFloor  float64 // edge density below which a frame has no content
	FilmEndUniformity float64 // luma stddev below which a frame is featureless
}

// DefaultConfig returns the gates tuned for an HQ camera over a light table.
func DefaultConfig() Config {
	return Config{
		SharpnessThreshold: 100,
		BrightnessMin:      30,
		BrightnessMax:      225,
		FilmEndDark:        15,
		FilmEndEdgeFloor:   0.01,
		FilmEndUniformity:  12,
	}
}

// WithDefaults fills the film-end parameters left at zero.
func (c Config) WithDefaults() Config {
	d := DefaultConfig()
	if c.FilmEndDark == 0 {
		c.FilmEndDark = d.FilmEndDark
	}
	if c.FilmEndEdgeFloor == 0 {
		c.FilmEndEdgeFloor = d.FilmEndEdgeFloor
	}
	if c.FilmEndUniformity == 0 {
		c.FilmEndUniformity = d.FilmEndUniformity
	}
	return c
}

// ConfigError reports an invalid evaluator parameter.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("evaluator: %s %s", e.Field, e.Reason)
}

// Validate checks the gates for consistency.
func (c Config) Validate() error {
	if c.SharpnessThreshold < 0 {
		return &ConfigError{Field: "sharpness_threshold", Reason: "must be >= 0"}
	}
	if c.BrightnessMin < 0 || c.BrightnessMax > 255 {
		return &ConfigError{Field: "brightness", Reason: "must lie within [0, 255]"}
	}
	if c.BrightnessMin >= c.BrightnessMax {
		return &ConfigError{
			Field:  "brightness_min",
			Reason: fmt.Sprintf("(%.1f) must be < brightness_max (%.1f)", c.BrightnessMin, c.BrightnessMax),
		}
	}
	if c.FilmEndEdgeFloor < 0 || c.FilmEndEdgeFloor > 1 {
		return &ConfigError{Field: "film_end_edge_floor", Reason: "must lie within [0, 1]"}
	}
	return nil
}

// Rejection reasons.
const (
	ReasonEmpty     = "empty frame"
	ReasonBlurry    = "too blurry"
	ReasonUnderexp  = "underexposed"
	ReasonOverexp   = "overexposed"
	ReasonDarkFrame = "dark frame"
	ReasonNoContent = "no content"
)

// Verdict is the outcome of evaluating one frame.
type Verdict struct {
	Accept     bool    `json:"accept"`
	Sharpness  float64 `json:"sharpness"`
	Brightness float64 `json:"brightness"`
	Reason     string  `json:"reason,omitempty"`
}

// FilmEnd is the outcome of the film-end heuristic.
type FilmEnd struct {
	End         bool    `json:"end"`
	Brightness  float64 `json:"brightness"`
	EdgeDensity float64 `json:"edge_density"`
	StdDev      float64 `json:"stddev"`
	Reason      string  `json:"reason,omitempty"`
}

// Evaluator applies the quality gates. It holds no mutable state, so the same
// frame always yields the same verdict and concurrent use is safe.
type Evaluator struct {
	cfg Config
}

// New validates cfg and returns an evaluator.
func New(cfg Config) (*Evaluator, error) {
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Evaluator{cfg: cfg}, nil
}

// Config returns the gates in effect.
func (e *Evaluator) Config() Config { return e.cfg }

// Evaluate scores a frame: it is accepted when its Laplacian variance reaches
// the sharpness threshold and its mean luma lies in the exposure window.
func (e *Evaluator) Evaluate(f *imaging.Frame) Verdict {
	if f.Empty() {
		return Verdict{Reason: ReasonEmpty}
	}
	v := Verdict{
		Sharpness: imaging.LaplacianVariance(f.Gray),
	}
	v.Brightness, _ = imaging.MeanStdDev(f.Gray)

	switch {
	case v.Sharpness < e.cfg.SharpnessThreshold:
		v.Reason = ReasonBlurry
	case v.Brightness < e.cfg.BrightnessMin:
		v.Reason = ReasonUnderexp
	case v.Brightness > e.cfg.BrightnessMax:
		v.Reason = ReasonOverexp
	default:
		v.Accept = true
	}
	return v
}

// IsFilmEnd reports whether a frame shows blank leader or the end of the
// strip: either nearly black, or both edge-free and uniform.
func (e *Evaluator) IsFilmEnd(f *imaging.Frame) FilmEnd {
	if f.Empty() {
		return FilmEnd{End: true, Reason: ReasonEmpty}
	}
	var r FilmEnd
	r.Brightness, r.StdDev = imaging.MeanStdDev(f.Gray)
	if r.Brightness < e.cfg.FilmEndDark {
		r.End = true
		r.Reason = ReasonDarkFrame
		return r
	}
	r.EdgeDensity = imaging.EdgeDensity(f.Gray)
	if r.EdgeDensity < e.cfg.FilmEndEdgeFloor && r.StdDev < e.cfg.FilmEndUniformity {
		r.End = true
		r.Reason = ReasonNoContent
	}
	return r
}
