// Package stitch aligns accepted frames and merges them into one composite.
//
// Every frame is aligned against the previous successfully placed frame; its
// transform to the reference (first placed) frame is the previous transform
// composed with the pairwise one. Frames that cannot be aligned with enough
// confidence are reported in the result and left out of the canvas.
package stitch

import (
	"fmt"
	"strings"

	"github.com/cjeanneret/ReelGo/internal/debug"
	"github.com/cjeanneret/ReelGo/internal/imaging"
)

// Method selects the alignment algorithm.
type Method string

const (
	MethodFeature   Method = "feature"
	MethodIntensity Method = "intensity"
)

// ParseMethod accepts "feature"/"feature-based" and "intensity"/"intensity-based".
func ParseMethod(s string) (Method, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "feature", "feature-based", "feature_based":
		return MethodFeature, nil
	case "intensity", "intensity-based", "intensity_based":
		return MethodIntensity, nil
	}
	return "", fmt.Errorf("unknown stitch method %q (want feature or intensity)", s)
}

// Blend selects how overlapping pixels are combined.
type Blend string

const (
	// BlendOverwrite lets the later frame win in overlaps.
	BlendOverwrite Blend = "overwrite"
	// BlendFeather averages overlaps weighted by distance to each frame edge.
	BlendFeather Blend = "feather"
)

// Config holds the alignment parameters.
type Config struct {
	Method Method
	Blend  Blend

	// feature method
	MinInlierRatio   float64
	MinMatches       int
	MaxFeatures      int
	MaxHamming       int
	RansacIterations int
	RansacThreshold  float64 // pixels at working resolution

	// intensity method
	MinCorrelation float64
	PyramidLevels  int

	WorkWidth       int // frames are halved until no wider than this for alignment
	MaxCanvasPixels int
}

// DefaultConfig returns the parameters used by the rig.
func DefaultConfig() Config {
	return Config{
		Method:           MethodFeature,
		Blend:            BlendOverwrite,
		MinInlierRatio:   0.3,
		MinMatches:       12,
		MaxFeatures:      500,
		MaxHamming:       64,
		RansacIterations: 500,
		RansacThreshold:  3,
		MinCorrelation:   0.6,
		PyramidLevels:    5,
		WorkWidth:        640,
		MaxCanvasPixels:  64 << 20,
	}
}

// WithDefaults fills zero fields from DefaultConfig.
func (c Config) WithDefaults() Config {
	d := DefaultConfig()
	if c.Method == "" {
		c.Method = d.Method
	}
	if c.Blend == "" {
		c.Blend = d.Blend
	}
	if c.MinMatches <= 0 {
		c.MinMatches = d.MinMatches
	}
	if c.MaxFeatures <= 0 {
		c.MaxFeatures = d.MaxFeatures
	}
	if c.MaxHamming <= 0 {
		c.MaxHamming = d.MaxHamming
	}
	if c.RansacIterations <= 0 {
		c.RansacIterations = d.RansacIterations
	}
	if c.RansacThreshold <= 0 {
		c.RansacThreshold = d.RansacThreshold
	}
	if c.PyramidLevels <= 0 {
		c.PyramidLevels = d.PyramidLevels
	}
	if c.WorkWidth < 0 {
		c.WorkWidth = 0
	}
	if c.MaxCanvasPixels <= 0 {
		c.MaxCanvasPixels = d.MaxCanvasPixels
	}
	return c
}

// Validate checks the parameters.
func (c Config) Validate() error {
	if c.Method != MethodFeature && c.Method != MethodIntensity {
		return fmt.Errorf("stitch: unknown method %q", c.Method)
	}
	if c.Blend != BlendOverwrite && c.Blend != BlendFeather {
		return fmt.Errorf("stitch: unknown blend %q", c.Blend)
	}
	if c.MinInlierRatio < 0 || c.MinInlierRatio > 1 {
		return fmt.Errorf("stitch: min_inlier_ratio must be within [0, 1], got %.2f", c.MinInlierRatio)
	}
	if c.MinCorrelation < -1 || c.MinCorrelation > 1 {
		return fmt.Errorf("stitch: min_correlation must be within [-1, 1], got %.2f", c.MinCorrelation)
	}
	return nil
}

// Stitcher merges a complete frame sequence in one pass.
type Stitcher struct {
	cfg Config
}

// New validates cfg and returns a stitcher.
func New(cfg Config) (*Stitcher, error) {
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Stitcher{cfg: cfg}, nil
}

// Config returns the parameters in effect.
func (s *Stitcher) Config() Config { return s.cfg }

// Stitch aligns frames in order. It yields exactly the placements and
// failures that adding the same frames one by one to a Mosaic would.
func (s *Stitcher) Stitch(frames []*imaging.Frame) *Result {
	m := s.NewMosaic()
	for _, f := range frames {
		m.Add(f)
	}
	return m.Result()
}

// NewMosaic starts an empty incremental stitch.
func (s *Stitcher) NewMosaic() *Mosaic {
	var a aligner
	if s.cfg.Method == MethodIntensity {
		a = &intensityAligner{cfg: s.cfg}
	} else {
		a = &featureAligner{cfg: s.cfg}
	}
	return &Mosaic{cfg: s.cfg, aligner: a}
}

// Mosaic is an incremental stitch: frames are added one at a time and only
// the newest frame is analysed on each step. Not safe for concurrent use.
type Mosaic struct {
	cfg     Config
	aligner aligner

	placements []Placement
	failed     []AlignmentFailure
	last       *prepared // last placed frame
	lastT      Homography
}

// Add aligns f against the last placed frame and returns the updated result.
func (m *Mosaic) Add(f *imaging.Frame) *Result {
	if f.Empty() {
		m.failed = append(m.failed, AlignmentFailure{Seq: f.Seq, Reason: ReasonFewFeatures})
		return m.Result()
	}
	p := m.aligner.prepare(f)

	if m.last == nil {
		m.place(f, p, Identity(), 0, 1)
		debug.Verbose("Stitch: frame %d is the reference", f.Seq)
		return m.Result()
	}
	if p.w != m.last.w || p.h != m.last.h {
		m.fail(f.Seq, ReasonSizeChanged, 0)
		return m.Result()
	}

	pw := m.aligner.align(m.last, p)
	if pw.Reason != "" {
		m.fail(f.Seq, pw.Reason, pw.Ratio)
		return m.Result()
	}
	t := m.lastT.Mul(pw.H)
	m.place(f, p, t, pw.Inliers, pw.Ratio)
	debug.Verbose("Stitch: frame %d placed (inliers=%d, confidence=%.2f, offset=%.1f,%.1f)",
		f.Seq, pw.Inliers, pw.Ratio, t[2], t[5])
	return m.Result()
}

func (m *Mosaic) place(f *imaging.Frame, p *prepared, t Homography, inliers int, ratio float64) {
	m.placements = append(m.placements, Placement{
		Seq:       f.Seq,
		Transform: t,
		Inliers:   inliers,
		Ratio:     ratio,
		frame:     f,
	})
	// the keypoints or pyramid are all the next alignment needs
	p.plane = nil
	m.last = p
	m.lastT = t
}

func (m *Mosaic) fail(seq int, reason string, ratio float64) {
	m.failed = append(m.failed, AlignmentFailure{Seq: seq, Reason: reason, Ratio: ratio})
	debug.Warn("Stitch: frame %d excluded: %s (%.2f)", seq, reason, ratio)
}

// Result snapshots the current state of the mosaic.
func (m *Mosaic) Result() *Result {
	return newResult(
		append([]Placement(nil), m.placements...),
		append([]AlignmentFailure(nil), m.failed...),
		m.cfg,
	)
}

// Len returns the number of frames added so far, placed or failed.
func (m *Mosaic) Len() int {
	return len(m.placements) + len(m.failed)
}
