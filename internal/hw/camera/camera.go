package camera

import (
	"context"
	"time"

	"github.com/cjeanneret/ReelGo/internal/imaging"
)

// Mode selects the sensor configuration a camera is opened with.
type Mode int

const (
	// ModeStill is the full-resolution capture mode used while scanning.
	ModeStill Mode = iota
	// ModePreview is a low-resolution mode for the live view.
	ModePreview
)

func (m Mode) String() string {
	if m == ModePreview {
		return "preview"
	}
	return "still"
}

// Metadata describes the exposure applied to the last capture.
type Metadata struct {
	ExposureUs   int        `json:"exposure_us"`
	AnalogueGain float64    `json:"analogue_gain"`
	ColourGains  [2]float64 `json:"colour_gains"`
}

// Camera is the high-level interface used by the scan controller.
// It represents an abstract camera regardless of how it is driven (libcamera
// command, simulation). Every failure is returned as a *fault.Fault of kind
// camera so the controller can route it to camera recovery.
type Camera interface {
	// Open prepares the sensor. Opening an already open camera switches mode.
	Open(ctx context.Context, mode Mode) error
	// Capture takes one still frame.
	Capture(ctx context.Context) (*imaging.Frame, error)
	// CaptureRaw stores an unprocessed sensor dump in dir and returns its path.
	CaptureRaw(ctx context.Context, dir string) (string, error)
	// Preview takes one low-resolution frame for the live view.
	Preview(ctx context.Context) (*imaging.Frame, error)
	// Metadata reports the exposure settings in effect.
	Metadata() Metadata
	// Close releases the sensor. Idempotent.
	Close() error
}

// Settings are the manual controls applied to every capture.
type Settings struct {
	Width        int
	Height       int
	ExposureUs   int           // 0 = auto exposure
	AnalogueGain float64       // 0 = auto gain
	ColourGains  [2]float64    // red, blue; zero = auto white balance
	Timeout      time.Duration // per-capture deadline
	PreviewScale float64       // preview downscale factor in (0, 1]
}

func (s Settings) withDefaults() Settings {
	if s.Width <= 0 {
		s.Width = 2028
	}
	if s.Height <= 0 {
		s.Height = 1520
	}
	if s.Timeout <= 0 {
		s.Timeout = 10 * time.Second
	}
	if s.PreviewScale <= 0 || s.PreviewScale > 1 {
		s.PreviewScale = 0.25
	}
	return s
}

func (s Settings) metadata() Metadata {
	return Metadata{
		ExposureUs:   s.ExposureUs,
		AnalogueGain: s.AnalogueGain,
		ColourGains:  s.ColourGains,
	}
}
