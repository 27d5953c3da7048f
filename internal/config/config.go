package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// MaxConfigFileBytes bounds the size of a configuration file.
const MaxConfigFileBytes = 1 << 20

// Camera types.
const (
	CameraRPiCam    = "rpicam"
	CameraSimulated = "simulated"
)

// MotorConfig holds the wiring and timing of the film transport stepper
// (28BYJ-48 through a ULN2003 board).
type MotorConfig struct {
	Pins             []int   `yaml:"pins"`               // BCM pins for IN1..IN4
	StepsPerRev      int     `yaml:"steps_per_rev"`      // half-steps per output revolution
	StepDelay        float64 `yaml:"step_delay"`         // motor_step_delay, seconds per half-step
	RollerDiameterMm float64 `yaml:"roller_diameter_mm"` // drive roller diameter
}

// CameraConfig describes how frames are captured.
// Type selects a concrete implementation ("rpicam" or "simulated").
type CameraConfig struct {
	Type           string     `yaml:"type"`
	Binary         string     `yaml:"binary"`           // libcamera still command
	Width          int        `yaml:"width"`            // capture width (px)
	Height         int        `yaml:"height"`           // capture height (px)
	ExposureUs     int        `yaml:"exposure_us"`      // 0 = auto
	AnalogueGain   float64    `yaml:"analogue_gain"`    // 0 = auto
	ColourGains    [2]float64 `yaml:"colour_gains"`     // red, blue; zero = auto white balance
	TimeoutMs      int        `yaml:"timeout_ms"`       // per-capture deadline
	PreviewScale   float64    `yaml:"preview_scale"`    // live view downscale (0, 1]
	SensorWidthMm  float64    `yaml:"sensor_width_mm"`  // optional, with magnification
	Magnification  float64    `yaml:"magnification"`    // optional, reproduction ratio
	SimStripFrames int        `yaml:"sim_strip_frames"` // simulated: exposed frames on the strip (0 = endless)

	Crop    CropConfig              `yaml:"crop"`
	Presets map[string]PresetConfig `yaml:"presets"` // named controls, selectable at runtime
}

// CropConfig is the region of each capture kept for evaluation and
// stitching. A zero width or height keeps the full frame; a region outside
// the frame falls back to it.
type CropConfig struct {
	X      int `yaml:"x"`
	Y      int `yaml:"y"`
	Width  int `yaml:"width"`
	Height int `yaml:"height"`
}

// PresetConfig is a named set of exposure controls.
type PresetConfig struct {
	ExposureUs   int        `yaml:"exposure_us"`
	AnalogueGain float64    `yaml:"analogue_gain"`
	ColourGains  [2]float64 `yaml:"colour_gains"`
}

// DefaultPresetName is reserved for the controls configured under camera.
const DefaultPresetName = "default"

// FilmConfig describes the film being scanned.
type FilmConfig struct {
	FramePitchMm    float64 `yaml:"frame_pitch_mm"`    // e.g., 38.0 for 35mm (8 perfs)
	OverlapPercent  float64 `yaml:"overlap_percent"`   // overlap between consecutive captures (0-100)
	LengthMm        float64 `yaml:"length_mm"`         // optional, used to size max_frames
	FramePitchSteps int     `yaml:"frame_pitch_steps"` // optional override of the computed advance
}

// ScanConfig holds the session limits.
type ScanConfig struct {
	MaxFrames     int  `yaml:"max_frames"`
	MaxRetries    *int `yaml:"max_retries"` // nil = default 3; 0 is valid
	MaxRecoveries *int `yaml:"max_recoveries"`
	DetectFilmEnd bool `yaml:"detect_film_end"`
	SettleMs      int  `yaml:"settle_ms"` // vibration damping after each advance
}

// EvaluatorConfig holds the frame quality gates.
type EvaluatorConfig struct {
	SharpnessThreshold float64 `yaml:"sharpness_threshold"`
	BrightnessMin      float64 `yaml:"brightness_min"`
	BrightnessMax      float64 `yaml:"brightness_max"`
	FilmEndDark        float64 `yaml:"film_end_dark"`
	FilmEndEdgeFloor   float64 `yaml:"film_end_edge_floor"`
	FilmEndUniformity  float64 `yaml:"film_end_uniformity"`
}

// StitchConfig selects and tunes the alignment.
type StitchConfig struct {
	Method           string  `yaml:"method"` // stitch_method: feature | intensity
	Blend            string  `yaml:"blend"`  // overwrite | feather
	MinInlierRatio   float64 `yaml:"min_inlier_ratio"`
	MinCorrelation   float64 `yaml:"min_correlation"`
	MaxFeatures      int     `yaml:"max_features"`
	RansacIterations int     `yaml:"ransac_iterations"`
	RansacThreshold  float64 `yaml:"ransac_threshold"`
	WorkWidth        int     `yaml:"work_width"`
}

// OutputConfig says where results go.
type OutputConfig struct {
	Dir     string `yaml:"dir"`     // base directory; each session gets a subdirectory
	Journal string `yaml:"journal"` // SQLite journal path, "" = disabled
}

// DefaultsConfig contains generic parameters.
type DefaultsConfig struct {
	DebugLevel       int  `yaml:"debug_level"` // debug level 0-4 (0=off, 1=info, 2=live, 3=verbose, 4=trace)
	MockGPIO         bool `yaml:"mock_gpio"`   // use mock GPIO (true=dev/test, false=real Raspberry Pi)
	WebPort          int  `yaml:"web_port"`
	StatusIntervalMs int  `yaml:"status_interval_ms"` // status stream poll tick
}

// Config aggregates all application configuration.
type Config struct {
	Motor     MotorConfig     `yaml:"motor"`
	Camera    CameraConfig    `yaml:"camera"`
	Film      FilmConfig      `yaml:"film"`
	Scan      ScanConfig      `yaml:"scan"`
	Evaluator EvaluatorConfig `yaml:"evaluator"`
	Stitch    StitchConfig    `yaml:"stitch"`
	Output    OutputConfig    `yaml:"output"`
	Defaults  DefaultsConfig  `yaml:"defaults"`
}

// ConfigurationError reports an invalid configuration value.
type ConfigurationError struct {
	Field  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("config: %s %s", e.Field, e.Reason)
}

func invalid(field, format string, args ...interface{}) error {
	return &ConfigurationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// ValidateConfigPath accepts only .yaml files located directly in a
// directory named "configs", with no parent-directory components.
func ValidateConfigPath(path string) error {
	if path == "" {
		return errors.New("config path is empty")
	}
	for _, part := range strings.FieldsFunc(filepath.ToSlash(path), func(r rune) bool { return r == '/' }) {
		if part == ".." {
			return fmt.Errorf("config path %q must not contain '..'", path)
		}
	}
	if filepath.Ext(path) != ".yaml" {
		return fmt.Errorf("config path %q must have a .yaml extension", path)
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("resolve config path: %w", err)
	}
	if filepath.Base(filepath.Dir(abs)) != "configs" {
		return fmt.Errorf("config path %q must be inside a configs/ directory", path)
	}
	return nil
}

// Load reads a YAML file and returns the configuration with defaults filled in.
func Load(path string) (*Config, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	if info.Size() > MaxConfigFileBytes {
		return nil, fmt.Errorf("config file %s is %d bytes, limit is %d", path, info.Size(), MaxConfigFileBytes)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal yaml: %w", err)
	}
	if err := cfg.applyDefaults(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func intPtr(v int) *int { return &v }

func (c *Config) applyDefaults() error {
	if c.Camera.Type == "" {
		return invalid("camera.type", "is required (%s or %s)", CameraRPiCam, CameraSimulated)
	}

	if len(c.Motor.Pins) == 0 {
		c.Motor.Pins = []int{17, 18, 27, 22}
	}
	if c.Motor.StepsPerRev <= 0 {
		c.Motor.StepsPerRev = 4096
	}
	if c.Motor.StepDelay <= 0 {
		c.Motor.StepDelay = 0.002 // reasonable default for a 28BYJ-48
	}
	if c.Motor.RollerDiameterMm <= 0 {
		c.Motor.RollerDiameterMm = 12
	}

	if c.Camera.Width <= 0 {
		c.Camera.Width = 2028
	}
	if c.Camera.Height <= 0 {
		c.Camera.Height = 1520
	}
	if c.Camera.TimeoutMs <= 0 {
		c.Camera.TimeoutMs = 10000
	}
	if c.Camera.PreviewScale <= 0 {
		c.Camera.PreviewScale = 0.25
	}

	if c.Film.FramePitchMm <= 0 {
		c.Film.FramePitchMm = 38 // 35mm still film, 8 perforations
	}
	if c.Film.OverlapPercent == 0 {
		c.Film.OverlapPercent = 20 // reasonable default (20%)
	}

	if c.Scan.MaxFrames == 0 {
		c.Scan.MaxFrames = 36
	}
	if c.Scan.MaxRetries == nil {
		c.Scan.MaxRetries = intPtr(3)
	}
	if c.Scan.MaxRecoveries == nil {
		c.Scan.MaxRecoveries = intPtr(2)
	}

	if c.Evaluator.SharpnessThreshold == 0 {
		c.Evaluator.SharpnessThreshold = 100
	}
	if c.Evaluator.BrightnessMin == 0 && c.Evaluator.BrightnessMax == 0 {
		c.Evaluator.BrightnessMin, c.Evaluator.BrightnessMax = 30, 225
	}

	if c.Stitch.Method == "" {
		c.Stitch.Method = "feature"
	}
	if c.Stitch.Blend == "" {
		c.Stitch.Blend = "overwrite"
	}
	if c.Stitch.MinInlierRatio == 0 {
		c.Stitch.MinInlierRatio = 0.3
	}
	if c.Stitch.MinCorrelation == 0 {
		c.Stitch.MinCorrelation = 0.6
	}

	if c.Output.Dir == "" {
		c.Output.Dir = "scans"
	}
	if c.Defaults.WebPort == 0 {
		c.Defaults.WebPort = 8080
	}
	if c.Defaults.StatusIntervalMs <= 0 {
		c.Defaults.StatusIntervalMs = 500
	}
	return nil
}

// Validate checks the ranges of every option.
func (c *Config) Validate() error {
	switch c.Camera.Type {
	case CameraRPiCam, CameraSimulated:
	default:
		return invalid("camera.type", "must be %s or %s, got %q", CameraRPiCam, CameraSimulated, c.Camera.Type)
	}
	if len(c.Motor.Pins) != 4 {
		return invalid("motor.pins", "must list exactly 4 pins, got %d", len(c.Motor.Pins))
	}
	if c.Camera.PreviewScale > 1 {
		return invalid("camera.preview_scale", "must be within (0, 1], got %.2f", c.Camera.PreviewScale)
	}
	if cr := c.Camera.Crop; cr.X < 0 || cr.Y < 0 || cr.Width < 0 || cr.Height < 0 {
		return invalid("camera.crop", "values must be >= 0, got %+v", cr)
	}
	for name, p := range c.Camera.Presets {
		field := "camera.presets." + name
		switch {
		case name == "" || name == DefaultPresetName:
			return invalid("camera.presets", "name %q is reserved", name)
		case p.ExposureUs < 0:
			return invalid(field, "exposure_us must be >= 0, got %d", p.ExposureUs)
		case p.AnalogueGain < 0:
			return invalid(field, "analogue_gain must be >= 0, got %.2f", p.AnalogueGain)
		case p.ColourGains[0] < 0 || p.ColourGains[1] < 0:
			return invalid(field, "colour_gains must be >= 0, got %v", p.ColourGains)
		}
	}
	if c.Film.OverlapPercent < 0 || c.Film.OverlapPercent >= 100 {
		return invalid("film.overlap_percent", "must be between 0 and 100, got %.2f", c.Film.OverlapPercent)
	}
	if c.Film.FramePitchSteps < 0 {
		return invalid("film.frame_pitch_steps", "must be >= 0, got %d", c.Film.FramePitchSteps)
	}
	if c.Scan.MaxFrames < 1 {
		return invalid("scan.max_frames", "must be >= 1, got %d", c.Scan.MaxFrames)
	}
	if c.MaxRetries() < 0 {
		return invalid("scan.max_retries", "must be >= 0, got %d", c.MaxRetries())
	}
	if c.MaxRecoveries() < 0 {
		return invalid("scan.max_recoveries", "must be >= 0, got %d", c.MaxRecoveries())
	}
	if c.Scan.SettleMs < 0 {
		return invalid("scan.settle_ms", "must be >= 0, got %d", c.Scan.SettleMs)
	}
	if c.Evaluator.SharpnessThreshold < 0 {
		return invalid("evaluator.sharpness_threshold", "must be >= 0, got %.2f", c.Evaluator.SharpnessThreshold)
	}
	if c.Evaluator.BrightnessMin >= c.Evaluator.BrightnessMax {
		return invalid("evaluator.brightness_min", "(%.1f) must be < brightness_max (%.1f)",
			c.Evaluator.BrightnessMin, c.Evaluator.BrightnessMax)
	}
	switch strings.ToLower(c.Stitch.Method) {
	case "feature", "feature-based", "intensity", "intensity-based":
	default:
		return invalid("stitch.method", "must be feature or intensity, got %q", c.Stitch.Method)
	}
	if c.Defaults.DebugLevel < 0 || c.Defaults.DebugLevel > 4 {
		return invalid("defaults.debug_level", "must be between 0 and 4, got %d", c.Defaults.DebugLevel)
	}
	if c.Defaults.WebPort < 1 || c.Defaults.WebPort > 65535 {
		return invalid("defaults.web_port", "must be between 1 and 65535, got %d", c.Defaults.WebPort)
	}
	return nil
}

// StepDelay returns the dwell per motor half-step.
func (c *Config) StepDelay() time.Duration {
	return time.Duration(c.Motor.StepDelay * float64(time.Second))
}

// MotorPins returns the four coil pins.
func (c *Config) MotorPins() [4]int {
	var p [4]int
	copy(p[:], c.Motor.Pins)
	return p
}

// CaptureTimeout returns the per-capture deadline.
func (c *Config) CaptureTimeout() time.Duration {
	return time.Duration(c.Camera.TimeoutMs) * time.Millisecond
}

// OverlapRatio returns the overlap as a ratio (0.0 to 1.0).
// For example, 20% becomes 0.2.
func (c *Config) OverlapRatio() float64 {
	return c.Film.OverlapPercent / 100.0
}

// MaxRetries returns the per-position retry ceiling.
func (c *Config) MaxRetries() int {
	if c.Scan.MaxRetries == nil {
		return 3
	}
	return *c.Scan.MaxRetries
}

// MaxRecoveries returns the per-position camera/motor recovery budget.
func (c *Config) MaxRecoveries() int {
	if c.Scan.MaxRecoveries == nil {
		return 2
	}
	return *c.Scan.MaxRecoveries
}

// SettleDelay returns the wait after each film advance.
func (c *Config) SettleDelay() time.Duration {
	return time.Duration(c.Scan.SettleMs) * time.Millisecond
}

// StatusInterval returns the status stream poll tick.
func (c *Config) StatusInterval() time.Duration {
	return time.Duration(c.Defaults.StatusIntervalMs) * time.Millisecond
}
