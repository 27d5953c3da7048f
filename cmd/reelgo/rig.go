package main

import (
	"fmt"
	"math"

	"github.com/cjeanneret/ReelGo/internal/config"
	"github.com/cjeanneret/ReelGo/internal/debug"
	"github.com/cjeanneret/ReelGo/internal/hw/camera"
	"github.com/cjeanneret/ReelGo/internal/hw/gpio"
	"github.com/cjeanneret/ReelGo/internal/hw/stepper"
	"github.com/cjeanneret/ReelGo/internal/imaging"
	"github.com/cjeanneret/ReelGo/internal/journal"
	"github.com/cjeanneret/ReelGo/internal/logic/evaluate"
	"github.com/cjeanneret/ReelGo/internal/logic/geometry"
	"github.com/cjeanneret/ReelGo/internal/logic/motion"
	"github.com/cjeanneret/ReelGo/internal/logic/pipeline"
	"github.com/cjeanneret/ReelGo/internal/logic/stitch"
	"github.com/cjeanneret/ReelGo/internal/output"
)

// rig is the assembled scanner: hardware drivers plus the controller that
// owns them.
type rig struct {
	cfg     *config.Config
	plan    *geometry.ReelPlan
	gpio    gpio.Driver
	motor   *stepper.Stepper
	camera  camera.Camera
	out     *output.DirWriter
	journal *journal.Store
	ctl     *pipeline.Controller
}

// buildRig initializes the hardware described by cfg and wires the controller.
func buildRig(cfg *config.Config) (r *rig, err error) {
	r = &rig{cfg: cfg}
	defer func() {
		if err != nil {
			r.close()
		}
	}()

	debug.Step(1, "Calculating reel plan")
	field := geometry.NewFieldCalculator(cfg)
	steps := geometry.NewStepsCalculator(cfg)
	r.plan = geometry.CalculateReelPlan(cfg, field, steps)
	debug.PrintStruct("Reel plan", *r.plan)

	debug.Value("Mock GPIO", cfg.Defaults.MockGPIO)
	debug.Step(2, "Initializing GPIO driver")
	if r.gpio, err = gpio.NewDriver(cfg.Defaults.MockGPIO); err != nil {
		return nil, fmt.Errorf("init GPIO: %w", err)
	}

	debug.Step(3, "Initializing transport stepper")
	r.motor, err = stepper.NewStepper(r.gpio, stepper.Config{
		Pins:        cfg.MotorPins(),
		StepsPerRev: cfg.Motor.StepsPerRev,
		StepDelay:   cfg.StepDelay(),
	})
	if err != nil {
		return nil, fmt.Errorf("init stepper: %w", err)
	}
	debug.PrintStruct("Motor config", cfg.Motor)

	debug.Step(4, "Initializing camera")
	if r.camera, err = newCameraFromConfig(cfg, r.plan, r.motor.Position); err != nil {
		return nil, err
	}
	debug.Value("Camera type", cfg.Camera.Type)

	ev, err := evaluate.New(evaluate.Config{
		SharpnessThreshold: cfg.Evaluator.SharpnessThreshold,
		BrightnessMin:      cfg.Evaluator.BrightnessMin,
		BrightnessMax:      cfg.Evaluator.BrightnessMax,
		FilmEndDark:        cfg.Evaluator.FilmEndDark,
		FilmEndEdgeFloor:   cfg.Evaluator.FilmEndEdgeFloor,
		FilmEndUniformity:  cfg.Evaluator.FilmEndUniformity,
	})
	if err != nil {
		return nil, err
	}
	st, err := newStitcher(cfg)
	if err != nil {
		return nil, err
	}

	r.out = output.NewDirWriter(cfg.Output.Dir)
	if cfg.Output.Journal != "" {
		debug.Step(5, "Opening scan journal")
		if r.journal, err = journal.Open(cfg.Output.Journal); err != nil {
			return nil, fmt.Errorf("open journal: %w", err)
		}
	}

	presets, err := cameraPresets(cfg)
	if err != nil {
		return nil, err
	}
	deps := pipeline.Deps{
		Camera:    r.camera,
		Transport: motion.NewTransport(r.motor, r.plan.AdvanceSteps),
		Evaluator: ev,
		Stitcher:  st,
		Output:    r.out,
		Presets:   presets,
	}
	if r.journal != nil {
		deps.Journal = r.journal
	}
	r.ctl, err = pipeline.New(pipeline.Config{
		MaxFrames:     r.plan.MaxFrames,
		MaxRetries:    cfg.MaxRetries(),
		MaxRecoveries: cfg.MaxRecoveries(),
		DetectFilmEnd: cfg.Scan.DetectFilmEnd,
		SettleDelay:   cfg.SettleDelay(),
		Crop:          cropRegion(cfg),
	}, deps)
	if err != nil {
		return nil, err
	}
	return r, nil
}

// close releases everything buildRig acquired. The controller shutdown closes
// the camera and the stepper, which in turn closes the GPIO driver.
func (r *rig) close() {
	switch {
	case r.ctl != nil:
		if err := r.ctl.Shutdown(); err != nil {
			debug.Warn("Shutdown: %v", err)
		}
	case r.motor != nil:
		if err := r.motor.Close(); err != nil {
			debug.Warn("Closing stepper: %v", err)
		}
	case r.gpio != nil:
		if err := r.gpio.Close(); err != nil {
			debug.Warn("Closing GPIO driver: %v", err)
		}
	}
	if r.journal != nil {
		if err := r.journal.Close(); err != nil {
			debug.Warn("Closing journal: %v", err)
		}
	}
}

func newStitcher(cfg *config.Config) (*stitch.Stitcher, error) {
	method, err := stitch.ParseMethod(cfg.Stitch.Method)
	if err != nil {
		return nil, err
	}
	sc := stitch.DefaultConfig()
	sc.Method = method
	sc.Blend = stitch.Blend(cfg.Stitch.Blend)
	sc.MinInlierRatio = cfg.Stitch.MinInlierRatio
	sc.MinCorrelation = cfg.Stitch.MinCorrelation
	if cfg.Stitch.MaxFeatures > 0 {
		sc.MaxFeatures = cfg.Stitch.MaxFeatures
	}
	if cfg.Stitch.RansacIterations > 0 {
		sc.RansacIterations = cfg.Stitch.RansacIterations
	}
	if cfg.Stitch.RansacThreshold > 0 {
		sc.RansacThreshold = cfg.Stitch.RansacThreshold
	}
	if cfg.Stitch.WorkWidth > 0 {
		sc.WorkWidth = cfg.Stitch.WorkWidth
	}
	return stitch.New(sc)
}

func cameraSettings(cfg *config.Config) camera.Settings {
	return camera.Settings{
		Width:        cfg.Camera.Width,
		Height:       cfg.Camera.Height,
		ExposureUs:   cfg.Camera.ExposureUs,
		AnalogueGain: cfg.Camera.AnalogueGain,
		ColourGains:  cfg.Camera.ColourGains,
		Timeout:      cfg.CaptureTimeout(),
		PreviewScale: cfg.Camera.PreviewScale,
	}
}

func cropRegion(cfg *config.Config) imaging.Region {
	c := cfg.Camera.Crop
	return imaging.Region{X: c.X, Y: c.Y, Width: c.Width, Height: c.Height}
}

// cameraPresets registers the configured controls as the default preset
// next to camera.presets.
func cameraPresets(cfg *config.Config) (*camera.Presets, error) {
	named := make(map[string]camera.Controls, len(cfg.Camera.Presets))
	for name, p := range cfg.Camera.Presets {
		named[name] = camera.Controls{ExposureUs: p.ExposureUs, AnalogueGain: p.AnalogueGain, ColourGains: p.ColourGains}
	}
	def := camera.Controls{ExposureUs: cfg.Camera.ExposureUs, AnalogueGain: cfg.Camera.AnalogueGain, ColourGains: cfg.Camera.ColourGains}
	return camera.NewPresets(def, named)
}

// newCameraFromConfig selects a camera implementation based on configuration.
// The simulated camera follows the stepper so the mock rig scans a moving strip.
func newCameraFromConfig(cfg *config.Config, plan *geometry.ReelPlan, position func() int) (camera.Camera, error) {
	switch cfg.Camera.Type {
	case config.CameraRPiCam:
		return camera.NewStill(cfg.Camera.Binary, cameraSettings(cfg)), nil
	case config.CameraSimulated:
		return camera.NewSimulated(simConfig(cfg, plan), cameraSettings(cfg), position), nil
	default:
		return nil, fmt.Errorf("unsupported camera type: %s", cfg.Camera.Type)
	}
}

// simConfig maps one camera field onto FieldSteps motor steps. The exposed
// strip holds sim_strip_frames captures; clear trailer follows.
func simConfig(cfg *config.Config, plan *geometry.ReelPlan) camera.SimConfig {
	pps := float64(cfg.Camera.Width) / float64(max(1, plan.FieldSteps))
	sc := camera.SimConfig{
		Width:         cfg.Camera.Width,
		Height:        cfg.Camera.Height,
		PixelsPerStep: pps,
		Seed:          1,
	}
	if n := cfg.Camera.SimStripFrames; n > 0 {
		advancePx := float64(plan.AdvanceSteps) * pps
		sc.StripLength = cfg.Camera.Width + int(math.Round(float64(n-1)*advancePx))
	}
	return sc
}
