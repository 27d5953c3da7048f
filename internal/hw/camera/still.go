package camera

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/cjeanneret/ReelGo/internal/debug"
	"github.com/cjeanneret/ReelGo/internal/fault"
	"github.com/cjeanneret/ReelGo/internal/imaging"
)

// DefaultBinary is the libcamera still-capture command on Raspberry Pi OS.
const DefaultBinary = "rpicam-still"

// runFunc executes a command and returns its standard output.
type runFunc func(ctx context.Context, name string, args ...string) ([]byte, error)

func execRun(ctx context.Context, name string, args ...string) ([]byte, error) {
	out, err := exec.CommandContext(ctx, name, args...).Output()
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) && len(exitErr.Stderr) > 0 {
		return out, fmt.Errorf("%w: %s", err, exitErr.Stderr)
	}
	return out, err
}

// Still drives a Raspberry Pi HQ camera (IMX477) through the libcamera
// still-capture command. Each capture runs the command once with manual
// controls and reads a PNG from its standard output.
//
// Capture sequence:
// 1. Build flags from Settings (size, shutter, gain, white balance)
// 2. Run the command under the capture deadline
// 3. Decode the PNG on stdout into a Frame
type Still struct {
	mu       sync.Mutex
	binary   string
	settings Settings
	mode     Mode
	open     bool
	run      runFunc
	lookPath func(string) (string, error)
}

// NewStill creates a libcamera-backed camera. binary defaults to DefaultBinary.
func NewStill(binary string, s Settings) *Still {
	if binary == "" {
		binary = DefaultBinary
	}
	return &Still{
		binary:   binary,
		settings: s.withDefaults(),
		run:      execRun,
		lookPath: exec.LookPath,
	}
}

// Open checks that the capture command is installed and records the mode.
func (c *Still) Open(ctx context.Context, mode Mode) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, err := c.lookPath(c.binary); err != nil {
		return fault.NewCamera(fault.CauseUnavailable, fmt.Errorf("camera command %q: %w", c.binary, err))
	}
	c.mode = mode
	c.open = true
	debug.Verbose("Camera: opened %s in %s mode", c.binary, mode)
	return nil
}

// Close marks the camera closed. Idempotent.
func (c *Still) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.open = false
	return nil
}

// Metadata returns the manual controls applied to captures.
func (c *Still) Metadata() Metadata {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.settings.metadata()
}

// Controls returns the controls passed to the next capture.
func (c *Still) Controls() Controls {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.settings.controls()
}

// SetControls changes the shutter, gain and white balance flags of the
// following captures.
func (c *Still) SetControls(ctrl Controls) error {
	if err := ctrl.Validate(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.settings.apply(ctrl)
	debug.Verbose("Camera: controls set to %+v", ctrl)
	return nil
}

func (c *Still) args(width, height int) []string {
	s := c.settings
	args := []string{
		"--nopreview",
		"--immediate",
		"--encoding", "png",
		"--width", strconv.Itoa(width),
		"--height", strconv.Itoa(height),
	}
	if s.ExposureUs > 0 {
		args = append(args, "--shutter", strconv.Itoa(s.ExposureUs))
	}
	if s.AnalogueGain > 0 {
		args = append(args, "--gain", strconv.FormatFloat(s.AnalogueGain, 'f', 2, 64))
	}
	if s.ColourGains[0] > 0 && s.ColourGains[1] > 0 {
		args = append(args, "--awbgains", fmt.Sprintf("%.2f,%.2f", s.ColourGains[0], s.ColourGains[1]))
	}
	return args
}

func (c *Still) shoot(ctx context.Context, width, height int, extra ...string) ([]byte, error) {
	if !c.open {
		return nil, fault.NewCamera(fault.CauseNotReady, nil)
	}
	ctx, cancel := context.WithTimeout(ctx, c.settings.Timeout)
	defer cancel()

	args := append(c.args(width, height), extra...)
	debug.Trace("Camera: %s %v", c.binary, args)
	start := time.Now()
	out, err := c.run(ctx, c.binary, args...)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fault.NewCamera(fault.CauseTimeout, err)
		}
		return nil, fault.NewCamera(fault.CauseUnavailable, err)
	}
	debug.Verbose("Camera: capture took %v (%d bytes)", time.Since(start).Round(time.Millisecond), len(out))
	return out, nil
}

func (c *Still) frame(out []byte) (*imaging.Frame, error) {
	if len(out) == 0 {
		return nil, fault.NewCamera(fault.CauseEmptyFrame, nil)
	}
	img, err := imaging.DecodeBytes(out)
	if err != nil {
		return nil, fault.NewCamera(fault.CauseEmptyFrame, err)
	}
	f := imaging.NewFrame(img)
	if f.Empty() {
		return nil, fault.NewCamera(fault.CauseEmptyFrame, nil)
	}
	return f, nil
}

// Capture takes one full-resolution frame.
func (c *Still) Capture(ctx context.Context) (*imaging.Frame, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	out, err := c.shoot(ctx, c.settings.Width, c.settings.Height, "--output", "-")
	if err != nil {
		return nil, err
	}
	return c.frame(out)
}

// Preview takes one downscaled frame.
func (c *Still) Preview(ctx context.Context) (*imaging.Frame, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	w := int(float64(c.settings.Width) * c.settings.PreviewScale)
	h := int(float64(c.settings.Height) * c.settings.PreviewScale)
	out, err := c.shoot(ctx, w, h, "--output", "-")
	if err != nil {
		return nil, err
	}
	return c.frame(out)
}

// CaptureRaw writes a processed PNG and its DNG companion into dir and
// returns the DNG path.
func (c *Still) CaptureRaw(ctx context.Context, dir string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	base := filepath.Join(dir, "raw_"+time.Now().Format("20060102_150405.000"))
	if _, err := c.shoot(ctx, c.settings.Width, c.settings.Height, "--raw", "--output", base+".png"); err != nil {
		return "", err
	}
	return base + ".dng", nil
}
