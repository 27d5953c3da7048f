package camera

import (
	"context"
	"fmt"
	"image"
	"math"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/cjeanneret/ReelGo/internal/debug"
	"github.com/cjeanneret/ReelGo/internal/fault"
	"github.com/cjeanneret/ReelGo/internal/imaging"
)

// Luma of the unthreaded gate and of the clear trailer after the last
// exposed frame. The trailer carries a little grain.
const (
	darkLevel    = 6
	trailerLevel = 200
)

// SimConfig describes the synthetic film strip seen by a Simulated camera.
type SimConfig struct {
	Width, Height int
	PixelsPerStep float64 // strip displacement per motor half-step
	StripLength   int     // exposed length in pixels, clear trailer after; 0 = endless
	Seed          uint32
}

// Simulated is a deterministic camera for the mock rig. It renders a window
// of a procedurally textured film strip at the offset given by the motor
// position, so advancing the motor moves the picture the way a real transport
// does. Faults and defocused frames can be injected for testing.
type Simulated struct {
	mu       sync.Mutex
	cfg      SimConfig
	settings Settings
	position func() int
	open     bool

	failures []string // causes of upcoming injected failures, consumed in order
	defocus  int      // number of upcoming frames rendered out of focus
	captures int
}

// NewSimulated creates a simulated camera. position reports the motor position
// in half-steps; nil pins the strip at offset 0.
func NewSimulated(cfg SimConfig, s Settings, position func() int) *Simulated {
	if cfg.Width <= 0 {
		cfg.Width = 320
	}
	if cfg.Height <= 0 {
		cfg.Height = 240
	}
	if cfg.PixelsPerStep <= 0 {
		cfg.PixelsPerStep = 1
	}
	if position == nil {
		position = func() int { return 0 }
	}
	return &Simulated{cfg: cfg, settings: s.withDefaults(), position: position}
}

// Open marks the simulated sensor ready.
func (c *Simulated) Open(ctx context.Context, mode Mode) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.failures) > 0 && c.failures[0] == fault.CauseUnavailable {
		c.failures = c.failures[1:]
		return fault.NewCamera(fault.CauseUnavailable, fmt.Errorf("simulated open failure"))
	}
	c.open = true
	debug.Verbose("Camera: simulated sensor opened in %s mode", mode)
	return nil
}

// Close marks the sensor closed. Idempotent.
func (c *Simulated) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.open = false
	return nil
}

// Metadata returns the configured manual controls.
func (c *Simulated) Metadata() Metadata {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.settings.metadata()
}

// Controls returns the controls reported with the next capture.
func (c *Simulated) Controls() Controls {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.settings.controls()
}

// SetControls records new controls. The synthetic strip is rendered the
// same regardless.
func (c *Simulated) SetControls(ctrl Controls) error {
	if err := ctrl.Validate(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.settings.apply(ctrl)
	return nil
}

// FailNext makes the next captures fail with the given causes, in order.
func (c *Simulated) FailNext(causes ...string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failures = append(c.failures, causes...)
}

// DefocusNext renders the next n captures as featureless frames.
func (c *Simulated) DefocusNext(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.defocus += n
}

// Captures returns the number of capture attempts, including failed ones.
func (c *Simulated) Captures() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.captures
}

func (c *Simulated) take(ctx context.Context) (*imaging.Frame, error) {
	c.captures++
	if !c.open {
		return nil, fault.NewCamera(fault.CauseNotReady, nil)
	}
	if err := ctx.Err(); err != nil {
		return nil, fault.NewCamera(fault.CauseTimeout, err)
	}
	if len(c.failures) > 0 {
		cause := c.failures[0]
		c.failures = c.failures[1:]
		return nil, fault.NewCamera(cause, fmt.Errorf("simulated %s", cause))
	}

	offset := int(math.Round(float64(c.position()) * c.cfg.PixelsPerStep))
	img := c.render(offset)
	if c.defocus > 0 {
		c.defocus--
		flatten(img)
	}
	f := imaging.NewFrame(img)
	f.CapturedAt = time.Now()
	return f, nil
}

// Capture renders the strip window at the current motor position.
func (c *Simulated) Capture(ctx context.Context) (*imaging.Frame, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.take(ctx)
}

// Preview renders a downscaled window.
func (c *Simulated) Preview(ctx context.Context) (*imaging.Frame, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	f, err := c.take(ctx)
	if err != nil {
		return nil, err
	}
	return imaging.NewFrame(imaging.Scale(f.Image, c.settings.PreviewScale)), nil
}

// CaptureRaw writes the rendered window as a TIFF standing in for the sensor dump.
func (c *Simulated) CaptureRaw(ctx context.Context, dir string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	f, err := c.take(ctx)
	if err != nil {
		return "", err
	}
	path := filepath.Join(dir, fmt.Sprintf("raw_%04d.tiff", c.captures))
	out, err := os.Create(path)
	if err != nil {
		return "", fault.NewCamera(fault.CauseUnavailable, err)
	}
	defer out.Close()
	if err := imaging.EncodeTIFF(out, f.Image); err != nil {
		return "", fault.NewCamera(fault.CauseUnavailable, err)
	}
	return path, nil
}

func (c *Simulated) render(offset int) *image.Gray {
	w, h := c.cfg.Width, c.cfg.Height
	img := image.NewGray(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Pix[y*img.Stride+x] = c.stripAt(x+offset, y)
		}
	}
	return img
}

// stripAt returns the luma of the strip at absolute coordinates.
func (c *Simulated) stripAt(x, y int) uint8 {
	if x < 0 {
		return darkLevel
	}
	if c.cfg.StripLength > 0 && x >= c.cfg.StripLength {
		return uint8(trailerLevel - 8 + int(hash2(x, y, c.cfg.Seed)%17))
	}
	n := valueNoise(float64(x)/11, float64(y)/11, c.cfg.Seed)
	b := hash2(x/5, y/5, c.cfg.Seed^0x9e3779b9)
	v := 40 + 110*n + float64(b%80)
	if v > 255 {
		v = 255
	}
	return uint8(v)
}

// flatten replaces every pixel by the image mean, keeping exposure but
// removing all detail.
func flatten(img *image.Gray) {
	var sum int
	for _, p := range img.Pix {
		sum += int(p)
	}
	if len(img.Pix) == 0 {
		return
	}
	mean := uint8(sum / len(img.Pix))
	for i := range img.Pix {
		img.Pix[i] = mean
	}
}

func hash2(x, y int, seed uint32) uint32 {
	h := uint32(x)*0x27d4eb2d ^ uint32(y)*0x165667b1 ^ seed
	h ^= h >> 15
	h *= 0x85ebca6b
	h ^= h >> 13
	h *= 0xc2b2ae35
	h ^= h >> 16
	return h
}

// valueNoise is smooth lattice noise in [0, 1].
func valueNoise(x, y float64, seed uint32) float64 {
	x0, y0 := math.Floor(x), math.Floor(y)
	fx, fy := x-x0, y-y0
	fx = fx * fx * (3 - 2*fx)
	fy = fy * fy * (3 - 2*fy)
	ix, iy := int(x0), int(y0)
	v := func(dx, dy int) float64 { return float64(hash2(ix+dx, iy+dy, seed)&0xffff) / 0xffff }
	top := v(0, 0) + (v(1, 0)-v(0, 0))*fx
	bot := v(0, 1) + (v(1, 1)-v(0, 1))*fx
	return top + (bot-top)*fy
}
