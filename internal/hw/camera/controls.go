package camera

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"
)

// DefaultPreset names the controls the camera was configured with.
const DefaultPreset = "default"

var (
	// ErrUnknownPreset is returned for a preset name that is not registered.
	ErrUnknownPreset = errors.New("camera: unknown preset")
	// ErrPresetExists is returned when creating a preset under a taken name.
	ErrPresetExists = errors.New("camera: preset already exists")
	// ErrInvalidControls wraps out-of-range control values.
	ErrInvalidControls = errors.New("camera: invalid controls")
	// ErrNotAdjustable is returned by cameras whose controls are fixed.
	ErrNotAdjustable = errors.New("camera: controls cannot be changed")
)

// Controls are the exposure controls that may change between captures.
// Zero values select the automatic algorithm.
type Controls struct {
	ExposureUs   int        `json:"exposure_us"`
	AnalogueGain float64    `json:"analogue_gain"`
	ColourGains  [2]float64 `json:"colour_gains"` // red, blue
}

// Validate rejects negative values.
func (c Controls) Validate() error {
	switch {
	case c.ExposureUs < 0:
		return fmt.Errorf("%w: exposure_us must be >= 0, got %d", ErrInvalidControls, c.ExposureUs)
	case c.AnalogueGain < 0:
		return fmt.Errorf("%w: analogue_gain must be >= 0, got %.2f", ErrInvalidControls, c.AnalogueGain)
	case c.ColourGains[0] < 0 || c.ColourGains[1] < 0:
		return fmt.Errorf("%w: colour_gains must be >= 0, got %v", ErrInvalidControls, c.ColourGains)
	}
	return nil
}

// Adjustable is implemented by cameras that accept new controls at runtime.
type Adjustable interface {
	Controls() Controls
	SetControls(Controls) error
}

func (s Settings) controls() Controls {
	return Controls{ExposureUs: s.ExposureUs, AnalogueGain: s.AnalogueGain, ColourGains: s.ColourGains}
}

func (s *Settings) apply(c Controls) {
	s.ExposureUs, s.AnalogueGain, s.ColourGains = c.ExposureUs, c.AnalogueGain, c.ColourGains
}

// Preset is a named set of controls.
type Preset struct {
	Name     string   `json:"name"`
	Controls Controls `json:"controls"`
}

// Presets is the registry of named controls. It always holds DefaultPreset
// and remembers which preset was applied last.
type Presets struct {
	mu      sync.Mutex
	byName  map[string]Controls
	current string
}

// NewPresets registers def as DefaultPreset next to the named presets.
// Invalid named presets are rejected.
func NewPresets(def Controls, named map[string]Controls) (*Presets, error) {
	p := &Presets{byName: map[string]Controls{DefaultPreset: def}, current: DefaultPreset}
	for name, c := range named {
		if name == "" {
			return nil, fmt.Errorf("%w: empty preset name", ErrInvalidControls)
		}
		if err := c.Validate(); err != nil {
			return nil, fmt.Errorf("preset %q: %w", name, err)
		}
		p.byName[name] = c
	}
	return p, nil
}

// List returns every preset, sorted by name.
func (p *Presets) List() []Preset {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Preset, 0, len(p.byName))
	for _, name := range slices.Sorted(maps.Keys(p.byName)) {
		out = append(out, Preset{Name: name, Controls: p.byName[name]})
	}
	return out
}

// Get looks a preset up by name.
func (p *Presets) Get(name string) (Controls, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	c, ok := p.byName[name]
	if !ok {
		return Controls{}, fmt.Errorf("%w: %q", ErrUnknownPreset, name)
	}
	return c, nil
}

// Create registers a new preset.
func (p *Presets) Create(name string, c Controls) error {
	if name == "" {
		return fmt.Errorf("%w: empty preset name", ErrInvalidControls)
	}
	if err := c.Validate(); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.byName[name]; ok {
		return fmt.Errorf("%w: %q", ErrPresetExists, name)
	}
	p.byName[name] = c
	return nil
}

// Current returns the name of the preset applied last, or "" once controls
// were set by hand.
func (p *Presets) Current() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.current
}

// MarkApplied records name as the preset in effect.
func (p *Presets) MarkApplied(name string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.current = name
}
