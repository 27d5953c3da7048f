package camera

import (
	"context"
	"errors"
	"strings"
	"testing"
)

func TestStill_SetControlsChangesNextCapture(t *testing.T) {
	r := &recordingRunner{out: pngBytes(t, 4, 4)}
	c := newTestStill(r, Settings{ExposureUs: 8000})
	_ = c.Open(context.Background(), ModeStill)

	if err := c.SetControls(Controls{ExposureUs: 2000, AnalogueGain: 2, ColourGains: [2]float64{1.6, 1.2}}); err != nil {
		t.Fatalf("SetControls: %v", err)
	}
	if _, err := c.Capture(context.Background()); err != nil {
		t.Fatal(err)
	}
	cmd := strings.Join(r.calls[0], " ")
	for _, want := range []string{"--shutter 2000", "--gain 2.00", "--awbgains 1.60,1.20"} {
		if !strings.Contains(cmd, want) {
			t.Errorf("command %q missing %q", cmd, want)
		}
	}
	if m := c.Metadata(); m.ExposureUs != 2000 || m.AnalogueGain != 2 {
		t.Errorf("metadata = %+v", m)
	}
}

func TestSetControls_RejectsNegativeValues(t *testing.T) {
	c := NewSimulated(SimConfig{}, Settings{ExposureUs: 500}, nil)
	err := c.SetControls(Controls{ExposureUs: -1})
	if !errors.Is(err, ErrInvalidControls) {
		t.Fatalf("err = %v, want ErrInvalidControls", err)
	}
	if got := c.Controls().ExposureUs; got != 500 {
		t.Errorf("exposure changed to %d", got)
	}
}

func TestPresets(t *testing.T) {
	p, err := NewPresets(Controls{ExposureUs: 8000}, map[string]Controls{
		"dense":  {ExposureUs: 20000, AnalogueGain: 2},
		"bright": {ExposureUs: 2000},
	})
	if err != nil {
		t.Fatal(err)
	}
	var names []string
	for _, pr := range p.List() {
		names = append(names, pr.Name)
	}
	if strings.Join(names, ",") != "bright,default,dense" {
		t.Errorf("names = %v", names)
	}
	if p.Current() != DefaultPreset {
		t.Errorf("current = %q", p.Current())
	}

	if c, err := p.Get("dense"); err != nil || c.ExposureUs != 20000 {
		t.Errorf("Get(dense) = %+v, %v", c, err)
	}
	if _, err := p.Get("missing"); !errors.Is(err, ErrUnknownPreset) {
		t.Errorf("Get(missing) err = %v", err)
	}

	if err := p.Create("night", Controls{ExposureUs: 40000}); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := p.Create("night", Controls{}); !errors.Is(err, ErrPresetExists) {
		t.Errorf("duplicate err = %v", err)
	}
	if err := p.Create("", Controls{}); !errors.Is(err, ErrInvalidControls) {
		t.Errorf("empty name err = %v", err)
	}
	if err := p.Create("bad", Controls{AnalogueGain: -2}); !errors.Is(err, ErrInvalidControls) {
		t.Errorf("invalid controls err = %v", err)
	}

	p.MarkApplied("night")
	if p.Current() != "night" {
		t.Errorf("current = %q", p.Current())
	}
}

func TestNewPresets_RejectsInvalid(t *testing.T) {
	if _, err := NewPresets(Controls{}, map[string]Controls{"x": {ColourGains: [2]float64{-1, 1}}}); !errors.Is(err, ErrInvalidControls) {
		t.Errorf("err = %v", err)
	}
}
