package gpio

import (
	"sort"
	"testing"
)

func TestMockDriver_TracksLevels(t *testing.T) {
	m := NewMockDriver()
	for _, pin := range []int{17, 18, 27, 22} {
		if err := m.SetupPin(pin, Output); err != nil {
			t.Fatalf("SetupPin(%d): %v", pin, err)
		}
	}
	_ = m.WritePin(17, High)
	_ = m.WritePin(22, High)

	got := m.Energized()
	sort.Ints(got)
	if len(got) != 2 || got[0] != 17 || got[1] != 22 {
		t.Errorf("Energized() = %v, want [17 22]", got)
	}

	lvl, err := m.ReadPin(22)
	if err != nil || lvl != High {
		t.Errorf("ReadPin(22) = %v, %v; want High, nil", lvl, err)
	}
}

func TestMockDriver_CloseDeEnergizes(t *testing.T) {
	m := NewMockDriver()
	_ = m.SetupPin(5, Output)
	_ = m.WritePin(5, High)

	if err := m.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if len(m.Energized()) != 0 {
		t.Errorf("pins still energized after Close: %v", m.Energized())
	}
	if !m.Closed() {
		t.Error("Closed() should be true after Close")
	}

	_ = m.SetupPin(5, Output)
	if m.Closed() {
		t.Error("SetupPin should reopen the mock")
	}
}

func TestNewDriver_Mock(t *testing.T) {
	d, err := NewDriver(true)
	if err != nil {
		t.Fatalf("NewDriver(true): %v", err)
	}
	if _, ok := d.(*MockDriver); !ok {
		t.Errorf("NewDriver(true) returned %T, want *MockDriver", d)
	}
}
