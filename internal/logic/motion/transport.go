// Package motion moves the film through the gate with the transport stepper.
// It's an intermediate layer between the scan controller and the low-level
// stepper driver.
package motion

import (
	"errors"
	"fmt"

	"github.com/cjeanneret/ReelGo/internal/debug"
	"github.com/cjeanneret/ReelGo/internal/fault"
)

// Motor is the stepper contract the transport relies on.
// *stepper.Stepper satisfies it.
type Motor interface {
	Advance(steps int) error
	Hold() error
	Release() error
	Position() int
	ResetPosition()
	Reinit() error
	Close() error
}

// MaxJogSteps bounds a single manual jog (a little over two roller turns
// of a 28BYJ-48).
const MaxJogSteps = 10000

// ErrJogLimit is returned for a jog larger than MaxJogSteps.
var ErrJogLimit = errors.New("jog exceeds step limit")

// Transport advances the film by a fixed pitch between captures.
// An advance interrupted by a fault is completed, not restarted, by the
// next AdvanceFrame. Not safe for concurrent use.
type Transport struct {
	motor   Motor
	pitch   int
	target  int
	pending bool // an advance toward target has not completed
}

// NewTransport returns a transport advancing pitch steps per frame.
func NewTransport(m Motor, pitch int) *Transport {
	if pitch < 1 {
		pitch = 1
	}
	return &Transport{motor: m, pitch: pitch}
}

// Pitch returns the steps moved by AdvanceFrame.
func (t *Transport) Pitch() int {
	return t.pitch
}

// Position returns the film position in steps since the last reset.
func (t *Transport) Position() int {
	return t.motor.Position()
}

// Engage energizes the coils so the film does not creep between frames.
func (t *Transport) Engage() error {
	return motorFault(t.motor.Hold())
}

// Disengage de-energizes the coils.
func (t *Transport) Disengage() error {
	return motorFault(t.motor.Release())
}

// AdvanceFrame moves the film forward one pitch.
func (t *Transport) AdvanceFrame() error {
	if !t.pending {
		t.target = t.motor.Position() + t.pitch
		t.pending = true
	}
	steps := t.target - t.motor.Position()
	if err := t.motor.Advance(steps); err != nil {
		return motorFault(err)
	}
	t.pending = false
	debug.Move(steps, t.motor.Position())
	return nil
}

// Jog moves the film by an arbitrary number of steps (negative = back).
func (t *Transport) Jog(steps int) error {
	if steps > MaxJogSteps || steps < -MaxJogSteps {
		return fmt.Errorf("%w: %d steps (max %d)", ErrJogLimit, steps, MaxJogSteps)
	}
	debug.Info("Jogging film %d steps", steps)
	t.pending = false
	return motorFault(t.motor.Advance(steps))
}

// Rewind moves the film back to position 0.
func (t *Transport) Rewind() error {
	pos := t.motor.Position()
	if pos == 0 {
		return nil
	}
	debug.Info("Rewinding film %d steps", pos)
	t.pending = false
	return motorFault(t.motor.Advance(-pos))
}

// Rezero makes the current position the start of the reel.
func (t *Transport) Rezero() {
	t.pending = false
	t.motor.ResetPosition()
}

// Reset releases and reclaims the motor GPIO after a motor fault.
func (t *Transport) Reset() error {
	return motorFault(t.motor.Reinit())
}

// Close de-energizes the motor and releases its GPIO.
func (t *Transport) Close() error {
	return motorFault(t.motor.Close())
}

// motorFault classifies err as a motor fault, keeping a nil error nil.
func motorFault(err error) error {
	if err == nil {
		return nil
	}
	return fault.Classify(fault.Motor, err)
}
