// Package fault defines the closed set of hardware faults reported by the
// camera and motor drivers and consumed by the scan state machine.
package fault

import (
	"errors"
	"fmt"
)

// Kind identifies the subsystem that failed.
type Kind int

const (
	Camera Kind = iota + 1
	Motor
)

func (k Kind) String() string {
	switch k {
	case Camera:
		return "camera"
	case Motor:
		return "motor"
	default:
		return "unknown"
	}
}

// Hint is the narrow recovery action suggested for a fault.
type Hint string

const (
	ReinitCamera Hint = "reinit_camera"
	ResetGPIO    Hint = "reset_gpio"
)

// Cause strings used by the drivers and the controller.
const (
	CauseUnavailable = "unavailable"
	CauseTimeout     = "timeout"
	CauseEmptyFrame  = "empty frame"
	CauseQuality     = "quality"
	CauseGPIO        = "gpio"
	CauseNotReady    = "not initialized"
)

// Fault is a camera or motor failure with a recovery hint.
type Fault struct {
	Kind  Kind
	Cause string
	Hint  Hint
	Err   error
}

func (f *Fault) Error() string {
	if f.Err != nil {
		return fmt.Sprintf("%s fault (%s): %v", f.Kind, f.Cause, f.Err)
	}
	return fmt.Sprintf("%s fault (%s)", f.Kind, f.Cause)
}

func (f *Fault) Unwrap() error { return f.Err }

// NewCamera returns a camera fault hinting at camera reinitialization.
func NewCamera(cause string, err error) *Fault {
	return &Fault{Kind: Camera, Cause: cause, Hint: ReinitCamera, Err: err}
}

// NewMotor returns a motor fault hinting at a GPIO reset.
func NewMotor(cause string, err error) *Fault {
	return &Fault{Kind: Motor, Cause: cause, Hint: ResetGPIO, Err: err}
}

// As extracts a *Fault from err, if any.
func As(err error) (*Fault, bool) {
	var f *Fault
	if errors.As(err, &f) {
		return f, true
	}
	return nil, false
}

// Classify converts an arbitrary driver error into a fault of the given kind.
// Errors that already carry a fault are returned unchanged.
func Classify(kind Kind, err error) *Fault {
	if err == nil {
		return nil
	}
	if f, ok := As(err); ok {
		return f
	}
	if kind == Motor {
		return NewMotor(CauseGPIO, err)
	}
	return NewCamera(CauseUnavailable, err)
}
