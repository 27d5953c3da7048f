package stepper

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cjeanneret/ReelGo/internal/debug"
	"github.com/cjeanneret/ReelGo/internal/fault"
	"github.com/cjeanneret/ReelGo/internal/hw/gpio"
)

// DefaultStepsPerRev is the half-step count of a 28BYJ-48 output shaft
// (64:1 gearbox).
const DefaultStepsPerRev = 4096

// halfStepSequence energizes the four coils of a unipolar stepper through a
// ULN2003 driver, one half-step per row.
var halfStepSequence = [8][4]gpio.Level{
	{gpio.High, gpio.Low, gpio.Low, gpio.Low},
	{gpio.High, gpio.High, gpio.Low, gpio.Low},
	{gpio.Low, gpio.High, gpio.Low, gpio.Low},
	{gpio.Low, gpio.High, gpio.High, gpio.Low},
	{gpio.Low, gpio.Low, gpio.High, gpio.Low},
	{gpio.Low, gpio.Low, gpio.High, gpio.High},
	{gpio.Low, gpio.Low, gpio.Low, gpio.High},
	{gpio.High, gpio.Low, gpio.Low, gpio.High},
}

// Config holds the hardware configuration for a 4-phase stepper motor.
type Config struct {
	Pins        [4]int        // BCM pins wired to ULN2003 IN1..IN4
	StepsPerRev int           // half-steps per output revolution
	StepDelay   time.Duration // dwell per half-step
}

// Stepper drives a 4-phase stepper with absolute position tracking.
// It is safe for concurrent use, although the scan controller is its only caller.
type Stepper struct {
	mu       sync.Mutex
	gpio     gpio.Driver
	cfg      Config
	delay    time.Duration
	phase    int
	position int
	ready    bool
}

// NewStepper claims the four coil pins as outputs, all de-energized.
// cfg.StepDelay: if 0, defaults to 2ms.
func NewStepper(g gpio.Driver, cfg Config) (*Stepper, error) {
	delay := cfg.StepDelay
	if delay <= 0 {
		delay = 2 * time.Millisecond
	}
	if cfg.StepsPerRev <= 0 {
		cfg.StepsPerRev = DefaultStepsPerRev
	}

	s := &Stepper{
		gpio:  g,
		cfg:   cfg,
		delay: delay,
	}
	if err := s.claim(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Stepper) claim() error {
	for _, pin := range s.cfg.Pins {
		if err := s.gpio.SetupPin(pin, gpio.Output); err != nil {
			s.deassert()
			return fault.NewMotor(fault.CauseGPIO, fmt.Errorf("setup pin %d: %w", pin, err))
		}
		if err := s.gpio.WritePin(pin, gpio.Low); err != nil {
			s.deassert()
			return fault.NewMotor(fault.CauseGPIO, fmt.Errorf("clear pin %d: %w", pin, err))
		}
	}
	s.ready = true
	debug.Verbose("Stepper: pins %v claimed", s.cfg.Pins)
	return nil
}

// deassert drives every coil low, collecting (not stopping on) errors.
func (s *Stepper) deassert() error {
	var errs []error
	for _, pin := range s.cfg.Pins {
		if err := s.gpio.WritePin(pin, gpio.Low); err != nil {
			errs = append(errs, fmt.Errorf("release pin %d: %w", pin, err))
		}
	}
	return errors.Join(errs...)
}

func (s *Stepper) apply(row [4]gpio.Level) error {
	for i, pin := range s.cfg.Pins {
		if err := s.gpio.WritePin(pin, row[i]); err != nil {
			return fmt.Errorf("write pin %d: %w", pin, err)
		}
	}
	return nil
}

// Advance moves the motor by a number of half-steps (negative = reverse).
// On any failure mid-sequence every coil is de-energized before the motor
// fault is returned, so the pins can be claimed again by Reinit.
func (s *Stepper) Advance(steps int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.ready {
		return fault.NewMotor(fault.CauseNotReady, nil)
	}
	if steps == 0 {
		return nil
	}

	dir := 1
	count := steps
	if steps < 0 {
		dir = -1
		count = -steps
	}
	debug.Printf("Stepper: moving %d half-steps (dir %+d)", count, dir)

	for i := 0; i < count; i++ {
		next := (s.phase + dir + len(halfStepSequence)) % len(halfStepSequence)
		if err := s.apply(halfStepSequence[next]); err != nil {
			if rerr := s.deassert(); rerr != nil {
				err = errors.Join(err, rerr)
			}
			return fault.NewMotor(fault.CauseGPIO, fmt.Errorf("step %d/%d: %w", i+1, count, err))
		}
		s.phase = next
		s.position += dir
		time.Sleep(s.delay)
	}
	return nil
}

// Hold energizes the coils of the current phase to keep holding torque.
func (s *Stepper) Hold() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.ready {
		return fault.NewMotor(fault.CauseNotReady, nil)
	}
	if err := s.apply(halfStepSequence[s.phase]); err != nil {
		if rerr := s.deassert(); rerr != nil {
			err = errors.Join(err, rerr)
		}
		return fault.NewMotor(fault.CauseGPIO, err)
	}
	return nil
}

// Release de-energizes all coils (no holding torque, no heat).
func (s *Stepper) Release() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.deassert(); err != nil {
		return fault.NewMotor(fault.CauseGPIO, err)
	}
	return nil
}

// Position returns the absolute position in half-steps since the last reset.
func (s *Stepper) Position() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.position
}

// ResetPosition sets the absolute position counter to zero.
func (s *Stepper) ResetPosition() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.position = 0
}

// StepsPerRev returns the configured half-steps per revolution.
func (s *Stepper) StepsPerRev() int {
	return s.cfg.StepsPerRev
}

// Reinit releases every pin, closes the GPIO driver and claims the pins again.
// The absolute position is kept.
func (s *Stepper) Reinit() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	debug.Info("Stepper: reinitializing GPIO")
	_ = s.deassert()
	s.ready = false
	if err := s.gpio.Close(); err != nil {
		debug.Warn("Stepper: closing GPIO during reinit: %v", err)
	}
	return s.claim()
}

// Close de-energizes the coils and closes the GPIO driver. Idempotent.
func (s *Stepper) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.ready {
		return nil
	}
	s.ready = false
	relErr := s.deassert()
	closeErr := s.gpio.Close()
	return errors.Join(relErr, closeErr)
}
