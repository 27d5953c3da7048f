// Package fsm holds the scan lifecycle state machine: a flat transition table
// keyed by (state, event) and a small thread-safe Machine around it.
package fsm

import (
	"errors"
	"fmt"
	"sync"
)

// State is a scan lifecycle state.
type State string

const (
	Idle               State = "idle"
	Initializing       State = "initializing"
	Capturing          State = "capturing"
	Evaluating         State = "evaluating"
	Stitching          State = "stitching"
	Advancing          State = "advancing"
	CheckingCompletion State = "checking_completion"
	Paused             State = "paused"
	Finished           State = "finished"
	Error              State = "error"
	CameraError        State = "camera_error"
	MotorError         State = "motor_error"
)

// States lists every state in declaration order.
var States = []State{
	Idle, Initializing, Capturing, Evaluating, Stitching, Advancing,
	CheckingCompletion, Paused, Finished, Error, CameraError, MotorError,
}

// Event drives a transition.
type Event string

const (
	Start         Event = "start"
	InitDone      Event = "init_done"
	CaptureDone   Event = "capture_done"
	RetryCapture  Event = "retry_capture"
	AcceptCapture Event = "accept_capture"
	StitchDone    Event = "stitch_done"
	AdvanceDone   Event = "advance_done"
	MoreFrames    Event = "more_frames"
	ScanComplete  Event = "scan_complete"
	Pause         Event = "pause"
	Resume        Event = "resume"
	CameraFail    Event = "camera_fail"
	RecoverCamera Event = "recover_camera"
	MotorFail     Event = "motor_fail"
	RecoverMotor  Event = "recover_motor"
	Fail          Event = "fail"
	Recover       Event = "recover"
	Abort         Event = "abort"
)

// Events lists every event in declaration order.
var Events = []Event{
	Start, InitDone, CaptureDone, RetryCapture, AcceptCapture, StitchDone,
	AdvanceDone, MoreFrames, ScanComplete, Pause, Resume, CameraFail,
	RecoverCamera, MotorFail, RecoverMotor, Fail, Recover, Abort,
}

type key struct {
	from State
	ev   Event
}

var table = buildTable()

func buildTable() map[key]State {
	t := map[key]State{
		{Idle, Start}:                      Initializing,
		{Initializing, InitDone}:           Capturing,
		{Capturing, CaptureDone}:           Evaluating,
		{Evaluating, RetryCapture}:         Capturing,
		{Evaluating, AcceptCapture}:        Stitching,
		{Stitching, StitchDone}:            Advancing,
		{Advancing, AdvanceDone}:           CheckingCompletion,
		{CheckingCompletion, MoreFrames}:   Capturing,
		{CheckingCompletion, ScanComplete}: Finished,
		{Paused, Resume}:                   Capturing,
		{Capturing, CameraFail}:            CameraError,
		{Evaluating, CameraFail}:           CameraError,
		{CameraError, RecoverCamera}:       Capturing,
		{Advancing, MotorFail}:             MotorError,
		{MotorError, RecoverMotor}:         Advancing,
		{Error, Recover}:                   Idle,
	}
	for _, s := range []State{Capturing, Evaluating, Stitching, Advancing} {
		t[key{s, Pause}] = Paused
	}
	for _, s := range States {
		if !terminal(s) {
			t[key{s, Fail}] = Error
		}
		if s != Finished {
			t[key{s, Abort}] = Finished
		}
	}
	return t
}

func terminal(s State) bool {
	return s == Finished || s == Error
}

// Next looks up the target of ev from s in the transition table.
func Next(s State, ev Event) (State, bool) {
	to, ok := table[key{s, ev}]
	return to, ok
}

// ErrInvalidTransition is wrapped by every rejected transition.
var ErrInvalidTransition = errors.New("invalid transition")

// ErrShutdown is returned once the machine has been shut down.
var ErrShutdown = errors.New("state machine shut down")

// InvalidTransitionError names the rejected (state, event) pair.
type InvalidTransitionError struct {
	From  State
	Event Event
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("%v: %s from %s", ErrInvalidTransition, e.Event, e.From)
}

func (e *InvalidTransitionError) Unwrap() error { return ErrInvalidTransition }

// Transition describes one applied state change.
type Transition struct {
	From  State
	Event Event
	To    State
}

// Machine is a thread-safe instance of the scan state machine.
type Machine struct {
	mu        sync.Mutex
	state     State
	shutdown  bool
	observers []func(Transition)
}

// New returns a machine in the idle state.
func New() *Machine {
	return &Machine{state: Idle}
}

// State returns the current state.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Can reports whether ev is accepted from the current state.
func (m *Machine) Can(ev Event) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.shutdown {
		return false
	}
	_, ok := Next(m.state, ev)
	return ok
}

// IsTerminal reports whether the machine rests in finished or error.
func (m *Machine) IsTerminal() bool {
	return terminal(m.State())
}

// Pausable reports whether the current state accepts a pause.
func (m *Machine) Pausable() bool {
	return m.Can(Pause)
}

// OnTransition registers an observer called synchronously after every
// transition, outside the machine lock.
func (m *Machine) OnTransition(fn func(Transition)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.observers = append(m.observers, fn)
}

// Fire applies ev. Pairs absent from the table leave the state unchanged and
// return an *InvalidTransitionError.
func (m *Machine) Fire(ev Event) (from, to State, err error) {
	m.mu.Lock()
	from = m.state
	if m.shutdown {
		m.mu.Unlock()
		return from, from, ErrShutdown
	}
	to, ok := Next(from, ev)
	if !ok {
		m.mu.Unlock()
		return from, from, &InvalidTransitionError{From: from, Event: ev}
	}
	m.state = to
	observers := append([]func(Transition){}, m.observers...)
	m.mu.Unlock()

	tr := Transition{From: from, Event: ev, To: to}
	for _, fn := range observers {
		fn(tr)
	}
	return from, to, nil
}

// Reset returns a finished machine to idle for a new session.
func (m *Machine) Reset() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.shutdown {
		return ErrShutdown
	}
	if m.state != Finished && m.state != Idle {
		return &InvalidTransitionError{From: m.state, Event: "reset"}
	}
	m.state = Idle
	return nil
}

// Shutdown makes finished and error final: every later event is rejected.
func (m *Machine) Shutdown() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.shutdown = true
}

// IsShutdown reports whether Shutdown was called.
func (m *Machine) IsShutdown() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.shutdown
}
