// Package pipeline runs scan sessions: it owns the state machine, the camera
// and the film transport, and drives capture, evaluation, stitching and
// advance until the reel is done.
//
// One goroutine (the state loop) executes the handler of the current state
// and feeds the resulting event back into the machine. Control operations
// may be called from any goroutine; Pause and Abort are requests honoured at
// the next checkpoint, between two handlers.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"image"
	"sync"
	"time"

	"github.com/cjeanneret/ReelGo/internal/config"
	"github.com/cjeanneret/ReelGo/internal/debug"
	"github.com/cjeanneret/ReelGo/internal/fault"
	"github.com/cjeanneret/ReelGo/internal/hw/camera"
	"github.com/cjeanneret/ReelGo/internal/imaging"
	"github.com/cjeanneret/ReelGo/internal/journal"
	"github.com/cjeanneret/ReelGo/internal/logic/evaluate"
	"github.com/cjeanneret/ReelGo/internal/logic/fsm"
	"github.com/cjeanneret/ReelGo/internal/logic/motion"
	"github.com/cjeanneret/ReelGo/internal/logic/stitch"
)

var (
	// ErrBusy is returned when the hardware is in use by a scan or a preview.
	ErrBusy = errors.New("pipeline: hardware busy")
	// ErrNotIdle is returned when an operation needs a resting scanner.
	ErrNotIdle = errors.New("pipeline: scan in progress")
	// ErrShutdown is returned once Shutdown has been called.
	ErrShutdown = errors.New("pipeline: controller shut down")
)

// Config holds the session limits.
type Config struct {
	MaxFrames     int
	MaxRetries    int // rejected captures tolerated per position
	MaxRecoveries int // camera/motor recoveries tolerated per position
	DetectFilmEnd bool
	SettleDelay   time.Duration  // wait after each advance before capturing
	Crop          imaging.Region // applied to each capture before evaluation
}

// Validate checks the limits.
func (c Config) Validate() error {
	if c.MaxFrames < 1 {
		return &config.ConfigurationError{Field: "scan.max_frames", Reason: fmt.Sprintf("must be >= 1, got %d", c.MaxFrames)}
	}
	if c.MaxRetries < 0 {
		return &config.ConfigurationError{Field: "scan.max_retries", Reason: fmt.Sprintf("must be >= 0, got %d", c.MaxRetries)}
	}
	if c.MaxRecoveries < 0 {
		return &config.ConfigurationError{Field: "scan.max_recoveries", Reason: fmt.Sprintf("must be >= 0, got %d", c.MaxRecoveries)}
	}
	return nil
}

// Output stores session results. *output.DirWriter implements it.
type Output interface {
	Begin(id string, started time.Time) (string, error)
	WriteFrame(seq int, img image.Image) (string, error)
	WriteComposite(img image.Image) (string, error)
	WriteReport(v interface{}) (string, error)
	WriteSingle(img image.Image, at time.Time) (string, error)
	SingleDir() (string, error)
}

// Journal records sessions for later inspection. *journal.Store implements it.
type Journal interface {
	BeginSession(s journal.Session) error
	EndSession(id, state string, frameCount int, ended time.Time) error
	RecordFrame(f journal.Frame) error
	RecordTransition(t journal.Transition) error
}

// mosaic is the incremental stitch fed with each accepted frame.
type mosaic interface {
	Add(f *imaging.Frame) *stitch.Result
}

// Deps are the collaborators owned by the controller. Journal is optional;
// without Presets only the camera's current controls are registered.
type Deps struct {
	Camera    camera.Camera
	Transport *motion.Transport
	Evaluator *evaluate.Evaluator
	Stitcher  *stitch.Stitcher
	Output    Output
	Journal   Journal
	Presets   *camera.Presets
}

// Controller orchestrates scan sessions. It is the sole owner of the camera
// and the transport.
type Controller struct {
	cfg       Config
	cam       camera.Camera
	transport *motion.Transport
	eval      *evaluate.Evaluator
	stitcher  *stitch.Stitcher
	out       Output
	journal   Journal
	presets   *camera.Presets
	newMosaic func() mosaic

	machine *fsm.Machine

	// ctl serialises control operations (Start, Resume, Recover, Abort, Shutdown).
	ctl sync.Mutex
	// hw is held by the state loop for its whole run, and briefly by
	// Preview, CaptureSingle and Jog. camOpen and camMode are guarded by it.
	hw      sync.Mutex
	camOpen bool
	camMode camera.Mode

	mu          sync.Mutex // guards the fields below
	session     *Session
	mosaic      mosaic
	lastVerdict *evaluate.Verdict
	position    int
	pauseReq    bool
	abortReq    bool
	completing  bool // between a finished advance and the completion verdict
	running     bool
	done        chan struct{}
	shutdown    bool
	subs        map[int]chan Status
	nextSub     int
}

// New validates the configuration and returns an idle controller.
func New(cfg Config, d Deps) (*Controller, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if d.Camera == nil || d.Transport == nil || d.Evaluator == nil || d.Stitcher == nil || d.Output == nil {
		return nil, errors.New("pipeline: camera, transport, evaluator, stitcher and output are required")
	}
	c := &Controller{
		cfg:       cfg,
		cam:       d.Camera,
		transport: d.Transport,
		eval:      d.Evaluator,
		stitcher:  d.Stitcher,
		out:       d.Output,
		journal:   d.Journal,
		presets:   d.Presets,
		machine:   fsm.New(),
		position:  d.Transport.Position(),
		subs:      make(map[int]chan Status),
	}
	if c.presets == nil {
		var def camera.Controls
		if a, ok := c.cam.(camera.Adjustable); ok {
			def = a.Controls()
		}
		c.presets, _ = camera.NewPresets(def, nil)
	}
	c.newMosaic = func() mosaic { return c.stitcher.NewMosaic() }
	c.machine.OnTransition(c.onTransition)
	return c, nil
}

// Config returns the session limits.
func (c *Controller) Config() Config { return c.cfg }

// State returns the current state.
func (c *Controller) State() fsm.State { return c.machine.State() }

// Status returns a snapshot of the current session.
func (c *Controller) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session.status(c.machine.State(), c.position, c.lastVerdict)
}

// StitchResult returns the latest stitch of the current session, or nil.
func (c *Controller) StitchResult() *stitch.Result {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session == nil {
		return nil
	}
	return c.session.result
}

// Frames returns the accepted frames of the current session in capture order.
func (c *Controller) Frames() []*FrameRecord {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session == nil {
		return nil
	}
	return append([]*FrameRecord(nil), c.session.Accepted...)
}

// Start begins a new session. A finished scanner is reset first; a scanner
// in error must be recovered before it can start again.
func (c *Controller) Start(ctx context.Context) error {
	c.ctl.Lock()
	defer c.ctl.Unlock()
	if err := c.settle(); err != nil {
		return err
	}

	switch st := c.machine.State(); st {
	case fsm.Finished:
		if err := c.machine.Reset(); err != nil {
			return err
		}
	case fsm.Idle:
	default:
		return fmt.Errorf("%w: state is %s", ErrNotIdle, st)
	}

	c.hw.Lock()
	sess := newSession(c.cfg.MaxFrames)
	dir, err := c.out.Begin(sess.ID, sess.Started)
	if err != nil {
		c.hw.Unlock()
		return fmt.Errorf("start session: %w", err)
	}
	sess.OutputDir = dir
	if c.journal != nil {
		err := c.journal.BeginSession(journal.Session{
			ID:        sess.ID,
			StartedAt: sess.Started,
			State:     string(fsm.Idle),
			MaxFrames: sess.MaxFrames,
			Method:    string(c.stitcher.Config().Method),
			OutputDir: dir,
		})
		if err != nil {
			debug.Warn("Journal: %v", err)
		}
	}

	c.mu.Lock()
	c.session = sess
	c.mosaic = c.newMosaic()
	c.lastVerdict = nil
	c.pauseReq, c.abortReq = false, false
	c.mu.Unlock()

	debug.Section("Scan session " + sess.ID)
	debug.Info("Starting scan: up to %d frames, output in %s", sess.MaxFrames, dir)
	if _, _, err := c.machine.Fire(fsm.Start); err != nil {
		c.hw.Unlock()
		return err
	}
	c.launch(ctx)
	return nil
}

// Pause asks the state loop to pause at the next checkpoint. A pause that
// lands while the film moves takes effect once the advance completes. Work
// still due for an accepted frame runs on resume without capturing the
// position again.
//
// Pause is refused while the completion check runs, since the scan may be
// about to finish.
func (c *Controller) Pause() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.shutdown {
		return ErrShutdown
	}
	st := c.machine.State()
	if c.completing {
		st = fsm.CheckingCompletion
	}
	if !c.running || c.completing || st == fsm.Paused || st == fsm.Finished || st == fsm.Error {
		return &fsm.InvalidTransitionError{From: st, Event: fsm.Pause}
	}
	c.pauseReq = true
	debug.Info("Pause requested in %s", st)
	return nil
}

// Resume continues a paused scan at the capture step. If the motor cannot be
// engaged the scan moves to error.
func (c *Controller) Resume(ctx context.Context) error {
	c.ctl.Lock()
	defer c.ctl.Unlock()
	if err := c.settle(); err != nil {
		return err
	}
	if st := c.machine.State(); st != fsm.Paused {
		return &fsm.InvalidTransitionError{From: st, Event: fsm.Resume}
	}

	c.hw.Lock()
	if err := c.transport.Engage(); err != nil {
		f := fault.Classify(fault.Motor, err)
		c.setFault(f)
		if _, _, ferr := c.machine.Fire(fsm.Fail); ferr != nil {
			debug.Error(ferr)
		} else {
			c.halt()
		}
		c.hw.Unlock()
		return f
	}
	if _, _, err := c.machine.Fire(fsm.Resume); err != nil {
		c.hw.Unlock()
		return err
	}
	c.launch(ctx)
	return nil
}

// Abort stops the session. A running scan stops at the next checkpoint,
// without further captures or film movement; Abort returns once the scanner
// is finished.
func (c *Controller) Abort() error {
	c.ctl.Lock()
	defer c.ctl.Unlock()
	return c.abort()
}

func (c *Controller) abort() error {
	waited := false
	for {
		c.mu.Lock()
		if c.shutdown {
			c.mu.Unlock()
			return ErrShutdown
		}
		if !c.running {
			c.mu.Unlock()
			break
		}
		c.abortReq = true
		done := c.done
		c.mu.Unlock()
		<-done
		waited = true
	}
	if waited && c.machine.State() == fsm.Finished {
		return nil
	}

	// no loop: act on the machine directly
	c.hw.Lock()
	defer c.hw.Unlock()
	if _, _, err := c.machine.Fire(fsm.Abort); err != nil {
		return err
	}
	c.finish()
	return nil
}

// Recover returns a scanner in error to idle so a new session can start.
// The failed session is dropped.
func (c *Controller) Recover() error {
	c.ctl.Lock()
	defer c.ctl.Unlock()
	if err := c.settle(); err != nil {
		return err
	}
	if _, _, err := c.machine.Fire(fsm.Recover); err != nil {
		return err
	}
	c.mu.Lock()
	c.session, c.mosaic, c.lastVerdict = nil, nil, nil
	c.mu.Unlock()
	c.publish()
	return nil
}

// Wait blocks until the state loop, if any, has stopped.
func (c *Controller) Wait() {
	c.mu.Lock()
	done := c.done
	c.mu.Unlock()
	if done != nil {
		<-done
	}
}

// Shutdown aborts any session, releases the camera and the motor and makes
// the current state final. Idempotent.
func (c *Controller) Shutdown() error {
	c.ctl.Lock()
	defer c.ctl.Unlock()

	c.mu.Lock()
	if c.shutdown {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	if st := c.machine.State(); st != fsm.Idle && st != fsm.Finished && st != fsm.Error {
		if err := c.abort(); err != nil {
			debug.Warn("Shutdown: abort: %v", err)
		}
	}

	c.hw.Lock()
	defer c.hw.Unlock()
	c.closeCamera()
	err := c.transport.Close()

	c.mu.Lock()
	c.shutdown = true
	for id, ch := range c.subs {
		close(ch)
		delete(c.subs, id)
	}
	c.mu.Unlock()
	c.machine.Shutdown()
	debug.Info("Controller shut down")
	return err
}

// settle rejects operations while a scan is running and waits for a loop
// that is parking in a resting state. The caller holds ctl.
func (c *Controller) settle() error {
	c.mu.Lock()
	shutdown, running, done := c.shutdown, c.running, c.done
	c.mu.Unlock()
	if shutdown {
		return ErrShutdown
	}
	if !running {
		return nil
	}
	switch c.machine.State() {
	case fsm.Finished, fsm.Error, fsm.Paused:
		<-done
		return nil
	}
	return ErrNotIdle
}

// launch starts the state loop. The caller holds hw; the loop releases it.
func (c *Controller) launch(parent context.Context) {
	ctx := context.WithoutCancel(parent)
	done := make(chan struct{})
	c.mu.Lock()
	c.running = true
	c.done = done
	c.pauseReq, c.abortReq = false, false
	c.mu.Unlock()
	go c.run(ctx, done)
}

// Preview takes one low-resolution frame for the live view. It only works
// while the scanner is idle and never waits for the hardware.
func (c *Controller) Preview(ctx context.Context) (*imaging.Frame, error) {
	if !c.hw.TryLock() {
		return nil, ErrBusy
	}
	defer c.hw.Unlock()
	if err := c.checkShutdown(); err != nil {
		return nil, err
	}
	if c.machine.State() != fsm.Idle {
		return nil, ErrNotIdle
	}
	if err := c.openCamera(ctx, camera.ModePreview); err != nil {
		return nil, err
	}
	return c.cam.Preview(ctx)
}

// CaptureSingle takes one frame outside of any session and stores it,
// returning its path. With raw, the unprocessed sensor dump is stored.
func (c *Controller) CaptureSingle(ctx context.Context, raw bool) (string, error) {
	if !c.hw.TryLock() {
		return "", ErrBusy
	}
	defer c.hw.Unlock()
	if err := c.checkResting(); err != nil {
		return "", err
	}
	if err := c.openCamera(ctx, camera.ModeStill); err != nil {
		return "", err
	}
	if raw {
		dir, err := c.out.SingleDir()
		if err != nil {
			return "", err
		}
		return c.cam.CaptureRaw(ctx, dir)
	}
	f, err := c.cam.Capture(ctx)
	if err != nil {
		return "", err
	}
	at := f.CapturedAt
	if at.IsZero() {
		at = time.Now()
	}
	path, err := c.out.WriteSingle(f.Image, at)
	if err != nil {
		return "", err
	}
	debug.Info("Single capture saved to %s", path)
	return path, nil
}

// Jog moves the film by hand while no scan is running.
func (c *Controller) Jog(steps int) error {
	if !c.hw.TryLock() {
		return ErrBusy
	}
	defer c.hw.Unlock()
	if err := c.checkResting(); err != nil {
		return err
	}
	err := c.transport.Jog(steps)
	c.updatePosition()
	return err
}

// Rewind moves the film back to where the reel was loaded.
func (c *Controller) Rewind() error {
	if !c.hw.TryLock() {
		return ErrBusy
	}
	defer c.hw.Unlock()
	if err := c.checkResting(); err != nil {
		return err
	}
	err := c.transport.Rewind()
	c.updatePosition()
	return err
}

// PresetList is the preset registry as served to clients.
type PresetList struct {
	Current string          `json:"current"`
	Presets []camera.Preset `json:"presets"`
}

// CameraPresets lists the registered presets and the one in effect.
func (c *Controller) CameraPresets() PresetList {
	return PresetList{Current: c.presets.Current(), Presets: c.presets.List()}
}

// CreatePreset registers a named set of controls without applying it.
func (c *Controller) CreatePreset(name string, ctrl camera.Controls) error {
	if err := c.presets.Create(name, ctrl); err != nil {
		return err
	}
	debug.Info("Camera preset %q created", name)
	return nil
}

// ApplyPreset sets the camera controls to a registered preset. Controls only
// change while no scan is running.
func (c *Controller) ApplyPreset(name string) error {
	ctrl, err := c.presets.Get(name)
	if err != nil {
		return err
	}
	if err := c.setControls(ctrl); err != nil {
		return err
	}
	c.presets.MarkApplied(name)
	debug.Info("Camera preset %q applied", name)
	return nil
}

// SetCameraControls applies controls that belong to no preset.
func (c *Controller) SetCameraControls(ctrl camera.Controls) error {
	if err := c.setControls(ctrl); err != nil {
		return err
	}
	c.presets.MarkApplied("")
	debug.Info("Camera controls set to %+v", ctrl)
	return nil
}

func (c *Controller) setControls(ctrl camera.Controls) error {
	a, ok := c.cam.(camera.Adjustable)
	if !ok {
		return camera.ErrNotAdjustable
	}
	if !c.hw.TryLock() {
		return ErrBusy
	}
	defer c.hw.Unlock()
	if err := c.checkResting(); err != nil {
		return err
	}
	return a.SetControls(ctrl)
}

func (c *Controller) checkShutdown() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.shutdown {
		return ErrShutdown
	}
	return nil
}

// checkResting allows manual hardware use in idle, finished and error.
func (c *Controller) checkResting() error {
	if err := c.checkShutdown(); err != nil {
		return err
	}
	switch c.machine.State() {
	case fsm.Idle, fsm.Finished, fsm.Error:
		return nil
	}
	return ErrNotIdle
}

// openCamera opens the camera in mode unless it already is. The caller holds hw.
func (c *Controller) openCamera(ctx context.Context, mode camera.Mode) error {
	if c.camOpen && c.camMode == mode {
		return nil
	}
	if err := c.cam.Open(ctx, mode); err != nil {
		c.camOpen = false
		return fault.Classify(fault.Camera, err)
	}
	c.camOpen, c.camMode = true, mode
	return nil
}

// closeCamera releases the camera. The caller holds hw.
func (c *Controller) closeCamera() {
	if !c.camOpen {
		return
	}
	c.camOpen = false
	if err := c.cam.Close(); err != nil {
		debug.Warn("Camera: close: %v", err)
	}
}

func (c *Controller) updatePosition() {
	pos := c.transport.Position()
	c.mu.Lock()
	c.position = pos
	c.mu.Unlock()
}

// onTransition logs, journals and publishes every state change.
func (c *Controller) onTransition(tr fsm.Transition) {
	debug.Transition(string(tr.From), string(tr.Event), string(tr.To))
	c.mu.Lock()
	sess := c.session
	c.mu.Unlock()
	if c.journal != nil && sess != nil {
		err := c.journal.RecordTransition(journal.Transition{
			SessionID: sess.ID,
			At:        time.Now(),
			From:      string(tr.From),
			Event:     string(tr.Event),
			To:        string(tr.To),
		})
		if err != nil {
			debug.Warn("Journal: %v", err)
		}
	}
	c.publish()
}
