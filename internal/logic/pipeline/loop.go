package pipeline

import (
	"context"
	"errors"
	"time"

	"github.com/cjeanneret/ReelGo/internal/debug"
	"github.com/cjeanneret/ReelGo/internal/fault"
	"github.com/cjeanneret/ReelGo/internal/hw/camera"
	"github.com/cjeanneret/ReelGo/internal/imaging"
	"github.com/cjeanneret/ReelGo/internal/journal"
	"github.com/cjeanneret/ReelGo/internal/logic/evaluate"
	"github.com/cjeanneret/ReelGo/internal/logic/fsm"
	"github.com/cjeanneret/ReelGo/internal/logic/stitch"
)

// run is the state loop. It owns hw until it returns.
func (c *Controller) run(ctx context.Context, done chan struct{}) {
	defer func() {
		c.mu.Lock()
		c.running = false
		c.pauseReq = false
		c.completing = false
		c.mu.Unlock()
		c.hw.Unlock()
		c.publish()
		close(done)
	}()

	for {
		if c.checkpoint() {
			return
		}
		st := c.machine.State()
		ev := c.handle(ctx, st)
		if _, _, err := c.machine.Fire(ev); err != nil {
			// only a concurrent Shutdown can get here
			debug.Error(err)
			return
		}
		c.enter(c.machine.State())
	}
}

// checkpoint applies pending abort and pause requests and reports whether
// the loop must stop.
func (c *Controller) checkpoint() bool {
	st := c.machine.State()
	switch st {
	case fsm.Finished, fsm.Error, fsm.Paused, fsm.Idle:
		return true
	}

	c.mu.Lock()
	abort := c.abortReq
	pause := c.pauseReq && c.machine.Pausable()
	if abort {
		c.abortReq = false
	}
	if pause {
		c.pauseReq = false
		if sess := c.session; sess != nil {
			switch st {
			case fsm.Capturing, fsm.Evaluating:
				// an unevaluated capture is taken again on resume
				sess.Pending = nil
			case fsm.Stitching, fsm.Advancing:
				if sess.owed == "" {
					sess.owed = st
				}
			}
		}
	}
	c.mu.Unlock()

	switch {
	case abort:
		debug.Info("Abort honoured in %s", st)
		if _, _, err := c.machine.Fire(fsm.Abort); err != nil {
			debug.Error(err)
			return true
		}
		c.finish()
		return true
	case pause:
		debug.Info("Pause honoured in %s", st)
		if _, _, err := c.machine.Fire(fsm.Pause); err != nil {
			debug.Error(err)
		}
		return true
	}
	return false
}

// handle runs the handler of st and returns the event it produced.
func (c *Controller) handle(ctx context.Context, st fsm.State) fsm.Event {
	switch st {
	case fsm.Initializing:
		return c.initialize(ctx)
	case fsm.Capturing:
		return c.capture(ctx)
	case fsm.Evaluating:
		return c.evaluate()
	case fsm.Stitching:
		return c.stitchNewest()
	case fsm.Advancing:
		return c.advance(ctx)
	case fsm.CheckingCompletion:
		return c.checkCompletion()
	case fsm.CameraError:
		return c.recoverCamera(ctx)
	case fsm.MotorError:
		return c.recoverMotor()
	}
	debug.Warn("No handler for state %s", st)
	return fsm.Fail
}

// enter runs the side effects of reaching a resting state.
func (c *Controller) enter(st fsm.State) {
	switch st {
	case fsm.Finished:
		c.finish()
	case fsm.Error:
		c.halt()
	}
}

func (c *Controller) setFault(f *fault.Fault) {
	c.mu.Lock()
	if c.session != nil {
		c.session.LastError = f
	}
	c.mu.Unlock()
	debug.Error(f)
}

func (c *Controller) initialize(ctx context.Context) fsm.Event {
	debug.Step(1, "Opening camera")
	if err := c.openCamera(ctx, camera.ModeStill); err != nil {
		c.setFault(fault.Classify(fault.Camera, err))
		return fsm.Fail
	}
	debug.Step(2, "Engaging film transport")
	if err := c.transport.Engage(); err != nil {
		c.setFault(fault.Classify(fault.Motor, err))
		return fsm.Fail
	}
	c.updatePosition()
	return fsm.InitDone
}

func (c *Controller) capture(ctx context.Context) fsm.Event {
	c.mu.Lock()
	seq, owed := c.session.FrameCount, c.session.owed
	c.mu.Unlock()
	if owed != "" {
		// the frame at this position was accepted before the pause
		debug.Info("Resuming accepted frame %d at %s", seq-1, owed)
		return fsm.CaptureDone
	}

	f, err := c.cam.Capture(ctx)
	if err == nil && f.Empty() {
		err = fault.NewCamera(fault.CauseEmptyFrame, nil)
	}
	if err != nil {
		c.setFault(fault.Classify(fault.Camera, err))
		return fsm.CameraFail
	}
	if c.cfg.Crop.Valid() {
		f = imaging.Crop(f, c.cfg.Crop)
	}
	f = f.WithSeq(seq)

	c.mu.Lock()
	c.session.Pending = &FrameRecord{Seq: seq, Frame: f, CapturedAt: f.CapturedAt}
	c.mu.Unlock()
	debug.Verbose("Captured frame %d (%dx%d)", seq, f.Width(), f.Height())
	return fsm.CaptureDone
}

func (c *Controller) evaluate() fsm.Event {
	c.mu.Lock()
	rec, owed := c.session.Pending, c.session.owed
	c.mu.Unlock()
	if owed != "" {
		return fsm.AcceptCapture
	}
	if rec == nil {
		// pending frame discarded by a pause: capture again
		return fsm.RetryCapture
	}

	v := c.eval.Evaluate(rec.Frame)
	rec.Verdict = v
	debug.Frame(rec.Seq, v.Accept, v.Reason)

	c.mu.Lock()
	c.lastVerdict = &v
	sess := c.session
	sess.Pending = nil
	if !v.Accept {
		if sess.Retries < c.cfg.MaxRetries {
			sess.Retries++
			retries := sess.Retries
			c.mu.Unlock()
			c.journalFrame(sess.ID, rec)
			debug.Live("Frame %d rejected (%s), retry %d/%d", rec.Seq, v.Reason, retries, c.cfg.MaxRetries)
			return fsm.RetryCapture
		}
		c.mu.Unlock()
		c.journalFrame(sess.ID, rec)
		c.setFault(fault.NewCamera(fault.CauseQuality, errors.New(v.Reason)))
		return fsm.CameraFail
	}
	c.mu.Unlock()

	path, err := c.out.WriteFrame(rec.Seq, rec.Frame.Image)
	if err != nil {
		debug.Warn("Output: %v", err)
	}
	rec.Path = path
	c.journalFrame(sess.ID, rec)

	c.mu.Lock()
	sess.Accepted = append(sess.Accepted, rec)
	sess.FrameCount++
	c.mu.Unlock()
	return fsm.AcceptCapture
}

func (c *Controller) journalFrame(sessionID string, rec *FrameRecord) {
	if c.journal == nil {
		return
	}
	err := c.journal.RecordFrame(journal.Frame{
		SessionID:  sessionID,
		Seq:        rec.Seq,
		Accepted:   rec.Verdict.Accept,
		Sharpness:  rec.Verdict.Sharpness,
		Brightness: rec.Verdict.Brightness,
		Reason:     rec.Verdict.Reason,
		Path:       rec.Path,
		CapturedAt: rec.CapturedAt,
	})
	if err != nil {
		debug.Warn("Journal: %v", err)
	}
}

func (c *Controller) stitchNewest() fsm.Event {
	c.mu.Lock()
	rec := c.session.last()
	m := c.mosaic
	owed := c.session.owed
	if owed == fsm.Stitching {
		c.session.owed = fsm.Advancing
	}
	c.mu.Unlock()
	if rec == nil || m == nil || (owed != "" && owed != fsm.Stitching) {
		return fsm.StitchDone
	}

	res := m.Add(rec.Frame)

	c.mu.Lock()
	c.session.result = res
	c.mu.Unlock()
	if !res.Included(rec.Seq) {
		debug.Live("Frame %d left out of the composite", rec.Seq)
	}
	return fsm.StitchDone
}

// advance moves the film one frame. A pause requested while the film moves
// parks the scan here, with only the completion check left to run on resume.
func (c *Controller) advance(ctx context.Context) fsm.Event {
	c.mu.Lock()
	sess := c.session
	moved := sess.owed == fsm.CheckingCompletion
	c.mu.Unlock()

	if !moved {
		err := c.transport.AdvanceFrame()
		c.updatePosition()
		if err != nil {
			c.setFault(fault.Classify(fault.Motor, err))
			return fsm.MotorFail
		}
		if d := c.cfg.SettleDelay; d > 0 {
			t := time.NewTimer(d)
			select {
			case <-ctx.Done():
			case <-t.C:
			}
			t.Stop()
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	sess.Retries = 0
	sess.Recoveries = 0
	sess.LastError = nil
	if c.pauseReq {
		c.pauseReq = false
		sess.owed = fsm.CheckingCompletion
		debug.Info("Pause honoured in %s", fsm.Advancing)
		return fsm.Pause
	}
	sess.owed = ""
	// Pause is refused until the completion check has decided
	c.completing = true
	return fsm.AdvanceDone
}

func (c *Controller) checkCompletion() fsm.Event {
	c.mu.Lock()
	sess := c.session
	count, limit := sess.FrameCount, sess.MaxFrames
	rec := sess.last()
	c.mu.Unlock()

	if count >= limit {
		debug.Info("Frame ceiling reached (%d/%d)", count, limit)
		return fsm.ScanComplete
	}
	if c.cfg.DetectFilmEnd && rec != nil {
		end := c.eval.IsFilmEnd(rec.Frame)
		if end.End {
			c.mu.Lock()
			sess.FilmEnd = &end
			c.mu.Unlock()
			debug.Info("Film end detected on frame %d (%s)", rec.Seq, end.Reason)
			return fsm.ScanComplete
		}
	}
	c.mu.Lock()
	c.completing = false
	c.mu.Unlock()
	return fsm.MoreFrames
}

// consumeRecovery counts one recovery attempt at the current position and
// reports whether the budget allowed it.
func (c *Controller) consumeRecovery() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session.Recoveries >= c.cfg.MaxRecoveries {
		return false
	}
	c.session.Recoveries++
	return true
}

func (c *Controller) recoverCamera(ctx context.Context) fsm.Event {
	if !c.consumeRecovery() {
		debug.Warn("Camera: recovery budget exhausted")
		return fsm.Fail
	}
	debug.Info("Camera: reinitialising")
	c.closeCamera()
	if err := c.openCamera(ctx, camera.ModeStill); err != nil {
		c.setFault(fault.Classify(fault.Camera, err))
		return fsm.Fail
	}
	return fsm.RecoverCamera
}

func (c *Controller) recoverMotor() fsm.Event {
	if !c.consumeRecovery() {
		debug.Warn("Motor: recovery budget exhausted")
		return fsm.Fail
	}
	debug.Info("Motor: resetting GPIO")
	if err := c.transport.Reset(); err != nil {
		c.setFault(fault.Classify(fault.Motor, err))
		return fsm.Fail
	}
	return fsm.RecoverMotor
}

// finish releases the hardware and writes the session results. The caller
// holds hw.
func (c *Controller) finish() {
	if err := c.transport.Disengage(); err != nil {
		debug.Warn("Motor: release: %v", err)
	}
	c.closeCamera()

	// frames not yet stitched stay out of the composite
	c.mu.Lock()
	sess := c.session
	if sess == nil {
		c.mu.Unlock()
		return
	}
	sr := sess.result
	c.mu.Unlock()

	var composite string
	if sr != nil && len(sr.Placements) > 0 {
		img, err := sr.Composite()
		if err != nil {
			debug.Warn("Composite: %v", err)
		} else if composite, err = c.out.WriteComposite(img); err != nil {
			debug.Warn("Output: %v", err)
			composite = ""
		} else {
			debug.Info("Composite saved to %s", composite)
		}
	}

	c.mu.Lock()
	sess.Ended = time.Now()
	sess.Composite = composite
	report := c.report(sess)
	c.mu.Unlock()

	if _, err := c.out.WriteReport(report); err != nil {
		debug.Warn("Output: %v", err)
	}
	c.endJournal(sess, fsm.Finished)
	debug.Summary("Scan finished")
	debug.Info("%d frame(s) accepted in %.1fs", sess.FrameCount, sess.Ended.Sub(sess.Started).Seconds())
}

// halt releases the motor after a fatal fault. The session stays available
// until Recover.
func (c *Controller) halt() {
	if err := c.transport.Disengage(); err != nil {
		debug.Warn("Motor: release: %v", err)
	}
	c.closeCamera()

	c.mu.Lock()
	sess := c.session
	if sess != nil {
		sess.Ended = time.Now()
	}
	c.mu.Unlock()
	if sess != nil {
		c.endJournal(sess, fsm.Error)
	}
}

func (c *Controller) endJournal(sess *Session, st fsm.State) {
	if c.journal == nil {
		return
	}
	if err := c.journal.EndSession(sess.ID, string(st), sess.FrameCount, sess.Ended); err != nil {
		debug.Warn("Journal: %v", err)
	}
}

// Report is the JSON summary written next to the composite.
type Report struct {
	SessionID  string            `json:"session_id"`
	Started    time.Time         `json:"started"`
	Ended      time.Time         `json:"ended"`
	FrameCount int               `json:"frame_count"`
	MaxFrames  int               `json:"max_frames"`
	Frames     []ReportFrame     `json:"frames"`
	FilmEnd    *evaluate.FilmEnd `json:"film_end,omitempty"`
	Composite  string            `json:"composite,omitempty"`
	Stitch     *stitch.Result    `json:"stitch,omitempty"`
}

// ReportFrame is one accepted frame in a Report.
type ReportFrame struct {
	Seq        int     `json:"seq"`
	Path       string  `json:"path"`
	Sharpness  float64 `json:"sharpness"`
	Brightness float64 `json:"brightness"`
}

// report builds the session summary; the caller holds mu.
func (c *Controller) report(sess *Session) Report {
	r := Report{
		SessionID:  sess.ID,
		Started:    sess.Started,
		Ended:      sess.Ended,
		FrameCount: sess.FrameCount,
		MaxFrames:  sess.MaxFrames,
		Composite:  sess.Composite,
	}
	for _, rec := range sess.Accepted {
		r.Frames = append(r.Frames, ReportFrame{
			Seq:        rec.Seq,
			Path:       rec.Path,
			Sharpness:  rec.Verdict.Sharpness,
			Brightness: rec.Verdict.Brightness,
		})
	}
	r.FilmEnd = sess.FilmEnd
	r.Stitch = sess.result
	return r
}

