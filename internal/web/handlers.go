package web

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"strconv"
	"time"

	"github.com/cjeanneret/ReelGo/internal/config"
	"github.com/cjeanneret/ReelGo/internal/debug"
	"github.com/cjeanneret/ReelGo/internal/hw/camera"
	"github.com/cjeanneret/ReelGo/internal/imaging"
	"github.com/cjeanneret/ReelGo/internal/logic/fsm"
	"github.com/cjeanneret/ReelGo/internal/logic/motion"
	"github.com/cjeanneret/ReelGo/internal/logic/pipeline"
)

// maxBodyBytes bounds JSON request bodies.
const maxBodyBytes = 4 << 10

// Scanner is the controller surface served over HTTP.
// *pipeline.Controller implements it.
type Scanner interface {
	Start(ctx context.Context) error
	Pause() error
	Resume(ctx context.Context) error
	Abort() error
	Recover() error
	CaptureSingle(ctx context.Context, raw bool) (string, error)
	Jog(steps int) error
	Rewind() error
	Preview(ctx context.Context) (*imaging.Frame, error)
	Status() pipeline.Status
	Subscribe() (<-chan pipeline.Status, func())
	Shutdown() error

	CameraPresets() pipeline.PresetList
	CreatePreset(name string, c camera.Controls) error
	ApplyPreset(name string) error
	SetCameraControls(c camera.Controls) error
}

// Settings is the read-only configuration view returned by GET /config.
type Settings struct {
	MaxFrames          int     `json:"max_frames"`
	MaxRetries         int     `json:"max_retries"`
	MaxRecoveries      int     `json:"max_recoveries"`
	DetectFilmEnd      bool    `json:"detect_film_end"`
	SharpnessThreshold float64 `json:"sharpness_threshold"`
	BrightnessMin      float64 `json:"brightness_min"`
	BrightnessMax      float64 `json:"brightness_max"`
	StitchMethod       string  `json:"stitch_method"`
	Blend              string  `json:"blend"`
	MotorStepDelay     float64 `json:"motor_step_delay"`
	FramePitchSteps    int     `json:"frame_pitch_steps"`
	Camera             string  `json:"camera"`
	OutputDir          string  `json:"output_dir"`
}

// JogRequest is the body of POST /motor/jog.
type JogRequest struct {
	Steps  int  `json:"steps"`
	Rewind bool `json:"rewind,omitempty"`
}

// PresetRequest is the body of POST /camera/presets.
type PresetRequest struct {
	Name     string          `json:"name"`
	Controls camera.Controls `json:"controls"`
}

// Handlers holds dependencies for HTTP handlers.
type Handlers struct {
	Scanner         Scanner
	Logs            *LogBroadcaster
	Settings        Settings
	PollInterval    time.Duration // status stream tick
	PreviewInterval time.Duration // delay between preview frames
	JPEGQuality     int
	OnShutdown      func() // called after POST /shutdown released the hardware
	staticFS        fs.FS
}

// NewHandlers creates handlers with the given dependencies.
func NewHandlers(scanner Scanner, logs *LogBroadcaster, settings Settings, staticFS fs.FS) *Handlers {
	return &Handlers{
		Scanner:         scanner,
		Logs:            logs,
		Settings:        settings,
		PollInterval:    500 * time.Millisecond,
		PreviewInterval: 200 * time.Millisecond,
		JPEGQuality:     80,
		staticFS:        staticFS,
	}
}

// statusCode maps controller errors to HTTP statuses.
func statusCode(err error) int {
	var cerr *config.ConfigurationError
	switch {
	case errors.Is(err, pipeline.ErrShutdown), errors.Is(err, fsm.ErrShutdown):
		return http.StatusServiceUnavailable
	case errors.Is(err, pipeline.ErrBusy), errors.Is(err, pipeline.ErrNotIdle), errors.Is(err, fsm.ErrInvalidTransition):
		return http.StatusConflict
	case errors.As(err, &cerr), errors.Is(err, motion.ErrJogLimit), errors.Is(err, camera.ErrInvalidControls):
		return http.StatusBadRequest
	case errors.Is(err, camera.ErrUnknownPreset):
		return http.StatusNotFound
	case errors.Is(err, camera.ErrPresetExists):
		return http.StatusConflict
	case errors.Is(err, camera.ErrNotAdjustable):
		return http.StatusNotImplemented
	}
	return http.StatusInternalServerError
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, statusCode(err), map[string]string{"error": err.Error()})
}

// HandleConfig returns the configuration in effect as JSON.
func (h *Handlers) HandleConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.Settings)
}

// ServeIndex serves the main HTML page (root path only).
func (h *Handlers) ServeIndex(w http.ResponseWriter, r *http.Request) {
	data, err := fs.ReadFile(h.staticFS, "index.html")
	if err != nil {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Write(data)
}

// HandleStatus returns the current status.
func (h *Handlers) HandleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.Scanner.Status())
}

// HandleStart handles POST /scan/start. The scan runs in the background;
// progress is reported on the status stream.
func (h *Handlers) HandleStart(w http.ResponseWriter, r *http.Request) {
	if err := h.Scanner.Start(context.WithoutCancel(r.Context())); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "started"})
}

// HandleResume handles POST /scan/resume.
func (h *Handlers) HandleResume(w http.ResponseWriter, r *http.Request) {
	if err := h.Scanner.Resume(context.WithoutCancel(r.Context())); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "resumed"})
}

// control wraps a synchronous controller operation returning the new status.
func (h *Handlers) control(op func() error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := op(); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, h.Scanner.Status())
	}
}

// HandlePause handles POST /scan/pause.
func (h *Handlers) HandlePause(w http.ResponseWriter, r *http.Request) {
	h.control(h.Scanner.Pause)(w, r)
}

// HandleAbort handles POST /scan/abort. It returns once the scan stopped.
func (h *Handlers) HandleAbort(w http.ResponseWriter, r *http.Request) {
	h.control(h.Scanner.Abort)(w, r)
}

// HandleRecover handles POST /scan/recover.
func (h *Handlers) HandleRecover(w http.ResponseWriter, r *http.Request) {
	h.control(h.Scanner.Recover)(w, r)
}

// HandleCapture handles POST /capture, taking one frame outside of a scan.
// With ?raw=1 the unprocessed sensor dump is stored.
func (h *Handlers) HandleCapture(w http.ResponseWriter, r *http.Request) {
	raw, _ := strconv.ParseBool(r.URL.Query().Get("raw"))
	path, err := h.Scanner.CaptureSingle(r.Context(), raw)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"path": path})
}

// HandleJog handles POST /motor/jog with a JogRequest body.
func (h *Handlers) HandleJog(w http.ResponseWriter, r *http.Request) {
	var req JogRequest
	if !decodeBody(w, r, &req) {
		return
	}
	var err error
	switch {
	case req.Rewind:
		err = h.Scanner.Rewind()
	case req.Steps == 0:
		http.Error(w, "steps must be non-zero", http.StatusBadRequest)
		return
	default:
		err = h.Scanner.Jog(req.Steps)
	}
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, h.Scanner.Status())
}

// decodeBody reads a bounded JSON body into v, answering 400 on failure.
func decodeBody(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		http.Error(w, "invalid JSON", http.StatusBadRequest)
		return false
	}
	return true
}

// HandlePresets handles GET /camera/presets.
func (h *Handlers) HandlePresets(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.Scanner.CameraPresets())
}

// HandleCreatePreset handles POST /camera/presets with a PresetRequest body.
func (h *Handlers) HandleCreatePreset(w http.ResponseWriter, r *http.Request) {
	var req PresetRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if err := h.Scanner.CreatePreset(req.Name, req.Controls); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, h.Scanner.CameraPresets())
}

// HandleApplyPreset handles POST /camera/presets/{name}/apply.
func (h *Handlers) HandleApplyPreset(w http.ResponseWriter, r *http.Request) {
	if err := h.Scanner.ApplyPreset(r.PathValue("name")); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, h.Scanner.CameraPresets())
}

// HandleControls handles POST /camera/controls with a camera.Controls body.
func (h *Handlers) HandleControls(w http.ResponseWriter, r *http.Request) {
	var req camera.Controls
	if !decodeBody(w, r, &req) {
		return
	}
	if err := h.Scanner.SetCameraControls(req); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

// HandleShutdown handles POST /shutdown: it releases the hardware and asks
// the server to stop.
func (h *Handlers) HandleShutdown(w http.ResponseWriter, r *http.Request) {
	if err := h.Scanner.Shutdown(); err != nil {
		debug.Warn("Shutdown: %v", err)
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "shutting down"})
	if h.OnShutdown != nil {
		go h.OnShutdown()
	}
}

// HandleStatusStream handles GET /status/stream for SSE. It sends a status
// event on every state change and on each poll tick, and a log event for
// every mirrored log line.
func (h *Handlers) HandleStatusStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // nginx

	states, unsubStates := h.Scanner.Subscribe()
	defer unsubStates()
	var logs <-chan string
	if h.Logs != nil {
		ch, unsub := h.Logs.Subscribe()
		defer unsub()
		logs = ch
	}

	sendStatus := func(st pipeline.Status) {
		data, err := json.Marshal(st)
		if err != nil {
			return
		}
		fmt.Fprintf(w, "event: status\ndata: %s\n\n", data)
		flusher.Flush()
	}

	w.Write([]byte(": connected\n\n"))
	sendStatus(h.Scanner.Status())

	interval := h.PollInterval
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case st, ok := <-states:
			if !ok {
				return
			}
			sendStatus(st)

		case msg, ok := <-logs:
			if !ok {
				// server shutting down
				return
			}
			fmt.Fprintf(w, "event: log\ndata: %s\n\n", msg)
			flusher.Flush()

		case <-ticker.C:
			sendStatus(h.Scanner.Status())

		case <-r.Context().Done():
			return
		}
	}
}

// mjpegBoundary separates parts of the preview stream.
const mjpegBoundary = "reelgoframe"

// HandlePreviewStream handles GET /preview/stream as an MJPEG stream. It only
// starts while the scanner is idle and ends as soon as it is not.
func (h *Handlers) HandlePreviewStream(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	f, err := h.Scanner.Preview(ctx)
	if err != nil {
		writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", "multipart/x-mixed-replace; boundary="+mjpegBoundary)
	w.Header().Set("Cache-Control", "no-cache")
	flusher, _ := w.(http.Flusher)

	var buf bytes.Buffer
	for {
		buf.Reset()
		if err := imaging.EncodeJPEG(&buf, f.Image, h.JPEGQuality); err != nil {
			debug.Warn("Preview: %v", err)
			return
		}
		fmt.Fprintf(w, "--%s\r\nContent-Type: image/jpeg\r\nContent-Length: %d\r\n\r\n", mjpegBoundary, buf.Len())
		if _, err := w.Write(buf.Bytes()); err != nil {
			return
		}
		w.Write([]byte("\r\n"))
		if flusher != nil {
			flusher.Flush()
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(h.PreviewInterval):
		}
		if f, err = h.Scanner.Preview(ctx); err != nil {
			debug.Verbose("Preview stream stopped: %v", err)
			return
		}
	}
}
