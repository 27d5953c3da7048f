package web

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"testing/fstest"
	"time"

	"github.com/cjeanneret/ReelGo/internal/config"
	"github.com/cjeanneret/ReelGo/internal/hw/camera"
	"github.com/cjeanneret/ReelGo/internal/imaging"
	"github.com/cjeanneret/ReelGo/internal/logic/fsm"
	"github.com/cjeanneret/ReelGo/internal/logic/motion"
	"github.com/cjeanneret/ReelGo/internal/logic/pipeline"
)

// fakeScanner records calls and returns canned errors.
type fakeScanner struct {
	mu       sync.Mutex
	calls    []string
	err      error
	status   pipeline.Status
	previews int
	// previewLimit makes Preview fail with ErrNotIdle after that many frames
	previewLimit int
	subs         []chan pipeline.Status
	raw          bool
	jogged       int
	presets      *camera.Presets
	controls     camera.Controls
}

func (s *fakeScanner) record(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, name)
	return s.err
}

func (s *fakeScanner) Start(ctx context.Context) error  { return s.record("start") }
func (s *fakeScanner) Pause() error                     { return s.record("pause") }
func (s *fakeScanner) Resume(ctx context.Context) error { return s.record("resume") }
func (s *fakeScanner) Abort() error                     { return s.record("abort") }
func (s *fakeScanner) Recover() error                   { return s.record("recover") }
func (s *fakeScanner) Rewind() error                    { return s.record("rewind") }
func (s *fakeScanner) Shutdown() error                  { return s.record("shutdown") }

func (s *fakeScanner) registry() *camera.Presets {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.presets == nil {
		s.presets, _ = camera.NewPresets(camera.Controls{ExposureUs: 8000}, nil)
	}
	return s.presets
}

func (s *fakeScanner) CameraPresets() pipeline.PresetList {
	p := s.registry()
	return pipeline.PresetList{Current: p.Current(), Presets: p.List()}
}

func (s *fakeScanner) CreatePreset(name string, c camera.Controls) error {
	if err := s.record("create_preset"); err != nil {
		return err
	}
	return s.registry().Create(name, c)
}

func (s *fakeScanner) ApplyPreset(name string) error {
	if err := s.record("apply_preset"); err != nil {
		return err
	}
	c, err := s.registry().Get(name)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.controls = c
	s.mu.Unlock()
	s.registry().MarkApplied(name)
	return nil
}

func (s *fakeScanner) SetCameraControls(c camera.Controls) error {
	if err := s.record("controls"); err != nil {
		return err
	}
	if err := c.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	s.controls = c
	s.mu.Unlock()
	return nil
}

func (s *fakeScanner) Jog(steps int) error {
	s.mu.Lock()
	s.jogged += steps
	s.mu.Unlock()
	return s.record("jog")
}

func (s *fakeScanner) CaptureSingle(ctx context.Context, raw bool) (string, error) {
	s.mu.Lock()
	s.raw = raw
	s.mu.Unlock()
	if err := s.record("capture"); err != nil {
		return "", err
	}
	if raw {
		return "scans/single/single.dng", nil
	}
	return "scans/single/single.png", nil
}

func (s *fakeScanner) Preview(ctx context.Context) (*imaging.Frame, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	if s.previewLimit > 0 && s.previews >= s.previewLimit {
		return nil, pipeline.ErrNotIdle
	}
	s.previews++
	return imaging.NewFrame(image.NewGray(image.Rect(0, 0, 8, 6))), nil
}

func (s *fakeScanner) Status() pipeline.Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

func (s *fakeScanner) Subscribe() (<-chan pipeline.Status, func()) {
	ch := make(chan pipeline.Status, 4)
	s.mu.Lock()
	s.subs = append(s.subs, ch)
	s.mu.Unlock()
	return ch, func() {}
}

func (s *fakeScanner) publish(st pipeline.Status) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ch := range s.subs {
		ch <- st
	}
}

func (s *fakeScanner) subscribers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs)
}

func (s *fakeScanner) called() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.calls...)
}

func newTestHandlers(s *fakeScanner) *Handlers {
	fsys := fstest.MapFS{
		"index.html": &fstest.MapFile{Data: []byte("<html><body>ReelGo</body></html>")},
	}
	h := NewHandlers(s, NewLogBroadcaster(), Settings{MaxFrames: 36, MaxRetries: 3, StitchMethod: "feature"}, fsys)
	h.PollInterval = time.Hour
	h.PreviewInterval = time.Millisecond
	return h
}

func do(h http.Handler, method, target, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func newTestServer(s *fakeScanner) *Server {
	srv, err := NewServer("127.0.0.1:0", s, NewLogBroadcaster(), Settings{MaxFrames: 36})
	if err != nil {
		panic(err)
	}
	return srv
}

// ---------- control routes ----------

func TestControlRoutes(t *testing.T) {
	cases := []struct {
		target string
		call   string
		code   int
	}{
		{"/scan/start", "start", http.StatusAccepted},
		{"/scan/pause", "pause", http.StatusOK},
		{"/scan/resume", "resume", http.StatusAccepted},
		{"/scan/abort", "abort", http.StatusOK},
		{"/scan/recover", "recover", http.StatusOK},
	}
	for _, tc := range cases {
		t.Run(tc.call, func(t *testing.T) {
			s := &fakeScanner{status: pipeline.Status{State: fsm.Capturing}}
			w := do(newTestServer(s).Mux(), http.MethodPost, tc.target, "")
			if w.Code != tc.code {
				t.Errorf("status = %d, want %d", w.Code, tc.code)
			}
			if got := s.called(); len(got) != 1 || got[0] != tc.call {
				t.Errorf("calls = %v, want [%s]", got, tc.call)
			}
		})
	}
}

func TestControlRoutes_GetNotAllowed(t *testing.T) {
	s := &fakeScanner{}
	w := do(newTestServer(s).Mux(), http.MethodGet, "/scan/start", "")
	if w.Code != http.StatusMethodNotAllowed {
		t.Errorf("status = %d, want %d", w.Code, http.StatusMethodNotAllowed)
	}
	if len(s.called()) != 0 {
		t.Error("GET must not reach the scanner")
	}
}

func TestStatusCode(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{pipeline.ErrBusy, http.StatusConflict},
		{fmt.Errorf("%w: state is error", pipeline.ErrNotIdle), http.StatusConflict},
		{&fsm.InvalidTransitionError{From: fsm.Idle, Event: fsm.Pause}, http.StatusConflict},
		{pipeline.ErrShutdown, http.StatusServiceUnavailable},
		{&config.ConfigurationError{Field: "scan.max_frames", Reason: "must be >= 1"}, http.StatusBadRequest},
		{fmt.Errorf("%w: 20000 steps", motion.ErrJogLimit), http.StatusBadRequest},
		{fmt.Errorf("%w: exposure_us", camera.ErrInvalidControls), http.StatusBadRequest},
		{fmt.Errorf("%w: \"x\"", camera.ErrUnknownPreset), http.StatusNotFound},
		{camera.ErrPresetExists, http.StatusConflict},
		{camera.ErrNotAdjustable, http.StatusNotImplemented},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		if got := statusCode(tc.err); got != tc.want {
			t.Errorf("statusCode(%v) = %d, want %d", tc.err, got, tc.want)
		}
	}
}

func TestHandleStart_ConflictBody(t *testing.T) {
	s := &fakeScanner{err: pipeline.ErrNotIdle}
	w := do(newTestServer(s).Mux(), http.MethodPost, "/scan/start", "")
	if w.Code != http.StatusConflict {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusConflict)
	}
	var resp map[string]string
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !strings.Contains(resp["error"], "scan in progress") {
		t.Errorf("error = %q", resp["error"])
	}
}

// ---------- capture & jog ----------

func TestHandleCapture(t *testing.T) {
	s := &fakeScanner{}
	mux := newTestServer(s).Mux()

	w := do(mux, http.MethodPost, "/capture?raw=1", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	var resp map[string]string
	json.NewDecoder(w.Body).Decode(&resp)
	if resp["path"] != "scans/single/single.dng" || !s.raw {
		t.Errorf("raw capture: path=%q raw=%v", resp["path"], s.raw)
	}

	do(mux, http.MethodPost, "/capture", "")
	if s.raw {
		t.Error("capture without ?raw should be processed")
	}
}

func TestHandleCapture_Busy(t *testing.T) {
	s := &fakeScanner{err: pipeline.ErrBusy}
	w := do(newTestServer(s).Mux(), http.MethodPost, "/capture", "")
	if w.Code != http.StatusConflict {
		t.Errorf("status = %d, want %d", w.Code, http.StatusConflict)
	}
}

func TestHandleJog(t *testing.T) {
	s := &fakeScanner{}
	mux := newTestServer(s).Mux()

	if w := do(mux, http.MethodPost, "/motor/jog", `{"steps": -120}`); w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	if s.jogged != -120 {
		t.Errorf("jogged = %d, want -120", s.jogged)
	}
	if w := do(mux, http.MethodPost, "/motor/jog", `{"rewind": true}`); w.Code != http.StatusOK {
		t.Fatalf("rewind status = %d", w.Code)
	}
	calls := s.called()
	if calls[len(calls)-1] != "rewind" {
		t.Errorf("calls = %v, want rewind last", calls)
	}
}

// ---------- camera presets & controls ----------

func TestCameraPresetRoutes(t *testing.T) {
	s := &fakeScanner{}
	mux := newTestServer(s).Mux()

	w := do(mux, http.MethodPost, "/camera/presets", `{"name": "dense", "controls": {"exposure_us": 20000, "analogue_gain": 2}}`)
	if w.Code != http.StatusCreated {
		t.Fatalf("create status = %d, want %d", w.Code, http.StatusCreated)
	}
	if w := do(mux, http.MethodPost, "/camera/presets", `{"name": "dense"}`); w.Code != http.StatusConflict {
		t.Errorf("duplicate status = %d, want %d", w.Code, http.StatusConflict)
	}

	w = do(mux, http.MethodPost, "/camera/presets/dense/apply", "")
	if w.Code != http.StatusOK {
		t.Fatalf("apply status = %d, want %d", w.Code, http.StatusOK)
	}
	if s.controls.ExposureUs != 20000 {
		t.Errorf("controls = %+v", s.controls)
	}

	w = do(mux, http.MethodGet, "/camera/presets", "")
	var list pipeline.PresetList
	if err := json.NewDecoder(w.Body).Decode(&list); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if list.Current != "dense" || len(list.Presets) != 2 {
		t.Errorf("presets = %+v", list)
	}
	if list.Presets[0].Name != camera.DefaultPreset || list.Presets[0].Controls.ExposureUs != 8000 {
		t.Errorf("default preset = %+v", list.Presets[0])
	}

	if w := do(mux, http.MethodPost, "/camera/presets/missing/apply", ""); w.Code != http.StatusNotFound {
		t.Errorf("unknown preset status = %d, want %d", w.Code, http.StatusNotFound)
	}
}

func TestHandleControls(t *testing.T) {
	s := &fakeScanner{}
	mux := newTestServer(s).Mux()

	w := do(mux, http.MethodPost, "/camera/controls", `{"exposure_us": 1500, "colour_gains": [1.7, 1.2]}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	if s.controls.ExposureUs != 1500 || s.controls.ColourGains != [2]float64{1.7, 1.2} {
		t.Errorf("controls = %+v", s.controls)
	}

	if w := do(mux, http.MethodPost, "/camera/controls", `{"analogue_gain": -1}`); w.Code != http.StatusBadRequest {
		t.Errorf("negative gain status = %d, want %d", w.Code, http.StatusBadRequest)
	}
	if w := do(mux, http.MethodPost, "/camera/controls", `{`); w.Code != http.StatusBadRequest {
		t.Errorf("bad JSON status = %d, want %d", w.Code, http.StatusBadRequest)
	}

	s.err = pipeline.ErrBusy
	if w := do(mux, http.MethodPost, "/camera/controls", `{}`); w.Code != http.StatusConflict {
		t.Errorf("busy status = %d, want %d", w.Code, http.StatusConflict)
	}
}

func TestHandleJog_BadRequests(t *testing.T) {
	cases := map[string]string{
		"invalid json": "not json",
		"zero steps":   `{"steps": 0}`,
		"oversized":    `{"steps": 1, "pad": "` + strings.Repeat("x", 8<<10) + `"}`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			s := &fakeScanner{}
			w := do(newTestServer(s).Mux(), http.MethodPost, "/motor/jog", body)
			if w.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want %d", w.Code, http.StatusBadRequest)
			}
			if len(s.called()) != 0 {
				t.Error("bad requests must not move the motor")
			}
		})
	}
}

// ---------- status ----------

func TestHandleStatus(t *testing.T) {
	s := &fakeScanner{status: pipeline.Status{State: fsm.Evaluating, FrameCount: 4, MaxFrames: 36, Retries: 1}}
	w := do(newTestServer(s).Mux(), http.MethodGet, "/status", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var got map[string]interface{}
	if err := json.NewDecoder(w.Body).Decode(&got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got["state"] != "evaluating" || got["frame_count"] != float64(4) || got["retries"] != float64(1) {
		t.Errorf("status = %v", got)
	}
}

func TestHandleStatusStream(t *testing.T) {
	s := &fakeScanner{status: pipeline.Status{State: fsm.Idle}}
	srv := newTestServer(s)
	ts := httptest.NewServer(srv.Mux())
	defer ts.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/status/stream", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("Content-Type = %q", ct)
	}

	events := make(chan string, 16)
	go func() {
		sc := bufio.NewScanner(resp.Body)
		var event string
		for sc.Scan() {
			line := sc.Text()
			switch {
			case strings.HasPrefix(line, "event: "):
				event = strings.TrimPrefix(line, "event: ")
			case strings.HasPrefix(line, "data: "):
				events <- event + " " + strings.TrimPrefix(line, "data: ")
			}
		}
		close(events)
	}()

	next := func() string {
		select {
		case e := <-events:
			return e
		case <-time.After(2 * time.Second):
			t.Fatal("timeout waiting for event")
		}
		return ""
	}

	if e := next(); !strings.HasPrefix(e, `status {"state":"idle"`) {
		t.Errorf("initial event = %q", e)
	}

	deadline := time.Now().Add(2 * time.Second)
	for s.subscribers() == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	s.publish(pipeline.Status{State: fsm.Capturing, FrameCount: 2})
	if e := next(); !strings.HasPrefix(e, `status {"state":"capturing","frame_count":2`) {
		t.Errorf("state event = %q", e)
	}

	srv.handlers.Logs.Broadcast("warn", "camera slow")
	if e := next(); !strings.HasPrefix(e, "log ") || !strings.Contains(e, "camera slow") {
		t.Errorf("log event = %q", e)
	}
}

// ---------- preview ----------

func TestHandlePreviewStream_StopsWhenNotIdle(t *testing.T) {
	s := &fakeScanner{previewLimit: 3}
	h := newTestHandlers(s)
	req := httptest.NewRequest(http.MethodGet, "/preview/stream", nil)
	w := httptest.NewRecorder()

	h.HandlePreviewStream(w, req)

	if ct := w.Header().Get("Content-Type"); !strings.HasPrefix(ct, "multipart/x-mixed-replace") {
		t.Fatalf("Content-Type = %q", ct)
	}
	if n := strings.Count(w.Body.String(), "Content-Type: image/jpeg"); n != 3 {
		t.Errorf("parts = %d, want 3", n)
	}
}

func TestHandlePreviewStream_RejectedWhileScanning(t *testing.T) {
	s := &fakeScanner{err: pipeline.ErrNotIdle}
	w := do(newTestServer(s).Mux(), http.MethodGet, "/preview/stream", "")
	if w.Code != http.StatusConflict {
		t.Errorf("status = %d, want %d", w.Code, http.StatusConflict)
	}
}

// ---------- shutdown ----------

func TestHandleShutdown_StopsServer(t *testing.T) {
	s := &fakeScanner{}
	srv := newTestServer(s)
	done := make(chan error, 1)
	go func() { done <- srv.Run(context.Background()) }()

	w := do(srv.Mux(), http.MethodPost, "/shutdown", "")
	if w.Code != http.StatusAccepted {
		t.Errorf("status = %d, want %d", w.Code, http.StatusAccepted)
	}
	if calls := s.called(); len(calls) != 1 || calls[0] != "shutdown" {
		t.Errorf("calls = %v", calls)
	}
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop after POST /shutdown")
	}
}

// ---------- config & index ----------

func TestHandleConfig(t *testing.T) {
	h := newTestHandlers(&fakeScanner{})
	req := httptest.NewRequest(http.MethodGet, "/config", nil)
	w := httptest.NewRecorder()

	h.HandleConfig(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", w.Code, http.StatusOK)
	}
	var got Settings
	if err := json.NewDecoder(w.Body).Decode(&got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.MaxFrames != 36 || got.MaxRetries != 3 || got.StitchMethod != "feature" {
		t.Errorf("settings = %+v", got)
	}
}

func TestServeIndex(t *testing.T) {
	h := newTestHandlers(&fakeScanner{})
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	w := httptest.NewRecorder()

	h.ServeIndex(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", w.Code, http.StatusOK)
	}
	if ct := w.Header().Get("Content-Type"); ct != "text/html; charset=utf-8" {
		t.Errorf("Content-Type = %q, want text/html; charset=utf-8", ct)
	}
	if !strings.Contains(w.Body.String(), "<html>") {
		t.Error("body should contain HTML content")
	}
}

func TestEmbeddedIndex(t *testing.T) {
	w := do(newTestServer(&fakeScanner{}).Mux(), http.MethodGet, "/", "")
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), "/status/stream") {
		t.Errorf("embedded index: status %d", w.Code)
	}
}
