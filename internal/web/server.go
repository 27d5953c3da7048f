// Package web serves the scanner's HTTP control surface: scan control,
// manual jog and capture, the status event stream and the live preview.
package web

import (
	"context"
	"errors"
	"io/fs"
	"net/http"
	"time"

	"github.com/cjeanneret/ReelGo/internal/debug"
)

// Server wraps the HTTP server and handlers.
type Server struct {
	addr     string
	handlers *Handlers
	stop     chan struct{}
}

// NewServer creates a server configured for the given address and dependencies.
func NewServer(addr string, scanner Scanner, logs *LogBroadcaster, settings Settings) (*Server, error) {
	subFS, err := fs.Sub(staticFiles, "static")
	if err != nil {
		return nil, err
	}
	s := &Server{
		addr:     addr,
		handlers: NewHandlers(scanner, logs, settings, subFS),
		stop:     make(chan struct{}),
	}
	s.handlers.OnShutdown = s.requestStop
	return s, nil
}

// Handlers exposes the handlers for tuning stream intervals.
func (s *Server) Handlers() *Handlers { return s.handlers }

func (s *Server) requestStop() {
	select {
	case <-s.stop:
	default:
		close(s.stop)
	}
}

// Mux returns an http.Handler with all routes registered.
func (s *Server) Mux() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /scan/start", s.handlers.HandleStart)
	mux.HandleFunc("POST /scan/pause", s.handlers.HandlePause)
	mux.HandleFunc("POST /scan/resume", s.handlers.HandleResume)
	mux.HandleFunc("POST /scan/abort", s.handlers.HandleAbort)
	mux.HandleFunc("POST /scan/recover", s.handlers.HandleRecover)
	mux.HandleFunc("POST /capture", s.handlers.HandleCapture)
	mux.HandleFunc("POST /motor/jog", s.handlers.HandleJog)
	mux.HandleFunc("GET /camera/presets", s.handlers.HandlePresets)
	mux.HandleFunc("POST /camera/presets", s.handlers.HandleCreatePreset)
	mux.HandleFunc("POST /camera/presets/{name}/apply", s.handlers.HandleApplyPreset)
	mux.HandleFunc("POST /camera/controls", s.handlers.HandleControls)
	mux.HandleFunc("POST /shutdown", s.handlers.HandleShutdown)
	mux.HandleFunc("GET /status", s.handlers.HandleStatus)
	mux.HandleFunc("GET /status/stream", s.handlers.HandleStatusStream)
	mux.HandleFunc("GET /preview/stream", s.handlers.HandlePreviewStream)
	mux.HandleFunc("GET /config", s.handlers.HandleConfig)
	mux.HandleFunc("GET /{$}", s.handlers.ServeIndex) // exact match for root only

	return mux
}

// Run starts the server and blocks until ctx is cancelled or POST /shutdown
// is received, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{Addr: s.addr, Handler: s.Mux(), ReadHeaderTimeout: 10 * time.Second}
	errCh := make(chan error, 1)
	go func() {
		debug.Info("Web server listening on %s", s.addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	case <-s.stop:
		debug.Info("Shutdown requested over HTTP")
	}
	if s.handlers.Logs != nil {
		// ends the open status streams
		s.handlers.Logs.Close()
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
