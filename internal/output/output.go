// Package output writes the results of a scan session to disk.
package output

import (
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/cjeanneret/ReelGo/internal/debug"
	"github.com/cjeanneret/ReelGo/internal/imaging"
)

// File names inside a session directory.
const (
	CompositeName = "composite.tiff"
	ReportName    = "report.json"
)

// ErrNoSession is returned when writing before Begin.
var ErrNoSession = errors.New("output: no session directory")

// DirWriter stores each session in its own subdirectory of a base directory.
// Not safe for concurrent use; the scan controller is its only writer.
type DirWriter struct {
	base string
	dir  string
}

// NewDirWriter returns a writer rooted at base. Nothing is created until Begin.
func NewDirWriter(base string) *DirWriter {
	return &DirWriter{base: base}
}

// Base returns the base directory.
func (w *DirWriter) Base() string { return w.base }

// Dir returns the current session directory, "" before Begin.
func (w *DirWriter) Dir() string { return w.dir }

// SessionDirName returns the directory name used for a session.
func SessionDirName(id string, started time.Time) string {
	short := id
	if len(short) > 8 {
		short = short[:8]
	}
	return fmt.Sprintf("%s_%s", started.Format("20060102-150405"), short)
}

// SingleDir returns the directory for one-off captures, creating it.
func (w *DirWriter) SingleDir() (string, error) {
	dir := filepath.Join(w.base, "single")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create single capture directory: %w", err)
	}
	return dir, nil
}

// WriteSingle stores a one-off capture as PNG in SingleDir.
func (w *DirWriter) WriteSingle(img image.Image, at time.Time) (string, error) {
	dir, err := w.SingleDir()
	if err != nil {
		return "", err
	}
	name := fmt.Sprintf("single_%s.png", at.Format("20060102-150405.000"))
	return writeFile(dir, name, func(f io.Writer) error {
		return imaging.EncodePNG(f, img)
	})
}

// Begin creates the directory for a new session and makes it current.
func (w *DirWriter) Begin(id string, started time.Time) (string, error) {
	dir := filepath.Join(w.base, SessionDirName(id, started))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create session directory: %w", err)
	}
	w.dir = dir
	debug.Info("Output directory: %s", dir)
	return dir, nil
}

// FrameName returns the file name of an accepted frame; seq is 0-based and
// file numbering starts at 1.
func FrameName(seq int) string {
	return fmt.Sprintf("frame_%04d.png", seq+1)
}

// WriteFrame stores an accepted frame as PNG.
func (w *DirWriter) WriteFrame(seq int, img image.Image) (string, error) {
	return w.write(FrameName(seq), func(f io.Writer) error {
		return imaging.EncodePNG(f, img)
	})
}

// WriteComposite stores the stitched canvas as TIFF.
func (w *DirWriter) WriteComposite(img image.Image) (string, error) {
	return w.write(CompositeName, func(f io.Writer) error {
		return imaging.EncodeTIFF(f, img)
	})
}

// WriteReport stores v as indented JSON.
func (w *DirWriter) WriteReport(v interface{}) (string, error) {
	return w.write(ReportName, func(f io.Writer) error {
		enc := json.NewEncoder(f)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	})
}

func (w *DirWriter) write(name string, encode func(io.Writer) error) (string, error) {
	if w.dir == "" {
		return "", ErrNoSession
	}
	return writeFile(w.dir, name, encode)
}

// writeFile creates dir/name through a temporary file so a crash never
// leaves a truncated image behind.
func writeFile(dir, name string, encode func(io.Writer) error) (string, error) {
	path := filepath.Join(dir, name)
	tmp, err := os.CreateTemp(dir, "."+name+".*")
	if err != nil {
		return "", fmt.Errorf("create %s: %w", name, err)
	}
	if err := encode(tmp); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", fmt.Errorf("encode %s: %w", name, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("close %s: %w", name, err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("rename %s: %w", name, err)
	}
	debug.Verbose("Output: wrote %s", path)
	return path, nil
}
