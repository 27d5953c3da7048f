package output

import (
	"errors"
	"image"
	"image/color"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cjeanneret/ReelGo/internal/imaging"
)

func testImage(w, h int) *image.Gray {
	img := image.NewGray(image.Rect(0, 0, w, h))
	for i := range img.Pix {
		img.Pix[i] = uint8(i * 7)
	}
	return img
}

func TestSessionDirName(t *testing.T) {
	started := time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC)
	assert.Equal(t, "20260314-092653_0f1e2d3c", SessionDirName("0f1e2d3c-4b5a-6978-8796-a5b4c3d2e1f0", started))
	assert.Equal(t, "20260314-092653_abc", SessionDirName("abc", started))
}

func TestFrameName(t *testing.T) {
	assert.Equal(t, "frame_0001.png", FrameName(0))
	assert.Equal(t, "frame_0042.png", FrameName(41))
}

func TestDirWriter_WriteBeforeBegin(t *testing.T) {
	w := NewDirWriter(t.TempDir())
	_, err := w.WriteFrame(0, testImage(4, 4))
	assert.True(t, errors.Is(err, ErrNoSession))
}

func TestDirWriter_FramesAndComposite(t *testing.T) {
	base := t.TempDir()
	w := NewDirWriter(base)
	dir, err := w.Begin("session-1", time.Now())
	require.NoError(t, err)
	assert.Equal(t, dir, w.Dir())
	assert.True(t, strings.HasPrefix(dir, base))

	src := testImage(16, 12)
	path, err := w.WriteFrame(0, src)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "frame_0001.png"), path)

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	img, err := imaging.Decode(f)
	require.NoError(t, err)
	assert.Equal(t, 16, img.Bounds().Dx())
	assert.Equal(t, color.GrayModel.Convert(src.At(3, 2)), color.GrayModel.Convert(img.At(3, 2)))

	comp := image.NewRGBA(image.Rect(0, 0, 30, 12))
	path, err = w.WriteComposite(comp)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, CompositeName), path)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	back, err := imaging.DecodeBytes(data)
	require.NoError(t, err)
	assert.Equal(t, 30, back.Bounds().Dx())

	// no temporary files left behind
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	for _, e := range entries {
		assert.False(t, strings.HasPrefix(e.Name(), "."), "leftover %s", e.Name())
	}
}

func TestDirWriter_Report(t *testing.T) {
	w := NewDirWriter(t.TempDir())
	_, err := w.Begin("r", time.Now())
	require.NoError(t, err)

	path, err := w.WriteReport(map[string]int{"frames": 3})
	require.NoError(t, err)
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"frames": 3`)
}

func TestDirWriter_BeginFailure(t *testing.T) {
	base := filepath.Join(t.TempDir(), "file")
	require.NoError(t, os.WriteFile(base, []byte("x"), 0o644))
	w := NewDirWriter(base)
	_, err := w.Begin("s", time.Now())
	assert.Error(t, err)
	assert.Equal(t, "", w.Dir())
}

func TestDirWriter_Single(t *testing.T) {
	base := t.TempDir()
	w := NewDirWriter(base)

	at := time.Date(2026, 2, 3, 4, 5, 6, 789_000_000, time.UTC)
	path, err := w.WriteSingle(testImage(8, 8), at)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(base, "single", "single_20260203-040506.789.png"), path)
	assert.FileExists(t, path)
	// one-off captures do not need a session
	assert.Equal(t, "", w.Dir())
}
