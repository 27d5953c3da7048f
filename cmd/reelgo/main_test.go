package main

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cjeanneret/ReelGo/internal/config"
	"github.com/cjeanneret/ReelGo/internal/hw/camera"
	"github.com/cjeanneret/ReelGo/internal/imaging"
	"github.com/cjeanneret/ReelGo/internal/logic/geometry"
	"github.com/cjeanneret/ReelGo/internal/output"
)

// writeConfig writes a simulated rig config into <tmp>/configs and returns
// its path. Three exposed frames on the strip, clear trailer after.
func writeConfig(t *testing.T, extra string) (path, dir string) {
	t.Helper()
	dir = t.TempDir()
	require.NoError(t, os.Mkdir(filepath.Join(dir, "configs"), 0o755))
	yaml := fmt.Sprintf(`motor:
  step_delay: 0.00001
camera:
  type: simulated
  width: 160
  height: 120
  sim_strip_frames: 3
film:
  frame_pitch_steps: 200
  overlap_percent: 20
scan:
  max_frames: 10
  detect_film_end: true
output:
  dir: %s
  journal: %s
defaults:
  mock_gpio: true
%s`, filepath.Join(dir, "scans"), filepath.Join(dir, "journal.db"), extra)
	path = filepath.Join(dir, "configs", "test.yaml")
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o644))
	return path, dir
}

// execute runs the CLI with args and returns its standard output.
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(append(args, "--debug", "0"))
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func TestResolveConfigPath(t *testing.T) {
	t.Setenv(envConfig, "")
	o := &options{}
	assert.Equal(t, filepath.Join("configs", "default.yaml"), o.resolveConfigPath())

	t.Setenv(envConfig, "configs/env.yaml")
	assert.Equal(t, "configs/env.yaml", o.resolveConfigPath())

	o.configPath = "configs/flag.yaml"
	assert.Equal(t, "configs/flag.yaml", o.resolveConfigPath(), "flag wins over environment")
}

func TestMockFromEnv(t *testing.T) {
	for v, want := range map[string]bool{"": false, "1": true, "true": true, "0": false, "nope": false} {
		t.Setenv(envMockGPIO, v)
		assert.Equal(t, want, mockFromEnv(), "REELGO_MOCK_GPIO=%q", v)
	}
}

func TestLoadConfig_Overrides(t *testing.T) {
	path, _ := writeConfig(t, "")
	require.NoError(t, os.WriteFile(path, bytes.Replace(mustRead(t, path), []byte("mock_gpio: true"), []byte("mock_gpio: false"), 1), 0o644))

	t.Setenv(envMockGPIO, "")
	o := &options{configPath: path, debugLevel: -1}
	cfg, err := o.loadConfig()
	require.NoError(t, err)
	assert.False(t, cfg.Defaults.MockGPIO)

	t.Setenv(envMockGPIO, "true")
	cfg, err = o.loadConfig()
	require.NoError(t, err)
	assert.True(t, cfg.Defaults.MockGPIO)

	o.debugLevel = 0
	cfg, err = o.loadConfig()
	require.NoError(t, err)
	assert.Equal(t, 0, cfg.Defaults.DebugLevel)
}

func TestLoadConfig_RejectsPathOutsideConfigs(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rig.yaml")
	require.NoError(t, os.WriteFile(path, []byte("camera:\n  type: simulated\n"), 0o644))
	o := &options{configPath: path, debugLevel: -1}
	_, err := o.loadConfig()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "configs/")
}

func mustRead(t *testing.T, path string) []byte {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	return data
}

func TestSimConfig_StripCoversConfiguredFrames(t *testing.T) {
	cfg := &config.Config{}
	cfg.Camera.Width, cfg.Camera.Height = 160, 120
	cfg.Camera.SimStripFrames = 3
	plan := &geometry.ReelPlan{AdvanceSteps: 200, FieldSteps: 250}

	sc := simConfig(cfg, plan)
	assert.InDelta(t, 0.64, sc.PixelsPerStep, 1e-9)
	// first field plus two advances of 128 px
	assert.Equal(t, 416, sc.StripLength)

	cfg.Camera.SimStripFrames = 0
	assert.Zero(t, simConfig(cfg, plan).StripLength, "endless strip")
}

func TestCameraPresetsFromConfig(t *testing.T) {
	cfg := &config.Config{}
	cfg.Camera.ExposureUs = 8000
	cfg.Camera.Presets = map[string]config.PresetConfig{
		"dense": {ExposureUs: 20000, AnalogueGain: 2},
	}
	p, err := cameraPresets(cfg)
	require.NoError(t, err)

	def, err := p.Get(camera.DefaultPreset)
	require.NoError(t, err)
	assert.Equal(t, 8000, def.ExposureUs)
	dense, err := p.Get("dense")
	require.NoError(t, err)
	assert.Equal(t, camera.Controls{ExposureUs: 20000, AnalogueGain: 2}, dense)
}

func TestCropRegion(t *testing.T) {
	cfg := &config.Config{}
	assert.False(t, cropRegion(cfg).Valid(), "no crop configured")
	cfg.Camera.Crop = config.CropConfig{X: 10, Y: 20, Width: 100, Height: 80}
	assert.Equal(t, imaging.Region{X: 10, Y: 20, Width: 100, Height: 80}, cropRegion(cfg))
}

func TestParseSteps(t *testing.T) {
	n, err := parseSteps("-50")
	require.NoError(t, err)
	assert.Equal(t, -50, n)

	_, err = parseSteps("0")
	assert.Error(t, err)
	_, err = parseSteps("ten")
	assert.Error(t, err)
}

func TestScanCommand_SimulatedRigRunsToFilmEnd(t *testing.T) {
	path, dir := writeConfig(t, "")

	out, err := execute(t, "scan", "--config", path)
	require.NoError(t, err, out)

	assert.Contains(t, out, "State:      finished")
	assert.Contains(t, out, "Film end:   detected")

	m := regexp.MustCompile(`Frames:\s+(\d+) / 10`).FindStringSubmatch(out)
	require.NotNil(t, m, out)
	var frames int
	fmt.Sscan(m[1], &frames)
	assert.GreaterOrEqual(t, frames, 3, "every exposed frame is scanned")
	assert.Less(t, frames, 10, "the scan stops at the trailer, not the frame ceiling")

	sessions, err := filepath.Glob(filepath.Join(dir, "scans", "*", output.CompositeName))
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.FileExists(t, filepath.Join(filepath.Dir(sessions[0]), output.ReportName))
	assert.FileExists(t, filepath.Join(filepath.Dir(sessions[0]), output.FrameName(0)))

	list, err := execute(t, "journal", "list", "--config", path)
	require.NoError(t, err, list)
	assert.Contains(t, list, "finished")

	id := regexp.MustCompile(`Session:\s+(\S+)`).FindStringSubmatch(out)
	require.NotNil(t, id)
	show, err := execute(t, "journal", "show", id[1], "--config", path)
	require.NoError(t, err, show)
	assert.Contains(t, show, "scan_complete")
	assert.Contains(t, show, "frame_0001.png")
}

func TestJournalCommand_UnknownSession(t *testing.T) {
	path, _ := writeConfig(t, "")
	_, err := execute(t, "journal", "show", "missing", "--config", path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
}

func TestJogCommand(t *testing.T) {
	path, _ := writeConfig(t, "")

	out, err := execute(t, "jog", "120", "--config", path)
	require.NoError(t, err, out)
	assert.Equal(t, "position: 120", strings.TrimSpace(out))

	_, err = execute(t, "jog", "20000", "--config", path)
	assert.Error(t, err, "beyond the jog limit")
}

func TestCaptureCommand(t *testing.T) {
	path, dir := writeConfig(t, "")

	out, err := execute(t, "capture", "--config", path)
	require.NoError(t, err, out)
	saved := strings.TrimSpace(out)
	assert.True(t, strings.HasPrefix(saved, filepath.Join(dir, "scans", "single")), saved)
	assert.FileExists(t, saved)
}
