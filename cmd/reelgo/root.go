package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/cjeanneret/ReelGo/internal/config"
	"github.com/cjeanneret/ReelGo/internal/debug"
)

const (
	envConfig   = "REELGO_CONFIG"
	envMockGPIO = "REELGO_MOCK_GPIO"
)

// options are the flags shared by every subcommand.
type options struct {
	configPath string
	mockGPIO   bool
	debugLevel int
}

func newRootCmd() *cobra.Command {
	opts := &options{}

	cmd := &cobra.Command{
		Use:   "reelgo",
		Short: "Motorized film scanner with frame stitching",
		Long: `ReelGo advances a strip of film past a camera, captures overlapping
frames, rejects blurry or badly exposed ones and stitches the accepted
frames into one composite image.

The rig is described by a YAML file under configs/. Set mock_gpio (or
--mock-gpio) and camera type "simulated" to run without hardware.`,
		SilenceUsage: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			// Load .env file if present (ignore errors)
			_ = godotenv.Load()
		},
	}

	cmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "path to config file (default $"+envConfig+" or configs/default.yaml)")
	cmd.PersistentFlags().BoolVar(&opts.mockGPIO, "mock-gpio", false, "use the in-memory GPIO driver (also $"+envMockGPIO+")")
	cmd.PersistentFlags().IntVarP(&opts.debugLevel, "debug", "d", -1, "debug level 0-4, overrides the config")

	cmd.AddCommand(
		newScanCmd(opts),
		newServeCmd(opts),
		newCaptureCmd(opts),
		newJogCmd(opts),
		newJournalCmd(opts),
	)
	return cmd
}

// resolveConfigPath picks the flag, then the environment, then the default.
func (o *options) resolveConfigPath() string {
	if o.configPath != "" {
		return o.configPath
	}
	if p := os.Getenv(envConfig); p != "" {
		return p
	}
	return filepath.Join("configs", "default.yaml")
}

// mockFromEnv reports whether the environment forces the mock GPIO driver.
func mockFromEnv() bool {
	v, err := strconv.ParseBool(os.Getenv(envMockGPIO))
	return err == nil && v
}

// loadConfig validates and loads the config file, applies the command-line
// overrides and initializes the debug output.
func (o *options) loadConfig() (*config.Config, error) {
	path := o.resolveConfigPath()
	if err := config.ValidateConfigPath(path); err != nil {
		return nil, fmt.Errorf("invalid config path: %w", err)
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if o.mockGPIO || mockFromEnv() {
		cfg.Defaults.MockGPIO = true
	}
	if o.debugLevel >= 0 {
		cfg.Defaults.DebugLevel = o.debugLevel
	}

	debug.Init(cfg.Defaults.DebugLevel)
	debug.Section("Initialization")
	debug.Value("Config path", path)
	debug.Value("Debug level", cfg.Defaults.DebugLevel)
	return cfg, nil
}

// openRig loads the configuration and builds the hardware around it.
func (o *options) openRig() (*rig, error) {
	cfg, err := o.loadConfig()
	if err != nil {
		return nil, err
	}
	return buildRig(cfg)
}
