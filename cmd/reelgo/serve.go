package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/cjeanneret/ReelGo/internal/config"
	"github.com/cjeanneret/ReelGo/internal/debug"
	"github.com/cjeanneret/ReelGo/internal/web"
)

func newServeCmd(opts *options) *cobra.Command {
	var port int

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the web control interface",
		Long: `Starts the ReelGo web interface. Scans are started, paused, resumed and
aborted over HTTP; status and log lines are pushed as server-sent events
and an MJPEG live view is available while the scanner is idle.`,
		Example: `  # Serve on the port from the config (defaults.web_port)
  reelgo serve

  # Serve on a custom port
  reelgo serve --port 8980`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := opts.openRig()
			if err != nil {
				return err
			}
			defer r.close()

			if port <= 0 {
				port = r.cfg.Defaults.WebPort
			}
			logs := web.NewLogBroadcaster()
			debug.SetOutput(io.MultiWriter(os.Stdout, web.BroadcastWriter(logs)))
			defer debug.SetOutput(os.Stdout)

			srv, err := web.NewServer(fmt.Sprintf(":%d", port), r.ctl, logs, webSettings(r))
			if err != nil {
				return err
			}
			srv.Handlers().PollInterval = r.cfg.StatusInterval()

			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()
			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error {
				defer cancel()
				return srv.Run(gctx)
			})
			g.Go(func() error {
				<-gctx.Done()
				// stops a running scan before the hardware is released
				return r.ctl.Shutdown()
			})
			return g.Wait()
		},
	}

	cmd.Flags().IntVarP(&port, "port", "p", 0, "port to listen on (default defaults.web_port)")
	return cmd
}

// webSettings is the read-only configuration view served at GET /config.
func webSettings(r *rig) web.Settings {
	cfg := r.cfg
	return web.Settings{
		MaxFrames:          r.plan.MaxFrames,
		MaxRetries:         cfg.MaxRetries(),
		MaxRecoveries:      cfg.MaxRecoveries(),
		DetectFilmEnd:      cfg.Scan.DetectFilmEnd,
		SharpnessThreshold: cfg.Evaluator.SharpnessThreshold,
		BrightnessMin:      cfg.Evaluator.BrightnessMin,
		BrightnessMax:      cfg.Evaluator.BrightnessMax,
		StitchMethod:       cfg.Stitch.Method,
		Blend:              cfg.Stitch.Blend,
		MotorStepDelay:     cfg.Motor.StepDelay,
		FramePitchSteps:    r.plan.AdvanceSteps,
		Camera:             cameraLabel(cfg),
		OutputDir:          cfg.Output.Dir,
	}
}

func cameraLabel(cfg *config.Config) string {
	return fmt.Sprintf("%s %dx%d", cfg.Camera.Type, cfg.Camera.Width, cfg.Camera.Height)
}
