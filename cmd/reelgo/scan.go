package main

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/cjeanneret/ReelGo/internal/debug"
	"github.com/cjeanneret/ReelGo/internal/logic/fsm"
	"github.com/cjeanneret/ReelGo/internal/logic/pipeline"
)

func newScanCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "scan",
		Short: "Scan the loaded film in the foreground",
		Long: `Runs one scan session to completion: the film is advanced frame by
frame until max_frames is reached or the end of the film is detected.
Interrupting the command aborts the session; the frames accepted so far
are still stitched and written.`,
		Example: `  # Scan with the default configuration
  reelgo scan

  # Dry run on a development machine
  reelgo scan --config configs/simulated.yaml --mock-gpio`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := opts.openRig()
			if err != nil {
				return err
			}
			defer r.close()

			st, err := runScan(cmd, r.ctl)
			if err != nil {
				return err
			}
			printSummary(cmd.OutOrStdout(), st)
			if st.State == fsm.Error {
				return fmt.Errorf("scan stopped in error: %s", st.LastError)
			}
			return nil
		},
	}
}

// runScan starts a session and blocks until it is finished or in error.
// Cancelling the command context aborts the session.
func runScan(cmd *cobra.Command, ctl *pipeline.Controller) (pipeline.Status, error) {
	ctx := cmd.Context()
	if err := ctl.Start(ctx); err != nil {
		return pipeline.Status{}, err
	}

	done := make(chan struct{})
	go func() {
		ctl.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		debug.Info("Interrupted, aborting scan")
		if err := ctl.Abort(); err != nil {
			return ctl.Status(), fmt.Errorf("abort: %w", err)
		}
		<-done
	}
	return ctl.Status(), nil
}

func printSummary(w io.Writer, st pipeline.Status) {
	fmt.Fprintf(w, "Session:    %s\n", st.SessionID)
	fmt.Fprintf(w, "State:      %s\n", st.State)
	fmt.Fprintf(w, "Frames:     %d / %d\n", st.FrameCount, st.MaxFrames)
	fmt.Fprintf(w, "Stitched:   %d placed, %d alignment failures\n", st.Placed, st.AlignmentFailures)
	if st.FilmEnd {
		fmt.Fprintln(w, "Film end:   detected")
	}
	if st.Composite != "" {
		fmt.Fprintf(w, "Composite:  %s\n", st.Composite)
	}
	if st.OutputDir != "" {
		fmt.Fprintf(w, "Output:     %s\n", st.OutputDir)
	}
	if st.LastError != "" {
		fmt.Fprintf(w, "Error:      %s\n", st.LastError)
		if st.ErrorHint != "" {
			fmt.Fprintf(w, "Hint:       %s\n", st.ErrorHint)
		}
	}
	fmt.Fprintf(w, "Elapsed:    %.1fs\n", st.Elapsed)
}
