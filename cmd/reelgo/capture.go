package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newCaptureCmd(opts *options) *cobra.Command {
	var raw bool

	cmd := &cobra.Command{
		Use:   "capture",
		Short: "Take a single frame without scanning",
		Long: `Captures one frame at the current film position and writes it under
the output directory. Useful to check focus and exposure before a scan.`,
		Example: `  reelgo capture
  reelgo capture --raw`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := opts.openRig()
			if err != nil {
				return err
			}
			defer r.close()

			path, err := r.ctl.CaptureSingle(cmd.Context(), raw)
			if err != nil {
				return fmt.Errorf("capture: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), path)
			return nil
		},
	}

	cmd.Flags().BoolVar(&raw, "raw", false, "store the unprocessed sensor data")
	return cmd
}
