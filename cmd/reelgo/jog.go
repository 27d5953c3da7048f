package main

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"
)

// parseSteps reads a non-zero step count.
func parseSteps(arg string) (int, error) {
	n, err := strconv.Atoi(arg)
	if err != nil {
		return 0, fmt.Errorf("invalid step count %q: %w", arg, err)
	}
	if n == 0 {
		return 0, errors.New("step count must be non-zero")
	}
	return n, nil
}

func newJogCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "jog <steps>",
		Short: "Move the film by a number of motor steps",
		Long: `Moves the transport by the given number of half-steps; negative values
move the film backwards. A single jog is bounded to one motor revolution.`,
		Example: `  reelgo jog 200
  reelgo jog -- -50`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			steps, err := parseSteps(args[0])
			if err != nil {
				return err
			}

			r, err := opts.openRig()
			if err != nil {
				return err
			}
			defer r.close()

			if err := r.ctl.Jog(steps); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "position: %d\n", r.ctl.Status().Position)
			return nil
		},
	}
}
