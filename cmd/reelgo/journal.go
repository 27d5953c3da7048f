package main

import (
	"errors"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/cjeanneret/ReelGo/internal/journal"
)

func newJournalCmd(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "journal",
		Short: "Inspect past scan sessions",
		Long: `Reads the SQLite scan journal configured under output.journal. Every
session records its frame verdicts and state transitions.`,
	}
	cmd.AddCommand(newJournalListCmd(opts), newJournalShowCmd(opts))
	return cmd
}

// openJournal opens the configured journal without touching the hardware.
func (o *options) openJournal() (*journal.Store, error) {
	cfg, err := o.loadConfig()
	if err != nil {
		return nil, err
	}
	if cfg.Output.Journal == "" {
		return nil, errors.New("no journal configured (output.journal)")
	}
	return journal.Open(cfg.Output.Journal)
}

func newJournalListCmd(opts *options) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List recent sessions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := opts.openJournal()
			if err != nil {
				return err
			}
			defer store.Close()

			sessions, err := store.Sessions(limit)
			if err != nil {
				return err
			}
			writeSessions(cmd.OutOrStdout(), sessions)
			return nil
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "maximum number of sessions (0 = all)")
	return cmd
}

func newJournalShowCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "show <session-id>",
		Short: "Show the frames and transitions of one session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := opts.openJournal()
			if err != nil {
				return err
			}
			defer store.Close()

			sess, err := store.GetSession(args[0])
			if err != nil {
				return err
			}
			if sess == nil {
				return fmt.Errorf("session %s not found", args[0])
			}
			frames, err := store.Frames(sess.ID)
			if err != nil {
				return err
			}
			transitions, err := store.Transitions(sess.ID)
			if err != nil {
				return err
			}
			writeSession(cmd.OutOrStdout(), sess, frames, transitions)
			return nil
		},
	}
}

const timeLayout = "2006-01-02 15:04:05"

func writeSessions(w io.Writer, sessions []journal.Session) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSTARTED\tSTATE\tFRAMES\tMETHOD")
	for _, s := range sessions {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d/%d\t%s\n",
			s.ID, s.StartedAt.Local().Format(timeLayout), s.State, s.FrameCount, s.MaxFrames, s.Method)
	}
	tw.Flush()
}

func writeSession(w io.Writer, s *journal.Session, frames []journal.Frame, transitions []journal.Transition) {
	fmt.Fprintf(w, "Session:  %s\n", s.ID)
	fmt.Fprintf(w, "Started:  %s\n", s.StartedAt.Local().Format(timeLayout))
	if s.EndedAt != nil {
		fmt.Fprintf(w, "Ended:    %s (%s)\n", s.EndedAt.Local().Format(timeLayout), s.EndedAt.Sub(s.StartedAt).Round(time.Second))
	}
	fmt.Fprintf(w, "State:    %s\n", s.State)
	fmt.Fprintf(w, "Frames:   %d/%d\n", s.FrameCount, s.MaxFrames)
	fmt.Fprintf(w, "Method:   %s\n", s.Method)
	fmt.Fprintf(w, "Output:   %s\n\n", s.OutputDir)

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "SEQ\tACCEPTED\tSHARPNESS\tBRIGHTNESS\tREASON\tPATH")
	for _, f := range frames {
		fmt.Fprintf(tw, "%d\t%t\t%.1f\t%.1f\t%s\t%s\n", f.Seq, f.Accepted, f.Sharpness, f.Brightness, f.Reason, f.Path)
	}
	tw.Flush()

	fmt.Fprintln(w)
	tw = tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "AT\tFROM\tEVENT\tTO")
	for _, t := range transitions {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", t.At.Local().Format("15:04:05.000"), t.From, t.Event, t.To)
	}
	tw.Flush()
}
