package main

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"
)

func newQueueCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect the message queue",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "stats",
		Short: "Count queued messages by status",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return opts.withApp(cmd, func(a *app, out io.Writer) error {
				s, err := a.queue.Stats(cmd.Context())
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "Pending:     %d\n", s.Pending)
				fmt.Fprintf(out, "Processing:  %d\n", s.Processing)
				fmt.Fprintf(out, "Completed:   %d\n", s.Completed)
				fmt.Fprintf(out, "Dead letter: %d\n", s.DeadLetter)
				return nil
			})
		},
	})
	return cmd
}
