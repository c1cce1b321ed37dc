package main

import (
	"errors"
	"fmt"
	"io"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

func newDeadLetterCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "deadletter",
		Aliases: []string{"dlq"},
		Short:   "Inspect and reprocess dead-lettered messages",
	}

	var offset, limit int
	list := &cobra.Command{
		Use:   "list",
		Short: "List dead-lettered messages, newest first",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return opts.withApp(cmd, func(a *app, out io.Writer) error {
				items, err := a.queue.ListDeadLetters(cmd.Context(), offset, limit)
				if err != nil {
					return err
				}
				if len(items) == 0 {
					fmt.Fprintln(out, "No dead letters")
					return nil
				}
				tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "ID\tPLATFORM\tUSER\tDIRECTION\tRETRIES\tUPDATED\tLAST ERROR")
				for _, item := range items {
					fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%s\t%s\n",
						item.ID, item.Platform, item.UserID, item.Direction, item.RetryCount,
						item.UpdatedAt.Local().Format(time.DateTime), truncate(item.LastError, 60))
				}
				return tw.Flush()
			})
		},
	}
	list.Flags().IntVar(&offset, "offset", 0, "number of items to skip")
	list.Flags().IntVar(&limit, "limit", 50, "maximum number of items")

	stats := &cobra.Command{
		Use:   "stats",
		Short: "Summarise dead-lettered messages",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return opts.withApp(cmd, func(a *app, out io.Writer) error {
				s, err := a.queue.DeadLetterStats(cmd.Context())
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "Total: %d\n", s.Total)
				if s.Oldest != nil {
					fmt.Fprintf(out, "Oldest: %s\n", s.Oldest.Local().Format(time.DateTime))
				}
				if s.Newest != nil {
					fmt.Fprintf(out, "Newest: %s\n", s.Newest.Local().Format(time.DateTime))
				}
				platforms := make([]string, 0, len(s.ByPlatform))
				for p := range s.ByPlatform {
					platforms = append(platforms, p)
				}
				sort.Strings(platforms)
				for _, p := range platforms {
					fmt.Fprintf(out, "  %s: %d\n", p, s.ByPlatform[p])
				}
				return nil
			})
		},
	}

	var all bool
	reprocess := &cobra.Command{
		Use:   "reprocess [id]",
		Short: "Return dead-lettered messages to the queue",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if all == (len(args) == 1) {
				return errors.New("pass exactly one of an id or --all")
			}
			return opts.withApp(cmd, func(a *app, out io.Writer) error {
				if all {
					n, err := a.queue.ReprocessAll(cmd.Context())
					if err != nil {
						return err
					}
					fmt.Fprintf(out, "Requeued %d message(s)\n", n)
					return nil
				}
				ok, err := a.queue.Reprocess(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				if !ok {
					return fmt.Errorf("no dead letter with id %s", args[0])
				}
				fmt.Fprintf(out, "Requeued %s\n", args[0])
				return nil
			})
		},
	}
	reprocess.Flags().BoolVar(&all, "all", false, "requeue every dead letter")

	cmd.AddCommand(list, stats, reprocess)
	return cmd
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
