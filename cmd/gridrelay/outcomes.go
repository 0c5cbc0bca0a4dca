package main

import (
	"context"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"gridrelay/internal/journal"
)

func outcomesCmd() *cobra.Command {
	var (
		limit  int
		asJSON bool
		prune  bool
	)
	cmd := &cobra.Command{
		Use:   "outcomes",
		Short: "Show recent dispatch outcomes from the journal",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			store, err := journal.Open(cfg.Journal.DBPath, logger)
			if err != nil {
				return err
			}
			defer store.Close()

			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()

			if prune {
				n, err := store.Prune(ctx, time.Duration(cfg.Journal.RetentionDays)*24*time.Hour)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.ErrOrStderr(), "pruned %d outcome(s) older than %d days\n", n, cfg.Journal.RetentionDays)
			}

			entries, err := store.Recent(ctx, limit)
			if err != nil {
				return err
			}
			if asJSON {
				return printJSON(cmd.OutOrStdout(), entries)
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "TIME\tEVENT\tTYPE\tFORMAT\tREPLY\tRELAY ERROR")
			for _, e := range entries {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
					e.At.Local().Format(time.DateTime), e.EventID, e.EventType, e.Format, e.ReplyStatus, e.RelayError)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "number of outcomes to show")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON instead of a table")
	cmd.Flags().BoolVar(&prune, "prune", false, "delete outcomes past journal.retentionDays first")
	return cmd
}
