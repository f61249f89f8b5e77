package main

import (
	"context"
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/tonimelisma/vidbridge/internal/store"
)

func newQuotaCmd() *cobra.Command {
	var owner string

	cmd := &cobra.Command{
		Use:   "quota",
		Short: "Show API quota usage by operation",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withStore(cmd, func(ctx context.Context, cc *CLIContext, st *store.Store) error {
				tracker, err := newQuotaTracker(st, cc.Cfg, cc.Logger)
				if err != nil {
					return err
				}

				if !tracker.Shared() && owner == "" {
					return fmt.Errorf("quota is tracked per owner: pass --owner")
				}

				usage, err := tracker.Summary(ctx, owner)
				if err != nil {
					return err
				}

				if cc.Flags.JSON {
					return printJSON(os.Stdout, toQuotaJSON(usage))
				}

				printQuotaHeadline(os.Stdout, usage)

				ops := sortedOperations(usage)
				if len(ops) == 0 {
					return nil
				}

				rows := make([][]string, 0, len(ops))
				for _, op := range ops {
					ou := usage.ByOperation[op]
					rows = append(rows, []string{
						string(op),
						strconv.FormatInt(ou.Calls, 10),
						strconv.FormatInt(ou.Units, 10),
					})
				}

				fmt.Fprintln(os.Stdout)
				printTable(os.Stdout, []string{"OPERATION", "CALLS", "UNITS"}, rows)

				return nil
			})
		},
	}

	cmd.Flags().StringVar(&owner, "owner", "", "owner whose window to show (required with quota.per_owner)")

	return cmd
}
