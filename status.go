package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"slices"
	"time"

	"github.com/spf13/cobra"

	"github.com/tonimelisma/vidbridge/internal/quota"
	"github.com/tonimelisma/vidbridge/internal/store"
)

func newStatusCmd() *cobra.Command {
	var owner string

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show queue counts and API quota usage",
		Long: `Show how many jobs are in each status and how much of the current API quota
window is spent. With a per-owner quota, --owner selects whose window is
shown.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withStore(cmd, func(ctx context.Context, cc *CLIContext, st *store.Store) error {
				summary, err := st.StatusSummary(ctx, owner)
				if err != nil {
					return err
				}

				usage, err := quotaUsage(ctx, cc, st, owner)
				if err != nil {
					return err
				}

				if cc.Flags.JSON {
					return printJSON(os.Stdout, toStatusJSON(summary, usage))
				}

				printStatusText(os.Stdout, summary, usage)

				return nil
			})
		},
	}

	cmd.Flags().StringVar(&owner, "owner", "", "only this owner's jobs and quota window")

	return cmd
}

// quotaUsage reads the current window for owner.
func quotaUsage(ctx context.Context, cc *CLIContext, st *store.Store, owner string) (*quota.Usage, error) {
	tracker, err := newQuotaTracker(st, cc.Cfg, cc.Logger)
	if err != nil {
		return nil, err
	}

	if !tracker.Shared() && owner == "" {
		return nil, nil
	}

	return tracker.Summary(ctx, owner)
}

type quotaJSON struct {
	Scope       string               `json:"scope"`
	Budget      int64                `json:"budget"`
	Used        int64                `json:"used"`
	Remaining   int64                `json:"remaining"`
	WindowStart time.Time            `json:"window_start"`
	ResetAt     time.Time            `json:"reset_at"`
	Operations  []operationUsageJSON `json:"operations,omitempty"`
}

type operationUsageJSON struct {
	Operation string `json:"operation"`
	Calls     int64  `json:"calls"`
	Units     int64  `json:"units"`
}

type statusJSON struct {
	Jobs  map[string]int64 `json:"jobs"`
	Total int64            `json:"total"`
	Quota *quotaJSON       `json:"quota,omitempty"`
}

func toQuotaJSON(u *quota.Usage) *quotaJSON {
	if u == nil {
		return nil
	}

	out := &quotaJSON{
		Scope:       u.Scope,
		Budget:      u.Budget,
		Used:        u.Used,
		Remaining:   u.Remaining,
		WindowStart: u.WindowStart,
		ResetAt:     u.ResetAt,
	}

	for _, op := range sortedOperations(u) {
		ou := u.ByOperation[op]
		out.Operations = append(out.Operations, operationUsageJSON{
			Operation: string(op),
			Calls:     ou.Calls,
			Units:     ou.Units,
		})
	}

	return out
}

func toStatusJSON(s store.Summary, u *quota.Usage) statusJSON {
	out := statusJSON{Jobs: make(map[string]int64, len(store.AllStatuses)), Total: s.Total()}

	for _, st := range store.AllStatuses {
		out.Jobs[string(st)] = s[st]
	}

	out.Quota = toQuotaJSON(u)

	return out
}

// sortedOperations orders the breakdown by units spent, largest first.
func sortedOperations(u *quota.Usage) []quota.Operation {
	ops := make([]quota.Operation, 0, len(u.ByOperation))
	for op := range u.ByOperation {
		ops = append(ops, op)
	}

	slices.SortFunc(ops, func(a, b quota.Operation) int {
		ua, ub := u.ByOperation[a].Units, u.ByOperation[b].Units
		if ua != ub {
			if ua > ub {
				return -1
			}

			return 1
		}

		if a < b {
			return -1
		}

		return 1
	})

	return ops
}

func printStatusText(w io.Writer, s store.Summary, u *quota.Usage) {
	fmt.Fprintln(w, "Jobs:")

	for _, st := range store.AllStatuses {
		fmt.Fprintf(w, "  %-12s %d\n", st, s[st])
	}

	fmt.Fprintf(w, "  %-12s %d\n", "total", s.Total())

	if u == nil {
		fmt.Fprintln(w, "\nQuota is tracked per owner; pass --owner to see a window.")
		return
	}

	fmt.Fprintln(w)
	printQuotaHeadline(w, u)
}

func printQuotaHeadline(w io.Writer, u *quota.Usage) {
	pct := 0.0
	if u.Budget > 0 {
		pct = float64(u.Used) / float64(u.Budget) * 100 //nolint:mnd // percent
	}

	fmt.Fprintf(w, "Quota (%s): %d of %d units used (%.1f%%), %d remaining\n",
		u.Scope, u.Used, u.Budget, pct, u.Remaining)
	fmt.Fprintf(w, "Window resets %s (in %s)\n",
		formatTime(u.ResetAt), time.Until(u.ResetAt).Round(time.Minute))
}
