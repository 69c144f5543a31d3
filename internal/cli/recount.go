package cli

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/tally/internal/store"
)

// RecountResult is the outcome of a recount.
type RecountResult struct {
	Fixed         bool                `json:"fixed"`
	Discrepancies []store.Discrepancy `json:"discrepancies"`
}

// NewRecountCommand creates the recount command.
func NewRecountCommand(rootOpts *RootOptions) *cobra.Command {
	var fix bool

	cmd := &cobra.Command{
		Use:   "recount",
		Short: "Compare stored vote counters with the vote records",
		Long: `Recompute every item's tally from its vote records and compare it with
the item's stored voteCount. Counters drift when a vote write lands but
its counter adjustment fails.

Exits 1 when discrepancies remain, so it can gate a deploy or a cron job.
With --fix each discrepancy is repaired.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRecount(cmd, rootOpts, fix)
		},
	}

	cmd.Flags().BoolVar(&fix, "fix", false, "repair discrepancies")

	return cmd
}

func runRecount(cmd *cobra.Command, rootOpts *RootOptions, fix bool) error {
	out := newFormatter(cmd, rootOpts)

	var storeOpts []store.Option
	if !fix {
		storeOpts = append(storeOpts, store.ReadOnly())
	}
	st, err := openStore(rootOpts, storeOpts...)
	if err != nil {
		return err
	}
	defer closeStore(st)

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	found, err := st.Recount(ctx, fix)
	if err != nil {
		return WrapExitError(ExitFailure, "recount failed", err)
	}
	if found == nil {
		found = []store.Discrepancy{}
	}
	result := RecountResult{Fixed: fix, Discrepancies: found}

	if len(found) == 0 {
		return out.Success("✓ All counters match", result)
	}

	var b strings.Builder
	for _, d := range found {
		stored := fmt.Sprint(d.Stored)
		if d.Missing {
			stored = "missing"
		}
		fmt.Fprintf(&b, "%s: stored %s, computed %d\n", d.ItemID, stored, d.Computed)
	}
	if fix {
		fmt.Fprintf(&b, "✓ Repaired %d counter(s)", len(found))
		return out.Success(b.String(), result)
	}
	fmt.Fprintf(&b, "✗ %d counter(s) out of date", len(found))
	if err := out.Success(b.String(), result); err != nil {
		return err
	}
	return NewExitError(ExitFailure, fmt.Sprintf("%d counter(s) out of date", len(found)))
}
