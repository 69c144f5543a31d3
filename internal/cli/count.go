package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/roach88/tally/internal/engine"
	"github.com/roach88/tally/internal/store"
)

// NewCountCommand creates the count command.
func NewCountCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "count <item-id>",
		Short: "Show an item's tally",
		Long: `Show an item's tally as the sum of its vote records. Under the
incremental strategy the item's stored voteCount is shown alongside.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := newFormatter(cmd, rootOpts)
			return withItems(cmd, rootOpts, func(ctx context.Context, st *store.Store, items *engine.Items) error {
				it, err := items.Get(ctx, args[0])
				if err != nil {
					out.Error(errorCode(err), err.Error(), nil)
					return WrapExitError(ExitFailure, "count failed", err)
				}
				sum, err := computeTally(ctx, st, it.ID)
				if err != nil {
					return WrapExitError(ExitFailure, "count failed", err)
				}
				info := itemInfo(it, sum)
				text := fmt.Sprintf("%s: %d", it.ID, sum)
				if it.VoteCount != nil && *it.VoteCount != sum {
					text += fmt.Sprintf(" (stored voteCount %d, run recount)", *it.VoteCount)
				}
				return out.Success(text, info)
			})
		},
	}
	return cmd
}
