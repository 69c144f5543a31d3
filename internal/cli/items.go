package cli

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/tally/internal/engine"
	"github.com/roach88/tally/internal/record"
	"github.com/roach88/tally/internal/store"
	"github.com/roach88/tally/internal/tally"
)

// ItemInfo describes an item in command output.
type ItemInfo struct {
	ID        string `json:"id"`
	Scope     string `json:"scope"`
	AuthorID   string `json:"author_id"`
	AuthorName string `json:"author_name,omitempty"`
	Text       string `json:"text"`
	CreatedAt  string `json:"created_at"`
	Tally      int64  `json:"tally"`
	VoteCount  *int64 `json:"vote_count,omitempty"`
}

// NewItemsCommand creates the items command group.
func NewItemsCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "items",
		Short: "Create, delete and list items",
	}
	cmd.AddCommand(newItemsCreateCommand(rootOpts))
	cmd.AddCommand(newItemsDeleteCommand(rootOpts))
	cmd.AddCommand(newItemsListCommand(rootOpts))
	return cmd
}

func newItemsCreateCommand(rootOpts *RootOptions) *cobra.Command {
	var scope, author string
	var content record.Content
	cmd := &cobra.Command{
		Use:           "create",
		Short:         "Create an item",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := newFormatter(cmd, rootOpts)
			return withItems(cmd, rootOpts, func(ctx context.Context, st *store.Store, items *engine.Items) error {
				if scope == "" {
					scope = rootOpts.config().DefaultScope
				}
				it, err := items.Create(ctx, scope, author, content)
				if err != nil {
					out.Error(errorCode(err), err.Error(), nil)
					return WrapExitError(ExitFailure, "create failed", err)
				}
				return out.Success(it.ID, itemInfo(it, 0))
			})
		},
	}
	cmd.Flags().StringVar(&scope, "scope", "", "scope to create the item in (default from config)")
	cmd.Flags().StringVar(&author, "author", "", "author id (required)")
	cmd.Flags().StringVar(&content.AuthorName, "author-name", "", "name shown next to the item")
	cmd.Flags().StringVar(&content.Text, "text", "", "item text")
	_ = cmd.MarkFlagRequired("author")
	return cmd
}

func newItemsDeleteCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "delete <item-id>",
		Short:         "Delete an item",
		Long:          "Delete an item. Its vote records stay in the store; recount ignores them.",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := newFormatter(cmd, rootOpts)
			return withItems(cmd, rootOpts, func(ctx context.Context, st *store.Store, items *engine.Items) error {
				if err := items.Delete(ctx, args[0]); err != nil {
					out.Error(errorCode(err), err.Error(), nil)
					return WrapExitError(ExitFailure, "delete failed", err)
				}
				return out.Success("deleted "+args[0], map[string]string{"id": args[0]})
			})
		},
	}
	return cmd
}

func newItemsListCommand(rootOpts *RootOptions) *cobra.Command {
	var scope, orderName string
	cmd := &cobra.Command{
		Use:           "list",
		Short:         "List the items of a scope with their tallies",
		Long:          "List the items of a scope with their tallies. Posts list newest first; use --order oldest for a comment thread.",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := newFormatter(cmd, rootOpts)
			return withItems(cmd, rootOpts, func(ctx context.Context, st *store.Store, items *engine.Items) error {
				if scope == "" {
					scope = rootOpts.config().DefaultScope
				}
				order, err := record.ParseOrder(orderName)
				if err != nil {
					return WrapExitError(ExitCommandError, "invalid order", err)
				}
				docs, err := st.Query(ctx, record.ItemsIn(scope, order))
				if err != nil {
					return WrapExitError(ExitFailure, "list items", err)
				}
				infos := make([]ItemInfo, 0, len(docs))
				var b strings.Builder
				for _, doc := range docs {
					it := record.ItemFromDocument(doc)
					sum, err := computeTally(ctx, st, it.ID)
					if err != nil {
						return WrapExitError(ExitFailure, "list items", err)
					}
					info := itemInfo(it, sum)
					infos = append(infos, info)
					fmt.Fprintf(&b, "%-28s %6d  %s  %s  %s\n", info.ID, info.Tally, info.CreatedAt, info.AuthorID, info.Text)
				}
				if len(infos) == 0 {
					return out.Success(fmt.Sprintf("No items in %s", scope), infos)
				}
				return out.Success(strings.TrimRight(b.String(), "\n"), infos)
			})
		},
	}
	cmd.Flags().StringVar(&scope, "scope", "", "scope to list (default from config)")
	cmd.Flags().StringVar(&orderName, "order", "newest", "listing order: newest or oldest")
	return cmd
}

// withItems opens the store and runs fn with an item service over it.
func withItems(cmd *cobra.Command, rootOpts *RootOptions, fn func(context.Context, *store.Store, *engine.Items) error) error {
	strategy, err := engine.ParseStrategy(rootOpts.config().Strategy)
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid strategy", err)
	}
	st, err := openStore(rootOpts)
	if err != nil {
		return err
	}
	defer closeStore(st)

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	return fn(ctx, st, engine.NewItems(st, strategy))
}

// computeTally sums the item's vote records.
func computeTally(ctx context.Context, st *store.Store, itemID string) (int64, error) {
	docs, err := st.Query(ctx, record.VotesFor(itemID))
	if err != nil {
		return 0, err
	}
	recs := make([]record.VoteRecord, 0, len(docs))
	for _, doc := range docs {
		rec, err := record.VoteRecordFromDocument(doc)
		if err != nil {
			return 0, err
		}
		recs = append(recs, rec)
	}
	return tally.Compute(recs), nil
}

func itemInfo(it record.Item, sum int64) ItemInfo {
	return ItemInfo{
		ID:         it.ID,
		Scope:      it.ParentScope,
		AuthorID:   it.AuthorID,
		AuthorName: it.AuthorName,
		Text:       it.Text,
		CreatedAt:  time.UnixMilli(it.CreatedAt).UTC().Format(time.RFC3339),
		Tally:      sum,
		VoteCount:  it.VoteCount,
	}
}
