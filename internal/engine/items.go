package engine

import (
	"context"
	"log/slog"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/roach88/tally/internal/record"
)

// ItemStore is the subset of the document store Items needs.
type ItemStore interface {
	Put(ctx context.Context, collection, key string, body record.Object, ifRevision int64) (int64, error)
	Delete(ctx context.Context, collection, key string, ifRevision int64) (int64, error)
	ReadOnce(ctx context.Context, collection, key string) (record.Document, bool, error)
}

// Items creates and deletes item documents.
type Items struct {
	store    ItemStore
	strategy Strategy
	newID    func() string
	now      func() time.Time
}

// ItemsOption configures Items.
type ItemsOption func(*Items)

// WithItemIDs overrides item id generation. Default: ULIDs.
func WithItemIDs(fn func() string) ItemsOption {
	return func(s *Items) {
		s.newID = fn
	}
}

// WithNow overrides the creation timestamp source.
func WithNow(fn func() time.Time) ItemsOption {
	return func(s *Items) {
		s.now = fn
	}
}

// NewItems creates an item service. Under StrategyIncremental new items
// carry a zero voteCount.
func NewItems(store ItemStore, strategy Strategy, opts ...ItemsOption) *Items {
	s := &Items{
		store:    store,
		strategy: strategy,
		newID:    func() string { return ulid.Make().String() },
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Create writes a new item in scope authored by authorID. For a comment,
// scope is the id of the post it answers.
func (s *Items) Create(ctx context.Context, scope, authorID string, content record.Content) (record.Item, error) {
	if scope == "" {
		scope = record.DefaultScope
	}
	if authorID == "" {
		return record.Item{}, &Error{Code: ErrCodePermission, Op: "create", Err: errAnonymous}
	}
	it := record.Item{
		ID:          s.newID(),
		ParentScope: scope,
		AuthorID:    authorID,
		AuthorName:  content.AuthorName,
		Text:        content.Text,
		CreatedAt:   s.now().UnixMilli(),
	}
	if s.strategy == StrategyIncremental {
		zero := int64(0)
		it.VoteCount = &zero
	}

	rev, err := s.store.Put(ctx, record.CollectionItems, it.ID, it.Body(), 0)
	if err != nil {
		return record.Item{}, classify("create", it.ID, "", err)
	}
	it.Revision = rev
	slog.Info("item created", "item_id", it.ID, "scope", scope, "author_id", authorID, "revision", rev)
	return it, nil
}

// Get reads an item.
func (s *Items) Get(ctx context.Context, itemID string) (record.Item, error) {
	doc, ok, err := s.store.ReadOnce(ctx, record.CollectionItems, itemID)
	if err != nil {
		return record.Item{}, classify("get", itemID, "", err)
	}
	if !ok {
		return record.Item{}, NewNotFoundError("get", itemID)
	}
	return record.ItemFromDocument(doc), nil
}

// Delete removes an item. Live queries report it as removed, which stops
// every engine watching it.
func (s *Items) Delete(ctx context.Context, itemID string) error {
	doc, ok, err := s.store.ReadOnce(ctx, record.CollectionItems, itemID)
	if err != nil {
		return classify("delete", itemID, "", err)
	}
	if !ok {
		return NewNotFoundError("delete", itemID)
	}
	if _, err := s.store.Delete(ctx, record.CollectionItems, itemID, doc.Revision); err != nil {
		return classify("delete", itemID, "", err)
	}
	slog.Info("item deleted", "item_id", itemID, "revision", doc.Revision)
	return nil
}
