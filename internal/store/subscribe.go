package store

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/roach88/tally/internal/record"
)

// subscription is a live query created by Subscribe.
type subscription struct {
	store *Store
	query record.Query
	fn    func(record.Batch, error)

	// wake has capacity 1; a pending wake-up coalesces later ones.
	wake chan struct{}
	done chan struct{}

	mu      sync.Mutex
	stopped bool
	err     error

	// owned by the delivery goroutine
	since int64
	known map[string]struct{}
}

// Subscribe starts a live query over q. Closing the returned io.Closer
// stops delivery.
//
// fn is called from a single goroutine owned by the subscription: first with
// a snapshot batch, then with change batches in revision order. When the
// live query ends for any reason other than Close, fn is called once with a
// non-nil error and never again. fn must not block for long; writers are not
// held up, but later batches for this subscription are.
func (s *Store) Subscribe(ctx context.Context, q record.Query, fn func(record.Batch, error)) (io.Closer, error) {
	if err := q.Validate(); err != nil {
		return nil, err
	}

	sub := &subscription{
		store: s,
		query: q,
		fn:    fn,
		wake:  make(chan struct{}, 1),
		done:  make(chan struct{}),
		known: make(map[string]struct{}),
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, fmt.Errorf("subscribe %s: %w", q, ErrClosed)
	}
	s.subs[sub] = struct{}{}
	s.mu.Unlock()

	go sub.run(ctx)
	return sub, nil
}

// Close stops delivery. After Close returns, fn is not called again unless a
// call is already in progress.
func (sub *subscription) Close() error {
	sub.stop(nil)
	sub.store.unregister(sub)
	return nil
}

// fail ends the subscription with err, which is reported to fn.
func (sub *subscription) fail(err error) {
	sub.stop(err)
}

func (sub *subscription) stop(err error) {
	sub.mu.Lock()
	defer sub.mu.Unlock()
	if sub.stopped {
		return
	}
	sub.stopped = true
	sub.err = err
	close(sub.done)
}

func (sub *subscription) signal() {
	select {
	case sub.wake <- struct{}{}:
	default:
	}
}

func (s *Store) unregister(sub *subscription) {
	s.mu.Lock()
	delete(s.subs, sub)
	s.mu.Unlock()
}

// notify wakes every subscription on collection.
func (s *Store) notify(collection string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for sub := range s.subs {
		if sub.query.Collection == collection {
			sub.signal()
		}
	}
}

func (sub *subscription) run(ctx context.Context) {
	defer sub.store.unregister(sub)

	docs, rev, err := sub.store.snapshot(ctx, sub.query)
	if err != nil {
		sub.end(err)
		return
	}
	batch := record.Batch{Snapshot: true, Revision: rev, Changes: make([]record.Change, 0, len(docs))}
	for _, doc := range docs {
		sub.known[doc.Key] = struct{}{}
		batch.Changes = append(batch.Changes, record.Change{Kind: record.Added, Document: doc})
	}
	sub.since = rev
	if !sub.deliver(batch) {
		return
	}

	for {
		select {
		case <-ctx.Done():
			sub.end(ctx.Err())
			return
		case <-sub.done:
			sub.end(nil)
			return
		case <-sub.wake:
		}

		docs, err := sub.store.Changes(ctx, sub.query, sub.since)
		if err != nil {
			sub.end(err)
			return
		}
		batch := sub.changes(docs)
		if len(batch.Changes) == 0 {
			continue
		}
		if !sub.deliver(batch) {
			return
		}
	}
}

// changes classifies document versions against the keys this subscription
// has already reported.
func (sub *subscription) changes(docs []record.Document) record.Batch {
	batch := record.Batch{Revision: sub.since}
	for _, doc := range docs {
		batch.Revision = max(batch.Revision, doc.Revision)
		_, seen := sub.known[doc.Key]
		switch {
		case doc.Deleted && !seen:
			// created and deleted between two wake-ups
			continue
		case doc.Deleted:
			delete(sub.known, doc.Key)
			batch.Changes = append(batch.Changes, record.Change{Kind: record.Removed, Document: doc})
		case seen:
			batch.Changes = append(batch.Changes, record.Change{Kind: record.Modified, Document: doc})
		default:
			sub.known[doc.Key] = struct{}{}
			batch.Changes = append(batch.Changes, record.Change{Kind: record.Added, Document: doc})
		}
	}
	sub.since = batch.Revision
	return batch
}

// deliver calls fn unless the subscription was stopped. Returns false once
// the subscription should exit.
func (sub *subscription) deliver(batch record.Batch) bool {
	sub.mu.Lock()
	stopped := sub.stopped
	sub.mu.Unlock()
	if stopped {
		sub.end(nil)
		return false
	}
	sub.fn(batch, nil)
	return true
}

// end reports the terminal error, if any, exactly once. A subscription
// stopped by Close reports nothing.
func (sub *subscription) end(err error) {
	sub.mu.Lock()
	closedByStore := sub.stopped && sub.err != nil
	closedByCaller := sub.stopped && sub.err == nil
	if closedByStore {
		err = sub.err
	}
	sub.mu.Unlock()

	if closedByCaller {
		return
	}
	if err == nil {
		return
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		slog.Debug("live query ended", "query", sub.query.String(), "error", err)
	} else {
		slog.Warn("live query ended", "query", sub.query.String(), "error", err)
	}
	sub.fn(record.Batch{}, err)
}
