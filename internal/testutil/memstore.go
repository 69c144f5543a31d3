package testutil

import (
	"cmp"
	"context"
	"fmt"
	"io"
	"slices"
	"sync"

	"github.com/roach88/tally/internal/record"
	"github.com/roach88/tally/internal/store"
)

// MemStore is an in-memory document store with the write and live query
// semantics of store.Store, plus hooks to misbehave on demand:
//
//   - Hold queues live query deliveries until Flush, to simulate a lagging feed
//   - FailNext makes the next call of an operation return an error
//   - Break ends every live query with an error
//
// Deliveries happen on the goroutine that made the write (or called Flush),
// after the store lock is released, in revision order.
type MemStore struct {
	// deliver serializes callbacks so batches arrive in revision order.
	deliver sync.Mutex

	mu       sync.Mutex
	rev      int64
	docs     map[docKey]record.Document
	subs     map[*memSub]struct{}
	hold     bool
	held     []delivery
	failures map[string][]error
	calls    map[string]int
}

type docKey struct {
	collection string
	key        string
}

type memSub struct {
	s      *MemStore
	q      record.Query
	fn     func(record.Batch, error)
	known  map[string]struct{}
	closed bool
}

type delivery struct {
	sub   *memSub
	batch record.Batch
	err   error
}

// NewMemStore creates an empty store.
func NewMemStore() *MemStore {
	return &MemStore{
		docs:     make(map[docKey]record.Document),
		subs:     make(map[*memSub]struct{}),
		failures: make(map[string][]error),
		calls:    make(map[string]int),
	}
}

// FailNext queues err as the result of the next call of op, one of
// "subscribe", "put", "delete", "increment" or "read".
func (s *MemStore) FailNext(op string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[op] = append(s.failures[op], err)
}

// Calls returns how many times op was called, failed calls included.
func (s *MemStore) Calls(op string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[op]
}

// Hold starts queueing deliveries instead of making them.
func (s *MemStore) Hold() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hold = true
}

// Flush stops holding and makes every queued delivery. Returns how many.
func (s *MemStore) Flush() int {
	s.mu.Lock()
	s.hold = false
	held := s.held
	s.held = nil
	s.mu.Unlock()

	s.emit(held)
	return len(held)
}

// Held returns the number of queued deliveries.
func (s *MemStore) Held() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.held)
}

// Break ends every live query with err, as a dropped connection would.
func (s *MemStore) Break(err error) {
	s.mu.Lock()
	var out []delivery
	for sub := range s.subs {
		sub.closed = true
		out = append(out, delivery{sub: sub, err: err})
	}
	s.subs = make(map[*memSub]struct{})
	s.mu.Unlock()

	slices.SortFunc(out, func(a, b delivery) int {
		return cmp.Compare(a.sub.q.String(), b.sub.q.String())
	})
	s.emit(out)
}

// Subscriptions returns the number of open live queries.
func (s *MemStore) Subscriptions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs)
}

// Revision returns the store revision.
func (s *MemStore) Revision() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rev
}

// Subscribe starts a live query. The snapshot is delivered before Subscribe
// returns unless deliveries are held.
func (s *MemStore) Subscribe(ctx context.Context, q record.Query, fn func(record.Batch, error)) (io.Closer, error) {
	if err := q.Validate(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	if err := s.takeFailure("subscribe"); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	sub := &memSub{s: s, q: q, fn: fn, known: make(map[string]struct{})}
	s.subs[sub] = struct{}{}
	docs := s.matching(q)
	batch := record.Batch{Snapshot: true, Revision: s.rev, Changes: make([]record.Change, 0, len(docs))}
	for _, doc := range docs {
		sub.known[doc.Key] = struct{}{}
		batch.Changes = append(batch.Changes, record.Change{Kind: record.Added, Document: doc})
	}
	out := s.route([]delivery{{sub: sub, batch: batch}})
	s.mu.Unlock()

	s.emit(out)
	return sub, nil
}

// Close stops delivery to the subscription.
func (sub *memSub) Close() error {
	sub.s.mu.Lock()
	defer sub.s.mu.Unlock()
	sub.closed = true
	delete(sub.s.subs, sub)
	return nil
}

// Put writes body if the current revision equals ifRevision
// (0 = absent or deleted, store.AnyRevision = unconditional).
func (s *MemStore) Put(ctx context.Context, collection, key string, body record.Object, ifRevision int64) (int64, error) {
	return s.write("put", collection, key, func(cur record.Document, exists bool) (record.Document, error) {
		if err := checkRevision(cur, exists, ifRevision); err != nil {
			return record.Document{}, err
		}
		return record.Document{Collection: collection, Key: key, Body: body.Clone()}, nil
	})
}

// Delete tombstones a live document if its revision equals ifRevision.
func (s *MemStore) Delete(ctx context.Context, collection, key string, ifRevision int64) (int64, error) {
	return s.write("delete", collection, key, func(cur record.Document, exists bool) (record.Document, error) {
		if err := checkRevision(cur, exists, ifRevision); err != nil {
			return record.Document{}, err
		}
		if !exists {
			return record.Document{}, store.ErrNotFound
		}
		cur.Deleted = true
		return cur, nil
	})
}

// Increment adds delta to an integer field of a live document.
func (s *MemStore) Increment(ctx context.Context, collection, key, field string, delta int64) (int64, error) {
	return s.write("increment", collection, key, func(cur record.Document, exists bool) (record.Document, error) {
		if !exists {
			return record.Document{}, store.ErrNotFound
		}
		n, ok := cur.Body.Int(field)
		if !ok && cur.Body[field] != nil {
			return record.Document{}, fmt.Errorf("field %q is not an integer", field)
		}
		cur.Body = cur.Body.Clone()
		cur.Body[field] = record.Int(n + delta)
		return cur, nil
	})
}

// ReadOnce returns the current document. ok is false for absent and
// deleted documents; a tombstone still carries its revision.
func (s *MemStore) ReadOnce(ctx context.Context, collection, key string) (record.Document, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.takeFailure("read"); err != nil {
		return record.Document{}, false, err
	}
	doc, ok := s.docs[docKey{collection, key}]
	if !ok {
		return record.Document{Collection: collection, Key: key}, false, nil
	}
	return doc, !doc.Deleted, nil
}

// Query returns the live documents matching q in q's order.
func (s *MemStore) Query(ctx context.Context, q record.Query) ([]record.Document, error) {
	if err := q.Validate(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.matching(q), nil
}

func checkRevision(cur record.Document, exists bool, ifRevision int64) error {
	if ifRevision == store.AnyRevision {
		return nil
	}
	have := int64(0)
	if exists {
		have = cur.Revision
	}
	if have != ifRevision {
		return fmt.Errorf("%w: have %d, want %d", store.ErrConflict, have, ifRevision)
	}
	return nil
}

func (s *MemStore) write(op, collection, key string, fn func(cur record.Document, exists bool) (record.Document, error)) (int64, error) {
	s.deliver.Lock()
	defer s.deliver.Unlock()

	s.mu.Lock()
	if err := s.takeFailure(op); err != nil {
		s.mu.Unlock()
		return 0, err
	}
	cur, ok := s.docs[docKey{collection, key}]
	exists := ok && !cur.Deleted
	next, err := fn(cur, exists)
	if err != nil {
		s.mu.Unlock()
		return 0, fmt.Errorf("%s %s/%s: %w", op, collection, key, err)
	}
	s.rev++
	next.Revision = s.rev
	s.docs[docKey{collection, key}] = next
	out := s.route(s.changed(next))
	s.mu.Unlock()

	s.emitLocked(out)
	return next.Revision, nil
}

// changed classifies doc for every subscription it matches.
func (s *MemStore) changed(doc record.Document) []delivery {
	var out []delivery
	for sub := range s.subs {
		if !sub.q.Matches(doc) {
			continue
		}
		_, seen := sub.known[doc.Key]
		var kind record.ChangeKind
		switch {
		case doc.Deleted && !seen:
			continue
		case doc.Deleted:
			delete(sub.known, doc.Key)
			kind = record.Removed
		case seen:
			kind = record.Modified
		default:
			sub.known[doc.Key] = struct{}{}
			kind = record.Added
		}
		out = append(out, delivery{sub: sub, batch: record.Batch{
			Revision: doc.Revision,
			Changes:  []record.Change{{Kind: kind, Document: doc}},
		}})
	}
	slices.SortFunc(out, func(a, b delivery) int {
		return cmp.Compare(a.sub.q.String(), b.sub.q.String())
	})
	return out
}

// route holds deliveries when asked to; otherwise returns them for emission.
func (s *MemStore) route(out []delivery) []delivery {
	if s.hold {
		s.held = append(s.held, out...)
		return nil
	}
	return out
}

func (s *MemStore) emit(out []delivery) {
	s.deliver.Lock()
	defer s.deliver.Unlock()
	s.emitLocked(out)
}

func (s *MemStore) emitLocked(out []delivery) {
	for _, d := range out {
		s.mu.Lock()
		closed := d.sub.closed && d.err == nil
		s.mu.Unlock()
		if closed {
			continue
		}
		d.sub.fn(d.batch, d.err)
	}
}

func (s *MemStore) takeFailure(op string) error {
	s.calls[op]++
	errs := s.failures[op]
	if len(errs) == 0 {
		return nil
	}
	s.failures[op] = errs[1:]
	return errs[0]
}

func (s *MemStore) matching(q record.Query) []record.Document {
	var docs []record.Document
	for _, doc := range s.docs {
		if doc.Deleted || !q.Matches(doc) {
			continue
		}
		docs = append(docs, doc)
	}
	slices.SortFunc(docs, func(a, b record.Document) int {
		if q.OrderBy != "" {
			av, _ := a.Body.Int(q.OrderBy)
			bv, _ := b.Body.Int(q.OrderBy)
			c := cmp.Compare(av, bv)
			if q.Descending {
				c = -c
			}
			if c != 0 {
				return c
			}
		}
		return cmp.Compare(a.Key, b.Key)
	})
	return docs
}
