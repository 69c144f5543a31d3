package engine

import (
	"errors"
	"log/slog"

	"github.com/roach88/tally/internal/record"
	"github.com/roach88/tally/internal/store"
	"github.com/roach88/tally/internal/tally"
)

// streamKind names the live queries the engine runs.
type streamKind int

const (
	streamVotes   streamKind = iota + 1 // an item's vote records
	streamCounter                       // an item's document, for voteCount
	streamScope                         // the items of a scope
)

func (k streamKind) String() string {
	switch k {
	case streamVotes:
		return "votes"
	case streamCounter:
		return "counter"
	case streamScope:
		return "scope"
	}
	return "unknown"
}

// stream is one live query and its incarnation number. Every (re)subscribe
// bumps gen; deliveries tagged with an older gen are dropped.
type stream struct {
	q      LiveQuery
	gen    uint64
	synced bool
}

func (s *stream) close() {
	if s.q != nil {
		if err := s.q.Close(); err != nil {
			slog.Debug("closing live query", "error", err)
		}
		s.q = nil
	}
	s.gen++
}

// watch is the engine's state for one watched item.
type watch struct {
	id     uint64
	itemID string
	refs   int

	votes   stream
	counter stream

	// ledger folds the item's vote records. Under the incremental strategy
	// it only serves each voter's own record.
	ledger *tally.Ledger

	// count is the observed voteCount field; held buffers counter
	// observations that arrive while writes are unacknowledged.
	count tally.Counter
	held  []record.Document

	pending  map[string]*optimisticEntry
	inflight int

	// deferred holds casts that arrived before the first snapshot.
	deferred []event

	emitted bool
	last    int64
}

func newWatch(id uint64, itemID string) *watch {
	return &watch{
		id:      id,
		itemID:  itemID,
		ledger:  tally.NewLedger(),
		pending: make(map[string]*optimisticEntry),
	}
}

func (w *watch) stream(kind streamKind) *stream {
	if kind == streamCounter {
		return &w.counter
	}
	return &w.votes
}

func (w *watch) closeStreams() {
	w.votes.close()
	w.counter.close()
}

// scopeFeed follows the items of one scope and holds a watch on each.
// scopeKey names a scope feed. The same scope followed in both orders
// runs two feeds.
type scopeKey struct {
	scope string
	order record.Order
}

type scopeFeed struct {
	id     uint64
	scope  string
	order  record.Order
	refs   int
	stream stream
	items  map[string]*watch
}

// ready reports whether w has the authoritative state its tally needs.
func (e *Engine) ready(w *watch) bool {
	if e.strategy == StrategyIncremental {
		return w.votes.synced && w.counter.synced
	}
	return w.votes.synced
}

// visible is the tally shown for w: the authoritative base plus the
// adjustment of every pending optimistic entry.
func (e *Engine) visible(w *watch) (int64, bool) {
	if !e.ready(w) {
		return 0, false
	}
	if e.strategy == StrategyIncremental {
		v := w.count.Value()
		for _, ent := range w.pending {
			v += tally.Delta(ent.counted, ent.desired)
		}
		return v, true
	}
	v := w.ledger.Total()
	for voter, ent := range w.pending {
		own, _ := w.ledger.Own(voter)
		v += tally.Delta(own, ent.desired)
	}
	return v, true
}

// open starts the live query of kind for w.
func (e *Engine) open(w *watch, kind streamKind) {
	q := record.VotesFor(w.itemID)
	if kind == streamCounter {
		q = record.ItemDocument(w.itemID)
	}
	e.start(w.stream(kind), q, event{Type: eventBatch, ItemID: w.itemID, Watch: w.id, Stream: kind})
}

// start subscribes s to q. Deliveries are enqueued as copies of tmpl
// stamped with the new incarnation.
func (e *Engine) start(s *stream, q record.Query, tmpl event) {
	s.gen++
	tmpl.Gen = s.gen
	lq, err := e.store.Subscribe(e.ctx, q, func(b record.Batch, err error) {
		ev := tmpl
		ev.Batch = b
		ev.Err = err
		e.queue.Enqueue(ev)
	})
	if err != nil {
		tmpl.Err = err
		e.restart(s, tmpl)
		return
	}
	s.q = lq
	slog.Debug("live query started", "query", q.String(), "gen", s.gen)
}

// restart tears down a failed live query and schedules a new one.
// The item keeps showing its last known tally in the meantime.
func (e *Engine) restart(s *stream, ev event) {
	s.close()
	if errors.Is(ev.Err, store.ErrClosed) || e.ctx.Err() != nil {
		slog.Info("live query ended", "stream", ev.Stream.String(), "item_id", ev.ItemID, "scope", ev.Scope, "error", ev.Err)
		return
	}
	resyncs.WithLabelValues(ev.Stream.String()).Inc()
	slog.Warn("live query failed, resubscribing",
		"stream", ev.Stream.String(),
		"item_id", ev.ItemID,
		"scope", ev.Scope,
		"error", ev.Err,
		"delay", e.resubscribeDelay,
	)
	retry := event{Type: eventResubscribe, ItemID: ev.ItemID, Scope: ev.Scope, Order: ev.Order, Watch: ev.Watch, Stream: ev.Stream, Gen: s.gen}
	e.exec.After(e.resubscribeDelay, func() {
		e.queue.Enqueue(retry)
	})
}

func (e *Engine) onResubscribe(ev event) {
	if ev.Stream == streamScope {
		sf := e.scopes[scopeKey{scope: ev.Scope, order: ev.Order}]
		if sf == nil || sf.id != ev.Watch || sf.stream.gen != ev.Gen {
			return
		}
		e.startScope(sf)
		return
	}
	w := e.watches[ev.ItemID]
	if w == nil || w.id != ev.Watch || w.stream(ev.Stream).gen != ev.Gen {
		return
	}
	e.open(w, ev.Stream)
}

func (e *Engine) onBatch(ev event) error {
	if ev.Stream == streamScope {
		e.onScopeBatch(ev)
		return nil
	}
	w := e.watches[ev.ItemID]
	if w == nil || w.id != ev.Watch {
		return nil
	}
	s := w.stream(ev.Stream)
	if s.gen != ev.Gen {
		return nil
	}
	if ev.Err != nil {
		e.restart(s, ev)
		return nil
	}

	switch ev.Stream {
	case streamVotes:
		e.applyVotes(w, ev.Batch)
	case streamCounter:
		if !e.applyCounter(w, ev.Batch) {
			return nil
		}
	}
	e.reconcile(w)
	e.publish(w)
	e.replayDeferred(w)
	return nil
}

func (e *Engine) applyVotes(w *watch, b record.Batch) {
	if b.Snapshot {
		recs := make([]record.VoteRecord, 0, len(b.Changes))
		for _, c := range b.Changes {
			rec, err := record.VoteRecordFromDocument(c.Document)
			if err != nil {
				slog.Warn("skipping malformed vote record", "item_id", w.itemID, "key", c.Document.Key, "error", err)
				continue
			}
			recs = append(recs, rec)
		}
		total := w.ledger.Reset(recs, b.Revision)
		w.votes.synced = true
		slog.Debug("vote snapshot applied",
			"item_id", w.itemID,
			"records", len(recs),
			"tally", total,
			"revision", b.Revision,
		)
		return
	}

	for _, c := range b.Changes {
		rec, err := record.VoteRecordFromDocument(c.Document)
		if err != nil {
			slog.Warn("skipping malformed vote record", "item_id", w.itemID, "key", c.Document.Key, "error", err)
			continue
		}
		if c.Kind == record.Removed {
			rec.Value = record.NoVote
		}
		if _, ok := w.ledger.Apply(rec); ok {
			changesApplied.WithLabelValues("votes").Inc()
		} else {
			changesSkipped.WithLabelValues("votes").Inc()
		}
	}
}

// applyCounter folds an item document batch. Returns false if the item is
// gone and w was dropped.
func (e *Engine) applyCounter(w *watch, b record.Batch) bool {
	if b.Snapshot && len(b.Changes) == 0 {
		e.onItemDeleted(w.itemID, "item document missing")
		return false
	}
	for _, c := range b.Changes {
		if c.Kind == record.Removed || c.Document.Deleted {
			e.onItemDeleted(w.itemID, "item document removed")
			return false
		}
	}
	if b.Snapshot {
		w.counter.synced = true
	}
	for _, c := range b.Changes {
		if w.inflight > 0 {
			w.held = append(w.held, c.Document)
			continue
		}
		e.observeCounter(w, c.Document)
	}
	return true
}

func (e *Engine) observeCounter(w *watch, doc record.Document) {
	n, ok := doc.Body.Int(record.FieldVoteCount)
	if !ok {
		slog.Warn("item has no vote counter", "item_id", w.itemID, "revision", doc.Revision)
	}
	if !w.count.Observe(n, doc.Revision) {
		changesSkipped.WithLabelValues("counter").Inc()
		slog.Debug("stale vote counter skipped",
			"item_id", w.itemID,
			"revision", doc.Revision,
			"seen", w.count.Revision(),
		)
		return
	}
	changesApplied.WithLabelValues("counter").Inc()
	for _, ent := range w.pending {
		ent.observeCount(doc.Revision)
	}
}

func (e *Engine) flushHeld(w *watch) {
	held := w.held
	w.held = nil
	for _, doc := range held {
		e.observeCounter(w, doc)
	}
}

func (e *Engine) replayDeferred(w *watch) {
	if len(w.deferred) == 0 || !e.ready(w) {
		return
	}
	deferred := w.deferred
	w.deferred = nil
	for _, ev := range deferred {
		e.onCast(ev)
	}
}
