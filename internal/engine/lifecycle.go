package engine

import (
	"log/slog"
	"maps"
	"slices"
	"sync"

	"github.com/roach88/tally/internal/record"
)

// WatchHandle is a reference to a watched item or a followed scope.
// Release (or Close) drops the reference; the live queries behind it stop
// when the last reference is gone.
type WatchHandle struct {
	e      *Engine
	id     uint64
	itemID string
	scope  string
	once   sync.Once
}

func (e *Engine) newHandle(itemID, scope string) *WatchHandle {
	return &WatchHandle{e: e, id: e.nextHandle.Add(1), itemID: itemID, scope: scope}
}

// ItemID returns the watched item, or "" for a scope handle.
func (h *WatchHandle) ItemID() string {
	return h.itemID
}

// Scope returns the followed scope, or "" for an item handle.
func (h *WatchHandle) Scope() string {
	return h.scope
}

// Release drops the reference. Calling it more than once is a no-op.
func (h *WatchHandle) Release() {
	h.once.Do(func() {
		typ := eventRelease
		if h.scope != "" {
			typ = eventUnfollow
		}
		h.e.queue.Enqueue(event{Type: typ, Handle: h.id, ItemID: h.itemID, Scope: h.scope})
	})
}

// Close implements io.Closer.
func (h *WatchHandle) Close() error {
	h.Release()
	return nil
}

func (e *Engine) acquire(itemID string, handle uint64, seed bool) {
	w := e.retain(itemID)
	e.handles[handle] = handleRef{w: w}
	if seed {
		e.seed(w)
	}
}

// retain returns the watch for itemID, starting it if needed, with one
// more reference.
func (e *Engine) retain(itemID string) *watch {
	if w, ok := e.watches[itemID]; ok {
		w.refs++
		return w
	}
	e.nextID++
	w := newWatch(e.nextID, itemID)
	w.refs = 1
	e.watches[itemID] = w
	watchedItems.Inc()
	slog.Debug("watching item", "item_id", itemID, "strategy", string(e.strategy))

	e.open(w, streamVotes)
	if e.strategy == StrategyIncremental {
		e.open(w, streamCounter)
	}
	return w
}

// seed marks a freshly created item as known-empty so its zero tally is
// shown without waiting for the first snapshot.
func (e *Engine) seed(w *watch) {
	if e.ready(w) {
		return
	}
	w.votes.synced = true
	if e.strategy == StrategyIncremental {
		w.counter.synced = true
	}
	e.publish(w)
	e.replayDeferred(w)
}

func (e *Engine) release(handle uint64) {
	ref, ok := e.handles[handle]
	if !ok {
		return
	}
	delete(e.handles, handle)
	if ref.sf != nil {
		e.unfollow(ref.sf)
		return
	}
	e.unref(ref.w)
}

func (e *Engine) unref(w *watch) {
	if e.watches[w.itemID] != w {
		// deleted while the reference was held
		return
	}
	w.refs--
	if w.refs > 0 {
		return
	}
	e.drop(w)
	slog.Debug("released item", "item_id", w.itemID, "pending", len(w.pending))
}

// drop stops w's live queries and forgets it. Acknowledgements still in
// flight are ignored when they land.
func (e *Engine) drop(w *watch) {
	w.closeStreams()
	delete(e.watches, w.itemID)
	e.cache.Del(w.itemID)
	watchedItems.Dec()
}

func (e *Engine) onItemDeleted(itemID, reason string) {
	w := e.watches[itemID]
	if w == nil {
		return
	}
	e.drop(w)
	slog.Info("item deleted",
		"item_id", itemID,
		"reason", reason,
		"discarded_votes", len(w.pending)+len(w.deferred),
	)
}

func (e *Engine) follow(key scopeKey, handle uint64) {
	sf := e.scopes[key]
	if sf == nil {
		e.nextID++
		sf = &scopeFeed{id: e.nextID, scope: key.scope, order: key.order, items: make(map[string]*watch)}
		e.scopes[key] = sf
		slog.Debug("following scope", "scope", key.scope, "order", key.order.String())
		e.startScope(sf)
	}
	sf.refs++
	e.handles[handle] = handleRef{sf: sf}
}

func (sf *scopeFeed) key() scopeKey {
	return scopeKey{scope: sf.scope, order: sf.order}
}

func (e *Engine) startScope(sf *scopeFeed) {
	e.start(&sf.stream, record.ItemsIn(sf.scope, sf.order),
		event{Type: eventBatch, Scope: sf.scope, Order: sf.order, Watch: sf.id, Stream: streamScope})
}

func (e *Engine) unfollow(sf *scopeFeed) {
	if e.scopes[sf.key()] != sf {
		return
	}
	sf.refs--
	if sf.refs > 0 {
		return
	}
	sf.stream.close()
	delete(e.scopes, sf.key())
	for _, id := range slices.Sorted(maps.Keys(sf.items)) {
		e.unref(sf.items[id])
	}
	slog.Debug("unfollowed scope", "scope", sf.scope, "items", len(sf.items))
}

func (e *Engine) onScopeBatch(ev event) {
	sf := e.scopes[scopeKey{scope: ev.Scope, order: ev.Order}]
	if sf == nil || sf.id != ev.Watch || sf.stream.gen != ev.Gen {
		return
	}
	if ev.Err != nil {
		e.restart(&sf.stream, ev)
		return
	}

	b := ev.Batch
	if b.Snapshot {
		present := make(map[string]bool, len(b.Changes))
		for _, c := range b.Changes {
			present[c.Document.Key] = true
		}
		// items deleted while the feed was down
		for _, id := range slices.Sorted(maps.Keys(sf.items)) {
			if !present[id] {
				e.scopeRemove(sf, id)
			}
		}
		for _, c := range b.Changes {
			e.scopeAdd(sf, c.Document)
		}
		sf.stream.synced = true
		return
	}

	for _, c := range b.Changes {
		switch c.Kind {
		case record.Added:
			e.scopeAdd(sf, c.Document)
		case record.Removed:
			e.scopeRemove(sf, c.Document.Key)
		}
	}
}

func (e *Engine) scopeAdd(sf *scopeFeed, doc record.Document) {
	if _, ok := sf.items[doc.Key]; ok {
		return
	}
	sf.items[doc.Key] = e.retain(doc.Key)
	if il, ok := e.listener.(ItemListener); ok {
		il.ItemAdded(sf.scope, record.ItemFromDocument(doc))
	}
}

func (e *Engine) scopeRemove(sf *scopeFeed, itemID string) {
	if _, ok := sf.items[itemID]; !ok {
		return
	}
	delete(sf.items, itemID)
	e.onItemDeleted(itemID, "removed from scope "+sf.scope)
	if il, ok := e.listener.(ItemListener); ok {
		il.ItemRemoved(sf.scope, itemID)
	}
}
