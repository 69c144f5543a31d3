package feed

import (
	"cmp"
	"log/slog"
	"slices"
	"sync"

	"github.com/roach88/tally/internal/engine"
	"github.com/roach88/tally/internal/record"
)

// DefaultSendBuffer is the number of frames a client may fall behind before
// it is disconnected.
const DefaultSendBuffer = 256

// ScopeEngine is the part of the engine the hub drives.
type ScopeEngine interface {
	FollowScope(scope string, order record.Order) (*engine.WatchHandle, error)
	Tally(itemID string) (int64, bool)
}

// Hub fans engine output out to connected clients. It implements
// engine.Listener and engine.ItemListener.
//
// The hub follows a scope in the engine while at least one client is
// connected to it and forgets the scope when the last one leaves.
// Engine callbacks never block: each client has a bounded send buffer and
// a client whose buffer is full is dropped.
//
// Thread-safety: safe for concurrent use.
type Hub struct {
	mu      sync.Mutex
	engine  ScopeEngine
	clients map[*client]struct{}
	scopes  map[string]*scopeState
	owner   map[string]string // item id -> scope
	buffer  int
}

var (
	_ engine.Listener     = (*Hub)(nil)
	_ engine.ItemListener = (*Hub)(nil)
)

type scopeState struct {
	refs   int
	handle *engine.WatchHandle
	items  map[string]record.Item
	tally  map[string]int64
}

// client is one connection's view of the hub.
type client struct {
	voterID string
	scope   string
	order   record.Order
	send    chan Message
	closed  bool
}

// NewHub creates an empty Hub. Bind must be called before clients join.
func NewHub() *Hub {
	return &Hub{
		clients: make(map[*client]struct{}),
		scopes:  make(map[string]*scopeState),
		owner:   make(map[string]string),
		buffer:  DefaultSendBuffer,
	}
}

// Bind attaches the engine the hub follows scopes in. The engine is built
// with the hub as its listener, so the two are wired in this order.
func (h *Hub) Bind(e ScopeEngine) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.engine = e
}

// ItemAdded implements engine.ItemListener.
func (h *Hub) ItemAdded(scope string, it record.Item) {
	h.mu.Lock()
	defer h.mu.Unlock()
	st, ok := h.scopes[scope]
	if !ok {
		return
	}
	st.items[it.ID] = it
	h.owner[it.ID] = scope
	h.broadcast(scope, itemMessage(scope, it))

	// An item already watched for another reason will not report its
	// tally again, so take it from the engine cache.
	if v, ok := h.engine.Tally(it.ID); ok {
		st.tally[it.ID] = v
		h.broadcast(scope, tallyMessage(it.ID, v))
	}
}

// ItemRemoved implements engine.ItemListener.
func (h *Hub) ItemRemoved(scope, itemID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	st, ok := h.scopes[scope]
	if !ok {
		return
	}
	delete(st.items, itemID)
	delete(st.tally, itemID)
	delete(h.owner, itemID)
	h.broadcast(scope, removedMessage(scope, itemID))
}

// TallyChanged implements engine.Listener. Tallies of items outside every
// followed scope are not forwarded.
func (h *Hub) TallyChanged(itemID string, value int64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	scope, ok := h.owner[itemID]
	if !ok {
		return
	}
	h.scopes[scope].tally[itemID] = value
	h.broadcast(scope, tallyMessage(itemID, value))
}

// VoteFailed implements engine.Listener. Only the voter's own connections
// hear about it.
func (h *Hub) VoteFailed(itemID, voterID string, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	m := errorMessage(itemID, err)
	for c := range h.clients {
		if c.voterID == voterID {
			h.deliver(c, m)
		}
	}
}

// join adds a client to scope, following the scope if it is the first, and
// queues the current state of the scope: items in the client's order, then
// tallies. Clients of one scope share a single engine feed whatever their
// order.
func (h *Hub) join(voterID, scope string, order record.Order) (*client, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	st, ok := h.scopes[scope]
	if !ok {
		handle, err := h.engine.FollowScope(scope, order)
		if err != nil {
			return nil, err
		}
		st = &scopeState{
			handle: handle,
			items:  make(map[string]record.Item),
			tally:  make(map[string]int64),
		}
		h.scopes[scope] = st
		slog.Debug("following scope", "scope", scope)
	}
	st.refs++

	c := &client{voterID: voterID, scope: scope, order: order, send: make(chan Message, h.buffer)}
	h.clients[c] = struct{}{}
	connections.Inc()

	items := make([]record.Item, 0, len(st.items))
	for _, it := range st.items {
		items = append(items, it)
	}
	slices.SortFunc(items, func(a, b record.Item) int {
		d := cmp.Compare(a.CreatedAt, b.CreatedAt)
		if order == record.NewestFirst {
			d = -d
		}
		if d != 0 {
			return d
		}
		return cmp.Compare(a.ID, b.ID)
	})
	for _, it := range items {
		h.deliver(c, itemMessage(scope, it))
	}
	for _, it := range items {
		if v, ok := st.tally[it.ID]; ok {
			h.deliver(c, tallyMessage(it.ID, v))
		}
	}
	return c, nil
}

// leave removes c. The scope is released when its last client leaves.
// Safe to call more than once.
func (h *Hub) leave(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.remove(c)
}

// reply queues m to c alone.
func (h *Hub) reply(c *client, m Message) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.deliver(c, m)
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Scopes returns the followed scopes, sorted.
func (h *Hub) Scopes() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]string, 0, len(h.scopes))
	for s := range h.scopes {
		out = append(out, s)
	}
	slices.Sort(out)
	return out
}

func (h *Hub) broadcast(scope string, m Message) {
	for c := range h.clients {
		if c.scope == scope {
			h.deliver(c, m)
		}
	}
}

// deliver must be called with h.mu held.
func (h *Hub) deliver(c *client, m Message) {
	if c.closed {
		return
	}
	select {
	case c.send <- m:
		messagesSent.WithLabelValues(m.Type).Inc()
	default:
		slowClients.Inc()
		slog.Warn("dropping slow feed client", "voter_id", c.voterID, "scope", c.scope)
		h.remove(c)
	}
}

// remove must be called with h.mu held.
func (h *Hub) remove(c *client) {
	if c.closed {
		return
	}
	c.closed = true
	delete(h.clients, c)
	close(c.send)
	connections.Dec()

	st := h.scopes[c.scope]
	st.refs--
	if st.refs > 0 {
		return
	}
	st.handle.Release()
	for id := range st.items {
		delete(h.owner, id)
	}
	delete(h.scopes, c.scope)
	slog.Debug("released scope", "scope", c.scope)
}
