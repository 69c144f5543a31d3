package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/roach88/tally/internal/record"
)

// Strategy selects how an item's visible tally is derived.
type Strategy string

const (
	// StrategyComputed sums the item's vote records from a live query.
	StrategyComputed Strategy = "computed"

	// StrategyIncremental reads the voteCount field of the item document,
	// which every vote write adjusts with an atomic increment.
	StrategyIncremental Strategy = "incremental"
)

// ParseStrategy parses a strategy name. The empty string selects StrategyComputed.
func ParseStrategy(s string) (Strategy, error) {
	switch Strategy(s) {
	case "", StrategyComputed:
		return StrategyComputed, nil
	case StrategyIncremental:
		return StrategyIncremental, nil
	}
	return "", fmt.Errorf("unknown tally strategy %q", s)
}

const (
	// DefaultResubscribeDelay is the pause before a failed live query is re-established.
	DefaultResubscribeDelay = 2 * time.Second

	// DefaultWriteTimeout bounds every store call the engine makes.
	DefaultWriteTimeout = 10 * time.Second
)

// Listener receives the engine's outputs. Calls are made from the Run loop
// goroutine, one at a time; implementations must not block.
type Listener interface {
	// TallyChanged reports a new visible tally. It is only called when the
	// value differs from the last one reported for the item.
	TallyChanged(itemID string, value int64)

	// VoteFailed reports a cast that was rolled back or refused.
	// err is always an *Error.
	VoteFailed(itemID, voterID string, err error)
}

// ItemListener is optionally implemented by a Listener that wants to hear
// about items entering and leaving followed scopes.
type ItemListener interface {
	ItemAdded(scope string, item record.Item)
	ItemRemoved(scope, itemID string)
}

// ListenerFuncs adapts plain functions to Listener. Nil fields are ignored.
type ListenerFuncs struct {
	OnTally  func(itemID string, value int64)
	OnFailed func(itemID, voterID string, err error)
}

func (l ListenerFuncs) TallyChanged(itemID string, value int64) {
	if l.OnTally != nil {
		l.OnTally(itemID, value)
	}
}

func (l ListenerFuncs) VoteFailed(itemID, voterID string, err error) {
	if l.OnFailed != nil {
		l.OnFailed(itemID, voterID, err)
	}
}

// Engine reconciles optimistic votes with live store state.
//
// All watch state is owned by the Run loop goroutine. Public methods only
// enqueue events; store calls are handed to the Executor and their results
// come back as events, so the loop never blocks on I/O.
//
// Thread-safety model:
//   - CastVote, Watch, ItemCreated, ItemDeleted, FollowScope, Tally: any goroutine
//   - Run or Drain: exactly one goroutine at a time
type Engine struct {
	store     DocumentStore
	exec      Executor
	now       func() time.Time
	corrGen   CorrelationGenerator
	listener  Listener
	strategy  Strategy
	authorize func(voterID string) error

	resubscribeDelay time.Duration
	writeTimeout     time.Duration

	queue *eventQueue
	cache *TallyCache

	nextHandle atomic.Uint64

	// Owned by the loop goroutine.
	ctx     context.Context
	nextID  uint64
	watches map[string]*watch
	scopes  map[scopeKey]*scopeFeed
	handles map[uint64]handleRef
}

// handleRef is what a WatchHandle holds: a watch or a scope feed.
type handleRef struct {
	w  *watch
	sf *scopeFeed
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithListener sets the receiver of tally changes and vote failures.
func WithListener(l Listener) EngineOption {
	return func(e *Engine) {
		e.listener = l
	}
}

// WithStrategy selects the tally strategy. Default: StrategyComputed.
func WithStrategy(s Strategy) EngineOption {
	return func(e *Engine) {
		e.strategy = s
	}
}

// WithExecutor sets the executor for store calls and timers.
// Tests use a manual executor to control when acknowledgements land.
func WithExecutor(x Executor) EngineOption {
	return func(e *Engine) {
		e.exec = x
	}
}

// WithCorrelation sets the generator for write correlation ids.
func WithCorrelation(g CorrelationGenerator) EngineOption {
	return func(e *Engine) {
		e.corrGen = g
	}
}

// WithTimeSource sets the wall clock that stamps optimistic entries.
func WithTimeSource(now func() time.Time) EngineOption {
	return func(e *Engine) {
		e.now = now
	}
}

// WithAuthorizer sets the check run before any optimistic mutation.
// A non-nil error refuses the cast with a PERMISSION error.
// The default refuses anonymous voters.
func WithAuthorizer(fn func(voterID string) error) EngineOption {
	return func(e *Engine) {
		e.authorize = fn
	}
}

// WithResubscribeDelay sets the pause before a failed live query is retried.
func WithResubscribeDelay(d time.Duration) EngineOption {
	return func(e *Engine) {
		e.resubscribeDelay = d
	}
}

// WithWriteTimeout bounds each store call. Zero disables the bound.
func WithWriteTimeout(d time.Duration) EngineOption {
	return func(e *Engine) {
		e.writeTimeout = d
	}
}

var errAnonymous = errors.New("voter is not signed in")

func requireVoter(voterID string) error {
	if voterID == "" {
		return errAnonymous
	}
	return nil
}

// New creates an Engine over store.
func New(store DocumentStore, opts ...EngineOption) *Engine {
	e := &Engine{
		store:            store,
		exec:             goExecutor{},
		now:              time.Now,
		corrGen:          UUIDv7Generator{},
		listener:         ListenerFuncs{},
		strategy:         StrategyComputed,
		authorize:        requireVoter,
		resubscribeDelay: DefaultResubscribeDelay,
		writeTimeout:     DefaultWriteTimeout,
		queue:            newEventQueue(),
		cache:            NewTallyCache(),
		ctx:              context.Background(),
		watches:          make(map[string]*watch),
		scopes:           make(map[scopeKey]*scopeFeed),
		handles:          make(map[uint64]handleRef),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Strategy returns the engine's tally strategy.
func (e *Engine) Strategy() Strategy {
	return e.strategy
}

// CastVote taps value (Up or Down) on itemID for voterID.
//
// The tap toggles: tapping the current value clears the vote, tapping the
// opposite value switches it. The optimistic tally is emitted before any
// store call completes. Failures are reported through Listener.VoteFailed.
//
// Returns an error only if value is not castable or the engine has stopped.
func (e *Engine) CastVote(itemID, voterID string, value record.Vote) error {
	if !value.Valid() {
		return fmt.Errorf("cast %s: invalid vote %v", itemID, value)
	}
	return e.enqueue(event{Type: eventCast, ItemID: itemID, VoterID: voterID, Value: value})
}

// Watch starts tracking itemID's tally. The first emission follows the
// initial snapshot. Watches are reference counted; release the handle when
// the item leaves the view.
func (e *Engine) Watch(itemID string) (*WatchHandle, error) {
	h := e.newHandle(itemID, "")
	if err := e.enqueue(event{Type: eventWatch, ItemID: itemID, Handle: h.id}); err != nil {
		return nil, err
	}
	return h, nil
}

// ItemCreated watches an item this process just created. Its tally is
// known to be zero, so 0 is emitted without waiting for a snapshot.
func (e *Engine) ItemCreated(itemID string) (*WatchHandle, error) {
	h := e.newHandle(itemID, "")
	if err := e.enqueue(event{Type: eventItemCreated, ItemID: itemID, Handle: h.id}); err != nil {
		return nil, err
	}
	return h, nil
}

// ItemDeleted stops tracking itemID for every holder and discards its
// pending votes. Nothing more is emitted for it.
func (e *Engine) ItemDeleted(itemID string) error {
	return e.enqueue(event{Type: eventItemDeleted, ItemID: itemID})
}

// FollowScope watches every item of scope as items are created and
// deleted. The items already in the scope are reported in order: newest
// first for a list of posts, oldest first for a comment thread.
func (e *Engine) FollowScope(scope string, order record.Order) (*WatchHandle, error) {
	if scope == "" {
		scope = record.DefaultScope
	}
	h := e.newHandle("", scope)
	if err := e.enqueue(event{Type: eventFollow, Scope: scope, Order: order, Handle: h.id}); err != nil {
		return nil, err
	}
	return h, nil
}

// Tally returns the last tally emitted for itemID.
// Safe to call from any goroutine.
func (e *Engine) Tally(itemID string) (int64, bool) {
	return e.cache.Get(itemID)
}

// QueueLen returns the number of events waiting to be processed.
func (e *Engine) QueueLen() int {
	return e.queue.Len()
}

func (e *Engine) enqueue(ev event) error {
	if !e.queue.Enqueue(ev) {
		return ErrStopped
	}
	return nil
}

// Run starts the single-writer event loop.
// Blocks until ctx is cancelled or Stop is called, then closes every live query.
//
// Must be called from exactly one goroutine. Event handling errors are
// logged and processing continues.
func (e *Engine) Run(ctx context.Context) error {
	e.ctx = ctx
	slog.Info("engine starting", "strategy", string(e.strategy))
	defer e.shutdown()

	for {
		ev, ok := e.queue.TryDequeue()
		if ok {
			e.dispatch(ev)
			continue
		}

		select {
		case <-ctx.Done():
			slog.Info("engine stopping: context cancelled")
			e.queue.Close()
			return ctx.Err()

		case <-e.queue.Wait():
			// The signal channel closes with the queue.
			if e.queue.Closed() && e.queue.Len() == 0 {
				slog.Info("engine stopping: queue closed")
				return nil
			}
		}
	}
}

// Drain processes queued events on the calling goroutine until the queue
// is empty and returns how many were handled. It is the synchronous
// alternative to Run for tests and the scenario harness.
func (e *Engine) Drain() int {
	n := 0
	for {
		ev, ok := e.queue.TryDequeue()
		if !ok {
			return n
		}
		e.dispatch(ev)
		n++
	}
}

// Stop closes the event queue, which causes Run to return.
func (e *Engine) Stop() {
	e.queue.Close()
}

func (e *Engine) dispatch(ev event) {
	if err := e.processEvent(ev); err != nil {
		logEventError(ev, err)
	}
}

// processEvent routes an event to its handler.
// Called only from the loop goroutine.
func (e *Engine) processEvent(ev event) error {
	switch ev.Type {
	case eventCast:
		e.onCast(ev)
	case eventWatch:
		e.acquire(ev.ItemID, ev.Handle, false)
	case eventItemCreated:
		e.acquire(ev.ItemID, ev.Handle, true)
	case eventRelease:
		e.release(ev.Handle)
	case eventItemDeleted:
		e.onItemDeleted(ev.ItemID, "deleted by caller")
	case eventFollow:
		e.follow(scopeKey{scope: ev.Scope, order: ev.Order}, ev.Handle)
	case eventUnfollow:
		e.release(ev.Handle)
	case eventBatch:
		return e.onBatch(ev)
	case eventWriteDone:
		if ev.Write == nil {
			return fmt.Errorf("write event missing result")
		}
		e.onWriteDone(ev)
	case eventReadDone:
		if ev.Read == nil {
			return fmt.Errorf("read event missing result")
		}
		e.onReadDone(ev)
	case eventResubscribe:
		e.onResubscribe(ev)
	default:
		return fmt.Errorf("unknown event type: %d", ev.Type)
	}
	return nil
}

func (e *Engine) shutdown() {
	slog.Debug("engine stopping",
		"watches", len(e.watches),
		"scopes", len(e.scopes),
		"cached_tallies", e.cache.Len(),
	)
	for _, w := range e.watches {
		w.closeStreams()
	}
	for _, sf := range e.scopes {
		sf.stream.close()
	}
	watchedItems.Sub(float64(len(e.watches)))
	e.watches = make(map[string]*watch)
	e.scopes = make(map[scopeKey]*scopeFeed)
	e.handles = make(map[uint64]handleRef)
}

// publish emits w's visible tally if it is known and changed.
func (e *Engine) publish(w *watch) {
	v, ok := e.visible(w)
	if !ok {
		return
	}
	if w.emitted && v == w.last {
		return
	}
	w.emitted = true
	w.last = v
	e.cache.Put(w.itemID, v)
	slog.Debug("tally changed", "item_id", w.itemID, "tally", v, "pending", len(w.pending))
	e.listener.TallyChanged(w.itemID, v)
}

func (e *Engine) fail(itemID, voterID string, err *Error) {
	slog.Warn("vote failed",
		"item_id", itemID,
		"voter_id", voterID,
		"code", string(err.Code),
		"error", err,
	)
	e.listener.VoteFailed(itemID, voterID, err)
}

func logEventError(ev event, err error) {
	slog.Error("event processing failed",
		"error", err,
		"event_type", ev.Type.String(),
		"item_id", ev.ItemID,
		"voter_id", ev.VoterID,
		"scope", ev.Scope,
	)
}
