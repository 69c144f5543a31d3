package harness

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/roach88/tally/internal/engine"
	"github.com/roach88/tally/internal/record"
	"github.com/roach88/tally/internal/store"
	"github.com/roach88/tally/internal/testutil"
)

// itemEpoch is the creation time of the first scenario item.
var itemEpoch = time.UnixMilli(1_700_000_000_000)

// Harness runs one scenario. It is the engine's listener and records
// every output into the trace while the flow runs.
type Harness struct {
	store   *testutil.MemStore
	exec    *testutil.ManualExecutor
	engine  *engine.Engine
	items   *engine.Items
	result  *Result
	tracing bool

	// handles holds open watch handles by "item:<id>" or "scope:<name>".
	handles map[string][]*engine.WatchHandle

	ids    *testutil.SequenceIDs
	nextID string
}

var (
	_ engine.Listener     = (*Harness)(nil)
	_ engine.ItemListener = (*Harness)(nil)
)

// Run executes a test scenario and returns the result.
//
// Each scenario runs against a fresh in-memory store. Store calls run only
// when the script settles or runs writes, and correlation ids, item ids and
// timestamps are deterministic, so the trace is reproducible.
//
// Execution flow:
//  1. Build the store, executor and engine
//  2. Execute setup steps and settle
//  3. Execute flow steps, tracing steps and engine outputs
//  4. Evaluate assertions
func Run(scenario *Scenario) (*Result, error) {
	strategy := engine.StrategyComputed
	if scenario.Strategy != "" {
		var err error
		if strategy, err = engine.ParseStrategy(scenario.Strategy); err != nil {
			return nil, err
		}
	}

	h := &Harness{
		store:   testutil.NewMemStore(),
		exec:    testutil.NewManualExecutor(),
		result:  NewResult(),
		handles: make(map[string][]*engine.WatchHandle),
		ids:     testutil.NewSequenceIDs("item"),
	}
	h.engine = engine.New(h.store,
		engine.WithExecutor(h.exec),
		engine.WithTimeSource(testutil.NewStepClock(itemEpoch, time.Millisecond).Now),
		engine.WithListener(h),
		engine.WithStrategy(strategy),
		engine.WithCorrelation(testutil.NewSequenceIDs("corr")),
	)
	defer h.engine.Stop()
	h.items = engine.NewItems(h.store, strategy,
		engine.WithItemIDs(h.itemID),
		engine.WithNow(testutil.NewStepClock(itemEpoch, time.Second).Now),
	)

	ctx := context.Background()

	for i, step := range scenario.Setup {
		args, err := convertArgs(step.Args)
		if err != nil {
			return nil, fmt.Errorf("setup step %d: %w", i, err)
		}
		if err := h.execute(ctx, step.Action, args); err != nil {
			return nil, fmt.Errorf("setup step %d (%s): %w", i, step.Action, err)
		}
	}
	h.settle()
	setupCalls := make(map[string]int, len(storeOps))
	for _, op := range storeOps {
		setupCalls[op] = h.store.Calls(op)
	}

	h.tracing = true
	for i, step := range scenario.Flow {
		args, err := convertArgs(step.Args)
		if err != nil {
			return nil, fmt.Errorf("flow step %d: %w", i, err)
		}

		h.result.add(TraceEvent{Type: EventStep, Action: step.Invoke, Args: args})
		at := len(h.result.Trace) - 1
		got := caseOf(h.execute(ctx, step.Invoke, args))
		h.result.Trace[at].Case = got

		if step.Expect != nil && step.Expect.Case != got {
			h.result.AddError(fmt.Sprintf("flow step %d (%s): expected case %s, got %s",
				i, step.Invoke, step.Expect.Case, got))
		}
	}
	h.tracing = false

	actx := &AssertionContext{Store: h.store, Engine: h.engine, Ctx: ctx, SetupCalls: setupCalls}
	for _, msg := range EvaluateAssertions(h.result, scenario.Assertions, actx) {
		h.result.AddError(msg)
	}
	return h.result, nil
}

// TallyChanged implements engine.Listener.
func (h *Harness) TallyChanged(itemID string, value int64) {
	if h.tracing {
		h.result.add(TraceEvent{Type: EventTally, ItemID: itemID, Value: &value})
	}
}

// VoteFailed implements engine.Listener.
func (h *Harness) VoteFailed(itemID, voterID string, err error) {
	if h.tracing {
		h.result.add(TraceEvent{Type: EventFailure, ItemID: itemID, VoterID: voterID, Code: caseOf(err)})
	}
}

// ItemAdded implements engine.ItemListener.
func (h *Harness) ItemAdded(scope string, it record.Item) {
	if h.tracing {
		h.result.add(TraceEvent{Type: EventItemAdded, Scope: scope, ItemID: it.ID})
	}
}

// ItemRemoved implements engine.ItemListener.
func (h *Harness) ItemRemoved(scope, itemID string) {
	if h.tracing {
		h.result.add(TraceEvent{Type: EventItemRemoved, Scope: scope, ItemID: itemID})
	}
}

func (h *Harness) itemID() string {
	if id := h.nextID; id != "" {
		h.nextID = ""
		return id
	}
	return h.ids.Generate()
}

// settle runs engine events and store calls until neither has work.
func (h *Harness) settle() {
	for h.engine.Drain()+h.exec.RunPending() > 0 {
	}
}

func (h *Harness) keep(key string, handle *engine.WatchHandle) {
	h.handles[key] = append(h.handles[key], handle)
}

func (h *Harness) execute(ctx context.Context, action string, args record.Object) error {
	item, _ := args.Str("item")
	scope, _ := args.Str("scope")

	switch action {
	case ActionCreateItem:
		author, ok := args.Str("author")
		if !ok {
			author = "author"
		}
		text, _ := args.Str("text")
		name, _ := args.Str("authorName")
		h.nextID = item
		it, err := h.items.Create(ctx, scope, author, record.Content{Text: text, AuthorName: name})
		if err != nil {
			return err
		}
		if announce, _ := args["announce"].(record.Bool); announce {
			handle, err := h.engine.ItemCreated(it.ID)
			if err != nil {
				return err
			}
			h.keep("item:"+it.ID, handle)
		}

	case ActionDeleteItem:
		if err := h.items.Delete(ctx, item); err != nil {
			return err
		}
		return h.engine.ItemDeleted(item)

	case ActionWatch:
		handle, err := h.engine.Watch(item)
		if err != nil {
			return err
		}
		h.keep("item:"+item, handle)

	case ActionFollow:
		name, _ := args.Str("order")
		order, err := record.ParseOrder(name)
		if err != nil {
			return err
		}
		handle, err := h.engine.FollowScope(scope, order)
		if err != nil {
			return err
		}
		h.keep("scope:"+handle.Scope(), handle)

	case ActionRelease:
		key := "item:" + item
		if item == "" {
			key = "scope:" + scope
		}
		open := h.handles[key]
		if len(open) == 0 {
			return fmt.Errorf("no open handle for %s", key)
		}
		open[len(open)-1].Release()
		h.handles[key] = open[:len(open)-1]

	case ActionCast:
		v, err := voteArg(args)
		if err != nil {
			return err
		}
		voter, _ := args.Str("voter")
		return h.engine.CastVote(item, voter, v)

	case ActionStoreVote:
		v, err := voteArg(args)
		if err != nil {
			return err
		}
		voter, _ := args.Str("voter")
		return h.storeVote(ctx, record.VoteRecord{ItemID: item, VoterID: voter, Value: v})

	case ActionSettle:
		h.settle()

	case ActionDrain:
		h.engine.Drain()

	case ActionRunWrites:
		n, ok := args.Int("count")
		if !ok {
			h.exec.RunPending()
			return nil
		}
		for range n {
			if !h.exec.RunNext() {
				return fmt.Errorf("fewer than %d store calls were queued", n)
			}
		}

	case ActionHold:
		h.store.Hold()

	case ActionFlush:
		h.store.Flush()

	case ActionBreak:
		name, _ := args.Str("error")
		err, ok := storeErrors[name]
		if !ok {
			return fmt.Errorf("unknown store error %q", name)
		}
		h.store.Break(err)

	case ActionFireTimers:
		h.exec.FireTimers()

	case ActionFailNext:
		op, _ := args.Str("op")
		name, _ := args.Str("error")
		err, ok := storeErrors[name]
		if !ok {
			return fmt.Errorf("unknown store error %q", name)
		}
		h.store.FailNext(op, err)

	default:
		return fmt.Errorf("unknown action %q", action)
	}
	return nil
}

// storeVote writes a vote record as another device would. NoVote deletes it.
func (h *Harness) storeVote(ctx context.Context, rec record.VoteRecord) error {
	key := rec.Key().DocKey()
	if rec.Value == record.NoVote {
		_, err := h.store.Delete(ctx, record.CollectionVotes, key, store.AnyRevision)
		return err
	}
	_, err := h.store.Put(ctx, record.CollectionVotes, key, rec.Body(""), store.AnyRevision)
	return err
}

// storeOps are the operations MemStore counts and can fail.
var storeOps = []string{"subscribe", "put", "delete", "increment", "read"}

var storeErrors = map[string]error{
	"unavailable": store.ErrUnavailable,
	"conflict":    store.ErrConflict,
	"not_found":   store.ErrNotFound,
	"permission":  store.ErrPermission,
	"closed":      store.ErrClosed,
}

func voteArg(args record.Object) (record.Vote, error) {
	switch v := args["value"].(type) {
	case record.String:
		return record.ParseVote(string(v))
	case record.Int:
		vote := record.Vote(v)
		if vote != record.NoVote && !vote.Valid() {
			return record.NoVote, fmt.Errorf("invalid vote %d", int64(v))
		}
		return vote, nil
	}
	return record.NoVote, fmt.Errorf("value must be a string or an integer")
}

// caseOf names the outcome of a step.
func caseOf(err error) string {
	if err == nil {
		return CaseOK
	}
	var ee *engine.Error
	if errors.As(err, &ee) {
		return string(ee.Code)
	}
	return CaseInvalid
}

// convertArgs converts YAML-parsed arguments to a record.Object.
func convertArgs(args map[string]any) (record.Object, error) {
	out := make(record.Object, len(args))
	for key, val := range args {
		v, err := convertValue(val)
		if err != nil {
			return nil, fmt.Errorf("field %q: %w", key, err)
		}
		out[key] = v
	}
	return out, nil
}

// convertValue converts a YAML-parsed value to a record.Value.
// Nulls and non-integral numbers have no canonical form and are rejected.
func convertValue(val any) (record.Value, error) {
	switch v := val.(type) {
	case nil:
		return nil, fmt.Errorf("null values are not allowed")
	case string:
		return record.String(v), nil
	case int:
		return record.Int(v), nil
	case int64:
		return record.Int(v), nil
	case float64:
		if v == float64(int64(v)) {
			return record.Int(int64(v)), nil
		}
		return nil, fmt.Errorf("floats are not allowed: %v", v)
	case bool:
		return record.Bool(v), nil
	case []any:
		list := make(record.List, len(v))
		for i, elem := range v {
			e, err := convertValue(elem)
			if err != nil {
				return nil, fmt.Errorf("[%d]: %w", i, err)
			}
			list[i] = e
		}
		return list, nil
	case map[string]any:
		return convertArgs(v)
	default:
		return nil, fmt.Errorf("unsupported type %T", val)
	}
}
