package harness

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/roach88/tally/internal/engine"
	"github.com/roach88/tally/internal/record"
	"github.com/roach88/tally/internal/testutil"
)

// AssertionError is returned when an assertion fails.
// It includes detailed context to help debug the failure.
type AssertionError struct {
	Type     string       // Assertion type for categorization
	Expected string       // Human-readable expected outcome
	Actual   string       // Human-readable actual outcome
	Trace    []TraceEvent // Full trace for debugging context
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	var buf strings.Builder

	fmt.Fprintf(&buf, "Assertion failed: %s\n", e.Type)
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s\n", e.Actual)

	if len(e.Trace) > 0 {
		fmt.Fprintf(&buf, "\nFull trace:\n")
		for _, ev := range e.Trace {
			fmt.Fprintf(&buf, "  [%d] %s\n", ev.Seq, describe(ev))
		}
	}
	return buf.String()
}

// describe renders a trace event on one line.
func describe(ev TraceEvent) string {
	switch ev.Type {
	case EventStep:
		return fmt.Sprintf("%s %s -> %s", ev.Action, formatArgs(ev.Args), ev.Case)
	case EventTally:
		return fmt.Sprintf("tally %s = %d", ev.ItemID, *ev.Value)
	case EventFailure:
		return fmt.Sprintf("failure %s voter=%s %s", ev.ItemID, ev.VoterID, ev.Code)
	case EventItemAdded, EventItemRemoved:
		return fmt.Sprintf("%s %s scope=%s", ev.Type, ev.ItemID, ev.Scope)
	}
	return ev.Type
}

func formatArgs(args record.Object) string {
	parts := make([]string, 0, len(args))
	for _, k := range args.SortedKeys() {
		b, err := record.MarshalCanonical(args[k])
		if err != nil {
			b = []byte("?")
		}
		parts = append(parts, k+"="+string(b))
	}
	return strings.Join(parts, " ")
}

// matches reports whether ev satisfies the assertion's event filter.
// Empty filter fields match anything.
func matches(ev TraceEvent, a Assertion) bool {
	if ev.Type != a.Event {
		return false
	}
	if a.Item != "" && ev.ItemID != a.Item {
		return false
	}
	if a.Voter != "" && ev.VoterID != a.Voter {
		return false
	}
	if a.Scope != "" && ev.Scope != a.Scope {
		return false
	}
	if a.Code != "" && ev.Code != a.Code {
		return false
	}
	if a.Value != nil && (ev.Value == nil || *ev.Value != *a.Value) {
		return false
	}
	return true
}

// filter renders the assertion's event filter.
func filter(a Assertion) string {
	parts := []string{a.Event}
	for _, kv := range [][2]string{{"item", a.Item}, {"voter", a.Voter}, {"scope", a.Scope}, {"code", a.Code}} {
		if kv[1] != "" {
			parts = append(parts, kv[0]+"="+kv[1])
		}
	}
	if a.Value != nil {
		parts = append(parts, fmt.Sprintf("value=%d", *a.Value))
	}
	return strings.Join(parts, " ")
}

// assertTallies checks the exact sequence of tallies emitted for an item.
func assertTallies(trace []TraceEvent, a Assertion) error {
	r := Result{Trace: trace}
	got := r.Emitted(a.Item)
	want := a.Values
	if len(got) == 0 && len(want) == 0 {
		return nil
	}
	if !slices.Equal(got, want) {
		return &AssertionError{
			Type:     AssertTallies,
			Expected: fmt.Sprintf("%s emits %v", a.Item, want),
			Actual:   fmt.Sprintf("%v", got),
			Trace:    trace,
		}
	}
	return nil
}

// assertTally checks the engine's current tally for an item.
func assertTally(e *engine.Engine, a Assertion) error {
	got, ok := e.Tally(a.Item)
	switch {
	case a.Value == nil && !ok:
		return nil
	case a.Value == nil:
		return &AssertionError{
			Type:     AssertTally,
			Expected: fmt.Sprintf("no tally for %s", a.Item),
			Actual:   fmt.Sprintf("%d", got),
		}
	case !ok:
		return &AssertionError{
			Type:     AssertTally,
			Expected: fmt.Sprintf("%s = %d", a.Item, *a.Value),
			Actual:   "not watched",
		}
	case got != *a.Value:
		return &AssertionError{
			Type:     AssertTally,
			Expected: fmt.Sprintf("%s = %d", a.Item, *a.Value),
			Actual:   fmt.Sprintf("%d", got),
		}
	}
	return nil
}

// assertTraceContains checks that some event matches the filter.
func assertTraceContains(trace []TraceEvent, a Assertion) error {
	for _, ev := range trace {
		if matches(ev, a) {
			return nil
		}
	}
	return &AssertionError{
		Type:     AssertTraceContains,
		Expected: filter(a),
		Actual:   "not found in trace",
		Trace:    trace,
	}
}

// assertTraceCount checks that exactly Count events match the filter.
func assertTraceCount(trace []TraceEvent, a Assertion) error {
	count := 0
	for _, ev := range trace {
		if matches(ev, a) {
			count++
		}
	}
	if count != a.Count {
		return &AssertionError{
			Type:     AssertTraceCount,
			Expected: fmt.Sprintf("%d occurrences of %s", a.Count, filter(a)),
			Actual:   fmt.Sprintf("%d occurrences", count),
			Trace:    trace,
		}
	}
	return nil
}

// assertStoreCalls checks how many times a store operation was called
// during the flow, failed calls included.
func assertStoreCalls(st *testutil.MemStore, setup map[string]int, a Assertion) error {
	if got := st.Calls(a.Op) - setup[a.Op]; got != a.Count {
		return &AssertionError{
			Type:     AssertStoreCalls,
			Expected: fmt.Sprintf("%d %s calls", a.Count, a.Op),
			Actual:   fmt.Sprintf("%d", got),
		}
	}
	return nil
}

// assertFinalState checks a stored document's fields (subset match).
func assertFinalState(ctx context.Context, st *testutil.MemStore, a Assertion) error {
	key, where := documentKey(a)
	doc, ok, err := st.ReadOnce(ctx, a.Collection, key)
	if err != nil {
		return fmt.Errorf("final_state: read %s: %w", where, err)
	}

	if want, set := a.Expect["exists"]; set {
		if want != ok {
			return &AssertionError{
				Type:     AssertFinalState,
				Expected: fmt.Sprintf("%s exists=%v", where, want),
				Actual:   fmt.Sprintf("exists=%v", ok),
			}
		}
	}
	if !ok {
		if len(a.Expect) > 1 || a.Expect["exists"] == nil {
			return &AssertionError{
				Type:     AssertFinalState,
				Expected: fmt.Sprintf("%s with %v", where, a.Expect),
				Actual:   "no such document",
			}
		}
		return nil
	}

	keys := make([]string, 0, len(a.Expect))
	for k := range a.Expect {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	for _, k := range keys {
		if k == "exists" {
			continue
		}
		want, err := convertValue(a.Expect[k])
		if err != nil {
			return fmt.Errorf("final_state: %s: %w", k, err)
		}
		got, present := doc.Body[k]
		if !present || !valuesEqual(got, want) {
			return &AssertionError{
				Type:     AssertFinalState,
				Expected: fmt.Sprintf("%s %s=%s", where, k, canonical(want)),
				Actual:   fmt.Sprintf("%s=%s", k, canonical(got)),
			}
		}
	}
	return nil
}

// documentKey resolves the document a final_state assertion names: an
// explicit key, the item for items, or the item and voter pair for votes.
func documentKey(a Assertion) (key, where string) {
	switch {
	case a.Key != "":
		return a.Key, a.Collection + "/" + a.Key
	case a.Collection == record.CollectionVotes:
		k := record.VoteKey{ItemID: a.Item, VoterID: a.Voter}
		return k.DocKey(), a.Collection + "/" + k.String()
	}
	return a.Item, a.Collection + "/" + a.Item
}

func valuesEqual(a, b record.Value) bool {
	return canonical(a) == canonical(b)
}

func canonical(v record.Value) string {
	if v == nil {
		return "<missing>"
	}
	b, err := record.MarshalCanonical(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(b)
}

// AssertionContext provides context for evaluating assertions.
type AssertionContext struct {
	Store  *testutil.MemStore
	Engine *engine.Engine
	Ctx    context.Context

	// SetupCalls counts store calls per operation made before the flow.
	SetupCalls map[string]int
}

// EvaluateAssertions evaluates all assertions against the result.
// Returns a slice of error messages for failed assertions.
func EvaluateAssertions(result *Result, assertions []Assertion, actx *AssertionContext) []string {
	var errors []string

	for i, a := range assertions {
		var err error

		switch a.Type {
		case AssertTallies:
			err = assertTallies(result.Trace, a)
		case AssertTally:
			if actx == nil || actx.Engine == nil {
				err = fmt.Errorf("assertion[%d]: tally requires an engine", i)
			} else {
				err = assertTally(actx.Engine, a)
			}
		case AssertTraceContains:
			err = assertTraceContains(result.Trace, a)
		case AssertTraceCount:
			err = assertTraceCount(result.Trace, a)
		case AssertStoreCalls:
			if actx == nil || actx.Store == nil {
				err = fmt.Errorf("assertion[%d]: store_calls requires a store", i)
			} else {
				err = assertStoreCalls(actx.Store, actx.SetupCalls, a)
			}
		case AssertFinalState:
			if actx == nil || actx.Store == nil {
				err = fmt.Errorf("assertion[%d]: final_state requires a store", i)
			} else {
				err = assertFinalState(actx.Ctx, actx.Store, a)
			}
		default:
			err = fmt.Errorf("assertion[%d]: unknown assertion type %q", i, a.Type)
		}

		if err != nil {
			errors = append(errors, err.Error())
		}
	}

	return errors
}
