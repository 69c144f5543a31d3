package harness

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustParse(t *testing.T, src string) *Scenario {
	t.Helper()
	s, err := ParseScenario([]byte(src))
	require.NoError(t, err)
	return s
}

func TestRun_CoalescedTaps(t *testing.T) {
	s := mustParse(t, `
name: coalesced
description: taps made while a write is in flight collapse into one follow-up write
setup:
  - action: create_item
    args: {item: p}
  - action: watch
    args: {item: p}
flow:
  - invoke: cast
    args: {item: p, voter: alice, value: up}
  - invoke: drain
  - invoke: cast
    args: {item: p, voter: alice, value: down}
  - invoke: cast
    args: {item: p, voter: alice, value: up}
  - invoke: cast
    args: {item: p, voter: alice, value: down}
  - invoke: settle
assertions:
  - type: tallies
    item: p
    values: [1, -1, 1, -1]
  - type: final_state
    collection: voteRecords
    item: p
    voter: alice
    expect: {value: -1}
`)
	result, err := Run(s)
	require.NoError(t, err)
	assert.True(t, result.Pass, "errors: %v", result.Errors)
}

func TestRun_ResubscribeAfterBreak(t *testing.T) {
	s := mustParse(t, `
name: resubscribe
description: a broken feed keeps the last tally and catches up after resubscribing
setup:
  - action: create_item
    args: {item: p}
  - action: watch
    args: {item: p}
flow:
  - invoke: break
    args: {error: unavailable}
  - invoke: settle
  - invoke: store_vote
    args: {item: p, voter: bob, value: down}
  - invoke: fire_timers
  - invoke: settle
assertions:
  - type: tallies
    item: p
    values: [-1]
  - type: tally
    item: p
    value: -1
`)
	result, err := Run(s)
	require.NoError(t, err)
	assert.True(t, result.Pass, "errors: %v", result.Errors)
}

func TestRun_ExpectCaseMismatchFails(t *testing.T) {
	s := mustParse(t, `
name: mismatch
description: a step outcome that differs from expect fails the scenario
flow:
  - invoke: delete_item
    args: {item: ghost}
    expect: {case: ok}
assertions:
  - type: trace_count
    event: step
    count: 1
`)
	result, err := Run(s)
	require.NoError(t, err)
	assert.False(t, result.Pass)
	require.Len(t, result.Errors, 1)
	assert.Contains(t, result.Errors[0], "expected case ok, got NOT_FOUND")
}

func TestRun_AssertionFailuresReported(t *testing.T) {
	s := mustParse(t, `
name: wrong
description: every assertion type reports its failure
setup:
  - action: create_item
    args: {item: p}
  - action: watch
    args: {item: p}
flow:
  - invoke: cast
    args: {item: p, voter: alice, value: up}
  - invoke: settle
assertions:
  - type: tallies
    item: p
    values: [2]
  - type: tally
    item: p
    value: 5
  - type: trace_contains
    event: failure
  - type: trace_count
    event: tally
    count: 3
  - type: final_state
    collection: voteRecords
    item: p
    voter: alice
    expect: {value: -1}
  - type: store_calls
    op: put
    count: 2
`)
	result, err := Run(s)
	require.NoError(t, err)
	assert.False(t, result.Pass)
	require.Len(t, result.Errors, 6)
	assert.Contains(t, result.Errors[0], "p emits [2]")
	assert.Contains(t, result.Errors[1], "p = 5")
	assert.Contains(t, result.Errors[2], "not found in trace")
	assert.Contains(t, result.Errors[3], "1 occurrences")
	assert.Contains(t, result.Errors[4], "value=1")
	assert.Contains(t, result.Errors[5], "2 put calls")
}

func TestRun_CounterFailureRevertsRecord(t *testing.T) {
	s := mustParse(t, `
name: counter-failure
description: a vote whose voteCount update fails is put back so the counter matches the records
strategy: incremental
setup:
  - action: create_item
    args: {item: p}
  - action: watch
    args: {item: p}
flow:
  - invoke: fail_next
    args: {op: increment, error: unavailable}
  - invoke: cast
    args: {item: p, voter: alice, value: up}
  - invoke: settle
  - invoke: cast
    args: {item: p, voter: alice, value: up}
  - invoke: settle
assertions:
  - type: tallies
    item: p
    values: [1, 0, 1]
  - type: trace_count
    event: failure
    code: TRANSIENT_IO
    count: 1
  - type: store_calls
    op: put
    count: 2
  - type: store_calls
    op: delete
    count: 1
  - type: store_calls
    op: increment
    count: 2
  - type: final_state
    collection: items
    item: p
    expect: {voteCount: 1}
  - type: final_state
    collection: voteRecords
    item: p
    voter: alice
    expect: {value: 1}
`)
	result, err := Run(s)
	require.NoError(t, err)
	assert.True(t, result.Pass, "errors: %v", result.Errors)
}

func TestRun_SetupFailureIsAnError(t *testing.T) {
	s := mustParse(t, `
name: bad-setup
description: setup must succeed
setup:
  - action: release
    args: {item: p}
flow:
  - invoke: settle
assertions:
  - type: trace_count
    event: step
    count: 1
`)
	_, err := Run(s)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no open handle")
}

func TestRun_SetupOutputsAreNotTraced(t *testing.T) {
	s := mustParse(t, `
name: quiet-setup
description: only the flow is traced
setup:
  - action: create_item
    args: {item: p}
  - action: watch
    args: {item: p}
flow:
  - invoke: release
    args: {item: p}
  - invoke: settle
assertions:
  - type: tally
    item: p
`)
	result, err := Run(s)
	require.NoError(t, err)
	assert.True(t, result.Pass, "errors: %v", result.Errors)
	require.Len(t, result.Trace, 2)
	assert.Equal(t, EventStep, result.Trace[0].Type)
	assert.Equal(t, int64(1), result.Trace[0].Seq)
	assert.Empty(t, result.Emitted("p"))
}

func TestRun_CommentThreadOldestFirst(t *testing.T) {
	s := mustParse(t, `
name: thread
description: a comment thread lists its comments in the order they were written
setup:
  - action: create_item
    args: {item: post-1, scope: golang, text: first post, authorName: Ada}
  - action: create_item
    args: {item: c-1, scope: post-1, text: agreed}
  - action: create_item
    args: {item: c-2, scope: post-1, text: me too}
flow:
  - invoke: follow
    args: {scope: post-1, order: oldest}
  - invoke: settle
assertions:
  - type: trace_count
    event: item_added
    scope: post-1
    count: 2
  - type: final_state
    collection: items
    item: post-1
    expect: {text: first post, authorName: Ada}
`)
	result, err := Run(s)
	require.NoError(t, err)
	assert.True(t, result.Pass, "errors: %v", result.Errors)

	var added []string
	for _, ev := range result.Trace {
		if ev.Type == EventItemAdded {
			added = append(added, ev.ItemID)
		}
	}
	assert.Equal(t, []string{"c-1", "c-2"}, added)
}

func TestRun_FollowRejectsUnknownOrder(t *testing.T) {
	s := mustParse(t, `
name: bad-order
description: an unknown order is an invalid step
flow:
  - invoke: follow
    args: {scope: golang, order: random}
    expect: {case: INVALID}
assertions:
  - type: trace_count
    event: item_added
    count: 0
`)
	result, err := Run(s)
	require.NoError(t, err)
	assert.True(t, result.Pass, "errors: %v", result.Errors)
}
