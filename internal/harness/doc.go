// Package harness runs scripted scenarios against the vote engine.
//
// A scenario is a YAML file with setup steps, a traced flow and assertions:
//
//	name: toggle-up-twice
//	description: a second up tap clears the vote
//	setup:
//	  - action: create_item
//	    args: {item: post-1}
//	  - action: watch
//	    args: {item: post-1}
//	flow:
//	  - invoke: cast
//	    args: {item: post-1, voter: alice, value: up}
//	  - invoke: settle
//	assertions:
//	  - type: tallies
//	    item: post-1
//	    values: [1]
//
// The engine runs against testutil.MemStore with a testutil.ManualExecutor,
// so store calls only happen when the script settles or runs writes and live
// query deliveries can be held back. That is how a scenario reproduces a
// lagging feed, a write acknowledged before its change arrives, or a write
// failing after the optimistic tally was shown.
//
// The trace interleaves the steps with the engine's outputs (tallies,
// failures, items entering and leaving scopes). RunWithGolden compares the
// canonical JSON of the trace with testdata/golden/<name>.golden.
package harness
