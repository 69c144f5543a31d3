package harness

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"slices"

	"gopkg.in/yaml.v3"

	"github.com/roach88/tally/internal/engine"
)

// Scenario is a scripted run of the vote engine against an in-memory store
// whose timing the script controls. Scenarios pin down reconciliation
// behavior that is awkward to reach with a real backend: lagging feeds,
// failed writes and writes completing out of order.
type Scenario struct {
	// Name uniquely identifies this scenario. It names the golden file.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// Strategy is the tally strategy, "computed" (default) or "incremental".
	Strategy string `yaml:"strategy,omitempty"`

	// Setup runs before the flow and is settled before the flow starts.
	// Setup steps must succeed and are not traced.
	Setup []ActionStep `yaml:"setup,omitempty"`

	// Flow is the traced part of the scenario.
	Flow []FlowStep `yaml:"flow"`

	// Assertions validate the trace and the final store state.
	Assertions []Assertion `yaml:"assertions"`
}

// ActionStep is a setup action.
type ActionStep struct {
	// Action is one of the step verbs (see Actions).
	Action string `yaml:"action"`

	// Args are the action arguments.
	Args map[string]any `yaml:"args,omitempty"`
}

// FlowStep is a traced action with an optional expected outcome.
type FlowStep struct {
	Invoke string         `yaml:"invoke"`
	Args   map[string]any `yaml:"args,omitempty"`

	// Expect checks the synchronous outcome of the step.
	Expect *ExpectClause `yaml:"expect,omitempty"`
}

// ExpectClause specifies the expected outcome of a step.
type ExpectClause struct {
	// Case is "ok", an engine error code such as "NOT_FOUND", or "INVALID"
	// for errors that carry no code.
	Case string `yaml:"case"`
}

// Step verbs.
const (
	ActionCreateItem = "create_item" // item, scope, author, authorName, text, announce
	ActionDeleteItem = "delete_item" // item
	ActionWatch      = "watch"       // item
	ActionRelease    = "release"     // item or scope
	ActionFollow     = "follow"      // scope, order (newest or oldest)
	ActionCast       = "cast"        // item, voter, value
	ActionStoreVote  = "store_vote"  // item, voter, value; written behind the engine's back
	ActionSettle     = "settle"      // run the engine and store calls until quiet
	ActionDrain      = "drain"       // run queued engine events only
	ActionRunWrites  = "run_writes"  // count; run queued store calls only
	ActionHold       = "hold"        // queue live query deliveries
	ActionFlush      = "flush"       // make queued deliveries
	ActionBreak      = "break"       // error; end every live query
	ActionFireTimers = "fire_timers" // run resubscribe timers
	ActionFailNext   = "fail_next"   // op, error
)

// Actions lists every step verb.
var Actions = []string{
	ActionCreateItem, ActionDeleteItem, ActionWatch, ActionRelease, ActionFollow,
	ActionCast, ActionStoreVote, ActionSettle, ActionDrain, ActionRunWrites,
	ActionHold, ActionFlush, ActionBreak, ActionFireTimers, ActionFailNext,
}

// CaseOK is the outcome of a step that returned no error.
const CaseOK = "ok"

// CaseInvalid is the outcome of a step that failed without an engine code.
const CaseInvalid = "INVALID"

// Assertion validates the trace or the final state.
type Assertion struct {
	// Type is one of the Assert constants.
	Type string `yaml:"type"`

	// Event is the trace event type (trace_contains, trace_count).
	Event string `yaml:"event,omitempty"`

	Item  string `yaml:"item,omitempty"`
	Voter string `yaml:"voter,omitempty"`
	Scope string `yaml:"scope,omitempty"`
	Code  string `yaml:"code,omitempty"`

	// Values is the exact sequence of emitted tallies (tallies).
	Values []int64 `yaml:"values,omitempty"`

	// Value is the expected current tally (tally). Nil means the item must
	// have no tally.
	Value *int64 `yaml:"value,omitempty"`

	// Count is the expected number of matching events (trace_count) or
	// store calls (store_calls).
	Count int `yaml:"count,omitempty"`

	// Op is the store operation counted (store_calls).
	Op string `yaml:"op,omitempty"`

	// Collection and Key select a document (final_state). Without a key,
	// Item selects an item and Item with Voter selects a vote record.
	Collection string `yaml:"collection,omitempty"`
	Key        string `yaml:"key,omitempty"`

	// Expect lists expected body fields (final_state). The special key
	// "exists" checks presence.
	Expect map[string]any `yaml:"expect,omitempty"`
}

// Assertion types.
const (
	AssertTallies       = "tallies"
	AssertTally         = "tally"
	AssertTraceContains = "trace_contains"
	AssertTraceCount    = "trace_count"
	AssertFinalState    = "final_state"
	AssertStoreCalls    = "store_calls"
)

// LoadScenario reads and parses a scenario YAML file.
// Returns an error if the file doesn't exist, is malformed,
// contains unknown fields (typos), or is missing required fields.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	return ParseScenario(data)
}

// ParseScenario parses scenario YAML.
func ParseScenario(data []byte) (*Scenario, error) {
	// Strict fields catch typos like "assertion:" vs "assertions:".
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &scenario, nil
}

// FindScenarios returns the scenario files under dir, sorted.
func FindScenarios(dir string) ([]string, error) {
	var paths []string
	for _, pattern := range []string{"*.yaml", "*.yml"} {
		matches, err := filepath.Glob(filepath.Join(dir, pattern))
		if err != nil {
			return nil, err
		}
		paths = append(paths, matches...)
	}
	if len(paths) == 0 {
		return nil, &ScenarioNotFoundError{Dir: dir}
	}
	slices.Sort(paths)
	return paths, nil
}

// validateScenario checks that required fields are present and valid.
func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}

	if s.Description == "" {
		return fmt.Errorf("description is required")
	}

	if s.Strategy != "" {
		if _, err := engine.ParseStrategy(s.Strategy); err != nil {
			return err
		}
	}

	if len(s.Flow) == 0 {
		return fmt.Errorf("flow list is required and must be non-empty")
	}

	if len(s.Assertions) == 0 {
		return fmt.Errorf("assertions list is required and must be non-empty")
	}

	for i, step := range s.Setup {
		if err := validateStep(step.Action, step.Args); err != nil {
			return fmt.Errorf("setup[%d]: %w", i, err)
		}
	}

	for i, step := range s.Flow {
		if err := validateStep(step.Invoke, step.Args); err != nil {
			return fmt.Errorf("flow[%d]: %w", i, err)
		}
		if step.Expect != nil && step.Expect.Case == "" {
			return fmt.Errorf("flow[%d].expect: case is required", i)
		}
	}

	for i, assertion := range s.Assertions {
		if err := validateAssertion(i, &assertion); err != nil {
			return err
		}
	}

	return nil
}

// required lists the arguments each verb cannot do without.
var required = map[string][]string{
	ActionDeleteItem: {"item"},
	ActionWatch:      {"item"},
	ActionFollow:     {"scope"},
	ActionCast:       {"item", "voter", "value"},
	ActionStoreVote:  {"item", "voter", "value"},
	ActionBreak:      {"error"},
	ActionFailNext:   {"op", "error"},
}

func validateStep(action string, args map[string]any) error {
	if action == "" {
		return fmt.Errorf("action is required")
	}
	if !slices.Contains(Actions, action) {
		return fmt.Errorf("unknown action %q", action)
	}
	for _, name := range required[action] {
		if _, ok := args[name]; !ok {
			return fmt.Errorf("%s: %q is required", action, name)
		}
	}
	if action == ActionRelease && args["item"] == nil && args["scope"] == nil {
		return fmt.Errorf("release: \"item\" or \"scope\" is required")
	}
	if _, err := convertArgs(args); err != nil {
		return fmt.Errorf("%s: %w", action, err)
	}
	return nil
}

// validateAssertion validates a single assertion based on its type.
func validateAssertion(index int, a *Assertion) error {
	if a.Type == "" {
		return fmt.Errorf("assertions[%d]: type is required", index)
	}

	switch a.Type {
	case AssertTallies, AssertTally:
		if a.Item == "" {
			return fmt.Errorf("assertions[%d]: item is required for %s", index, a.Type)
		}
	case AssertTraceContains:
		if a.Event == "" {
			return fmt.Errorf("assertions[%d]: event is required for trace_contains", index)
		}
	case AssertTraceCount:
		if a.Event == "" {
			return fmt.Errorf("assertions[%d]: event is required for trace_count", index)
		}
		if a.Count < 0 {
			return fmt.Errorf("assertions[%d]: count must be non-negative for trace_count", index)
		}
	case AssertStoreCalls:
		if a.Op == "" {
			return fmt.Errorf("assertions[%d]: op is required for store_calls", index)
		}
		if a.Count < 0 {
			return fmt.Errorf("assertions[%d]: count must be non-negative for store_calls", index)
		}
	case AssertFinalState:
		if a.Collection == "" {
			return fmt.Errorf("assertions[%d]: collection is required for final_state", index)
		}
		if a.Key == "" && a.Item == "" {
			return fmt.Errorf("assertions[%d]: key or item is required for final_state", index)
		}
		if len(a.Expect) == 0 {
			return fmt.Errorf("assertions[%d]: expect is required for final_state", index)
		}
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", index, a.Type)
	}

	return nil
}
