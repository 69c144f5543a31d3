package harness

import (
	"testing"

	"github.com/sebdah/goldie/v2"

	"github.com/roach88/tally/internal/record"
)

// TraceSnapshot captures the complete trace for a scenario execution.
type TraceSnapshot struct {
	ScenarioName string       `json:"scenario_name"`
	Strategy     string       `json:"strategy,omitempty"`
	Trace        []TraceEvent `json:"trace"`
}

// toCanonical converts the snapshot to a record.Object for canonical JSON.
func (s *TraceSnapshot) toCanonical() record.Object {
	trace := make(record.List, len(s.Trace))
	for i, ev := range s.Trace {
		obj := record.NewObject(
			record.F("seq", record.Int(ev.Seq)),
			record.F("type", record.String(ev.Type)),
		)
		set := func(key, v string) {
			if v != "" {
				obj[key] = record.String(v)
			}
		}
		set("action", ev.Action)
		set("case", ev.Case)
		set("scope", ev.Scope)
		set("item", ev.ItemID)
		set("voter", ev.VoterID)
		set("code", ev.Code)
		if len(ev.Args) > 0 {
			obj["args"] = ev.Args
		}
		if ev.Value != nil {
			obj["value"] = record.Int(*ev.Value)
		}
		trace[i] = obj
	}

	out := record.NewObject(
		record.F("scenario_name", record.String(s.ScenarioName)),
		record.F("trace", trace),
	)
	if s.Strategy != "" {
		out["strategy"] = record.String(s.Strategy)
	}
	return out
}

// MarshalTrace renders a result's trace as canonical JSON.
func MarshalTrace(scenario *Scenario, result *Result) ([]byte, error) {
	snapshot := TraceSnapshot{
		ScenarioName: scenario.Name,
		Strategy:     scenario.Strategy,
		Trace:        result.Trace,
	}
	return record.MarshalCanonical(snapshot.toCanonical())
}

// RunWithGolden executes a scenario and compares the trace against a golden file.
// The golden file is stored in testdata/golden/{scenario.Name}.golden
//
// To regenerate golden files, run:
//
//	go test ./internal/harness -update
//
// Returns error if scenario execution fails.
// Test failure (via goldie) occurs if trace doesn't match golden file.
func RunWithGolden(t *testing.T, scenario *Scenario) (*Result, error) {
	t.Helper()

	result, err := Run(scenario)
	if err != nil {
		return nil, err
	}
	if err := AssertGolden(t, scenario, result); err != nil {
		return nil, err
	}
	return result, nil
}

// AssertGolden compares the given result's trace against a golden file
// without re-running the scenario.
func AssertGolden(t *testing.T, scenario *Scenario, result *Result) error {
	t.Helper()

	traceJSON, err := MarshalTrace(scenario, result)
	if err != nil {
		return err
	}

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, scenario.Name, traceJSON)
	return nil
}
