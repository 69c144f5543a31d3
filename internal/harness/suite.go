package harness

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// ScenarioNotFoundError is returned when a directory holds no scenarios.
type ScenarioNotFoundError struct {
	Dir string
}

// Error implements the error interface.
func (e *ScenarioNotFoundError) Error() string {
	return fmt.Sprintf("no scenario files in %s", e.Dir)
}

// SuiteResult summarizes a directory of scenarios.
type SuiteResult struct {
	Total    int               `json:"total"`
	Passed   int               `json:"passed"`
	Failed   int               `json:"failed"`
	Failures []ScenarioFailure `json:"failures,omitempty"`
}

// ScenarioFailure describes one failed scenario.
type ScenarioFailure struct {
	Scenario     string `json:"scenario,omitempty"`
	ScenarioPath string `json:"scenario_path"`
	Error        string `json:"error"`
}

// RunSuite loads and runs every scenario in dir.
//
// If goldenDir is set, each trace is also compared byte for byte with
// goldenDir/<name>.golden; a missing golden file is a failure.
//
// Loading errors are reported per scenario; only an unreadable dir or ctx
// cancellation fail the call.
func RunSuite(ctx context.Context, dir, goldenDir string) (*SuiteResult, error) {
	paths, err := FindScenarios(dir)
	if err != nil {
		return nil, err
	}

	result := &SuiteResult{}
	for _, path := range paths {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		result.Total++

		name, err := runOne(path, goldenDir)
		if err != nil {
			result.Failed++
			result.Failures = append(result.Failures, ScenarioFailure{
				Scenario:     name,
				ScenarioPath: path,
				Error:        err.Error(),
			})
			continue
		}
		result.Passed++
	}
	return result, nil
}

// errGoldenMismatch marks a trace that differs from its golden file.
var errGoldenMismatch = errors.New("trace does not match golden file")

func runOne(path, goldenDir string) (string, error) {
	scenario, err := LoadScenario(path)
	if err != nil {
		return "", fmt.Errorf("failed to load scenario: %w", err)
	}

	res, err := Run(scenario)
	if err != nil {
		return scenario.Name, fmt.Errorf("scenario execution failed: %w", err)
	}
	if !res.Pass {
		return scenario.Name, fmt.Errorf("scenario assertions failed: %v", res.Errors)
	}

	if goldenDir == "" {
		return scenario.Name, nil
	}
	got, err := MarshalTrace(scenario, res)
	if err != nil {
		return scenario.Name, err
	}
	goldenPath := filepath.Join(goldenDir, scenario.Name+".golden")
	want, err := os.ReadFile(goldenPath)
	if err != nil {
		return scenario.Name, fmt.Errorf("failed to read golden file: %w", err)
	}
	if !bytes.Equal(got, want) {
		return scenario.Name, fmt.Errorf("%w %s", errGoldenMismatch, goldenPath)
	}
	return scenario.Name, nil
}
