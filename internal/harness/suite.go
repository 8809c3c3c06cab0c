package harness

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
)

// ScenarioResult is the outcome of one scenario file in a suite.
type ScenarioResult struct {
	Name   string   `json:"name"`
	Path   string   `json:"path"`
	Pass   bool     `json:"pass"`
	Errors []string `json:"errors,omitempty"`

	// Summary is the scenario's golden text; empty when it did not run.
	Summary string `json:"-"`
}

// SuiteResult summarizes a directory of scenarios.
type SuiteResult struct {
	Scenarios []ScenarioResult `json:"scenarios"`
	Passed    int              `json:"passed"`
	Failed    int              `json:"failed"`
	Total     int              `json:"total"`
}

// FindScenarios returns the YAML files under dir whose base name matches
// filter (a filepath.Match pattern; empty matches everything), sorted.
func FindScenarios(dir, filter string) ([]string, error) {
	var files []string
	err := filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		ext := filepath.Ext(path)
		if ext != ".yaml" && ext != ".yml" {
			return nil
		}
		if filter != "" {
			ok, err := filepath.Match(filter, filepath.Base(path))
			if err != nil {
				return fmt.Errorf("invalid filter %q: %w", filter, err)
			}
			if !ok {
				return nil
			}
		}
		files = append(files, path)
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(files)
	return files, nil
}

// RunSuite loads and runs every scenario file. A file that fails to load
// or execute counts as a failed scenario.
func RunSuite(files []string) SuiteResult {
	out := SuiteResult{Scenarios: make([]ScenarioResult, 0, len(files)), Total: len(files)}
	for _, path := range files {
		sr := ScenarioResult{Name: filepath.Base(path), Path: path}
		scenario, err := LoadScenario(path)
		if err != nil {
			sr.Errors = []string{err.Error()}
		} else {
			sr.Name = scenario.Name
			result, err := Run(scenario)
			switch {
			case err != nil:
				sr.Errors = []string{err.Error()}
			default:
				sr.Pass = result.Pass
				sr.Errors = result.Errors
				sr.Summary = result.Summary
			}
		}
		if sr.Pass {
			out.Passed++
		} else {
			out.Failed++
		}
		out.Scenarios = append(out.Scenarios, sr)
	}
	return out
}
