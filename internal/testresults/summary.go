// Package testresults reduces raw test outcomes into pass/fail/breaking-change summaries.
package testresults

import (
	"fmt"
	"time"
)

// TestResult is the outcome of a single test.
type TestResult struct {
	Name       string        `json:"name"`
	Suite      string        `json:"suite,omitempty"`
	File       string        `json:"file,omitempty"`
	Passed     bool          `json:"passed"`
	Skipped    bool          `json:"skipped,omitempty"`
	IsNewTest  bool          `json:"is_new_test"`
	Duration   time.Duration `json:"duration"`
	Error      string        `json:"error,omitempty"`
	StackTrace string        `json:"stack_trace,omitempty"`
}

// Failed reports whether the test ran and did not pass.
func (r TestResult) Failed() bool {
	return !r.Passed && !r.Skipped
}

// TestSummary is the reduction of one test run.
type TestSummary struct {
	Total   int `json:"total"`
	Passed  int `json:"passed"`
	Failed  int `json:"failed"`
	Skipped int `json:"skipped"`

	NewTestsTotal        int `json:"new_tests_total"`
	NewTestsPassed       int `json:"new_tests_passed"`
	NewTestsFailed       int `json:"new_tests_failed"`
	NewTestsSkipped      int `json:"new_tests_skipped"`
	ExistingTestsTotal   int `json:"existing_tests_total"`
	ExistingTestsPassed  int `json:"existing_tests_passed"`
	ExistingTestsFailed  int `json:"existing_tests_failed"`
	ExistingTestsSkipped int `json:"existing_tests_skipped"`

	Duration         time.Duration `json:"duration"`
	IsBreakingChange bool          `json:"is_breaking_change"`
}

// Summarize partitions results into new and existing tests and counts each outcome.
// A failing existing test makes the run a breaking change.
func Summarize(results []TestResult) TestSummary {
	var s TestSummary
	for _, r := range results {
		s.Total++
		s.Duration += r.Duration

		switch {
		case r.Skipped:
			s.Skipped++
			if r.IsNewTest {
				s.NewTestsSkipped++
			} else {
				s.ExistingTestsSkipped++
			}
		case r.Passed:
			s.Passed++
			if r.IsNewTest {
				s.NewTestsPassed++
			} else {
				s.ExistingTestsPassed++
			}
		default:
			s.Failed++
			if r.IsNewTest {
				s.NewTestsFailed++
			} else {
				s.ExistingTestsFailed++
			}
		}

		if r.IsNewTest {
			s.NewTestsTotal++
		} else {
			s.ExistingTestsTotal++
		}
	}
	s.IsBreakingChange = s.ExistingTestsFailed > 0
	return s
}

// String renders a one-line summary.
func (s TestSummary) String() string {
	out := fmt.Sprintf("%d passed, %d failed, %d skipped out of %d", s.Passed, s.Failed, s.Skipped, s.Total)
	if s.IsBreakingChange {
		out += fmt.Sprintf(" (breaking: %d existing tests failed)", s.ExistingTestsFailed)
	}
	return out
}

// MarkNew flags every result whose name is not in baseline as a new test.
// Only a test that passed before the change is existing, so without a
// baseline every test is new and no failure counts as breaking.
func MarkNew(results []TestResult, baseline []string) {
	known := make(map[string]bool, len(baseline))
	for _, name := range baseline {
		known[name] = true
	}
	for i := range results {
		results[i].IsNewTest = !known[results[i].Key()]
	}
}

// Key identifies a test across runs.
func (r TestResult) Key() string {
	if r.Suite == "" {
		return r.Name
	}
	return r.Suite + "/" + r.Name
}

// PassingKeys returns the keys of all passing tests.
func PassingKeys(results []TestResult) []string {
	var keys []string
	for _, r := range results {
		if r.Passed {
			keys = append(keys, r.Key())
		}
	}
	return keys
}
