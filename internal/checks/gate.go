package checks

import (
	"context"
	"encoding/json"
	"fmt"
)

// GateCheckResult holds the result of a single check within a gate run.
type GateCheckResult struct {
	Check     string `json:"check"`
	Passed    bool   `json:"passed"`
	AutoFixed bool   `json:"auto_fixed,omitempty"`
	Runs      int    `json:"runs"`
	Summary   string `json:"summary,omitempty"`
}

// GateFailure describes a remaining failure after a gate run.
type GateFailure struct {
	Count   int    `json:"count,omitempty"`
	Summary string `json:"summary"`
}

// GateResult is the structured output of a full gate run.
type GateResult struct {
	Gate              string                 `json:"gate"`
	StoryID           string                 `json:"story_id"`
	Attempt           int                    `json:"attempt"`
	Passed            bool                   `json:"passed"`
	Checks            []GateCheckResult      `json:"checks"`
	RemainingFailures map[string]GateFailure `json:"remaining_failures,omitempty"`
}

// JSON returns the gate result as indented JSON.
func (g *GateResult) JSON() (string, error) {
	data, err := json.MarshalIndent(g, "", "  ")
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// GateOpts configures a gate run.
type GateOpts struct {
	StoryID  string
	Gate     string
	Attempt  int
	Checks   []CheckConfig
	Continue bool // run all checks even if some fail
}

// RunGate executes the checks in order and returns a structured result.
// Each check result is also returned individually for callers that need raw output.
func (r *Runner) RunGate(ctx context.Context, dir string, opts GateOpts) (*GateResult, []*Result, error) {
	gate := &GateResult{
		Gate:              opts.Gate,
		StoryID:           opts.StoryID,
		Attempt:           opts.Attempt,
		Passed:            true,
		RemainingFailures: make(map[string]GateFailure),
	}

	var allResults []*Result

	for _, chk := range opts.Checks {
		result, err := r.Run(ctx, dir, chk)
		if err != nil {
			return nil, allResults, fmt.Errorf("run check %q: %w", chk.Name, err)
		}
		allResults = append(allResults, result)

		runs := 1
		if result.AutoFixed {
			runs = 2
		}

		gate.Checks = append(gate.Checks, GateCheckResult{
			Check:     chk.Name,
			Passed:    result.Passed,
			AutoFixed: result.AutoFixed,
			Runs:      runs,
			Summary:   result.Summary,
		})

		if !result.Passed {
			gate.Passed = false
			gate.RemainingFailures[chk.Name] = GateFailure{
				Count:   len(result.Diagnostics),
				Summary: result.Summary,
			}

			if !opts.Continue {
				break
			}
		}
	}

	return gate, allResults, nil
}
