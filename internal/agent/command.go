package agent

import (
	"context"
	"fmt"
	"sort"

	"github.com/lucasnoah/storyfactory/internal/checks"
	"github.com/lucasnoah/storyfactory/internal/pipeline"
	"github.com/lucasnoah/storyfactory/internal/testresults"
)

// Kind selects the agent a phase is configured with. The first four are
// CommandAgent modes.
type Kind string

const (
	KindBuild       Kind = "build"
	KindTest        Kind = "test"
	KindIntegration Kind = "integration"
	KindBaseline    Kind = "baseline"
	KindPrompt      Kind = "prompt"
	KindPullRequest Kind = "pull_request"
)

// ParseKind validates a configured kind.
func ParseKind(s string) (Kind, error) {
	switch k := Kind(s); k {
	case KindBuild, KindTest, KindIntegration, KindBaseline, KindPrompt, KindPullRequest:
		return k, nil
	}
	return "", fmt.Errorf("unknown agent kind %q", s)
}

// CommandAgent runs a shell command in the story's workdir and turns its outcome
// into a Result. Test kinds parse the output with TestParser.
//
// Build and integration kinds run Prechecks and then Check as one gate that
// stops at the first failing command.
type CommandAgent struct {
	Kind       Kind
	Check      checks.CheckConfig
	Prechecks  []checks.CheckConfig
	TestParser testresults.Parser
	Runner     *checks.Runner
}

// commandOutput is stored as the phase result.
type commandOutput struct {
	Check       *checks.Result           `json:"check"`
	Gate        *checks.GateResult       `json:"gate,omitempty"`
	TestSummary *testresults.TestSummary `json:"test_summary,omitempty"`
}

func (a *CommandAgent) Run(ctx context.Context, req Request) (*Result, error) {
	if req.Workdir == "" {
		return nil, fmt.Errorf("%s agent: story %s has no workdir", a.Kind, req.Story.ID)
	}
	switch a.Kind {
	case KindTest, KindBaseline:
		cr, err := a.Runner.Run(ctx, req.Workdir, a.Check)
		if err != nil {
			return nil, fmt.Errorf("%s agent: %w", a.Kind, err)
		}
		if a.Kind == KindBaseline {
			return a.recordBaseline(cr)
		}
		return a.judgeTests(req, cr)
	case KindIntegration:
		return a.runGate(ctx, req, pipeline.ReasonIntegrationFailed)
	default:
		return a.runGate(ctx, req, pipeline.ReasonBuildFailed)
	}
}

func (a *CommandAgent) runGate(ctx context.Context, req Request, reason pipeline.RetryReason) (*Result, error) {
	all := make([]checks.CheckConfig, 0, len(a.Prechecks)+1)
	all = append(append(all, a.Prechecks...), a.Check)
	gate, results, err := a.Runner.RunGate(ctx, req.Workdir, checks.GateOpts{
		StoryID: req.Story.ID,
		Gate:    req.Phase.String(),
		Attempt: req.Attempt,
		Checks:  all,
	})
	if err != nil {
		return nil, fmt.Errorf("%s agent: %w", a.Kind, err)
	}
	// The last result is the first failing check, or Check itself.
	cr := results[len(results)-1]
	if len(a.Prechecks) == 0 {
		gate = nil
	}
	return a.judgeCommand(cr, gate, reason)
}

func (a *CommandAgent) judgeCommand(cr *checks.Result, gate *checks.GateResult, reason pipeline.RetryReason) (*Result, error) {
	out, err := marshalOutput(commandOutput{Check: cr, Gate: gate})
	if err != nil {
		return nil, err
	}
	res := &Result{Summary: cr.Summary, Output: out}
	if cr.Passed {
		return res, nil
	}

	f := &Failure{Reason: reason, Message: cr.Summary}
	if gate != nil {
		f.Message = cr.CheckName + ": " + cr.Summary
	}
	for _, d := range cr.Diagnostics {
		f.Errors = append(f.Errors, ErrorDetail{File: d.File, Location: d.Location(), Message: d.Message})
		f.Files = append(f.Files, d.File)
	}
	if len(f.Errors) == 0 && cr.Output != "" {
		f.Errors = append(f.Errors, ErrorDetail{Message: cr.Output})
	}
	f.Files = uniqueSorted(f.Files)
	res.Failure = f
	return res, nil
}

func (a *CommandAgent) parseTests(cr *checks.Result) ([]testresults.TestResult, error) {
	if a.TestParser == nil {
		return nil, fmt.Errorf("%s agent: no test parser configured", a.Kind)
	}
	return a.TestParser.Parse(cr.Stdout)
}

func (a *CommandAgent) judgeTests(req Request, cr *checks.Result) (*Result, error) {
	results, err := a.parseTests(cr)
	if err != nil {
		if cr.Passed {
			return nil, fmt.Errorf("%s agent: %w", a.Kind, err)
		}
		// Unparseable output from a failing command usually means the tests did not compile.
		return a.judgeCommand(cr, nil, pipeline.ReasonTestsFailed)
	}
	testresults.MarkNew(results, req.Baseline)
	summary := testresults.Summarize(results)

	out, err := marshalOutput(commandOutput{Check: cr, TestSummary: &summary})
	if err != nil {
		return nil, err
	}
	res := &Result{Summary: summary.String(), Output: out}
	if summary.Failed == 0 && cr.Passed {
		return res, nil
	}

	f := &Failure{Reason: pipeline.ReasonTestsFailed, Message: summary.String(), TestResults: results}
	if summary.Failed == 0 {
		f.Message = cr.Summary
	}
	for _, r := range results {
		if !r.Failed() {
			continue
		}
		f.Errors = append(f.Errors, ErrorDetail{
			Name:       r.Key(),
			File:       r.File,
			Location:   r.File,
			Message:    r.Error,
			StackTrace: r.StackTrace,
		})
		if r.File != "" {
			f.Files = append(f.Files, r.File)
		}
	}
	f.Files = uniqueSorted(f.Files)
	res.Failure = f
	return res, nil
}

// recordBaseline never fails the phase on test outcomes; it only captures which tests pass today.
func (a *CommandAgent) recordBaseline(cr *checks.Result) (*Result, error) {
	results, err := a.parseTests(cr)
	if err != nil {
		out, mErr := marshalOutput(commandOutput{Check: cr})
		if mErr != nil {
			return nil, mErr
		}
		return &Result{Summary: "no baseline: " + err.Error(), Output: out}, nil
	}
	summary := testresults.Summarize(results)
	out, err := marshalOutput(commandOutput{Check: cr, TestSummary: &summary})
	if err != nil {
		return nil, err
	}
	keys := testresults.PassingKeys(results)
	if keys == nil {
		keys = []string{}
	}
	return &Result{
		Summary:  fmt.Sprintf("baseline of %d passing tests", len(keys)),
		Output:   out,
		Baseline: keys,
	}, nil
}

func uniqueSorted(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	seen := make(map[string]bool, len(in))
	var out []string
	for _, s := range in {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	sort.Strings(out)
	return out
}
