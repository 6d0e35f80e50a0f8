// Package agent defines the contract between the pipeline and the workers that
// execute phases, plus built-in command-driven agents.
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/lucasnoah/storyfactory/internal/pipeline"
	"github.com/lucasnoah/storyfactory/internal/testresults"
)

// Request is everything an agent gets to work on one phase.
type Request struct {
	Story    pipeline.Story
	Phase    pipeline.Phase
	Tasks    []pipeline.Task
	Attempt  int
	Baseline []string
	// HasBaseline is false when no baseline was recorded; every test then counts as new.
	HasBaseline bool
	Workdir     string
	// Prior holds the phases completed before this one, in pipeline order.
	Prior []pipeline.PhaseStatus
}

// ErrorDetail is one located problem inside a failure.
type ErrorDetail struct {
	Name       string `json:"name,omitempty"`
	File       string `json:"file,omitempty"`
	Location   string `json:"location,omitempty"`
	Message    string `json:"message"`
	StackTrace string `json:"stack_trace,omitempty"`
}

// Failure is a business failure: the agent ran fine but the code did not build,
// tests failed, or integration broke.
type Failure struct {
	Reason      pipeline.RetryReason     `json:"reason"`
	Message     string                   `json:"message"`
	Errors      []ErrorDetail            `json:"errors,omitempty"`
	TestResults []testresults.TestResult `json:"test_results,omitempty"`
	Files       []string                 `json:"files,omitempty"`
}

// Summary reduces the failure's test results, or returns nil when there are none.
func (f *Failure) Summary() *testresults.TestSummary {
	if len(f.TestResults) == 0 {
		return nil
	}
	s := testresults.Summarize(f.TestResults)
	return &s
}

// Result is what an agent returns when it did not hit an infrastructure error.
type Result struct {
	Summary  string              `json:"summary,omitempty"`
	Output   json.RawMessage     `json:"output,omitempty"`
	Tasks    []pipeline.TaskSpec `json:"tasks,omitempty"`
	Baseline []string            `json:"baseline,omitempty"`
	Failure  *Failure            `json:"failure,omitempty"`
}

// Agent executes a single phase. A returned error means the agent itself broke;
// a Result with Failure set means the work it checked is broken.
type Agent interface {
	Run(ctx context.Context, req Request) (*Result, error)
}

// Func adapts a plain function to Agent.
type Func func(ctx context.Context, req Request) (*Result, error)

func (f Func) Run(ctx context.Context, req Request) (*Result, error) {
	return f(ctx, req)
}

// Registry maps phases to the agents that run them.
type Registry struct {
	agents map[pipeline.Phase]Agent
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{agents: make(map[pipeline.Phase]Agent)}
}

// Register binds a to phase, replacing any previous agent.
func (r *Registry) Register(phase pipeline.Phase, a Agent) {
	r.agents[phase] = a
}

// Get returns the agent for phase.
func (r *Registry) Get(phase pipeline.Phase) (Agent, bool) {
	a, ok := r.agents[phase]
	return a, ok
}

// Phases lists the phases that have an agent, in pipeline order.
func (r *Registry) Phases() []pipeline.Phase {
	var out []pipeline.Phase
	for p := range r.agents {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// marshalOutput encodes v for Result.Output.
func marshalOutput(v any) (json.RawMessage, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode agent output: %w", err)
	}
	return data, nil
}
