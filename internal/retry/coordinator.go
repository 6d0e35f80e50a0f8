// Package retry turns failed build/test phases into bounded rounds of fix tasks.
//
// The coordinator is an explicit state machine over pipeline.RetryState:
//
//	Idle ──failure──▶ AwaitingFixGeneration ──fixes──▶ AwaitingRetryApproval
//	AwaitingRetryApproval ──AutoFix──▶ Retrying ──phase passes──▶ Idle
//	AwaitingRetryApproval ──ManualFix/SkipTests/Abort──▶ Idle
//	Idle/Retrying ──failure with budget spent──▶ Exhausted ──ManualFix/Abort──▶ Idle
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/lucasnoah/storyfactory/internal/pipeline"
	"github.com/lucasnoah/storyfactory/internal/testresults"
)

var (
	// ErrActionNotAllowed is returned when a retry action is not legal in the current state.
	ErrActionNotAllowed = errors.New("retry action not allowed")
	// ErrInvalidTransition is returned when an event arrives in a state that cannot accept it.
	ErrInvalidTransition = errors.New("invalid retry transition")
)

// DefaultMaxAttempts bounds retries when none is configured.
const DefaultMaxAttempts = 3

// Failure describes a business failure reported by a build/test phase.
type Failure struct {
	Phase   pipeline.Phase
	Reason  pipeline.RetryReason
	Message string
	Files   []string
	Summary *testresults.TestSummary
}

// Snapshotter captures the current content of files before anything rolls them back.
type Snapshotter interface {
	Snapshot(ctx context.Context, files []string) (map[string]string, error)
}

// Resolution is what the pipeline must do after a retry action is accepted.
type Resolution struct {
	Action   pipeline.RetryAction
	Attempt  int
	Phase    pipeline.Phase
	FixTasks []pipeline.FixTask
}

// Coordinator drives one story's RetryState. It mutates the state in place;
// callers persist it.
type Coordinator struct {
	state *pipeline.RetryState
	now   func() time.Time
}

// New wraps state. A zero state is treated as Idle with DefaultMaxAttempts.
func New(state *pipeline.RetryState) *Coordinator {
	if state.Stage == "" {
		state.Stage = pipeline.RetryIdle
	}
	if state.MaxAttempts <= 0 {
		state.MaxAttempts = DefaultMaxAttempts
	}
	return &Coordinator{state: state, now: time.Now}
}

// Stage returns the current state.
func (c *Coordinator) Stage() pipeline.RetryStage {
	return c.state.Stage
}

// Attempt returns the attempt counter.
func (c *Coordinator) Attempt() int {
	return c.state.Attempt
}

// OnFailure records a build/test failure. The failing files are snapshotted
// before returning so callers may roll them back afterwards. When the attempt
// budget is spent the coordinator moves to Exhausted instead of asking for fixes.
func (c *Coordinator) OnFailure(ctx context.Context, f Failure, snap Snapshotter) error {
	s := c.state
	if s.Stage != pipeline.RetryIdle && s.Stage != pipeline.RetryRetrying {
		return fmt.Errorf("%w: failure while %s", ErrInvalidTransition, s.Stage)
	}

	snapshots := map[string]string{}
	if snap != nil && len(f.Files) > 0 {
		got, err := snap.Snapshot(ctx, f.Files)
		if err != nil {
			return fmt.Errorf("snapshot failing files: %w", err)
		}
		snapshots = got
	}

	now := c.now().UTC()
	s.FailedPhase = f.Phase
	s.Reason = f.Reason
	s.LastError = f.Message
	s.TestSummary = f.Summary
	s.Snapshots = snapshots
	s.LastAttemptAt = &now
	s.FixTasks = nil
	s.Resolution = ""

	if s.Attempt >= s.MaxAttempts {
		s.Stage = pipeline.RetryExhausted
		return nil
	}
	s.Attempt++
	s.Stage = pipeline.RetryAwaitingFixGeneration
	return nil
}

// OnFixTasks stores the fixes produced for the pending failure and waits for a decision.
func (c *Coordinator) OnFixTasks(fixes []pipeline.FixTask) error {
	if c.state.Stage != pipeline.RetryAwaitingFixGeneration {
		return fmt.Errorf("%w: fix tasks while %s", ErrInvalidTransition, c.state.Stage)
	}
	c.state.FixTasks = fixes
	c.state.Stage = pipeline.RetryAwaitingApproval
	return nil
}

// AllowedActions lists the actions Resolve will accept right now.
func (c *Coordinator) AllowedActions() []pipeline.RetryAction {
	switch c.state.Stage {
	case pipeline.RetryAwaitingApproval:
		return []pipeline.RetryAction{pipeline.ActionAutoFix, pipeline.ActionManualFix, pipeline.ActionSkipTests, pipeline.ActionAbort}
	case pipeline.RetryExhausted:
		return []pipeline.RetryAction{pipeline.ActionManualFix, pipeline.ActionAbort}
	}
	return nil
}

// Allowed reports whether action is currently legal.
func (c *Coordinator) Allowed(action pipeline.RetryAction) bool {
	for _, a := range c.AllowedActions() {
		if a == action {
			return true
		}
	}
	return false
}

// Resolve applies a retry decision.
func (c *Coordinator) Resolve(action pipeline.RetryAction) (*Resolution, error) {
	s := c.state
	if !c.Allowed(action) {
		return nil, fmt.Errorf("%w: %s while %s", ErrActionNotAllowed, action, s.Stage)
	}

	res := &Resolution{
		Action:   action,
		Attempt:  s.Attempt,
		Phase:    s.FailedPhase,
		FixTasks: s.FixTasks,
	}
	s.Resolution = action

	switch action {
	case pipeline.ActionAutoFix:
		s.Stage = pipeline.RetryRetrying
	case pipeline.ActionManualFix:
		// Fix tasks and failure details stay visible until the pipeline resumes.
		s.Stage = pipeline.RetryIdle
	case pipeline.ActionSkipTests, pipeline.ActionAbort:
		c.clear()
	}
	return res, nil
}

// OnSuccess reports a phase that completed. A retry ends when the phase that
// failed passes again; it returns true in that case.
func (c *Coordinator) OnSuccess(phase pipeline.Phase) bool {
	if c.state.Stage != pipeline.RetryRetrying || phase != c.state.FailedPhase {
		return false
	}
	c.clear()
	return true
}

// Clear drops any pending retry information and returns to Idle. The attempt
// counter is kept so the budget spans the whole run.
func (c *Coordinator) Clear() {
	c.clear()
}

func (c *Coordinator) clear() {
	s := c.state
	s.Stage = pipeline.RetryIdle
	s.FailedPhase = pipeline.PhaseNone
	s.Reason = ""
	s.LastError = ""
	s.FixTasks = nil
	s.TestSummary = nil
	s.Snapshots = nil
	s.Resolution = ""
}

// Info returns the retry view for status consumers, or nil when no decision is pending.
func (c *Coordinator) Info() *pipeline.RetryInfo {
	s := c.state
	pending := s.Stage == pipeline.RetryAwaitingFixGeneration ||
		s.Stage == pipeline.RetryAwaitingApproval ||
		s.Stage == pipeline.RetryExhausted ||
		(s.Stage == pipeline.RetryIdle && s.Resolution == pipeline.ActionManualFix)
	if !pending {
		return nil
	}
	return &pipeline.RetryInfo{
		CurrentAttempt: s.Attempt,
		MaxAttempts:    s.MaxAttempts,
		Reason:         s.Reason,
		FailedPhase:    s.FailedPhase,
		FixTasks:       s.FixTasks,
		LastError:      s.LastError,
		TestSummary:    s.TestSummary,
		LastAttemptAt:  s.LastAttemptAt,
		Exhausted:      s.Stage == pipeline.RetryExhausted,
		AllowedActions: c.AllowedActions(),
	}
}
