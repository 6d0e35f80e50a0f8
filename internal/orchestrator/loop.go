package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/lucasnoah/storyfactory/internal/agent"
	"github.com/lucasnoah/storyfactory/internal/approval"
	"github.com/lucasnoah/storyfactory/internal/db"
	"github.com/lucasnoah/storyfactory/internal/pipeline"
	"github.com/lucasnoah/storyfactory/internal/retry"
	"github.com/lucasnoah/storyfactory/internal/tasks"
)

// Phase run outcomes recorded in phase_runs and metrics.
const (
	outcomeCompleted = "completed"
	outcomeFailed    = "failed"
	outcomeSkipped   = "skipped"
	outcomeError     = "error"
)

// next tells the loop what to do after a phase finished.
type next int

const (
	nextPhase next = iota
	nextStop
	nextFixes
)

// step is one phase execution prepared under the story lock.
type step struct {
	story   pipeline.Story
	phase   pipeline.Phase
	attempt int
	agent   agent.Agent
	req     agent.Request
	coding  []int
	fix     agent.FixRequest
}

// launch marks the story active and starts its loop. Callers hold the story lock.
func (o *Orchestrator) launch(id string) {
	o.setActive(id, true)
	o.wg.Add(1)
	go o.drive(id)
}

// drive runs phases until the pipeline completes, fails, or waits for a human.
// Agent and fix generator calls happen outside the story lock so commands stay
// responsive while they run.
func (o *Orchestrator) drive(id string) {
	defer o.wg.Done()

	for {
		st, err := o.begin(id)
		if err != nil {
			o.halt(id, err)
			return
		}
		if st == nil {
			return
		}

		res, d, runErr := o.runAgent(st)

		n, err := o.finish(st, res, runErr, d)
		if err != nil {
			o.halt(id, err)
			return
		}
		switch n {
		case nextStop:
			return
		case nextFixes:
			fixes, genErr := o.fixer.GenerateFixes(o.ctx, st.fix)
			resume, err := o.applyFixes(st, fixes, genErr)
			if err != nil {
				o.halt(id, err)
				return
			}
			if !resume {
				return
			}
		}
	}
}

// begin positions the run on the next phase to execute and prepares it.
// It returns nil when the loop has nothing to run and has deregistered.
func (o *Orchestrator) begin(id string) (*step, error) {
	unlock := o.lock(id)
	defer unlock()

	for {
		story, err := o.store.GetStory(id)
		if err != nil {
			return nil, err
		}
		run, err := o.store.GetRun(id)
		if err != nil {
			return nil, err
		}
		if run.Cancelled || o.ctx.Err() != nil {
			return nil, o.suspend(id)
		}

		phase := run.CurrentPhase
		if phase == pipeline.PhaseCompleted {
			return nil, o.complete(id)
		}
		ps := run.Phase(phase)
		if ps == nil {
			return nil, fmt.Errorf("run of %s has no entry for phase %s", id, phase)
		}

		switch ps.State {
		case pipeline.StateCompleted, pipeline.StateSkipped:
			if _, err := o.store.UpdateRun(id, func(r *pipeline.Run) error {
				r.CurrentPhase = phase.Next()
				return nil
			}); err != nil {
				return nil, err
			}
			continue
		case pipeline.StatePending:
			if reason := o.skipReason(phase); reason != "" {
				if err := o.skip(id, phase, ps.RetryAttempt, reason); err != nil {
					return nil, err
				}
				continue
			}
			if o.gate.Decide(phase, run.AutoApproveAll) == approval.WaitForApproval {
				return nil, o.hold(id, phase, ps.RetryAttempt)
			}
			if _, err := o.store.UpdateRun(id, func(r *pipeline.Run) error {
				p := r.Phase(phase)
				p.State = pipeline.StateRunning
				p.Message = ""
				p.StartedAt = o.timestamp()
				p.EndedAt = nil
				return nil
			}); err != nil {
				return nil, err
			}
		case pipeline.StateRunning:
			// Approved, or interrupted mid-phase and resumed: run it as is.
		default:
			return nil, o.suspend(id)
		}

		return o.prepare(story, run, phase, ps.RetryAttempt)
	}
}

func (o *Orchestrator) skipReason(phase pipeline.Phase) string {
	if phase == pipeline.PhaseAnalysis && !o.opts.AnalysisEnabled {
		return "analysis disabled"
	}
	if _, ok := o.agents.Get(phase); !ok {
		return "no agent registered"
	}
	return ""
}

func (o *Orchestrator) skip(id string, phase pipeline.Phase, attempt int, reason string) error {
	_, err := o.store.UpdateRun(id, func(r *pipeline.Run) error {
		p := r.Phase(phase)
		p.State = pipeline.StateSkipped
		p.Message = reason
		p.StartedAt = o.timestamp()
		p.EndedAt = p.StartedAt
		r.CurrentPhase = phase.Next()
		return nil
	})
	if err != nil {
		return err
	}
	o.log.Info("phase skipped", zap.String("story", id), zap.Stringer("phase", phase), zap.String("reason", reason))
	o.event(o.ctx, id, db.EventPhaseSkipped, phase, attempt, reason)
	o.phaseRun(o.ctx, id, phase, attempt, outcomeSkipped, 0, reason)
	return nil
}

func (o *Orchestrator) hold(id string, phase pipeline.Phase, attempt int) error {
	_, err := o.store.UpdateRun(id, func(r *pipeline.Run) error {
		approval.Hold(r.Phase(phase))
		r.Active = false
		return nil
	})
	o.setActive(id, false)
	if err != nil {
		return err
	}
	o.log.Info("waiting for approval", zap.String("story", id), zap.Stringer("phase", phase))
	o.event(o.ctx, id, db.EventApprovalRequested, phase, attempt, "")
	return nil
}

// suspend deregisters the loop without touching phase state.
func (o *Orchestrator) suspend(id string) error {
	_, err := o.store.UpdateRun(id, func(r *pipeline.Run) error {
		r.Active = false
		return nil
	})
	o.setActive(id, false)
	return err
}

func (o *Orchestrator) complete(id string) error {
	if _, err := o.store.UpdateRun(id, func(r *pipeline.Run) error {
		r.Active = false
		return nil
	}); err != nil {
		return err
	}
	o.setActive(id, false)
	if err := o.store.Transition(id, pipeline.StatusCompleted); err != nil {
		return err
	}
	o.log.Info("pipeline completed", zap.String("story", id))
	o.event(o.ctx, id, db.EventCompleted, pipeline.PhaseNone, 0, "")
	return nil
}

// prepare gathers the agent's inputs. Coding gets the tasks that still need work
// and marks them in progress.
func (o *Orchestrator) prepare(story *pipeline.Story, run *pipeline.Run, phase pipeline.Phase, attempt int) (*step, error) {
	a, _ := o.agents.Get(phase)
	st := &step{
		story:   *story,
		phase:   phase,
		attempt: attempt,
		agent:   a,
		req: agent.Request{
			Story:   *story,
			Phase:   phase,
			Attempt: attempt,
			Workdir: o.workdir(story, run.Workspace),
		},
	}
	for _, ps := range run.Phases {
		if ps.Phase < phase && ps.State == pipeline.StateCompleted {
			ps.Result = nil
			st.req.Prior = append(st.req.Prior, ps)
		}
	}

	all, err := o.store.GetTasks(story.ID)
	if err != nil {
		return nil, err
	}
	if phase == pipeline.PhaseCoding {
		st.req.Tasks = tasks.Pending(all)
		st.coding = tasks.Indices(st.req.Tasks)
		if len(st.coding) > 0 {
			if err := o.store.SetTaskStatus(story.ID, pipeline.TaskInProgress, st.coding...); err != nil {
				return nil, err
			}
		}
	} else {
		st.req.Tasks = all
	}
	if st.req.Baseline, st.req.HasBaseline, err = o.store.GetBaseline(story.ID); err != nil {
		return nil, err
	}

	o.log.Info("phase started",
		zap.String("story", story.ID),
		zap.Stringer("phase", phase),
		zap.Int("attempt", attempt),
		zap.Int("tasks", len(st.req.Tasks)),
	)
	o.event(o.ctx, story.ID, db.EventPhaseStarted, phase, attempt, "")
	return st, nil
}

func (o *Orchestrator) runAgent(st *step) (*agent.Result, time.Duration, error) {
	ctx := o.ctx
	if o.opts.AgentTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.opts.AgentTimeout)
		defer cancel()
	}
	start := time.Now()
	res, err := st.agent.Run(ctx, st.req)
	d := time.Since(start)
	if err == nil && res == nil {
		err = errors.New("agent returned no result")
	}
	if err != nil && ctx.Err() == context.DeadlineExceeded {
		err = fmt.Errorf("agent timed out after %s: %w", o.opts.AgentTimeout, err)
	}
	return res, d, err
}

// finish records the outcome of a phase and decides how the loop continues.
func (o *Orchestrator) finish(st *step, res *agent.Result, runErr error, d time.Duration) (next, error) {
	id := st.story.ID
	unlock := o.lock(id)
	defer unlock()

	var out json.RawMessage
	if res != nil {
		out = res.Output
		if data, err := json.Marshal(res); err == nil {
			if err := o.store.SavePhaseResult(id, st.phase, st.attempt, data); err != nil {
				o.log.Warn("save phase result", zap.String("story", id), zap.Error(err))
			}
		}
	}

	run, err := o.store.GetRun(id)
	if err != nil {
		return nextStop, err
	}
	if run.Cancelled {
		return nextStop, o.finishCancelled(st, res, runErr, out)
	}
	if runErr != nil && o.ctx.Err() != nil {
		// Shutdown interrupted the agent. The phase stays Running so
		// ResumePipeline runs it again.
		o.log.Info("phase interrupted by shutdown", zap.String("story", id), zap.Stringer("phase", st.phase))
		return nextStop, o.suspend(id)
	}

	switch {
	case runErr != nil:
		o.log.Error("agent error", zap.String("story", id), zap.Stringer("phase", st.phase), zap.Error(runErr))
		o.phaseRun(o.ctx, id, st.phase, st.attempt, outcomeError, d, runErr.Error())
		return nextStop, o.failPhase(st, runErr.Error(), out)
	case res.Failure != nil && !st.phase.IsBuildTest():
		o.phaseRun(o.ctx, id, st.phase, st.attempt, outcomeFailed, d, res.Failure.Message)
		return nextStop, o.failPhase(st, res.Failure.Message, out)
	case res.Failure != nil:
		return o.onBuildTestFailure(st, res, out, d)
	}
	return o.succeed(st, res, out, d)
}

// finishCancelled records what an in-flight phase did after the run was cancelled.
// Nothing advances and no retry starts.
func (o *Orchestrator) finishCancelled(st *step, res *agent.Result, runErr error, out json.RawMessage) error {
	state, msg := pipeline.StateCompleted, "finished after cancellation"
	switch {
	case runErr != nil:
		state, msg = pipeline.StateFailed, runErr.Error()
	case res.Failure != nil:
		state, msg = pipeline.StateFailed, res.Failure.Message
	}
	_, err := o.store.UpdateRun(st.story.ID, func(r *pipeline.Run) error {
		p := r.Phase(st.phase)
		p.State = state
		p.Message = msg
		p.EndedAt = o.timestamp()
		p.Result = out
		r.Active = false
		return nil
	})
	o.setActive(st.story.ID, false)
	if len(st.coding) > 0 {
		status := pipeline.TaskCompleted
		if state == pipeline.StateFailed {
			status = pipeline.TaskFailed
		}
		if err := o.store.SetTaskStatus(st.story.ID, status, st.coding...); err != nil {
			o.log.Warn("update task status", zap.String("story", st.story.ID), zap.Error(err))
		}
	}
	o.log.Info("phase finished after cancellation", zap.String("story", st.story.ID), zap.Stringer("phase", st.phase))
	return err
}

// failPhase fails the phase and the story, and stops the loop.
func (o *Orchestrator) failPhase(st *step, msg string, out json.RawMessage) error {
	id := st.story.ID
	_, err := o.store.UpdateRun(id, func(r *pipeline.Run) error {
		p := r.Phase(st.phase)
		p.State = pipeline.StateFailed
		p.Message = msg
		p.EndedAt = o.timestamp()
		if out != nil {
			p.Result = out
		}
		r.Active = false
		return nil
	})
	o.setActive(id, false)
	if err != nil {
		return err
	}
	if len(st.coding) > 0 {
		if err := o.store.SetTaskStatus(id, pipeline.TaskFailed, st.coding...); err != nil {
			return err
		}
	}
	if err := o.store.Transition(id, pipeline.StatusFailed); err != nil {
		return err
	}
	o.log.Warn("phase failed", zap.String("story", id), zap.Stringer("phase", st.phase), zap.String("message", msg))
	o.event(o.ctx, id, db.EventPhaseFailed, st.phase, st.attempt, msg)
	return nil
}

func (o *Orchestrator) succeed(st *step, res *agent.Result, out json.RawMessage, d time.Duration) (next, error) {
	id := st.story.ID

	switch st.phase {
	case pipeline.PhasePlanning:
		assigned, err := o.indexer.AssignInitial(id, res.Tasks)
		if err != nil {
			return nextStop, o.failPhase(st, fmt.Sprintf("assign tasks: %v", err), out)
		}
		o.log.Info("tasks planned", zap.String("story", id), zap.Int("count", len(assigned)))
	case pipeline.PhaseAnalysis:
		if res.Baseline != nil {
			if err := o.store.SaveBaseline(id, res.Baseline); err != nil {
				return nextStop, err
			}
		}
	case pipeline.PhaseCoding:
		if len(st.coding) > 0 {
			if err := o.store.SetTaskStatus(id, pipeline.TaskCompleted, st.coding...); err != nil {
				return nextStop, err
			}
		}
	}

	var retried bool
	_, err := o.store.UpdateRun(id, func(r *pipeline.Run) error {
		p := r.Phase(st.phase)
		p.State = pipeline.StateCompleted
		p.Message = res.Summary
		p.EndedAt = o.timestamp()
		p.Result = out
		if retry.New(&r.Retry).OnSuccess(st.phase) {
			retried = true
			r.RetryTargetPhase = pipeline.PhaseNone
		}
		r.CurrentPhase = st.phase.Next()
		return nil
	})
	if err != nil {
		return nextStop, err
	}

	if retried {
		if err := o.store.UpdateMarkers(id, func(m pipeline.Markers) pipeline.Markers {
			m.Failed = false
			m.InProgress = true
			return m
		}); err != nil {
			return nextStop, err
		}
		o.log.Info("retry succeeded", zap.String("story", id), zap.Stringer("phase", st.phase), zap.Int("attempt", st.attempt))
		o.event(o.ctx, id, db.EventRetryResolved, st.phase, st.attempt, "passed on retry")
	}

	o.log.Info("phase completed",
		zap.String("story", id),
		zap.Stringer("phase", st.phase),
		zap.Duration("duration", d),
	)
	o.event(o.ctx, id, db.EventPhaseCompleted, st.phase, st.attempt, res.Summary)
	o.phaseRun(o.ctx, id, st.phase, st.attempt, outcomeCompleted, d, res.Summary)
	return nextPhase, nil
}

// onBuildTestFailure hands a business failure to the retry coordinator. The
// phase stays Running while fixes are generated, or waits for a decision once
// the budget is spent.
func (o *Orchestrator) onBuildTestFailure(st *step, res *agent.Result, out json.RawMessage, d time.Duration) (next, error) {
	id := st.story.ID
	f := res.Failure
	workdir := st.req.Workdir
	failure := retry.Failure{
		Phase:   st.phase,
		Reason:  f.Reason,
		Message: f.Message,
		Files:   f.Files,
		Summary: f.Summary(),
	}

	run, err := o.store.UpdateRun(id, func(r *pipeline.Run) error {
		c := retry.New(&r.Retry)
		if err := c.OnFailure(o.ctx, failure, o.opts.Snapshotter(workdir)); err != nil {
			return err
		}
		p := r.Phase(st.phase)
		p.EndedAt = o.timestamp()
		p.Result = out
		if c.Stage() == pipeline.RetryExhausted {
			p.State = pipeline.StateWaitingRetryApproval
			p.Message = fmt.Sprintf("retry budget exhausted after %d attempts: %s", r.Retry.Attempt, f.Message)
			r.Active = false
		} else {
			p.Message = "generating fix tasks: " + f.Message
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, retry.ErrInvalidTransition) {
			o.phaseRun(o.ctx, id, st.phase, st.attempt, outcomeFailed, d, f.Message)
			return nextStop, o.failPhase(st, fmt.Sprintf("%s: %v", f.Message, err), out)
		}
		return nextStop, err
	}

	if o.opts.Rollbacker != nil && len(f.Files) > 0 {
		if err := o.opts.Rollbacker.Rollback(o.ctx, workdir, f.Files); err != nil {
			o.log.Warn("rollback failed", zap.String("story", id), zap.Strings("files", f.Files), zap.Error(err))
		}
	}
	if err := o.store.UpdateMarkers(id, func(m pipeline.Markers) pipeline.Markers {
		m.Failed = true
		return m
	}); err != nil {
		return nextStop, err
	}

	if o.metrics != nil {
		o.metrics.RetriesTotal.WithLabelValues(string(f.Reason)).Inc()
		if failure.Summary != nil && failure.Summary.IsBreakingChange {
			o.metrics.BreakingChanges.Inc()
		}
	}
	o.phaseRun(o.ctx, id, st.phase, st.attempt, outcomeFailed, d, f.Message)

	attempt := run.Retry.Attempt
	fields := []zap.Field{
		zap.String("story", id),
		zap.Stringer("phase", st.phase),
		zap.String("reason", string(f.Reason)),
		zap.Int("attempt", attempt),
		zap.Int("max_attempts", run.Retry.MaxAttempts),
	}
	if failure.Summary != nil {
		fields = append(fields, zap.Bool("breaking_change", failure.Summary.IsBreakingChange))
	}

	if run.Retry.Stage == pipeline.RetryExhausted {
		o.setActive(id, false)
		if o.metrics != nil {
			o.metrics.RetriesExhausted.Inc()
		}
		o.log.Warn("retry budget exhausted", fields...)
		o.event(o.ctx, id, db.EventRetryExhausted, st.phase, attempt, f.Message)
		return nextStop, nil
	}

	o.log.Warn("build/test phase failed", fields...)
	st.fix = agent.FixRequest{
		Story:     st.story,
		Phase:     st.phase,
		Attempt:   attempt,
		Failure:   f,
		Snapshots: run.Retry.Snapshots,
	}
	return nextFixes, nil
}

// applyFixes stores generated fix tasks and either waits for a retry decision
// or, when retries are auto-approved, applies AutoFix and keeps going.
func (o *Orchestrator) applyFixes(st *step, fixes []pipeline.FixTask, genErr error) (bool, error) {
	id := st.story.ID
	unlock := o.lock(id)
	defer unlock()

	if genErr != nil {
		msg := fmt.Sprintf("fix generation failed: %v", genErr)
		_, err := o.store.UpdateRun(id, func(r *pipeline.Run) error {
			retry.New(&r.Retry).Clear()
			p := r.Phase(st.phase)
			p.State = pipeline.StateFailed
			p.Message = msg
			r.Active = false
			return nil
		})
		o.setActive(id, false)
		if err != nil {
			return false, err
		}
		if err := o.store.Transition(id, pipeline.StatusFailed); err != nil {
			return false, err
		}
		o.log.Error("fix generation failed", zap.String("story", id), zap.Stringer("phase", st.phase), zap.Error(genErr))
		o.event(o.ctx, id, db.EventPhaseFailed, st.phase, st.attempt, msg)
		return false, nil
	}

	var cancelled bool
	run, err := o.store.UpdateRun(id, func(r *pipeline.Run) error {
		p := r.Phase(st.phase)
		if r.Cancelled {
			cancelled = true
			p.State = pipeline.StateFailed
			p.Message = "cancelled"
			r.Active = false
			return nil
		}
		if err := retry.New(&r.Retry).OnFixTasks(fixes); err != nil {
			return err
		}
		p.State = pipeline.StateWaitingRetryApproval
		p.Message = fmt.Sprintf("%d fix tasks waiting for retry approval", len(fixes))
		r.Active = r.AutoApproveAll || o.opts.AutoApproveRetries
		return nil
	})
	if err != nil {
		o.setActive(id, false)
		return false, err
	}
	if cancelled {
		o.setActive(id, false)
		return false, nil
	}

	o.log.Info("fix tasks generated",
		zap.String("story", id),
		zap.Stringer("phase", st.phase),
		zap.Int("attempt", run.Retry.Attempt),
		zap.Int("fix_tasks", len(fixes)),
	)
	o.event(o.ctx, id, db.EventRetryRequested, st.phase, run.Retry.Attempt, fmt.Sprintf("%d fix tasks", len(fixes)))

	if !run.Active {
		o.setActive(id, false)
		return false, nil
	}
	resume, err := o.applyRetry(o.ctx, id, pipeline.ActionAutoFix, "auto-approved")
	if err != nil || !resume {
		o.setActive(id, false)
		return false, err
	}
	return true, nil
}

// halt stops a loop that hit a storage error. The run is left where it was so
// ResumePipeline can pick it up.
func (o *Orchestrator) halt(id string, err error) {
	unlock := o.lock(id)
	defer unlock()

	o.log.Error("pipeline loop stopped", zap.String("story", id), zap.Error(err))
	if _, uerr := o.store.UpdateRun(id, func(r *pipeline.Run) error {
		r.Active = false
		return nil
	}); uerr != nil {
		o.log.Warn("deactivate run", zap.String("story", id), zap.Error(uerr))
	}
	o.setActive(id, false)
}
