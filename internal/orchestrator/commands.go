package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/lucasnoah/storyfactory/internal/approval"
	"github.com/lucasnoah/storyfactory/internal/db"
	"github.com/lucasnoah/storyfactory/internal/pipeline"
	"github.com/lucasnoah/storyfactory/internal/retry"
	"github.com/lucasnoah/storyfactory/internal/tasks"
)

// StartPipeline creates a fresh run for the story and starts its control loop.
// A previous run may only be replaced once it has finished.
func (o *Orchestrator) StartPipeline(ctx context.Context, id string, autoApproveAll bool) (*Snapshot, error) {
	unlock := o.lock(id)
	defer unlock()

	story, err := o.store.GetStory(id)
	if err != nil {
		return nil, err
	}
	if o.isActive(id) {
		return nil, fmt.Errorf("start %s: %w", id, ErrAlreadyRunning)
	}
	prev, err := o.store.GetRun(id)
	switch {
	case err == nil && !prev.Finished():
		return nil, fmt.Errorf("start %s: %w", id, ErrAlreadyRunning)
	case err != nil && !errors.Is(err, pipeline.ErrNotFound):
		return nil, fmt.Errorf("read run: %w", err)
	}

	run := pipeline.NewRun(id, pipeline.PhaseAnalysis, autoApproveAll, o.opts.MaxAttempts)
	run.Active = true
	if o.opts.Workspaces != nil {
		if run.Workspace, err = o.opts.Workspaces.Ensure(ctx, *story); err != nil {
			return nil, fmt.Errorf("prepare workspace: %w", err)
		}
	}
	if err := o.store.CreateRun(run); err != nil {
		return nil, fmt.Errorf("create run: %w", err)
	}
	if err := o.store.Transition(id, pipeline.StatusInProgress); err != nil {
		return nil, fmt.Errorf("mark in progress: %w", err)
	}

	o.log.Info("pipeline started", zap.String("story", id), zap.Bool("auto_approve_all", autoApproveAll))
	o.event(ctx, id, db.EventStarted, pipeline.PhaseNone, 0, "")
	o.launch(id)
	return o.Status(id)
}

// ApprovePhase resolves a phase waiting for approval. Approving resumes the
// loop at that phase; rejecting fails the phase and the story.
func (o *Orchestrator) ApprovePhase(ctx context.Context, id string, phase pipeline.Phase, approved bool, comment string) (*Snapshot, error) {
	unlock := o.lock(id)
	defer unlock()

	run, err := o.store.GetRun(id)
	if err != nil {
		return nil, err
	}
	if run.Finished() {
		return nil, fmt.Errorf("approve %s: %w", phase, ErrPipelineFinished)
	}
	ps := run.Phase(phase)
	if o.isActive(id) || ps == nil || phase != run.CurrentPhase || ps.State != pipeline.StateWaitingApproval {
		return nil, fmt.Errorf("approve %s: %w", phase, ErrNotWaitingApproval)
	}

	_, err = o.store.UpdateRun(id, func(r *pipeline.Run) error {
		if err := approval.Resolve(r.Phase(phase), approved, comment, o.now()); err != nil {
			return err
		}
		r.Active = approved
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("resolve approval: %w", err)
	}

	decision := "rejected"
	if approved {
		decision = "approved"
	}
	if o.metrics != nil {
		o.metrics.Approvals.WithLabelValues(phase.String(), decision).Inc()
	}
	o.log.Info("phase "+decision, zap.String("story", id), zap.Stringer("phase", phase), zap.String("comment", comment))

	if approved {
		if err := o.store.UpdateMarkers(id, func(m pipeline.Markers) pipeline.Markers {
			m.Approved = true
			return m
		}); err != nil {
			return nil, fmt.Errorf("mark approved: %w", err)
		}
		o.event(ctx, id, db.EventApproved, phase, ps.RetryAttempt, comment)
		o.launch(id)
	} else {
		if err := o.store.Transition(id, pipeline.StatusFailed); err != nil {
			return nil, fmt.Errorf("mark failed: %w", err)
		}
		o.event(ctx, id, db.EventRejected, phase, ps.RetryAttempt, comment)
	}
	return o.Status(id)
}

// ApproveRetry applies a retry decision to a failed build/test phase.
func (o *Orchestrator) ApproveRetry(ctx context.Context, id string, action pipeline.RetryAction, comment string) (*Snapshot, error) {
	unlock := o.lock(id)
	defer unlock()

	run, err := o.store.GetRun(id)
	if err != nil {
		return nil, err
	}
	if run.Finished() {
		return nil, fmt.Errorf("retry %s: %w", action, ErrPipelineFinished)
	}
	c := retry.New(&run.Retry)
	if o.isActive(id) || (c.Stage() != pipeline.RetryAwaitingApproval && c.Stage() != pipeline.RetryExhausted) {
		return nil, fmt.Errorf("retry %s: %w", action, ErrNotWaitingRetry)
	}
	if !c.Allowed(action) {
		return nil, fmt.Errorf("%w: %s while %s", retry.ErrActionNotAllowed, action, c.Stage())
	}

	resume, err := o.applyRetry(ctx, id, action, comment)
	if err != nil {
		return nil, err
	}
	if resume {
		o.launch(id)
	}
	return o.Status(id)
}

// applyRetry resolves the pending retry and reports whether the loop should run.
// Callers hold the story lock.
func (o *Orchestrator) applyRetry(ctx context.Context, id string, action pipeline.RetryAction, comment string) (bool, error) {
	run, err := o.store.GetRun(id)
	if err != nil {
		return false, err
	}
	if !retry.New(&run.Retry).Allowed(action) {
		return false, fmt.Errorf("%w: %s while %s", retry.ErrActionNotAllowed, action, run.Retry.Stage)
	}

	if action == pipeline.ActionAutoFix {
		appended, err := o.indexer.AppendFix(id, run.Retry.FixTasks, run.Retry.Attempt)
		if err != nil {
			return false, fmt.Errorf("append fix tasks: %w", err)
		}
		o.log.Info("fix tasks appended",
			zap.String("story", id),
			zap.Int("attempt", run.Retry.Attempt),
			zap.Ints("indices", tasks.Indices(appended)),
		)
	}

	var res *retry.Resolution
	_, err = o.store.UpdateRun(id, func(r *pipeline.Run) error {
		var err error
		res, err = retry.New(&r.Retry).Resolve(action)
		if err != nil {
			return err
		}
		ps := r.Phase(res.Phase)
		switch action {
		case pipeline.ActionAutoFix:
			r.Rewind(pipeline.PhaseCoding, res.Phase, res.Attempt)
			r.RetryTargetPhase = pipeline.PhaseCoding
			r.Active = true
		case pipeline.ActionManualFix:
			ps.State = pipeline.StatePending
			ps.Message = withComment("waiting for manual fix", comment)
			r.CurrentPhase = res.Phase
			r.Active = false
		case pipeline.ActionSkipTests:
			ps.State = pipeline.StateSkipped
			ps.Message = withComment("failure acknowledged", comment)
			ps.EndedAt = o.timestamp()
			r.CurrentPhase = res.Phase.Next()
			r.RetryTargetPhase = pipeline.PhaseNone
			r.Active = true
		case pipeline.ActionAbort:
			ps.State = pipeline.StateFailed
			ps.Message = withComment("aborted", comment)
			ps.EndedAt = o.timestamp()
			r.RetryTargetPhase = pipeline.PhaseNone
			r.Active = false
		}
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("resolve retry: %w", err)
	}

	switch action {
	case pipeline.ActionSkipTests:
		err = o.store.UpdateMarkers(id, func(m pipeline.Markers) pipeline.Markers {
			m.Failed = false
			m.InProgress = true
			return m
		})
	case pipeline.ActionAbort:
		err = o.store.Transition(id, pipeline.StatusFailed)
	}
	if err != nil {
		return false, fmt.Errorf("update markers: %w", err)
	}

	if o.metrics != nil {
		o.metrics.RetryActions.WithLabelValues(string(action)).Inc()
	}
	o.log.Info("retry resolved",
		zap.String("story", id),
		zap.String("action", string(action)),
		zap.Stringer("phase", res.Phase),
		zap.Int("attempt", res.Attempt),
	)
	o.event(ctx, id, db.EventRetryResolved, res.Phase, res.Attempt, withComment(string(action), comment))

	return action == pipeline.ActionAutoFix || action == pipeline.ActionSkipTests, nil
}

// ResumePipeline restarts the loop of a story that is neither running, finished
// nor waiting for a decision, typically after a manual fix or a process restart.
func (o *Orchestrator) ResumePipeline(ctx context.Context, id string) (*Snapshot, error) {
	unlock := o.lock(id)
	defer unlock()

	if o.isActive(id) {
		return nil, fmt.Errorf("resume %s: %w", id, ErrAlreadyRunning)
	}
	run, err := o.store.GetRun(id)
	if err != nil {
		return nil, err
	}
	if run.Finished() {
		return nil, fmt.Errorf("resume %s: %w", id, ErrPipelineFinished)
	}
	if ps := run.Phase(run.CurrentPhase); ps != nil &&
		(ps.State == pipeline.StateWaitingApproval || ps.State == pipeline.StateWaitingRetryApproval) {
		return nil, fmt.Errorf("resume %s at %s: %w", id, run.CurrentPhase, ErrAwaitingDecision)
	}

	_, err = o.store.UpdateRun(id, func(r *pipeline.Run) error {
		c := retry.New(&r.Retry)
		// A retry still in flight keeps its state; anything else is settled by the resume.
		if c.Stage() != pipeline.RetryRetrying {
			c.Clear()
		}
		r.Active = true
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("resume run: %w", err)
	}
	if err := o.store.UpdateMarkers(id, func(m pipeline.Markers) pipeline.Markers {
		m.Failed = false
		m.InProgress = true
		m.Completed = false
		return m
	}); err != nil {
		return nil, fmt.Errorf("mark in progress: %w", err)
	}

	o.log.Info("pipeline resumed", zap.String("story", id), zap.Stringer("phase", run.CurrentPhase))
	o.event(ctx, id, db.EventResumed, run.CurrentPhase, 0, "")
	o.launch(id)
	return o.Status(id)
}

// CancelPipeline fails the story and releases any pending approval. A phase
// already running is allowed to finish; the loop stops at the next boundary.
func (o *Orchestrator) CancelPipeline(ctx context.Context, id string) (*Snapshot, error) {
	unlock := o.lock(id)
	defer unlock()

	run, err := o.store.GetRun(id)
	if err != nil {
		return nil, err
	}
	if run.Finished() {
		return nil, fmt.Errorf("cancel %s: %w", id, ErrPipelineFinished)
	}

	active := o.isActive(id)
	_, err = o.store.UpdateRun(id, func(r *pipeline.Run) error {
		r.Cancelled = true
		r.RetryTargetPhase = pipeline.PhaseNone
		retry.New(&r.Retry).Clear()
		if ps := r.Phase(r.CurrentPhase); ps != nil && ps.State != pipeline.StateRunning {
			ps.State = pipeline.StateFailed
			ps.Message = "cancelled"
			ps.EndedAt = o.timestamp()
		}
		if !active {
			r.Active = false
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("cancel run: %w", err)
	}
	if err := o.store.Transition(id, pipeline.StatusFailed); err != nil {
		return nil, fmt.Errorf("mark failed: %w", err)
	}

	o.log.Info("pipeline cancelled", zap.String("story", id), zap.Bool("phase_in_flight", active))
	o.event(ctx, id, db.EventCancelled, run.CurrentPhase, 0, "")
	return o.Status(id)
}
