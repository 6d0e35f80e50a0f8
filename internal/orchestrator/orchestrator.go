package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lucasnoah/storyfactory/internal/agent"
	"github.com/lucasnoah/storyfactory/internal/analytics"
	"github.com/lucasnoah/storyfactory/internal/approval"
	"github.com/lucasnoah/storyfactory/internal/db"
	"github.com/lucasnoah/storyfactory/internal/metrics"
	"github.com/lucasnoah/storyfactory/internal/pipeline"
	"github.com/lucasnoah/storyfactory/internal/retry"
	"github.com/lucasnoah/storyfactory/internal/tasks"
)

var (
	// ErrAlreadyRunning is returned when a command needs an idle pipeline but its loop is active
	// or the run is still in progress.
	ErrAlreadyRunning = errors.New("pipeline already running")
	// ErrNotWaitingApproval is returned by ApprovePhase when the phase is not waiting for approval.
	ErrNotWaitingApproval = errors.New("phase is not waiting for approval")
	// ErrNotWaitingRetry is returned by ApproveRetry when no retry decision is pending.
	ErrNotWaitingRetry = errors.New("no retry decision pending")
	// ErrPipelineFinished is returned when a command targets a completed, failed or cancelled run.
	ErrPipelineFinished = errors.New("pipeline finished")
	// ErrAwaitingDecision is returned by ResumePipeline while an approval or retry decision is pending.
	ErrAwaitingDecision = errors.New("pipeline is waiting for a decision")
)

// Options wires the orchestrator's collaborators. Store, Agents and Fixer are required.
type Options struct {
	Store   *pipeline.Store
	Agents  *agent.Registry
	Fixer   agent.FixGenerator
	Events  db.EventLog
	Logger  *zap.Logger
	Metrics *metrics.Metrics

	ApprovalRequired   []pipeline.Phase
	AnalysisEnabled    bool
	MaxAttempts        int
	AutoApproveRetries bool
	AgentTimeout       time.Duration

	// Workdir is used for stories without a codebase of their own.
	Workdir     string
	Workspaces  Workspaces
	Snapshotter func(workdir string) retry.Snapshotter
	Rollbacker  agent.Rollbacker
}

// Workspaces gives a story a private checkout of its codebase. Ensure returns
// an empty path when the story should run in place.
type Workspaces interface {
	Ensure(ctx context.Context, story pipeline.Story) (string, error)
	Remove(ctx context.Context, story pipeline.Story) error
}

// Orchestrator runs one sequential control loop per story and accepts the
// external commands that start, gate, retry and cancel it.
type Orchestrator struct {
	store   *pipeline.Store
	agents  *agent.Registry
	fixer   agent.FixGenerator
	events  db.EventLog
	log     *zap.Logger
	metrics *metrics.Metrics
	gate    *approval.Gate
	indexer *tasks.Indexer
	opts    Options
	now     func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	locks  map[string]*sync.Mutex
	active map[string]bool
}

// New creates an Orchestrator. Close stops in-flight loops.
func New(opts Options) *Orchestrator {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = retry.DefaultMaxAttempts
	}
	if opts.Snapshotter == nil {
		opts.Snapshotter = func(workdir string) retry.Snapshotter {
			return &agent.FileSnapshotter{Root: workdir}
		}
	}
	if opts.Fixer == nil {
		opts.Fixer = agent.FailureFixGenerator{}
	}
	if opts.Agents == nil {
		opts.Agents = agent.NewRegistry()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Orchestrator{
		store:   opts.Store,
		agents:  opts.Agents,
		fixer:   opts.Fixer,
		events:  opts.Events,
		log:     opts.Logger,
		metrics: opts.Metrics,
		gate:    approval.NewGate(opts.ApprovalRequired...),
		indexer: tasks.NewIndexer(opts.Store),
		opts:    opts,
		now:     time.Now,
		ctx:     ctx,
		cancel:  cancel,
		locks:   make(map[string]*sync.Mutex),
		active:  make(map[string]bool),
	}
}

// Wait blocks until every control loop has suspended or stopped.
func (o *Orchestrator) Wait() {
	o.wg.Wait()
}

// Close cancels running agents and waits for their loops to exit.
func (o *Orchestrator) Close() {
	o.cancel()
	o.wg.Wait()
}

// lock serializes commands and loop transitions for one story.
func (o *Orchestrator) lock(id string) func() {
	o.mu.Lock()
	l, ok := o.locks[id]
	if !ok {
		l = &sync.Mutex{}
		o.locks[id] = l
	}
	o.mu.Unlock()
	l.Lock()
	return l.Unlock
}

func (o *Orchestrator) isActive(id string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.active[id]
}

func (o *Orchestrator) setActive(id string, v bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if v {
		o.active[id] = true
		if o.metrics != nil {
			o.metrics.ActivePipelines.Inc()
		}
		return
	}
	if o.active[id] {
		delete(o.active, id)
		if o.metrics != nil {
			o.metrics.ActivePipelines.Dec()
		}
	}
}

// CreateStory persists a new story with a generated id.
func (o *Orchestrator) CreateStory(ctx context.Context, title, content, codebase string) (*pipeline.Story, error) {
	if strings.TrimSpace(title) == "" {
		return nil, fmt.Errorf("story title is required")
	}
	story := &pipeline.Story{
		ID:       uuid.NewString(),
		Title:    title,
		Content:  content,
		Codebase: codebase,
	}
	if err := o.store.CreateStory(story); err != nil {
		return nil, fmt.Errorf("create story: %w", err)
	}
	o.log.Info("story created", zap.String("story", story.ID), zap.String("title", title))
	return story, nil
}

// DeleteStory removes a story, its tasks, phase history and audit trail.
func (o *Orchestrator) DeleteStory(ctx context.Context, id string) error {
	unlock := o.lock(id)
	defer unlock()

	if o.isActive(id) {
		return fmt.Errorf("delete story %s: %w", id, ErrAlreadyRunning)
	}
	if o.opts.Workspaces != nil {
		if story, err := o.store.GetStory(id); err == nil {
			if err := o.opts.Workspaces.Remove(ctx, *story); err != nil {
				return fmt.Errorf("delete story %s: %w", id, err)
			}
		}
	}
	if err := o.store.DeleteStory(id); err != nil {
		return err
	}
	if o.events != nil {
		if err := o.events.DeleteStory(ctx, id); err != nil {
			o.log.Warn("delete story events", zap.String("story", id), zap.Error(err))
		}
	}
	return nil
}

// ResetStory returns a story to NotStarted, dropping tasks and pipeline state.
func (o *Orchestrator) ResetStory(ctx context.Context, id string) error {
	unlock := o.lock(id)
	defer unlock()

	if o.isActive(id) {
		return fmt.Errorf("reset story %s: %w", id, ErrAlreadyRunning)
	}
	return o.store.ResetStory(id)
}

// Snapshot is the pollable view of a story's pipeline.
type Snapshot struct {
	StoryID          string                 `json:"story_id"`
	Title            string                 `json:"title"`
	Status           pipeline.StoryStatus   `json:"status"`
	CurrentPhase     pipeline.Phase         `json:"current_phase"`
	Running          bool                   `json:"running"`
	AutoApproveAll   bool                   `json:"auto_approve_all"`
	Cancelled        bool                   `json:"cancelled,omitempty"`
	Phases           []pipeline.PhaseStatus `json:"phases"`
	History          []pipeline.PhaseStatus `json:"history,omitempty"`
	RetryInfo        *pipeline.RetryInfo    `json:"retry_info,omitempty"`
	RetryTargetPhase *pipeline.Phase        `json:"retry_target_phase,omitempty"`
	Tasks            []pipeline.Task        `json:"tasks,omitempty"`
}

// Status returns the story's pipeline snapshot. It never writes.
func (o *Orchestrator) Status(id string) (*Snapshot, error) {
	story, err := o.store.GetStory(id)
	if err != nil {
		return nil, err
	}
	status, err := o.store.Status(id)
	if err != nil {
		return nil, err
	}
	taskList, err := o.store.GetTasks(id)
	if err != nil {
		return nil, err
	}

	snap := &Snapshot{
		StoryID: story.ID,
		Title:   story.Title,
		Status:  status,
		Tasks:   taskList,
	}

	run, err := o.store.GetRun(id)
	if errors.Is(err, pipeline.ErrNotFound) {
		return snap, nil
	}
	if err != nil {
		return nil, err
	}

	snap.CurrentPhase = run.CurrentPhase
	snap.Running = o.isActive(id)
	snap.AutoApproveAll = run.AutoApproveAll
	snap.Cancelled = run.Cancelled
	snap.Phases = run.Phases
	snap.History = run.History
	// Coordinator is built over a copy; nothing is persisted.
	snap.RetryInfo = retry.New(&run.Retry).Info()
	if run.RetryTargetPhase != pipeline.PhaseNone {
		target := run.RetryTargetPhase
		snap.RetryTargetPhase = &target
	}
	return snap, nil
}

// Events returns the audit trail of a story, oldest first.
func (o *Orchestrator) Events(ctx context.Context, id string) ([]db.PipelineEvent, error) {
	if o.events == nil {
		return nil, nil
	}
	return o.events.ListPipelineEvents(ctx, id)
}

// Stats summarizes the phase runs and events of every story since the given time.
func (o *Orchestrator) Stats(ctx context.Context, since time.Time) (*analytics.Report, error) {
	if o.events == nil {
		return analytics.Build(nil, nil, since), nil
	}
	stories, err := o.store.ListStories()
	if err != nil {
		return nil, err
	}
	var (
		runs   []db.PhaseRun
		events []db.PipelineEvent
	)
	for _, s := range stories {
		r, err := o.events.ListPhaseRuns(ctx, s.ID)
		if err != nil {
			return nil, fmt.Errorf("phase runs of %s: %w", s.ID, err)
		}
		e, err := o.events.ListPipelineEvents(ctx, s.ID)
		if err != nil {
			return nil, fmt.Errorf("events of %s: %w", s.ID, err)
		}
		runs = append(runs, r...)
		events = append(events, e...)
	}
	return analytics.Build(runs, events, since), nil
}

func (o *Orchestrator) event(ctx context.Context, id, name string, phase pipeline.Phase, attempt int, detail string) {
	o.log.Debug("pipeline event",
		zap.String("story", id),
		zap.String("event", name),
		zap.Stringer("phase", phase),
		zap.Int("attempt", attempt),
	)
	if o.events == nil {
		return
	}
	e := db.PipelineEvent{StoryID: id, Event: name, Attempt: attempt, Detail: detail, Timestamp: o.now()}
	if phase != pipeline.PhaseNone {
		e.Phase = phase.String()
	}
	if err := o.events.LogPipelineEvent(ctx, e); err != nil {
		o.log.Warn("log pipeline event", zap.String("story", id), zap.String("event", name), zap.Error(err))
	}
}

func (o *Orchestrator) phaseRun(ctx context.Context, id string, phase pipeline.Phase, attempt int, outcome string, d time.Duration, summary string) {
	if o.metrics != nil {
		o.metrics.PhaseRuns.WithLabelValues(phase.String(), outcome).Inc()
		if d > 0 {
			o.metrics.PhaseDuration.WithLabelValues(phase.String()).Observe(d.Seconds())
		}
	}
	if o.events == nil {
		return
	}
	err := o.events.LogPhaseRun(ctx, db.PhaseRun{
		StoryID:    id,
		Phase:      phase.String(),
		Attempt:    attempt,
		Outcome:    outcome,
		DurationMs: int(d.Milliseconds()),
		Summary:    summary,
		Timestamp:  o.now(),
	})
	if err != nil {
		o.log.Warn("log phase run", zap.String("story", id), zap.Error(err))
	}
}

func (o *Orchestrator) workdir(story *pipeline.Story, workspace string) string {
	if workspace != "" {
		return workspace
	}
	if story.Codebase != "" {
		return story.Codebase
	}
	return o.opts.Workdir
}

func (o *Orchestrator) timestamp() *time.Time {
	t := o.now().UTC()
	return &t
}

func withComment(msg, comment string) string {
	if comment == "" {
		return msg
	}
	return msg + ": " + comment
}
