package pipeline

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/lucasnoah/storyfactory/internal/testresults"
)

// Phase identifies one stage of the fixed pipeline sequence.
// The numeric values are part of the wire format and must not be reordered.
type Phase int

const (
	PhaseNone Phase = iota
	PhaseAnalysis
	PhasePlanning
	PhaseCoding
	PhaseDebugging
	PhaseReviewing
	PhaseDeployment
	PhaseUnitTesting
	PhasePullRequest
	PhaseCompleted
)

var phaseNames = [...]string{
	PhaseNone:        "None",
	PhaseAnalysis:    "Analysis",
	PhasePlanning:    "Planning",
	PhaseCoding:      "Coding",
	PhaseDebugging:   "Debugging",
	PhaseReviewing:   "Reviewing",
	PhaseDeployment:  "Deployment",
	PhaseUnitTesting: "UnitTesting",
	PhasePullRequest: "PullRequest",
	PhaseCompleted:   "Completed",
}

func (p Phase) String() string {
	if p < 0 || int(p) >= len(phaseNames) {
		return fmt.Sprintf("Phase(%d)", int(p))
	}
	return phaseNames[p]
}

// ParsePhase accepts a phase name (case-insensitive, dashes and underscores ignored)
// or its ordinal.
func ParsePhase(s string) (Phase, error) {
	norm := strings.ToLower(strings.NewReplacer("-", "", "_", "", " ", "").Replace(s))
	for i, name := range phaseNames {
		if strings.ToLower(name) == norm {
			return Phase(i), nil
		}
	}
	var n int
	if _, err := fmt.Sscanf(s, "%d", &n); err == nil && n >= 0 && n < len(phaseNames) {
		return Phase(n), nil
	}
	return PhaseNone, fmt.Errorf("unknown phase %q", s)
}

// PhaseOrder is the executable sequence. Completed is the terminal marker, not a phase to run.
var PhaseOrder = []Phase{
	PhaseAnalysis,
	PhasePlanning,
	PhaseCoding,
	PhaseDebugging,
	PhaseReviewing,
	PhaseDeployment,
	PhaseUnitTesting,
	PhasePullRequest,
}

// Next returns the phase after p, or PhaseCompleted when p is the last one.
func (p Phase) Next() Phase {
	for i, q := range PhaseOrder {
		if q == p && i+1 < len(PhaseOrder) {
			return PhaseOrder[i+1]
		}
	}
	return PhaseCompleted
}

// IsBuildTest reports whether business failures in p are routed to retry handling.
func (p Phase) IsBuildTest() bool {
	return p == PhaseDebugging || p == PhaseDeployment || p == PhaseUnitTesting
}

// PhaseState is the state of a single phase entry.
type PhaseState int

const (
	StatePending PhaseState = iota
	StateWaitingApproval
	StateRunning
	StateCompleted
	StateFailed
	StateSkipped
	StateWaitingRetryApproval
)

var phaseStateNames = [...]string{
	StatePending:              "Pending",
	StateWaitingApproval:      "WaitingApproval",
	StateRunning:              "Running",
	StateCompleted:            "Completed",
	StateFailed:               "Failed",
	StateSkipped:              "Skipped",
	StateWaitingRetryApproval: "WaitingRetryApproval",
}

func (s PhaseState) String() string {
	if s < 0 || int(s) >= len(phaseStateNames) {
		return fmt.Sprintf("PhaseState(%d)", int(s))
	}
	return phaseStateNames[s]
}

// Done reports whether the state lets the pipeline move past the phase.
func (s PhaseState) Done() bool {
	return s == StateCompleted || s == StateSkipped
}

// PhaseStatus records one phase's state for a story.
type PhaseStatus struct {
	Phase        Phase           `json:"phase"`
	State        PhaseState      `json:"state"`
	Message      string          `json:"message,omitempty"`
	RetryAttempt int             `json:"retry_attempt"`
	StartedAt    *time.Time      `json:"started_at,omitempty"`
	EndedAt      *time.Time      `json:"ended_at,omitempty"`
	Result       json.RawMessage `json:"result,omitempty"`
}

// StoryStatus is derived from markers and tasks, never stored directly.
type StoryStatus string

const (
	StatusNotStarted StoryStatus = "NotStarted"
	StatusPlanned    StoryStatus = "Planned"
	StatusApproved   StoryStatus = "Approved"
	StatusInProgress StoryStatus = "InProgress"
	StatusCompleted  StoryStatus = "Completed"
	StatusFailed     StoryStatus = "Failed"
)

// Story is the unit of work driven through the pipeline.
type Story struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Content   string    `json:"content"`
	Codebase  string    `json:"codebase,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TaskType tags a task as planned or synthesized from a failure.
type TaskType string

const (
	TaskOriginal TaskType = "Original"
	TaskFix      TaskType = "Fix"
)

// TaskStatus is the progress of a single task.
type TaskStatus string

const (
	TaskPending    TaskStatus = "Pending"
	TaskInProgress TaskStatus = "InProgress"
	TaskCompleted  TaskStatus = "Completed"
	TaskFailed     TaskStatus = "Failed"
)

// TaskSpec is a planned change before it has been indexed.
type TaskSpec struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	Project     string `json:"project,omitempty"`
	File        string `json:"file,omitempty"`
	Method      string `json:"method,omitempty"`
	Modify      bool   `json:"modify"`
}

// Task is one indexed unit of code change. Fix is set iff Type is TaskFix.
type Task struct {
	Index        int        `json:"index"`
	Title        string     `json:"title"`
	Description  string     `json:"description"`
	Project      string     `json:"project,omitempty"`
	File         string     `json:"file,omitempty"`
	Method       string     `json:"method,omitempty"`
	Modify       bool       `json:"modify"`
	Type         TaskType   `json:"type"`
	RetryAttempt int        `json:"retry_attempt"`
	Status       TaskStatus `json:"status"`
	Fix          *FixDetail `json:"fix,omitempty"`
}

// FixType classifies the failure a fix task addresses.
type FixType string

const (
	FixBuildError       FixType = "BuildError"
	FixTestFailure      FixType = "TestFailure"
	FixIntegrationError FixType = "IntegrationError"
)

// FixDetail carries the failure context of a fix task.
type FixDetail struct {
	FixType       FixType `json:"fix_type"`
	ErrorMessage  string  `json:"error_message,omitempty"`
	ErrorLocation string  `json:"error_location,omitempty"`
	StackTrace    string  `json:"stack_trace,omitempty"`
	SuggestedFix  string  `json:"suggested_fix,omitempty"`
	ExistingCode  string  `json:"existing_code,omitempty"`
}

// FixTask is a fix produced from a failure, before it is merged into the task list.
// ExistingCode is the content of TargetFile captured before any rollback.
type FixTask struct {
	Index         int     `json:"index"`
	Title         string  `json:"title"`
	Description   string  `json:"description"`
	TargetFile    string  `json:"target_file,omitempty"`
	FixType       FixType `json:"fix_type"`
	ErrorMessage  string  `json:"error_message,omitempty"`
	ErrorLocation string  `json:"error_location,omitempty"`
	StackTrace    string  `json:"stack_trace,omitempty"`
	SuggestedFix  string  `json:"suggested_fix,omitempty"`
	ExistingCode  string  `json:"existing_code,omitempty"`
}

// RetryReason is why a build/test phase failed.
type RetryReason string

const (
	ReasonBuildFailed       RetryReason = "BuildFailed"
	ReasonTestsFailed       RetryReason = "TestsFailed"
	ReasonIntegrationFailed RetryReason = "IntegrationFailed"
)

// FixType maps a failure reason to the kind of fix it needs.
func (r RetryReason) FixType() FixType {
	switch r {
	case ReasonBuildFailed:
		return FixBuildError
	case ReasonIntegrationFailed:
		return FixIntegrationError
	default:
		return FixTestFailure
	}
}

// RetryAction is the user's choice for a pending retry.
type RetryAction string

const (
	ActionAutoFix   RetryAction = "AutoFix"
	ActionManualFix RetryAction = "ManualFix"
	ActionSkipTests RetryAction = "SkipTests"
	ActionAbort     RetryAction = "Abort"
)

// ParseRetryAction accepts "AutoFix", "auto-fix", "auto_fix" and so on.
func ParseRetryAction(s string) (RetryAction, error) {
	norm := strings.ToLower(strings.NewReplacer("-", "", "_", "").Replace(s))
	for _, a := range []RetryAction{ActionAutoFix, ActionManualFix, ActionSkipTests, ActionAbort} {
		if strings.ToLower(string(a)) == norm {
			return a, nil
		}
	}
	return "", fmt.Errorf("unknown retry action %q", s)
}

// RetryStage is the retry coordinator's state.
type RetryStage string

const (
	RetryIdle                  RetryStage = "Idle"
	RetryAwaitingFixGeneration RetryStage = "AwaitingFixGeneration"
	RetryAwaitingApproval      RetryStage = "AwaitingRetryApproval"
	RetryRetrying              RetryStage = "Retrying"
	RetryExhausted             RetryStage = "Exhausted"
)

// RetryState is the persisted state of the retry coordinator for one story.
type RetryState struct {
	Stage         RetryStage               `json:"stage"`
	Attempt       int                      `json:"attempt"`
	MaxAttempts   int                      `json:"max_attempts"`
	FailedPhase   Phase                    `json:"failed_phase,omitempty"`
	Reason        RetryReason              `json:"reason,omitempty"`
	LastError     string                   `json:"last_error,omitempty"`
	FixTasks      []FixTask                `json:"fix_tasks,omitempty"`
	TestSummary   *testresults.TestSummary `json:"test_summary,omitempty"`
	Snapshots     map[string]string        `json:"snapshots,omitempty"`
	LastAttemptAt *time.Time               `json:"last_attempt_at,omitempty"`
	Resolution    RetryAction              `json:"resolution,omitempty"`
}

// RetryInfo is the view of a pending retry decision exposed to status consumers.
type RetryInfo struct {
	CurrentAttempt int                      `json:"current_attempt"`
	MaxAttempts    int                      `json:"max_attempts"`
	Reason         RetryReason              `json:"reason"`
	FailedPhase    Phase                    `json:"failed_phase"`
	FixTasks       []FixTask                `json:"fix_tasks"`
	LastError      string                   `json:"last_error,omitempty"`
	TestSummary    *testresults.TestSummary `json:"test_summary,omitempty"`
	LastAttemptAt  *time.Time               `json:"last_attempt_at,omitempty"`
	Exhausted      bool                     `json:"exhausted"`
	AllowedActions []RetryAction            `json:"allowed_actions"`
}

// Run is the persisted control-loop state of a story's pipeline.
type Run struct {
	StoryID          string        `json:"story_id"`
	CurrentPhase     Phase         `json:"current_phase"`
	Active           bool          `json:"active"`
	AutoApproveAll   bool          `json:"auto_approve_all"`
	Cancelled        bool          `json:"cancelled"`
	Phases           []PhaseStatus `json:"phases"`
	History          []PhaseStatus `json:"history,omitempty"`
	Retry            RetryState    `json:"retry"`
	RetryTargetPhase Phase         `json:"retry_target_phase,omitempty"`
	Workspace        string        `json:"workspace,omitempty"`
	StartedAt        time.Time     `json:"started_at"`
	UpdatedAt        time.Time     `json:"updated_at"`
}

// NewRun returns a run with every phase pending, positioned at first.
func NewRun(storyID string, first Phase, autoApproveAll bool, maxAttempts int) *Run {
	now := time.Now().UTC()
	r := &Run{
		StoryID:        storyID,
		CurrentPhase:   first,
		AutoApproveAll: autoApproveAll,
		Retry:          RetryState{Stage: RetryIdle, MaxAttempts: maxAttempts},
		StartedAt:      now,
		UpdatedAt:      now,
	}
	for _, p := range PhaseOrder {
		r.Phases = append(r.Phases, PhaseStatus{Phase: p, State: StatePending})
	}
	return r
}

// Phase returns the status entry for p, or nil if p is not part of the run.
func (r *Run) Phase(p Phase) *PhaseStatus {
	for i := range r.Phases {
		if r.Phases[i].Phase == p {
			return &r.Phases[i]
		}
	}
	return nil
}

// Finished reports whether the run reached a terminal state.
func (r *Run) Finished() bool {
	if r.CurrentPhase == PhaseCompleted || r.Cancelled {
		return true
	}
	ps := r.Phase(r.CurrentPhase)
	return ps != nil && ps.State == StateFailed
}

// Rewind archives the entries from `from` through `through` into History
// and resets them to Pending under the given retry attempt.
func (r *Run) Rewind(from, through Phase, attempt int) {
	for i := range r.Phases {
		ps := &r.Phases[i]
		if ps.Phase < from || ps.Phase > through {
			continue
		}
		if ps.State != StatePending {
			r.History = append(r.History, *ps)
		}
		*ps = PhaseStatus{Phase: ps.Phase, State: StatePending, RetryAttempt: attempt}
	}
	r.CurrentPhase = from
}
