// Package db keeps the append-only audit trail of pipeline activity in SQLite or PostgreSQL.
package db

import (
	"context"
	"time"
)

// Pipeline event names.
const (
	EventStarted           = "started"
	EventPhaseStarted      = "phase_started"
	EventPhaseCompleted    = "phase_completed"
	EventPhaseSkipped      = "phase_skipped"
	EventPhaseFailed       = "phase_failed"
	EventApprovalRequested = "approval_requested"
	EventApproved          = "approved"
	EventRejected          = "rejected"
	EventRetryRequested    = "retry_requested"
	EventRetryResolved     = "retry_resolved"
	EventRetryExhausted    = "retry_exhausted"
	EventResumed           = "resumed"
	EventCancelled         = "cancelled"
	EventCompleted         = "completed"
)

// tables in drop order.
var tables = []string{"pipeline_events", "phase_runs", "schema_version"}

// PipelineEvent represents a row in the pipeline_events table.
type PipelineEvent struct {
	ID        int64     `json:"id"`
	StoryID   string    `json:"story_id"`
	Event     string    `json:"event"`
	Phase     string    `json:"phase,omitempty"`
	Attempt   int       `json:"attempt,omitempty"`
	Detail    string    `json:"detail,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// PhaseRun represents a row in the phase_runs table.
type PhaseRun struct {
	ID         int64     `json:"id"`
	StoryID    string    `json:"story_id"`
	Phase      string    `json:"phase"`
	Attempt    int       `json:"attempt"`
	Outcome    string    `json:"outcome"`
	DurationMs int       `json:"duration_ms"`
	Summary    string    `json:"summary,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// EventLog is the audit trail the orchestrator writes to. *DB and *Postgres implement it.
type EventLog interface {
	Migrate(ctx context.Context) error
	Reset(ctx context.Context) error
	LogPipelineEvent(ctx context.Context, e PipelineEvent) error
	ListPipelineEvents(ctx context.Context, storyID string) ([]PipelineEvent, error)
	RecentEvents(ctx context.Context, limit int) ([]PipelineEvent, error)
	LogPhaseRun(ctx context.Context, r PhaseRun) error
	ListPhaseRuns(ctx context.Context, storyID string) ([]PhaseRun, error)
	DeleteStory(ctx context.Context, storyID string) error
	Close() error
}

var (
	_ EventLog = (*DB)(nil)
	_ EventLog = (*Postgres)(nil)
)

// OpenEventLog opens Postgres when databaseURL is set and SQLite at sqlitePath otherwise.
// The schema is migrated before returning.
func OpenEventLog(ctx context.Context, databaseURL, sqlitePath string) (EventLog, error) {
	var (
		log EventLog
		err error
	)
	if databaseURL != "" {
		log, err = OpenPostgres(ctx, databaseURL)
	} else {
		log, err = Open(sqlitePath)
	}
	if err != nil {
		return nil, err
	}
	if err := log.Migrate(ctx); err != nil {
		log.Close()
		return nil, err
	}
	return log, nil
}
