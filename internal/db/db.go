package db

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// DB wraps the SQLite database connection.
type DB struct {
	conn *sql.DB
	path string
}

// Open opens or creates the database at the given path, creating its directory if needed.
func Open(path string) (*DB, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create directory for %s: %w", path, err)
		}
	}
	conn, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	conn.SetMaxOpenConns(1)
	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	if _, err := conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("set journal mode: %w", err)
	}
	return &DB{conn: conn, path: path}, nil
}

// Close closes the database connection.
func (d *DB) Close() error {
	return d.conn.Close()
}

// Conn returns the underlying *sql.DB for advanced queries.
func (d *DB) Conn() *sql.DB {
	return d.conn
}

const schemaV1 = `
CREATE TABLE IF NOT EXISTS schema_version (
    version    INTEGER PRIMARY KEY,
    applied_at TEXT NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS pipeline_events (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    story_id    TEXT NOT NULL,
    event       TEXT NOT NULL,
    phase       TEXT,
    attempt     INTEGER,
    detail      TEXT,
    timestamp   TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_pipeline_story ON pipeline_events(story_id, id);

CREATE TABLE IF NOT EXISTS phase_runs (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    story_id    TEXT NOT NULL,
    phase       TEXT NOT NULL,
    attempt     INTEGER NOT NULL,
    outcome     TEXT NOT NULL,
    duration_ms INTEGER,
    summary     TEXT,
    timestamp   TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_phase_runs_story ON phase_runs(story_id, phase, attempt);
`

// Migrate applies the database schema.
func (d *DB) Migrate(ctx context.Context) error {
	var count int
	err := d.conn.QueryRowContext(ctx, "SELECT COUNT(*) FROM schema_version WHERE version = 1").Scan(&count)
	if err == nil && count > 0 {
		return nil
	}

	tx, err := d.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, schemaV1); err != nil {
		return fmt.Errorf("apply schema v1: %w", err)
	}
	if _, err := tx.ExecContext(ctx, "INSERT INTO schema_version (version) VALUES (1)"); err != nil {
		return fmt.Errorf("record schema version: %w", err)
	}
	return tx.Commit()
}

// Reset drops all tables and re-applies the schema.
func (d *DB) Reset(ctx context.Context) error {
	for _, t := range tables {
		if _, err := d.conn.ExecContext(ctx, "DROP TABLE IF EXISTS "+t); err != nil {
			return fmt.Errorf("drop table %s: %w", t, err)
		}
	}
	return d.Migrate(ctx)
}

// LogPipelineEvent inserts a pipeline event.
func (d *DB) LogPipelineEvent(ctx context.Context, e PipelineEvent) error {
	ts := e.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	_, err := d.conn.ExecContext(ctx,
		`INSERT INTO pipeline_events (story_id, event, phase, attempt, detail, timestamp) VALUES (?, ?, ?, ?, ?, ?)`,
		e.StoryID, e.Event, nullString(e.Phase), e.Attempt, nullString(e.Detail), formatTime(ts),
	)
	if err != nil {
		return fmt.Errorf("log pipeline event: %w", err)
	}
	return nil
}

// ListPipelineEvents returns all events for a story, oldest first.
func (d *DB) ListPipelineEvents(ctx context.Context, storyID string) ([]PipelineEvent, error) {
	rows, err := d.conn.QueryContext(ctx,
		`SELECT id, story_id, event, phase, attempt, detail, timestamp
		 FROM pipeline_events WHERE story_id = ? ORDER BY id ASC`,
		storyID,
	)
	if err != nil {
		return nil, fmt.Errorf("list pipeline events: %w", err)
	}
	return scanEvents(rows)
}

// RecentEvents returns the latest events across all stories, newest first.
func (d *DB) RecentEvents(ctx context.Context, limit int) ([]PipelineEvent, error) {
	rows, err := d.conn.QueryContext(ctx,
		`SELECT id, story_id, event, phase, attempt, detail, timestamp
		 FROM pipeline_events ORDER BY id DESC LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("recent pipeline events: %w", err)
	}
	return scanEvents(rows)
}

func scanEvents(rows *sql.Rows) ([]PipelineEvent, error) {
	defer rows.Close()

	var events []PipelineEvent
	for rows.Next() {
		var e PipelineEvent
		var phase, detail sql.NullString
		var attempt sql.NullInt64
		var ts string
		if err := rows.Scan(&e.ID, &e.StoryID, &e.Event, &phase, &attempt, &detail, &ts); err != nil {
			return nil, fmt.Errorf("scan pipeline event: %w", err)
		}
		e.Phase = phase.String
		e.Attempt = int(attempt.Int64)
		e.Detail = detail.String
		e.Timestamp = parseTime(ts)
		events = append(events, e)
	}
	return events, rows.Err()
}

// LogPhaseRun records one agent run of a phase.
func (d *DB) LogPhaseRun(ctx context.Context, r PhaseRun) error {
	ts := r.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	_, err := d.conn.ExecContext(ctx,
		`INSERT INTO phase_runs (story_id, phase, attempt, outcome, duration_ms, summary, timestamp) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		r.StoryID, r.Phase, r.Attempt, r.Outcome, r.DurationMs, nullString(r.Summary), formatTime(ts),
	)
	if err != nil {
		return fmt.Errorf("log phase run: %w", err)
	}
	return nil
}

// ListPhaseRuns returns all phase runs for a story in execution order.
func (d *DB) ListPhaseRuns(ctx context.Context, storyID string) ([]PhaseRun, error) {
	rows, err := d.conn.QueryContext(ctx,
		`SELECT id, story_id, phase, attempt, outcome, duration_ms, summary, timestamp
		 FROM phase_runs WHERE story_id = ? ORDER BY id ASC`,
		storyID,
	)
	if err != nil {
		return nil, fmt.Errorf("list phase runs: %w", err)
	}
	defer rows.Close()

	var runs []PhaseRun
	for rows.Next() {
		var r PhaseRun
		var duration sql.NullInt64
		var summary sql.NullString
		var ts string
		if err := rows.Scan(&r.ID, &r.StoryID, &r.Phase, &r.Attempt, &r.Outcome, &duration, &summary, &ts); err != nil {
			return nil, fmt.Errorf("scan phase run: %w", err)
		}
		r.DurationMs = int(duration.Int64)
		r.Summary = summary.String
		r.Timestamp = parseTime(ts)
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// DeleteStory removes every row recorded for a story.
func (d *DB) DeleteStory(ctx context.Context, storyID string) error {
	for _, t := range []string{"pipeline_events", "phase_runs"} {
		if _, err := d.conn.ExecContext(ctx, "DELETE FROM "+t+" WHERE story_id = ?", storyID); err != nil {
			return fmt.Errorf("delete %s for %s: %w", t, storyID, err)
		}
	}
	return nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
