package db

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Postgres is the EventLog backed by a pgx connection pool.
type Postgres struct {
	pool *pgxpool.Pool
}

// OpenPostgres connects to the database at dsn.
func OpenPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &Postgres{pool: pool}, nil
}

// Close releases the pool.
func (p *Postgres) Close() error {
	p.pool.Close()
	return nil
}

const pgSchemaV1 = `
CREATE TABLE IF NOT EXISTS schema_version (
    version    INTEGER PRIMARY KEY,
    applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS pipeline_events (
    id          BIGSERIAL PRIMARY KEY,
    story_id    TEXT NOT NULL,
    event       TEXT NOT NULL,
    phase       TEXT,
    attempt     INTEGER,
    detail      TEXT,
    timestamp   TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_pipeline_story ON pipeline_events(story_id, id);

CREATE TABLE IF NOT EXISTS phase_runs (
    id          BIGSERIAL PRIMARY KEY,
    story_id    TEXT NOT NULL,
    phase       TEXT NOT NULL,
    attempt     INTEGER NOT NULL,
    outcome     TEXT NOT NULL,
    duration_ms INTEGER,
    summary     TEXT,
    timestamp   TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_phase_runs_story ON phase_runs(story_id, phase, attempt);
`

// Migrate applies the schema in one transaction.
func (p *Postgres) Migrate(ctx context.Context) error {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, pgSchemaV1); err != nil {
		return fmt.Errorf("apply schema v1: %w", err)
	}
	if _, err := tx.Exec(ctx, "INSERT INTO schema_version (version) VALUES (1) ON CONFLICT DO NOTHING"); err != nil {
		return fmt.Errorf("record schema version: %w", err)
	}
	return tx.Commit(ctx)
}

// Reset drops all tables and re-applies the schema.
func (p *Postgres) Reset(ctx context.Context) error {
	for _, t := range tables {
		if _, err := p.pool.Exec(ctx, "DROP TABLE IF EXISTS "+t); err != nil {
			return fmt.Errorf("drop table %s: %w", t, err)
		}
	}
	return p.Migrate(ctx)
}

func (p *Postgres) LogPipelineEvent(ctx context.Context, e PipelineEvent) error {
	ts := e.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	_, err := p.pool.Exec(ctx,
		`INSERT INTO pipeline_events (story_id, event, phase, attempt, detail, timestamp) VALUES ($1, $2, $3, $4, $5, $6)`,
		e.StoryID, e.Event, nullText(e.Phase), e.Attempt, nullText(e.Detail), ts.UTC(),
	)
	if err != nil {
		return fmt.Errorf("log pipeline event: %w", err)
	}
	return nil
}

func (p *Postgres) ListPipelineEvents(ctx context.Context, storyID string) ([]PipelineEvent, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT id, story_id, event, COALESCE(phase, ''), COALESCE(attempt, 0), COALESCE(detail, ''), timestamp
		 FROM pipeline_events WHERE story_id = $1 ORDER BY id ASC`,
		storyID,
	)
	if err != nil {
		return nil, fmt.Errorf("list pipeline events: %w", err)
	}
	return collectEvents(rows)
}

func (p *Postgres) RecentEvents(ctx context.Context, limit int) ([]PipelineEvent, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT id, story_id, event, COALESCE(phase, ''), COALESCE(attempt, 0), COALESCE(detail, ''), timestamp
		 FROM pipeline_events ORDER BY id DESC LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("recent pipeline events: %w", err)
	}
	return collectEvents(rows)
}

func collectEvents(rows pgx.Rows) ([]PipelineEvent, error) {
	events, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (PipelineEvent, error) {
		var e PipelineEvent
		err := row.Scan(&e.ID, &e.StoryID, &e.Event, &e.Phase, &e.Attempt, &e.Detail, &e.Timestamp)
		return e, err
	})
	if err != nil {
		return nil, fmt.Errorf("scan pipeline event: %w", err)
	}
	return events, nil
}

func (p *Postgres) LogPhaseRun(ctx context.Context, r PhaseRun) error {
	ts := r.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	_, err := p.pool.Exec(ctx,
		`INSERT INTO phase_runs (story_id, phase, attempt, outcome, duration_ms, summary, timestamp) VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		r.StoryID, r.Phase, r.Attempt, r.Outcome, r.DurationMs, nullText(r.Summary), ts.UTC(),
	)
	if err != nil {
		return fmt.Errorf("log phase run: %w", err)
	}
	return nil
}

func (p *Postgres) ListPhaseRuns(ctx context.Context, storyID string) ([]PhaseRun, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT id, story_id, phase, attempt, outcome, COALESCE(duration_ms, 0), COALESCE(summary, ''), timestamp
		 FROM phase_runs WHERE story_id = $1 ORDER BY id ASC`,
		storyID,
	)
	if err != nil {
		return nil, fmt.Errorf("list phase runs: %w", err)
	}
	runs, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (PhaseRun, error) {
		var r PhaseRun
		err := row.Scan(&r.ID, &r.StoryID, &r.Phase, &r.Attempt, &r.Outcome, &r.DurationMs, &r.Summary, &r.Timestamp)
		return r, err
	})
	if err != nil {
		return nil, fmt.Errorf("scan phase run: %w", err)
	}
	return runs, nil
}

func (p *Postgres) DeleteStory(ctx context.Context, storyID string) error {
	batch := &pgx.Batch{}
	batch.Queue("DELETE FROM pipeline_events WHERE story_id = $1", storyID)
	batch.Queue("DELETE FROM phase_runs WHERE story_id = $1", storyID)
	if err := p.pool.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("delete story %s: %w", storyID, err)
	}
	return nil
}

func nullText(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
