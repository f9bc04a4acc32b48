package run

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// ErrActiveRun is returned when a knowledge base already has a non-terminal
// run; finalize and reindex are rejected rather than interleaved.
var ErrActiveRun = errors.New("knowledge base already has an active run")

type Repository interface {
	Create(ctx context.Context, r *Run) error
	Get(ctx context.Context, id string) (*Run, error)
	ActiveByKB(ctx context.Context, kbID string) (*Run, error)
	MarkRunning(ctx context.Context, id string) error
	UpdateProgress(ctx context.Context, id, stage string, progress int, stats Stats) error
	Finish(ctx context.Context, id, status, reason string, stats Stats) error
	RequestCancel(ctx context.Context, id string) error
	CancelRequested(ctx context.Context, id string) (bool, error)
	PruneTerminal(ctx context.Context, olderThan time.Duration) (int64, error)
	Count(ctx context.Context) (int, error)
}

type PostgresRepo struct {
	db *sql.DB
}

func NewPostgresRepo(db *sql.DB) *PostgresRepo {
	return &PostgresRepo{db: db}
}

// Create inserts a queued run, failing with ErrActiveRun if the knowledge
// base already has one in flight. The WHERE NOT EXISTS guard and the check
// run in one statement so two concurrent finalize calls cannot both slip
// through.
func (r *PostgresRepo) Create(ctx context.Context, rn *Run) error {
	query := `INSERT INTO pipeline_runs (kb_id, status, reindex)
		SELECT $1, $2, $3
		WHERE NOT EXISTS (
			SELECT 1 FROM pipeline_runs
			WHERE kb_id = $1 AND status IN ('queued', 'running')
		)
		RETURNING id, created_at`
	rn.Status = StatusQueued
	err := r.db.QueryRowContext(ctx, query, rn.KBID, rn.Status, rn.Reindex).Scan(&rn.ID, &rn.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrActiveRun
	}
	return err
}

func (r *PostgresRepo) Get(ctx context.Context, id string) (*Run, error) {
	rn := &Run{}
	var startedAt, finishedAt sql.NullTime
	query := `SELECT id, kb_id, status, stage, progress, sources_total, sources_succeeded, sources_failed,
		chunks_created, vectors_indexed, cancel_requested, reindex, error, started_at, finished_at, created_at
		FROM pipeline_runs WHERE id = $1`
	err := r.db.QueryRowContext(ctx, query, id).Scan(
		&rn.ID, &rn.KBID, &rn.Status, &rn.Stage, &rn.Progress,
		&rn.Stats.SourcesTotal, &rn.Stats.SourcesSucceeded, &rn.Stats.SourcesFailed,
		&rn.Stats.ChunksCreated, &rn.Stats.VectorsIndexed,
		&rn.CancelRequested, &rn.Reindex, &rn.Error, &startedAt, &finishedAt, &rn.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	if startedAt.Valid {
		rn.StartedAt = &startedAt.Time
	}
	if finishedAt.Valid {
		rn.FinishedAt = &finishedAt.Time
	}
	return rn, nil
}

func (r *PostgresRepo) ActiveByKB(ctx context.Context, kbID string) (*Run, error) {
	var id string
	query := `SELECT id FROM pipeline_runs WHERE kb_id = $1 AND status IN ('queued', 'running') LIMIT 1`
	err := r.db.QueryRowContext(ctx, query, kbID).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return r.Get(ctx, id)
}

func (r *PostgresRepo) MarkRunning(ctx context.Context, id string) error {
	query := `UPDATE pipeline_runs SET status = 'running', started_at = NOW() WHERE id = $1 AND status = 'queued'`
	_, err := r.db.ExecContext(ctx, query, id)
	return err
}

func (r *PostgresRepo) UpdateProgress(ctx context.Context, id, stage string, progress int, stats Stats) error {
	if StageIndex(stage) < 0 {
		return fmt.Errorf("unknown pipeline stage %q", stage)
	}
	// Stage and progress only move forward within a run; the array_position
	// CASE and GREATEST guard against a stale writer racing a fresher one.
	query := `UPDATE pipeline_runs SET
		stage = CASE WHEN COALESCE(array_position($9::text[], $2), 0) >= COALESCE(array_position($9::text[], stage), 0) THEN $2 ELSE stage END,
		progress = GREATEST(progress, $3),
		sources_total = $4, sources_succeeded = $5, sources_failed = $6,
		chunks_created = $7, vectors_indexed = $8
		WHERE id = $1`
	_, err := r.db.ExecContext(ctx, query, id, stage, progress,
		stats.SourcesTotal, stats.SourcesSucceeded, stats.SourcesFailed,
		stats.ChunksCreated, stats.VectorsIndexed, pq.Array(stageSequence))
	return err
}

func (r *PostgresRepo) Finish(ctx context.Context, id, status, reason string, stats Stats) error {
	query := `UPDATE pipeline_runs SET status = $2, error = $3, progress = CASE WHEN $2 = 'completed' THEN 100 ELSE progress END,
		sources_total = $4, sources_succeeded = $5, sources_failed = $6,
		chunks_created = $7, vectors_indexed = $8,
		finished_at = NOW()
		WHERE id = $1`
	_, err := r.db.ExecContext(ctx, query, id, status, reason,
		stats.SourcesTotal, stats.SourcesSucceeded, stats.SourcesFailed,
		stats.ChunksCreated, stats.VectorsIndexed)
	return err
}

func (r *PostgresRepo) RequestCancel(ctx context.Context, id string) error {
	query := `UPDATE pipeline_runs SET cancel_requested = TRUE WHERE id = $1 AND status IN ('queued', 'running')`
	_, err := r.db.ExecContext(ctx, query, id)
	return err
}

func (r *PostgresRepo) CancelRequested(ctx context.Context, id string) (bool, error) {
	var requested bool
	query := `SELECT cancel_requested FROM pipeline_runs WHERE id = $1`
	err := r.db.QueryRowContext(ctx, query, id).Scan(&requested)
	return requested, err
}

func (r *PostgresRepo) PruneTerminal(ctx context.Context, olderThan time.Duration) (int64, error) {
	query := `DELETE FROM pipeline_runs
		WHERE status IN ('completed', 'failed', 'cancelled') AND finished_at < NOW() - ($1 * INTERVAL '1 second')`
	res, err := r.db.ExecContext(ctx, query, int64(olderThan.Seconds()))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (r *PostgresRepo) Count(ctx context.Context) (int, error) {
	var count int
	err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM pipeline_runs`).Scan(&count)
	return count, err
}
