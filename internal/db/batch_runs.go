package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// uniqueViolation is the PostgreSQL SQLSTATE for unique constraint failures.
const uniqueViolation = "23505"

const batchRunColumns = `id, kind, total, processed_ok, skipped, errors, status, started_at, finished_at`

// -----------------------------------------------------------------------------
// Batch Run Methods
// -----------------------------------------------------------------------------

// CreateBatchRun inserts a new run row in running status. The partial unique
// index on running rows turns a concurrent duplicate into ErrRunAlreadyActive.
func (db *DB) CreateBatchRun(ctx context.Context, run *BatchRun) error {
	if run.ID == uuid.Nil {
		run.ID = uuid.New()
	}
	if run.StartedAt.IsZero() {
		run.StartedAt = time.Now()
	}
	run.Status = BatchRunStatusRunning

	_, err := db.pool.Exec(ctx,
		`INSERT INTO batch_job_runs (id, kind, total, processed_ok, skipped, errors, status, started_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		run.ID, run.Kind, run.Total, run.ProcessedOK, run.Skipped, run.Errors, run.Status, run.StartedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return fmt.Errorf("failed to create batch run for %s: %w", run.Kind, ErrRunAlreadyActive)
		}
		return fmt.Errorf("failed to create batch run: %w", err)
	}
	return nil
}

// UpdateBatchRunProgress stores the latest counters of a running run.
func (db *DB) UpdateBatchRunProgress(ctx context.Context, id uuid.UUID, counts BatchRunCounts) error {
	tag, err := db.pool.Exec(ctx,
		`UPDATE batch_job_runs
		 SET processed_ok = $1, skipped = $2, errors = $3
		 WHERE id = $4 AND status = 'running'`,
		counts.ProcessedOK, counts.Skipped, counts.Errors, id,
	)
	if err != nil {
		return fmt.Errorf("failed to update batch run progress: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("failed to update batch run %s: %w", id, ErrRunNotActive)
	}
	return nil
}

// FinishBatchRun finalizes a running run. Rows that are no longer running are
// left untouched and ErrRunNotActive is returned.
func (db *DB) FinishBatchRun(ctx context.Context, id uuid.UUID, status string, counts BatchRunCounts, finishedAt time.Time) error {
	if status != BatchRunStatusCompleted && status != BatchRunStatusFailed {
		return fmt.Errorf("invalid terminal status: %q", status)
	}

	tag, err := db.pool.Exec(ctx,
		`UPDATE batch_job_runs
		 SET status = $1, processed_ok = $2, skipped = $3, errors = $4, finished_at = $5
		 WHERE id = $6 AND status = 'running'`,
		status, counts.ProcessedOK, counts.Skipped, counts.Errors, finishedAt, id,
	)
	if err != nil {
		return fmt.Errorf("failed to finish batch run: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("failed to finish batch run %s: %w", id, ErrRunNotActive)
	}
	return nil
}

// GetBatchRun retrieves a run by ID. Returns nil if not found.
func (db *DB) GetBatchRun(ctx context.Context, id uuid.UUID) (*BatchRun, error) {
	row := db.pool.QueryRow(ctx,
		`SELECT `+batchRunColumns+` FROM batch_job_runs WHERE id = $1`, id)
	run, err := scanBatchRun(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get batch run: %w", err)
	}
	return run, nil
}

// GetRunningBatchRun retrieves the running row for kind. Returns nil if none.
func (db *DB) GetRunningBatchRun(ctx context.Context, kind string) (*BatchRun, error) {
	row := db.pool.QueryRow(ctx,
		`SELECT `+batchRunColumns+` FROM batch_job_runs
		 WHERE kind = $1 AND status = 'running'
		 ORDER BY started_at DESC LIMIT 1`, kind)
	run, err := scanBatchRun(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get running batch run: %w", err)
	}
	return run, nil
}

// ListBatchRuns retrieves runs most recent first.
func (db *DB) ListBatchRuns(ctx context.Context, limit int) ([]BatchRun, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := db.pool.Query(ctx,
		`SELECT `+batchRunColumns+` FROM batch_job_runs
		 ORDER BY started_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list batch runs: %w", err)
	}
	defer rows.Close()

	runs := []BatchRun{}
	for rows.Next() {
		run, err := scanBatchRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan batch run: %w", err)
		}
		runs = append(runs, *run)
	}
	return runs, rows.Err()
}

// FailStaleBatchRuns marks every running row as failed. It is meant for
// process start, before any run can be in flight, so rows left behind by a
// crash stop blocking their kind.
func (db *DB) FailStaleBatchRuns(ctx context.Context) (int64, error) {
	tag, err := db.pool.Exec(ctx,
		`UPDATE batch_job_runs SET status = 'failed', finished_at = NOW()
		 WHERE status = 'running'`)
	if err != nil {
		return 0, fmt.Errorf("failed to fail stale batch runs: %w", err)
	}
	return tag.RowsAffected(), nil
}

func scanBatchRun(row pgx.Row) (*BatchRun, error) {
	var run BatchRun
	err := row.Scan(&run.ID, &run.Kind, &run.Total, &run.ProcessedOK, &run.Skipped,
		&run.Errors, &run.Status, &run.StartedAt, &run.FinishedAt)
	if err != nil {
		return nil, err
	}
	return &run, nil
}
