package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

const queryTimeout = 5 * time.Second

// SaveRun inserts or updates a run row. Upserts so resume re-registers the
// same PRD without error.
func (s *SQLiteStore) SaveRun(ctx context.Context, run *Run) error {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO runs (prd_id, engine, base_branch, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP)
		ON CONFLICT(prd_id) DO UPDATE SET
			engine = excluded.engine,
			base_branch = excluded.base_branch,
			status = excluded.status,
			updated_at = CURRENT_TIMESTAMP
	`, run.PRDID, run.Engine, run.BaseBranch, run.Status)
	if err != nil {
		return fmt.Errorf("failed to upsert run: %w", err)
	}
	return nil
}

// UpdateRunStatus sets the terminal status for a run.
func (s *SQLiteStore) UpdateRunStatus(ctx context.Context, prdID, status string) error {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	res, err := s.db.ExecContext(ctx, `
		UPDATE runs SET status = ?, updated_at = CURRENT_TIMESTAMP WHERE prd_id = ?
	`, status, prdID)
	if err != nil {
		return fmt.Errorf("failed to update run status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("run not found: %s", prdID)
	}
	return nil
}

// GetRun retrieves a run by PRD ID.
func (s *SQLiteStore) GetRun(ctx context.Context, prdID string) (*Run, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	run := &Run{}
	err := s.db.QueryRowContext(ctx, `
		SELECT prd_id, engine, base_branch, status, created_at, updated_at
		FROM runs WHERE prd_id = ?
	`, prdID).Scan(&run.PRDID, &run.Engine, &run.BaseBranch, &run.Status, &run.CreatedAt, &run.UpdatedAt)

	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("run not found: %s", prdID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query run: %w", err)
	}
	return run, nil
}

// ListRuns returns all runs, most recent first.
func (s *SQLiteStore) ListRuns(ctx context.Context) ([]*Run, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, `
		SELECT prd_id, engine, base_branch, status, created_at, updated_at
		FROM runs ORDER BY created_at DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query runs: %w", err)
	}
	defer rows.Close()

	runs := []*Run{}
	for rows.Next() {
		run := &Run{}
		if err := rows.Scan(&run.PRDID, &run.Engine, &run.BaseBranch, &run.Status, &run.CreatedAt, &run.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating runs: %w", err)
	}
	return runs, nil
}

// SaveTaskState upserts a per-task snapshot for a run.
func (s *SQLiteStore) SaveTaskState(ctx context.Context, prdID string, state *TaskState) error {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO run_tasks (prd_id, task_id, status, branch, failure_type, error, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(prd_id, task_id) DO UPDATE SET
			status = excluded.status,
			branch = excluded.branch,
			failure_type = excluded.failure_type,
			error = excluded.error,
			updated_at = CURRENT_TIMESTAMP
	`, prdID, state.TaskID, state.Status, state.Branch, state.FailureType, state.Error)
	if err != nil {
		return fmt.Errorf("failed to upsert task state: %w", err)
	}
	return nil
}

// ListTaskStates returns every persisted task snapshot for a run.
func (s *SQLiteStore) ListTaskStates(ctx context.Context, prdID string) ([]*TaskState, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, `
		SELECT task_id, status, COALESCE(branch, ''), COALESCE(failure_type, ''), COALESCE(error, '')
		FROM run_tasks WHERE prd_id = ? ORDER BY task_id
	`, prdID)
	if err != nil {
		return nil, fmt.Errorf("failed to query task states: %w", err)
	}
	defer rows.Close()

	states := []*TaskState{}
	for rows.Next() {
		state := &TaskState{}
		if err := rows.Scan(&state.TaskID, &state.Status, &state.Branch, &state.FailureType, &state.Error); err != nil {
			return nil, fmt.Errorf("failed to scan task state: %w", err)
		}
		states = append(states, state)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating task states: %w", err)
	}
	return states, nil
}
