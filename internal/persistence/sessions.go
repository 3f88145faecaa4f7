package persistence

import (
	"context"
	"database/sql"
	"fmt"
)

// SaveSession stores the engine session for a task so a retried or resumed
// task can continue its conversation.
func (s *SQLiteStore) SaveSession(ctx context.Context, prdID, taskID, sessionID, engineType string) error {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (prd_id, task_id, session_id, engine_type)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(prd_id, task_id) DO UPDATE SET
			session_id = excluded.session_id,
			engine_type = excluded.engine_type
	`, prdID, taskID, sessionID, engineType)
	if err != nil {
		return fmt.Errorf("failed to save session: %w", err)
	}
	return nil
}

// GetSession retrieves the engine session for a task. Returns a wrapped
// sql.ErrNoRows when no session exists.
func (s *SQLiteStore) GetSession(ctx context.Context, prdID, taskID string) (string, string, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	var sessionID, engineType string
	err := s.db.QueryRowContext(ctx, `
		SELECT session_id, engine_type FROM sessions
		WHERE prd_id = ? AND task_id = ?
	`, prdID, taskID).Scan(&sessionID, &engineType)

	if err == sql.ErrNoRows {
		return "", "", fmt.Errorf("no session found for task %q: %w", taskID, err)
	}
	if err != nil {
		return "", "", fmt.Errorf("failed to query session: %w", err)
	}
	return sessionID, engineType, nil
}
