// Package persistence keeps run history, per-task state snapshots, and engine
// session identifiers in SQLite, backing the resume and status commands.
package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// RunStatus values persisted for a run.
const (
	RunStatusRunning    = "running"
	RunStatusSucceeded  = "succeeded"
	RunStatusFailed     = "failed"
	RunStatusTerminated = "terminated"
)

// Run is one orchestration of a PRD.
type Run struct {
	PRDID      string
	Engine     string
	BaseBranch string
	Status     string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// TaskState is a persisted per-task snapshot.
type TaskState struct {
	TaskID      string
	Status      string // pending | running | done | failed
	Branch      string
	FailureType string
	Error       string
}

// Store is the persistence interface for runs, task states, and sessions.
type Store interface {
	SaveRun(ctx context.Context, run *Run) error
	UpdateRunStatus(ctx context.Context, prdID, status string) error
	GetRun(ctx context.Context, prdID string) (*Run, error)
	ListRuns(ctx context.Context) ([]*Run, error)

	SaveTaskState(ctx context.Context, prdID string, state *TaskState) error
	ListTaskStates(ctx context.Context, prdID string) ([]*TaskState, error)

	SaveSession(ctx context.Context, prdID, taskID, sessionID, engineType string) error
	GetSession(ctx context.Context, prdID, taskID string) (sessionID string, engineType string, err error)

	Close() error
}

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLite-backed store at the given path.
// Creates parent directories if needed. Enables WAL mode and a busy timeout.
func NewSQLiteStore(ctx context.Context, dbPath string) (*SQLiteStore, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create parent directories: %w", err)
	}

	connStr := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL", dbPath)
	db, err := sql.Open("sqlite", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(2)

	store := &SQLiteStore{db: db}
	if err := store.initSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return store, nil
}

// NewMemoryStore creates an in-memory SQLite store for testing.
func NewMemoryStore(ctx context.Context) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", "file::memory:?mode=memory&cache=shared")
	if err != nil {
		return nil, fmt.Errorf("failed to open memory database: %w", err)
	}

	db.SetMaxOpenConns(2)

	store := &SQLiteStore{db: db}
	if err := store.initSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return store, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
