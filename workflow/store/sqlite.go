package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"

	_ "modernc.org/sqlite"
)

// SQLiteStore is a SQLite-backed Store, for single-process workflows that
// need persistence across restarts without standing up a database server.
// One row per run, upserted on every save.
type SQLiteStore struct {
	db *sql.DB
	mu sync.Mutex
}

// NewSQLiteStore opens (creating if necessary) a SQLite database at path —
// "./workflows.db" for a file, ":memory:" for an ephemeral one — and
// ensures the schema exists.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1) // sqlite allows one writer at a time

	ctx := context.Background()
	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store: enable WAL mode: %w", err)
	}
	if _, err := db.ExecContext(ctx, "PRAGMA busy_timeout=5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store: set busy timeout: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.createTables(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) createTables(ctx context.Context) error {
	const schema = `
		CREATE TABLE IF NOT EXISTS workflow_states (
			workflow_id TEXT NOT NULL,
			run_id TEXT NOT NULL,
			steps_json TEXT NOT NULL,
			updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (workflow_id, run_id)
		)
	`
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("store: create workflow_states table: %w", err)
	}
	if _, err := s.db.ExecContext(ctx,
		"CREATE INDEX IF NOT EXISTS idx_workflow_states_workflow ON workflow_states(workflow_id)"); err != nil {
		return fmt.Errorf("store: create workflow index: %w", err)
	}
	return nil
}

func (s *SQLiteStore) SaveState(ctx context.Context, workflowID, runID string, steps []json.RawMessage) error {
	data, err := json.Marshal(steps)
	if err != nil {
		return fmt.Errorf("store: marshal steps: %w", err)
	}

	const query = `
		INSERT INTO workflow_states (workflow_id, run_id, steps_json, updated_at)
		VALUES (?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(workflow_id, run_id) DO UPDATE SET
			steps_json = excluded.steps_json,
			updated_at = CURRENT_TIMESTAMP
	`
	if _, err := s.db.ExecContext(ctx, query, workflowID, runID, string(data)); err != nil {
		return fmt.Errorf("store: save state: %w", err)
	}
	return nil
}

func (s *SQLiteStore) LoadState(ctx context.Context, workflowID, runID string) ([]json.RawMessage, error) {
	const query = `SELECT steps_json FROM workflow_states WHERE workflow_id = ? AND run_id = ?`

	var stepsJSON string
	err := s.db.QueryRowContext(ctx, query, workflowID, runID).Scan(&stepsJSON)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: load state: %w", err)
	}

	var steps []json.RawMessage
	if err := json.Unmarshal([]byte(stepsJSON), &steps); err != nil {
		return nil, fmt.Errorf("store: unmarshal steps: %w", err)
	}
	return steps, nil
}

func (s *SQLiteStore) ListRuns(ctx context.Context, workflowID string) ([]string, error) {
	const query = `
		SELECT run_id FROM workflow_states
		WHERE workflow_id = ?
		ORDER BY run_id DESC
	`
	rows, err := s.db.QueryContext(ctx, query, workflowID)
	if err != nil {
		return nil, fmt.Errorf("store: list runs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("store: scan run id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *SQLiteStore) ListWorkflows(ctx context.Context) ([]string, error) {
	const query = `SELECT DISTINCT workflow_id FROM workflow_states ORDER BY workflow_id ASC`
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("store: list workflows: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("store: scan workflow id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Close()
}
