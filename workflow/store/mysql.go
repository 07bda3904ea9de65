package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"

	_ "github.com/go-sql-driver/mysql"
)

// MySQLStore is a MySQL-backed Store for workflows that need a shared,
// network-accessible persistence layer (multiple engine processes resuming
// the same run, or a fleet of workers). Same (workflow_id, run_id) upsert
// shape as SQLiteStore, adapted for MySQL's ON DUPLICATE KEY UPDATE syntax
// and connection-pooling model.
type MySQLStore struct {
	db *sql.DB
	mu sync.Mutex
}

// NewMySQLStore opens a connection pool against dsn (e.g.
// "user:pass@tcp(127.0.0.1:3306)/workflows?parseTime=true") and ensures the
// schema exists.
func NewMySQLStore(dsn string) (*MySQLStore, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open mysql: %w", err)
	}

	ctx := context.Background()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store: ping mysql: %w", err)
	}

	s := &MySQLStore{db: db}
	if err := s.createTables(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *MySQLStore) createTables(ctx context.Context) error {
	const schema = `
		CREATE TABLE IF NOT EXISTS workflow_states (
			workflow_id VARCHAR(255) NOT NULL,
			run_id VARCHAR(255) NOT NULL,
			steps_json LONGTEXT NOT NULL,
			updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP ON UPDATE CURRENT_TIMESTAMP,
			PRIMARY KEY (workflow_id, run_id),
			INDEX idx_workflow_states_workflow (workflow_id)
		) ENGINE=InnoDB
	`
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("store: create workflow_states table: %w", err)
	}
	return nil
}

func (s *MySQLStore) SaveState(ctx context.Context, workflowID, runID string, steps []json.RawMessage) error {
	data, err := json.Marshal(steps)
	if err != nil {
		return fmt.Errorf("store: marshal steps: %w", err)
	}

	const query = `
		INSERT INTO workflow_states (workflow_id, run_id, steps_json)
		VALUES (?, ?, ?)
		ON DUPLICATE KEY UPDATE steps_json = VALUES(steps_json)
	`
	if _, err := s.db.ExecContext(ctx, query, workflowID, runID, string(data)); err != nil {
		return fmt.Errorf("store: save state: %w", err)
	}
	return nil
}

func (s *MySQLStore) LoadState(ctx context.Context, workflowID, runID string) ([]json.RawMessage, error) {
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

func (s *MySQLStore) ListRuns(ctx context.Context, workflowID string) ([]string, error) {
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

func (s *MySQLStore) ListWorkflows(ctx context.Context) ([]string, error) {
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

// Close closes the underlying connection pool.
func (s *MySQLStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Close()
}
