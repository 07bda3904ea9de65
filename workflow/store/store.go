// Package store provides pluggable persistence for workflow step journals,
// keyed by (workflow_id, run_id).
//
// Storage implementations must not interpret snapshot contents beyond
// serialization — each step is handed around as opaque json.RawMessage, not
// a typed ExecutionState, so Store has no dependency on the workflow
// package and no implementation can accidentally branch on snapshot fields.
package store

import (
	"context"
	"encoding/json"
	"errors"
)

// ErrNotFound is returned by LoadState when no journal exists for the given
// (workflowID, runID) pair.
var ErrNotFound = errors.New("store: run not found")

// Store is the persistence boundary for workflow runs.
type Store interface {
	// SaveState replaces the run's entire journal atomically. steps is the
	// full, ordered list of step snapshots — not a delta.
	SaveState(ctx context.Context, workflowID, runID string, steps []json.RawMessage) error

	// LoadState returns the run's journal, or ErrNotFound if no run exists
	// under (workflowID, runID).
	LoadState(ctx context.Context, workflowID, runID string) ([]json.RawMessage, error)

	// ListRuns returns every run id recorded for workflowID, newest first.
	ListRuns(ctx context.Context, workflowID string) ([]string, error)

	// ListWorkflows returns every workflow id this store has at least one
	// run for.
	ListWorkflows(ctx context.Context) ([]string, error)
}
