// Package workflow implements a durable, resumable workflow engine: a
// directed graph of user-defined nodes connected by guarded edges, executed
// one node at a time with every step persisted so a run can be paused,
// resumed in a fresh process, or forked from an earlier point.
package workflow

import (
	"encoding/json"
	"time"
)

// NodeStatus is the terminal or suspended status of a single node within one
// step of a run. A node with no entry in ExecutionState.NodeStatuses has not
// yet run in the current step.
type NodeStatus string

const (
	// NodeWaitingForInput marks a node suspended on a request_input call.
	NodeWaitingForInput NodeStatus = "waiting_for_input"
	// NodeCompleted marks a node whose Execute phase (or fallback) succeeded.
	NodeCompleted NodeStatus = "completed"
	// NodeFailed marks a node whose Prepare, Cleanup, or terminal fallback raised.
	NodeFailed NodeStatus = "failed"
)

// WorkflowStatus is the overall status of a run.
type WorkflowStatus string

const (
	WorkflowIdle            WorkflowStatus = "idle"
	WorkflowRunning         WorkflowStatus = "running"
	WorkflowCompleted       WorkflowStatus = "completed"
	WorkflowFailed          WorkflowStatus = "failed"
	WorkflowWaitingForInput WorkflowStatus = "waiting_for_input"
)

// AwaitingInput describes the single pending input request for a run that is
// WorkflowWaitingForInput. It is nil whenever the workflow status is
// anything else.
type AwaitingInput struct {
	NodeID    string   `json:"node_id"`
	RequestID string   `json:"request_id"`
	Prompt    string   `json:"prompt,omitempty"`
	Options   []string `json:"options,omitempty"`
	Kind      string   `json:"input_type,omitempty"`
}

// ExecutionState is a snapshot of a run between steps. Exactly one of
// NextNodeID and AwaitingInput is non-empty while the workflow is active;
// both empty means the workflow is WorkflowCompleted or WorkflowFailed.
type ExecutionState struct {
	Shared         map[string]any        `json:"shared"`
	NextNodeID     string                 `json:"next_node_id,omitempty"`
	WorkflowStatus WorkflowStatus         `json:"workflow_status"`
	NodeStatuses   map[string]NodeStatus  `json:"node_statuses"`
	AwaitingInput  *AwaitingInput         `json:"awaiting_input,omitempty"`
	PreviousNodeID string                 `json:"previous_node_id,omitempty"`
	Metadata       map[string]any         `json:"metadata"`
}

// newExecutionState builds an initial, empty ExecutionState pointed at
// startNodeID with the given initial shared state.
func newExecutionState(startNodeID string, initial map[string]any, now time.Time) *ExecutionState {
	shared := initial
	if shared == nil {
		shared = map[string]any{}
	}
	return &ExecutionState{
		Shared:         deepCopyMap(shared),
		NextNodeID:     startNodeID,
		WorkflowStatus: WorkflowIdle,
		NodeStatuses:   map[string]NodeStatus{},
		Metadata: map[string]any{
			"start_time": now.Format(time.RFC3339Nano),
			"step":       0,
		},
	}
}

// clone returns a deep copy of the state, independent of the receiver. It is
// used both when appending to the journal (so later mutation of the live
// state can't alias a persisted snapshot) and when snapshotting a historical
// entry for resume/fork. Shared state must stay JSON-serializable by
// invariant; a marshal failure here means a node wrote a
// non-serializable value and is surfaced as an error, not silently dropped.
func (s *ExecutionState) clone() (*ExecutionState, error) {
	data, err := json.Marshal(s)
	if err != nil {
		return nil, &NodeFailure{Message: "shared state is not JSON-serializable", Cause: err}
	}
	out := &ExecutionState{}
	if err := json.Unmarshal(data, out); err != nil {
		return nil, &NodeFailure{Message: "execution state round-trip failed", Cause: err}
	}
	if out.Shared == nil {
		out.Shared = map[string]any{}
	}
	if out.NodeStatuses == nil {
		out.NodeStatuses = map[string]NodeStatus{}
	}
	if out.Metadata == nil {
		out.Metadata = map[string]any{}
	}
	return out, nil
}

func deepCopyMap(m map[string]any) map[string]any {
	data, err := json.Marshal(m)
	if err != nil {
		return map[string]any{}
	}
	out := map[string]any{}
	_ = json.Unmarshal(data, &out)
	return out
}

// active reports whether the run still has work to do: a node queued to
// run, or a pending input request.
func (s *ExecutionState) active() bool {
	return s.NextNodeID != "" || s.AwaitingInput != nil
}
