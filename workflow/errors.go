package workflow

import (
	"errors"
	"fmt"
)

// LoadError is returned by Load when a workflow document is malformed: an
// unknown node class tag, a missing required field, or a missing start node.
type LoadError struct {
	Message string
	Cause   error
}

func (e *LoadError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("load workflow: %s: %v", e.Message, e.Cause)
	}
	return fmt.Sprintf("load workflow: %s", e.Message)
}

func (e *LoadError) Unwrap() error { return e.Cause }

// ResumeError is returned by Resume when a run cannot be found, the
// requested step index is out of range, or a node named by the snapshot no
// longer exists in the current graph.
type ResumeError struct {
	Message string
	NodeID  string
	Cause   error
}

func (e *ResumeError) Error() string {
	if e.NodeID != "" {
		return fmt.Sprintf("resume workflow: %s (node %q)", e.Message, e.NodeID)
	}
	if e.Cause != nil {
		return fmt.Sprintf("resume workflow: %s: %v", e.Message, e.Cause)
	}
	return fmt.Sprintf("resume workflow: %s", e.Message)
}

func (e *ResumeError) Unwrap() error { return e.Cause }

// NodeFailure is returned when a user node raises during Prepare, Cleanup,
// or the terminal ExecFallback of Execute. The engine marks the node and
// workflow failed, persists the failing snapshot, and propagates this error.
type NodeFailure struct {
	NodeID  string
	Phase   string
	Message string
	Cause   error
}

func (e *NodeFailure) Error() string {
	if e.NodeID != "" && e.Phase != "" {
		return fmt.Sprintf("node %s: %s: %s", e.NodeID, e.Phase, e.errMessage())
	}
	if e.NodeID != "" {
		return fmt.Sprintf("node %s: %s", e.NodeID, e.errMessage())
	}
	return e.errMessage()
}

func (e *NodeFailure) errMessage() string {
	if e.Message != "" {
		if e.Cause != nil {
			return fmt.Sprintf("%s: %v", e.Message, e.Cause)
		}
		return e.Message
	}
	if e.Cause != nil {
		return e.Cause.Error()
	}
	return "node failed"
}

func (e *NodeFailure) Unwrap() error { return e.Cause }

// ErrWorkflowInactive names the condition of a run with no next node, no
// pending input, and no failure — i.e. one that already completed. Step does
// not return it: it reports such a run as (false, nil).
var ErrWorkflowInactive = errors.New("workflow: run is not active")

// ErrUnknownRequestID names the condition of input delivered under a
// request id the run is not currently awaiting. Step does not return it: it
// reports such a call as (true, nil) and the run keeps waiting.
var ErrUnknownRequestID = errors.New("workflow: no pending request with that id")
