// Package emit provides pluggable observability sinks for workflow
// execution.
package emit

// Event is an observability event raised during workflow execution —
// node lifecycle transitions (completion, failure, suspension, resumption),
// retries, fallbacks, and condition evaluation failures. There are no
// run-level start/completion events.
type Event struct {
	WorkflowID string
	RunID      string
	Step       int
	NodeID     string
	Msg        string
	Meta       map[string]any
}
