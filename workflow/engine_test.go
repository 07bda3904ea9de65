package workflow_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/resumegraph/resumegraph/workflow"
	"github.com/resumegraph/resumegraph/workflow/store"
)

// markNode writes a fixed value into shared state under its own id.
type markNode struct {
	workflow.BaseNode
	id    string
	value any
}

func (n markNode) Execute(_ context.Context, _ any) (any, error) { return n.value, nil }

func (n markNode) Cleanup(_ context.Context, shared map[string]any, _ any, result any) (any, error) {
	shared[n.id] = result
	return result, nil
}

func registerMark(r *workflow.Registry) {
	r.Register("mark", func(id string, cfg map[string]any) (workflow.Node, error) {
		value := any(true)
		if v, ok := cfg["value"]; ok {
			value = v
		}
		return markNode{id: id, value: value}, nil
	})
}

// askNode suspends on its own Prepare phase via request_input, then echoes
// whatever value it's given into shared state.
type askNode struct {
	workflow.BaseNode
	id string
}

func (n askNode) Prepare(ctx context.Context, _ map[string]any, requestInput workflow.RequestInputFunc) (any, error) {
	return requestInput(ctx, "need a value", nil, "text", "")
}

func (n askNode) Execute(_ context.Context, prepared any) (any, error) { return prepared, nil }

func (n askNode) Cleanup(_ context.Context, shared map[string]any, _ any, result any) (any, error) {
	shared[n.id] = result
	return result, nil
}

func registerAsk(r *workflow.Registry) {
	r.Register("ask", func(id string, _ map[string]any) (workflow.Node, error) {
		return askNode{id: id}, nil
	})
}

func newTestEngine(t *testing.T, workflowID string, doc *workflow.Document, registry *workflow.Registry, st store.Store) *workflow.Engine {
	t.Helper()
	e, err := workflow.New(context.Background(), workflowID, doc, nil, workflow.WithRegistry(registry), workflow.WithStore(st))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return e
}

func TestLinearRunThreeNodes(t *testing.T) {
	registry := workflow.NewRegistry()
	registerMark(registry)

	doc := &workflow.Document{
		Start: "A",
		Nodes: []workflow.NodeDoc{
			{ID: "A", Class: "mark"},
			{ID: "B", Class: "mark"},
			{ID: "C", Class: "mark"},
		},
		Edges: []workflow.EdgeDoc{
			{From: "A", To: "B"},
			{From: "B", To: "C"},
		},
	}

	e := newTestEngine(t, "linear", doc, registry, store.NewMemStore())

	summary, err := e.Run(context.Background(), nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if summary.Status != workflow.WorkflowCompleted {
		t.Fatalf("status = %v, want completed", summary.Status)
	}
	if summary.IsActive {
		t.Fatal("IsActive should be false once completed")
	}

	state, err := e.CurrentState()
	if err != nil {
		t.Fatalf("CurrentState: %v", err)
	}
	for _, id := range []string{"A", "B", "C"} {
		if v, _ := state.Shared[id].(bool); !v {
			t.Errorf("shared[%q] = %v, want true", id, state.Shared[id])
		}
	}

	if got := e.JournalLen(); got != 4 {
		t.Errorf("JournalLen() = %d, want 4 (initial + 3 steps)", got)
	}
}

func TestConditionalBranchTrueShortCircuits(t *testing.T) {
	registry := workflow.NewRegistry()
	registerMark(registry)

	doc := &workflow.Document{
		Start: "router",
		Nodes: []workflow.NodeDoc{
			{ID: "router", Class: "mark"},
			{ID: "big", Class: "mark"},
			{ID: "small", Class: "mark"},
		},
		Edges: []workflow.EdgeDoc{
			{From: "router", To: "big", Condition: "shared['x']>5"},
			{From: "router", To: "small", Condition: "True"},
		},
	}

	// An unconditional "True" edge wins outright, regardless of scan order
	// and regardless of whether a sibling's guard would also match — this
	// holds for every value of x.
	for _, x := range []int{10, 0} {
		x := x
		t.Run(fmt.Sprintf("x=%d always visits small, True wins over big's guard", x), func(t *testing.T) {
			e, err := workflow.New(context.Background(), "branch", doc, map[string]any{"x": x},
				workflow.WithRegistry(registry), workflow.WithStore(store.NewMemStore()))
			if err != nil {
				t.Fatalf("New: %v", err)
			}
			if _, err := e.Run(context.Background(), nil); err != nil {
				t.Fatalf("Run: %v", err)
			}
			state, _ := e.CurrentState()
			if _, ok := state.Shared["small"]; !ok {
				t.Errorf("expected router->small (True wins) with x=%d, shared=%v", x, state.Shared)
			}
			if _, ok := state.Shared["big"]; ok {
				t.Errorf("big must never be visited while small's edge is unconditional, shared=%v", state.Shared)
			}
		})
	}
}

func TestDefaultEdgeViaNone(t *testing.T) {
	registry := workflow.NewRegistry()
	registerMark(registry)

	doc := &workflow.Document{
		Start: "router",
		Nodes: []workflow.NodeDoc{
			{ID: "router", Class: "mark"},
			{ID: "matched", Class: "mark"},
			{ID: "fallback", Class: "mark"},
		},
		Edges: []workflow.EdgeDoc{
			{From: "router", To: "matched", Condition: "shared['x']>5"},
			{From: "router", To: "fallback", Condition: "None"},
		},
	}

	e, err := workflow.New(context.Background(), "default-edge", doc, map[string]any{"x": 0},
		workflow.WithRegistry(registry), workflow.WithStore(store.NewMemStore()))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := e.Run(context.Background(), nil); err != nil {
		t.Fatalf("Run: %v", err)
	}
	state, _ := e.CurrentState()
	if _, ok := state.Shared["fallback"]; !ok {
		t.Errorf("expected the None edge to fire when no guard matches, shared=%v", state.Shared)
	}
	if _, ok := state.Shared["matched"]; ok {
		t.Errorf("guard shared['x']>5 should not have matched with x=0, shared=%v", state.Shared)
	}
}

func TestInputSuspensionAndResumeInProcess(t *testing.T) {
	registry := workflow.NewRegistry()
	registerAsk(registry)

	doc := &workflow.Document{
		Start: "ask",
		Nodes: []workflow.NodeDoc{{ID: "ask", Class: "ask"}},
	}

	e := newTestEngine(t, "ask-wf", doc, registry, store.NewMemStore())

	summary, err := e.Run(context.Background(), nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if summary.AwaitingInput == nil {
		t.Fatal("expected the run to suspend awaiting input")
	}
	if summary.AwaitingInput.NodeID != "ask" {
		t.Errorf("AwaitingInput.NodeID = %q, want %q", summary.AwaitingInput.NodeID, "ask")
	}
	if got := e.JournalLen(); got != 2 {
		t.Errorf("JournalLen() = %d, want 2 (initial + suspension snapshot)", got)
	}

	requestID := summary.AwaitingInput.RequestID
	summary, err = e.Run(context.Background(), map[string]any{requestID: "the answer"})
	if err != nil {
		t.Fatalf("Run after input: %v", err)
	}
	if summary.Status != workflow.WorkflowCompleted {
		t.Fatalf("status = %v, want completed", summary.Status)
	}
	state, _ := e.CurrentState()
	if state.Shared["ask"] != "the answer" {
		t.Errorf("shared[ask] = %v, want %q", state.Shared["ask"], "the answer")
	}
	if got := e.JournalLen(); got < 3 {
		t.Errorf("JournalLen() = %d, want >= 3 after resuming", got)
	}
}

func TestCrossProcessResumeDeliversInputWithoutFuture(t *testing.T) {
	registry := workflow.NewRegistry()
	registerAsk(registry)
	doc := &workflow.Document{
		Start: "ask",
		Nodes: []workflow.NodeDoc{{ID: "ask", Class: "ask"}},
	}

	backing := store.NewMemStore()
	e := newTestEngine(t, "ask-cp", doc, registry, backing)
	summary, err := e.Run(context.Background(), nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	requestID := summary.AwaitingInput.RequestID
	workflowID, runID := e.WorkflowID(), e.RunID()

	// Simulate a fresh process: a brand new Engine loaded from Storage has no
	// in-memory future for requestID, so request_input must resynthesize the
	// answer from inputData instead of suspending again.
	resumed, err := workflow.Resume(context.Background(), workflowID, runID, -1, false, doc,
		workflow.WithRegistry(registry), workflow.WithStore(backing))
	if err != nil {
		t.Fatalf("Resume: %v", err)
	}

	resumedSummary, err := resumed.Run(context.Background(), map[string]any{requestID: "cross-process answer"})
	if err != nil {
		t.Fatalf("Run after cross-process resume: %v", err)
	}
	if resumedSummary.Status != workflow.WorkflowCompleted {
		t.Fatalf("status = %v, want completed", resumedSummary.Status)
	}
	state, _ := resumed.CurrentState()
	if state.Shared["ask"] != "cross-process answer" {
		t.Errorf("shared[ask] = %v, want %q", state.Shared["ask"], "cross-process answer")
	}
}

func TestResumeRejectsMissingNode(t *testing.T) {
	registry := workflow.NewRegistry()
	registerMark(registry)
	doc := &workflow.Document{
		Start: "A",
		Nodes: []workflow.NodeDoc{
			{ID: "A", Class: "mark"},
			{ID: "X", Class: "mark"},
		},
		Edges: []workflow.EdgeDoc{{From: "A", To: "X"}},
	}

	backing := store.NewMemStore()
	e := newTestEngine(t, "missing-node", doc, registry, backing)
	if _, err := e.Run(context.Background(), nil); err != nil {
		t.Fatalf("Run: %v", err)
	}
	workflowID, runID := e.WorkflowID(), e.RunID()

	// The last snapshot records previous_node_id = "X" (the final node run).

	prunedDoc := &workflow.Document{
		Start: "A",
		Nodes: []workflow.NodeDoc{{ID: "A", Class: "mark"}},
	}
	_, err := workflow.Resume(context.Background(), workflowID, runID, -1, false, prunedDoc,
		workflow.WithRegistry(registry), workflow.WithStore(backing))
	if err == nil {
		t.Fatal("expected Resume to fail: node X no longer exists")
	}
	var resumeErr *workflow.ResumeError
	if !errors.As(err, &resumeErr) {
		t.Fatalf("error = %T, want *workflow.ResumeError", err)
	}
	if resumeErr.NodeID != "X" {
		t.Errorf("ResumeError.NodeID = %q, want %q", resumeErr.NodeID, "X")
	}
}

func TestForkProducesIndependentRun(t *testing.T) {
	registry := workflow.NewRegistry()
	registerMark(registry)
	doc := &workflow.Document{
		Start: "A",
		Nodes: []workflow.NodeDoc{
			{ID: "A", Class: "mark"},
			{ID: "B", Class: "mark"},
		},
		Edges: []workflow.EdgeDoc{{From: "A", To: "B"}},
	}

	backing := store.NewMemStore()
	e := newTestEngine(t, "forkable", doc, registry, backing)
	if _, err := e.Step(context.Background(), nil); err != nil { // runs A
		t.Fatalf("Step: %v", err)
	}
	ancestorRunID := e.RunID()
	ancestorJournalLen := e.JournalLen()

	forked, err := workflow.Resume(context.Background(), "forkable", ancestorRunID, 1, true, doc,
		workflow.WithRegistry(registry), workflow.WithStore(backing))
	if err != nil {
		t.Fatalf("Resume(fork): %v", err)
	}

	if forked.RunID() == ancestorRunID {
		t.Fatal("forked run must have a different run id")
	}
	if got := forked.JournalLen(); got != 1 {
		t.Errorf("forked JournalLen() = %d, want 1", got)
	}

	forkedState, _ := forked.CurrentState()
	meta, ok := forkedState.Metadata["forked_from"].(map[string]any)
	if !ok {
		t.Fatalf("forked_from metadata missing or wrong shape: %#v", forkedState.Metadata["forked_from"])
	}
	if meta["run_id"] != ancestorRunID {
		t.Errorf("forked_from.run_id = %v, want %q", meta["run_id"], ancestorRunID)
	}
	if _, hasForkTime := forkedState.Metadata["fork_time"]; !hasForkTime {
		t.Error("fork_time metadata missing")
	}

	// The ancestor run's own journal must be untouched by the fork.
	raws, err := backing.LoadState(context.Background(), "forkable", ancestorRunID)
	if err != nil {
		t.Fatalf("LoadState(ancestor): %v", err)
	}
	if len(raws) != ancestorJournalLen {
		t.Errorf("ancestor journal length changed by fork: got %d, want %d", len(raws), ancestorJournalLen)
	}
}

// twiceAskNode requests two separate inputs under distinct request ids
// before completing, so one run suspends twice in the same process.
type twiceAskNode struct {
	workflow.BaseNode
}

func (n twiceAskNode) Prepare(ctx context.Context, _ map[string]any, requestInput workflow.RequestInputFunc) (any, error) {
	first, err := requestInput(ctx, "first?", nil, "text", "q1")
	if err != nil {
		return nil, err
	}
	second, err := requestInput(ctx, "second?", nil, "text", "q2")
	if err != nil {
		return nil, err
	}
	return []any{first, second}, nil
}

func (n twiceAskNode) Execute(_ context.Context, prepared any) (any, error) { return prepared, nil }

func (n twiceAskNode) Cleanup(_ context.Context, shared map[string]any, _ any, result any) (any, error) {
	shared["answers"] = result
	return result, nil
}

func TestTwoSuspensionsInOneRun(t *testing.T) {
	registry := workflow.NewRegistry()
	registry.Register("twice", func(string, map[string]any) (workflow.Node, error) {
		return twiceAskNode{}, nil
	})
	doc := &workflow.Document{
		Start: "ask",
		Nodes: []workflow.NodeDoc{{ID: "ask", Class: "twice"}},
	}

	e := newTestEngine(t, "twice-wf", doc, registry, store.NewMemStore())

	summary, err := e.Run(context.Background(), nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if summary.AwaitingInput == nil || summary.AwaitingInput.RequestID != "q1" {
		t.Fatalf("AwaitingInput = %+v, want request q1", summary.AwaitingInput)
	}

	summary, err = e.Run(context.Background(), map[string]any{"q1": "one"})
	if err != nil {
		t.Fatalf("Run with q1: %v", err)
	}
	if summary.AwaitingInput == nil || summary.AwaitingInput.RequestID != "q2" {
		t.Fatalf("AwaitingInput = %+v, want request q2 after the first answer", summary.AwaitingInput)
	}

	summary, err = e.Run(context.Background(), map[string]any{"q2": "two"})
	if err != nil {
		t.Fatalf("Run with q2: %v", err)
	}
	if summary.Status != workflow.WorkflowCompleted {
		t.Fatalf("status = %v, want completed", summary.Status)
	}
	state, _ := e.CurrentState()
	answers, _ := state.Shared["answers"].([]any)
	if len(answers) != 2 || answers[0] != "one" || answers[1] != "two" {
		t.Errorf("shared[answers] = %v, want [one two]", state.Shared["answers"])
	}
}

func TestJournalSnapshotsAreImmutable(t *testing.T) {
	registry := workflow.NewRegistry()
	registry.Register("overwrite", func(id string, _ map[string]any) (workflow.Node, error) {
		return markNode{id: "k", value: id}, nil
	})
	doc := &workflow.Document{
		Start: "A",
		Nodes: []workflow.NodeDoc{
			{ID: "A", Class: "overwrite"},
			{ID: "B", Class: "overwrite"},
		},
		Edges: []workflow.EdgeDoc{{From: "A", To: "B", Condition: "True"}},
	}

	backing := store.NewMemStore()
	e := newTestEngine(t, "immutable", doc, registry, backing)
	if _, err := e.Run(context.Background(), nil); err != nil {
		t.Fatalf("Run: %v", err)
	}

	// Both nodes write shared["k"]; snapshot 1 must still hold A's value
	// even though step 2 overwrote the live map afterwards.
	raws, err := backing.LoadState(context.Background(), "immutable", e.RunID())
	if err != nil {
		t.Fatalf("LoadState: %v", err)
	}
	if len(raws) != 3 {
		t.Fatalf("journal length = %d, want 3", len(raws))
	}
	var mid struct {
		Shared map[string]any `json:"shared"`
	}
	if err := json.Unmarshal(raws[1], &mid); err != nil {
		t.Fatalf("decode snapshot 1: %v", err)
	}
	if mid.Shared["k"] != "A" {
		t.Errorf("snapshot 1 shared[k] = %v, want %q (later steps must not rewrite history)", mid.Shared["k"], "A")
	}
}

type flakyNode struct {
	workflow.BaseNode
	calls *int
}

func (n flakyNode) Execute(_ context.Context, _ any) (any, error) {
	*n.calls++
	if *n.calls < 2 {
		return nil, errors.New("transient failure")
	}
	return "recovered", nil
}

func (n flakyNode) RetryPolicy() (int, time.Duration) { return 3, 0 }

func (n flakyNode) Cleanup(_ context.Context, shared map[string]any, _ any, result any) (any, error) {
	shared["flaky"] = result
	return result, nil
}

func TestRetryThenSucceed(t *testing.T) {
	calls := 0
	registry := workflow.NewRegistry()
	registry.Register("flaky", func(string, map[string]any) (workflow.Node, error) {
		return flakyNode{calls: &calls}, nil
	})

	doc := &workflow.Document{
		Start: "node",
		Nodes: []workflow.NodeDoc{{ID: "node", Class: "flaky"}},
	}

	e := newTestEngine(t, "retry-wf", doc, registry, store.NewMemStore())
	summary, err := e.Run(context.Background(), nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if summary.Status != workflow.WorkflowCompleted {
		t.Fatalf("status = %v, want completed after eventual success", summary.Status)
	}
	if calls != 2 {
		t.Errorf("Execute called %d times, want 2 (one failure, one success)", calls)
	}
	state, _ := e.CurrentState()
	if state.Shared["flaky"] != "recovered" {
		t.Errorf("shared[flaky] = %v, want %q", state.Shared["flaky"], "recovered")
	}
}

type alwaysFailsNode struct {
	workflow.BaseNode
}

func (alwaysFailsNode) Execute(_ context.Context, _ any) (any, error) {
	return nil, errors.New("permanent failure")
}

func (alwaysFailsNode) RetryPolicy() (int, time.Duration) { return 1, 0 }

func (alwaysFailsNode) ExecFallback(_ context.Context, _ any, _ error) (any, error) {
	return "fallback-value", nil
}

func (alwaysFailsNode) Cleanup(_ context.Context, shared map[string]any, _ any, result any) (any, error) {
	shared["result"] = result
	return result, nil
}

func TestFallbackRunsAfterRetriesExhausted(t *testing.T) {
	registry := workflow.NewRegistry()
	registry.Register("always-fails", func(string, map[string]any) (workflow.Node, error) {
		return alwaysFailsNode{}, nil
	})

	doc := &workflow.Document{
		Start: "node",
		Nodes: []workflow.NodeDoc{{ID: "node", Class: "always-fails"}},
	}

	e := newTestEngine(t, "fallback-wf", doc, registry, store.NewMemStore())
	summary, err := e.Run(context.Background(), nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if summary.Status != workflow.WorkflowCompleted {
		t.Fatalf("status = %v, want completed (fallback should satisfy the node)", summary.Status)
	}
	state, _ := e.CurrentState()
	if state.Shared["result"] != "fallback-value" {
		t.Errorf("shared[result] = %v, want %q", state.Shared["result"], "fallback-value")
	}
}

type unconditionalFailNode struct {
	workflow.BaseNode
}

func (unconditionalFailNode) Execute(_ context.Context, _ any) (any, error) {
	return nil, errors.New("no fallback configured")
}

func TestNodeWithoutFallbackFailsTheWorkflow(t *testing.T) {
	registry := workflow.NewRegistry()
	registry.Register("no-fallback", func(string, map[string]any) (workflow.Node, error) {
		return unconditionalFailNode{}, nil
	})
	doc := &workflow.Document{
		Start: "node",
		Nodes: []workflow.NodeDoc{{ID: "node", Class: "no-fallback"}},
	}

	e := newTestEngine(t, "fail-wf", doc, registry, store.NewMemStore())
	_, err := e.Run(context.Background(), nil)
	if err == nil {
		t.Fatal("expected Run to return the node's error")
	}
	var nodeFailure *workflow.NodeFailure
	if !errors.As(err, &nodeFailure) {
		t.Fatalf("error = %T, want *workflow.NodeFailure", err)
	}
	if nodeFailure.Phase != "execute" {
		t.Errorf("Phase = %q, want %q", nodeFailure.Phase, "execute")
	}

	state, _ := e.CurrentState()
	if state.WorkflowStatus != workflow.WorkflowFailed {
		t.Errorf("WorkflowStatus = %v, want failed", state.WorkflowStatus)
	}
}
