package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/resumegraph/resumegraph/workflow/emit"
	"github.com/resumegraph/resumegraph/workflow/store"
)

// Engine is the top-level orchestrator: it loads a workflow
// document into a graph, drives steps one node at a time, coordinates
// suspension/resumption through request_input futures, and persists every
// step to Storage.
//
// An Engine is not safe for concurrent Step/Run calls on the same instance —
// the engine models one run's single-threaded, cooperative execution.
// Distinct runs belong to distinct Engine values and share no mutable state.
type Engine struct {
	workflowID string
	runID      string
	graph      *loadedGraph
	store      store.Store
	emitter    emit.Emitter
	evaluator  conditionEvaluator
	now        func() time.Time
	maxSteps   int

	mu            sync.Mutex
	journal       *StepJournal
	state         *ExecutionState
	futures       map[string]chan any
	activeDone    chan error
	activeSuspend chan struct{}
	activeNodeID  string
}

// RunSummary is the result of Run.
type RunSummary struct {
	Status        WorkflowStatus
	IsActive      bool
	AwaitingInput *AwaitingInput
}

// New constructs a fresh run of the workflow described by doc, generating a
// new run id and persisting the initial snapshot before returning. A nil
// initialState falls back to the document's initial_state field.
func New(ctx context.Context, workflowID string, doc *Document, initialState map[string]any, opts ...Option) (*Engine, error) {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(cfg)
	}
	if cfg.store == nil {
		return nil, &LoadError{Message: "no store configured; pass workflow.WithStore"}
	}

	graph, err := Load(doc, cfg.registry)
	if err != nil {
		return nil, err
	}

	now := cfg.now()
	e := &Engine{
		workflowID: workflowID,
		runID:      NewRunID(now),
		graph:      graph,
		store:      cfg.store,
		emitter:    cfg.emitter,
		evaluator:  cfg.buildEvaluator(),
		now:        cfg.now,
		maxSteps:   cfg.maxSteps,
		journal:    newStepJournal(cfg.now),
		futures:    map[string]chan any{},
	}
	if initialState == nil {
		initialState = doc.InitialState
	}
	e.state = newExecutionState(graph.start, initialState, now)

	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.appendAndPersistLocked(ctx); err != nil {
		return nil, err
	}
	return e, nil
}

// Resume loads an existing run's journal and re-seats execution at the
// snapshot index resumeFrom (negative means "last"). If fork is true, a new
// run id is minted and the resumed snapshot becomes step 0 of a new,
// independent journal; the ancestor run is untouched.
func Resume(ctx context.Context, workflowID, runID string, resumeFrom int, fork bool, doc *Document, opts ...Option) (*Engine, error) {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(cfg)
	}
	if cfg.store == nil {
		return nil, &ResumeError{Message: "no store configured; pass workflow.WithStore"}
	}

	raws, err := cfg.store.LoadState(ctx, workflowID, runID)
	if err != nil {
		if err == store.ErrNotFound {
			return nil, &ResumeError{Message: "run not found"}
		}
		return nil, &ResumeError{Message: "failed to load run", Cause: err}
	}

	steps, err := decodeSteps(raws)
	if err != nil {
		return nil, &ResumeError{Message: "stored journal is corrupt", Cause: err}
	}
	if len(steps) == 0 {
		return nil, &ResumeError{Message: "stored journal is empty"}
	}

	if resumeFrom < 0 {
		resumeFrom = len(steps) - 1
	}
	if resumeFrom >= len(steps) {
		return nil, &ResumeError{Message: fmt.Sprintf("step %d not found; run has %d steps", resumeFrom, len(steps))}
	}

	graph, err := Load(doc, cfg.registry)
	if err != nil {
		return nil, err
	}

	snapshot := steps[resumeFrom]
	if err := validateNodeCompatibility(snapshot, graph); err != nil {
		return nil, err
	}

	// The engine's live state must not alias the journal entry it was seeded
	// from: later steps mutate the live state's shared map in place, and the
	// journal entry has to keep recording the past.
	live, err := snapshot.clone()
	if err != nil {
		return nil, &ResumeError{Message: "stored snapshot failed to round-trip", Cause: err}
	}

	// Outgoing edges may have changed since the snapshot was taken: re-run
	// the edge selector on the previous node to recompute next_node_id. A
	// suspended snapshot re-seats at its awaiting node instead, so no
	// recompute applies there.
	if live.AwaitingInput == nil && live.PreviousNodeID != "" {
		if gn, ok := graph.nodes[live.PreviousNodeID]; ok {
			if next, matched := selectNext(gn.transitions, live.Shared, cfg.buildEvaluator()); matched {
				live.NextNodeID = next
			} else {
				live.NextNodeID = ""
			}
		}
	}

	now := cfg.now()
	e := &Engine{
		workflowID: workflowID,
		graph:      graph,
		store:      cfg.store,
		emitter:    cfg.emitter,
		evaluator:  cfg.buildEvaluator(),
		now:        cfg.now,
		maxSteps:   cfg.maxSteps,
		futures:    map[string]chan any{},
	}

	if fork {
		e.runID = NewForkRunID(now)
		live.Metadata["forked_from"] = map[string]any{"run_id": runID, "step": resumeFrom}
		live.Metadata["fork_time"] = now.Format(time.RFC3339Nano)
		e.journal = newStepJournal(cfg.now)
		if _, err := e.journal.Append(live); err != nil {
			return nil, &ResumeError{Message: "failed to seed forked journal", Cause: err}
		}
	} else {
		e.runID = runID
		e.journal = newStepJournal(cfg.now)
		e.journal.seed(steps[:resumeFrom+1])
	}
	e.state = live

	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.persistLocked(ctx); err != nil {
		return nil, err
	}
	return e, nil
}

// validateNodeCompatibility checks, before a resume, that every node id the
// snapshot references still exists in the freshly loaded graph.
func validateNodeCompatibility(snapshot *ExecutionState, graph *loadedGraph) error {
	if snapshot.AwaitingInput != nil {
		nodeID := snapshot.AwaitingInput.NodeID
		if _, ok := graph.nodes[nodeID]; !ok {
			return &ResumeError{Message: "waiting node is missing from current workflow", NodeID: nodeID}
		}
		return nil
	}

	if snapshot.PreviousNodeID != "" {
		if _, ok := graph.nodes[snapshot.PreviousNodeID]; !ok {
			return &ResumeError{Message: "previous node is missing from current workflow", NodeID: snapshot.PreviousNodeID}
		}
		return nil
	}
	if snapshot.NextNodeID != "" {
		if _, ok := graph.nodes[snapshot.NextNodeID]; !ok {
			return &ResumeError{Message: "current node is missing from current workflow", NodeID: snapshot.NextNodeID}
		}
	}
	return nil
}

func decodeSteps(raws []json.RawMessage) ([]*ExecutionState, error) {
	steps := make([]*ExecutionState, len(raws))
	for i, raw := range raws {
		var s ExecutionState
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil, err
		}
		steps[i] = &s
	}
	return steps, nil
}

// WorkflowID returns the id of the workflow document this run was loaded
// from.
func (e *Engine) WorkflowID() string { return e.workflowID }

// RunID returns this run's unique id.
func (e *Engine) RunID() string { return e.runID }

// JournalLen returns the number of snapshots persisted so far.
func (e *Engine) JournalLen() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.journal.Len()
}

// ActiveNodeID returns the id of the node currently executing in the
// background, or "" if no node execution is in flight (including while
// waiting_for_input, since the node's goroutine is parked, not running).
func (e *Engine) ActiveNodeID() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.activeNodeID
}

// CurrentState returns a deep copy of the run's current execution state.
func (e *Engine) CurrentState() (*ExecutionState, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state.clone()
}

// Step advances the run by exactly one node execution, or resolves a
// pending input request if the run is currently waiting_for_input. It
// returns false only when the run has nothing left to do (already
// completed or failed).
func (e *Engine) Step(ctx context.Context, inputData map[string]any) (bool, error) {
	e.mu.Lock()
	if e.state.WorkflowStatus == WorkflowFailed || !e.state.active() {
		e.mu.Unlock()
		return false, nil
	}

	if e.state.WorkflowStatus == WorkflowWaitingForInput {
		awaiting := e.state.AwaitingInput
		val, hasInput := inputData[awaiting.RequestID]
		if !hasInput {
			e.mu.Unlock()
			return true, nil
		}

		nodeID := awaiting.NodeID
		requestID := awaiting.RequestID
		e.state.AwaitingInput = nil
		if e.state.NodeStatuses[nodeID] == NodeWaitingForInput {
			delete(e.state.NodeStatuses, nodeID)
		}
		e.state.WorkflowStatus = WorkflowRunning

		fut, hasFuture := e.futures[requestID]
		if hasFuture {
			delete(e.futures, requestID)
			done := e.activeDone
			suspend := e.activeSuspend
			e.mu.Unlock()

			fut <- val
			e.emitter.Emit(emit.Event{WorkflowID: e.workflowID, RunID: e.runID, NodeID: nodeID, Msg: "node_resumed"})
			select {
			case nodeErr := <-done:
				return e.afterNodeRun(ctx, nodeID, nodeErr)
			case <-suspend:
				// The resumed node asked for another input; its checkpoint was
				// already persisted inside request_input.
				e.emitter.Emit(emit.Event{WorkflowID: e.workflowID, RunID: e.runID, NodeID: nodeID, Msg: "node_suspended"})
				return true, nil
			}
		}

		// No live future: this is a cross-process resume. Re-execute the node
		// from the beginning; request_input will find the answer already in
		// inputData and return synchronously instead of suspending again.
		e.state.NextNodeID = nodeID
		e.mu.Unlock()

		return e.runNodeStep(ctx, inputData)
	}

	e.mu.Unlock()
	return e.runNodeStep(ctx, inputData)
}

// runNodeStep launches the current node's execution and waits for either a
// suspension or a completion, whichever happens first.
func (e *Engine) runNodeStep(ctx context.Context, inputData map[string]any) (bool, error) {
	e.mu.Lock()
	if e.state.WorkflowStatus == WorkflowFailed || !e.state.active() {
		e.mu.Unlock()
		return false, nil
	}
	currentNodeID := e.state.NextNodeID
	gn, ok := e.graph.nodes[currentNodeID]
	if !ok {
		e.mu.Unlock()
		return false, &ResumeError{Message: "current node no longer exists in the loaded graph", NodeID: currentNodeID}
	}
	e.state.WorkflowStatus = WorkflowRunning
	e.mu.Unlock()

	node, err := gn.factory(gn.id, gn.config)
	if err != nil {
		return e.afterNodeRun(ctx, currentNodeID, &NodeFailure{NodeID: currentNodeID, Phase: "construct", Cause: err})
	}

	doneCh := make(chan error, 1)
	suspendCh := make(chan struct{}, 1)

	e.mu.Lock()
	e.activeDone = doneCh
	e.activeSuspend = suspendCh
	e.activeNodeID = currentNodeID
	e.mu.Unlock()

	requestInput := e.makeRequestInput(ctx, currentNodeID, inputData, suspendCh, doneCh)
	started := e.now()
	go e.executeNode(ctx, node, requestInput, currentNodeID, doneCh)

	select {
	case <-suspendCh:
		e.mu.Lock()
		e.activeNodeID = ""
		e.mu.Unlock()
		e.emitter.Emit(emit.Event{WorkflowID: e.workflowID, RunID: e.runID, NodeID: currentNodeID, Msg: "node_suspended"})
		return true, nil
	case err := <-doneCh:
		return e.afterNodeRunTimed(ctx, currentNodeID, err, e.now().Sub(started))
	}
}

// makeRequestInput builds the RequestInputFunc capability a node's Prepare
// may call to suspend the run. inputData is consulted first so
// that a value already supplied to this Step call (the cross-process
// re-execution path) is returned synchronously.
func (e *Engine) makeRequestInput(stepCtx context.Context, nodeID string, inputData map[string]any, suspendCh chan struct{}, doneCh chan error) RequestInputFunc {
	return func(callCtx context.Context, prompt string, options []string, kind string, requestID string) (any, error) {
		if requestID == "" {
			requestID = nodeID
		}
		if inputData != nil {
			if v, ok := inputData[requestID]; ok {
				return v, nil
			}
		}

		e.mu.Lock()
		e.state.NodeStatuses[nodeID] = NodeWaitingForInput
		e.state.AwaitingInput = &AwaitingInput{NodeID: nodeID, RequestID: requestID, Prompt: prompt, Options: options, Kind: kind}
		e.state.NextNodeID = ""
		e.state.WorkflowStatus = WorkflowWaitingForInput
		if err := e.appendAndPersistLocked(stepCtx); err != nil {
			e.mu.Unlock()
			return nil, err
		}
		ch := make(chan any, 1)
		e.futures[requestID] = ch
		e.mu.Unlock()

		// Exactly one Step caller is listening per suspension: the original
		// runNodeStep select for the first, the input-delivering Step for any
		// later one. The buffer keeps the send from racing the listener.
		suspendCh <- struct{}{}

		select {
		case v := <-ch:
			return v, nil
		case <-callCtx.Done():
			return nil, callCtx.Err()
		}
	}
}

// executeNode runs one node's three phases plus retry/fallback in its own
// goroutine, reporting the outcome on doneCh. It may block indefinitely
// inside Prepare on a request_input call; that block is released
// either by a later Step(inputData) call in this process or by ctx
// cancellation.
func (e *Engine) executeNode(ctx context.Context, node Node, requestInput RequestInputFunc, nodeID string, doneCh chan error) {
	shared := e.sharedMap()

	prepared, err := node.Prepare(ctx, shared, requestInput)
	if err != nil {
		doneCh <- &NodeFailure{NodeID: nodeID, Phase: "prepare", Cause: err}
		return
	}

	maxRetries, wait := retryPolicyOf(node)
	var result any
	var execErr error
	for attempt := 1; attempt <= maxRetries; attempt++ {
		result, execErr = node.Execute(ctx, prepared)
		if execErr == nil {
			break
		}
		if attempt < maxRetries {
			e.emitter.Emit(emit.Event{WorkflowID: e.workflowID, RunID: e.runID, NodeID: nodeID, Msg: "retry_attempt",
				Meta: map[string]any{"attempt": attempt, "error": execErr.Error()}})
			if wait > 0 {
				timer := time.NewTimer(wait)
				select {
				case <-timer.C:
				case <-ctx.Done():
					timer.Stop()
					doneCh <- ctx.Err()
					return
				}
			}
		}
	}

	if execErr != nil {
		fb, ok := node.(Fallback)
		if !ok {
			doneCh <- &NodeFailure{NodeID: nodeID, Phase: "execute", Cause: execErr}
			return
		}
		e.emitter.Emit(emit.Event{WorkflowID: e.workflowID, RunID: e.runID, NodeID: nodeID, Msg: "fallback_invoked",
			Meta: map[string]any{"error": execErr.Error()}})
		result, execErr = fb.ExecFallback(ctx, prepared, execErr)
		if execErr != nil {
			doneCh <- &NodeFailure{NodeID: nodeID, Phase: "exec_fallback", Cause: execErr}
			return
		}
	}

	if _, err := node.Cleanup(ctx, shared, prepared, result); err != nil {
		doneCh <- &NodeFailure{NodeID: nodeID, Phase: "cleanup", Cause: err}
		return
	}
	doneCh <- nil
}

func (e *Engine) sharedMap() map[string]any {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state.Shared
}

// afterNodeRun finalizes one node execution whose duration was not timed
// (the in-process future-resolution resume path, where "duration" would
// only measure time since the input was delivered, not the node's total
// run, and a factory failure before the node started). See
// afterNodeRunTimed for the timed variant used by runNodeStep, including a
// cross-process re-execution.
func (e *Engine) afterNodeRun(ctx context.Context, nodeID string, nodeErr error) (bool, error) {
	return e.afterNodeRunTimed(ctx, nodeID, nodeErr, 0)
}

// afterNodeRunTimed finalizes one node execution: records status, runs the
// edge selector, appends and persists the resulting snapshot, and reports
// whether the run is still active. duration, if positive, is reported to
// the emitter as the node_complete event's duration_ms (consumed by
// emit.PrometheusMetrics' step-latency histogram).
func (e *Engine) afterNodeRunTimed(ctx context.Context, nodeID string, nodeErr error, duration time.Duration) (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.activeDone = nil
	e.activeSuspend = nil
	e.activeNodeID = ""

	if nodeErr != nil {
		e.state.NodeStatuses[nodeID] = NodeFailed
		e.state.WorkflowStatus = WorkflowFailed
		_ = e.appendAndPersistLocked(ctx)
		e.emitter.Emit(emit.Event{WorkflowID: e.workflowID, RunID: e.runID, NodeID: nodeID, Msg: "node_failed",
			Meta: map[string]any{"error": nodeErr.Error()}})
		return false, nodeErr
	}

	e.state.NodeStatuses[nodeID] = NodeCompleted
	e.state.PreviousNodeID = nodeID
	e.state.AwaitingInput = nil

	gn := e.graph.nodes[nodeID]
	if next, ok := selectNext(gn.transitions, e.state.Shared, e.evaluator); ok {
		e.state.NextNodeID = next
	} else {
		e.state.NextNodeID = ""
	}

	if e.state.NextNodeID == "" {
		e.state.WorkflowStatus = WorkflowCompleted
	} else {
		e.state.WorkflowStatus = WorkflowIdle
	}

	if err := e.appendAndPersistLocked(ctx); err != nil {
		return false, err
	}

	meta := map[string]any{"status": "success"}
	if duration > 0 {
		meta["duration_ms"] = float64(duration.Microseconds()) / 1000.0
	}
	e.emitter.Emit(emit.Event{WorkflowID: e.workflowID, RunID: e.runID, NodeID: nodeID, Msg: "node_complete", Meta: meta})
	return e.state.WorkflowStatus != WorkflowCompleted, nil
}

// appendAndPersistLocked appends a deep copy of the engine's current state
// to the journal and persists the whole journal to Storage. The live state
// keeps its identity — in particular its shared map, which an in-flight
// node goroutine holds a reference to across a suspension. Callers must
// hold e.mu.
func (e *Engine) appendAndPersistLocked(ctx context.Context) error {
	if _, err := e.journal.Append(e.state); err != nil {
		return err
	}
	return e.persistLocked(ctx)
}

// persistLocked serializes the full journal and hands it to Storage.
// Callers must hold e.mu.
func (e *Engine) persistLocked(ctx context.Context) error {
	raws := make([]json.RawMessage, e.journal.Len())
	for i := 0; i < e.journal.Len(); i++ {
		entry, _ := e.journal.At(i)
		data, err := json.Marshal(entry)
		if err != nil {
			return &NodeFailure{Message: "journal entry is not JSON-serializable", Cause: err}
		}
		raws[i] = data
	}
	if err := e.store.SaveState(ctx, e.workflowID, e.runID, raws); err != nil {
		return fmt.Errorf("workflow: persist state: %w", err)
	}
	return nil
}

// Run drives Step in a loop until the workflow stops being active or starts
// waiting for input.
func (e *Engine) Run(ctx context.Context, inputData map[string]any) (RunSummary, error) {
	e.mu.Lock()
	awaiting := e.state.AwaitingInput
	e.mu.Unlock()

	if len(inputData) > 0 && awaiting != nil {
		if _, err := e.Step(ctx, inputData); err != nil {
			return RunSummary{}, err
		}
	}

	for stepsTaken := 0; e.maxSteps <= 0 || stepsTaken < e.maxSteps; stepsTaken++ {
		continuing, err := e.Step(ctx, nil)
		if err != nil {
			return RunSummary{}, err
		}

		e.mu.Lock()
		stillAwaiting := e.state.AwaitingInput
		e.mu.Unlock()

		if !continuing || stillAwaiting != nil {
			break
		}
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	return RunSummary{
		Status:        e.state.WorkflowStatus,
		IsActive:      e.state.WorkflowStatus != WorkflowCompleted,
		AwaitingInput: e.state.AwaitingInput,
	}, nil
}
