package workflow

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// RequestInputFunc is the capability passed into Prepare that lets a node
// suspend the run and ask the host for external input. Execute is not given
// one, so only Prepare can suspend the run.
//
// If the engine already has input for requestID (delivered through an
// earlier Step(inputData) call), RequestInputFunc returns it synchronously
// without suspending. requestID may be empty, in which case it defaults to
// the node's own id.
type RequestInputFunc func(ctx context.Context, prompt string, options []string, kind string, requestID string) (any, error)

// Node is the three-phase lifecycle every workflow node implements.
//
// Prepare may call the RequestInputFunc it is given; it is intended for
// gathering the data Execute needs. Execute is the node's work and is the
// only phase wrapped by the retry policy. Cleanup writes the node's result
// into shared state and returns the node's final output. Prepare and
// Cleanup are never retried — a failure there fails the node immediately.
type Node interface {
	Prepare(ctx context.Context, shared map[string]any, requestInput RequestInputFunc) (any, error)
	Execute(ctx context.Context, prepared any) (any, error)
	Cleanup(ctx context.Context, shared map[string]any, prepared any, result any) (any, error)
}

// Retryable is an optional interface a Node may implement to override the
// default retry policy (one attempt, no wait).
type Retryable interface {
	RetryPolicy() (maxRetries int, wait time.Duration)
}

// Fallback is an optional interface a Node may implement to supply a value
// when every retry attempt of Execute has failed. If absent, the node is
// marked failed and the last error propagates.
type Fallback interface {
	ExecFallback(ctx context.Context, prepared any, cause error) (any, error)
}

func retryPolicyOf(n Node) (maxRetries int, wait time.Duration) {
	if r, ok := n.(Retryable); ok {
		maxRetries, wait = r.RetryPolicy()
	}
	if maxRetries < 1 {
		maxRetries = 1
	}
	return maxRetries, wait
}

// BaseNode supplies no-op Prepare and pass-through Cleanup so concrete node
// types need only implement Execute.
type BaseNode struct{}

// Prepare returns nil; override to gather input before Execute.
func (BaseNode) Prepare(_ context.Context, _ map[string]any, _ RequestInputFunc) (any, error) {
	return nil, nil
}

// Cleanup returns the execution result unchanged; override to write it into
// shared state.
func (BaseNode) Cleanup(_ context.Context, _ map[string]any, _ any, result any) (any, error) {
	return result, nil
}

// ExecuteFunc adapts a plain function to a Node whose Prepare/Cleanup are
// BaseNode's defaults, for nodes that only need an Execute phase.
type ExecuteFunc struct {
	BaseNode
	Fn func(ctx context.Context, prepared any) (any, error)
}

// Execute calls the wrapped function.
func (f ExecuteFunc) Execute(ctx context.Context, prepared any) (any, error) {
	return f.Fn(ctx, prepared)
}

// Factory constructs a fresh Node instance for a node id given its
// per-instance configuration from the workflow document. The engine invokes
// the factory once per step so that per-retry counters held on a node value
// never leak across steps.
type Factory func(id string, config map[string]any) (Node, error)

// Registry is a process-wide, string-tag-keyed map of node class
// constructors populated by the host before a workflow document is loaded.
// Explicit registration avoids global-init-order hazards.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{factories: map[string]Factory{}}
}

// Register associates a class tag with a constructor. Registering the same
// tag twice overwrites the previous constructor.
func (r *Registry) Register(classTag string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[classTag] = f
}

// Lookup returns the constructor for classTag, or an error enumerating the
// available tags if none is registered under that name.
func (r *Registry) Lookup(classTag string) (Factory, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.factories[classTag]
	if !ok {
		return nil, &LoadError{Message: fmt.Sprintf("unknown node class %q; available: %s", classTag, r.availableLocked())}
	}
	return f, nil
}

func (r *Registry) availableLocked() string {
	tags := make([]string, 0, len(r.factories))
	for tag := range r.factories {
		tags = append(tags, tag)
	}
	sort.Strings(tags)
	out := ""
	for i, t := range tags {
		if i > 0 {
			out += ", "
		}
		out += t
	}
	return out
}
