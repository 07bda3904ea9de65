package condition

import (
	"fmt"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

// DiagnosticFunc receives a human-readable message when Evaluate fails and
// falls back to false. The default is a no-op; the engine wires this to its
// configured emitter so evaluation failures are observable.
type DiagnosticFunc func(expression string, err error)

// Evaluator evaluates guard expressions against a shared-state map, caching
// compiled programs so repeated evaluation of the same guard (the common
// case — a node's outgoing edges are evaluated on every visit) does not
// recompile it each time.
type Evaluator struct {
	mu         sync.RWMutex
	cache      map[string]*vm.Program
	diagnostic DiagnosticFunc
}

// New returns an Evaluator. If diagnostic is nil, evaluation failures are
// silently swallowed (still fail safe to false, just unobserved).
func New(diagnostic DiagnosticFunc) *Evaluator {
	if diagnostic == nil {
		diagnostic = func(string, error) {}
	}
	return &Evaluator{
		cache:      map[string]*vm.Program{},
		diagnostic: diagnostic,
	}
}

// env is the only shape a compiled program may reference. No functions are
// added to it — a guard gets the shared map and nothing else: no function
// calls, no attribute access into host objects, no I/O.
type env struct {
	Shared map[string]any `expr:"shared"`
}

// Evaluate compiles (or reuses a cached compile of) expression and runs it
// against shared. Any failure — parse error, type error, missing key,
// runtime panic recovered by expr — is treated as false and reported to the
// configured DiagnosticFunc; it is never propagated to the caller.
func (e *Evaluator) Evaluate(expression string, shared map[string]any) bool {
	program, err := e.compile(expression)
	if err != nil {
		e.diagnostic(expression, err)
		return false
	}

	result, err := expr.Run(program, env{Shared: shared})
	if err != nil {
		e.diagnostic(expression, err)
		return false
	}

	ok, isBool := result.(bool)
	if !isBool {
		e.diagnostic(expression, fmt.Errorf("guard %q did not evaluate to a boolean (got %T)", expression, result))
		return false
	}
	return ok
}

func (e *Evaluator) compile(expression string) (*vm.Program, error) {
	e.mu.RLock()
	if p, ok := e.cache[expression]; ok {
		e.mu.RUnlock()
		return p, nil
	}
	e.mu.RUnlock()

	program, err := expr.Compile(expression, expr.Env(env{}), expr.AsBool())
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	e.cache[expression] = program
	e.mu.Unlock()
	return program, nil
}

// ClearCache drops all cached compiled programs. Exposed for tests.
func (e *Evaluator) ClearCache() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cache = map[string]*vm.Program{}
}
