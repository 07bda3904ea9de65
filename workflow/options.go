package workflow

import (
	"time"

	"github.com/resumegraph/resumegraph/workflow/condition"
	"github.com/resumegraph/resumegraph/workflow/emit"
	"github.com/resumegraph/resumegraph/workflow/store"
)

// engineConfig collects options before they're applied to an Engine, so
// defaults can be validated and composed before construction.
type engineConfig struct {
	registry *Registry
	emitter  emit.Emitter
	store    store.Store
	now      func() time.Time
	maxSteps int
}

// Option configures an Engine at construction time.
type Option func(*engineConfig)

func defaultConfig() *engineConfig {
	return &engineConfig{
		registry: NewRegistry(),
		emitter:  emit.NullEmitter{},
		store:    nil,
		now:      time.Now,
		maxSteps: 0,
	}
}

// WithRegistry supplies the host-populated node class registry. Required
// for New/Resume unless the zero-value empty registry is intentional (a
// graph with no nodes will then always fail to load).
func WithRegistry(r *Registry) Option {
	return func(c *engineConfig) { c.registry = r }
}

// WithEmitter wires an observability sink (workflow/emit). Default is
// emit.NullEmitter{}.
func WithEmitter(e emit.Emitter) Option {
	return func(c *engineConfig) { c.emitter = e }
}

// WithStore supplies the persistence backend (workflow/store). Required —
// New/Resume return a LoadError/ResumeError wrapping a nil-store complaint
// if omitted.
func WithStore(s store.Store) Option {
	return func(c *engineConfig) { c.store = s }
}

// WithClock overrides the time source used for run ids and journal
// metadata timestamps. Intended for deterministic tests.
func WithClock(now func() time.Time) Option {
	return func(c *engineConfig) { c.now = now }
}

// WithMaxSteps bounds the number of steps Run will execute before returning,
// guarding against a workflow document whose edges form an unconditional
// cycle. Zero (the default) means unlimited.
func WithMaxSteps(n int) Option {
	return func(c *engineConfig) { c.maxSteps = n }
}

// buildEvaluator wires the guard evaluator's diagnostics into the
// configured emitter: evaluation failures are logged as condition_error
// events and treated as false, never propagated.
func (c *engineConfig) buildEvaluator() conditionEvaluator {
	return condition.New(func(expression string, err error) {
		c.emitter.Emit(emit.Event{Msg: "condition_error", Meta: map[string]any{
			"expression": expression,
			"error":      err.Error(),
		}})
	})
}
