// Package condition evaluates workflow edge guard expressions against the
// shared state map.
//
// Guards are a restricted expression language — boolean logic, comparison,
// membership, indexing, and literal constants, with shared bound to the
// current shared-state map. The three sentinels "True", "False", and "None"
// are handled structurally by the edge selector (workflow/transition.go)
// and never reach Evaluate.
//
// Evaluation wraps github.com/expr-lang/expr: compile once, cache the
// compiled program, evaluate against a fresh environment each call. The
// environment exposes no functions at all — only the shared map — so a
// guard cannot call into the host, reach host objects, or do I/O.
package condition
