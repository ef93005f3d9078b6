// Package evaluator declares the collaborator surface that the
// breakpoint and stepper subsystems depend on for expression
// evaluation, stack-variable walks, and property-setter dispatch. The
// session core only needs the contract, not an implementation of
// managed-code evaluation.
package evaluator

import (
	"context"
	"time"

	"github.com/viewizard/dncdbg-go/internal/dbgapi"
)

// Result is the outcome of evaluating an expression against a frame.
type Result struct {
	Value  dbgapi.Value
	Output string // human-readable rendering, used in informational messages
	IsBool bool
	Bool   bool
}

// VariablesFilter mirrors the DAP variables request's optional filter.
type VariablesFilter int

const (
	FilterBoth VariablesFilter = iota
	FilterNamed
	FilterIndexed
)

// Container is an opaque handle to a scope or a compound variable's
// children, returned by Scopes/Variables and passed back into
// Variables by the protocol adapter (which maps it to a wire-level
// integer reference). The core never inspects a Container's contents
// directly; only the Evaluator that produced it knows how to walk it.
type Container interface{}

// Scope is one of a stack frame's variable scopes (e.g. arguments,
// locals, statics).
type Scope struct {
	Name      string
	Vars      Container
	Expensive bool
}

// Variable is one named (or indexed) value within a Container.
type Variable struct {
	Name     string
	Value    string
	Type     string
	Children Container // non-nil if this variable itself has children
}

// Evaluator is the collaborator the core hands (frame, expression)
// evaluation requests to.
type Evaluator interface {
	// Evaluate runs expr in the context of frame and returns its value.
	Evaluate(ctx context.Context, frame dbgapi.Frame, expr string) (Result, error)

	// SetVariable assigns value to the named variable visible from frame.
	SetVariable(ctx context.Context, frame dbgapi.Frame, name, value string) error

	// SetExpression evaluates value and assigns it to expr, which must be
	// a modifiable l-value in the context of frame.
	SetExpression(ctx context.Context, frame dbgapi.Frame, expr, value string) (Result, error)

	// Scopes returns the variable scopes visible from frame.
	Scopes(ctx context.Context, frame dbgapi.Frame) ([]Scope, error)

	// Variables walks a Container returned by Scopes or a prior
	// Variables call, honoring the named/indexed/both filter and the
	// start/count window.
	Variables(ctx context.Context, vars Container, filter VariablesFilter, start, count int) ([]Variable, error)

	// IsEvalRunning reports whether a managed evaluation is currently in
	// flight on any thread. The callback queue consults this to
	// short-circuit incidental callbacks during an eval instead of
	// enqueueing them.
	IsEvalRunning() bool
}

// DefaultConditionTimeout bounds how long a breakpoint condition may
// run before the core treats it as failed rather than let it deadlock
// against the stopped state.
const DefaultConditionTimeout = 2 * time.Second

// EvaluateCondition evaluates a breakpoint condition with a watchdog
// timeout. Evaluation success with a bool result fires iff true; any
// other outcome (non-bool result, evaluation failure, or timeout)
// fires the breakpoint and returns an informational message for a
// breakpoint-changed event.
func EvaluateCondition(ctx context.Context, ev Evaluator, frame dbgapi.Frame, expr string) (fire bool, message string) {
	if expr == "" {
		return true, ""
	}

	ctx, cancel := context.WithTimeout(ctx, DefaultConditionTimeout)
	defer cancel()

	result, err := ev.Evaluate(ctx, frame, expr)
	if err != nil {
		if ctx.Err() != nil {
			return true, "condition evaluation timed out: " + expr
		}
		return true, "condition evaluation failed: " + err.Error()
	}
	if !result.IsBool {
		return true, "condition did not evaluate to a boolean: " + result.Output
	}
	return result.Bool, ""
}
