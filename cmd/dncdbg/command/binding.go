package command

import (
	"context"

	"github.com/viewizard/dncdbg-go/internal/dbgapi"
	"github.com/viewizard/dncdbg-go/internal/debuginfo"
	"github.com/viewizard/dncdbg-go/internal/errkind"
	"github.com/viewizard/dncdbg-go/internal/evaluator"
	"github.com/viewizard/dncdbg-go/internal/metadata"
	"github.com/viewizard/dncdbg-go/internal/stepper"
)

// The native runtime-debug binding (ICorDebug and the portable-PDB
// reader) is a separate, platform-specific component. This file is the
// seam it plugs into; without one linked in, lifecycle requests report
// a runtime error instead of crashing the adapter.

func newRuntime() dbgapi.Runtime {
	return &unboundRuntime{}
}

type unboundRuntime struct {
	cb func(dbgapi.Callback)
}

func (r *unboundRuntime) Init() error { return nil }

func (r *unboundRuntime) SetCallback(cb func(dbgapi.Callback)) {
	r.cb = cb
}

func (r *unboundRuntime) Launch(ctx context.Context, opts dbgapi.LaunchOptions) (dbgapi.Process, error) {
	return nil, errkind.New(errkind.RuntimeError, "no native debug binding is linked into this build")
}

func (r *unboundRuntime) Attach(ctx context.Context, pid int) (dbgapi.Process, error) {
	return nil, errkind.New(errkind.RuntimeError, "no native debug binding is linked into this build")
}

func newEvaluator() evaluator.Evaluator {
	return &unboundEvaluator{}
}

type unboundEvaluator struct{}

func (unboundEvaluator) Evaluate(ctx context.Context, frame dbgapi.Frame, expr string) (evaluator.Result, error) {
	return evaluator.Result{}, errkind.New(errkind.RuntimeError, "expression evaluation requires the native debug binding")
}

func (unboundEvaluator) SetVariable(ctx context.Context, frame dbgapi.Frame, name, value string) error {
	return errkind.New(errkind.RuntimeError, "setVariable requires the native debug binding")
}

func (unboundEvaluator) SetExpression(ctx context.Context, frame dbgapi.Frame, expr, value string) (evaluator.Result, error) {
	return evaluator.Result{}, errkind.New(errkind.RuntimeError, "setExpression requires the native debug binding")
}

func (unboundEvaluator) Scopes(ctx context.Context, frame dbgapi.Frame) ([]evaluator.Scope, error) {
	return nil, errkind.New(errkind.RuntimeError, "scopes require the native debug binding")
}

func (unboundEvaluator) Variables(ctx context.Context, vars evaluator.Container, filter evaluator.VariablesFilter, start, count int) ([]evaluator.Variable, error) {
	return nil, errkind.New(errkind.RuntimeError, "variables require the native debug binding")
}

func (unboundEvaluator) IsEvalRunning() bool { return false }

func openSymbolReader(mod dbgapi.Module) (debuginfo.Reader, string, error) {
	return nil, "", errkind.New(errkind.SymbolMissing, "no symbol reader is linked into this build")
}

func installBreakpoint(rec *metadata.Record, token dbgapi.MethodToken, offset dbgapi.ILOffset) (dbgapi.Breakpoint, error) {
	return nil, errkind.New(errkind.RuntimeError, "breakpoint installation requires the native debug binding")
}

func newRangeInstaller(rt dbgapi.Runtime) stepper.RangeInstaller {
	return unboundSteppers{}
}

func newBreakpointInstaller(rt dbgapi.Runtime) stepper.BreakpointInstaller {
	return unboundSteppers{}
}

type unboundSteppers struct{}

func (unboundSteppers) StepRange(thread dbgapi.Thread, start, end uint32) (dbgapi.Stepper, error) {
	return nil, errkind.New(errkind.RuntimeError, "stepping requires the native debug binding")
}

func (unboundSteppers) Step(thread dbgapi.Thread) (dbgapi.Stepper, error) {
	return nil, errkind.New(errkind.RuntimeError, "stepping requires the native debug binding")
}

func (unboundSteppers) StepOut(thread dbgapi.Thread) (dbgapi.Stepper, error) {
	return nil, errkind.New(errkind.RuntimeError, "stepping requires the native debug binding")
}

func (unboundSteppers) InstallAt(mod dbgapi.ModuleAddress, token dbgapi.MethodToken, offset dbgapi.ILOffset) (dbgapi.Breakpoint, error) {
	return nil, errkind.New(errkind.RuntimeError, "breakpoint installation requires the native debug binding")
}
