package stepper

import (
	"context"
	"sync"

	"github.com/viewizard/dncdbg-go/internal/dbgapi"
	"github.com/viewizard/dncdbg-go/internal/debuginfo"
	"github.com/viewizard/dncdbg-go/internal/evaluator"
)

// Compiler and BCL names the async stepper drives.
const (
	builderFieldName        = "<>t__builder"
	objectIDForDebuggerName = "ObjectIdForDebugger"
	notificationMethodName  = "SetNotificationForWaitCompletion"
	asyncVoidBuilderType    = "System.Runtime.CompilerServices.AsyncVoidMethodBuilder"
	notifyWaitCompletionFQN = "System.Threading.Tasks.Task.NotifyDebuggerOfWaitCompletion"
)

// Phase is the async-step state machine's current phase.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseYieldArmed
	PhaseResumeArmed
	PhaseNotifyArmed
)

// BreakpointInstaller installs and removes the primitive breakpoints
// the async stepper arms around an await boundary.
type BreakpointInstaller interface {
	InstallAt(mod dbgapi.ModuleAddress, methodToken dbgapi.MethodToken, ilOffset dbgapi.ILOffset) (dbgapi.Breakpoint, error)
}

// record is the state tracked for one in-flight async step.
type record struct {
	initiatingThread dbgapi.ThreadID
	kind             dbgapi.StepKind
	phase            Phase

	mod         dbgapi.ModuleAddress
	methodToken dbgapi.MethodToken

	armed        dbgapi.Breakpoint
	resumeOffset uint32

	builderObjectID dbgapi.Value
}

// Async is the two-phase breakpoint stepper for async methods: it
// coordinates primitive breakpoints around the await boundary and
// tracks a state machine's identity across thread and continuation
// boundaries. A plain step would either over-step (out of MoveNext
// back to the scheduler) or under-step (stop at compiler-generated
// yield code).
type Async struct {
	mu sync.Mutex

	simple    *Simple
	installer BreakpointInstaller
	readers   func(mod dbgapi.Module) debuginfo.Reader
	evalr     evaluator.Evaluator

	step                   *record
	notifyBreakpoint       dbgapi.Breakpoint
	notifyBreakpointModule dbgapi.ModuleAddress
	notifyBreakpointMethod dbgapi.MethodToken
}

// NewAsync constructs the Async Stepper.
func NewAsync(simple *Simple, installer BreakpointInstaller, readers func(mod dbgapi.Module) debuginfo.Reader, evalr evaluator.Evaluator) *Async {
	return &Async{simple: simple, installer: installer, readers: readers, evalr: evalr}
}

// SetupStep is called for a thread currently stopped inside an async
// MoveNext. ok is false when the method is not async or, for a step
// in/over that is not promoted to step-out, when no await lies ahead of
// the current IL offset; the caller then falls back to the simple
// stepper.
func (a *Async) SetupStep(ctx context.Context, thread dbgapi.Thread, kind dbgapi.StepKind) (ok bool, err error) {
	frame, err := thread.ActiveFrame()
	if err != nil || frame == nil {
		return false, err
	}
	mod := frame.Module()
	reader := a.readers(mod)
	if reader == nil || !reader.IsMethodAsync(uint32(frame.MethodToken())) {
		return false, nil
	}

	ip, err := frame.ILOffset()
	if err != nil {
		return false, err
	}

	// If at or past the method's last await and stepping in/over,
	// promote to step-out. A method that reports no last-await offset
	// is never promoted.
	if kind != dbgapi.StepOut {
		if last, has := reader.LastAwaitYieldOffset(uint32(frame.MethodToken())); has && uint32(ip) >= last {
			kind = dbgapi.StepOut
		}
	}

	if kind == dbgapi.StepOut {
		return true, a.setupStepOut(ctx, thread, frame, mod)
	}

	await, has := reader.NextAwait(uint32(frame.MethodToken()), uint32(ip))
	if !has {
		// No further await ahead: a plain step will naturally return
		// from MoveNext, so let the simple stepper handle it.
		return false, nil
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	bp, err := a.installer.InstallAt(mod.Address(), frame.MethodToken(), dbgapi.ILOffset(await.YieldOffset))
	if err != nil {
		return true, err
	}
	a.step = &record{
		initiatingThread: thread.ID(),
		kind:             kind,
		phase:            PhaseYieldArmed,
		mod:              mod.Address(),
		methodToken:      frame.MethodToken(),
		armed:            bp,
		resumeOffset:     await.ResumeOffset,
	}
	return true, nil
}

func (a *Async) setupStepOut(ctx context.Context, thread dbgapi.Thread, frame dbgapi.Frame, mod dbgapi.Module) error {
	builder, ok := builderValue(frame)
	if !ok {
		return a.simple.SetupStep(thread, dbgapi.StepOut)
	}

	typeName, _ := builder.TypeName()
	if typeName == asyncVoidBuilderType {
		return a.simple.SetupStep(thread, dbgapi.StepOut)
	}

	if _, err := a.evalr.Evaluate(ctx, frame, builderFieldName+"."+notificationMethodName+"(true)"); err != nil {
		return err
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.notifyBreakpoint == nil {
		bp, modAddr, methodToken, err := a.installNotifyBreakpoint(mod)
		if err != nil {
			return err
		}
		a.notifyBreakpoint = bp
		a.notifyBreakpointModule = modAddr
		a.notifyBreakpointMethod = methodToken
	}

	a.step = &record{
		initiatingThread: thread.ID(),
		kind:             dbgapi.StepOut,
		phase:            PhaseNotifyArmed,
		mod:              a.notifyBreakpointModule,
		methodToken:      a.notifyBreakpointMethod,
		armed:            a.notifyBreakpoint,
	}
	return nil
}

// installNotifyBreakpoint locates Task.NotifyDebuggerOfWaitCompletion
// via the caller-supplied module and installs the step-out rendezvous
// breakpoint at its first IL offset. The runtime invokes this method
// exactly once at completion.
func (a *Async) installNotifyBreakpoint(mod dbgapi.Module) (dbgapi.Breakpoint, dbgapi.ModuleAddress, dbgapi.MethodToken, error) {
	for _, m := range mod.Metadata().Methods() {
		if m.TypeName+"."+m.Name != notifyWaitCompletionFQN {
			continue
		}
		bp, err := a.installer.InstallAt(mod.Address(), m.Token, 0)
		return bp, mod.Address(), m.Token, err
	}
	return nil, 0, 0, errNotifyMethodNotFound
}

func builderValue(frame dbgapi.Frame) (dbgapi.Value, bool) {
	args, err := frame.Arguments()
	if err != nil || len(args) == 0 {
		return nil, false
	}
	this := args[0]
	return this.Field(builderFieldName)
}

// ManagedCallbackBreakpointHit is called by the callback queue when a
// breakpoint-hit callback arrives while an async step is armed.
// It returns true if the async stepper claimed the hit (whether or not
// it emits a stop), and if resumeSimpleStep is true the caller must
// additionally call Simple.SetupStep with the returned kind to finish
// the step naturally.
func (a *Async) ManagedCallbackBreakpointHit(ctx context.Context, thread dbgapi.Thread, rtbp dbgapi.Breakpoint) (claimed bool, continueRunning bool, resumeSimpleStep bool, stepKind dbgapi.StepKind) {
	a.mu.Lock()
	defer a.mu.Unlock()

	s := a.step
	if s == nil {
		return false, false, false, 0
	}

	if s.phase == PhaseNotifyArmed && sameSite(rtbp, a.notifyBreakpoint) {
		a.disarmLocked()
		return true, false, true, dbgapi.StepOut
	}

	if !sameSite(s.armed, rtbp) {
		// Superseded by another breakpoint: discard the record and let
		// the facade emit a normal breakpoint stop.
		a.discardLocked()
		return false, false, false, 0
	}

	switch s.phase {
	case PhaseYieldArmed:
		if thread.ID() != s.initiatingThread {
			// Parallel execution of the same state-machine code on
			// another thread: ignore and continue.
			return true, true, false, 0
		}
		a.simple.DisableAllSteppers()
		bp, err := a.installer.InstallAt(s.mod, s.methodToken, dbgapi.ILOffset(s.resumeOffset))
		if err != nil {
			a.discardLocked()
			return false, false, false, 0
		}
		s.armed.Activate(false)
		s.armed = bp
		s.phase = PhaseResumeArmed
		if obj, ok := asyncObjectID(ctx, a.evalr, thread); ok {
			s.builderObjectID = obj
		}
		return true, true, false, 0

	case PhaseResumeArmed:
		same := thread.ID() == s.initiatingThread
		if !same {
			if obj, ok := asyncObjectID(ctx, a.evalr, thread); ok && s.builderObjectID != nil {
				same = obj.ReferenceEquals(s.builderObjectID)
			}
		}
		if !same {
			// A different state-machine instance resumed first: leave
			// the breakpoint armed, continue.
			return true, true, false, 0
		}
		kind := s.kind
		a.disarmLocked()
		return true, false, true, kind
	}
	return false, false, false, 0
}

// sameSite compares two primitive breakpoints by placement rather than
// handle identity; the runtime may hand back a distinct object for the
// same installed breakpoint.
func sameSite(a, b dbgapi.Breakpoint) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Module() == b.Module() && a.MethodToken() == b.MethodToken() && a.ILOffset() == b.ILOffset()
}

func asyncObjectID(ctx context.Context, evalr evaluator.Evaluator, thread dbgapi.Thread) (dbgapi.Value, bool) {
	frame, err := thread.ActiveFrame()
	if err != nil || frame == nil {
		return nil, false
	}
	result, err := evalr.Evaluate(ctx, frame, builderFieldName+"."+objectIDForDebuggerName)
	if err != nil {
		return nil, false
	}
	return result.Value, result.Value != nil
}

// disarmLocked releases the armed record without discarding the
// reserved notify-breakpoint (which is process-lifetime, reused across
// steps).
func (a *Async) disarmLocked() {
	if a.step != nil && a.step.armed != nil && a.step.armed != a.notifyBreakpoint {
		a.step.armed.Activate(false)
	}
	a.step = nil
}

func (a *Async) discardLocked() {
	a.disarmLocked()
}

// ManagedCallbackStepComplete is called when a primitive step the
// async stepper did not itself arm completes (e.g. the yield
// breakpoint was never reached): the armed record, if any, is
// discarded.
func (a *Async) ManagedCallbackStepComplete() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.step = nil
}

// DisableAllSteppers tears down any outstanding async-step artifacts,
// called before any non-step stop event.
func (a *Async) DisableAllSteppers() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.disarmLocked()
}

// HasActiveStep reports whether an async-step record is currently
// outstanding, and if so its phase — used by tests asserting the
// invariant that the record references exactly one active primitive
// breakpoint.
func (a *Async) HasActiveStep() (Phase, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.step == nil {
		return PhaseIdle, false
	}
	return a.step.phase, true
}

type notifyMethodNotFoundError struct{}

func (notifyMethodNotFoundError) Error() string {
	return "Task.NotifyDebuggerOfWaitCompletion not found in module"
}

var errNotifyMethodNotFound error = notifyMethodNotFoundError{}
