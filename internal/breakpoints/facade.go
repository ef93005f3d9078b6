package breakpoints

import (
	"context"

	"github.com/viewizard/dncdbg-go/internal/dbgapi"
	"github.com/viewizard/dncdbg-go/internal/evaluator"
	"github.com/viewizard/dncdbg-go/internal/metadata"
)

// Facade routes runtime callbacks to the breakpoint variants and owns
// the monotonic breakpoint-id allocator.
type Facade struct {
	IDs *IDAllocator

	Entry     *Entry
	Line      *Line
	Function  *Function
	Exception *Exception

	index      *metadata.Index
	evalr      evaluator.Evaluator
	justMyCode bool
}

// NewFacade wires the variants against a shared id allocator and
// module index.
func NewFacade(index *metadata.Index, install InstallFunc, evalr evaluator.Evaluator) *Facade {
	ids := NewIDAllocator()
	return &Facade{
		IDs:        ids,
		Entry:      NewEntry(install),
		Line:       NewLine(index, ids, install),
		Function:   NewFunction(index, ids, install),
		Exception:  NewException(ids),
		index:      index,
		evalr:      evalr,
		justMyCode: true,
	}
}

// SetJustMyCode toggles whether non-user-code breakpoint hits are
// silently consumed.
func (f *Facade) SetJustMyCode(enabled bool) {
	f.justMyCode = enabled
}

// OnModuleLoad re-resolves the line and function breakpoint sets
// against a newly indexed module and arms the entry breakpoint if this
// is the first module advertising an entry method. Called by the
// Session Controller after the Module Index has indexed the module.
func (f *Facade) OnModuleLoad(rec *metadata.Record) []ChangeEvent {
	f.Entry.OnModuleLoad(rec)
	changes := f.Line.OnModuleLoad()
	changes = append(changes, f.Function.OnModuleLoad()...)
	return changes
}

// DeleteAll clears every line and function breakpoint. Exception
// filters and the entry breakpoint are not affected: they are
// replaced wholesale by their own Set* calls, not by DeleteAll.
func (f *Facade) DeleteAll() {
	f.Line.DeleteAll()
	f.Function.DeleteAll()
}

// DisableAll deactivates every installed runtime breakpoint without
// forgetting the user's requests, used when detaching so the debuggee
// keeps running cleanly.
func (f *Facade) DisableAll() {
	f.Line.DisableAll()
	f.Function.DisableAll()
}

// OnBreakpointHit arbitrates a runtime breakpoint-hit callback in a
// fixed order: (1) entry breakpoint; (2) JMC check on the active frame
// (a hit inside non-user code is silently consumed); (3) line
// breakpoints; (4) function breakpoints. The first to claim the hit
// wins.
func (f *Facade) OnBreakpointHit(ctx context.Context, thread dbgapi.Thread, rtbp dbgapi.Breakpoint) HitOutcome {
	if f.Entry.CheckHit(rtbp) {
		return HitOutcome{Stop: true, Reason: StopEntry}
	}

	frame, err := thread.ActiveFrame()
	if err != nil || frame == nil {
		return HitOutcome{Stop: true, Reason: StopBreakpoint}
	}

	if f.justMyCode && !f.frameIsUserCode(frame) {
		return HitOutcome{Stop: false}
	}

	if result, id, changes := f.Line.CheckHit(ctx, f.evalr, frame, rtbp); result != NoHit {
		return HitOutcome{Stop: result == Hit, Reason: StopBreakpoint, BPID: id, Changes: changes}
	}

	if result, id, changes := f.Function.CheckHit(ctx, f.evalr, frame, rtbp); result != NoHit {
		return HitOutcome{Stop: result == Hit, Reason: StopBreakpoint, BPID: id, Changes: changes}
	}

	// No variant claims this hit: resume silently rather than emit a
	// stop with no attributable breakpoint.
	return HitOutcome{Stop: false}
}

// OnException dispatches a runtime exception callback to the
// Exception Breakpoints subsystem.
func (f *Facade) OnException(thread dbgapi.Thread, kind dbgapi.ExceptionCallbackKind) (HitOutcome, ExceptionInfo) {
	result, info := f.Exception.CheckHit(thread, kind)
	return HitOutcome{Stop: result == Hit, Reason: StopException, BPID: info.ID}, info
}

func (f *Facade) frameIsUserCode(frame dbgapi.Frame) bool {
	mod := frame.Module()
	if mod == nil {
		return true
	}
	for _, m := range mod.Metadata().Methods() {
		if m.Token == frame.MethodToken() {
			return metadata.IsUserMethod(mod.Metadata(), m)
		}
	}
	return true
}
