package breakpoints

import (
	"fmt"
	"sync"

	"github.com/viewizard/dncdbg-go/internal/dbgapi"
)

// ExceptionFilter names the two supported filter categories.
type ExceptionFilter string

const (
	FilterThrow         ExceptionFilter = "throw"
	FilterUserUnhandled ExceptionFilter = "user-unhandled"
)

// ExceptionRequest is one user exception-breakpoint filter.
type ExceptionRequest struct {
	Filter    ExceptionFilter
	Condition []string // type names; empty means "match all"
	Negate    bool
}

type exceptionBreakpoint struct {
	id  ID
	req ExceptionRequest
}

// Exception is the exception-breakpoint subsystem. It holds no
// per-event counter: hit detection consults the runtime
// exception-callback kind directly against the active filter set.
type Exception struct {
	mu      sync.Mutex
	ids     *IDAllocator
	filters []*exceptionBreakpoint

	// perThread records, per thread, that an unhandled callback arrived
	// for the exception in flight; the user-unhandled filter reads it.
	// The flag is set on every unhandled callback: the stack is not
	// inspected for user frames.
	perThread map[dbgapi.ThreadID]*exceptionLifecycle
}

type exceptionLifecycle struct {
	propagatedThroughUserCode bool
}

// NewException constructs the Exception Breakpoints subsystem.
func NewException(ids *IDAllocator) *Exception {
	return &Exception{ids: ids, perThread: make(map[dbgapi.ThreadID]*exceptionLifecycle)}
}

// SetExceptionBreakpoints replaces the active filter set.
func (e *Exception) SetExceptionBreakpoints(reqs []ExceptionRequest) []ID {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make([]ID, len(reqs))
	filters := make([]*exceptionBreakpoint, len(reqs))
	for i, req := range reqs {
		filters[i] = &exceptionBreakpoint{id: e.ids.Next(), req: req}
		out[i] = filters[i].id
	}
	e.filters = filters
	return out
}

// ExceptionInfo is what CheckHit reports when a filter fires.
type ExceptionInfo struct {
	ID       ID
	TypeName string
}

// CheckHit determines the exception type name from the thread's
// current exception value and evaluates every active filter of the
// matching category in order; the first match wins.
//
//	filter `throw` matches first-chance and user-first-chance callbacks;
//	filter `user-unhandled` matches an unhandled callback; whether the
//	exception passed through user code is not checked.
//
// The filter fires when (type-name ∈ condition set) XOR negation, or
// the condition set is empty (match all).
func (e *Exception) CheckHit(thread dbgapi.Thread, kind dbgapi.ExceptionCallbackKind) (HitResult, ExceptionInfo) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if kind == dbgapi.ExceptionUnhandled {
		e.markUnhandled(thread)
	}

	val, ok := thread.CurrentException()
	if !ok {
		return NoHit, ExceptionInfo{}
	}
	typeName, _ := val.TypeName()

	for _, fb := range e.filters {
		if !filterCategoryMatches(fb.req.Filter, kind, e.propagatedThroughUserCode(thread)) {
			continue
		}
		if matchesCondition(fb.req, typeName) {
			return Hit, ExceptionInfo{ID: fb.id, TypeName: typeName}
		}
	}
	return NoHit, ExceptionInfo{}
}

func (e *Exception) markUnhandled(thread dbgapi.Thread) {
	lc, ok := e.perThread[thread.ID()]
	if !ok {
		lc = &exceptionLifecycle{}
		e.perThread[thread.ID()] = lc
	}
	lc.propagatedThroughUserCode = true
}

func (e *Exception) propagatedThroughUserCode(thread dbgapi.Thread) bool {
	lc, ok := e.perThread[thread.ID()]
	return ok && lc.propagatedThroughUserCode
}

func filterCategoryMatches(filter ExceptionFilter, kind dbgapi.ExceptionCallbackKind, propagated bool) bool {
	switch filter {
	case FilterThrow:
		return kind == dbgapi.ExceptionFirstChance || kind == dbgapi.ExceptionUserFirstChance
	case FilterUserUnhandled:
		return kind == dbgapi.ExceptionUnhandled && propagated
	default:
		return false
	}
}

func matchesCondition(req ExceptionRequest, typeName string) bool {
	if len(req.Condition) == 0 {
		return true
	}
	in := false
	for _, t := range req.Condition {
		if t == typeName {
			in = true
			break
		}
	}
	return in != req.Negate
}

// OnExitThread releases lifecycle tracking for a thread that exited.
func (e *Exception) OnExitThread(id dbgapi.ThreadID) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.perThread, id)
}

// maxInnerExceptionDepth bounds the InnerException chain walk so a
// cyclic InnerException graph cannot hang the exceptionInfo request.
const maxInnerExceptionDepth = 10

// Details is the result of Describe.
type Details struct {
	ShortTypeName string
	FullTypeName  string
	StackTrace    string
	Message       string
	Source        string
	Inner         *Details
}

// Describe builds Details for the exception currently active on
// thread, recursing into InnerException up to maxInnerExceptionDepth.
func Describe(val dbgapi.Value, stackTrace, source string) *Details {
	return describe(val, stackTrace, source, 0)
}

func describe(val dbgapi.Value, stackTrace, source string, depth int) *Details {
	if val == nil || val.IsNull() {
		return nil
	}
	full, _ := val.TypeName()
	d := &Details{
		FullTypeName:  full,
		ShortTypeName: shortTypeName(full),
		StackTrace:    stackTrace,
		Source:        source,
	}
	if msgVal, ok := val.Field("Message"); ok {
		if s, ok := msgVal.String(); ok {
			d.Message = s
		} else if name, ok := msgVal.TypeName(); ok {
			d.Message = fmt.Sprintf("<%s>", name)
		}
	}
	if depth >= maxInnerExceptionDepth {
		return d
	}
	if inner, ok := val.Field("InnerException"); ok && !inner.IsNull() {
		d.Inner = describe(inner, "", "", depth+1)
	}
	return d
}

func shortTypeName(full string) string {
	for i := len(full) - 1; i >= 0; i-- {
		if full[i] == '.' {
			return full[i+1:]
		}
	}
	return full
}
