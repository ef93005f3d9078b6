package breakpoints

import (
	"context"
	"strings"
	"sync"

	"github.com/viewizard/dncdbg-go/internal/dbgapi"
	"github.com/viewizard/dncdbg-go/internal/evaluator"
	"github.com/viewizard/dncdbg-go/internal/metadata"
)

// FunctionRequest is one user function-breakpoint request.
type FunctionRequest struct {
	Module    string // optional module filter
	Name      string
	Params    string // optional parameter-signature filter
	Condition string
}

type functionSite struct {
	rec         *metadata.Record
	methodToken dbgapi.MethodToken
	ilOffset    dbgapi.ILOffset
	runtimeBP   dbgapi.Breakpoint
}

type functionBreakpoint struct {
	id    ID
	req   FunctionRequest
	key   string // "module!name(params)"
	sites []*functionSite
	hits  uint32
}

func (bp *functionBreakpoint) verified() bool {
	return len(bp.sites) > 0
}

// Function is the function-breakpoint subsystem.
type Function struct {
	mu sync.Mutex

	index   *metadata.Index
	ids     *IDAllocator
	install InstallFunc

	byKey map[string]*functionBreakpoint
}

// NewFunction constructs the Function Breakpoints subsystem.
func NewFunction(index *metadata.Index, ids *IDAllocator, install InstallFunc) *Function {
	return &Function{index: index, ids: ids, install: install, byKey: make(map[string]*functionBreakpoint)}
}

func key(req FunctionRequest) string {
	return req.Module + "!" + req.Name + "(" + req.Params + ")"
}

// SetFunctionBreakpoints replaces every function breakpoint with the
// given requests and resolves each via the Module Index's
// resolve-function.
func (f *Function) SetFunctionBreakpoints(reqs []FunctionRequest) []ResolvedBreakpoint {
	f.mu.Lock()
	defer f.mu.Unlock()

	next := make(map[string]*functionBreakpoint, len(reqs))
	out := make([]ResolvedBreakpoint, len(reqs))

	for i, req := range reqs {
		k := key(req)
		bp, ok := f.byKey[k]
		if !ok {
			bp = &functionBreakpoint{id: f.ids.Next(), req: req, key: k}
			f.resolve(bp)
		}
		next[k] = bp
		out[i] = ResolvedBreakpoint{ID: bp.id, Verified: bp.verified()}
	}

	for k, old := range f.byKey {
		if _, ok := next[k]; !ok {
			for _, s := range old.sites {
				s.runtimeBP.Activate(false)
			}
		}
	}

	f.byKey = next
	return out
}

func (f *Function) resolve(bp *functionBreakpoint) {
	f.index.ResolveFunction(bp.req.Name, func(rec *metadata.Record, methodToken dbgapi.MethodToken) {
		if bp.req.Module != "" && rec.DisplayName != bp.req.Module && rec.FilePath != bp.req.Module {
			return
		}
		if rec.Reader == nil {
			return
		}
		for _, s := range bp.sites {
			if s.rec.Address == rec.Address && s.methodToken == methodToken {
				return
			}
		}
		offset, ok := rec.Reader.NextUserCodeOffset(uint32(methodToken), 0)
		if !ok {
			return
		}
		runtimeBP, err := f.install(rec, methodToken, dbgapi.ILOffset(offset))
		if err != nil {
			return
		}
		bp.sites = append(bp.sites, &functionSite{rec: rec, methodToken: methodToken, ilOffset: dbgapi.ILOffset(offset), runtimeBP: runtimeBP})
	})
}

// OnModuleLoad re-resolves every function breakpoint against the newly
// loaded module (new modules can supply additional matches for an
// already-verified, ambiguous name).
func (f *Function) OnModuleLoad() []ChangeEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	var changes []ChangeEvent
	for _, bp := range f.byKey {
		before := bp.verified()
		f.resolve(bp)
		if !before && bp.verified() {
			changes = append(changes, ChangeEvent{Reason: "changed", ID: bp.id, Verified: true})
		}
	}
	return changes
}

// CheckHit additionally enforces the optional parameter-signature
// filter by stringifying the active frame's argument types.
func (f *Function) CheckHit(ctx context.Context, ev evaluator.Evaluator, frame dbgapi.Frame, rtbp dbgapi.Breakpoint) (HitResult, ID, []ChangeEvent) {
	f.mu.Lock()
	defer f.mu.Unlock()

	for _, bp := range f.byKey {
		for _, site := range bp.sites {
			if site.rec.Address != rtbp.Module() || site.methodToken != rtbp.MethodToken() || site.ilOffset != rtbp.ILOffset() {
				continue
			}
			if bp.req.Params != "" && !paramsMatch(frame, bp.req.Params) {
				return NoHit, 0, nil
			}
			fire, msg := evaluator.EvaluateCondition(ctx, ev, frame, bp.req.Condition)
			if msg != "" {
				return Hit, bp.id, []ChangeEvent{{Reason: "changed", ID: bp.id, Verified: true, Message: msg}}
			}
			if !fire {
				return NoHit, 0, nil
			}
			bp.hits++
			return Hit, bp.id, nil
		}
	}
	return NoHit, 0, nil
}

func paramsMatch(frame dbgapi.Frame, params string) bool {
	args, err := frame.Arguments()
	if err != nil {
		return false
	}
	var names []string
	for _, a := range args {
		name, _ := a.TypeName()
		names = append(names, name)
	}
	return strings.Join(names, ",") == params
}

// DisableAll deactivates every installed runtime breakpoint but keeps
// the breakpoint records.
func (f *Function) DisableAll() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, bp := range f.byKey {
		for _, s := range bp.sites {
			s.runtimeBP.Activate(false)
		}
	}
}

// DeleteAll clears every function breakpoint.
func (f *Function) DeleteAll() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, bp := range f.byKey {
		for _, s := range bp.sites {
			s.runtimeBP.Activate(false)
		}
	}
	f.byKey = make(map[string]*functionBreakpoint)
}
