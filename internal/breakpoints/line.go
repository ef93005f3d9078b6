package breakpoints

import (
	"context"
	"sync"

	"github.com/viewizard/dncdbg-go/internal/dbgapi"
	"github.com/viewizard/dncdbg-go/internal/evaluator"
	"github.com/viewizard/dncdbg-go/internal/metadata"
)

// LineRequest is one user line-breakpoint request within a
// SetLineBreakpoints call.
type LineRequest struct {
	Line      int
	Condition string
}

// ResolvedSite is one resolved installation site of a line breakpoint;
// a single user line may resolve to many sites (e.g. a field
// initializer repeated in every constructor).
type ResolvedSite struct {
	Module      dbgapi.ModuleAddress
	MethodToken dbgapi.MethodToken
	ILOffset    dbgapi.ILOffset
	StartLine   int
	EndLine     int
	runtimeBP   dbgapi.Breakpoint
}

// lineBreakpoint is the internal resolved form of a line breakpoint.
type lineBreakpoint struct {
	id        ID
	line      int
	condition string
	sites     []*ResolvedSite
	hits      uint32
}

func (bp *lineBreakpoint) verified() bool {
	return len(bp.sites) > 0
}

// InstallFunc installs a primitive runtime breakpoint for a resolved
// line site; it is supplied by the session so this package never talks
// to dbgapi.Module directly beyond the interfaces it already holds.
type InstallFunc func(rec *metadata.Record, methodToken dbgapi.MethodToken, ilOffset dbgapi.ILOffset) (dbgapi.Breakpoint, error)

// Line is the line-breakpoint subsystem.
type Line struct {
	mu sync.Mutex

	index   *metadata.Index
	ids     *IDAllocator
	install InstallFunc

	// perFile holds every file's current breakpoint set, replaced
	// wholesale on each SetLineBreakpoints(file, ...) call.
	perFile    map[string][]*lineBreakpoint
	hasProcess bool
}

// NewLine constructs the Line Breakpoints subsystem.
func NewLine(index *metadata.Index, ids *IDAllocator, install InstallFunc) *Line {
	return &Line{
		index:   index,
		ids:     ids,
		install: install,
		perFile: make(map[string][]*lineBreakpoint),
	}
}

// SetHasProcess records whether a process is currently attached;
// installation is deferred until then.
func (l *Line) SetHasProcess(attached bool) {
	l.mu.Lock()
	l.hasProcess = attached
	l.mu.Unlock()
}

// ResolvedBreakpoint is what SetLineBreakpoints reports back per
// request, in request order.
type ResolvedBreakpoint struct {
	ID       ID
	Verified bool
	Line     int
	EndLine  int
	Message  string
}

// SetLineBreakpoints replaces every breakpoint for file with the given
// requests: survivors (same line+condition) keep their id, removed
// ones are deactivated and never fire again, and new ones are resolved
// immediately if a process is attached (otherwise left unresolved for
// a later module load).
func (l *Line) SetLineBreakpoints(file string, reqs []LineRequest) []ResolvedBreakpoint {
	l.mu.Lock()
	defer l.mu.Unlock()

	existing := l.perFile[file]
	next := make([]*lineBreakpoint, 0, len(reqs))
	out := make([]ResolvedBreakpoint, len(reqs))

	for i, req := range reqs {
		bp := findSurvivor(existing, req)
		if bp == nil {
			bp = &lineBreakpoint{id: l.ids.Next(), line: req.Line, condition: req.Condition}
			if l.hasProcess {
				l.resolveLocked(file, bp)
			}
		}
		next = append(next, bp)
		out[i] = ResolvedBreakpoint{ID: bp.id, Verified: bp.verified(), Line: firstLine(bp), EndLine: firstEndLine(bp)}
	}

	for _, old := range existing {
		if !contains(next, old) {
			deactivate(old)
		}
	}

	l.perFile[file] = next
	return out
}

func findSurvivor(existing []*lineBreakpoint, req LineRequest) *lineBreakpoint {
	for _, bp := range existing {
		if bp.line == req.Line && bp.condition == req.Condition {
			return bp
		}
	}
	return nil
}

func contains(list []*lineBreakpoint, bp *lineBreakpoint) bool {
	for _, b := range list {
		if b == bp {
			return true
		}
	}
	return false
}

func deactivate(bp *lineBreakpoint) {
	for _, s := range bp.sites {
		if s.runtimeBP != nil {
			s.runtimeBP.Activate(false)
		}
	}
	bp.sites = nil
}

func firstLine(bp *lineBreakpoint) int {
	if len(bp.sites) == 0 {
		return bp.line
	}
	return bp.sites[0].StartLine
}

func firstEndLine(bp *lineBreakpoint) int {
	if len(bp.sites) == 0 {
		return bp.line
	}
	return bp.sites[0].EndLine
}

// OnModuleLoad re-resolves every unresolved or partially resolved
// breakpoint of every file against the newly loaded module, returning
// ChangeEvents for any that newly became verified.
func (l *Line) OnModuleLoad() []ChangeEvent {
	l.mu.Lock()
	defer l.mu.Unlock()

	var changes []ChangeEvent
	for file, bps := range l.perFile {
		for _, bp := range bps {
			before := bp.verified()
			l.resolveLocked(file, bp)
			if !before && bp.verified() {
				changes = append(changes, ChangeEvent{
					Reason:   "changed",
					ID:       bp.id,
					Verified: true,
					Source:   Source{Path: file},
					Line:     firstLine(bp),
					EndLine:  firstEndLine(bp),
				})
			}
		}
	}
	return changes
}

// resolveLocked installs runtime breakpoints at every currently
// resolvable site for bp that it doesn't already hold, called with
// l.mu held.
func (l *Line) resolveLocked(file string, bp *lineBreakpoint) {
	resolved := l.index.ResolveLine(file, bp.line)
	for _, r := range resolved {
		if siteAlreadyInstalled(bp.sites, r) {
			continue
		}
		rec, ok := l.index.LookupByAddress(r.Module)
		if !ok {
			continue
		}
		runtimeBP, err := l.install(rec, r.MethodToken, r.ILOffset)
		if err != nil {
			continue
		}
		bp.sites = append(bp.sites, &ResolvedSite{
			Module:      r.Module,
			MethodToken: r.MethodToken,
			ILOffset:    r.ILOffset,
			StartLine:   r.StartLine,
			EndLine:     r.EndLine,
			runtimeBP:   runtimeBP,
		})
	}
}

func siteAlreadyInstalled(sites []*ResolvedSite, r metadata.ResolvedLine) bool {
	for _, s := range sites {
		if s.Module == r.Module && s.MethodToken == r.MethodToken && s.ILOffset == r.ILOffset {
			return true
		}
	}
	return false
}

// CheckHit compares a runtime breakpoint pointer against every stored
// primitive handle by (module, method, IL offset); on a match it
// evaluates the textual condition and reports hit/no-hit.
func (l *Line) CheckHit(ctx context.Context, ev evaluator.Evaluator, frame dbgapi.Frame, rtbp dbgapi.Breakpoint) (HitResult, ID, []ChangeEvent) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for _, bps := range l.perFile {
		for _, bp := range bps {
			for _, site := range bp.sites {
				if site.Module != rtbp.Module() || site.MethodToken != rtbp.MethodToken() || site.ILOffset != rtbp.ILOffset() {
					continue
				}
				fire, msg := evaluator.EvaluateCondition(ctx, ev, frame, bp.condition)
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
	}
	return NoHit, 0, nil
}

// DisableAll deactivates every installed runtime breakpoint but keeps
// the breakpoint records.
func (l *Line) DisableAll() {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, bps := range l.perFile {
		for _, bp := range bps {
			for _, s := range bp.sites {
				if s.runtimeBP != nil {
					s.runtimeBP.Activate(false)
				}
			}
		}
	}
}

// DeleteAll clears every line breakpoint across every file.
func (l *Line) DeleteAll() {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, bps := range l.perFile {
		for _, bp := range bps {
			deactivate(bp)
		}
	}
	l.perFile = make(map[string][]*lineBreakpoint)
}
