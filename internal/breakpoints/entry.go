package breakpoints

import (
	"strings"
	"sync"

	"github.com/viewizard/dncdbg-go/internal/dbgapi"
	"github.com/viewizard/dncdbg-go/internal/metadata"
)

// asyncMainTrampolinePrefix is the compiler's name for the
// async-Main trampoline's state machine.
const asyncMainTrampolinePrefix = "<Main>d__"

// Entry is the singleton entry breakpoint. On the first load of a
// module whose file header advertises an entry method, if
// stop-at-entry is enabled, it installs a single-shot runtime
// breakpoint, redirecting through the compiler-generated async-Main
// trampoline's MoveNext when the entry is `<Main>`.
type Entry struct {
	mu sync.Mutex

	install     InstallFunc
	stopAtEntry bool
	installed   bool
	deactivated bool
	runtimeBP   dbgapi.Breakpoint
}

// NewEntry constructs the Entry Breakpoint subsystem.
func NewEntry(install InstallFunc) *Entry {
	return &Entry{install: install}
}

// SetStopAtEntry toggles whether the entry breakpoint installs at all.
func (e *Entry) SetStopAtEntry(enabled bool) {
	e.mu.Lock()
	e.stopAtEntry = enabled
	e.mu.Unlock()
}

// OnModuleLoad installs the entry breakpoint on the first module whose
// header advertises an entry method, if stop-at-entry is enabled and
// no entry breakpoint has been installed yet.
func (e *Entry) OnModuleLoad(rec *metadata.Record) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.installed || !e.stopAtEntry || rec.Reader == nil || rec.Module == nil {
		return
	}
	entryToken, ok := rec.Module.EntryMethodToken()
	if !ok {
		return
	}

	methodToken := entryToken
	name := entryMethodName(rec.Module.Metadata(), entryToken)
	if name == "<Main>" {
		if moveNext, ok := findAsyncMainMoveNext(rec.Module.Metadata(), entryToken); ok {
			methodToken = moveNext
		} else {
			return // nested state machine not found yet; retry on a later load
		}
	}

	var offset uint32
	if name == "<Main>" {
		var found bool
		offset, found = rec.Reader.NextUserCodeOffset(uint32(methodToken), 0)
		if !found {
			return
		}
	} else {
		offset = 0
	}

	bp, err := e.install(rec, dbgapi.MethodToken(methodToken), dbgapi.ILOffset(offset))
	if err != nil {
		return
	}
	e.runtimeBP = bp
	e.installed = true
}

func entryMethodName(md dbgapi.Metadata, token dbgapi.MethodToken) string {
	for _, m := range md.Methods() {
		if m.Token == token {
			return m.Name
		}
	}
	return ""
}

// findAsyncMainMoveNext searches the module for a nested type named
// <Main>d__* whose enclosing class is the declaring type of <Main>,
// and returns its MoveNext method.
func findAsyncMainMoveNext(md dbgapi.Metadata, mainToken dbgapi.MethodToken) (dbgapi.MethodToken, bool) {
	var mainType string
	for _, m := range md.Methods() {
		if m.Token == mainToken {
			mainType = m.TypeName
			break
		}
	}
	if mainType == "" {
		return 0, false
	}

	for _, m := range md.Methods() {
		if m.Name != "MoveNext" {
			continue
		}
		if !strings.HasPrefix(shortType(m.TypeName), asyncMainTrampolinePrefix) {
			continue
		}
		if enclosingType(m.TypeName) != mainType {
			continue
		}
		return m.Token, true
	}
	return 0, false
}

func shortType(dotted string) string {
	i := strings.LastIndex(dotted, ".")
	if i < 0 {
		return dotted
	}
	return dotted[i+1:]
}

func enclosingType(dotted string) string {
	i := strings.LastIndex(dotted, ".")
	if i < 0 {
		return ""
	}
	return dotted[:i]
}

// CheckHit reports whether rtbp sits at the entry breakpoint's site
// (module, method token, IL offset), deactivating it on first hit (it
// is single-shot).
func (e *Entry) CheckHit(rtbp dbgapi.Breakpoint) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.runtimeBP == nil || rtbp == nil || e.deactivated {
		return false
	}
	if e.runtimeBP.Module() != rtbp.Module() || e.runtimeBP.MethodToken() != rtbp.MethodToken() || e.runtimeBP.ILOffset() != rtbp.ILOffset() {
		return false
	}
	e.deactivated = true
	e.runtimeBP.Activate(false)
	return true
}
