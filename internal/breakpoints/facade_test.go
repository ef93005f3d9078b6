package breakpoints

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/viewizard/dncdbg-go/internal/dbgapi"
	"github.com/viewizard/dncdbg-go/internal/dbgapi/dbgapitest"
	"github.com/viewizard/dncdbg-go/internal/debuginfo"
	"github.com/viewizard/dncdbg-go/internal/metadata"
)

type facadeFixture struct {
	idx       *metadata.Index
	installer *dbgapitest.Installer
	facade    *Facade
	module    *dbgapitest.Module
	rec       *metadata.Record
}

func newFacadeFixture(t *testing.T) *facadeFixture {
	t.Helper()
	f := &facadeFixture{
		idx:       metadata.NewIndex(false),
		installer: &dbgapitest.Installer{},
	}
	install := func(rec *metadata.Record, token dbgapi.MethodToken, offset dbgapi.ILOffset) (dbgapi.Breakpoint, error) {
		return f.installer.InstallAt(rec.Address, token, offset)
	}
	f.facade = NewFacade(f.idx, install, &dbgapitest.Evaluator{})

	f.module = &dbgapitest.Module{
		Addr: 0x1000,
		Path: "/bin/App.dll",
		Meta: &dbgapitest.Metadata{
			Defs: []dbgapi.MethodDef{
				{Token: 100, TypeName: "App", Name: "Main"},
				{Token: 101, TypeName: "App", Name: "Generated"},
			},
			MethodAttrs: map[dbgapi.MethodToken][]string{
				101: {"DebuggerNonUserCode"},
			},
		},
	}
	reader := &dbgapitest.Reader{
		Files: []string{srcPath},
		Methods: map[uint32]*dbgapitest.MethodInfo{
			100: {SourceFile: srcPath, Points: []debuginfo.SequencePoint{{ILOffset: 0, StartLine: 10, EndLine: 10}}},
			101: {SourceFile: srcPath, Points: []debuginfo.SequencePoint{{ILOffset: 0, StartLine: 30, EndLine: 30}}},
		},
	}
	ev, err := f.idx.OnModuleLoad(f.module, reader, "id", true)
	require.NoError(t, err)
	f.rec = ev.Record
	f.idx.IndexSource(0x1000, srcPath, []debuginfo.MethodRange{
		{StartLine: 5, EndLine: 20, MethodToken: 100},
		{StartLine: 25, EndLine: 35, MethodToken: 101},
	})
	return f
}

func (f *facadeFixture) thread(token dbgapi.MethodToken) *dbgapitest.Thread {
	return &dbgapitest.Thread{
		TID:   1,
		Stack: []dbgapi.Frame{&dbgapitest.Frame{Mod: f.module, Token: token, IP: 0}},
	}
}

func TestFacadeLineBreakpointHit(t *testing.T) {
	f := newFacadeFixture(t)
	f.facade.Line.SetHasProcess(true)
	out := f.facade.Line.SetLineBreakpoints(srcPath, []LineRequest{{Line: 10}})
	require.True(t, out[0].Verified)

	outcome := f.facade.OnBreakpointHit(context.Background(), f.thread(100), f.installer.Last())
	assert.True(t, outcome.Stop)
	assert.Equal(t, StopBreakpoint, outcome.Reason)
	assert.Equal(t, out[0].ID, outcome.BPID)
}

func TestFacadeConsumesNonUserCodeHit(t *testing.T) {
	f := newFacadeFixture(t)
	f.facade.Line.SetHasProcess(true)
	f.facade.Line.SetLineBreakpoints(srcPath, []LineRequest{{Line: 30}})

	// With just-my-code on, a hit whose frame is marked non-user is
	// silently consumed.
	outcome := f.facade.OnBreakpointHit(context.Background(), f.thread(101), f.installer.Last())
	assert.False(t, outcome.Stop)

	// With just-my-code off the same hit stops.
	f.facade.SetJustMyCode(false)
	outcome = f.facade.OnBreakpointHit(context.Background(), f.thread(101), f.installer.Last())
	assert.True(t, outcome.Stop)
}

func TestFacadeEntryWinsArbitration(t *testing.T) {
	f := newFacadeFixture(t)
	f.facade.Entry.SetStopAtEntry(true)
	f.module.EntryToken = 100
	f.module.HasEntry = true
	f.facade.OnModuleLoad(f.rec)

	entryBP := f.installer.Last()
	require.NotNil(t, entryBP)

	outcome := f.facade.OnBreakpointHit(context.Background(), f.thread(100), entryBP)
	assert.True(t, outcome.Stop)
	assert.Equal(t, StopEntry, outcome.Reason)
}

func TestFacadeUnclaimedHitResumes(t *testing.T) {
	f := newFacadeFixture(t)
	stray := &dbgapitest.Breakpoint{Mod: 0x9999, Token: 5, Offset: 0}
	outcome := f.facade.OnBreakpointHit(context.Background(), f.thread(100), stray)
	assert.False(t, outcome.Stop)
}

func TestFacadeFunctionBreakpointAmbiguousName(t *testing.T) {
	f := newFacadeFixture(t)

	// A second module exposing the same method name.
	mod2 := &dbgapitest.Module{
		Addr: 0x2000,
		Path: "/bin/Lib.dll",
		Meta: &dbgapitest.Metadata{Defs: []dbgapi.MethodDef{{Token: 200, TypeName: "Lib.App", Name: "Main"}}},
	}
	reader2 := &dbgapitest.Reader{
		Methods: map[uint32]*dbgapitest.MethodInfo{
			200: {Points: []debuginfo.SequencePoint{{ILOffset: 2, StartLine: 8, EndLine: 8}}},
		},
	}
	_, err := f.idx.OnModuleLoad(mod2, reader2, "id2", true)
	require.NoError(t, err)

	out := f.facade.Function.SetFunctionBreakpoints([]FunctionRequest{{Name: "Main"}})
	require.Len(t, out, 1)
	assert.True(t, out[0].Verified)
	require.Len(t, f.installer.Installed, 2, "both modules resolve")

	// Hitting either site reports the same breakpoint id.
	for _, bp := range f.installer.Installed {
		token := bp.Token
		var thread *dbgapitest.Thread
		if bp.Mod == 0x2000 {
			thread = &dbgapitest.Thread{TID: 1, Stack: []dbgapi.Frame{&dbgapitest.Frame{Mod: mod2, Token: token, IP: 0}}}
		} else {
			thread = f.thread(token)
		}
		result, id, _ := f.facade.Function.CheckHit(context.Background(), &dbgapitest.Evaluator{}, thread.Stack[0], bp)
		assert.Equal(t, Hit, result)
		assert.Equal(t, out[0].ID, id)
	}
}

func TestFunctionBreakpointSkipsPrologue(t *testing.T) {
	f := newFacadeFixture(t)

	// Method 300's first point is hidden prologue; the breakpoint must
	// land on the first user-code offset after it.
	mod := &dbgapitest.Module{
		Addr: 0x3000,
		Path: "/bin/P.dll",
		Meta: &dbgapitest.Metadata{Defs: []dbgapi.MethodDef{{Token: 300, TypeName: "P", Name: "Go"}}},
	}
	reader := &dbgapitest.Reader{
		Methods: map[uint32]*dbgapitest.MethodInfo{
			300: {Points: []debuginfo.SequencePoint{
				{ILOffset: 0, StartLine: debuginfo.HiddenLine, EndLine: debuginfo.HiddenLine},
				{ILOffset: 6, StartLine: 4, EndLine: 4},
			}},
		},
	}
	_, err := f.idx.OnModuleLoad(mod, reader, "id3", true)
	require.NoError(t, err)

	out := f.facade.Function.SetFunctionBreakpoints([]FunctionRequest{{Name: "P.Go"}})
	require.True(t, out[0].Verified)
	assert.Equal(t, dbgapi.ILOffset(6), f.installer.Last().Offset)
}
