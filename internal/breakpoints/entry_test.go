package breakpoints

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/viewizard/dncdbg-go/internal/dbgapi"
	"github.com/viewizard/dncdbg-go/internal/dbgapi/dbgapitest"
	"github.com/viewizard/dncdbg-go/internal/debuginfo"
	"github.com/viewizard/dncdbg-go/internal/metadata"
)

func entryFixture(t *testing.T, defs []dbgapi.MethodDef, entry dbgapi.MethodToken, methods map[uint32]*dbgapitest.MethodInfo) (*Entry, *dbgapitest.Installer, *metadata.Record) {
	t.Helper()
	installer := &dbgapitest.Installer{}
	install := func(rec *metadata.Record, token dbgapi.MethodToken, offset dbgapi.ILOffset) (dbgapi.Breakpoint, error) {
		return installer.InstallAt(rec.Address, token, offset)
	}
	idx := metadata.NewIndex(false)
	mod := &dbgapitest.Module{
		Addr:       0x1000,
		Path:       "/bin/App.dll",
		EntryToken: entry,
		HasEntry:   true,
		Meta:       &dbgapitest.Metadata{Defs: defs},
	}
	ev, err := idx.OnModuleLoad(mod, &dbgapitest.Reader{Methods: methods}, "id", true)
	require.NoError(t, err)
	return NewEntry(install), installer, ev.Record
}

func TestEntryBreakpointPlainMain(t *testing.T) {
	e, installer, rec := entryFixture(t,
		[]dbgapi.MethodDef{{Token: 10, TypeName: "Program", Name: "Main"}},
		10, nil)
	e.SetStopAtEntry(true)
	e.OnModuleLoad(rec)

	bp := installer.Last()
	require.NotNil(t, bp)
	assert.Equal(t, dbgapi.MethodToken(10), bp.Token)
	assert.Equal(t, dbgapi.ILOffset(0), bp.Offset)
}

func TestEntryBreakpointAsyncMainRedirectsToMoveNext(t *testing.T) {
	defs := []dbgapi.MethodDef{
		{Token: 10, TypeName: "Program", Name: "<Main>"},
		{Token: 20, TypeName: "Program.<Main>d__0", Name: "MoveNext"},
	}
	methods := map[uint32]*dbgapitest.MethodInfo{
		20: {Points: []debuginfo.SequencePoint{
			{ILOffset: 0, StartLine: debuginfo.HiddenLine, EndLine: debuginfo.HiddenLine},
			{ILOffset: 7, StartLine: 3, EndLine: 3},
		}},
	}
	e, installer, rec := entryFixture(t, defs, 10, methods)
	e.SetStopAtEntry(true)
	e.OnModuleLoad(rec)

	bp := installer.Last()
	require.NotNil(t, bp)
	assert.Equal(t, dbgapi.MethodToken(20), bp.Token, "breakpoint lands in the state machine's MoveNext")
	assert.Equal(t, dbgapi.ILOffset(7), bp.Offset, "first user-code IL offset, not IL 0")
}

func TestEntryBreakpointDisabledByDefault(t *testing.T) {
	e, installer, rec := entryFixture(t,
		[]dbgapi.MethodDef{{Token: 10, TypeName: "Program", Name: "Main"}},
		10, nil)
	e.OnModuleLoad(rec)
	assert.Nil(t, installer.Last())
}

func TestEntryBreakpointSingleShot(t *testing.T) {
	e, installer, rec := entryFixture(t,
		[]dbgapi.MethodDef{{Token: 10, TypeName: "Program", Name: "Main"}},
		10, nil)
	e.SetStopAtEntry(true)
	e.OnModuleLoad(rec)

	bp := installer.Last()
	require.True(t, e.CheckHit(bp))
	assert.False(t, bp.Active(), "entry breakpoint releases itself on first hit")
	assert.False(t, e.CheckHit(bp), "second hit is not claimed")

	// Later module loads do not re-install.
	e.OnModuleLoad(rec)
	assert.Len(t, installer.Installed, 1)
}
