package breakpoints

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/viewizard/dncdbg-go/internal/dbgapi"
	"github.com/viewizard/dncdbg-go/internal/dbgapi/dbgapitest"
)

func throwingThread(typeName string) *dbgapitest.Thread {
	return &dbgapitest.Thread{
		TID:       1,
		Exception: &dbgapitest.Value{Type: typeName},
	}
}

func TestExceptionFilterThrowMatchesFirstChance(t *testing.T) {
	e := NewException(NewIDAllocator())
	e.SetExceptionBreakpoints([]ExceptionRequest{{Filter: FilterThrow}})

	thread := throwingThread("System.Exception")
	result, info := e.CheckHit(thread, dbgapi.ExceptionFirstChance)
	assert.Equal(t, Hit, result)
	assert.Equal(t, "System.Exception", info.TypeName)

	result, _ = e.CheckHit(thread, dbgapi.ExceptionUserFirstChance)
	assert.Equal(t, Hit, result)

	// A caught exception is not a throw event.
	result, _ = e.CheckHit(thread, dbgapi.ExceptionCaught)
	assert.Equal(t, NoHit, result)
}

func TestExceptionFilterConditionNegation(t *testing.T) {
	e := NewException(NewIDAllocator())
	e.SetExceptionBreakpoints([]ExceptionRequest{{
		Filter:    FilterThrow,
		Condition: []string{"System.InvalidOperationException"},
		Negate:    true,
	}})

	// The negated set suppresses the named type and fires on others.
	result, _ := e.CheckHit(throwingThread("System.InvalidOperationException"), dbgapi.ExceptionFirstChance)
	assert.Equal(t, NoHit, result)

	result, _ = e.CheckHit(throwingThread("System.IO.FileNotFoundException"), dbgapi.ExceptionFirstChance)
	assert.Equal(t, Hit, result)
}

func TestExceptionFilterConditionSet(t *testing.T) {
	e := NewException(NewIDAllocator())
	e.SetExceptionBreakpoints([]ExceptionRequest{{
		Filter:    FilterThrow,
		Condition: []string{"A", "B"},
	}})

	result, _ := e.CheckHit(throwingThread("A"), dbgapi.ExceptionFirstChance)
	assert.Equal(t, Hit, result)
	result, _ = e.CheckHit(throwingThread("C"), dbgapi.ExceptionFirstChance)
	assert.Equal(t, NoHit, result)
}

func TestExceptionFirstMatchingFilterWins(t *testing.T) {
	e := NewException(NewIDAllocator())
	ids := e.SetExceptionBreakpoints([]ExceptionRequest{
		{Filter: FilterThrow, Condition: []string{"A"}},
		{Filter: FilterThrow},
	})
	require.Len(t, ids, 2)

	_, info := e.CheckHit(throwingThread("A"), dbgapi.ExceptionFirstChance)
	assert.Equal(t, ids[0], info.ID)

	_, info = e.CheckHit(throwingThread("B"), dbgapi.ExceptionFirstChance)
	assert.Equal(t, ids[1], info.ID)
}

func TestExceptionEmptySetSilencesStops(t *testing.T) {
	e := NewException(NewIDAllocator())
	e.SetExceptionBreakpoints([]ExceptionRequest{{Filter: FilterThrow}})
	thread := throwingThread("System.Exception")

	result, _ := e.CheckHit(thread, dbgapi.ExceptionFirstChance)
	require.Equal(t, Hit, result)

	e.SetExceptionBreakpoints(nil)
	result, _ = e.CheckHit(thread, dbgapi.ExceptionFirstChance)
	assert.Equal(t, NoHit, result)

	// Re-enabling restores the prior behaviour.
	e.SetExceptionBreakpoints([]ExceptionRequest{{Filter: FilterThrow}})
	result, _ = e.CheckHit(thread, dbgapi.ExceptionFirstChance)
	assert.Equal(t, Hit, result)
}

func TestExceptionUserUnhandledNeedsPropagation(t *testing.T) {
	e := NewException(NewIDAllocator())
	e.SetExceptionBreakpoints([]ExceptionRequest{{Filter: FilterUserUnhandled}})
	thread := throwingThread("System.Exception")

	// First-chance events never match the user-unhandled filter.
	result, _ := e.CheckHit(thread, dbgapi.ExceptionFirstChance)
	assert.Equal(t, NoHit, result)

	// The unhandled callback marks propagation and matches.
	result, _ = e.CheckHit(thread, dbgapi.ExceptionUnhandled)
	assert.Equal(t, Hit, result)

	// Thread exit clears the per-thread lifecycle.
	e.OnExitThread(thread.TID)
	result, _ = e.CheckHit(thread, dbgapi.ExceptionFirstChance)
	assert.Equal(t, NoHit, result)
}

func TestDescribeWalksInnerExceptions(t *testing.T) {
	inner := &dbgapitest.Value{
		Type:   "System.IO.FileNotFoundException",
		Fields: map[string]*dbgapitest.Value{"Message": {Type: "System.String", Str: "missing.txt", HasStr: true}},
	}
	outer := &dbgapitest.Value{
		Type: "System.InvalidOperationException",
		Fields: map[string]*dbgapitest.Value{
			"Message":        {Type: "System.String", Str: "outer", HasStr: true},
			"InnerException": inner,
		},
	}

	d := Describe(outer, "at Program.Main()", "App")
	require.NotNil(t, d)
	assert.Equal(t, "System.InvalidOperationException", d.FullTypeName)
	assert.Equal(t, "InvalidOperationException", d.ShortTypeName)
	assert.Equal(t, "outer", d.Message)
	assert.Equal(t, "at Program.Main()", d.StackTrace)
	assert.Equal(t, "App", d.Source)

	require.NotNil(t, d.Inner)
	assert.Equal(t, "FileNotFoundException", d.Inner.ShortTypeName)
	assert.Equal(t, "missing.txt", d.Inner.Message)
	assert.Nil(t, d.Inner.Inner)
}

func TestDescribeBoundsCyclicInnerChain(t *testing.T) {
	val := &dbgapitest.Value{Type: "System.Exception", Fields: map[string]*dbgapitest.Value{}}
	val.Fields["InnerException"] = val

	d := Describe(val, "", "")
	depth := 0
	for d != nil {
		depth++
		d = d.Inner
	}
	assert.LessOrEqual(t, depth, maxInnerExceptionDepth+1)
}
