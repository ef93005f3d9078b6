package dapserver

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	dap "github.com/google/go-dap"
	"github.com/stretchr/testify/require"
	"github.com/viewizard/dncdbg-go/internal/dbgapi"
	"github.com/viewizard/dncdbg-go/internal/dbgapi/dbgapitest"
	"github.com/viewizard/dncdbg-go/internal/debuginfo"
	"github.com/viewizard/dncdbg-go/internal/metadata"
	"github.com/viewizard/dncdbg-go/internal/session"
)

const (
	testModuleAddr  = dbgapi.ModuleAddress(0x4000)
	testMethodToken = dbgapi.MethodToken(100)
	testSourcePath  = "/src/Program.cs"
)

// fixture is one wired debug session: a DAP client talking over pipes
// to a Server backed entirely by in-memory fakes.
type fixture struct {
	runtime   *dbgapitest.Runtime
	process   *dbgapitest.Process
	thread    *dbgapitest.Thread
	module    *dbgapitest.Module
	reader    *dbgapitest.Reader
	installer *dbgapitest.Installer

	rw     *bufio.ReadWriter
	msgs   chan []byte
	seq    int
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func newFixture(t *testing.T) *fixture {
	module := &dbgapitest.Module{
		Addr: testModuleAddr,
		Path: "/bin/Program.dll",
		Meta: &dbgapitest.Metadata{
			Defs: []dbgapi.MethodDef{
				{Token: testMethodToken, TypeName: "Program", Name: "Main"},
			},
		},
	}
	thread := &dbgapitest.Thread{TID: 1, TName: "Main Thread"}
	thread.Stack = []dbgapi.Frame{
		&dbgapitest.Frame{Mod: module, Token: testMethodToken, IP: 0},
	}
	process := &dbgapitest.Process{
		Pid:        4321,
		ThreadList: []*dbgapitest.Thread{thread},
		Domains:    []*dbgapitest.AppDomain{{}},
	}
	runtime := &dbgapitest.Runtime{Proc: process}

	reader := &dbgapitest.Reader{
		Files: []string{testSourcePath},
		Ranges: map[string][]debuginfo.MethodRange{
			testSourcePath: {
				{StartLine: 5, EndLine: 20, MethodToken: uint32(testMethodToken)},
			},
		},
		Methods: map[uint32]*dbgapitest.MethodInfo{
			uint32(testMethodToken): {
				SourceFile: testSourcePath,
				Points: []debuginfo.SequencePoint{
					{ILOffset: 0, StartLine: 10, EndLine: 10},
					{ILOffset: 4, StartLine: 11, EndLine: 11},
				},
			},
		},
	}

	installer := &dbgapitest.Installer{}
	evalr := &dbgapitest.Evaluator{}

	newController := func(events session.Events) *session.Controller {
		install := func(rec *metadata.Record, token dbgapi.MethodToken, offset dbgapi.ILOffset) (dbgapi.Breakpoint, error) {
			return installer.InstallAt(rec.Address, token, offset)
		}
		readers := func(mod dbgapi.Module) (debuginfo.Reader, string, error) {
			return reader, "mod-1", nil
		}
		return session.New(runtime, readers, evalr, events, session.Config{JustMyCode: true}, install, &dbgapitest.StepInstaller{}, installer)
	}

	stdinReader, stdinWriter := io.Pipe()
	stdoutReader, stdoutWriter := io.Pipe()

	ctx, cancel := context.WithCancel(context.Background())

	f := &fixture{
		runtime:   runtime,
		process:   process,
		thread:    thread,
		module:    module,
		reader:    reader,
		installer: installer,
		rw: bufio.NewReadWriter(
			bufio.NewReader(stdoutReader),
			bufio.NewWriter(stdinWriter),
		),
		msgs:   make(chan []byte, 64),
		cancel: cancel,
	}

	f.wg.Add(1)
	go func() {
		defer f.wg.Done()
		err := New(newController).Listen(ctx, nil, stdinReader, stdoutWriter)
		if err != nil && !errors.Is(err, io.ErrClosedPipe) && !errors.Is(err, context.Canceled) {
			t.Errorf("listen: %s", err)
		}
	}()

	f.wg.Add(1)
	go func() {
		defer f.wg.Done()
		for {
			dt, err := dap.ReadBaseMessage(f.rw.Reader)
			if err != nil {
				close(f.msgs)
				return
			}
			f.msgs <- dt
		}
	}()

	t.Cleanup(func() {
		cancel()
		stdinWriter.Close()
		stdoutReader.Close()
		f.wg.Wait()
	})
	return f
}

func (f *fixture) send(t *testing.T, msg dap.Message) {
	t.Helper()
	require.NoError(t, dap.WriteProtocolMessage(f.rw, msg))
	require.NoError(t, f.rw.Flush())
}

func (f *fixture) newRequest(command string) dap.Request {
	f.seq++
	return dap.Request{
		ProtocolMessage: dap.ProtocolMessage{
			Seq:  f.seq,
			Type: "request",
		},
		Command: command,
	}
}

// expect reads messages until pred accepts one, failing the test if
// none arrives in time. Unrelated interleaved messages are skipped.
func (f *fixture) expect(t *testing.T, what string, pred func(raw []byte) bool) []byte {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case raw, ok := <-f.msgs:
			require.True(t, ok, "stream closed while waiting for %s", what)
			if pred(raw) {
				return raw
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s", what)
		}
	}
}

func isResponse(command string) func([]byte) bool {
	return func(raw []byte) bool {
		var resp dap.Response
		if json.Unmarshal(raw, &resp) != nil {
			return false
		}
		return resp.Type == "response" && resp.Command == command
	}
}

func isEvent(event string) func([]byte) bool {
	return func(raw []byte) bool {
		var ev dap.Event
		if json.Unmarshal(raw, &ev) != nil {
			return false
		}
		return ev.Type == "event" && ev.Event == event
	}
}

func (f *fixture) initialize(t *testing.T) {
	t.Helper()
	f.send(t, &dap.InitializeRequest{
		Request: f.newRequest("initialize"),
		Arguments: dap.InitializeRequestArguments{
			LinesStartAt1:        true,
			ColumnsStartAt1:      true,
			SupportsVariableType: true,
		},
	})
	raw := f.expect(t, "initialize response", isResponse("initialize"))
	var resp dap.InitializeResponse
	require.NoError(t, json.Unmarshal(raw, &resp))
	require.True(t, resp.Success)
	require.True(t, resp.Body.SupportsConfigurationDoneRequest)
	require.True(t, resp.Body.SupportsFunctionBreakpoints)
	f.expect(t, "initialized event", isEvent("initialized"))
}

func (f *fixture) launch(t *testing.T) {
	t.Helper()
	f.send(t, &dap.LaunchRequest{
		Request:   f.newRequest("launch"),
		Arguments: json.RawMessage(`{"program":"/bin/Program.dll"}`),
	})
	f.expect(t, "launch response", isResponse("launch"))
	f.expect(t, "process event", isEvent("process"))
}

func (f *fixture) setBreakpoint(t *testing.T, line int) dap.SetBreakpointsResponse {
	t.Helper()
	f.send(t, &dap.SetBreakpointsRequest{
		Request: f.newRequest("setBreakpoints"),
		Arguments: dap.SetBreakpointsArguments{
			Source:      dap.Source{Path: testSourcePath},
			Breakpoints: []dap.SourceBreakpoint{{Line: line}},
		},
	})
	raw := f.expect(t, "setBreakpoints response", isResponse("setBreakpoints"))
	var resp dap.SetBreakpointsResponse
	require.NoError(t, json.Unmarshal(raw, &resp))
	require.True(t, resp.Success)
	return resp
}

func TestServerBreakpointLifecycle(t *testing.T) {
	f := newFixture(t)
	f.initialize(t)
	f.launch(t)

	// Before any module load the breakpoint cannot resolve.
	resp := f.setBreakpoint(t, 10)
	require.Len(t, resp.Body.Breakpoints, 1)
	require.False(t, resp.Body.Breakpoints[0].Verified)
	bpID := resp.Body.Breakpoints[0].Id

	f.send(t, &dap.ConfigurationDoneRequest{Request: f.newRequest("configurationDone")})
	f.expect(t, "configurationDone response", isResponse("configurationDone"))

	// Module load re-resolves the pending breakpoint and reports it
	// verified.
	f.runtime.Fire(dbgapi.Callback{Kind: dbgapi.CallbackLoadModule, Module: f.module})
	f.expect(t, "module event", isEvent("module"))
	raw := f.expect(t, "breakpoint event", isEvent("breakpoint"))
	var bpEvent dap.BreakpointEvent
	require.NoError(t, json.Unmarshal(raw, &bpEvent))
	require.True(t, bpEvent.Body.Breakpoint.Verified)
	require.Equal(t, bpID, bpEvent.Body.Breakpoint.Id)
	require.Equal(t, 10, bpEvent.Body.Breakpoint.Line)

	// A second identical setBreakpoints keeps the id and the verified
	// state.
	resp = f.setBreakpoint(t, 10)
	require.True(t, resp.Body.Breakpoints[0].Verified)
	require.Equal(t, bpID, resp.Body.Breakpoints[0].Id)

	// Hitting the installed site stops with reason breakpoint.
	rtbp := f.installer.Last()
	require.NotNil(t, rtbp)
	f.runtime.Fire(dbgapi.Callback{Kind: dbgapi.CallbackBreakpoint, Thread: f.thread, Breakpoint: rtbp})
	raw = f.expect(t, "stopped event", isEvent("stopped"))
	var stopped dap.StoppedEvent
	require.NoError(t, json.Unmarshal(raw, &stopped))
	require.Equal(t, "breakpoint", stopped.Body.Reason)
	require.Equal(t, 1, stopped.Body.ThreadId)

	// The stopped frame reports the snapped source line.
	f.send(t, &dap.StackTraceRequest{
		Request:   f.newRequest("stackTrace"),
		Arguments: dap.StackTraceArguments{ThreadId: 1},
	})
	raw = f.expect(t, "stackTrace response", isResponse("stackTrace"))
	var st dap.StackTraceResponse
	require.NoError(t, json.Unmarshal(raw, &st))
	require.NotEmpty(t, st.Body.StackFrames)
	require.Equal(t, 10, st.Body.StackFrames[0].Line)
	require.Equal(t, testSourcePath, st.Body.StackFrames[0].Source.Path)
	require.Equal(t, "Program.Main", st.Body.StackFrames[0].Name)

	// Continue resumes the target.
	f.send(t, &dap.ContinueRequest{
		Request:   f.newRequest("continue"),
		Arguments: dap.ContinueArguments{ThreadId: 1},
	})
	f.expect(t, "continue response", isResponse("continue"))

	// Process exit ends the session.
	f.runtime.Fire(dbgapi.Callback{Kind: dbgapi.CallbackExitProcess, ExitCode: 0})
	raw = f.expect(t, "exited event", isEvent("exited"))
	var exited dap.ExitedEvent
	require.NoError(t, json.Unmarshal(raw, &exited))
	require.Equal(t, 0, exited.Body.ExitCode)
	f.expect(t, "terminated event", isEvent("terminated"))
}

func TestServerRefusesContinueWhileRunning(t *testing.T) {
	f := newFixture(t)
	f.initialize(t)
	f.launch(t)

	// No stop is outstanding, so continue must fail with an error
	// response rather than resume anything.
	f.send(t, &dap.ContinueRequest{
		Request:   f.newRequest("continue"),
		Arguments: dap.ContinueArguments{ThreadId: 1},
	})
	raw := f.expect(t, "continue error response", isResponse("continue"))
	var resp dap.ErrorResponse
	require.NoError(t, json.Unmarshal(raw, &resp))
	require.False(t, resp.Success)
}

func TestServerThreads(t *testing.T) {
	f := newFixture(t)
	f.initialize(t)
	f.launch(t)

	f.send(t, &dap.ThreadsRequest{Request: f.newRequest("threads")})
	raw := f.expect(t, "threads response", isResponse("threads"))
	var resp dap.ThreadsResponse
	require.NoError(t, json.Unmarshal(raw, &resp))
	require.Len(t, resp.Body.Threads, 1)
	require.Equal(t, "Main Thread", resp.Body.Threads[0].Name)
}
