package session

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/viewizard/dncdbg-go/internal/breakpoints"
	"github.com/viewizard/dncdbg-go/internal/dbgapi"
	"github.com/viewizard/dncdbg-go/internal/dbgapi/dbgapitest"
	"github.com/viewizard/dncdbg-go/internal/debuginfo"
	"github.com/viewizard/dncdbg-go/internal/errkind"
	"github.com/viewizard/dncdbg-go/internal/metadata"
)

// recordingEvents collects every event the controller emits.
type recordingEvents struct {
	mu         sync.Mutex
	stopped    []breakpoints.StopReason
	modules    []string
	bpChanges  []breakpoints.ChangeEvent
	threads    []string
	exitCode   int
	exited     bool
	terminated bool
}

func (e *recordingEvents) Stopped(reason breakpoints.StopReason, threadID dbgapi.ThreadID, all bool) {
	e.mu.Lock()
	e.stopped = append(e.stopped, reason)
	e.mu.Unlock()
}

func (e *recordingEvents) Continued(threadID dbgapi.ThreadID, all bool) {}

func (e *recordingEvents) ThreadEvent(reason string, threadID dbgapi.ThreadID) {
	e.mu.Lock()
	e.threads = append(e.threads, reason)
	e.mu.Unlock()
}

func (e *recordingEvents) ModuleEvent(reason string, rec *metadata.Record) {
	e.mu.Lock()
	e.modules = append(e.modules, reason)
	e.mu.Unlock()
}

func (e *recordingEvents) BreakpointChanged(ev breakpoints.ChangeEvent) {
	e.mu.Lock()
	e.bpChanges = append(e.bpChanges, ev)
	e.mu.Unlock()
}

func (e *recordingEvents) Output(category, text string) {}

func (e *recordingEvents) Exited(exitCode int) {
	e.mu.Lock()
	e.exited = true
	e.exitCode = exitCode
	e.mu.Unlock()
}

func (e *recordingEvents) Terminated() {
	e.mu.Lock()
	e.terminated = true
	e.mu.Unlock()
}

func (e *recordingEvents) stoppedReasons() []breakpoints.StopReason {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]breakpoints.StopReason(nil), e.stopped...)
}

func (e *recordingEvents) breakpointChanges() []breakpoints.ChangeEvent {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]breakpoints.ChangeEvent(nil), e.bpChanges...)
}

func (e *recordingEvents) sessionEnded() (bool, int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.exited && e.terminated, e.exitCode
}

type controllerFixture struct {
	runtime   *dbgapitest.Runtime
	process   *dbgapitest.Process
	thread    *dbgapitest.Thread
	module    *dbgapitest.Module
	reader    *dbgapitest.Reader
	installer *dbgapitest.Installer
	evalr     *dbgapitest.Evaluator
	events    *recordingEvents
	ctrl      *Controller
	done      chan struct{}
}

func newControllerFixture(t *testing.T) *controllerFixture {
	t.Helper()
	f := &controllerFixture{
		installer: &dbgapitest.Installer{},
		evalr:     &dbgapitest.Evaluator{},
		events:    &recordingEvents{},
		done:      make(chan struct{}),
	}
	f.module = &dbgapitest.Module{
		Addr: 0x1000,
		Path: "/bin/Program.dll",
		Meta: &dbgapitest.Metadata{Defs: []dbgapi.MethodDef{{Token: 100, TypeName: "Program", Name: "Main"}}},
	}
	f.thread = &dbgapitest.Thread{TID: 1, TName: "Main Thread"}
	f.thread.Stack = []dbgapi.Frame{&dbgapitest.Frame{Mod: f.module, Token: 100, IP: 0}}
	f.process = &dbgapitest.Process{
		Pid:        99,
		ThreadList: []*dbgapitest.Thread{f.thread},
		Domains:    []*dbgapitest.AppDomain{{}},
	}
	f.runtime = &dbgapitest.Runtime{Proc: f.process}
	f.reader = &dbgapitest.Reader{
		Files: []string{"/src/Program.cs"},
		Ranges: map[string][]debuginfo.MethodRange{
			"/src/Program.cs": {{StartLine: 5, EndLine: 20, MethodToken: 100}},
		},
		Methods: map[uint32]*dbgapitest.MethodInfo{
			100: {
				SourceFile: "/src/Program.cs",
				Points:     []debuginfo.SequencePoint{{ILOffset: 0, StartLine: 10, EndLine: 10}},
			},
		},
	}

	install := func(rec *metadata.Record, token dbgapi.MethodToken, offset dbgapi.ILOffset) (dbgapi.Breakpoint, error) {
		return f.installer.InstallAt(rec.Address, token, offset)
	}
	readers := func(mod dbgapi.Module) (debuginfo.Reader, string, error) {
		return f.reader, "mod-1", nil
	}
	f.ctrl = New(f.runtime, readers, f.evalr, f.events, Config{JustMyCode: true}, install, &dbgapitest.StepInstaller{}, f.installer)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		defer close(f.done)
		f.ctrl.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-f.done:
		case <-time.After(5 * time.Second):
			t.Fatal("worker did not exit")
		}
	})
	return f
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("condition never became true")
}

func TestInitializeRefusesSecondCall(t *testing.T) {
	f := newControllerFixture(t)
	require.NoError(t, f.ctrl.Initialize())
	err := f.ctrl.Initialize()
	require.Error(t, err)
	assert.True(t, errkind.Is(err, errkind.AlreadyInit))
	assert.Equal(t, 1, f.runtime.Inits(), "the runtime's one-time init runs once")
}

func TestContinueRequiresAttachedProcess(t *testing.T) {
	f := newControllerFixture(t)
	err := f.ctrl.Continue(context.Background())
	require.Error(t, err)
	assert.True(t, errkind.Is(err, errkind.NotAttached))
}

func TestContinueRefusedWhileRunning(t *testing.T) {
	f := newControllerFixture(t)
	require.NoError(t, f.ctrl.Launch(context.Background(), dbgapi.LaunchOptions{Program: "/bin/Program.dll"}, Config{JustMyCode: true}))

	err := f.ctrl.Continue(context.Background())
	require.Error(t, err)
	assert.True(t, errkind.Is(err, errkind.ProcessRunning))
}

func TestContinueRefusedDuringEvaluation(t *testing.T) {
	f := newControllerFixture(t)
	require.NoError(t, f.ctrl.Launch(context.Background(), dbgapi.LaunchOptions{Program: "/bin/Program.dll"}, Config{JustMyCode: true}))
	f.evalr.SetRunning(true)

	err := f.ctrl.Continue(context.Background())
	require.Error(t, err)
	assert.True(t, errkind.Is(err, errkind.EvalInProgress))
}

func TestLaunchRefusedWhenAlreadyAttached(t *testing.T) {
	f := newControllerFixture(t)
	ctx := context.Background()
	require.NoError(t, f.ctrl.Launch(ctx, dbgapi.LaunchOptions{Program: "/bin/Program.dll"}, Config{}))
	err := f.ctrl.Launch(ctx, dbgapi.LaunchOptions{Program: "/bin/Program.dll"}, Config{})
	require.Error(t, err)
	assert.True(t, errkind.Is(err, errkind.InvalidArgument))
}

func TestModuleLoadVerifiesPendingBreakpoint(t *testing.T) {
	f := newControllerFixture(t)
	ctx := context.Background()
	require.NoError(t, f.ctrl.Launch(ctx, dbgapi.LaunchOptions{Program: "/bin/Program.dll"}, Config{JustMyCode: true}))

	out := f.ctrl.SetLineBreakpoints("/src/Program.cs", []breakpoints.LineRequest{{Line: 10}})
	require.Len(t, out, 1)
	assert.False(t, out[0].Verified)

	f.runtime.Fire(dbgapi.Callback{Kind: dbgapi.CallbackLoadModule, Module: f.module})
	waitFor(t, func() bool { return len(f.events.breakpointChanges()) == 1 })

	changes := f.events.breakpointChanges()
	assert.True(t, changes[0].Verified)
	assert.Equal(t, out[0].ID, changes[0].ID)

	// The breakpoint hit produces exactly one stopped event.
	f.runtime.Fire(dbgapi.Callback{Kind: dbgapi.CallbackBreakpoint, Thread: f.thread, Breakpoint: f.installer.Last()})
	waitFor(t, func() bool { return len(f.events.stoppedReasons()) == 1 })
	assert.Equal(t, breakpoints.StopBreakpoint, f.events.stoppedReasons()[0])

	// Continue resumes the target.
	require.NoError(t, f.ctrl.Continue(ctx))
	waitFor(t, func() bool { return f.process.Continues() > 0 })
}

func TestExitProcessEndsSession(t *testing.T) {
	f := newControllerFixture(t)
	ctx := context.Background()
	require.NoError(t, f.ctrl.Launch(ctx, dbgapi.LaunchOptions{Program: "/bin/Program.dll"}, Config{}))

	f.runtime.Fire(dbgapi.Callback{Kind: dbgapi.CallbackExitProcess, ExitCode: 7})
	waitFor(t, func() bool { ended, _ := f.events.sessionEnded(); return ended })
	_, code := f.events.sessionEnded()
	assert.Equal(t, 7, code)

	select {
	case <-f.done:
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not exit after process exit")
	}
}

func TestDisconnectTerminatesDebuggee(t *testing.T) {
	f := newControllerFixture(t)
	ctx := context.Background()
	require.NoError(t, f.ctrl.Launch(ctx, dbgapi.LaunchOptions{Program: "/bin/Program.dll"}, Config{}))

	require.NoError(t, f.ctrl.Disconnect(ctx, DisconnectTerminate))
	assert.True(t, f.process.Terminated())

	select {
	case <-f.done:
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not exit after disconnect")
	}
}

func TestDisconnectDetachLeavesDebuggeeRunning(t *testing.T) {
	f := newControllerFixture(t)
	ctx := context.Background()
	require.NoError(t, f.ctrl.Launch(ctx, dbgapi.LaunchOptions{Program: "/bin/Program.dll"}, Config{}))

	require.NoError(t, f.ctrl.Disconnect(ctx, DisconnectDetach))
	assert.False(t, f.process.Terminated())
}

func TestThreadLifecycleEvents(t *testing.T) {
	f := newControllerFixture(t)
	require.NoError(t, f.ctrl.Launch(context.Background(), dbgapi.LaunchOptions{Program: "/bin/Program.dll"}, Config{}))

	f.runtime.Fire(dbgapi.Callback{Kind: dbgapi.CallbackCreateThread, Thread: f.thread})
	f.runtime.Fire(dbgapi.Callback{Kind: dbgapi.CallbackExitThread, Thread: f.thread})
	waitFor(t, func() bool {
		f.events.mu.Lock()
		defer f.events.mu.Unlock()
		return len(f.events.threads) == 2
	})
	f.events.mu.Lock()
	defer f.events.mu.Unlock()
	assert.Equal(t, []string{"started", "exited"}, f.events.threads)
}

func TestDescribeFrameResolvesSource(t *testing.T) {
	f := newControllerFixture(t)
	require.NoError(t, f.ctrl.Launch(context.Background(), dbgapi.LaunchOptions{Program: "/bin/Program.dll"}, Config{}))
	f.runtime.Fire(dbgapi.Callback{Kind: dbgapi.CallbackLoadModule, Module: f.module})
	waitFor(t, func() bool {
		f.events.mu.Lock()
		defer f.events.mu.Unlock()
		return len(f.events.modules) == 1
	})

	info := f.ctrl.DescribeFrame(f.thread.Stack[0])
	assert.Equal(t, "Program.Main", info.MethodName)
	assert.True(t, info.HasSource)
	assert.Equal(t, "/src/Program.cs", info.SourcePath)
	assert.Equal(t, 10, info.Line)
}
