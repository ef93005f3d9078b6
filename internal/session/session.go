// Package session implements the session controller: the lifecycle
// owner for every other core component, the request dispatch target
// for the protocol adapter, and the source of the events the protocol
// adapter forwards to the IDE. Lifecycle changes take the process
// lock as writers; every other operation reads.
package session

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	"github.com/viewizard/dncdbg-go/internal/breakpoints"
	"github.com/viewizard/dncdbg-go/internal/callbackqueue"
	"github.com/viewizard/dncdbg-go/internal/dbgapi"
	"github.com/viewizard/dncdbg-go/internal/debuginfo"
	"github.com/viewizard/dncdbg-go/internal/errkind"
	"github.com/viewizard/dncdbg-go/internal/evaluator"
	"github.com/viewizard/dncdbg-go/internal/metadata"
	"github.com/viewizard/dncdbg-go/internal/stepper"
)

// ProtocolFlavor selects the pause thread-selection policy.
type ProtocolFlavor int

const (
	// FlavorRich protocols always pass an explicit thread to Pause.
	FlavorRich ProtocolFlavor = iota
	// FlavorMinimal protocols get the process's first thread.
	FlavorMinimal
	// FlavorMid protocols get a known-source-frame search.
	FlavorMid
)

// Events is everything the session controller reports to its caller
// (the protocol adapter).
type Events interface {
	Stopped(reason breakpoints.StopReason, threadID dbgapi.ThreadID, allThreadsStopped bool)
	Continued(threadID dbgapi.ThreadID, allThreadsContinued bool)
	ThreadEvent(reason string, threadID dbgapi.ThreadID)
	ModuleEvent(reason string, rec *metadata.Record)
	BreakpointChanged(ev breakpoints.ChangeEvent)
	Output(category, text string)
	Exited(exitCode int)
	Terminated()
}

// SymbolReaderFactory opens a module's symbol reader (nil if no PDB),
// supplied so the core never depends on a concrete PDB library.
type SymbolReaderFactory func(mod dbgapi.Module) (debuginfo.Reader, string, error)

// Config bundles the launch-time settings.
type Config struct {
	StopAtEntry         bool
	JustMyCode          bool
	EnableStepFiltering bool
	CaseInsensitiveHost bool
	Flavor              ProtocolFlavor
}

// Controller owns the module index, the breakpoint facade, the
// steppers, the callback queue, and the reader/writer lock around the
// live runtime process handle.
type Controller struct {
	rwmu sync.RWMutex // process RW-lock, always taken before any subsystem mutex

	runtime  dbgapi.Runtime
	initOnce sync.Once

	index   *metadata.Index
	facade  *breakpoints.Facade
	simple  *stepper.Simple
	async   *stepper.Async
	evalr   evaluator.Evaluator
	queue   *callbackqueue.Queue
	readers SymbolReaderFactory
	events  Events

	cfg Config

	process  dbgapi.Process
	attached bool

	lastStoppedThread dbgapi.ThreadID

	mu sync.Mutex // guards lastStoppedThread and the callback handlers' updates of attached, taken after rwmu
}

// New wires a session controller against its collaborators. install
// must install a primitive runtime breakpoint given a module/method
// token/IL offset; it is shared by the line, function and entry
// breakpoints. The async stepper installs its breakpoints through
// asyncInstaller, and the simple stepper steps through rangeInstaller.
func New(runtime dbgapi.Runtime, readers SymbolReaderFactory, evalr evaluator.Evaluator, events Events, cfg Config, install breakpoints.InstallFunc, rangeInstaller stepper.RangeInstaller, asyncInstaller stepper.BreakpointInstaller) *Controller {
	idx := metadata.NewIndex(cfg.CaseInsensitiveHost)
	facade := breakpoints.NewFacade(idx, install, evalr)
	facade.SetJustMyCode(cfg.JustMyCode)

	readerFor := func(mod dbgapi.Module) debuginfo.Reader {
		if mod == nil {
			return nil
		}
		if rec, ok := idx.LookupByAddress(mod.Address()); ok {
			return rec.Reader
		}
		return nil
	}

	simple := stepper.NewSimple(rangeInstaller, readerFor)
	async := stepper.NewAsync(simple, asyncInstaller, readerFor, evalr)

	c := &Controller{
		runtime: runtime,
		index:   idx,
		facade:  facade,
		simple:  simple,
		async:   async,
		evalr:   evalr,
		readers: readers,
		events:  events,
		cfg:     cfg,
	}
	c.queue = callbackqueue.New(evalr, c, c.events)
	runtime.SetCallback(func(cb dbgapi.Callback) {
		c.queue.Enqueue(context.Background(), cb)
	})
	return c
}

// Run drains the callback queue until the session shuts down. It is
// the session's worker goroutine; the protocol adapter starts it
// alongside its wire loops. Cancelling ctx shuts the queue down.
func (c *Controller) Run(ctx context.Context) {
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			c.queue.Shutdown()
		case <-stop:
		}
	}()
	c.queue.Run(ctx)
}

// Initialize performs the runtime's one-time init, refusing a second
// call.
func (c *Controller) Initialize() error {
	var (
		err error
		ran bool
	)
	c.initOnce.Do(func() {
		ran = true
		err = c.runtime.Init()
	})
	if !ran {
		return errkind.New(errkind.AlreadyInit, "session already initialized")
	}
	if err != nil {
		return errkind.Wrap(errkind.RuntimeError, err, "runtime init")
	}
	return nil
}

// Launch starts the debuggee.
func (c *Controller) Launch(ctx context.Context, opts dbgapi.LaunchOptions, cfg Config) error {
	c.rwmu.Lock()
	defer c.rwmu.Unlock()

	if c.attached {
		return errkind.New(errkind.InvalidArgument, "already attached to a process")
	}
	c.cfg = cfg
	c.facade.Entry.SetStopAtEntry(cfg.StopAtEntry)
	c.facade.SetJustMyCode(cfg.JustMyCode)

	proc, err := c.runtime.Launch(ctx, opts)
	if err != nil {
		return errkind.Wrap(errkind.RuntimeError, err, "launch")
	}
	c.process = proc
	c.attached = true
	c.queue.SetProcess(proc)
	return nil
}

// Attach connects to a running process by pid.
func (c *Controller) Attach(ctx context.Context, pid int) error {
	c.rwmu.Lock()
	defer c.rwmu.Unlock()

	if c.attached {
		return errkind.New(errkind.InvalidArgument, "already attached to a process")
	}
	proc, err := c.runtime.Attach(ctx, pid)
	if err != nil {
		return errkind.Wrap(errkind.RuntimeError, err, "attach")
	}
	c.process = proc
	c.attached = true
	c.queue.SetProcess(proc)
	return nil
}

// ConfigurationDone marks the end of the configuration sequence. The
// runtime binding holds the debuggee in its initial suspension until
// this resumes it.
func (c *Controller) ConfigurationDone(ctx context.Context) error {
	c.rwmu.RLock()
	proc := c.process
	c.rwmu.RUnlock()
	if proc == nil {
		return errkind.New(errkind.NotAttached, "configurationDone before launch/attach")
	}
	return proc.Continue(ctx)
}

// ProcessID returns the attached debuggee's pid, if any.
func (c *Controller) ProcessID() (int, bool) {
	c.rwmu.RLock()
	defer c.rwmu.RUnlock()
	if c.process == nil {
		return 0, false
	}
	return c.process.PID(), true
}

func (c *Controller) requireProcess() (dbgapi.Process, error) {
	c.rwmu.RLock()
	defer c.rwmu.RUnlock()
	if c.process == nil {
		return nil, errkind.New(errkind.NotAttached, "no process attached")
	}
	return c.process, nil
}

// Continue resumes the debuggee.
func (c *Controller) Continue(ctx context.Context) error {
	if _, err := c.requireProcess(); err != nil {
		return err
	}
	if c.evalr.IsEvalRunning() {
		return errkind.New(errkind.EvalInProgress, "evaluation in progress")
	}
	if !c.queue.StopOutstanding() {
		return errkind.New(errkind.ProcessRunning, "process is already running")
	}
	if err := c.queue.Continue(ctx); err != nil {
		return err
	}
	c.mu.Lock()
	last := c.lastStoppedThread
	c.mu.Unlock()
	c.events.Continued(last, true)
	return nil
}

// Step installs a stepper of the given kind on thread and resumes.
func (c *Controller) Step(ctx context.Context, thread dbgapi.Thread, kind dbgapi.StepKind) error {
	if _, err := c.requireProcess(); err != nil {
		return err
	}
	if c.evalr.IsEvalRunning() {
		return errkind.New(errkind.EvalInProgress, "evaluation in progress")
	}
	if !c.queue.StopOutstanding() {
		return errkind.New(errkind.ProcessRunning, "process is already running")
	}

	c.rwmu.RLock()
	stepFiltering := c.cfg.EnableStepFiltering
	c.rwmu.RUnlock()

	if stepFiltering {
		ok, err := c.async.SetupStep(ctx, thread, kind)
		if err != nil {
			return errkind.Wrap(errkind.RuntimeError, err, "async step setup")
		}
		if ok {
			if err := c.queue.Continue(ctx); err != nil {
				return err
			}
			c.events.Continued(thread.ID(), true)
			return nil
		}
	}
	if err := c.simple.SetupStep(thread, kind); err != nil {
		return errkind.Wrap(errkind.RuntimeError, err, "step setup")
	}
	if err := c.queue.Continue(ctx); err != nil {
		return err
	}
	c.events.Continued(thread.ID(), true)
	return nil
}

// Pause suspends the debuggee and selects a thread to report per the
// configured protocol flavor.
func (c *Controller) Pause(ctx context.Context, explicitThread dbgapi.ThreadID, haveExplicit bool) error {
	if _, err := c.requireProcess(); err != nil {
		return err
	}

	c.rwmu.RLock()
	flavor := c.cfg.Flavor
	c.rwmu.RUnlock()

	var selector callbackqueue.ThreadSelector
	switch {
	case haveExplicit:
		selector = callbackqueue.ExplicitThreadSelector(explicitThread)
	case flavor == FlavorMinimal:
		selector = callbackqueue.FirstThreadSelector
	default:
		selector = callbackqueue.KnownSourceThreadSelector
	}

	c.mu.Lock()
	prev := c.lastStoppedThread
	c.mu.Unlock()
	return c.queue.Pause(ctx, prev, selector)
}

// DisconnectAction mirrors the DAP disconnect request's optional
// terminateDebuggee semantics, generalized with an explicit detach
// variant for attach sessions.
type DisconnectAction int

const (
	DisconnectDefault DisconnectAction = iota
	DisconnectTerminate
	DisconnectDetach
)

// Disconnect tears the session down.
func (c *Controller) Disconnect(ctx context.Context, action DisconnectAction) error {
	c.rwmu.Lock()
	defer c.rwmu.Unlock()

	c.queue.Shutdown()
	if c.process == nil {
		return nil
	}

	switch action {
	case DisconnectDetach:
		c.facade.DisableAll()
		c.DisableAllSteppers()
		c.attached = false
		return nil
	default:
		err := c.process.Terminate(ctx)
		c.attached = false
		if err != nil {
			return errkind.Wrap(errkind.RuntimeError, err, "terminate")
		}
		return nil
	}
}

// Threads returns every thread in the process.
func (c *Controller) Threads() ([]dbgapi.Thread, error) {
	proc, err := c.requireProcess()
	if err != nil {
		return nil, err
	}
	return proc.Threads()
}

// Backtrace returns thread's call stack; windowing by start/levels is
// the protocol adapter's responsibility.
func (c *Controller) Backtrace(thread dbgapi.Thread) ([]dbgapi.Frame, error) {
	if _, err := c.requireProcess(); err != nil {
		return nil, err
	}
	return thread.Frames()
}

// FrameInfo is the display information the protocol adapter renders a
// stack frame with.
type FrameInfo struct {
	MethodName string
	SourcePath string
	Line       int
	EndLine    int
	HasSource  bool
}

// DescribeFrame resolves frame's method name and, if its module has a
// symbol reader, its current source location.
func (c *Controller) DescribeFrame(frame dbgapi.Frame) FrameInfo {
	info := FrameInfo{MethodName: "<unknown>"}

	mod := frame.Module()
	if mod == nil {
		return info
	}
	for _, m := range mod.Metadata().Methods() {
		if m.Token == frame.MethodToken() {
			if m.TypeName != "" {
				info.MethodName = m.TypeName + "." + m.Name
			} else {
				info.MethodName = m.Name
			}
			break
		}
	}

	rec, ok := c.index.LookupByAddress(mod.Address())
	if !ok || rec.Reader == nil {
		return info
	}
	path, ok := rec.Reader.PrimarySourceFile(uint32(frame.MethodToken()))
	if !ok {
		return info
	}
	offset, err := frame.ILOffset()
	if err != nil {
		return info
	}
	points, err := rec.Reader.SequencePoints(uint32(frame.MethodToken()))
	if err != nil {
		return info
	}

	info.SourcePath = path
	info.HasSource = true
	for i := len(points) - 1; i >= 0; i-- {
		if points[i].ILOffset <= uint32(offset) {
			info.Line = points[i].StartLine
			info.EndLine = points[i].EndLine
			break
		}
	}
	return info
}

// Scopes returns frame's variable scopes.
func (c *Controller) Scopes(ctx context.Context, frame dbgapi.Frame) ([]evaluator.Scope, error) {
	return c.evalr.Scopes(ctx, frame)
}

// Variables walks a scope/variable container.
func (c *Controller) Variables(ctx context.Context, vars evaluator.Container, filter evaluator.VariablesFilter, start, count int) ([]evaluator.Variable, error) {
	return c.evalr.Variables(ctx, vars, filter, start, count)
}

// Evaluate runs expr against frame. frame is nil for a global/REPL
// context evaluation.
func (c *Controller) Evaluate(ctx context.Context, frame dbgapi.Frame, expr string) (evaluator.Result, error) {
	return c.evalr.Evaluate(ctx, frame, expr)
}

// SetVariable assigns a variable's value.
func (c *Controller) SetVariable(ctx context.Context, frame dbgapi.Frame, name, value string) error {
	return c.evalr.SetVariable(ctx, frame, name, value)
}

// SetExpression assigns value to an l-value expression.
func (c *Controller) SetExpression(ctx context.Context, frame dbgapi.Frame, expr, value string) (evaluator.Result, error) {
	return c.evalr.SetExpression(ctx, frame, expr, value)
}

// GetExceptionInfo assembles exception details for thread's current
// exception.
func (c *Controller) GetExceptionInfo(ctx context.Context, thread dbgapi.Thread, stackTrace, source string) (*breakpoints.Details, error) {
	val, ok := thread.CurrentException()
	if !ok {
		return nil, errors.New("no exception active on thread")
	}
	return breakpoints.Describe(val, stackTrace, source), nil
}

// Modules returns every module currently indexed.
func (c *Controller) Modules() []*metadata.Record {
	return c.index.Records()
}

// SetLineBreakpoints replaces file's line breakpoints.
func (c *Controller) SetLineBreakpoints(file string, reqs []breakpoints.LineRequest) []breakpoints.ResolvedBreakpoint {
	c.rwmu.RLock()
	c.facade.Line.SetHasProcess(c.attached)
	c.rwmu.RUnlock()
	return c.facade.Line.SetLineBreakpoints(file, reqs)
}

// SetFunctionBreakpoints replaces the function breakpoint set.
func (c *Controller) SetFunctionBreakpoints(reqs []breakpoints.FunctionRequest) []breakpoints.ResolvedBreakpoint {
	return c.facade.Function.SetFunctionBreakpoints(reqs)
}

// SetExceptionBreakpoints replaces the exception filter set.
func (c *Controller) SetExceptionBreakpoints(reqs []breakpoints.ExceptionRequest) []breakpoints.ID {
	return c.facade.Exception.SetExceptionBreakpoints(reqs)
}

// --- callbackqueue.Dispatcher ---

// HandleBreakpoint implements callbackqueue.Dispatcher: the async
// stepper gets first refusal on a breakpoint hit (its own rendezvous
// breakpoints aren't user breakpoints at all), then the facade
// arbitrates among the five variants.
func (c *Controller) HandleBreakpoint(ctx context.Context, thread dbgapi.Thread, bp dbgapi.Breakpoint) callbackqueue.Decision {
	if claimed, continueRunning, resumeSimple, kind := c.async.ManagedCallbackBreakpointHit(ctx, thread, bp); claimed {
		if resumeSimple {
			c.simple.SetupStep(thread, kind)
		}
		if continueRunning || resumeSimple {
			return callbackqueue.Decision{Stop: false}
		}
	}

	outcome := c.facade.OnBreakpointHit(ctx, thread, bp)
	if outcome.Stop {
		c.rememberStopped(thread.ID())
	}
	return callbackqueue.Decision{
		Stop:     outcome.Stop,
		Reason:   outcome.Reason,
		ThreadID: thread.ID(),
		BPID:     outcome.BPID,
		Changes:  outcome.Changes,
	}
}

// HandleStepComplete implements callbackqueue.Dispatcher.
func (c *Controller) HandleStepComplete(ctx context.Context, thread dbgapi.Thread, kind dbgapi.StepKind) callbackqueue.Decision {
	c.simple.ManagedCallbackStepComplete(thread.ID())
	c.async.ManagedCallbackStepComplete()
	c.rememberStopped(thread.ID())
	return callbackqueue.Decision{Stop: true, Reason: breakpoints.StopStep, ThreadID: thread.ID()}
}

// HandleBreak implements callbackqueue.Dispatcher (an explicit pause
// landed on the runtime's own thread-selection rather than going
// through Controller.Pause, e.g. a debugger-statement break).
func (c *Controller) HandleBreak(ctx context.Context, thread dbgapi.Thread) callbackqueue.Decision {
	c.rememberStopped(thread.ID())
	return callbackqueue.Decision{Stop: true, Reason: breakpoints.StopPause, ThreadID: thread.ID()}
}

// HandleException implements callbackqueue.Dispatcher.
func (c *Controller) HandleException(ctx context.Context, thread dbgapi.Thread, kind dbgapi.ExceptionCallbackKind, moduleName string) callbackqueue.Decision {
	if kind == dbgapi.ExceptionUnhandled {
		defer c.facade.Exception.OnExitThread(thread.ID())
	}
	outcome, _ := c.facade.OnException(thread, kind)
	if outcome.Stop {
		c.rememberStopped(thread.ID())
	}
	return callbackqueue.Decision{Stop: outcome.Stop, Reason: outcome.Reason, ThreadID: thread.ID(), BPID: outcome.BPID}
}

// HandleCreateProcess implements callbackqueue.Dispatcher.
func (c *Controller) HandleCreateProcess(ctx context.Context) {
	c.mu.Lock()
	c.attached = true
	c.mu.Unlock()
}

// HandleCreateThread implements callbackqueue.Dispatcher.
func (c *Controller) HandleCreateThread(ctx context.Context, thread dbgapi.Thread) {
	c.events.ThreadEvent("started", thread.ID())
}

// HandleLoadModule implements callbackqueue.Dispatcher.
func (c *Controller) HandleLoadModule(ctx context.Context, mod dbgapi.Module) {
	reader, id, err := c.readers(mod)
	if err != nil {
		reader = nil
	}
	c.rwmu.RLock()
	justMyCode := c.cfg.JustMyCode
	c.rwmu.RUnlock()
	ev, _ := c.index.OnModuleLoad(mod, reader, id, justMyCode)

	// Seed the source index from the module's debug info so line
	// breakpoints can resolve against it.
	if rec := ev.Record; rec.Reader != nil {
		for _, path := range rec.Reader.SourceFiles() {
			ranges, err := rec.Reader.MethodRanges(path)
			if err != nil {
				continue
			}
			c.index.IndexSource(rec.Address, path, ranges)
		}
	}

	c.events.ModuleEvent("new", ev.Record)

	changes := c.facade.OnModuleLoad(ev.Record)
	for _, ch := range changes {
		c.events.BreakpointChanged(ch)
	}
}

// HandleUnloadModule implements callbackqueue.Dispatcher.
func (c *Controller) HandleUnloadModule(ctx context.Context, mod dbgapi.Module) {
	rec, ok := c.index.LookupByAddress(mod.Address())
	c.index.OnModuleUnload(mod.Address())
	if ok {
		c.events.ModuleEvent("removed", rec)
	}
}

// HandleExitThread implements callbackqueue.Dispatcher.
func (c *Controller) HandleExitThread(ctx context.Context, threadID dbgapi.ThreadID) {
	c.facade.Exception.OnExitThread(threadID)
	c.events.ThreadEvent("exited", threadID)
}

// HandleExitProcess implements callbackqueue.Dispatcher: the debuggee
// is gone, so report the exit code and end the session.
func (c *Controller) HandleExitProcess(ctx context.Context, exitCode int) {
	c.mu.Lock()
	c.attached = false
	c.mu.Unlock()
	c.events.Exited(exitCode)
	c.events.Terminated()
}

// DisableAllSteppers implements callbackqueue.Dispatcher.
func (c *Controller) DisableAllSteppers() {
	c.simple.DisableAllSteppers()
	c.async.DisableAllSteppers()
}

func (c *Controller) rememberStopped(id dbgapi.ThreadID) {
	c.mu.Lock()
	c.lastStoppedThread = id
	c.mu.Unlock()
}
