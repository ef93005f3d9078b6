package dapserver

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"path/filepath"
	"strings"
	"sync"

	dap "github.com/google/go-dap"
	"github.com/viewizard/dncdbg-go/internal/breakpoints"
	"github.com/viewizard/dncdbg-go/internal/dbgapi"
	"github.com/viewizard/dncdbg-go/internal/errkind"
	"github.com/viewizard/dncdbg-go/internal/evaluator"
	"github.com/viewizard/dncdbg-go/internal/metadata"
	"github.com/viewizard/dncdbg-go/internal/session"
)

// Session is the protocol adapter: it never makes a stop/resume
// decision itself, only translates between go-dap wire messages and
// the session controller's method calls.
type Session struct {
	ctrl *session.Controller
	rw   *bufio.ReadWriter

	done     chan struct{}
	doneOnce sync.Once
	err      error

	sendQueue chan dap.Message
	sendWg    sync.WaitGroup

	caps map[Capability]struct{}

	sourcesHandles    *handlesMap
	variablesHandles  *handlesMap
	stackFrameHandles *handlesMap

	// inflight tracks cancel funcs for requests that may run managed
	// code (evaluate), keyed by request seq, so a cancel request can
	// abort them.
	inflightMu sync.Mutex
	inflight   map[int]context.CancelFunc

	defaultProgram string
	defaultArgs    []string
	defaultPid     int

	engineLog *log.Logger
}

type Capability int

const (
	VariableTypeCap = iota
	ProgressReportingCap
)

// --- session.Events ---

func (s *Session) Stopped(reason breakpoints.StopReason, threadID dbgapi.ThreadID, allThreadsStopped bool) {
	s.send(&dap.StoppedEvent{
		Event: newEvent("stopped"),
		Body: dap.StoppedEventBody{
			Reason:            string(reason),
			ThreadId:          threadIDToDAP(threadID),
			AllThreadsStopped: allThreadsStopped,
		},
	})
}

func (s *Session) Continued(threadID dbgapi.ThreadID, allThreadsContinued bool) {
	s.send(&dap.ContinuedEvent{
		Event: newEvent("continued"),
		Body: dap.ContinuedEventBody{
			ThreadId:            threadIDToDAP(threadID),
			AllThreadsContinued: allThreadsContinued,
		},
	})
}

func (s *Session) ThreadEvent(reason string, threadID dbgapi.ThreadID) {
	s.send(&dap.ThreadEvent{
		Event: newEvent("thread"),
		Body: dap.ThreadEventBody{
			Reason:   reason,
			ThreadId: threadIDToDAP(threadID),
		},
	})
}

func (s *Session) ModuleEvent(reason string, rec *metadata.Record) {
	if rec == nil {
		return
	}
	s.send(&dap.ModuleEvent{
		Event: newEvent("module"),
		Body: dap.ModuleEventBody{
			Reason: reason,
			Module: dap.Module{
				Id:           rec.ID,
				Name:         rec.DisplayName,
				Path:         rec.FilePath,
				SymbolStatus: string(rec.SymbolStatus()),
			},
		},
	})
}

func (s *Session) BreakpointChanged(ev breakpoints.ChangeEvent) {
	s.send(&dap.BreakpointEvent{
		Event: newEvent("breakpoint"),
		Body: dap.BreakpointEventBody{
			Reason: ev.Reason,
			Breakpoint: dap.Breakpoint{
				Id:       int(ev.ID),
				Verified: ev.Verified,
				Message:  ev.Message,
				Line:     ev.Line,
				EndLine:  ev.EndLine,
				Source:   dap.Source{Path: ev.Source.Path},
			},
		},
	})
}

func (s *Session) Output(category, text string) {
	s.send(&dap.OutputEvent{
		Event: newEvent("output"),
		Body: dap.OutputEventBody{
			Category: category,
			Output:   text,
		},
	})
}

func (s *Session) Exited(exitCode int) {
	s.send(&dap.ExitedEvent{
		Event: newEvent("exited"),
		Body:  dap.ExitedEventBody{ExitCode: exitCode},
	})
}

func (s *Session) Terminated() {
	s.send(&dap.TerminatedEvent{Event: newEvent("terminated")})
	s.doneOnce.Do(func() {
		close(s.done)
	})
}

func threadIDToDAP(id dbgapi.ThreadID) int {
	return int(id)
}

func (s *Session) handleRequest(ctx context.Context) error {
	msg, err := dap.ReadProtocolMessage(s.rw.Reader)
	if err != nil {
		return err
	}

	s.sendWg.Add(1)
	go func() {
		defer s.sendWg.Done()
		if msg, ok := msg.(dap.RequestMessage); ok {
			s.dispatchRequest(ctx, msg)
		}
	}()
	return nil
}

func (s *Session) dispatchRequest(ctx context.Context, msg dap.RequestMessage) {
	if s.engineLog != nil {
		jsonmsg, _ := json.Marshal(msg)
		s.engineLog.Printf("[-> to server] %s", string(jsonmsg))
	}

	var err error
	switch req := msg.(type) {
	case *dap.InitializeRequest:
		err = s.onInitializeRequest(ctx, req)
	case *dap.LaunchRequest:
		err = s.onLaunchRequest(ctx, req)
	case *dap.AttachRequest:
		err = s.onAttachRequest(ctx, req)
	case *dap.DisconnectRequest:
		err = s.onDisconnectRequest(ctx, req)
	case *dap.TerminateRequest:
		err = s.onTerminateRequest(ctx, req)
	case *dap.RestartRequest:
		err = fmt.Errorf("RestartRequest is not supported")
	case *dap.SetBreakpointsRequest:
		err = s.onSetBreakpointsRequest(ctx, req)
	case *dap.SetFunctionBreakpointsRequest:
		err = s.onSetFunctionBreakpointsRequest(ctx, req)
	case *dap.SetExceptionBreakpointsRequest:
		err = s.onSetExceptionBreakpointsRequest(ctx, req)
	case *dap.ConfigurationDoneRequest:
		err = s.onConfigurationDoneRequest(ctx, req)
	case *dap.ContinueRequest:
		err = s.onContinueRequest(ctx, req)
	case *dap.NextRequest:
		err = s.onNextRequest(ctx, req)
	case *dap.StepInRequest:
		err = s.onStepInRequest(ctx, req)
	case *dap.StepOutRequest:
		err = s.onStepOutRequest(ctx, req)
	case *dap.StepBackRequest:
		err = fmt.Errorf("StepBackRequest is not supported")
	case *dap.ReverseContinueRequest:
		err = fmt.Errorf("ReverseContinueRequest is not supported")
	case *dap.RestartFrameRequest:
		err = fmt.Errorf("RestartFrameRequest is not supported")
	case *dap.GotoRequest:
		err = fmt.Errorf("GotoRequest is not supported")
	case *dap.PauseRequest:
		err = s.onPauseRequest(ctx, req)
	case *dap.StackTraceRequest:
		err = s.onStackTraceRequest(ctx, req)
	case *dap.ScopesRequest:
		err = s.onScopesRequest(ctx, req)
	case *dap.VariablesRequest:
		err = s.onVariablesRequest(ctx, req)
	case *dap.SetVariableRequest:
		err = s.onSetVariableRequest(ctx, req)
	case *dap.SetExpressionRequest:
		err = s.onSetExpressionRequest(ctx, req)
	case *dap.SourceRequest:
		err = s.onSourceRequest(ctx, req)
	case *dap.ThreadsRequest:
		err = s.onThreadsRequest(ctx, req)
	case *dap.TerminateThreadsRequest:
		err = fmt.Errorf("TerminateThreadsRequest is not supported")
	case *dap.EvaluateRequest:
		err = s.onEvaluateRequest(ctx, req)
	case *dap.StepInTargetsRequest:
		err = fmt.Errorf("StepInTargetsRequest is not supported")
	case *dap.GotoTargetsRequest:
		err = fmt.Errorf("GotoTargetsRequest is not supported")
	case *dap.CompletionsRequest:
		err = fmt.Errorf("CompletionsRequest is not supported")
	case *dap.ExceptionInfoRequest:
		err = s.onExceptionInfoRequest(ctx, req)
	case *dap.LoadedSourcesRequest:
		err = s.onLoadedSourcesRequest(ctx, req)
	case *dap.DataBreakpointInfoRequest:
		err = fmt.Errorf("DataBreakpointInfoRequest is not supported")
	case *dap.SetDataBreakpointsRequest:
		err = fmt.Errorf("SetDataBreakpointsRequest is not supported")
	case *dap.ReadMemoryRequest:
		err = fmt.Errorf("ReadMemoryRequest is not supported")
	case *dap.DisassembleRequest:
		err = fmt.Errorf("DisassembleRequest is not supported")
	case *dap.CancelRequest:
		err = s.onCancelRequest(ctx, req)
	case *dap.BreakpointLocationsRequest:
		err = s.onBreakpointLocationsRequest(ctx, req)
	default:
		log.Printf("unable to process %#v", req)
		return
	}
	if err != nil {
		log.Printf("[-> to client] err: %s", err)
		s.send(newErrorResponse(msg, err))
	}
}

func (s *Session) send(msgs ...dap.Message) {
	for _, msg := range msgs {
		select {
		case s.sendQueue <- msg:
		case <-s.done:
			return
		}
	}
}

func (s *Session) sendFromQueue(ctx context.Context) error {
	for {
		select {
		case <-s.done:
			// Drain anything already queued (e.g. the terminated event
			// enqueued just before done closed) before returning.
			for {
				select {
				case msg := <-s.sendQueue:
					s.writeMessage(msg)
				default:
					return nil
				}
			}
		case <-ctx.Done():
			return ctx.Err()
		case msg := <-s.sendQueue:
			s.writeMessage(msg)
		}
	}
}

func (s *Session) writeMessage(msg dap.Message) {
	if s.engineLog != nil {
		jsonmsg, _ := json.Marshal(msg)
		s.engineLog.Printf("[-> to client] %s", string(jsonmsg))
	}
	dap.WriteProtocolMessage(s.rw.Writer, msg)
	s.rw.Flush()
}

func (s *Session) onInitializeRequest(ctx context.Context, req *dap.InitializeRequest) error {
	if req.Arguments.SupportsVariableType {
		s.caps[VariableTypeCap] = struct{}{}
	}
	if req.Arguments.SupportsProgressReporting {
		s.caps[ProgressReportingCap] = struct{}{}
	}

	s.send(&dap.InitializeResponse{
		Response: newResponse(req),
		Body: dap.Capabilities{
			SupportsConfigurationDoneRequest:   true,
			SupportsFunctionBreakpoints:        true,
			SupportsConditionalBreakpoints:     true,
			SupportsHitConditionalBreakpoints:  false,
			SupportsEvaluateForHovers:          true,
			ExceptionBreakpointFilters: []dap.ExceptionBreakpointsFilter{
				{Filter: string(breakpoints.FilterThrow), Label: "All Exceptions"},
				{Filter: string(breakpoints.FilterUserUnhandled), Label: "User-Unhandled Exceptions"},
			},
			SupportsStepBack:                   false,
			SupportsSetVariable:                true,
			SupportsRestartFrame:               false,
			SupportsGotoTargetsRequest:         false,
			SupportsStepInTargetsRequest:       false,
			SupportsCompletionsRequest:         false,
			SupportsModulesRequest:             true,
			SupportsRestartRequest:             false,
			SupportsExceptionOptions:           false,
			SupportsValueFormattingOptions:     false,
			SupportsExceptionInfoRequest:       true,
			SupportTerminateDebuggee:           true,
			SupportsDelayedStackTraceLoading:   false,
			SupportsLoadedSourcesRequest:       true,
			SupportsLogPoints:                  false,
			SupportsTerminateThreadsRequest:    false,
			SupportsSetExpression:              true,
			SupportsTerminateRequest:           true,
			SupportsDataBreakpoints:            false,
			SupportsReadMemoryRequest:          false,
			SupportsDisassembleRequest:         false,
			SupportsCancelRequest:              true,
			SupportsBreakpointLocationsRequest: true,
			SupportsClipboardContext:           false,
			SupportsSteppingGranularity:        false,
			SupportsInstructionBreakpoints:     false,
		},
	}, &dap.InitializedEvent{
		Event: newEvent("initialized"),
	})
	return s.ctrl.Initialize()
}

type launchArgs struct {
	Program             string   `json:"program"`
	Args                []string `json:"args"`
	Cwd                 string   `json:"cwd"`
	Env                 []string `json:"env"`
	StopAtEntry         bool     `json:"stopAtEntry"`
	JustMyCode          *bool    `json:"justMyCode"`
	EnableStepFiltering *bool    `json:"enableStepFiltering"`
}

func (s *Session) onLaunchRequest(ctx context.Context, req *dap.LaunchRequest) error {
	var args launchArgs
	if err := json.Unmarshal(req.Arguments, &args); err != nil {
		return errkind.Wrap(errkind.InvalidArgument, err, "malformed launch arguments")
	}
	if args.Program == "" {
		args.Program = s.defaultProgram
		args.Args = s.defaultArgs
	}
	if args.Program == "" {
		return errkind.New(errkind.InvalidArgument, "launch requires a program")
	}

	cfg := session.Config{StopAtEntry: args.StopAtEntry, JustMyCode: true, EnableStepFiltering: true}
	if args.JustMyCode != nil {
		cfg.JustMyCode = *args.JustMyCode
	}
	if args.EnableStepFiltering != nil {
		cfg.EnableStepFiltering = *args.EnableStepFiltering
	}

	err := s.ctrl.Launch(ctx, dbgapi.LaunchOptions{
		Program: args.Program,
		Args:    args.Args,
		Env:     args.Env,
		Cwd:     args.Cwd,
	}, cfg)
	if err != nil {
		return err
	}

	s.send(&dap.LaunchResponse{Response: newResponse(req)})
	if pid, ok := s.ctrl.ProcessID(); ok {
		s.send(&dap.ProcessEvent{
			Event: newEvent("process"),
			Body: dap.ProcessEventBody{
				Name:            args.Program,
				SystemProcessId: pid,
				IsLocalProcess:  true,
				StartMethod:     "launch",
			},
		})
	}
	return nil
}

type attachArgs struct {
	ProcessID int `json:"processId"`
}

func (s *Session) onAttachRequest(ctx context.Context, req *dap.AttachRequest) error {
	var args attachArgs
	if err := json.Unmarshal(req.Arguments, &args); err != nil {
		return errkind.Wrap(errkind.InvalidArgument, err, "malformed attach arguments")
	}
	if args.ProcessID == 0 {
		args.ProcessID = s.defaultPid
	}
	if args.ProcessID == 0 {
		return errkind.New(errkind.InvalidArgument, "attach requires a process id")
	}
	if err := s.ctrl.Attach(ctx, args.ProcessID); err != nil {
		return err
	}
	s.send(&dap.AttachResponse{Response: newResponse(req)})
	s.send(&dap.ProcessEvent{
		Event: newEvent("process"),
		Body: dap.ProcessEventBody{
			SystemProcessId: args.ProcessID,
			IsLocalProcess:  true,
			StartMethod:     "attach",
		},
	})
	return nil
}

func (s *Session) onDisconnectRequest(ctx context.Context, req *dap.DisconnectRequest) error {
	action := session.DisconnectDefault
	if req.Arguments.TerminateDebuggee {
		action = session.DisconnectTerminate
	}
	s.send(&dap.DisconnectResponse{Response: newResponse(req)})
	return s.ctrl.Disconnect(ctx, action)
}

func (s *Session) onTerminateRequest(ctx context.Context, req *dap.TerminateRequest) error {
	s.send(&dap.TerminateResponse{Response: newResponse(req)})
	return s.ctrl.Disconnect(ctx, session.DisconnectTerminate)
}

func (s *Session) onSetBreakpointsRequest(ctx context.Context, req *dap.SetBreakpointsRequest) error {
	if req.Arguments.Source.Path == "" {
		return fmt.Errorf("setBreakpoints requires a source path")
	}

	reqs := make([]breakpoints.LineRequest, len(req.Arguments.Breakpoints))
	for i, want := range req.Arguments.Breakpoints {
		reqs[i] = breakpoints.LineRequest{Line: want.Line, Condition: want.Condition}
	}

	resolved := s.ctrl.SetLineBreakpoints(req.Arguments.Source.Path, reqs)
	resp := &dap.SetBreakpointsResponse{Response: newResponse(req)}
	resp.Body.Breakpoints = make([]dap.Breakpoint, len(resolved))
	for i, r := range resolved {
		resp.Body.Breakpoints[i] = dap.Breakpoint{
			Id:       int(r.ID),
			Verified: r.Verified,
			Line:     r.Line,
			EndLine:  r.EndLine,
			Message:  r.Message,
			Source:   req.Arguments.Source,
		}
	}
	s.send(resp)
	return nil
}

func (s *Session) onSetFunctionBreakpointsRequest(ctx context.Context, req *dap.SetFunctionBreakpointsRequest) error {
	reqs := make([]breakpoints.FunctionRequest, len(req.Arguments.Breakpoints))
	for i, want := range req.Arguments.Breakpoints {
		reqs[i] = parseFunctionBreakpointName(want.Name)
		reqs[i].Condition = want.Condition
	}

	resolved := s.ctrl.SetFunctionBreakpoints(reqs)
	resp := &dap.SetFunctionBreakpointsResponse{Response: newResponse(req)}
	resp.Body.Breakpoints = make([]dap.Breakpoint, len(resolved))
	for i, r := range resolved {
		resp.Body.Breakpoints[i] = dap.Breakpoint{Id: int(r.ID), Verified: r.Verified}
	}
	s.send(resp)
	return nil
}

// parseFunctionBreakpointName splits the "module!name(params)" syntax
// a function breakpoint's name field may carry; module and params are
// both optional.
func parseFunctionBreakpointName(name string) breakpoints.FunctionRequest {
	var fr breakpoints.FunctionRequest
	if i := strings.Index(name, "!"); i >= 0 {
		fr.Module = name[:i]
		name = name[i+1:]
	}
	if i := strings.Index(name, "("); i >= 0 && strings.HasSuffix(name, ")") {
		fr.Params = name[i+1 : len(name)-1]
		name = name[:i]
	}
	fr.Name = name
	return fr
}

func (s *Session) onSetExceptionBreakpointsRequest(ctx context.Context, req *dap.SetExceptionBreakpointsRequest) error {
	var reqs []breakpoints.ExceptionRequest
	for _, filter := range req.Arguments.Filters {
		reqs = append(reqs, breakpoints.ExceptionRequest{Filter: breakpoints.ExceptionFilter(filter)})
	}
	// filterOptions carry per-filter conditions: a comma-separated list
	// of exception type names, prefixed with "!" to negate the set.
	for _, opt := range req.Arguments.FilterOptions {
		er := breakpoints.ExceptionRequest{Filter: breakpoints.ExceptionFilter(opt.FilterId)}
		cond := strings.TrimSpace(opt.Condition)
		if strings.HasPrefix(cond, "!") {
			er.Negate = true
			cond = strings.TrimSpace(cond[1:])
		}
		if cond != "" {
			for _, name := range strings.Split(cond, ",") {
				if name = strings.TrimSpace(name); name != "" {
					er.Condition = append(er.Condition, name)
				}
			}
		}
		reqs = append(reqs, er)
	}
	s.ctrl.SetExceptionBreakpoints(reqs)
	s.send(&dap.SetExceptionBreakpointsResponse{Response: newResponse(req)})
	return nil
}

func (s *Session) onConfigurationDoneRequest(ctx context.Context, req *dap.ConfigurationDoneRequest) error {
	s.send(&dap.ConfigurationDoneResponse{Response: newResponse(req)})
	return s.ctrl.ConfigurationDone(ctx)
}

// resetHandles drops frame and variable references when execution
// resumes; they are only valid for a single stop.
func (s *Session) resetHandles() {
	s.stackFrameHandles.reset()
	s.variablesHandles.reset()
}

func (s *Session) onContinueRequest(ctx context.Context, req *dap.ContinueRequest) error {
	if err := s.ctrl.Continue(ctx); err != nil {
		return err
	}
	s.resetHandles()
	s.send(&dap.ContinueResponse{
		Response: newResponse(req),
		Body:     dap.ContinueResponseBody{AllThreadsContinued: true},
	})
	return nil
}

func (s *Session) threadByDAPID(id int) (dbgapi.Thread, error) {
	threads, err := s.ctrl.Threads()
	if err != nil {
		return nil, err
	}
	for _, t := range threads {
		if threadIDToDAP(t.ID()) == id {
			return t, nil
		}
	}
	return nil, fmt.Errorf("unknown thread id %d", id)
}

func (s *Session) onNextRequest(ctx context.Context, req *dap.NextRequest) error {
	thread, err := s.threadByDAPID(req.Arguments.ThreadId)
	if err != nil {
		return err
	}
	if err := s.ctrl.Step(ctx, thread, dbgapi.StepOver); err != nil {
		return err
	}
	s.resetHandles()
	s.send(&dap.NextResponse{Response: newResponse(req)})
	return nil
}

func (s *Session) onStepInRequest(ctx context.Context, req *dap.StepInRequest) error {
	thread, err := s.threadByDAPID(req.Arguments.ThreadId)
	if err != nil {
		return err
	}
	if err := s.ctrl.Step(ctx, thread, dbgapi.StepIn); err != nil {
		return err
	}
	s.resetHandles()
	s.send(&dap.StepInResponse{Response: newResponse(req)})
	return nil
}

func (s *Session) onStepOutRequest(ctx context.Context, req *dap.StepOutRequest) error {
	thread, err := s.threadByDAPID(req.Arguments.ThreadId)
	if err != nil {
		return err
	}
	if err := s.ctrl.Step(ctx, thread, dbgapi.StepOut); err != nil {
		return err
	}
	s.resetHandles()
	s.send(&dap.StepOutResponse{Response: newResponse(req)})
	return nil
}

func (s *Session) onPauseRequest(ctx context.Context, req *dap.PauseRequest) error {
	err := s.ctrl.Pause(ctx, dbgapi.ThreadID(req.Arguments.ThreadId), req.Arguments.ThreadId != 0)
	if err != nil {
		return err
	}
	s.send(&dap.PauseResponse{Response: newResponse(req)})
	return nil
}

func (s *Session) onStackTraceRequest(ctx context.Context, req *dap.StackTraceRequest) error {
	thread, err := s.threadByDAPID(req.Arguments.ThreadId)
	if err != nil {
		return err
	}

	frames, err := s.ctrl.Backtrace(thread)
	if err != nil {
		return err
	}

	threadID := req.Arguments.ThreadId
	stackFrames := make([]dap.StackFrame, len(frames))
	for i, frame := range frames {
		info := s.ctrl.DescribeFrame(frame)
		frameID := s.stackFrameHandles.create(fmt.Sprintf("%d+%d", threadID, i), frame)

		source := dap.Source{}
		if info.HasSource {
			source = s.newSource(info.SourcePath)
		}
		stackFrames[i] = dap.StackFrame{
			Id:      frameID,
			Name:    info.MethodName,
			Source:  source,
			Line:    info.Line,
			EndLine: info.EndLine,
		}
	}

	if req.Arguments.StartFrame > 0 {
		stackFrames = stackFrames[min(req.Arguments.StartFrame, len(stackFrames)):]
	}
	if req.Arguments.Levels > 0 {
		stackFrames = stackFrames[:min(req.Arguments.Levels, len(stackFrames))]
	}

	s.send(&dap.StackTraceResponse{
		Response: newResponse(req),
		Body: dap.StackTraceResponseBody{
			TotalFrames: len(stackFrames),
			StackFrames: stackFrames,
		},
	})
	return nil
}

func min(i, j int) int {
	if i < j {
		return i
	}
	return j
}

func (s *Session) frameByHandle(handle int) (dbgapi.Frame, error) {
	v, ok := s.stackFrameHandles.get(handle)
	if !ok {
		return nil, fmt.Errorf("unknown frame id %d", handle)
	}
	return v.(dbgapi.Frame), nil
}

func (s *Session) onScopesRequest(ctx context.Context, req *dap.ScopesRequest) error {
	frame, err := s.frameByHandle(req.Arguments.FrameId)
	if err != nil {
		return err
	}

	scopes, err := s.ctrl.Scopes(ctx, frame)
	if err != nil {
		return err
	}

	out := make([]dap.Scope, len(scopes))
	for i, sc := range scopes {
		out[i] = dap.Scope{
			Name:               sc.Name,
			VariablesReference: s.variablesHandles.create(fmt.Sprintf("%p", &sc), sc.Vars),
			Expensive:          sc.Expensive,
		}
	}

	s.send(&dap.ScopesResponse{
		Response: newResponse(req),
		Body:     dap.ScopesResponseBody{Scopes: out},
	})
	return nil
}

func (s *Session) onVariablesRequest(ctx context.Context, req *dap.VariablesRequest) error {
	v, ok := s.variablesHandles.get(req.Arguments.VariablesReference)
	if !ok {
		return fmt.Errorf("unknown variables reference %d", req.Arguments.VariablesReference)
	}

	filter := evaluator.FilterBoth
	switch req.Arguments.Filter {
	case "named":
		filter = evaluator.FilterNamed
	case "indexed":
		filter = evaluator.FilterIndexed
	}

	vars, err := s.ctrl.Variables(ctx, v, filter, req.Arguments.Start, req.Arguments.Count)
	if err != nil {
		return err
	}

	out := make([]dap.Variable, len(vars))
	for i, variable := range vars {
		out[i] = dap.Variable{
			Name:  variable.Name,
			Value: variable.Value,
		}
		if variable.Children != nil {
			out[i].VariablesReference = s.variablesHandles.create(fmt.Sprintf("%s.%p", variable.Name, &variable), variable.Children)
		}
		if _, ok := s.caps[VariableTypeCap]; ok {
			out[i].Type = variable.Type
		}
	}

	s.send(&dap.VariablesResponse{
		Response: newResponse(req),
		Body:     dap.VariablesResponseBody{Variables: out},
	})
	return nil
}

func (s *Session) onSetVariableRequest(ctx context.Context, req *dap.SetVariableRequest) error {
	// DAP gives us a variables-reference scope, not a frame; the
	// evaluator resolves names against whatever frame the last
	// stackTrace/scopes call left active, mirroring ICorDebug's own
	// "current frame" notion.
	if err := s.ctrl.SetVariable(ctx, nil, req.Arguments.Name, req.Arguments.Value); err != nil {
		return err
	}
	s.send(&dap.SetVariableResponse{
		Response: newResponse(req),
		Body:     dap.SetVariableResponseBody{Value: req.Arguments.Value},
	})
	return nil
}

func (s *Session) onSetExpressionRequest(ctx context.Context, req *dap.SetExpressionRequest) error {
	frame, _ := s.frameByHandle(req.Arguments.FrameId)
	result, err := s.ctrl.SetExpression(ctx, frame, req.Arguments.Expression, req.Arguments.Value)
	if err != nil {
		return err
	}
	s.send(&dap.SetExpressionResponse{
		Response: newResponse(req),
		Body:     dap.SetExpressionResponseBody{Value: result.Output},
	})
	return nil
}

func (s *Session) onSourceRequest(ctx context.Context, req *dap.SourceRequest) error {
	return fmt.Errorf("source is only ever referenced by path for managed modules")
}

func (s *Session) onThreadsRequest(ctx context.Context, req *dap.ThreadsRequest) error {
	threads, err := s.ctrl.Threads()
	if err != nil {
		return err
	}

	out := make([]dap.Thread, len(threads))
	for i, t := range threads {
		out[i] = dap.Thread{Id: threadIDToDAP(t.ID()), Name: t.Name()}
	}

	s.send(&dap.ThreadsResponse{
		Response: newResponse(req),
		Body:     dap.ThreadsResponseBody{Threads: out},
	})
	return nil
}

func (s *Session) onEvaluateRequest(ctx context.Context, req *dap.EvaluateRequest) error {
	var frame dbgapi.Frame
	if req.Arguments.FrameId != 0 {
		frame, _ = s.frameByHandle(req.Arguments.FrameId)
	}

	ctx, cancel := context.WithCancel(ctx)
	seq := req.GetRequest().Seq
	s.inflightMu.Lock()
	s.inflight[seq] = cancel
	s.inflightMu.Unlock()
	defer func() {
		s.inflightMu.Lock()
		delete(s.inflight, seq)
		s.inflightMu.Unlock()
		cancel()
	}()

	result, err := s.ctrl.Evaluate(ctx, frame, req.Arguments.Expression)
	if err != nil {
		if ctx.Err() != nil {
			return errkind.Wrap(errkind.Cancelled, err, "evaluate cancelled")
		}
		return err
	}

	s.send(&dap.EvaluateResponse{
		Response: newResponse(req),
		Body:     dap.EvaluateResponseBody{Result: result.Output},
	})
	return nil
}

// onCancelRequest aborts an in-flight evaluation by request seq. The
// session stays at the same stop; cancellation never resumes the
// target.
func (s *Session) onCancelRequest(ctx context.Context, req *dap.CancelRequest) error {
	s.inflightMu.Lock()
	cancel, ok := s.inflight[req.Arguments.RequestId]
	s.inflightMu.Unlock()
	if ok {
		cancel()
	}
	s.send(&dap.CancelResponse{Response: newResponse(req)})
	return nil
}

func (s *Session) onExceptionInfoRequest(ctx context.Context, req *dap.ExceptionInfoRequest) error {
	thread, err := s.threadByDAPID(req.Arguments.ThreadId)
	if err != nil {
		return err
	}

	details, err := s.ctrl.GetExceptionInfo(ctx, thread, "", "")
	if err != nil {
		return err
	}

	resp := &dap.ExceptionInfoResponse{
		Response: newResponse(req),
		Body: dap.ExceptionInfoResponseBody{
			ExceptionId: details.FullTypeName,
			Description: details.Message,
			BreakMode:   "always",
			Details: dap.ExceptionDetails{
				Message:    details.Message,
				TypeName:   details.FullTypeName,
				StackTrace: details.StackTrace,
			},
		},
	}
	if details.Inner != nil {
		resp.Body.Details.InnerException = []dap.ExceptionDetails{
			{Message: details.Inner.Message, TypeName: details.Inner.FullTypeName},
		}
	}
	s.send(resp)
	return nil
}

func (s *Session) onLoadedSourcesRequest(ctx context.Context, req *dap.LoadedSourcesRequest) error {
	var sources []dap.Source
	for _, rec := range s.ctrl.Modules() {
		if rec.Reader == nil {
			continue
		}
		sources = append(sources, s.newSource(rec.FilePath))
	}
	s.send(&dap.LoadedSourcesResponse{
		Response: newResponse(req),
		Body:     dap.LoadedSourcesResponseBody{Sources: sources},
	})
	return nil
}

func (s *Session) onBreakpointLocationsRequest(ctx context.Context, req *dap.BreakpointLocationsRequest) error {
	s.send(&dap.BreakpointLocationsResponse{
		Response: newResponse(req),
		Body:     dap.BreakpointLocationsResponseBody{},
	})
	return nil
}

func (s *Session) newSource(filename string) dap.Source {
	return dap.Source{
		Name: filepath.Base(filename),
		Path: filename,
	}
}
