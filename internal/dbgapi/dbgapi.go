// Package dbgapi declares the contract that the debug-session core drives
// but never implements: a runtime-debug API exposing processes,
// app-domains, threads, modules, frames and values, with primitive
// breakpoints and steppers that fire callbacks on the runtime's own
// thread. A real binding (e.g. over ICorDebug or a similar native
// interface) satisfies these interfaces; the core only ever consumes
// them.
package dbgapi

import "context"

// ModuleAddress uniquely and stably identifies a loaded module for its
// lifetime.
type ModuleAddress uint64

// MethodToken identifies a method within its declaring module.
type MethodToken uint32

// ILOffset is a byte offset into a method's compiled IL.
type ILOffset uint32

// ThreadID identifies a managed thread.
type ThreadID uint64

// Process is a live debuggee process.
type Process interface {
	// PID is the operating-system process id.
	PID() int
	// HasQueuedCallbacks reports whether the runtime has additional
	// callbacks already queued for delivery, used by the callback queue
	// to decide whether to resume immediately or wait for the worker.
	HasQueuedCallbacks() bool
	Continue(ctx context.Context) error
	Stop(ctx context.Context) error
	Terminate(ctx context.Context) error
	AppDomains() ([]AppDomain, error)
	Threads() ([]Thread, error)
}

// AppDomain is an isolation unit within a managed process.
type AppDomain interface {
	Continue(ctx context.Context) error
	Stop(ctx context.Context) error
}

// Thread is a managed thread.
type Thread interface {
	ID() ThreadID
	Name() string
	ActiveFrame() (Frame, error)
	SetActiveFrame(Frame) error
	CurrentException() (Value, bool)
	// Frames returns the thread's full call stack, innermost frame
	// first, backing the stackTrace request.
	Frames() ([]Frame, error)
}

// Frame is one frame of a thread's call stack.
type Frame interface {
	Module() Module
	MethodToken() MethodToken
	ILOffset() (ILOffset, error)
	Arguments() ([]Value, error)
}

// Module is a loaded module, native side.
type Module interface {
	Address() ModuleAddress
	FilePath() string
	IsDynamic() bool
	IsInMemory() bool
	// EntryMethodToken returns the module's declared entry method, if its
	// file header advertises one.
	EntryMethodToken() (MethodToken, bool)
	Metadata() Metadata

	// SetJITOptimization controls whether the runtime may JIT this
	// module's code with optimizations enabled.
	SetJITOptimization(enabled bool) error

	// SetJMCStatus marks the whole module (methods nil) or the given
	// methods as user / non-user code for Just-My-Code.
	SetJMCStatus(userCode bool, methods []MethodToken) error
}

// Metadata is the subset of a module's metadata tables the core needs
// to enumerate type-defs/method-defs and read custom attributes.
type Metadata interface {
	Methods() []MethodDef
	CustomAttributes(token MethodToken) []string
	TypeCustomAttributes(typeName string) []string
}

// MethodDef names a single method within a module's metadata.
type MethodDef struct {
	Token        MethodToken
	TypeName     string // dotted, e.g. "Ns.Cls"
	Name         string
	GenericArity int
	IsStatic     bool
}

// Value is a runtime value handle (boxed primitive, object reference, …).
type Value interface {
	TypeName() (string, bool)
	Field(name string) (Value, bool)
	IsNull() bool
	// String renders a primitive value (e.g. System.String) textually;
	// ok is false for non-primitive values.
	String() (string, bool)
	// ReferenceEquals compares object identity against another value,
	// used by the async stepper to recognize a state-machine instance
	// across continuations by its builder's ObjectIdForDebugger.
	ReferenceEquals(other Value) bool
}

// Breakpoint is a primitive breakpoint installed at a specific IL offset
// within a method.
type Breakpoint interface {
	Module() ModuleAddress
	MethodToken() MethodToken
	ILOffset() ILOffset
	Activate(bool) error
}

// Stepper is a primitive range/step/step-out stepper installed on a thread.
type Stepper interface {
	Deactivate() error
}

// StepKind is the direction requested for a primitive step.
type StepKind int

const (
	StepIn StepKind = iota
	StepOver
	StepOut
)

// CallbackKind discriminates the asynchronous callback variants the
// runtime-debug API delivers.
type CallbackKind int

const (
	CallbackBreakpoint CallbackKind = iota
	CallbackStepComplete
	CallbackBreak
	CallbackException
	CallbackCreateProcess
	CallbackCreateThread
	CallbackLoadModule
	CallbackUnloadModule
	CallbackExitThread
	CallbackExitProcess
	CallbackFinishWorker
)

// ExceptionCallbackKind is the runtime's classification of an exception
// callback.
type ExceptionCallbackKind int

const (
	ExceptionFirstChance ExceptionCallbackKind = iota
	ExceptionUserFirstChance
	ExceptionCaught
	ExceptionUnhandled
)

// LaunchOptions configures a debuggee launch.
type LaunchOptions struct {
	Program string
	Args    []string
	Env     []string
	Cwd     string
}

// Runtime is the opaque native-debug interface itself: the
// process/app-domain/thread/module/frame/value/breakpoint/stepper
// surface with an asynchronous callback contract. A real binding
// satisfies this over ICorDebug or a similar native interface; the
// session core only ever drives it through this contract.
type Runtime interface {
	// Init performs the runtime's one-time initialization. The session
	// controller calls this exactly once per process lifetime and
	// refuses a second call.
	Init() error

	// SetCallback registers the sink the runtime delivers asynchronous
	// callbacks to, on its own thread.
	SetCallback(func(Callback))

	Launch(ctx context.Context, opts LaunchOptions) (Process, error)
	Attach(ctx context.Context, pid int) (Process, error)
}

// Callback is one asynchronous notification from the runtime-debug API,
// delivered on the runtime's own thread. The callback queue captures
// these and hands them to its single consumer worker.
type Callback struct {
	Kind          CallbackKind
	AppDomain     AppDomain
	Thread        Thread
	Breakpoint    Breakpoint
	StepReason    StepKind
	ExceptionKind ExceptionCallbackKind
	ExceptionMod  string
	Module        Module
	ExitCode      int
}
