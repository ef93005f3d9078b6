// Package dbgapitest provides in-memory fakes for the runtime-debug
// API and the symbol-reader surface, so the session core can be
// exercised without a native runtime binding.
package dbgapitest

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	"github.com/viewizard/dncdbg-go/internal/dbgapi"
	"github.com/viewizard/dncdbg-go/internal/debuginfo"
	"github.com/viewizard/dncdbg-go/internal/evaluator"
)

// Value is a fake managed value. Fields and inner values are plain Go
// maps; ReferenceEquals is pointer identity.
type Value struct {
	Type   string
	Str    string
	HasStr bool
	Null   bool
	Fields map[string]*Value
}

func (v *Value) TypeName() (string, bool) { return v.Type, v.Type != "" }

func (v *Value) Field(name string) (dbgapi.Value, bool) {
	f, ok := v.Fields[name]
	if !ok || f == nil {
		return nil, false
	}
	return f, true
}

func (v *Value) IsNull() bool { return v == nil || v.Null }

func (v *Value) String() (string, bool) { return v.Str, v.HasStr }

func (v *Value) ReferenceEquals(other dbgapi.Value) bool {
	o, ok := other.(*Value)
	return ok && o == v
}

// Breakpoint is a fake primitive breakpoint.
type Breakpoint struct {
	Mod    dbgapi.ModuleAddress
	Token  dbgapi.MethodToken
	Offset dbgapi.ILOffset

	mu     sync.Mutex
	active bool
}

func (b *Breakpoint) Module() dbgapi.ModuleAddress    { return b.Mod }
func (b *Breakpoint) MethodToken() dbgapi.MethodToken { return b.Token }
func (b *Breakpoint) ILOffset() dbgapi.ILOffset       { return b.Offset }

func (b *Breakpoint) Activate(on bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.active = on
	return nil
}

// Active reports the breakpoint's current activation state.
func (b *Breakpoint) Active() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.active
}

// Installer records every primitive breakpoint installed through it
// and hands them back active.
type Installer struct {
	mu        sync.Mutex
	Installed []*Breakpoint
}

// InstallAt implements the async stepper's installer contract.
func (in *Installer) InstallAt(mod dbgapi.ModuleAddress, token dbgapi.MethodToken, offset dbgapi.ILOffset) (dbgapi.Breakpoint, error) {
	bp := &Breakpoint{Mod: mod, Token: token, Offset: offset, active: true}
	in.mu.Lock()
	in.Installed = append(in.Installed, bp)
	in.mu.Unlock()
	return bp, nil
}

// Last returns the most recently installed breakpoint.
func (in *Installer) Last() *Breakpoint {
	in.mu.Lock()
	defer in.mu.Unlock()
	if len(in.Installed) == 0 {
		return nil
	}
	return in.Installed[len(in.Installed)-1]
}

// Stepper is a fake primitive stepper.
type Stepper struct {
	mu          sync.Mutex
	deactivated bool
}

func (s *Stepper) Deactivate() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deactivated = true
	return nil
}

// Deactivated reports whether Deactivate was called.
func (s *Stepper) Deactivated() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.deactivated
}

// StepRecord is one primitive step issued through a StepInstaller.
type StepRecord struct {
	Kind    string // "range" | "step" | "out"
	Start   uint32
	End     uint32
	Stepper *Stepper
}

// StepInstaller is a fake of the simple stepper's runtime primitives.
type StepInstaller struct {
	mu    sync.Mutex
	Steps []StepRecord
}

func (si *StepInstaller) record(r StepRecord) (dbgapi.Stepper, error) {
	st := &Stepper{}
	r.Stepper = st
	si.mu.Lock()
	si.Steps = append(si.Steps, r)
	si.mu.Unlock()
	return st, nil
}

func (si *StepInstaller) StepRange(thread dbgapi.Thread, start, end uint32) (dbgapi.Stepper, error) {
	return si.record(StepRecord{Kind: "range", Start: start, End: end})
}

func (si *StepInstaller) Step(thread dbgapi.Thread) (dbgapi.Stepper, error) {
	return si.record(StepRecord{Kind: "step"})
}

func (si *StepInstaller) StepOut(thread dbgapi.Thread) (dbgapi.Stepper, error) {
	return si.record(StepRecord{Kind: "out"})
}

// Last returns the most recently issued step.
func (si *StepInstaller) Last() (StepRecord, bool) {
	si.mu.Lock()
	defer si.mu.Unlock()
	if len(si.Steps) == 0 {
		return StepRecord{}, false
	}
	return si.Steps[len(si.Steps)-1], true
}

// Metadata is a fake metadata table.
type Metadata struct {
	Defs        []dbgapi.MethodDef
	MethodAttrs map[dbgapi.MethodToken][]string
	TypeAttrs   map[string][]string
}

func (m *Metadata) Methods() []dbgapi.MethodDef { return m.Defs }

func (m *Metadata) CustomAttributes(token dbgapi.MethodToken) []string {
	return m.MethodAttrs[token]
}

func (m *Metadata) TypeCustomAttributes(typeName string) []string {
	return m.TypeAttrs[typeName]
}

// Module is a fake loaded module.
type Module struct {
	Addr       dbgapi.ModuleAddress
	Path       string
	Dynamic    bool
	InMemory   bool
	EntryToken dbgapi.MethodToken
	HasEntry   bool
	Meta       *Metadata

	mu           sync.Mutex
	jitOptimized bool
	nonUserJMC   []dbgapi.MethodToken
}

func (m *Module) Address() dbgapi.ModuleAddress { return m.Addr }
func (m *Module) FilePath() string              { return m.Path }
func (m *Module) IsDynamic() bool               { return m.Dynamic }
func (m *Module) IsInMemory() bool              { return m.InMemory }

func (m *Module) EntryMethodToken() (dbgapi.MethodToken, bool) {
	return m.EntryToken, m.HasEntry
}

func (m *Module) Metadata() dbgapi.Metadata {
	if m.Meta == nil {
		m.Meta = &Metadata{}
	}
	return m.Meta
}

func (m *Module) SetJITOptimization(enabled bool) error {
	m.mu.Lock()
	m.jitOptimized = enabled
	m.mu.Unlock()
	return nil
}

func (m *Module) SetJMCStatus(userCode bool, methods []dbgapi.MethodToken) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !userCode {
		m.nonUserJMC = append(m.nonUserJMC, methods...)
	}
	return nil
}

// NonUserJMC reports the methods marked non-user so far.
func (m *Module) NonUserJMC() []dbgapi.MethodToken {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]dbgapi.MethodToken(nil), m.nonUserJMC...)
}

// Frame is a fake stack frame.
type Frame struct {
	Mod   *Module
	Token dbgapi.MethodToken
	IP    dbgapi.ILOffset
	Args  []dbgapi.Value
}

func (f *Frame) Module() dbgapi.Module {
	if f.Mod == nil {
		return nil
	}
	return f.Mod
}

func (f *Frame) MethodToken() dbgapi.MethodToken { return f.Token }

func (f *Frame) ILOffset() (dbgapi.ILOffset, error) { return f.IP, nil }

func (f *Frame) Arguments() ([]dbgapi.Value, error) { return f.Args, nil }

// Thread is a fake managed thread.
type Thread struct {
	TID       dbgapi.ThreadID
	TName     string
	Stack     []dbgapi.Frame
	Exception *Value
}

func (t *Thread) ID() dbgapi.ThreadID { return t.TID }
func (t *Thread) Name() string        { return t.TName }

func (t *Thread) ActiveFrame() (dbgapi.Frame, error) {
	if len(t.Stack) == 0 {
		return nil, nil
	}
	return t.Stack[0], nil
}

func (t *Thread) SetActiveFrame(f dbgapi.Frame) error {
	if len(t.Stack) == 0 {
		t.Stack = []dbgapi.Frame{f}
	} else {
		t.Stack[0] = f
	}
	return nil
}

func (t *Thread) CurrentException() (dbgapi.Value, bool) {
	if t.Exception == nil {
		return nil, false
	}
	return t.Exception, true
}

func (t *Thread) Frames() ([]dbgapi.Frame, error) { return t.Stack, nil }

// AppDomain is a fake isolation unit counting resumes.
type AppDomain struct {
	mu        sync.Mutex
	continues int
}

func (d *AppDomain) Continue(ctx context.Context) error {
	d.mu.Lock()
	d.continues++
	d.mu.Unlock()
	return nil
}

func (d *AppDomain) Stop(ctx context.Context) error { return nil }

// Continues reports how many times the domain was resumed.
func (d *AppDomain) Continues() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.continues
}

// Process is a fake debuggee process.
type Process struct {
	Pid        int
	ThreadList []*Thread
	Domains    []*AppDomain

	mu         sync.Mutex
	queued     bool
	continues  int
	stops      int
	terminated bool
}

func (p *Process) PID() int { return p.Pid }

// SetQueuedCallbacks controls what HasQueuedCallbacks reports.
func (p *Process) SetQueuedCallbacks(q bool) {
	p.mu.Lock()
	p.queued = q
	p.mu.Unlock()
}

func (p *Process) HasQueuedCallbacks() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.queued
}

func (p *Process) Continue(ctx context.Context) error {
	p.mu.Lock()
	p.continues++
	p.mu.Unlock()
	return nil
}

func (p *Process) Stop(ctx context.Context) error {
	p.mu.Lock()
	p.stops++
	p.mu.Unlock()
	return nil
}

func (p *Process) Terminate(ctx context.Context) error {
	p.mu.Lock()
	p.terminated = true
	p.mu.Unlock()
	return nil
}

// Continues reports how many times the process was resumed.
func (p *Process) Continues() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.continues
}

// Stops reports how many times the process was suspended.
func (p *Process) Stops() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stops
}

// Terminated reports whether Terminate was called.
func (p *Process) Terminated() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.terminated
}

func (p *Process) AppDomains() ([]dbgapi.AppDomain, error) {
	out := make([]dbgapi.AppDomain, len(p.Domains))
	for i, d := range p.Domains {
		out[i] = d
	}
	return out, nil
}

func (p *Process) Threads() ([]dbgapi.Thread, error) {
	out := make([]dbgapi.Thread, len(p.ThreadList))
	for i, t := range p.ThreadList {
		out[i] = t
	}
	return out, nil
}

// Runtime is a fake runtime-debug API: Launch/Attach hand back a
// prepared Process, and Fire delivers callbacks into the registered
// sink the way the native API would from its own thread.
type Runtime struct {
	Proc    *Process
	InitErr error

	mu       sync.Mutex
	inits    int
	cb       func(dbgapi.Callback)
	launched *dbgapi.LaunchOptions
	attached int
}

func (r *Runtime) Init() error {
	r.mu.Lock()
	r.inits++
	r.mu.Unlock()
	return r.InitErr
}

// Inits reports how many times Init was called.
func (r *Runtime) Inits() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.inits
}

func (r *Runtime) SetCallback(cb func(dbgapi.Callback)) {
	r.mu.Lock()
	r.cb = cb
	r.mu.Unlock()
}

func (r *Runtime) Launch(ctx context.Context, opts dbgapi.LaunchOptions) (dbgapi.Process, error) {
	r.mu.Lock()
	r.launched = &opts
	r.mu.Unlock()
	return r.Proc, nil
}

func (r *Runtime) Attach(ctx context.Context, pid int) (dbgapi.Process, error) {
	r.mu.Lock()
	r.attached = pid
	r.mu.Unlock()
	return r.Proc, nil
}

// Launched returns the options of the last Launch call, if any.
func (r *Runtime) Launched() (dbgapi.LaunchOptions, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.launched == nil {
		return dbgapi.LaunchOptions{}, false
	}
	return *r.launched, true
}

// Fire delivers one callback into the registered sink.
func (r *Runtime) Fire(cb dbgapi.Callback) {
	r.mu.Lock()
	sink := r.cb
	r.mu.Unlock()
	if sink != nil {
		sink(cb)
	}
}

// MethodInfo is the per-method debug info a Reader serves.
type MethodInfo struct {
	SourceFile string
	Points     []debuginfo.SequencePoint
	Async      bool
	Awaits     []debuginfo.AwaitInfo
}

// Reader is a fake symbol reader backed by in-memory tables.
type Reader struct {
	Files   []string
	Ranges  map[string][]debuginfo.MethodRange
	Methods map[uint32]*MethodInfo
}

func (r *Reader) SourceFiles() []string { return r.Files }

func (r *Reader) SequencePoints(token uint32) ([]debuginfo.SequencePoint, error) {
	mi, ok := r.Methods[token]
	if !ok {
		return nil, nil
	}
	return mi.Points, nil
}

func (r *Reader) PrimarySourceFile(token uint32) (string, bool) {
	mi, ok := r.Methods[token]
	if !ok || mi.SourceFile == "" {
		return "", false
	}
	return mi.SourceFile, true
}

func (r *Reader) MethodRanges(sourcePath string) ([]debuginfo.MethodRange, error) {
	return r.Ranges[sourcePath], nil
}

func (r *Reader) NextUserCodeOffset(token uint32, start uint32) (uint32, bool) {
	mi, ok := r.Methods[token]
	if !ok {
		return 0, false
	}
	for _, sp := range mi.Points {
		if sp.IsHidden() {
			continue
		}
		if sp.ILOffset >= start {
			return sp.ILOffset, true
		}
	}
	return 0, false
}

func (r *Reader) HoistedScopes(token uint32, ilOffset uint32) ([]debuginfo.HoistedScope, error) {
	return nil, nil
}

func (r *Reader) IsMethodAsync(token uint32) bool {
	mi, ok := r.Methods[token]
	return ok && mi.Async
}

func (r *Reader) NextAwait(token uint32, ilOffset uint32) (debuginfo.AwaitInfo, bool) {
	mi, ok := r.Methods[token]
	if !ok {
		return debuginfo.AwaitInfo{}, false
	}
	for _, aw := range mi.Awaits {
		if aw.YieldOffset >= ilOffset {
			return aw, true
		}
	}
	return debuginfo.AwaitInfo{}, false
}

func (r *Reader) LastAwaitYieldOffset(token uint32) (uint32, bool) {
	mi, ok := r.Methods[token]
	if !ok || len(mi.Awaits) == 0 {
		return 0, false
	}
	return mi.Awaits[len(mi.Awaits)-1].YieldOffset, true
}

// Evaluator is a fake expression evaluator: expressions resolve
// through a literal result table, and Running toggles what
// IsEvalRunning reports.
type Evaluator struct {
	mu      sync.Mutex
	Results map[string]EvalResult
	running bool
	calls   []string
}

// EvalResult is one canned evaluation outcome.
type EvalResult struct {
	Value  dbgapi.Value
	Output string
	IsBool bool
	Bool   bool
	Err    error
}

// SetRunning toggles the eval-in-progress flag.
func (e *Evaluator) SetRunning(running bool) {
	e.mu.Lock()
	e.running = running
	e.mu.Unlock()
}

func (e *Evaluator) IsEvalRunning() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.running
}

// Calls returns every expression evaluated so far.
func (e *Evaluator) Calls() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.calls...)
}

func (e *Evaluator) lookup(expr string) (EvalResult, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls = append(e.calls, expr)
	res, ok := e.Results[expr]
	return res, ok
}

func (e *Evaluator) Evaluate(ctx context.Context, frame dbgapi.Frame, expr string) (evaluator.Result, error) {
	if err := ctx.Err(); err != nil {
		return evaluator.Result{}, err
	}
	res, ok := e.lookup(expr)
	if !ok {
		return evaluator.Result{}, errors.Errorf("unknown expression %q", expr)
	}
	if res.Err != nil {
		return evaluator.Result{}, res.Err
	}
	return evaluator.Result{Value: res.Value, Output: res.Output, IsBool: res.IsBool, Bool: res.Bool}, nil
}

func (e *Evaluator) SetVariable(ctx context.Context, frame dbgapi.Frame, name, value string) error {
	return nil
}

func (e *Evaluator) SetExpression(ctx context.Context, frame dbgapi.Frame, expr, value string) (evaluator.Result, error) {
	return evaluator.Result{Output: value}, nil
}

func (e *Evaluator) Scopes(ctx context.Context, frame dbgapi.Frame) ([]evaluator.Scope, error) {
	return []evaluator.Scope{{Name: "Locals", Vars: frame}}, nil
}

func (e *Evaluator) Variables(ctx context.Context, vars evaluator.Container, filter evaluator.VariablesFilter, start, count int) ([]evaluator.Variable, error) {
	return nil, nil
}
