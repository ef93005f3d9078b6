// Package callbackqueue implements the scheduler that serializes
// runtime-debug-API callbacks: an explicit FIFO with a sync.Cond,
// arbitrated by a single stop-outstanding flag so that at most one
// stop event is ever in flight to the IDE, and a single consumer
// worker that is the only goroutine allowed to mutate the target's
// continue/stop state. The runtime delivers callbacks from many
// concurrent native threads; those threads only ever enqueue.
package callbackqueue

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	"github.com/viewizard/dncdbg-go/internal/breakpoints"
	"github.com/viewizard/dncdbg-go/internal/dbgapi"
	"github.com/viewizard/dncdbg-go/internal/evaluator"
)

// ErrClosed is returned by Enqueue once the queue has closed, either
// because a FinishWorker sentinel was processed or because the process
// exited.
var ErrClosed = errors.New("callback queue closed")

// Dispatcher is how the worker hands a popped entry to the subsystems
// that own the actual decision logic (breakpoint facade, steppers).
// The Session Controller implements this.
type Dispatcher interface {
	HandleBreakpoint(ctx context.Context, thread dbgapi.Thread, bp dbgapi.Breakpoint) Decision
	HandleStepComplete(ctx context.Context, thread dbgapi.Thread, kind dbgapi.StepKind) Decision
	HandleBreak(ctx context.Context, thread dbgapi.Thread) Decision
	HandleException(ctx context.Context, thread dbgapi.Thread, kind dbgapi.ExceptionCallbackKind, moduleName string) Decision
	HandleCreateProcess(ctx context.Context)
	HandleCreateThread(ctx context.Context, thread dbgapi.Thread)
	HandleLoadModule(ctx context.Context, mod dbgapi.Module)
	HandleUnloadModule(ctx context.Context, mod dbgapi.Module)
	HandleExitThread(ctx context.Context, threadID dbgapi.ThreadID)
	// HandleExitProcess notifies that the debuggee process has exited;
	// the queue closes itself immediately afterward, no further
	// Continue is possible.
	HandleExitProcess(ctx context.Context, exitCode int)
	// DisableAllSteppers is called before any non-step stop event to
	// prevent stale step completions.
	DisableAllSteppers()
}

// Decision is what a Dispatcher method reports: whether to emit a stop
// event, its reason/thread, and any incidental BreakpointChanged
// events to forward (e.g. a condition-evaluation failure message).
type Decision struct {
	Stop     bool
	Reason   breakpoints.StopReason
	ThreadID dbgapi.ThreadID
	BPID     breakpoints.ID
	Changes  []breakpoints.ChangeEvent
}

// EventSink is where the worker emits the events a Decision produces.
// The protocol adapter (or, in tests, a fake) implements this.
type EventSink interface {
	Stopped(reason breakpoints.StopReason, threadID dbgapi.ThreadID, allThreadsStopped bool)
	BreakpointChanged(ev breakpoints.ChangeEvent)
}

// Queue is a FIFO of dbgapi.Callback entries with a single consumer
// worker, arbitrated by a stop-outstanding flag and a condition
// variable, both guarded by mu.
type Queue struct {
	mu   sync.Mutex
	cond *sync.Cond

	entries         []dbgapi.Callback
	stopOutstanding bool
	closed          bool

	process dbgapi.Process
	evalr   evaluator.Evaluator
	dispr   Dispatcher
	sink    EventSink
}

// New constructs a Callback Queue. SetProcess must be called once a
// process is attached/launched before any callback can be enqueued.
func New(evalr evaluator.Evaluator, dispr Dispatcher, sink EventSink) *Queue {
	q := &Queue{evalr: evalr, dispr: dispr, sink: sink}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// SetProcess attaches the live process handle the worker resumes/stops
// as it arbitrates callbacks.
func (q *Queue) SetProcess(p dbgapi.Process) {
	q.mu.Lock()
	q.process = p
	q.mu.Unlock()
}

// StopOutstanding reports whether a stop event is currently
// outstanding to the IDE.
func (q *Queue) StopOutstanding() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.stopOutstanding
}

// Enqueue is the producer side: runtime-debug-API callback threads
// call this. If a managed evaluation is in progress the app-domain is
// resumed immediately and the callback is dropped; evaluations must
// never be interrupted. Otherwise the entry is appended under the
// queue mutex, and either the app-domain is resumed immediately (more
// callbacks are already queued for this process) or the worker's
// condition variable is signaled.
//
// The Callback value holds the thread/app-domain references for the
// entry's lifetime; the garbage collector keeps them alive, so there
// is no separate AddRef/Release step.
func (q *Queue) Enqueue(ctx context.Context, cb dbgapi.Callback) error {
	if q.evalr.IsEvalRunning() {
		if cb.AppDomain != nil {
			return cb.AppDomain.Continue(ctx)
		}
		return nil
	}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrClosed
	}
	q.entries = append(q.entries, cb)

	hasMore := q.process != nil && q.process.HasQueuedCallbacks()
	q.mu.Unlock()

	if hasMore {
		if cb.AppDomain != nil {
			return cb.AppDomain.Continue(ctx)
		}
		return nil
	}

	q.mu.Lock()
	q.cond.Signal()
	q.mu.Unlock()
	return nil
}

// Run drains the queue until it closes: a FinishWorker sentinel is
// processed or the process exits. Cancelling ctx does not by itself end
// the loop. It is the Callback Queue's single consumer.
func (q *Queue) Run(ctx context.Context) {
	for {
		q.mu.Lock()
		for !q.runnableLocked() {
			if q.closed {
				q.mu.Unlock()
				return
			}
			q.cond.Wait()
		}
		cb := q.entries[0]
		q.entries = q.entries[1:]
		q.mu.Unlock()

		if cb.Kind == dbgapi.CallbackFinishWorker {
			q.mu.Lock()
			q.closed = true
			q.cond.Broadcast()
			q.mu.Unlock()
			return
		}

		q.dispatch(ctx, cb)

		q.mu.Lock()
		empty := len(q.entries) == 0
		stopping := q.stopOutstanding
		proc := q.process
		q.mu.Unlock()

		if empty && !stopping && proc != nil {
			proc.Continue(ctx)
		}
	}
}

// runnableLocked reports whether the worker may pop the front entry.
// A FinishWorker sentinel is always poppable, even while a stop is
// outstanding, so shutdown cannot be wedged behind a stop that will
// never be continued.
func (q *Queue) runnableLocked() bool {
	if len(q.entries) == 0 {
		return false
	}
	if q.entries[0].Kind == dbgapi.CallbackFinishWorker {
		return true
	}
	return !q.stopOutstanding
}

func (q *Queue) dispatch(ctx context.Context, cb dbgapi.Callback) {
	switch cb.Kind {
	case dbgapi.CallbackCreateProcess:
		q.dispr.HandleCreateProcess(ctx)
		return
	case dbgapi.CallbackCreateThread:
		q.dispr.HandleCreateThread(ctx, cb.Thread)
		return
	case dbgapi.CallbackLoadModule:
		q.dispr.HandleLoadModule(ctx, cb.Module)
		return
	case dbgapi.CallbackUnloadModule:
		q.dispr.HandleUnloadModule(ctx, cb.Module)
		return
	case dbgapi.CallbackExitThread:
		q.dispr.HandleExitThread(ctx, cb.Thread.ID())
		return
	case dbgapi.CallbackExitProcess:
		q.dispr.HandleExitProcess(ctx, cb.ExitCode)
		q.mu.Lock()
		q.closed = true
		q.cond.Broadcast()
		q.mu.Unlock()
		return
	}

	var decision Decision
	switch cb.Kind {
	case dbgapi.CallbackBreakpoint:
		decision = q.dispr.HandleBreakpoint(ctx, cb.Thread, cb.Breakpoint)
	case dbgapi.CallbackStepComplete:
		decision = q.dispr.HandleStepComplete(ctx, cb.Thread, cb.StepReason)
	case dbgapi.CallbackBreak:
		decision = q.dispr.HandleBreak(ctx, cb.Thread)
	case dbgapi.CallbackException:
		decision = q.dispr.HandleException(ctx, cb.Thread, cb.ExceptionKind, cb.ExceptionMod)
	default:
		return
	}

	for _, ch := range decision.Changes {
		q.sink.BreakpointChanged(ch)
	}

	if !decision.Stop {
		return
	}

	q.mu.Lock()
	q.stopOutstanding = true
	q.mu.Unlock()

	q.dispr.DisableAllSteppers()
	q.sink.Stopped(decision.Reason, decision.ThreadID, true)
}

// Continue clears the stop-outstanding flag (the caller, the Session
// Controller, asserts it was set) and either wakes the worker to drain
// deferred callbacks or resumes the process directly if the queue is
// empty.
func (q *Queue) Continue(ctx context.Context) error {
	q.mu.Lock()
	q.stopOutstanding = false
	hasEntries := len(q.entries) > 0
	proc := q.process
	q.mu.Unlock()

	if hasEntries {
		q.mu.Lock()
		q.cond.Signal()
		q.mu.Unlock()
		return nil
	}
	if proc == nil {
		return errors.New("no process attached")
	}
	return proc.Continue(ctx)
}

// ThreadSelector picks which thread a protocol-flavor-specific pause
// reports as stopped: richer protocols pass a specific thread, a
// minimal protocol picks the process's first thread, a mid protocol
// picks a thread whose active frame belongs to a module, preferring the
// previously-stopped thread.
type ThreadSelector func(threads []dbgapi.Thread, previouslyStopped dbgapi.ThreadID) (dbgapi.Thread, bool)

// Pause stops the process, disables all steppers, selects a thread via
// selector, and emits a pause stop event for it. If no suitable thread
// is found the process is resumed and an error is returned.
func (q *Queue) Pause(ctx context.Context, previouslyStopped dbgapi.ThreadID, selector ThreadSelector) error {
	q.mu.Lock()
	proc := q.process
	q.mu.Unlock()
	if proc == nil {
		return errors.New("no process attached")
	}

	if err := proc.Stop(ctx); err != nil {
		return err
	}
	q.dispr.DisableAllSteppers()

	threads, err := proc.Threads()
	if err != nil {
		return err
	}
	thread, ok := selector(threads, previouslyStopped)
	if !ok {
		proc.Continue(ctx)
		return errors.New("no suitable thread found to report pause")
	}

	q.mu.Lock()
	q.stopOutstanding = true
	q.mu.Unlock()

	q.sink.Stopped(breakpoints.StopPause, thread.ID(), true)
	return nil
}

// FirstThreadSelector implements the minimal-protocol policy: always
// the process's first thread.
func FirstThreadSelector(threads []dbgapi.Thread, _ dbgapi.ThreadID) (dbgapi.Thread, bool) {
	if len(threads) == 0 {
		return nil, false
	}
	return threads[0], true
}

// KnownSourceThreadSelector implements the mid-protocol policy: search
// every thread's active frame for one that belongs to a module,
// preferring the previously-stopped thread if it qualifies. Only the
// active frame is examined, and whether its method has source is not
// checked.
func KnownSourceThreadSelector(threads []dbgapi.Thread, previouslyStopped dbgapi.ThreadID) (dbgapi.Thread, bool) {
	var fallback dbgapi.Thread
	for _, t := range threads {
		frame, err := t.ActiveFrame()
		if err != nil || frame == nil || frame.Module() == nil {
			continue
		}
		if t.ID() == previouslyStopped {
			return t, true
		}
		if fallback == nil {
			fallback = t
		}
	}
	if fallback != nil {
		return fallback, true
	}
	return nil, false
}

// ExplicitThreadSelector implements the richer-protocol policy: the
// caller already knows which thread.
func ExplicitThreadSelector(threadID dbgapi.ThreadID) ThreadSelector {
	return func(threads []dbgapi.Thread, _ dbgapi.ThreadID) (dbgapi.Thread, bool) {
		for _, t := range threads {
			if t.ID() == threadID {
				return t, true
			}
		}
		return nil, false
	}
}

// Shutdown enqueues the FinishWorker sentinel with stop-outstanding
// forced to false, so the worker is guaranteed to observe and process
// it.
func (q *Queue) Shutdown() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.stopOutstanding = false
	q.entries = append(q.entries, dbgapi.Callback{Kind: dbgapi.CallbackFinishWorker})
	q.cond.Broadcast()
	q.mu.Unlock()
}
