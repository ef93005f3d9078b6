// Package stepper implements the simple range stepper and the
// two-phase async-method stepper.
package stepper

import (
	"sync"

	"github.com/viewizard/dncdbg-go/internal/dbgapi"
	"github.com/viewizard/dncdbg-go/internal/debuginfo"
)

// RangeInstaller installs a primitive runtime stepper on a thread, one
// of step-range (given an IL range), plain step, or step-out.
type RangeInstaller interface {
	StepRange(thread dbgapi.Thread, start, end uint32) (dbgapi.Stepper, error)
	Step(thread dbgapi.Thread) (dbgapi.Stepper, error)
	StepOut(thread dbgapi.Thread) (dbgapi.Stepper, error)
}

// Simple wraps the runtime's range/step primitive. Just-My-Code is
// always enabled at the runtime level regardless of the session's JMC
// user setting; non-user-code suppression at callback time is the
// breakpoint facade's frame check.
type Simple struct {
	mu        sync.Mutex
	installer RangeInstaller
	readers   func(mod dbgapi.Module) debuginfo.Reader

	active map[dbgapi.ThreadID]dbgapi.Stepper
}

// NewSimple constructs the Simple Stepper.
func NewSimple(installer RangeInstaller, readers func(mod dbgapi.Module) debuginfo.Reader) *Simple {
	return &Simple{installer: installer, readers: readers, active: make(map[dbgapi.ThreadID]dbgapi.Stepper)}
}

// SetupStep installs a primitive stepper for the given kind on thread.
// For step-out it issues the runtime's step-out primitive directly.
// Otherwise it queries the symbol reader for the current statement's
// IL range and issues step-range; if the range is unavailable it falls
// back to a plain step.
func (s *Simple) SetupStep(thread dbgapi.Thread, kind dbgapi.StepKind) error {
	var (
		st  dbgapi.Stepper
		err error
	)

	switch kind {
	case dbgapi.StepOut:
		st, err = s.installer.StepOut(thread)
	default:
		start, end, ok := s.currentStatementRange(thread)
		if ok {
			st, err = s.installer.StepRange(thread, start, end)
		} else {
			st, err = s.installer.Step(thread)
		}
	}
	if err != nil {
		return err
	}

	s.mu.Lock()
	if prev, ok := s.active[thread.ID()]; ok {
		prev.Deactivate()
	}
	s.active[thread.ID()] = st
	s.mu.Unlock()
	return nil
}

func (s *Simple) currentStatementRange(thread dbgapi.Thread) (start, end uint32, ok bool) {
	frame, err := thread.ActiveFrame()
	if err != nil || frame == nil {
		return 0, 0, false
	}
	reader := s.readers(frame.Module())
	if reader == nil {
		return 0, 0, false
	}
	ip, err := frame.ILOffset()
	if err != nil {
		return 0, 0, false
	}
	points, err := reader.SequencePoints(uint32(frame.MethodToken()))
	if err != nil {
		return 0, 0, false
	}
	// Walk backward to the statement enclosing ip; the next point's
	// offset bounds the range.
	for i := len(points) - 1; i >= 0; i-- {
		sp := points[i]
		if sp.IsHidden() || sp.ILOffset > uint32(ip) {
			continue
		}
		if i+1 < len(points) {
			return sp.ILOffset, points[i+1].ILOffset, true
		}
		return sp.ILOffset, sp.ILOffset + 1, true
	}
	return 0, 0, false
}

// DisableAllSteppers deactivates every primitive stepper across every
// thread, called before any non-step stop event to prevent stale step
// completions.
func (s *Simple) DisableAllSteppers() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, st := range s.active {
		st.Deactivate()
		delete(s.active, id)
	}
}

// ManagedCallbackStepComplete clears the active stepper record for a
// thread whose step completed.
func (s *Simple) ManagedCallbackStepComplete(id dbgapi.ThreadID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.active, id)
}
