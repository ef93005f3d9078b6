// Package debuginfo is a thin, synchronous query surface over an
// external symbol reader. It never caches; every call is a direct
// query so that callers (the module index, the breakpoint variants,
// the steppers) stay the source of truth for what is and isn't
// resolved.
package debuginfo

// HiddenLine is the sentinel sequence-point start-line the compiler
// emits for "hidden" points; callers must filter these out.
const HiddenLine = 0xfeefee

// SequencePoint maps an IL offset to a source span.
type SequencePoint struct {
	ILOffset    uint32
	StartLine   int
	StartColumn int
	EndLine     int
	EndColumn   int
}

// IsHidden reports whether a sequence point is a compiler-emitted
// hidden point that carries no user-visible source mapping.
func (sp SequencePoint) IsHidden() bool {
	return sp.StartLine == HiddenLine
}

// MethodRange describes one method's extent within a source index,
// supporting nested-method disambiguation for line-breakpoint resolution.
type MethodRange struct {
	StartLine   int
	EndLine     int
	StartColumn int
	EndColumn   int
	MethodToken uint32
	IsCtor      bool
}

// HoistedScope is a compiler-generated local scope (e.g. a closure's
// display class, or an async state machine's hoisted locals) reported
// by the symbol reader.
type HoistedScope struct {
	StartOffset uint32
	EndOffset   uint32
	Locals      []string
}

// AwaitInfo describes one await block within an async method: the
// instruction immediately before the state machine suspends
// (yield-offset), and the first instruction of the continuation
// (resume-offset).
type AwaitInfo struct {
	YieldOffset  uint32
	ResumeOffset uint32
}

// Reader is the per-module symbol reader surface. A module with no PDB
// has no Reader; callers must treat that as "unresolved, not an error".
type Reader interface {
	// SourceFiles returns every source path this module's debug info
	// covers, used to seed the module index's source-path index on load.
	SourceFiles() []string

	// SequencePoints returns the sequence points for the given method,
	// ordered by IL offset. Hidden points may be included; callers skip
	// them.
	SequencePoints(methodToken uint32) ([]SequencePoint, error)

	// PrimarySourceFile returns the source file a method's sequence
	// points belong to, backing the stackTrace request's per-frame
	// source. ok is false for a method with no sequence points (fully
	// compiler-generated, or from a module with no PDB).
	PrimarySourceFile(methodToken uint32) (path string, ok bool)

	// MethodRanges returns the nested method ranges backing the source
	// index for a single source file owned by this module.
	MethodRanges(sourcePath string) ([]MethodRange, error)

	// NextUserCodeOffset returns the first IL offset at or after start
	// that maps to a non-hidden sequence point, skipping compiler
	// generated prologue sequence points. ok is false if the method has
	// no user-code sequence point at or after start.
	NextUserCodeOffset(methodToken uint32, start uint32) (offset uint32, ok bool)

	// HoistedScopes returns the compiler-generated local scopes active
	// at the given IL offset within a method.
	HoistedScopes(methodToken uint32, ilOffset uint32) ([]HoistedScope, error)

	// IsMethodAsync reports whether the method is an async state machine
	// method with at least one await block.
	IsMethodAsync(methodToken uint32) bool

	// NextAwait returns the await block whose yield-offset is the
	// closest one at or after ilOffset. ok is false if there is none
	// (ilOffset is past the last await in the method).
	NextAwait(methodToken uint32, ilOffset uint32) (info AwaitInfo, ok bool)

	// LastAwaitYieldOffset returns the yield-offset of the method's last
	// await block, used to decide whether a step-in/step-over at or past
	// this point must be promoted to step-out. ok is false for methods
	// without awaits; callers must treat that as "do not promote".
	LastAwaitYieldOffset(methodToken uint32) (offset uint32, ok bool)
}
