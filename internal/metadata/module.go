// Package metadata implements the module index: it maps a module's
// base address to its record, backs line-breakpoint resolution with a
// source-path index, applies Just-My-Code attribute filtering on load,
// and resolves function breakpoints by name across every loaded
// module's metadata.
package metadata

import (
	"strings"
	"sync"

	"github.com/pkg/errors"
	"github.com/viewizard/dncdbg-go/internal/dbgapi"
	"github.com/viewizard/dncdbg-go/internal/debuginfo"
)

// ErrModuleNotFound is returned by lookups that find no matching module.
var ErrModuleNotFound = errors.New("module not found")

// SymbolStatus mirrors the DAP module event's symbolStatus field.
type SymbolStatus string

const (
	SymbolsLoaded   SymbolStatus = "symbols loaded"
	SymbolsNotFound SymbolStatus = "symbols not found"
)

// Record is a single loaded module's identity and state. Its base
// address is unique and stable for the module's lifetime; dropping a
// Record releases its symbol-reader handle.
type Record struct {
	Address     dbgapi.ModuleAddress
	FilePath    string
	DisplayName string
	ID          string           // GUID-derived stable id
	Reader      debuginfo.Reader // nil if no PDB loaded
	Module      dbgapi.Module
}

// SymbolStatus reports whether this record has a loaded symbol reader.
func (r *Record) SymbolStatus() SymbolStatus {
	if r.Reader == nil {
		return SymbolsNotFound
	}
	return SymbolsLoaded
}

// LoadEvent is the result of indexing a newly loaded module, used by
// the Session Controller to emit a ModuleNew event.
type LoadEvent struct {
	Record       *Record
	SymbolStatus SymbolStatus
}

// methodRangeEntry is one (module, ranges) pair within the source index.
type methodRangeEntry struct {
	module dbgapi.ModuleAddress
	ranges []debuginfo.MethodRange
}

// Index is the Module Index: module records keyed by base address, and
// a source-path → per-module method-range index backing line-breakpoint
// resolution.
type Index struct {
	mu sync.Mutex

	records map[dbgapi.ModuleAddress]*Record

	// sourceIndex maps a normalized source path to the modules that
	// contributed method ranges for that file.
	sourceIndex map[string][]*methodRangeEntry

	caseInsensitiveHost bool
}

// NewIndex constructs an empty Module Index. caseInsensitiveHost should
// be true on hosts (e.g. Windows, macOS default) whose filesystem
// treats paths case-insensitively, so that source-path keys are
// upper-cased before indexing and lookup.
func NewIndex(caseInsensitiveHost bool) *Index {
	return &Index{
		records:             make(map[dbgapi.ModuleAddress]*Record),
		sourceIndex:         make(map[string][]*methodRangeEntry),
		caseInsensitiveHost: caseInsensitiveHost,
	}
}

func (idx *Index) normalize(path string) string {
	if idx.caseInsensitiveHost {
		return strings.ToUpper(path)
	}
	return path
}

// OnModuleLoad records a newly loaded module in the index. When the
// module has a reader it enables JMC at the module level, then disables
// JMC on every class/method whose custom attributes mark it non-user.
// It does not build the source index; IndexSource adds a module's
// source files to it. A missing PDB is not an error: the module is
// still recorded, just with no Reader — line-breakpoint resolution
// against it will simply find nothing until a later load supplies one.
func (idx *Index) OnModuleLoad(mod dbgapi.Module, reader debuginfo.Reader, id string, justMyCode bool) (LoadEvent, error) {
	if mod.IsDynamic() || mod.IsInMemory() {
		// Dynamic / in-memory modules with unknown layout are indexed
		// with no reader and contribute nothing to the source index.
		reader = nil
	}

	rec := &Record{
		Address:     mod.Address(),
		FilePath:    mod.FilePath(),
		DisplayName: displayName(mod.FilePath()),
		ID:          id,
		Reader:      reader,
		Module:      mod,
	}

	// JIT optimizations stay off while user code is being debugged
	// without JMC; with JMC on, non-user code may run optimized.
	mod.SetJITOptimization(justMyCode)

	if reader != nil {
		ApplyJMC(mod)
	}

	idx.mu.Lock()
	idx.records[rec.Address] = rec
	idx.mu.Unlock()

	return LoadEvent{Record: rec, SymbolStatus: rec.SymbolStatus()}, nil
}

// OnModuleUnload drops a module's record, releasing its symbol-reader
// handle and removing any source-index entries it contributed.
func (idx *Index) OnModuleUnload(addr dbgapi.ModuleAddress) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	delete(idx.records, addr)
	for path, entries := range idx.sourceIndex {
		kept := entries[:0]
		for _, e := range entries {
			if e.module != addr {
				kept = append(kept, e)
			}
		}
		if len(kept) == 0 {
			delete(idx.sourceIndex, path)
		} else {
			idx.sourceIndex[path] = kept
		}
	}
}

// IndexSource records the nested method ranges a module's PDB supplies
// for one source file, so resolve-line queries can find it. Ranges
// within a module are stored narrowest-enclosing-first.
func (idx *Index) IndexSource(addr dbgapi.ModuleAddress, sourcePath string, ranges []debuginfo.MethodRange) {
	sorted := append([]debuginfo.MethodRange(nil), ranges...)
	sortRangesNarrowestFirst(sorted)

	key := idx.normalize(sourcePath)
	idx.mu.Lock()
	defer idx.mu.Unlock()
	idx.sourceIndex[key] = append(idx.sourceIndex[key], &methodRangeEntry{module: addr, ranges: sorted})
}

func sortRangesNarrowestFirst(ranges []debuginfo.MethodRange) {
	// Insertion sort: nesting depth in these files is shallow (a few
	// constructors at most), so an O(n^2) pass reads more plainly than
	// pulling in sort.Slice for a handful of elements at a time.
	for i := 1; i < len(ranges); i++ {
		j := i
		for j > 0 && width(ranges[j]) < width(ranges[j-1]) {
			ranges[j], ranges[j-1] = ranges[j-1], ranges[j]
			j--
		}
	}
}

func width(r debuginfo.MethodRange) int {
	return r.EndLine - r.StartLine
}

// LookupByAddress returns the record for a module's base address.
func (idx *Index) LookupByAddress(addr dbgapi.ModuleAddress) (*Record, bool) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	rec, ok := idx.records[addr]
	return rec, ok
}

// LookupByName scans records for one whose file matches filename.
func (idx *Index) LookupByName(filename string) (*Record, bool) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	for _, rec := range idx.records {
		if rec.DisplayName == filename || rec.FilePath == filename {
			return rec, true
		}
	}
	return nil, false
}

// Records returns a snapshot of every indexed module.
func (idx *Index) Records() []*Record {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	out := make([]*Record, 0, len(idx.records))
	for _, rec := range idx.records {
		out = append(out, rec)
	}
	return out
}

// ResolvedLine is one site a (file, line) query resolved to.
type ResolvedLine struct {
	Module      dbgapi.ModuleAddress
	MethodToken dbgapi.MethodToken
	ILOffset    dbgapi.ILOffset
	StartLine   int
	EndLine     int
}

// ResolveLine resolves a (source-path, line) request against every
// module that owns the path. For each owning module it walks
// nested method ranges to the narrowest method containing line, then
// asks that method's symbol reader to snap to the nearest user-code
// sequence point at or after line. A line outside any method range
// contributes no site from that module. A resolution failure against
// one module never aborts resolution against the others.
func (idx *Index) ResolveLine(sourcePath string, line int) []ResolvedLine {
	key := idx.normalize(sourcePath)

	idx.mu.Lock()
	entries := append([]*methodRangeEntry(nil), idx.sourceIndex[key]...)
	idx.mu.Unlock()

	var out []ResolvedLine
	for _, entry := range entries {
		rec, ok := idx.LookupByAddress(entry.module)
		if !ok || rec.Reader == nil {
			continue
		}

		var match *debuginfo.MethodRange
		for i := range entry.ranges {
			r := entry.ranges[i]
			if line >= r.StartLine && line <= r.EndLine {
				match = &r
				break // narrowest-first ordering: first hit is innermost
			}
		}
		if match == nil {
			continue
		}

		points, err := rec.Reader.SequencePoints(match.MethodToken)
		if err != nil {
			continue
		}
		sp, ok := snapToUserCode(points, line)
		if !ok {
			continue
		}

		out = append(out, ResolvedLine{
			Module:      entry.module,
			MethodToken: dbgapi.MethodToken(match.MethodToken),
			ILOffset:    dbgapi.ILOffset(sp.ILOffset),
			StartLine:   sp.StartLine,
			EndLine:     sp.EndLine,
		})
	}
	return out
}

func snapToUserCode(points []debuginfo.SequencePoint, line int) (debuginfo.SequencePoint, bool) {
	for _, sp := range points {
		if sp.IsHidden() {
			continue
		}
		if sp.StartLine >= line {
			return sp, true
		}
	}
	return debuginfo.SequencePoint{}, false
}

// ResolveCallback receives one matching (module, methodToken) pair
// from ResolveFunction.
type ResolveCallback func(rec *Record, methodToken dbgapi.MethodToken)

// ResolveFunction iterates every module's metadata, compiling a dotted
// "Type.Method" string per method (augmented with a generic-arity
// suffix where applicable), and invokes cb for each method whose name
// matches the requested name as a right-anchored dotted suffix: "Foo"
// matches "Ns.Cls.Foo"; "Cls.Foo" matches both "Ns.Cls.Foo" and
// "Ns2.Cls.Foo".
func (idx *Index) ResolveFunction(name string, cb ResolveCallback) {
	want := strings.Split(name, ".")

	for _, rec := range idx.Records() {
		if rec.Module == nil {
			continue
		}
		for _, md := range rec.Module.Metadata().Methods() {
			full := qualifiedName(md)
			parts := strings.Split(full, ".")
			if suffixMatches(parts, want) {
				cb(rec, md.Token)
			}
		}
	}
}

func qualifiedName(md dbgapi.MethodDef) string {
	name := md.Name
	if md.GenericArity > 0 {
		name = name + "`" + itoa(md.GenericArity)
	}
	if md.TypeName == "" {
		return name
	}
	return md.TypeName + "." + name
}

func suffixMatches(parts, want []string) bool {
	if len(want) > len(parts) {
		return false
	}
	offset := len(parts) - len(want)
	for i, w := range want {
		if parts[offset+i] != w {
			return false
		}
	}
	return true
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	return string(buf[i:])
}

func displayName(path string) string {
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == '/' || path[i] == '\\' {
			return path[i+1:]
		}
	}
	return path
}
