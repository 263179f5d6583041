// Package symbols resolves addresses, line numbers and call stacks from the
// firmware ELF. A load parses everything into an immutable Snapshot; the
// Store swaps snapshots atomically so in-flight queries keep a consistent
// view across reloads.
package symbols

import (
	"debug/dwarf"
	"debug/elf"
	"fmt"
	"log/slog"
	"sort"
	"sync/atomic"

	"mcudbg/api"
)

type Function struct {
	Name string
	Low  uint64
	High uint64
}

type LineEntry struct {
	Addr uint64
	File string
	Line int
	Stmt bool
}

// InlineRange marks a pc range whose code was inlined from another function.
type InlineRange struct {
	Name string
	Low  uint64
	High uint64
}

type Location struct {
	Function string
	File     string
	Line     int
	Inlined  bool
}

type Snapshot struct {
	Path string

	syms    map[string]uint64
	funcs   []Function    // sorted by Low
	lines   []LineEntry   // sorted by Addr
	inlines []InlineRange // sorted by Low
	frames  *FrameTable
}

type Store struct {
	snap atomic.Pointer[Snapshot]
	log  *slog.Logger
}

func NewStore(log *slog.Logger) *Store {
	return &Store{log: log}
}

// Snapshot returns the current snapshot, nil before the first load.
func (st *Store) Snapshot() *Snapshot {
	return st.snap.Load()
}

// Load parses the ELF at path and swaps it in. A failed load leaves the
// previous snapshot untouched.
func (st *Store) Load(path string) (*Snapshot, error) {
	snap, err := Parse(path)
	if err != nil {
		return nil, err
	}
	st.snap.Store(snap)
	st.log.Info("symbols loaded", "path", path,
		"functions", len(snap.funcs), "lines", len(snap.lines))
	return snap, nil
}

func malformed(path string, err error) error {
	return api.Errorf(api.ErrMalformedSymbols, "%s: %v", path, err)
}

// Parse reads an ELF and its DWARF sections into a Snapshot.
func Parse(path string) (*Snapshot, error) {
	f, err := elf.Open(path)
	if err != nil {
		return nil, malformed(path, err)
	}
	defer f.Close()

	snap := &Snapshot{
		Path: path,
		syms: make(map[string]uint64),
	}

	// Symbol table first. RTT and RTOS discovery only need names, so this
	// works even for firmware built without debug info.
	if syms, err := f.Symbols(); err == nil {
		for _, s := range syms {
			if s.Name == "" {
				continue
			}
			t := elf.ST_TYPE(s.Info)
			if t == elf.STT_FILE || t == elf.STT_SECTION {
				continue
			}
			snap.syms[s.Name] = s.Value
		}
	}

	d, err := f.DWARF()
	if err != nil {
		// Symbols without DWARF still serve lookups; line info and
		// unwinding just stay empty.
		return snap, nil
	}
	if err := snap.loadDwarf(d); err != nil {
		return nil, malformed(path, err)
	}

	if sec := f.Section(".debug_frame"); sec != nil {
		raw, err := sec.Data()
		if err != nil {
			return nil, malformed(path, err)
		}
		ft, err := parseFrameTable(raw)
		if err != nil {
			return nil, malformed(path, fmt.Errorf(".debug_frame: %w", err))
		}
		snap.frames = ft
	}

	sort.Slice(snap.funcs, func(i, j int) bool { return snap.funcs[i].Low < snap.funcs[j].Low })
	sort.Slice(snap.lines, func(i, j int) bool { return snap.lines[i].Addr < snap.lines[j].Addr })
	sort.Slice(snap.inlines, func(i, j int) bool { return snap.inlines[i].Low < snap.inlines[j].Low })
	return snap, nil
}

func (s *Snapshot) loadDwarf(d *dwarf.Data) error {
	r := d.Reader()
	for {
		e, err := r.Next()
		if err != nil {
			return err
		}
		if e == nil {
			break
		}
		switch e.Tag {
		case dwarf.TagCompileUnit:
			if err := s.loadLineTable(d, e); err != nil {
				return err
			}
		case dwarf.TagSubprogram:
			if fn, ok := subprogram(d, e); ok {
				s.funcs = append(s.funcs, fn)
			}
		case dwarf.TagInlinedSubroutine:
			if in, ok := inlined(d, e); ok {
				s.inlines = append(s.inlines, in)
			}
		}
	}
	return nil
}

func (s *Snapshot) loadLineTable(d *dwarf.Data, cu *dwarf.Entry) error {
	lr, err := d.LineReader(cu)
	if err != nil || lr == nil {
		return err
	}
	var le dwarf.LineEntry
	for {
		if err := lr.Next(&le); err != nil {
			break
		}
		if le.EndSequence {
			continue
		}
		file := ""
		if le.File != nil {
			file = le.File.Name
		}
		s.lines = append(s.lines, LineEntry{
			Addr: le.Address,
			File: file,
			Line: le.Line,
			Stmt: le.IsStmt,
		})
	}
	return nil
}

func pcRange(e *dwarf.Entry) (uint64, uint64, bool) {
	low, ok := e.Val(dwarf.AttrLowpc).(uint64)
	if !ok {
		return 0, 0, false
	}
	// Highpc is either an absolute address or, in constant class, an offset
	// from lowpc.
	switch v := e.Val(dwarf.AttrHighpc).(type) {
	case uint64:
		return low, v, true
	case int64:
		return low, low + uint64(v), true
	}
	return 0, 0, false
}

func subprogram(d *dwarf.Data, e *dwarf.Entry) (Function, bool) {
	low, high, ok := pcRange(e)
	if !ok || high <= low {
		return Function{}, false
	}
	name := entryName(d, e)
	if name == "" {
		return Function{}, false
	}
	return Function{Name: name, Low: low, High: high}, true
}

func inlined(d *dwarf.Data, e *dwarf.Entry) (InlineRange, bool) {
	low, high, ok := pcRange(e)
	if !ok || high <= low {
		return InlineRange{}, false
	}
	name := entryName(d, e)
	if name == "" {
		name = "?"
	}
	return InlineRange{Name: name, Low: low, High: high}, true
}

// entryName resolves AttrName, chasing abstract origin and specification
// references the compiler uses for inlined and declared-elsewhere entries.
func entryName(d *dwarf.Data, e *dwarf.Entry) string {
	if n, ok := e.Val(dwarf.AttrName).(string); ok {
		return n
	}
	for _, attr := range []dwarf.Attr{dwarf.AttrAbstractOrigin, dwarf.AttrSpecification} {
		off, ok := e.Val(attr).(dwarf.Offset)
		if !ok {
			continue
		}
		r := d.Reader()
		r.Seek(off)
		ref, err := r.Next()
		if err != nil || ref == nil {
			continue
		}
		if n := entryName(d, ref); n != "" {
			return n
		}
	}
	return ""
}

// LookupSymbol returns the address of a named symbol.
func (s *Snapshot) LookupSymbol(name string) (uint64, bool) {
	a, ok := s.syms[name]
	return a, ok
}

// FunctionAt returns the function covering pc, nil when outside every range.
func (s *Snapshot) FunctionAt(pc uint64) *Function {
	i := sort.Search(len(s.funcs), func(i int) bool { return s.funcs[i].Low > pc })
	if i == 0 {
		return nil
	}
	f := &s.funcs[i-1]
	if pc >= f.Low && pc < f.High {
		return f
	}
	return nil
}

func (s *Snapshot) lineAt(pc uint64) *LineEntry {
	i := sort.Search(len(s.lines), func(i int) bool { return s.lines[i].Addr > pc })
	if i == 0 {
		return nil
	}
	return &s.lines[i-1]
}

func (s *Snapshot) inlineAt(pc uint64) *InlineRange {
	i := sort.Search(len(s.inlines), func(i int) bool { return s.inlines[i].Low > pc })
	if i == 0 {
		return nil
	}
	in := &s.inlines[i-1]
	if pc >= in.Low && pc < in.High {
		return in
	}
	return nil
}

// Resolve maps a pc to its source location.
func (s *Snapshot) Resolve(pc uint64) Location {
	var loc Location
	if f := s.FunctionAt(pc); f != nil {
		loc.Function = f.Name
	}
	if le := s.lineAt(pc); le != nil {
		loc.File = le.File
		loc.Line = le.Line
	}
	if in := s.inlineAt(pc); in != nil {
		loc.Function = in.Name
		loc.Inlined = true
	}
	return loc
}

// NextLineAddr finds the address of the next source line after pc within the
// same function, used by source-level stepping to place its temporary
// breakpoint.
func (s *Snapshot) NextLineAddr(pc uint64) (uint64, bool) {
	f := s.FunctionAt(pc)
	cur := s.lineAt(pc)
	i := sort.Search(len(s.lines), func(i int) bool { return s.lines[i].Addr > pc })
	for ; i < len(s.lines); i++ {
		le := &s.lines[i]
		if f != nil && le.Addr >= f.High {
			break
		}
		if cur == nil || le.Line != cur.Line || le.File != cur.File {
			return le.Addr, true
		}
	}
	return 0, false
}

// Functions exposes the sorted function index.
func (s *Snapshot) Functions() []Function { return s.funcs }

// HasFrames reports whether call-frame information was present.
func (s *Snapshot) HasFrames() bool { return s.frames != nil }
