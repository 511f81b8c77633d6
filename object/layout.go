package object

import (
	"encoding/binary"
	"fmt"

	"fortio.org/safecast"

	"github.com/wippyai/wasm-aot/compiler"
	"github.com/wippyai/wasm-aot/errors"
	"github.com/wippyai/wasm-aot/symbols"
	"github.com/wippyai/wasm-aot/target"
	"github.com/wippyai/wasm-aot/wasm"
)

// secID names one of the format-independent sections.
type secID int

const (
	secCode secID = iota
	secRodata
	secMeta
	secDesc
	secNote
	numSections

	secUndef secID = -1
)

// Sections as they are spelled in ELF and COFF. Mach-O keeps the name and
// places it in the segment of machoSegments.
var sectionNames = [numSections]string{
	secCode:   ".wasmcode",
	secRodata: ".wasmrodata",
	secMeta:   ".wasmmeta",
	secDesc:   ".wasmdesc",
	secNote:   ".wasmnote",
}

var sectionAlign = [numSections]int{
	secCode:   compiler.CodeAlign,
	secRodata: 16,
	secMeta:   8,
	secDesc:   8,
	secNote:   1,
}

// Descriptor layout, mirrored by struct wasmaot_module in the runtime.
const (
	DescriptorSize = 160
	ABIVersion     = 2

	descFlags        = 4
	descName         = 8
	descNumFuncs     = 16
	descNumImported  = 20
	descFuncs        = 24
	descNumImports   = 32
	descNumExports   = 36
	descImports      = 40
	descExports      = 48
	descMemMin       = 56
	descMemMax       = 60
	descTableMin     = 64
	descTableMax     = 68
	descNumGlobals   = 72
	descNumSegments  = 76
	descGlobals      = 80
	descSegments     = 88
	descNumElems     = 96
	descNumTraps     = 100
	descElems        = 104
	descTraps        = 112
	descStart        = 120
	descEntry        = 128
	descNumStackMaps = 136
	descNumInits     = 140
	descStackMaps    = 144
	descGlobalInits  = 152
)

// Descriptor flags.
const (
	FlagMemory uint32 = 1 << iota
	FlagMemoryMax
	FlagTable
	FlagTableMax
	FlagEntryResult
)

// Metadata record sizes.
const (
	funcRecordSize     = 40
	trapRecordSize     = 16
	stackMapRecordSize = 16
	exportRecordSize   = 24
	importRecordSize   = 24
	segmentRecordSize  = 24
	elemRecordSize     = 24
	initRecordSize     = 16
)

// noIndex marks an absent global index in segment, element and
// initializer records.
const noIndex = ^uint32(0)

const maxPages = 65536

type relocation struct {
	offset uint64
	name   string
	sym    int
	kind   compiler.RelocKind
	addend int64
}

type section struct {
	data   []byte
	relocs []relocation
}

type symbol struct {
	name   string
	sec    secID
	value  uint64
	size   uint64
	global bool
	fn     bool
}

func (s *symbol) defined() bool { return s.sec != secUndef }

// object is the format-independent content of one relocatable object.
// Symbols are ordered locals, then defined globals, then undefined.
type object struct {
	target   target.Target
	sections [numSections]section
	syms     []symbol
	manifest Manifest
}

func (o *object) firstGlobal() int {
	for i := range o.syms {
		if o.syms[i].global || !o.syms[i].defined() {
			return i
		}
	}
	return len(o.syms)
}

func (o *object) firstUndefined() int {
	for i := range o.syms {
		if !o.syms[i].defined() {
			return i
		}
	}
	return len(o.syms)
}

// builder accumulates an object. Names are C-level; formats decorate them.
type builder struct {
	cm      *compiler.CompiledModule
	names   symbols.Table
	secs    [numSections]section
	locals  []symbol
	globals []symbol
	undef   []symbol
	known   map[string]bool
	funcAt  []uint64
	tables  tableOffsets
	counts  [2]int // traps, stack maps
}

func (b *builder) pad(sec secID, align int, fill byte) {
	d := &b.secs[sec].data
	for len(*d)%align != 0 {
		*d = append(*d, fill)
	}
}

func (b *builder) define(sym symbol) {
	b.known[sym.name] = true
	if sym.global {
		b.globals = append(b.globals, sym)
	} else {
		b.locals = append(b.locals, sym)
	}
}

func (b *builder) refer(name string) {
	if b.known[name] {
		return
	}
	b.known[name] = true
	b.undef = append(b.undef, symbol{name: name, sec: secUndef, global: true, fn: true})
}

// referData records an undefined data symbol, such as an imported global.
func (b *builder) referData(name string) {
	if b.known[name] {
		return
	}
	b.known[name] = true
	b.undef = append(b.undef, symbol{name: name, sec: secUndef, global: true})
}

func (b *builder) reloc(sec secID, off uint64, name string, kind compiler.RelocKind, addend int64) {
	b.secs[sec].relocs = append(b.secs[sec].relocs, relocation{offset: off, name: name, kind: kind, addend: addend})
}

// pointer emits a zero quadword patched by an Abs64 relocation, or a null
// pointer when name is empty.
func (b *builder) pointer(sec secID, at int, name string, addend int64) {
	if name == "" {
		return
	}
	b.reloc(sec, uint64(at), name, compiler.RelocAbs64, addend)
}

// funcSymbol names the code of a function index: the body of a defined
// function or the host implementation of an import.
func (b *builder) funcSymbol(idx uint32) string {
	if idx < b.cm.NumImportedFuncs {
		name := b.cm.Imports[idx].Symbol
		b.refer(name)
		return name
	}
	return b.names.Func(idx)
}

// layout builds the object for a compiled module.
func layout(cm *compiler.CompiledModule, prefix symbols.Prefix, t target.Target, m Manifest) (*object, error) {
	b := &builder{cm: cm, names: symbols.NewTable(prefix), known: make(map[string]bool)}
	if err := b.code(t); err != nil {
		return nil, errors.ObjectFormat(t.ObjectFormat().String(), "%v", err)
	}
	strs := b.rodata()
	b.meta(strs)
	b.descriptor(strs)

	note, err := m.encode()
	if err != nil {
		return nil, errors.ObjectFormat(t.ObjectFormat().String(), "encode manifest: %v", err)
	}
	b.secs[secNote].data = note

	o := &object{target: t, sections: b.secs, manifest: m}
	o.syms = append(o.syms, b.locals...)
	o.syms = append(o.syms, b.globals...)
	o.syms = append(o.syms, b.undef...)
	index := make(map[string]int, len(o.syms))
	for i := range o.syms {
		index[o.syms[i].name] = i
	}
	for s := range o.sections {
		for i := range o.sections[s].relocs {
			r := &o.sections[s].relocs[i]
			idx, ok := index[r.name]
			if !ok {
				return nil, errors.ObjectFormat(t.ObjectFormat().String(), "relocation against unknown symbol %q", r.name)
			}
			r.sym = idx
		}
	}
	return o, nil
}

func (b *builder) code(t target.Target) error {
	fill := byte(0xCC) // int3
	if t.Arch == target.ArchARM64 {
		fill = 0
	}
	sec := &b.secs[secCode]
	b.funcAt = make([]uint64, len(b.cm.Functions))
	for i := range b.cm.Functions {
		fn := &b.cm.Functions[i]
		b.pad(secCode, compiler.CodeAlign, fill)
		start := len(sec.data)
		b.funcAt[i] = uint64(start)
		sec.data = append(sec.data, fn.Code...)
		b.define(symbol{name: b.names.Func(fn.Index), sec: secCode, value: uint64(start), size: uint64(len(fn.Code)), fn: true})

		for _, r := range fn.Relocs {
			var name string
			switch r.Target.Kind {
			case compiler.SymbolFunc:
				if r.Target.Index < b.cm.NumImportedFuncs {
					return fmt.Errorf("function %d calls import %d as a local function", fn.Index, r.Target.Index)
				}
				name = b.names.Func(r.Target.Index)
			case compiler.SymbolImport:
				if int(r.Target.Index) >= len(b.cm.Imports) {
					return fmt.Errorf("function %d calls unknown import %d", fn.Index, r.Target.Index)
				}
				name = b.cm.Imports[r.Target.Index].Symbol
				b.refer(name)
			default:
				name = r.Target.Name
				b.refer(name)
			}
			b.reloc(secCode, uint64(start)+uint64(r.Offset), name, r.Kind, r.Addend)
		}
	}
	for _, e := range b.cm.Exports {
		pos, ok := b.cm.FuncIndexOf(e.Index)
		if e.Kind != wasm.KindFunc || !ok {
			continue
		}
		fn := &b.cm.Functions[pos]
		sym := b.names.Export(e.Name)
		if b.known[sym] {
			continue
		}
		b.define(symbol{name: sym, sec: secCode, value: b.funcAt[pos], size: uint64(len(fn.Code)), global: true, fn: true})
	}
	return nil
}

// rodataStrings records where each string landed in .wasmrodata.
type rodataStrings struct {
	globals  int
	segments []int
	name     int
	exports  []int
	imports  [][2]int
}

func (b *builder) cstring(s string) int {
	sec := &b.secs[secRodata]
	at := len(sec.data)
	sec.data = append(sec.data, s...)
	sec.data = append(sec.data, 0)
	return at
}

func (b *builder) rodata() rodataStrings {
	var r rodataStrings
	sec := &b.secs[secRodata]
	self := len(b.locals)
	b.define(symbol{name: b.names.Meta(symbols.LocalRodata), sec: secRodata})

	r.globals = len(sec.data)
	for _, g := range b.cm.Globals {
		sec.data = binary.LittleEndian.AppendUint64(sec.data, g.Init)
	}
	if len(b.cm.Globals) > 0 {
		b.define(symbol{name: b.names.Meta(symbols.LocalGlobals), sec: secRodata, value: uint64(r.globals), size: uint64(8 * len(b.cm.Globals))})
	}
	for _, s := range b.cm.Segments {
		b.pad(secRodata, 8, 0)
		r.segments = append(r.segments, len(sec.data))
		sec.data = append(sec.data, s.Data...)
	}
	r.name = b.cstring(string(b.names.Prefix))
	for _, e := range b.cm.Exports {
		r.exports = append(r.exports, b.cstring(e.Name))
	}
	for _, imp := range b.cm.Imports {
		r.imports = append(r.imports, [2]int{b.cstring(imp.Module), b.cstring(imp.Name)})
	}
	if len(sec.data) == 0 {
		sec.data = append(sec.data, 0)
	}
	b.locals[self].size = uint64(len(sec.data))
	return r
}

// table appends n records of size bytes to .wasmmeta and defines a local
// symbol for them. It returns the offset of the first record, or -1 when
// there is nothing to emit.
func (b *builder) table(local string, n, size int) int {
	if n == 0 {
		return -1
	}
	b.pad(secMeta, 8, 0)
	sec := &b.secs[secMeta]
	at := len(sec.data)
	sec.data = append(sec.data, make([]byte, n*size)...)
	b.define(symbol{name: b.names.Meta(local), sec: secMeta, value: uint64(at), size: uint64(n * size)})
	return at
}

// tableOffsets are the .wasmmeta offsets of each table, -1 when absent.
type tableOffsets struct {
	funcs, traps, stackMaps, exports, imports, segments, elems, inits int
}

// globalInits lists the globals whose value is only known at
// instantiation, in index order.
func globalInits(cm *compiler.CompiledModule) []uint32 {
	var out []uint32
	for i := range cm.Globals {
		g := &cm.Globals[i]
		if g.Import != nil || g.From != nil {
			out = append(out, uint32(i))
		}
	}
	return out
}

func optIndex(p *uint32) uint32 {
	if p == nil {
		return noIndex
	}
	return *p
}

func (b *builder) meta(strs rodataStrings) {
	var nTraps, nMaps int
	for i := range b.cm.Functions {
		nTraps += len(b.cm.Functions[i].Traps)
		nMaps += len(b.cm.Functions[i].StackMaps)
	}
	rodata := b.names.Meta(symbols.LocalRodata)
	inits := globalInits(b.cm)
	t := tableOffsets{
		funcs:     b.table(symbols.LocalFuncs, len(b.cm.Functions), funcRecordSize),
		traps:     b.table(symbols.LocalTraps, nTraps, trapRecordSize),
		stackMaps: b.table(symbols.LocalStackMaps, nMaps, stackMapRecordSize),
		exports:   b.table(symbols.LocalExports, len(b.cm.Exports), exportRecordSize),
		imports:   b.table(symbols.LocalImports, len(b.cm.Imports), importRecordSize),
		segments:  b.table(symbols.LocalSegments, len(b.cm.Segments), segmentRecordSize),
		elems:     b.table(symbols.LocalElems, len(b.cm.Elements), elemRecordSize),
		inits:     b.table(symbols.LocalGlobalInits, len(inits), initRecordSize),
	}
	d := b.secs[secMeta].data
	le := binary.LittleEndian

	trap, smap := 0, 0
	for i := range b.cm.Functions {
		fn := &b.cm.Functions[i]
		at := t.funcs + i*funcRecordSize
		b.pointer(secMeta, at, b.names.Func(fn.Index), 0)
		le.PutUint32(d[at+8:], fn.Index)
		le.PutUint32(d[at+12:], fn.TypeID)
		le.PutUint32(d[at+16:], uint32(len(fn.Code)))
		le.PutUint32(d[at+20:], fn.FrameSize)
		le.PutUint32(d[at+24:], uint32(trap))
		le.PutUint32(d[at+28:], uint32(len(fn.Traps)))
		le.PutUint32(d[at+32:], uint32(smap))
		le.PutUint32(d[at+36:], uint32(len(fn.StackMaps)))
		for _, tr := range fn.Traps {
			p := t.traps + trap*trapRecordSize
			le.PutUint32(d[p:], tr.NativeOffset)
			le.PutUint32(d[p+4:], tr.WasmOffset)
			le.PutUint32(d[p+8:], uint32(tr.Code))
			le.PutUint32(d[p+12:], fn.Index)
			trap++
		}
		for _, sm := range fn.StackMaps {
			p := t.stackMaps + smap*stackMapRecordSize
			le.PutUint32(d[p:], sm.NativeOffset)
			le.PutUint32(d[p+4:], sm.WasmOffset)
			le.PutUint32(d[p+8:], sm.StackHeight)
			le.PutUint32(d[p+12:], sm.FrameSize)
			smap++
		}
	}
	for i, e := range b.cm.Exports {
		at := t.exports + i*exportRecordSize
		b.pointer(secMeta, at, rodata, int64(strs.exports[i]))
		le.PutUint32(d[at+8:], uint32(e.Kind))
		le.PutUint32(d[at+12:], e.Index)
		if e.Kind == wasm.KindFunc {
			b.pointer(secMeta, at+16, b.funcSymbol(e.Index), 0)
		}
	}
	for i := range b.cm.Imports {
		at := t.imports + i*importRecordSize
		b.pointer(secMeta, at, rodata, int64(strs.imports[i][0]))
		b.pointer(secMeta, at+8, rodata, int64(strs.imports[i][1]))
		b.pointer(secMeta, at+16, b.funcSymbol(uint32(i)), 0)
	}
	for i, s := range b.cm.Segments {
		at := t.segments + i*segmentRecordSize
		b.pointer(secMeta, at, rodata, int64(strs.segments[i]))
		le.PutUint32(d[at+8:], s.Offset)
		le.PutUint32(d[at+12:], uint32(len(s.Data)))
		le.PutUint32(d[at+16:], optIndex(s.Base))
	}
	for i, el := range b.cm.Elements {
		at := t.elems + i*elemRecordSize
		b.pointer(secMeta, at, b.funcSymbol(el.FuncIndex), 0)
		le.PutUint32(d[at+8:], el.TableIndex)
		le.PutUint32(d[at+12:], el.TypeID)
		le.PutUint32(d[at+16:], optIndex(el.Base))
	}
	for i, idx := range inits {
		at := t.inits + i*initRecordSize
		g := &b.cm.Globals[idx]
		if g.Import != nil {
			b.referData(g.Import.Symbol)
			b.pointer(secMeta, at, g.Import.Symbol, 0)
		}
		le.PutUint32(d[at+8:], idx)
		le.PutUint32(d[at+12:], optIndex(g.From))
	}
	b.tables = t
	b.counts = [2]int{nTraps, nMaps}
}

func (b *builder) descriptor(strs rodataStrings) {
	d := make([]byte, DescriptorSize)
	le := binary.LittleEndian
	cm := b.cm
	rodata := b.names.Meta(symbols.LocalRodata)
	meta := func(at, off int, local string) {
		if off >= 0 {
			b.pointer(secDesc, at, b.names.Meta(local), 0)
		}
	}

	var flags uint32
	if cm.Memory != nil {
		flags |= FlagMemory
		le.PutUint32(d[descMemMin:], uint32(cm.Memory.MinPages))
		maxP := uint64(maxPages)
		if cm.Memory.Max != nil {
			flags |= FlagMemoryMax
			maxP = min(*cm.Memory.Max, maxPages)
		}
		le.PutUint32(d[descMemMax:], uint32(maxP))
	}
	if cm.Table != nil {
		flags |= FlagTable
		le.PutUint32(d[descTableMin:], uint32(cm.Table.Min))
		maxT := uint64(^uint32(0))
		if cm.Table.Max != nil {
			flags |= FlagTableMax
			maxT = min(*cm.Table.Max, maxT)
		}
		le.PutUint32(d[descTableMax:], uint32(maxT))
	}
	if cm.Entry != nil {
		if sig := b.signature(cm.Entry.Index); sig != nil && len(sig.Results) == 1 {
			flags |= FlagEntryResult
		}
	}

	le.PutUint32(d[0:], ABIVersion)
	le.PutUint32(d[descFlags:], flags)
	b.pointer(secDesc, descName, rodata, int64(strs.name))
	le.PutUint32(d[descNumFuncs:], uint32(len(cm.Functions)))
	le.PutUint32(d[descNumImported:], cm.NumImportedFuncs)
	meta(descFuncs, b.tables.funcs, symbols.LocalFuncs)
	le.PutUint32(d[descNumImports:], uint32(len(cm.Imports)))
	le.PutUint32(d[descNumExports:], uint32(len(cm.Exports)))
	meta(descImports, b.tables.imports, symbols.LocalImports)
	meta(descExports, b.tables.exports, symbols.LocalExports)
	le.PutUint32(d[descNumGlobals:], uint32(len(cm.Globals)))
	le.PutUint32(d[descNumSegments:], uint32(len(cm.Segments)))
	if len(cm.Globals) > 0 {
		b.pointer(secDesc, descGlobals, rodata, int64(strs.globals))
	}
	meta(descSegments, b.tables.segments, symbols.LocalSegments)
	le.PutUint32(d[descNumElems:], uint32(len(cm.Elements)))
	le.PutUint32(d[descNumTraps:], uint32(b.counts[0]))
	meta(descElems, b.tables.elems, symbols.LocalElems)
	meta(descTraps, b.tables.traps, symbols.LocalTraps)
	if cm.Start != nil {
		b.pointer(secDesc, descStart, b.funcSymbol(*cm.Start), 0)
	}
	if cm.Entry != nil {
		b.pointer(secDesc, descEntry, b.funcSymbol(cm.Entry.Index), 0)
	}
	le.PutUint32(d[descNumStackMaps:], uint32(b.counts[1]))
	meta(descStackMaps, b.tables.stackMaps, symbols.LocalStackMaps)
	le.PutUint32(d[descNumInits:], uint32(len(globalInits(cm))))
	meta(descGlobalInits, b.tables.inits, symbols.LocalGlobalInits)

	b.secs[secDesc].data = d
	b.define(symbol{name: b.names.Descriptor(), sec: secDesc, size: DescriptorSize, global: true})
}

func (b *builder) signature(funcIdx uint32) *wasm.FuncType {
	if funcIdx < b.cm.NumImportedFuncs {
		return &b.cm.Imports[funcIdx].Signature
	}
	pos, ok := b.cm.FuncIndexOf(funcIdx)
	if !ok {
		return nil
	}
	return &b.cm.Functions[pos].Signature
}

// u32 narrows a file offset or size, failing with an object format error
// when it does not fit the 32-bit fields of the format.
func u32(format string, what string, v int) (uint32, error) {
	n, err := safecast.Conv[uint32](v)
	if err != nil {
		return 0, errors.ObjectFormat(format, "%s of %d does not fit in 32 bits", what, v)
	}
	return n, nil
}
