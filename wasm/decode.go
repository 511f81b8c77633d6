package wasm

import (
	"errors"
	"fmt"

	"github.com/wippyai/wasm-aot/wasm/internal/binary"
)

// Parsing errors returned by ParseModule.
var (
	ErrInvalidMagic   = errors.New("invalid wasm magic number")
	ErrInvalidVersion = errors.New("invalid wasm version")
)

// ParseModule parses a WebAssembly core module binary
func ParseModule(data []byte) (*Module, error) {
	r := binary.NewReader(data, 0)

	magic, err := r.ReadU32LE()
	if err != nil {
		return nil, r.WrapError("header", err)
	}
	if magic != Magic {
		return nil, ErrInvalidMagic
	}
	version, err := r.ReadU32LE()
	if err != nil {
		return nil, r.WrapError("header", err)
	}
	if version != Version {
		return nil, ErrInvalidVersion
	}

	m := &Module{}
	var lastSectionOrder int

	for r.Len() > 0 {
		sectionID, err := r.ReadByte()
		if err != nil {
			return nil, r.WrapError("section header", err)
		}

		if sectionID != SectionCustom {
			order := sectionOrder(sectionID)
			if order <= lastSectionOrder {
				return nil, fmt.Errorf("section %d appears out of order", sectionID)
			}
			lastSectionOrder = order
		}

		size, err := r.ReadU32()
		if err != nil {
			return nil, r.WrapError("section size", err)
		}
		sr, err := r.Sub(int(size))
		if err != nil {
			return nil, r.WrapError("section data", err)
		}

		var parse func(*binary.Reader, *Module) error
		var name string
		switch sectionID {
		case SectionCustom:
			parse, name = parseCustomSection, "custom section"
		case SectionType:
			parse, name = parseTypeSection, "type section"
		case SectionImport:
			parse, name = parseImportSection, "import section"
		case SectionFunction:
			parse, name = parseFunctionSection, "function section"
		case SectionTable:
			parse, name = parseTableSection, "table section"
		case SectionMemory:
			parse, name = parseMemorySection, "memory section"
		case SectionGlobal:
			parse, name = parseGlobalSection, "global section"
		case SectionExport:
			parse, name = parseExportSection, "export section"
		case SectionStart:
			parse, name = parseStartSection, "start section"
		case SectionElement:
			parse, name = parseElementSection, "element section"
		case SectionCode:
			parse, name = parseCodeSection, "code section"
		case SectionData:
			parse, name = parseDataSection, "data section"
		case SectionDataCount:
			parse, name = parseDataCountSection, "data count section"
		default:
			return nil, fmt.Errorf("unknown section ID: 0x%02x", sectionID)
		}
		if err := parse(sr, m); err != nil {
			return nil, fmt.Errorf("%s: %w", name, err)
		}
		if sr.Len() != 0 && sectionID != SectionCustom {
			return nil, fmt.Errorf("%s: %d trailing bytes", name, sr.Len())
		}
	}

	if len(m.Funcs) != len(m.Code) {
		return nil, fmt.Errorf("function and code section counts differ: %d vs %d", len(m.Funcs), len(m.Code))
	}
	return m, nil
}

// sectionOrder returns the canonical ordering for a section ID.
func sectionOrder(id byte) int {
	switch id {
	case SectionType:
		return 1
	case SectionImport:
		return 2
	case SectionFunction:
		return 3
	case SectionTable:
		return 4
	case SectionMemory:
		return 5
	case SectionGlobal:
		return 6
	case SectionExport:
		return 7
	case SectionStart:
		return 8
	case SectionElement:
		return 9
	case SectionDataCount:
		return 10
	case SectionCode:
		return 11
	case SectionData:
		return 12
	default:
		return 100
	}
}

func readCount(r *binary.Reader) (int, error) {
	n, err := r.ReadU32()
	if err != nil {
		return 0, err
	}
	// Every entry takes at least one byte.
	if int(n) > r.Len() {
		return 0, fmt.Errorf("count %d exceeds section size", n)
	}
	return int(n), nil
}

func parseCustomSection(r *binary.Reader, m *Module) error {
	name, err := r.ReadName()
	if err != nil {
		return err
	}
	m.CustomSections = append(m.CustomSections, CustomSection{
		Name: name,
		Data: r.ReadRemaining(),
	})
	return nil
}

func parseTypeSection(r *binary.Reader, m *Module) error {
	count, err := readCount(r)
	if err != nil {
		return err
	}
	m.Types = make([]FuncType, 0, count)
	for i := 0; i < count; i++ {
		form, err := r.ReadByte()
		if err != nil {
			return err
		}
		if form != FuncTypeForm {
			return fmt.Errorf("type %d: unsupported type form 0x%02x", i, form)
		}
		params, err := readValTypes(r)
		if err != nil {
			return fmt.Errorf("type %d params: %w", i, err)
		}
		results, err := readValTypes(r)
		if err != nil {
			return fmt.Errorf("type %d results: %w", i, err)
		}
		m.Types = append(m.Types, FuncType{Params: params, Results: results})
	}
	return nil
}

func readValTypes(r *binary.Reader) ([]ValType, error) {
	n, err := readCount(r)
	if err != nil {
		return nil, err
	}
	types := make([]ValType, n)
	for i := range types {
		t, err := readValType(r)
		if err != nil {
			return nil, err
		}
		types[i] = t
	}
	return types, nil
}

func readValType(r *binary.Reader) (ValType, error) {
	b, err := r.ReadByte()
	if err != nil {
		return 0, err
	}
	switch t := ValType(b); t {
	case ValI32, ValI64, ValF32, ValF64, ValV128, ValFuncRef, ValExtern:
		return t, nil
	default:
		return 0, fmt.Errorf("invalid value type 0x%02x", b)
	}
}

func readLimits(r *binary.Reader) (Limits, error) {
	flags, err := r.ReadByte()
	if err != nil {
		return Limits{}, err
	}
	if flags > 0x07 {
		return Limits{}, fmt.Errorf("invalid limits flags 0x%02x", flags)
	}
	l := Limits{Shared: flags&0x02 != 0, Memory64: flags&0x04 != 0}
	if l.Min, err = r.ReadU64(); err != nil {
		return l, err
	}
	if flags&0x01 != 0 {
		max, err := r.ReadU64()
		if err != nil {
			return l, err
		}
		l.Max = &max
	}
	return l, nil
}

func readTableType(r *binary.Reader) (TableType, error) {
	et, err := readValType(r)
	if err != nil {
		return TableType{}, err
	}
	if et != ValFuncRef && et != ValExtern {
		return TableType{}, fmt.Errorf("invalid table element type %s", et)
	}
	limits, err := readLimits(r)
	if err != nil {
		return TableType{}, err
	}
	return TableType{ElemType: et, Limits: limits}, nil
}

func readGlobalType(r *binary.Reader) (GlobalType, error) {
	vt, err := readValType(r)
	if err != nil {
		return GlobalType{}, err
	}
	mut, err := r.ReadByte()
	if err != nil {
		return GlobalType{}, err
	}
	if mut > 1 {
		return GlobalType{}, fmt.Errorf("invalid global mutability 0x%02x", mut)
	}
	return GlobalType{ValType: vt, Mutable: mut == 1}, nil
}

func parseImportSection(r *binary.Reader, m *Module) error {
	count, err := readCount(r)
	if err != nil {
		return err
	}
	for i := 0; i < count; i++ {
		var imp Import
		if imp.Module, err = r.ReadName(); err != nil {
			return err
		}
		if imp.Name, err = r.ReadName(); err != nil {
			return err
		}
		if imp.Desc.Kind, err = r.ReadByte(); err != nil {
			return err
		}
		switch imp.Desc.Kind {
		case KindFunc:
			if imp.Desc.TypeIdx, err = r.ReadU32(); err != nil {
				return err
			}
		case KindTable:
			tt, err := readTableType(r)
			if err != nil {
				return err
			}
			imp.Desc.Table = &tt
		case KindMemory:
			l, err := readLimits(r)
			if err != nil {
				return err
			}
			imp.Desc.Memory = &MemoryType{Limits: l}
		case KindGlobal:
			gt, err := readGlobalType(r)
			if err != nil {
				return err
			}
			imp.Desc.Global = &gt
		default:
			return fmt.Errorf("import %d: invalid kind 0x%02x", i, imp.Desc.Kind)
		}
		m.Imports = append(m.Imports, imp)
	}
	return nil
}

func parseFunctionSection(r *binary.Reader, m *Module) error {
	count, err := readCount(r)
	if err != nil {
		return err
	}
	m.Funcs = make([]uint32, count)
	for i := range m.Funcs {
		if m.Funcs[i], err = r.ReadU32(); err != nil {
			return err
		}
	}
	return nil
}

func parseTableSection(r *binary.Reader, m *Module) error {
	count, err := readCount(r)
	if err != nil {
		return err
	}
	for i := 0; i < count; i++ {
		tt, err := readTableType(r)
		if err != nil {
			return err
		}
		m.Tables = append(m.Tables, tt)
	}
	return nil
}

func parseMemorySection(r *binary.Reader, m *Module) error {
	count, err := readCount(r)
	if err != nil {
		return err
	}
	for i := 0; i < count; i++ {
		l, err := readLimits(r)
		if err != nil {
			return err
		}
		m.Memories = append(m.Memories, MemoryType{Limits: l})
	}
	return nil
}

func parseGlobalSection(r *binary.Reader, m *Module) error {
	count, err := readCount(r)
	if err != nil {
		return err
	}
	for i := 0; i < count; i++ {
		gt, err := readGlobalType(r)
		if err != nil {
			return err
		}
		init, err := readConstExpr(r)
		if err != nil {
			return fmt.Errorf("global %d init: %w", i, err)
		}
		m.Globals = append(m.Globals, Global{Type: gt, Init: init})
	}
	return nil
}

func parseExportSection(r *binary.Reader, m *Module) error {
	count, err := readCount(r)
	if err != nil {
		return err
	}
	for i := 0; i < count; i++ {
		var e Export
		if e.Name, err = r.ReadName(); err != nil {
			return err
		}
		if e.Kind, err = r.ReadByte(); err != nil {
			return err
		}
		if e.Kind > KindGlobal {
			return fmt.Errorf("export %q: invalid kind 0x%02x", e.Name, e.Kind)
		}
		if e.Idx, err = r.ReadU32(); err != nil {
			return err
		}
		m.Exports = append(m.Exports, e)
	}
	return nil
}

func parseStartSection(r *binary.Reader, m *Module) error {
	idx, err := r.ReadU32()
	if err != nil {
		return err
	}
	m.Start = &idx
	return nil
}

func parseElementSection(r *binary.Reader, m *Module) error {
	count, err := readCount(r)
	if err != nil {
		return err
	}
	for i := 0; i < count; i++ {
		el, err := readElement(r)
		if err != nil {
			return fmt.Errorf("element %d: %w", i, err)
		}
		m.Elements = append(m.Elements, el)
	}
	return nil
}

func readElement(r *binary.Reader) (Element, error) {
	flags, err := r.ReadU32()
	if err != nil {
		return Element{}, err
	}
	if flags > 7 {
		return Element{}, fmt.Errorf("invalid element flags %d", flags)
	}
	el := Element{Flags: flags, Type: ValFuncRef}

	if flags&0x02 != 0 && flags&0x01 == 0 {
		if el.TableIdx, err = r.ReadU32(); err != nil {
			return el, err
		}
	}
	if flags&0x01 == 0 {
		if el.Offset, err = readConstExpr(r); err != nil {
			return el, err
		}
	}
	usesExprs := flags&0x04 != 0
	if flags&0x03 != 0 {
		b, err := r.ReadByte()
		if err != nil {
			return el, err
		}
		if usesExprs {
			el.Type = ValType(b)
		} else if b != 0x00 {
			return el, fmt.Errorf("invalid element kind 0x%02x", b)
		}
	}

	n, err := readCount(r)
	if err != nil {
		return el, err
	}
	el.FuncIdxs = make([]uint32, n)
	for j := range el.FuncIdxs {
		if !usesExprs {
			if el.FuncIdxs[j], err = r.ReadU32(); err != nil {
				return el, err
			}
			continue
		}
		expr, err := readConstExpr(r)
		if err != nil {
			return el, err
		}
		idx, err := elementExprFunc(expr)
		if err != nil {
			return el, err
		}
		el.FuncIdxs[j] = idx
	}
	return el, nil
}

// elementExprFunc reduces a ref.func or ref.null element expression.
func elementExprFunc(expr []byte) (uint32, error) {
	instrs, err := DecodeInstructions(expr)
	if err != nil {
		return 0, err
	}
	if len(instrs) != 2 || instrs[1].Opcode != OpEnd {
		return 0, errors.New("unsupported element expression")
	}
	switch imm := instrs[0].Imm.(type) {
	case RefFuncImm:
		return imm.FuncIdx, nil
	case RefNullImm:
		return NullFunc, nil
	default:
		return 0, errors.New("unsupported element expression")
	}
}

func parseCodeSection(r *binary.Reader, m *Module) error {
	count, err := readCount(r)
	if err != nil {
		return err
	}
	m.Code = make([]FuncBody, 0, count)
	for i := 0; i < count; i++ {
		size, err := r.ReadU32()
		if err != nil {
			return err
		}
		br, err := r.Sub(int(size))
		if err != nil {
			return fmt.Errorf("body %d: %w", i, err)
		}
		body, err := readFuncBody(br)
		if err != nil {
			return fmt.Errorf("body %d: %w", i, err)
		}
		m.Code = append(m.Code, body)
	}
	return nil
}

func readFuncBody(r *binary.Reader) (FuncBody, error) {
	groups, err := readCount(r)
	if err != nil {
		return FuncBody{}, err
	}
	var body FuncBody
	var total uint64
	for j := 0; j < groups; j++ {
		n, err := r.ReadU32()
		if err != nil {
			return body, err
		}
		total += uint64(n)
		if total > 50000 {
			return body, fmt.Errorf("too many locals: %d", total)
		}
		vt, err := readValType(r)
		if err != nil {
			return body, err
		}
		body.Locals = append(body.Locals, LocalEntry{Count: n, ValType: vt})
	}
	body.Offset = r.Position()
	body.Code = r.ReadRemaining()
	if len(body.Code) == 0 || body.Code[len(body.Code)-1] != OpEnd {
		return body, errors.New("function body does not end with end opcode")
	}
	return body, nil
}

func parseDataSection(r *binary.Reader, m *Module) error {
	count, err := readCount(r)
	if err != nil {
		return err
	}
	for i := 0; i < count; i++ {
		flags, err := r.ReadU32()
		if err != nil {
			return err
		}
		seg := DataSegment{Flags: flags}
		switch flags {
		case 0:
		case 1:
		case 2:
			if seg.MemIdx, err = r.ReadU32(); err != nil {
				return err
			}
		default:
			return fmt.Errorf("data %d: invalid flags %d", i, flags)
		}
		if flags != 1 {
			if seg.Offset, err = readConstExpr(r); err != nil {
				return fmt.Errorf("data %d offset: %w", i, err)
			}
		}
		n, err := r.ReadU32()
		if err != nil {
			return err
		}
		if seg.Init, err = r.ReadBytes(int(n)); err != nil {
			return fmt.Errorf("data %d: %w", i, err)
		}
		m.Data = append(m.Data, seg)
	}
	if m.DataCount != nil && int(*m.DataCount) != len(m.Data) {
		return fmt.Errorf("data count %d does not match %d segments", *m.DataCount, len(m.Data))
	}
	return nil
}

func parseDataCountSection(r *binary.Reader, m *Module) error {
	n, err := r.ReadU32()
	if err != nil {
		return err
	}
	m.DataCount = &n
	return nil
}

// readConstExpr reads a constant expression up to and including its end.
func readConstExpr(r *binary.Reader) ([]byte, error) {
	start := r.Position()
	for {
		instr, err := decodeInstruction(r)
		if err != nil {
			return nil, err
		}
		switch instr.Opcode {
		case OpEnd:
			return r.Since(start), nil
		case OpI32Const, OpI64Const, OpF32Const, OpF64Const, OpGlobalGet, OpRefNull, OpRefFunc,
			OpI32Add, OpI32Sub, OpI32Mul, OpI64Add, OpI64Sub, OpI64Mul:
		default:
			return nil, fmt.Errorf("opcode 0x%02x not allowed in constant expression", instr.Opcode)
		}
	}
}
