package wasm

import (
	"github.com/wippyai/wasm-aot/wasm/internal/binary"
)

// Encode serializes the module to the WebAssembly binary format.
// Sections are emitted in canonical order; custom sections go last.
func (m *Module) Encode() []byte {
	w := binary.NewWriter()
	w.Fixed32(Magic)
	w.Fixed32(Version)

	section := func(id byte, body func(*binary.Writer)) {
		sw := binary.NewWriter()
		body(sw)
		w.Byte(id)
		w.Vec(sw.Bytes())
	}

	if len(m.Types) > 0 {
		section(SectionType, func(sw *binary.Writer) {
			sw.U32(uint32(len(m.Types)))
			for _, t := range m.Types {
				sw.Byte(FuncTypeForm)
				writeValTypes(sw, t.Params)
				writeValTypes(sw, t.Results)
			}
		})
	}
	if len(m.Imports) > 0 {
		section(SectionImport, func(sw *binary.Writer) {
			sw.U32(uint32(len(m.Imports)))
			for _, imp := range m.Imports {
				sw.Name(imp.Module)
				sw.Name(imp.Name)
				sw.Byte(imp.Desc.Kind)
				switch imp.Desc.Kind {
				case KindFunc:
					sw.U32(imp.Desc.TypeIdx)
				case KindTable:
					writeTableType(sw, *imp.Desc.Table)
				case KindMemory:
					writeLimits(sw, imp.Desc.Memory.Limits)
				case KindGlobal:
					writeGlobalType(sw, *imp.Desc.Global)
				}
			}
		})
	}
	if len(m.Funcs) > 0 {
		section(SectionFunction, func(sw *binary.Writer) {
			sw.U32(uint32(len(m.Funcs)))
			for _, idx := range m.Funcs {
				sw.U32(idx)
			}
		})
	}
	if len(m.Tables) > 0 {
		section(SectionTable, func(sw *binary.Writer) {
			sw.U32(uint32(len(m.Tables)))
			for _, t := range m.Tables {
				writeTableType(sw, t)
			}
		})
	}
	if len(m.Memories) > 0 {
		section(SectionMemory, func(sw *binary.Writer) {
			sw.U32(uint32(len(m.Memories)))
			for _, mem := range m.Memories {
				writeLimits(sw, mem.Limits)
			}
		})
	}
	if len(m.Globals) > 0 {
		section(SectionGlobal, func(sw *binary.Writer) {
			sw.U32(uint32(len(m.Globals)))
			for _, g := range m.Globals {
				writeGlobalType(sw, g.Type)
				sw.Raw(g.Init)
			}
		})
	}
	if len(m.Exports) > 0 {
		section(SectionExport, func(sw *binary.Writer) {
			sw.U32(uint32(len(m.Exports)))
			for _, e := range m.Exports {
				sw.Name(e.Name)
				sw.Byte(e.Kind)
				sw.U32(e.Idx)
			}
		})
	}
	if m.Start != nil {
		section(SectionStart, func(sw *binary.Writer) {
			sw.U32(*m.Start)
		})
	}
	if len(m.Elements) > 0 {
		section(SectionElement, func(sw *binary.Writer) {
			sw.U32(uint32(len(m.Elements)))
			for _, el := range m.Elements {
				writeElement(sw, el)
			}
		})
	}
	if m.DataCount != nil {
		section(SectionDataCount, func(sw *binary.Writer) {
			sw.U32(*m.DataCount)
		})
	}
	if len(m.Code) > 0 {
		section(SectionCode, func(sw *binary.Writer) {
			sw.U32(uint32(len(m.Code)))
			for _, body := range m.Code {
				bw := binary.NewWriter()
				bw.U32(uint32(len(body.Locals)))
				for _, l := range body.Locals {
					bw.U32(l.Count)
					bw.Byte(byte(l.ValType))
				}
				bw.Raw(body.Code)
				sw.Vec(bw.Bytes())
			}
		})
	}
	if len(m.Data) > 0 {
		section(SectionData, func(sw *binary.Writer) {
			sw.U32(uint32(len(m.Data)))
			for _, d := range m.Data {
				sw.U32(d.Flags)
				if d.Flags == 2 {
					sw.U32(d.MemIdx)
				}
				if d.Flags != 1 {
					sw.Raw(d.Offset)
				}
				sw.Vec(d.Init)
			}
		})
	}
	for _, cs := range m.CustomSections {
		section(SectionCustom, func(sw *binary.Writer) {
			sw.Name(cs.Name)
			sw.Raw(cs.Data)
		})
	}
	return w.Bytes()
}

func writeValTypes(w *binary.Writer, types []ValType) {
	w.U32(uint32(len(types)))
	for _, t := range types {
		w.Byte(byte(t))
	}
}

func writeLimits(w *binary.Writer, l Limits) {
	var flags byte
	if l.Max != nil {
		flags |= 0x01
	}
	if l.Shared {
		flags |= 0x02
	}
	if l.Memory64 {
		flags |= 0x04
	}
	w.Byte(flags)
	w.U64(l.Min)
	if l.Max != nil {
		w.U64(*l.Max)
	}
}

func writeTableType(w *binary.Writer, t TableType) {
	w.Byte(byte(t.ElemType))
	writeLimits(w, t.Limits)
}

func writeGlobalType(w *binary.Writer, g GlobalType) {
	w.Byte(byte(g.ValType))
	if g.Mutable {
		w.Byte(1)
	} else {
		w.Byte(0)
	}
}

// writeElement always uses the function-index encodings (flags 0-3), so
// ref.null entries force the expression form.
func writeElement(w *binary.Writer, el Element) {
	hasNull := false
	for _, idx := range el.FuncIdxs {
		if idx == NullFunc {
			hasNull = true
		}
	}
	flags := el.Flags &^ 0x04
	if hasNull {
		flags |= 0x04
	}
	if flags&0x03 == 0 && el.TableIdx != 0 {
		flags |= 0x02
	}
	w.U32(flags)
	if flags&0x02 != 0 && flags&0x01 == 0 {
		w.U32(el.TableIdx)
	}
	if flags&0x01 == 0 {
		w.Raw(el.Offset)
	}
	if flags&0x03 != 0 {
		if flags&0x04 != 0 {
			w.Byte(byte(ValFuncRef))
		} else {
			w.Byte(0x00)
		}
	}
	w.U32(uint32(len(el.FuncIdxs)))
	for _, idx := range el.FuncIdxs {
		switch {
		case flags&0x04 == 0:
			w.U32(idx)
		case idx == NullFunc:
			w.Byte(OpRefNull)
			w.Byte(byte(ValFuncRef))
			w.Byte(OpEnd)
		default:
			w.Byte(OpRefFunc)
			w.U32(idx)
			w.Byte(OpEnd)
		}
	}
}
