package object

import (
	"bytes"
	"debug/pe"
	"encoding/binary"
	"strconv"

	"github.com/wippyai/wasm-aot/compiler"
	"github.com/wippyai/wasm-aot/errors"
	"github.com/wippyai/wasm-aot/target"
)

// COFF constants debug/pe does not export.
const (
	relAMD64Addr64   = 0x0001
	relAMD64Rel32    = 0x0004
	relARM64Branch26 = 0x0003
	relARM64Addr64   = 0x000E
	coffMaxRelocs    = 0xFFFF
	coffSymbolSize   = 18
	coffSectionSize  = 40
	coffFileHdrSize  = 20
	coffSymClassExt  = 2
	coffSymClassStat = 3
	coffSymTypeFunc  = 0x20
	coffScnLnkInfo   = 0x00000200
	coffScnLnkRemove = 0x00000800
	coffScnAlign1    = 0x00100000
	coffScnAlign8    = 0x00400000
	coffScnAlign16   = 0x00500000
)

var coffCharacteristics = [numSections]uint32{
	secCode:   pe.IMAGE_SCN_CNT_CODE | pe.IMAGE_SCN_MEM_EXECUTE | pe.IMAGE_SCN_MEM_READ | coffScnAlign16,
	secRodata: pe.IMAGE_SCN_CNT_INITIALIZED_DATA | pe.IMAGE_SCN_MEM_READ | coffScnAlign16,
	secMeta:   pe.IMAGE_SCN_CNT_INITIALIZED_DATA | pe.IMAGE_SCN_MEM_READ | pe.IMAGE_SCN_MEM_WRITE | coffScnAlign8,
	secDesc:   pe.IMAGE_SCN_CNT_INITIALIZED_DATA | pe.IMAGE_SCN_MEM_READ | pe.IMAGE_SCN_MEM_WRITE | coffScnAlign8,
	secNote:   coffScnLnkInfo | coffScnLnkRemove | coffScnAlign1,
}

// coffStrtab is the COFF string table; offsets count its 4-byte size
// field.
type coffStrtab struct {
	buf []byte
}

func (s *coffStrtab) add(name string) uint32 {
	off := uint32(4 + len(s.buf))
	s.buf = append(s.buf, name...)
	s.buf = append(s.buf, 0)
	return off
}

func (s *coffStrtab) bytes() []byte {
	out := binary.LittleEndian.AppendUint32(nil, uint32(4+len(s.buf)))
	return append(out, s.buf...)
}

// sectionName and symbolName fill an 8-byte name field, spilling long
// names to the string table. Sections use the "/offset" form, symbols the
// zero-prefixed form.
func (s *coffStrtab) sectionName(name string) (out [8]uint8) {
	if len(name) <= 8 {
		copy(out[:], name)
		return out
	}
	copy(out[:], "/"+strconv.FormatUint(uint64(s.add(name)), 10))
	return out
}

func (s *coffStrtab) symbolName(name string) (out [8]uint8) {
	if len(name) <= 8 {
		copy(out[:], name)
		return out
	}
	binary.LittleEndian.PutUint32(out[4:], s.add(name))
	return out
}

func coffRelocType(arch target.Arch, kind compiler.RelocKind) uint16 {
	switch {
	case arch == target.ArchAMD64 && kind == compiler.RelocCallPCRel:
		return relAMD64Rel32
	case arch == target.ArchAMD64:
		return relAMD64Addr64
	case kind == compiler.RelocCallPCRel:
		return relARM64Branch26
	default:
		return relARM64Addr64
	}
}

// writeCOFF serializes a COFF object: file header, section headers, raw
// data with each section's relocations after it, symbol table, string
// table. Addends are implicit in the section data.
func writeCOFF(o *object, timestamp uint32) ([]byte, error) {
	const format = "coff"
	machine := uint16(pe.IMAGE_FILE_MACHINE_AMD64)
	if o.target.Arch == target.ArchARM64 {
		machine = pe.IMAGE_FILE_MACHINE_ARM64
	}
	var str coffStrtab

	headers := make([]pe.SectionHeader32, numSections)
	var body []byte
	pos := coffFileHdrSize + coffSectionSize*int(numSections)
	for s := secID(0); s < numSections; s++ {
		sec := &o.sections[s]
		if len(sec.relocs) > coffMaxRelocs {
			return nil, errors.ObjectFormat(format, "section %s has %d relocations, more than %d", sectionNames[s], len(sec.relocs), coffMaxRelocs)
		}
		for (pos+len(body))%4 != 0 {
			body = append(body, 0)
		}
		h := &headers[s]
		h.Name = str.sectionName(sectionNames[s])
		h.Characteristics = coffCharacteristics[s]

		data := append([]byte(nil), sec.data...)
		for i := range sec.relocs {
			r := &sec.relocs[i]
			if r.kind == compiler.RelocAbs64 {
				binary.LittleEndian.PutUint64(data[r.offset:], uint64(r.addend))
			} else if o.target.Arch == target.ArchAMD64 {
				binary.LittleEndian.PutUint32(data[r.offset:], uint32(int32(r.addend)))
			} else if r.addend != 0 {
				return nil, errors.ObjectFormat(format, "arm64 branch to %s with addend %d has no encoding", r.name, r.addend)
			}
		}
		if len(data) > 0 {
			off, err := u32(format, "section offset", pos+len(body))
			if err != nil {
				return nil, err
			}
			h.PointerToRawData = off
			h.SizeOfRawData = uint32(len(data))
			body = append(body, data...)
		}
		if len(sec.relocs) > 0 {
			h.PointerToRelocations = uint32(pos + len(body))
			h.NumberOfRelocations = uint16(len(sec.relocs))
			var rb bytes.Buffer
			for i := range sec.relocs {
				r := &sec.relocs[i]
				va, err := u32(format, "relocation offset", int(r.offset))
				if err != nil {
					return nil, err
				}
				binary.Write(&rb, binary.LittleEndian, &pe.Reloc{
					VirtualAddress:   va,
					SymbolTableIndex: uint32(r.sym),
					Type:             coffRelocType(o.target.Arch, r.kind),
				})
			}
			body = append(body, rb.Bytes()...)
		}
	}

	symOff, err := u32(format, "symbol table offset", pos+len(body))
	if err != nil {
		return nil, err
	}
	var syms bytes.Buffer
	for i := range o.syms {
		s := &o.syms[i]
		cs := pe.COFFSymbol{Name: str.symbolName(s.name), StorageClass: coffSymClassExt}
		if s.defined() {
			cs.SectionNumber = int16(s.sec) + 1
			cs.Value = uint32(s.value)
			if !s.global {
				cs.StorageClass = coffSymClassStat
			}
		}
		if s.fn {
			cs.Type = coffSymTypeFunc
		}
		binary.Write(&syms, binary.LittleEndian, &cs)
	}
	if syms.Len() != coffSymbolSize*len(o.syms) {
		return nil, errors.ObjectFormat(format, "symbol record size mismatch")
	}

	var out bytes.Buffer
	binary.Write(&out, binary.LittleEndian, &pe.FileHeader{
		Machine:              machine,
		NumberOfSections:     uint16(numSections),
		TimeDateStamp:        timestamp,
		PointerToSymbolTable: symOff,
		NumberOfSymbols:      uint32(len(o.syms)),
	})
	for i := range headers {
		binary.Write(&out, binary.LittleEndian, &headers[i])
	}
	out.Write(body)
	out.Write(syms.Bytes())
	out.Write(str.bytes())
	return out.Bytes(), nil
}
