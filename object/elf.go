package object

import (
	"bytes"
	"debug/elf"
	"encoding/binary"

	"github.com/wippyai/wasm-aot/compiler"
	"github.com/wippyai/wasm-aot/target"
)

var elfFlags = [numSections]elf.SectionFlag{
	secCode:   elf.SHF_ALLOC | elf.SHF_EXECINSTR,
	secRodata: elf.SHF_ALLOC,
	secMeta:   elf.SHF_ALLOC | elf.SHF_WRITE,
	secDesc:   elf.SHF_ALLOC | elf.SHF_WRITE,
}

// elfRelocType translates an abstract relocation. Call addends are
// relative to the end of the 4-byte displacement on x86-64.
func elfRelocType(arch target.Arch, r *relocation) (uint32, int64) {
	switch {
	case arch == target.ArchAMD64 && r.kind == compiler.RelocCallPCRel:
		return uint32(elf.R_X86_64_PLT32), r.addend - 4
	case arch == target.ArchAMD64:
		return uint32(elf.R_X86_64_64), r.addend
	case r.kind == compiler.RelocCallPCRel:
		return uint32(elf.R_AARCH64_CALL26), r.addend
	default:
		return uint32(elf.R_AARCH64_ABS64), r.addend
	}
}

type strtab struct {
	buf []byte
	at  map[string]uint32
}

func newStrtab() *strtab { return &strtab{buf: []byte{0}, at: map[string]uint32{"": 0}} }

func (s *strtab) add(name string) uint32 {
	if off, ok := s.at[name]; ok {
		return off
	}
	off := uint32(len(s.buf))
	s.buf = append(s.buf, name...)
	s.buf = append(s.buf, 0)
	s.at[name] = off
	return off
}

// writeELF serializes a relocatable ELF64 object: the payload sections,
// .note.GNU-stack, one .rela section per section with relocations, then
// .symtab, .strtab and .shstrtab.
func writeELF(o *object) ([]byte, error) {
	const format = "elf"
	machine := elf.EM_X86_64
	if o.target.Arch == target.ArchARM64 {
		machine = elf.EM_AARCH64
	}

	type shdr struct {
		name string
		h    elf.Section64
		data []byte
	}
	shstr := newStrtab()
	str := newStrtab()
	var sh []shdr
	sh = append(sh, shdr{}) // SHN_UNDEF

	secIndex := [numSections]uint16{}
	for s := secID(0); s < numSections; s++ {
		secIndex[s] = uint16(len(sh))
		sh = append(sh, shdr{
			name: sectionNames[s],
			h: elf.Section64{
				Type:      uint32(elf.SHT_PROGBITS),
				Flags:     uint64(elfFlags[s]),
				Addralign: uint64(sectionAlign[s]),
			},
			data: o.sections[s].data,
		})
	}
	sh = append(sh, shdr{name: ".note.GNU-stack", h: elf.Section64{Type: uint32(elf.SHT_PROGBITS), Addralign: 1}})

	for s := secID(0); s < numSections; s++ {
		relocs := o.sections[s].relocs
		if len(relocs) == 0 {
			continue
		}
		var buf bytes.Buffer
		for i := range relocs {
			r := &relocs[i]
			typ, addend := elfRelocType(o.target.Arch, r)
			// Symbol 0 is the null symbol.
			rela := elf.Rela64{Off: r.offset, Info: elf.R_INFO(uint32(r.sym+1), typ), Addend: addend}
			if err := binary.Write(&buf, binary.LittleEndian, &rela); err != nil {
				return nil, err
			}
		}
		sh = append(sh, shdr{
			name: ".rela" + sectionNames[s],
			h: elf.Section64{
				Type:      uint32(elf.SHT_RELA),
				Flags:     uint64(elf.SHF_INFO_LINK),
				Info:      uint32(secIndex[s]),
				Addralign: 8,
				Entsize:   24,
			},
			data: buf.Bytes(),
		})
	}
	// .rela sections link to .symtab, which comes right after them.
	symtabIndex := uint32(len(sh))
	for i := range sh {
		if elf.SectionType(sh[i].h.Type) == elf.SHT_RELA {
			sh[i].h.Link = symtabIndex
		}
	}

	var syms bytes.Buffer
	syms.Write(make([]byte, 24))
	for i := range o.syms {
		s := &o.syms[i]
		bind, typ := elf.STB_LOCAL, elf.STT_OBJECT
		if s.global {
			bind = elf.STB_GLOBAL
		}
		if s.fn {
			typ = elf.STT_FUNC
		}
		sym := elf.Sym64{Name: str.add(s.name), Value: s.value, Size: s.size}
		if s.defined() {
			sym.Shndx = secIndex[s.sec]
			sym.Info = elf.ST_INFO(bind, typ)
		} else {
			sym.Info = elf.ST_INFO(elf.STB_GLOBAL, elf.STT_NOTYPE)
		}
		if err := binary.Write(&syms, binary.LittleEndian, &sym); err != nil {
			return nil, err
		}
	}
	sh = append(sh, shdr{
		name: ".symtab",
		h: elf.Section64{
			Type:      uint32(elf.SHT_SYMTAB),
			Link:      symtabIndex + 1,
			Info:      uint32(o.firstGlobal() + 1),
			Addralign: 8,
			Entsize:   24,
		},
		data: syms.Bytes(),
	})
	sh = append(sh, shdr{name: ".strtab", h: elf.Section64{Type: uint32(elf.SHT_STRTAB), Addralign: 1}, data: str.buf})
	shstrIndex := len(sh)
	sh = append(sh, shdr{name: ".shstrtab", h: elf.Section64{Type: uint32(elf.SHT_STRTAB), Addralign: 1}})
	for i := 1; i < len(sh); i++ {
		sh[i].h.Name = shstr.add(sh[i].name)
	}
	sh[shstrIndex].data = shstr.buf

	// Section contents follow the header; the section header table goes
	// last, 8-aligned.
	out := make([]byte, 64)
	for i := 1; i < len(sh); i++ {
		align := int(max(sh[i].h.Addralign, 1))
		for len(out)%align != 0 {
			out = append(out, 0)
		}
		sh[i].h.Off = uint64(len(out))
		sh[i].h.Size = uint64(len(sh[i].data))
		out = append(out, sh[i].data...)
	}
	for len(out)%8 != 0 {
		out = append(out, 0)
	}
	shoff := len(out)
	if _, err := u32(format, "object size", shoff+64*len(sh)); err != nil {
		return nil, err
	}

	buf := bytes.NewBuffer(out)
	for i := range sh {
		if err := binary.Write(buf, binary.LittleEndian, &sh[i].h); err != nil {
			return nil, err
		}
	}
	out = buf.Bytes()

	hdr := elf.Header64{
		Type:      uint16(elf.ET_REL),
		Machine:   uint16(machine),
		Version:   uint32(elf.EV_CURRENT),
		Shoff:     uint64(shoff),
		Ehsize:    64,
		Shentsize: 64,
		Shnum:     uint16(len(sh)),
		Shstrndx:  uint16(shstrIndex),
	}
	copy(hdr.Ident[:], elf.ELFMAG)
	hdr.Ident[elf.EI_CLASS] = byte(elf.ELFCLASS64)
	hdr.Ident[elf.EI_DATA] = byte(elf.ELFDATA2LSB)
	hdr.Ident[elf.EI_VERSION] = byte(elf.EV_CURRENT)
	hdr.Ident[elf.EI_OSABI] = byte(elf.ELFOSABI_NONE)
	var hb bytes.Buffer
	if err := binary.Write(&hb, binary.LittleEndian, &hdr); err != nil {
		return nil, err
	}
	copy(out, hb.Bytes())
	return out, nil
}
