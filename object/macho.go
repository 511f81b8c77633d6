package object

import (
	"bytes"
	"debug/macho"
	"encoding/binary"

	"github.com/wippyai/wasm-aot/compiler"
	"github.com/wippyai/wasm-aot/errors"
	"github.com/wippyai/wasm-aot/symbols"
	"github.com/wippyai/wasm-aot/target"
)

var machoSegments = [numSections]string{
	secCode:   "__TEXT",
	secRodata: "__TEXT",
	secMeta:   "__DATA",
	secDesc:   "__DATA",
	secNote:   "__WASMAOT",
}

// Section attributes.
const (
	machoPureInstructions = 0x80000000
	machoSomeInstructions = 0x00000400
)

// nlist n_type bits.
const (
	nUndf = 0x0
	nExt  = 0x1
	nSect = 0xe
)

const (
	loadCmdBuildVersion = 0x32
	platformMacOS       = 1
	minOS11             = 11 << 16
)

// machoSectName is the 16-byte Mach-O spelling: "__" plus the name
// without its leading dot.
func machoSectName(s secID) string {
	return "__" + sectionNames[s][1:]
}

func name16(s string) (out [16]byte) {
	copy(out[:], s)
	return out
}

func log2(n int) uint32 {
	var r uint32
	for 1<<r < n {
		r++
	}
	return r
}

// machoRelocInfo packs r_symbolnum:24 r_pcrel:1 r_length:2 r_extern:1
// r_type:4.
func machoRelocInfo(sym int, pcrel bool, length uint32, typ uint32) uint32 {
	v := uint32(sym)&0xFFFFFF | 1<<27 | length<<25 | typ<<28
	if pcrel {
		v |= 1 << 24
	}
	return v
}

// writeMachO serializes an MH_OBJECT with one unnamed segment holding all
// sections, followed by LC_BUILD_VERSION, LC_SYMTAB and LC_DYSYMTAB.
func writeMachO(o *object) ([]byte, error) {
	const format = "macho"
	cpu, sub := macho.CpuAmd64, uint32(3) // CPU_SUBTYPE_X86_64_ALL
	if o.target.Arch == target.ArchARM64 {
		cpu, sub = macho.CpuArm64, 0
	}
	grammar := symbols.GrammarFor(target.FormatMachO)

	const (
		headerSize  = 32
		segmentSize = 72
		sectionSize = 80
		buildSize   = 24
		symtabSize  = 24
		dysymSize   = 80
	)
	cmdsSize := segmentSize + int(numSections)*sectionSize + buildSize + symtabSize + dysymSize

	// Section contents are laid out contiguously in both address space and
	// file.
	var body []byte
	offsets := [numSections]int{}
	addrs := [numSections]uint64{}
	var addr uint64
	fileStart := headerSize + cmdsSize
	for s := secID(0); s < numSections; s++ {
		align := sectionAlign[s]
		for (fileStart+len(body))%align != 0 {
			body = append(body, 0)
		}
		for addr%uint64(align) != 0 {
			addr++
		}
		offsets[s] = fileStart + len(body)
		addrs[s] = addr
		body = append(body, o.sections[s].data...)
		addr += uint64(len(o.sections[s].data))
	}
	vmSize := addr

	// Relocations, with implicit addends written into section data.
	for len(body)%4 != 0 {
		body = append(body, 0)
	}
	relocOff := [numSections]int{}
	var relocs bytes.Buffer
	for s := secID(0); s < numSections; s++ {
		relocOff[s] = fileStart + len(body) + relocs.Len()
		for i := range o.sections[s].relocs {
			r := &o.sections[s].relocs[i]
			var info uint32
			switch {
			case r.kind == compiler.RelocCallPCRel && o.target.Arch == target.ArchARM64:
				if r.addend != 0 {
					return nil, errors.ObjectFormat(format, "arm64 branch to %s with addend %d has no encoding", r.name, r.addend)
				}
				info = machoRelocInfo(r.sym, true, 2, uint32(macho.ARM64_RELOC_BRANCH26))
			case r.kind == compiler.RelocCallPCRel:
				info = machoRelocInfo(r.sym, true, 2, uint32(macho.X86_64_RELOC_BRANCH))
				at := offsets[s] - fileStart + int(r.offset)
				binary.LittleEndian.PutUint32(body[at:], uint32(int32(r.addend)))
			default:
				typ := uint32(macho.X86_64_RELOC_UNSIGNED)
				if o.target.Arch == target.ArchARM64 {
					typ = uint32(macho.ARM64_RELOC_UNSIGNED)
				}
				info = machoRelocInfo(r.sym, false, 3, typ)
				at := offsets[s] - fileStart + int(r.offset)
				binary.LittleEndian.PutUint64(body[at:], uint64(r.addend))
			}
			roff, err := u32(format, "relocation offset", int(r.offset))
			if err != nil {
				return nil, err
			}
			binary.Write(&relocs, binary.LittleEndian, [2]uint32{roff, info})
		}
	}
	body = append(body, relocs.Bytes()...)

	// Symbol table.
	for len(body)%8 != 0 {
		body = append(body, 0)
	}
	symOff := fileStart + len(body)
	str := newStrtab()
	var syms bytes.Buffer
	for i := range o.syms {
		s := &o.syms[i]
		nl := macho.Nlist64{Name: str.add(grammar.Decorate(s.name))}
		switch {
		case !s.defined():
			nl.Type = nUndf | nExt
		default:
			nl.Type = nSect
			if s.global {
				nl.Type |= nExt
			}
			nl.Sect = uint8(s.sec) + 1
			nl.Value = addrs[s.sec] + s.value
		}
		binary.Write(&syms, binary.LittleEndian, &nl)
	}
	body = append(body, syms.Bytes()...)
	strOff := fileStart + len(body)
	for len(str.buf)%8 != 0 {
		str.buf = append(str.buf, 0)
	}
	body = append(body, str.buf...)
	if _, err := u32(format, "object size", fileStart+len(body)); err != nil {
		return nil, err
	}

	var cmds bytes.Buffer
	seg := macho.Segment64{
		Cmd:     macho.LoadCmdSegment64,
		Len:     uint32(segmentSize + int(numSections)*sectionSize),
		Memsz:   vmSize,
		Offset:  uint64(offsets[0]),
		Filesz:  uint64(offsets[numSections-1] + len(o.sections[numSections-1].data) - offsets[0]),
		Maxprot: 7,
		Prot:    7,
		Nsect:   uint32(numSections),
	}
	binary.Write(&cmds, binary.LittleEndian, &seg)
	for s := secID(0); s < numSections; s++ {
		var flags uint32
		if s == secCode {
			flags = machoPureInstructions | machoSomeInstructions
		}
		sect := macho.Section64{
			Name:   name16(machoSectName(s)),
			Seg:    name16(machoSegments[s]),
			Addr:   addrs[s],
			Size:   uint64(len(o.sections[s].data)),
			Offset: uint32(offsets[s]),
			Align:  log2(sectionAlign[s]),
			Flags:  flags,
		}
		if n := len(o.sections[s].relocs); n > 0 {
			sect.Reloff = uint32(relocOff[s])
			sect.Nreloc = uint32(n)
		}
		binary.Write(&cmds, binary.LittleEndian, &sect)
	}
	binary.Write(&cmds, binary.LittleEndian, [6]uint32{loadCmdBuildVersion, buildSize, platformMacOS, minOS11, 0, 0})
	binary.Write(&cmds, binary.LittleEndian, &macho.SymtabCmd{
		Cmd:     macho.LoadCmdSymtab,
		Len:     symtabSize,
		Symoff:  uint32(symOff),
		Nsyms:   uint32(len(o.syms)),
		Stroff:  uint32(strOff),
		Strsize: uint32(len(str.buf)),
	})
	firstGlobal, firstUndef := o.firstGlobal(), o.firstUndefined()
	binary.Write(&cmds, binary.LittleEndian, &macho.DysymtabCmd{
		Cmd:        macho.LoadCmdDysymtab,
		Len:        dysymSize,
		Ilocalsym:  0,
		Nlocalsym:  uint32(firstGlobal),
		Iextdefsym: uint32(firstGlobal),
		Nextdefsym: uint32(firstUndef - firstGlobal),
		Iundefsym:  uint32(firstUndef),
		Nundefsym:  uint32(len(o.syms) - firstUndef),
	})

	var out bytes.Buffer
	binary.Write(&out, binary.LittleEndian, &macho.FileHeader{
		Magic:  macho.Magic64,
		Cpu:    cpu,
		SubCpu: sub,
		Type:   macho.TypeObj,
		Ncmd:   4,
		Cmdsz:  uint32(cmds.Len()),
	})
	out.Write(make([]byte, 4)) // reserved
	out.Write(cmds.Bytes())
	out.Write(body)
	return out.Bytes(), nil
}
