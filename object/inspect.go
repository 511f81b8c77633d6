package object

import (
	"bytes"
	"debug/elf"
	"debug/macho"
	"debug/pe"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/wippyai/wasm-aot/errors"
	"github.com/wippyai/wasm-aot/target"
)

// Listing is what an object file on disk reports about itself, read back
// with the standard library's object parsers rather than the emitter's own
// view.
type Listing struct {
	Format   target.Format
	Archive  bool
	Sections []SectionInfo
	Symbols  []SymbolInfo
	Manifest *Manifest
}

// Inspect parses an ELF, Mach-O or COFF object, or the object member of an
// archive.
func Inspect(r io.ReaderAt) (*Listing, error) {
	l := &Listing{}
	obj := r
	var magic [8]byte
	if _, err := r.ReadAt(magic[:], 0); err != nil && err != io.EOF {
		return nil, errors.IO("read", "object", err)
	}
	if string(magic[:]) == arMagic {
		member, err := firstMember(r)
		if err != nil {
			return nil, errors.Wrap(errors.PhaseLink, errors.KindObjectFormat, err, "inspect archive")
		}
		l.Archive = true
		obj = member
		if _, err := member.ReadAt(magic[:], 0); err != nil && err != io.EOF {
			return nil, errors.IO("read", "archive member", err)
		}
	}

	var err error
	switch {
	case bytes.HasPrefix(magic[:], []byte(elf.ELFMAG)):
		l.Format = target.FormatELF
		err = listELF(obj, l)
	case isMachO(magic[:4]):
		l.Format = target.FormatMachO
		err = listMachO(obj, l)
	default:
		l.Format = target.FormatCOFF
		err = listCOFF(obj, l)
	}
	if err != nil {
		return nil, errors.Wrap(errors.PhaseLink, errors.KindObjectFormat, err, "inspect "+l.Format.String())
	}
	if l.Manifest, err = ReadManifest(obj); err != nil {
		return nil, err
	}
	sort.SliceStable(l.Symbols, func(i, j int) bool { return l.Symbols[i].Name < l.Symbols[j].Name })
	return l, nil
}

func listELF(r io.ReaderAt, l *Listing) error {
	f, err := elf.NewFile(r)
	if err != nil {
		return err
	}
	relocs := map[string]int{}
	for _, s := range f.Sections {
		if s.Type == elf.SHT_RELA && s.Entsize > 0 {
			relocs[strings.TrimPrefix(s.Name, ".rela")] = int(s.Size / s.Entsize)
		}
	}
	for _, s := range f.Sections {
		if s.Name == "" || s.Type == elf.SHT_RELA || s.Type == elf.SHT_SYMTAB || s.Type == elf.SHT_STRTAB {
			continue
		}
		l.Sections = append(l.Sections, SectionInfo{Name: s.Name, Size: int(s.Size), Relocs: relocs[s.Name]})
	}
	syms, err := f.Symbols()
	if err != nil {
		return err
	}
	for _, sym := range syms {
		switch elf.ST_TYPE(sym.Info) {
		case elf.STT_SECTION, elf.STT_FILE:
			continue
		}
		info := SymbolInfo{Name: sym.Name, Offset: sym.Value, Size: sym.Size, Global: elf.ST_BIND(sym.Info) == elf.STB_GLOBAL}
		if sym.Section != elf.SHN_UNDEF && sym.Section < elf.SHN_LORESERVE && int(sym.Section) < len(f.Sections) {
			info.Section = f.Sections[sym.Section].Name
		}
		l.Symbols = append(l.Symbols, info)
	}
	return nil
}

func listMachO(r io.ReaderAt, l *Listing) error {
	f, err := macho.NewFile(r)
	if err != nil {
		return err
	}
	for _, s := range f.Sections {
		l.Sections = append(l.Sections, SectionInfo{Name: s.Seg + "," + s.Name, Size: int(s.Size), Relocs: len(s.Relocs)})
	}
	if f.Symtab == nil {
		return fmt.Errorf("no symbol table")
	}
	const nExt = 0x01
	for _, sym := range f.Symtab.Syms {
		info := SymbolInfo{Name: sym.Name, Offset: sym.Value, Global: sym.Type&nExt != 0}
		if sym.Sect > 0 && int(sym.Sect) <= len(f.Sections) {
			s := f.Sections[sym.Sect-1]
			info.Section = s.Seg + "," + s.Name
			info.Offset -= s.Addr
		}
		l.Symbols = append(l.Symbols, info)
	}
	return nil
}

func listCOFF(r io.ReaderAt, l *Listing) error {
	f, err := pe.NewFile(r)
	if err != nil {
		return fmt.Errorf("unrecognized object format: %w", err)
	}
	for _, s := range f.Sections {
		l.Sections = append(l.Sections, SectionInfo{Name: s.Name, Size: int(s.Size), Relocs: len(s.Relocs)})
	}
	const (
		classExternal = 2
		classStatic   = 3
	)
	for _, sym := range f.Symbols {
		if sym.StorageClass == classStatic && sym.Value == 0 && sym.SectionNumber > 0 &&
			int(sym.SectionNumber) <= len(f.Sections) && f.Sections[sym.SectionNumber-1].Name == sym.Name {
			// section symbol
			continue
		}
		info := SymbolInfo{Name: sym.Name, Offset: uint64(sym.Value), Global: sym.StorageClass == classExternal}
		if sym.SectionNumber > 0 && int(sym.SectionNumber) <= len(f.Sections) {
			info.Section = f.Sections[sym.SectionNumber-1].Name
		}
		l.Symbols = append(l.Symbols, info)
	}
	return nil
}
