package object

import (
	"bytes"
	"debug/elf"
	"debug/macho"
	"debug/pe"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/wippyai/wasm-aot/compiler"
	"github.com/wippyai/wasm-aot/errors"
	"github.com/wippyai/wasm-aot/symbols"
	"github.com/wippyai/wasm-aot/wasm"
)

// ManifestVersion is bumped whenever Manifest changes incompatibly.
const ManifestVersion = 2

// Manifest describes a compiled module to the linker and to inspect. It
// is stored msgpack-encoded in the .wasmnote section of every object.
type Manifest struct {
	Version    int              `msgpack:"version"`
	Name       string           `msgpack:"name,omitempty"`
	Prefix     string           `msgpack:"prefix"`
	Target     string           `msgpack:"target"`
	Format     string           `msgpack:"format"`
	Descriptor string           `msgpack:"descriptor"`
	Entry      string           `msgpack:"entry,omitempty"`
	Functions  int              `msgpack:"functions"`
	CodeSize   int              `msgpack:"code_size"`
	Imports    []ManifestImport `msgpack:"imports,omitempty"`
	Exports    []ManifestExport `msgpack:"exports,omitempty"`
	Globals    []ManifestGlobal `msgpack:"globals,omitempty"`
	Table      *ManifestTable   `msgpack:"table,omitempty"`
	Memory     bool             `msgpack:"memory,omitempty"`
}

// ManifestGlobal is one imported global and the data symbol holding its
// raw 64-bit value.
type ManifestGlobal struct {
	Module  string `msgpack:"module"`
	Name    string `msgpack:"name"`
	Symbol  string `msgpack:"symbol"`
	Type    string `msgpack:"type"`
	Mutable bool   `msgpack:"mutable,omitempty"`
}

// ManifestTable is an imported table. The runtime only supports it as a
// table of null entries.
type ManifestTable struct {
	Module string `msgpack:"module"`
	Name   string `msgpack:"name"`
	Min    uint64 `msgpack:"min"`
}

// ManifestImport is one imported function and the symbol it binds to.
type ManifestImport struct {
	Module string `msgpack:"module"`
	Name   string `msgpack:"name"`
	Symbol string `msgpack:"symbol"`
	Params int    `msgpack:"params"`
	Result bool   `msgpack:"result,omitempty"`
}

// ManifestExport is one export; Symbol is empty for non-function exports.
type ManifestExport struct {
	Name   string `msgpack:"name"`
	Kind   string `msgpack:"kind"`
	Symbol string `msgpack:"symbol,omitempty"`
}

func newManifest(cm *compiler.CompiledModule, prefix symbols.Prefix, name string) Manifest {
	names := symbols.NewTable(prefix)
	m := Manifest{
		Version:    ManifestVersion,
		Name:       name,
		Prefix:     string(prefix),
		Target:     cm.Target.Triple(),
		Format:     cm.Target.ObjectFormat().String(),
		Descriptor: names.Descriptor(),
		Functions:  len(cm.Functions),
		CodeSize:   cm.CodeSize(),
		Memory:     cm.Memory != nil,
	}
	if cm.Entry != nil {
		m.Entry = cm.Entry.Name
	}
	for _, imp := range cm.Imports {
		m.Imports = append(m.Imports, ManifestImport{
			Module: imp.Module,
			Name:   imp.Name,
			Symbol: imp.Symbol,
			Params: len(imp.Signature.Params),
			Result: len(imp.Signature.Results) == 1,
		})
	}
	for _, g := range cm.Globals {
		if g.Import == nil {
			continue
		}
		m.Globals = append(m.Globals, ManifestGlobal{
			Module:  g.Import.Module,
			Name:    g.Import.Name,
			Symbol:  g.Import.Symbol,
			Type:    g.Type.String(),
			Mutable: g.Mutable,
		})
	}
	if t := cm.Table; t != nil && t.Import != nil {
		m.Table = &ManifestTable{Module: t.Import.Module, Name: t.Import.Name, Min: t.Min}
	}
	for _, e := range cm.Exports {
		me := ManifestExport{Name: e.Name, Kind: kindName(e.Kind)}
		if _, ok := cm.FuncIndexOf(e.Index); ok && e.Kind == wasm.KindFunc {
			me.Symbol = names.Export(e.Name)
		}
		m.Exports = append(m.Exports, me)
	}
	return m
}

func kindName(k byte) string {
	switch k {
	case wasm.KindFunc:
		return "func"
	case wasm.KindTable:
		return "table"
	case wasm.KindMemory:
		return "memory"
	case wasm.KindGlobal:
		return "global"
	default:
		return strconv.Itoa(int(k))
	}
}

func (m Manifest) encode() ([]byte, error) {
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	enc.SetSortMapKeys(true)
	if err := enc.Encode(&m); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// DecodeManifest parses the contents of a .wasmnote section.
func DecodeManifest(data []byte) (*Manifest, error) {
	var m Manifest
	if err := msgpack.NewDecoder(bytes.NewReader(data)).Decode(&m); err != nil {
		return nil, fmt.Errorf("decode manifest: %w", err)
	}
	if m.Version != ManifestVersion {
		return nil, fmt.Errorf("manifest version %d, want %d", m.Version, ManifestVersion)
	}
	return &m, nil
}

// ReadManifest finds the manifest of an ELF, Mach-O or COFF object, or of
// the first object member of an archive.
func ReadManifest(r io.ReaderAt) (*Manifest, error) {
	data, err := readNote(r)
	if err != nil {
		return nil, errors.Wrap(errors.PhaseLink, errors.KindObjectFormat, err, "read manifest")
	}
	m, err := DecodeManifest(data)
	if err != nil {
		return nil, errors.Wrap(errors.PhaseLink, errors.KindObjectFormat, err, "read manifest")
	}
	return m, nil
}

func readNote(r io.ReaderAt) ([]byte, error) {
	var magic [8]byte
	if _, err := r.ReadAt(magic[:], 0); err != nil && err != io.EOF {
		return nil, err
	}
	switch {
	case bytes.HasPrefix(magic[:], []byte(elf.ELFMAG)):
		f, err := elf.NewFile(r)
		if err != nil {
			return nil, err
		}
		s := f.Section(sectionNames[secNote])
		if s == nil {
			return nil, fmt.Errorf("no %s section", sectionNames[secNote])
		}
		return s.Data()
	case string(magic[:]) == arMagic:
		return readArchiveNote(r)
	case isMachO(magic[:4]):
		f, err := macho.NewFile(r)
		if err != nil {
			return nil, err
		}
		s := f.Section(machoSectName(secNote))
		if s == nil {
			return nil, fmt.Errorf("no %s section", machoSectName(secNote))
		}
		return s.Data()
	default:
		f, err := pe.NewFile(r)
		if err != nil {
			return nil, fmt.Errorf("unrecognized object format: %w", err)
		}
		s := f.Section(sectionNames[secNote])
		if s == nil {
			return nil, fmt.Errorf("no %s section", sectionNames[secNote])
		}
		return s.Data()
	}
}

func isMachO(b []byte) bool {
	m := uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
	return m == macho.Magic64
}

// readArchiveNote reads the note of the first object member of an archive.
func readArchiveNote(r io.ReaderAt) ([]byte, error) {
	member, err := firstMember(r)
	if err != nil {
		return nil, err
	}
	return readNote(member)
}

// firstMember walks the members of an ar archive and returns the first one
// that is not a symbol or name index.
func firstMember(r io.ReaderAt) (*io.SectionReader, error) {
	off := int64(len(arMagic))
	for {
		var hdr [arHeaderSize]byte
		if _, err := r.ReadAt(hdr[:], off); err != nil {
			if err == io.EOF {
				return nil, fmt.Errorf("archive has no object member")
			}
			return nil, err
		}
		name := strings.TrimRight(string(hdr[0:16]), " ")
		size, err := strconv.ParseInt(strings.TrimSpace(string(hdr[48:58])), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("archive member %q: bad size", name)
		}
		data := off + arHeaderSize
		if name != "/" && name != "//" && !strings.HasPrefix(name, "__.SYMDEF") {
			return io.NewSectionReader(r, data, size), nil
		}
		off = data + size + size%2
	}
}
