package object

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"sort"

	"github.com/wippyai/wasm-aot/errors"
)

const (
	arMagic      = "!<arch>\n"
	arHeaderSize = 60
)

type archiveKind int

const (
	archiveGNU archiveKind = iota // ELF and COFF members
	archiveBSD                    // Mach-O members
)

// arHeader formats a member header with zero mtime, uid and gid and mode
// 644.
func arHeader(name string, size int) []byte {
	h := fmt.Sprintf("%-16s%-12d%-6d%-6d%-8o%-10d`\n", name, 0, 0, 0, 0o644, size)
	return []byte(h)
}

// writeArchive wraps one object in an ar archive with a symbol index over
// its defined global symbols.
func writeArchive(kind archiveKind, member string, obj []byte, exported []string) ([]byte, error) {
	if len(member) > 15 {
		return nil, errors.ObjectFormat("archive", "member name %q is longer than 15 characters", member)
	}
	var index []byte
	var indexName string
	switch kind {
	case archiveBSD:
		indexName = "__.SYMDEF SORTED"
		index = bsdIndex(exported)
	default:
		indexName = "/"
		index = gnuIndex(exported)
	}

	var out bytes.Buffer
	out.WriteString(arMagic)
	out.Write(arHeader(indexName, len(index)))
	out.Write(index)
	if out.Len()%2 != 0 {
		out.WriteByte('\n')
	}
	if kind == archiveGNU {
		member += "/"
	}
	out.Write(arHeader(member, len(obj)))
	out.Write(obj)
	if out.Len()%2 != 0 {
		out.WriteByte('\n')
	}
	return out.Bytes(), nil
}

// memberOffset is the file offset of the object member's header, given the
// size of the index member before it.
func memberOffset(indexSize int) uint32 {
	off := len(arMagic) + arHeaderSize + indexSize
	return uint32(off + off%2)
}

// gnuIndex is the System V "/" member: a big-endian count, one member
// offset per symbol, then NUL-terminated names.
func gnuIndex(names []string) []byte {
	strs := 0
	for _, n := range names {
		strs += len(n) + 1
	}
	size := 4 + 4*len(names) + strs
	off := memberOffset(size)

	out := binary.BigEndian.AppendUint32(nil, uint32(len(names)))
	for range names {
		out = binary.BigEndian.AppendUint32(out, off)
	}
	for _, n := range names {
		out = append(out, n...)
		out = append(out, 0)
	}
	return out
}

// bsdIndex is the Darwin "__.SYMDEF SORTED" member: ranlib entries sorted
// by name, then the string table. Its size is kept a multiple of 8 so the
// object member's data starts 8-aligned.
func bsdIndex(names []string) []byte {
	sorted := append([]string(nil), names...)
	sort.Strings(sorted)

	var strs []byte
	strx := make([]uint32, len(sorted))
	for i, n := range sorted {
		strx[i] = uint32(len(strs))
		strs = append(strs, n...)
		strs = append(strs, 0)
	}
	size := 4 + 8*len(sorted) + 4 + len(strs)
	for size%8 != 0 {
		strs = append(strs, 0)
		size++
	}
	off := memberOffset(size)

	out := binary.LittleEndian.AppendUint32(nil, uint32(8*len(sorted)))
	for i := range sorted {
		out = binary.LittleEndian.AppendUint32(out, strx[i])
		out = binary.LittleEndian.AppendUint32(out, off)
	}
	out = binary.LittleEndian.AppendUint32(out, uint32(len(strs)))
	return append(out, strs...)
}
