package binary

import "encoding/binary"

// Writer appends the binary encoding of a module.
type Writer struct {
	buf []byte
}

// NewWriter returns an empty Writer.
func NewWriter() *Writer {
	return &Writer{}
}

// Bytes returns everything written so far.
func (w *Writer) Bytes() []byte { return w.buf }

func (w *Writer) Byte(b byte) { w.buf = append(w.buf, b) }

// Raw appends p unchanged.
func (w *Writer) Raw(p []byte) { w.buf = append(w.buf, p...) }

// U32 and U64 append unsigned LEB128.
func (w *Writer) U32(v uint32) { w.buf = AppendU64(w.buf, uint64(v)) }
func (w *Writer) U64(v uint64) { w.buf = AppendU64(w.buf, v) }

// S64 appends signed LEB128.
func (w *Writer) S64(v int64) { w.buf = AppendS64(w.buf, v) }

// Name appends a length-prefixed UTF-8 name.
func (w *Writer) Name(s string) {
	w.U32(uint32(len(s)))
	w.buf = append(w.buf, s...)
}

// Vec appends a length-prefixed byte vector.
func (w *Writer) Vec(p []byte) {
	w.U32(uint32(len(p)))
	w.buf = append(w.buf, p...)
}

// Fixed32 appends v as four little-endian bytes.
func (w *Writer) Fixed32(v uint32) { w.buf = binary.LittleEndian.AppendUint32(w.buf, v) }

// AppendU64 appends the unsigned LEB128 encoding of v. It is the same
// byte sequence as encoding/binary's uvarint.
func AppendU64(dst []byte, v uint64) []byte { return binary.AppendUvarint(dst, v) }

// AppendS64 appends the signed LEB128 encoding of v.
func AppendS64(dst []byte, v int64) []byte {
	for {
		b := byte(v & 0x7f)
		v >>= 7
		if (v == 0 && b&0x40 == 0) || (v == -1 && b&0x40 != 0) {
			return append(dst, b)
		}
		dst = append(dst, b|0x80)
	}
}
