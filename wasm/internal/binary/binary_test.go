package binary

import (
	"bytes"
	"errors"
	"io"
	"testing"
)

func TestReaderReadByte(t *testing.T) {
	data := []byte{0x01, 0x02, 0x03}
	r := NewReader(data, 10)

	for i, want := range data {
		if r.Position() != 10+i {
			t.Errorf("position before read %d: got %d, want %d", i, r.Position(), 10+i)
		}
		b, err := r.ReadByte()
		if err != nil {
			t.Fatalf("ReadByte %d: %v", i, err)
		}
		if b != want {
			t.Errorf("ReadByte %d: got 0x%02x, want 0x%02x", i, b, want)
		}
	}

	if _, err := r.ReadByte(); !errors.Is(err, io.EOF) {
		t.Errorf("expected EOF, got %v", err)
	}
}

func TestReaderSub(t *testing.T) {
	r := NewReader([]byte{0xAA, 0x01, 0x02, 0xBB}, 100)
	if _, err := r.ReadByte(); err != nil {
		t.Fatal(err)
	}
	sub, err := r.Sub(2)
	if err != nil {
		t.Fatal(err)
	}
	if sub.Position() != 101 {
		t.Errorf("sub position = %d, want 101", sub.Position())
	}
	if sub.Len() != 2 {
		t.Errorf("sub len = %d, want 2", sub.Len())
	}
	b, _ := r.ReadByte()
	if b != 0xBB {
		t.Errorf("parent did not skip sub range: got 0x%02x", b)
	}
	if _, err := r.Sub(5); err == nil {
		t.Error("expected error for oversized sub reader")
	}
}

func TestReaderReadU32(t *testing.T) {
	tests := []struct {
		encoded []byte
		want    uint32
	}{
		{[]byte{0x00}, 0},
		{[]byte{0x7f}, 127},
		{[]byte{0x80, 0x01}, 128},
		{[]byte{0xe5, 0x8e, 0x26}, 624485},
		{[]byte{0xff, 0xff, 0xff, 0xff, 0x0f}, 0xFFFFFFFF},
	}

	for _, tt := range tests {
		got, err := NewReader(tt.encoded, 0).ReadU32()
		if err != nil {
			t.Errorf("ReadU32(%v): %v", tt.encoded, err)
			continue
		}
		if got != tt.want {
			t.Errorf("ReadU32(%v) = %d, want %d", tt.encoded, got, tt.want)
		}
	}
}

func TestReaderReadU32Overflow(t *testing.T) {
	for _, enc := range [][]byte{
		{0xff, 0xff, 0xff, 0xff, 0x1f},
		{0x80, 0x80, 0x80, 0x80, 0x80, 0x01},
	} {
		if _, err := NewReader(enc, 0).ReadU32(); !errors.Is(err, ErrOverflow) {
			t.Errorf("ReadU32(%v): expected overflow, got %v", enc, err)
		}
	}
}

func TestReaderReadSigned(t *testing.T) {
	tests := []struct {
		encoded []byte
		want    int64
	}{
		{[]byte{0x00}, 0},
		{[]byte{0x7f}, -1},
		{[]byte{0x80, 0x7f}, -128},
		{[]byte{0x3f}, 63},
		{[]byte{0xc0, 0x00}, 64},
	}
	for _, tt := range tests {
		got, err := NewReader(tt.encoded, 0).ReadS32()
		if err != nil {
			t.Errorf("ReadS32(%v): %v", tt.encoded, err)
			continue
		}
		if int64(got) != tt.want {
			t.Errorf("ReadS32(%v) = %d, want %d", tt.encoded, got, tt.want)
		}
	}

	w := NewWriter()
	w.S64(-1 << 63)
	got, err := NewReader(w.Bytes(), 0).ReadS64()
	if err != nil || got != -1<<63 {
		t.Errorf("ReadS64(min) = %d, %v", got, err)
	}
}

func TestReaderReadName(t *testing.T) {
	w := NewWriter()
	w.Name("add")
	got, err := NewReader(w.Bytes(), 0).ReadName()
	if err != nil || got != "add" {
		t.Errorf("ReadName = %q, %v", got, err)
	}

	if _, err := NewReader([]byte{0x02, 0xff, 0xfe}, 0).ReadName(); err == nil {
		t.Error("expected invalid UTF-8 error")
	}
}

func TestWriterEncodings(t *testing.T) {
	w := NewWriter()
	w.Fixed32(0x6d736100)
	w.U32(624485)
	w.S64(-123456)
	w.Vec([]byte{7})
	want := []byte{0x00, 0x61, 0x73, 0x6d, 0xe5, 0x8e, 0x26, 0xc0, 0xbb, 0x78, 0x01, 0x07}
	if !bytes.Equal(w.Bytes(), want) {
		t.Errorf("Bytes = % x, want % x", w.Bytes(), want)
	}
}
