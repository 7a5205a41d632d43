package record

import (
	"bytes"
	"path/filepath"
	"testing"
)

func TestWriterReaderRoundTrip(t *testing.T) {
	w := NewBufferWriter()
	w.WriteUint32(42)
	w.WriteUint64(1 << 40)
	w.WriteString("treelet")
	w.WriteBytes([]byte{1, 2, 3})
	w.WriteBytes(nil)

	r := NewReader(w.Bytes())

	v32, err := r.ReadUint32()
	if err != nil || v32 != 42 {
		t.Fatalf("expected uint32 42; got %d (err %v)", v32, err)
	}
	v64, err := r.ReadUint64()
	if err != nil || v64 != 1<<40 {
		t.Fatalf("expected uint64 %d; got %d (err %v)", uint64(1)<<40, v64, err)
	}
	s, err := r.ReadString()
	if err != nil || s != "treelet" {
		t.Fatalf("expected string %q; got %q (err %v)", "treelet", s, err)
	}
	blob, err := r.ReadBytes()
	if err != nil || !bytes.Equal(blob, []byte{1, 2, 3}) {
		t.Fatalf("expected payload [1 2 3]; got %v (err %v)", blob, err)
	}
	empty, err := r.ReadBytes()
	if err != nil || len(empty) != 0 {
		t.Fatalf("expected empty payload; got %v (err %v)", empty, err)
	}
	if !r.EOF() {
		t.Fatalf("expected EOF after last record")
	}
	if _, err := r.ReadBytes(); err == nil {
		t.Fatalf("expected error reading past the end")
	}
}

func TestFileRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "T0")

	w := NewWriter(path)
	w.WriteUint32(7)
	w.WriteString("payload")
	if err := w.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}

	r, err := OpenReader(path)
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	defer r.Close()

	v, err := r.ReadUint32()
	if err != nil || v != 7 {
		t.Fatalf("expected uint32 7; got %d (err %v)", v, err)
	}
	s, err := r.ReadString()
	if err != nil || s != "payload" {
		t.Fatalf("expected string %q; got %q (err %v)", "payload", s, err)
	}
}

func TestPatchUint32(t *testing.T) {
	w := NewBufferWriter()
	off := w.Offset()
	w.WriteUint32(0)
	w.WriteBytes([]byte("filler"))

	if err := w.PatchUint32(off, 99); err != nil {
		t.Fatalf("patch failed: %v", err)
	}

	r := NewReader(w.Bytes())
	v, err := r.ReadUint32()
	if err != nil || v != 99 {
		t.Fatalf("expected patched value 99; got %d (err %v)", v, err)
	}
}

func TestPatchUint32Errors(t *testing.T) {
	w := NewBufferWriter()
	blobOff := w.Offset()
	w.WriteBytes([]byte("not a uint32"))

	if err := w.PatchUint32(blobOff, 1); err == nil {
		t.Fatalf("expected error patching a non-uint32 record")
	}
	if err := w.PatchUint32(1024, 1); err == nil {
		t.Fatalf("expected error patching past the end")
	}
	if err := w.PatchUint32(-1, 1); err == nil {
		t.Fatalf("expected error patching a negative offset")
	}
}

func TestTruncatedRecords(t *testing.T) {
	w := NewBufferWriter()
	w.WriteBytes([]byte{1, 2, 3, 4, 5})
	full := w.Bytes()

	// cut into the payload
	r := NewReader(full[:6])
	if _, err := r.ReadBytes(); err == nil {
		t.Fatalf("expected error on truncated payload")
	}

	// cut into the length prefix
	r = NewReader(full[:2])
	if _, err := r.ReadBytes(); err == nil {
		t.Fatalf("expected error on truncated length prefix")
	}
}

func TestTypedReadSizeChecks(t *testing.T) {
	w := NewBufferWriter()
	w.WriteBytes([]byte{1, 2})

	r := NewReader(w.Bytes())
	if _, err := r.ReadUint32(); err == nil {
		t.Fatalf("expected error reading a 2-byte record as uint32")
	}

	w = NewBufferWriter()
	w.WriteUint32(5)
	r = NewReader(w.Bytes())
	if _, err := r.ReadUint64(); err == nil {
		t.Fatalf("expected error reading a uint32 record as uint64")
	}
}
