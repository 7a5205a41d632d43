// Package record implements the length-prefixed binary record codec used by
// all treelet and scene object files. A file is a plain sequence of records;
// each record is a little-endian uint32 payload length followed by the
// payload. There is no schema versioning: readers and writers rely on
// positional stability only.
package record

import (
	"encoding/binary"
	"os"

	"github.com/edsrzf/mmap-go"
	"github.com/pkg/errors"
)

const lenPrefixSize = 4

// Writer appends records to a file. Records are buffered in memory and
// flushed on Close so that WriteAt can patch earlier records in place.
type Writer struct {
	path string
	buf  []byte
}

// NewWriter creates (truncating) the named record file.
func NewWriter(path string) *Writer {
	return &Writer{path: path}
}

// NewBufferWriter accumulates records in memory only; retrieve them with
// Bytes. Used for nested blobs (e.g. serialized triangle meshes).
func NewBufferWriter() *Writer {
	return &Writer{}
}

func (w *Writer) WriteBytes(payload []byte) {
	var hdr [lenPrefixSize]byte
	binary.LittleEndian.PutUint32(hdr[:], uint32(len(payload)))
	w.buf = append(w.buf, hdr[:]...)
	w.buf = append(w.buf, payload...)
}

func (w *Writer) WriteUint32(v uint32) {
	var payload [4]byte
	binary.LittleEndian.PutUint32(payload[:], v)
	w.WriteBytes(payload[:])
}

func (w *Writer) WriteUint64(v uint64) {
	var payload [8]byte
	binary.LittleEndian.PutUint64(payload[:], v)
	w.WriteBytes(payload[:])
}

func (w *Writer) WriteString(s string) {
	w.WriteBytes([]byte(s))
}

// Offset returns the byte offset the next record will start at.
func (w *Writer) Offset() int {
	return len(w.buf)
}

// PatchUint32 rewrites the payload of the fixed-size uint32 record that was
// written at the given offset.
func (w *Writer) PatchUint32(offset int, v uint32) error {
	if offset < 0 || offset+lenPrefixSize+4 > len(w.buf) {
		return errors.Errorf("record: patch offset %d out of range", offset)
	}
	if got := binary.LittleEndian.Uint32(w.buf[offset:]); got != 4 {
		return errors.Errorf("record: patch target at %d is not a uint32 record (len %d)", offset, got)
	}
	binary.LittleEndian.PutUint32(w.buf[offset+lenPrefixSize:], v)
	return nil
}

// Bytes returns the accumulated record stream.
func (w *Writer) Bytes() []byte {
	return w.buf
}

// Close flushes the record stream to the backing file, if any.
func (w *Writer) Close() error {
	if w.path == "" {
		return nil
	}
	if err := os.WriteFile(w.path, w.buf, 0644); err != nil {
		return errors.Wrapf(err, "record: writing %s", w.path)
	}
	return nil
}

// Reader consumes records in order from a byte buffer. ReadBytes returns
// sub-slices aliasing the backing buffer, so callers can retain views into a
// memory-mapped file without copying.
type Reader struct {
	data []byte
	pos  int

	mapped mmap.MMap
	file   *os.File
}

// NewReader wraps an in-memory record stream.
func NewReader(data []byte) *Reader {
	return &Reader{data: data}
}

// OpenReader memory-maps the named record file. Close releases the mapping.
func OpenReader(path string) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "record: opening %s", path)
	}

	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, errors.Wrapf(err, "record: stat %s", path)
	}

	if fi.Size() == 0 {
		return &Reader{file: f}, nil
	}

	m, err := mmap.Map(f, mmap.RDONLY, 0)
	if err != nil {
		f.Close()
		return nil, errors.Wrapf(err, "record: mmap %s", path)
	}

	return &Reader{data: m, mapped: m, file: f}, nil
}

func (r *Reader) Close() error {
	var err error
	if r.mapped != nil {
		err = r.mapped.Unmap()
		r.mapped = nil
	}
	if r.file != nil {
		if cerr := r.file.Close(); err == nil {
			err = cerr
		}
		r.file = nil
	}
	return err
}

func (r *Reader) EOF() bool {
	return r.pos >= len(r.data)
}

// Cur returns the absolute offset of the next record.
func (r *Reader) Cur() int {
	return r.pos
}

// Sub returns the backing buffer range [off, off+n). Used to alias the raw
// bytes spanned by a group of records (zero-copy mesh storage).
func (r *Reader) Sub(off, n int) ([]byte, error) {
	if off < 0 || n < 0 || off+n > len(r.data) {
		return nil, errors.Errorf("record: sub-range [%d,%d) out of bounds", off, off+n)
	}
	return r.data[off : off+n], nil
}

// ReadBytes consumes the next record and returns its payload, aliasing the
// backing buffer.
func (r *Reader) ReadBytes() ([]byte, error) {
	if r.pos+lenPrefixSize > len(r.data) {
		return nil, errors.Errorf("record: truncated length prefix at offset %d", r.pos)
	}
	n := int(binary.LittleEndian.Uint32(r.data[r.pos:]))
	start := r.pos + lenPrefixSize
	if start+n > len(r.data) {
		return nil, errors.Errorf("record: truncated payload at offset %d (want %d bytes)", start, n)
	}
	r.pos = start + n
	return r.data[start : start+n : start+n], nil
}

func (r *Reader) ReadUint32() (uint32, error) {
	payload, err := r.ReadBytes()
	if err != nil {
		return 0, err
	}
	if len(payload) != 4 {
		return 0, errors.Errorf("record: expected uint32 record, got %d bytes", len(payload))
	}
	return binary.LittleEndian.Uint32(payload), nil
}

func (r *Reader) ReadUint64() (uint64, error) {
	payload, err := r.ReadBytes()
	if err != nil {
		return 0, err
	}
	if len(payload) != 8 {
		return 0, errors.Errorf("record: expected uint64 record, got %d bytes", len(payload))
	}
	return binary.LittleEndian.Uint64(payload), nil
}

func (r *Reader) ReadString() (string, error) {
	payload, err := r.ReadBytes()
	if err != nil {
		return "", err
	}
	return string(payload), nil
}
