package scene

import (
	"encoding/binary"

	"github.com/pkg/errors"

	"github.com/esaurez/pbrt-v3/types"
)

// An instance ref packs the instanced sub-tree's treelet group in the high
// 32 bits and its root node index in the low 32.

func MakeInstanceRef(group, node uint32) uint64 {
	return uint64(group)<<32 | uint64(node)
}

func InstanceGroup(ref uint64) uint32 { return uint32(ref >> 32) }
func InstanceNode(ref uint64) uint32  { return uint32(ref) }

// TransformedPrimitiveRecord is the fixed-size wire form of one instance
// reference inside a leaf: the target root plus an animated transform
// snapshot pair.
type TransformedPrimitiveRecord struct {
	RootRef        uint64
	StartTransform types.Mat4
	EndTransform   types.Mat4
	StartTime      float32
	EndTime        float32
}

const TransformedPrimitiveWireSize = 8 + 64 + 64 + 8

func (p *TransformedPrimitiveRecord) Marshal() []byte {
	buf := make([]byte, TransformedPrimitiveWireSize)
	le := binary.LittleEndian
	le.PutUint64(buf[0:], p.RootRef)
	off := 8
	for _, f := range p.StartTransform {
		le.PutUint32(buf[off:], f32bits(f))
		off += 4
	}
	for _, f := range p.EndTransform {
		le.PutUint32(buf[off:], f32bits(f))
		off += 4
	}
	le.PutUint32(buf[off:], f32bits(p.StartTime))
	le.PutUint32(buf[off+4:], f32bits(p.EndTime))
	return buf
}

func UnmarshalTransformedPrimitive(buf []byte) (TransformedPrimitiveRecord, error) {
	var p TransformedPrimitiveRecord
	if len(buf) < TransformedPrimitiveWireSize {
		return p, errors.Errorf("scene: transformed primitive record of %d bytes, want %d",
			len(buf), TransformedPrimitiveWireSize)
	}
	le := binary.LittleEndian
	p.RootRef = le.Uint64(buf[0:])
	off := 8
	for i := range p.StartTransform {
		p.StartTransform[i] = f32frombits(le.Uint32(buf[off:]))
		off += 4
	}
	for i := range p.EndTransform {
		p.EndTransform[i] = f32frombits(le.Uint32(buf[off:]))
		off += 4
	}
	p.StartTime = f32frombits(le.Uint32(buf[off:]))
	p.EndTime = f32frombits(le.Uint32(buf[off+4:]))
	return p, nil
}

// AnimatedTransform converts the snapshot pair back to a transform.
func (p *TransformedPrimitiveRecord) AnimatedTransform() types.AnimatedTransform {
	return types.AnimatedTransform{
		Start:     p.StartTransform,
		End:       p.EndTransform,
		StartTime: p.StartTime,
		EndTime:   p.EndTime,
	}
}

// TriangleRecord is the fixed-size wire form of one triangle inside a leaf.
type TriangleRecord struct {
	MeshID    uint64
	TriNumber uint32
}

const TriangleWireSize = 12

func (t *TriangleRecord) Marshal() []byte {
	buf := make([]byte, TriangleWireSize)
	le := binary.LittleEndian
	le.PutUint64(buf[0:], t.MeshID)
	le.PutUint32(buf[8:], t.TriNumber)
	return buf
}

func UnmarshalTriangle(buf []byte) (TriangleRecord, error) {
	var t TriangleRecord
	if len(buf) < TriangleWireSize {
		return t, errors.Errorf("scene: triangle record of %d bytes, want %d", len(buf), TriangleWireSize)
	}
	le := binary.LittleEndian
	t.MeshID = le.Uint64(buf[0:])
	t.TriNumber = le.Uint32(buf[8:])
	return t, nil
}

// MeshHeader is the per-mesh prefix written before each mesh blob in a
// treelet file.
type MeshHeader struct {
	MeshID      uint64
	Material    MaterialKey
	AreaLightID uint32
}

const MeshHeaderWireSize = 20

func (h *MeshHeader) Marshal() []byte {
	buf := make([]byte, MeshHeaderWireSize)
	le := binary.LittleEndian
	le.PutUint64(buf[0:], h.MeshID)
	le.PutUint32(buf[8:], h.Material.Treelet)
	le.PutUint32(buf[12:], h.Material.ID)
	le.PutUint32(buf[16:], h.AreaLightID)
	return buf
}

func UnmarshalMeshHeader(buf []byte) (MeshHeader, error) {
	var h MeshHeader
	if len(buf) < MeshHeaderWireSize {
		return h, errors.Errorf("scene: mesh header of %d bytes, want %d", len(buf), MeshHeaderWireSize)
	}
	le := binary.LittleEndian
	h.MeshID = le.Uint64(buf[0:])
	h.Material.Treelet = le.Uint32(buf[8:])
	h.Material.ID = le.Uint32(buf[12:])
	h.AreaLightID = le.Uint32(buf[16:])
	return h, nil
}

// MarshalBounds packs a bounding box as 6 little-endian floats.
func MarshalBounds(b types.Bounds3) []byte {
	buf := make([]byte, 24)
	putVec3(buf[0:], b.Min)
	putVec3(buf[12:], b.Max)
	return buf
}

func UnmarshalBounds(buf []byte) (types.Bounds3, error) {
	var b types.Bounds3
	if len(buf) < 24 {
		return b, errors.Errorf("scene: bounds record of %d bytes, want 24", len(buf))
	}
	b.Min = getVec3(buf[0:])
	b.Max = getVec3(buf[12:])
	return b, nil
}

// MarshalMat4 packs a matrix as 16 little-endian floats.
func MarshalMat4(m types.Mat4) []byte {
	buf := make([]byte, 64)
	le := binary.LittleEndian
	for i, f := range m {
		le.PutUint32(buf[4*i:], f32bits(f))
	}
	return buf
}

func UnmarshalMat4(buf []byte) (types.Mat4, error) {
	var m types.Mat4
	if len(buf) < 64 {
		return m, errors.Errorf("scene: matrix record of %d bytes, want 64", len(buf))
	}
	le := binary.LittleEndian
	for i := range m {
		m[i] = f32frombits(le.Uint32(buf[4*i:]))
	}
	return m, nil
}
