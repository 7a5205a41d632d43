package scene

import (
	"encoding/binary"

	"github.com/pkg/errors"

	"github.com/esaurez/pbrt-v3/types"
)

const (
	meshHasNormals = 1 << iota
	meshHasTangents
	meshHasUVs
	meshHasFaceIndices
)

// TriangleMesh is indexed triangle geometry. Triangles store only a mesh id
// and a triangle number; all per-vertex data lives here, decoded once per
// mesh from the treelet's shared backing buffer.
type TriangleMesh struct {
	Indices []uint32 // 3 per triangle
	P       []types.Vec3
	N       []types.Vec3 // optional
	S       []types.Vec3 // optional tangents
	UV      []types.Vec2 // optional
	// FaceIndices maps each triangle to its source (ptex) face id.
	FaceIndices []uint32 // optional
}

func (m *TriangleMesh) TriangleCount() int {
	return len(m.Indices) / 3
}

// Vertex returns the i-th corner (0..2) of triangle tri.
func (m *TriangleMesh) Vertex(tri uint32, i int) types.Vec3 {
	return m.P[m.Indices[3*int(tri)+i]]
}

// TriangleBounds returns the bounding box of one triangle.
func (m *TriangleMesh) TriangleBounds(tri uint32) types.Bounds3 {
	b := types.EmptyBounds()
	for i := 0; i < 3; i++ {
		b = types.UnionPoint(b, m.Vertex(tri, i))
	}
	return b
}

// TriangleSurfaceArea returns the area of one triangle.
func (m *TriangleMesh) TriangleSurfaceArea(tri uint32) float32 {
	p0, p1, p2 := m.Vertex(tri, 0), m.Vertex(tri, 1), m.Vertex(tri, 2)
	return 0.5 * p1.Sub(p0).Cross(p2.Sub(p0)).Len()
}

// Serialize packs the mesh into a single blob: triangle and vertex counts, a
// feature flag word, then the raw little-endian arrays in fixed order.
func (m *TriangleMesh) Serialize() []byte {
	var flags uint32
	size := 12 + 4*len(m.Indices) + 12*len(m.P)
	if len(m.N) > 0 {
		flags |= meshHasNormals
		size += 12 * len(m.N)
	}
	if len(m.S) > 0 {
		flags |= meshHasTangents
		size += 12 * len(m.S)
	}
	if len(m.UV) > 0 {
		flags |= meshHasUVs
		size += 8 * len(m.UV)
	}
	if len(m.FaceIndices) > 0 {
		flags |= meshHasFaceIndices
		size += 4 * len(m.FaceIndices)
	}

	buf := make([]byte, size)
	le := binary.LittleEndian
	le.PutUint32(buf[0:], uint32(m.TriangleCount()))
	le.PutUint32(buf[4:], uint32(len(m.P)))
	le.PutUint32(buf[8:], flags)
	off := 12
	for _, idx := range m.Indices {
		le.PutUint32(buf[off:], idx)
		off += 4
	}
	for _, p := range m.P {
		putVec3(buf[off:], p)
		off += 12
	}
	for _, n := range m.N {
		putVec3(buf[off:], n)
		off += 12
	}
	for _, s := range m.S {
		putVec3(buf[off:], s)
		off += 12
	}
	for _, uv := range m.UV {
		le.PutUint32(buf[off:], f32bits(uv[0]))
		le.PutUint32(buf[off+4:], f32bits(uv[1]))
		off += 8
	}
	for _, f := range m.FaceIndices {
		le.PutUint32(buf[off:], f)
		off += 4
	}
	return buf
}

// DeserializeMesh decodes a blob produced by Serialize. The blob may alias a
// memory-mapped file; the decoded mesh copies it into typed slices.
func DeserializeMesh(blob []byte) (*TriangleMesh, error) {
	if len(blob) < 12 {
		return nil, errors.Errorf("scene: mesh blob of %d bytes is too short", len(blob))
	}
	le := binary.LittleEndian
	nTris := int(le.Uint32(blob[0:]))
	nVerts := int(le.Uint32(blob[4:]))
	flags := le.Uint32(blob[8:])

	size := 12 + 4*3*nTris + 12*nVerts
	if flags&meshHasNormals != 0 {
		size += 12 * nVerts
	}
	if flags&meshHasTangents != 0 {
		size += 12 * nVerts
	}
	if flags&meshHasUVs != 0 {
		size += 8 * nVerts
	}
	if flags&meshHasFaceIndices != 0 {
		size += 4 * nTris
	}
	if len(blob) < size {
		return nil, errors.Errorf("scene: mesh blob truncated: have %d bytes, need %d", len(blob), size)
	}

	m := &TriangleMesh{
		Indices: make([]uint32, 3*nTris),
		P:       make([]types.Vec3, nVerts),
	}
	off := 12
	for i := range m.Indices {
		m.Indices[i] = le.Uint32(blob[off:])
		off += 4
	}
	for i := range m.P {
		m.P[i] = getVec3(blob[off:])
		off += 12
	}
	if flags&meshHasNormals != 0 {
		m.N = make([]types.Vec3, nVerts)
		for i := range m.N {
			m.N[i] = getVec3(blob[off:])
			off += 12
		}
	}
	if flags&meshHasTangents != 0 {
		m.S = make([]types.Vec3, nVerts)
		for i := range m.S {
			m.S[i] = getVec3(blob[off:])
			off += 12
		}
	}
	if flags&meshHasUVs != 0 {
		m.UV = make([]types.Vec2, nVerts)
		for i := range m.UV {
			m.UV[i] = types.Vec2{
				f32frombits(le.Uint32(blob[off:])),
				f32frombits(le.Uint32(blob[off+4:])),
			}
			off += 8
		}
	}
	if flags&meshHasFaceIndices != 0 {
		m.FaceIndices = make([]uint32, nTris)
		for i := range m.FaceIndices {
			m.FaceIndices[i] = le.Uint32(blob[off:])
			off += 4
		}
	}
	return m, nil
}

// Cut extracts the given triangles into a new mesh, deduplicating vertices
// and renumbering them densely. Triangle order in the result follows the
// order of tris, so the i-th requested triangle becomes triangle i. An
// optional faceRemap rewrites retained face ids (used when the backing
// texture was re-partitioned along with the mesh).
func (m *TriangleMesh) Cut(tris []uint32, faceRemap func(uint32) uint32) *TriangleMesh {
	out := &TriangleMesh{
		Indices: make([]uint32, 0, 3*len(tris)),
	}
	vertexRemap := make(map[uint32]uint32)

	remapVertex := func(old uint32) uint32 {
		if nv, ok := vertexRemap[old]; ok {
			return nv
		}
		nv := uint32(len(out.P))
		vertexRemap[old] = nv
		out.P = append(out.P, m.P[old])
		if len(m.N) > 0 {
			out.N = append(out.N, m.N[old])
		}
		if len(m.S) > 0 {
			out.S = append(out.S, m.S[old])
		}
		if len(m.UV) > 0 {
			out.UV = append(out.UV, m.UV[old])
		}
		return nv
	}

	for _, tri := range tris {
		for i := 0; i < 3; i++ {
			out.Indices = append(out.Indices, remapVertex(m.Indices[3*int(tri)+i]))
		}
		if len(m.FaceIndices) > 0 {
			face := m.FaceIndices[tri]
			if faceRemap != nil {
				face = faceRemap(face)
			}
			out.FaceIndices = append(out.FaceIndices, face)
		}
	}
	return out
}
