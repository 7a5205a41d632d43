package scene

import (
	"testing"

	"github.com/esaurez/pbrt-v3/types"
)

func testMesh() *TriangleMesh {
	return &TriangleMesh{
		Indices: []uint32{0, 1, 2, 1, 3, 2},
		P: []types.Vec3{
			{0, 0, 0},
			{1, 0, 0},
			{0, 1, 0},
			{1, 1, 0},
		},
		N: []types.Vec3{
			{0, 0, 1},
			{0, 0, 1},
			{0, 0, 1},
			{0, 0, 1},
		},
		UV: []types.Vec2{
			{0, 0},
			{1, 0},
			{0, 1},
			{1, 1},
		},
		FaceIndices: []uint32{10, 11},
	}
}

func TestMeshSerializeRoundTrip(t *testing.T) {
	mesh := testMesh()
	decoded, err := DeserializeMesh(mesh.Serialize())
	if err != nil {
		t.Fatalf("deserialize failed: %v", err)
	}

	if decoded.TriangleCount() != mesh.TriangleCount() {
		t.Fatalf("expected %d triangles; got %d", mesh.TriangleCount(), decoded.TriangleCount())
	}
	for i := range mesh.Indices {
		if decoded.Indices[i] != mesh.Indices[i] {
			t.Fatalf("index %d changed across the wire", i)
		}
	}
	for i := range mesh.P {
		if decoded.P[i] != mesh.P[i] || decoded.N[i] != mesh.N[i] || decoded.UV[i] != mesh.UV[i] {
			t.Fatalf("vertex %d changed across the wire", i)
		}
	}
	for i := range mesh.FaceIndices {
		if decoded.FaceIndices[i] != mesh.FaceIndices[i] {
			t.Fatalf("face index %d changed across the wire", i)
		}
	}
}

func TestMeshSerializeNoOptionals(t *testing.T) {
	mesh := &TriangleMesh{
		Indices: []uint32{0, 1, 2},
		P:       []types.Vec3{{0, 0, 0}, {1, 0, 0}, {0, 1, 0}},
	}
	decoded, err := DeserializeMesh(mesh.Serialize())
	if err != nil {
		t.Fatalf("deserialize failed: %v", err)
	}
	if len(decoded.N) != 0 || len(decoded.UV) != 0 || len(decoded.FaceIndices) != 0 {
		t.Fatalf("expected optional attributes to stay empty")
	}
}

func TestDeserializeMeshErrors(t *testing.T) {
	if _, err := DeserializeMesh([]byte{1, 2, 3}); err == nil {
		t.Fatalf("expected error on a too-short blob")
	}
	blob := testMesh().Serialize()
	if _, err := DeserializeMesh(blob[:len(blob)-4]); err == nil {
		t.Fatalf("expected error on a truncated blob")
	}
}

func TestMeshCut(t *testing.T) {
	mesh := testMesh()

	cut := mesh.Cut([]uint32{1}, nil)
	if cut.TriangleCount() != 1 {
		t.Fatalf("expected 1 triangle after cut; got %d", cut.TriangleCount())
	}
	if len(cut.P) != 3 {
		t.Fatalf("expected 3 retained vertices; got %d", len(cut.P))
	}
	// triangle 1 of the source is triangle 0 of the cut
	for i := 0; i < 3; i++ {
		if cut.Vertex(0, i) != mesh.Vertex(1, i) {
			t.Fatalf("corner %d moved during cut: %v != %v", i, cut.Vertex(0, i), mesh.Vertex(1, i))
		}
	}
	if cut.FaceIndices[0] != 11 {
		t.Fatalf("expected face index 11; got %d", cut.FaceIndices[0])
	}

	remapped := mesh.Cut([]uint32{1}, func(face uint32) uint32 { return face - 10 })
	if remapped.FaceIndices[0] != 1 {
		t.Fatalf("expected remapped face index 1; got %d", remapped.FaceIndices[0])
	}
}

func TestMeshCutSharedVertices(t *testing.T) {
	mesh := testMesh()
	cut := mesh.Cut([]uint32{0, 1}, nil)

	if cut.TriangleCount() != 2 {
		t.Fatalf("expected 2 triangles; got %d", cut.TriangleCount())
	}
	// the quad shares two vertices across its triangles
	if len(cut.P) != 4 {
		t.Fatalf("expected 4 deduplicated vertices; got %d", len(cut.P))
	}
	for tri := uint32(0); tri < 2; tri++ {
		for i := 0; i < 3; i++ {
			if cut.Vertex(tri, i) != mesh.Vertex(tri, i) {
				t.Fatalf("triangle %d corner %d moved during identity cut", tri, i)
			}
		}
	}
}

func TestTriangleBounds(t *testing.T) {
	mesh := testMesh()
	b := mesh.TriangleBounds(0)
	want := types.Bounds3{Min: types.Vec3{0, 0, 0}, Max: types.Vec3{1, 1, 0}}
	if b != want {
		t.Fatalf("expected bounds %+v; got %+v", want, b)
	}
}
