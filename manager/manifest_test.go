package manager

import (
	"testing"
)

func TestNextIDPerType(t *testing.T) {
	m := New(t.TempDir())

	if id := m.NextID(Treelet, nil); id != 0 {
		t.Fatalf("expected first treelet id 0; got %d", id)
	}
	if id := m.NextID(Treelet, nil); id != 1 {
		t.Fatalf("expected second treelet id 1; got %d", id)
	}
	if id := m.NextID(TriangleMesh, nil); id != 0 {
		t.Fatalf("expected mesh ids to count independently; got %d", id)
	}
	if m.TreeletCount() != 2 {
		t.Fatalf("expected 2 treelets; got %d", m.TreeletCount())
	}

	type obj struct{ name string }
	o := &obj{"mesh"}
	id := m.NextID(TriangleMesh, o)
	if !m.HasID(o) {
		t.Fatalf("expected the pointer to be registered")
	}
	if m.GetID(o) != id {
		t.Fatalf("expected GetID to return %d; got %d", id, m.GetID(o))
	}
}

func TestDependencies(t *testing.T) {
	m := New(t.TempDir())

	from := ObjectKey{Treelet, 1}
	m.RecordDependency(from, ObjectKey{Material, 3})
	m.RecordDependency(from, ObjectKey{TriangleMesh, 2})
	m.RecordDependency(from, ObjectKey{Material, 3}) // duplicate

	deps := m.Dependencies(from)
	if len(deps) != 2 {
		t.Fatalf("expected 2 deduplicated dependencies; got %d", len(deps))
	}
	if len(m.TreeletDependencies(1)) != 2 {
		t.Fatalf("expected the treelet closure to cover both objects")
	}
	if len(m.Dependencies(ObjectKey{Treelet, 9})) != 0 {
		t.Fatalf("expected no dependencies for an unknown key")
	}
}

func TestMaterialTreeletIDs(t *testing.T) {
	m := New(t.TempDir())

	if id := m.MaterialTreeletID(0); id != 0 {
		t.Fatalf("expected the null material to map to treelet 0; got %d", id)
	}

	m.RecordMaterialTreeletID(4, 17)
	if id := m.MaterialTreeletID(4); id != 17 {
		t.Fatalf("expected material 4 in treelet 17; got %d", id)
	}

	defer func() {
		if recover() == nil {
			t.Fatalf("expected a panic for an unassigned material")
		}
	}()
	m.MaterialTreeletID(99)
}

func TestCompoundRecords(t *testing.T) {
	m := New(t.TempDir())

	if m.IsCompoundTexture("a.ptex") {
		t.Fatalf("expected no compound textures initially")
	}
	m.AddToCompoundTexture("a.ptex", TexturePartition{
		TextureIDs: []uint32{1, 2},
		FaceMap:    map[uint32]uint32{5: 0},
	})
	if !m.IsCompoundTexture("a.ptex") {
		t.Fatalf("expected the texture to be marked compound")
	}
	if parts := m.CompoundTexture("a.ptex"); len(parts) != 1 || parts[0].FaceMap[5] != 0 {
		t.Fatalf("expected the recorded partition back; got %+v", parts)
	}

	m.AddToCompoundMaterial(7, 20, map[uint32]uint32{5: 0})
	m.AddToCompoundMaterial(7, 21, map[uint32]uint32{6: 0})
	if !m.IsCompoundMaterial(7) {
		t.Fatalf("expected material 7 to be compound")
	}
	parts := m.CompoundMaterial(7)
	if len(parts) != 2 {
		t.Fatalf("expected 2 partition materials; got %d", len(parts))
	}
	if parts[20][5] != 0 || parts[21][6] != 0 {
		t.Fatalf("expected the recorded face maps back; got %+v", parts)
	}
}

func TestMeshAnnotations(t *testing.T) {
	m := New(t.TempDir())
	type mesh struct{ n int }
	a, b := &mesh{1}, &mesh{2}

	m.RecordMeshMaterialID(a, 5)
	m.RecordMeshAreaLightID(a, 2)
	if m.MeshMaterialID(a) != 5 || m.MeshAreaLightID(a) != 2 {
		t.Fatalf("expected the recorded ids back")
	}
	if m.MeshMaterialID(b) != 0 || m.MeshAreaLightID(b) != 0 {
		t.Fatalf("expected unannotated meshes to default to 0")
	}
}

func TestManifestRoundTrip(t *testing.T) {
	dir := t.TempDir()
	m := New(dir)

	m.NextID(Treelet, nil)
	m.NextID(Treelet, nil)
	m.NextID(Treelet, nil)
	m.NextID(TriangleMesh, nil)
	m.NextID(Material, nil)
	m.RecordDependency(ObjectKey{Treelet, 1}, ObjectKey{Material, 0})
	m.RecordDependency(ObjectKey{Treelet, 1}, ObjectKey{Treelet, 2})
	m.RecordMaterialTreeletID(1, 2)

	if err := m.WriteManifest(); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	got, err := Open(dir)
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	if got.TreeletCount() != 3 {
		t.Fatalf("expected 3 treelets; got %d", got.TreeletCount())
	}
	if got.AllocatedIDs(TriangleMesh) != 1 || got.AllocatedIDs(Material) != 1 {
		t.Fatalf("expected id counters to survive the round trip")
	}
	deps := got.Dependencies(ObjectKey{Treelet, 1})
	if len(deps) != 2 {
		t.Fatalf("expected 2 dependencies; got %d", len(deps))
	}
	if got.MaterialTreeletID(1) != 2 {
		t.Fatalf("expected material 1 in treelet 2; got %d", got.MaterialTreeletID(1))
	}
}

func TestOpenMissingManifest(t *testing.T) {
	if _, err := Open(t.TempDir()); err == nil {
		t.Fatalf("expected an error for a directory without a manifest")
	}
}

func TestInMemoryTextures(t *testing.T) {
	m := New(t.TempDir())

	if m.HasInMemoryTextures() {
		t.Fatalf("expected no in-memory textures initially")
	}
	m.AddInMemoryTexture("env.ptex", []byte{1, 2, 3})
	if !m.HasInMemoryTextures() {
		t.Fatalf("expected the texture to be registered")
	}
	data, err := m.InMemoryTexture("env.ptex")
	if err != nil {
		t.Fatalf("lookup failed: %v", err)
	}
	if len(data) != 3 || data[0] != 1 {
		t.Fatalf("expected the stored bytes back; got %v", data)
	}
	if _, err := m.InMemoryTexture("missing.ptex"); err == nil {
		t.Fatalf("expected an error for an unknown texture")
	}
}
