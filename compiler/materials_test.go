package compiler

import (
	"bytes"
	"os"
	"testing"

	"github.com/esaurez/pbrt-v3/cloud"
	"github.com/esaurez/pbrt-v3/manager"
	"github.com/esaurez/pbrt-v3/scene"
	"github.com/esaurez/pbrt-v3/types"
)

func writeMaterialBlob(t *testing.T, mgr *manager.SceneManager, typ manager.ObjectType, id uint32, blob []byte) {
	t.Helper()
	if err := os.WriteFile(mgr.FilePath(typ, id), blob, 0644); err != nil {
		t.Fatalf("writing %s %d: %v", typ, id, err)
	}
}

func TestMaterialTreeletDump(t *testing.T) {
	dir := t.TempDir()
	mgr := manager.New(dir)

	// id 0 is reserved for "no material"
	mgr.NextID(manager.Material, nil)
	plain := mgr.NextID(manager.Material, nil)
	textured := mgr.NextID(manager.Material, nil)
	writeMaterialBlob(t, mgr, manager.Material, plain, []byte("matte gray"))
	writeMaterialBlob(t, mgr, manager.Material, textured, []byte("matte ptex"))

	stex := mgr.NextID(manager.SpectrumTexture, nil)
	writeMaterialBlob(t, mgr, manager.SpectrumTexture, stex, bytes.Repeat([]byte{7}, 256))
	mgr.RecordDependency(
		manager.ObjectKey{Type: manager.Material, ID: textured},
		manager.ObjectKey{Type: manager.SpectrumTexture, ID: stex})

	meshA := stripMesh(4)
	meshB := scatterMesh(4)
	mgr.NextID(manager.TriangleMesh, meshA)
	mgr.NextID(manager.TriangleMesh, meshB)
	mgr.RecordMeshMaterialID(meshA, plain)
	mgr.RecordMeshMaterialID(meshB, textured)

	var prims []*BuildPrimitive
	for i := 0; i < meshA.TriangleCount(); i++ {
		prims = append(prims, NewTrianglePrimitive(meshA, uint32(i)))
	}
	for i := 0; i < meshB.TriangleCount(); i++ {
		prims = append(prims, NewTrianglePrimitive(meshB, uint32(i)))
	}

	b, err := NewSceneBVH(mgr, prims, Config{
		MaxTreeletBytes: 1 << 16,
		Partition:       PartitionMergedGraph,
		MaxLeafPrims:    1,
	}, NewInstanceRegistry())
	if err != nil {
		t.Fatalf("scene build failed: %v", err)
	}
	if _, err := b.DumpTreelets(); err != nil {
		t.Fatalf("dump failed: %v", err)
	}
	if err := b.DumpHeader(); err != nil {
		t.Fatalf("header dump failed: %v", err)
	}
	if err := mgr.WriteManifest(); err != nil {
		t.Fatalf("manifest write failed: %v", err)
	}

	// both materials fit one material treelet alongside the geometry treelet
	if mgr.TreeletCount() != 2 {
		t.Fatalf("expected 2 treelets; got %d", mgr.TreeletCount())
	}
	mtlTreelet := mgr.MaterialTreeletID(plain)
	if mtlTreelet == 0 {
		t.Fatalf("expected the material treelet to follow the geometry treelet")
	}
	if mgr.MaterialTreeletID(textured) != mtlTreelet {
		t.Fatalf("expected both materials in treelet %d; got %d", mtlTreelet, mgr.MaterialTreeletID(textured))
	}

	deps := mgr.TreeletDependencies(0)
	var sawMaterial, sawMaterialTreelet bool
	for _, dep := range deps {
		if dep.Type == manager.Material {
			sawMaterial = true
		}
		if dep.Type == manager.Treelet && dep.ID == mtlTreelet {
			sawMaterialTreelet = true
		}
	}
	if !sawMaterial || !sawMaterialTreelet {
		t.Fatalf("expected the geometry treelet to depend on its materials; got %v", deps)
	}

	reopened, err := manager.Open(dir)
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	bvh, err := cloud.New(reopened, cloud.Options{Preload: true})
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}

	ray := types.NewRay(types.Vec3{0.25, 0.25, -5}, types.Vec3{0, 0, 1})
	var si scene.SurfaceInteraction
	hit, err := bvh.Intersect(&ray, &si, 0)
	if err != nil {
		t.Fatalf("intersect failed: %v", err)
	}
	if !hit {
		t.Fatalf("expected a hit on the textured geometry")
	}
	if si.Material == nil || si.Material.MaterialID() == 0 {
		t.Fatalf("expected the hit to carry a material")
	}
}

func TestMaterialOverBudgetNeedsPartitioner(t *testing.T) {
	dir := t.TempDir()
	mgr := manager.New(dir)

	mgr.NextID(manager.Material, nil)
	big := mgr.NextID(manager.Material, nil)
	writeMaterialBlob(t, mgr, manager.Material, big, []byte("ptex heavy"))

	stex := mgr.NextID(manager.SpectrumTexture, nil)
	writeMaterialBlob(t, mgr, manager.SpectrumTexture, stex, bytes.Repeat([]byte{1}, 8000))
	mgr.RecordDependency(
		manager.ObjectKey{Type: manager.Material, ID: big},
		manager.ObjectKey{Type: manager.SpectrumTexture, ID: stex})

	mesh := stripMesh(4)
	mgr.NextID(manager.TriangleMesh, mesh)
	mgr.RecordMeshMaterialID(mesh, big)

	prims := make([]*BuildPrimitive, mesh.TriangleCount())
	for i := range prims {
		prims[i] = NewTrianglePrimitive(mesh, uint32(i))
	}

	// the texture alone exceeds the material budget of 3/4 * 8 KiB
	b, err := NewSceneBVH(mgr, prims, Config{
		MaxTreeletBytes: 8 << 10,
		Partition:       PartitionMergedGraph,
		MaxLeafPrims:    1,
	}, NewInstanceRegistry())
	if err != nil {
		t.Fatalf("scene build failed: %v", err)
	}
	if _, err := b.DumpTreelets(); err == nil {
		t.Fatalf("expected an error for an oversized material without a partitioner")
	}
}
