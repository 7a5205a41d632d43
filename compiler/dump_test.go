package compiler

import (
	"math"
	"testing"

	"github.com/esaurez/pbrt-v3/cloud"
	"github.com/esaurez/pbrt-v3/manager"
	"github.com/esaurez/pbrt-v3/scene"
	"github.com/esaurez/pbrt-v3/types"
)

// scatterMesh lays out n triangles on a deterministic 3d scatter so the
// source BVH gets real depth along every axis.
func scatterMesh(n int) *scene.TriangleMesh {
	mesh := &scene.TriangleMesh{}
	for i := 0; i < n; i++ {
		base := uint32(len(mesh.P))
		x := float32(i % 7 * 3)
		y := float32(i % 5 * 3)
		z := float32(i % 3 * 3)
		mesh.P = append(mesh.P,
			types.Vec3{x, y, z},
			types.Vec3{x + 1, y, z},
			types.Vec3{x, y + 1, z},
		)
		mesh.Indices = append(mesh.Indices, base, base+1, base+2)
	}
	return mesh
}

func compileScene(t *testing.T, mesh *scene.TriangleMesh, cfg Config) string {
	t.Helper()
	dir := t.TempDir()
	mgr := manager.New(dir)
	mgr.NextID(manager.TriangleMesh, mesh)

	prims := make([]*BuildPrimitive, mesh.TriangleCount())
	for i := range prims {
		prims[i] = NewTrianglePrimitive(mesh, uint32(i))
	}

	b, err := NewSceneBVH(mgr, prims, cfg, NewInstanceRegistry())
	if err != nil {
		t.Fatalf("scene build failed: %v", err)
	}
	roots, err := b.DumpTreelets()
	if err != nil {
		t.Fatalf("dump failed: %v", err)
	}
	wantRoots := 1
	if cfg.Partition == PartitionOneByOne {
		wantRoots = 8
	}
	if len(roots) != wantRoots {
		t.Fatalf("expected %d root treelets; got %d", wantRoots, len(roots))
	}
	for i, root := range roots {
		if root != uint32(i) {
			t.Fatalf("expected root treelet ids 0-%d; got %v", wantRoots-1, roots)
		}
	}
	if err := b.DumpHeader(); err != nil {
		t.Fatalf("header dump failed: %v", err)
	}
	if err := mgr.WriteManifest(); err != nil {
		t.Fatalf("manifest write failed: %v", err)
	}
	return dir
}

// bruteForceClosest runs the ray against every triangle directly, shrinking
// TMax the way the accelerated path does.
func bruteForceClosest(ray types.Ray, mesh *scene.TriangleMesh) (types.Ray, bool) {
	hit := false
	for tri := uint32(0); tri < uint32(mesh.TriangleCount()); tri++ {
		if _, t, ok := scene.IntersectTriangle(&ray, mesh, tri); ok {
			ray.TMax = t
			hit = true
		}
	}
	return ray, hit
}

func testRays() []types.Ray {
	dirs := []types.Vec3{
		{0, 0, 1}, {0, 0, -1}, {1, 0, 0}, {0, 1, 0},
		{1, 1, 1}, {-1, -1, -1}, {1, -1, 0.5}, {-0.3, 1, -0.2},
	}
	origins := []types.Vec3{
		{0.2, 0.2, -5}, {3.1, 3.1, -5}, {-5, 0.3, 0}, {9, 9, 9},
		{0.5, 0.5, 0.5}, {100, 100, 100}, {6.2, 0.4, 10},
	}
	rays := make([]types.Ray, 0, len(dirs)*len(origins))
	for _, o := range origins {
		for _, d := range dirs {
			rays = append(rays, types.NewRay(o, d.Normalize()))
		}
	}
	return rays
}

func checkAgainstBruteForce(t *testing.T, bvh *cloud.CloudBVH, mesh *scene.TriangleMesh) {
	t.Helper()
	for i, ray := range testRays() {
		want, wantHit := bruteForceClosest(ray, mesh)

		got := ray
		var si scene.SurfaceInteraction
		gotHit, err := bvh.Intersect(&got, &si, 0)
		if err != nil {
			t.Fatalf("ray %d: intersect failed: %v", i, err)
		}
		if gotHit != wantHit {
			t.Fatalf("ray %d: expected hit=%v; got %v", i, wantHit, gotHit)
		}
		if wantHit && math.Abs(float64(got.TMax-want.TMax)) > 1e-4 {
			t.Fatalf("ray %d: expected hit distance %f; got %f", i, want.TMax, got.TMax)
		}

		anyHit, err := bvh.IntersectP(&ray, 0)
		if err != nil {
			t.Fatalf("ray %d: occlusion test failed: %v", i, err)
		}
		if anyHit != wantHit {
			t.Fatalf("ray %d: expected occlusion=%v; got %v", i, wantHit, anyHit)
		}
	}
}

func TestDumpLoadRoundTrip(t *testing.T) {
	mesh := scatterMesh(120)
	dir := compileScene(t, mesh, Config{
		MaxTreeletBytes: 2048,
		Partition:       PartitionMergedGraph,
		MaxLeafPrims:    2,
	})

	mgr, err := manager.Open(dir)
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	bvh, err := cloud.New(mgr, cloud.Options{Preload: true})
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}

	wb := bvh.WorldBound()
	if wb.Min != (types.Vec3{0, 0, 0}) {
		t.Fatalf("expected world bound at the origin; got %v", wb.Min)
	}

	checkAgainstBruteForce(t, bvh, mesh)
}

func TestLazyLoadingMatchesPreload(t *testing.T) {
	mesh := scatterMesh(120)
	dir := compileScene(t, mesh, Config{
		MaxTreeletBytes: 2048,
		Partition:       PartitionMergedGraph,
		MaxLeafPrims:    2,
	})

	mgr, err := manager.Open(dir)
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	lazy, err := cloud.New(mgr, cloud.Options{})
	if err != nil {
		t.Fatalf("lazy load failed: %v", err)
	}

	checkAgainstBruteForce(t, lazy, mesh)
}

func TestDumpDirectional(t *testing.T) {
	mesh := scatterMesh(120)
	dir := compileScene(t, mesh, Config{
		MaxTreeletBytes: 2048,
		Partition:       PartitionOneByOne,
		MaxLeafPrims:    2,
	})

	mgr, err := manager.Open(dir)
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	bvh, err := cloud.New(mgr, cloud.Options{Preload: true, Directional: true})
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}

	for i, ray := range testRays() {
		want, wantHit := bruteForceClosest(ray, mesh)

		got := ray
		var si scene.SurfaceInteraction
		gotHit, err := bvh.Intersect(&got, &si, bvh.ComputeIdx(got.Dir))
		if err != nil {
			t.Fatalf("ray %d: intersect failed: %v", i, err)
		}
		if gotHit != wantHit {
			t.Fatalf("ray %d: expected hit=%v; got %v", i, wantHit, gotHit)
		}
		if wantHit && math.Abs(float64(got.TMax-want.TMax)) > 1e-4 {
			t.Fatalf("ray %d: expected hit distance %f; got %f", i, want.TMax, got.TMax)
		}
	}
}

func instancedScene(t *testing.T, copyable bool) (string, *scene.TriangleMesh, *scene.TriangleMesh) {
	t.Helper()
	dir := t.TempDir()
	mgr := manager.New(dir)

	instMesh := stripMesh(4)
	sceneMesh := &scene.TriangleMesh{
		Indices: []uint32{0, 1, 2},
		P: []types.Vec3{
			{-5, -5, 0},
			{-4, -5, 0},
			{-5, -4, 0},
		},
	}
	mgr.NextID(manager.TriangleMesh, instMesh)
	mgr.NextID(manager.TriangleMesh, sceneMesh)

	cfg := Config{
		MaxTreeletBytes: 1 << 16,
		Partition:       PartitionMergedGraph,
		MaxLeafPrims:    1,
	}
	if !copyable {
		cfg.CopyableThreshold = 1
	}

	reg := NewInstanceRegistry()
	instPrims := make([]*BuildPrimitive, instMesh.TriangleCount())
	for i := range instPrims {
		instPrims[i] = NewTrianglePrimitive(instMesh, uint32(i))
	}
	inst, err := NewInstanceBVH(mgr, instPrims, cfg, reg)
	if err != nil {
		t.Fatalf("instance build failed: %v", err)
	}
	if inst.Copyable() != copyable {
		t.Fatalf("expected copyable=%v; got %v", copyable, inst.Copyable())
	}

	prims := []*BuildPrimitive{
		NewTrianglePrimitive(sceneMesh, 0),
		NewInstancePrimitive(inst, types.StaticTransform(types.Translation(types.Vec3{10, 0, 0}))),
	}
	b, err := NewSceneBVH(mgr, prims, cfg, reg)
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
	return dir, instMesh, sceneMesh
}

func checkInstancedScene(t *testing.T, dir string) {
	t.Helper()
	mgr, err := manager.Open(dir)
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	bvh, err := cloud.New(mgr, cloud.Options{Preload: true})
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}

	// instance geometry answers at its translated position only
	translated := types.NewRay(types.Vec3{10.25, 0.25, -5}, types.Vec3{0, 0, 1})
	var si scene.SurfaceInteraction
	hit, err := bvh.Intersect(&translated, &si, 0)
	if err != nil {
		t.Fatalf("intersect failed: %v", err)
	}
	if !hit {
		t.Fatalf("expected a hit through the instance transform")
	}
	if math.Abs(float64(translated.TMax-5)) > 1e-4 {
		t.Fatalf("expected hit distance 5; got %f", translated.TMax)
	}
	if math.Abs(float64(si.P[0]-10.25)) > 1e-3 {
		t.Fatalf("expected a world-space hit point; got %v", si.P)
	}

	untranslated := types.NewRay(types.Vec3{0.25, 0.25, -5}, types.Vec3{0, 0, 1})
	hit, err = bvh.Intersect(&untranslated, &si, 0)
	if err != nil {
		t.Fatalf("intersect failed: %v", err)
	}
	if hit {
		t.Fatalf("expected no hit at the instance's untranslated position")
	}

	// the non-instanced triangle still answers
	direct := types.NewRay(types.Vec3{-4.75, -4.75, -5}, types.Vec3{0, 0, 1})
	hit, err = bvh.Intersect(&direct, &si, 0)
	if err != nil {
		t.Fatalf("intersect failed: %v", err)
	}
	if !hit {
		t.Fatalf("expected a hit on the direct triangle")
	}
}

func TestCopyableInstanceRoundTrip(t *testing.T) {
	dir, _, _ := instancedScene(t, true)
	checkInstancedScene(t, dir)
}

func TestPartitionedInstanceRoundTrip(t *testing.T) {
	dir, _, _ := instancedScene(t, false)
	checkInstancedScene(t, dir)
}
