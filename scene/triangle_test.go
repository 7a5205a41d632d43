package scene

import (
	"math"
	"testing"

	"github.com/esaurez/pbrt-v3/types"
)

// unitTriangleMesh holds a single triangle on the z=1 plane spanning the
// unit square's lower-left half.
func unitTriangleMesh() *TriangleMesh {
	return &TriangleMesh{
		Indices: []uint32{0, 1, 2},
		P: []types.Vec3{
			{-1, -1, 1},
			{1, -1, 1},
			{0, 1, 1},
		},
	}
}

func TestIntersectTriangleHit(t *testing.T) {
	mesh := unitTriangleMesh()
	ray := types.NewRay(types.Vec3{0, 0, 0}, types.Vec3{0, 0, 1})

	si, dist, hit := IntersectTriangle(&ray, mesh, 0)
	if !hit {
		t.Fatalf("expected a hit at the triangle plane")
	}
	if math.Abs(float64(dist-1)) > 1e-5 {
		t.Fatalf("expected hit distance 1; got %f", dist)
	}
	if math.Abs(float64(si.P[2]-1)) > 1e-5 {
		t.Fatalf("expected hit point on the z=1 plane; got %v", si.P)
	}
	if si.Wo != (types.Vec3{0, 0, -1}) {
		t.Fatalf("expected Wo opposite the ray direction; got %v", si.Wo)
	}
	// geometric normal of a CCW triangle facing the ray
	if math.Abs(math.Abs(float64(si.N[2]))-1) > 1e-5 {
		t.Fatalf("expected normal along z; got %v", si.N)
	}

	if !IntersectTriangleP(&ray, mesh, 0) {
		t.Fatalf("expected the any-hit variant to agree")
	}
}

func TestIntersectTriangleMiss(t *testing.T) {
	mesh := unitTriangleMesh()

	away := types.NewRay(types.Vec3{0, 0, 0}, types.Vec3{0, 0, -1})
	if _, _, hit := IntersectTriangle(&away, mesh, 0); hit {
		t.Fatalf("expected no hit behind the ray origin")
	}

	aside := types.NewRay(types.Vec3{5, 5, 0}, types.Vec3{0, 0, 1})
	if IntersectTriangleP(&aside, mesh, 0) {
		t.Fatalf("expected no hit outside the triangle")
	}
}

func TestIntersectTriangleHonorsTMax(t *testing.T) {
	mesh := unitTriangleMesh()
	ray := types.NewRay(types.Vec3{0, 0, 0}, types.Vec3{0, 0, 1})
	ray.TMax = 0.5

	if _, _, hit := IntersectTriangle(&ray, mesh, 0); hit {
		t.Fatalf("expected no hit past TMax")
	}
}

func TestIntersectTriangleInterpolatesNormals(t *testing.T) {
	mesh := unitTriangleMesh()
	mesh.N = []types.Vec3{
		{0, 0, -1},
		{0, 0, -1},
		{0, 0, -1},
	}
	ray := types.NewRay(types.Vec3{0, 0, 0}, types.Vec3{0, 0, 1})

	si, _, hit := IntersectTriangle(&ray, mesh, 0)
	if !hit {
		t.Fatalf("expected a hit")
	}
	if si.N != (types.Vec3{0, 0, -1}) {
		t.Fatalf("expected the shading normal from the mesh; got %v", si.N)
	}
}
