package scene

import "github.com/esaurez/pbrt-v3/types"

// SurfaceInteraction records a ray hit on scene geometry. Material stays a
// placeholder until the shading stage resolves it through the material key.
type SurfaceInteraction struct {
	P  types.Vec3
	N  types.Vec3
	UV types.Vec2
	Wo types.Vec3

	Material    Material
	AreaLightID uint32
}

// IntersectTriangle tests a ray against one mesh triangle and, on a hit
// closer than r.TMax, returns the interaction and distance. The caller is
// responsible for shrinking r.TMax.
func IntersectTriangle(r *types.Ray, mesh *TriangleMesh, tri uint32) (SurfaceInteraction, float32, bool) {
	var si SurfaceInteraction
	t, u, v, ok := triangleHit(r, mesh, tri)
	if !ok {
		return si, 0, false
	}

	i0 := mesh.Indices[3*tri]
	i1 := mesh.Indices[3*tri+1]
	i2 := mesh.Indices[3*tri+2]
	p0, p1, p2 := mesh.P[i0], mesh.P[i1], mesh.P[i2]
	w := 1 - u - v

	si.P = r.At(t)
	si.Wo = types.Vec3{-r.Dir[0], -r.Dir[1], -r.Dir[2]}
	si.N = p1.Sub(p0).Cross(p2.Sub(p0)).Normalize()
	if len(mesh.N) > 0 {
		ns := mesh.N[i0].Mul(w).Add(mesh.N[i1].Mul(u)).Add(mesh.N[i2].Mul(v))
		if ns.Len() > 0 {
			si.N = ns.Normalize()
		}
	}
	if len(mesh.UV) > 0 {
		uv0, uv1, uv2 := mesh.UV[i0], mesh.UV[i1], mesh.UV[i2]
		si.UV = types.Vec2{
			w*uv0[0] + u*uv1[0] + v*uv2[0],
			w*uv0[1] + u*uv1[1] + v*uv2[1],
		}
	} else {
		si.UV = types.Vec2{u, v}
	}
	return si, t, true
}

// IntersectTriangleP is the any-hit variant.
func IntersectTriangleP(r *types.Ray, mesh *TriangleMesh, tri uint32) bool {
	_, _, _, ok := triangleHit(r, mesh, tri)
	return ok
}

// triangleHit runs the Moeller-Trumbore test, returning the distance and
// barycentrics of a hit inside (0, r.TMax).
func triangleHit(r *types.Ray, mesh *TriangleMesh, tri uint32) (t, u, v float32, ok bool) {
	p0 := mesh.P[mesh.Indices[3*tri]]
	p1 := mesh.P[mesh.Indices[3*tri+1]]
	p2 := mesh.P[mesh.Indices[3*tri+2]]

	e1 := p1.Sub(p0)
	e2 := p2.Sub(p0)
	pvec := r.Dir.Cross(e2)
	det := e1.Dot(pvec)
	if det > -triangleEpsilon && det < triangleEpsilon {
		return 0, 0, 0, false
	}
	invDet := 1 / det

	tvec := r.Origin.Sub(p0)
	u = tvec.Dot(pvec) * invDet
	if u < 0 || u > 1 {
		return 0, 0, 0, false
	}
	qvec := tvec.Cross(e1)
	v = r.Dir.Dot(qvec) * invDet
	if v < 0 || u+v > 1 {
		return 0, 0, 0, false
	}
	t = e2.Dot(qvec) * invDet
	if t <= triangleEpsilon || t >= r.TMax {
		return 0, 0, 0, false
	}
	return t, u, v, true
}

const triangleEpsilon = 1e-7
