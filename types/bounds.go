package types

import "math"

// Axis aligned bounding box. The zero value is a degenerate empty box that
// behaves as the identity for Union.
type Bounds3 struct {
	Min Vec3
	Max Vec3
}

// An empty box: Min at +MaxFloat32, Max at -MaxFloat32 on every axis.
func EmptyBounds() Bounds3 {
	return Bounds3{
		Min: Vec3{math.MaxFloat32, math.MaxFloat32, math.MaxFloat32},
		Max: Vec3{-math.MaxFloat32, -math.MaxFloat32, -math.MaxFloat32},
	}
}

func Union(a, b Bounds3) Bounds3 {
	return Bounds3{
		Min: MinVec3(a.Min, b.Min),
		Max: MaxVec3(a.Max, b.Max),
	}
}

func UnionPoint(b Bounds3, p Vec3) Bounds3 {
	return Bounds3{
		Min: MinVec3(b.Min, p),
		Max: MaxVec3(b.Max, p),
	}
}

// Contains reports whether other lies entirely inside b.
func (b Bounds3) Contains(other Bounds3) bool {
	return other.Min[0] >= b.Min[0] && other.Max[0] <= b.Max[0] &&
		other.Min[1] >= b.Min[1] && other.Max[1] <= b.Max[1] &&
		other.Min[2] >= b.Min[2] && other.Max[2] <= b.Max[2]
}

func (b Bounds3) Center() Vec3 {
	return b.Min.Add(b.Max).Mul(0.5)
}

func (b Bounds3) Diagonal() Vec3 {
	return b.Max.Sub(b.Min)
}

func (b Bounds3) SurfaceArea() float32 {
	d := b.Diagonal()
	if d[0] < 0 || d[1] < 0 || d[2] < 0 {
		return 0
	}
	return 2 * (d[0]*d[1] + d[1]*d[2] + d[0]*d[2])
}

// Slab test against a ray with precomputed reciprocal direction and
// per-component sign. Hits count if the overlap intersects [0, tMax].
func (b Bounds3) IntersectP(r *Ray, invDir Vec3, dirIsNeg [3]bool) bool {
	tMin := float32(0)
	tMax := r.TMax

	for axis := 0; axis < 3; axis++ {
		near, far := b.Min[axis], b.Max[axis]
		if dirIsNeg[axis] {
			near, far = far, near
		}
		tNear := (near - r.Origin[axis]) * invDir[axis]
		tFar := (far - r.Origin[axis]) * invDir[axis]

		// Widen tFar slightly to stay conservative under FP error.
		tFar *= 1 + 2*gamma3

		if tNear > tMin {
			tMin = tNear
		}
		if tFar < tMax {
			tMax = tFar
		}
		if tMin > tMax {
			return false
		}
	}
	return true
}

const gamma3 = 3 * machineEpsilon / (1 - 3*machineEpsilon)
const machineEpsilon = 1.19209290e-07 / 2
