package types

// 4x4 matrix, row-major.
type Mat4 [16]float32

func Ident4() Mat4 {
	return Mat4{
		1, 0, 0, 0,
		0, 1, 0, 0,
		0, 0, 1, 0,
		0, 0, 0, 1,
	}
}

func Translation(v Vec3) Mat4 {
	m := Ident4()
	m[3], m[7], m[11] = v[0], v[1], v[2]
	return m
}

func Scale(v Vec3) Mat4 {
	m := Ident4()
	m[0], m[5], m[10] = v[0], v[1], v[2]
	return m
}

func (m Mat4) IsIdentity() bool {
	return m == Ident4()
}

func (m Mat4) Mul4(o Mat4) Mat4 {
	var out Mat4
	for row := 0; row < 4; row++ {
		for col := 0; col < 4; col++ {
			var sum float32
			for k := 0; k < 4; k++ {
				sum += m[row*4+k] * o[k*4+col]
			}
			out[row*4+col] = sum
		}
	}
	return out
}

// Inverse via Gauss-Jordan elimination with partial pivoting. Returns the
// identity matrix for singular input; the callers only invert rigid or affine
// instance transforms, which are invertible by construction.
func (m Mat4) Inverse() Mat4 {
	a := m
	inv := Ident4()

	for col := 0; col < 4; col++ {
		pivot := col
		pivotVal := abs32(a[col*4+col])
		for row := col + 1; row < 4; row++ {
			if v := abs32(a[row*4+col]); v > pivotVal {
				pivot, pivotVal = row, v
			}
		}
		if pivotVal < floatCmpEpsilon {
			return Ident4()
		}
		if pivot != col {
			for k := 0; k < 4; k++ {
				a[col*4+k], a[pivot*4+k] = a[pivot*4+k], a[col*4+k]
				inv[col*4+k], inv[pivot*4+k] = inv[pivot*4+k], inv[col*4+k]
			}
		}

		scale := 1 / a[col*4+col]
		for k := 0; k < 4; k++ {
			a[col*4+k] *= scale
			inv[col*4+k] *= scale
		}

		for row := 0; row < 4; row++ {
			if row == col {
				continue
			}
			factor := a[row*4+col]
			for k := 0; k < 4; k++ {
				a[row*4+k] -= factor * a[col*4+k]
				inv[row*4+k] -= factor * inv[col*4+k]
			}
		}
	}
	return inv
}

func (m Mat4) TransformPoint(p Vec3) Vec3 {
	x := m[0]*p[0] + m[1]*p[1] + m[2]*p[2] + m[3]
	y := m[4]*p[0] + m[5]*p[1] + m[6]*p[2] + m[7]
	z := m[8]*p[0] + m[9]*p[1] + m[10]*p[2] + m[11]
	w := m[12]*p[0] + m[13]*p[1] + m[14]*p[2] + m[15]
	if w != 1 && w != 0 {
		return Vec3{x / w, y / w, z / w}
	}
	return Vec3{x, y, z}
}

func (m Mat4) TransformVector(v Vec3) Vec3 {
	return Vec3{
		m[0]*v[0] + m[1]*v[1] + m[2]*v[2],
		m[4]*v[0] + m[5]*v[1] + m[6]*v[2],
		m[8]*v[0] + m[9]*v[1] + m[10]*v[2],
	}
}

// Normals transform by the inverse transpose; callers pass the inverse matrix.
func (m Mat4) TransformNormalByInverse(n Vec3) Vec3 {
	return Vec3{
		m[0]*n[0] + m[4]*n[1] + m[8]*n[2],
		m[1]*n[0] + m[5]*n[1] + m[9]*n[2],
		m[2]*n[0] + m[6]*n[1] + m[10]*n[2],
	}
}

func (m Mat4) TransformRay(r Ray) Ray {
	out := r
	out.Origin = m.TransformPoint(r.Origin)
	out.Dir = m.TransformVector(r.Dir)
	return out
}

func (m Mat4) TransformBounds(b Bounds3) Bounds3 {
	out := EmptyBounds()
	for i := 0; i < 8; i++ {
		corner := Vec3{b.Min[0], b.Min[1], b.Min[2]}
		if i&1 != 0 {
			corner[0] = b.Max[0]
		}
		if i&2 != 0 {
			corner[1] = b.Max[1]
		}
		if i&4 != 0 {
			corner[2] = b.Max[2]
		}
		out = UnionPoint(out, m.TransformPoint(corner))
	}
	return out
}

// A transform paired with its cached inverse.
type Transform struct {
	M    Mat4
	MInv Mat4
}

func NewTransform(m Mat4) Transform {
	return Transform{M: m, MInv: m.Inverse()}
}

func IdentityTransform() Transform {
	return Transform{M: Ident4(), MInv: Ident4()}
}

func (t Transform) IsIdentity() bool {
	return t.M.IsIdentity()
}

// An animated transform described by start and end matrix snapshots.
// Interpolation is a component-wise matrix blend; instance transforms in the
// treelet format are stored the same way, as raw start/end matrices.
type AnimatedTransform struct {
	Start     Mat4
	End       Mat4
	StartTime float32
	EndTime   float32
}

func StaticTransform(m Mat4) AnimatedTransform {
	return AnimatedTransform{Start: m, End: m}
}

// Resolve the transform to a snapshot matrix at time t.
func (at *AnimatedTransform) Interpolate(t float32) Mat4 {
	if at.Start == at.End || t <= at.StartTime {
		return at.Start
	}
	if t >= at.EndTime {
		return at.End
	}
	w := (t - at.StartTime) / (at.EndTime - at.StartTime)
	var out Mat4
	for i := range out {
		out[i] = at.Start[i]*(1-w) + at.End[i]*w
	}
	return out
}

func abs32(v float32) float32 {
	if v < 0 {
		return -v
	}
	return v
}
