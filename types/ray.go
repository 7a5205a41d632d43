package types

// A ray with a parametric far clip and a time sample for animated transforms.
type Ray struct {
	Origin Vec3
	Dir    Vec3
	TMax   float32
	Time   float32
}

func NewRay(origin, dir Vec3) Ray {
	return Ray{Origin: origin, Dir: dir, TMax: Infinity}
}

func (r *Ray) At(t float32) Vec3 {
	return r.Origin.Add(r.Dir.Mul(t))
}

const Infinity float32 = 3.4028234663852886e+38
