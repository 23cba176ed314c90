package streaming

import "math"

// Vec3 is a world-space position. 2D callers leave Z at zero.
type Vec3 struct {
	X, Y, Z float64
}

func (v Vec3) Sub(o Vec3) Vec3 {
	return Vec3{v.X - o.X, v.Y - o.Y, v.Z - o.Z}
}

func (v Vec3) Length() float64 {
	return math.Sqrt(v.X*v.X + v.Y*v.Y + v.Z*v.Z)
}

// Distance is the Euclidean distance between a and b.
func Distance(a, b Vec3) float64 {
	return a.Sub(b).Length()
}
