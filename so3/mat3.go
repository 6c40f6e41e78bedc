// Package so3 holds rotation-group helpers for orientation inference: 3x3
// rotation algebra, the S2S2 parameterisation and the isotropic Gaussian on
// SO(3) used as the pose posterior.
package so3

import (
	"math"

	"github.com/golang/geo/r3"
)

// Mat3 is a row-major 3x3 matrix.
type Mat3 [3][3]float64

// normFloor keeps S2S2 finite for degenerate encoder outputs.
const normFloor = 1e-5

func Identity() Mat3 {
	return Mat3{{1, 0, 0}, {0, 1, 0}, {0, 0, 1}}
}

func (a Mat3) Mul(b Mat3) Mat3 {
	var c Mat3
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			c[i][j] = a[i][0]*b[0][j] + a[i][1]*b[1][j] + a[i][2]*b[2][j]
		}
	}
	return c
}

func (a Mat3) T() Mat3 {
	var t Mat3
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			t[i][j] = a[j][i]
		}
	}
	return t
}

func (a Mat3) Add(b Mat3) Mat3 {
	for i := range a {
		for j := range a[i] {
			a[i][j] += b[i][j]
		}
	}
	return a
}

func (a Mat3) Sub(b Mat3) Mat3 {
	for i := range a {
		for j := range a[i] {
			a[i][j] -= b[i][j]
		}
	}
	return a
}

func (a Mat3) Scale(s float64) Mat3 {
	for i := range a {
		for j := range a[i] {
			a[i][j] *= s
		}
	}
	return a
}

// FrobeniusSq is the sum of squared entries.
func (a Mat3) FrobeniusSq() float64 {
	var s float64
	for i := range a {
		for j := range a[i] {
			s += a[i][j] * a[i][j]
		}
	}
	return s
}

// Apply returns a·v for a column vector v.
func (a Mat3) Apply(v r3.Vector) r3.Vector {
	return r3.Vector{
		X: a[0][0]*v.X + a[0][1]*v.Y + a[0][2]*v.Z,
		Y: a[1][0]*v.X + a[1][1]*v.Y + a[1][2]*v.Z,
		Z: a[2][0]*v.X + a[2][1]*v.Y + a[2][2]*v.Z,
	}
}

// RotateRow returns v·a for a row vector v. Lattice coordinates are rotated
// this way.
func (a Mat3) RotateRow(v r3.Vector) r3.Vector {
	return a.T().Apply(v)
}

// Flat lists the entries row by row.
func (a Mat3) Flat() [9]float64 {
	var f [9]float64
	for i := 0; i < 3; i++ {
		copy(f[3*i:3*i+3], a[i][:])
	}
	return f
}

// Hat is the skew matrix with Hat(v)·w = v × w.
func Hat(v r3.Vector) Mat3 {
	return Mat3{
		{0, -v.Z, v.Y},
		{v.Z, 0, -v.X},
		{-v.Y, v.X, 0},
	}
}

// AxisAngle is the rotation by theta about a unit axis (Rodrigues).
func AxisAngle(axis r3.Vector, theta float64) Mat3 {
	k := Hat(axis)
	return Identity().Add(k.Scale(math.Sin(theta))).Add(k.Mul(k).Scale(1 - math.Cos(theta)))
}

// Expmap maps a rotation vector to its rotation matrix.
func Expmap(v r3.Vector) Mat3 {
	theta := v.Norm()
	if theta < 1e-12 {
		return Identity().Add(Hat(v))
	}
	return AxisAngle(v.Mul(1/theta), theta)
}

// TiltX is the right-handed rotation about x by deg degrees.
func TiltX(deg float64) Mat3 {
	return Expmap(r3.Vector{X: deg * math.Pi / 180})
}

func clampedUnit(v r3.Vector) r3.Vector {
	return v.Mul(1 / math.Max(v.Norm(), normFloor))
}

// S2S2 turns two unconstrained 3-vectors into a rotation by Gram-Schmidt.
// The rows of the result are e1, e2 and e1 × e2.
func S2S2(v []float64) Mat3 {
	v1 := r3.Vector{X: v[0], Y: v[1], Z: v[2]}
	v2 := r3.Vector{X: v[3], Y: v[4], Z: v[5]}

	e1 := clampedUnit(v1)
	e2 := clampedUnit(v2.Sub(e1.Mul(e1.Dot(v2))))
	e3 := e1.Cross(e2)

	return Mat3{
		{e1.X, e1.Y, e1.Z},
		{e2.X, e2.Y, e2.Z},
		{e3.X, e3.Y, e3.Z},
	}
}
