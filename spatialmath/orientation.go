package spatialmath

import (
	"math"

	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/num/quat"
)

// YawPitchRoll is a rotation in radians. It is applied intrinsically: yaw about Z, then pitch about
// the rotated X, then roll about the rotated Y.
type YawPitchRoll struct {
	Yaw   float64 `json:"yaw"`
	Pitch float64 `json:"pitch"`
	Roll  float64 `json:"roll"`
}

// IsFinite reports whether every angle is a finite number.
func (ypr YawPitchRoll) IsFinite() bool {
	for _, v := range []float64{ypr.Yaw, ypr.Pitch, ypr.Roll} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}

// Quaternion returns the unit quaternion of the rotation.
func (ypr YawPitchRoll) Quaternion() quat.Number {
	sy, cy := math.Sincos(ypr.Yaw / 2)
	sp, cp := math.Sincos(ypr.Pitch / 2)
	sr, cr := math.Sincos(ypr.Roll / 2)
	qz := quat.Number{Real: cy, Kmag: sy}
	qx := quat.Number{Real: cp, Imag: sp}
	qy := quat.Number{Real: cr, Jmag: sr}
	return quat.Mul(quat.Mul(qz, qx), qy)
}

// Rotate rotates v from the local frame into the world frame.
func (ypr YawPitchRoll) Rotate(v r3.Vector) r3.Vector {
	q := ypr.Quaternion()
	p := quat.Mul(quat.Mul(q, quat.Number{Imag: v.X, Jmag: v.Y, Kmag: v.Z}), quat.Conj(q))
	return r3.Vector{X: p.Imag, Y: p.Jmag, Z: p.Kmag}
}

// RotationMatrix returns the row-major matrix mapping local vectors to world vectors.
func (ypr YawPitchRoll) RotationMatrix() RotationMatrix {
	q := ypr.Quaternion()
	w, x, y, z := q.Real, q.Imag, q.Jmag, q.Kmag
	return RotationMatrix{
		1 - 2*(y*y+z*z), 2 * (x*y - w*z), 2 * (x*z + w*y),
		2 * (x*y + w*z), 1 - 2*(x*x+z*z), 2 * (y*z - w*x),
		2 * (x*z - w*y), 2 * (y*z + w*x), 1 - 2*(x*x+y*y),
	}
}

// RotationMatrix is a row-major 3x3 rotation.
type RotationMatrix [9]float64

// Row returns row i.
func (rm *RotationMatrix) Row(i int) r3.Vector {
	return r3.Vector{X: rm[3*i], Y: rm[3*i+1], Z: rm[3*i+2]}
}

// Col returns column i, which is local axis i expressed in the world frame.
func (rm *RotationMatrix) Col(i int) r3.Vector {
	return r3.Vector{X: rm[i], Y: rm[3+i], Z: rm[6+i]}
}

// Mul maps a local vector into the world frame.
func (rm *RotationMatrix) Mul(v r3.Vector) r3.Vector {
	return r3.Vector{X: rm.Row(0).Dot(v), Y: rm.Row(1).Dot(v), Z: rm.Row(2).Dot(v)}
}

// TransposeMul maps a world vector into the local frame.
func (rm *RotationMatrix) TransposeMul(v r3.Vector) r3.Vector {
	return r3.Vector{X: rm.Col(0).Dot(v), Y: rm.Col(1).Dot(v), Z: rm.Col(2).Dot(v)}
}

// Axes returns the three local axes in the world frame.
func (rm *RotationMatrix) Axes() [3]r3.Vector {
	return [3]r3.Vector{rm.Col(0), rm.Col(1), rm.Col(2)}
}
