package spatialmath

import (
	"fmt"
	"math"

	"github.com/golang/geo/r3"

	"go.viam.com/voxelvault/utils"
)

// Box is an oriented box.
type Box struct {
	center   r3.Vector
	halfSize [3]float64
	ypr      YawPitchRoll
	rm       RotationMatrix
	axes     [3]r3.Vector
}

// NewBox instantiates a box from its centre, local half size and rotation.
func NewBox(center, halfSize r3.Vector, ypr YawPitchRoll) (*Box, error) {
	if !isFiniteVector(center) || !isFiniteVector(halfSize) || !ypr.IsFinite() {
		return nil, utils.NewInvalidParameterError("box parameters must be finite")
	}
	if halfSize.X < 0 || halfSize.Y < 0 || halfSize.Z < 0 {
		return nil, utils.NewInvalidParameterError("box half size must not be negative, got %v", halfSize)
	}
	return newBox(center, [3]float64{halfSize.X, halfSize.Y, halfSize.Z}, ypr), nil
}

func newBox(center r3.Vector, halfSize [3]float64, ypr YawPitchRoll) *Box {
	b := &Box{center: center, halfSize: halfSize, ypr: ypr, rm: ypr.RotationMatrix()}
	b.axes = b.rm.Axes()
	return b
}

// String returns a human readable string that represents the box.
func (b *Box) String() string {
	return fmt.Sprintf("Type: Box | Center: %v | Half size: %v | YPR: %+v", b.center, b.halfSize, b.ypr)
}

// Center returns the box centre.
func (b *Box) Center() r3.Vector { return b.center }

// HalfSize returns the local half size.
func (b *Box) HalfSize() r3.Vector { return vectorOf(b.halfSize) }

// Orientation returns the box rotation.
func (b *Box) Orientation() YawPitchRoll { return b.ypr }

// ContainsPoint reports whether pt is inside the closed box.
func (b *Box) ContainsPoint(pt r3.Vector) bool {
	local := b.rm.TransposeMul(pt.Sub(b.center))
	tol := floatEpsilon * (1 + math.Max(b.halfSize[0], math.Max(b.halfSize[1], b.halfSize[2])))
	return math.Abs(local.X) <= b.halfSize[0]+tol &&
		math.Abs(local.Y) <= b.halfSize[1]+tol &&
		math.Abs(local.Z) <= b.halfSize[2]+tol
}

// Vertices returns the eight world-space corners of the box.
func (b *Box) Vertices() [8]r3.Vector {
	var verts [8]r3.Vector
	for i := range verts {
		local := vectorOf(b.halfSize)
		if i&1 == 0 {
			local.X = -local.X
		}
		if i&2 == 0 {
			local.Y = -local.Y
		}
		if i&4 == 0 {
			local.Z = -local.Z
		}
		verts[i] = b.center.Add(b.rm.Mul(local))
	}
	return verts
}

// Bounds returns the axis-aligned box around the rotated box.
func (b *Box) Bounds() AABB {
	var ext r3.Vector
	for i, axis := range b.axes {
		ext.X += math.Abs(axis.X) * b.halfSize[i]
		ext.Y += math.Abs(axis.Y) * b.halfSize[i]
		ext.Z += math.Abs(axis.Z) * b.halfSize[i]
	}
	return NewAABB(b.center, ext)
}

// SeparationFrom returns the largest SAT gap between the box and an axis-aligned box.
func (b *Box) SeparationFrom(other AABB) float64 {
	return obbAABBSATMaxGap(&b.axes, b.halfSize, other.HalfSize(), other.Center().Sub(b.center))
}

// ClassifyAABB classifies an axis-aligned box against the oriented box.
func (b *Box) ClassifyAABB(other AABB) Relation {
	if b.SeparationFrom(other) > 0 {
		return Outside
	}
	if allCornersInside(other, b) {
		return Inside
	}
	return Partial
}
