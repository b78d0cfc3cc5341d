package spatialmath

import (
	"math"

	"github.com/golang/geo/r3"
)

// AABB is an axis-aligned box given by its closed corners.
type AABB struct {
	Min r3.Vector
	Max r3.Vector
}

// NewAABB returns the box around a centre with the given half size.
func NewAABB(center, halfSize r3.Vector) AABB {
	return AABB{Min: center.Sub(halfSize), Max: center.Add(halfSize)}
}

// Center returns the middle of the box.
func (b AABB) Center() r3.Vector {
	return b.Min.Add(b.Max).Mul(0.5)
}

// HalfSize returns half the box extent per axis.
func (b AABB) HalfSize() [3]float64 {
	h := b.Max.Sub(b.Min).Mul(0.5)
	return [3]float64{h.X, h.Y, h.Z}
}

// Corners returns the eight corners, indexed by bit 0 = X max, bit 1 = Y max, bit 2 = Z max.
func (b AABB) Corners() [8]r3.Vector {
	var c [8]r3.Vector
	for i := range c {
		c[i] = b.Min
		if i&1 != 0 {
			c[i].X = b.Max.X
		}
		if i&2 != 0 {
			c[i].Y = b.Max.Y
		}
		if i&4 != 0 {
			c[i].Z = b.Max.Z
		}
	}
	return c
}

// ContainsPoint reports whether pt lies in the closed box.
func (b AABB) ContainsPoint(pt r3.Vector) bool {
	return pt.X >= b.Min.X && pt.X <= b.Max.X &&
		pt.Y >= b.Min.Y && pt.Y <= b.Max.Y &&
		pt.Z >= b.Min.Z && pt.Z <= b.Max.Z
}

// DistanceSquared returns the squared distance from pt to the box, zero inside.
func (b AABB) DistanceSquared(pt r3.Vector) float64 {
	clamped := r3.Vector{
		X: math.Max(b.Min.X, math.Min(pt.X, b.Max.X)),
		Y: math.Max(b.Min.Y, math.Min(pt.Y, b.Max.Y)),
		Z: math.Max(b.Min.Z, math.Min(pt.Z, b.Max.Z)),
	}
	return pt.Sub(clamped).Norm2()
}

// FarthestDistanceSquared returns the squared distance from pt to the farthest corner of the box.
func (b AABB) FarthestDistanceSquared(pt r3.Vector) float64 {
	far := r3.Vector{
		X: math.Max(math.Abs(pt.X-b.Min.X), math.Abs(pt.X-b.Max.X)),
		Y: math.Max(math.Abs(pt.Y-b.Min.Y), math.Abs(pt.Y-b.Max.Y)),
		Z: math.Max(math.Abs(pt.Z-b.Min.Z), math.Abs(pt.Z-b.Max.Z)),
	}
	return far.Norm2()
}

func allCornersInside(b AABB, v Volume) bool {
	for _, c := range b.Corners() {
		if !v.ContainsPoint(c) {
			return false
		}
	}
	return true
}
