// Package pointcloud holds fixed-capacity point batches, bounding volume bookkeeping, and the
// readers and writers for the point file formats voxelvault ingests and exports.
package pointcloud

import (
	"math"

	"github.com/golang/geo/r3"
)

// Bounds is an axis aligned bounding volume accumulated from points. The zero value is not
// usable; create one with NewBounds.
type Bounds struct {
	Min, Max r3.Vector

	inited bool // just to prevent someone creating the wrong way
}

// NewBounds returns empty bounds ready to merge points into.
func NewBounds() Bounds {
	return Bounds{
		Min:    r3.Vector{X: math.MaxFloat64, Y: math.MaxFloat64, Z: math.MaxFloat64},
		Max:    r3.Vector{X: -math.MaxFloat64, Y: -math.MaxFloat64, Z: -math.MaxFloat64},
		inited: true,
	}
}

// BoundsOf returns bounds spanning the two corners.
func BoundsOf(lo, hi r3.Vector) Bounds {
	b := NewBounds()
	b.Merge(lo)
	b.Merge(hi)
	return b
}

// Merge extends the bounds to include p.
func (b *Bounds) Merge(p r3.Vector) {
	if !b.inited {
		*b = NewBounds()
	}
	if p.X > b.Max.X {
		b.Max.X = p.X
	}
	if p.Y > b.Max.Y {
		b.Max.Y = p.Y
	}
	if p.Z > b.Max.Z {
		b.Max.Z = p.Z
	}

	if p.X < b.Min.X {
		b.Min.X = p.X
	}
	if p.Y < b.Min.Y {
		b.Min.Y = p.Y
	}
	if p.Z < b.Min.Z {
		b.Min.Z = p.Z
	}
}

// Union extends the bounds to include other.
func (b *Bounds) Union(other Bounds) {
	if other.Empty() {
		return
	}
	b.Merge(other.Min)
	b.Merge(other.Max)
}

// Empty reports whether no point was merged.
func (b Bounds) Empty() bool {
	return !b.inited || b.Min.X > b.Max.X || b.Min.Y > b.Max.Y || b.Min.Z > b.Max.Z
}

// Center returns the middle of the bounds.
func (b Bounds) Center() r3.Vector {
	return b.Min.Add(b.Max).Mul(0.5)
}

// Size returns the extent of the bounds along each axis.
func (b Bounds) Size() r3.Vector {
	if b.Empty() {
		return r3.Vector{}
	}
	return b.Max.Sub(b.Min)
}

// Contains reports whether p lies within the bounds, inclusive.
func (b Bounds) Contains(p r3.Vector) bool {
	return !b.Empty() &&
		p.X >= b.Min.X && p.X <= b.Max.X &&
		p.Y >= b.Min.Y && p.Y <= b.Max.Y &&
		p.Z >= b.Min.Z && p.Z <= b.Max.Z
}

// Translate returns the bounds shifted by offset.
func (b Bounds) Translate(offset r3.Vector) Bounds {
	if b.Empty() {
		return b
	}
	return BoundsOf(b.Min.Add(offset), b.Max.Add(offset))
}
