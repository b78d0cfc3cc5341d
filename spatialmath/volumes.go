package spatialmath

import "github.com/golang/geo/r3"

// Relation classifies an axis-aligned box against a volume.
type Relation int

// Box relations.
const (
	Outside Relation = iota
	Partial
	Inside
)

func (r Relation) String() string {
	switch r {
	case Outside:
		return "outside"
	case Partial:
		return "partial"
	case Inside:
		return "inside"
	default:
		return "unknown"
	}
}

// Volume is a closed convex region of space.
type Volume interface {
	// ContainsPoint reports whether pt lies in the closed volume.
	ContainsPoint(pt r3.Vector) bool
	// ClassifyAABB returns Outside when the box cannot touch the volume, Inside when the volume
	// contains all of it and Partial otherwise. Partial is allowed for boxes that only graze it.
	ClassifyAABB(b AABB) Relation
	// Bounds returns an axis-aligned box enclosing the volume.
	Bounds() AABB
}
