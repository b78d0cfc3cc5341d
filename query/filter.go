package query

import (
	"fmt"

	"github.com/golang/geo/r3"

	"go.viam.com/voxelvault/spatialmath"
)

// Shape names the geometry a Filter tests against.
type Shape int

// Filter shapes.
const (
	ShapeBox Shape = iota
	ShapeCylinder
	ShapeSphere
)

func (s Shape) String() string {
	switch s {
	case ShapeBox:
		return "box"
	case ShapeCylinder:
		return "cylinder"
	case ShapeSphere:
		return "sphere"
	default:
		return "unknown"
	}
}

// Filter selects the points inside one volume, or outside of it when inverted. Inversion
// complements the predicate and leaves the geometry alone.
type Filter struct {
	shape    Shape
	volume   spatialmath.Volume
	inverted bool
}

// NewFilter returns a filter holding a zero sized box at the origin.
func NewFilter() *Filter {
	box, err := spatialmath.NewBox(r3.Vector{}, r3.Vector{}, spatialmath.YawPitchRoll{})
	if err != nil {
		panic(err)
	}
	return &Filter{shape: ShapeBox, volume: box}
}

// SetAsBox selects points within halfSize of center along the box axes, which are rotated by ypr.
func (f *Filter) SetAsBox(center, halfSize r3.Vector, ypr spatialmath.YawPitchRoll) error {
	box, err := spatialmath.NewBox(center, halfSize, ypr)
	if err != nil {
		return err
	}
	f.shape, f.volume = ShapeBox, box
	return nil
}

// SetAsCylinder selects points within a cylinder whose circle lies in the local XY plane and is
// extruded halfHeight either way along local Z.
func (f *Filter) SetAsCylinder(center r3.Vector, radius, halfHeight float64, ypr spatialmath.YawPitchRoll) error {
	cyl, err := spatialmath.NewCylinder(center, radius, halfHeight, ypr)
	if err != nil {
		return err
	}
	f.shape, f.volume = ShapeCylinder, cyl
	return nil
}

// SetAsSphere selects points within radius of center.
func (f *Filter) SetAsSphere(center r3.Vector, radius float64) error {
	sphere, err := spatialmath.NewSphere(center, radius)
	if err != nil {
		return err
	}
	f.shape, f.volume = ShapeSphere, sphere
	return nil
}

// SetInverted makes the filter select the complement of its volume.
func (f *Filter) SetInverted(inverted bool) {
	f.inverted = inverted
}

// Inverted reports whether the filter is inverted.
func (f *Filter) Inverted() bool { return f.inverted }

// Shape returns the active geometry kind.
func (f *Filter) Shape() Shape { return f.shape }

// Volume returns the active geometry.
func (f *Filter) Volume() spatialmath.Volume { return f.volume }

// Matches applies the exact predicate to pt.
func (f *Filter) Matches(pt r3.Vector) bool {
	return f.volume.ContainsPoint(pt) != f.inverted
}

func (f *Filter) String() string {
	if f.inverted {
		return fmt.Sprintf("not %v", f.volume)
	}
	return fmt.Sprint(f.volume)
}

// verdict is what traversal does with a subtree.
type verdict int

const (
	prune verdict = iota
	descend
	acceptAll
)

// classify decides a subtree from its cell. A cell wholly inside the volume is accepted only when
// not inverted; a cell wholly outside is pruned only when not inverted.
func (f *Filter) classify(cell spatialmath.AABB) verdict {
	switch f.volume.ClassifyAABB(cell) {
	case spatialmath.Outside:
		if f.inverted {
			return acceptAll
		}
		return prune
	case spatialmath.Inside:
		if f.inverted {
			return prune
		}
		return acceptAll
	default:
		return descend
	}
}
