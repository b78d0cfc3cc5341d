package spatialmath

import (
	"math"

	"github.com/golang/geo/r3"
)

// Triangle is three points in space.
type Triangle struct {
	p0 r3.Vector
	p1 r3.Vector
	p2 r3.Vector

	normal r3.Vector
}

// NewTriangle builds a triangle. The normal is zero for degenerate triangles.
func NewTriangle(p0, p1, p2 r3.Vector) *Triangle {
	return &Triangle{
		p0:     p0,
		p1:     p1,
		p2:     p2,
		normal: PlaneNormal(p0, p1, p2),
	}
}

// PlaneNormal returns the unit normal of the plane through three points, or the zero vector when
// they are collinear.
func PlaneNormal(p0, p1, p2 r3.Vector) r3.Vector {
	n := p1.Sub(p0).Cross(p2.Sub(p0))
	if n.Norm2() == 0 {
		return r3.Vector{}
	}
	return n.Normalize()
}

// Points returns the corners.
func (t *Triangle) Points() []r3.Vector {
	return []r3.Vector{t.p0, t.p1, t.p2}
}

// Normal returns the unit normal.
func (t *Triangle) Normal() r3.Vector {
	return t.normal
}

// Area returns the surface area.
func (t *Triangle) Area() float64 {
	return 0.5 * t.p1.Sub(t.p0).Cross(t.p2.Sub(t.p0)).Norm()
}

// Centroid returns the mean of the corners.
func (t *Triangle) Centroid() r3.Vector {
	return t.p0.Add(t.p1).Add(t.p2).Mul(1. / 3)
}

// Bounds returns the axis-aligned box around the triangle.
func (t *Triangle) Bounds() AABB {
	return AABB{
		Min: r3.Vector{
			X: math.Min(t.p0.X, math.Min(t.p1.X, t.p2.X)),
			Y: math.Min(t.p0.Y, math.Min(t.p1.Y, t.p2.Y)),
			Z: math.Min(t.p0.Z, math.Min(t.p1.Z, t.p2.Z)),
		},
		Max: r3.Vector{
			X: math.Max(t.p0.X, math.Max(t.p1.X, t.p2.X)),
			Y: math.Max(t.p0.Y, math.Max(t.p1.Y, t.p2.Y)),
			Z: math.Max(t.p0.Z, math.Max(t.p1.Z, t.p2.Z)),
		},
	}
}

// LongestEdge returns the end points of the longest edge.
func (t *Triangle) LongestEdge() (r3.Vector, r3.Vector) {
	i, j := t.LongestEdgeIndices()
	pts := t.Points()
	return pts[i], pts[j]
}

// LongestEdgeIndices returns the corner indices of the longest edge.
func (t *Triangle) LongestEdgeIndices() (int, int) {
	e0 := t.p1.Sub(t.p0).Norm2()
	e1 := t.p2.Sub(t.p1).Norm2()
	e2 := t.p0.Sub(t.p2).Norm2()
	switch {
	case e0 >= e1 && e0 >= e2:
		return 0, 1
	case e1 >= e0 && e1 >= e2:
		return 1, 2
	default:
		return 2, 0
	}
}

// ClosestPointToPoint returns the point of the triangle nearest to pt together with its
// barycentric weights, which are non-negative and sum to one.
func (t *Triangle) ClosestPointToPoint(pt r3.Vector) (r3.Vector, [3]float64) {
	a, b, c := t.p0, t.p1, t.p2
	ab := b.Sub(a)
	ac := c.Sub(a)
	ap := pt.Sub(a)

	d1, d2 := ab.Dot(ap), ac.Dot(ap)
	if d1 <= 0 && d2 <= 0 {
		return a, [3]float64{1, 0, 0}
	}

	bp := pt.Sub(b)
	d3, d4 := ab.Dot(bp), ac.Dot(bp)
	if d3 >= 0 && d4 <= d3 {
		return b, [3]float64{0, 1, 0}
	}

	vc := d1*d4 - d3*d2
	if vc <= 0 && d1 >= 0 && d3 <= 0 && d1-d3 > 0 {
		v := d1 / (d1 - d3)
		return a.Add(ab.Mul(v)), [3]float64{1 - v, v, 0}
	}

	cp := pt.Sub(c)
	d5, d6 := ab.Dot(cp), ac.Dot(cp)
	if d6 >= 0 && d5 <= d6 {
		return c, [3]float64{0, 0, 1}
	}

	vb := d5*d2 - d1*d6
	if vb <= 0 && d2 >= 0 && d6 <= 0 && d2-d6 > 0 {
		w := d2 / (d2 - d6)
		return a.Add(ac.Mul(w)), [3]float64{1 - w, 0, w}
	}

	va := d3*d6 - d5*d4
	if va <= 0 && d4-d3 >= 0 && d5-d6 >= 0 && (d4-d3)+(d5-d6) > 0 {
		w := (d4 - d3) / ((d4 - d3) + (d5 - d6))
		return b.Add(c.Sub(b).Mul(w)), [3]float64{0, 1 - w, w}
	}

	denom := va + vb + vc
	if denom == 0 {
		// collinear corners
		i, j := t.LongestEdgeIndices()
		pts := t.Points()
		p, s := ClosestPointSegmentPoint(pts[i], pts[j])(pt)
		var weights [3]float64
		weights[i] = 1 - s
		weights[j] = s
		return p, weights
	}
	v := vb / denom
	w := vc / denom
	return a.Add(ab.Mul(v)).Add(ac.Mul(w)), [3]float64{1 - v - w, v, w}
}

// ClosestPointSegmentPoint returns a function finding the point on segment [a, b] closest to a
// query point, along with its parameter in [0, 1].
func ClosestPointSegmentPoint(a, b r3.Vector) func(r3.Vector) (r3.Vector, float64) {
	ab := b.Sub(a)
	l2 := ab.Norm2()
	return func(pt r3.Vector) (r3.Vector, float64) {
		if l2 == 0 {
			return a, 0
		}
		s := math.Max(0, math.Min(1, pt.Sub(a).Dot(ab)/l2))
		return a.Add(ab.Mul(s)), s
	}
}
