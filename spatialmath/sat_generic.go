package spatialmath

import (
	"math"

	"github.com/golang/geo/r3"
)

const satEpsilon = 1e-10

// obbAABBSATMaxGap computes the maximum separation gap across all 15 SAT axes between an
// oriented box with world-frame axes a and half sizes hA and an axis-aligned box with half sizes
// hB whose centre sits at d relative to the oriented box centre.
//
// Positive results separate the boxes by at least that distance; negative results overlap.
func obbAABBSATMaxGap(a *[3]r3.Vector, hA, hB [3]float64, d r3.Vector) float64 {
	// r[i][j] = a_i . e_j, i.e. the relative rotation when the second box is axis-aligned.
	var r, ar [3][3]float64
	for i := 0; i < 3; i++ {
		r[i] = [3]float64{a[i].X, a[i].Y, a[i].Z}
		for j := 0; j < 3; j++ {
			ar[i][j] = math.Abs(r[i][j]) + satEpsilon
		}
	}
	t := [3]float64{a[0].Dot(d), a[1].Dot(d), a[2].Dot(d)}
	dv := [3]float64{d.X, d.Y, d.Z}

	best := math.Inf(-1)
	for i := 0; i < 3; i++ {
		best = math.Max(best, math.Abs(t[i])-hA[i]-(hB[0]*ar[i][0]+hB[1]*ar[i][1]+hB[2]*ar[i][2]))
	}
	for j := 0; j < 3; j++ {
		best = math.Max(best, math.Abs(dv[j])-hB[j]-(hA[0]*ar[0][j]+hA[1]*ar[1][j]+hA[2]*ar[2][j]))
	}

	// a_i x e_j, skipping near-parallel pairs whose cross product vanishes.
	for i := 0; i < 3; i++ {
		i1, i2 := (i+1)%3, (i+2)%3
		for j := 0; j < 3; j++ {
			l2 := 1 - r[i][j]*r[i][j]
			if l2 <= satEpsilon {
				continue
			}
			j1, j2 := (j+1)%3, (j+2)%3
			ra := hA[i1]*ar[i2][j] + hA[i2]*ar[i1][j]
			rb := hB[j1]*ar[i][j2] + hB[j2]*ar[i][j1]
			raw := math.Abs(t[i2]*r[i1][j]-t[i1]*r[i2][j]) - ra - rb
			best = math.Max(best, raw/math.Sqrt(l2))
		}
	}
	return best
}

// triangleAABBSATMaxGap computes the maximum separation gap across the 13 SAT axes of a triangle
// and an axis-aligned box: the three box face normals, the triangle normal and the nine cross
// products of box axes with triangle edges.
func triangleAABBSATMaxGap(v0, v1, v2 r3.Vector, b AABB) float64 {
	c := b.Center()
	h := b.HalfSize()
	p := [3]r3.Vector{v0.Sub(c), v1.Sub(c), v2.Sub(c)}

	best := math.Inf(-1)
	for axis := 0; axis < 3; axis++ {
		lo := math.Min(component(p[0], axis), math.Min(component(p[1], axis), component(p[2], axis)))
		hi := math.Max(component(p[0], axis), math.Max(component(p[1], axis), component(p[2], axis)))
		best = math.Max(best, math.Max(lo-h[axis], -h[axis]-hi))
	}

	edges := [3]r3.Vector{p[1].Sub(p[0]), p[2].Sub(p[1]), p[0].Sub(p[2])}
	if n := edges[0].Cross(edges[1]); n.Norm2() > satEpsilon*satEpsilon {
		best = math.Max(best, projectedGap(p, n.Normalize(), h))
	}

	units := [3]r3.Vector{{X: 1}, {Y: 1}, {Z: 1}}
	for _, u := range units {
		for _, e := range edges {
			axis := u.Cross(e)
			l := axis.Norm()
			if l <= satEpsilon {
				continue
			}
			best = math.Max(best, projectedGap(p, axis.Mul(1/l), h))
		}
	}
	return best
}

// projectedGap returns the gap between the triangle p and a box centred at the origin along a
// unit axis.
func projectedGap(p [3]r3.Vector, axis r3.Vector, h [3]float64) float64 {
	d0, d1, d2 := p[0].Dot(axis), p[1].Dot(axis), p[2].Dot(axis)
	lo := math.Min(d0, math.Min(d1, d2))
	hi := math.Max(d0, math.Max(d1, d2))
	rad := h[0]*math.Abs(axis.X) + h[1]*math.Abs(axis.Y) + h[2]*math.Abs(axis.Z)
	return math.Max(lo-rad, -rad-hi)
}

// TriangleIntersectsAABB reports whether the closed triangle touches the closed box. tolerance
// widens the test to absorb rounding on shared faces.
func TriangleIntersectsAABB(t *Triangle, b AABB, tolerance float64) bool {
	return triangleAABBSATMaxGap(t.p0, t.p1, t.p2, b) <= tolerance
}
