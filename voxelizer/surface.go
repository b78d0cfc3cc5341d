package voxelizer

import (
	"math"

	"go.viam.com/voxelvault/pointcloud"
	"go.viam.com/voxelvault/spatialmath"
)

// surfaceScan walks the columns of cells along the two axes in which the triangle is widest and,
// per column, the cells along the dominant normal axis that the triangle's plane can reach.
// Every candidate is confirmed with a triangle/box separating axis test.
type surfaceScan struct {
	grid      pointcloud.Grid
	tri       *spatialmath.Triangle
	bounds    spatialmath.AABB
	origin    [3]float64
	normal    [3]float64
	dom, u, v int
	uMin      int64
	uMax      int64
	vMin      int64
	vMax      int64
	cu, cv    int64
	tolerance float64
	done      bool
}

func newSurfaceScan(grid pointcloud.Grid, tri *spatialmath.Triangle) surfaceScan {
	n := tri.Normal()
	dom := 2
	switch {
	case math.Abs(n.X) >= math.Abs(n.Y) && math.Abs(n.X) >= math.Abs(n.Z):
		dom = 0
	case math.Abs(n.Y) >= math.Abs(n.Z):
		dom = 1
	}
	u, v := (dom+1)%3, (dom+2)%3
	if u > v {
		u, v = v, u
	}

	bounds := tri.Bounds()
	lo, hi := grid.Cell(bounds.Min), grid.Cell(bounds.Max)
	p0 := tri.Points()[0]
	s := surfaceScan{
		grid:      grid,
		tri:       tri,
		bounds:    bounds,
		origin:    [3]float64{p0.X, p0.Y, p0.Z},
		normal:    [3]float64{n.X, n.Y, n.Z},
		dom:       dom,
		u:         u,
		v:         v,
		uMin:      *cellAxis(&lo, u),
		uMax:      *cellAxis(&hi, u),
		vMin:      *cellAxis(&lo, v),
		vMax:      *cellAxis(&hi, v),
		tolerance: grid.Resolution * 1e-9,
	}
	s.cu, s.cv = s.uMin, s.vMin
	return s
}

// planeAt returns the dominant coordinate of the triangle's plane at (pu, pv).
func (s *surfaceScan) planeAt(pu, pv float64) float64 {
	n := s.normal
	return s.origin[s.dom] - (n[s.u]*(pu-s.origin[s.u])+n[s.v]*(pv-s.origin[s.v]))/n[s.dom]
}

// nextColumn emits the confirmed cells of the next column. It returns false once every column
// has been scanned.
func (s *surfaceScan) nextColumn(emit func(pointcloud.VoxelCoords)) bool {
	if s.done {
		return false
	}
	cu, cv := s.cu, s.cv
	if s.cv++; s.cv > s.vMax {
		s.cv = s.vMin
		if s.cu++; s.cu > s.uMax {
			s.done = true
		}
	}

	res := s.grid.Resolution
	u0 := math.Max(float64(cu)*res, axisOf(s.bounds.Min, s.u))
	u1 := math.Min(float64(cu+1)*res, axisOf(s.bounds.Max, s.u))
	v0 := math.Max(float64(cv)*res, axisOf(s.bounds.Min, s.v))
	v1 := math.Min(float64(cv+1)*res, axisOf(s.bounds.Max, s.v))

	dLo, dHi := math.Inf(1), math.Inf(-1)
	for _, pu := range [2]float64{u0, u1} {
		for _, pv := range [2]float64{v0, v1} {
			d := s.planeAt(pu, pv)
			dLo = math.Min(dLo, d)
			dHi = math.Max(dHi, d)
		}
	}
	dLo = math.Max(dLo, axisOf(s.bounds.Min, s.dom))
	dHi = math.Min(dHi, axisOf(s.bounds.Max, s.dom))
	if dLo > dHi {
		return true
	}

	var cell pointcloud.VoxelCoords
	*cellAxis(&cell, s.u) = cu
	*cellAxis(&cell, s.v) = cv
	for k := int64(math.Floor(dLo / res)); k <= int64(math.Floor(dHi/res)); k++ {
		*cellAxis(&cell, s.dom) = k
		lo, hi := s.grid.CellBounds(cell)
		if spatialmath.TriangleIntersectsAABB(s.tri, spatialmath.AABB{Min: lo, Max: hi}, s.tolerance) {
			emit(cell)
		}
	}
	return true
}
