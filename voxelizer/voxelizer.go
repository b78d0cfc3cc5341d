// Package voxelizer rasterizes triangles into the cells of a regular grid anchored at the world
// origin. A Voxelizer is not safe for concurrent use.
package voxelizer

import (
	"math"

	"github.com/golang/geo/r3"

	"go.viam.com/voxelvault/pointcloud"
	"go.viam.com/voxelvault/spatialmath"
	"go.viam.com/voxelvault/utils"
)

// Sample is one grid cell touched by the current triangle. Weights are the barycentric
// coordinates, relative to the triangle's three vertices, of the point of the triangle closest to
// the cell centre.
type Sample struct {
	Position r3.Vector
	Weights  [3]float64
}

type state int

const (
	stateIdle state = iota
	statePrimed
	stateDraining
)

type mode int

const (
	modeSurface mode = iota
	modeLine
	modePoint
)

// Voxelizer enumerates every grid cell touched by a triangle exactly once, lazily, so that the
// emitted cells do not depend on how the output is drained.
type Voxelizer struct {
	grid  pointcloud.Grid
	state state
	mode  mode
	tri   *spatialmath.Triangle
	verts [3]r3.Vector

	surface surfaceScan
	line    lineWalk
	point   bool
	pending []Sample
}

// New returns a Voxelizer producing cells with the given edge length.
func New(gridResolution float64) (*Voxelizer, error) {
	if !(gridResolution > 0) || math.IsInf(gridResolution, 0) {
		return nil, utils.NewInvalidParameterError("grid resolution must be positive, got %v", gridResolution)
	}
	return &Voxelizer{grid: pointcloud.Grid{Resolution: gridResolution}}, nil
}

// Resolution returns the cell edge length.
func (vx *Voxelizer) Resolution() float64 {
	return vx.grid.Resolution
}

// SetTriangle discards any undrained output and primes rasterization of a new triangle. When v1
// equals v2 the segment v0 to v1 is rasterized instead; other zero-area triangles rasterize their
// longest edge and a triangle collapsed to a point yields that point's cell.
func (vx *Voxelizer) SetTriangle(v0, v1, v2 r3.Vector) error {
	for _, v := range []r3.Vector{v0, v1, v2} {
		if math.IsNaN(v.X+v.Y+v.Z) || math.IsInf(v.X+v.Y+v.Z, 0) {
			return utils.NewInvalidParameterError("triangle vertex %v is not finite", v)
		}
	}
	vx.pending = vx.pending[:0]
	vx.verts = [3]r3.Vector{v0, v1, v2}
	vx.tri = spatialmath.NewTriangle(v0, v1, v2)

	switch {
	case v0 == v1 && v1 == v2:
		vx.mode = modePoint
		vx.point = true
	case v1 == v2:
		vx.mode = modeLine
		vx.line = newLineWalk(vx.grid, v0, v1, 0, 1)
	case vx.tri.Normal() == (r3.Vector{}):
		vx.mode = modeLine
		i, j := vx.tri.LongestEdgeIndices()
		vx.line = newLineWalk(vx.grid, vx.verts[i], vx.verts[j], i, j)
	default:
		vx.mode = modeSurface
		vx.surface = newSurfaceScan(vx.grid, vx.tri)
	}
	vx.state = statePrimed
	return nil
}

// GetPoints drains up to maxPoints samples. It returns no samples once the triangle is fully
// drained or when no triangle was set.
func (vx *Voxelizer) GetPoints(maxPoints int) ([]Sample, error) {
	if maxPoints <= 0 {
		return nil, utils.NewInvalidParameterError("maxPoints must be positive, got %d", maxPoints)
	}
	if vx.state == stateIdle {
		return nil, nil
	}
	vx.state = stateDraining

	out := make([]Sample, 0, min(maxPoints, 1024))
	for len(out) < maxPoints {
		if len(vx.pending) == 0 && !vx.refill() {
			break
		}
		n := min(maxPoints-len(out), len(vx.pending))
		out = append(out, vx.pending[:n]...)
		vx.pending = vx.pending[n:]
	}
	if len(vx.pending) == 0 && vx.exhausted() {
		vx.state = stateIdle
	} else {
		vx.state = statePrimed
	}
	return out, nil
}

// refill produces the next group of samples and reports whether any remain.
func (vx *Voxelizer) refill() bool {
	vx.pending = vx.pending[:0]
	switch vx.mode {
	case modePoint:
		if !vx.point {
			return false
		}
		vx.point = false
		vx.pending = append(vx.pending, Sample{
			Position: vx.grid.Center(vx.grid.Cell(vx.verts[0])),
			Weights:  [3]float64{1, 0, 0},
		})
	case modeLine:
		cell, ok := vx.line.next()
		if !ok {
			return false
		}
		vx.pending = append(vx.pending, vx.line.sample(cell))
	case modeSurface:
		for len(vx.pending) == 0 {
			if !vx.surface.nextColumn(func(c pointcloud.VoxelCoords) {
				center := vx.grid.Center(c)
				_, weights := vx.tri.ClosestPointToPoint(center)
				vx.pending = append(vx.pending, Sample{Position: center, Weights: weights})
			}) {
				return false
			}
		}
	}
	return true
}

func (vx *Voxelizer) exhausted() bool {
	switch vx.mode {
	case modePoint:
		return !vx.point
	case modeLine:
		return vx.line.done
	default:
		return vx.surface.done
	}
}

func axisOf(v r3.Vector, axis int) float64 {
	switch axis {
	case 0:
		return v.X
	case 1:
		return v.Y
	default:
		return v.Z
	}
}

func cellAxis(c *pointcloud.VoxelCoords, axis int) *int64 {
	switch axis {
	case 0:
		return &c.I
	case 1:
		return &c.J
	default:
		return &c.K
	}
}
