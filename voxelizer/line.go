package voxelizer

import (
	"math"

	"github.com/golang/geo/r3"

	"go.viam.com/voxelvault/pointcloud"
)

// lineWalk is a 3D digital differential analyzer stepping from the cell of one end point to the
// cell of the other through face-adjacent cells.
type lineWalk struct {
	grid      pointcloud.Grid
	from      r3.Vector
	dir       r3.Vector
	fromIdx   int
	toIdx     int
	cell      pointcloud.VoxelCoords
	step      [3]int64
	remaining [3]int64
	tMax      [3]float64
	tDelta    [3]float64
	started   bool
	done      bool
}

// newLineWalk walks from a to b; fromIdx and toIdx name the triangle vertices a and b came from.
func newLineWalk(grid pointcloud.Grid, a, b r3.Vector, fromIdx, toIdx int) lineWalk {
	w := lineWalk{grid: grid, from: a, dir: b.Sub(a), fromIdx: fromIdx, toIdx: toIdx, cell: grid.Cell(a)}
	end := grid.Cell(b)
	res := grid.Resolution
	for axis := 0; axis < 3; axis++ {
		c := *cellAxis(&w.cell, axis)
		e := *cellAxis(&end, axis)
		d := axisOf(w.dir, axis)
		start := axisOf(a, axis)
		w.remaining[axis] = e - c
		if w.remaining[axis] < 0 {
			w.remaining[axis] = -w.remaining[axis]
		}
		switch {
		case d > 0:
			w.step[axis] = 1
			w.tMax[axis] = ((float64(c)+1)*res - start) / d
			w.tDelta[axis] = res / d
		case d < 0:
			w.step[axis] = -1
			w.tMax[axis] = (float64(c)*res - start) / d
			w.tDelta[axis] = -res / d
		default:
			w.tMax[axis] = math.Inf(1)
			w.tDelta[axis] = math.Inf(1)
		}
	}
	return w
}

func (w *lineWalk) finished() bool {
	return w.remaining[0] == 0 && w.remaining[1] == 0 && w.remaining[2] == 0
}

// next returns the next cell of the walk.
func (w *lineWalk) next() (pointcloud.VoxelCoords, bool) {
	if w.done {
		return pointcloud.VoxelCoords{}, false
	}
	if !w.started {
		w.started = true
		w.done = w.finished()
		return w.cell, true
	}
	best := -1
	for axis := 0; axis < 3; axis++ {
		if w.remaining[axis] > 0 && (best < 0 || w.tMax[axis] < w.tMax[best]) {
			best = axis
		}
	}
	if best < 0 {
		w.done = true
		return pointcloud.VoxelCoords{}, false
	}
	*cellAxis(&w.cell, best) += w.step[best]
	w.remaining[best]--
	w.tMax[best] += w.tDelta[best]
	w.done = w.finished()
	return w.cell, true
}

// sample weights a cell centre by its projection onto the segment.
func (w *lineWalk) sample(cell pointcloud.VoxelCoords) Sample {
	center := w.grid.Center(cell)
	var s float64
	if l2 := w.dir.Norm2(); l2 > 0 {
		s = math.Max(0, math.Min(1, center.Sub(w.from).Dot(w.dir)/l2))
	}
	var weights [3]float64
	weights[w.fromIdx] = 1 - s
	weights[w.toIdx] += s
	return Sample{Position: center, Weights: weights}
}
