package pointcloud

import (
	"math"

	"github.com/golang/geo/r3"
)

// VoxelCoords are the integer coordinates of a grid cell.
type VoxelCoords struct {
	I, J, K int64
}

// IsEqual returns true if the coordinates are the same.
func (c VoxelCoords) IsEqual(c2 VoxelCoords) bool {
	return c.I == c2.I && c.J == c2.J && c.K == c2.K
}

// Add returns the sum of both coordinates.
func (c VoxelCoords) Add(c2 VoxelCoords) VoxelCoords {
	return VoxelCoords{c.I + c2.I, c.J + c2.J, c.K + c2.K}
}

// Grid is a regular cubic grid with cell edge Resolution whose cell (0,0,0) starts at Origin.
type Grid struct {
	Origin     r3.Vector
	Resolution float64
}

// Cell returns the coordinates of the cell containing p.
func (g Grid) Cell(p r3.Vector) VoxelCoords {
	return VoxelCoords{
		I: int64(math.Floor((p.X - g.Origin.X) / g.Resolution)),
		J: int64(math.Floor((p.Y - g.Origin.Y) / g.Resolution)),
		K: int64(math.Floor((p.Z - g.Origin.Z) / g.Resolution)),
	}
}

// Center returns the center of cell c.
func (g Grid) Center(c VoxelCoords) r3.Vector {
	return r3.Vector{
		X: g.Origin.X + (float64(c.I)+0.5)*g.Resolution,
		Y: g.Origin.Y + (float64(c.J)+0.5)*g.Resolution,
		Z: g.Origin.Z + (float64(c.K)+0.5)*g.Resolution,
	}
}

// CellBounds returns the minimum and maximum corners of cell c.
func (g Grid) CellBounds(c VoxelCoords) (r3.Vector, r3.Vector) {
	lo := r3.Vector{
		X: g.Origin.X + float64(c.I)*g.Resolution,
		Y: g.Origin.Y + float64(c.J)*g.Resolution,
		Z: g.Origin.Z + float64(c.K)*g.Resolution,
	}
	return lo, lo.Add(r3.Vector{X: g.Resolution, Y: g.Resolution, Z: g.Resolution})
}
