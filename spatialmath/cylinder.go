package spatialmath

import (
	"fmt"
	"math"

	"github.com/golang/geo/r3"

	"go.viam.com/voxelvault/utils"
)

// Cylinder is a disc of the given radius in the local XY plane extruded along local Z.
type Cylinder struct {
	center     r3.Vector
	radius     float64
	halfHeight float64
	ypr        YawPitchRoll
	rm         RotationMatrix
	bounding   *Box
}

// NewCylinder instantiates a cylinder.
func NewCylinder(center r3.Vector, radius, halfHeight float64, ypr YawPitchRoll) (*Cylinder, error) {
	if !isFiniteVector(center) || !ypr.IsFinite() || !isFiniteVector(r3.Vector{X: radius, Y: halfHeight}) {
		return nil, utils.NewInvalidParameterError("cylinder parameters must be finite")
	}
	if radius < 0 || halfHeight < 0 {
		return nil, utils.NewInvalidParameterError("cylinder radius %v and half height %v must not be negative", radius, halfHeight)
	}
	return &Cylinder{
		center:     center,
		radius:     radius,
		halfHeight: halfHeight,
		ypr:        ypr,
		rm:         ypr.RotationMatrix(),
		bounding:   newBox(center, [3]float64{radius, radius, halfHeight}, ypr),
	}, nil
}

// String returns a human readable string that represents the cylinder.
func (c *Cylinder) String() string {
	return fmt.Sprintf("Type: Cylinder | Center: %v | Radius: %.6f | Half height: %.6f | YPR: %+v",
		c.center, c.radius, c.halfHeight, c.ypr)
}

// Center returns the cylinder centre.
func (c *Cylinder) Center() r3.Vector { return c.center }

// Radius returns the cylinder radius.
func (c *Cylinder) Radius() float64 { return c.radius }

// HalfHeight returns half of the cylinder height.
func (c *Cylinder) HalfHeight() float64 { return c.halfHeight }

// ContainsPoint reports whether pt is inside the closed cylinder.
func (c *Cylinder) ContainsPoint(pt r3.Vector) bool {
	local := c.rm.TransposeMul(pt.Sub(c.center))
	tol := floatEpsilon * (1 + math.Max(c.radius, c.halfHeight))
	return math.Abs(local.Z) <= c.halfHeight+tol && local.X*local.X+local.Y*local.Y <= (c.radius+tol)*(c.radius+tol)
}

// Bounds returns the axis-aligned box around the bounding box of the cylinder.
func (c *Cylinder) Bounds() AABB {
	return c.bounding.Bounds()
}

// ClassifyAABB prunes with the oriented bounding box and accepts when every corner is inside.
func (c *Cylinder) ClassifyAABB(b AABB) Relation {
	if c.bounding.SeparationFrom(b) > 0 {
		return Outside
	}
	if allCornersInside(b, c) {
		return Inside
	}
	return Partial
}
