package spatialmath

import (
	"fmt"
	"math"

	"github.com/golang/geo/r3"

	"go.viam.com/voxelvault/utils"
)

// Sphere is a ball around a centre.
type Sphere struct {
	center r3.Vector
	radius float64
}

// NewSphere instantiates a sphere.
func NewSphere(center r3.Vector, radius float64) (*Sphere, error) {
	if !isFiniteVector(center) || math.IsNaN(radius) || math.IsInf(radius, 0) {
		return nil, utils.NewInvalidParameterError("sphere parameters must be finite")
	}
	if radius < 0 {
		return nil, utils.NewInvalidParameterError("sphere radius must not be negative, got %v", radius)
	}
	return &Sphere{center: center, radius: radius}, nil
}

// String returns a human readable string that represents the sphere.
func (s *Sphere) String() string {
	return fmt.Sprintf("Type: Sphere | Center: %v | Radius: %.6f", s.center, s.radius)
}

// Center returns the sphere centre.
func (s *Sphere) Center() r3.Vector { return s.center }

// Radius returns the sphere radius.
func (s *Sphere) Radius() float64 { return s.radius }

// ContainsPoint reports whether pt is inside the closed ball.
func (s *Sphere) ContainsPoint(pt r3.Vector) bool {
	return pt.Sub(s.center).Norm2() <= s.radius*s.radius*(1+floatEpsilon)
}

// Bounds returns the cube around the ball.
func (s *Sphere) Bounds() AABB {
	return NewAABB(s.center, r3.Vector{X: s.radius, Y: s.radius, Z: s.radius})
}

// ClassifyAABB uses the nearest and farthest points of the box from the centre.
func (s *Sphere) ClassifyAABB(b AABB) Relation {
	r2 := s.radius * s.radius
	if b.DistanceSquared(s.center) > r2 {
		return Outside
	}
	if b.FarthestDistanceSquared(s.center) <= r2 {
		return Inside
	}
	return Partial
}
