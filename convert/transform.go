package convert

import (
	"github.com/golang/geo/r3"
	geo "github.com/kellydunn/golang-geo"

	"go.viam.com/voxelvault/spatialmath"
	"go.viam.com/voxelvault/utils"
)

type transformFunc func(r3.Vector) (r3.Vector, error)

// newTransform maps positions of the given projection into the output SRID and adds offset.
// Geographic inputs need an output SRID to project into.
func newTransform(p Projection, srid int, offset r3.Vector) (transformFunc, error) {
	if p != ProjectionCartesian {
		if srid == 0 {
			return nil, utils.NewInvalidConfigurationError("%s input needs an output SRID", p)
		}
		if !spatialmath.IsSupportedSRID(srid) {
			return nil, utils.NewNotSupportedError("cannot project %s input into SRID %d", p, srid)
		}
	}
	switch p {
	case ProjectionCartesian:
		return func(v r3.Vector) (r3.Vector, error) {
			return v.Add(offset), nil
		}, nil
	case ProjectionLatLong, ProjectionLongLat:
		latFirst := p == ProjectionLatLong
		return func(v r3.Vector) (r3.Vector, error) {
			lat, lng := v.X, v.Y
			if !latFirst {
				lat, lng = v.Y, v.X
			}
			if lat < -90 || lat > 90 || lng < -180 || lng > 180 {
				return r3.Vector{}, utils.NewParseError("coordinate (%v, %v) is not a valid latitude/longitude", lat, lng)
			}
			out, err := spatialmath.ProjectGeoPoint(srid, geo.NewPoint(lat, lng), v.Z)
			if err != nil {
				return r3.Vector{}, err
			}
			return out.Add(offset), nil
		}, nil
	case ProjectionECEF:
		return func(v r3.Vector) (r3.Vector, error) {
			out, err := spatialmath.ProjectECEF(srid, v)
			if err != nil {
				return r3.Vector{}, err
			}
			return out.Add(offset), nil
		}, nil
	default:
		return nil, utils.NewInvalidParameterError("unknown projection %d", p)
	}
}
