package spatialmath

import (
	"math"

	"github.com/golang/geo/r3"
	"github.com/golang/geo/s1"
	geo "github.com/kellydunn/golang-geo"

	"go.viam.com/voxelvault/utils"
)

// WGS84 ellipsoid.
const (
	wgs84A  = 6378137.0
	wgs84F  = 1 / 298.257223563
	wgs84E2 = wgs84F * (2 - wgs84F)
	wgs84B  = wgs84A * (1 - wgs84F)

	utmK0          = 0.9996
	utmFalseEast   = 500000.0
	utmFalseNorth  = 10000000.0
	webMercatorMax = 85.05112877980659
)

// Well known spatial reference identifiers.
const (
	SRIDWGS84       = 4326
	SRIDECEF        = 4978
	SRIDWebMercator = 3857
	sridUTMNorth    = 32600
	sridUTMSouth    = 32700
)

// UTMZone decodes a WGS84 UTM SRID (326zz north, 327zz south).
func UTMZone(srid int) (zone int, north, ok bool) {
	switch {
	case srid > sridUTMNorth && srid <= sridUTMNorth+60:
		return srid - sridUTMNorth, true, true
	case srid > sridUTMSouth && srid <= sridUTMSouth+60:
		return srid - sridUTMSouth, false, true
	default:
		return 0, false, false
	}
}

// IsSupportedSRID reports whether points can be projected into srid.
func IsSupportedSRID(srid int) bool {
	if _, _, ok := UTMZone(srid); ok {
		return true
	}
	return srid == SRIDWGS84 || srid == SRIDECEF || srid == SRIDWebMercator
}

func radians(deg float64) float64 {
	return (s1.Angle(deg) * s1.Degree).Radians()
}

func degrees(rad float64) float64 {
	return (s1.Angle(rad) * s1.Radian).Degrees()
}

// GeoPointToECEF converts a WGS84 location and ellipsoidal height to earth-centred earth-fixed
// coordinates.
func GeoPointToECEF(pt *geo.Point, height float64) r3.Vector {
	lat, lng := radians(pt.Lat()), radians(pt.Lng())
	sinLat, cosLat := math.Sincos(lat)
	sinLng, cosLng := math.Sincos(lng)
	n := wgs84A / math.Sqrt(1-wgs84E2*sinLat*sinLat)
	return r3.Vector{
		X: (n + height) * cosLat * cosLng,
		Y: (n + height) * cosLat * sinLng,
		Z: (n*(1-wgs84E2) + height) * sinLat,
	}
}

// ECEFToGeoPoint converts earth-centred earth-fixed coordinates to a WGS84 location and height.
func ECEFToGeoPoint(v r3.Vector) (*geo.Point, float64) {
	p := math.Hypot(v.X, v.Y)
	if p < 1e-9 {
		lat := 90.0
		if v.Z < 0 {
			lat = -90
		}
		return geo.NewPoint(lat, 0), math.Abs(v.Z) - wgs84B
	}
	lng := math.Atan2(v.Y, v.X)
	lat := math.Atan2(v.Z, p*(1-wgs84E2))
	var height float64
	for i := 0; i < 10; i++ {
		sinLat := math.Sin(lat)
		n := wgs84A / math.Sqrt(1-wgs84E2*sinLat*sinLat)
		height = p/math.Cos(lat) - n
		next := math.Atan2(v.Z, p*(1-wgs84E2*n/(n+height)))
		if math.Abs(next-lat) < 1e-14 {
			lat = next
			break
		}
		lat = next
	}
	return geo.NewPoint(degrees(lat), degrees(lng)), height
}

// GeoPointToUTM projects a WGS84 location into the given UTM zone, returning easting and northing.
func GeoPointToUTM(pt *geo.Point, zone int, north bool) (float64, float64) {
	lat := radians(pt.Lat())
	lng0 := radians(float64(zone-1)*6 - 180 + 3)
	dLng := radians(pt.Lng()) - lng0
	// keep the longitude difference in (-pi, pi]
	dLng = math.Remainder(dLng, 2*math.Pi)

	ep2 := wgs84E2 / (1 - wgs84E2)
	sinLat, cosLat := math.Sincos(lat)
	n := wgs84A / math.Sqrt(1-wgs84E2*sinLat*sinLat)
	t := math.Tan(lat) * math.Tan(lat)
	c := ep2 * cosLat * cosLat
	a := cosLat * dLng

	e4 := wgs84E2 * wgs84E2
	e6 := e4 * wgs84E2
	m := wgs84A * ((1-wgs84E2/4-3*e4/64-5*e6/256)*lat -
		(3*wgs84E2/8+3*e4/32+45*e6/1024)*math.Sin(2*lat) +
		(15*e4/256+45*e6/1024)*math.Sin(4*lat) -
		(35*e6/3072)*math.Sin(6*lat))

	easting := utmK0*n*(a+(1-t+c)*a*a*a/6+(5-18*t+t*t+72*c-58*ep2)*math.Pow(a, 5)/120) + utmFalseEast
	northing := utmK0 * (m + n*math.Tan(lat)*(a*a/2+(5-t+9*c+4*c*c)*math.Pow(a, 4)/24+
		(61-58*t+t*t+600*c-330*ep2)*math.Pow(a, 6)/720))
	if !north {
		northing += utmFalseNorth
	}
	return easting, northing
}

// GeoPointToWebMercator projects a WGS84 location into spherical web mercator.
func GeoPointToWebMercator(pt *geo.Point) (float64, float64) {
	lat := math.Max(-webMercatorMax, math.Min(webMercatorMax, pt.Lat()))
	x := wgs84A * radians(pt.Lng())
	y := wgs84A * math.Log(math.Tan(math.Pi/4+radians(lat)/2))
	return x, y
}

// ProjectGeoPoint maps a WGS84 location and height into the coordinate system named by srid.
func ProjectGeoPoint(srid int, pt *geo.Point, height float64) (r3.Vector, error) {
	if zone, north, ok := UTMZone(srid); ok {
		e, n := GeoPointToUTM(pt, zone, north)
		return r3.Vector{X: e, Y: n, Z: height}, nil
	}
	switch srid {
	case SRIDWGS84:
		return r3.Vector{X: pt.Lng(), Y: pt.Lat(), Z: height}, nil
	case SRIDECEF:
		return GeoPointToECEF(pt, height), nil
	case SRIDWebMercator:
		x, y := GeoPointToWebMercator(pt)
		return r3.Vector{X: x, Y: y, Z: height}, nil
	default:
		return r3.Vector{}, utils.NewNotSupportedError("cannot project into SRID %d", srid)
	}
}

// ProjectECEF maps earth-centred earth-fixed coordinates into the coordinate system named by srid.
func ProjectECEF(srid int, v r3.Vector) (r3.Vector, error) {
	if srid == SRIDECEF {
		return v, nil
	}
	pt, height := ECEFToGeoPoint(v)
	return ProjectGeoPoint(srid, pt, height)
}
