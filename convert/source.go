package convert

import (
	"context"
	"strings"

	"github.com/golang/geo/r3"

	"go.viam.com/voxelvault/attributes"
	"go.viam.com/voxelvault/pointcloud"
	"go.viam.com/voxelvault/utils"
)

// Projection is the coordinate system source positions are expressed in.
type Projection int

// Known projections.
const (
	// ProjectionCartesian positions are used as they are.
	ProjectionCartesian Projection = iota
	// ProjectionLatLong positions are (latitude, longitude, height) in degrees and meters.
	ProjectionLatLong
	// ProjectionLongLat positions are (longitude, latitude, height) in degrees and meters.
	ProjectionLongLat
	// ProjectionECEF positions are earth-centred earth-fixed meters.
	ProjectionECEF
)

func (p Projection) String() string {
	switch p {
	case ProjectionCartesian:
		return "cartesian"
	case ProjectionLatLong:
		return "latlong"
	case ProjectionLongLat:
		return "longlat"
	case ProjectionECEF:
		return "ecef"
	default:
		return "unknown"
	}
}

// ParseProjection parses the name produced by Projection.String. An empty name is Cartesian.
func ParseProjection(name string) (Projection, error) {
	switch strings.ToLower(name) {
	case "", "cartesian":
		return ProjectionCartesian, nil
	case "latlong":
		return ProjectionLatLong, nil
	case "longlat":
		return ProjectionLongLat, nil
	case "ecef":
		return ProjectionECEF, nil
	default:
		return 0, utils.NewInvalidParameterError("unknown projection %q", name)
	}
}

// OpenFlags are hints passed to a source when it is opened.
type OpenFlags uint32

// Open flags.
const (
	// FlagVerticesOnly asks triangle sources to only report their vertices.
	FlagVerticesOnly OpenFlags = 1 << iota
	// FlagPreview means the output is a reduced fidelity preview.
	FlagPreview
)

// OpenOptions are passed to Source.Open.
type OpenOptions struct {
	EveryNth int
	// Origin and PointResolution place integer positions: world = Origin + position*scale where
	// scale is the source's own resolution, or PointResolution when the source has none.
	Origin          r3.Vector
	PointResolution float64
	Flags           OpenFlags
}

// SourceInfo is what a source learned about itself when opened.
type SourceInfo struct {
	// Attributes is the record layout of the source. Nil means the source has no attributes.
	Attributes *attributes.Set
	// PointCount is the number of records or -1 when unknown.
	PointCount  int64
	Bounds      pointcloud.Bounds
	BoundsKnown bool
	// Resolution is the native point spacing or 0 when unknown.
	Resolution float64
	SRID       int
	Projection Projection
}

// A Source produces the records of one ConvertItem. Besides Open and Close it implements one of
// PointReaderF64, PointReaderI64 or TriangleReader. Reads return io.EOF once exhausted and errors
// with a kind otherwise.
type Source interface {
	Open(ctx context.Context, opts OpenOptions) (SourceInfo, error)
	Close() error
}

// PointReaderF64 is a source of floating point positions.
type PointReaderF64 interface {
	ReadPointsF64(ctx context.Context, buf *pointcloud.PointBufferF64) error
}

// PointReaderI64 is a source of integer positions, see OpenOptions.
type PointReaderI64 interface {
	ReadPointsI64(ctx context.Context, buf *pointcloud.PointBufferI64) error
}

// Triangle is one polygon of a mesh source. Records follow the source's attribute set and may be
// nil when the set is empty.
type Triangle struct {
	Vertices [3]r3.Vector
	Records  [3][]byte
}

// TriangleReader is a source of triangles. It fills dst and returns how many were written.
type TriangleReader interface {
	ReadTriangles(ctx context.Context, dst []Triangle) (int, error)
}

// Destroyer is implemented by sources that own memory beyond Close.
type Destroyer interface {
	Destroy()
}

type readerKind int

const (
	readerNone readerKind = iota
	readerF64
	readerI64
	readerTriangles
)

// kindOfSource works out which reader a source provides.
func kindOfSource(src Source) readerKind {
	if cs, ok := src.(*CustomSource); ok {
		switch {
		case cs.ReadTrianglesFunc != nil:
			return readerTriangles
		case cs.ReadF64Func != nil:
			return readerF64
		case cs.ReadI64Func != nil:
			return readerI64
		default:
			return readerNone
		}
	}
	switch src.(type) {
	case TriangleReader:
		return readerTriangles
	case PointReaderF64:
		return readerF64
	case PointReaderI64:
		return readerI64
	default:
		return readerNone
	}
}
