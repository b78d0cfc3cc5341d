package pointcloud

import (
	"encoding/binary"
	"io"

	"github.com/edaniels/lidario"
	"github.com/golang/geo/r3"
	"go.uber.org/multierr"

	"go.viam.com/voxelvault/attributes"
	"go.viam.com/voxelvault/utils"
)

var lasContent = attributes.Of(
	attributes.Intensity,
	attributes.PointSourceID,
	attributes.Classification,
	attributes.ReturnNumber,
	attributes.NumberOfReturns,
	attributes.ClassificationFlags,
	attributes.ScanDirection,
	attributes.EdgeOfFlightLine,
	attributes.ScanAngleRank,
	attributes.LASUserData,
)

// lasFields holds the record offset of each LAS field, -1 when absent.
type lasFields struct {
	argb, intensity, sourceID, class, returnNum, numReturns, classFlags, scanDir, edge, scanAngle, userData int
}

func lasFieldsOf(set *attributes.Set) lasFields {
	off := func(a attributes.StandardAttribute) int {
		o, err := set.OffsetOfStandard(a)
		if err != nil {
			return -1
		}
		return o
	}
	return lasFields{
		argb:       off(attributes.ARGB),
		intensity:  off(attributes.Intensity),
		sourceID:   off(attributes.PointSourceID),
		class:      off(attributes.Classification),
		returnNum:  off(attributes.ReturnNumber),
		numReturns: off(attributes.NumberOfReturns),
		classFlags: off(attributes.ClassificationFlags),
		scanDir:    off(attributes.ScanDirection),
		edge:       off(attributes.EdgeOfFlightLine),
		scanAngle:  off(attributes.ScanAngleRank),
		userData:   off(attributes.LASUserData),
	}
}

// LASReader streams points out of a LAS file.
type LASReader struct {
	lf     *lidario.LasFile
	set    *attributes.Set
	fields lasFields
	ra     *recordAdapter
	next   int
}

// NewLASReader opens a LAS file for reading.
func NewLASReader(path string) (*LASReader, error) {
	lf, err := lidario.NewLasFile(path, "r")
	if err != nil {
		return nil, utils.NewOpenError(err, "opening LAS file %q", path)
	}
	content := lasContent
	if id := lf.Header.PointFormatID; id == 2 || id == 3 {
		content |= attributes.ARGB.Mask()
	}
	set := attributes.MustGenerate(content, 0)
	return &LASReader{lf: lf, set: set, fields: lasFieldsOf(set), ra: newRecordAdapter(set)}, nil
}

// Attributes returns the native attribute set.
func (r *LASReader) Attributes() *attributes.Set { return r.set }

// Count returns the number of points declared in the header.
func (r *LASReader) Count() int64 { return int64(r.lf.Header.NumberPoints) }

// Bounds returns the header bounds.
func (r *LASReader) Bounds() (Bounds, bool) {
	h := r.lf.Header
	if h.NumberPoints == 0 {
		return NewBounds(), false
	}
	return BoundsOf(r3.Vector{X: h.MinX, Y: h.MinY, Z: h.MinZ}, r3.Vector{X: h.MaxX, Y: h.MaxY, Z: h.MaxZ}), true
}

// Read fills buf with the next points of the file.
func (r *LASReader) Read(buf *PointBufferF64) error {
	start := buf.Len()
	for !buf.Full() && r.next < r.lf.Header.NumberPoints {
		p, err := r.lf.LasPoint(r.next)
		if err != nil {
			return utils.NewReadError(err, "reading LAS point %d", r.next)
		}
		r.next++
		data := p.PointData()

		rec := r.ra.record()
		f := r.fields
		binary.LittleEndian.PutUint16(rec[f.intensity:], data.Intensity)
		binary.LittleEndian.PutUint16(rec[f.sourceID:], data.PointSourceID)
		bits := data.BitField.Value
		rec[f.returnNum] = bits & 0x7
		rec[f.numReturns] = (bits >> 3) & 0x7
		rec[f.scanDir] = (bits >> 6) & 0x1
		rec[f.edge] = (bits >> 7) & 0x1
		class := data.ClassBitField.Value
		rec[f.class] = class & 0x1f
		rec[f.classFlags] = class >> 5
		rec[f.scanAngle] = uint8(data.ScanAngle)
		rec[f.userData] = uint8(data.UserData)
		if f.argb >= 0 && p.RgbData() != nil {
			rgb := p.RgbData()
			rec[f.argb+0] = uint8(rgb.Blue / 256)
			rec[f.argb+1] = uint8(rgb.Green / 256)
			rec[f.argb+2] = uint8(rgb.Red / 256)
			rec[f.argb+3] = 255
		}
		if err := r.ra.append(buf, r3.Vector{X: data.X, Y: data.Y, Z: data.Z}); err != nil {
			return err
		}
	}
	if buf.Len() == start && r.next >= r.lf.Header.NumberPoints {
		return io.EOF
	}
	return nil
}

// Close releases the file.
func (r *LASReader) Close() error {
	return r.lf.Close()
}

// LASWriter writes points into a LAS file. Standard LAS fields found in the record's attribute
// set are carried over; colors select point format 2.
type LASWriter struct {
	lf     *lidario.LasFile
	fields lasFields
	color  bool
}

// NewLASWriter creates a LAS file for points whose records follow set.
func NewLASWriter(path string, set *attributes.Set) (_ *LASWriter, err error) {
	lf, err := lidario.NewLasFile(path, "w")
	if err != nil {
		return nil, utils.NewOpenError(err, "creating LAS file %q", path)
	}
	fields := lasFieldsOf(set)
	pointFormatID := 0
	if fields.argb >= 0 {
		pointFormatID = 2
	}
	if err := lf.AddHeader(lidario.LasHeader{
		PointFormatID: byte(pointFormatID),
	}); err != nil {
		return nil, multierr.Combine(utils.NewWriteError(err, "writing LAS header"), lf.Close())
	}
	return &LASWriter{lf: lf, fields: fields, color: pointFormatID == 2}, nil
}

func field8(rec []byte, off int, fallback uint8) uint8 {
	if off < 0 {
		return fallback
	}
	return rec[off]
}

// Write adds one point.
func (w *LASWriter) Write(pos r3.Vector, rec []byte) error {
	f := w.fields
	returnNum := field8(rec, f.returnNum, 1)
	numReturns := field8(rec, f.numReturns, 1)
	bits := returnNum&0x7 | (numReturns&0x7)<<3 | (field8(rec, f.scanDir, 0)&1)<<6 | (field8(rec, f.edge, 0)&1)<<7
	pr0 := &lidario.PointRecord0{
		X: pos.X,
		Y: pos.Y,
		Z: pos.Z,
		BitField: lidario.PointBitField{
			Value: bits,
		},
		ClassBitField: lidario.ClassificationBitField{
			Value: field8(rec, f.class, 0)&0x1f | field8(rec, f.classFlags, 0)<<5,
		},
		UserData:      field8(rec, f.userData, 0),
		PointSourceID: 1,
	}
	if f.intensity >= 0 {
		pr0.Intensity = binary.LittleEndian.Uint16(rec[f.intensity:])
	}
	if f.sourceID >= 0 {
		pr0.PointSourceID = binary.LittleEndian.Uint16(rec[f.sourceID:])
	}

	var lp lidario.LasPointer = pr0
	if w.color {
		lp = &lidario.PointRecord2{
			PointRecord0: pr0,
			RGB: &lidario.RgbData{
				Red:   uint16(rec[f.argb+2]) * 256,
				Green: uint16(rec[f.argb+1]) * 256,
				Blue:  uint16(rec[f.argb+0]) * 256,
			},
		}
	}
	if err := w.lf.AddLasPoint(lp); err != nil {
		return utils.NewWriteError(err, "writing LAS point")
	}
	return nil
}

// Close flushes and closes the file.
func (w *LASWriter) Close() error {
	return w.lf.Close()
}
