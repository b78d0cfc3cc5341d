package pointcloud

import (
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/golang/geo/r3"
	"go.uber.org/multierr"

	"go.viam.com/voxelvault/attributes"
	"go.viam.com/voxelvault/utils"
)

// Reader streams points out of a file or stream. Read fills buf up to its capacity and returns
// io.EOF once no points remain and none were added.
type Reader interface {
	// Attributes returns the native attribute set of the input.
	Attributes() *attributes.Set
	// Count returns the number of points in the input or -1 when unknown.
	Count() int64
	// Bounds returns the bounds declared by the input header and whether there are any.
	Bounds() (Bounds, bool)
	Read(buf *PointBufferF64) error
	Close() error
}

// Writer writes points to a file.
type Writer interface {
	Write(pos r3.Vector, record []byte) error
	Close() error
}

// Format names a point file format.
type Format string

// Supported formats.
const (
	FormatLAS Format = "las"
	FormatPCD Format = "pcd"
	FormatXYZ Format = "xyz"
)

// FormatFromPath guesses the format from a file extension.
func FormatFromPath(path string) (Format, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".las":
		return FormatLAS, nil
	case ".pcd":
		return FormatPCD, nil
	case ".xyz", ".txt", ".csv", ".pts":
		return FormatXYZ, nil
	default:
		return "", utils.NewNotSupportedError("do not know how to read file %q", path)
	}
}

// recordAdapter writes records built in a reader's native layout into buffers with any layout.
type recordAdapter struct {
	native  *attributes.Set
	target  *attributes.Set
	conv    *attributes.Converter
	scratch []byte
}

func newRecordAdapter(native *attributes.Set) *recordAdapter {
	return &recordAdapter{native: native, scratch: make([]byte, native.Stride())}
}

// record returns a zeroed scratch record in the native layout.
func (ra *recordAdapter) record() []byte {
	clear(ra.scratch)
	return ra.scratch
}

// append adds pos and the scratch record to buf, converting when the layouts differ.
func (ra *recordAdapter) append(buf *PointBufferF64, pos r3.Vector) error {
	slot, err := buf.AppendSlot([3]float64{pos.X, pos.Y, pos.Z})
	if err != nil {
		return err
	}
	if buf.Attributes().Equal(ra.native) {
		copy(slot, ra.scratch)
		return nil
	}
	if ra.target != buf.Attributes() {
		ra.target = buf.Attributes()
		ra.conv = attributes.NewConverter(ra.native, ra.target)
	}
	ra.conv.Convert(slot, ra.scratch)
	return nil
}

// NewReaderFromFile opens a point file, choosing the reader by extension.
func NewReaderFromFile(path string) (Reader, error) {
	format, err := FormatFromPath(path)
	if err != nil {
		return nil, err
	}
	if format == FormatLAS {
		r, err := NewLASReader(path)
		if err != nil {
			return nil, err
		}
		return r, nil
	}
	//nolint:gosec
	f, err := os.Open(path)
	if err != nil {
		return nil, utils.NewOpenError(err, "opening %q", path)
	}
	r, err := NewReaderFromStream(f, format)
	if err != nil {
		return nil, multierr.Combine(err, f.Close())
	}
	return r, nil
}

// NewReaderFromStream reads points of the given format from in. LAS needs random access and
// is not supported on streams.
func NewReaderFromStream(in io.Reader, format Format) (Reader, error) {
	switch format {
	case FormatPCD:
		r, err := NewPCDReader(in)
		if err != nil {
			return nil, err
		}
		return r, nil
	case FormatXYZ:
		r, err := NewXYZReader(in)
		if err != nil {
			return nil, err
		}
		return r, nil
	case FormatLAS:
		return nil, utils.NewNotSupportedError("LAS cannot be read from a stream")
	default:
		return nil, utils.NewNotSupportedError("unknown point format %q", format)
	}
}
