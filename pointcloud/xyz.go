package pointcloud

import (
	"bufio"
	"encoding/binary"
	"io"
	"math"
	"strconv"
	"strings"

	"github.com/golang/geo/r3"

	"go.viam.com/voxelvault/attributes"
	"go.viam.com/voxelvault/utils"
)

// XYZReader streams points out of delimited text where each line holds x y z optionally
// followed by an intensity (4 columns), r g b (6 columns) or r g b intensity (7 columns).
// Columns may be separated by whitespace, commas or semicolons. A leading non-numeric line is
// treated as a column header.
type XYZReader struct {
	scanner *bufio.Scanner
	closer  io.Closer
	set     *attributes.Set
	ra      *recordAdapter
	columns int
	line    int
	pending []string
	done    bool
	values  [7]float64
}

func splitXYZ(line string) []string {
	return strings.FieldsFunc(line, func(r rune) bool {
		return r == ' ' || r == '\t' || r == ',' || r == ';'
	})
}

// NewXYZReader reads the first data line of in to learn the column layout.
func NewXYZReader(in io.Reader) (*XYZReader, error) {
	r := &XYZReader{scanner: bufio.NewScanner(in)}
	if c, ok := in.(io.Closer); ok {
		r.closer = c
	}
	skippedHeader := false
	for r.pending == nil {
		tokens, err := r.nextTokens()
		if err != nil {
			return nil, err
		}
		if tokens == nil {
			return nil, utils.NewParseError("no points in xyz input")
		}
		if _, err := strconv.ParseFloat(tokens[0], 64); err != nil && !skippedHeader {
			skippedHeader = true
			continue
		}
		r.pending = tokens
	}

	var content attributes.StandardContent
	switch r.columns = len(r.pending); r.columns {
	case 3:
	case 4:
		content = attributes.Of(attributes.Intensity)
	case 6:
		content = attributes.Of(attributes.ARGB)
	case 7:
		content = attributes.Of(attributes.ARGB, attributes.Intensity)
	default:
		return nil, utils.NewParseError("xyz line %d has %d columns, expected 3, 4, 6 or 7", r.line, r.columns)
	}
	r.set = attributes.MustGenerate(content, 0)
	r.ra = newRecordAdapter(r.set)
	return r, nil
}

func (r *XYZReader) nextTokens() ([]string, error) {
	for r.scanner.Scan() {
		r.line++
		line := strings.TrimSpace(r.scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, "//") {
			continue
		}
		return splitXYZ(line), nil
	}
	if err := r.scanner.Err(); err != nil {
		return nil, utils.NewReadError(err, "reading xyz line %d", r.line+1)
	}
	return nil, nil
}

// Attributes returns the native attribute set.
func (r *XYZReader) Attributes() *attributes.Set { return r.set }

// Count returns -1 as text inputs carry no point count.
func (r *XYZReader) Count() int64 { return -1 }

// Bounds returns false as text inputs carry no bounds.
func (r *XYZReader) Bounds() (Bounds, bool) { return NewBounds(), false }

// Read fills buf with the next points.
func (r *XYZReader) Read(buf *PointBufferF64) error {
	start := buf.Len()
	for !buf.Full() && !r.done {
		tokens := r.pending
		r.pending = nil
		if tokens == nil {
			var err error
			if tokens, err = r.nextTokens(); err != nil {
				return err
			}
			if tokens == nil {
				r.done = true
				break
			}
		}
		if len(tokens) != r.columns {
			return utils.NewParseError("xyz line %d has %d columns, expected %d", r.line, len(tokens), r.columns)
		}
		for i, token := range tokens {
			v, err := strconv.ParseFloat(token, 64)
			if err != nil {
				return utils.NewParseError("xyz line %d column %d: %v", r.line, i+1, err)
			}
			r.values[i] = v
		}
		if err := r.emit(buf); err != nil {
			return err
		}
	}
	if buf.Len() == start && r.done {
		return io.EOF
	}
	return nil
}

func (r *XYZReader) emit(buf *PointBufferF64) error {
	rec := r.ra.record()
	v := r.values
	switch r.columns {
	case 4:
		binary.LittleEndian.PutUint16(rec, clampUint16(v[3]))
	case 6, 7:
		rec[0], rec[1], rec[2], rec[3] = clampUint8(v[5]), clampUint8(v[4]), clampUint8(v[3]), 255
		if r.columns == 7 {
			binary.LittleEndian.PutUint16(rec[4:], clampUint16(v[6]))
		}
	}
	return r.ra.append(buf, r3.Vector{X: v[0], Y: v[1], Z: v[2]})
}

func clampUint8(v float64) uint8 {
	return uint8(math.Max(0, math.Min(math.MaxUint8, math.Round(v))))
}

func clampUint16(v float64) uint16 {
	return uint16(math.Max(0, math.Min(math.MaxUint16, math.Round(v))))
}

// Close closes the underlying stream if it is closable.
func (r *XYZReader) Close() error {
	if r.closer != nil {
		return r.closer.Close()
	}
	return nil
}
