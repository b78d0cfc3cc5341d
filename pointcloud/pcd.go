package pointcloud

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"

	"go.viam.com/voxelvault/attributes"
	"go.viam.com/voxelvault/utils"
)

// PCDType is the format of a pcd file.
type PCDType int

const (
	// PCDAscii ascii format for pcd.
	PCDAscii PCDType = 0
	// PCDBinary binary format for pcd.
	PCDBinary PCDType = 1
	// PCDCompressed binary format for pcd.
	PCDCompressed PCDType = 2
)

type pcdValType string

const (
	pcdValFloat pcdValType = "F"
	pcdValInt   pcdValType = "I"
	pcdValUInt  pcdValType = "U"
)

type pcdField struct {
	name  string
	size  int
	type_ pcdValType
	count int
}

type pcdHeader struct {
	fields []pcdField
	width  uint64
	height uint64
	points uint64
	data   PCDType
}

const pcdCommentChar = "#"

var pcdHeaderFields = []string{"VERSION", "FIELDS", "SIZE", "TYPE", "COUNT", "WIDTH", "HEIGHT", "VIEWPOINT", "POINTS", "DATA"}

func parsePCDHeaderLine(line string, index int, header *pcdHeader) error {
	var err error
	name := pcdHeaderFields[index]
	field, value, _ := strings.Cut(line, " ")
	tokens := strings.Fields(value)
	if field != name {
		return utils.NewParseError("line is supposed to start with %s but is %s", name, line)
	}

	switch name {
	case "VERSION":
		if value != ".7" && value != "0.7" {
			return utils.NewNotSupportedError("unsupported pcd version %s", value)
		}
	case "FIELDS":
		header.fields = make([]pcdField, len(tokens))
		for i, token := range tokens {
			header.fields[i] = pcdField{name: token, size: 4, type_: pcdValFloat, count: 1}
		}
	case "SIZE", "TYPE", "COUNT":
		if len(tokens) != len(header.fields) {
			return utils.NewParseError("unexpected number of fields in %s line", name)
		}
		for i, token := range tokens {
			switch name {
			case "SIZE":
				header.fields[i].size, err = strconv.Atoi(token)
			case "COUNT":
				header.fields[i].count, err = strconv.Atoi(token)
			default:
				header.fields[i].type_ = pcdValType(token)
			}
			if err != nil {
				return utils.NewParseError("invalid %s field %s: %s", name, token, err)
			}
		}
	case "WIDTH":
		header.width, err = strconv.ParseUint(value, 10, 64)
		if err != nil {
			return utils.NewParseError("invalid WIDTH field %s: %s", value, err)
		}
	case "HEIGHT":
		header.height, err = strconv.ParseUint(value, 10, 64)
		if err != nil {
			return utils.NewParseError("invalid HEIGHT field %s: %s", value, err)
		}
	case "VIEWPOINT":
		if len(tokens) != 7 {
			return utils.NewParseError("unexpected number of fields in VIEWPOINT line. Expected 7, got %d", len(tokens))
		}
	case "POINTS":
		var points uint64
		points, err = strconv.ParseUint(value, 10, 64)
		if err != nil {
			return utils.NewParseError("invalid POINTS field %s: %s", value, err)
		}
		if points != header.width*header.height {
			return utils.NewParseError("POINTS field %d does not match WIDTH*HEIGHT %d", points, header.width*header.height)
		}
		header.points = points
	case "DATA":
		switch value {
		case "ascii":
			header.data = PCDAscii
		case "binary":
			header.data = PCDBinary
		case "binary_compressed":
			header.data = PCDCompressed
		default:
			return utils.NewParseError("unknown pcd data type %q", value)
		}
	}
	return nil
}

// PCDReader streams points out of an ascii or binary PCD stream. Recognized fields are x y z,
// rgb and intensity; any others are skipped.
type PCDReader struct {
	in     *bufio.Reader
	closer io.Closer
	header pcdHeader
	set    *attributes.Set
	ra     *recordAdapter
	argb   int
	inten  int
	next   uint64
	values []float64
	row    []byte
}

// NewPCDReader parses the PCD header of in. If in is an io.Closer it is closed by Close.
func NewPCDReader(inRaw io.Reader) (*PCDReader, error) {
	r := &PCDReader{in: bufio.NewReader(inRaw)}
	if c, ok := inRaw.(io.Closer); ok {
		r.closer = c
	}
	headerLineCount := 0
	for headerLineCount < len(pcdHeaderFields) {
		line, err := r.in.ReadString('\n')
		if err != nil && !(errors.Is(err, io.EOF) && line != "") {
			return nil, utils.NewReadError(err, "error reading pcd header line %d", headerLineCount)
		}
		line, _, _ = strings.Cut(line, pcdCommentChar)
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if err := parsePCDHeaderLine(line, headerLineCount, &r.header); err != nil {
			return nil, err
		}
		headerLineCount++
	}
	if r.header.data == PCDCompressed {
		return nil, utils.NewNotSupportedError("compressed pcd not yet supported")
	}

	var content attributes.StandardContent
	var hasXYZ [3]bool
	rowSize := 0
	for _, f := range r.header.fields {
		switch f.name {
		case "x":
			hasXYZ[0] = true
		case "y":
			hasXYZ[1] = true
		case "z":
			hasXYZ[2] = true
		case "rgb", "rgba":
			content |= attributes.ARGB.Mask()
		case "intensity":
			content |= attributes.Intensity.Mask()
		}
		if f.size != 1 && f.size != 2 && f.size != 4 && f.size != 8 {
			return nil, utils.NewParseError("unsupported pcd field size %d for %q", f.size, f.name)
		}
		rowSize += f.size * f.count
	}
	if !hasXYZ[0] || !hasXYZ[1] || !hasXYZ[2] {
		return nil, utils.NewParseError("pcd fields must include x y z")
	}
	r.set = attributes.MustGenerate(content, 0)
	r.ra = newRecordAdapter(r.set)
	r.argb, r.inten = -1, -1
	if o, err := r.set.OffsetOfStandard(attributes.ARGB); err == nil {
		r.argb = o
	}
	if o, err := r.set.OffsetOfStandard(attributes.Intensity); err == nil {
		r.inten = o
	}
	r.row = make([]byte, rowSize)
	return r, nil
}

// Attributes returns the native attribute set.
func (r *PCDReader) Attributes() *attributes.Set { return r.set }

// Count returns the number of points declared in the header.
func (r *PCDReader) Count() int64 { return int64(r.header.points) }

// Bounds returns false as PCD headers carry no bounds.
func (r *PCDReader) Bounds() (Bounds, bool) { return NewBounds(), false }

// Read fills buf with the next points.
func (r *PCDReader) Read(buf *PointBufferF64) error {
	start := buf.Len()
	for !buf.Full() && r.next < r.header.points {
		var err error
		if r.header.data == PCDAscii {
			err = r.readAsciiRow()
		} else {
			err = r.readBinaryRow()
		}
		if err != nil {
			return err
		}
		r.next++
		if err := r.emit(buf); err != nil {
			return err
		}
	}
	if buf.Len() == start && r.next >= r.header.points {
		return io.EOF
	}
	return nil
}

func (r *PCDReader) readAsciiRow() error {
	line, err := r.in.ReadString('\n')
	if err != nil && !(errors.Is(err, io.EOF) && line != "") {
		return utils.NewReadError(err, "reading pcd point %d", r.next)
	}
	tokens := strings.Fields(line)
	r.values = r.values[:0]
	for _, token := range tokens {
		v, err := strconv.ParseFloat(token, 64)
		if err != nil {
			return utils.NewParseError("invalid point %d field %s: %s", r.next, token, err)
		}
		r.values = append(r.values, v)
	}
	want := 0
	for _, f := range r.header.fields {
		want += f.count
	}
	if len(r.values) != want {
		return utils.NewParseError("unexpected number of fields in point %d", r.next)
	}
	return nil
}

func (r *PCDReader) readBinaryRow() error {
	if _, err := io.ReadFull(r.in, r.row); err != nil {
		return utils.NewReadError(err, "reading pcd point %d", r.next)
	}
	r.values = r.values[:0]
	p := r.row
	for _, f := range r.header.fields {
		for c := 0; c < f.count; c++ {
			r.values = append(r.values, decodePCDValue(p[:f.size], f))
			p = p[f.size:]
		}
	}
	return nil
}

func decodePCDValue(b []byte, f pcdField) float64 {
	switch f.type_ {
	case pcdValFloat:
		if f.size == 8 {
			return math.Float64frombits(binary.LittleEndian.Uint64(b))
		}
		return float64(math.Float32frombits(binary.LittleEndian.Uint32(b)))
	case pcdValInt:
		switch f.size {
		case 1:
			return float64(int8(b[0]))
		case 2:
			return float64(int16(binary.LittleEndian.Uint16(b)))
		case 4:
			return float64(int32(binary.LittleEndian.Uint32(b)))
		default:
			return float64(int64(binary.LittleEndian.Uint64(b)))
		}
	case pcdValUInt:
	}
	switch f.size {
	case 1:
		return float64(b[0])
	case 2:
		return float64(binary.LittleEndian.Uint16(b))
	case 4:
		return float64(binary.LittleEndian.Uint32(b))
	default:
		return float64(binary.LittleEndian.Uint64(b))
	}
}

// pcdPackedColor returns the 0x00RRGGBB value of an rgb field. Float typed rgb fields hold the
// packed integer's bits.
func pcdPackedColor(v float64, f pcdField) uint32 {
	if f.type_ == pcdValFloat && f.size == 4 {
		return math.Float32bits(float32(v))
	}
	return uint32(v)
}

func (r *PCDReader) emit(buf *PointBufferF64) error {
	rec := r.ra.record()
	var pos r3.Vector
	i := 0
	for _, f := range r.header.fields {
		v := r.values[i]
		switch f.name {
		case "x":
			pos.X = v
		case "y":
			pos.Y = v
		case "z":
			pos.Z = v
		case "rgb", "rgba":
			c := pcdPackedColor(v, f)
			binary.LittleEndian.PutUint32(rec[r.argb:], 0xff000000|c&0x00ffffff)
		case "intensity":
			binary.LittleEndian.PutUint16(rec[r.inten:], uint16(math.Max(0, math.Min(math.MaxUint16, math.Round(v)))))
		}
		i += f.count
	}
	return r.ra.append(buf, pos)
}

// Close closes the underlying stream if it is closable.
func (r *PCDReader) Close() error {
	if r.closer != nil {
		return r.closer.Close()
	}
	return nil
}

// PCDWriter writes points as a PCD file. Points are held until Close since the header needs the
// total count.
type PCDWriter struct {
	out        io.Writer
	outputType PCDType
	argb       int
	inten      int
	body       bytes.Buffer
	count      int
}

// NewPCDWriter returns a writer of points whose records follow set. Only colors and intensities
// are carried over.
func NewPCDWriter(out io.Writer, set *attributes.Set, outputType PCDType) (*PCDWriter, error) {
	if outputType == PCDCompressed {
		return nil, utils.NewNotSupportedError("compressed PCD not yet implemented")
	}
	w := &PCDWriter{out: out, outputType: outputType, argb: -1, inten: -1}
	if o, err := set.OffsetOfStandard(attributes.ARGB); err == nil {
		w.argb = o
	}
	if o, err := set.OffsetOfStandard(attributes.Intensity); err == nil {
		w.inten = o
	}
	return w, nil
}

// Write adds one point.
func (w *PCDWriter) Write(pos r3.Vector, rec []byte) error {
	w.count++
	if w.outputType == PCDAscii {
		fmt.Fprintf(&w.body, "%f %f %f", pos.X, pos.Y, pos.Z)
		if w.argb >= 0 {
			fmt.Fprintf(&w.body, " %d", binary.LittleEndian.Uint32(rec[w.argb:])&0x00ffffff)
		}
		if w.inten >= 0 {
			fmt.Fprintf(&w.body, " %d", binary.LittleEndian.Uint16(rec[w.inten:]))
		}
		w.body.WriteByte('\n')
		return nil
	}
	var buf [30]byte
	binary.LittleEndian.PutUint64(buf[0:], math.Float64bits(pos.X))
	binary.LittleEndian.PutUint64(buf[8:], math.Float64bits(pos.Y))
	binary.LittleEndian.PutUint64(buf[16:], math.Float64bits(pos.Z))
	n := 24
	if w.argb >= 0 {
		binary.LittleEndian.PutUint32(buf[n:], binary.LittleEndian.Uint32(rec[w.argb:])&0x00ffffff)
		n += 4
	}
	if w.inten >= 0 {
		copy(buf[n:], rec[w.inten:w.inten+2])
		n += 2
	}
	w.body.Write(buf[:n])
	return nil
}

// Close writes the header and the held points.
func (w *PCDWriter) Close() error {
	fields, sizes, types, counts := "x y z", "8 8 8", "F F F", "1 1 1"
	if w.argb >= 0 {
		fields, sizes, types, counts = fields+" rgb", sizes+" 4", types+" U", counts+" 1"
	}
	if w.inten >= 0 {
		fields, sizes, types, counts = fields+" intensity", sizes+" 2", types+" U", counts+" 1"
	}
	data := "ascii"
	if w.outputType == PCDBinary {
		data = "binary"
	}
	_, err := fmt.Fprintf(w.out, "VERSION .7\n"+
		"FIELDS %s\n"+
		"SIZE %s\n"+
		"TYPE %s\n"+
		"COUNT %s\n"+
		"WIDTH %d\n"+
		"HEIGHT 1\n"+
		"VIEWPOINT 0 0 0 1 0 0 0\n"+
		"POINTS %d\n"+
		"DATA %s\n",
		fields, sizes, types, counts, w.count, w.count, data)
	if err != nil {
		return utils.NewWriteError(err, "writing pcd header")
	}
	if _, err := w.body.WriteTo(w.out); err != nil {
		return utils.NewWriteError(err, "writing pcd points")
	}
	return nil
}
