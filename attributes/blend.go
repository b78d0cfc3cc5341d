package attributes

import (
	"encoding/binary"
	"math"
)

type valueKind int

const (
	kindOpaque valueKind = iota
	kindUnsigned
	kindSigned
	kindFloat
	kindColor
	kindNormal
)

// field is the decoded layout of one attribute inside a record.
type field struct {
	offset   int
	size     int
	compSize int
	count    int
	kind     valueKind
	mode     BlendMode
	lane     int
	lanes    int
}

func newField(d Descriptor, offset int) field {
	f := field{
		offset:   offset,
		size:     d.TypeInfo.Size(),
		compSize: d.TypeInfo.ComponentSize(),
		count:    d.TypeInfo.ComponentCount(),
		mode:     d.BlendMode,
	}
	switch {
	case f.size == 0:
		f.kind = kindOpaque
	case d.TypeInfo.IsColor() && f.size == 4:
		f.kind, f.lanes = kindColor, 4
	case d.TypeInfo.IsNormal() && f.size == 4:
		f.kind, f.lanes = kindNormal, 3
	case d.TypeInfo.IsFloat() && (f.compSize == 4 || f.compSize == 8):
		f.kind, f.lanes = kindFloat, f.count
	case f.compSize == 1 || f.compSize == 2 || f.compSize == 4 || f.compSize == 8:
		f.kind, f.lanes = kindUnsigned, f.count
		if d.TypeInfo.IsSigned() {
			f.kind = kindSigned
		}
	default:
		f.kind = kindOpaque
	}
	if f.kind == kindOpaque {
		// opaque bytes cannot be averaged, so they always keep a representative value.
		f.mode = BlendSingleValue
		f.lanes = 0
	}
	return f
}

// Blender combines attribute records laid out by one Set. Mean attributes are decoded into
// float64 lanes, combined and re-encoded with rounding and clamping; SingleValue attributes keep
// one representative record's bytes.
type Blender struct {
	set    *Set
	fields []field
	lanes  int
}

// NewBlender returns a Blender for records of the given set.
func NewBlender(set *Set) *Blender {
	b := &Blender{set: set, fields: make([]field, set.Count())}
	for i := range b.fields {
		f := newField(set.Descriptor(i), set.Offset(i))
		f.lane = b.lanes
		b.lanes += f.lanes
		b.fields[i] = f
	}
	return b
}

// Set returns the set the blender was built for.
func (b *Blender) Set() *Set { return b.set }

// Lanes returns how many float64 lanes AddLanes needs for one record.
func (b *Blender) Lanes() int { return b.lanes }

// AddLanes adds the Mean attributes of record, scaled by weight, to the lanes in acc. Summing in
// float64 and encoding once with EncodeLanes keeps merged means exact however many points land in
// one cell.
func (b *Blender) AddLanes(acc []float64, record []byte, weight float64) {
	for i := range b.fields {
		f := &b.fields[i]
		if f.mode != BlendMean {
			continue
		}
		if f.kind == kindNormal {
			n := decodeNormal(record[f.offset:])
			for k := 0; k < 3; k++ {
				acc[f.lane+k] += n[k] * weight
			}
			continue
		}
		for c := 0; c < f.lanes; c++ {
			acc[f.lane+c] += f.decodeLane(record, c) * weight
		}
	}
}

// EncodeLanes writes the lane sums in acc divided by weight into the Mean attributes of dst.
// SingleValue attributes of dst are left alone.
func (b *Blender) EncodeLanes(dst []byte, acc []float64, weight float64) {
	if weight <= 0 {
		return
	}
	for i := range b.fields {
		f := &b.fields[i]
		if f.mode != BlendMean {
			continue
		}
		if f.kind == kindNormal {
			encodeNormal(dst[f.offset:], acc[f.lane]/weight, acc[f.lane+1]/weight, acc[f.lane+2]/weight)
			continue
		}
		for c := 0; c < f.lanes; c++ {
			f.encodeLane(dst, c, acc[f.lane+c]/weight)
		}
	}
}

// BlendChildren writes into dst the combination of up to eight child records, indexed by child
// slot with nil for absent children. Mean attributes become the arithmetic mean of the present
// children and SingleValue attributes take the lowest populated slot. It returns false when no
// child is present.
func (b *Blender) BlendChildren(dst []byte, children *[8][]byte) bool {
	first := -1
	present := 0
	for slot, c := range children {
		if c != nil {
			if first < 0 {
				first = slot
			}
			present++
		}
	}
	if first < 0 {
		return false
	}
	copy(dst[:b.set.Stride()], children[first])
	if present == 1 {
		return true
	}
	var w [8]float64
	for slot, c := range children {
		if c != nil {
			w[slot] = 1 / float64(present)
		}
	}
	b.weighted(dst, children[:], w[:])
	return true
}

// Interpolate writes into dst the barycentric combination of three vertex records. SingleValue
// attributes take the vertex with the largest weight.
func (b *Blender) Interpolate(dst []byte, vertices *[3][]byte, weights [3]float64) {
	best := 0
	for i := 1; i < 3; i++ {
		if weights[i] > weights[best] {
			best = i
		}
	}
	copy(dst[:b.set.Stride()], vertices[best])
	sum := weights[0] + weights[1] + weights[2]
	if sum <= 0 {
		return
	}
	w := [3]float64{weights[0] / sum, weights[1] / sum, weights[2] / sum}
	b.weighted(dst, vertices[:], w[:])
}

// weighted writes the weighted sum of the records into every Mean attribute of dst. Weights of
// nil records are ignored.
func (b *Blender) weighted(dst []byte, records [][]byte, weights []float64) {
	for i := range b.fields {
		f := &b.fields[i]
		if f.mode != BlendMean {
			continue
		}
		if f.kind == kindNormal {
			var x, y, z float64
			for r, rec := range records {
				if rec == nil {
					continue
				}
				n := decodeNormal(rec[f.offset:])
				x += n[0] * weights[r]
				y += n[1] * weights[r]
				z += n[2] * weights[r]
			}
			encodeNormal(dst[f.offset:], x, y, z)
			continue
		}
		for c := 0; c < f.lanes; c++ {
			var acc float64
			for r, rec := range records {
				if rec != nil {
					acc += f.decodeLane(rec, c) * weights[r]
				}
			}
			f.encodeLane(dst, c, acc)
		}
	}
}

// Decode appends the lane values of attribute i in record to dst.
func (b *Blender) Decode(record []byte, i int, dst []float64) []float64 {
	f := &b.fields[i]
	if f.kind == kindNormal {
		n := decodeNormal(record[f.offset:])
		return append(dst, n[0], n[1], n[2])
	}
	for c := 0; c < f.lanes; c++ {
		dst = append(dst, f.decodeLane(record, c))
	}
	return dst
}

// Encode stores lane values into attribute i of record. Values are rounded and clamped to the
// attribute's type.
func (b *Blender) Encode(record []byte, i int, values []float64) {
	f := &b.fields[i]
	if f.kind == kindNormal {
		if len(values) >= 3 {
			encodeNormal(record[f.offset:], values[0], values[1], values[2])
		}
		return
	}
	for c := 0; c < f.lanes && c < len(values); c++ {
		f.encodeLane(record, c, values[c])
	}
}

func (f *field) decodeLane(record []byte, lane int) float64 {
	if f.kind == kindColor {
		return float64(record[f.offset+lane])
	}
	p := record[f.offset+lane*f.compSize:]
	switch f.kind {
	case kindFloat:
		if f.compSize == 4 {
			return float64(math.Float32frombits(binary.LittleEndian.Uint32(p)))
		}
		return math.Float64frombits(binary.LittleEndian.Uint64(p))
	case kindSigned:
		switch f.compSize {
		case 1:
			return float64(int8(p[0]))
		case 2:
			return float64(int16(binary.LittleEndian.Uint16(p)))
		case 4:
			return float64(int32(binary.LittleEndian.Uint32(p)))
		default:
			return float64(int64(binary.LittleEndian.Uint64(p)))
		}
	case kindUnsigned:
		switch f.compSize {
		case 1:
			return float64(p[0])
		case 2:
			return float64(binary.LittleEndian.Uint16(p))
		case 4:
			return float64(binary.LittleEndian.Uint32(p))
		default:
			return float64(binary.LittleEndian.Uint64(p))
		}
	case kindOpaque, kindColor, kindNormal:
	}
	return 0
}

func (f *field) encodeLane(record []byte, lane int, v float64) {
	if f.kind == kindColor {
		record[f.offset+lane] = uint8(clampRound(v, 0, math.MaxUint8))
		return
	}
	p := record[f.offset+lane*f.compSize:]
	switch f.kind {
	case kindFloat:
		if f.compSize == 4 {
			binary.LittleEndian.PutUint32(p, math.Float32bits(float32(v)))
		} else {
			binary.LittleEndian.PutUint64(p, math.Float64bits(v))
		}
	case kindSigned:
		switch f.compSize {
		case 1:
			p[0] = uint8(int8(clampRound(v, math.MinInt8, math.MaxInt8)))
		case 2:
			binary.LittleEndian.PutUint16(p, uint16(int16(clampRound(v, math.MinInt16, math.MaxInt16))))
		case 4:
			binary.LittleEndian.PutUint32(p, uint32(int32(clampRound(v, math.MinInt32, math.MaxInt32))))
		default:
			binary.LittleEndian.PutUint64(p, uint64(toInt64(v)))
		}
	case kindUnsigned:
		switch f.compSize {
		case 1:
			p[0] = uint8(clampRound(v, 0, math.MaxUint8))
		case 2:
			binary.LittleEndian.PutUint16(p, uint16(clampRound(v, 0, math.MaxUint16)))
		case 4:
			binary.LittleEndian.PutUint32(p, uint32(clampRound(v, 0, math.MaxUint32)))
		default:
			binary.LittleEndian.PutUint64(p, toUint64(v))
		}
	case kindOpaque, kindColor, kindNormal:
	}
}

func clampRound(v, lo, hi float64) float64 {
	if math.IsNaN(v) {
		return 0
	}
	v = math.Round(v)
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// float64(MaxInt64) and float64(MaxUint64) round up past the representable range, so 64-bit
// conversions saturate explicitly.
func toInt64(v float64) int64 {
	v = clampRound(v, math.MinInt64, math.MaxInt64)
	if v >= math.MaxInt64 {
		return math.MaxInt64
	}
	return int64(v)
}

func toUint64(v float64) uint64 {
	v = clampRound(v, 0, math.MaxUint64)
	if v >= math.MaxUint64 {
		return math.MaxUint64
	}
	return uint64(v)
}

// Normals pack x into 16 signed bits, y into 15 signed bits and the sign of z into the top bit.
const (
	normalXScale = 32767
	normalYScale = 16383
)

func decodeNormal(p []byte) [3]float64 {
	v := binary.LittleEndian.Uint32(p)
	x := float64(int16(v&0xffff)) / normalXScale
	yi := int32((v >> 16) & 0x7fff)
	if yi&0x4000 != 0 {
		yi -= 0x8000
	}
	y := float64(yi) / normalYScale
	z := math.Sqrt(math.Max(0, 1-x*x-y*y))
	if v&0x80000000 != 0 {
		z = -z
	}
	return [3]float64{x, y, z}
}

func encodeNormal(p []byte, x, y, z float64) {
	l := math.Sqrt(x*x + y*y + z*z)
	if l == 0 {
		x, y, z = 0, 0, 1
	} else {
		x, y, z = x/l, y/l, z/l
	}
	xi := int16(clampRound(x*normalXScale, -normalXScale, normalXScale))
	yi := int32(clampRound(y*normalYScale, -normalYScale, normalYScale))
	v := uint32(uint16(xi)) | (uint32(yi)&0x7fff)<<16
	if z < 0 {
		v |= 0x80000000
	}
	binary.LittleEndian.PutUint32(p, v)
}

// Converter copies attributes between records of two sets, matching attributes by name.
// Attributes missing from the source are zeroed.
// A Converter reuses scratch space and must not be shared between goroutines.
type Converter struct {
	from, to *Blender
	same     bool
	pairs    [][2]int
	scratch  []float64
}

// NewConverter returns a converter from records of set from into records of set to.
func NewConverter(from, to *Set) *Converter {
	c := &Converter{from: NewBlender(from), to: NewBlender(to), same: from.Equal(to)}
	for i := 0; i < to.Count(); i++ {
		d := to.Descriptor(i)
		if j := from.IndexOf(d.Name); j >= 0 {
			c.pairs = append(c.pairs, [2]int{j, i})
		}
	}
	return c
}

// Convert writes src, laid out by the source set, into dst, laid out by the destination set.
func (c *Converter) Convert(dst, src []byte) {
	toStride := c.to.set.Stride()
	if c.same {
		copy(dst[:toStride], src)
		return
	}
	clear(dst[:toStride])
	for _, p := range c.pairs {
		ff, tf := &c.from.fields[p[0]], &c.to.fields[p[1]]
		if c.from.set.Descriptor(p[0]).TypeInfo == c.to.set.Descriptor(p[1]).TypeInfo {
			copy(dst[tf.offset:tf.offset+tf.size], src[ff.offset:ff.offset+ff.size])
			continue
		}
		if ff.kind == kindOpaque || tf.kind == kindOpaque {
			continue
		}
		c.scratch = c.from.Decode(src, p[0], c.scratch[:0])
		c.to.Encode(dst, p[1], c.scratch)
	}
}
