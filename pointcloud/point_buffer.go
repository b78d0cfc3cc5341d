package pointcloud

import (
	"github.com/golang/geo/r3"

	"go.viam.com/voxelvault/attributes"
	"go.viam.com/voxelvault/utils"
)

// Position is the scalar type of point coordinates.
type Position interface {
	~int64 | ~float64
}

// PointBuffer is a fixed capacity batch of points. Positions are stored flat as XYZ triples and
// attribute records are stored flat with the stride of the buffer's attribute set.
type PointBuffer[T Position] struct {
	positions  []T
	attributes []byte
	set        *attributes.Set
	stride     int
	count      int
}

// PointBufferF64 holds floating point positions.
type PointBufferF64 = PointBuffer[float64]

// PointBufferI64 holds integer positions.
type PointBufferI64 = PointBuffer[int64]

// NewPointBuffer allocates a buffer of the given capacity whose records follow set. A nil set
// means points carry no attributes.
func NewPointBuffer[T Position](capacity int, set *attributes.Set) (*PointBuffer[T], error) {
	if capacity <= 0 {
		return nil, utils.NewInvalidParameterError("point buffer capacity must be positive, got %d", capacity)
	}
	if set == nil {
		set = attributes.MustGenerate(attributes.ContentNone, 0)
	}
	return &PointBuffer[T]{
		positions:  make([]T, 3*capacity),
		attributes: make([]byte, capacity*set.Stride()),
		set:        set,
		stride:     set.Stride(),
	}, nil
}

// NewPointBufferF64 allocates a floating point buffer.
func NewPointBufferF64(capacity int, set *attributes.Set) (*PointBufferF64, error) {
	return NewPointBuffer[float64](capacity, set)
}

// NewPointBufferI64 allocates an integer buffer.
func NewPointBufferI64(capacity int, set *attributes.Set) (*PointBufferI64, error) {
	return NewPointBuffer[int64](capacity, set)
}

// Capacity returns the maximum number of points.
func (pb *PointBuffer[T]) Capacity() int { return len(pb.positions) / 3 }

// Len returns the number of points currently held.
func (pb *PointBuffer[T]) Len() int { return pb.count }

// Full reports whether no more points fit.
func (pb *PointBuffer[T]) Full() bool { return pb.count == pb.Capacity() }

// Reset empties the buffer without releasing memory.
func (pb *PointBuffer[T]) Reset() { pb.count = 0 }

// Attributes returns the set describing each record.
func (pb *PointBuffer[T]) Attributes() *attributes.Set { return pb.set }

// AttributeStride returns the byte size of one record.
func (pb *PointBuffer[T]) AttributeStride() int { return pb.stride }

// Position returns the position of point i.
func (pb *PointBuffer[T]) Position(i int) [3]T {
	return [3]T{pb.positions[3*i], pb.positions[3*i+1], pb.positions[3*i+2]}
}

// Vector returns the position of point i as a vector.
func (pb *PointBuffer[T]) Vector(i int) r3.Vector {
	p := pb.Position(i)
	return r3.Vector{X: float64(p[0]), Y: float64(p[1]), Z: float64(p[2])}
}

// AttributeRecord returns the attribute bytes of point i. The slice aliases the buffer.
func (pb *PointBuffer[T]) AttributeRecord(i int) []byte {
	return pb.attributes[i*pb.stride : (i+1)*pb.stride]
}

// Append adds a point. A nil record zero fills the attributes.
func (pb *PointBuffer[T]) Append(pos [3]T, record []byte) error {
	if pb.Full() {
		return utils.NewMemoryAllocationError("point buffer full at %d points", pb.Capacity())
	}
	i := pb.count
	pb.count++
	copy(pb.positions[3*i:3*i+3], pos[:])
	dst := pb.AttributeRecord(i)
	if record == nil {
		clear(dst)
	} else {
		copy(dst, record)
	}
	return nil
}

// AppendSlot adds a point and returns its record for the caller to fill. The record is zeroed.
func (pb *PointBuffer[T]) AppendSlot(pos [3]T) ([]byte, error) {
	if err := pb.Append(pos, nil); err != nil {
		return nil, err
	}
	return pb.AttributeRecord(pb.count - 1), nil
}

// Truncate drops points past n.
func (pb *PointBuffer[T]) Truncate(n int) {
	if n >= 0 && n < pb.count {
		pb.count = n
	}
}
