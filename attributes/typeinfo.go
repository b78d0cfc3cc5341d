// Package attributes describes the per-point attribute layout of point buffers and octree
// records, and how attribute values combine when voxels merge.
package attributes

import (
	"go.viam.com/voxelvault/utils"
)

// TypeInfo packs the byte size, component count and interpretation flags of an attribute.
type TypeInfo uint32

// TypeInfo bit layout.
const (
	TypeSizeMask           TypeInfo = 0x000ff
	TypeComponentCountMask TypeInfo = 0x0ff00
	TypeComponentCountShift         = 8

	TypeSigned TypeInfo = 0x10000
	TypeFloat  TypeInfo = 0x20000
	TypeColor  TypeInfo = 0x40000
	TypeNormal TypeInfo = 0x80000
)

// Commonly used attribute types.
const (
	TypeUint8    TypeInfo = 1
	TypeUint16   TypeInfo = 2
	TypeUint32   TypeInfo = 4
	TypeUint64   TypeInfo = 8
	TypeInt8     TypeInfo = 1 | TypeSigned
	TypeInt16    TypeInfo = 2 | TypeSigned
	TypeInt32    TypeInfo = 4 | TypeSigned
	TypeInt64    TypeInfo = 8 | TypeSigned
	TypeFloat32  TypeInfo = 4 | TypeSigned | TypeFloat
	TypeFloat64  TypeInfo = 8 | TypeSigned | TypeFloat
	TypeColor32  TypeInfo = 4 | TypeColor
	TypeNormal32 TypeInfo = 4 | TypeNormal
	TypeVec3F32  TypeInfo = 12 | 3<<TypeComponentCountShift | TypeSigned | TypeFloat
)

// MaxAttributeSize is the largest allowed attribute in bytes.
const MaxAttributeSize = 32

// Size returns the total byte size of the attribute.
func (t TypeInfo) Size() int {
	return int(t & TypeSizeMask)
}

// ComponentCount returns how many components the attribute has. A stored count of 0 means 1.
func (t TypeInfo) ComponentCount() int {
	c := int((t & TypeComponentCountMask) >> TypeComponentCountShift)
	if c == 0 {
		return 1
	}
	return c
}

// ComponentSize returns the byte size of one component.
func (t TypeInfo) ComponentSize() int {
	return t.Size() / t.ComponentCount()
}

// IsSigned reports whether components are signed.
func (t TypeInfo) IsSigned() bool { return t&TypeSigned != 0 }

// IsFloat reports whether components are IEEE floats.
func (t TypeInfo) IsFloat() bool { return t&TypeFloat != 0 }

// IsColor reports whether the attribute is a packed 8-bit-per-channel color.
func (t TypeInfo) IsColor() bool { return t&TypeColor != 0 }

// IsNormal reports whether the attribute is a packed unit normal.
func (t TypeInfo) IsNormal() bool { return t&TypeNormal != 0 }

// Validate checks that the size is in range and is a multiple of the component count.
func (t TypeInfo) Validate() error {
	size := t.Size()
	if size < 1 || size > MaxAttributeSize {
		return utils.NewInvalidParameterError("attribute size %d out of range [1, %d]", size, MaxAttributeSize)
	}
	if size%t.ComponentCount() != 0 {
		return utils.NewInvalidParameterError("attribute size %d not divisible by component count %d",
			size, t.ComponentCount())
	}
	if t.IsFloat() {
		if cs := t.ComponentSize(); cs != 4 && cs != 8 {
			return utils.NewInvalidParameterError("float component size must be 4 or 8, got %d", cs)
		}
	}
	if (t.IsColor() || t.IsNormal()) && size != 4 {
		return utils.NewInvalidParameterError("packed color and normal attributes must be 4 bytes, got %d", size)
	}
	return nil
}

// BlendMode decides how values combine when several points share a voxel.
type BlendMode int

// Blend modes.
const (
	// BlendMean averages the values.
	BlendMean BlendMode = iota
	// BlendSingleValue keeps one representative value.
	BlendSingleValue
)

func (m BlendMode) String() string {
	if m == BlendSingleValue {
		return "single"
	}
	return "mean"
}

// MaxNameLength is the longest allowed attribute name in bytes.
const MaxNameLength = 63

// Descriptor describes one attribute stream.
type Descriptor struct {
	TypeInfo  TypeInfo  `json:"type_info"`
	BlendMode BlendMode `json:"blend_mode"`
	Name      string    `json:"name"`
}

// IsBlank reports whether the descriptor is an undefined custom slot.
func (d Descriptor) IsBlank() bool {
	return d.TypeInfo == 0 && d.Name == ""
}
