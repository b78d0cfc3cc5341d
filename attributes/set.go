package attributes

import (
	"go.viam.com/voxelvault/utils"
)

// MaxAttributes is the most descriptors a single set may hold.
const MaxAttributes = 64

// Set is an ordered list of attribute descriptors plus the mask of standard attributes it holds.
// Standard attributes always come first, in canonical order, followed by custom slots.
// A Set is read-only once its custom slots are defined and is safe for concurrent readers.
type Set struct {
	content     StandardContent
	descriptors []Descriptor
	offsets     []int
	stride      int
	freed       bool
}

// Generate allocates a set holding the standard attributes in mask followed by extraCount blank
// custom slots.
func Generate(mask StandardContent, extraCount int) (*Set, error) {
	if mask&^ContentAll != 0 {
		return nil, utils.NewInvalidParameterError("standard content %#x has bits outside the %d standard attributes",
			uint32(mask), StandardCount)
	}
	if extraCount < 0 {
		return nil, utils.NewInvalidParameterError("negative custom attribute count %d", extraCount)
	}
	total := mask.Count() + extraCount
	if total > MaxAttributes {
		return nil, utils.NewInvalidParameterError("%d attributes exceeds the limit of %d", total, MaxAttributes)
	}

	s := &Set{content: mask, descriptors: make([]Descriptor, 0, total)}
	for a := StandardAttribute(0); a < StandardCount; a++ {
		if mask.Has(a) {
			s.descriptors = append(s.descriptors, a.Descriptor())
		}
	}
	s.descriptors = append(s.descriptors, make([]Descriptor, extraCount)...)
	s.layout()
	return s, nil
}

// MustGenerate is Generate that panics on error, for static sets.
func MustGenerate(mask StandardContent, extraCount int) *Set {
	s, err := Generate(mask, extraCount)
	if err != nil {
		panic(err)
	}
	return s
}

func (s *Set) layout() {
	s.offsets = make([]int, len(s.descriptors))
	s.stride = 0
	for i, d := range s.descriptors {
		s.offsets[i] = s.stride
		s.stride += d.TypeInfo.Size()
	}
}

// Free releases the set's storage. Freeing twice is an error.
func (s *Set) Free() error {
	if s == nil || s.freed {
		return utils.NewNotInitializedError("attribute set already freed")
	}
	s.descriptors = nil
	s.offsets = nil
	s.stride = 0
	s.content = ContentNone
	s.freed = true
	return nil
}

// DefineCustom fills the custom slot at index with d. Only blank slots past the standard
// attributes can be defined and names must be unique within the set.
func (s *Set) DefineCustom(index int, d Descriptor) error {
	if s.freed {
		return utils.NewNotInitializedError("attribute set freed")
	}
	if index < s.content.Count() || index >= len(s.descriptors) {
		return utils.NewInvalidParameterError("custom attribute index %d out of range [%d, %d)",
			index, s.content.Count(), len(s.descriptors))
	}
	if !s.descriptors[index].IsBlank() {
		return utils.NewNotAllowedError("custom attribute slot %d already defined as %q", index, s.descriptors[index].Name)
	}
	if err := d.TypeInfo.Validate(); err != nil {
		return err
	}
	if d.Name == "" || len(d.Name) > MaxNameLength {
		return utils.NewInvalidParameterError("attribute name %q must be 1 to %d bytes", d.Name, MaxNameLength)
	}
	if _, err := s.OffsetOfNamed(d.Name); err == nil {
		return utils.NewInvalidParameterError("duplicate attribute name %q", d.Name)
	}
	s.descriptors[index] = d
	s.layout()
	return nil
}

// OffsetOfStandard returns the byte offset of a standard attribute within a record.
func (s *Set) OffsetOfStandard(a StandardAttribute) (int, error) {
	if a < 0 || a >= StandardCount || !s.content.Has(a) {
		return 0, utils.NewNotFoundError("standard attribute %d not in set", a)
	}
	// standard attributes occupy the leading slots in canonical order, so the slot index is the
	// number of present attributes below a.
	return s.offsets[(s.content & (a.Mask() - 1)).Count()], nil
}

// OffsetOfNamed returns the byte offset of the attribute with exactly the given name.
func (s *Set) OffsetOfNamed(name string) (int, error) {
	i := s.IndexOf(name)
	if i < 0 {
		return 0, utils.NewNotFoundError("attribute %q not in set", name)
	}
	return s.offsets[i], nil
}

// IndexOf returns the descriptor index of the named attribute or -1.
func (s *Set) IndexOf(name string) int {
	if name == "" {
		return -1
	}
	for i, d := range s.descriptors {
		if d.Name == name {
			return i
		}
	}
	return -1
}

// Content returns the standard content mask.
func (s *Set) Content() StandardContent { return s.content }

// Count returns the number of descriptors including blank custom slots.
func (s *Set) Count() int { return len(s.descriptors) }

// Stride returns the byte size of one record.
func (s *Set) Stride() int { return s.stride }

// Descriptor returns the i-th descriptor.
func (s *Set) Descriptor(i int) Descriptor { return s.descriptors[i] }

// Offset returns the byte offset of the i-th descriptor.
func (s *Set) Offset(i int) int { return s.offsets[i] }

// Descriptors returns a copy of the descriptors.
func (s *Set) Descriptors() []Descriptor {
	return append([]Descriptor(nil), s.descriptors...)
}

// Clone returns an independent copy of the set.
func (s *Set) Clone() *Set {
	c := &Set{content: s.content, descriptors: s.Descriptors()}
	c.layout()
	return c
}

// Equal reports whether both sets describe the same record layout.
func (s *Set) Equal(other *Set) bool {
	if s == other {
		return true
	}
	if s == nil || other == nil || s.content != other.content || len(s.descriptors) != len(other.descriptors) {
		return false
	}
	for i := range s.descriptors {
		if s.descriptors[i] != other.descriptors[i] {
			return false
		}
	}
	return true
}

// FromDescriptors rebuilds a set from a persisted descriptor list. Standard attributes are
// recognized by name and must lead the list in canonical order.
func FromDescriptors(ds []Descriptor) (*Set, error) {
	if len(ds) > MaxAttributes {
		return nil, utils.NewInvalidParameterError("%d attributes exceeds the limit of %d", len(ds), MaxAttributes)
	}
	s := &Set{}
	next := StandardAttribute(0)
	custom := false
	for i, d := range ds {
		std := standardByName(d.Name)
		switch {
		case std >= 0 && !custom && std >= next && d == std.Descriptor():
			s.content |= std.Mask()
			next = std + 1
		case std >= 0:
			return nil, utils.NewParseError("standard attribute %q out of canonical position %d", d.Name, i)
		default:
			custom = true
			if !d.IsBlank() {
				if err := d.TypeInfo.Validate(); err != nil {
					return nil, err
				}
			}
		}
	}
	s.descriptors = append([]Descriptor(nil), ds...)
	s.layout()
	return s, nil
}

func standardByName(name string) StandardAttribute {
	for a := StandardAttribute(0); a < StandardCount; a++ {
		if standardDescriptors[a].Name == name {
			return a
		}
	}
	return -1
}
