package attributes

import "math/bits"

// StandardAttribute indexes one of the well known attributes with O(1) lookup.
type StandardAttribute int

// Standard attributes in canonical order.
const (
	GPSTime StandardAttribute = iota
	ARGB
	Normal
	Intensity
	NIR
	ScanAngle
	PointSourceID
	Classification
	ReturnNumber
	NumberOfReturns
	ClassificationFlags
	ScannerChannel
	ScanDirection
	EdgeOfFlightLine
	ScanAngleRank
	LASUserData

	StandardCount
)

// StandardContent is a bitmask of present standard attributes, bit i for StandardAttribute i.
type StandardContent uint32

// Frequently used standard content masks.
const (
	ContentNone StandardContent = 0
	ContentAll  StandardContent = 1<<StandardCount - 1
)

// Mask returns the content bit for the attribute.
func (a StandardAttribute) Mask() StandardContent {
	return 1 << a
}

// Descriptor returns the canonical descriptor of the attribute.
func (a StandardAttribute) Descriptor() Descriptor {
	return standardDescriptors[a]
}

// Has reports whether the attribute is present in the content mask.
func (c StandardContent) Has(a StandardAttribute) bool {
	return c&a.Mask() != 0
}

// Count returns how many standard attributes are present.
func (c StandardContent) Count() int {
	return bits.OnesCount32(uint32(c))
}

// Of builds a content mask from a list of attributes.
func Of(attrs ...StandardAttribute) StandardContent {
	var c StandardContent
	for _, a := range attrs {
		c |= a.Mask()
	}
	return c
}

var standardDescriptors = [StandardCount]Descriptor{
	GPSTime:             {TypeFloat64, BlendMean, "udGPSTime"},
	ARGB:                {TypeColor32, BlendMean, "udRGB"},
	Normal:              {TypeNormal32, BlendMean, "udNormal"},
	Intensity:           {TypeUint16, BlendMean, "udIntensity"},
	NIR:                 {TypeUint16, BlendMean, "udNIR"},
	ScanAngle:           {TypeUint16, BlendMean, "udScanAngle"},
	PointSourceID:       {TypeUint16, BlendSingleValue, "udPointSourceID"},
	Classification:      {TypeUint8, BlendSingleValue, "udClassification"},
	ReturnNumber:        {TypeUint8, BlendSingleValue, "udReturnNumber"},
	NumberOfReturns:     {TypeUint8, BlendSingleValue, "udNumberOfReturns"},
	ClassificationFlags: {TypeUint8, BlendSingleValue, "udClassificationFlags"},
	ScannerChannel:      {TypeUint8, BlendSingleValue, "udScannerChannel"},
	ScanDirection:       {TypeUint8, BlendSingleValue, "udScanDirection"},
	EdgeOfFlightLine:    {TypeUint8, BlendSingleValue, "udEdgeOfFlightLine"},
	ScanAngleRank:       {TypeUint8, BlendSingleValue, "udScanAngleRank"},
	LASUserData:         {TypeUint8, BlendSingleValue, "udLASUserData"},
}
