package raster

import "fmt"

// Tag is a TIFF tag identifier.
type Tag uint16

// Tags relevant to the header probe. Pixel-payload tags (strip/tile offsets,
// compression) are deliberately absent: this package never reads image data.
const (
	ImageWidth      Tag = 256
	ImageLength     Tag = 257
	BitsPerSample   Tag = 258
	SamplesPerPixel Tag = 277
	MinSampleValue  Tag = 280
	MaxSampleValue  Tag = 281
	SampleFormat    Tag = 339
	SMinSampleValue Tag = 340
	SMaxSampleValue Tag = 341

	ModelPixelScale  Tag = 33550
	ModelTiepoint    Tag = 33922
	GeoKeyDirectory  Tag = 34735
	GeoDoubleParams  Tag = 34736
	GeoASCIIParams   Tag = 34737
	GDALMetadata     Tag = 42112
	GDALNoData       Tag = 42113
)

var tagToLabel = map[Tag]string{
	ImageWidth:      "ImageWidth",
	ImageLength:     "ImageLength",
	BitsPerSample:   "BitsPerSample",
	SamplesPerPixel: "SamplesPerPixel",
	MinSampleValue:  "MinSampleValue",
	MaxSampleValue:  "MaxSampleValue",
	SampleFormat:    "SampleFormat",
	SMinSampleValue: "SMinSampleValue",
	SMaxSampleValue: "SMaxSampleValue",
	ModelPixelScale: "ModelPixelScale",
	ModelTiepoint:   "ModelTiepoint",
	GeoKeyDirectory: "GeoKeyDirectory",
	GeoDoubleParams: "GeoDoubleParams",
	GeoASCIIParams:  "GeoASCIIParams",
	GDALMetadata:    "GDALMetadata",
	GDALNoData:      "GDALNoData",
}

func (t Tag) String() string {
	if v, ok := tagToLabel[t]; ok {
		return v
	}
	return fmt.Sprintf("%d", t)
}

// GeoTIFF key identifiers carried inside the GeoKeyDirectory tag.
const (
	geoKeyGeographicType uint16 = 2048
	geoKeyProjectedCS    uint16 = 3072
)

type fieldType uint16

const (
	typeBYTE      fieldType = 1
	typeASCII     fieldType = 2
	typeSHORT     fieldType = 3
	typeLONG      fieldType = 4
	typeRATIONAL  fieldType = 5
	typeSBYTE     fieldType = 6
	typeUNDEFINED fieldType = 7
	typeSSHORT    fieldType = 8
	typeSLONG     fieldType = 9
	typeSRATIONAL fieldType = 10
	typeFLOAT     fieldType = 11
	typeDOUBLE    fieldType = 12
	typeLONG8     fieldType = 16
	typeSLONG8    fieldType = 17
	typeIFD8      fieldType = 18
)

// fieldTypeLen is the byte length of each field type, indexed by type id.
var fieldTypeLen = [...]uint32{
	0, 1, 1, 2, // none, BYTE, ASCII, SHORT
	4, 8, 1, 1, // LONG, RATIONAL, SBYTE, UNDEFINED
	2, 4, 8, 4, // SSHORT, SLONG, SRATIONAL, FLOAT
	8,       // DOUBLE
	0, 0, 0, // reserved
	8, 8, 8, // LONG8, SLONG8, IFD8
}

// bytes returns the per-element byte length of the field type, 0 if
// unrecognized.
func (f fieldType) bytes() uint32 {
	if f == 0 || int(f) >= len(fieldTypeLen) {
		return 0
	}
	return fieldTypeLen[int(f)]
}

const (
	littleEndian      = 0x4949
	bigEndian         = 0x4D4D
	tiffIdentifier    = 42
	bigTiffIdentifier = 43
	bigTiffBytesize   = 8
)
