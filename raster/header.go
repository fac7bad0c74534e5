// Package raster reads just enough of a remote GeoTIFF to describe it: the
// georeferencing, pixel type and band statistics sitting in the first IFD.
// It never decodes pixels; rendering belongs to an external collaborator.
package raster

import (
	"encoding/binary"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/openaerialmap/dynamic-tiler/geo"
)

// Statistic names GDAL embeds per band in the GDAL_METADATA tag.
const (
	StatMinimum = "STATISTICS_MINIMUM"
	StatMaximum = "STATISTICS_MAXIMUM"
	StatMean    = "STATISTICS_MEAN"
)

// Header is the parsed description of a raster. Immutable once returned by
// Open.
type Header struct {
	byteOrder binary.ByteOrder
	isBigTIFF bool
	tags      tagSet

	width, height uint32

	samplesPerPixel int
	bitsPerSample   int

	// pixelScaleY follows the GeoTIFF north-up convention and is negative.
	pixelScaleX, pixelScaleY float64

	gdalItems []gdalItem
}

type gdalItem struct {
	Name   string `xml:"name,attr"`
	Sample string `xml:"sample,attr"`
	Value  string `xml:",chardata"`
}

type gdalMetadata struct {
	Items []gdalItem `xml:"Item"`
}

// Open parses the header of a (Big)TIFF from r. For Cloud Optimized GeoTIFFs
// only the first IFD is read, which describes the full-resolution image.
func Open(r io.ReadSeeker) (*Header, error) {
	tags, h, err := readTagSet(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read tiff tags: %w", err)
	}

	hdr := &Header{
		byteOrder: h.byteOrder,
		isBigTIFF: h.isBigTIFF,
		tags:      tags,
	}

	width, ok := tags.uint(ImageWidth)
	if !ok {
		return nil, errors.New("missing or invalid tag: ImageWidth")
	}
	hdr.width = uint32(width)

	length, ok := tags.uint(ImageLength)
	if !ok {
		return nil, errors.New("missing or invalid tag: ImageLength")
	}
	hdr.height = uint32(length)

	if spp, ok := tags.uint(SamplesPerPixel); ok {
		hdr.samplesPerPixel = int(spp)
	} else {
		hdr.samplesPerPixel = 1
	}
	if bps, ok := tags.uint(BitsPerSample); ok {
		hdr.bitsPerSample = int(bps)
	} else {
		hdr.bitsPerSample = 8
	}

	scale, ok := tags.doubles(ModelPixelScale)
	if !ok || len(scale) < 2 {
		return nil, errors.New("missing or invalid tag: ModelPixelScale")
	}
	hdr.pixelScaleX = scale[0]
	hdr.pixelScaleY = scale[1]
	if hdr.pixelScaleY > 0 {
		hdr.pixelScaleY = -hdr.pixelScaleY
	}

	if raw, ok := tags.ascii(GDALMetadata); ok {
		var md gdalMetadata
		// Malformed embedded XML only costs us statistics, never the probe.
		if err := xml.Unmarshal([]byte(raw), &md); err == nil {
			hdr.gdalItems = md.Items
		}
	}

	return hdr, nil
}

// Width and Height are the image dimensions in pixels.
func (h *Header) Width() int  { return int(h.width) }
func (h *Header) Height() int { return int(h.height) }

// BandCount is the number of samples per pixel.
func (h *Header) BandCount() int { return h.samplesPerPixel }

// BitsPerSample is the pixel depth of a single band.
func (h *Header) BitsPerSample() int { return h.bitsPerSample }

// Resolution is the absolute ground size of one pixel per axis, in the units
// of the raster's CRS.
func (h *Header) Resolution() [2]float64 {
	return [2]float64{h.pixelScaleX, -h.pixelScaleY}
}

// CRS resolves the raster's coordinate reference system from its
// GeoKeyDirectory. Only the systems the rest of the resolver can reproject
// between are recognized.
func (h *Header) CRS() (geo.CRS, error) {
	keys, ok := h.tags.shorts(GeoKeyDirectory)
	if !ok || len(keys) < 4 {
		return "", errors.New("missing or invalid tag: GeoKeyDirectory")
	}

	numKeys := int(keys[3])
	for i := 0; i < numKeys; i++ {
		base := 4 + i*4
		if base+3 >= len(keys) {
			break
		}
		keyID, tagLocation, value := keys[base], keys[base+1], keys[base+3]
		if tagLocation != 0 {
			// Value lives in another tag; EPSG codes are always inline.
			continue
		}
		if keyID != geoKeyGeographicType && keyID != geoKeyProjectedCS {
			continue
		}
		switch value {
		case 4326:
			return geo.WGS84, nil
		case 3857:
			return geo.WebMercator, nil
		default:
			return "", fmt.Errorf("unsupported CRS EPSG:%d", value)
		}
	}
	return "", errors.New("no CRS geokey present")
}

// Bounds computes the raster's extent from its tiepoint, pixel scale and
// dimensions, tagged with the CRS the raster is stored in.
func (h *Header) Bounds() (geo.Bound, error) {
	crs, err := h.CRS()
	if err != nil {
		return geo.Bound{}, err
	}

	tie, ok := h.tags.doubles(ModelTiepoint)
	if !ok || len(tie) < 6 {
		return geo.Bound{}, errors.New("missing or invalid tag: ModelTiepoint")
	}

	tieI, tieJ := tie[0], tie[1]
	tieX, tieY := tie[3], tie[4]

	// Upper-left corner, then the full extent. pixelScaleY is negative so the
	// total height comes out negative and the lower edge lands below the
	// upper one.
	ulX := tieX - tieI*h.pixelScaleX
	ulY := tieY - tieJ*h.pixelScaleY
	totalWidth := float64(h.width) * h.pixelScaleX
	totalHeight := float64(h.height) * h.pixelScaleY

	return geo.NewBound(ulX, ulY+totalHeight, ulX+totalWidth, ulY, crs), nil
}

// BandStat looks up a named per-band statistic from the embedded GDAL
// metadata. Bands are zero-indexed. Absence is not an error.
func (h *Header) BandStat(band int, name string) (float64, bool) {
	sample := strconv.Itoa(band)
	for _, item := range h.gdalItems {
		if item.Name != name || item.Sample != sample {
			continue
		}
		if v, err := strconv.ParseFloat(strings.TrimSpace(item.Value), 64); err == nil {
			return v, true
		}
	}
	return 0, false
}

// GlobalMinMax returns the image-wide sample range from the SMinSampleValue
// and SMaxSampleValue tags when both are present.
func (h *Header) GlobalMinMax() (min, max float64, ok bool) {
	min, okMin := h.tags.number(SMinSampleValue)
	max, okMax := h.tags.number(SMaxSampleValue)
	if okMin && okMax {
		return min, max, true
	}
	min, okMin = h.tags.number(MinSampleValue)
	max, okMax = h.tags.number(MaxSampleValue)
	if okMin && okMax {
		return min, max, true
	}
	return 0, 0, false
}

// NoData returns the GDAL nodata marker if one is declared.
func (h *Header) NoData() (float64, bool) {
	raw, ok := h.tags.ascii(GDALNoData)
	if !ok {
		return 0, false
	}
	v, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
	if err != nil {
		return 0, false
	}
	return v, true
}
