package geo

import (
	"fmt"
	"math"
)

const (
	// earthCircumference is the equatorial circumference of the WGS84
	// spheroid in meters (2 * pi * 6378137).
	earthCircumference = 2 * math.Pi * 6378137

	// tileSize is the edge length of a web map tile in pixels.
	tileSize = 256

	// maxSupportedZoom caps derived zoom levels.
	maxSupportedZoom = 22
)

// Rounding selects how a fractional zoom level is turned into an integer.
//
// The two policies are both load-bearing and must not be unified: catalog
// construction uses RoundUp so a source never promises more detail than its
// ground sample distance supports, while per-request matching uses RoundDown
// so a slightly-coarser request still considers sources near its resolution.
type Rounding int

const (
	RoundDown Rounding = iota
	RoundUp
)

// ZoomForResolution derives the web map zoom level at which one pixel covers
// about res meters of ground, rounded per r and clamped to [0, 22].
func ZoomForResolution(res float64, r Rounding) int {
	z := math.Log2(earthCircumference / (res * tileSize))
	switch r {
	case RoundUp:
		z = math.Ceil(z)
	default:
		z = math.Floor(z)
	}
	if z < 0 {
		return 0
	}
	if z > maxSupportedZoom {
		return maxSupportedZoom
	}
	return int(z)
}

// ResolutionForZoom is the inverse of ZoomForResolution: the ground sample
// distance in meters per pixel of a tile at zoom z at the equator.
func ResolutionForZoom(z int) float64 {
	return earthCircumference / (tileSize * math.Exp2(float64(z)))
}

// ResolutionToMeters converts a per-axis pixel size expressed in the units of
// crs into meters per pixel. WGS84 degrees shrink with latitude along the x
// axis, so the conversion is evaluated at lat; Web Mercator units are already
// meters.
func ResolutionToMeters(res [2]float64, crs CRS, lat float64) ([2]float64, error) {
	const metersPerDegree = earthCircumference / 360

	switch crs {
	case WGS84:
		return [2]float64{
			res[0] * metersPerDegree * math.Cos(lat*math.Pi/180),
			res[1] * metersPerDegree,
		}, nil
	case WebMercator:
		return res, nil
	}
	return [2]float64{}, fmt.Errorf("%w: no unit conversion for %s", ErrReprojection, crs)
}
