// Package geo holds the coordinate and zoom math used to decide whether an
// imagery source contributes to a tile request. All functions are pure.
package geo

import (
	"errors"
	"fmt"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/project"
)

// CRS identifies a coordinate reference system by its EPSG authority code.
type CRS string

const (
	// WGS84 is the canonical comparison CRS: catalog bounds are always stored
	// in it and request bounds are reprojected into it before matching.
	WGS84 CRS = "EPSG:4326"

	// WebMercator is the CRS tile requests arrive in.
	WebMercator CRS = "EPSG:3857"
)

// ErrReprojection is returned when a coordinate transform is unrecognized or
// undefined for the input coordinates.
var ErrReprojection = errors.New("reprojection failed")

// Bound is an axis-aligned bounding box tagged with the CRS its coordinates
// are expressed in. Min values never exceed Max values on either axis.
type Bound struct {
	MinX, MinY float64
	MaxX, MaxY float64
	CRS        CRS
}

// NewBound builds a Bound, swapping coordinates as needed so the min/max
// invariant holds regardless of the order the corners were supplied in.
func NewBound(minX, minY, maxX, maxY float64, crs CRS) Bound {
	if minX > maxX {
		minX, maxX = maxX, minX
	}
	if minY > maxY {
		minY, maxY = maxY, minY
	}
	return Bound{MinX: minX, MinY: minY, MaxX: maxX, MaxY: maxY, CRS: crs}
}

func (b Bound) orb() orb.Bound {
	return orb.Bound{
		Min: orb.Point{b.MinX, b.MinY},
		Max: orb.Point{b.MaxX, b.MaxY},
	}
}

func fromOrb(ob orb.Bound, crs CRS) Bound {
	return NewBound(ob.Min[0], ob.Min[1], ob.Max[0], ob.Max[1], crs)
}

// Reproject transforms b into dst. Reprojecting into the Bound's own CRS is
// the identity. The transform between WGS84 and Web Mercator is supported;
// anything else fails with ErrReprojection, as do WGS84 coordinates at or
// beyond the poles, where the Mercator forward transform is undefined.
func Reproject(b Bound, dst CRS) (Bound, error) {
	if b.CRS == dst {
		return b, nil
	}

	switch {
	case b.CRS == WGS84 && dst == WebMercator:
		if b.MinY <= -90 || b.MaxY >= 90 {
			return Bound{}, fmt.Errorf("%w: latitude range [%f, %f] outside the mercator domain", ErrReprojection, b.MinY, b.MaxY)
		}
		return fromOrb(project.Bound(b.orb(), project.WGS84.ToMercator), dst), nil
	case b.CRS == WebMercator && dst == WGS84:
		return fromOrb(project.Bound(b.orb(), project.Mercator.ToWGS84), dst), nil
	}

	return Bound{}, fmt.Errorf("%w: no transform from %s to %s", ErrReprojection, b.CRS, dst)
}

// Intersects reports whether the two bounds share any area. Bounds must be in
// the same CRS; comparing across systems without reprojecting first is always
// a caller bug. Touching edges count as an intersection so that sources
// sitting exactly on a tile seam are not dropped.
func Intersects(a, b Bound) (bool, error) {
	if a.CRS != b.CRS {
		return false, fmt.Errorf("cannot intersect bounds in %s with bounds in %s", a.CRS, b.CRS)
	}
	return a.MinX <= b.MaxX && b.MinX <= a.MaxX &&
		a.MinY <= b.MaxY && b.MinY <= a.MaxY, nil
}
