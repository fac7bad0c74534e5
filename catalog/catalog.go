// Package catalog resolves tile requests into the ordered set of imagery
// sources that contribute pixels to them. A catalog never composites pixels;
// it answers which sources are relevant, in what priority order, and with
// what provenance metadata attached.
package catalog

import (
	"context"
	"errors"

	"github.com/openaerialmap/dynamic-tiler/geo"
	"github.com/openaerialmap/dynamic-tiler/raster"
)

// ErrUnavailable indicates a catalog's metadata document is missing,
// unreachable or unparsable. It is the only error catalog construction
// raises; the HTTP layer surfaces it as not found.
var ErrUnavailable = errors.New("catalog unavailable")

// Catalog is the capability set shared by scene, image and remote catalogs.
// Implementations are immutable after construction; GetSources with identical
// inputs always yields the same sources in the same order. An empty source
// list is a successful result meaning nothing contributes to the request.
type Catalog interface {
	Bounds() geo.Bound
	Center() [3]float64
	MinZoom() int
	MaxZoom() int
	Name() string
	Provider() string

	// GetSources yields the sources contributing to the given request
	// bounds at the given resolution (meters per pixel, one or two
	// elements for anisotropic pixels), highest priority first.
	GetSources(ctx context.Context, bounds geo.Bound, resolution []float64) ([]Source, error)

	// Headers synthesizes the provenance HTTP headers for the catalog.
	Headers() map[string]string
}

// Prober inspects the header of the raster backing a source so catalogs can
// carry precise bounds, native resolution and band statistics instead of the
// coarser values declared in their metadata documents. May be nil, in which
// case the declared values are authoritative.
type Prober interface {
	Probe(ctx context.Context, uri string) (*raster.Header, error)
}
