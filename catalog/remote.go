package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/maptile"

	"github.com/openaerialmap/dynamic-tiler/fetch"
	"github.com/openaerialmap/dynamic-tiler/geo"
)

// remoteCatalogDoc is the catalog.json an external catalog service publishes.
type remoteCatalogDoc struct {
	Name     string    `json:"name"`
	Provider string    `json:"provider"`
	Bounds   []float64 `json:"bounds"`
	Center   []float64 `json:"center"`
	MinZoom  int       `json:"minzoom"`
	MaxZoom  int       `json:"maxzoom"`
}

// remoteTileDoc is one entry of a remote tile index: the sources resolved
// for a single tile, already in priority order.
type remoteTileDoc struct {
	Sources []remoteSource `json:"sources"`
}

type remoteSource struct {
	URL        string         `json:"url"`
	Name       string         `json:"name"`
	Resolution floatList      `json:"resolution"`
	BandInfo   map[string]any `json:"band_info"`
	Meta       map[string]any `json:"meta"`
	Recipes    map[string]any `json:"recipes"`
}

// floatList accepts either a bare number or an array of numbers, since
// remote indexes publish scalar resolutions for square pixels.
type floatList []float64

func (f *floatList) UnmarshalJSON(data []byte) error {
	if len(data) > 0 && data[0] == '[' {
		var vs []float64
		if err := json.Unmarshal(data, &vs); err != nil {
			return err
		}
		*f = vs
		return nil
	}
	var v float64
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	*f = floatList{v}
	return nil
}

// RemoteCatalog is a peer catalog hosted by an external service that has
// already resolved its sources into a z/x/y tile index. It satisfies the
// same capability set as the local catalogs, delegating the actual matching
// to the remote index.
type RemoteCatalog struct {
	fetcher      fetch.Fetcher
	tileTemplate string

	bounds   geo.Bound
	minzoom  int
	maxzoom  int
	center   [3]float64
	name     string
	provider string
}

// NewRemoteCatalog fetches the remote catalog document at catalogURI and
// keeps tileTemplate (with {z}/{x}/{y} placeholders) for per-request index
// lookups.
func NewRemoteCatalog(ctx context.Context, fetcher fetch.Fetcher, catalogURI, tileTemplate string) (*RemoteCatalog, error) {
	start := time.Now()
	c, err := buildRemoteCatalog(ctx, fetcher, catalogURI, tileTemplate)
	observeBuild("remote", start, err)
	return c, err
}

func buildRemoteCatalog(ctx context.Context, fetcher fetch.Fetcher, catalogURI, tileTemplate string) (*RemoteCatalog, error) {
	raw, err := fetcher.Fetch(ctx, catalogURI)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrUnavailable, catalogURI, err)
	}

	var doc remoteCatalogDoc
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrUnavailable, catalogURI, err)
	}

	c := &RemoteCatalog{
		fetcher:      fetcher,
		tileTemplate: tileTemplate,
		minzoom:      doc.MinZoom,
		maxzoom:      doc.MaxZoom,
		name:         doc.Name,
		provider:     doc.Provider,
	}
	if len(doc.Bounds) == 4 {
		c.bounds = geo.NewBound(doc.Bounds[0], doc.Bounds[1], doc.Bounds[2], doc.Bounds[3], geo.WGS84)
	} else {
		c.bounds = geo.NewBound(-180, -90, 180, 90, geo.WGS84)
	}
	for i, v := range doc.Center {
		if i < 3 {
			c.center[i] = v
		}
	}
	return c, nil
}

func (c *RemoteCatalog) Bounds() geo.Bound  { return c.bounds }
func (c *RemoteCatalog) Center() [3]float64 { return c.center }
func (c *RemoteCatalog) MinZoom() int       { return c.minzoom }
func (c *RemoteCatalog) MaxZoom() int       { return c.maxzoom }
func (c *RemoteCatalog) Name() string       { return c.name }
func (c *RemoteCatalog) Provider() string   { return c.provider }

// GetSources looks up the tile-index document covering the center of the
// request at the request zoom. A missing index entry means the remote simply
// has nothing there; only transport failures are errors.
func (c *RemoteCatalog) GetSources(ctx context.Context, bounds geo.Bound, resolution []float64) ([]Source, error) {
	if len(resolution) == 0 {
		return nil, errors.New("request resolution is empty")
	}

	wgs, err := geo.Reproject(bounds, geo.WGS84)
	if err != nil {
		return nil, err
	}

	z := geo.ZoomForResolution(resolution[0], geo.RoundDown)
	if z < c.minzoom {
		z = c.minzoom
	}
	if z > c.maxzoom {
		z = c.maxzoom
	}

	center := orb.Point{(wgs.MinX + wgs.MaxX) / 2, (wgs.MinY + wgs.MaxY) / 2}
	tile := maptile.At(center, maptile.Zoom(z))

	raw, err := c.fetcher.Fetch(ctx, c.tileURI(tile))
	if err != nil {
		if errors.Is(err, fetch.ErrNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	var doc remoteTileDoc
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	sources := make([]Source, 0, len(doc.Sources))
	for _, s := range doc.Sources {
		sources = append(sources, Source{
			ID:            s.URL,
			Name:          s.Name,
			Resolution:    []float64(s.Resolution),
			BandOverrides: s.BandInfo,
			Meta:          s.Meta,
			RecipeHints:   s.Recipes,
		})
	}
	return sources, nil
}

func (c *RemoteCatalog) tileURI(t maptile.Tile) string {
	r := strings.NewReplacer(
		"{z}", fmt.Sprintf("%d", t.Z),
		"{x}", fmt.Sprintf("%d", t.X),
		"{y}", fmt.Sprintf("%d", t.Y),
	)
	return r.Replace(c.tileTemplate)
}

// Headers is empty for remote catalogs: provenance belongs to the remote
// service's own responses.
func (c *RemoteCatalog) Headers() map[string]string {
	return map[string]string{}
}
