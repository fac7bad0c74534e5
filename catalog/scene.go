package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/openaerialmap/dynamic-tiler/fetch"
	"github.com/openaerialmap/dynamic-tiler/geo"
)

// sceneDoc is a scene manifest. Its bounds/center/zoom fields describe the
// scene as published and are taken verbatim, never re-derived from children.
type sceneDoc struct {
	Name    string     `json:"name"`
	Bounds  []float64  `json:"bounds"`
	Center  []float64  `json:"center"`
	MinZoom int        `json:"minzoom"`
	MaxZoom int        `json:"maxzoom"`
	Meta    *sceneMeta `json:"meta"`
}

type sceneMeta struct {
	Provider string        `json:"provider"`
	Sources  []sceneSource `json:"sources"`
}

type sceneSource struct {
	Meta struct {
		Source string `json:"source"`
	} `json:"meta"`
}

// SceneCatalog aggregates the image catalogs of one published mosaic. The
// manifest lists sources bottom-to-top, so children are kept in reverse
// declared order and matching tries the most recently listed source first.
type SceneCatalog struct {
	bounds      geo.Bound
	minzoom     int
	maxzoom     int
	center      [3]float64
	name        string
	provider    string
	metadataURL string
	children    []*ImageCatalog
}

// SceneOptions tunes scene construction.
type SceneOptions struct {
	// Workers bounds the number of image catalogs built concurrently.
	// Zero means twice GOMAXPROCS.
	Workers int
}

// NewSceneCatalog fetches the scene manifest at uri and builds an image
// catalog for every source it lists, concurrently on a bounded pool. A
// single child failure cancels the remaining builds and fails the scene;
// there are no partial scenes. A scene with zero sources is not an error.
func NewSceneCatalog(ctx context.Context, fetcher fetch.Fetcher, prober Prober, uri string, opts SceneOptions) (*SceneCatalog, error) {
	start := time.Now()
	c, err := buildSceneCatalog(ctx, fetcher, prober, uri, opts)
	observeBuild("scene", start, err)
	return c, err
}

func buildSceneCatalog(ctx context.Context, fetcher fetch.Fetcher, prober Prober, uri string, opts SceneOptions) (*SceneCatalog, error) {
	raw, err := fetcher.Fetch(ctx, uri)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrUnavailable, uri, err)
	}

	var doc sceneDoc
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrUnavailable, uri, err)
	}
	if len(doc.Bounds) != 4 {
		return nil, fmt.Errorf("%w: %s: manifest bounds must have 4 elements", ErrUnavailable, uri)
	}

	c := &SceneCatalog{
		bounds:      geo.NewBound(doc.Bounds[0], doc.Bounds[1], doc.Bounds[2], doc.Bounds[3], geo.WGS84),
		minzoom:     doc.MinZoom,
		maxzoom:     doc.MaxZoom,
		name:        doc.Name,
		metadataURL: uri,
	}
	for i, v := range doc.Center {
		if i < 3 {
			c.center[i] = v
		}
	}

	var declared []string
	if doc.Meta != nil {
		c.provider = doc.Meta.Provider
		for _, s := range doc.Meta.Sources {
			declared = append(declared, s.Meta.Source)
		}
	}

	workers := opts.Workers
	if workers <= 0 {
		workers = 2 * runtime.GOMAXPROCS(0)
	}

	// Children land in reverse declared order regardless of completion
	// order: each build writes its fixed slot.
	children := make([]*ImageCatalog, len(declared))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for i, source := range declared {
		slot := len(declared) - 1 - i
		metaURI := imageMetadataURI(source)
		g.Go(func() error {
			child, err := NewImageCatalog(gctx, fetcher, prober, metaURI)
			if err != nil {
				return err
			}
			children[slot] = child
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	c.children = children
	return c, nil
}

// imageMetadataURI maps a warped VRT path from the manifest to the metadata
// document sitting next to the source image.
func imageMetadataURI(source string) string {
	if strings.HasSuffix(source, "_warped.vrt") {
		return strings.TrimSuffix(source, "_warped.vrt") + "_meta.json"
	}
	return source
}

func (c *SceneCatalog) Bounds() geo.Bound  { return c.bounds }
func (c *SceneCatalog) Center() [3]float64 { return c.center }
func (c *SceneCatalog) MinZoom() int       { return c.minzoom }
func (c *SceneCatalog) MaxZoom() int       { return c.maxzoom }
func (c *SceneCatalog) Name() string       { return c.name }
func (c *SceneCatalog) Provider() string   { return c.provider }

// Children exposes the ordered child list, most recently declared first.
func (c *SceneCatalog) Children() []*ImageCatalog { return c.children }

// GetSources asks every child in order and concatenates the results. An
// empty result is success: the scene simply has nothing covering the
// request.
func (c *SceneCatalog) GetSources(ctx context.Context, bounds geo.Bound, resolution []float64) ([]Source, error) {
	var sources []Source
	for _, child := range c.children {
		s, err := child.GetSources(ctx, bounds, resolution)
		if err != nil {
			return nil, err
		}
		sources = append(sources, s...)
	}
	return sources, nil
}

// Headers points consumers at the scene manifest. Per-image provenance stays
// with the images; merging conflicting child headers here would misattribute
// sources.
func (c *SceneCatalog) Headers() map[string]string {
	return map[string]string{"X-OIN-Metadata-URL": c.metadataURL}
}
