package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"

	"github.com/openaerialmap/dynamic-tiler/fetch"
	"github.com/openaerialmap/dynamic-tiler/geo"
	"github.com/openaerialmap/dynamic-tiler/raster"
)

// captureDateLayout is the human-readable date format some consumers expect
// in the capture-dates-range header.
const captureDateLayout = "01/02/2006"

// oinMetaDoc is the OpenImageryNetwork metadata document describing one
// image.
type oinMetaDoc struct {
	Title            string    `json:"title"`
	Provider         string    `json:"provider"`
	Platform         string    `json:"platform"`
	UUID             string    `json:"uuid"`
	GSD              float64   `json:"gsd"`
	BBox             []float64 `json:"bbox"`
	AcquisitionStart string    `json:"acquisition_start"`
	AcquisitionEnd   string    `json:"acquisition_end"`
}

// ImageCatalog represents exactly one physical image. Immutable after
// construction.
type ImageCatalog struct {
	bounds     geo.Bound // always WGS84
	resolution []float64
	minzoom    int
	maxzoom    int
	center     [3]float64

	metadataURL string
	sourceID    string
	name        string
	provider    string
	platform    string

	acquisitionStart time.Time
	acquisitionEnd   time.Time

	meta map[string]any
}

// NewImageCatalog fetches the metadata document at uri and builds a catalog
// for the image it describes. When a prober is supplied the raster header is
// consulted for precise bounds, native resolution and band statistics, with
// the document's declared bbox/gsd as fallback. Any fetch or parse failure
// wraps ErrUnavailable.
func NewImageCatalog(ctx context.Context, fetcher fetch.Fetcher, prober Prober, uri string) (*ImageCatalog, error) {
	start := time.Now()
	c, err := buildImageCatalog(ctx, fetcher, prober, uri)
	observeBuild("image", start, err)
	return c, err
}

func buildImageCatalog(ctx context.Context, fetcher fetch.Fetcher, prober Prober, uri string) (*ImageCatalog, error) {
	raw, err := fetcher.Fetch(ctx, uri)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrUnavailable, uri, err)
	}

	var doc oinMetaDoc
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrUnavailable, uri, err)
	}

	c := &ImageCatalog{
		metadataURL: uri,
		sourceID:    doc.UUID,
		name:        doc.Title,
		provider:    doc.Provider,
		platform:    doc.Platform,
	}
	if c.sourceID == "" {
		c.sourceID = doc.Title
	}
	if t, err := time.Parse(time.RFC3339, doc.AcquisitionStart); err == nil {
		c.acquisitionStart = t
	}
	if t, err := time.Parse(time.RFC3339, doc.AcquisitionEnd); err == nil {
		c.acquisitionEnd = t
	}

	// Document-declared geometry, overridden below if the probe succeeds.
	var haveBounds, haveRes bool
	if len(doc.BBox) == 4 {
		c.bounds = geo.NewBound(doc.BBox[0], doc.BBox[1], doc.BBox[2], doc.BBox[3], geo.WGS84)
		haveBounds = true
	}
	if doc.GSD > 0 {
		c.resolution = []float64{doc.GSD}
		haveRes = true
	}

	var bands []map[string]float64
	var noData *float64
	if prober != nil && doc.UUID != "" {
		hdr, err := prober.Probe(ctx, doc.UUID)
		if err != nil {
			slog.Debug("raster header probe failed, using declared metadata",
				"uri", doc.UUID, "error", err)
		} else {
			if applyHeader(c, hdr) {
				haveBounds, haveRes = true, true
			}
			if hdr.BitsPerSample() != 8 {
				bands = bandStats(hdr)
			}
			if v, ok := hdr.NoData(); ok {
				noData = &v
			}
		}
	}

	if !haveBounds {
		return nil, fmt.Errorf("%w: %s: no usable bounds", ErrUnavailable, uri)
	}
	if !haveRes {
		return nil, fmt.Errorf("%w: %s: no usable resolution", ErrUnavailable, uri)
	}

	// Conservative zoom window around the native resolution: a source stays
	// matchable a few levels above it and well below it, and its center zoom
	// sits where the imagery starts being useful.
	approx := geo.ZoomForResolution(c.resolution[0], geo.RoundUp)
	c.maxzoom = approx + 3
	c.minzoom = approx - 10
	c.center = [3]float64{
		(c.bounds.MinX + c.bounds.MaxX) / 2,
		(c.bounds.MinY + c.bounds.MaxY) / 2,
		float64(approx - 3),
	}

	c.meta = buildMeta(c, bands, noData)
	return c, nil
}

// applyHeader copies precise geometry from a probed raster header onto the
// catalog. Returns false, leaving the declared values in place, if the header
// lacks usable georeferencing.
func applyHeader(c *ImageCatalog, hdr *raster.Header) bool {
	bounds, err := hdr.Bounds()
	if err != nil {
		return false
	}
	wgs, err := geo.Reproject(bounds, geo.WGS84)
	if err != nil {
		return false
	}

	centerLat := (wgs.MinY + wgs.MaxY) / 2
	res, err := geo.ResolutionToMeters(hdr.Resolution(), bounds.CRS, centerLat)
	if err != nil || res[0] <= 0 || res[1] <= 0 {
		return false
	}

	c.bounds = wgs
	if res[0] == res[1] {
		c.resolution = []float64{res[0]}
	} else {
		c.resolution = []float64{res[0], res[1]}
	}
	return true
}

// bandStats harvests per-band min/max/mean from the header's embedded GDAL
// metadata, falling back to the global sample range, and reports nil when
// nothing is recorded. Statistics are never fabricated.
func bandStats(hdr *raster.Header) []map[string]float64 {
	count := hdr.BandCount()
	out := make([]map[string]float64, 0, count)
	populated := false

	for band := 0; band < count; band++ {
		stats := map[string]float64{}
		if v, ok := hdr.BandStat(band, raster.StatMinimum); ok {
			stats["min"] = v
		}
		if v, ok := hdr.BandStat(band, raster.StatMaximum); ok {
			stats["max"] = v
		}
		if v, ok := hdr.BandStat(band, raster.StatMean); ok {
			stats["mean"] = v
		}
		if len(stats) == 0 {
			if min, max, ok := hdr.GlobalMinMax(); ok {
				stats["min"], stats["max"] = min, max
			}
		}
		if len(stats) > 0 {
			populated = true
		}
		out = append(out, stats)
	}

	if !populated {
		return nil
	}
	return out
}

func buildMeta(c *ImageCatalog, bands []map[string]float64, noData *float64) map[string]any {
	meta := map[string]any{}
	if !c.acquisitionStart.IsZero() {
		meta["acquisition_start"] = c.acquisitionStart.Format(time.RFC3339)
	}
	if !c.acquisitionEnd.IsZero() {
		meta["acquisition_end"] = c.acquisitionEnd.Format(time.RFC3339)
	}
	if c.provider != "" {
		meta["provider"] = c.provider
	}
	if c.platform != "" {
		meta["platform"] = c.platform
	}
	if bands != nil {
		meta["bands"] = bands
	}
	if noData != nil {
		meta["nodata"] = *noData
	}
	return meta
}

func (c *ImageCatalog) Bounds() geo.Bound     { return c.bounds }
func (c *ImageCatalog) Center() [3]float64    { return c.center }
func (c *ImageCatalog) MinZoom() int          { return c.minzoom }
func (c *ImageCatalog) MaxZoom() int          { return c.maxzoom }
func (c *ImageCatalog) Name() string          { return c.name }
func (c *ImageCatalog) Provider() string      { return c.provider }
func (c *ImageCatalog) MetadataURL() string   { return c.metadataURL }
func (c *ImageCatalog) Resolution() []float64 { return c.resolution }

// GetSources yields the catalog itself as the only candidate source, iff the
// request overlaps its bounds and the request zoom falls inside its zoom
// window. The zoom gate keeps a coarse request from pulling in
// full-resolution sources it cannot usefully display, and a too-fine request
// from matching sources past their intended detail.
func (c *ImageCatalog) GetSources(ctx context.Context, bounds geo.Bound, resolution []float64) ([]Source, error) {
	if len(resolution) == 0 {
		return nil, errors.New("request resolution is empty")
	}

	wgs, err := geo.Reproject(bounds, geo.WGS84)
	if err != nil {
		return nil, err
	}

	overlaps, err := geo.Intersects(c.bounds, wgs)
	if err != nil {
		return nil, err
	}

	requestZoom := geo.ZoomForResolution(resolution[0], geo.RoundDown)
	if !overlaps || requestZoom < c.minzoom || requestZoom > c.maxzoom {
		return nil, nil
	}
	return []Source{c.source()}, nil
}

func (c *ImageCatalog) source() Source {
	return Source{
		ID:          c.sourceID,
		Name:        c.name,
		Resolution:  append([]float64(nil), c.resolution...),
		Meta:        c.meta,
		RecipeHints: map[string]any{"imagery": true},
	}
}

// Headers synthesizes provenance headers from the metadata document. The
// metadata URL is always present; acquisition and provider fields appear only
// when the document carries them.
func (c *ImageCatalog) Headers() map[string]string {
	h := map[string]string{"X-OIN-Metadata-URL": c.metadataURL}

	hasStart := !c.acquisitionStart.IsZero()
	hasEnd := !c.acquisitionEnd.IsZero()
	switch {
	case hasStart && hasEnd:
		h["X-VE-TILEMETA-CaptureDatesRange"] = c.acquisitionStart.Format(captureDateLayout) +
			"-" + c.acquisitionEnd.Format(captureDateLayout)
	case hasStart:
		h["X-VE-TILEMETA-CaptureDatesRange"] = c.acquisitionStart.Format(captureDateLayout)
	case hasEnd:
		h["X-VE-TILEMETA-CaptureDatesRange"] = c.acquisitionEnd.Format(captureDateLayout)
	}
	if hasStart {
		h["X-OIN-Acquisition-Start"] = c.acquisitionStart.Format(time.RFC3339)
	}
	if hasEnd {
		h["X-OIN-Acquisition-End"] = c.acquisitionEnd.Format(time.RFC3339)
	}

	if c.provider != "" {
		h["X-OIN-Provider"] = asciiFold(c.provider)
	}
	if c.platform != "" {
		h["X-OIN-Platform"] = asciiFold(c.platform)
	}
	return h
}

// asciiFold decomposes s and strips everything outside printable ASCII so
// header values survive transport untouched. The normalization is lossy on
// purpose.
func asciiFold(s string) string {
	decomposed := norm.NFKD.String(s)
	out := make([]byte, 0, len(decomposed))
	for i := 0; i < len(decomposed); i++ {
		if decomposed[i] < utf8.RuneSelf {
			out = append(out, decomposed[i])
		}
	}
	return string(out)
}
