package catalog

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"math"
	"testing"

	"github.com/openaerialmap/dynamic-tiler/geo"
	"github.com/openaerialmap/dynamic-tiler/raster"
)

const imageDoc = `{
	"title": "Flight 7 over the harbor",
	"provider": "Harbor Imaging",
	"platform": "uav",
	"uuid": "https://tiles.example.com/harbor/flight7.tif",
	"gsd": 1.0,
	"bbox": [5, 5, 15, 15],
	"acquisition_start": "2017-03-01T09:00:00+00:00",
	"acquisition_end": "2017-03-04T17:30:00+00:00"
}`

func newTestImageCatalog(t *testing.T, doc string) *ImageCatalog {
	t.Helper()
	f := newStubFetcher(map[string]string{"s3://meta/flight7_meta.json": doc})
	c, err := NewImageCatalog(context.Background(), f, nil, "s3://meta/flight7_meta.json")
	if err != nil {
		t.Fatalf("NewImageCatalog: %v", err)
	}
	return c
}

func TestImageCatalogAttributes(t *testing.T) {
	c := newTestImageCatalog(t, imageDoc)

	if c.Name() != "Flight 7 over the harbor" {
		t.Errorf("name = %q", c.Name())
	}
	if c.Provider() != "Harbor Imaging" {
		t.Errorf("provider = %q", c.Provider())
	}

	// gsd 1.0m rounds up to zoom 18; the usable window spans 13 levels
	// around it and the center zoom sits 6 below the max.
	if c.MaxZoom() != 21 || c.MinZoom() != 8 {
		t.Errorf("zoom window = [%d, %d], want [8, 21]", c.MinZoom(), c.MaxZoom())
	}
	if c.MinZoom() >= c.MaxZoom() {
		t.Errorf("minzoom %d not below maxzoom %d", c.MinZoom(), c.MaxZoom())
	}

	center := c.Center()
	if !floatEquals(center[0], 10) || !floatEquals(center[1], 10) {
		t.Errorf("center = [%v, %v], want [10, 10]", center[0], center[1])
	}
	if int(center[2]) != c.MaxZoom()-6 {
		t.Errorf("center zoom = %v, want %d", center[2], c.MaxZoom()-6)
	}

	b := c.Bounds()
	if b.CRS != geo.WGS84 {
		t.Errorf("bounds CRS = %s", b.CRS)
	}
	if !floatEquals(b.MinX, 5) || !floatEquals(b.MinY, 5) || !floatEquals(b.MaxX, 15) || !floatEquals(b.MaxY, 15) {
		t.Errorf("bounds = %+v", b)
	}
}

func TestImageCatalogGetSources(t *testing.T) {
	c := newTestImageCatalog(t, imageDoc)
	ctx := context.Background()

	// Resolution of 10m/px gives request zoom 13, inside [8, 21].
	inWindow := []float64{10}

	t.Run("overlap yields one source", func(t *testing.T) {
		sources, err := c.GetSources(ctx, geo.NewBound(0, 0, 6, 6, geo.WGS84), inWindow)
		if err != nil {
			t.Fatalf("GetSources: %v", err)
		}
		if len(sources) != 1 {
			t.Fatalf("got %d sources, want 1", len(sources))
		}
		s := sources[0]
		if s.ID != "https://tiles.example.com/harbor/flight7.tif" {
			t.Errorf("source id = %q", s.ID)
		}
		if len(s.Resolution) != 1 || !floatEquals(s.Resolution[0], 1.0) {
			t.Errorf("source resolution = %v", s.Resolution)
		}
		if v, ok := s.RecipeHints["imagery"]; !ok || v != true {
			t.Errorf("recipe hints = %v", s.RecipeHints)
		}
	})

	t.Run("no spatial overlap yields none", func(t *testing.T) {
		sources, err := c.GetSources(ctx, geo.NewBound(-10, -10, -1, -1, geo.WGS84), inWindow)
		if err != nil {
			t.Fatalf("GetSources: %v", err)
		}
		if len(sources) != 0 {
			t.Fatalf("got %d sources, want 0", len(sources))
		}
	})

	t.Run("zoom gate rejects despite overlap", func(t *testing.T) {
		// ~40000m/px is far coarser than minzoom 8 allows.
		sources, err := c.GetSources(ctx, geo.NewBound(0, 0, 6, 6, geo.WGS84), []float64{40000})
		if err != nil {
			t.Fatalf("GetSources: %v", err)
		}
		if len(sources) != 0 {
			t.Fatalf("got %d sources, want 0", len(sources))
		}
	})

	t.Run("touching edge counts as overlap", func(t *testing.T) {
		sources, err := c.GetSources(ctx, geo.NewBound(0, 0, 5, 5, geo.WGS84), inWindow)
		if err != nil {
			t.Fatalf("GetSources: %v", err)
		}
		if len(sources) != 1 {
			t.Fatalf("got %d sources, want 1", len(sources))
		}
	})

	t.Run("idempotent", func(t *testing.T) {
		bounds := geo.NewBound(0, 0, 6, 6, geo.WGS84)
		first, err := c.GetSources(ctx, bounds, inWindow)
		if err != nil {
			t.Fatalf("GetSources: %v", err)
		}
		second, err := c.GetSources(ctx, bounds, inWindow)
		if err != nil {
			t.Fatalf("GetSources: %v", err)
		}
		if len(first) != len(second) {
			t.Fatalf("lengths differ: %d vs %d", len(first), len(second))
		}
		for i := range first {
			if first[i].ID != second[i].ID {
				t.Errorf("source %d: %q vs %q", i, first[i].ID, second[i].ID)
			}
		}
	})
}

func TestImageCatalogHeaders(t *testing.T) {
	t.Run("full document", func(t *testing.T) {
		h := newTestImageCatalog(t, imageDoc).Headers()

		if h["X-OIN-Metadata-URL"] != "s3://meta/flight7_meta.json" {
			t.Errorf("metadata url = %q", h["X-OIN-Metadata-URL"])
		}
		if h["X-VE-TILEMETA-CaptureDatesRange"] != "03/01/2017-03/04/2017" {
			t.Errorf("capture range = %q", h["X-VE-TILEMETA-CaptureDatesRange"])
		}
		if h["X-OIN-Acquisition-Start"] != "2017-03-01T09:00:00Z" {
			t.Errorf("acquisition start = %q", h["X-OIN-Acquisition-Start"])
		}
		if h["X-OIN-Acquisition-End"] != "2017-03-04T17:30:00Z" {
			t.Errorf("acquisition end = %q", h["X-OIN-Acquisition-End"])
		}
		if h["X-OIN-Provider"] != "Harbor Imaging" {
			t.Errorf("provider = %q", h["X-OIN-Provider"])
		}
		if h["X-OIN-Platform"] != "uav" {
			t.Errorf("platform = %q", h["X-OIN-Platform"])
		}
	})

	t.Run("no acquisition dates", func(t *testing.T) {
		doc := `{"title": "t", "provider": "p", "uuid": "u", "gsd": 1, "bbox": [0, 0, 1, 1]}`
		h := newTestImageCatalog(t, doc).Headers()

		for _, key := range []string{
			"X-OIN-Acquisition-Start",
			"X-OIN-Acquisition-End",
			"X-VE-TILEMETA-CaptureDatesRange",
		} {
			if _, ok := h[key]; ok {
				t.Errorf("unexpected header %s", key)
			}
		}
		if h["X-OIN-Metadata-URL"] == "" {
			t.Error("metadata url header missing")
		}
	})

	t.Run("non-ascii provider folded", func(t *testing.T) {
		doc := `{"title": "t", "provider": "Köln Aérienne", "platform": "ballon captif", "uuid": "u", "gsd": 1, "bbox": [0, 0, 1, 1]}`
		h := newTestImageCatalog(t, doc).Headers()

		if h["X-OIN-Provider"] != "Koln Aerienne" {
			t.Errorf("provider = %q, want %q", h["X-OIN-Provider"], "Koln Aerienne")
		}
		if h["X-OIN-Platform"] != "ballon captif" {
			t.Errorf("platform = %q", h["X-OIN-Platform"])
		}
	})
}

func TestImageCatalogUnavailable(t *testing.T) {
	ctx := context.Background()
	f := newStubFetcher(map[string]string{
		"s3://meta/garbage_meta.json": "not json at all",
	})

	if _, err := NewImageCatalog(ctx, f, nil, "s3://meta/missing_meta.json"); !errors.Is(err, ErrUnavailable) {
		t.Errorf("missing document: err = %v, want ErrUnavailable", err)
	}
	if _, err := NewImageCatalog(ctx, f, nil, "s3://meta/garbage_meta.json"); !errors.Is(err, ErrUnavailable) {
		t.Errorf("unparsable document: err = %v, want ErrUnavailable", err)
	}
}

type stubProber struct {
	hdr *raster.Header
	err error
}

func (p *stubProber) Probe(_ context.Context, _ string) (*raster.Header, error) {
	return p.hdr, p.err
}

// probeEntry is one IFD entry of the synthetic raster header fixtures. TIFF
// field types by number: 2 ASCII, 3 SHORT, 12 DOUBLE.
type probeEntry struct {
	tag    uint16
	ftype  uint16
	count  uint32
	inline [4]byte
	data   []byte
}

func probeShort(v uint16) [4]byte {
	var b [4]byte
	binary.LittleEndian.PutUint16(b[:2], v)
	return b
}

func probeDoubles(vals ...float64) []byte {
	var buf bytes.Buffer
	for _, v := range vals {
		binary.Write(&buf, binary.LittleEndian, math.Float64bits(v))
	}
	return buf.Bytes()
}

func probeShorts(vals ...uint16) []byte {
	var buf bytes.Buffer
	for _, v := range vals {
		binary.Write(&buf, binary.LittleEndian, v)
	}
	return buf.Bytes()
}

// probeHeader assembles a classic little-endian TIFF around the entries and
// parses it back into a header.
func probeHeader(t *testing.T, entries []probeEntry) *raster.Header {
	t.Helper()

	var buf bytes.Buffer
	buf.Write([]byte{0x49, 0x49})
	binary.Write(&buf, binary.LittleEndian, uint16(42))
	binary.Write(&buf, binary.LittleEndian, uint32(8))

	valueOffset := uint32(8 + 2 + 12*len(entries) + 4)
	var valueArea bytes.Buffer

	binary.Write(&buf, binary.LittleEndian, uint16(len(entries)))
	for _, e := range entries {
		binary.Write(&buf, binary.LittleEndian, e.tag)
		binary.Write(&buf, binary.LittleEndian, e.ftype)
		binary.Write(&buf, binary.LittleEndian, e.count)
		if len(e.data) > 0 {
			binary.Write(&buf, binary.LittleEndian, valueOffset+uint32(valueArea.Len()))
			valueArea.Write(e.data)
		} else {
			buf.Write(e.inline[:])
		}
	}
	binary.Write(&buf, binary.LittleEndian, uint32(0))
	buf.Write(valueArea.Bytes())

	hdr, err := raster.Open(bytes.NewReader(buf.Bytes()))
	if err != nil {
		t.Fatalf("opening fixture header: %v", err)
	}
	return hdr
}

// mercatorHeader is a web-mercator raster anchored at roughly (10E, 45N):
// 512x256 px at 2m x 1m per pixel, 16-bit, with band statistics and a nodata
// marker.
func mercatorHeader(t *testing.T, bitsPerSample uint16) *raster.Header {
	t.Helper()

	gdalXML := []byte(`<GDALMetadata>` +
		`<Item name="STATISTICS_MINIMUM" sample="0">3</Item>` +
		`<Item name="STATISTICS_MAXIMUM" sample="0">9000</Item>` +
		`</GDALMetadata>` + "\x00")
	noData := []byte("-32768\x00")

	return probeHeader(t, []probeEntry{
		{tag: uint16(raster.ImageWidth), ftype: 3, count: 1, inline: probeShort(512)},
		{tag: uint16(raster.ImageLength), ftype: 3, count: 1, inline: probeShort(256)},
		{tag: uint16(raster.BitsPerSample), ftype: 3, count: 1, inline: probeShort(bitsPerSample)},
		{tag: uint16(raster.SamplesPerPixel), ftype: 3, count: 1, inline: probeShort(1)},
		{tag: uint16(raster.ModelPixelScale), ftype: 12, count: 3, data: probeDoubles(2, 1, 0)},
		{tag: uint16(raster.ModelTiepoint), ftype: 12, count: 6, data: probeDoubles(0, 0, 0, 1113194.9079327357, 5621521.486192066, 0)},
		{tag: uint16(raster.GeoKeyDirectory), ftype: 3, count: 8, data: probeShorts(1, 1, 0, 1, 3072, 0, 1, 3857)},
		{tag: uint16(raster.GDALMetadata), ftype: 2, count: uint32(len(gdalXML)), data: gdalXML},
		{tag: uint16(raster.GDALNoData), ftype: 2, count: uint32(len(noData)), data: noData},
	})
}

func newProbedImageCatalog(t *testing.T, prober Prober) *ImageCatalog {
	t.Helper()
	f := newStubFetcher(map[string]string{"s3://meta/flight7_meta.json": imageDoc})
	c, err := NewImageCatalog(context.Background(), f, prober, "s3://meta/flight7_meta.json")
	if err != nil {
		t.Fatalf("NewImageCatalog: %v", err)
	}
	return c
}

func TestImageCatalogProbeOverridesDeclared(t *testing.T) {
	c := newProbedImageCatalog(t, &stubProber{hdr: mercatorHeader(t, 16)})

	// The header wins over the declared bbox [5,5,15,15]: bounds come back
	// reprojected from web mercator to WGS84 around (10, 45).
	b := c.Bounds()
	if b.CRS != geo.WGS84 {
		t.Fatalf("bounds CRS = %s", b.CRS)
	}
	if math.Abs(b.MinX-10) > 0.05 || math.Abs(b.MaxY-45) > 0.05 {
		t.Errorf("bounds = %+v, want upper-left near (10, 45)", b)
	}
	if b.MaxX-b.MinX > 0.05 || b.MaxY-b.MinY > 0.05 {
		t.Errorf("bounds = %+v, want a sub-kilometer extent", b)
	}

	// Mercator pixel scale is already meters, kept per axis.
	res := c.Resolution()
	if len(res) != 2 || !floatEquals(res[0], 2) || !floatEquals(res[1], 1) {
		t.Errorf("resolution = %v, want [2 1]", res)
	}

	// 2m/px ceils to zoom 17.
	if c.MaxZoom() != 20 || c.MinZoom() != 7 {
		t.Errorf("zoom window = [%d, %d], want [7, 20]", c.MinZoom(), c.MaxZoom())
	}
}

func TestImageCatalogProbeStats(t *testing.T) {
	t.Run("16-bit harvests band stats and nodata", func(t *testing.T) {
		c := newProbedImageCatalog(t, &stubProber{hdr: mercatorHeader(t, 16)})

		bands, ok := c.meta["bands"].([]map[string]float64)
		if !ok || len(bands) != 1 {
			t.Fatalf("meta bands = %#v", c.meta["bands"])
		}
		if !floatEquals(bands[0]["min"], 3) || !floatEquals(bands[0]["max"], 9000) {
			t.Errorf("band stats = %v", bands[0])
		}
		if v, ok := c.meta["nodata"].(float64); !ok || !floatEquals(v, -32768) {
			t.Errorf("meta nodata = %#v", c.meta["nodata"])
		}
	})

	t.Run("8-bit omits band stats", func(t *testing.T) {
		c := newProbedImageCatalog(t, &stubProber{hdr: mercatorHeader(t, 8)})

		if _, ok := c.meta["bands"]; ok {
			t.Errorf("meta bands present for an 8-bit raster: %#v", c.meta["bands"])
		}
	})
}

func TestImageCatalogProbeFailureFallsBack(t *testing.T) {
	c := newProbedImageCatalog(t, &stubProber{err: errors.New("range request refused")})

	// Declared bbox and gsd stay authoritative.
	b := c.Bounds()
	if !floatEquals(b.MinX, 5) || !floatEquals(b.MaxY, 15) {
		t.Errorf("bounds = %+v, want declared [5 5 15 15]", b)
	}
	res := c.Resolution()
	if len(res) != 1 || !floatEquals(res[0], 1.0) {
		t.Errorf("resolution = %v, want declared [1]", res)
	}
	if c.MaxZoom() != 21 || c.MinZoom() != 8 {
		t.Errorf("zoom window = [%d, %d], want [8, 21]", c.MinZoom(), c.MaxZoom())
	}
}

func TestASCIIFold(t *testing.T) {
	for _, tc := range []struct{ in, want string }{
		{"plain ascii", "plain ascii"},
		{"Köln", "Koln"},
		{"Aérienne", "Aerienne"},
		{"日本", ""},
		{"", ""},
	} {
		if got := asciiFold(tc.in); got != tc.want {
			t.Errorf("asciiFold(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}
