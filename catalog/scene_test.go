package catalog

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/openaerialmap/dynamic-tiler/geo"
)

const sceneURI = "s3://meta/scenes/abc/0/scene.json"

func sceneFixture(sources ...string) map[string]string {
	entries := ""
	for i, s := range sources {
		if i > 0 {
			entries += ","
		}
		entries += fmt.Sprintf(`{"meta": {"source": "%s"}}`, s)
	}
	return map[string]string{
		sceneURI: fmt.Sprintf(`{
			"name": "abc",
			"bounds": [-10, -10, 10, 10],
			"center": [0, 0, 12],
			"minzoom": 5,
			"maxzoom": 18,
			"meta": {"provider": "Harbor Imaging", "sources": [%s]}
		}`, entries),
	}
}

func imageFixture(id string, bbox string) string {
	return fmt.Sprintf(`{
		"title": "%s",
		"provider": "Harbor Imaging",
		"uuid": "https://tiles.example.com/%s.tif",
		"gsd": 1.0,
		"bbox": %s
	}`, id, id, bbox)
}

func TestSceneCatalogAttributesVerbatim(t *testing.T) {
	docs := sceneFixture("s3://imagery/s1_warped.vrt")
	docs["s3://imagery/s1_meta.json"] = imageFixture("s1", "[5, 5, 15, 15]")
	f := newStubFetcher(docs)

	c, err := NewSceneCatalog(context.Background(), f, nil, sceneURI, SceneOptions{})
	if err != nil {
		t.Fatalf("NewSceneCatalog: %v", err)
	}

	// Scene attributes come from the manifest, not from children: the child
	// covers [5,15] with its own zoom window, the manifest says otherwise.
	b := c.Bounds()
	if !floatEquals(b.MinX, -10) || !floatEquals(b.MaxX, 10) {
		t.Errorf("bounds = %+v, want manifest bounds", b)
	}
	if c.MinZoom() != 5 || c.MaxZoom() != 18 {
		t.Errorf("zoom = [%d, %d], want manifest [5, 18]", c.MinZoom(), c.MaxZoom())
	}
	if got := c.Center(); !floatEquals(got[2], 12) {
		t.Errorf("center = %v, want manifest center", got)
	}
	if c.Name() != "abc" || c.Provider() != "Harbor Imaging" {
		t.Errorf("name/provider = %q/%q", c.Name(), c.Provider())
	}
	if h := c.Headers(); h["X-OIN-Metadata-URL"] != sceneURI {
		t.Errorf("headers = %v", h)
	}
}

func TestSceneCatalogReversesDeclaredOrder(t *testing.T) {
	docs := sceneFixture(
		"s3://imagery/s1_warped.vrt",
		"s3://imagery/s2_warped.vrt",
		"s3://imagery/s3_warped.vrt",
	)
	for _, id := range []string{"s1", "s2", "s3"} {
		docs["s3://imagery/"+id+"_meta.json"] = imageFixture(id, "[5, 5, 15, 15]")
	}
	f := newStubFetcher(docs)

	c, err := NewSceneCatalog(context.Background(), f, nil, sceneURI, SceneOptions{Workers: 2})
	if err != nil {
		t.Fatalf("NewSceneCatalog: %v", err)
	}

	var names []string
	for _, child := range c.Children() {
		names = append(names, child.Name())
	}
	want := []string{"s3", "s2", "s1"}
	if len(names) != len(want) {
		t.Fatalf("children = %v, want %v", names, want)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Fatalf("children = %v, want %v", names, want)
		}
	}

	// The matched source order follows the child order.
	sources, err := c.GetSources(context.Background(), geo.NewBound(0, 0, 6, 6, geo.WGS84), []float64{10})
	if err != nil {
		t.Fatalf("GetSources: %v", err)
	}
	if len(sources) != 3 {
		t.Fatalf("got %d sources, want 3", len(sources))
	}
	for i, wantName := range want {
		if sources[i].Name != wantName {
			t.Errorf("source %d = %q, want %q", i, sources[i].Name, wantName)
		}
	}
}

func TestSceneCatalogChildFailureFailsScene(t *testing.T) {
	docs := sceneFixture(
		"s3://imagery/s1_warped.vrt",
		"s3://imagery/s2_warped.vrt",
	)
	// s1 resolves, s2's metadata is missing.
	docs["s3://imagery/s1_meta.json"] = imageFixture("s1", "[5, 5, 15, 15]")
	f := newStubFetcher(docs)

	_, err := NewSceneCatalog(context.Background(), f, nil, sceneURI, SceneOptions{})
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("err = %v, want ErrUnavailable", err)
	}
}

func TestSceneCatalogEmptyScene(t *testing.T) {
	f := newStubFetcher(sceneFixture())

	c, err := NewSceneCatalog(context.Background(), f, nil, sceneURI, SceneOptions{})
	if err != nil {
		t.Fatalf("NewSceneCatalog: %v", err)
	}
	sources, err := c.GetSources(context.Background(), geo.NewBound(0, 0, 6, 6, geo.WGS84), []float64{10})
	if err != nil {
		t.Fatalf("GetSources: %v", err)
	}
	if len(sources) != 0 {
		t.Errorf("got %d sources from an empty scene", len(sources))
	}
}

func TestSceneCatalogUnavailable(t *testing.T) {
	f := newStubFetcher(map[string]string{sceneURI: "{{{"})

	if _, err := NewSceneCatalog(context.Background(), f, nil, sceneURI, SceneOptions{}); !errors.Is(err, ErrUnavailable) {
		t.Errorf("unparsable manifest: err = %v, want ErrUnavailable", err)
	}
	if _, err := NewSceneCatalog(context.Background(), f, nil, "s3://meta/absent.json", SceneOptions{}); !errors.Is(err, ErrUnavailable) {
		t.Errorf("missing manifest: err = %v, want ErrUnavailable", err)
	}
}

func TestImageMetadataURI(t *testing.T) {
	for _, tc := range []struct{ in, want string }{
		{"s3://imagery/a_warped.vrt", "s3://imagery/a_meta.json"},
		{"s3://imagery/a_meta.json", "s3://imagery/a_meta.json"},
		{"https://host/b_warped.vrt", "https://host/b_meta.json"},
	} {
		if got := imageMetadataURI(tc.in); got != tc.want {
			t.Errorf("imageMetadataURI(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}
