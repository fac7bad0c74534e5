package catalog

// Source is the unit handed to the rendering collaborator: one physical image
// contributing pixels to a tile. Immutable once constructed.
type Source struct {
	// ID is the stable source identifier, usually the raster URL.
	ID string `json:"id"`

	// Name is the human-readable display name.
	Name string `json:"name"`

	// Resolution is the ground sample distance in meters per pixel. One
	// element for square pixels, two for anisotropic ones.
	Resolution []float64 `json:"resolution"`

	// BandOverrides remaps bands for the renderer. Usually empty.
	BandOverrides map[string]any `json:"band_info,omitempty"`

	// Meta carries opaque provenance: acquisition dates, provider,
	// platform and per-band statistics.
	Meta map[string]any `json:"meta,omitempty"`

	// RecipeHints are flags the renderer uses to pick a compositing
	// strategy, e.g. "imagery".
	RecipeHints map[string]any `json:"recipes,omitempty"`
}
