package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/paulmach/orb/maptile"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/openaerialmap/dynamic-tiler/catalog"
	"github.com/openaerialmap/dynamic-tiler/geo"
)

var requestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Name:    "tiler_request_duration_seconds",
	Help:    "Duration of API requests by route and status code.",
	Buckets: prometheus.ExponentialBuckets(0.005, 2, 12),
}, []string{"route", "code"})

// Renderer composites the sources resolved for a tile into image bytes. It is
// an external collaborator; the server runs without one and answers 501 on
// render routes in that case.
type Renderer interface {
	RenderTile(ctx context.Context, tile maptile.Tile, cat catalog.Catalog, scale int) (http.Header, []byte, error)
}

// tileJSON is the subset of the TileJSON 2.1.0 document the API publishes.
type tileJSON struct {
	TileJSON string     `json:"tilejson"`
	Name     string     `json:"name"`
	Bounds   [4]float64 `json:"bounds"`
	Center   [3]float64 `json:"center"`
	MinZoom  int        `json:"minzoom"`
	MaxZoom  int        `json:"maxzoom"`
	Tiles    []string   `json:"tiles"`
}

type sourcesResponse struct {
	Sources []catalog.Source `json:"sources"`
}

func newRouter(registry *catalog.Registry, renderer Renderer) chi.Router {
	r := chi.NewRouter()
	r.Use(recoverMiddleware)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	r.Get("/user/{id}/", metaHandler(registry, remoteKey))
	r.Get("/user/{id}/{z}/{x}/{y}.json", sourcesHandler(registry, remoteKey))
	r.Get("/user/{id}/{z}/{x}/{y}.png", renderHandler(registry, renderer, remoteKey))

	r.Get("/{id}/{idx}/", metaHandler(registry, sceneKey))
	r.Get("/{id}/{idx}/{z}/{x}/{y}.json", sourcesHandler(registry, sceneKey))
	r.Get("/{id}/{idx}/{z}/{x}/{y}.png", renderHandler(registry, renderer, sceneKey))

	r.Get("/{id}/{idx}/{image}/", metaHandler(registry, imageKey))
	r.Get("/{id}/{idx}/{image}/{z}/{x}/{y}.json", sourcesHandler(registry, imageKey))
	r.Get("/{id}/{idx}/{image}/{z}/{x}/{y}.png", renderHandler(registry, renderer, imageKey))

	return r
}

// keyFunc extracts a registry key from the matched route.
type keyFunc func(r *http.Request) (catalog.Key, error)

func remoteKey(r *http.Request) (catalog.Key, error) {
	return catalog.Key{RemoteKind: "user", RemoteID: chi.URLParam(r, "id")}, nil
}

func sceneKey(r *http.Request) (catalog.Key, error) {
	idx, err := strconv.Atoi(chi.URLParam(r, "idx"))
	if err != nil {
		return catalog.Key{}, fmt.Errorf("invalid scene index: %w", err)
	}
	return catalog.Key{SceneID: chi.URLParam(r, "id"), SceneIdx: idx}, nil
}

func imageKey(r *http.Request) (catalog.Key, error) {
	key, err := sceneKey(r)
	if err != nil {
		return catalog.Key{}, err
	}
	key.ImageID = chi.URLParam(r, "image")
	return key, nil
}

func metaHandler(registry *catalog.Registry, key keyFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		code := handleMeta(registry, key, w, r)
		observeRequest("meta", code, start)
	}
}

func handleMeta(registry *catalog.Registry, key keyFunc, w http.ResponseWriter, r *http.Request) int {
	k, err := key(r)
	if err != nil {
		return writeError(w, http.StatusBadRequest, err)
	}
	cat, err := registry.Resolve(r.Context(), k)
	if err != nil {
		return writeCatalogError(w, err)
	}

	b := cat.Bounds()
	doc := tileJSON{
		TileJSON: "2.1.0",
		Name:     cat.Name(),
		Bounds:   [4]float64{b.MinX, b.MinY, b.MaxX, b.MaxY},
		Center:   cat.Center(),
		MinZoom:  cat.MinZoom(),
		MaxZoom:  cat.MaxZoom(),
		Tiles:    []string{tileURLTemplate(r)},
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(doc)
	return http.StatusOK
}

func sourcesHandler(registry *catalog.Registry, key keyFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		code := handleSources(registry, key, w, r)
		observeRequest("sources", code, start)
	}
}

func handleSources(registry *catalog.Registry, key keyFunc, w http.ResponseWriter, r *http.Request) int {
	k, err := key(r)
	if err != nil {
		return writeError(w, http.StatusBadRequest, err)
	}
	tile, err := parseTile(r)
	if err != nil {
		return writeError(w, http.StatusBadRequest, err)
	}

	cat, err := registry.Resolve(r.Context(), k)
	if err != nil {
		return writeCatalogError(w, err)
	}

	bounds, resolution, err := tileQuery(tile)
	if err != nil {
		return writeError(w, http.StatusBadRequest, err)
	}
	sources, err := cat.GetSources(r.Context(), bounds, resolution)
	if err != nil {
		return writeCatalogError(w, err)
	}

	for name, value := range cat.Headers() {
		w.Header().Set(name, value)
	}
	w.Header().Set("Content-Type", "application/json")
	// An empty list is a valid answer: nothing contributes to this tile.
	_ = json.NewEncoder(w).Encode(sourcesResponse{Sources: sources})
	return http.StatusOK
}

func renderHandler(registry *catalog.Registry, renderer Renderer, key keyFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		code := handleRender(registry, renderer, key, w, r)
		observeRequest("render", code, start)
	}
}

func handleRender(registry *catalog.Registry, renderer Renderer, key keyFunc, w http.ResponseWriter, r *http.Request) int {
	if renderer == nil {
		return writeError(w, http.StatusNotImplemented, errors.New("no renderer configured"))
	}
	k, err := key(r)
	if err != nil {
		return writeError(w, http.StatusBadRequest, err)
	}
	tile, err := parseTile(r)
	if err != nil {
		return writeError(w, http.StatusBadRequest, err)
	}

	cat, err := registry.Resolve(r.Context(), k)
	if err != nil {
		return writeCatalogError(w, err)
	}

	headers, data, err := renderer.RenderTile(r.Context(), tile, cat, 1)
	if err != nil {
		return writeError(w, http.StatusInternalServerError, err)
	}
	for name, values := range headers {
		for _, v := range values {
			w.Header().Add(name, v)
		}
	}
	for name, value := range cat.Headers() {
		w.Header().Set(name, value)
	}
	_, _ = w.Write(data)
	return http.StatusOK
}

// tileQuery translates a tile address into the bounds and nominal resolution
// its sources are resolved at. Bounds go out in Web Mercator so the catalog's
// reprojection path is the same one arbitrary callers exercise.
func tileQuery(tile maptile.Tile) (geo.Bound, []float64, error) {
	b := tile.Bound()
	wgs := geo.NewBound(b.Min[0], b.Min[1], b.Max[0], b.Max[1], geo.WGS84)
	merc, err := geo.Reproject(wgs, geo.WebMercator)
	if err != nil {
		return geo.Bound{}, nil, err
	}
	return merc, []float64{geo.ResolutionForZoom(int(tile.Z))}, nil
}

func parseTile(r *http.Request) (maptile.Tile, error) {
	z, err := strconv.ParseUint(chi.URLParam(r, "z"), 10, 32)
	if err != nil {
		return maptile.Tile{}, fmt.Errorf("invalid zoom: %w", err)
	}
	x, err := strconv.ParseUint(chi.URLParam(r, "x"), 10, 32)
	if err != nil {
		return maptile.Tile{}, fmt.Errorf("invalid tile x: %w", err)
	}
	y, err := strconv.ParseUint(chi.URLParam(r, "y"), 10, 32)
	if err != nil {
		return maptile.Tile{}, fmt.Errorf("invalid tile y: %w", err)
	}

	tile := maptile.New(uint32(x), uint32(y), maptile.Zoom(z))
	if !tile.Valid() {
		return maptile.Tile{}, fmt.Errorf("tile %d/%d/%d out of range", z, x, y)
	}
	return tile, nil
}

// tileURLTemplate rebuilds the request URL as a {z}/{x}/{y} template for the
// TileJSON tiles array.
func tileURLTemplate(r *http.Request) string {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if fwd := r.Header.Get("X-Forwarded-Proto"); fwd != "" {
		scheme = fwd
	}
	host := r.Header.Get("X-Forwarded-Host")
	if host == "" {
		host = r.Host
	}
	return fmt.Sprintf("%s://%s%s{z}/{x}/{y}.png", scheme, host, r.URL.Path)
}

func writeCatalogError(w http.ResponseWriter, err error) int {
	switch {
	case errors.Is(err, catalog.ErrUnavailable):
		return writeError(w, http.StatusNotFound, err)
	case errors.Is(err, geo.ErrReprojection):
		return writeError(w, http.StatusBadRequest, err)
	default:
		return writeError(w, http.StatusInternalServerError, err)
	}
}

func writeError(w http.ResponseWriter, code int, err error) int {
	if code >= http.StatusInternalServerError {
		slog.Error("request failed", "error", err)
	}
	http.Error(w, err.Error(), code)
	return code
}

func observeRequest(route string, code int, start time.Time) {
	requestDuration.WithLabelValues(route, strconv.Itoa(code)).Observe(time.Since(start).Seconds())
}

func recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				slog.Error("handler panic", "panic", rec, "path", r.URL.Path)
				http.Error(w, "internal error", http.StatusInternalServerError)
			}
		}()
		next.ServeHTTP(w, r)
	})
}
