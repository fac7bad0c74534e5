package catalog

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/karlseguin/ccache/v3"
	"golang.org/x/sync/singleflight"

	"github.com/openaerialmap/dynamic-tiler/fetch"
)

// Key identifies one constructible catalog. Either the scene fields or the
// remote fields are set, never both.
type Key struct {
	SceneID  string
	SceneIdx int
	ImageID  string

	RemoteKind string
	RemoteID   string
}

// String returns the canonical cache key. Field values come from URL path
// segments so a field separator that cannot appear inside them is enough.
func (k Key) String() string {
	if k.RemoteKind != "" {
		return "remote\x00" + k.RemoteKind + "\x00" + k.RemoteID
	}
	return fmt.Sprintf("scene\x00%s\x00%d\x00%s", k.SceneID, k.SceneIdx, k.ImageID)
}

// RegistryConfig carries the store layout and construction tuning for a
// Registry.
type RegistryConfig struct {
	// Bucket is the object-storage bucket holding scene and image metadata.
	Bucket string
	// Prefix is the normalized key prefix inside Bucket: empty or ending
	// with a slash, never starting with one.
	Prefix string
	// RemoteBaseURL is the external catalog service for remote keys.
	RemoteBaseURL string
	// SceneWorkers bounds concurrent child builds per scene.
	SceneWorkers int
	// CacheSize bounds how many constructed catalogs stay resident.
	CacheSize int64
	// CacheTTL is how long a constructed catalog is served before rebuild.
	CacheTTL time.Duration
}

// Registry memoizes catalog construction so repeated tile requests for the
// same scene reuse one built catalog. Errors are never cached; concurrent
// resolves of the same uncached key coordinate so exactly one build runs.
type Registry struct {
	cfg     RegistryConfig
	fetcher fetch.Fetcher
	prober  Prober

	cache    *ccache.Cache[Catalog]
	inflight singleflight.Group
}

// NewRegistry builds a registry over the given fetcher. prober may be nil,
// in which case image catalogs rely on declared metadata only.
func NewRegistry(cfg RegistryConfig, fetcher fetch.Fetcher, prober Prober) *Registry {
	size := cfg.CacheSize
	if size <= 0 {
		size = 512
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = time.Hour
	}
	if cfg.SceneWorkers < 0 {
		cfg.SceneWorkers = 0
	}
	return &Registry{
		cfg:     cfg,
		fetcher: fetcher,
		prober:  prober,
		cache:   ccache.New(ccache.Configure[Catalog]().MaxSize(size)),
	}
}

// Resolve returns the catalog for key, building it on first use. All
// concurrent callers for the same uncached key observe the same result.
func (r *Registry) Resolve(ctx context.Context, key Key) (Catalog, error) {
	ck := key.String()

	item := r.cache.Get(ck)
	if item != nil && !item.Expired() {
		registryLookups.WithLabelValues("hit").Inc()
		return item.Value(), nil
	}

	v, err, _ := r.inflight.Do(ck, func() (interface{}, error) {
		// Re-check under the flight: a concurrent caller may have
		// populated the cache between our Get and Do.
		if item := r.cache.Get(ck); item != nil && !item.Expired() {
			return item.Value(), nil
		}

		// The build serves every caller waiting on this key, so it must
		// not die with whichever caller happened to start it. The
		// fetcher's own timeout still bounds it.
		c, err := r.build(context.WithoutCancel(ctx), key)
		if err != nil {
			return nil, err
		}
		r.cache.Set(ck, c, r.cfg.CacheTTL)
		return c, nil
	})
	if err != nil {
		registryLookups.WithLabelValues("error").Inc()
		return nil, err
	}
	registryLookups.WithLabelValues("miss").Inc()
	return v.(Catalog), nil
}

func (r *Registry) build(ctx context.Context, key Key) (Catalog, error) {
	switch {
	case key.RemoteKind != "":
		base := strings.TrimSuffix(r.cfg.RemoteBaseURL, "/")
		return NewRemoteCatalog(ctx, r.fetcher,
			fmt.Sprintf("%s/%s/%s/catalog.json", base, key.RemoteKind, key.RemoteID),
			fmt.Sprintf("%s/%s/%s/{z}/{x}/{y}.json", base, key.RemoteKind, key.RemoteID))

	case key.ImageID != "":
		uri := fmt.Sprintf("s3://%s/%s%s/%d/%s_meta.json",
			r.cfg.Bucket, r.cfg.Prefix, key.SceneID, key.SceneIdx, key.ImageID)
		return NewImageCatalog(ctx, r.fetcher, r.prober, uri)

	default:
		uri := fmt.Sprintf("s3://%s/%s%s/%d/scene.json",
			r.cfg.Bucket, r.cfg.Prefix, key.SceneID, key.SceneIdx)
		return NewSceneCatalog(ctx, r.fetcher, r.prober, uri,
			SceneOptions{Workers: r.cfg.SceneWorkers})
	}
}
