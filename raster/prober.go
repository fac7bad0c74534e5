package raster

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"gocloud.dev/blob"
)

// BucketOpener yields shared handles on object-storage buckets.
type BucketOpener interface {
	Bucket(ctx context.Context, name string) (*blob.Bucket, error)
}

// Prober opens raster headers by URI, picking a range reader per scheme.
type Prober struct {
	HTTPClient *http.Client
	Buckets    BucketOpener
}

// Probe fetches and parses the header of the raster at uri.
func (p *Prober) Probe(ctx context.Context, uri string) (*Header, error) {
	switch {
	case strings.HasPrefix(uri, "s3://"):
		if p.Buckets == nil {
			return nil, fmt.Errorf("no bucket opener configured for %s", uri)
		}
		rest := strings.TrimPrefix(uri, "s3://")
		bucketName, key, ok := strings.Cut(rest, "/")
		if !ok || bucketName == "" || key == "" {
			return nil, fmt.Errorf("malformed s3 URI: %s", uri)
		}
		bucket, err := p.Buckets.Bucket(ctx, bucketName)
		if err != nil {
			return nil, err
		}
		r, err := NewBlobReader(ctx, bucket, key)
		if err != nil {
			return nil, err
		}
		return Open(r)
	case strings.HasPrefix(uri, "http://"), strings.HasPrefix(uri, "https://"):
		r, err := NewHTTPRangeReader(ctx, uri, p.HTTPClient)
		if err != nil {
			return nil, err
		}
		return Open(r)
	}
	return nil, fmt.Errorf("unrecognized raster URI scheme: %s", uri)
}
