// Package fetch retrieves raw metadata documents by URI. Two schemes are
// supported: s3:// object storage references and plain http(s) URLs.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"gocloud.dev/blob"
	_ "gocloud.dev/blob/s3blob"
	"gocloud.dev/gcerrors"
)

var (
	// ErrNotFound indicates the document does not exist at the given URI.
	ErrNotFound = errors.New("document not found")

	// ErrScheme indicates the URI scheme is not one the client can serve.
	ErrScheme = errors.New("unrecognized URI scheme")
)

// Fetcher returns the raw bytes stored at a URI.
type Fetcher interface {
	Fetch(ctx context.Context, uri string) ([]byte, error)
}

// Client implements Fetcher over HTTP(S) and S3. Bucket handles are opened on
// first use and reused for the life of the client. The zero value is not
// usable; construct with NewClient.
type Client struct {
	httpc *http.Client

	mu      sync.Mutex
	buckets map[string]*blob.Bucket
}

// NewClient builds a Client with a tuned outbound HTTP transport shared by
// metadata fetches and raster header probes. A non-positive timeout falls
// back to 30 seconds.
func NewClient(timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           (&net.Dialer{Timeout: 5 * time.Second, KeepAlive: 30 * time.Second}).DialContext,
		MaxIdleConns:          256,
		MaxIdleConnsPerHost:   128,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   5 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
	return &Client{
		httpc:   &http.Client{Transport: transport, Timeout: timeout},
		buckets: make(map[string]*blob.Bucket),
	}
}

// HTTPClient exposes the underlying HTTP client so collaborators performing
// their own range requests (the raster header probe) reuse its transport.
func (c *Client) HTTPClient() *http.Client {
	return c.httpc
}

// Fetch retrieves the document at uri. Missing documents fail with ErrNotFound
// and URIs outside the supported schemes fail with ErrScheme.
func (c *Client) Fetch(ctx context.Context, uri string) ([]byte, error) {
	switch {
	case strings.HasPrefix(uri, "s3://"):
		body, err := c.fetchBlob(ctx, uri)
		observeFetch("s3", err)
		return body, err
	case strings.HasPrefix(uri, "http://"), strings.HasPrefix(uri, "https://"):
		body, err := c.fetchHTTP(ctx, uri)
		observeFetch("http", err)
		return body, err
	}
	return nil, fmt.Errorf("%w: %s", ErrScheme, uri)
}

// Bucket returns a shared handle on the named S3 bucket.
func (c *Client) Bucket(ctx context.Context, name string) (*blob.Bucket, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if b, ok := c.buckets[name]; ok {
		return b, nil
	}
	b, err := blob.OpenBucket(ctx, "s3://"+name)
	if err != nil {
		return nil, fmt.Errorf("failed to open bucket %s: %w", name, err)
	}
	c.buckets[name] = b
	return b, nil
}

// Close releases all bucket handles.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var firstErr error
	for name, b := range c.buckets {
		if err := b.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("failed to close bucket %s: %w", name, err)
		}
		delete(c.buckets, name)
	}
	return firstErr
}

func (c *Client) fetchBlob(ctx context.Context, uri string) ([]byte, error) {
	bucketName, key, err := splitS3URI(uri)
	if err != nil {
		return nil, err
	}

	bucket, err := c.Bucket(ctx, bucketName)
	if err != nil {
		return nil, err
	}

	body, err := bucket.ReadAll(ctx, key)
	if err != nil {
		if gcerrors.Code(err) == gcerrors.NotFound {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, uri)
		}
		return nil, fmt.Errorf("failed to read %s: %w", uri, err)
	}
	return body, nil
}

func (c *Client) fetchHTTP(ctx context.Context, uri string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, uri, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request for %s: %w", uri, err)
	}

	resp, err := c.httpc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request for %s failed: %w", uri, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone:
		return nil, fmt.Errorf("%w: %s", ErrNotFound, uri)
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("bad status fetching %s: %s", uri, resp.Status)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read body of %s: %w", uri, err)
	}
	return body, nil
}

// splitS3URI splits s3://bucket/key into its bucket and key parts.
func splitS3URI(uri string) (bucket, key string, err error) {
	rest := strings.TrimPrefix(uri, "s3://")
	bucket, key, ok := strings.Cut(rest, "/")
	if !ok || bucket == "" || key == "" {
		return "", "", fmt.Errorf("malformed s3 URI: %s", uri)
	}
	return bucket, key, nil
}
