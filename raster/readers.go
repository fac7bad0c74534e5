package raster

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"

	"gocloud.dev/blob"
)

// remoteReader adapts a stateless positioned-read function into the
// io.ReadSeeker + io.ReaderAt pair the header parser needs. Sequential reads
// and seeks share a mutex-guarded offset; ReadAt is stateless and safe for
// concurrent use.
type remoteReader struct {
	size   int64
	readAt func(p []byte, off int64) (int, error)

	mu     sync.Mutex
	offset int64
}

func (r *remoteReader) Read(p []byte) (n int, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.offset >= r.size {
		return 0, io.EOF
	}
	n, err = r.boundedReadAt(p, r.offset)
	if n > 0 {
		r.offset += int64(n)
	}
	return n, err
}

func (r *remoteReader) Seek(offset int64, whence int) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var newOffset int64
	switch whence {
	case io.SeekStart:
		newOffset = offset
	case io.SeekCurrent:
		newOffset = r.offset + offset
	case io.SeekEnd:
		newOffset = r.size + offset
	default:
		return 0, errors.New("invalid whence")
	}
	if newOffset < 0 {
		return 0, errors.New("cannot seek to negative offset")
	}
	r.offset = newOffset
	return r.offset, nil
}

func (r *remoteReader) ReadAt(p []byte, off int64) (n int, err error) {
	return r.boundedReadAt(p, off)
}

func (r *remoteReader) boundedReadAt(p []byte, off int64) (n int, err error) {
	if len(p) == 0 {
		return 0, nil
	}
	if off < 0 {
		return 0, fmt.Errorf("invalid offset %d", off)
	}
	if off >= r.size {
		return 0, io.EOF
	}
	if max := r.size - off; int64(len(p)) > max {
		p = p[:max]
	}
	return r.readAt(p, off)
}

// NewHTTPRangeReader opens a remote file over HTTP byte-range requests. The
// server must advertise range support; the file size is taken from a HEAD
// request up front.
func NewHTTPRangeReader(ctx context.Context, url string, client *http.Client) (io.ReadSeeker, error) {
	if client == nil {
		client = http.DefaultClient
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create head request: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http head request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("bad status for http head request: %s", resp.Status)
	}
	if resp.Header.Get("Accept-Ranges") != "bytes" {
		return nil, errors.New("server does not accept byte range requests")
	}
	size := resp.ContentLength
	if size <= 0 {
		return nil, errors.New("could not determine content length or file is empty")
	}

	return &remoteReader{
		size: size,
		readAt: func(p []byte, off int64) (int, error) {
			req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
			if err != nil {
				return 0, err
			}
			req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", off, off+int64(len(p))-1))

			resp, err := client.Do(req)
			if err != nil {
				return 0, err
			}
			defer resp.Body.Close()

			if resp.StatusCode != http.StatusPartialContent {
				return 0, fmt.Errorf("expected status 206 Partial Content, got: %s", resp.Status)
			}
			return io.ReadFull(resp.Body, p)
		},
	}, nil
}

// NewBlobReader opens an object in a cloud bucket through range reads.
func NewBlobReader(ctx context.Context, bucket *blob.Bucket, key string) (io.ReadSeeker, error) {
	attrs, err := bucket.Attributes(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("failed to get attributes for key %s: %w", key, err)
	}

	return &remoteReader{
		size: attrs.Size,
		readAt: func(p []byte, off int64) (int, error) {
			reader, err := bucket.NewRangeReader(ctx, key, off, int64(len(p)), nil)
			if err != nil {
				return 0, fmt.Errorf("failed to create range reader: %w", err)
			}
			defer reader.Close()
			return io.ReadFull(reader, p)
		},
	}, nil
}
