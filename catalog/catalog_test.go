package catalog

import (
	"context"
	"fmt"
	"math"
	"sync"

	"github.com/openaerialmap/dynamic-tiler/fetch"
)

// stubFetcher serves canned documents and counts fetches per URI.
type stubFetcher struct {
	mu    sync.Mutex
	docs  map[string]string
	calls map[string]int
}

func newStubFetcher(docs map[string]string) *stubFetcher {
	return &stubFetcher{docs: docs, calls: map[string]int{}}
}

func (f *stubFetcher) Fetch(ctx context.Context, uri string) ([]byte, error) {
	f.mu.Lock()
	f.calls[uri]++
	f.mu.Unlock()

	doc, ok := f.docs[uri]
	if !ok {
		return nil, fmt.Errorf("%w: %s", fetch.ErrNotFound, uri)
	}
	return []byte(doc), nil
}

func (f *stubFetcher) callCount(uri string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[uri]
}

func (f *stubFetcher) totalCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		n += c
	}
	return n
}

func floatEquals(a, b float64) bool {
	return math.Abs(a-b) < 1e-9
}
