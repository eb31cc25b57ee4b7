package materialize

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	"auctus/internal/types"
)

// Fetcher streams a dataset's raw bytes from its source into dest.
// Source-specific settings travel in the descriptor's Extra map.
type Fetcher interface {
	Fetch(ctx context.Context, mat *types.Materialization, dest io.Writer) error
}

var (
	fetcherMu sync.RWMutex
	fetchers  = map[string]Fetcher{}
)

// RegisterFetcher registers a fetcher under a source kind. Descriptor
// identifiers select a fetcher by longest-prefix match on the kind, so
// "url" serves both "url" and "url.socrata". Double registration is a
// programming error and panics.
func RegisterFetcher(kind string, f Fetcher) {
	if kind == "" {
		panic("materialize: empty fetcher kind")
	}
	if f == nil {
		panic("materialize: nil fetcher for kind " + kind)
	}
	fetcherMu.Lock()
	defer fetcherMu.Unlock()
	if _, dup := fetchers[kind]; dup {
		panic("materialize: fetcher already registered for kind " + kind)
	}
	fetchers[kind] = f
}

// fetcherFor resolves a descriptor identifier to a fetcher.
func fetcherFor(identifier string) (Fetcher, error) {
	fetcherMu.RLock()
	defer fetcherMu.RUnlock()

	if f, ok := fetchers[identifier]; ok {
		return f, nil
	}
	best := ""
	for kind := range fetchers {
		if strings.HasPrefix(identifier, kind+".") && len(kind) > len(best) {
			best = kind
		}
	}
	if best != "" {
		return fetchers[best], nil
	}
	return nil, fmt.Errorf("materialize: no fetcher for identifier %q", identifier)
}
