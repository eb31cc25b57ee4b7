// Package materialize reconstitutes dataset bytes: it resolves a
// materialization descriptor to a canonical CSV through the cache, and
// streams results out through format writers.
package materialize

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"go.uber.org/zap"

	"auctus/internal/cache"
	"auctus/internal/convert"
	"auctus/internal/objstore"
	"auctus/internal/types"
)

// ErrDatasetTooBig reports that a materialization exceeded the byte
// cap. The profiling worker treats it as terminal: the dataset is not
// indexed but not retried either.
var ErrDatasetTooBig = errors.New("materialize: dataset exceeds size cap")

// ObjectStore is the slice of the object store client used here.
type ObjectStore interface {
	Get(ctx context.Context, id string) (io.ReadCloser, error)
}

// Options tweaks one materialization.
type Options struct {
	// Invalid forces a rebuild of the cached canonical copy.
	Invalid bool
}

// Materializer resolves descriptors to canonical CSVs.
type Materializer struct {
	cacheDir string
	store    ObjectStore
	maxBytes int64
	log      *zap.SugaredLogger
}

// New builds a materializer. store may be nil when no object store is
// deployed; maxBytes <= 0 disables the size cap.
func New(cacheDir string, store ObjectStore, maxBytes int64, log *zap.SugaredLogger) *Materializer {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Materializer{
		cacheDir: cacheDir,
		store:    store,
		maxBytes: maxBytes,
		log:      log,
	}
}

// DirectURL returns the URL a CSV download can redirect to, or "" when
// the descriptor needs local work (conversion chain, other formats).
func DirectURL(mat *types.Materialization) string {
	if mat.DirectURL != "" && len(mat.Convert) == 0 {
		return mat.DirectURL
	}
	return ""
}

// GetCSV returns the canonical CSV for a dataset under a shared cache
// lock. The caller must Close the entry when done with the path.
//
// Resolution order: canonical copy in the object store, then the
// source-specific fetcher for the descriptor identifier, then the
// recorded conversion chain on whatever was fetched.
func (m *Materializer) GetCSV(ctx context.Context, id string, mat *types.Materialization, opts Options) (*cache.Entry, error) {
	key, err := types.HashJSON(map[string]any{"id": id})
	if err != nil {
		return nil, err
	}
	create := func(tmpPath string) error {
		return m.build(ctx, id, mat, tmpPath)
	}
	return cache.GetOrSet(ctx, m.cacheDir, key, create, cache.Options{Invalid: opts.Invalid})
}

// Download materializes a dataset and streams it through a format
// writer: metadata first, then the canonical CSV rows.
func (m *Materializer) Download(ctx context.Context, meta *types.DatasetMetadata, w Writer, opts Options) error {
	entry, err := m.GetCSV(ctx, meta.ID, &meta.Materialize, opts)
	if err != nil {
		return err
	}
	defer entry.Close()

	if err := w.SetMetadata(meta.ID, meta); err != nil {
		return err
	}
	f, err := os.Open(entry.Path())
	if err != nil {
		return err
	}
	defer f.Close()

	out, err := w.OpenFile("learningData.csv")
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, f); err != nil {
		out.Close()
		return err
	}
	if err := out.Close(); err != nil {
		return err
	}
	return w.Finish()
}

// build writes the canonical CSV for the dataset at tmpPath.
func (m *Materializer) build(ctx context.Context, id string, mat *types.Materialization, tmpPath string) error {
	raw := tmpPath + ".raw"
	defer os.Remove(raw)

	if err := m.fetchRaw(ctx, id, mat, raw); err != nil {
		return err
	}

	// A recorded chain is replayed verbatim so re-materialization is
	// byte-equal; a descriptor without one goes through detection, which
	// appends the detected ops in place.
	var (
		converted string
		err       error
	)
	if len(mat.Convert) > 0 {
		converted, err = convert.Apply(raw, mat.Convert)
	} else {
		converted, err = convert.DetectAndConvert(raw, mat)
	}
	if err != nil {
		return err
	}
	if converted == raw {
		return os.Rename(raw, tmpPath)
	}
	defer os.Remove(converted)
	return os.Rename(converted, tmpPath)
}

// fetchRaw obtains the source bytes: object store copy first, then the
// registered fetcher, enforcing the size cap either way.
func (m *Materializer) fetchRaw(ctx context.Context, id string, mat *types.Materialization, dest string) error {
	if m.store != nil {
		rc, err := m.store.Get(ctx, id)
		if err == nil {
			defer rc.Close()
			m.log.Debugw("materializing from object store", "dataset", id)
			return m.copyCapped(rc, dest)
		}
		if !errors.Is(err, objstore.ErrNotExist) {
			m.log.Warnw("object store lookup failed", "dataset", id, "error", err)
		}
	}

	fetcher, err := fetcherFor(mat.Identifier)
	if err != nil {
		return err
	}
	m.log.Debugw("materializing from source", "dataset", id, "identifier", mat.Identifier)

	f, err := os.Create(dest)
	if err != nil {
		return err
	}
	cw := &cappedWriter{w: f, remaining: m.capOrMax()}
	ferr := fetcher.Fetch(ctx, mat, cw)
	if cerr := f.Close(); ferr == nil {
		ferr = cerr
	}
	if cw.exceeded {
		return fmt.Errorf("%w: dataset %s", ErrDatasetTooBig, id)
	}
	return ferr
}

func (m *Materializer) copyCapped(r io.Reader, dest string) error {
	f, err := os.Create(dest)
	if err != nil {
		return err
	}
	cw := &cappedWriter{w: f, remaining: m.capOrMax()}
	_, cerr := io.Copy(cw, r)
	if err := f.Close(); cerr == nil {
		cerr = err
	}
	if cw.exceeded {
		return ErrDatasetTooBig
	}
	return cerr
}

func (m *Materializer) capOrMax() int64 {
	if m.maxBytes <= 0 {
		return 1 << 62
	}
	return m.maxBytes
}

// cappedWriter stops accepting bytes past the cap and remembers the
// overflow instead of failing mid-write, so the caller can report one
// clean error.
type cappedWriter struct {
	w         io.Writer
	remaining int64
	exceeded  bool
}

func (c *cappedWriter) Write(p []byte) (int, error) {
	if c.exceeded {
		return 0, ErrDatasetTooBig
	}
	if int64(len(p)) > c.remaining {
		c.exceeded = true
		return 0, ErrDatasetTooBig
	}
	n, err := c.w.Write(p)
	c.remaining -= int64(n)
	return n, err
}
