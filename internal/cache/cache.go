// Package cache implements the cross-process, content-addressed cache
// used for canonical dataset copies, augmented artifacts, and user
// uploads.
//
// Every cache lives in a directory; an entry with key K has three
// paths:
//
//	K.cache  the finished artifact (file or directory)
//	K.lock   the lock file; its mtime doubles as the access timestamp
//	K.temp   the builder's scratch path, present only during a build
//
// Locking uses advisory OS file locks (flock) via gofrs/flock: shared
// locks for readers, an exclusive lock for the single builder. OS locks
// are released when the holding process dies, so a crashed builder
// never wedges the key; the leftover K.temp is swept by the next
// builder.
//
// Protocol invariant: K.cache exists only while no builder holds the
// exclusive lock, and readers holding shared locks prevent eviction
// from deleting the entry.
package cache

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"

	"auctus/internal/metrics"
)

// CreateFn builds the artifact at tmpPath. On success the cache renames
// tmpPath to the final K.cache path; the function must have fully
// written and closed the artifact before returning.
type CreateFn func(tmpPath string) error

// Entry is a cached artifact held under a shared lock. The path stays
// valid until Close releases the lock.
type Entry struct {
	path string
	lock *flock.Flock
}

// Path returns the location of the cached artifact.
func (e *Entry) Path() string { return e.path }

// Close releases the shared lock. Safe to call once.
func (e *Entry) Close() error {
	if e.lock == nil {
		return nil
	}
	l := e.lock
	e.lock = nil
	return l.Unlock()
}

// EntryPaths returns the artifact, lock, and temp paths for a key.
func EntryPaths(dir, key string) (cachePath, lockPath, tempPath string) {
	base := filepath.Join(dir, key)
	return base + ".cache", base + ".lock", base + ".temp"
}

// Options tweaks a GetOrSet call.
type Options struct {
	// Invalid forces a rebuild even when the artifact exists.
	Invalid bool
}

// Get returns the entry for key under a shared lock, or nil if the
// artifact is absent. It never builds.
func Get(dir, key string) (*Entry, error) {
	cachePath, lockPath, _ := EntryPaths(dir, key)

	l := flock.New(lockPath)
	if err := l.RLock(); err != nil {
		return nil, fmt.Errorf("cache: shared lock %s: %w", key, err)
	}
	if _, err := os.Stat(cachePath); err != nil {
		if uerr := l.Unlock(); uerr != nil {
			return nil, uerr
		}
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	touchAccess(lockPath)
	return &Entry{path: cachePath, lock: l}, nil
}

// GetOrSet returns the entry for key under a shared lock, building it
// with create if absent. Under concurrent callers for the same key,
// create runs exactly once; every caller observes the same artifact.
func GetOrSet(ctx context.Context, dir, key string, create CreateFn, opts Options) (*Entry, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	cachePath, lockPath, tempPath := EntryPaths(dir, key)
	label := metrics.Labels{"cache": filepath.Base(dir)}

	invalid := opts.Invalid
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		// Fast path: shared lock, artifact present.
		if !invalid {
			shared := flock.New(lockPath)
			if err := shared.RLock(); err != nil {
				return nil, fmt.Errorf("cache: shared lock %s: %w", key, err)
			}
			if _, err := os.Stat(cachePath); err == nil {
				touchAccess(lockPath)
				metrics.IncCounter(metrics.CacheHits, 1, label)
				return &Entry{path: cachePath, lock: shared}, nil
			}
			if err := shared.Unlock(); err != nil {
				return nil, err
			}
		}

		// Slow path: exclusive lock, build.
		excl := flock.New(lockPath)
		if err := excl.Lock(); err != nil {
			return nil, fmt.Errorf("cache: exclusive lock %s: %w", key, err)
		}

		// Re-check under the exclusive lock: another builder may have
		// won the race between our shared release and here.
		if _, err := os.Stat(cachePath); err == nil {
			if invalid {
				if err := os.RemoveAll(cachePath); err != nil {
					excl.Unlock()
					return nil, err
				}
			} else {
				if err := excl.Unlock(); err != nil {
					return nil, err
				}
				continue
			}
		}

		metrics.IncCounter(metrics.CacheMisses, 1, label)

		// A stale temp from a dead builder is safe to remove: the
		// exclusive lock proves no live builder owns it.
		if err := os.RemoveAll(tempPath); err != nil {
			excl.Unlock()
			return nil, err
		}

		if err := create(tempPath); err != nil {
			os.RemoveAll(tempPath)
			os.Remove(lockPath)
			excl.Unlock()
			return nil, err
		}

		if err := os.Rename(tempPath, cachePath); err != nil {
			os.RemoveAll(tempPath)
			excl.Unlock()
			return nil, fmt.Errorf("cache: finalize %s: %w", key, err)
		}

		if err := excl.Unlock(); err != nil {
			return nil, err
		}

		// Loop so the caller observes the entry under a shared lock,
		// exactly like a reader that arrived late.
		invalid = false
	}
}

// touchAccess bumps the lock file mtime, which eviction uses as the
// last-access timestamp. Best effort.
func touchAccess(lockPath string) {
	now := time.Now()
	_ = os.Chtimes(lockPath, now, now)
}
