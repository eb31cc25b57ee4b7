package cache

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/gofrs/flock"
	"go.uber.org/zap"

	"auctus/internal/metrics"
)

// lowWaterFraction is the fill level a sweep shrinks a directory to
// once it exceeds the configured ceiling.
const lowWaterFraction = 0.33

// lockAcquireTimeout bounds how long eviction waits for the exclusive
// lock on a victim before skipping it.
const lockAcquireTimeout = 2 * time.Second

type entryInfo struct {
	key      string
	size     int64
	accessed time.Time
	building bool
}

// Sweeper periodically trims cache directories to a byte ceiling,
// deleting least-recently-used entries first and never touching an
// entry whose lock is held or whose builder is mid-flight.
type Sweeper struct {
	Dirs     []string
	MaxBytes int64
	Interval time.Duration
	Log      *zap.SugaredLogger
}

// Run sweeps on a ticker until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) error {
	interval := s.Interval
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	t := time.NewTicker(interval)
	defer t.Stop()

	for {
		for _, dir := range s.Dirs {
			if err := SweepDir(ctx, dir, s.MaxBytes, s.Log); err != nil {
				s.Log.Warnw("cache sweep failed", "dir", dir, "error", err)
			}
		}
		select {
		case <-t.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// SweepDir evicts LRU entries from dir until its total size is at or
// below lowWaterFraction of maxBytes, provided the directory currently
// exceeds maxBytes. Locked and in-build entries are skipped.
func SweepDir(ctx context.Context, dir string, maxBytes int64, log *zap.SugaredLogger) error {
	entries, total, err := scanDir(dir)
	if err != nil {
		return err
	}

	label := metrics.Labels{"cache": filepath.Base(dir)}
	metrics.SetGauge(metrics.CacheBytes, float64(total), label)
	metrics.SetGauge(metrics.CacheEntries, float64(len(entries)), label)

	if total <= maxBytes {
		return nil
	}
	target := int64(float64(maxBytes) * lowWaterFraction)

	// Oldest access first.
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].accessed.Before(entries[j].accessed)
	})

	for _, e := range entries {
		if total <= target {
			break
		}
		if e.building {
			continue
		}
		ok, err := tryEvict(ctx, dir, e.key)
		if err != nil {
			if log != nil {
				log.Warnw("cache evict failed", "dir", dir, "key", e.key, "error", err)
			}
			continue
		}
		if !ok {
			continue
		}
		total -= e.size
		metrics.IncCounter(metrics.CacheEvictions, 1, label)
		if log != nil {
			log.Infow("cache evicted", "dir", dir, "key", e.key, "size", e.size)
		}
	}

	metrics.SetGauge(metrics.CacheBytes, float64(total), label)
	return nil
}

// tryEvict deletes one entry under its exclusive lock. Returns false
// when the lock could not be acquired within the timeout (a reader or
// builder holds it).
func tryEvict(ctx context.Context, dir, key string) (bool, error) {
	cachePath, lockPath, tempPath := EntryPaths(dir, key)

	lctx, cancel := context.WithTimeout(ctx, lockAcquireTimeout)
	defer cancel()

	l := flock.New(lockPath)
	ok, err := l.TryLockContext(lctx, 50*time.Millisecond)
	if err != nil || !ok {
		return false, nil
	}
	defer l.Unlock()

	// A temp that appeared since the scan means a builder raced in.
	if _, err := os.Stat(tempPath); err == nil {
		return false, nil
	}
	if err := os.RemoveAll(cachePath); err != nil {
		return false, err
	}
	// The lock file goes too so the key starts from a clean slate.
	if err := os.Remove(lockPath); err != nil && !os.IsNotExist(err) {
		return false, err
	}
	return true, nil
}

// scanDir classifies the entries of one cache directory and sums their
// artifact sizes.
func scanDir(dir string) ([]entryInfo, int64, error) {
	names, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, 0, nil
		}
		return nil, 0, err
	}

	byKey := make(map[string]*entryInfo)
	var total int64

	for _, de := range names {
		name := de.Name()
		switch {
		case strings.HasSuffix(name, ".cache"):
			key := strings.TrimSuffix(name, ".cache")
			info := getEntry(byKey, key)
			size := pathSize(filepath.Join(dir, name))
			info.size = size
			total += size
		case strings.HasSuffix(name, ".lock"):
			key := strings.TrimSuffix(name, ".lock")
			info := getEntry(byKey, key)
			if fi, err := de.Info(); err == nil {
				info.accessed = fi.ModTime()
			}
		case strings.HasSuffix(name, ".temp"):
			key := strings.TrimSuffix(name, ".temp")
			getEntry(byKey, key).building = true
		}
	}

	out := make([]entryInfo, 0, len(byKey))
	for _, e := range byKey {
		if e.size == 0 && !e.building {
			continue // lock file with no artifact
		}
		out = append(out, *e)
	}
	return out, total, nil
}

func getEntry(m map[string]*entryInfo, key string) *entryInfo {
	if e, ok := m[key]; ok {
		return e
	}
	e := &entryInfo{key: key}
	m[key] = e
	return e
}

// pathSize returns the size of a file, or the recursive size of a
// directory artifact (bundle outputs are directories).
func pathSize(path string) int64 {
	fi, err := os.Stat(path)
	if err != nil {
		return 0
	}
	if !fi.IsDir() {
		return fi.Size()
	}
	var total int64
	filepath.Walk(path, func(_ string, info os.FileInfo, err error) error {
		if err == nil && !info.IsDir() {
			total += info.Size()
		}
		return nil
	})
	return total
}
