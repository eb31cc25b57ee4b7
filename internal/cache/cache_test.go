package cache

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// TestGetOrSetBuildsOnce verifies the at-most-one-builder property:
// under concurrent callers for the same key, the create function runs
// exactly once and every caller observes the same artifact bytes.
func TestGetOrSetBuildsOnce(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	ctx := context.Background()

	var builds int32
	create := func(tmp string) error {
		atomic.AddInt32(&builds, 1)
		// Give other goroutines a chance to pile onto the lock.
		time.Sleep(50 * time.Millisecond)
		return os.WriteFile(tmp, []byte("artifact"), 0o644)
	}

	const callers = 8
	var wg sync.WaitGroup
	errs := make([]error, callers)
	contents := make([][]byte, callers)

	for i := 0; i < callers; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			e, err := GetOrSet(ctx, dir, "k1", create, Options{})
			if err != nil {
				errs[i] = err
				return
			}
			defer e.Close()
			contents[i], errs[i] = os.ReadFile(e.Path())
		}()
	}
	wg.Wait()

	for i := 0; i < callers; i++ {
		if errs[i] != nil {
			t.Fatalf("caller %d: %v", i, errs[i])
		}
		if string(contents[i]) != "artifact" {
			t.Fatalf("caller %d read %q", i, contents[i])
		}
	}
	if n := atomic.LoadInt32(&builds); n != 1 {
		t.Fatalf("create ran %d times, want 1", n)
	}

	// At completion the artifact exists with no temp sibling.
	cachePath, _, tempPath := EntryPaths(dir, "k1")
	if _, err := os.Stat(cachePath); err != nil {
		t.Fatalf("cache file: %v", err)
	}
	if _, err := os.Stat(tempPath); !os.IsNotExist(err) {
		t.Fatalf("temp file still present: %v", err)
	}
}

// TestGetOrSetCreateFailure verifies that a failed build cleans up and
// leaves the key absent for the next caller.
func TestGetOrSetCreateFailure(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	ctx := context.Background()

	boom := os.ErrPermission
	_, err := GetOrSet(ctx, dir, "bad", func(tmp string) error {
		if werr := os.WriteFile(tmp, []byte("partial"), 0o644); werr != nil {
			return werr
		}
		return boom
	}, Options{})
	if err == nil {
		t.Fatal("expected error from failing create")
	}

	cachePath, _, tempPath := EntryPaths(dir, "bad")
	if _, err := os.Stat(cachePath); !os.IsNotExist(err) {
		t.Fatal("cache file should not exist after failed build")
	}
	if _, err := os.Stat(tempPath); !os.IsNotExist(err) {
		t.Fatal("temp file should be cleaned after failed build")
	}

	// The key is rebuildable.
	e, err := GetOrSet(ctx, dir, "bad", func(tmp string) error {
		return os.WriteFile(tmp, []byte("ok"), 0o644)
	}, Options{})
	if err != nil {
		t.Fatalf("rebuild: %v", err)
	}
	defer e.Close()
	b, _ := os.ReadFile(e.Path())
	if string(b) != "ok" {
		t.Fatalf("rebuild content = %q", b)
	}
}

// TestGetOrSetInvalidation verifies that Invalid forces a rebuild and
// replaces the prior artifact.
func TestGetOrSetInvalidation(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	ctx := context.Background()

	write := func(content string) CreateFn {
		return func(tmp string) error { return os.WriteFile(tmp, []byte(content), 0o644) }
	}

	e, err := GetOrSet(ctx, dir, "k", write("v1"), Options{})
	if err != nil {
		t.Fatal(err)
	}
	e.Close()

	e, err = GetOrSet(ctx, dir, "k", write("v2"), Options{Invalid: true})
	if err != nil {
		t.Fatal(err)
	}
	defer e.Close()

	b, _ := os.ReadFile(e.Path())
	if string(b) != "v2" {
		t.Fatalf("after invalidation content = %q, want v2", b)
	}
}

// TestGetAbsent verifies the read-only form returns nil for an absent
// key instead of building.
func TestGetAbsent(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	e, err := Get(dir, "missing")
	if err != nil {
		t.Fatal(err)
	}
	if e != nil {
		e.Close()
		t.Fatal("expected nil entry for absent key")
	}
}

// TestSweepDirEvictsLRU verifies eviction deletes oldest-accessed
// entries until the directory is under the low-water mark, and leaves
// in-build entries alone.
func TestSweepDirEvictsLRU(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	ctx := context.Background()

	mk := func(key string, size int, age time.Duration) {
		cachePath, lockPath, _ := EntryPaths(dir, key)
		if err := os.WriteFile(cachePath, make([]byte, size), 0o644); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(lockPath, nil, 0o644); err != nil {
			t.Fatal(err)
		}
		ts := time.Now().Add(-age)
		if err := os.Chtimes(lockPath, ts, ts); err != nil {
			t.Fatal(err)
		}
	}

	mk("old", 4096, 3*time.Hour)
	mk("mid", 4096, 2*time.Hour)
	mk("new", 4096, time.Minute)

	// An entry mid-build must never be evicted regardless of age.
	_, buildingLock, buildingTemp := EntryPaths(dir, "building")
	if err := os.WriteFile(buildingTemp, make([]byte, 4096), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(buildingLock, nil, 0o644); err != nil {
		t.Fatal(err)
	}
	old := time.Now().Add(-24 * time.Hour)
	os.Chtimes(buildingLock, old, old)

	// Ceiling below current usage (12 KiB of finished artifacts);
	// low water = 33% of 8 KiB ~ 2.7 KiB so two entries must go.
	if err := SweepDir(ctx, dir, 8192, nil); err != nil {
		t.Fatal(err)
	}

	exists := func(key string) bool {
		p, _, _ := EntryPaths(dir, key)
		_, err := os.Stat(p)
		return err == nil
	}
	if exists("old") || exists("mid") {
		t.Fatal("LRU entries should have been evicted")
	}
	if !exists("new") {
		t.Fatal("most recent entry should survive")
	}
	if _, err := os.Stat(buildingTemp); err != nil {
		t.Fatal("in-build temp must not be removed by eviction")
	}
}

// TestSweepDirUnderCeiling verifies a directory below the ceiling is
// left untouched.
func TestSweepDirUnderCeiling(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	cachePath, lockPath, _ := EntryPaths(dir, "small")
	os.WriteFile(cachePath, []byte("x"), 0o644)
	os.WriteFile(lockPath, nil, 0o644)

	if err := SweepDir(context.Background(), dir, 1<<20, nil); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(cachePath); err != nil {
		t.Fatal("entry under ceiling must survive a sweep")
	}
}

// TestEntryPaths pins the on-disk layout, which is shared with external
// tooling and must not drift.
func TestEntryPaths(t *testing.T) {
	t.Parallel()

	c, l, tmp := EntryPaths("/cache/datasets", "abc123")
	if c != filepath.Join("/cache/datasets", "abc123.cache") ||
		l != filepath.Join("/cache/datasets", "abc123.lock") ||
		tmp != filepath.Join("/cache/datasets", "abc123.temp") {
		t.Fatalf("unexpected layout: %s %s %s", c, l, tmp)
	}
}
