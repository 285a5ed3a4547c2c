package registry

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCache(t *testing.T, maxSize int) *Cache {
	t.Helper()
	c, err := NewCache(CacheConfig{CacheDir: t.TempDir(), MaxSize: maxSize})
	require.NoError(t, err)
	return c
}

func v(t *testing.T, raw string) *semver.Version {
	t.Helper()
	version, err := semver.NewVersion(raw)
	require.NoError(t, err)
	return version
}

func constraint(t *testing.T, raw string) *semver.Constraints {
	t.Helper()
	c, err := semver.NewConstraint(raw)
	require.NoError(t, err)
	return c
}

func TestCacheStoreAndGet(t *testing.T) {
	c := newTestCache(t, 1<<20)

	path, err := c.Store("acme:calc", v(t, "1.0.0"), []byte("component-bytes"))
	require.NoError(t, err)
	assert.Equal(t, "acme__calc@1.0.0.wasm", filepath.Base(path))

	got, ok := c.Get("acme:calc", constraint(t, "^1.0"))
	require.True(t, ok)
	assert.Equal(t, path, got)

	_, ok = c.Get("acme:calc", constraint(t, "^2.0"))
	assert.False(t, ok)

	_, ok = c.Get("unknown", constraint(t, "*"))
	assert.False(t, ok)
}

func TestCachePrefersHighestVersion(t *testing.T) {
	c := newTestCache(t, 1<<20)

	_, err := c.Store("pkg", v(t, "1.0.0"), []byte("old"))
	require.NoError(t, err)
	newest, err := c.Store("pkg", v(t, "1.2.0"), []byte("new"))
	require.NoError(t, err)

	got, ok := c.Get("pkg", constraint(t, "^1.0"))
	require.True(t, ok)
	assert.Equal(t, newest, got)
}

func TestCacheIndexRebuild(t *testing.T) {
	dir := t.TempDir()

	first, err := NewCache(CacheConfig{CacheDir: dir, MaxSize: 1 << 20})
	require.NoError(t, err)
	_, err = first.Store("acme:calc", v(t, "1.0.0"), []byte("bytes"))
	require.NoError(t, err)

	second, err := NewCache(CacheConfig{CacheDir: dir, MaxSize: 1 << 20})
	require.NoError(t, err)

	_, ok := second.GetExact("acme:calc", v(t, "1.0.0"))
	assert.True(t, ok, "index rebuilds from the filesystem")
	assert.Equal(t, [][2]string{{"acme:calc", "1.0.0"}}, second.ListAll())
}

func TestCacheEvictsLRUUnderCap(t *testing.T) {
	c := newTestCache(t, 10)

	_, err := c.Store("old", v(t, "1.0.0"), []byte("12345"))
	require.NoError(t, err)

	// backdate the first entry so it is the LRU victim
	oldPath, ok := c.GetExact("old", v(t, "1.0.0"))
	require.True(t, ok)
	past := timeYearsAgo()
	require.NoError(t, os.Chtimes(oldPath, past, past))
	require.NoError(t, c.rebuildIndex())

	_, err = c.Store("mid", v(t, "1.0.0"), []byte("12345"))
	require.NoError(t, err)

	_, err = c.Store("new", v(t, "1.0.0"), []byte("12345"))
	require.NoError(t, err)

	_, ok = c.GetExact("old", v(t, "1.0.0"))
	assert.False(t, ok, "LRU entry evicted")
	_, ok = c.GetExact("new", v(t, "1.0.0"))
	assert.True(t, ok)
}

func timeYearsAgo() time.Time {
	return time.Now().Add(-365 * 24 * time.Hour)
}

func TestCacheRemoveVersion(t *testing.T) {
	c := newTestCache(t, 1<<20)

	_, err := c.Store("pkg", v(t, "1.0.0"), []byte("one"))
	require.NoError(t, err)
	_, err = c.Store("pkg", v(t, "2.0.0"), []byte("two"))
	require.NoError(t, err)

	c.RemoveVersion("pkg", v(t, "1.0.0"))
	_, ok := c.GetExact("pkg", v(t, "1.0.0"))
	assert.False(t, ok)
	_, ok = c.GetExact("pkg", v(t, "2.0.0"))
	assert.True(t, ok)

	c.Remove("pkg")
	assert.Empty(t, c.ListAll())
}

func TestCacheCleanUnused(t *testing.T) {
	c := newTestCache(t, 1<<20)

	_, err := c.Store("kept", v(t, "1.0.0"), []byte("a"))
	require.NoError(t, err)
	_, err = c.Store("orphan", v(t, "1.0.0"), []byte("b"))
	require.NoError(t, err)

	l := NewLockfile()
	l.Add(LockedComponent{Name: "kept", Version: "1.0.0", SHA256: HashBytes([]byte("a"))})

	removed := c.CleanUnused(l)
	assert.Equal(t, 1, removed)

	_, ok := c.GetExact("kept", v(t, "1.0.0"))
	assert.True(t, ok)
	_, ok = c.GetExact("orphan", v(t, "1.0.0"))
	assert.False(t, ok)
}

func TestCacheStats(t *testing.T) {
	c := newTestCache(t, 100)

	_, err := c.Store("pkg", v(t, "1.0.0"), []byte("1234567890"))
	require.NoError(t, err)

	stats := c.Stats()
	assert.Equal(t, 1, stats.ComponentCount)
	assert.Equal(t, 1, stats.TotalEntries)
	assert.Equal(t, 10, stats.TotalSize)
	assert.InDelta(t, 10.0, stats.UsagePercent(), 0.001)

	c.Clear()
	assert.Equal(t, 0, c.Stats().TotalEntries)
}

func TestSafeNameRoundTrip(t *testing.T) {
	assert.Equal(t, "wasi__http", SafeName("wasi:http"))
	assert.Equal(t, "my_package", SafeName("my/package"))
	assert.Equal(t, "wasi:http", UnsafeName("wasi__http"))
}

func TestParseCacheFilename(t *testing.T) {
	name, version, ok := parseCacheFilename("wasi__http@0.2.0.wasm")
	require.True(t, ok)
	assert.Equal(t, "wasi:http", name)
	assert.Equal(t, "0.2.0", version.String())

	_, _, ok = parseCacheFilename("noversion.wasm")
	assert.False(t, ok)
}
