package registry

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/Masterminds/semver/v3"

	"github.com/corralhq/corral/pkg/errdefs"
)

// CacheConfig bounds the on-disk component cache.
type CacheConfig struct {
	CacheDir string
	MaxSize  int
}

// DefaultCacheConfig returns the standard cache limits.
func DefaultCacheConfig(dir string) CacheConfig {
	return CacheConfig{CacheDir: dir, MaxSize: 1024 * 1024 * 1024}
}

type cachedEntry struct {
	version  *semver.Version
	path     string
	size     int
	lastUsed int64
}

// Cache is the filesystem-backed component cache. Files are keyed
// "{safe(name)}@{version}.wasm"; the index rebuilds from the directory
// at startup and eviction is LRU by modification time under the byte
// cap.
type Cache struct {
	config CacheConfig

	mu    sync.Mutex
	index map[string][]cachedEntry
}

// NewCache opens (creating if needed) a cache directory and indexes
// its contents.
func NewCache(config CacheConfig) (*Cache, error) {
	if err := os.MkdirAll(config.CacheDir, 0755); err != nil {
		return nil, errdefs.Wrap(errdefs.KindIO, "", err, "create cache dir %s", config.CacheDir)
	}

	c := &Cache{config: config, index: make(map[string][]cachedEntry)}
	if err := c.rebuildIndex(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Cache) rebuildIndex() error {
	c.index = make(map[string][]cachedEntry)

	entries, err := os.ReadDir(c.config.CacheDir)
	if err != nil {
		return errdefs.Wrap(errdefs.KindIO, "", err, "read cache dir")
	}

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".wasm") {
			continue
		}
		name, version, ok := parseCacheFilename(entry.Name())
		if !ok {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		c.index[name] = append(c.index[name], cachedEntry{
			version:  version,
			path:     filepath.Join(c.config.CacheDir, entry.Name()),
			size:     int(info.Size()),
			lastUsed: info.ModTime().Unix(),
		})
	}

	for name := range c.index {
		sortByVersionDesc(c.index[name])
	}
	return nil
}

// Get returns the path of the highest cached version matching the
// requirement, or ok=false.
func (c *Cache) Get(name string, constraint *semver.Constraints) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, entry := range c.index[name] {
		if constraint.Check(entry.version) {
			if _, err := os.Stat(entry.path); err == nil {
				return entry.path, true
			}
		}
	}
	return "", false
}

// GetExact returns the path of one exact cached version.
func (c *Cache) GetExact(name string, version *semver.Version) (string, bool) {
	return c.Get(name, exactConstraint(version))
}

// Store writes a component into the cache, evicting least-recently
// used entries when the byte cap would be exceeded.
func (c *Cache) Store(name string, version *semver.Version, data []byte) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.totalSize()+len(data) > c.config.MaxSize {
		c.evict(len(data))
	}

	filename := fmt.Sprintf("%s@%s.wasm", SafeName(name), version)
	path := filepath.Join(c.config.CacheDir, filename)
	if err := os.WriteFile(path, data, 0644); err != nil {
		return "", errdefs.Wrap(errdefs.KindIO, "", err, "write cache entry %s", filename)
	}

	info, err := os.Stat(path)
	var lastUsed int64
	if err == nil {
		lastUsed = info.ModTime().Unix()
	}

	entries := c.index[name]
	kept := entries[:0]
	for _, e := range entries {
		if !e.version.Equal(version) {
			kept = append(kept, e)
		}
	}
	kept = append(kept, cachedEntry{version: version, path: path, size: len(data), lastUsed: lastUsed})
	sortByVersionDesc(kept)
	c.index[name] = kept

	return path, nil
}

// Remove drops every cached version of a component.
func (c *Cache) Remove(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, entry := range c.index[name] {
		_ = os.Remove(entry.path)
	}
	delete(c.index, name)
}

// RemoveVersion drops one cached version.
func (c *Cache) RemoveVersion(name string, version *semver.Version) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entries := c.index[name]
	kept := entries[:0]
	for _, e := range entries {
		if e.version.Equal(version) {
			_ = os.Remove(e.path)
		} else {
			kept = append(kept, e)
		}
	}
	if len(kept) == 0 {
		delete(c.index, name)
	} else {
		c.index[name] = kept
	}
}

// ListAll returns every cached (name, version), sorted.
func (c *Cache) ListAll() [][2]string {
	c.mu.Lock()
	defer c.mu.Unlock()

	var out [][2]string
	for name, entries := range c.index {
		for _, e := range entries {
			out = append(out, [2]string{name, e.version.String()})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i][0] != out[j][0] {
			return out[i][0] < out[j][0]
		}
		return out[i][1] < out[j][1]
	})
	return out
}

// CleanUnused removes cached components the lockfile does not
// reference; returns the number of files removed.
func (c *Cache) CleanUnused(lockfile *Lockfile) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	locked := make(map[string]bool)
	if lockfile != nil {
		for _, comp := range lockfile.Components() {
			locked[comp.Name] = true
		}
	}

	removed := 0
	for name, entries := range c.index {
		if locked[name] {
			continue
		}
		for _, entry := range entries {
			if os.Remove(entry.path) == nil {
				removed++
			}
		}
		delete(c.index, name)
	}
	return removed
}

// Clear removes every cached file.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, entries := range c.index {
		for _, entry := range entries {
			_ = os.Remove(entry.path)
		}
	}
	c.index = make(map[string][]cachedEntry)
}

// CacheStats summarises cache contents.
type CacheStats struct {
	ComponentCount int
	TotalEntries   int
	TotalSize      int
	MaxSize        int
}

// Stats returns a snapshot of cache usage.
func (c *Cache) Stats() CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()

	stats := CacheStats{ComponentCount: len(c.index), MaxSize: c.config.MaxSize}
	for _, entries := range c.index {
		stats.TotalEntries += len(entries)
	}
	stats.TotalSize = c.totalSize()
	return stats
}

// UsagePercent returns cache fill as a percentage of the byte cap.
func (s CacheStats) UsagePercent() float64 {
	if s.MaxSize == 0 {
		return 0
	}
	return float64(s.TotalSize) / float64(s.MaxSize) * 100.0
}

func (c *Cache) totalSize() int {
	total := 0
	for _, entries := range c.index {
		for _, e := range entries {
			total += e.size
		}
	}
	return total
}

// evict removes least-recently-used entries until at least needed
// bytes are free.
func (c *Cache) evict(needed int) {
	type victim struct {
		name  string
		entry cachedEntry
	}

	var all []victim
	for name, entries := range c.index {
		for _, e := range entries {
			all = append(all, victim{name: name, entry: e})
		}
	}
	sort.Slice(all, func(i, j int) bool { return all[i].entry.lastUsed < all[j].entry.lastUsed })

	freed := 0
	for _, v := range all {
		if freed >= needed {
			break
		}
		if os.Remove(v.entry.path) == nil {
			freed += v.entry.size
			entries := c.index[v.name]
			kept := entries[:0]
			for _, e := range entries {
				if !e.version.Equal(v.entry.version) {
					kept = append(kept, e)
				}
			}
			if len(kept) == 0 {
				delete(c.index, v.name)
			} else {
				c.index[v.name] = kept
			}
		}
	}
}

func parseCacheFilename(filename string) (string, *semver.Version, bool) {
	stem := strings.TrimSuffix(filename, ".wasm")
	at := strings.LastIndex(stem, "@")
	if at < 0 {
		return "", nil, false
	}
	version, err := semver.NewVersion(stem[at+1:])
	if err != nil {
		return "", nil, false
	}
	return UnsafeName(stem[:at]), version, true
}

func sortByVersionDesc(entries []cachedEntry) {
	sort.Slice(entries, func(i, j int) bool { return entries[i].version.GreaterThan(entries[j].version) })
}
