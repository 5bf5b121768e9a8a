// Package cache implements the content-addressed local archive cache
// (spec §4.5): a packages/ directory, hardlink dedup keyed by SHA-256, a
// checksums.json sidecar, and size/age garbage collection. Semantics follow
// _examples/original_source/src/cache.rs (the pre-distillation
// implementation) rather than the teacher, which has no persistent cache of
// its own.
package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// Cache is a content-addressed store rooted at Dir, with a packages/
// subdirectory and a checksums.json sidecar (spec §4.5).
type Cache struct {
	Dir string
	mu  sync.Mutex
}

// New ensures Dir/packages exists and returns a Cache rooted there.
func New(dir string) (*Cache, error) {
	if err := os.MkdirAll(filepath.Join(dir, "packages"), 0755); err != nil {
		return nil, fmt.Errorf("cache: creating packages dir: %w", err)
	}
	return &Cache{Dir: dir}, nil
}

func (c *Cache) packagesDir() string  { return filepath.Join(c.Dir, "packages") }
func (c *Cache) checksumsPath() string { return filepath.Join(c.Dir, "checksums.json") }

func filename(name, version, arch, ext string) string {
	return fmt.Sprintf("%s_%s_%s.%s", name, version, arch, ext)
}

// PathOf returns the canonical on-disk location for an entry, whether or
// not it currently exists.
func (c *Cache) PathOf(name, version, arch, ext string) string {
	return filepath.Join(c.packagesDir(), filename(name, version, arch, ext))
}

// Has reports whether an entry exists.
func (c *Cache) Has(name, version, arch, ext string) bool {
	_, err := os.Stat(c.PathOf(name, version, arch, ext))
	return err == nil
}

func (c *Cache) loadChecksumIndex() (map[string]string, error) {
	data, err := os.ReadFile(c.checksumsPath())
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]string{}, nil
		}
		return nil, err
	}
	idx := map[string]string{}
	if err := json.Unmarshal(data, &idx); err != nil {
		return map[string]string{}, nil // a corrupt sidecar is rebuilt, not fatal
	}
	// Drop entries whose target no longer exists, per spec §4.5 invariant.
	live := map[string]string{}
	for sum, path := range idx {
		if _, err := os.Stat(path); err == nil {
			live[sum] = path
		}
	}
	return live, nil
}

func (c *Cache) saveChecksumIndex(idx map[string]string) error {
	data, err := json.Marshal(idx)
	if err != nil {
		return err
	}
	return os.WriteFile(c.checksumsPath(), data, 0644)
}

func sha256File(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Store computes the SHA-256 of sourceFile and places it at the canonical
// path for (name, version, arch, ext). If a live entry already carries that
// checksum, a hardlink is created (falling back to copy on cross-device
// failure); otherwise sourceFile is moved into place (falling back to copy)
// and the checksum index is updated (spec §4.5).
func (c *Cache) Store(name, version, arch, ext, sourceFile string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	dest := c.PathOf(name, version, arch, ext)
	if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return "", err
	}

	sum, err := sha256File(sourceFile)
	if err != nil {
		return "", err
	}

	idx, err := c.loadChecksumIndex()
	if err != nil {
		return "", err
	}

	if existing, ok := idx[sum]; ok && existing != dest {
		if err := os.Link(existing, dest); err != nil {
			if err := copyFile(existing, dest); err != nil {
				return "", err
			}
		}
		return dest, nil
	}

	if err := os.Rename(sourceFile, dest); err != nil {
		if err := copyFile(sourceFile, dest); err != nil {
			return "", err
		}
		os.Remove(sourceFile)
	}

	idx[sum] = dest
	if err := c.saveChecksumIndex(idx); err != nil {
		return "", err
	}
	return dest, nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return err
	}
	defer out.Close()
	_, err = io.Copy(out, in)
	return err
}

func hardlinkCount(path string) int {
	info, err := os.Lstat(path)
	if err != nil {
		return 1
	}
	if stat, ok := linkCount(info); ok {
		return stat
	}
	return 1
}

// Clean removes the files in packages/ whose hardlink count is 1; a file
// whose inode is shared with another named entry is left in place. It then
// prunes the checksum index (spec §4.5).
func (c *Cache) Clean() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	entries, err := os.ReadDir(c.packagesDir())
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		path := filepath.Join(c.packagesDir(), e.Name())
		if hardlinkCount(path) == 1 {
			os.Remove(path)
		}
	}

	idx, err := c.loadChecksumIndex()
	if err != nil {
		return err
	}
	return c.saveChecksumIndex(idx)
}

// parseCacheFilename splits "name_version_arch.ext" into its parts, per the
// invariant in spec §4.5 that every filename in packages/ parses this way.
func parseCacheFilename(name string) (pkgName string, ok bool) {
	base := strings.TrimSuffix(name, filepath.Ext(name))
	parts := strings.Split(base, "_")
	if len(parts) < 3 {
		return "", false
	}
	return strings.Join(parts[:len(parts)-2], "_"), true
}

// CleanOldVersions groups cached files by package name and removes every
// version but the newest (by mtime) within each group, returning the count
// removed (spec §4.5).
func (c *Cache) CleanOldVersions() (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entries, err := os.ReadDir(c.packagesDir())
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}

	type fileInfo struct {
		path    string
		modTime int64
	}
	byName := map[string][]fileInfo{}

	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		pkgName, ok := parseCacheFilename(e.Name())
		if !ok {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		path := filepath.Join(c.packagesDir(), e.Name())
		byName[pkgName] = append(byName[pkgName], fileInfo{path: path, modTime: info.ModTime().Unix()})
	}

	removed := 0
	for _, versions := range byName {
		if len(versions) <= 1 {
			continue
		}
		sort.Slice(versions, func(i, j int) bool { return versions[i].modTime > versions[j].modTime })
		for _, v := range versions[1:] {
			if err := os.Remove(v.path); err == nil {
				removed++
			}
		}
	}
	return removed, nil
}

// Size returns the total size in bytes of everything under packages/.
func (c *Cache) Size() (int64, error) {
	var total int64
	entries, err := os.ReadDir(c.packagesDir())
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		total += info.Size()
	}
	return total, nil
}

// CleanIfOverLimit deletes oldest-first until the cache's total size is
// under maxBytes, returning the number of files removed (spec §4.5).
func (c *Cache) CleanIfOverLimit(maxBytes int64) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	current, err := c.Size()
	if err != nil {
		return 0, err
	}
	if current <= maxBytes {
		return 0, nil
	}

	type fileInfo struct {
		path    string
		size    int64
		modTime int64
	}
	entries, err := os.ReadDir(c.packagesDir())
	if err != nil {
		return 0, err
	}
	var files []fileInfo
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		files = append(files, fileInfo{
			path:    filepath.Join(c.packagesDir(), e.Name()),
			size:    info.Size(),
			modTime: info.ModTime().Unix(),
		})
	}
	sort.Slice(files, func(i, j int) bool { return files[i].modTime < files[j].modTime })

	toRemove := current - maxBytes
	var removedSize int64
	removed := 0
	for _, f := range files {
		if removedSize >= toRemove {
			break
		}
		if err := os.Remove(f.path); err == nil {
			removedSize += f.size
			removed++
		}
	}
	return removed, nil
}

// Stats reports the total size and entry count of the cache, used by
// `cache clean` reporting (supplemented from original_source/cache.rs).
func (c *Cache) Stats() (sizeBytes int64, entries int, err error) {
	size, err := c.Size()
	if err != nil {
		return 0, 0, err
	}
	dirEntries, err := os.ReadDir(c.packagesDir())
	if err != nil {
		if os.IsNotExist(err) {
			return size, 0, nil
		}
		return 0, 0, err
	}
	n := 0
	for _, e := range dirEntries {
		if !e.IsDir() {
			n++
		}
	}
	return size, n, nil
}
