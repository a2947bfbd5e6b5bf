package repo

import (
	"os"
	"path/filepath"
	"sort"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/qiao-bo/justbuild/internal/hasher"
)

// digestCacheSize bounds the per-root digest cache; repeated requests for
// the same source file skip re-reading and re-hashing its content.
const digestCacheSize = 4096

type digestEntry struct {
	hex  string
	size int64
}

// LocalRoot is a FileRoot backed by a directory on the local file system.
type LocalRoot struct {
	base    string
	digests *lru.Cache[string, digestEntry]
}

// NewLocalRoot creates a file root rooted at base.
func NewLocalRoot(base string) (*LocalRoot, error) {
	cache, err := lru.New[string, digestEntry](digestCacheSize)
	if err != nil {
		return nil, err
	}
	return &LocalRoot{base: base, digests: cache}, nil
}

func (r *LocalRoot) abs(path string) string {
	return filepath.Join(r.base, filepath.FromSlash(path))
}

// IsFile reports whether path names a regular file under the root.
func (r *LocalRoot) IsFile(path string) bool {
	info, err := os.Stat(r.abs(path))
	return err == nil && info.Mode().IsRegular()
}

// IsTree reports whether path names a directory under the root.
func (r *LocalRoot) IsTree(path string) bool {
	info, err := os.Stat(r.abs(path))
	return err == nil && info.IsDir()
}

// ReadFile returns the content of the file at path.
func (r *LocalRoot) ReadFile(path string) ([]byte, bool) {
	data, err := os.ReadFile(r.abs(path))
	if err != nil {
		return nil, false
	}
	return data, true
}

// List enumerates the files and sub-trees directly under path.
func (r *LocalRoot) List(path string) ([]string, []string, bool) {
	entries, err := os.ReadDir(r.abs(path))
	if err != nil {
		return nil, nil, false
	}
	var files, trees []string
	for _, entry := range entries {
		if entry.IsDir() {
			trees = append(trees, entry.Name())
		} else if entry.Type().IsRegular() {
			files = append(files, entry.Name())
		}
	}
	sort.Strings(files)
	sort.Strings(trees)
	return files, trees, true
}

// FileDigest returns the content digest and size of the file at path,
// serving repeated requests from a bounded cache.
func (r *LocalRoot) FileDigest(path string) (string, int64, bool) {
	if cached, ok := r.digests.Get(path); ok {
		return cached.hex, cached.size, true
	}
	data, ok := r.ReadFile(path)
	if !ok {
		return "", 0, false
	}
	entry := digestEntry{hex: hasher.Run(data).Hex(), size: int64(len(data))}
	r.digests.Add(path, entry)
	return entry.hex, entry.size, true
}
